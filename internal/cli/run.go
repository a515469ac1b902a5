package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewRunCmd создаёт группу команд для управления runs.
func NewRunCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Manage pipeline runs",
	}

	cmd.AddCommand(
		newRunStartCmd(clientFn, outputFn),
		newRunListCmd(clientFn, outputFn),
		newRunShowCmd(clientFn, outputFn),
		newRunTasksCmd(clientFn, outputFn),
	)

	return cmd
}

func newRunStartCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var req StartRunRequest

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a run for a media object",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			res, err := client.StartRun(req)
			if err != nil {
				return err
			}

			if res.Created {
				out.Success(fmt.Sprintf("Run started: %s", res.RunID))
			} else {
				out.Success(fmt.Sprintf("Run already exists: %s", res.RunID))
			}
			out.Print(
				[]string{"RUN_ID", "STATUS", "CREATED"},
				[][]string{{res.RunID, res.Status, strconv.FormatBool(res.Created)}},
				res,
			)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.Bucket, "bucket", "", "Source bucket")
	cmd.Flags().StringVar(&req.Name, "name", "", "Source object name")
	cmd.Flags().StringVar(&req.Generation, "generation", "", "Source object generation")
	cmd.Flags().StringVar(&req.SessionID, "session", "", "Session ID")
	cmd.Flags().StringVar(&req.CorrelationID, "correlation-id", "", "Correlation ID")
	cmd.MarkFlagRequired("bucket")
	cmd.MarkFlagRequired("name")

	return cmd
}

func newRunListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			runs, err := client.ListRuns(ListRunsOpts{
				Status: status,
				Limit:  limit,
			})
			if err != nil {
				return err
			}

			headers := []string{"RUN_ID", "OBJECT", "STEP", "STATUS", "OUTCOME", "CREATED"}
			rows := make([][]string, len(runs))
			for i, r := range runs {
				rows[i] = []string{shortID(r.ID), r.Source.Bucket + "/" + r.Source.Name, r.CurrentStep, r.Status, r.Outcome, r.CreatedAt}
			}

			out.Print(headers, rows, runs)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (CREATED, IN_PROGRESS, DONE, FAILED)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")

	return cmd
}

func newRunShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show run details with step records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			run, err := client.GetRun(args[0])
			if err != nil {
				return err
			}

			if out.jsonMode {
				out.JSON(run)
				return nil
			}

			out.Details([][2]string{
				{"RUN_ID", run.ID},
				{"SOURCE", run.Source.Bucket + "/" + run.Source.Name + "@" + run.Source.Generation},
				{"STATUS", run.Status},
				{"OUTCOME", run.Outcome},
				{"CURRENT_STEP", run.CurrentStep},
				{"ERROR", run.Error},
			})
			fmt.Fprintln(out.w)

			rows := make([][]string, len(run.Steps))
			for i, s := range run.Steps {
				rows[i] = []string{s.Name, s.Status, strconv.Itoa(s.Attempts), s.TaskKey, s.Error}
			}
			out.Table([]string{"STEP", "STATUS", "ATTEMPTS", "TASK_KEY", "ERROR"}, rows)
			return nil
		},
	}
}

func newRunTasksCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "tasks RUN_ID",
		Short: "List step delivery tasks of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			tasks, err := client.ListTasks(args[0])
			if err != nil {
				return err
			}

			headers := []string{"TASK_KEY", "STEP", "STATUS", "ATTEMPT", "CODE", "ERROR"}
			rows := make([][]string, len(tasks))
			for i, t := range tasks {
				rows[i] = []string{t.Key, t.Step, t.Status, strconv.Itoa(t.Attempt), strconv.Itoa(t.LastStatusCode), t.Error}
			}

			out.Print(headers, rows, tasks)
			return nil
		},
	}
}

// shortID сокращает hex run_id для таблиц.
func shortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}
