package cli

import (
	"github.com/spf13/cobra"

	"github.com/shaiso/Scribe/internal/idempotency"
)

// NewKeyCmd создаёт группу команд для ключей идемпотентности.
func NewKeyCmd(outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Idempotency keys",
	}

	cmd.AddCommand(newKeyDeriveCmd(outputFn))
	return cmd
}

func newKeyDeriveCmd(outputFn func() *Output) *cobra.Command {
	var session string

	cmd := &cobra.Command{
		Use:   "derive BUCKET NAME GENERATION",
		Short: "Derive run_id for a media object",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			canonical := idempotency.Canonical(args[0], args[1], args[2], session)
			key := idempotency.Derive(args[0], args[1], args[2], session)

			out.Print(
				[]string{"RUN_ID", "CANONICAL"},
				[][]string{{key, canonical}},
				map[string]string{"run_id": key, "canonical": canonical},
			)
			return nil
		},
	}

	cmd.Flags().StringVar(&session, "session", "", "Session ID")
	return cmd
}
