package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/shaiso/Scribe/internal/domain"
	"github.com/shaiso/Scribe/internal/ingress"
)

// NewEventCmd создаёт группу команд для отправки событий pipeline.
func NewEventCmd(clientFn func() *Client, outputFn func() *Output, apiURL func() string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "event",
		Short: "Send pipeline events",
	}

	cmd.AddCommand(newEventSendCmd(clientFn, outputFn, apiURL))
	return cmd
}

// EventFlags — параметры события для event send.
type EventFlags struct {
	Type          string
	RunID         string
	Step          string
	CorrelationID string
	Simulate      string
	Attempt       int
	Artifacts     []string
	Input         []string
}

// BuildEvent собирает событие из флагов.
func BuildEvent(f EventFlags, now time.Time) (*domain.Event, error) {
	if f.Type == "" {
		return nil, fmt.Errorf("event type is required")
	}

	evt := &domain.Event{
		Version:         domain.EventVersion,
		EventType:       f.Type,
		RunID:           f.RunID,
		Step:            f.Step,
		CorrelationID:   f.CorrelationID,
		SimulateFailure: f.Simulate,
		TS:              now.UTC().Format(time.RFC3339Nano),
	}
	if evt.Step == "" {
		evt.Step = evt.Subject()
	}
	if evt.CorrelationID == "" {
		evt.CorrelationID = uuid.NewString()
	}

	artifacts, err := parsePairs(f.Artifacts)
	if err != nil {
		return nil, err
	}
	if len(artifacts) > 0 {
		evt.Artifacts = artifacts
	}

	input, err := parsePairs(f.Input)
	if err != nil {
		return nil, err
	}
	if len(input) > 0 {
		evt.Input = input
	}

	return evt, nil
}

func newEventSendCmd(clientFn func() *Client, outputFn func() *Output, apiURL func() string) *cobra.Command {
	var (
		flags    EventFlags
		endpoint string
		dryRun   bool
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Wrap an event in a push envelope and deliver it",
		Example: `  scribectl event send --type transcribe.completed --run-id RUN_ID --artifact transcript=gs://b/t.json
  scribectl event send --type object.finalized --input bucket=b --input name=r.wav --input generation=7`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			evt, err := BuildEvent(flags, time.Now())
			if err != nil {
				return err
			}

			envelope, err := ingress.EncodeEnvelope(evt, uuid.NewString(), flags.Attempt)
			if err != nil {
				return err
			}

			if dryRun {
				out.Raw(envelope)
				return nil
			}

			if endpoint == "" {
				endpoint = strings.TrimRight(apiURL(), "/") + "/events/push"
			}

			status, err := clientFn().Push(endpoint, envelope)
			if err != nil {
				return err
			}

			switch {
			case status >= 200 && status < 300:
				out.Success(fmt.Sprintf("Event %s acknowledged (HTTP %d)", evt.EventType, status))
			case status >= 500:
				out.Error(fmt.Sprintf("event %s will be redelivered (HTTP %d)", evt.EventType, status))
			default:
				return fmt.Errorf("push rejected: HTTP %d", status)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.Type, "type", "", "Event type, e.g. transcribe.completed")
	cmd.Flags().StringVar(&flags.RunID, "run-id", "", "Run ID")
	cmd.Flags().StringVar(&flags.Step, "step", "", "Step name (default: event type subject)")
	cmd.Flags().StringVar(&flags.CorrelationID, "correlation-id", "", "Correlation ID (generated if empty)")
	cmd.Flags().StringVar(&flags.Simulate, "simulate", "", "simulate_failure mode (retryable-once, retryable-always, permanent)")
	cmd.Flags().IntVar(&flags.Attempt, "attempt", 1, "Delivery attempt")
	cmd.Flags().StringArrayVar(&flags.Artifacts, "artifact", nil, "Artifact as KEY=VALUE (repeatable)")
	cmd.Flags().StringArrayVar(&flags.Input, "input", nil, "Input field as KEY=VALUE (repeatable)")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "Push endpoint (default: <api-url>/events/push)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the envelope instead of sending")
	cmd.MarkFlagRequired("type")

	return cmd
}

// parsePairs разбирает KEY=VALUE. Значения true/false становятся bool.
func parsePairs(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, kv := range pairs {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid format %q, expected KEY=VALUE", kv)
		}
		switch value {
		case "true":
			out[key] = true
		case "false":
			out[key] = false
		default:
			out[key] = value
		}
	}
	return out, nil
}
