package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/flowengine/internal/store"
	"github.com/rendis/flowengine/pkg/schema"
)

func newRunsCmd(root *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded runs",
	}
	cmd.AddCommand(newRunsListCmd(root))
	cmd.AddCommand(newRunsGetCmd(root))
	cmd.AddCommand(newRunsEventsCmd(root))
	cmd.AddCommand(newFlowVersionsCmd(root))
	return cmd
}

type runsListOptions struct {
	FlowID        string
	FlowVersionID string
	Status        string
	Since         time.Duration
	Limit         int
	Offset        int
}

func newRunsListCmd(root *rootFlags) *cobra.Command {
	opts := runsListOptions{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := opts.filter(time.Now())
			if err != nil {
				return err
			}
			a, err := root.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			runs, err := a.service.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if runs == nil {
				runs = []*store.Run{}
			}
			return printJSON(cmd.OutOrStdout(), runs)
		},
	}

	cmd.Flags().StringVar(&opts.FlowID, "flow", "", "only runs of this flow")
	cmd.Flags().StringVar(&opts.FlowVersionID, "flow-version", "", "only runs of this flow version")
	cmd.Flags().StringVar(&opts.Status, "status", "", "only runs with this status")
	cmd.Flags().DurationVar(&opts.Since, "since", 0, "only runs created within this window, e.g. 24h")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "maximum number of runs")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "number of runs to skip")

	return cmd
}

func (o runsListOptions) filter(now time.Time) (store.RunFilter, error) {
	f := store.RunFilter{
		FlowID:        o.FlowID,
		FlowVersionID: o.FlowVersionID,
		Limit:         o.Limit,
		Offset:        o.Offset,
	}
	if o.Status != "" {
		st, err := parseRunStatus(o.Status)
		if err != nil {
			return f, err
		}
		f.Status = &st
	}
	if o.Since > 0 {
		since := now.Add(-o.Since)
		f.Since = &since
	}
	return f, nil
}

var runStatuses = []schema.RunStatus{
	schema.RunStatusRunning,
	schema.RunStatusSucceeded,
	schema.RunStatusFailed,
	schema.RunStatusPaused,
	schema.RunStatusStopped,
	schema.RunStatusTimeout,
	schema.RunStatusInternalError,
}

func parseRunStatus(s string) (schema.RunStatus, error) {
	want := schema.RunStatus(strings.ToUpper(strings.TrimSpace(s)))
	for _, st := range runStatuses {
		if st == want {
			return st, nil
		}
	}
	return "", schema.NewErrorf(schema.ErrCodeValidation, "unknown run status %q", s)
}

func newRunsGetCmd(root *rootFlags) *cobra.Command {
	var timeline bool

	cmd := &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := root.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			run, err := a.service.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !timeline {
				return printJSON(cmd.OutOrStdout(), run)
			}
			steps, err := a.service.Timeline(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("timeline: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"run": run, "timeline": steps})
		},
	}

	cmd.Flags().BoolVar(&timeline, "timeline", false, "include the per-step timeline rebuilt from the event log")

	return cmd
}

func newRunsEventsCmd(root *rootFlags) *cobra.Command {
	var (
		eventType string
		step      string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "events [run-id]",
		Short: "Show a run's event log, or events of one type across runs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := ""
			if len(args) == 1 {
				runID = args[0]
			}
			if runID == "" && eventType == "" {
				return schema.NewError(schema.ErrCodeValidation, "a run ID or --type is required")
			}
			a, err := root.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			var events []*store.Event
			if eventType != "" {
				events, err = a.service.EventsByType(cmd.Context(), eventType,
					store.EventFilter{RunID: runID, StepName: step, Limit: limit})
			} else {
				events, err = a.service.Events(cmd.Context(), runID)
			}
			if err != nil {
				return err
			}
			if events == nil {
				events = []*store.Event{}
			}
			return printJSON(cmd.OutOrStdout(), events)
		},
	}

	cmd.Flags().StringVar(&eventType, "type", "", "only events of this type, e.g. step_failed")
	cmd.Flags().StringVar(&step, "step", "", "only events of this step (with --type)")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of events (with --type)")

	return cmd
}

func newFlowVersionsCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "versions <flow-id>",
		Short: "List the stored versions of a flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := root.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			versions, err := a.service.FlowVersions(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), versions)
		},
	}
}
