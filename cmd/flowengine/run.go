package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rendis/flowengine/internal/engine"
	"github.com/rendis/flowengine/internal/flowfile"
	"github.com/rendis/flowengine/pkg/schema"
)

func newValidateCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <flow-file>",
		Short: "Check a flow file without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := flowfile.Load(args[0])
			if err != nil {
				return err
			}
			a, err := root.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			result := a.validator.ValidateDocument(doc.Raw, doc.Flow)
			if err := printJSON(cmd.OutOrStdout(), map[string]any{
				"valid":    result.Valid(),
				"errors":   result.Errors,
				"warnings": result.Warnings,
			}); err != nil {
				return err
			}
			if !result.Valid() {
				return fmt.Errorf("%s: flow validation failed with %d errors", args[0], len(result.Errors))
			}
			return nil
		},
	}
}

type runOptions struct {
	FlowVersionID string
	Payload       string
}

func newRunCmd(root *rootFlags) *cobra.Command {
	opts := runOptions{}

	cmd := &cobra.Command{
		Use:   "run [flow-file]",
		Short: "Store a flow file as a new version and run it",
		Long: "Run saves the flow file as a new flow version and executes it with the given\n" +
			"trigger payload. Use --flow-version to run a version that is already stored.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && opts.FlowVersionID == "" {
				return errors.New("a flow file or --flow-version is required")
			}
			payload, err := flowfile.ParsePayload(opts.Payload)
			if err != nil {
				return err
			}
			a, err := root.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			fvID := opts.FlowVersionID
			if len(args) == 1 {
				if fvID, err = saveFlowFile(cmd, a, args[0]); err != nil {
					return err
				}
			}
			res, err := a.service.Start(cmd.Context(), fvID, payload, a.cfg.Constants())
			if err != nil {
				return err
			}
			return reportRun(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().StringVar(&opts.FlowVersionID, "flow-version", "", "ID of a stored flow version to run")
	cmd.Flags().StringVarP(&opts.Payload, "payload", "p", "", "trigger payload as JSON/YAML, or @file")

	return cmd
}

type testStepOptions struct {
	Step    string
	FromRun string
	Payload string
}

func newTestStepCmd(root *rootFlags) *cobra.Command {
	opts := testStepOptions{}

	cmd := &cobra.Command{
		Use:   "test-step <flow-file>",
		Short: "Execute a single step of a flow without recording a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := flowfile.ParsePayload(opts.Payload)
			if err != nil {
				return err
			}
			a, err := root.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			fvID, err := saveFlowFile(cmd, a, args[0])
			if err != nil {
				return err
			}
			res, err := a.service.TestStep(cmd.Context(), fvID, opts.Step, opts.FromRun, payload, a.cfg.Constants())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().StringVarP(&opts.Step, "step", "s", "", "name of the step to execute")
	cmd.Flags().StringVar(&opts.FromRun, "from-run", "", "run whose step outputs the tested step may reference")
	cmd.Flags().StringVarP(&opts.Payload, "payload", "p", "", "trigger payload as JSON/YAML, or @file")
	cmd.MarkFlagRequired("step") //nolint:errcheck

	return cmd
}

func newResumeCmd(root *rootFlags) *cobra.Command {
	var payloadArg string

	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume a paused run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := flowfile.ParsePayload(payloadArg)
			if err != nil {
				return err
			}
			a, err := root.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.service.Resume(cmd.Context(), args[0], payload, a.cfg.Constants())
			if err != nil {
				return err
			}
			return reportRun(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().StringVarP(&payloadArg, "payload", "p", "", "resume payload as JSON/YAML, or @file")

	return cmd
}

func newRetryCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <run-id>",
		Short: "Re-run a failed run from its first failed step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := root.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.service.RetryFromFailed(cmd.Context(), args[0], a.cfg.Constants())
			if err != nil {
				return err
			}
			return reportRun(cmd.OutOrStdout(), res)
		},
	}
}

// saveFlowFile loads, validates and stores a flow file, returning the new
// flow version ID. Validation warnings are logged.
func saveFlowFile(cmd *cobra.Command, a *app, path string) (string, error) {
	doc, err := flowfile.Load(path)
	if err != nil {
		return "", err
	}
	result := a.validator.ValidateDocument(doc.Raw, doc.Flow)
	if err := result.ToError(); err != nil {
		return "", err
	}
	for _, w := range result.Warnings {
		a.logger.WarnContext(cmd.Context(), "flow validation warning",
			"path", w.Path, "step", w.Step, "message", w.Message)
	}
	rec, err := a.service.SaveFlow(cmd.Context(), doc.Flow)
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

// reportRun prints the result and turns an unsuccessful verdict into an error
// so the exit code reflects it.
func reportRun(w io.Writer, res *engine.RunResult) error {
	if err := printJSON(w, res); err != nil {
		return err
	}
	switch res.Status {
	case schema.RunStatusSucceeded, schema.RunStatusStopped, schema.RunStatusPaused:
		return nil
	}
	return fmt.Errorf("run %s ended %s", res.RunID, res.Status)
}
