package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/flowengine/internal/flowfile"
	"github.com/rendis/flowengine/pkg/schema"
)

type batchOptions struct {
	Payloads    string
	Concurrency int
}

func newBatchCmd(root *rootFlags) *cobra.Command {
	opts := batchOptions{}

	cmd := &cobra.Command{
		Use:   "batch <flow-file>",
		Short: "Run a flow once per payload through the worker pool",
		Long: "Batch stores the flow file as a new version and starts one run per element\n" +
			"of the --payloads list. Runs execute concurrently, bounded by --concurrency\n" +
			"(default: the configured pool size).",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payloads, err := parsePayloadList(opts.Payloads)
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
			concurrency := opts.Concurrency
			if concurrency <= 0 {
				concurrency = a.cfg.PoolSize
			}
			results, metrics, err := a.service.StartBatch(cmd.Context(), fvID, payloads, a.cfg.Constants(), concurrency)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), map[string]any{
				"flow_version_id": fvID,
				"results":         results,
				"metrics":         metrics,
			}); err != nil {
				return err
			}
			if metrics.Failed > 0 {
				return fmt.Errorf("%d of %d runs did not succeed", metrics.Failed, len(results))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.Payloads, "payloads", "p", "", "list of trigger payloads as JSON/YAML, or @file")
	cmd.Flags().IntVarP(&opts.Concurrency, "concurrency", "c", 0, "maximum concurrent runs")
	cmd.MarkFlagRequired("payloads") //nolint:errcheck

	return cmd
}

func parsePayloadList(value string) ([]any, error) {
	parsed, err := flowfile.ParsePayload(value)
	if err != nil {
		return nil, err
	}
	list, ok := parsed.([]any)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "payloads must be a list")
	}
	if len(list) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "payloads list is empty")
	}
	return list, nil
}
