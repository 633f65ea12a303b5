package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/flowengine/internal/diagram"
	"github.com/rendis/flowengine/internal/execution"
	"github.com/rendis/flowengine/internal/flowfile"
	"github.com/rendis/flowengine/pkg/schema"
)

type diagramOptions struct {
	RunID  string
	Format string
	Output string
}

func newDiagramCmd(root *rootFlags) *cobra.Command {
	opts := diagramOptions{}

	cmd := &cobra.Command{
		Use:   "diagram [flow-file]",
		Short: "Draw a flow, or a recorded run with its step statuses",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 0) == (opts.RunID == "") {
				return errors.New("exactly one of a flow file or --run is required")
			}

			var (
				fv    *schema.FlowVersion
				steps execution.Steps
			)
			if opts.RunID != "" {
				a, err := root.open(cmd)
				if err != nil {
					return err
				}
				defer a.Close()
				if fv, steps, err = a.service.RunTrace(cmd.Context(), opts.RunID); err != nil {
					return err
				}
			} else {
				doc, err := flowfile.Load(args[0])
				if err != nil {
					return err
				}
				fv = doc.Flow
			}

			model, err := diagram.Build(fv, steps)
			if err != nil {
				return err
			}

			var out []byte
			switch opts.Format {
			case "mermaid":
				out = []byte(diagram.RenderMermaid(model))
			case string(diagram.FormatPNG), string(diagram.FormatSVG):
				if out, err = diagram.RenderImage(cmd.Context(), model, diagram.Format(opts.Format)); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown format %q (want mermaid, png or svg)", opts.Format)
			}
			return writeOutput(cmd.OutOrStdout(), opts.Output, out)
		},
	}

	cmd.Flags().StringVar(&opts.RunID, "run", "", "draw the flow of this run, colored by step status")
	cmd.Flags().StringVarP(&opts.Format, "format", "f", "mermaid", "mermaid, png or svg")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write to this file instead of stdout")

	return cmd
}

func writeOutput(stdout io.Writer, path string, data []byte) error {
	if path == "" {
		_, err := stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
