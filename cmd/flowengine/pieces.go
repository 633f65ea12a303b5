package main

import (
	"github.com/spf13/cobra"
)

func newPiecesCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "pieces",
		Short: "List the registered piece actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := root.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return printJSON(cmd.OutOrStdout(), a.pieces.List())
		},
	}
}
