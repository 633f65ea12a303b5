package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/flowengine/internal/flowfile"
	"github.com/rendis/flowengine/internal/secrets"
)

// newSecretsCmd manages the encrypted connection values flows read through
// {{connections.<name>}}.
func newSecretsCmd(root *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "connections",
		Aliases: []string{"secrets"},
		Short:   "Manage encrypted connections (requires FLOWENGINE_VAULT_PASSPHRASE)",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set <name> <value>",
		Short: "Store a connection; value is JSON/YAML, plain text, or @file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := flowfile.ParsePayload(args[1])
			if err != nil {
				return err
			}
			return withVault(cmd, root, func(v secrets.Vault) error {
				if err := secrets.StoreConnection(cmd.Context(), v, args[0], value); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Stored connection %s\n", args[0])
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List connection names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd, root, func(v secrets.Vault) error {
				names, err := v.List(cmd.Context())
				if err != nil {
					return err
				}
				for _, n := range names {
					fmt.Fprintln(cmd.OutOrStdout(), n)
				}
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd, root, func(v secrets.Vault) error {
				return v.Delete(cmd.Context(), args[0])
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "rotate",
		Short: "Re-encrypt every connection with FLOWENGINE_NEW_VAULT_PASSPHRASE",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			passphrase := os.Getenv("FLOWENGINE_NEW_VAULT_PASSPHRASE")
			if passphrase == "" {
				return errors.New("FLOWENGINE_NEW_VAULT_PASSPHRASE is not set")
			}
			a, err := root.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			v, err := a.requireVault()
			if err != nil {
				return err
			}
			current, ok := v.(*secrets.AESVault)
			if !ok {
				return fmt.Errorf("vault %T cannot be rotated", v)
			}
			next, err := secrets.NewAESVault(a.store, secrets.VaultConfig{Passphrase: passphrase})
			if err != nil {
				return err
			}
			n, err := current.Rotate(cmd.Context(), next)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rotated %d connections; set FLOWENGINE_VAULT_PASSPHRASE to the new passphrase\n", n)
			return nil
		},
	})
	return cmd
}

func withVault(cmd *cobra.Command, root *rootFlags, fn func(secrets.Vault) error) error {
	a, err := root.open(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	v, err := a.requireVault()
	if err != nil {
		return err
	}
	return fn(v)
}
