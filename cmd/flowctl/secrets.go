package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

func newSecretsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage project secrets",
	}
	cmd.AddCommand(newSecretsSetCmd(a), newSecretsListCmd(a), newSecretsDeleteCmd(a))
	return cmd
}

func newSecretsSetCmd(a *app) *cobra.Command {
	var fromStdin bool
	cmd := &cobra.Command{
		Use:   "set KEY [VALUE]",
		Short: "Store a secret; the value is read from stdin with --stdin",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var value string
			switch {
			case fromStdin:
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				value = strings.TrimRight(string(data), "\r\n")
			case len(args) == 2:
				value = args[1]
			default:
				return fmt.Errorf("secret value missing: pass VALUE or --stdin")
			}
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			if err := a.ctrl.SetSecret(cmd.Context(), a.cfg.Project, args[0], value); err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), a.output, map[string]any{"ok": true, "key": args[0]})
		},
	}
	cmd.Flags().BoolVar(&fromStdin, "stdin", false, "Read the value from stdin")
	return cmd
}

func newSecretsListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List secret keys of the project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			keys, err := a.ctrl.ListSecrets(cmd.Context(), a.cfg.Project)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), a.output, keys)
		},
	}
}

func newSecretsDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete KEY",
		Short: "Delete a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			if err := a.ctrl.DeleteSecret(cmd.Context(), a.cfg.Project, args[0]); err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), a.output, map[string]any{"ok": true, "key": args[0]})
		},
	}
}
