package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "flowctl",
		Short:         "flowctl runs workflow attempts",
		Long:          "flowctl stores workflow definitions, starts attempts per session and drives their tasks with dispatchers sharing one database.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.loadConfig()
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return a.close()
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", os.Getenv("FLOWCTL_CONFIG"), "Path to the YAML config file")
	root.PersistentFlags().StringVarP(&a.project, "project", "P", "", "Project name (overrides config)")
	root.PersistentFlags().StringVarP(&a.output, "output", "o", "json", "Output format: json or yaml")

	root.AddCommand(
		newServerCmd(a),
		newRunCmd(a),
		newPushCmd(a),
		newStartCmd(a),
		newKillCmd(a),
		newRetryCmd(a),
		newBackfillCmd(a),
		newAttemptCmd(a),
		newAttemptsCmd(a),
		newTasksCmd(a),
		newEventsCmd(a),
		newSchedulesCmd(a),
		newSecretsCmd(a),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the flowctl version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

// printResult writes v to w in the selected format.
func printResult(w io.Writer, format string, v any) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case "json", "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	return fmt.Errorf("unknown output format %q", format)
}
