package main

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/conductor/fleetagent/internal/agent"
)

// Build information (set from main.go)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Global flags
var (
	configFile   string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "fleet-agent",
	Short: "Runs queued jobs as supervised processes",
	Long: `fleet-agent pulls jobs from the central queue, runs each one as an
isolated process and reports status and logs back.

Configuration is read from FLEET_AGENT_* environment variables, optionally
layered over a YAML file given with --config or FLEET_AGENT_CONFIG_FILE.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		info := map[string]string{
			"version":       Version,
			"agent_version": agent.Version,
			"commit":        Commit,
			"build_time":    BuildTime,
			"go_version":    runtime.Version(),
			"platform":      runtime.GOOS + "/" + runtime.GOARCH,
		}

		out := cmd.OutOrStdout()
		if outputFormat == "json" {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		}

		fmt.Fprintf(out, "fleet-agent\n")
		fmt.Fprintf(out, "  Version:    %s (agent %s)\n", Version, agent.Version)
		fmt.Fprintf(out, "  Commit:     %s\n", Commit)
		fmt.Fprintf(out, "  Built:      %s\n", BuildTime)
		fmt.Fprintf(out, "  Go version: %s\n", runtime.Version())
		fmt.Fprintf(out, "  Platform:   %s/%s\n", runtime.GOOS, runtime.GOARCH)
		return nil
	},
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file (overrides "+agent.EnvConfigFile+")")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "text", "Output format: text, json")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(maintenanceCmd)
	rootCmd.AddCommand(attachmentsCmd)
}

// loadConfig loads the agent configuration, honouring --config.
func loadConfig() (*agent.Config, error) {
	if configFile != "" {
		if err := os.Setenv(agent.EnvConfigFile, configFile); err != nil {
			return nil, err
		}
	}
	cfg, err := agent.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}
