package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/conductor/fleetagent/internal/agent"
)

var (
	maintenanceAddr    string
	maintenanceTimeout time.Duration
)

var maintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Put a running agent into maintenance mode",
	Long: `Ask a running agent to stop taking new jobs and wait for running
jobs to drain.

The agent answers "ok" when it is idle and "busy" with the number of
jobs still running when the drain timeout expires.`,
	Example: `  fleet-agent maintenance
  fleet-agent maintenance --addr http://agent-3:8010 -o json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := requestMaintenance(cmd, maintenanceAddr)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if outputFormat == "json" {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(resp)
		}

		if resp.Status == "busy" {
			fmt.Fprintf(out, "busy: %d job(s) still running\n", resp.BusyWorkers)
			return nil
		}
		fmt.Fprintln(out, resp.Status)
		return nil
	},
}

func init() {
	maintenanceCmd.Flags().StringVar(&maintenanceAddr, "addr", "http://localhost:8010", "Control endpoint of the agent")
	maintenanceCmd.Flags().DurationVar(&maintenanceTimeout, "timeout", time.Minute, "Request timeout")
}

func requestMaintenance(cmd *cobra.Command, addr string) (*agent.MaintenanceResponse, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	url := strings.TrimRight(addr, "/") + "/maintenance-mode"

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	client := &http.Client{Timeout: maintenanceTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach agent: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("agent returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var out agent.MaintenanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &out, nil
}
