package cmd

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var analysisCmd = &cobra.Command{
	Use:   "analysis [run_id]",
	Short: "Print the diagnosis of a run",
	Long: `Print the AI diagnosis of a finished run as JSON.

With --wait the command polls until the diagnosis is attached, the run
finished without one, or the timeout expires.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		wait, _ := flags.GetBool("wait")
		interval, _ := flags.GetDuration("interval")
		timeout, _ := flags.GetDuration("timeout")

		client := NewRunClient(viper.GetString("url"))

		raw, err := fetchAnalysis(client, args[0], wait, interval, timeout)
		if err != nil {
			cmd.Printf("Failed to get analysis: %v\n", err)
			return
		}
		cmd.Println(string(raw))
	},
}

// fetchAnalysis returns the artifact. When wait is set it retries while the
// analysis is not ready and the run has not finished.
func fetchAnalysis(client *RunClient, runID string, wait bool, interval, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		raw, err := client.GetAnalysis(runID)
		if err == nil {
			return raw, nil
		}
		var apiErr *APIError
		if !wait || !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
			return nil, err
		}

		status, err := client.GetRun(runID)
		if err != nil {
			return nil, err
		}
		if status.FinishedAt != nil {
			// The diagnosis is attached before a run is marked finished.
			if raw, err := client.GetAnalysis(runID); err == nil {
				return raw, nil
			}
			return nil, fmt.Errorf("run %s finished as %s without an analysis", runID, status.Stage)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out after %v waiting for the analysis", timeout)
		}
		time.Sleep(interval)
	}
}

func init() {
	flags := analysisCmd.Flags()
	flags.BoolP("wait", "w", false, "Wait until the analysis is ready")
	flags.Duration("interval", 2*time.Second, "Polling interval for --wait")
	flags.Duration("timeout", 10*time.Minute, "Maximum time to wait")

	rootCmd.AddCommand(analysisCmd)
}
