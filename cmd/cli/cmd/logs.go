package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var logsCmd = &cobra.Command{
	Use:   "logs [run_id]",
	Short: "Stream the log of a run",
	Long:  `Print the log of a run from its first line and keep following it until the run has finished.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := NewRunClient(viper.GetString("url"))
		followLogs(cmd, client, args[0])
	},
}

// followLogs prints the log of runID until the run finished or Ctrl+C.
func followLogs(cmd *cobra.Command, client *RunClient, runID string) {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := client.StreamLogs(ctx, runID, func(line string) {
		cmd.Println(line)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		cmd.Printf("Error streaming logs: %v\n", err)
	}
}

func init() {
	rootCmd.AddCommand(logsCmd)
}
