package cmd

import (
	"fmt"
	"time"

	"deplay/pkg/api"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var statusCmd = &cobra.Command{
	Use:   "status [run_id]",
	Short: "Get status of a run",
	Long:  `Retrieve the current stage of a run (queued, fetching, preparing, building, executing, analyzing, succeeded, failed, aborted), its failure reason, and timestamps.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := NewRunClient(viper.GetString("url"))

		status, err := client.GetRun(args[0])
		if err != nil {
			if apiErr, ok := err.(*APIError); ok {
				cmd.Printf("Request failed (%d): %s\n", apiErr.StatusCode, apiErr.Message)
			} else {
				cmd.Printf("Failed to send request: %v\n", err)
			}
			return
		}

		printStatus(cmd, *status)
	},
}

func printStatus(cmd *cobra.Command, run api.RunStatusResponse) {
	// Header with status icon
	icon := statusIcon(run.Stage)
	cmd.Printf("%s %sRun Details%s\n", icon, colorBold, colorReset)
	cmd.Println("──────────────────────────────")

	cmd.Printf("%sID:%s          %s\n", colorDim, colorReset, run.ID)
	cmd.Printf("%sRepository:%s  %s\n", colorDim, colorReset, run.RepoURL)
	cmd.Printf("%sStage:%s       %s\n", colorDim, colorReset, colorizeStatus(run.Stage))

	kind := run.Kind
	if kind == "" {
		kind = "-"
	}
	if run.Language != "" {
		kind += " (requested " + run.Language + ")"
	}
	cmd.Printf("%sEnvironment:%s %s\n", colorDim, colorReset, kind)

	// Failure (if present)
	if run.FailureKind != "" {
		cmd.Printf("%sFailure:%s     %s%s: %s%s\n", colorDim, colorReset, colorRed, run.FailureKind, run.Reason, colorReset)
	} else if run.Reason != "" {
		cmd.Printf("%sReason:%s      %s\n", colorDim, colorReset, run.Reason)
	}

	analysis := "pending"
	if run.AnalysisReady {
		analysis = colorGreen + "ready" + colorReset
	}
	cmd.Printf("%sAnalysis:%s    %s\n", colorDim, colorReset, analysis)

	// Timestamps with relative time
	cmd.Printf("%sStarted:%s     %s\n", colorDim, colorReset, formatTimeWithRelative(run.StartedAt))

	// Duration if both times available
	if run.StartedAt != nil && run.FinishedAt != nil {
		duration := run.FinishedAt.Sub(*run.StartedAt)
		cmd.Printf("%sFinished:%s    %s %s(%s)%s\n", colorDim, colorReset,
			formatTimeWithRelative(run.FinishedAt),
			colorCyan, formatDuration(duration), colorReset)
	} else {
		cmd.Printf("%sFinished:%s    %s\n", colorDim, colorReset, formatTimeWithRelative(run.FinishedAt))
	}
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func statusIcon(stage string) string {
	switch stage {
	case "succeeded":
		return colorGreen + "✓" + colorReset
	case "failed":
		return colorRed + "✗" + colorReset
	case "aborted":
		return colorYellow + "⊘" + colorReset
	case "queued":
		return colorCyan + "◯" + colorReset
	case "fetching", "preparing", "building", "executing", "analyzing":
		return colorYellow + "⏳" + colorReset
	default:
		return "•"
	}
}

func colorizeStatus(stage string) string {
	icon := statusIcon(stage)
	switch stage {
	case "succeeded":
		return icon + " " + colorGreen + stage + colorReset
	case "failed":
		return icon + " " + colorRed + stage + colorReset
	case "queued":
		return icon + " " + colorCyan + stage + colorReset
	case "aborted", "fetching", "preparing", "building", "executing", "analyzing":
		return icon + " " + colorYellow + stage + colorReset
	default:
		return stage
	}
}

func formatTimeWithRelative(t *time.Time) string {
	if t == nil {
		return "-"
	}
	relative := relativeTime(*t)
	return fmt.Sprintf("%s %s(%s ago)%s", t.Format("Mon, 02 Jan 2006 15:04:05 MST"), colorDim, relative, colorReset)
}

func relativeTime(t time.Time) string {
	duration := time.Since(t)

	if duration < time.Minute {
		return fmt.Sprintf("%ds", int(duration.Seconds()))
	} else if duration < time.Hour {
		return fmt.Sprintf("%dm", int(duration.Minutes()))
	} else if duration < 24*time.Hour {
		return fmt.Sprintf("%dh", int(duration.Hours()))
	} else {
		days := int(duration.Hours() / 24)
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
