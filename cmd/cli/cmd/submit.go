package cmd

import (
	"deplay/pkg/api"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var submitCmd = &cobra.Command{
	Use:   "submit [repo_url]",
	Short: "Submit a repository for a build-and-run",
	Long: `Submit a public repository. The server clones it, prepares a Dockerfile,
builds and runs it, and attaches a diagnosis once the run finished.

Supported languages: javascript, python, rust, java, c, cpp, go.
Without --language the repository's own Dockerfile is used, or the language
is detected from its files.

Example:
  deplayctl submit https://github.com/owner/repo
  deplayctl submit https://github.com/owner/repo --language rust --follow`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		language, _ := flags.GetString("language")
		follow, _ := flags.GetBool("follow")

		client := NewRunClient(viper.GetString("url"))

		result, err := client.Submit(api.RunRequest{RepoURL: args[0], Language: language})
		if err != nil {
			if apiErr, ok := err.(*APIError); ok {
				cmd.Printf("Submit failed (%d): %s\n", apiErr.StatusCode, apiErr.Message)
			} else {
				cmd.Printf("Submit failed: %v\n", err)
			}
			return
		}

		cmd.Printf("✓ Run submitted!\nRun ID: %s\n", result.RunID)
		if !follow {
			return
		}

		cmd.Println("──────────────────────────────")
		followLogs(cmd, client, result.RunID)
	},
}

func init() {
	flags := submitCmd.Flags()
	flags.StringP("language", "l", "", "Environment to build with instead of detecting it")
	flags.BoolP("follow", "f", false, "Follow the run log until it finished")

	rootCmd.AddCommand(submitCmd)
}
