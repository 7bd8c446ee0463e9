package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "deplayctl",
	Short: "deplayctl is a command line tool for the deplay run server",
	Long: `deplayctl is the command-line interface for deplay.

deplay clones a public repository, prepares a Dockerfile for it (the repository's
own, or one generated for its language), builds and runs it in a container, and
asks a language model to diagnose the outcome. Every run streams its log live.

Common workflows:

  Submit a repository and follow its log:
    deplayctl submit https://github.com/owner/repo --follow

  Force the environment instead of detecting it:
    deplayctl submit https://github.com/owner/repo --language python

  Check a run:
    deplayctl status <run-id>

  Stream logs from the beginning:
    deplayctl logs <run-id>

  Print the diagnosis, waiting until it is ready:
    deplayctl analysis <run-id> --wait

Configuration:
  Set the server endpoint via flag, environment variable or config file:
    DEPLAY_URL    Server endpoint (default: http://localhost:8080)`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".deplayctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".deplayctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "DEPLAY_VARNAME"
	viper.SetEnvPrefix("DEPLAY")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.deplayctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:8080", "deplay server URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))
}
