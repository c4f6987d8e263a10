package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "timerbot",
	Short: "timerbot - pausable countdown timers for Discord channels",
	Long: `timerbot runs one countdown timer per Discord channel. Timers can be
paused, resumed and replaced; the bot keeps a live status message updated,
warns before expiry and optionally plays voice cues.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runBot,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "./config.json", "Path to configuration file (JSON or YAML)")
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
