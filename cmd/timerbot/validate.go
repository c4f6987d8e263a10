package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"timerbot/internal/app"
	"timerbot/internal/config"
)

var validateDump bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the timerbot configuration file for syntax and semantic errors without connecting to Discord.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Print the effective configuration with defaults dimmed")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()

	data, err := os.ReadFile(configPath)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "❌ Cannot read configuration: %v\n", err)
		return err
	}
	cfg, err := config.Decode(configPath, data)
	if err == nil {
		err = app.ValidateConfig(cfg)
	}
	if err != nil {
		red := color.New(color.FgRed, color.Bold)
		_, _ = red.Fprintf(cmd.ErrOrStderr(), "❌ Configuration validation failed: %v\n", err)
		return err
	}

	_, _ = fmt.Fprintf(out, "✅ Configuration is valid: %s\n", configPath)
	if !validateDump {
		return nil
	}

	cyan := color.New(color.FgCyan, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)
	faint := color.New(color.Faint)

	section := ""
	for _, s := range app.Describe(cfg) {
		if s.Section != section {
			section = s.Section
			_, _ = cyan.Fprintf(out, "\n[%s]\n", section)
		}
		if s.Default {
			_, _ = faint.Fprintf(out, "  %s = %s  (default)\n", s.Key, s.Value)
		} else {
			_, _ = yellow.Fprintf(out, "  %s = %s\n", s.Key, s.Value)
		}
	}
	return nil
}
