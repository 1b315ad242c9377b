package main

import (
	"fmt"
	"path/filepath"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/steveyegge/teambook/internal/config"
)

// setupCmd walks through first-run configuration and writes config.yaml
// at the storage root. Every answer maps onto an existing config key, so
// environment variables still override the file afterwards.
var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive first-run configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Initialize(); err != nil {
			return err
		}
		root, err := config.Root()
		if err != nil {
			return err
		}

		backend := ""
		postgresURL := config.GetString("postgres-url")
		redisURL := config.GetString("redis-url")
		teambook := config.CurrentTeambook()
		displayName := ""
		telemetry := config.GetBool("telemetry")

		form := huh.NewForm(
			huh.NewGroup(
				huh.NewSelect[string]().
					Title("Storage backend").
					Description("Probe tries postgres, then redis, then falls back to embedded sqlite.").
					Options(
						huh.NewOption("Probe automatically", ""),
						huh.NewOption("Embedded sqlite", "sqlite"),
						huh.NewOption("Postgres", "postgres"),
						huh.NewOption("Redis", "redis"),
					).
					Value(&backend),
				huh.NewInput().
					Title("Postgres URL").
					Description("Leave empty to disable the postgres backend.").
					Value(&postgresURL),
				huh.NewInput().
					Title("Redis URL").
					Value(&redisURL),
			),
			huh.NewGroup(
				huh.NewInput().
					Title("Default teambook").
					Description("Leave empty to work in your private scope.").
					Value(&teambook),
				huh.NewInput().
					Title("Display name").
					Description("Human-readable name for your AI identity (optional).").
					Value(&displayName),
				huh.NewConfirm().
					Title("Enable telemetry?").
					Description("OpenTelemetry metrics and traces, local by default.").
					Value(&telemetry),
			),
		)
		if err := form.Run(); err != nil {
			return err
		}

		out := viper.New()
		out.Set("backend", backend)
		out.Set("postgres-url", postgresURL)
		out.Set("redis-url", redisURL)
		out.Set("telemetry", telemetry)
		if displayName != "" {
			out.Set("display-name", displayName)
		}
		path := filepath.Join(root, "config.yaml")
		if err := out.WriteConfigAs(path); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}

		if teambook != "" {
			if err := config.SetCurrentTeambook(teambook); err != nil {
				return err
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(setupCmd)
}
