package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/stationmaster/internal/config"
	"github.com/zulandar/stationmaster/internal/db"
	"github.com/zulandar/stationmaster/internal/panel"
	"github.com/zulandar/stationmaster/internal/state"
)

func newStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show server and log sync status",
		Long:  "Queries the panel for the server's power state and reads the local state store for log sync and last action details.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "stationmaster.yaml", "path to Stationmaster config file")
	return cmd
}

func runStatus(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	client, err := panel.New(panel.ClientOpts{
		BaseURL:       cfg.Panel.BaseURL,
		ServerID:      cfg.Panel.ServerID,
		ClientID:      cfg.Panel.OAuth2.ClientID,
		ClientSecret:  cfg.Panel.OAuth2.ClientSecret,
		TokenEndpoint: cfg.Panel.OAuth2.TokenEndpoint,
	})
	if err != nil {
		return err
	}

	gormDB, err := db.Open(cfg.State)
	if err != nil {
		return err
	}
	store, err := state.NewStore(gormDB)
	if err != nil {
		return err
	}
	rec, err := store.Snapshot()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()

	// An unreachable panel still reports unknown rather than failing the
	// whole command; the local state is worth printing either way.
	status, statusErr := client.Status(ctx)

	out := cmd.OutOrStdout()
	fmt.Fprint(out, formatStatus(cfg.Panel.ServerID, status, rec))
	if statusErr != nil {
		fmt.Fprintf(out, "Panel:       unreachable (%v)\n", statusErr)
	}
	return nil
}

// formatStatus renders the status block printed by `sm status`.
func formatStatus(serverID string, status panel.Status, rec state.Record) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Server:      %s\n", serverID)
	fmt.Fprintf(&b, "Status:      %s\n", strings.ToUpper(string(status)))

	if rec.LogsEnabled {
		fmt.Fprintf(&b, "Log sync:    enabled (thread %s, %s)\n", rec.CurrentThreadID, rec.CurrentDate)
	} else {
		fmt.Fprintf(&b, "Log sync:    disabled\n")
	}

	if rec.LastActionType == "" {
		fmt.Fprintf(&b, "Last action: none\n")
	} else if rec.LastActionTime != nil {
		fmt.Fprintf(&b, "Last action: %s by %s at %s\n",
			rec.LastActionType, rec.LastActionUser, rec.LastActionTime.Format("2006-01-02 15:04:05 MST"))
	} else {
		fmt.Fprintf(&b, "Last action: %s by %s\n", rec.LastActionType, rec.LastActionUser)
	}

	return b.String()
}
