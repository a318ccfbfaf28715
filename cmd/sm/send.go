package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/stationmaster/internal/config"
	"github.com/zulandar/stationmaster/internal/panel"
)

// commandSender is the slice of the panel client the send command uses.
type commandSender interface {
	SendCommand(ctx context.Context, command string) error
}

// senderForConfig builds the panel client for `sm send`. Allows test override.
var senderForConfig = func(cfg *config.Config) (commandSender, error) {
	return panel.New(panel.ClientOpts{
		BaseURL:       cfg.Panel.BaseURL,
		ServerID:      cfg.Panel.ServerID,
		ClientID:      cfg.Panel.OAuth2.ClientID,
		ClientSecret:  cfg.Panel.OAuth2.ClientSecret,
		TokenEndpoint: cfg.Panel.OAuth2.TokenEndpoint,
	})
}

func newSendCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "send <command>...",
		Short: "Send a console command to the server",
		Long:  "Relays a console command to the server through the panel API, exactly as typing it in the server console would.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, configPath, args)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "stationmaster.yaml", "path to Stationmaster config file")
	return cmd
}

func runSend(cmd *cobra.Command, configPath string, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	sender, err := senderForConfig(cfg)
	if err != nil {
		return err
	}

	command := strings.TrimSpace(strings.Join(args, " "))
	if command == "" {
		return fmt.Errorf("send: command is empty")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()

	if err := sender.SendCommand(ctx, command); err != nil {
		return fmt.Errorf("send %q: %w", command, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Command sent to %s: %s\n", cfg.Panel.ServerID, command)
	return nil
}
