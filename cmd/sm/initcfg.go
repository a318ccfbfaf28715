package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/zulandar/stationmaster/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the Stationmaster config file",
	}

	cmd.AddCommand(newConfigInitCmd())
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var (
		output   string
		platform string
		force    bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactively create a config file",
		Long:  "Prompts for panel and chat platform settings and writes a validated config file. Secrets are read with terminal echo disabled.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigInit(cmd, output, platform, force)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "stationmaster.yaml", "path to write the config file")
	cmd.Flags().StringVar(&platform, "platform", "discord", "chat platform (discord or slack)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func runConfigInit(cmd *cobra.Command, output, platform string, force bool) error {
	if !force {
		if _, err := os.Stat(output); err == nil {
			return fmt.Errorf("config: %s already exists (use --force to overwrite)", output)
		}
	}

	in := bufio.NewReader(cmd.InOrStdin())
	out := cmd.OutOrStdout()

	var cfg config.Config
	cfg.Chat.Platform = platform

	baseURL, err := prompt(in, out, "Panel base URL (e.g. https://panel.example.com)", "")
	if err != nil {
		return err
	}
	cfg.Panel.BaseURL = baseURL

	if cfg.Panel.ServerID, err = prompt(in, out, "Server ID", ""); err != nil {
		return err
	}
	if cfg.Panel.OAuth2.ClientID, err = prompt(in, out, "OAuth2 client ID", ""); err != nil {
		return err
	}
	if cfg.Panel.OAuth2.ClientSecret, err = promptSecret(cmd, in, "OAuth2 client secret"); err != nil {
		return err
	}

	switch platform {
	case "discord":
		if cfg.Chat.Discord.Token, err = promptSecret(cmd, in, "Discord bot token"); err != nil {
			return err
		}
		if cfg.Chat.Discord.GuildID, err = prompt(in, out, "Discord guild ID", ""); err != nil {
			return err
		}
		if cfg.Chat.Discord.DashboardChannelID, err = prompt(in, out, "Dashboard channel ID", ""); err != nil {
			return err
		}
		if cfg.Chat.Discord.LogParentChannelID, err = prompt(in, out, "Log parent channel ID", ""); err != nil {
			return err
		}
		if cfg.Chat.Discord.AllowedRoleID, err = prompt(in, out, "Allowed role ID (empty allows everyone)", ""); err != nil {
			return err
		}
	case "slack":
		if cfg.Chat.Slack.AppToken, err = promptSecret(cmd, in, "Slack app token (xapp-...)"); err != nil {
			return err
		}
		if cfg.Chat.Slack.BotToken, err = promptSecret(cmd, in, "Slack bot token (xoxb-...)"); err != nil {
			return err
		}
		if cfg.Chat.Slack.LogChannelID, err = prompt(in, out, "Log channel ID", ""); err != nil {
			return err
		}
		if cfg.Chat.Slack.DashboardChannelID, err = prompt(in, out, "Dashboard channel ID (empty uses the log channel)", ""); err != nil {
			return err
		}
	default:
		return fmt.Errorf("config: unsupported platform %q (use discord or slack)", platform)
	}

	if cfg.State.Path, err = prompt(in, out, "State database path", "./data/stationmaster.db"); err != nil {
		return err
	}

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	// Round-trip through the parser so the written file is known-good.
	if _, err := config.Parse(data); err != nil {
		return err
	}

	if err := os.WriteFile(output, data, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", output, err)
	}

	fmt.Fprintf(out, "Wrote %s\n", output)
	return nil
}

// prompt reads a single line, returning def when the answer is empty.
func prompt(in *bufio.Reader, out io.Writer, label, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(out, "%s [%s]: ", label, def)
	} else {
		fmt.Fprintf(out, "%s: ", label)
	}
	line, err := in.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("config: read input: %w", err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return def, nil
	}
	return line, nil
}

// promptSecret reads a value with terminal echo disabled. When stdin is
// not a terminal (tests, piped input) it falls back to a plain line read.
func promptSecret(cmd *cobra.Command, in *bufio.Reader, label string) (string, error) {
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ", label)
		secret, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.OutOrStdout())
		if err != nil {
			return "", fmt.Errorf("config: read secret: %w", err)
		}
		return strings.TrimSpace(string(secret)), nil
	}
	return prompt(in, cmd.OutOrStdout(), label, "")
}
