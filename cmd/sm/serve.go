package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/stationmaster/internal/actions"
	"github.com/zulandar/stationmaster/internal/chat"
	discordadapter "github.com/zulandar/stationmaster/internal/chat/discord"
	slackadapter "github.com/zulandar/stationmaster/internal/chat/slack"
	"github.com/zulandar/stationmaster/internal/config"
	"github.com/zulandar/stationmaster/internal/db"
	"github.com/zulandar/stationmaster/internal/logsync"
	"github.com/zulandar/stationmaster/internal/panel"
	"github.com/zulandar/stationmaster/internal/state"
	"github.com/zulandar/stationmaster/internal/stream"
	"github.com/zulandar/stationmaster/internal/web"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Stationmaster daemon",
		Long:  "Connects to the chat platform and the panel, streams console logs into daily threads, and serves dashboard actions until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "stationmaster.yaml", "path to Stationmaster config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
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

	panelClient, err := panel.New(panel.ClientOpts{
		BaseURL:       cfg.Panel.BaseURL,
		ServerID:      cfg.Panel.ServerID,
		ClientID:      cfg.Panel.OAuth2.ClientID,
		ClientSecret:  cfg.Panel.OAuth2.ClientSecret,
		TokenEndpoint: cfg.Panel.OAuth2.TokenEndpoint,
	})
	if err != nil {
		return err
	}

	streamClient, err := stream.New(stream.ClientOpts{
		BaseURL:  cfg.Panel.BaseURL,
		ServerID: cfg.Panel.ServerID,
		Tokens:   panelClient,
	})
	if err != nil {
		return err
	}

	adapter, err := createAdapter(cfg)
	if err != nil {
		return err
	}

	loc, err := cfg.Logs.Location()
	if err != nil {
		return err
	}

	// A previous process may have left a log thread open; hand its
	// identity to the pipeline so the same day resumes in place.
	snap, err := store.Snapshot()
	if err != nil {
		return err
	}

	pipeline, err := logsync.New(logsync.Opts{
		Source:         streamClient,
		Transport:      adapter,
		State:          store,
		Location:       loc,
		BatchInterval:  time.Duration(cfg.Logs.BatchSeconds) * time.Second,
		MaxChars:       cfg.Logs.MaxCharsPerPost,
		NameFormat:     cfg.Logs.Thread.NameFormat,
		ResumeThreadID: snap.CurrentThreadID,
		ResumeDate:     snap.CurrentDate,
	})
	if err != nil {
		return err
	}

	coord := actions.NewCoordinator(time.Duration(cfg.Actions.CooldownSec) * time.Second)
	runner, err := actions.NewRunner(actions.RunnerOpts{
		Control:     panelClient,
		Coordinator: coord,
		Audit:       store,
		StopWait:    time.Duration(cfg.Actions.Restart.StopWaitSec) * time.Second,
	})
	if err != nil {
		return err
	}

	daemon, err := chat.NewDaemon(chat.DaemonOpts{
		Config:   cfg,
		Adapter:  adapter,
		Panel:    panelClient,
		Pipeline: pipeline,
		Runner:   runner,
		Store:    store,
		Out:      cmd.OutOrStdout(),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if cfg.Web.Enabled {
		provider := &statusProvider{
			serverID: cfg.Panel.ServerID,
			panel:    panelClient,
			stream:   streamClient,
			pipeline: pipeline,
			store:    store,
			cooldown: coord,
		}
		go func() {
			if err := web.Start(ctx, web.StartOpts{
				Provider: provider,
				Port:     cfg.Web.Port,
				Out:      cmd.OutOrStdout(),
			}); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "status server: %v\n", err)
			}
		}()
	}

	return daemon.Run(ctx)
}

// createAdapter builds a platform adapter from the config.
func createAdapter(cfg *config.Config) (chat.Adapter, error) {
	switch cfg.Chat.Platform {
	case "discord":
		return discordadapter.New(discordadapter.AdapterOpts{
			BotToken:           cfg.Chat.Discord.Token,
			GuildID:            cfg.Chat.Discord.GuildID,
			DashboardChannelID: cfg.Chat.Discord.DashboardChannelID,
			LogParentChannelID: cfg.Chat.Discord.LogParentChannelID,
			AllowedRoleID:      cfg.Chat.Discord.AllowedRoleID,
			ArchiveMinutes:     cfg.Logs.Thread.AutoArchiveMinutes,
		})
	case "slack":
		return slackadapter.New(slackadapter.AdapterOpts{
			AppToken:           cfg.Chat.Slack.AppToken,
			BotToken:           cfg.Chat.Slack.BotToken,
			DashboardChannelID: cfg.Chat.Slack.DashboardChannelID,
			LogChannelID:       cfg.Chat.Slack.LogChannelID,
		})
	default:
		return nil, fmt.Errorf("chat: unsupported platform %q", cfg.Chat.Platform)
	}
}

// Narrow views over the wired components so the status provider can be
// exercised with fakes.
type serverStatusAPI interface {
	Status(ctx context.Context) (panel.Status, error)
}

type streamStatus interface {
	Connected() bool
}

type pipelineStatus interface {
	Running() bool
	ThreadInfo() (string, bool)
}

type stateSnapshotter interface {
	Snapshot() (state.Record, error)
}

type cooldownStatus interface {
	Remaining() time.Duration
}

// statusProvider assembles the live snapshot served by the web package.
type statusProvider struct {
	serverID string
	panel    serverStatusAPI
	stream   streamStatus
	pipeline pipelineStatus
	store    stateSnapshotter
	cooldown cooldownStatus
}

func (p *statusProvider) StatusSnapshot(ctx context.Context) (web.StatusSnapshot, error) {
	rec, err := p.store.Snapshot()
	if err != nil {
		return web.StatusSnapshot{}, err
	}

	// Status carries "unknown" alongside a panel error, which is still
	// worth serving.
	status, _ := p.panel.Status(ctx)

	snap := web.StatusSnapshot{
		ServerID:        p.serverID,
		Status:          string(status),
		StreamConnected: p.stream.Connected(),
		LogsEnabled:     p.pipeline.Running(),
		LastActionType:  rec.LastActionType,
		LastActionUser:  rec.LastActionUser,
		LastActionTime:  rec.LastActionTime,
	}
	if name, ok := p.pipeline.ThreadInfo(); ok {
		snap.LogThread = name
	}
	if remaining := p.cooldown.Remaining(); remaining > 0 {
		snap.CooldownRemainingSec = int((remaining + time.Second - 1) / time.Second)
	}
	return snap, nil
}
