package chat

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/zulandar/stationmaster/internal/actions"
	"github.com/zulandar/stationmaster/internal/config"
	"github.com/zulandar/stationmaster/internal/panel"
	"github.com/zulandar/stationmaster/internal/state"
)

// PanelAPI is the slice of the panel client the daemon queries directly.
type PanelAPI interface {
	Status(ctx context.Context) (panel.Status, error)
	SendCommand(ctx context.Context, cmd string) error
}

// ActionRunner executes coordinated lifecycle actions.
type ActionRunner interface {
	Run(ctx context.Context, kind actions.Kind, user string) (actions.Result, error)
}

// LogPipeline is the log sync surface the daemon toggles and inspects.
type LogPipeline interface {
	Start(ctx context.Context) error
	Stop()
	Running() bool
	ThreadInfo() (string, bool)
	ThreadID() (string, bool)
}

// StateStore is the persistence slice the daemon reads and writes.
type StateStore interface {
	Snapshot() (state.Record, error)
	WriteDashboard(messageID string) error
}

// Daemon is the main bot process. It connects a platform adapter, keeps
// the dashboard message current, relays console commands from the log
// thread, and routes dashboard actions through the coordinator.
type Daemon struct {
	cfg      *config.Config
	adapter  Adapter
	panel    PanelAPI
	pipeline LogPipeline
	runner   ActionRunner
	store    StateStore
	out      io.Writer
}

// DaemonOpts holds parameters for creating a new Daemon.
type DaemonOpts struct {
	Config   *config.Config
	Adapter  Adapter
	Panel    PanelAPI
	Pipeline LogPipeline
	Runner   ActionRunner
	Store    StateStore
	Out      io.Writer // defaults to os.Stdout
}

// NewDaemon creates a Daemon with the given options.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("chat: config is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("chat: adapter is required")
	}
	if opts.Panel == nil {
		return nil, fmt.Errorf("chat: panel client is required")
	}
	if opts.Pipeline == nil {
		return nil, fmt.Errorf("chat: log pipeline is required")
	}
	if opts.Runner == nil {
		return nil, fmt.Errorf("chat: action runner is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("chat: state store is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Daemon{
		cfg:      opts.Config,
		adapter:  opts.Adapter,
		panel:    opts.Panel,
		pipeline: opts.Pipeline,
		runner:   opts.Runner,
		store:    opts.Store,
		out:      out,
	}, nil
}

// Run starts the daemon. It connects the adapter, publishes the
// dashboard, optionally resumes log sync, and blocks pumping inbound
// events until the context is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	fmt.Fprintf(d.out, "Stationmaster connecting...\n")
	if err := d.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("chat: connect: %w", err)
	}

	snap, err := d.store.Snapshot()
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("chat: load state: %w", err)
	}

	if d.cfg.Logs.AutoResume && snap.LogsEnabled {
		if err := d.pipeline.Start(ctx); err != nil {
			log.Printf("chat: resume log sync: %v", err)
		} else {
			fmt.Fprintf(d.out, "Log sync resumed\n")
		}
	}

	if err := d.refreshDashboard(ctx); err != nil {
		log.Printf("chat: publish dashboard: %v", err)
	}

	inbound, err := d.adapter.Listen(ctx)
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("chat: listen: %w", err)
	}

	go d.refreshLoop(ctx)

	fmt.Fprintf(d.out, "Stationmaster online\n")

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(d.out, "Stationmaster shutting down...\n")
			d.pipeline.Stop()
			if err := d.adapter.Close(); err != nil {
				log.Printf("chat: close adapter: %v", err)
			}
			fmt.Fprintf(d.out, "Stationmaster stopped\n")
			return nil

		case ev, ok := <-inbound:
			if !ok {
				fmt.Fprintf(d.out, "Stationmaster inbound channel closed\n")
				d.pipeline.Stop()
				return nil
			}
			d.handleEvent(ctx, ev)
		}
	}
}

// refreshParser accepts standard 5-field cron expressions (minute,
// hour, dom, month, dow).
var refreshParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// untilNextRefresh returns the wait before the dashboard refresh
// schedule next fires after from, or false when expr does not parse.
func untilNextRefresh(expr string, from time.Time) (time.Duration, bool) {
	sched, err := refreshParser.Parse(expr)
	if err != nil {
		return 0, false
	}
	return sched.Next(from).Sub(from), true
}

// refreshLoop re-publishes the dashboard on the configured cron
// schedule so the status field does not go stale between actions.
func (d *Daemon) refreshLoop(ctx context.Context) {
	expr := d.cfg.Chat.DashboardRefreshCron
	for {
		wait, ok := untilNextRefresh(expr, time.Now())
		if !ok {
			log.Printf("chat: invalid dashboard refresh cron %q, refresh disabled", expr)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		if err := d.refreshDashboard(ctx); err != nil {
			log.Printf("chat: refresh dashboard: %v", err)
		}
	}
}

// refreshDashboard renders the current view and publishes it, persisting
// the message ID when it changes.
func (d *Daemon) refreshDashboard(ctx context.Context) error {
	snap, err := d.store.Snapshot()
	if err != nil {
		return err
	}
	view := d.buildView(ctx, snap)
	msgID, err := d.adapter.PublishDashboard(ctx, snap.DashboardMessageID, view)
	if err != nil {
		return err
	}
	if msgID != snap.DashboardMessageID {
		if err := d.store.WriteDashboard(msgID); err != nil {
			return err
		}
	}
	return nil
}

func (d *Daemon) buildView(ctx context.Context, snap state.Record) DashboardView {
	status, err := d.panel.Status(ctx)
	if err != nil {
		log.Printf("chat: query status: %v", err)
	}
	view := DashboardView{
		ServerID:       d.cfg.Panel.ServerID,
		Status:         string(status),
		LogsEnabled:    d.pipeline.Running(),
		LastActionKind: snap.LastActionType,
		LastActionUser: snap.LastActionUser,
		LastActionTime: snap.LastActionTime,
		UpdatedAt:      time.Now(),
	}
	if name, ok := d.pipeline.ThreadInfo(); ok {
		view.LogThread = name
	}
	return view
}

// handleEvent routes one inbound event. Every path answers the user; no
// event is dropped silently except commands outside the active thread.
func (d *Daemon) handleEvent(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventAction:
		d.handleAction(ctx, ev)
	case EventCommand:
		d.handleCommand(ctx, ev)
	}
}

func (d *Daemon) handleAction(ctx context.Context, ev Event) {
	if !ev.Authorized {
		d.ack(ctx, ev, AckDenied, "You are not allowed to control this server.")
		return
	}

	switch ev.Action {
	case ActionLogsToggle:
		d.toggleLogs(ctx, ev)
	case ActionStart, ActionStop, ActionRestart:
		d.runAction(ctx, ev)
	default:
		log.Printf("chat: unknown action %q from %s", ev.Action, ev.UserName)
		return
	}

	if err := d.refreshDashboard(ctx); err != nil {
		log.Printf("chat: refresh dashboard: %v", err)
	}
}

func (d *Daemon) toggleLogs(ctx context.Context, ev Event) {
	if d.pipeline.Running() {
		d.pipeline.Stop()
		d.ack(ctx, ev, AckOK, "Log sync disabled.")
		return
	}
	if err := d.pipeline.Start(ctx); err != nil {
		log.Printf("chat: start log sync: %v", err)
		d.ack(ctx, ev, AckFailed, "Could not start log sync.")
		return
	}
	note := "Log sync enabled."
	if name, ok := d.pipeline.ThreadInfo(); ok {
		note = fmt.Sprintf("Log sync enabled, posting to %s.", name)
	}
	d.ack(ctx, ev, AckOK, note)
}

func (d *Daemon) runAction(ctx context.Context, ev Event) {
	res, err := d.runner.Run(ctx, actions.Kind(ev.Action), ev.UserName)
	if !res.Granted {
		d.ack(ctx, ev, AckDenied, deniedNote(res))
		return
	}
	if err != nil {
		log.Printf("chat: action %s: %v", ev.Action, err)
		d.ack(ctx, ev, AckFailed, fmt.Sprintf("The %s action failed.", ev.Action))
		return
	}
	d.ack(ctx, ev, AckOK, fmt.Sprintf("Server %s issued by %s.", ev.Action, ev.UserName))
}

// deniedNote renders a coordination refusal for the user.
func deniedNote(res actions.Result) string {
	if res.BlockedBy == actions.ReasonCooldown {
		wait := res.Wait.Round(time.Second)
		if wait < time.Second {
			wait = time.Second
		}
		return fmt.Sprintf("On cooldown, try again in %s.", wait)
	}
	return fmt.Sprintf("Another action (%s) is already in progress.", res.BlockedBy)
}

// handleCommand relays a log-thread message to the server console.
// Messages in other threads are not commands and are ignored.
func (d *Daemon) handleCommand(ctx context.Context, ev Event) {
	activeID, ok := d.pipeline.ThreadID()
	if !ok || ev.ThreadID != activeID {
		return
	}
	if !ev.Authorized {
		d.ack(ctx, ev, AckDenied, "")
		return
	}
	cmd := strings.TrimSpace(ev.Text)
	if cmd == "" {
		return
	}
	if err := d.panel.SendCommand(ctx, cmd); err != nil {
		log.Printf("chat: send command: %v", err)
		d.ack(ctx, ev, AckFailed, "")
		return
	}
	d.ack(ctx, ev, AckOK, "")
}

func (d *Daemon) ack(ctx context.Context, ev Event, ack Ack, note string) {
	if err := d.adapter.Acknowledge(ctx, ev, ack, note); err != nil {
		log.Printf("chat: acknowledge: %v", err)
	}
}
