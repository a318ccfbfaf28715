package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/stationmaster/internal/config"
	"github.com/zulandar/stationmaster/internal/panel"
	"github.com/zulandar/stationmaster/internal/state"
)

func testConfig(platform string) *config.Config {
	cfg, err := config.Parse([]byte(`panel:
  base_url: https://panel.example.com
  server_id: srv-1
  oauth2:
    client_id: cid
    client_secret: csecret
chat:
  platform: ` + platform + `
  discord:
    token: bot-token
    guild_id: g-1
    dashboard_channel_id: dash-1
    log_parent_channel_id: logs-1
  slack:
    app_token: xapp-1
    bot_token: xoxb-1
    log_channel_id: C_LOG
`))
	if err != nil {
		panic(err)
	}
	return cfg
}

func TestCreateAdapterDiscord(t *testing.T) {
	adapter, err := createAdapter(testConfig("discord"))
	if err != nil {
		t.Fatalf("createAdapter() error = %v", err)
	}
	if adapter == nil {
		t.Fatal("createAdapter() returned nil adapter")
	}
}

func TestCreateAdapterSlack(t *testing.T) {
	adapter, err := createAdapter(testConfig("slack"))
	if err != nil {
		t.Fatalf("createAdapter() error = %v", err)
	}
	if adapter == nil {
		t.Fatal("createAdapter() returned nil adapter")
	}
}

func TestCreateAdapterUnsupported(t *testing.T) {
	cfg := testConfig("discord")
	cfg.Chat.Platform = "irc"

	_, err := createAdapter(cfg)
	if err == nil {
		t.Fatal("expected error for unsupported platform")
	}
	if !strings.Contains(err.Error(), "irc") {
		t.Errorf("error = %q, want to name the platform", err.Error())
	}
}

type fakeStatusAPI struct {
	status panel.Status
	err    error
}

func (f *fakeStatusAPI) Status(ctx context.Context) (panel.Status, error) {
	return f.status, f.err
}

type fakeStreamStatus struct{ connected bool }

func (f *fakeStreamStatus) Connected() bool { return f.connected }

type fakePipelineStatus struct {
	running bool
	thread  string
}

func (f *fakePipelineStatus) Running() bool { return f.running }

func (f *fakePipelineStatus) ThreadInfo() (string, bool) {
	return f.thread, f.thread != ""
}

type fakeSnapshotter struct {
	rec state.Record
	err error
}

func (f *fakeSnapshotter) Snapshot() (state.Record, error) { return f.rec, f.err }

type fakeCooldown struct{ remaining time.Duration }

func (f *fakeCooldown) Remaining() time.Duration { return f.remaining }

func TestStatusProviderSnapshot(t *testing.T) {
	acted := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	provider := &statusProvider{
		serverID: "srv-1",
		panel:    &fakeStatusAPI{status: panel.StatusRunning},
		stream:   &fakeStreamStatus{connected: true},
		pipeline: &fakePipelineStatus{running: true, thread: "server-log-2026-03-14"},
		store: &fakeSnapshotter{rec: state.Record{
			LastActionType: "restart",
			LastActionUser: "alice",
			LastActionTime: &acted,
		}},
		cooldown: &fakeCooldown{remaining: 2500 * time.Millisecond},
	}

	snap, err := provider.StatusSnapshot(context.Background())
	if err != nil {
		t.Fatalf("StatusSnapshot() error = %v", err)
	}

	if snap.ServerID != "srv-1" {
		t.Errorf("ServerID = %q, want %q", snap.ServerID, "srv-1")
	}
	if snap.Status != "running" {
		t.Errorf("Status = %q, want %q", snap.Status, "running")
	}
	if !snap.StreamConnected {
		t.Error("StreamConnected = false, want true")
	}
	if !snap.LogsEnabled {
		t.Error("LogsEnabled = false, want true")
	}
	if snap.LogThread != "server-log-2026-03-14" {
		t.Errorf("LogThread = %q, want the thread name", snap.LogThread)
	}
	if snap.LastActionType != "restart" || snap.LastActionUser != "alice" {
		t.Errorf("last action = %s/%s, want restart/alice", snap.LastActionType, snap.LastActionUser)
	}
	if snap.LastActionTime == nil || !snap.LastActionTime.Equal(acted) {
		t.Errorf("LastActionTime = %v, want %v", snap.LastActionTime, acted)
	}
	if snap.CooldownRemainingSec != 3 {
		t.Errorf("CooldownRemainingSec = %d, want 3 (rounded up)", snap.CooldownRemainingSec)
	}
}

func TestStatusProviderPanelErrorTolerated(t *testing.T) {
	provider := &statusProvider{
		serverID: "srv-1",
		panel:    &fakeStatusAPI{status: panel.StatusUnknown, err: errors.New("panel down")},
		stream:   &fakeStreamStatus{},
		pipeline: &fakePipelineStatus{},
		store:    &fakeSnapshotter{},
		cooldown: &fakeCooldown{},
	}

	snap, err := provider.StatusSnapshot(context.Background())
	if err != nil {
		t.Fatalf("StatusSnapshot() error = %v", err)
	}
	if snap.Status != "unknown" {
		t.Errorf("Status = %q, want %q", snap.Status, "unknown")
	}
	if snap.LogThread != "" {
		t.Errorf("LogThread = %q, want empty when pipeline is idle", snap.LogThread)
	}
}

func TestStatusProviderStoreError(t *testing.T) {
	provider := &statusProvider{
		serverID: "srv-1",
		panel:    &fakeStatusAPI{},
		stream:   &fakeStreamStatus{},
		pipeline: &fakePipelineStatus{},
		store:    &fakeSnapshotter{err: errors.New("db locked")},
		cooldown: &fakeCooldown{},
	}

	if _, err := provider.StatusSnapshot(context.Background()); err == nil {
		t.Fatal("expected error when the state store fails")
	}
}
