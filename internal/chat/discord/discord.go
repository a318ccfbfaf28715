// Package discord implements the chat Adapter for Discord using the
// Gateway WebSocket. The dashboard is an embed with button components,
// log threads are public threads under a configured parent channel, and
// console command acks are message reactions.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/stationmaster/internal/chat"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff for rate-limit retries.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the rate-limit retry backoff.
	maxBackoff = 2 * time.Minute
)

// Button custom IDs on the dashboard message.
const (
	customIDStart   = "sm:start"
	customIDStop    = "sm:stop"
	customIDRestart = "sm:restart"
	customIDLogs    = "sm:logs"
)

// Reaction emoji for console command acks.
const (
	emojiOK     = "✅" // white check mark
	emojiDenied = "⚠️"
	emojiFailed = "❌"
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ThreadStartComplex(channelID string, data *discordgo.ThreadStart, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	FollowupMessageCreate(interaction *discordgo.Interaction, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}
func (r *realSession) Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	return r.s.Channel(channelID, options...)
}
func (r *realSession) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSend(channelID, content, options...)
}
func (r *realSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSendComplex(channelID, data, options...)
}
func (r *realSession) ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageEditComplex(m, options...)
}
func (r *realSession) ThreadStartComplex(channelID string, data *discordgo.ThreadStart, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	return r.s.ThreadStartComplex(channelID, data, options...)
}
func (r *realSession) MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error {
	return r.s.MessageReactionAdd(channelID, messageID, emojiID, options...)
}
func (r *realSession) InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error {
	return r.s.InteractionRespond(interaction, resp, options...)
}
func (r *realSession) FollowupMessageCreate(interaction *discordgo.Interaction, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.FollowupMessageCreate(interaction, wait, data, options...)
}

// Adapter implements chat.Adapter for Discord via the Gateway WebSocket.
type Adapter struct {
	sess               session
	botToken           string
	guildID            string
	dashboardChannelID string
	logParentChannelID string
	allowedRoleID      string
	archiveMinutes     int

	mu            sync.Mutex
	connected     bool
	closed        bool
	botUserID     string
	inbound       chan chat.Event
	interactions  map[string]*discordgo.Interaction
	removeHandler []func()
	baseBackoff   time.Duration
}

// AdapterOpts holds parameters for creating a Discord Adapter.
type AdapterOpts struct {
	BotToken           string
	GuildID            string
	DashboardChannelID string
	LogParentChannelID string
	// AllowedRoleID restricts control to members holding the role.
	// Empty means any guild member may control the server.
	AllowedRoleID string
	// ArchiveMinutes is the thread auto-archive duration for new log
	// threads.
	ArchiveMinutes int
	// For testing: inject a mock session instead of real Discord API.
	Session session
}

// New creates a Discord Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	if opts.DashboardChannelID == "" {
		return nil, fmt.Errorf("discord: dashboard channel ID is required")
	}
	if opts.LogParentChannelID == "" {
		return nil, fmt.Errorf("discord: log parent channel ID is required")
	}
	archive := opts.ArchiveMinutes
	if archive == 0 {
		archive = 1440
	}

	a := &Adapter{
		botToken:           opts.BotToken,
		guildID:            opts.GuildID,
		dashboardChannelID: opts.DashboardChannelID,
		logParentChannelID: opts.LogParentChannelID,
		allowedRoleID:      opts.AllowedRoleID,
		archiveMinutes:     archive,
		inbound:            make(chan chat.Event, 100),
		interactions:       make(map[string]*discordgo.Interaction),
		baseBackoff:        baseBackoff,
	}
	if opts.Session != nil {
		a.sess = opts.Session
	}
	return a, nil
}

// Connect establishes the Discord Gateway WebSocket connection.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("discord: adapter already closed")
	}
	if a.connected {
		return nil
	}

	if a.sess == nil {
		dg, err := discordgo.New("Bot " + a.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuilds |
			discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent
		a.sess = &realSession{s: dg}
	}

	a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		a.mu.Lock()
		a.botUserID = r.User.ID
		a.mu.Unlock()
		log.Printf("discord: connected as %s (ID: %s)", r.User.Username, r.User.ID)
	})
	a.sess.AddHandler(func(_ *discordgo.Session, d *discordgo.Disconnect) {
		log.Printf("discord: gateway disconnected, discordgo will auto-reconnect")
	})

	if err := a.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}

	a.connected = true
	return nil
}

// Listen returns a channel of inbound events. Registers message and
// interaction handlers on the Gateway session. Must be called after
// Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan chat.Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("discord: not connected")
	}

	a.removeHandler = append(a.removeHandler,
		a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			a.handleMessage(m)
		}),
		a.sess.AddHandler(func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
			a.handleInteraction(i)
		}),
	)
	return a.inbound, nil
}

// Close gracefully shuts down the adapter connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	for _, remove := range a.removeHandler {
		remove()
	}
	close(a.inbound)
	if a.sess != nil {
		return a.sess.Close()
	}
	return nil
}

// handleMessage converts thread messages into command events. Only
// messages inside threads under the log parent channel qualify.
func (a *Adapter) handleMessage(m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	a.mu.Lock()
	botID := a.botUserID
	closed := a.closed
	a.mu.Unlock()
	if closed || m.Author.ID == botID {
		return
	}

	// Discord threads are channels: a message's ChannelID is the
	// thread ID when sent inside one.
	ch, err := a.sess.Channel(m.ChannelID)
	if err != nil || !ch.IsThread() || ch.ParentID != a.logParentChannelID {
		return
	}

	var roles []string
	if m.Member != nil {
		roles = m.Member.Roles
	}
	a.deliver(chat.Event{
		Kind:       chat.EventCommand,
		Text:       m.Content,
		ChannelID:  ch.ParentID,
		ThreadID:   m.ChannelID,
		MessageID:  m.ID,
		UserID:     m.Author.ID,
		UserName:   m.Author.Username,
		Authorized: a.rolesAuthorized(roles),
	})
}

// handleInteraction converts dashboard button presses into action
// events. The interaction is deferred immediately so Discord does not
// time it out while the action runs; Acknowledge sends the followup.
func (a *Adapter) handleInteraction(i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionMessageComponent {
		return
	}
	action := actionForCustomID(i.MessageComponentData().CustomID)
	if action == "" {
		return
	}

	if err := a.sess.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Flags: discordgo.MessageFlagsEphemeral,
		},
	}); err != nil {
		log.Printf("discord: defer interaction: %v", err)
		return
	}

	var (
		userID, userName string
		roles            []string
	)
	if i.Member != nil && i.Member.User != nil {
		userID = i.Member.User.ID
		userName = i.Member.User.Username
		roles = i.Member.Roles
	} else if i.User != nil {
		userID = i.User.ID
		userName = i.User.Username
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.interactions[i.ID] = i.Interaction
	a.mu.Unlock()

	a.deliver(chat.Event{
		Kind:       chat.EventAction,
		Action:     action,
		ChannelID:  i.ChannelID,
		UserID:     userID,
		UserName:   userName,
		Authorized: a.rolesAuthorized(roles),
		AckToken:   i.ID,
	})
}

func actionForCustomID(id string) string {
	switch id {
	case customIDStart:
		return chat.ActionStart
	case customIDStop:
		return chat.ActionStop
	case customIDRestart:
		return chat.ActionRestart
	case customIDLogs:
		return chat.ActionLogsToggle
	}
	return ""
}

// rolesAuthorized checks the configured role requirement.
func (a *Adapter) rolesAuthorized(roles []string) bool {
	if a.allowedRoleID == "" {
		return true
	}
	for _, r := range roles {
		if r == a.allowedRoleID {
			return true
		}
	}
	return false
}

func (a *Adapter) deliver(ev chat.Event) {
	defer func() {
		// The inbound channel closes on shutdown; a late gateway event
		// must not panic the handler goroutine.
		recover()
	}()
	a.inbound <- ev
}

// CreateThread opens a public thread under the log parent channel.
func (a *Adapter) CreateThread(ctx context.Context, name string) (chat.ThreadRef, error) {
	var thread *discordgo.Channel
	err := a.retryOnRateLimit(ctx, func() error {
		var apiErr error
		thread, apiErr = a.sess.ThreadStartComplex(a.logParentChannelID, &discordgo.ThreadStart{
			Name:                name,
			AutoArchiveDuration: a.archiveMinutes,
			Type:                discordgo.ChannelTypeGuildPublicThread,
		})
		return apiErr
	})
	if err != nil {
		return chat.ThreadRef{}, translateErr(err)
	}
	return chat.ThreadRef{ID: thread.ID, Name: thread.Name}, nil
}

// FetchThread resolves an existing thread channel by ID.
func (a *Adapter) FetchThread(ctx context.Context, id string) (chat.ThreadRef, error) {
	var ch *discordgo.Channel
	err := a.retryOnRateLimit(ctx, func() error {
		var apiErr error
		ch, apiErr = a.sess.Channel(id)
		return apiErr
	})
	if err != nil {
		return chat.ThreadRef{}, translateErr(err)
	}
	if !ch.IsThread() {
		return chat.ThreadRef{}, fmt.Errorf("discord: channel %s: %w", id, chat.ErrNotFound)
	}
	return chat.ThreadRef{ID: ch.ID, Name: ch.Name}, nil
}

// PostChunk sends one message into a thread.
func (a *Adapter) PostChunk(ctx context.Context, threadID, text string) error {
	err := a.retryOnRateLimit(ctx, func() error {
		_, apiErr := a.sess.ChannelMessageSend(threadID, text)
		return apiErr
	})
	return translateErr(err)
}

// PublishDashboard creates or updates the dashboard embed with its
// control buttons. A stale message ID falls back to posting fresh.
func (a *Adapter) PublishDashboard(ctx context.Context, messageID string, view chat.DashboardView) (string, error) {
	embed := dashboardEmbed(view)
	components := dashboardComponents(view)

	if messageID != "" {
		edit := discordgo.NewMessageEdit(a.dashboardChannelID, messageID)
		edit.SetEmbed(embed)
		edit.Components = &components
		var editErr error
		err := a.retryOnRateLimit(ctx, func() error {
			_, editErr = a.sess.ChannelMessageEditComplex(edit)
			return editErr
		})
		if err == nil {
			return messageID, nil
		}
		if !errors.Is(translateErr(err), chat.ErrNotFound) {
			return "", translateErr(err)
		}
		// Message was deleted; post a fresh one below.
	}

	var msg *discordgo.Message
	err := a.retryOnRateLimit(ctx, func() error {
		var apiErr error
		msg, apiErr = a.sess.ChannelMessageSendComplex(a.dashboardChannelID, &discordgo.MessageSend{
			Embeds:     []*discordgo.MessageEmbed{embed},
			Components: components,
		})
		return apiErr
	})
	if err != nil {
		return "", translateErr(err)
	}
	return msg.ID, nil
}

// Acknowledge answers an event: action events get an ephemeral followup
// on their interaction, command events get a reaction on the message.
func (a *Adapter) Acknowledge(ctx context.Context, ev chat.Event, ack chat.Ack, note string) error {
	switch ev.Kind {
	case chat.EventAction:
		a.mu.Lock()
		interaction, ok := a.interactions[ev.AckToken]
		delete(a.interactions, ev.AckToken)
		a.mu.Unlock()
		if !ok {
			return fmt.Errorf("discord: no pending interaction for event")
		}
		content := note
		if content == "" {
			content = ackEmoji(ack)
		}
		_, err := a.sess.FollowupMessageCreate(interaction, false, &discordgo.WebhookParams{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		})
		return translateErr(err)

	case chat.EventCommand:
		err := a.sess.MessageReactionAdd(ev.ThreadID, ev.MessageID, ackEmoji(ack))
		return translateErr(err)
	}
	return nil
}

func ackEmoji(ack chat.Ack) string {
	switch ack {
	case chat.AckOK:
		return emojiOK
	case chat.AckDenied:
		return emojiDenied
	default:
		return emojiFailed
	}
}

// BotUserID returns the bot's Discord user ID (available after Connect).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

func statusLine(view chat.DashboardView) string {
	switch view.Status {
	case "running":
		return "\U0001f7e2 Running"
	case "offline":
		return "\U0001f534 Offline"
	default:
		return "⚪ Unknown"
	}
}

// dashboardEmbed renders the dashboard view as a Discord embed.
func dashboardEmbed(view chat.DashboardView) *discordgo.MessageEmbed {
	logsValue := "Off"
	if view.LogsEnabled {
		logsValue = "On"
		if view.LogThread != "" {
			logsValue = "On → " + view.LogThread
		}
	}
	lastAction := "none"
	if view.LastActionKind != "" {
		lastAction = fmt.Sprintf("%s by %s", view.LastActionKind, view.LastActionUser)
		if view.LastActionTime != nil {
			lastAction += fmt.Sprintf(" <t:%d:R>", view.LastActionTime.Unix())
		}
	}
	return &discordgo.MessageEmbed{
		Title: "Server " + view.ServerID,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Status", Value: statusLine(view), Inline: true},
			{Name: "Log sync", Value: logsValue, Inline: true},
			{Name: "Last action", Value: lastAction},
		},
		Timestamp: view.UpdatedAt.Format(time.RFC3339),
	}
}

// dashboardComponents builds the control button row.
func dashboardComponents(view chat.DashboardView) []discordgo.MessageComponent {
	logsLabel := "Enable Logs"
	if view.LogsEnabled {
		logsLabel = "Disable Logs"
	}
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{Label: "Start", Style: discordgo.SuccessButton, CustomID: customIDStart},
				discordgo.Button{Label: "Stop", Style: discordgo.DangerButton, CustomID: customIDStop},
				discordgo.Button{Label: "Restart", Style: discordgo.PrimaryButton, CustomID: customIDRestart},
				discordgo.Button{Label: logsLabel, Style: discordgo.SecondaryButton, CustomID: customIDLogs},
			},
		},
	}
}

// translateErr maps discordgo REST errors onto the chat error taxonomy.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		switch rest.Response.StatusCode {
		case http.StatusForbidden:
			return fmt.Errorf("%w: %v", chat.ErrForbidden, err)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", chat.ErrNotFound, err)
		case http.StatusTooManyRequests:
			return &chat.RateLimitedError{RetryAfter: time.Second}
		}
	}
	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) {
		return &chat.RateLimitedError{RetryAfter: rl.RetryAfter}
	}
	return err
}

// retryOnRateLimit calls fn and retries with exponential backoff on
// Discord rate limit errors. It respects context cancellation.
func (a *Adapter) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		restErr, ok := err.(*discordgo.RESTError)
		if !ok || restErr.Response == nil || restErr.Response.StatusCode != http.StatusTooManyRequests {
			return err // not a rate limit error
		}

		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > maxBackoff {
			wait = maxBackoff
		}

		log.Printf("discord: rate limited (attempt %d/%d) — retrying in %v",
			attempt+1, maxRetries, wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}
