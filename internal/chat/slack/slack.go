// Package slack implements the chat Adapter for Slack using Socket
// Mode. Slack has no real thread channels, so a daily log "thread" is a
// parent message in the log channel and chunks are threaded replies
// under it. The dashboard is a Block Kit message with action buttons.
package slack

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"github.com/zulandar/stationmaster/internal/chat"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for reconnection.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff for reconnection.
	maxBackoff = 2 * time.Minute
	// maxReconnectAttempts limits reconnection retries before giving up.
	maxReconnectAttempts = 10
)

// Button action IDs on the dashboard message.
const (
	actionIDStart   = "sm:start"
	actionIDStop    = "sm:stop"
	actionIDRestart = "sm:restart"
	actionIDLogs    = "sm:logs"
)

// Reaction names for console command acks.
const (
	reactionOK     = "white_check_mark"
	reactionDenied = "warning"
	reactionFailed = "x"
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
	UpdateMessage(channelID, timestamp string, options ...slackapi.MsgOption) (string, string, string, error)
	PostEphemeral(channelID, userID string, options ...slackapi.MsgOption) (string, error)
	GetConversationReplies(params *slackapi.GetConversationRepliesParameters) ([]slackapi.Message, bool, string, error)
	AddReaction(name string, item slackapi.ItemRef) error
}

// socketClient abstracts the Socket Mode client methods we use.
type socketClient interface {
	Run() error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

// realSocketClient wraps *socketmode.Client to implement socketClient.
type realSocketClient struct {
	client *socketmode.Client
}

func (r *realSocketClient) Run() error                        { return r.client.Run() }
func (r *realSocketClient) EventsChan() chan socketmode.Event { return r.client.Events }
func (r *realSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	r.client.Ack(req, payload...)
}

// Adapter implements chat.Adapter for Slack Socket Mode.
type Adapter struct {
	client             slackClient
	socket             socketClient
	appToken           string
	botToken           string
	dashboardChannelID string
	logChannelID       string

	mu           sync.Mutex
	connected    bool
	closed       bool
	botUserID    string
	inbound      chan chat.Event
	cancelFunc   context.CancelFunc
	baseBackoff  time.Duration
	maxReconnect int
}

// AdapterOpts holds parameters for creating a Slack Adapter.
type AdapterOpts struct {
	AppToken           string // xapp-... Slack app-level token for Socket Mode
	BotToken           string // xoxb-... Slack bot token
	DashboardChannelID string
	LogChannelID       string
	// For testing: inject mock clients instead of real Slack API.
	Client slackClient
	Socket socketClient
}

// New creates a Slack Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.Socket == nil && opts.AppToken == "" {
		return nil, fmt.Errorf("slack: app token is required for socket mode")
	}
	if opts.LogChannelID == "" {
		return nil, fmt.Errorf("slack: log channel ID is required")
	}
	dashboard := opts.DashboardChannelID
	if dashboard == "" {
		dashboard = opts.LogChannelID
	}

	a := &Adapter{
		appToken:           opts.AppToken,
		botToken:           opts.BotToken,
		dashboardChannelID: dashboard,
		logChannelID:       opts.LogChannelID,
		inbound:            make(chan chat.Event, 100),
		baseBackoff:        baseBackoff,
		maxReconnect:       maxReconnectAttempts,
	}
	if opts.Client != nil {
		a.client = opts.Client
	}
	if opts.Socket != nil {
		a.socket = opts.Socket
	}
	return a, nil
}

// Connect establishes the Socket Mode connection.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("slack: adapter already closed")
	}
	if a.connected {
		return nil
	}

	if a.client == nil {
		api := slackapi.New(a.botToken, slackapi.OptionAppLevelToken(a.appToken))
		a.client = api
		a.socket = &realSocketClient{client: socketmode.New(api)}
	}

	auth, err := a.client.AuthTest()
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.botUserID = auth.UserID

	a.connected = true
	return nil
}

// Listen returns a channel of inbound events. Starts the Socket Mode
// event pump in a background goroutine. Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan chat.Event, error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil, fmt.Errorf("slack: not connected")
	}
	a.mu.Unlock()

	listenCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancelFunc = cancel
	a.mu.Unlock()

	go a.runWithReconnect(listenCtx)
	go a.pumpEvents(listenCtx)

	return a.inbound, nil
}

// Close shuts down the adapter and closes the inbound channel.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	if a.cancelFunc != nil {
		a.cancelFunc()
	}
	close(a.inbound)
	return nil
}

// BotUserID returns the bot's Slack user ID (available after Connect).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// CreateThread posts the thread's parent message into the log channel
// and returns its timestamp, which is how Slack addresses threads.
func (a *Adapter) CreateThread(ctx context.Context, name string) (chat.ThreadRef, error) {
	var ts string
	err := retryOnRateLimit(ctx, func() error {
		var postErr error
		_, ts, postErr = a.client.PostMessage(a.logChannelID,
			slackapi.MsgOptionText(fmt.Sprintf(":page_facing_up: *%s*", name), false))
		return postErr
	})
	if err != nil {
		return chat.ThreadRef{}, translateErr(err)
	}
	return chat.ThreadRef{ID: ts, Name: name}, nil
}

// FetchThread verifies the parent message still exists.
func (a *Adapter) FetchThread(ctx context.Context, id string) (chat.ThreadRef, error) {
	var msgs []slackapi.Message
	err := retryOnRateLimit(ctx, func() error {
		var apiErr error
		msgs, _, _, apiErr = a.client.GetConversationReplies(&slackapi.GetConversationRepliesParameters{
			ChannelID: a.logChannelID,
			Timestamp: id,
			Limit:     1,
		})
		return apiErr
	})
	if err != nil {
		return chat.ThreadRef{}, translateErr(err)
	}
	if len(msgs) == 0 {
		return chat.ThreadRef{}, fmt.Errorf("slack: thread %s: %w", id, chat.ErrNotFound)
	}
	name := strings.TrimPrefix(msgs[0].Text, ":page_facing_up: ")
	name = strings.Trim(name, "*")
	return chat.ThreadRef{ID: id, Name: name}, nil
}

// PostChunk sends one threaded reply under the parent message.
func (a *Adapter) PostChunk(ctx context.Context, threadID, text string) error {
	err := retryOnRateLimit(ctx, func() error {
		_, _, postErr := a.client.PostMessage(a.logChannelID,
			slackapi.MsgOptionTS(threadID),
			slackapi.MsgOptionText(text, false))
		return postErr
	})
	return translateErr(err)
}

// PublishDashboard creates or updates the dashboard message.
func (a *Adapter) PublishDashboard(ctx context.Context, messageID string, view chat.DashboardView) (string, error) {
	options := dashboardOptions(view)

	if messageID != "" {
		var updateErr error
		err := retryOnRateLimit(ctx, func() error {
			_, _, _, updateErr = a.client.UpdateMessage(a.dashboardChannelID, messageID, options...)
			return updateErr
		})
		if err == nil {
			return messageID, nil
		}
		if !errors.Is(translateErr(err), chat.ErrNotFound) {
			return "", translateErr(err)
		}
		// Message was deleted; post a fresh one below.
	}

	var ts string
	err := retryOnRateLimit(ctx, func() error {
		var postErr error
		_, ts, postErr = a.client.PostMessage(a.dashboardChannelID, options...)
		return postErr
	})
	if err != nil {
		return "", translateErr(err)
	}
	return ts, nil
}

// Acknowledge answers an event: action events get an ephemeral message,
// command events get a reaction.
func (a *Adapter) Acknowledge(ctx context.Context, ev chat.Event, ack chat.Ack, note string) error {
	switch ev.Kind {
	case chat.EventAction:
		text := note
		if text == "" {
			text = reactionText(ack)
		}
		_, err := a.client.PostEphemeral(ev.ChannelID, ev.UserID,
			slackapi.MsgOptionText(text, false))
		return translateErr(err)

	case chat.EventCommand:
		err := a.client.AddReaction(reactionName(ack),
			slackapi.NewRefToMessage(a.logChannelID, ev.MessageID))
		return translateErr(err)
	}
	return nil
}

func reactionName(ack chat.Ack) string {
	switch ack {
	case chat.AckOK:
		return reactionOK
	case chat.AckDenied:
		return reactionDenied
	default:
		return reactionFailed
	}
}

func reactionText(ack chat.Ack) string {
	switch ack {
	case chat.AckOK:
		return ":white_check_mark: Done."
	case chat.AckDenied:
		return ":warning: Not allowed."
	default:
		return ":x: Failed."
	}
}

// runWithReconnect runs the Socket Mode client and retries with
// exponential backoff when Run returns an error.
func (a *Adapter) runWithReconnect(ctx context.Context) {
	for attempt := 0; attempt < a.maxReconnect; attempt++ {
		err := a.socket.Run()
		if err == nil {
			return // clean shutdown
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > maxBackoff {
			wait = maxBackoff
		}

		log.Printf("slack: socket mode disconnected (attempt %d/%d): %v, reconnecting in %v",
			attempt+1, a.maxReconnect, err, wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
	log.Printf("slack: socket mode exhausted %d reconnection attempts, giving up", a.maxReconnect)
}

// pumpEvents reads Socket Mode events and converts them to chat events.
func (a *Adapter) pumpEvents(ctx context.Context) {
	events := a.socket.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			a.handleSocketEvent(evt)
		}
	}
}

// handleSocketEvent processes a single Socket Mode event.
func (a *Adapter) handleSocketEvent(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			a.socket.Ack(*evt.Request)
		}
		a.handleEventsAPI(apiEvent)

	case socketmode.EventTypeInteractive:
		callback, ok := evt.Data.(slackapi.InteractionCallback)
		if !ok {
			return
		}
		if evt.Request != nil {
			a.socket.Ack(*evt.Request)
		}
		a.handleInteraction(callback)

	case socketmode.EventTypeConnecting:
		log.Printf("slack: connecting to Socket Mode...")

	case socketmode.EventTypeConnected:
		log.Printf("slack: connected to Socket Mode")

	case socketmode.EventTypeConnectionError:
		log.Printf("slack: connection error: %v", evt.Data)

	case socketmode.EventTypeDisconnect:
		log.Printf("slack: server requested disconnect, will reconnect")
	}
}

// handleEventsAPI processes Events API callbacks.
func (a *Adapter) handleEventsAPI(event slackevents.EventsAPIEvent) {
	switch event.Type {
	case slackevents.CallbackEvent:
		if ev, ok := event.InnerEvent.Data.(*slackevents.MessageEvent); ok {
			a.handleMessage(ev)
		}
	}
}

// handleMessage converts thread replies in the log channel into command
// events. Top-level messages and other channels are not commands.
func (a *Adapter) handleMessage(ev *slackevents.MessageEvent) {
	a.mu.Lock()
	botID := a.botUserID
	closed := a.closed
	a.mu.Unlock()
	if closed || ev.User == botID {
		return
	}
	if ev.BotID != "" || ev.SubType != "" {
		return
	}
	if ev.Channel != a.logChannelID || ev.ThreadTimeStamp == "" {
		return
	}

	a.deliver(chat.Event{
		Kind:      chat.EventCommand,
		Text:      ev.Text,
		ChannelID: ev.Channel,
		ThreadID:  ev.ThreadTimeStamp,
		MessageID: ev.TimeStamp,
		UserID:    ev.User,
		UserName:  ev.User,
		// Workspace membership is the authorization boundary on Slack.
		Authorized: true,
	})
}

// handleInteraction converts dashboard button presses into action events.
func (a *Adapter) handleInteraction(callback slackapi.InteractionCallback) {
	if callback.Type != slackapi.InteractionTypeBlockActions {
		return
	}
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return
	}

	for _, action := range callback.ActionCallback.BlockActions {
		kind := actionForActionID(action.ActionID)
		if kind == "" {
			continue
		}
		a.deliver(chat.Event{
			Kind:       chat.EventAction,
			Action:     kind,
			ChannelID:  callback.Channel.ID,
			UserID:     callback.User.ID,
			UserName:   callback.User.Name,
			Authorized: true,
		})
	}
}

func actionForActionID(id string) string {
	switch id {
	case actionIDStart:
		return chat.ActionStart
	case actionIDStop:
		return chat.ActionStop
	case actionIDRestart:
		return chat.ActionRestart
	case actionIDLogs:
		return chat.ActionLogsToggle
	}
	return ""
}

func (a *Adapter) deliver(ev chat.Event) {
	defer func() {
		// The inbound channel closes on shutdown; a late socket event
		// must not panic the pump goroutine.
		recover()
	}()
	a.inbound <- ev
}

func statusLine(view chat.DashboardView) string {
	switch view.Status {
	case "running":
		return ":large_green_circle: Running"
	case "offline":
		return ":red_circle: Offline"
	default:
		return ":white_circle: Unknown"
	}
}

// dashboardOptions renders the dashboard view as Block Kit options.
func dashboardOptions(view chat.DashboardView) []slackapi.MsgOption {
	logsValue := "Off"
	if view.LogsEnabled {
		logsValue = "On"
		if view.LogThread != "" {
			logsValue = "On, posting to " + view.LogThread
		}
	}
	lastAction := "none"
	if view.LastActionKind != "" {
		lastAction = fmt.Sprintf("%s by %s", view.LastActionKind, view.LastActionUser)
		if view.LastActionTime != nil {
			lastAction += " at " + view.LastActionTime.Format("15:04 MST")
		}
	}

	text := fmt.Sprintf("*Server %s*\nStatus: %s\nLog sync: %s\nLast action: %s",
		view.ServerID, statusLine(view), logsValue, lastAction)
	section := slackapi.NewSectionBlock(
		slackapi.NewTextBlockObject(slackapi.MarkdownType, text, false, false), nil, nil)

	logsLabel := "Enable Logs"
	if view.LogsEnabled {
		logsLabel = "Disable Logs"
	}
	buttons := slackapi.NewActionBlock("sm-controls",
		buttonElement(actionIDStart, "Start", slackapi.StylePrimary),
		buttonElement(actionIDStop, "Stop", slackapi.StyleDanger),
		buttonElement(actionIDRestart, "Restart", slackapi.StyleDefault),
		buttonElement(actionIDLogs, logsLabel, slackapi.StyleDefault),
	)

	return []slackapi.MsgOption{slackapi.MsgOptionBlocks(section, buttons)}
}

func buttonElement(actionID, label string, style slackapi.Style) *slackapi.ButtonBlockElement {
	btn := slackapi.NewButtonBlockElement(actionID, actionID,
		slackapi.NewTextBlockObject(slackapi.PlainTextType, label, false, false))
	btn.Style = style
	return btn
}

// translateErr maps Slack API errors onto the chat error taxonomy.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	var rle *slackapi.RateLimitedError
	if errors.As(err, &rle) {
		return &chat.RateLimitedError{RetryAfter: rle.RetryAfter}
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "not_in_channel"),
		strings.Contains(msg, "restricted_action"),
		strings.Contains(msg, "not_allowed"),
		strings.Contains(msg, "missing_scope"):
		return fmt.Errorf("%w: %v", chat.ErrForbidden, err)
	case strings.Contains(msg, "message_not_found"),
		strings.Contains(msg, "thread_not_found"),
		strings.Contains(msg, "channel_not_found"):
		return fmt.Errorf("%w: %v", chat.ErrNotFound, err)
	}
	return err
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit
// errors. It respects context cancellation and the RetryAfter duration
// from Slack.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err // not a rate limit error, don't retry
		}

		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}
