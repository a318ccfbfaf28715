// Package stream maintains the authenticated WebSocket connection to the
// panel's console feed. It parses the daemon's message envelopes into
// plain log lines and reconnects with exponential backoff when the
// connection drops. The feed is best-effort telemetry: failures are
// logged and retried, never escalated.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// reconnectSeed is the first reconnect delay; it doubles per failed
	// attempt up to reconnectCap and resets on a successful connect.
	reconnectSeed = time.Second
	reconnectCap  = 60 * time.Second

	// handshakeWait bounds how long we wait for the daemon's initial
	// message after the socket opens. Silence is tolerated.
	handshakeWait = 10 * time.Second

	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

// TokenProvider supplies the bearer token used to open the socket.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// Client streams console log lines from the panel daemon.
type Client struct {
	baseURL  string
	serverID string
	tokens   TokenProvider
	dialer   *websocket.Dialer

	mu        sync.Mutex
	conn      *websocket.Conn
	running   bool
	connected bool
	delay     time.Duration
	onLog     func(line string)
	stop      chan struct{}

	wg sync.WaitGroup
}

// ClientOpts holds parameters for creating a stream Client.
type ClientOpts struct {
	BaseURL  string // panel base URL, http(s) scheme
	ServerID string
	Tokens   TokenProvider
	// For testing: inject a dialer with custom settings.
	Dialer *websocket.Dialer
}

// New creates a stream Client.
func New(opts ClientOpts) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("stream: base URL is required")
	}
	if opts.ServerID == "" {
		return nil, fmt.Errorf("stream: server ID is required")
	}
	if opts.Tokens == nil {
		return nil, fmt.Errorf("stream: token provider is required")
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	}
	return &Client{
		baseURL:  opts.BaseURL,
		serverID: opts.ServerID,
		tokens:   opts.Tokens,
		dialer:   dialer,
		delay:    reconnectSeed,
	}, nil
}

// OnLog registers the sink for extracted log lines. Replacing it at
// runtime affects subsequently received messages only.
func (c *Client) OnLog(fn func(line string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLog = fn
}

// Connected reports whether the socket is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SocketURL derives the console socket URL from the panel base URL.
func SocketURL(baseURL, serverID, token string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("stream: parse base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("stream: unsupported scheme %q", u.Scheme)
	}
	u.Path = "/proxy/daemon/socket/" + serverID
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String(), nil
}

// Start opens the stream. On connect success the receive loop runs in
// the background; on failure the reconnect loop runs instead. The
// returned error reflects the immediate connect outcome only — the
// client keeps retrying either way until Stop is called.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.delay = reconnectSeed
	c.stop = make(chan struct{})
	c.mu.Unlock()

	err := c.connect(ctx)
	c.wg.Add(1)
	if err != nil {
		go c.reconnectLoop()
		return err
	}
	go c.receiveLoop(c.currentConn())
	return nil
}

// Stop terminates the receive and reconnect loops, closes the socket,
// and blocks until both loops have exited. Safe to call repeatedly.
func (c *Client) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		c.wg.Wait()
		return
	}
	c.running = false
	c.connected = false
	close(c.stop)
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()
	log.Printf("stream: disconnected")
}

func (c *Client) currentConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// connect dials the socket and performs the optional handshake. An
// initial message of type "error" aborts the attempt; a timeout or a
// non-JSON first payload is a normal, already-authenticated stream.
func (c *Client) connect(ctx context.Context) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("stream: obtain token: %w", err)
	}
	socketURL, err := SocketURL(c.baseURL, c.serverID, token)
	if err != nil {
		return err
	}

	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, resp, err := c.dialer.DialContext(ctx, socketURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("stream: dial: %w", err)
	}

	if err := awaitHandshake(conn); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	if !c.running {
		// Stop raced the connect: discard the fresh connection.
		c.mu.Unlock()
		conn.Close()
		return fmt.Errorf("stream: stopped during connect")
	}
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	log.Printf("stream: connected to server %s", c.serverID)
	return nil
}

// awaitHandshake reads the daemon's initial message with a bounded
// deadline. Only an explicit error envelope fails the connect.
func awaitHandshake(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(handshakeWait))
	defer conn.SetReadDeadline(time.Time{})

	_, raw, err := conn.ReadMessage()
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			// No initial message; the socket authenticated via the URL
			// token.
			return nil
		}
		return fmt.Errorf("stream: handshake read: %w", err)
	}

	var env envelope
	if jsonErr := json.Unmarshal(raw, &env); jsonErr != nil {
		// Non-JSON first payload, likely a raw log line already.
		return nil
	}
	if env.Type == "error" {
		return fmt.Errorf("stream: handshake rejected: %s", env.Message)
	}
	return nil
}

// receiveLoop reads messages until the connection drops or Stop is
// called. On an unplanned drop it hands off to the reconnect loop, so
// at most one of the two loops is ever active.
func (c *Client) receiveLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	pingDone := make(chan struct{})
	go c.pingLoop(conn, pingDone)
	defer close(pingDone)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			c.mu.Lock()
			c.connected = false
			running := c.running
			c.mu.Unlock()
			if running {
				log.Printf("stream: connection lost: %v", err)
				c.wg.Add(1)
				go c.reconnectLoop()
			}
			return
		}
		c.handleMessage(raw)
	}
}

// pingLoop keeps the connection alive while the receive loop is blocked
// reading. It exits when the receive loop does.
func (c *Client) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// reconnectLoop retries the connection with exponential backoff until it
// succeeds or the client is stopped.
func (c *Client) reconnectLoop() {
	defer c.wg.Done()

	for {
		c.mu.Lock()
		if !c.running {
			c.mu.Unlock()
			return
		}
		delay := c.delay
		stop := c.stop
		c.mu.Unlock()

		log.Printf("stream: reconnecting in %s", delay)
		select {
		case <-stop:
			return
		case <-time.After(delay):
		}

		if err := c.connect(context.Background()); err != nil {
			log.Printf("stream: reconnect failed: %v", err)
			c.mu.Lock()
			c.delay = nextDelay(c.delay)
			c.mu.Unlock()
			continue
		}

		c.mu.Lock()
		c.delay = reconnectSeed
		conn := c.conn
		c.mu.Unlock()

		c.wg.Add(1)
		go c.receiveLoop(conn)
		return
	}
}

// handleMessage decodes one payload and feeds extracted lines to the
// registered sink.
func (c *Client) handleMessage(raw []byte) {
	lines, serverErr := decodeMessage(raw)
	if serverErr != "" {
		log.Printf("stream: server error: %s", serverErr)
	}
	if len(lines) == 0 {
		return
	}

	c.mu.Lock()
	sink := c.onLog
	c.mu.Unlock()
	if sink == nil {
		return
	}
	for _, line := range lines {
		sink(line)
	}
}

// nextDelay doubles the reconnect delay up to the cap.
func nextDelay(d time.Duration) time.Duration {
	d *= 2
	if d > reconnectCap {
		d = reconnectCap
	}
	return d
}
