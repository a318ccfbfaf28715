// Package web serves a small local HTTP status surface: a health
// probe, a JSON status snapshot, and an SSE feed for dashboards that
// want push updates without polling the chat platform.
package web

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// StatusSnapshot is the JSON shape served by the status endpoints.
type StatusSnapshot struct {
	ServerID        string     `json:"server_id"`
	Status          string     `json:"status"`
	StreamConnected bool       `json:"stream_connected"`
	LogsEnabled     bool       `json:"logs_enabled"`
	LogThread       string     `json:"log_thread,omitempty"`
	LastActionType  string     `json:"last_action_type,omitempty"`
	LastActionUser  string     `json:"last_action_user,omitempty"`
	LastActionTime  *time.Time `json:"last_action_time,omitempty"`
	// CooldownRemainingSec is the time left before another lifecycle
	// action is accepted, zero when none.
	CooldownRemainingSec int `json:"cooldown_remaining_sec,omitempty"`
}

// StatusProvider supplies the current snapshot. Implemented by the
// process wiring over the panel client, pipeline, and state store.
type StatusProvider interface {
	StatusSnapshot(ctx context.Context) (StatusSnapshot, error)
}

// StartOpts holds configuration for the status server.
type StartOpts struct {
	Provider StatusProvider
	Port     int
	Out      io.Writer
}

// Start launches the status HTTP server. It blocks until ctx is
// cancelled, then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Provider == nil {
		return fmt.Errorf("web: status provider is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	router := NewRouter(opts.Provider)

	addr := fmt.Sprintf(":%d", opts.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Status server running at http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web: %w", err)
	}
	return nil
}

// NewRouter builds the Gin router with all status routes registered.
func NewRouter(provider StatusProvider) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", handleHealthz)
	router.GET("/api/status", handleStatus(provider))
	router.GET("/api/events", handleSSE(provider))
	return router
}

func handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func handleStatus(provider StatusProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap, err := provider.StatusSnapshot(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, snap)
	}
}
