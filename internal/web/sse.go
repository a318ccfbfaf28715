package web

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	// ssePollInterval is how often the SSE feed re-samples the status.
	ssePollInterval = 5 * time.Second
	// sseHeartbeatInterval keeps idle connections alive through proxies.
	sseHeartbeatInterval = 15 * time.Second
)

// handleSSE streams status snapshots as server-sent events. A snapshot
// event is sent only when the status actually changed since the last
// poll; heartbeats fill the gaps.
func handleSSE(provider StatusProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		ctx := c.Request.Context()

		last, err := provider.StatusSnapshot(ctx)
		if err == nil {
			writeSSE(c.Writer, "status", last)
		} else {
			writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
		}
		c.Writer.Flush()

		poll := time.NewTicker(ssePollInterval)
		heartbeat := time.NewTicker(sseHeartbeatInterval)
		defer poll.Stop()
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case <-poll.C:
				snap, err := provider.StatusSnapshot(ctx)
				if err != nil || sameSnapshot(snap, last) {
					continue
				}
				last = snap
				writeSSE(c.Writer, "status", snap)
				c.Writer.Flush()
			}
		}
	}
}

// sameSnapshot compares snapshots by value, treating the last-action
// time by instant rather than pointer identity.
func sameSnapshot(a, b StatusSnapshot) bool {
	switch {
	case a.LastActionTime == nil && b.LastActionTime != nil,
		a.LastActionTime != nil && b.LastActionTime == nil:
		return false
	case a.LastActionTime != nil && !a.LastActionTime.Equal(*b.LastActionTime):
		return false
	}
	a.LastActionTime, b.LastActionTime = nil, nil
	return a == b
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
