package stream

import (
	"bytes"
	"encoding/json"
)

// envelope is the structured message unit on the console socket. The
// daemon multiplexes several message kinds over one connection,
// discriminated by Type.
type envelope struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
	Logs    json.RawMessage `json:"logs"`
	Message string          `json:"message"`
}

// logFieldPriority lists the entry fields probed, in order, when a log
// entry arrives as an object instead of a plain string.
var logFieldPriority = []string{"message", "msg", "log", "line", "text", "data"}

// decodeMessage interprets one raw socket payload. It returns the log
// lines the payload carries (already stripped of empties) and, for
// error envelopes, the server-supplied diagnostic. Payloads that are
// not JSON at all are passed through as a single raw log line.
func decodeMessage(raw []byte) (lines []string, serverErr string) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return []string{string(raw)}, ""
	}

	switch env.Type {
	case "console":
		if line := extractEntry(env.Data); line != "" {
			lines = append(lines, line)
		}
	case "logs":
		// Some daemon versions put the batch under "logs", others under
		// "data".
		batch := env.Logs
		if len(batch) == 0 {
			batch = env.Data
		}
		var entries []json.RawMessage
		if err := json.Unmarshal(batch, &entries); err != nil {
			return nil, ""
		}
		for _, entry := range entries {
			if line := extractEntry(entry); line != "" {
				lines = append(lines, line)
			}
		}
	case "status":
		// Status updates are not consumed here.
	case "error":
		serverErr = env.Message
	}
	return lines, serverErr
}

// extractEntry pulls a log line out of one entry, which may be a plain
// string, an object with a known text field, or anything else the
// daemon decides to send. Null and absent entries yield "".
func extractEntry(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		for _, key := range logFieldPriority {
			if v, ok := obj[key].(string); ok {
				return v
			}
		}
		// No known text field: fall back to a canonical serialization.
		if b, err := json.Marshal(obj); err == nil {
			return string(b)
		}
	}

	// Numbers, booleans, arrays: use the raw text.
	return string(raw)
}
