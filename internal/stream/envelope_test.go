package stream

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestDecodeMessageConsoleString(t *testing.T) {
	lines, serverErr := decodeMessage([]byte(`{"type":"console","data":"Server started"}`))
	if serverErr != "" {
		t.Fatalf("serverErr = %q, want empty", serverErr)
	}
	if want := []string{"Server started"}; !reflect.DeepEqual(lines, want) {
		t.Errorf("lines = %v, want %v", lines, want)
	}
}

func TestDecodeMessageConsoleObject(t *testing.T) {
	lines, _ := decodeMessage([]byte(`{"type":"console","data":{"message":"hello","level":"info"}}`))
	if want := []string{"hello"}; !reflect.DeepEqual(lines, want) {
		t.Errorf("lines = %v, want %v", lines, want)
	}
}

func TestDecodeMessageLogsBatch(t *testing.T) {
	payload := `{"type":"logs","logs":["one",{"msg":"two"},"","three"]}`
	lines, _ := decodeMessage([]byte(payload))
	if want := []string{"one", "two", "three"}; !reflect.DeepEqual(lines, want) {
		t.Errorf("lines = %v, want %v", lines, want)
	}
}

func TestDecodeMessageLogsUnderData(t *testing.T) {
	payload := `{"type":"logs","data":["a","b"]}`
	lines, _ := decodeMessage([]byte(payload))
	if want := []string{"a", "b"}; !reflect.DeepEqual(lines, want) {
		t.Errorf("lines = %v, want %v", lines, want)
	}
}

func TestDecodeMessageStatusIgnored(t *testing.T) {
	lines, serverErr := decodeMessage([]byte(`{"type":"status","data":{"running":true}}`))
	if len(lines) != 0 || serverErr != "" {
		t.Errorf("got lines %v, serverErr %q, want none", lines, serverErr)
	}
}

func TestDecodeMessageError(t *testing.T) {
	lines, serverErr := decodeMessage([]byte(`{"type":"error","message":"access denied"}`))
	if len(lines) != 0 {
		t.Errorf("lines = %v, want none", lines)
	}
	if serverErr != "access denied" {
		t.Errorf("serverErr = %q, want %q", serverErr, "access denied")
	}
}

func TestDecodeMessageNonJSON(t *testing.T) {
	lines, _ := decodeMessage([]byte("plain console output"))
	if want := []string{"plain console output"}; !reflect.DeepEqual(lines, want) {
		t.Errorf("lines = %v, want %v", lines, want)
	}
}

func TestExtractEntry(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"plain string", `"a line"`, "a line"},
		{"null", `null`, ""},
		{"empty string", `""`, ""},
		{"message field", `{"message":"m"}`, "m"},
		{"msg beats log", `{"log":"l","msg":"m"}`, "m"},
		{"text field", `{"text":"t"}`, "t"},
		{"no known field", `{"other":"x"}`, `{"other":"x"}`},
		{"number", `42`, "42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractEntry(json.RawMessage(tt.raw)); got != tt.want {
				t.Errorf("extractEntry(%s) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestNextDelay(t *testing.T) {
	d := reconnectSeed
	var seq []string
	for i := 0; i < 8; i++ {
		seq = append(seq, d.String())
		d = nextDelay(d)
	}
	want := []string{"1s", "2s", "4s", "8s", "16s", "32s", "1m0s", "1m0s"}
	if !reflect.DeepEqual(seq, want) {
		t.Errorf("delay sequence = %v, want %v", seq, want)
	}
}
