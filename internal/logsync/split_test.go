package logsync

import (
	"reflect"
	"strings"
	"testing"
)

func TestSplitChunksTwoFullLines(t *testing.T) {
	text := strings.Repeat("A", 50) + "\n" + strings.Repeat("B", 50)
	got := SplitChunks(text, 60)
	want := []string{strings.Repeat("A", 50), strings.Repeat("B", 50)}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SplitChunks() = %v, want %v", got, want)
	}
}

func TestSplitChunksPacksGreedily(t *testing.T) {
	got := SplitChunks("aa\nbb\ncc\ndd", 5)
	want := []string{"aa\nbb", "cc\ndd"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SplitChunks() = %v, want %v", got, want)
	}
}

func TestSplitChunksRoundTrip(t *testing.T) {
	inputs := []string{
		"single line",
		"one\ntwo\nthree",
		"short\n" + strings.Repeat("x", 40) + "\nshort again\n\ntrailing",
		strings.Repeat("line\n", 30) + "last",
	}
	for _, text := range inputs {
		chunks := SplitChunks(text, 48)
		for i, c := range chunks {
			if len(c) > 48 {
				t.Errorf("chunk %d has length %d, want <= 48", i, len(c))
			}
		}
		if got := strings.Join(chunks, "\n"); got != text {
			t.Errorf("rejoined chunks = %q, want %q", got, text)
		}
	}
}

func TestSplitChunksOverlongLine(t *testing.T) {
	got := SplitChunks(strings.Repeat("z", 25), 10)
	want := []string{strings.Repeat("z", 10), strings.Repeat("z", 10), strings.Repeat("z", 5)}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SplitChunks() = %v, want %v", got, want)
	}
}

func TestSplitChunksEmpty(t *testing.T) {
	if got := SplitChunks("", 100); got != nil {
		t.Errorf("SplitChunks(\"\") = %v, want nil", got)
	}
}
