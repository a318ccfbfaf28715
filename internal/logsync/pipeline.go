// Package logsync moves console log lines from the stream into chat
// threads. Lines are buffered under a mutex, drained on a fixed timer,
// packed into size-bounded chunks, and posted to a per-day thread that
// rotates when the local calendar date changes.
package logsync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/zulandar/stationmaster/internal/chat"
)

// chunkReserve is the character budget held back from every chunk for
// the code-block delimiters wrapped around it.
const chunkReserve = 10

// maxRateLimitWait bounds how long a flush will sleep on a rate-limited
// chunk before its single retry.
const maxRateLimitWait = 15 * time.Second

// Source is the log feed the pipeline consumes, satisfied by the stream
// client.
type Source interface {
	Start(ctx context.Context) error
	Stop()
	OnLog(fn func(line string))
}

// StateWriter persists the pipeline's thread bookkeeping so a process
// restart can resume into the same thread.
type StateWriter interface {
	WriteLogs(enabled bool, threadID, date string) error
	ClearLogs() error
}

// Pipeline buffers log lines and flushes them into a daily chat thread.
type Pipeline struct {
	source    Source
	transport chat.ThreadTransport
	state     StateWriter

	location   *time.Location
	interval   time.Duration
	maxChars   int
	nameFormat string

	now func() time.Time

	mu      sync.Mutex
	buf     []string
	running bool
	thread  chat.ThreadRef
	date    string
	stop    chan struct{}
	done    chan struct{}
}

// Opts holds parameters for creating a Pipeline.
type Opts struct {
	Source    Source
	Transport chat.ThreadTransport
	State     StateWriter

	Location      *time.Location
	BatchInterval time.Duration
	MaxChars      int
	NameFormat    string // thread name template, {date} is substituted

	// ResumeThreadID/ResumeDate, when set, name the thread a previous
	// process was posting into. Start reuses it if the date still
	// matches today.
	ResumeThreadID string
	ResumeDate     string
}

// New creates a Pipeline. The pipeline is idle until Start is called.
func New(opts Opts) (*Pipeline, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("logsync: source is required")
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("logsync: transport is required")
	}
	if opts.State == nil {
		return nil, fmt.Errorf("logsync: state writer is required")
	}
	if opts.MaxChars <= chunkReserve {
		return nil, fmt.Errorf("logsync: max chars %d does not cover the chunk reserve", opts.MaxChars)
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	interval := opts.BatchInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	nameFormat := opts.NameFormat
	if nameFormat == "" {
		nameFormat = "server-log-{date}"
	}
	p := &Pipeline{
		source:     opts.Source,
		transport:  opts.Transport,
		state:      opts.State,
		location:   loc,
		interval:   interval,
		maxChars:   opts.MaxChars,
		nameFormat: nameFormat,
		now:        time.Now,
		thread:     chat.ThreadRef{ID: opts.ResumeThreadID},
		date:       opts.ResumeDate,
	}
	return p, nil
}

// today returns the current calendar date in the configured timezone.
func (p *Pipeline) today() string {
	return p.now().In(p.location).Format("2006-01-02")
}

func threadName(format, date string) string {
	return strings.ReplaceAll(format, "{date}", date)
}

// Start resolves the destination thread, connects the source, and
// launches the flush loop. It fails when no destination thread can be
// obtained or the source cannot make its initial connection.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	resumeID, resumeDate := p.thread.ID, p.date
	p.mu.Unlock()

	today := p.today()
	var thread chat.ThreadRef
	if resumeID != "" && resumeDate == today {
		ref, err := p.transport.FetchThread(ctx, resumeID)
		switch {
		case err == nil:
			thread = ref
		case errors.Is(err, chat.ErrNotFound):
			// Thread was deleted; create a fresh one below.
		default:
			log.Printf("logsync: fetch thread %s: %v, creating a new one", resumeID, err)
		}
	}
	if thread.ID == "" {
		ref, err := p.transport.CreateThread(ctx, threadName(p.nameFormat, today))
		if err != nil {
			return fmt.Errorf("logsync: create thread: %w", err)
		}
		thread = ref
	}

	if err := p.state.WriteLogs(true, thread.ID, today); err != nil {
		return fmt.Errorf("logsync: persist thread: %w", err)
	}

	p.source.OnLog(p.append)
	if err := p.source.Start(ctx); err != nil {
		p.source.Stop()
		if serr := p.state.ClearLogs(); serr != nil {
			log.Printf("logsync: clear state after failed start: %v", serr)
		}
		return fmt.Errorf("logsync: start source: %w", err)
	}

	p.mu.Lock()
	p.running = true
	p.thread = thread
	p.date = today
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	p.mu.Unlock()

	go p.flushLoop(p.stop, p.done)
	log.Printf("logsync: posting to thread %s (%s)", thread.ID, today)
	return nil
}

// Stop drains the buffer one last time, disconnects the source, and
// persists the disabled flag. The thread record is kept so a same-day
// re-enable resumes the same thread. Safe to call when not running.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	stop, done := p.stop, p.done
	p.mu.Unlock()

	close(stop)
	<-done
	p.source.Stop()
	p.flush()
	if err := p.state.WriteLogs(false, "", ""); err != nil {
		log.Printf("logsync: persist disabled state: %v", err)
	}
	log.Printf("logsync: stopped")
}

// Running reports whether the pipeline is active.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// ThreadInfo returns a handle to the active destination thread for
// status display. The second return is false when the pipeline is idle.
func (p *Pipeline) ThreadInfo() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return "", false
	}
	if p.thread.Name != "" {
		return p.thread.Name, true
	}
	return p.thread.ID, true
}

// ThreadID returns the active destination thread ID, false when idle.
func (p *Pipeline) ThreadID() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return "", false
	}
	return p.thread.ID, true
}

// append is the source sink. Whitespace-only lines are dropped before
// taking the mutex; the rest only touches the buffer, keeping the
// receive path cheap.
func (p *Pipeline) append(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	p.mu.Lock()
	p.buf = append(p.buf, line)
	p.mu.Unlock()
}

func (p *Pipeline) flushLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.flush()
		}
	}
}

// flush drains the buffer and posts its contents. Rotation is checked
// here, lazily, so a date change takes effect on the first flush after
// midnight. If rotation fails the drained lines are requeued so nothing
// is lost.
func (p *Pipeline) flush() {
	p.mu.Lock()
	lines := p.buf
	p.buf = nil
	thread := p.thread
	date := p.date
	p.mu.Unlock()

	if len(lines) == 0 {
		return
	}

	today := p.today()
	if today != date {
		ref, err := p.rotate(today)
		if err != nil {
			log.Printf("logsync: rotate thread: %v", err)
			p.requeue(lines)
			return
		}
		thread = ref
	}

	text := strings.Join(lines, "\n")
	for _, chunk := range SplitChunks(text, p.maxChars-chunkReserve) {
		if err := p.post(thread.ID, chunk); err != nil {
			if errors.Is(err, chat.ErrForbidden) {
				log.Printf("logsync: forbidden posting to thread %s, dropping flush", thread.ID)
				return
			}
			log.Printf("logsync: post chunk: %v", err)
		}
	}
}

// rotate creates the thread for the new date and persists it.
func (p *Pipeline) rotate(today string) (chat.ThreadRef, error) {
	ref, err := p.transport.CreateThread(context.Background(), threadName(p.nameFormat, today))
	if err != nil {
		return chat.ThreadRef{}, err
	}
	if err := p.state.WriteLogs(true, ref.ID, today); err != nil {
		log.Printf("logsync: persist rotated thread: %v", err)
	}
	p.mu.Lock()
	p.thread = ref
	p.date = today
	p.mu.Unlock()
	log.Printf("logsync: rotated to thread %s (%s)", ref.ID, today)
	return ref, nil
}

// requeue puts drained lines back at the front of the buffer, ahead of
// anything appended during the failed flush.
func (p *Pipeline) requeue(lines []string) {
	p.mu.Lock()
	p.buf = append(lines, p.buf...)
	p.mu.Unlock()
}

// post sends one code-fenced chunk. A rate-limited chunk waits the
// advertised interval, bounded, and is retried exactly once; the retry
// outcome is final either way.
func (p *Pipeline) post(threadID, chunk string) error {
	text := "```\n" + chunk + "\n```"
	err := p.transport.PostChunk(context.Background(), threadID, text)
	var rl *chat.RateLimitedError
	if errors.As(err, &rl) {
		wait := rl.RetryAfter
		if wait > maxRateLimitWait {
			wait = maxRateLimitWait
		}
		time.Sleep(wait)
		return p.transport.PostChunk(context.Background(), threadID, text)
	}
	return err
}
