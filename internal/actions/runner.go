package actions

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Control is the subset of the panel client the runner drives.
type Control interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// AuditWriter records who triggered the last successful action.
type AuditWriter interface {
	WriteLastAction(kind, user string) error
}

// Result reports the coordination outcome of a Run call.
type Result struct {
	Granted   bool
	BlockedBy string        // holder kind or ReasonCooldown when not granted
	Wait      time.Duration // remaining cooldown when blocked by cooldown
}

// Runner executes lifecycle actions under the coordinator. Restart is a
// stop, a fixed wait, then a start — the wait approximates server
// shutdown rather than polling for it.
type Runner struct {
	control  Control
	coord    *Coordinator
	audit    AuditWriter
	stopWait time.Duration
}

// RunnerOpts holds parameters for creating a Runner.
type RunnerOpts struct {
	Control     Control
	Coordinator *Coordinator
	Audit       AuditWriter   // optional; skips audit writes when nil
	StopWait    time.Duration // delay between stop and start in a restart
}

// NewRunner creates a Runner.
func NewRunner(opts RunnerOpts) (*Runner, error) {
	if opts.Control == nil {
		return nil, fmt.Errorf("actions: control is required")
	}
	if opts.Coordinator == nil {
		return nil, fmt.Errorf("actions: coordinator is required")
	}
	return &Runner{
		control:  opts.Control,
		coord:    opts.Coordinator,
		audit:    opts.Audit,
		stopWait: opts.StopWait,
	}, nil
}

// Run acquires the global lock, executes the action, and releases the
// lock on every exit path. A denied acquisition is a normal outcome, not
// an error; the returned error reports execution failure only.
func (r *Runner) Run(ctx context.Context, kind Kind, user string) (Result, error) {
	granted, reason := r.coord.Acquire(kind)
	if !granted {
		res := Result{BlockedBy: reason}
		if reason == ReasonCooldown {
			res.Wait = r.coord.Remaining()
		}
		return res, nil
	}
	defer r.coord.Release()

	if err := r.execute(ctx, kind); err != nil {
		return Result{Granted: true}, err
	}

	if r.audit != nil {
		if err := r.audit.WriteLastAction(string(kind), user); err != nil {
			log.Printf("actions: audit write for %s: %v", kind, err)
		}
	}
	return Result{Granted: true}, nil
}

func (r *Runner) execute(ctx context.Context, kind Kind) error {
	switch kind {
	case KindStart:
		if err := r.control.Start(ctx); err != nil {
			return fmt.Errorf("actions: start server: %w", err)
		}
	case KindStop:
		if err := r.control.Stop(ctx); err != nil {
			return fmt.Errorf("actions: stop server: %w", err)
		}
	case KindRestart:
		if err := r.control.Stop(ctx); err != nil {
			return fmt.Errorf("actions: restart: stop server: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.stopWait):
		}
		if err := r.control.Start(ctx); err != nil {
			return fmt.Errorf("actions: restart: start server: %w", err)
		}
	default:
		return fmt.Errorf("actions: unknown action %q", kind)
	}
	return nil
}
