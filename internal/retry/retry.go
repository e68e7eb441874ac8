// Package retry provides bounded retry helpers. Every polling loop in the
// application (service health, DNS propagation, firewall rule deletion) goes
// through these so a misbehaving external tool cannot hang the process.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrCapExhausted is returned when the iteration cap is reached. Callers
// typically log a warning and proceed rather than retrying forever.
var ErrCapExhausted = errors.New("retry cap exhausted")

// Options bounds a retry loop.
type Options struct {
	// Attempts is the iteration cap (must be >= 1).
	Attempts int

	// Delay is the pause between attempts.
	Delay time.Duration
}

func (o Options) normalized() Options {
	if o.Attempts < 1 {
		o.Attempts = 1
	}
	if o.Delay < 0 {
		o.Delay = 0
	}
	return o
}

// Do runs op until it succeeds, the cap is exhausted, or the context is
// cancelled. The last operation error is wrapped into the cap error.
func Do(ctx context.Context, opts Options, op func(ctx context.Context) error) error {
	opts = opts.normalized()

	var lastErr error
	for attempt := 1; attempt <= opts.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = op(ctx); lastErr == nil {
			return nil
		}
		if attempt < opts.Attempts && opts.Delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(opts.Delay):
			}
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrCapExhausted, opts.Attempts, lastErr)
}

// Until polls probe until it reports true, the cap is exhausted, or the
// context is cancelled. Probe errors are not fatal; the loop keeps polling.
func Until(ctx context.Context, opts Options, probe func(ctx context.Context) (bool, error)) error {
	opts = opts.normalized()

	var lastErr error
	for attempt := 1; attempt <= opts.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := probe(ctx)
		if ok {
			return nil
		}
		lastErr = err
		if attempt < opts.Attempts && opts.Delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(opts.Delay):
			}
		}
	}
	if lastErr != nil {
		return fmt.Errorf("%w after %d attempts: %v", ErrCapExhausted, opts.Attempts, lastErr)
	}
	return fmt.Errorf("%w after %d attempts", ErrCapExhausted, opts.Attempts)
}
