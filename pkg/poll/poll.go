package poll

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Package poll is the single bounded-wait primitive for everything that
// converges asynchronously outside this process (unit activation, chassis
// registration, southbound nb_cfg advance). Steps themselves never retry;
// waiting happens here with an explicit ceiling.

// ErrExhausted is returned when the condition did not hold before the
// attempt ceiling.
var ErrExhausted = errors.New("condition not met before attempt ceiling")

// Config bounds a poll. Zero values are replaced by the defaults used across
// the deployment (2s interval, 15 attempts).
type Config struct {
	Interval    time.Duration
	MaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 15
	}
	return c
}

// Until calls fn every Interval until it returns true, the attempt ceiling is
// reached, or ctx is cancelled. An error from fn does not abort the poll; the
// last one is attached to ErrExhausted so transient probe failures during
// service startup do not kill a wait that would have succeeded.
func Until(ctx context.Context, cfg Config, fn func(ctx context.Context) (bool, error)) error {
	cfg = cfg.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		ok, err := fn(ctx)
		if ok {
			return nil
		}
		lastErr = err

		if attempt == cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.Interval):
		}
	}
	if lastErr != nil {
		return fmt.Errorf("%w after %d attempts: last error: %v", ErrExhausted, cfg.MaxAttempts, lastErr)
	}
	return fmt.Errorf("%w after %d attempts", ErrExhausted, cfg.MaxAttempts)
}
