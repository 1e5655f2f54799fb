package collector

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultRetryWait applies when a 429 response has no usable Retry-After
	DefaultRetryWait = 60 * time.Second
	// DefaultMaxRetryWait bounds any advertised Retry-After
	DefaultMaxRetryWait = 5 * time.Minute
)

type backoffState int

const (
	backoffIdle backoffState = iota
	backoffWaiting
	backoffRetried
)

func (s backoffState) String() string {
	switch s {
	case backoffIdle:
		return "idle"
	case backoffWaiting:
		return "waiting"
	case backoffRetried:
		return "retried"
	}
	return "unknown"
}

// backoff tracks the single retry a request is allowed after a 429.
// Idle -> Waiting on the first 429, Waiting -> Retried once the wait is over.
// A 429 in any state other than Idle ends the request.
type backoff struct {
	state       backoffState
	defaultWait time.Duration
	maxWait     time.Duration
	now         func() time.Time
}

func newBackoff(defaultWait, maxWait time.Duration) *backoff {
	if defaultWait <= 0 {
		defaultWait = DefaultRetryWait
	}
	return &backoff{
		state:       backoffIdle,
		defaultWait: defaultWait,
		maxWait:     maxWait,
		now:         time.Now,
	}
}

// rateLimited records a 429 and returns how long to wait before the retry.
// ok is false when the request already used its retry.
func (b *backoff) rateLimited(retryAfter string) (wait time.Duration, ok bool) {
	if b.state != backoffIdle {
		return 0, false
	}
	b.state = backoffWaiting
	return b.waitFor(retryAfter), true
}

// retrying marks the end of the wait
func (b *backoff) retrying() {
	if b.state == backoffWaiting {
		b.state = backoffRetried
	}
}

func (b *backoff) waitFor(retryAfter string) time.Duration {
	wait := b.defaultWait
	retryAfter = strings.TrimSpace(retryAfter)
	if retryAfter != "" {
		if secs, err := strconv.Atoi(retryAfter); err == nil && secs >= 0 {
			wait = time.Duration(secs) * time.Second
		} else if at, err := http.ParseTime(retryAfter); err == nil {
			wait = at.Sub(b.now())
			if wait < 0 {
				wait = 0
			}
		}
	}
	if b.maxWait > 0 && wait > b.maxWait {
		wait = b.maxWait
	}
	return wait
}

// sleepContext waits for d or until ctx is done
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
