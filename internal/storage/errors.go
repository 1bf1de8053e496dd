package storage

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrNotFound is returned when the object does not exist.
	ErrNotFound = errors.New("object not found")
	// ErrThrottled is a transient rejection by the store; retry later.
	ErrThrottled = errors.New("store throttled request")
)

// IsNotFound reports whether err means the object is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func wrapErr(sentinel error, key string, err error) error {
	return fmt.Errorf("%s: %w: %w", key, sentinel, err)
}

type throttleKey struct{}

// WithThrottleCounter returns a context whose store calls add each throttled
// response to n. ThrottleCount covers the whole store; this counter covers
// only the calls made with the returned context.
func WithThrottleCounter(ctx context.Context, n *atomic.Int64) context.Context {
	return context.WithValue(ctx, throttleKey{}, n)
}

// NoteThrottle records one throttled response against ctx's counter, if any.
func NoteThrottle(ctx context.Context) {
	if n, ok := ctx.Value(throttleKey{}).(*atomic.Int64); ok {
		n.Add(1)
	}
}
