// Package transcript records every line a bot receives.
//
// Purpose: Persist assembled session lines before the application sees them.
// Key aspects: A Sink is called synchronously on the session goroutine, so
// implementations must be safe for concurrent use by many sessions and should
// return promptly.
// Upstream: session.Handler line delivery.
// Downstream: daily files, SQLite, MQTT.
package transcript

import (
	"context"
	"errors"
	"time"
)

// Entry is one received line.
type Entry struct {
	Bot     string
	Session string
	Seq     uint64
	Line    []byte
	Prompt  bool
	At      time.Time
}

// Sink stores entries. Append errors are reported to the caller and never
// retried by the transcript package.
type Sink interface {
	Append(ctx context.Context, e Entry) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Entry) error

func (f SinkFunc) Append(ctx context.Context, e Entry) error {
	return f(ctx, e)
}

// Discard drops every entry.
var Discard Sink = SinkFunc(func(context.Context, Entry) error { return nil })

// Fanout appends to every sink in order. A failing sink does not stop the
// others; the returned error joins every failure.
type Fanout []Sink

func (f Fanout) Append(ctx context.Context, e Entry) error {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.Append(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that implements io.Closer-style Close() error.
func (f Fanout) Close() error {
	var errs []error
	for _, s := range f {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
