// SPDX-License-Identifier: MIT

package session

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	xlog "github.com/pisonet/pisond/internal/log"
)

// ErrWriterStopped indicates a mutation was submitted after shutdown.
var ErrWriterStopped = errors.New("session: writer stopped")

// Writer serializes every store mutation through a single goroutine so the
// ticker, the credit applier and portal handlers never interleave writes on
// the same user. Post-commit hooks (packet policy calls, which shell out and
// may block) run on a separate worker goroutine, never on the writer itself.
type Writer struct {
	tasks  chan writerTask
	post   chan func(context.Context)
	logger zerolog.Logger
}

type writerTask struct {
	name string
	fn   func(context.Context) error
	post []func(context.Context)
	done chan error
}

// NewWriter creates a writer with bounded queues.
func NewWriter() *Writer {
	return &Writer{
		tasks:  make(chan writerTask, 64),
		post:   make(chan func(context.Context), 256),
		logger: xlog.WithComponent("session.writer"),
	}
}

// Run consumes mutations until ctx is cancelled. It owns two goroutines: the
// caller's (the writer proper) and one post-commit worker.
func (w *Writer) Run(ctx context.Context) error {
	go w.runPostWorker(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-w.tasks:
			start := time.Now()
			err := t.fn(ctx)
			if err != nil {
				w.logger.Error().
					Err(err).
					Str("event", "writer.mutation_failed").
					Str("mutation", t.name).
					Msg("store mutation failed")
			} else {
				for _, hook := range t.post {
					select {
					case w.post <- hook:
					default:
						w.logger.Warn().
							Str("event", "writer.post_queue_full").
							Str("mutation", t.name).
							Msg("post-commit queue full, hook dropped; ticker will reconcile")
					}
				}
			}
			if d := time.Since(start); d > 250*time.Millisecond {
				w.logger.Warn().
					Str("event", "writer.slow_mutation").
					Str("mutation", t.name).
					Dur("elapsed", d).
					Msg("slow store mutation")
			}
			t.done <- err
		}
	}
}

func (w *Writer) runPostWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case hook := <-w.post:
			hook(ctx)
		}
	}
}

// Do runs fn on the writer goroutine and blocks until it completes. Hooks
// are enqueued for the post-commit worker only when fn succeeds.
func (w *Writer) Do(ctx context.Context, name string, fn func(context.Context) error, post ...func(context.Context)) error {
	t := writerTask{name: name, fn: fn, post: post, done: make(chan error, 1)}
	select {
	case w.tasks <- t:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
