// Package stream carries incremental output from a provider to the caller as a
// pull-based sequence. The consumer drives the pace with Recv; Close stops the
// producer and releases the upstream connection.
package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/habitusnet/llmgateway/internal/domain"
)

const (
	DefaultIdleTimeout = 30 * time.Second
	DefaultCloseGrace  = 2 * time.Second
)

var ErrCloseTimeout = errors.New("stream producer did not stop within grace period")

// Stream is a sequence of chunks ending in exactly one terminal chunk. Recv
// returns io.EOF once the terminal chunk has been delivered. Callers must
// always Close a stream, including after the terminal chunk.
type Stream interface {
	Recv() (domain.StreamChunk, error)
	Close() error
}

// Producer writes chunks through emit until the upstream is exhausted. emit
// returns false once the consumer is gone or a terminal chunk was accepted;
// the producer should then return promptly. A producer that returns without
// emitting a terminal chunk gets one synthesized from its return value.
type Producer func(ctx context.Context, emit func(domain.StreamChunk) bool) error

type Option func(*Pipe)

func WithIdleTimeout(d time.Duration) Option {
	return func(p *Pipe) { p.idle = d }
}

func WithCloseGrace(d time.Duration) Option {
	return func(p *Pipe) { p.grace = d }
}

// Pipe runs a Producer on its own goroutine and hands chunks to a single
// consumer one at a time.
type Pipe struct {
	id     string
	ch     chan domain.StreamChunk
	done   chan struct{}
	cancel context.CancelFunc
	idle   time.Duration
	grace  time.Duration

	finished  bool
	closeOnce sync.Once
	closeErr  error
}

func New(ctx context.Context, id string, produce Producer, opts ...Option) *Pipe {
	ctx, cancel := context.WithCancel(ctx)
	p := &Pipe{
		id:     id,
		ch:     make(chan domain.StreamChunk),
		done:   make(chan struct{}),
		cancel: cancel,
		idle:   DefaultIdleTimeout,
		grace:  DefaultCloseGrace,
	}
	for _, opt := range opts {
		opt(p)
	}

	go p.run(ctx, produce)
	return p
}

func (p *Pipe) ID() string {
	return p.id
}

func (p *Pipe) run(ctx context.Context, produce Producer) {
	defer close(p.done)

	terminal := false
	emit := func(c domain.StreamChunk) bool {
		if terminal {
			return false
		}
		c.ID = p.id
		select {
		case p.ch <- c:
			if c.IsTerminal() {
				terminal = true
				return false
			}
			return true
		case <-ctx.Done():
			return false
		}
	}

	err := produce(ctx, emit)
	if terminal {
		return
	}

	last := domain.FinishChunk(domain.FinishReasonStop)
	if err != nil {
		last = domain.ErrorChunk(err)
	}
	last.ID = p.id

	select {
	case p.ch <- last:
	case <-ctx.Done():
	}
}

func (p *Pipe) Recv() (domain.StreamChunk, error) {
	if p.finished {
		return domain.StreamChunk{}, io.EOF
	}

	var timeout <-chan time.Time
	if p.idle > 0 {
		timer := time.NewTimer(p.idle)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case c := <-p.ch:
		if c.IsTerminal() {
			p.finished = true
		}
		return c, nil

	case <-p.done:
		// The producer exited without handing over a terminal chunk, which
		// only happens when its context was cancelled underneath us.
		p.finished = true
		c := domain.ErrorChunk(domain.NewError(domain.KindProviderTransient, "stream cancelled"))
		c.ID = p.id
		return c, nil

	case <-timeout:
		p.finished = true
		p.cancel()
		slog.Warn("stream stalled", "stream_id", p.id, "idle_timeout", p.idle)
		c := domain.ErrorChunk(domain.NewError(domain.KindStreamStalled, "no output from provider for %s", p.idle))
		c.ID = p.id
		return c, nil
	}
}

// Close cancels the producer and waits up to the grace period for it to stop.
func (p *Pipe) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()

		timer := time.NewTimer(p.grace)
		defer timer.Stop()

		select {
		case <-p.done:
		case <-timer.C:
			p.closeErr = ErrCloseTimeout
			slog.Warn("stream producer still running after close", "stream_id", p.id, "grace", p.grace)
		}
	})
	return p.closeErr
}

// FromChunks replays a fixed sequence of chunks as a stream.
func FromChunks(id string, chunks []domain.StreamChunk) *Pipe {
	return New(context.Background(), id, func(ctx context.Context, emit func(domain.StreamChunk) bool) error {
		for _, c := range chunks {
			if !emit(c) {
				return nil
			}
		}
		return nil
	})
}

// Collect drains s up to and including the terminal chunk and closes it.
func Collect(s Stream) ([]domain.StreamChunk, error) {
	defer s.Close()

	var chunks []domain.StreamChunk
	for {
		c, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return chunks, nil
		}
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, c)
	}
}

type observed struct {
	Stream
	once sync.Once
	fn   func(last domain.StreamChunk, completed bool)
}

// Observe calls fn exactly once: with the terminal chunk when the consumer
// receives it, or with completed=false when the stream is closed early.
func Observe(s Stream, fn func(last domain.StreamChunk, completed bool)) Stream {
	return &observed{Stream: s, fn: fn}
}

func (o *observed) Recv() (domain.StreamChunk, error) {
	c, err := o.Stream.Recv()
	if err == nil && c.IsTerminal() {
		o.once.Do(func() { o.fn(c, true) })
	}
	return c, err
}

func (o *observed) Close() error {
	err := o.Stream.Close()
	o.once.Do(func() { o.fn(domain.StreamChunk{}, false) })
	return err
}
