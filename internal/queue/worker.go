package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/habitusnet/llmgateway/internal/domain"
	"github.com/habitusnet/llmgateway/internal/processor"
)

// Processor is the part of the request processor the worker drives.
type Processor interface {
	Process(ctx context.Context, req *domain.Request) (*domain.Response, error)
}

type WorkerOption func(*Worker)

func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithPollInterval sets the pause after an empty or failed receive.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) { w.pollInterval = d }
}

// Worker consumes async requests, runs them through the processor and posts
// each outcome to the response queue. Failed requests are answered with an
// error body rather than redelivered; retrying is the processor's business.
type Worker struct {
	queue        Queue
	proc         Processor
	concurrency  int
	pollInterval time.Duration
}

func NewWorker(q Queue, proc Processor, opts ...WorkerOption) *Worker {
	w := &Worker{
		queue:        q,
		proc:         proc,
		concurrency:  4,
		pollInterval: time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run processes messages until ctx is cancelled, then waits for the requests
// in flight.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("async worker started", "concurrency", w.concurrency)

	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		if ctx.Err() != nil {
			slog.Info("async worker stopping")
			return nil
		}

		reqs, err := w.queue.ReceiveRequests(ctx, w.concurrency)
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("receive async requests failed", "error", err)
		}
		if len(reqs) == 0 {
			select {
			case <-ctx.Done():
			case <-time.After(w.pollInterval):
			}
			continue
		}

		for _, r := range reqs {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return nil
			}
			wg.Add(1)
			go func(r AsyncRequest) {
				defer wg.Done()
				defer func() { <-sem }()
				w.handle(context.WithoutCancel(ctx), r)
			}(r)
		}
	}
}

func (w *Worker) handle(ctx context.Context, r AsyncRequest) {
	req := r.Request
	req.TenantID = r.TenantID
	ctx = processor.WithRequestID(ctx, r.ID)

	out := AsyncResponse{RequestID: r.ID, TenantID: r.TenantID}
	resp, err := w.proc.Process(ctx, req)
	if err != nil {
		e := domain.AsError(err)
		out.Error = &ErrorBody{Code: e.Kind, Message: e.Message, Param: e.Param}
	} else {
		out.Response = resp
	}
	out.CreatedAt = time.Now().UTC()

	if err := w.queue.SendResponse(ctx, out); err != nil {
		// Leave the request on the queue so it is delivered again.
		slog.Error("send async response failed",
			"request_id", r.ID,
			"tenant_id", r.TenantID,
			"error", err,
		)
		return
	}
	if err := w.queue.DeleteRequest(ctx, r.ReceiptHandle); err != nil {
		slog.Warn("delete async request failed",
			"request_id", r.ID,
			"tenant_id", r.TenantID,
			"error", err,
		)
	}
}
