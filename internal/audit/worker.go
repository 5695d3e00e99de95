package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"attendguard/internal/queue"
)

// WorkerConfig tunes retries and retention.
type WorkerConfig struct {
	MaxAttempts   int
	RetryBackoff  time.Duration
	WriteTimeout  time.Duration
	PurgeInterval time.Duration
}

// Worker drains audit messages into a Store.
type Worker struct {
	q     queue.Queue
	store Store
	cfg   WorkerConfig
	log   *slog.Logger
	now   func() time.Time

	retries sync.WaitGroup
	drained chan struct{}
}

// NewWorker creates a worker.
func NewWorker(q queue.Queue, store Store, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{q: q, store: store, cfg: cfg, log: logger, now: time.Now}
}

// Run consumes until ctx ends. Failed writes are requeued with a linear backoff
// until MaxAttempts, then dropped with an error log. A retrying event never
// holds up the events behind it.
func (w *Worker) Run(ctx context.Context) error {
	msgs, err := w.q.Consume(ctx)
	if err != nil {
		return err
	}
	w.drained = make(chan struct{})
	w.log.Info("audit worker started")
	for msg := range msgs {
		if msg.Type != MessageType {
			continue
		}
		w.handle(ctx, msg)
	}
	close(w.drained)
	w.retries.Wait()
	w.log.Info("audit worker stopped")
	return ctx.Err()
}

func (w *Worker) handle(ctx context.Context, msg queue.Message) {
	if wait := msg.NotBefore.Sub(w.now()); wait > 0 {
		w.requeueAfter(ctx, msg, wait)
		return
	}

	var e Event
	if err := json.Unmarshal(msg.Body, &e); err != nil {
		w.log.Error("dropping malformed audit message", "error", err)
		return
	}

	wctx, cancel := context.WithTimeout(ctx, w.cfg.WriteTimeout)
	err := w.store.Append(wctx, e)
	cancel()
	if err == nil {
		return
	}

	msg.Attempts++
	if msg.Attempts >= w.cfg.MaxAttempts {
		w.log.Error("audit event lost after retries", "id", e.ID, "type", e.Type, "attempts", msg.Attempts, "error", err)
		return
	}
	w.log.Warn("audit write failed, retrying", "id", e.ID, "attempt", msg.Attempts, "error", err)

	backoff := time.Duration(msg.Attempts) * w.cfg.RetryBackoff
	msg.NotBefore = w.now().Add(backoff)
	w.requeueAfter(ctx, msg, backoff)
}

// requeueAfter publishes msg back once wait has passed. On shutdown it is
// published as soon as this worker stops consuming, and NotBefore carries the
// remaining delay to the next consumer.
func (w *Worker) requeueAfter(ctx context.Context, msg queue.Message, wait time.Duration) {
	drained := w.drained
	w.retries.Add(1)
	go func() {
		defer w.retries.Done()
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			<-drained
		}
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.WriteTimeout)
		defer cancel()
		if err := w.q.Publish(pctx, msg); err != nil {
			w.log.Error("audit requeue failed", "attempts", msg.Attempts, "error", err)
		}
	}()
}

// RunPurge deletes expired events every PurgeInterval until ctx ends.
func (w *Worker) RunPurge(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := w.store.Purge(ctx, w.now().UTC())
			if err != nil {
				w.log.Warn("audit purge failed", "error", err)
				continue
			}
			if n > 0 {
				w.log.Info("audit events purged", "count", n)
			}
		}
	}
}
