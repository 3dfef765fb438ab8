package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/chorus-relay/chorus/internal/metrics"
)

// ErrUnreachable is returned by a Deliver func when the target has no live
// connection. The entry stays queued without counting an attempt.
var ErrUnreachable = errors.New("target not connected")

// Deliver attempts immediate delivery of a queued entry to its target.
type Deliver func(ctx context.Context, e Entry) error

// Retryer replays pending queue entries on a fixed interval. One failing
// target never stalls another: each target's batch is independent, and a
// failure only stops that target's remaining entries to preserve FIFO.
type Retryer struct {
	store       Store
	deliver     Deliver
	interval    time.Duration
	maxAge      time.Duration
	maxAttempts int
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewRetryer creates a retry loop over the given store.
func NewRetryer(s Store, deliver Deliver, interval, maxAge time.Duration, maxAttempts int, logger *slog.Logger, m *metrics.Metrics) *Retryer {
	return &Retryer{
		store:       s,
		deliver:     deliver,
		interval:    interval,
		maxAge:      maxAge,
		maxAttempts: maxAttempts,
		logger:      logger.With("component", "queue-retryer"),
		metrics:     m,
	}
}

// Run ticks until the context is canceled.
func (r *Retryer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs one retry pass: purge aged-out entries, then attempt delivery
// for every target that currently has pending entries.
func (r *Retryer) Tick(ctx context.Context) {
	dropped, err := r.store.PurgeExpired(ctx, time.Now().Add(-r.maxAge), r.maxAttempts)
	if err != nil {
		r.logger.Warn("retention purge failed", "error", err)
	} else if dropped > 0 {
		r.metrics.Dropped.Add(float64(dropped))
		r.logger.Warn("dropped undeliverable queue entries", "count", dropped,
			"max_age", r.maxAge, "max_attempts", r.maxAttempts)
	}

	targets, err := r.store.Targets(ctx)
	if err != nil {
		r.logger.Warn("list queue targets failed", "error", err)
		return
	}

	for _, target := range targets {
		r.retryTarget(ctx, target)
	}

	if depth, err := r.store.CountPending(ctx, ""); err == nil {
		r.metrics.QueueDepth.Set(float64(depth))
	}
}

func (r *Retryer) retryTarget(ctx context.Context, target string) {
	entries, err := r.store.Pending(ctx, target)
	if err != nil {
		r.logger.Warn("load pending entries failed", "target", target, "error", err)
		return
	}

	for _, e := range entries {
		err := r.deliver(ctx, e)
		if errors.Is(err, ErrUnreachable) {
			// Target still offline; leave its queue untouched.
			return
		}
		if err != nil {
			// Write failed on a live connection. Count the attempt and stop
			// this target's batch so replay order is preserved.
			if ierr := r.store.IncrementAttempts(ctx, e.ID); ierr != nil {
				r.logger.Warn("record delivery attempt failed", "entry", e.ID, "error", ierr)
			}
			r.logger.Warn("queued delivery failed", "target", target, "entry", e.ID,
				"attempts", e.Attempts+1, "error", err)
			return
		}

		if err := r.store.Delete(ctx, e.ID); err != nil {
			// The entry was delivered but not removed; stop here rather
			// than risk delivering the rest out of order next tick too.
			r.logger.Error("delete delivered entry failed", "entry", e.ID, "error", err)
			return
		}
		r.metrics.Delivered.Inc()
		r.logger.Info("redelivered queued message", "target", target, "event", e.Event, "entry", e.ID)
	}
}
