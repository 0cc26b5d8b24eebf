package webhooks

import (
	"context"
	"fmt"
	"time"

	"github.com/goliatone/go-outbound/core"
)

type RetryPolicy interface {
	NextDelay(attempt int) time.Duration
}

type ExponentialRetryPolicy struct {
	Initial time.Duration
	Max     time.Duration
}

func (p ExponentialRetryPolicy) NextDelay(attempt int) time.Duration {
	initial := p.Initial
	if initial <= 0 {
		initial = 30 * time.Second
	}
	maximum := p.Max
	if maximum <= 0 {
		maximum = 30 * time.Minute
	}
	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maximum {
			return maximum
		}
	}
	if delay > maximum {
		return maximum
	}
	return delay
}

type ReprocessStats struct {
	Due       int
	Recovered int
	Retried   int
	Dead      int
}

// Reprocessor drains the failed-webhook backlog. Each due record is replayed
// through the reconciler; success deletes it, failure pushes it to the next
// backoff slot, and records past the retry ceiling are parked dead rather
// than dropped.
type Reprocessor struct {
	Reconciler  *Reconciler
	Failed      core.FailedWebhookStore
	RetryPolicy RetryPolicy
	Ceiling     int
	BatchSize   int
	Now         func() time.Time
}

func NewReprocessor(reconciler *Reconciler, failed core.FailedWebhookStore, cfg core.WebhookConfig) *Reprocessor {
	return &Reprocessor{
		Reconciler: reconciler,
		Failed:     failed,
		RetryPolicy: ExponentialRetryPolicy{
			Initial: cfg.RetryBaseDelay,
			Max:     cfg.RetryMaxDelay,
		},
		Ceiling:   cfg.RetryCeiling,
		BatchSize: cfg.ReprocessBatch,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

func (p *Reprocessor) Run(ctx context.Context) (ReprocessStats, error) {
	if p == nil || p.Reconciler == nil || p.Failed == nil {
		return ReprocessStats{}, fmt.Errorf("webhooks: reprocessor requires reconciler and store")
	}
	now := p.now()
	due, err := p.Failed.ListDue(ctx, now, p.batchSize())
	if err != nil {
		return ReprocessStats{}, fmt.Errorf("webhooks: list due records: %w", err)
	}

	stats := ReprocessStats{Due: len(due)}
	for _, record := range due {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		replayErr := p.Reconciler.Replay(ctx, record)
		if replayErr == nil {
			if err := p.Failed.Delete(ctx, record.ID); err != nil {
				return stats, fmt.Errorf("webhooks: delete recovered record: %w", err)
			}
			stats.Recovered++
			continue
		}

		attempt := record.RetryCount + 1
		if attempt >= p.ceiling() {
			if err := p.Failed.MarkDead(ctx, record.ID, replayErr); err != nil {
				return stats, fmt.Errorf("webhooks: mark record dead: %w", err)
			}
			stats.Dead++
			continue
		}
		nextAttemptAt := now.Add(p.retryPolicy().NextDelay(attempt))
		if err := p.Failed.MarkRetried(ctx, record.ID, replayErr, nextAttemptAt); err != nil {
			return stats, fmt.Errorf("webhooks: mark record retried: %w", err)
		}
		stats.Retried++
	}
	return stats, nil
}

func (p *Reprocessor) now() time.Time {
	if p != nil && p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func (p *Reprocessor) retryPolicy() RetryPolicy {
	if p != nil && p.RetryPolicy != nil {
		return p.RetryPolicy
	}
	return ExponentialRetryPolicy{}
}

func (p *Reprocessor) ceiling() int {
	if p != nil && p.Ceiling > 0 {
		return p.Ceiling
	}
	return 8
}

func (p *Reprocessor) batchSize() int {
	if p != nil && p.BatchSize > 0 {
		return p.BatchSize
	}
	return 25
}
