// Package queue accumulates newly discovered recall ids into per-bucket send
// queues. Daily queues bucket by UTC calendar day, weekly queues by the most
// recent Monday, so repeated sync runs within a bucket grow one queue instead
// of spawning new ones.
package queue

import (
	"context"
	"time"

	"github.com/platewatch/recall-monitor/internal/config"
	"github.com/platewatch/recall-monitor/internal/docstore"
	"github.com/platewatch/recall-monitor/internal/pkg/logger"
	"github.com/platewatch/recall-monitor/internal/recall"
	"github.com/platewatch/recall-monitor/internal/store"
)

const bucketLayout = "2006-01-02"

// Aggregator routes freshly created recall ids into the current daily and
// weekly send queues.
type Aggregator struct {
	store *store.Store
	cfg   config.DigestConfig
	now   func() time.Time
}

// New creates an Aggregator.
func New(st *store.Store, cfg config.DigestConfig) *Aggregator {
	return &Aggregator{store: st, cfg: cfg, now: time.Now}
}

// Enqueue adds the recall ids to both current buckets. Each queue is updated
// under an optimistic transaction so concurrent sync runs union their ids
// rather than overwrite each other. A failure on one queue type is logged and
// does not block the other; the ids resurface on the next sync because queue
// membership is a set.
func (a *Aggregator) Enqueue(ctx context.Context, recallIDs []string) error {
	if len(recallIDs) == 0 {
		return nil
	}
	var firstErr error
	for _, t := range []recall.QueueType{recall.QueueDaily, recall.QueueWeekly} {
		if err := a.enqueueType(ctx, t, recallIDs); err != nil {
			logger.Error("queue: enqueue failed", "type", t, "count", len(recallIDs), "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (a *Aggregator) enqueueType(ctx context.Context, t recall.QueueType, recallIDs []string) error {
	now := a.now().UTC()
	bucket := Bucket(t, now)
	id := recall.QueueID(t, bucket)

	var added int
	err := a.store.MutateQueue(ctx, id, func(q *recall.SendQueue) (*recall.SendQueue, error) {
		if q == nil {
			sched := a.scheduledFor(t, now)
			q = &recall.SendQueue{
				ID:           id,
				Type:         t,
				Bucket:       bucket,
				Status:       recall.QueuePending,
				ScheduledFor: &sched,
				CreatedAt:    now,
			}
		}
		if q.Status == recall.QueueCancelled {
			// A cancelled bucket stays closed for the rest of its window; a
			// later sync must not resurrect it.
			logger.Warn("queue: bucket cancelled, skipping", "id", id)
			added = 0
			return nil, nil
		}
		added = q.AddRecallIDs(recallIDs)
		if added == 0 {
			return nil, nil
		}
		q.LastUpdated = now
		return q, nil
	})
	if err != nil {
		return err
	}
	if added > 0 {
		logger.Info("queue: recalls enqueued", "id", id, "added", added)
	}
	return nil
}

// scheduledFor places the send at the configured hour of the bucket day,
// rolled to the next day when that hour has already passed.
func (a *Aggregator) scheduledFor(t recall.QueueType, now time.Time) time.Time {
	hour := a.cfg.DailySendHourUTC
	if t == recall.QueueWeekly {
		hour = a.cfg.WeeklySendHourUTC
	}
	sched := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
	if !sched.After(now) {
		sched = sched.AddDate(0, 0, 1)
	}
	return sched
}

// Bucket computes the bucket label for a queue type at the given instant.
// Daily buckets are the UTC calendar day; weekly buckets are the most recent
// Monday (a Monday buckets to itself).
func Bucket(t recall.QueueType, now time.Time) string {
	now = now.UTC()
	if t == recall.QueueWeekly {
		offset := (int(now.Weekday()) + 6) % 7
		now = now.AddDate(0, 0, -offset)
	}
	return now.Format(bucketLayout)
}

// Due returns queues ready for dispatch: pending status with a scheduled time
// at or before now, plus processing queues whose lease has expired (a crashed
// dispatcher held them).
func (a *Aggregator) Due(ctx context.Context) ([]recall.SendQueue, error) {
	queues, err := a.store.ListQueues(ctx)
	if err != nil {
		return nil, err
	}
	now := a.now().UTC()
	var due []recall.SendQueue
	for _, q := range queues {
		switch q.Status {
		case recall.QueuePending:
			if q.ScheduledFor != nil && !q.ScheduledFor.After(now) {
				due = append(due, q)
			}
		case recall.QueueProcessing:
			if q.LeaseExpiresAt != nil && q.LeaseExpiresAt.Before(now) {
				logger.Warn("queue: reclaiming expired lease", "id", q.ID,
					"lease_expired_at", q.LeaseExpiresAt.Format(time.RFC3339))
				due = append(due, q)
			}
		}
	}
	return due, nil
}

// Claim transitions a queue from pending (or lease-expired processing) to
// processing with a fresh lease. It returns the claimed queue, or nil when
// another dispatcher won the race.
func (a *Aggregator) Claim(ctx context.Context, id string) (*recall.SendQueue, error) {
	now := a.now().UTC()
	lease := now.Add(a.cfg.Lease())

	var claimed *recall.SendQueue
	err := a.store.MutateQueue(ctx, id, func(q *recall.SendQueue) (*recall.SendQueue, error) {
		if q == nil {
			return nil, nil
		}
		switch q.Status {
		case recall.QueuePending:
		case recall.QueueProcessing:
			if q.LeaseExpiresAt != nil && !q.LeaseExpiresAt.Before(now) {
				return nil, nil // live lease held elsewhere
			}
		default:
			return nil, nil
		}
		q.Status = recall.QueueProcessing
		q.LeaseExpiresAt = &lease
		q.LastUpdated = now
		claimed = q
		return q, nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Cancel closes a queue without sending it. The cancelled document stays as
// a tombstone so a later sync in the same bucket cannot resurrect the queue.
// Cancelling an already-cancelled queue is a no-op; a missing queue reports
// docstore.ErrNotFound.
func (a *Aggregator) Cancel(ctx context.Context, id string) error {
	now := a.now().UTC()
	found := false
	err := a.store.MutateQueue(ctx, id, func(q *recall.SendQueue) (*recall.SendQueue, error) {
		if q == nil {
			return nil, nil
		}
		found = true
		if q.Status == recall.QueueCancelled {
			return nil, nil
		}
		q.Status = recall.QueueCancelled
		q.LeaseExpiresAt = nil
		q.LastUpdated = now
		return q, nil
	})
	if err != nil {
		return err
	}
	if !found {
		return docstore.ErrNotFound
	}
	logger.Info("queue: cancelled", "id", id)
	return nil
}

// Release puts a claimed queue back to pending so a later run retries it.
func (a *Aggregator) Release(ctx context.Context, id string) error {
	now := a.now().UTC()
	return a.store.MutateQueue(ctx, id, func(q *recall.SendQueue) (*recall.SendQueue, error) {
		if q == nil || q.Status != recall.QueueProcessing {
			return nil, nil
		}
		q.Status = recall.QueuePending
		q.LeaseExpiresAt = nil
		q.LastUpdated = now
		return q, nil
	})
}
