// Package store provides typed persistence for pipeline entities on top of
// the document store. Lookups return (nil, nil) when a document is absent so
// callers branch on presence without sentinel-error plumbing.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/platewatch/recall-monitor/internal/docstore"
	"github.com/platewatch/recall-monitor/internal/pkg/logger"
	"github.com/platewatch/recall-monitor/internal/recall"
)

// Logical collections.
const (
	colRecalls        = "recalls"
	colQueues         = "send-queues"
	colSubscribers    = "subscribers"
	colManifests      = "digest-manifests"
	colLedger         = "event-ledger"
	colDispatchStatus = "dispatch-status"
	colRetries        = "send-retries"
)

// Store wraps a docstore.Store with entity-typed operations.
type Store struct {
	db docstore.Store
}

// New creates a Store over the given document store.
func New(db docstore.Store) *Store {
	return &Store{db: db}
}

// MaxBatchOps exposes the underlying store's atomic-write limit so the
// reconciler can size its batches.
func (s *Store) MaxBatchOps() int { return s.db.MaxBatchOps() }

// ---- recalls ----

// GetRecall loads one recall record by identity key.
func (s *Store) GetRecall(ctx context.Context, identityKey string) (*recall.Record, error) {
	var rec recall.Record
	err := s.db.Get(ctx, colRecalls, identityKey, &rec)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// PutRecall writes one recall record.
func (s *Store) PutRecall(ctx context.Context, rec *recall.Record) error {
	return s.db.Set(ctx, colRecalls, rec.IdentityKey, rec)
}

// PutRecallBatch writes up to MaxBatchOps records as one atomic unit.
func (s *Store) PutRecallBatch(ctx context.Context, recs []recall.Record) error {
	ops := make([]docstore.Op, 0, len(recs))
	for i := range recs {
		ops = append(ops, docstore.Put(colRecalls, recs[i].IdentityKey, &recs[i]))
	}
	return s.db.RunBatch(ctx, ops)
}

// SetEnhancedTitleOnce sets the enhanced title only when the record still
// lacks one, so a title is never regenerated once present.
func (s *Store) SetEnhancedTitleOnce(ctx context.Context, identityKey, title string) error {
	return s.db.RunTransaction(ctx, func(tx docstore.Tx) error {
		var rec recall.Record
		if err := tx.Get(colRecalls, identityKey, &rec); err != nil {
			return err
		}
		if rec.EnhancedTitle != "" {
			return nil
		}
		rec.EnhancedTitle = title
		tx.Set(colRecalls, identityKey, &rec)
		return nil
	})
}

// UpdateOverlay replaces (or clears, with nil) the curator overlay. This is
// the only write path that may touch the overlay.
func (s *Store) UpdateOverlay(ctx context.Context, identityKey string, overlay *recall.CuratorOverlay) error {
	return s.db.RunTransaction(ctx, func(tx docstore.Tx) error {
		var rec recall.Record
		if err := tx.Get(colRecalls, identityKey, &rec); err != nil {
			return err
		}
		rec.Overlay = overlay
		tx.Set(colRecalls, identityKey, &rec)
		return nil
	})
}

// GetRecalls resolves a list of identity keys, skipping and logging any that
// no longer exist.
func (s *Store) GetRecalls(ctx context.Context, identityKeys []string) ([]recall.Record, error) {
	recs := make([]recall.Record, 0, len(identityKeys))
	for _, key := range identityKeys {
		rec, err := s.GetRecall(ctx, key)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			logger.Warn("store: queued recall no longer exists", "identity_key", key)
			continue
		}
		recs = append(recs, *rec)
	}
	return recs, nil
}

// ---- send queues ----

// GetQueue loads a queue by id.
func (s *Store) GetQueue(ctx context.Context, id string) (*recall.SendQueue, error) {
	var q recall.SendQueue
	err := s.db.Get(ctx, colQueues, id, &q)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// PutQueue writes a queue document.
func (s *Store) PutQueue(ctx context.Context, q *recall.SendQueue) error {
	return s.db.Set(ctx, colQueues, q.ID, q)
}

// DeleteQueue removes a queue document.
func (s *Store) DeleteQueue(ctx context.Context, id string) error {
	return s.db.Delete(ctx, colQueues, id)
}

// MutateQueue runs fn against the queue under an optimistic transaction:
// concurrent writers retry rather than clobber each other's recallIds.
// fn receives nil when the queue does not exist yet and must return the
// document to write (which may be the same pointer), or nil to write nothing.
func (s *Store) MutateQueue(ctx context.Context, id string, fn func(q *recall.SendQueue) (*recall.SendQueue, error)) error {
	return s.db.RunTransaction(ctx, func(tx docstore.Tx) error {
		var existing *recall.SendQueue
		var q recall.SendQueue
		err := tx.Get(colQueues, id, &q)
		switch {
		case err == nil:
			existing = &q
		case errors.Is(err, docstore.ErrNotFound):
			existing = nil
		default:
			return err
		}

		updated, err := fn(existing)
		if err != nil {
			return err
		}
		if updated != nil {
			tx.Set(colQueues, id, updated)
		}
		return nil
	})
}

// ListQueues returns every queue, in key order.
func (s *Store) ListQueues(ctx context.Context) ([]recall.SendQueue, error) {
	var queues []recall.SendQueue
	err := s.db.List(ctx, colQueues, func(key string, data []byte) bool {
		var q recall.SendQueue
		if err := json.Unmarshal(data, &q); err != nil {
			logger.Warn("store: skipping undecodable queue", "key", key, "error", err)
			return true
		}
		queues = append(queues, q)
		return true
	})
	return queues, err
}

// ---- subscribers ----

// ListSubscribers returns every subscriber.
func (s *Store) ListSubscribers(ctx context.Context) ([]recall.Subscriber, error) {
	var subs []recall.Subscriber
	err := s.db.List(ctx, colSubscribers, func(key string, data []byte) bool {
		var sub recall.Subscriber
		if err := json.Unmarshal(data, &sub); err != nil {
			logger.Warn("store: skipping undecodable subscriber", "key", key, "error", err)
			return true
		}
		subs = append(subs, sub)
		return true
	})
	return subs, err
}

// PutSubscriber upserts a subscriber keyed by email hash.
func (s *Store) PutSubscriber(ctx context.Context, sub *recall.Subscriber) error {
	sub.Email = recall.NormalizeEmail(sub.Email)
	return s.db.Set(ctx, colSubscribers, recall.HashEmail(sub.Email), sub)
}

// ---- digest manifests ----

// GetManifest loads a manifest by id.
func (s *Store) GetManifest(ctx context.Context, id string) (*recall.DigestManifest, error) {
	var m recall.DigestManifest
	err := s.db.Get(ctx, colManifests, id, &m)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// PutManifest writes a manifest document.
func (s *Store) PutManifest(ctx context.Context, m *recall.DigestManifest) error {
	return s.db.Set(ctx, colManifests, m.ID, m)
}

// LatestManifestInWindow returns the most recently sent manifest whose
// SentAt falls inside [from, to], or nil when none does. Manifest ids are
// time-prefixed, so the key range bounds the scan.
func (s *Store) LatestManifestInWindow(ctx context.Context, from, to time.Time) (*recall.DigestManifest, error) {
	startKey := "digest_" + from.UTC().Format("20060102_150405")
	endKey := "digest_" + to.UTC().Format("20060102_150405") + "_zzzzzz"

	var latest *recall.DigestManifest
	err := s.db.ListRange(ctx, colManifests, startKey, endKey, func(key string, data []byte) bool {
		var m recall.DigestManifest
		if err := json.Unmarshal(data, &m); err != nil {
			logger.Warn("store: skipping undecodable manifest", "key", key, "error", err)
			return true
		}
		if m.SentAt.Before(from) || m.SentAt.After(to) {
			return true
		}
		if latest == nil || m.SentAt.After(latest.SentAt) {
			copied := m
			latest = &copied
		}
		return true
	})
	return latest, err
}

// ApplyEvent performs the idempotent counter update for one delivery event:
// within a single transaction it checks the ledger for the dedup key,
// writes the ledger entry, and increments the matching manifest counter.
// Returns false when the event was a duplicate and nothing changed.
func (s *Store) ApplyEvent(ctx context.Context, manifestID, ledgerKey, eventType string, now time.Time) (bool, error) {
	applied := false
	err := s.db.RunTransaction(ctx, func(tx docstore.Tx) error {
		applied = false

		var entry recall.LedgerEntry
		err := tx.Get(colLedger, ledgerKey, &entry)
		if err == nil {
			return nil // duplicate delivery, counters stay put
		}
		if !errors.Is(err, docstore.ErrNotFound) {
			return err
		}

		var m recall.DigestManifest
		if err := tx.Get(colManifests, manifestID, &m); err != nil {
			return fmt.Errorf("loading manifest %s: %w", manifestID, err)
		}
		if err := incrementCounter(&m.Analytics, eventType); err != nil {
			return err
		}

		tx.Set(colLedger, ledgerKey, &recall.LedgerEntry{
			Key:        ledgerKey,
			ManifestID: manifestID,
			EventType:  eventType,
			RecordedAt: now.UTC(),
		})
		tx.Set(colManifests, manifestID, &m)
		applied = true
		return nil
	})
	return applied, err
}

// RecomputeManifestRates re-derives the rate fields from the counters after
// an event has been applied.
func (s *Store) RecomputeManifestRates(ctx context.Context, manifestID string) error {
	return s.db.RunTransaction(ctx, func(tx docstore.Tx) error {
		var m recall.DigestManifest
		if err := tx.Get(colManifests, manifestID, &m); err != nil {
			return err
		}
		m.Analytics.RecomputeRates()
		tx.Set(colManifests, manifestID, &m)
		return nil
	})
}

func incrementCounter(a *recall.Analytics, eventType string) error {
	switch eventType {
	case "sent":
		a.Sent++
	case "delivered":
		a.Delivered++
	case "bounced":
		a.Bounced++
	case "opened":
		a.Opened++
	case "clicked":
		a.Clicked++
	case "unsubscribed":
		a.Unsubscribed++
	case "complained":
		a.Complained++
	case "rejected":
		a.Rejected++
	default:
		return fmt.Errorf("unknown event type %q", eventType)
	}
	return nil
}

// ---- dispatch status ----

func dispatchStatusKey(manifestID, recipientHash string) string {
	return manifestID + "#" + recipientHash
}

// GetDispatchStatus reports whether a recipient was already sent to in the
// given dispatch run.
func (s *Store) GetDispatchStatus(ctx context.Context, manifestID, recipientHash string) (*recall.DispatchStatus, error) {
	var ds recall.DispatchStatus
	err := s.db.Get(ctx, colDispatchStatus, dispatchStatusKey(manifestID, recipientHash), &ds)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ds, nil
}

// PutDispatchStatus records a successful send for crash-safe resumption.
func (s *Store) PutDispatchStatus(ctx context.Context, ds *recall.DispatchStatus) error {
	return s.db.Set(ctx, colDispatchStatus, dispatchStatusKey(ds.ManifestID, ds.RecipientHash), ds)
}

// ---- durable send retries ----

// PutRetry persists a retry entry for a failed subscriber send.
func (s *Store) PutRetry(ctx context.Context, r *recall.SendRetry) error {
	return s.db.Set(ctx, colRetries, r.ID, r)
}

// DeleteRetry removes a retry entry once it succeeded or exhausted attempts.
func (s *Store) DeleteRetry(ctx context.Context, id string) error {
	return s.db.Delete(ctx, colRetries, id)
}

// ListDueRetries returns retry entries whose next attempt time has passed.
func (s *Store) ListDueRetries(ctx context.Context, now time.Time) ([]recall.SendRetry, error) {
	var due []recall.SendRetry
	err := s.db.List(ctx, colRetries, func(key string, data []byte) bool {
		var r recall.SendRetry
		if err := json.Unmarshal(data, &r); err != nil {
			logger.Warn("store: skipping undecodable retry entry", "key", key, "error", err)
			return true
		}
		if !r.NextAttemptAt.After(now) {
			due = append(due, r)
		}
		return true
	})
	return due, err
}
