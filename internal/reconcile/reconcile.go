// Package reconcile merges freshly fetched recall records into persisted
// state. Core fields always reflect the latest upstream fetch; curator
// overlays and enhanced titles are preserved across every merge.
package reconcile

import (
	"context"
	"time"

	"github.com/platewatch/recall-monitor/internal/pkg/logger"
	"github.com/platewatch/recall-monitor/internal/recall"
	"github.com/platewatch/recall-monitor/internal/store"
)

// specBatchSize bounds writes per atomic batch. The effective size is the
// smaller of this and the store's own transact limit.
const specBatchSize = 500

// Result reports the outcome of one reconciliation run.
type Result struct {
	// Created holds the identity keys persisted for the first time in this
	// run. Downstream, the queue aggregator works from this list.
	Created []string
	// NeedsEnrichment holds identity keys persisted without an enhanced
	// title, new or existing.
	NeedsEnrichment []string
	// Updated counts existing records whose core fields were refreshed.
	Updated int
	// FailedBatches and FailedRecords surface partial-batch failure to the
	// caller; a failed batch never aborts the remaining batches.
	FailedBatches int
	FailedRecords int
}

// Engine reconciles normalized records against the persisted store.
type Engine struct {
	store     *store.Store
	batchSize int
	now       func() time.Time
}

// New creates an Engine over the given store.
func New(st *store.Store) *Engine {
	size := specBatchSize
	if limit := st.MaxBatchOps(); limit < size {
		size = limit
	}
	return &Engine{store: st, batchSize: size, now: time.Now}
}

// pendingWrite couples a merged record with what its persistence means for
// the result, so failed batches subtract cleanly.
type pendingWrite struct {
	record          recall.Record
	isNew           bool
	needsEnrichment bool
}

// Reconcile merges a batch of normalized records into the store. For each
// record it decides create-vs-update by identity key, preserving any curator
// overlay and enhanced title on update. Writes land in fixed-size atomic
// batches; a failed batch is logged and skipped.
func (e *Engine) Reconcile(ctx context.Context, records []recall.Record) (*Result, error) {
	now := e.now().UTC()
	result := &Result{}

	// The same identity key can appear more than once in a run when both
	// feeds report overlapping recalls; the last occurrence wins.
	deduped := make([]recall.Record, 0, len(records))
	seen := make(map[string]int, len(records))
	for _, rec := range records {
		if idx, ok := seen[rec.IdentityKey]; ok {
			deduped[idx] = rec
			continue
		}
		seen[rec.IdentityKey] = len(deduped)
		deduped = append(deduped, rec)
	}

	var pending []pendingWrite
	for _, incoming := range deduped {
		existing, err := e.store.GetRecall(ctx, incoming.IdentityKey)
		if err != nil {
			return result, err
		}

		merged, isNew := merge(existing, incoming, now)
		pending = append(pending, pendingWrite{
			record:          merged,
			isNew:           isNew,
			needsEnrichment: merged.EnhancedTitle == "",
		})
	}

	for start := 0; start < len(pending); start += e.batchSize {
		end := start + e.batchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		recs := make([]recall.Record, len(batch))
		for i, pw := range batch {
			recs[i] = pw.record
		}

		if err := e.store.PutRecallBatch(ctx, recs); err != nil {
			result.FailedBatches++
			result.FailedRecords += len(batch)
			logger.Error("reconcile: batch write failed, continuing with remaining batches",
				"batch_start", start, "batch_size", len(batch), "error", err)
			continue
		}

		for _, pw := range batch {
			if pw.isNew {
				result.Created = append(result.Created, pw.record.IdentityKey)
			} else {
				result.Updated++
			}
			if pw.needsEnrichment {
				result.NeedsEnrichment = append(result.NeedsEnrichment, pw.record.IdentityKey)
			}
		}
	}

	logger.Info("reconcile: run complete",
		"total", len(deduped),
		"created", len(result.Created),
		"updated", result.Updated,
		"needs_enrichment", len(result.NeedsEnrichment),
		"failed_batches", result.FailedBatches)

	return result, nil
}

// merge produces the record to persist. On create the incoming record is
// stamped; on update only upstream-owned fields are replaced.
func merge(existing *recall.Record, incoming recall.Record, now time.Time) (recall.Record, bool) {
	incoming.LastSyncedAt = now

	if existing == nil {
		incoming.CreatedAt = now
		incoming.Overlay = nil
		incoming.EnhancedTitle = ""
		return incoming, true
	}

	merged := *existing
	merged.CoreFields = incoming.CoreFields
	merged.AffectedStates = incoming.AffectedStates
	merged.Source = incoming.Source
	merged.LastSyncedAt = now
	return merged, false
}
