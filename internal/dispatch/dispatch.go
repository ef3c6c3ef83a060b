// Package dispatch sends expanded digests through the email provider and
// records the durable manifest for each run. Subscriber sends run under
// bounded concurrency; a crashed run resumes against the same queue without
// re-sending, because per-recipient status is persisted under the queue's
// manifest draft id.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/platewatch/recall-monitor/internal/config"
	"github.com/platewatch/recall-monitor/internal/digest"
	"github.com/platewatch/recall-monitor/internal/pkg/logger"
	"github.com/platewatch/recall-monitor/internal/provider"
	"github.com/platewatch/recall-monitor/internal/recall"
	"github.com/platewatch/recall-monitor/internal/store"
)

// Archiver stores a rendered sample body outside the document store.
// Implementations return the storage key.
type Archiver interface {
	Archive(ctx context.Context, manifestID, body string) (string, error)
}

// Dispatcher owns the send side of the pipeline.
type Dispatcher struct {
	store    *store.Store
	mailer   provider.Mailer
	renderer *digest.Renderer
	archiver Archiver // optional
	cfg      config.DigestConfig
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration)
}

// New creates a Dispatcher. archiver may be nil; the sample body then lives
// only on the manifest document.
func New(st *store.Store, mailer provider.Mailer, renderer *digest.Renderer, archiver Archiver, cfg config.DigestConfig) *Dispatcher {
	return &Dispatcher{
		store:    st,
		mailer:   mailer,
		renderer: renderer,
		archiver: archiver,
		cfg:      cfg,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// RunResult summarizes one queue dispatch.
type RunResult struct {
	ManifestID string
	Recipients int
	Skipped    int // already sent in a previous attempt at this queue
	Failed     int
}

// DispatchQueue expands the claimed queue and sends every digest. The queue
// is deleted only after the manifest is durably written; any earlier failure
// leaves the queue claimable for a later run under the same manifest draft
// id.
func (d *Dispatcher) DispatchQueue(ctx context.Context, q *recall.SendQueue) (*RunResult, error) {
	draftID, err := d.ensureDraftID(ctx, q)
	if err != nil {
		return nil, err
	}

	records, err := d.store.GetRecalls(ctx, q.RecallIDs)
	if err != nil {
		return nil, fmt.Errorf("dispatch: resolve recalls: %w", err)
	}
	subscribers, err := d.store.ListSubscribers(ctx)
	if err != nil {
		return nil, fmt.Errorf("dispatch: list subscribers: %w", err)
	}

	digests := digest.Expand(records, subscribers)
	result := &RunResult{ManifestID: draftID}
	sampleBody := d.sendAll(ctx, draftID, q.Type, digests, result)

	manifest := &recall.DigestManifest{
		ID:              draftID,
		Type:            q.Type,
		RecallIDs:       q.RecallIDs,
		TotalRecipients: result.Recipients,
		SampleBody:      sampleBody,
		SentAt:          d.now().UTC(),
	}
	if d.archiver != nil && sampleBody != "" {
		key, err := d.archiver.Archive(ctx, draftID, sampleBody)
		if err != nil {
			logger.Warn("dispatch: sample body archive failed", "manifest_id", draftID, "error", err)
		} else {
			manifest.SampleBodyS3Key = key
		}
	}
	if err := d.store.PutManifest(ctx, manifest); err != nil {
		return result, fmt.Errorf("dispatch: persist manifest: %w", err)
	}
	if err := d.store.DeleteQueue(ctx, q.ID); err != nil {
		// The manifest exists; rerunning this queue only skips everyone.
		logger.Error("dispatch: queue delete failed after manifest write", "queue_id", q.ID, "error", err)
		return result, err
	}

	logger.Info("dispatch: queue complete", "queue_id", q.ID, "manifest_id", draftID,
		"recipients", result.Recipients, "skipped", result.Skipped, "failed", result.Failed)
	return result, nil
}

// ensureDraftID pins the manifest draft id on the queue so a rerun after a
// crash reuses it.
func (d *Dispatcher) ensureDraftID(ctx context.Context, q *recall.SendQueue) (string, error) {
	if q.ManifestID != "" {
		return q.ManifestID, nil
	}
	draftID := recall.NewManifestID(d.now())
	err := d.store.MutateQueue(ctx, q.ID, func(cur *recall.SendQueue) (*recall.SendQueue, error) {
		if cur == nil {
			return nil, fmt.Errorf("dispatch: queue %s vanished before draft id assignment", q.ID)
		}
		if cur.ManifestID != "" {
			draftID = cur.ManifestID
			return nil, nil
		}
		cur.ManifestID = draftID
		cur.LastUpdated = d.now().UTC()
		return cur, nil
	})
	if err != nil {
		return "", err
	}
	q.ManifestID = draftID
	return draftID, nil
}

// sendAll fans digests out to the provider under bounded concurrency and
// returns the first successfully rendered body as the operator sample.
func (d *Dispatcher) sendAll(ctx context.Context, draftID string, qType recall.QueueType, digests []digest.Digest, result *RunResult) string {
	concurrency := d.cfg.SendConcurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	sem := make(chan struct{}, concurrency)

	var mu sync.Mutex
	var wg sync.WaitGroup
	seen := make(map[string]struct{}, len(digests))
	sample := ""

	for i := range digests {
		dg := &digests[i]

		// One message per normalized recipient, even if the subscriber list
		// carries duplicates under different casings.
		email := recall.NormalizeEmail(dg.Subscriber.Email)
		if email == "" {
			continue
		}
		mu.Lock()
		if _, dup := seen[email]; dup {
			mu.Unlock()
			continue
		}
		seen[email] = struct{}{}
		mu.Unlock()

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			body, sent, skipped := d.sendOne(ctx, draftID, qType, dg, email)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case skipped:
				result.Skipped++
				result.Recipients++
			case sent:
				result.Recipients++
			default:
				result.Failed++
			}
			if body != "" && sample == "" {
				sample = body
			}
		}()
	}
	wg.Wait()
	return sample
}

// sendOne renders and delivers a single digest with bounded retries. It
// returns the rendered body (for sampling), whether the send landed, and
// whether it was skipped as already delivered by an earlier run.
func (d *Dispatcher) sendOne(ctx context.Context, draftID string, qType recall.QueueType, dg *digest.Digest, email string) (body string, sent, skipped bool) {
	hash := recall.HashEmail(email)

	prior, err := d.store.GetDispatchStatus(ctx, draftID, hash)
	if err != nil {
		logger.Error("dispatch: status lookup failed", "recipient", email, "error", err)
		return "", false, false
	}
	if prior != nil {
		return "", false, true
	}

	body, err = d.renderer.Render(dg)
	if err != nil {
		logger.Error("dispatch: render failed", "recipient", email, "error", err)
		return "", false, false
	}
	subject := digest.Subject(dg)

	res, err := d.attemptSend(ctx, &provider.Message{
		To:         email,
		Subject:    subject,
		HTMLBody:   body,
		ManifestID: draftID,
	})
	if err != nil {
		d.queueRetry(ctx, draftID, qType, dg, subject, body, err)
		return body, false, false
	}

	if err := d.store.PutDispatchStatus(ctx, &recall.DispatchStatus{
		ManifestID:        draftID,
		RecipientHash:     hash,
		ProviderMessageID: res.ProviderMessageID,
		SentAt:            res.SentAt,
	}); err != nil {
		// The mail went out; worst case a rerun double-sends this one.
		logger.Error("dispatch: status write failed", "recipient", email, "error", err)
	}
	return body, true, false
}

// attemptSend tries the provider up to MaxSendAttempts times with a doubling
// backoff.
func (d *Dispatcher) attemptSend(ctx context.Context, msg *provider.Message) (*provider.SendResult, error) {
	attempts := d.cfg.MaxSendAttempts
	if attempts <= 0 {
		attempts = 3
	}
	delay := d.cfg.BaseBackoff()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := d.mailer.Send(ctx, msg)
		if err == nil && res.Success {
			return res, nil
		}
		if err == nil {
			err = res.Err
		}
		if err == nil {
			err = fmt.Errorf("provider rejected message")
		}
		lastErr = err
		logger.Warn("dispatch: send attempt failed", "recipient", msg.To,
			"attempt", attempt, "error", err)
		if attempt < attempts {
			d.sleep(ctx, delay)
			delay *= 2
		}
	}
	return nil, lastErr
}

// queueRetry persists the failed send so it survives a process restart.
func (d *Dispatcher) queueRetry(ctx context.Context, draftID string, qType recall.QueueType, dg *digest.Digest, subject, body string, sendErr error) {
	now := d.now().UTC()
	entry := &recall.SendRetry{
		ID:            fmt.Sprintf("%s#%s", draftID, recall.HashEmail(dg.Subscriber.Email)),
		ManifestID:    draftID,
		Type:          qType,
		Subscriber:    dg.Subscriber,
		Subject:       subject,
		Body:          body,
		Attempts:      0,
		NextAttemptAt: now.Add(d.retryDelay(1)),
		LastError:     sendErr.Error(),
		CreatedAt:     now,
	}
	if err := d.store.PutRetry(ctx, entry); err != nil {
		logger.Error("dispatch: retry enqueue failed", "recipient", dg.Subscriber.Email, "error", err)
		return
	}
	logger.Warn("dispatch: send exhausted, queued for durable retry",
		"recipient", dg.Subscriber.Email, "manifest_id", draftID)
}

// ProcessRetries drains due entries from the durable retry queue. Each entry
// gets one provider attempt per pass; exhausted entries are dropped with a
// loud log.
func (d *Dispatcher) ProcessRetries(ctx context.Context) error {
	now := d.now().UTC()
	due, err := d.store.ListDueRetries(ctx, now)
	if err != nil {
		return err
	}

	maxAttempts := d.cfg.MaxSendAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	for i := range due {
		entry := &due[i]
		email := recall.NormalizeEmail(entry.Subscriber.Email)
		hash := recall.HashEmail(email)

		// A rerun of the crashed queue may have delivered this recipient
		// already; the persisted status is authoritative.
		prior, err := d.store.GetDispatchStatus(ctx, entry.ManifestID, hash)
		if err != nil {
			logger.Error("dispatch: retry status lookup failed", "recipient", email, "error", err)
			continue
		}
		if prior != nil {
			if derr := d.store.DeleteRetry(ctx, entry.ID); derr != nil {
				logger.Error("dispatch: retry delete failed", "id", entry.ID, "error", derr)
			}
			continue
		}

		res, err := d.mailer.Send(ctx, &provider.Message{
			To:         email,
			Subject:    entry.Subject,
			HTMLBody:   entry.Body,
			ManifestID: entry.ManifestID,
		})
		if err == nil && res.Success {
			if err := d.store.PutDispatchStatus(ctx, &recall.DispatchStatus{
				ManifestID:        entry.ManifestID,
				RecipientHash:     hash,
				ProviderMessageID: res.ProviderMessageID,
				SentAt:            res.SentAt,
			}); err != nil {
				logger.Error("dispatch: retry status write failed", "recipient", email, "error", err)
			}
			if err := d.store.DeleteRetry(ctx, entry.ID); err != nil {
				logger.Error("dispatch: retry delete failed", "id", entry.ID, "error", err)
			}
			logger.Info("dispatch: durable retry delivered", "recipient", email, "manifest_id", entry.ManifestID)
			continue
		}

		if err == nil {
			err = res.Err
		}
		entry.Attempts++
		entry.LastError = fmt.Sprintf("%v", err)
		if entry.Attempts >= maxAttempts {
			logger.Error("dispatch: durable retry exhausted, dropping",
				"recipient", email, "manifest_id", entry.ManifestID, "error", err)
			if derr := d.store.DeleteRetry(ctx, entry.ID); derr != nil {
				logger.Error("dispatch: retry delete failed", "id", entry.ID, "error", derr)
			}
			continue
		}
		entry.NextAttemptAt = now.Add(d.retryDelay(entry.Attempts + 1))
		if perr := d.store.PutRetry(ctx, entry); perr != nil {
			logger.Error("dispatch: retry reschedule failed", "id", entry.ID, "error", perr)
		}
	}
	return nil
}

// retryDelay doubles the base backoff per attempt, matching the in-run send
// backoff shape but on a minutes scale.
func (d *Dispatcher) retryDelay(attempt int) time.Duration {
	delay := 5 * time.Minute
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

func sleepCtx(ctx context.Context, dur time.Duration) {
	if dur <= 0 {
		return
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
