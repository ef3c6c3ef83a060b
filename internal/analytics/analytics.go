// Package analytics ingests delivery-event webhooks from the email provider
// and applies them to digest manifests exactly once. Providers deliver
// at-least-once, often concurrently, so the whole design leans on the
// write-once event ledger inside one store transaction.
package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/platewatch/recall-monitor/internal/pkg/logger"
	"github.com/platewatch/recall-monitor/internal/provider"
	"github.com/platewatch/recall-monitor/internal/recall"
	"github.com/platewatch/recall-monitor/internal/store"
)

// Correlation fallback window: the manifest must have been sent no more than
// 24h before and no more than 1h after the event's own timestamp.
const (
	windowBefore = 24 * time.Hour
	windowAfter  = time.Hour
)

// ErrInvalidSignature marks a webhook whose signature check failed. Callers
// must reject the request; the provider will not redeliver a rejected event.
var ErrInvalidSignature = errors.New("analytics: invalid webhook signature")

// eventTypeMap translates provider event names into the internal vocabulary.
var eventTypeMap = map[string]string{
	"send":          "sent",
	"sent":          "sent",
	"delivery":      "delivered",
	"delivered":     "delivered",
	"bounce":        "bounced",
	"bounced":       "bounced",
	"open":          "opened",
	"opened":        "opened",
	"click":         "clicked",
	"clicked":       "clicked",
	"unsubscribe":   "unsubscribed",
	"unsubscribed":  "unsubscribed",
	"complaint":     "complained",
	"complained":    "complained",
	"spamcomplaint": "complained",
	"reject":        "rejected",
	"rejected":      "rejected",
}

// webhookPayload is the wire shape of one provider callback.
type webhookPayload struct {
	Event      string `json:"event"`
	Timestamp  int64  `json:"timestamp"`
	MessageID  string `json:"message_id"`
	Recipient  string `json:"recipient"`
	ManifestID string `json:"manifest_id,omitempty"`
	Signature  *struct {
		Timestamp string `json:"timestamp"`
		Token     string `json:"token"`
		Signature string `json:"signature"`
	} `json:"signature,omitempty"`
}

// Result reports what happened to one ingested event. Processed is false for
// every terminal drop: pings, unknown types, uncorrelated events, and
// duplicates. None of those are errors.
type Result struct {
	Processed bool
	Reason    string
}

// Ingestor applies provider delivery events to digest manifests.
type Ingestor struct {
	store      *store.Store
	signingKey string
	now        func() time.Time
}

// NewIngestor creates an Ingestor. An empty signingKey disables signature
// verification (local development only).
func NewIngestor(st *store.Store, signingKey string) *Ingestor {
	return &Ingestor{store: st, signingKey: signingKey, now: time.Now}
}

// Ingest runs one raw webhook body through the full state machine:
// parse, validate type and signature, correlate to a manifest, then
// dedup-or-apply inside a single transaction.
func (in *Ingestor) Ingest(ctx context.Context, body []byte) (*Result, error) {
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("analytics: malformed payload: %w", err)
	}

	// Setup-verification pings carry no event; accept and drop.
	if strings.TrimSpace(p.Event) == "" {
		return &Result{Processed: false, Reason: "ping"}, nil
	}

	eventType, ok := eventTypeMap[strings.ToLower(p.Event)]
	if !ok {
		logger.Debug("analytics: dropping unrecognized event type", "event", p.Event)
		return &Result{Processed: false, Reason: "unknown_event_type"}, nil
	}

	// ValidateSignature is fail-closed on an empty key, so the unconfigured
	// case is gated here instead.
	if p.Signature != nil && in.signingKey != "" {
		if !provider.ValidateSignature(in.signingKey, p.Signature.Timestamp, p.Signature.Token, p.Signature.Signature) {
			logger.Security("analytics: webhook signature rejected",
				"event", p.Event, "message_id", p.MessageID)
			return nil, ErrInvalidSignature
		}
	}

	manifestID, err := in.correlate(ctx, &p)
	if err != nil {
		return nil, err
	}
	if manifestID == "" {
		logger.Warn("analytics: no manifest for event, dropping",
			"event", eventType, "message_id", p.MessageID)
		return &Result{Processed: false, Reason: "uncorrelated"}, nil
	}

	ledgerKey := recall.LedgerKey(manifestID, p.MessageID, eventType, p.Recipient)
	applied, err := in.store.ApplyEvent(ctx, manifestID, ledgerKey, eventType, in.now())
	if err != nil {
		return nil, fmt.Errorf("analytics: apply event: %w", err)
	}
	if !applied {
		return &Result{Processed: false, Reason: "duplicate"}, nil
	}

	// Rates are derived data; recompute after the counter transaction
	// commits so a failure here never loses the increment.
	if err := in.store.RecomputeManifestRates(ctx, manifestID); err != nil {
		logger.Error("analytics: rate recompute failed", "manifest_id", manifestID, "error", err)
	}

	logger.Debug("analytics: event applied", "manifest_id", manifestID,
		"event", eventType, "message_id", p.MessageID)
	return &Result{Processed: true}, nil
}

// correlate resolves the manifest for an event: the explicit manifest id the
// dispatcher tagged onto the message wins; otherwise the most recently sent
// manifest inside the fallback window around the event timestamp.
func (in *Ingestor) correlate(ctx context.Context, p *webhookPayload) (string, error) {
	if p.ManifestID != "" {
		m, err := in.store.GetManifest(ctx, p.ManifestID)
		if err != nil {
			return "", err
		}
		if m != nil {
			return m.ID, nil
		}
		logger.Warn("analytics: explicit manifest id unknown, trying window",
			"manifest_id", p.ManifestID)
	}

	eventTime := in.now().UTC()
	if p.Timestamp > 0 {
		eventTime = time.Unix(p.Timestamp, 0).UTC()
	}
	m, err := in.store.LatestManifestInWindow(ctx, eventTime.Add(-windowBefore), eventTime.Add(windowAfter))
	if err != nil {
		return "", err
	}
	if m == nil {
		return "", nil
	}
	return m.ID, nil
}
