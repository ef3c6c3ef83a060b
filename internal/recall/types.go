// Package recall defines the canonical entities shared across the pipeline:
// recall records, send queues, subscribers, digest manifests, and the
// idempotence ledger.
package recall

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Source identifies which upstream feed a recall came from.
type Source string

const (
	SourceUSDA Source = "usda"
	SourceFDA  Source = "fda"
)

const (
	// Nationwide is the sentinel state code meaning the recall affects all
	// states. When present it is the only entry in AffectedStates.
	Nationwide = "US"

	// AllStates is the subscriber wildcard meaning "notify me for every state".
	AllStates = "ALL"

	// MaxIdentityKeyLen is the document-store key length limit identity keys
	// are truncated to.
	MaxIdentityKeyLen = 256
)

// CuratorOverlay holds operator-edited display data. Reconciliation never
// touches it; only an explicit curator action may clear or replace it.
type CuratorOverlay struct {
	Title         string    `json:"title,omitempty"`
	ImageURLs     []string  `json:"image_urls,omitempty"`
	StateOverride []string  `json:"state_override,omitempty"`
	UpdatedBy     string    `json:"updated_by,omitempty"`
	UpdatedAt     time.Time `json:"updated_at,omitempty"`
}

// Record is the canonical recall entity, one per identity key.
type Record struct {
	IdentityKey    string            `json:"identity_key"`
	Source         Source            `json:"source"`
	CoreFields     map[string]string `json:"core_fields"`
	AffectedStates []string          `json:"affected_states"`
	Overlay        *CuratorOverlay   `json:"overlay,omitempty"`
	EnhancedTitle  string            `json:"enhanced_title,omitempty"`
	LastSyncedAt   time.Time         `json:"last_synced_at"`
	CreatedAt      time.Time         `json:"created_at"`
}

// DisplayTitle returns the best available title: curator overlay first, then
// the enhanced title, then the raw upstream title.
func (r *Record) DisplayTitle() string {
	if r.Overlay != nil && r.Overlay.Title != "" {
		return r.Overlay.Title
	}
	if r.EnhancedTitle != "" {
		return r.EnhancedTitle
	}
	return r.CoreFields["title"]
}

// EffectiveStates returns the states a digest should match against: the
// curator's manual override when set, otherwise the parsed upstream states.
func (r *Record) EffectiveStates() []string {
	if r.Overlay != nil && len(r.Overlay.StateOverride) > 0 {
		return r.Overlay.StateOverride
	}
	return r.AffectedStates
}

// IsNationwide reports whether the recall affects all states.
func (r *Record) IsNationwide() bool {
	for _, s := range r.EffectiveStates() {
		if s == Nationwide {
			return true
		}
	}
	return false
}

// QueueType selects the time-bucketing rule for a send queue.
type QueueType string

const (
	QueueDaily  QueueType = "daily"
	QueueWeekly QueueType = "weekly"
)

// QueueStatus is the lifecycle state of a send queue.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueCancelled  QueueStatus = "cancelled"
)

// SendQueue accumulates newly discovered recall ids for one time bucket.
// At most one non-terminal queue exists per (type, bucket).
type SendQueue struct {
	ID             string      `json:"id"`
	Type           QueueType   `json:"type"`
	Bucket         string      `json:"bucket"`
	Status         QueueStatus `json:"status"`
	RecallIDs      []string    `json:"recall_ids"`
	// ManifestID is the draft manifest id assigned on first claim. It keeps
	// dispatch-status bookkeeping stable across a crashed run's retry.
	ManifestID     string      `json:"manifest_id,omitempty"`
	ScheduledFor   *time.Time  `json:"scheduled_for,omitempty"`
	LeaseExpiresAt *time.Time  `json:"lease_expires_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	LastUpdated    time.Time   `json:"last_updated"`
}

// QueueID derives the deterministic queue document id for a (type, bucket).
func QueueID(t QueueType, bucket string) string {
	return fmt.Sprintf("%s_%s", t, bucket)
}

// AddRecallIDs unions the given ids into RecallIDs, returning how many were
// actually new. Re-adding a present id is a no-op, which is what makes the
// aggregator idempotent under retries.
func (q *SendQueue) AddRecallIDs(ids []string) int {
	present := make(map[string]struct{}, len(q.RecallIDs))
	for _, id := range q.RecallIDs {
		present[id] = struct{}{}
	}
	added := 0
	for _, id := range ids {
		if _, ok := present[id]; ok {
			continue
		}
		present[id] = struct{}{}
		q.RecallIDs = append(q.RecallIDs, id)
		added++
	}
	return added
}

// Subscriber is a digest recipient. Read-only to the pipeline.
type Subscriber struct {
	Email      string    `json:"email"`
	States     []string  `json:"states"`
	Subscribed bool      `json:"subscribed"`
	CreatedAt  time.Time `json:"created_at"`
}

// Eligible reports whether the subscriber can receive mail at all: they must
// be subscribed and have at least one state selection or the wildcard.
func (s *Subscriber) Eligible() bool {
	return s.Subscribed && len(s.States) > 0
}

// Wildcard reports whether the subscriber asked for all states.
func (s *Subscriber) Wildcard() bool {
	for _, st := range s.States {
		if st == AllStates {
			return true
		}
	}
	return false
}

// Analytics holds a manifest's delivery-event counters and their derived
// rates. Counters are only ever mutated through atomic increments keyed by
// the event ledger.
type Analytics struct {
	Sent         int64 `json:"sent"`
	Delivered    int64 `json:"delivered"`
	Bounced      int64 `json:"bounced"`
	Opened       int64 `json:"opened"`
	Clicked      int64 `json:"clicked"`
	Unsubscribed int64 `json:"unsubscribed"`
	Complained   int64 `json:"complained"`
	Rejected     int64 `json:"rejected"`

	DeliveryRate float64 `json:"delivery_rate"`
	OpenRate     float64 `json:"open_rate"`
	ClickRate    float64 `json:"click_rate"`
	BounceRate   float64 `json:"bounce_rate"`
}

// RecomputeRates derives the rate fields from the counters. Denominators are
// floored at 1 to avoid division by zero on fresh manifests.
func (a *Analytics) RecomputeRates() {
	a.DeliveryRate = float64(a.Delivered) / float64(max64(a.Sent, 1))
	a.OpenRate = float64(a.Opened) / float64(max64(a.Delivered, 1))
	a.ClickRate = float64(a.Clicked) / float64(max64(a.Delivered, 1))
	a.BounceRate = float64(a.Bounced) / float64(max64(a.Sent, 1))
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// DigestManifest is the durable record of one dispatch run.
type DigestManifest struct {
	ID              string    `json:"id"`
	Type            QueueType `json:"type"`
	RecallIDs       []string  `json:"recall_ids"`
	TotalRecipients int       `json:"total_recipients"`
	SampleBody      string    `json:"sample_body,omitempty"`
	SampleBodyS3Key string    `json:"sample_body_s3_key,omitempty"`
	SentAt          time.Time `json:"sent_at"`
	Analytics       Analytics `json:"analytics"`
}

// NewManifestID builds a human-sortable manifest id:
// digest_YYYYMMDD_HHMMSS_<6 random chars>.
func NewManifestID(t time.Time) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:6]
	return fmt.Sprintf("digest_%s_%s", t.UTC().Format("20060102_150405"), suffix)
}

// LedgerEntry is a write-once idempotence marker for one processed
// delivery event. Never updated; may be garbage-collected after retention.
type LedgerEntry struct {
	Key        string    `json:"key"`
	ManifestID string    `json:"manifest_id"`
	EventType  string    `json:"event_type"`
	RecordedAt time.Time `json:"recorded_at"`
}

// LedgerKey builds the dedup key for a delivery event:
// (manifest id, provider message id, event type, recipient hash).
func LedgerKey(manifestID, messageID, eventType, recipientEmail string) string {
	return fmt.Sprintf("%s#%s#%s#%s", manifestID, messageID, eventType, HashEmail(recipientEmail))
}

// DispatchStatus records that one recipient was successfully sent to in a
// dispatch run, keyed by (manifest id, recipient hash). It lets a crashed
// run resume without re-sending.
type DispatchStatus struct {
	ManifestID        string    `json:"manifest_id"`
	RecipientHash     string    `json:"recipient_hash"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	SentAt            time.Time `json:"sent_at"`
}

// SendRetry is a durable retry entry for a failed subscriber send. It
// survives process restarts, unlike a fire-and-forget timer.
type SendRetry struct {
	ID            string     `json:"id"`
	ManifestID    string     `json:"manifest_id"`
	Type          QueueType  `json:"type"`
	Subscriber    Subscriber `json:"subscriber"`
	Subject       string     `json:"subject"`
	Body          string     `json:"body"`
	Attempts      int        `json:"attempts"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	LastError     string     `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// NormalizeEmail lower-cases and trims an address so two spellings of the
// same mailbox dedupe to one recipient.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// HashEmail returns the hex SHA-256 of the normalized address. Used wherever
// a recipient must be identified without storing the address itself.
func HashEmail(email string) string {
	h := sha256.Sum256([]byte(NormalizeEmail(email)))
	return hex.EncodeToString(h[:])
}
