package recall

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDisplayTitle(t *testing.T) {
	rec := Record{CoreFields: map[string]string{"title": "raw title"}}
	assert.Equal(t, "raw title", rec.DisplayTitle())

	rec.EnhancedTitle = "enhanced title"
	assert.Equal(t, "enhanced title", rec.DisplayTitle())

	rec.Overlay = &CuratorOverlay{Title: "curated title"}
	assert.Equal(t, "curated title", rec.DisplayTitle(), "curator beats enhanced beats raw")

	rec.Overlay = &CuratorOverlay{ImageURLs: []string{"x"}}
	assert.Equal(t, "enhanced title", rec.DisplayTitle(), "empty overlay title falls through")
}

func TestEffectiveStates(t *testing.T) {
	rec := Record{AffectedStates: []string{"CA", "NV"}}
	assert.Equal(t, []string{"CA", "NV"}, rec.EffectiveStates())
	assert.False(t, rec.IsNationwide())

	rec.Overlay = &CuratorOverlay{StateOverride: []string{Nationwide}}
	assert.Equal(t, []string{Nationwide}, rec.EffectiveStates())
	assert.True(t, rec.IsNationwide())
}

func TestAddRecallIDs(t *testing.T) {
	q := SendQueue{RecallIDs: []string{"a", "b"}}

	added := q.AddRecallIDs([]string{"b", "c", "c", "d"})
	assert.Equal(t, 2, added)
	assert.Equal(t, []string{"a", "b", "c", "d"}, q.RecallIDs)

	assert.Zero(t, q.AddRecallIDs([]string{"a", "d"}), "re-adding is a no-op")
}

func TestQueueID(t *testing.T) {
	assert.Equal(t, "daily_2026-08-26", QueueID(QueueDaily, "2026-08-26"))
	assert.Equal(t, "weekly_2026-08-24", QueueID(QueueWeekly, "2026-08-24"))
}

func TestNewManifestID(t *testing.T) {
	at := time.Date(2026, 8, 26, 17, 3, 9, 0, time.UTC)
	id := NewManifestID(at)
	assert.True(t, strings.HasPrefix(id, "digest_20260826_170309_"), id)
	assert.Len(t, id, len("digest_20260826_170309_")+6)

	other := NewManifestID(at)
	assert.NotEqual(t, id, other, "random suffix keeps concurrent runs distinct")
	assert.True(t, id < "digest_20260826_170310" || other < "digest_20260826_170310",
		"ids sort by send time for window queries")
}

func TestNormalizeAndHashEmail(t *testing.T) {
	assert.Equal(t, "user@example.com", NormalizeEmail("  User@Example.COM "))
	assert.Equal(t, HashEmail("user@example.com"), HashEmail(" USER@example.com"))
	assert.NotEqual(t, HashEmail("a@example.com"), HashEmail("b@example.com"))
	assert.Len(t, HashEmail("a@example.com"), 64)
}

func TestLedgerKey(t *testing.T) {
	k1 := LedgerKey("digest_x", "msg-1", "opened", "User@Example.com")
	k2 := LedgerKey("digest_x", "msg-1", "opened", "user@example.com")
	assert.Equal(t, k1, k2, "recipient casing must not split the dedup key")

	k3 := LedgerKey("digest_x", "msg-1", "clicked", "user@example.com")
	assert.NotEqual(t, k1, k3)
}

func TestRecomputeRates(t *testing.T) {
	a := Analytics{Sent: 10, Delivered: 8, Opened: 4, Clicked: 1, Bounced: 2}
	a.RecomputeRates()
	assert.InDelta(t, 0.8, a.DeliveryRate, 1e-9)
	assert.InDelta(t, 0.5, a.OpenRate, 1e-9)
	assert.InDelta(t, 0.125, a.ClickRate, 1e-9)
	assert.InDelta(t, 0.2, a.BounceRate, 1e-9)

	var zero Analytics
	zero.RecomputeRates()
	assert.Zero(t, zero.DeliveryRate, "denominator floor keeps zero counters finite")
}

func TestSubscriberEligibility(t *testing.T) {
	assert.False(t, (&Subscriber{Subscribed: true}).Eligible(), "needs at least one state")
	assert.False(t, (&Subscriber{States: []string{"CA"}}).Eligible(), "needs subscribed=true")
	assert.True(t, (&Subscriber{States: []string{AllStates}, Subscribed: true}).Eligible())
	assert.True(t, (&Subscriber{States: []string{AllStates}, Subscribed: true}).Wildcard())
	assert.False(t, (&Subscriber{States: []string{"CA"}, Subscribed: true}).Wildcard())
}
