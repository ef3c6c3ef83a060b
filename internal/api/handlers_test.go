package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platewatch/recall-monitor/internal/analytics"
	"github.com/platewatch/recall-monitor/internal/config"
	"github.com/platewatch/recall-monitor/internal/docstore"
	"github.com/platewatch/recall-monitor/internal/queue"
	"github.com/platewatch/recall-monitor/internal/recall"
	"github.com/platewatch/recall-monitor/internal/store"
)

func newTestServer(t *testing.T, triggers Triggers) (*httptest.Server, *store.Store) {
	t.Helper()
	st := store.New(docstore.NewMemoryStore())
	queues := queue.New(st, config.DigestConfig{DailySendHourUTC: 17, WeeklySendHourUTC: 16})
	h := NewHandlers(st, analytics.NewIngestor(st, ""), queues, triggers)
	srv := httptest.NewServer(SetupRoutes(h))
	t.Cleanup(srv.Close)
	return srv, st
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, Triggers{})
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEmailWebhook(t *testing.T) {
	srv, st := newTestServer(t, Triggers{})
	ctx := context.Background()
	require.NoError(t, st.PutManifest(ctx, &recall.DigestManifest{
		ID: "digest_20260826_170000_abc123", Type: recall.QueueDaily, SentAt: time.Now().UTC(),
	}))

	body := `{"event":"opened","message_id":"m1","recipient":"a@example.com","manifest_id":"digest_20260826_170000_abc123"}`

	resp, err := http.Post(srv.URL+"/webhooks/email", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Processed bool   `json:"processed"`
		Reason    string `json:"reason"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.True(t, out.Processed)

	// Replay returns success with processed=false.
	resp2, err := http.Post(srv.URL+"/webhooks/email", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&out))
	assert.False(t, out.Processed)
	assert.Equal(t, "duplicate", out.Reason)
}

func TestEmailWebhook_PingAccepted(t *testing.T) {
	srv, _ := newTestServer(t, Triggers{})
	resp, err := http.Post(srv.URL+"/webhooks/email", "application/json",
		bytes.NewBufferString(`{"type":"ping"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "verification pings must get HTTP success")
}

func TestGetManifest(t *testing.T) {
	srv, st := newTestServer(t, Triggers{})
	require.NoError(t, st.PutManifest(context.Background(), &recall.DigestManifest{
		ID: "digest_20260826_170000_abc123", TotalRecipients: 42, SentAt: time.Now().UTC(),
	}))

	resp, err := http.Get(srv.URL + "/api/manifests/digest_20260826_170000_abc123")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var m recall.DigestManifest
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	assert.Equal(t, 42, m.TotalRecipients)

	missing, err := http.Get(srv.URL + "/api/manifests/digest_none")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestUpdateOverlay(t *testing.T) {
	srv, st := newTestServer(t, Triggers{})
	ctx := context.Background()
	require.NoError(t, st.PutRecall(ctx, &recall.Record{
		IdentityKey: "usda_1_2026", Source: recall.SourceUSDA,
		CoreFields: map[string]string{"title": "raw"}, AffectedStates: []string{"CA"},
	}))

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/recalls/usda_1_2026/overlay",
		bytes.NewBufferString(`{"title":"Curated","image_urls":["https://cdn.example.com/x.jpg"]}`))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	rec, err := st.GetRecall(ctx, "usda_1_2026")
	require.NoError(t, err)
	require.NotNil(t, rec.Overlay)
	assert.Equal(t, "Curated", rec.Overlay.Title)

	// null clears the overlay; this is the only clearing path.
	req2, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/recalls/usda_1_2026/overlay",
		bytes.NewBufferString(`null`))
	resp2, err := http.DefaultClient.Do(req2)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	rec, err = st.GetRecall(ctx, "usda_1_2026")
	require.NoError(t, err)
	assert.Nil(t, rec.Overlay)

	// Unknown records 404.
	req3, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/recalls/nope/overlay",
		bytes.NewBufferString(`{"title":"x"}`))
	resp3, err := http.DefaultClient.Do(req3)
	require.NoError(t, err)
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp3.StatusCode)
}

func TestUpsertSubscriber(t *testing.T) {
	srv, st := newTestServer(t, Triggers{})

	resp, err := http.Post(srv.URL+"/api/subscribers", "application/json",
		bytes.NewBufferString(`{"email":"ca@example.com","states":["CA","NV"],"subscribed":true}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	subs, err := st.ListSubscribers(context.Background())
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, []string{"CA", "NV"}, subs[0].States)

	bad, err := http.Post(srv.URL+"/api/subscribers", "application/json",
		bytes.NewBufferString(`{"states":["CA"],"subscribed":true}`))
	require.NoError(t, err)
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode, "email is required")
}

func TestCancelQueue(t *testing.T) {
	srv, st := newTestServer(t, Triggers{})
	ctx := context.Background()

	require.NoError(t, st.PutQueue(ctx, &recall.SendQueue{
		ID: "daily_2026-08-26", Type: recall.QueueDaily, Bucket: "2026-08-26",
		Status: recall.QueuePending, RecallIDs: []string{"usda_1_2026"},
	}))

	resp, err := http.Post(srv.URL+"/api/queues/daily_2026-08-26/cancel", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	q, err := st.GetQueue(ctx, "daily_2026-08-26")
	require.NoError(t, err)
	assert.Equal(t, recall.QueueCancelled, q.Status)

	missing, err := http.Post(srv.URL+"/api/queues/daily_1999-01-01/cancel", "application/json", nil)
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestManualTriggers(t *testing.T) {
	syncCalled, dispatchCalled := false, false
	srv, _ := newTestServer(t, Triggers{
		Sync:     func(ctx context.Context) error { syncCalled = true; return nil },
		Dispatch: func(ctx context.Context) error { dispatchCalled = true; return errors.New("boom") },
	})

	resp, err := http.Post(srv.URL+"/api/sync", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, syncCalled)

	resp2, err := http.Post(srv.URL+"/api/dispatch", "application/json", nil)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp2.StatusCode)
	assert.True(t, dispatchCalled)
}
