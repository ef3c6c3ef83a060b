package feeds

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platewatch/recall-monitor/internal/config"
	"github.com/platewatch/recall-monitor/internal/recall"
)

func TestUSDAFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("User-Agent"), "Mozilla", "FSIS rejects default Go user agents")
		fmt.Fprint(w, `[
			{"field_recall_number":"013-2026","field_year":"2026","field_title":"Chicken Salad","field_states":"California, Nevada","field_recall_date":"2026-08-20"},
			{"field_recall_number":"009-2026","field_year":"2026","field_title":"Old Recall","field_states":"Texas","field_recall_date":"2026-01-01"},
			{"field_recall_number":"014-2026","field_year":"2026","field_title":"No Date","field_states":"Oregon","field_recall_date":"n/a"}
		]`)
	}))
	defer srv.Close()

	c := NewUSDAClient(config.FeedsConfig{USDABaseURL: srv.URL, TimeoutSeconds: 5, LookbackDays: 30})
	c.now = func() time.Time { return time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC) }

	records, err := c.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2, "recalls outside the lookback window are dropped; unparseable dates are kept")

	assert.Equal(t, recall.SourceUSDA, records[0].Source)
	assert.Equal(t, "013-2026", records[0].NaturalKey1)
	assert.Equal(t, "2026", records[0].NaturalKey2)
	assert.Equal(t, "Chicken Salad", records[0].Title)
	assert.Equal(t, "California, Nevada", records[0].Distribution)
	assert.Equal(t, "No Date", records[1].Title)
}

func TestFDAFetch_Pagination(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		skip := r.URL.Query().Get("skip")
		assert.Contains(t, r.URL.Query().Get("search"), "report_date:[")
		if skip == "" {
			// openFDA caps pages at 1000; fake a total of 1001 to force a
			// second page.
			fmt.Fprint(w, `{"meta":{"results":{"skip":0,"limit":1000,"total":1001}},
				"results":[{"recall_number":"F-0001-2026","event_id":"90001","product_description":"Almond Butter","distribution_pattern":"Nationwide"}]}`)
			return
		}
		assert.Equal(t, "1000", skip)
		fmt.Fprint(w, `{"meta":{"results":{"skip":1000,"limit":1000,"total":1001}},
			"results":[{"recall_number":"F-0002-2026","event_id":"90002","product_description":"Oat Milk","distribution_pattern":"CA and NV"}]}`)
	}))
	defer srv.Close()

	c := NewFDAClient(config.FeedsConfig{FDABaseURL: srv.URL, TimeoutSeconds: 5, LookbackDays: 30})
	records, err := c.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, recall.SourceFDA, records[0].Source)
	assert.Equal(t, "F-0001-2026", records[0].NaturalKey1)
	assert.Equal(t, "90001", records[0].NaturalKey2)
	assert.Equal(t, "CA and NV", records[1].Distribution)
}

func TestFDAFetch_EmptyResultIs404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":"NOT_FOUND","message":"No matches found!"}}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewFDAClient(config.FeedsConfig{FDABaseURL: srv.URL, TimeoutSeconds: 5})
	records, err := c.Fetch(context.Background())
	require.NoError(t, err, "an empty window is not an error")
	assert.Empty(t, records)
}

func TestRSSWatcher(t *testing.T) {
	items := []string{"recall-1"}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, `<?xml version="1.0"?><rss version="2.0"><channel><title>Recalls</title>`)
		for _, id := range items {
			fmt.Fprintf(w, `<item><title>%s</title><guid>%s</guid></item>`, id, id)
		}
		fmt.Fprint(w, `</channel></rss>`)
	}))
	defer srv.Close()

	w := NewRSSWatcher(srv.URL)
	ctx := context.Background()

	fresh, err := w.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, fresh, "first poll primes without triggering")

	fresh, err = w.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, fresh)

	items = append(items, "recall-2", "recall-3")
	fresh, err = w.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, fresh)
}
