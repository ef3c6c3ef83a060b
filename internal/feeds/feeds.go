// Package feeds fetches raw recall notices from the upstream USDA FSIS and
// openFDA APIs and shapes them for normalization. All HTTP goes through the
// shared retrying client; a feed that is down degrades to an empty fetch with
// a logged error, never a crash.
package feeds

import (
	"context"
	"net/http"
	"time"

	"github.com/platewatch/recall-monitor/internal/config"
	"github.com/platewatch/recall-monitor/internal/normalize"
	"github.com/platewatch/recall-monitor/internal/pkg/httpretry"
)

// The FSIS endpoint rejects default Go user agents, so we present a browser
// identity the way their own web frontend does.
const browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/138.0.0.0 Safari/537.36"

// Source fetches raw recall records from one upstream feed.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]normalize.RawRecord, error)
}

// newRetryClient builds the shared HTTP stack for a feed client.
func newRetryClient(cfg config.FeedsConfig) *httpretry.RetryClient {
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return httpretry.New(&http.Client{Timeout: timeout}, 3)
}

// lookback returns the start of the fetch window.
func lookback(cfg config.FeedsConfig, now time.Time) time.Time {
	days := cfg.LookbackDays
	if days <= 0 {
		days = 30
	}
	return now.UTC().AddDate(0, 0, -days)
}
