package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/platewatch/recall-monitor/internal/config"
	"github.com/platewatch/recall-monitor/internal/normalize"
	"github.com/platewatch/recall-monitor/internal/pkg/httpretry"
	"github.com/platewatch/recall-monitor/internal/pkg/logger"
	"github.com/platewatch/recall-monitor/internal/recall"
)

// fsisRecall is one entry from the FSIS recall API. The API returns every
// value as a string, including dates and numbers.
type fsisRecall struct {
	RecallNumber   string `json:"field_recall_number"`
	Year           string `json:"field_year"`
	Title          string `json:"field_title"`
	States         string `json:"field_states"`
	RecallDate     string `json:"field_recall_date"`
	RecallReason   string `json:"field_recall_reason"`
	RiskLevel      string `json:"field_risk_level"`
	ProductItems   string `json:"field_product_items"`
	Establishment  string `json:"field_establishment"`
	Summary        string `json:"field_summary"`
	RecallURL      string `json:"field_recall_url"`
	Classification string `json:"field_recall_classification"`
}

// USDAClient fetches recall notices from the USDA FSIS recall API.
type USDAClient struct {
	baseURL string
	client  *httpretry.RetryClient
	cfg     config.FeedsConfig
	now     func() time.Time
}

// NewUSDAClient creates a client for the FSIS recall API.
func NewUSDAClient(cfg config.FeedsConfig) *USDAClient {
	return &USDAClient{
		baseURL: cfg.USDABaseURL,
		client:  newRetryClient(cfg),
		cfg:     cfg,
		now:     time.Now,
	}
}

func (c *USDAClient) Name() string { return string(recall.SourceUSDA) }

// Fetch retrieves recalls from FSIS and keeps those dated within the
// configured lookback window. Records with an unparseable date are kept; a
// missed date must not hide a recall.
func (c *USDAClient) Fetch(ctx context.Context) ([]normalize.RawRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return nil, fmt.Errorf("usda: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", browserUserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("usda: fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("usda: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var entries []fsisRecall
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("usda: decode response: %w", err)
	}

	cutoff := lookback(c.cfg, c.now())
	records := make([]normalize.RawRecord, 0, len(entries))
	skipped := 0
	for _, e := range entries {
		if d, ok := parseFSISDate(e.RecallDate); ok && d.Before(cutoff) {
			skipped++
			continue
		}
		records = append(records, normalize.RawRecord{
			Source:       recall.SourceUSDA,
			NaturalKey1:  e.RecallNumber,
			NaturalKey2:  e.Year,
			Title:        e.Title,
			Distribution: e.States,
			Fields: map[string]string{
				"recall_number":  e.RecallNumber,
				"year":           e.Year,
				"recall_date":    e.RecallDate,
				"recall_reason":  e.RecallReason,
				"risk_level":     e.RiskLevel,
				"product_items":  e.ProductItems,
				"establishment":  e.Establishment,
				"summary":        e.Summary,
				"recall_url":     e.RecallURL,
				"classification": e.Classification,
			},
		})
	}
	logger.Info("usda: fetched recalls", "total", len(entries), "in_window", len(records), "outside_window", skipped)
	return records, nil
}

// parseFSISDate handles the date shapes FSIS has been observed to emit.
func parseFSISDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"2006-01-02", "Jan 2, 2006", "01/02/2006"} {
		if d, err := time.Parse(layout, s); err == nil {
			return d, true
		}
	}
	return time.Time{}, false
}
