package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/platewatch/recall-monitor/internal/config"
	"github.com/platewatch/recall-monitor/internal/normalize"
	"github.com/platewatch/recall-monitor/internal/pkg/httpretry"
	"github.com/platewatch/recall-monitor/internal/pkg/logger"
	"github.com/platewatch/recall-monitor/internal/recall"
)

const (
	fdaPageLimit = 1000 // openFDA max results per page
	fdaMaxSkip   = 25000
)

// fdaEnforcement is one entry from the openFDA food enforcement API.
type fdaEnforcement struct {
	RecallNumber        string `json:"recall_number"`
	EventID             string `json:"event_id"`
	Status              string `json:"status"`
	Classification      string `json:"classification"`
	ProductDescription  string `json:"product_description"`
	ReasonForRecall     string `json:"reason_for_recall"`
	DistributionPattern string `json:"distribution_pattern"`
	RecallingFirm       string `json:"recalling_firm"`
	City                string `json:"city"`
	State               string `json:"state"`
	ReportDate          string `json:"report_date"`
	InitiationDate      string `json:"recall_initiation_date"`
}

type fdaResponse struct {
	Meta struct {
		Results struct {
			Skip  int `json:"skip"`
			Limit int `json:"limit"`
			Total int `json:"total"`
		} `json:"results"`
	} `json:"meta"`
	Results []fdaEnforcement `json:"results"`
}

// FDAClient fetches recall enforcement reports from the openFDA food
// enforcement API.
type FDAClient struct {
	baseURL string
	client  *httpretry.RetryClient
	cfg     config.FeedsConfig
	now     func() time.Time
}

// NewFDAClient creates a client for the openFDA enforcement API.
func NewFDAClient(cfg config.FeedsConfig) *FDAClient {
	return &FDAClient{
		baseURL: cfg.FDABaseURL,
		client:  newRetryClient(cfg),
		cfg:     cfg,
		now:     time.Now,
	}
}

func (c *FDAClient) Name() string { return string(recall.SourceFDA) }

// Fetch retrieves enforcement reports whose report_date falls inside the
// lookback window, paging until the API reports no more results.
func (c *FDAClient) Fetch(ctx context.Context) ([]normalize.RawRecord, error) {
	now := c.now().UTC()
	search := fmt.Sprintf("report_date:[%s TO %s]",
		lookback(c.cfg, now).Format("20060102"), now.Format("20060102"))

	var records []normalize.RawRecord
	for skip := 0; skip <= fdaMaxSkip; skip += fdaPageLimit {
		page, total, err := c.fetchPage(ctx, search, skip)
		if err != nil {
			return nil, err
		}
		records = append(records, page...)
		if skip+fdaPageLimit >= total {
			break
		}
	}
	logger.Info("fda: fetched enforcement reports", "count", len(records))
	return records, nil
}

func (c *FDAClient) fetchPage(ctx context.Context, search string, skip int) ([]normalize.RawRecord, int, error) {
	q := url.Values{}
	q.Set("search", search)
	q.Set("limit", strconv.Itoa(fdaPageLimit))
	if skip > 0 {
		q.Set("skip", strconv.Itoa(skip))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("fda: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("fda: fetch: %w", err)
	}
	defer resp.Body.Close()

	// openFDA answers 404 for an empty result set rather than an empty page.
	if resp.StatusCode == http.StatusNotFound {
		return nil, 0, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, 0, fmt.Errorf("fda: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed fdaResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, 0, fmt.Errorf("fda: decode response: %w", err)
	}

	records := make([]normalize.RawRecord, 0, len(parsed.Results))
	for _, e := range parsed.Results {
		records = append(records, normalize.RawRecord{
			Source:       recall.SourceFDA,
			NaturalKey1:  e.RecallNumber,
			NaturalKey2:  e.EventID,
			Title:        e.ProductDescription,
			Distribution: e.DistributionPattern,
			Fields: map[string]string{
				"recall_number":   e.RecallNumber,
				"event_id":        e.EventID,
				"status":          e.Status,
				"classification":  e.Classification,
				"reason":          e.ReasonForRecall,
				"recalling_firm":  e.RecallingFirm,
				"city":            e.City,
				"state":           e.State,
				"report_date":     e.ReportDate,
				"initiation_date": e.InitiationDate,
			},
		})
	}
	return records, parsed.Meta.Results.Total, nil
}
