// Package enrich generates consumer-friendly recall titles with AWS Bedrock.
// Enrichment is best-effort: a record whose title cannot be generated keeps
// its raw title and is retried on a later sync. Nothing in this package ever
// fails the calling pipeline.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/platewatch/recall-monitor/internal/config"
	"github.com/platewatch/recall-monitor/internal/pkg/logger"
	"github.com/platewatch/recall-monitor/internal/recall"
	"github.com/platewatch/recall-monitor/internal/store"
)

const (
	titleMaxTokens = 200
	titleAttempts  = 3 // first try plus two retries

	systemPrompt = "You write one-line consumer alerts for US food recalls. " +
		"Given recall details, respond with a single short headline naming the product " +
		"and the hazard. No markdown, no quotes, no preamble."
)

// Titler produces an enhanced title for one recall.
type Titler interface {
	Title(ctx context.Context, rec *recall.Record) (string, error)
}

// bedrockMessage and friends mirror the Anthropic message envelope that
// Bedrock's InvokeModel expects for Claude models.
type bedrockMessage struct {
	Role    string         `json:"role"`
	Content []bedrockBlock `json:"content"`
}

type bedrockBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	System           string           `json:"system,omitempty"`
	Messages         []bedrockMessage `json:"messages"`
	Temperature      float64          `json:"temperature,omitempty"`
}

type bedrockResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

// BedrockTitler generates titles through AWS Bedrock. All data stays inside
// AWS; there is no external model API call.
type BedrockTitler struct {
	client  *bedrockruntime.Client
	modelID string
}

// NewBedrockTitler loads the default AWS config for the given region and
// returns a ready titler.
func NewBedrockTitler(ctx context.Context, cfg config.EnrichmentConfig) (*BedrockTitler, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("enrich: load aws config: %w", err)
	}
	return &BedrockTitler{
		client:  bedrockruntime.NewFromConfig(awsCfg),
		modelID: cfg.ModelID,
	}, nil
}

// Title asks the model for a one-line headline for the recall.
func (b *BedrockTitler) Title(ctx context.Context, rec *recall.Record) (string, error) {
	body, err := json.Marshal(bedrockRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        titleMaxTokens,
		System:           systemPrompt,
		Messages: []bedrockMessage{{
			Role:    "user",
			Content: []bedrockBlock{{Type: "text", Text: recallPrompt(rec)}},
		}},
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("enrich: marshal request: %w", err)
	}

	output, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return "", fmt.Errorf("enrich: invoke model: %w", err)
	}

	var parsed bedrockResponse
	if err := json.Unmarshal(output.Body, &parsed); err != nil {
		return "", fmt.Errorf("enrich: decode response: %w", err)
	}
	for _, block := range parsed.Content {
		if block.Type == "text" {
			title := strings.TrimSpace(strings.Trim(strings.TrimSpace(block.Text), `"`))
			if title != "" {
				return title, nil
			}
		}
	}
	return "", fmt.Errorf("enrich: empty model response (stop_reason=%s)", parsed.StopReason)
}

// recallPrompt flattens the record fields the model needs.
func recallPrompt(rec *recall.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Source: %s\n", rec.Source)
	fmt.Fprintf(&b, "Raw title: %s\n", rec.CoreFields["title"])
	if v := rec.CoreFields["recall_reason"]; v != "" {
		fmt.Fprintf(&b, "Reason: %s\n", v)
	}
	if v := rec.CoreFields["reason"]; v != "" {
		fmt.Fprintf(&b, "Reason: %s\n", v)
	}
	if v := rec.CoreFields["product_items"]; v != "" {
		fmt.Fprintf(&b, "Products: %s\n", v)
	}
	if rec.IsNationwide() {
		b.WriteString("Distribution: nationwide\n")
	} else {
		fmt.Fprintf(&b, "States: %s\n", strings.Join(rec.EffectiveStates(), ", "))
	}
	return b.String()
}

// Scheduler drains enrichment work after a reconciliation run.
type Scheduler struct {
	store  *store.Store
	titler Titler
	cfg    config.EnrichmentConfig
	sleep  func(ctx context.Context, d time.Duration)
}

// NewScheduler creates a Scheduler. A nil titler disables enrichment.
func NewScheduler(st *store.Store, titler Titler, cfg config.EnrichmentConfig) *Scheduler {
	return &Scheduler{
		store:  st,
		titler: titler,
		sleep:  sleepCtx,
		cfg:    cfg,
	}
}

// Run enhances up to MaxPerRun records from the given identity keys. Each
// record gets up to three model attempts with a linearly growing delay.
// Failures leave the title unset for the next run; Run never returns an
// error because enrichment must not block the sync pipeline.
func (s *Scheduler) Run(ctx context.Context, identityKeys []string) {
	if s.titler == nil || !s.cfg.Enabled || len(identityKeys) == 0 {
		return
	}
	limit := s.cfg.MaxPerRun
	if limit <= 0 {
		limit = 500
	}
	if len(identityKeys) > limit {
		logger.Warn("enrich: capping run", "queued", len(identityKeys), "limit", limit)
		identityKeys = identityKeys[:limit]
	}

	enhanced, failed := 0, 0
	for _, key := range identityKeys {
		if ctx.Err() != nil {
			logger.Warn("enrich: run cancelled", "remaining", len(identityKeys)-enhanced-failed)
			return
		}
		if err := s.enhanceOne(ctx, key); err != nil {
			failed++
			logger.Error("enrich: giving up on record", "identity_key", key, "error", err)
			continue
		}
		enhanced++
	}
	logger.Info("enrich: run complete", "enhanced", enhanced, "failed", failed)
}

func (s *Scheduler) enhanceOne(ctx context.Context, key string) error {
	rec, err := s.store.GetRecall(ctx, key)
	if err != nil {
		return err
	}
	if rec == nil || rec.EnhancedTitle != "" {
		return nil
	}

	delay := time.Duration(s.cfg.RetryDelayMS) * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= titleAttempts; attempt++ {
		title, err := s.titler.Title(ctx, rec)
		if err == nil {
			return s.store.SetEnhancedTitleOnce(ctx, key, title)
		}
		lastErr = err
		if attempt < titleAttempts {
			s.sleep(ctx, delay*time.Duration(attempt))
		}
	}
	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
