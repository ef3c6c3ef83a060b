package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/platewatch/recall-monitor/internal/config"
	"github.com/platewatch/recall-monitor/internal/pkg/logger"
)

// manifestTag carries the dispatch correlation id on every outbound message;
// SES echoes it back on delivery-event webhooks.
const manifestTag = "manifest_id"

// SESMailer sends digests through AWS SES v2.
type SESMailer struct {
	client    *sesv2.Client
	fromName  string
	fromEmail string
	replyTo   string
}

// NewSESMailer builds the SES client. Static credentials take precedence;
// with none configured the default AWS credential chain applies.
func NewSESMailer(ctx context.Context, cfg config.EmailConfig) (*SESMailer, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("provider: load aws config: %w", err)
	}

	return &SESMailer{
		client:    sesv2.NewFromConfig(awsCfg),
		fromName:  cfg.FromName,
		fromEmail: cfg.FromEmail,
		replyTo:   cfg.ReplyTo,
	}, nil
}

// Send delivers one digest. A provider-side rejection is reported through
// SendResult rather than an error so the dispatcher's retry loop owns the
// decision.
func (s *SESMailer) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fmt.Sprintf("%s <%s>", s.fromName, s.fromEmail)),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.HTMLBody), Charset: aws.String("UTF-8")},
				},
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String(manifestTag), Value: aws.String(msg.ManifestID)},
		},
	}
	if s.replyTo != "" {
		input.ReplyToAddresses = []string{s.replyTo}
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return &SendResult{Success: false, Err: err}, nil
	}

	messageID := ""
	if result.MessageId != nil {
		messageID = *result.MessageId
	}
	logger.Debug("provider: message sent", "recipient", msg.To, "message_id", messageID)

	return &SendResult{
		Success:           true,
		ProviderMessageID: messageID,
		SentAt:            time.Now().UTC(),
	}, nil
}
