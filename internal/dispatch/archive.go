package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/platewatch/recall-monitor/internal/config"
)

// S3Archiver keeps rendered sample bodies in S3 so manifest documents stay
// small and operators can preview exactly what went out.
type S3Archiver struct {
	client *s3.Client
	bucket string
}

// NewS3Archiver builds the archiver from the storage config.
func NewS3Archiver(ctx context.Context, cfg config.StorageConfig) (*S3Archiver, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}
	return &S3Archiver{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.S3Bucket,
	}, nil
}

// Archive uploads the body under a manifest-derived key and returns it.
func (a *S3Archiver) Archive(ctx context.Context, manifestID, body string) (string, error) {
	key := fmt.Sprintf("digests/%s/sample.html", manifestID)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        strings.NewReader(body),
		ContentType: aws.String("text/html; charset=utf-8"),
	})
	if err != nil {
		return "", fmt.Errorf("archive: put object: %w", err)
	}
	return key, nil
}
