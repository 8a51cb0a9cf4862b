// Package archive exports expired span rows as JSONL to S3-compatible
// storage before the retention sweep deletes them.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/groblegark/pulse/internal/model"
)

// header is the first JSONL record of each archived object.
type header struct {
	Version   string    `json:"version"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	SpanCount int       `json:"span_count"`
}

// record wraps a single JSONL line with a type discriminator.
type record struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// S3Archiver uploads one JSONL object per archived page under a key prefix.
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
	now    func() time.Time
}

// NewS3Archiver creates an archiver. If endpoint is non-empty, path-style
// addressing is enabled (for MinIO and similar).
func NewS3Archiver(ctx context.Context, bucket, prefix, region, endpoint string) (*S3Archiver, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3opts []func(*s3.Options)
	if endpoint != "" {
		s3opts = append(s3opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3Archiver{
		client: s3.NewFromConfig(cfg, s3opts...),
		bucket: bucket,
		prefix: prefix,
		now:    time.Now,
	}, nil
}

// Archive encodes the spans as JSONL and uploads them as one object keyed by
// the upload time. An empty page is a no-op.
func (a *S3Archiver) Archive(ctx context.Context, spans []*model.TaskEvent) error {
	if len(spans) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	now := a.now().UTC()
	if err := enc.Encode(header{
		Version:   "1",
		Type:      "header",
		Timestamp: now,
		SpanCount: len(spans),
	}); err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	for _, s := range spans {
		if err := enc.Encode(record{Type: "task_event", Data: s}); err != nil {
			return fmt.Errorf("encode span %s: %w", s.ID, err)
		}
	}

	key := fmt.Sprintf("%s/%s/%s.jsonl", a.prefix, now.Format("2006/01/02"), now.Format("20060102T150405.000000000Z"))
	contentType := "application/x-ndjson"
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: &contentType,
	})
	if err != nil {
		return fmt.Errorf("s3 put object: %w", err)
	}
	return nil
}
