package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Sternrassler/datasync-ingestor/pkg/event"
	"github.com/Sternrassler/datasync-ingestor/pkg/metrics"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultS3Prefix is prepended to every object key.
const DefaultS3Prefix = "events/"

// S3Config configures an S3Sink.
type S3Config struct {
	Bucket string
	Prefix string
	Region string

	// Endpoint enables path-style addressing against an S3-compatible
	// server such as MinIO.
	Endpoint string
}

// ObjectPutter is the part of the S3 client the sink uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink uploads each batch as one NDJSON object. The key is derived from
// the first and last event id, so a re-delivered batch overwrites itself.
type S3Sink struct {
	client ObjectPutter
	bucket string
	prefix string
	logger zerolog.Logger
}

// NewS3Sink loads the default AWS configuration and creates the sink.
func NewS3Sink(ctx context.Context, cfg S3Config) (*S3Sink, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}
	return NewS3SinkWithClient(s3.NewFromConfig(awsCfg, opts...), cfg.Bucket, cfg.Prefix)
}

// NewS3SinkWithClient creates a sink over an existing client.
func NewS3SinkWithClient(client ObjectPutter, bucket, prefix string) (*S3Sink, error) {
	if client == nil {
		return nil, fmt.Errorf("s3 client is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if prefix == "" {
		prefix = DefaultS3Prefix
	}
	return &S3Sink{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: log.With().
			Str("component", "sink").
			Str("backend", metrics.BackendS3).
			Str("bucket", bucket).
			Logger(),
	}, nil
}

// Key returns the object key for a batch.
func (s *S3Sink) Key(events []event.Event) string {
	return fmt.Sprintf("%s%s_%s.ndjson", s.prefix, events[0].ID, events[len(events)-1].ID)
}

// Write uploads the batch.
func (s *S3Sink) Write(ctx context.Context, events []event.Event) error {
	if len(events) == 0 {
		return nil
	}
	start := time.Now()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("marshal event %s: %w", ev.ID, err)
		}
	}

	key := s.Key(events)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("s3 put object %s: %w", key, err)
	}

	metrics.ObserveSinkWrite(metrics.BackendS3, start)
	s.logger.Debug().Str("key", key).Int("events", len(events)).Msg("Batch uploaded")
	return nil
}

// Close is a no-op; the S3 client holds no connection state.
func (s *S3Sink) Close() error {
	return nil
}
