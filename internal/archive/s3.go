package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"path"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Options locates the bucket a run's transcript is uploaded to.
type S3Options struct {
	Bucket string
	Prefix string
	Region string
	// Endpoint points at an S3-compatible service such as MinIO and
	// switches the client to path-style addressing.
	Endpoint string
}

// S3Destination uploads a run transcript to <prefix>/<run id>.jsonl.
// Uploads whose content matches the previous one are skipped, so a quiet
// loop does not rewrite the object on every archive tick.
type S3Destination struct {
	client *s3.Client
	bucket string
	key    string
	runID  string

	mu   sync.Mutex
	last [sha256.Size]byte
	sent bool
}

// NewS3Destination resolves AWS credentials the usual way (environment,
// shared config, instance role) and returns a destination for runID.
func NewS3Destination(ctx context.Context, opts S3Options, runID string) (*S3Destination, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Destination{
		client: client,
		bucket: opts.Bucket,
		key:    path.Join(opts.Prefix, runID+".jsonl"),
		runID:  runID,
	}, nil
}

func (d *S3Destination) String() string { return fmt.Sprintf("s3://%s/%s", d.bucket, d.key) }

func (d *S3Destination) Write(ctx context.Context, data []byte) error {
	sum := sha256.Sum256(data)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sent && sum == d.last {
		return nil
	}

	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(d.bucket),
		Key:         aws.String(d.key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/x-ndjson"),
		Metadata:    map[string]string{"kloop-run-id": d.runID},
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", d, err)
	}
	d.last, d.sent = sum, true
	return nil
}
