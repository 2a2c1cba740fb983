package archive

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type putObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink writes archived media to an S3 bucket. A custom endpoint switches
// the client to path-style addressing for MinIO and similar servers.
type S3Sink struct {
	client putObjectAPI
	bucket string
	prefix string
}

var _ Sink = (*S3Sink)(nil)

func NewS3(ctx context.Context, bucket, prefix, baseEndpoint string) (*S3Sink, error) {
	if bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if baseEndpoint != "" {
			o.BaseEndpoint = aws.String(baseEndpoint)
			o.UsePathStyle = true
		}
	})
	return newS3(client, bucket, prefix), nil
}

func newS3(client putObjectAPI, bucket, prefix string) *S3Sink {
	return &S3Sink{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (s *S3Sink) Store(ctx context.Context, item Item) error {
	metaKey, mediaKey := keys(s.prefix, item)
	meta, err := metadata(item)
	if err != nil {
		return err
	}

	// Media bytes are already in memory, so the body is always seekable.
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(mediaKey),
		Body:        bytes.NewReader(item.Data),
		ContentType: aws.String(item.MIMEType),
	})
	if err != nil {
		return fmt.Errorf("failed to store media in S3: %w", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(metaKey),
		Body:        bytes.NewReader(meta),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to store media metadata in S3: %w", err)
	}
	return nil
}
