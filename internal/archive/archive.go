// Package archive keeps a copy of verified raw webhook payloads for replay
// diagnosis.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/noah-isme/toko-webhooks/internal/common"
)

// Archiver stores one raw payload and returns the object key.
type Archiver interface {
	Put(ctx context.Context, eventID, eventType string, receivedAt time.Time, body []byte) (string, error)
}

// Nop discards payloads. Used when no bucket is configured.
type Nop struct{}

func (Nop) Put(context.Context, string, string, time.Time, []byte) (string, error) { return "", nil }

// ObjectPutter is the slice of the S3 API the archiver needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 writes payloads to webhooks/<yyyy>/<mm>/<dd>/<event_id>.json.
type S3 struct {
	Client ObjectPutter
	Bucket string
	Prefix string
}

// Options configure NewS3.
type Options struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3 builds an S3 archiver. Static credentials are used when both keys are
// set, otherwise the default AWS credential chain applies. A custom endpoint
// switches to path-style addressing for S3-compatible stores.
func NewS3(ctx context.Context, opts Options) (*S3, error) {
	loaders := []func(*awsconfig.LoadOptions) error{}
	if opts.Region != "" {
		loaders = append(loaders, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loaders = append(loaders, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3{Client: client, Bucket: opts.Bucket, Prefix: "webhooks"}, nil
}

// Key returns the object key for an event received at receivedAt.
func (a *S3) Key(eventID string, receivedAt time.Time) string {
	prefix := strings.Trim(a.Prefix, "/")
	if prefix == "" {
		prefix = "webhooks"
	}
	day := receivedAt.UTC().Format("2006/01/02")
	return path.Join(prefix, day, sanitizeID(eventID)+".json")
}

func (a *S3) Put(ctx context.Context, eventID, eventType string, receivedAt time.Time, body []byte) (string, error) {
	key := a.Key(eventID, receivedAt)
	_, err := a.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"event-id":    eventID,
			"event-type":  eventType,
			"sha256":      common.Digest(body),
			"received-at": receivedAt.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return key, nil
}

func sanitizeID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return '_'
	}, id)
}
