package closepack

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/settld-labs/settld-kernel/pkg/canonical"
)

// Archiver uploads exported close packs to object storage, keyed by
// agreement hash so re-archival of the same lineage is a cheap overwrite of
// identical bytes.
type Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

// ArchiverConfig configures the S3 target. Endpoint supports MinIO and
// LocalStack in development.
type ArchiverConfig struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

func NewArchiver(ctx context.Context, cfg ArchiverConfig) (*Archiver, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &Archiver{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Archive uploads the bundle and returns the object key and the content hash
// of the archived bytes.
func (a *Archiver) Archive(ctx context.Context, b *Bundle) (string, string, error) {
	data, err := b.Encode()
	if err != nil {
		return "", "", err
	}
	key := a.key(b.Manifest.AgreementHash)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", "", fmt.Errorf("archive close pack %s: %w", key, err)
	}
	return key, canonical.HashBytes(data), nil
}

// Fetch downloads and decodes an archived close pack.
func (a *Archiver) Fetch(ctx context.Context, agreementHash string) (*Bundle, error) {
	key := a.key(agreementHash)
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("fetch close pack %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(out.Body); err != nil {
		return nil, fmt.Errorf("read close pack %s: %w", key, err)
	}
	return Decode(buf.Bytes())
}

func (a *Archiver) key(agreementHash string) string {
	return a.prefix + "closepacks/" + agreementHash + ".json"
}
