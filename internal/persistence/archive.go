package persistence

import (
	"CDPLedger/internal/core"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ErrArchiveNotFound is returned when no archived snapshot exists.
var ErrArchiveNotFound = errors.New("archived snapshot not found")

// ArchiveConfig configures an S3-compatible bucket (AWS, MinIO, R2).
type ArchiveConfig struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	AccessKey      string
	SecretKey      string
	ForcePathStyle bool
}

// objectAPI is the subset of *s3.Client the archiver uses.
type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// SnapshotArchiver copies snapshots to object storage so a node can recover
// after its Postgres snapshot table is pruned or lost.
type SnapshotArchiver struct {
	client objectAPI
	bucket string
	prefix string
}

// NewSnapshotArchiver builds an S3 client from cfg.
func NewSnapshotArchiver(ctx context.Context, cfg ArchiveConfig) (*SnapshotArchiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("archive: region is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(withScheme(cfg.Endpoint))
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return NewSnapshotArchiverWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewSnapshotArchiverWithClient wraps an existing client.
func NewSnapshotArchiverWithClient(client objectAPI, bucket, prefix string) *SnapshotArchiver {
	if prefix == "" {
		prefix = "snapshots"
	}
	return &SnapshotArchiver{client: client, bucket: bucket, prefix: prefix}
}

// Key returns the object key for a snapshot sequence. Sequences are zero
// padded so keys list in order.
func (a *SnapshotArchiver) Key(sequence int64) string {
	return fmt.Sprintf("%s/%020d.json", a.prefix, sequence)
}

// LatestKey is overwritten on every archive and points at the newest one.
func (a *SnapshotArchiver) LatestKey() string {
	return a.prefix + "/LATEST"
}

// Archive uploads the snapshot and moves the LATEST pointer. Returns the
// object key.
func (a *SnapshotArchiver) Archive(ctx context.Context, state *core.SnapshotState) (string, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("archive: marshal: %w", err)
	}
	key := a.Key(state.Sequence)

	if _, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	}); err != nil {
		return "", fmt.Errorf("archive: put %s: %w", key, err)
	}

	if _, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.LatestKey()),
		Body:        bytes.NewReader([]byte(key)),
		ContentType: aws.String("text/plain"),
	}); err != nil {
		return "", fmt.Errorf("archive: put latest: %w", err)
	}
	return key, nil
}

// FetchLatest downloads the snapshot LATEST points at.
func (a *SnapshotArchiver) FetchLatest(ctx context.Context) (*core.SnapshotState, error) {
	pointer, err := a.get(ctx, a.LatestKey())
	if err != nil {
		return nil, err
	}
	return a.Fetch(ctx, string(bytes.TrimSpace(pointer)))
}

// Fetch downloads and decodes the snapshot at key.
func (a *SnapshotArchiver) Fetch(ctx context.Context, key string) (*core.SnapshotState, error) {
	data, err := a.get(ctx, key)
	if err != nil {
		return nil, err
	}
	return DecodeSnapshot(data, snapshotFormatVersion)
}

func (a *SnapshotArchiver) get(ctx context.Context, key string) ([]byte, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("archive: get %s: %w", key, ErrArchiveNotFound)
		}
		return nil, fmt.Errorf("archive: get %s: %w", key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var httpErr interface{ HTTPStatusCode() int }
	return errors.As(err, &httpErr) && httpErr.HTTPStatusCode() == 404
}

func withScheme(endpoint string) string {
	if u, err := url.Parse(endpoint); err == nil && u.Scheme != "" {
		return endpoint
	}
	return "https://" + endpoint
}
