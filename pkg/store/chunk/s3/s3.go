// Package s3 implements a chunk store on Amazon S3 or S3-compatible storage.
//
// Each chunk is one object:
//
//	<keyPrefix><name>.chunks/<fileID>/<seq, 10 digits zero-padded>
//
// Zero padding makes the lexicographic listing order of ListObjectsV2 equal
// to sequence order.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/marmos91/filecollection/pkg/store"
	"github.com/marmos91/filecollection/pkg/store/chunk"
)

// S3 allows at most 1000 keys per DeleteObjects request.
const maxDeleteBatch = 1000

// Metrics receives per-operation observations. Optional.
type Metrics interface {
	ObserveOperation(operation string, duration time.Duration, err error)
	RecordBytes(operation string, bytes int64)
}

type noopMetrics struct{}

func (noopMetrics) ObserveOperation(string, time.Duration, error) {}
func (noopMetrics) RecordBytes(string, int64)                    {}

// S3ChunkStore implements chunk.Store on an S3 bucket.
//
// Thread Safety:
// Safe for concurrent use. Concurrent writes to the same chunk are
// last-write-wins.
type S3ChunkStore struct {
	client  *s3.Client
	bucket  string
	prefix  string
	metrics Metrics
}

var _ chunk.Store = (*S3ChunkStore)(nil)

// S3ChunkStoreConfig contains configuration for the S3 chunk store.
type S3ChunkStoreConfig struct {
	// Client is the configured S3 client
	Client *s3.Client

	// Bucket is the S3 bucket name (must exist)
	Bucket string

	// KeyPrefix is an optional prefix for all object keys
	// Example: "filecollection/" results in keys like "filecollection/fs.chunks/..."
	KeyPrefix string

	// Collection is the collection name used to namespace chunk keys
	Collection string

	// Metrics is an optional observer
	Metrics Metrics
}

// NewS3ChunkStore creates a chunk store and verifies bucket access.
func NewS3ChunkStore(ctx context.Context, cfg S3ChunkStoreConfig) (*S3ChunkStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if cfg.Client == nil {
		return nil, fmt.Errorf("S3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("collection name is required")
	}

	_, err := cfg.Client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(cfg.Bucket),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to access bucket %q: %w", cfg.Bucket, err)
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}

	return &S3ChunkStore{
		client:  cfg.Client,
		bucket:  cfg.Bucket,
		prefix:  cfg.KeyPrefix + cfg.Collection + ".chunks/",
		metrics: metrics,
	}, nil
}

// NewS3ClientFromConfig builds an S3 client from static settings.
//
// An empty endpoint uses the AWS default resolver. Empty credentials fall
// back to the default AWS credential chain (env, shared config, IMDS).
func NewS3ClientFromConfig(ctx context.Context, endpoint, region, accessKeyID, secretAccessKey string, forcePathStyle bool) (*s3.Client, error) {
	opts := []func(*awsConfig.LoadOptions) error{
		awsConfig.WithRegion(region),
	}
	if accessKeyID != "" && secretAccessKey != "" {
		opts = append(opts, awsConfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}

	cfg, err := awsConfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = forcePathStyle
	}), nil
}

func (s *S3ChunkStore) fileKey(fileID uuid.UUID) string {
	return s.prefix + fileID.String() + "/"
}

func (s *S3ChunkStore) chunkKey(fileID uuid.UUID, seq uint32) string {
	return fmt.Sprintf("%s%010d", s.fileKey(fileID), seq)
}

// WriteChunk uploads one chunk object.
func (s *S3ChunkStore) WriteChunk(ctx context.Context, fileID uuid.UUID, seq uint32, data []byte) (err error) {
	start := time.Now()
	defer func() {
		s.metrics.ObserveOperation("WriteChunk", time.Since(start), err)
	}()

	if err = ctx.Err(); err != nil {
		return err
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.chunkKey(fileID, seq)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("failed to write chunk to S3: %w", err)
	}

	s.metrics.RecordBytes("write", int64(len(data)))
	return nil
}

// ReadChunk downloads one chunk object.
func (s *S3ChunkStore) ReadChunk(ctx context.Context, fileID uuid.UUID, seq uint32) (data []byte, err error) {
	start := time.Now()
	defer func() {
		s.metrics.ObserveOperation("ReadChunk", time.Since(start), err)
	}()

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.chunkKey(fileID, seq)),
	})
	if err != nil {
		var notFound *types.NoSuchKey
		if errors.As(err, &notFound) {
			err = store.ResourceError(store.ErrNotFound, fileID.String(),
				fmt.Sprintf("chunk %d not found", seq))
			return nil, err
		}
		return nil, fmt.Errorf("failed to get chunk from S3: %w", err)
	}
	defer func() { _ = result.Body.Close() }()

	data, err = io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk body: %w", err)
	}

	s.metrics.RecordBytes("read", int64(len(data)))
	return data, nil
}

// List pages through the objects of fileID.
func (s *S3ChunkStore) List(ctx context.Context, fileID uuid.UUID) ([]chunk.Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := s.fileKey(fileID)
	infos := []chunk.Info{}

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list chunks: %w", err)
		}

		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			seq, err := strconv.ParseUint(strings.TrimPrefix(*obj.Key, prefix), 10, 32)
			if err != nil {
				continue
			}
			infos = append(infos, chunk.Info{
				Sequence: uint32(seq),
				Size:     aws.ToInt64(obj.Size),
			})
		}
	}

	return infos, nil
}

// DeleteChunk removes one chunk object. S3 DeleteObject succeeds on a
// missing key.
func (s *S3ChunkStore) DeleteChunk(ctx context.Context, fileID uuid.UUID, seq uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.chunkKey(fileID, seq)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete chunk from S3: %w", err)
	}
	return nil
}

// DeleteAll removes every chunk of fileID in batches of 1000 keys.
func (s *S3ChunkStore) DeleteAll(ctx context.Context, fileID uuid.UUID) error {
	infos, err := s.List(ctx, fileID)
	if err != nil {
		return err
	}

	for i := 0; i < len(infos); i += maxDeleteBatch {
		if err := ctx.Err(); err != nil {
			return err
		}

		end := min(i+maxDeleteBatch, len(infos))
		objects := make([]types.ObjectIdentifier, 0, end-i)
		for _, info := range infos[i:end] {
			objects = append(objects, types.ObjectIdentifier{
				Key: aws.String(s.chunkKey(fileID, info.Sequence)),
			})
		}

		result, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{
				Objects: objects,
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			return fmt.Errorf("failed to delete chunks from S3: %w", err)
		}
		if len(result.Errors) > 0 {
			first := result.Errors[0]
			return fmt.Errorf("failed to delete %d chunks, first %s: %s",
				len(result.Errors), aws.ToString(first.Key), aws.ToString(first.Message))
		}
	}
	return nil
}

// Files lists the per-file common prefixes under the collection namespace.
func (s *S3ChunkStore) Files(ctx context.Context) ([]uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var ids []uuid.UUID

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(s.prefix),
		Delimiter: aws.String("/"),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list files: %w", err)
		}

		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), s.prefix), "/")
			id, err := uuid.Parse(name)
			if err != nil {
				continue
			}
			ids = append(ids, id)
		}
	}

	return ids, nil
}
