//go:build integration

package s3

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/marmos91/filecollection/pkg/store/chunk"
	chunktesting "github.com/marmos91/filecollection/pkg/store/chunk/testing"
)

// setupTestS3 connects to Localstack (or another S3-compatible endpoint) and
// creates a bucket removed by the returned cleanup function.
func setupTestS3(t *testing.T, bucketName string) (*s3.Client, func()) {
	t.Helper()
	ctx := context.Background()

	endpoint := os.Getenv("LOCALSTACK_ENDPOINT")
	if endpoint == "" {
		endpoint = "http://localhost:4566"
	}

	client, err := NewS3ClientFromConfig(ctx, endpoint, "us-east-1", "test", "test", true)
	if err != nil {
		t.Fatalf("Failed to create S3 client: %v", err)
	}

	_, err = client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(bucketName),
	})
	if err != nil {
		t.Fatalf("Failed to create test bucket: %v", err)
	}

	cleanup := func() {
		paginator := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{
			Bucket: aws.String(bucketName),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				break
			}
			for _, obj := range page.Contents {
				_, _ = client.DeleteObject(ctx, &s3.DeleteObjectInput{
					Bucket: aws.String(bucketName),
					Key:    obj.Key,
				})
			}
		}

		_, _ = client.DeleteBucket(ctx, &s3.DeleteBucketInput{
			Bucket: aws.String(bucketName),
		})
	}

	return client, cleanup
}

// TestS3ChunkStore_Integration runs the chunk store suite against Localstack.
//
// Run with: go test -tags=integration ./pkg/store/chunk/s3/...
//
//	docker run --rm -p 4566:4566 localstack/localstack
func TestS3ChunkStore_Integration(t *testing.T) {
	ctx := context.Background()

	bucketName := "filecollection-test-bucket"
	client, cleanup := setupTestS3(t, bucketName)
	defer cleanup()

	testCounter := 0
	suite := &chunktesting.StoreTestSuite{
		NewStore: func() chunk.Store {
			testCounter++
			store, err := NewS3ChunkStore(ctx, S3ChunkStoreConfig{
				Client:     client,
				Bucket:     bucketName,
				KeyPrefix:  fmt.Sprintf("test-%d/", testCounter),
				Collection: "fs",
			})
			if err != nil {
				t.Fatalf("Failed to create S3 chunk store for test %d: %v", testCounter, err)
			}
			return store
		},
	}
	suite.Run(t)
}
