// Package test contains integration tests that exercise the key ring
// repository against a real object store.
package test

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
	"github.com/testcontainers/testcontainers-go"
	tcminio "github.com/testcontainers/testcontainers-go/modules/minio"

	"github.com/keychest/keychest/s3store"
)

const minioImage = "minio/minio:RELEASE.2024-01-16T16-07-38Z"

// MinIOTestServer manages a MinIO container shared by the integration
// tests. The testcontainers reaper removes the container when the test
// process exits.
type MinIOTestServer struct {
	Endpoint  string
	AccessKey string
	SecretKey string

	client *s3.Client
}

var (
	minioServer *MinIOTestServer
	minioOnce   sync.Once
	minioError  error
)

// StartMinIOServer starts a MinIO container, or returns the one already
// running for this test process. Tests are skipped when no container
// runtime is available.
func StartMinIOServer(t *testing.T) *MinIOTestServer {
	t.Helper()

	minioOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		container, err := tcminio.Run(ctx, minioImage,
			testcontainers.WithLogger(log.New(io.Discard, "", 0)))
		if err != nil {
			minioError = fmt.Errorf("failed to start MinIO container: %w", err)
			return
		}

		endpoint, err := container.ConnectionString(ctx)
		if err != nil {
			minioError = fmt.Errorf("failed to resolve MinIO endpoint: %w", err)
			return
		}

		server := &MinIOTestServer{
			Endpoint:  "http://" + endpoint,
			AccessKey: container.Username,
			SecretKey: container.Password,
		}

		client, err := s3store.NewClient(ctx, server.ClientConfig())
		if err != nil {
			minioError = fmt.Errorf("failed to create S3 client: %w", err)
			return
		}
		server.client = client
		minioServer = server
	})

	if minioError != nil {
		t.Skipf("MinIO not available: %v", minioError)
		return nil
	}

	return minioServer
}

// ClientConfig returns connection settings pointing at the container.
func (s *MinIOTestServer) ClientConfig() s3store.ClientConfig {
	return s3store.ClientConfig{
		Provider:  "minio",
		Endpoint:  s.Endpoint,
		AccessKey: s.AccessKey,
		SecretKey: s.SecretKey,
	}
}

// CreateBucket creates a fresh bucket so tests do not see each other's
// objects.
func (s *MinIOTestServer) CreateBucket(t *testing.T) string {
	t.Helper()

	bucket := fmt.Sprintf("keychest-test-%d", time.Now().UnixNano())
	_, err := s.client.CreateBucket(context.Background(), &s3.CreateBucketInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		t.Fatalf("Failed to create bucket %s: %v", bucket, err)
	}
	return bucket
}

// NewRepository builds a repository on the container using the given
// configuration.
func (s *MinIOTestServer) NewRepository(t *testing.T, cfg s3store.Config) *s3store.Repository {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	repo, err := s3store.NewRepository(s.client, cfg, logger, nil, nil)
	if err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}
	return repo
}

// RawClient exposes the underlying S3 client for test setup and for
// inspecting stored objects directly.
func (s *MinIOTestServer) RawClient() *s3.Client {
	return s.client
}
