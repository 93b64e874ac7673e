package test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/beevik/etree"

	"github.com/keychest/keychest/keyxml"
	"github.com/keychest/keychest/s3store"
)

// metadataValue looks a metadata key up without assuming the casing the SDK
// used when it lifted the key out of the response headers.
func metadataValue(metadata map[string]string, key string) string {
	if v, ok := metadata[key]; ok {
		return v
	}
	for k, v := range metadata {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

func newKeyDocument(id string) *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	key := doc.CreateElement("key")
	key.CreateAttr("id", id)
	key.CreateAttr("version", "1")
	key.CreateElement("creationDate").SetText("2025-06-01T12:00:00Z")
	descriptor := key.CreateElement("descriptor")
	descriptor.CreateElement("masterKey").SetText("c2VjcmV0LWtleS1tYXRlcmlhbA==")
	return doc
}

func TestRepository_MinIO_RoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	server := StartMinIOServer(t)
	bucket := server.CreateBucket(t)
	repo := server.NewRepository(t, s3store.Config{Bucket: bucket})

	ctx := context.Background()
	want := map[string]*etree.Document{}
	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("ring-key-%d", i)
		doc := newKeyDocument(name)
		want[name] = doc
		if err := repo.Store(ctx, doc, name); err != nil {
			t.Fatalf("Store(%s): %v", name, err)
		}
	}

	infos, err := repo.GetAllInfo(ctx)
	if err != nil {
		t.Fatalf("GetAllInfo: %v", err)
	}
	if len(infos) != len(want) {
		t.Fatalf("expected %d documents, got %d", len(want), len(infos))
	}

	for _, info := range infos {
		original, ok := want[info.FriendlyName]
		if !ok {
			t.Errorf("unexpected document %q (key %s)", info.FriendlyName, info.Key)
			continue
		}
		if !keyxml.Equal(info.Document, original) {
			t.Errorf("document %q did not round-trip intact", info.FriendlyName)
		}
		if !strings.HasPrefix(info.Key, s3store.DefaultKeyPrefix) {
			t.Errorf("key %q does not carry the default prefix", info.Key)
		}
	}
}

func TestRepository_MinIO_EmptyKeyRing(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	server := StartMinIOServer(t)
	bucket := server.CreateBucket(t)
	repo := server.NewRepository(t, s3store.Config{Bucket: bucket})

	docs, err := repo.GetAll(context.Background())
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if docs == nil {
		t.Fatal("expected an empty slice, got nil")
	}
	if len(docs) != 0 {
		t.Fatalf("expected an empty key ring, got %d documents", len(docs))
	}
}

func TestRepository_MinIO_CompressionInterop(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	server := StartMinIOServer(t)
	bucket := server.CreateBucket(t)
	ctx := context.Background()

	gzipWriter := server.NewRepository(t, s3store.Config{Bucket: bucket})
	plainWriter := server.NewRepository(t, s3store.Config{Bucket: bucket, DisableCompression: true})

	if err := gzipWriter.Store(ctx, newKeyDocument("compressed"), "compressed"); err != nil {
		t.Fatalf("Store compressed: %v", err)
	}
	if err := plainWriter.Store(ctx, newKeyDocument("plain"), "plain"); err != nil {
		t.Fatalf("Store plain: %v", err)
	}

	// Either writer's configuration reads both documents back: decompression
	// follows the stored content encoding, not the reader's own settings.
	for name, reader := range map[string]*s3store.Repository{
		"gzip configured reader":  gzipWriter,
		"plain configured reader": plainWriter,
	} {
		infos, err := reader.GetAllInfo(ctx)
		if err != nil {
			t.Fatalf("%s GetAllInfo: %v", name, err)
		}
		if len(infos) != 2 {
			t.Fatalf("%s: expected 2 documents, got %d", name, len(infos))
		}
		for _, info := range infos {
			if root := info.Document.Root(); root == nil || root.Tag != "key" {
				t.Errorf("%s: document %q did not parse to a key element", name, info.FriendlyName)
			}
		}
	}

	// The stored objects really do differ in encoding.
	infos, err := gzipWriter.GetAllInfo(ctx)
	if err != nil {
		t.Fatalf("GetAllInfo: %v", err)
	}
	encodings := map[string]string{}
	for _, info := range infos {
		head, err := server.RawClient().HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(info.Key),
		})
		if err != nil {
			t.Fatalf("HeadObject(%s): %v", info.Key, err)
		}
		encodings[info.FriendlyName] = aws.ToString(head.ContentEncoding)
	}
	if encodings["compressed"] != "gzip" {
		t.Errorf("compressed document stored with encoding %q", encodings["compressed"])
	}
	if encodings["plain"] != "" {
		t.Errorf("plain document stored with encoding %q", encodings["plain"])
	}
}

func TestRepository_MinIO_SkipsFolderPlaceholders(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	server := StartMinIOServer(t)
	bucket := server.CreateBucket(t)
	ctx := context.Background()

	// Console-created folder placeholder: zero length, trailing slash.
	_, err := server.RawClient().PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(s3store.DefaultKeyPrefix),
		Body:   strings.NewReader(""),
	})
	if err != nil {
		t.Fatalf("PutObject placeholder: %v", err)
	}

	repo := server.NewRepository(t, s3store.Config{Bucket: bucket})
	if err := repo.Store(ctx, newKeyDocument("real"), "real"); err != nil {
		t.Fatalf("Store: %v", err)
	}

	docs, err := repo.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected the placeholder to be skipped, got %d documents", len(docs))
	}
}

func TestRepository_MinIO_StoredObjectShape(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	server := StartMinIOServer(t)
	bucket := server.CreateBucket(t)
	ctx := context.Background()

	repo := server.NewRepository(t, s3store.Config{Bucket: bucket})
	if err := repo.Store(ctx, newKeyDocument("primary"), "primary"); err != nil {
		t.Fatalf("Store: %v", err)
	}

	infos, err := repo.GetAllInfo(ctx)
	if err != nil {
		t.Fatalf("GetAllInfo: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("expected 1 document, got %d", len(infos))
	}

	head, err := server.RawClient().HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(infos[0].Key),
	})
	if err != nil {
		t.Fatalf("HeadObject: %v", err)
	}

	if got := aws.ToString(head.ContentType); got != "text/xml" {
		t.Errorf("content type = %q, want text/xml", got)
	}
	if got := aws.ToString(head.ContentEncoding); got != "gzip" {
		t.Errorf("content encoding = %q, want gzip", got)
	}
	if got := aws.ToString(head.ContentDisposition); got != `attachment; filename="primary.xml"` {
		t.Errorf("content disposition = %q", got)
	}
	if got := metadataValue(head.Metadata, s3store.MetadataFriendlyName); got != "primary" {
		t.Errorf("friendly-name metadata = %q", got)
	}
	digest := metadataValue(head.Metadata, s3store.MetadataMD5Hash)
	if len(digest) != 32 {
		t.Errorf("md5-hash metadata = %q, want a 32 character hex digest", digest)
	}
}

func TestRepository_MinIO_ETagValidation(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	server := StartMinIOServer(t)
	bucket := server.CreateBucket(t)
	ctx := context.Background()

	// MinIO returns plain MD5 ETags for single part uploads, so the ETag
	// integrity path is exercised end to end.
	repo := server.NewRepository(t, s3store.Config{Bucket: bucket, ValidateETag: true})

	for i := 0; i < 3; i++ {
		name := fmt.Sprintf("etag-%d", i)
		if err := repo.Store(ctx, newKeyDocument(name), name); err != nil {
			t.Fatalf("Store(%s): %v", name, err)
		}
	}

	docs, err := repo.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll with ETag validation: %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("expected 3 documents, got %d", len(docs))
	}
}

func TestRepository_MinIO_LargerRing(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	server := StartMinIOServer(t)
	bucket := server.CreateBucket(t)
	ctx := context.Background()

	repo := server.NewRepository(t, s3store.Config{
		Bucket:              bucket,
		MaxFetchConcurrency: 4,
	})

	const count = 40
	for i := 0; i < count; i++ {
		name := fmt.Sprintf("bulk-%02d", i)
		if err := repo.Store(ctx, newKeyDocument(name), name); err != nil {
			t.Fatalf("Store(%s): %v", name, err)
		}
	}

	infos, err := repo.GetAllInfo(ctx)
	if err != nil {
		t.Fatalf("GetAllInfo: %v", err)
	}
	if len(infos) != count {
		t.Fatalf("expected %d documents, got %d", count, len(infos))
	}

	seen := map[string]bool{}
	for _, info := range infos {
		if seen[info.FriendlyName] {
			t.Errorf("document %q appeared twice", info.FriendlyName)
		}
		seen[info.FriendlyName] = true
		if root := info.Document.Root(); root == nil || root.SelectAttrValue("id", "") != info.FriendlyName {
			t.Errorf("document %q carries the wrong key id", info.FriendlyName)
		}
	}
}
