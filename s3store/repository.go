// Package s3store persists key ring documents in an S3-compatible object
// store.
//
// Documents are opaque XML payloads. Each one is written under a fresh
// UUID-based object key, optionally gzip-compressed, and carries its own MD5
// digest in object metadata so later reads can detect corruption regardless
// of which instance (or configuration) wrote the object.
package s3store

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/beevik/etree"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/keychest/keychest/internal/audit"
	"github.com/keychest/keychest/internal/metrics"
	"github.com/keychest/keychest/keyring"
	"github.com/keychest/keychest/keyxml"
)

// Metadata keys written on every stored key document.
const (
	MetadataMD5Hash      = "md5-hash"
	MetadataFriendlyName = "friendly-name"
)

const (
	contentTypeXML      = "text/xml"
	contentEncodingGzip = "gzip"
)

var tracer = otel.Tracer("github.com/keychest/keychest/s3store")

// DocumentInfo is a fetched key document together with its storage details.
type DocumentInfo struct {
	Document *etree.Document

	// Key is the object key the document was read from.
	Key string

	// FriendlyName is the display name recorded when the document was
	// stored. Empty when the writer recorded none.
	FriendlyName string
}

// Repository stores and retrieves key ring documents in a single bucket.
// It implements keyring.Repository.
type Repository struct {
	client   S3API
	cfg      Config
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	auditLog audit.Logger
}

var _ keyring.Repository = (*Repository)(nil)

// NewRepository creates a repository over client. cfg must validate; metrics
// and auditLog may be nil.
func NewRepository(client S3API, cfg Config, logger *logrus.Logger, m *metrics.Metrics, auditLog audit.Logger) (*Repository, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: client is required", ErrConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	cfg = cfg.withDefaults()

	logger.WithFields(logrus.Fields{
		"bucket":     cfg.Bucket,
		"prefix":     cfg.KeyPrefix,
		"encryption": cfg.Encryption.String(),
	}).Debug("Key document repository configured")

	return &Repository{
		client:   client,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		auditLog: auditLog,
	}, nil
}

// GetAll fetches every key document under the configured prefix. The result
// order is not significant. An empty key ring yields an empty slice, not an
// error.
func (r *Repository) GetAll(ctx context.Context) ([]*etree.Document, error) {
	infos, err := r.GetAllInfo(ctx)
	if err != nil {
		return nil, err
	}
	docs := make([]*etree.Document, len(infos))
	for i, info := range infos {
		docs[i] = info.Document
	}
	return docs, nil
}

// GetAllInfo is GetAll with the object key and friendly name of each
// document.
func (r *Repository) GetAllInfo(ctx context.Context) ([]DocumentInfo, error) {
	ctx, span := tracer.Start(ctx, "keyring.GetAll")
	defer span.End()
	span.SetAttributes(attribute.String("bucket", r.cfg.Bucket))

	start := time.Now()
	infos, err := r.loadAll(ctx)
	duration := time.Since(start)

	if err != nil {
		if r.auditLog != nil {
			r.auditLog.LogFetch(r.cfg.Bucket, 0, false, err, duration)
		}
		span.RecordError(err)
		return nil, err
	}

	if r.auditLog != nil {
		r.auditLog.LogFetch(r.cfg.Bucket, len(infos), true, nil, duration)
	}
	span.SetAttributes(attribute.Int("documents", len(infos)))
	r.logger.WithFields(logrus.Fields{
		"bucket":      r.cfg.Bucket,
		"documents":   len(infos),
		"duration_ms": duration.Milliseconds(),
	}).Info("Loaded key ring")
	return infos, nil
}

func (r *Repository) loadAll(ctx context.Context) ([]DocumentInfo, error) {
	keys, err := r.listKeys(ctx)
	if err != nil {
		return nil, err
	}
	return r.fetchAll(ctx, keys)
}

// Store writes doc as a new object under the configured prefix. The object
// key is generated; friendlyName is recorded in metadata only and never
// addresses the object.
func (r *Repository) Store(ctx context.Context, doc *etree.Document, friendlyName string) error {
	ctx, span := tracer.Start(ctx, "keyring.Store")
	defer span.End()
	span.SetAttributes(attribute.String("bucket", r.cfg.Bucket))

	start := time.Now()
	key, err := r.storeDocument(ctx, doc, friendlyName)
	duration := time.Since(start)

	if r.auditLog != nil {
		r.auditLog.LogStore(r.cfg.Bucket, key, friendlyName, err == nil, err, duration, nil)
	}
	if err != nil {
		span.RecordError(err)
		return err
	}

	r.logger.WithFields(logrus.Fields{
		"bucket":        r.cfg.Bucket,
		"key":           key,
		"friendly_name": friendlyName,
		"duration_ms":   duration.Milliseconds(),
	}).Info("Stored key document")
	return nil
}

// listKeys walks the paginated listing and returns the object keys holding
// key documents.
func (r *Repository) listKeys(ctx context.Context) ([]string, error) {
	var keys []string
	var continuation *string

	for {
		listStart := time.Now()
		out, err := r.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(r.cfg.Bucket),
			Prefix:            aws.String(r.cfg.KeyPrefix),
			ContinuationToken: continuation,
		})
		if err != nil {
			r.metrics.RecordS3Error(ctx, "ListObjectsV2", r.cfg.Bucket, metrics.ErrorType(err))
			return nil, fmt.Errorf("failed to list key documents in bucket %s: %w", r.cfg.Bucket, err)
		}
		r.metrics.RecordS3Operation(ctx, "ListObjectsV2", r.cfg.Bucket, time.Since(listStart))

		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			// Zero-length keys ending in "/" are folder placeholders
			// created by console tools, not documents.
			if strings.HasSuffix(key, "/") && aws.ToInt64(obj.Size) == 0 {
				continue
			}
			keys = append(keys, key)
		}

		if !aws.ToBool(out.IsTruncated) {
			return keys, nil
		}
		continuation = out.NextContinuationToken
	}
}

// fetchAll downloads the listed objects with bounded concurrency. A failed
// fetch does not interrupt the others, but any failure fails the whole
// operation once all fetches settle.
func (r *Repository) fetchAll(ctx context.Context, keys []string) ([]DocumentInfo, error) {
	if len(keys) == 0 {
		return []DocumentInfo{}, nil
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	sem := make(chan struct{}, r.cfg.MaxFetchConcurrency)
	infos := make([]DocumentInfo, len(keys))

	setErr := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	for i, key := range keys {
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				setErr(ctx.Err())
				return
			}

			info, err := r.fetchOne(ctx, key)
			if err != nil {
				setErr(err)
				return
			}
			infos[i] = info
		}(i, key)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return infos, nil
}

func (r *Repository) fetchOne(ctx context.Context, key string) (DocumentInfo, error) {
	start := time.Now()

	input := &s3.GetObjectInput{
		Bucket: aws.String(r.cfg.Bucket),
		Key:    aws.String(key),
	}
	r.cfg.Encryption.applyToGet(input)

	out, err := r.client.GetObject(ctx, input)
	if err != nil {
		r.metrics.RecordS3Error(ctx, "GetObject", r.cfg.Bucket, metrics.ErrorType(err))
		return DocumentInfo{}, fmt.Errorf("failed to get key document %s/%s: %w", r.cfg.Bucket, key, err)
	}
	defer out.Body.Close()

	doc, err := r.readDocument(ctx, key, out)
	if err != nil {
		return DocumentInfo{}, err
	}
	r.metrics.RecordS3Operation(ctx, "GetObject", r.cfg.Bucket, time.Since(start))

	r.logger.WithFields(logrus.Fields{
		"bucket": r.cfg.Bucket,
		"key":    key,
	}).Debug("Fetched key document")

	return DocumentInfo{
		Document:     doc,
		Key:          key,
		FriendlyName: metadataValue(out.Metadata, MetadataFriendlyName),
	}, nil
}

// readDocument decodes and verifies a fetched object. The digest always
// covers the stored bytes, so it is computed before decompression.
// Decompression is decided solely by the stored Content-Encoding, never by
// the repository's own compression setting.
func (r *Repository) readDocument(ctx context.Context, key string, out *s3.GetObjectOutput) (*etree.Document, error) {
	expected, check := r.expectedDigest(out)

	var body io.Reader = out.Body
	hasher := md5.New()
	if expected != "" {
		body = io.TeeReader(body, hasher)
	}

	if strings.EqualFold(aws.ToString(out.ContentEncoding), contentEncodingGzip) {
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream for key document %s: %w", key, err)
		}
		defer gz.Close()
		body = gz
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read key document %s/%s: %w", r.cfg.Bucket, key, err)
	}

	if expected != "" {
		actual := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(actual, expected) {
			r.metrics.RecordIntegrityFailure(ctx, r.cfg.Bucket, check)
			r.logger.WithFields(logrus.Fields{
				"bucket":   r.cfg.Bucket,
				"key":      key,
				"check":    check,
				"expected": expected,
				"actual":   actual,
			}).Error("Key document failed integrity check")
			return nil, fmt.Errorf("%w: key document %s digest %s does not match recorded %s", ErrIntegrity, key, actual, expected)
		}
	}

	doc, err := keyxml.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("key document %s: %w", key, err)
	}
	return doc, nil
}

// expectedDigest picks the digest a fetched object must match, and the name
// of the check for metrics. The ETag path applies only when the object's own
// encryption leaves ETags as plain MD5 digests; objects written by KMS or
// customer-key configurations fall through to the metadata digest.
func (r *Repository) expectedDigest(out *s3.GetObjectOutput) (digest, check string) {
	if r.cfg.ValidateETag && etagIsMD5(out) {
		etag := strings.Trim(aws.ToString(out.ETag), `"`)
		if isHexMD5(etag) {
			return etag, "etag"
		}
	}
	if !r.cfg.DisableIntegrityCheck {
		if v := metadataValue(out.Metadata, MetadataMD5Hash); v != "" {
			return v, "metadata"
		}
	}
	return "", ""
}

func (r *Repository) storeDocument(ctx context.Context, doc *etree.Document, friendlyName string) (string, error) {
	id := uuid.NewString()
	key := r.cfg.KeyPrefix + id + ".xml"

	plain, err := keyxml.Serialize(doc)
	if err != nil {
		return key, err
	}

	payload := plain
	var contentEncoding *string
	if !r.cfg.DisableCompression {
		compressed, err := gzipBytes(plain)
		if err != nil {
			return key, fmt.Errorf("failed to compress key document: %w", err)
		}
		payload = compressed
		contentEncoding = aws.String(contentEncodingGzip)
	}

	sum := md5.Sum(payload)
	hexMD5 := hex.EncodeToString(sum[:])

	filename := friendlyName
	if filename == "" {
		filename = id
	}

	input := &s3.PutObjectInput{
		Bucket:             aws.String(r.cfg.Bucket),
		Key:                aws.String(key),
		Body:               bytes.NewReader(payload),
		ContentType:        aws.String(contentTypeXML),
		ContentDisposition: aws.String(fmt.Sprintf("attachment; filename=%q", filename+".xml")),
		ContentEncoding:    contentEncoding,
		ContentMD5:         aws.String(base64.StdEncoding.EncodeToString(sum[:])),
		Metadata: map[string]string{
			MetadataMD5Hash:      hexMD5,
			MetadataFriendlyName: friendlyName,
		},
	}
	if r.cfg.StorageClass != "" {
		input.StorageClass = r.cfg.StorageClass
	}
	r.cfg.Encryption.applyToPut(input)

	putStart := time.Now()
	if _, err := r.client.PutObject(ctx, input); err != nil {
		r.metrics.RecordS3Error(ctx, "PutObject", r.cfg.Bucket, metrics.ErrorType(err))
		return key, fmt.Errorf("failed to put key document %s/%s: %w", r.cfg.Bucket, key, err)
	}
	r.metrics.RecordS3Operation(ctx, "PutObject", r.cfg.Bucket, time.Since(putStart))

	if !r.cfg.DisableIntegrityCheck {
		if err := r.verifyStored(ctx, key, hexMD5); err != nil {
			return key, err
		}
	}
	return key, nil
}

// verifyStored reads back the metadata of a freshly written object and
// checks the recorded digest survived the round trip.
func (r *Repository) verifyStored(ctx context.Context, key, expectedMD5 string) error {
	input := &s3.HeadObjectInput{
		Bucket: aws.String(r.cfg.Bucket),
		Key:    aws.String(key),
	}
	r.cfg.Encryption.applyToHead(input)

	headStart := time.Now()
	out, err := r.client.HeadObject(ctx, input)
	if err != nil {
		r.metrics.RecordS3Error(ctx, "HeadObject", r.cfg.Bucket, metrics.ErrorType(err))
		return fmt.Errorf("failed to read back key document %s/%s: %w", r.cfg.Bucket, key, err)
	}
	r.metrics.RecordS3Operation(ctx, "HeadObject", r.cfg.Bucket, time.Since(headStart))

	stored := metadataValue(out.Metadata, MetadataMD5Hash)
	if !strings.EqualFold(stored, expectedMD5) {
		r.metrics.RecordIntegrityFailure(ctx, r.cfg.Bucket, "post_store")
		return fmt.Errorf("%w: stored key document %s reports digest %q, expected %s", ErrIntegrity, key, stored, expectedMD5)
	}
	return nil
}

// etagIsMD5 reports whether the object's encryption leaves its ETag as the
// plain MD5 of the stored bytes. SSE-KMS and SSE-C rewrite ETags; plaintext
// and SSE-S3 objects keep them.
func etagIsMD5(out *s3.GetObjectOutput) bool {
	switch out.ServerSideEncryption {
	case "", types.ServerSideEncryptionAes256:
	default:
		return false
	}
	return aws.ToString(out.SSECustomerAlgorithm) == ""
}

// isHexMD5 reports whether s looks like a bare single-part MD5 ETag.
// Multipart ETags carry a part-count suffix and never match.
func isHexMD5(s string) bool {
	if len(s) != 32 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// metadataValue looks up a user metadata entry regardless of the key casing
// the SDK or provider returned.
func metadataValue(md map[string]string, key string) string {
	if v, ok := md[key]; ok {
		return v
	}
	for k, v := range md {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
