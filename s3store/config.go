package s3store

import (
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const (
	// DefaultKeyPrefix locates the key ring inside the bucket when no
	// prefix is configured.
	DefaultKeyPrefix = "key-ring/"

	// DefaultMaxFetchConcurrency bounds parallel object fetches during
	// GetAll when no limit is configured.
	DefaultMaxFetchConcurrency = 10
)

var (
	// ErrConfig marks repository configuration that fails validation.
	ErrConfig = errors.New("s3store: invalid configuration")

	// ErrIntegrity marks a stored key document whose digest does not match
	// the digest recorded when it was written.
	ErrIntegrity = errors.New("s3store: integrity check failed")
)

// Config controls the key document repository. Boolean fields are named so
// the zero value selects the safe default: compression on, digest
// verification on, ETag validation off.
type Config struct {
	// Bucket receiving the key documents. Required.
	Bucket string

	// KeyPrefix is prepended to every generated object key. Defaults to
	// DefaultKeyPrefix and must satisfy IsSafeKey.
	KeyPrefix string

	// MaxFetchConcurrency bounds how many objects GetAll downloads at
	// once. Defaults to DefaultMaxFetchConcurrency.
	MaxFetchConcurrency int

	// StorageClass for newly stored documents. Empty means the bucket
	// default (STANDARD).
	StorageClass types.StorageClass

	// Encryption selects the at-rest encryption mode. nil means
	// NoEncryption.
	Encryption Encryption

	// DisableCompression stores documents without gzip compression.
	// Reads remain compatible either way: decompression follows the
	// stored Content-Encoding, not this flag.
	DisableCompression bool

	// DisableIntegrityCheck skips digest verification when fetching and
	// the read-back check after storing.
	DisableIntegrityCheck bool

	// ValidateETag additionally accepts a single-part ETag as the object
	// digest when the object's encryption leaves ETags as plain MD5
	// checksums.
	ValidateETag bool
}

// Validate reports whether the configuration can back a repository.
func (c Config) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("%w: bucket is required", ErrConfig)
	}
	prefix := c.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if !IsSafeKey(prefix) {
		return fmt.Errorf("%w: key prefix %q is not a safe object key", ErrConfig, prefix)
	}
	if c.Encryption != nil {
		if err := c.Encryption.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.KeyPrefix == "" {
		c.KeyPrefix = DefaultKeyPrefix
	}
	if c.MaxFetchConcurrency <= 0 {
		c.MaxFetchConcurrency = DefaultMaxFetchConcurrency
	}
	if c.Encryption == nil {
		c.Encryption = NoEncryption{}
	}
	return c
}

// IsSafeKey reports whether s is usable as an object key or key prefix
// without escaping on any S3-compatible store: non-empty, no leading slash,
// and only letters, digits and the characters ! - _ . * ' ( ) /.
func IsSafeKey(s string) bool {
	if s == "" || s[0] == '/' {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '!' || c == '-' || c == '_' || c == '.' ||
			c == '*' || c == '\'' || c == '(' || c == ')' || c == '/':
		default:
			return false
		}
	}
	return true
}
