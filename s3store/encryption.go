package s3store

import (
	"crypto/md5"
	"encoding/base64"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const sseCustomerAlgorithm = "AES256"

// Encryption selects how stored key documents are encrypted at rest. Exactly
// one mode is ever in force; a nil Config.Encryption means NoEncryption.
//
// The interface is sealed: implementations live in this package so that
// conflicting modes cannot be combined.
type Encryption interface {
	applyToPut(input *s3.PutObjectInput)
	applyToGet(input *s3.GetObjectInput)
	applyToHead(input *s3.HeadObjectInput)
	validate() error

	// String names the mode for logs and diagnostics.
	String() string
}

// NoEncryption stores key documents without requesting server-side
// encryption. Only appropriate when documents are already encrypted at the
// application layer, for example through an envelope encryptor.
type NoEncryption struct{}

func (NoEncryption) applyToPut(*s3.PutObjectInput)   {}
func (NoEncryption) applyToGet(*s3.GetObjectInput)   {}
func (NoEncryption) applyToHead(*s3.HeadObjectInput) {}
func (NoEncryption) validate() error                 { return nil }
func (NoEncryption) String() string                  { return "none" }

// ServerSideEncryption requests SSE-S3: the object store encrypts with keys
// it manages itself (AES-256).
type ServerSideEncryption struct{}

func (ServerSideEncryption) applyToPut(input *s3.PutObjectInput) {
	input.ServerSideEncryption = types.ServerSideEncryptionAes256
}
func (ServerSideEncryption) applyToGet(*s3.GetObjectInput)   {}
func (ServerSideEncryption) applyToHead(*s3.HeadObjectInput) {}
func (ServerSideEncryption) validate() error                 { return nil }
func (ServerSideEncryption) String() string                  { return "sse-s3" }

// KMSEncryption requests SSE-KMS: the object store encrypts under the given
// KMS key before writing to disk.
type KMSEncryption struct {
	// KeyID is the KMS key id, alias or ARN. Required.
	KeyID string
}

func (e KMSEncryption) applyToPut(input *s3.PutObjectInput) {
	input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
	input.SSEKMSKeyId = aws.String(e.KeyID)
}
func (KMSEncryption) applyToGet(*s3.GetObjectInput)   {}
func (KMSEncryption) applyToHead(*s3.HeadObjectInput) {}

func (e KMSEncryption) validate() error {
	if e.KeyID == "" {
		return fmt.Errorf("%w: KMS encryption requires a key id", ErrConfig)
	}
	return nil
}
func (KMSEncryption) String() string { return "sse-kms" }

// CustomerKeyEncryption supplies an SSE-C key with every request: the object
// store encrypts with it but never persists it, so reads must present the
// same key.
type CustomerKeyEncryption struct {
	// Key is the base64-encoded 256-bit encryption key. Required.
	Key string
	// KeyMD5 is the base64-encoded MD5 digest of the raw key. Required.
	KeyMD5 string
}

// NewCustomerKeyEncryption derives the encoded key and digest from raw key
// bytes.
func NewCustomerKeyEncryption(key []byte) CustomerKeyEncryption {
	sum := md5.Sum(key)
	return CustomerKeyEncryption{
		Key:    base64.StdEncoding.EncodeToString(key),
		KeyMD5: base64.StdEncoding.EncodeToString(sum[:]),
	}
}

func (e CustomerKeyEncryption) applyToPut(input *s3.PutObjectInput) {
	input.SSECustomerAlgorithm = aws.String(sseCustomerAlgorithm)
	input.SSECustomerKey = aws.String(e.Key)
	input.SSECustomerKeyMD5 = aws.String(e.KeyMD5)
}

func (e CustomerKeyEncryption) applyToGet(input *s3.GetObjectInput) {
	input.SSECustomerAlgorithm = aws.String(sseCustomerAlgorithm)
	input.SSECustomerKey = aws.String(e.Key)
	input.SSECustomerKeyMD5 = aws.String(e.KeyMD5)
}

func (e CustomerKeyEncryption) applyToHead(input *s3.HeadObjectInput) {
	input.SSECustomerAlgorithm = aws.String(sseCustomerAlgorithm)
	input.SSECustomerKey = aws.String(e.Key)
	input.SSECustomerKeyMD5 = aws.String(e.KeyMD5)
}

func (e CustomerKeyEncryption) validate() error {
	if e.Key == "" || e.KeyMD5 == "" {
		return fmt.Errorf("%w: customer key encryption requires key and key digest", ErrConfig)
	}
	if _, err := base64.StdEncoding.DecodeString(e.Key); err != nil {
		return fmt.Errorf("%w: customer key is not valid base64", ErrConfig)
	}
	return nil
}
func (CustomerKeyEncryption) String() string { return "sse-c" }
