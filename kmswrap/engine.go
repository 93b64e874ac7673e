// Package kmswrap envelope-encrypts key documents with an AWS KMS master
// key.
//
// Wrap sends the serialized document to KMS and returns an XML element
// holding the ciphertext; the key material itself never touches local
// crypto. Every call carries an authenticated encryption context, so a
// document wrapped for one application cannot be unwrapped by another even
// when both use the same master key.
package kmswrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/beevik/etree"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/keychest/keychest/internal/audit"
	"github.com/keychest/keychest/internal/metrics"
	"github.com/keychest/keychest/keyring"
	"github.com/keychest/keychest/keyxml"
)

// UnwrapKind identifies envelopes produced by this engine. The key
// management layer routes elements with this kind back here for unwrapping.
const UnwrapKind = "kms"

var tracer = otel.Tracer("github.com/keychest/keychest/kmswrap")

// KMSAPI is the part of the KMS client the engine uses. *kms.Client
// satisfies it.
type KMSAPI interface {
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// Engine wraps and unwraps key documents through KMS. It implements
// keyring.Encryptor and keyring.Decryptor.
type Engine struct {
	client   KMSAPI
	cfg      Config
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	auditLog audit.Logger
}

var (
	_ keyring.Encryptor = (*Engine)(nil)
	_ keyring.Decryptor = (*Engine)(nil)
)

// NewEngine creates an engine over client. cfg must validate; metrics and
// auditLog may be nil.
func NewEngine(client KMSAPI, cfg Config, logger *logrus.Logger, m *metrics.Metrics, auditLog audit.Logger) (*Engine, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: client is required", ErrConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	logger.WithFields(logrus.Fields{
		"key_id":             cfg.KeyID,
		"bind_discriminator": cfg.BindDiscriminator,
		"hash_discriminator": cfg.HashDiscriminator,
	}).Debug("Envelope encryption engine configured")

	return &Engine{
		client:   client,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		auditLog: auditLog,
	}, nil
}

// Wrap encrypts doc under the configured master key and returns the
// envelope element to persist in its place.
func (e *Engine) Wrap(ctx context.Context, doc *etree.Document, opts keyring.ProtectionOptions) (*keyring.EncryptedEnvelope, error) {
	ctx, span := tracer.Start(ctx, "keyring.Wrap")
	defer span.End()
	span.SetAttributes(attribute.String("key_id", e.cfg.KeyID))

	start := time.Now()
	envelope, err := e.wrap(ctx, doc, opts)
	duration := time.Since(start)

	if e.auditLog != nil {
		e.auditLog.LogWrap(e.cfg.KeyID, err == nil, err, duration, nil)
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	e.logger.WithFields(logrus.Fields{
		"key_id":      e.cfg.KeyID,
		"duration_ms": duration.Milliseconds(),
	}).Debug("Wrapped key document")
	return envelope, nil
}

func (e *Engine) wrap(ctx context.Context, doc *etree.Document, opts keyring.ProtectionOptions) (*keyring.EncryptedEnvelope, error) {
	plaintext, err := keyxml.Serialize(doc)
	if err != nil {
		return nil, err
	}

	callStart := time.Now()
	out, err := e.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:             aws.String(e.cfg.KeyID),
		Plaintext:         plaintext,
		EncryptionContext: e.cfg.encryptionContext(opts.ApplicationDiscriminator),
		GrantTokens:       e.cfg.GrantTokens,
	})
	if err != nil {
		e.metrics.RecordKMSError(ctx, "Encrypt", metrics.ErrorType(err))
		return nil, fmt.Errorf("failed to wrap key document with KMS key %s: %w", e.cfg.KeyID, err)
	}
	e.metrics.RecordKMSOperation(ctx, "Encrypt", time.Since(callStart))

	return &keyring.EncryptedEnvelope{
		Element:    keyxml.NewEncryptedKeyElement(out.CiphertextBlob),
		UnwrapKind: UnwrapKind,
	}, nil
}

// Unwrap decrypts an envelope element produced by Wrap. The encryption
// context is recomputed from the engine's configuration and opts, never read
// from the envelope; a mismatch with the wrap-time context yields
// ErrContextMismatch.
func (e *Engine) Unwrap(ctx context.Context, el *etree.Element, opts keyring.ProtectionOptions) (*etree.Document, error) {
	ctx, span := tracer.Start(ctx, "keyring.Unwrap")
	defer span.End()
	span.SetAttributes(attribute.String("key_id", e.cfg.KeyID))

	start := time.Now()
	doc, err := e.unwrap(ctx, el, opts)
	duration := time.Since(start)

	if e.auditLog != nil {
		e.auditLog.LogUnwrap(e.cfg.KeyID, err == nil, err, duration, nil)
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	e.logger.WithFields(logrus.Fields{
		"key_id":      e.cfg.KeyID,
		"duration_ms": duration.Milliseconds(),
	}).Debug("Unwrapped key document")
	return doc, nil
}

func (e *Engine) unwrap(ctx context.Context, el *etree.Element, opts keyring.ProtectionOptions) (*etree.Document, error) {
	ciphertext, err := keyxml.CiphertextFromElement(el)
	if err != nil {
		return nil, err
	}

	callStart := time.Now()
	out, err := e.client.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob:    ciphertext,
		EncryptionContext: e.cfg.encryptionContext(opts.ApplicationDiscriminator),
		GrantTokens:       e.cfg.GrantTokens,
	})
	if err != nil {
		e.metrics.RecordKMSError(ctx, "Decrypt", metrics.ErrorType(err))
		if isContextMismatch(err) {
			return nil, fmt.Errorf("%w: %v", ErrContextMismatch, err)
		}
		return nil, fmt.Errorf("failed to unwrap key document: %w", err)
	}
	e.metrics.RecordKMSOperation(ctx, "Decrypt", time.Since(callStart))

	doc, err := keyxml.Parse(out.Plaintext)
	if err != nil {
		return nil, fmt.Errorf("unwrapped key document: %w", err)
	}
	return doc, nil
}

// isContextMismatch reports whether a Decrypt failure means the ciphertext
// was wrapped under a different context or key, as opposed to a transport or
// service problem.
func isContextMismatch(err error) bool {
	var invalidCiphertext *types.InvalidCiphertextException
	if errors.As(err, &invalidCiphertext) {
		return true
	}
	var incorrectKey *types.IncorrectKeyException
	return errors.As(err, &incorrectKey)
}
