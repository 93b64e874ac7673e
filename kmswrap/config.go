package kmswrap

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

// Encryption context keys sent with every KMS call. These are stable
// identifiers: changing them would make previously wrapped key documents
// undecryptable.
const (
	// ContextNamespaceKey and ContextNamespaceValue mark ciphertext as
	// produced by this adapter.
	ContextNamespaceKey   = "KeychestKeyProtection"
	ContextNamespaceValue = "9a2e63f2-4d8f-4a34-bd19-8c7f4fd4d1a9"

	// ContextDiscriminatorKey carries the application discriminator when
	// binding is enabled.
	ContextDiscriminatorKey = "KeychestKeyProtection:AppId"
)

var (
	// ErrConfig marks engine configuration that fails validation.
	ErrConfig = errors.New("kmswrap: invalid configuration")

	// ErrContextMismatch marks an unwrap whose encryption context does
	// not match the one used at wrap time. Two applications with
	// different discriminators cannot read each other's envelopes even
	// when they share a master key; callers use this error to tell
	// "wrong application" apart from a transport failure.
	ErrContextMismatch = errors.New("kmswrap: encryption context mismatch")
)

// Config controls the envelope encryption engine.
type Config struct {
	// KeyID is the KMS key id, alias or ARN used to wrap. Required.
	// Unwrap lets KMS resolve the key from the ciphertext itself.
	KeyID string

	// EncryptionContext holds authenticated, non-secret binding data sent
	// with every wrap and unwrap. NewConfig seeds the namespace entry.
	EncryptionContext map[string]string

	// GrantTokens authorize key use before a fresh grant has propagated.
	GrantTokens []string

	// BindDiscriminator adds the caller's application discriminator to
	// the context, isolating applications that share a master key.
	BindDiscriminator bool

	// HashDiscriminator binds a SHA-256 digest of the discriminator
	// instead of the raw value. Discriminators often embed filesystem
	// paths, which would otherwise appear verbatim in CloudTrail.
	HashDiscriminator bool
}

// NewConfig returns a Config with the namespace entry seeded and
// discriminator binding and hashing enabled.
func NewConfig(keyID string) Config {
	return Config{
		KeyID: keyID,
		EncryptionContext: map[string]string{
			ContextNamespaceKey: ContextNamespaceValue,
		},
		BindDiscriminator: true,
		HashDiscriminator: true,
	}
}

// Validate reports whether the configuration can back an engine.
func (c Config) Validate() error {
	if c.KeyID == "" {
		return fmt.Errorf("%w: key id is required", ErrConfig)
	}
	return nil
}

// encryptionContext builds the context for one wrap or unwrap call. The
// configured entries are copied, never mutated, so an engine can serve
// concurrent calls with different discriminators.
func (c Config) encryptionContext(discriminator string) map[string]string {
	out := make(map[string]string, len(c.EncryptionContext)+1)
	for k, v := range c.EncryptionContext {
		out[k] = v
	}
	if c.BindDiscriminator && discriminator != "" {
		value := discriminator
		if c.HashDiscriminator {
			sum := sha256.Sum256([]byte(discriminator))
			value = base64.StdEncoding.EncodeToString(sum[:])
		}
		out[ContextDiscriminatorKey] = value
	}
	return out
}
