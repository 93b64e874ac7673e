// Package keyring defines the persistence and at-rest protection contracts
// that key management frameworks program against. Implementations live in
// s3store (object store persistence) and kmswrap (envelope encryption).
package keyring

import (
	"context"

	"github.com/beevik/etree"
)

// Repository persists the XML documents that make up a key ring.
//
// Implementations must treat documents as opaque: no inspection of key
// material, no reordering guarantees, no caching of results.
type Repository interface {
	// GetAll returns every stored key document. Order is not significant.
	// An empty store yields an empty slice and no error.
	GetAll(ctx context.Context) ([]*etree.Document, error)

	// Store persists a new key document. The friendly name is a diagnostic
	// hint recorded alongside the document, never an addressing mechanism.
	Store(ctx context.Context, doc *etree.Document, friendlyName string) error
}

// Encryptor wraps a key document for storage at rest.
type Encryptor interface {
	// Wrap encrypts the serialized document and returns the envelope to
	// persist in its place.
	Wrap(ctx context.Context, doc *etree.Document, opts ProtectionOptions) (*EncryptedEnvelope, error)
}

// Decryptor reverses a wrap performed by the matching Encryptor.
type Decryptor interface {
	// Unwrap decrypts the given envelope element back into the original
	// key document.
	Unwrap(ctx context.Context, el *etree.Element, opts ProtectionOptions) (*etree.Document, error)
}

// EncryptedEnvelope is the stored form of a wrapped key document.
type EncryptedEnvelope struct {
	// Element holds the opaque encrypted payload.
	Element *etree.Element

	// UnwrapKind names the Decryptor able to reverse the wrap. Stable
	// across releases; persisted key material depends on it.
	UnwrapKind string
}

// ProtectionOptions carries the per-call parameters shared by Wrap and
// Unwrap. Both sides of a round trip must use identical values.
type ProtectionOptions struct {
	// ApplicationDiscriminator isolates key material between applications
	// that share a master key. Material wrapped under one discriminator
	// cannot be unwrapped under another.
	ApplicationDiscriminator string
}
