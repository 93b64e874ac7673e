// Package keyxml provides the XML document model shared by the keychest
// engines: serialization helpers plus the encryptedKey envelope format that
// wraps ciphertext for storage.
package keyxml

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

const (
	// ElementEncryptedKey is the root element of a wrapped key document.
	ElementEncryptedKey = "encryptedKey"
	// ElementValue carries the base64 ciphertext inside an encryptedKey element.
	ElementValue = "value"
)

// envelopeComment is emitted into every encryptedKey element so that anyone
// inspecting stored key material can tell where the opaque payload came from.
const envelopeComment = " This key is encrypted with a KMS master key "

// Serialize renders the document as XML bytes.
func Serialize(doc *etree.Document) ([]byte, error) {
	data, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize key document: %w", err)
	}
	return data, nil
}

// Parse reads a key document from raw XML bytes.
func Parse(data []byte) (*etree.Document, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("failed to parse key document: %w", err)
	}
	if doc.Root() == nil {
		return nil, fmt.Errorf("key document has no root element")
	}
	return doc, nil
}

// NewEncryptedKeyElement builds the stored form of wrapped key material: an
// encryptedKey element holding a descriptive comment and the base64
// ciphertext under a value child.
func NewEncryptedKeyElement(ciphertext []byte) *etree.Element {
	el := etree.NewElement(ElementEncryptedKey)
	el.CreateComment(envelopeComment)
	el.CreateElement(ElementValue).SetText(base64.StdEncoding.EncodeToString(ciphertext))
	return el
}

// CiphertextFromElement extracts and decodes the ciphertext carried by an
// encryptedKey element.
func CiphertextFromElement(el *etree.Element) ([]byte, error) {
	value := el.SelectElement(ElementValue)
	if value == nil {
		return nil, fmt.Errorf("encrypted key element has no <%s> child", ElementValue)
	}
	// Pretty-printed documents may wrap the base64 text across lines.
	text := strings.Join(strings.Fields(value.Text()), "")
	ciphertext, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encrypted key value: %w", err)
	}
	return ciphertext, nil
}

// Equal reports whether two documents serialize to identical XML. Intended
// for round-trip verification, not as a general XML canonicalizer.
func Equal(a, b *etree.Document) bool {
	if a == nil || b == nil {
		return a == b
	}
	ab, err := a.WriteToBytes()
	if err != nil {
		return false
	}
	bb, err := b.WriteToBytes()
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
