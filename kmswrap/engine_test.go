package kmswrap

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"maps"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/aws/smithy-go"
	"github.com/beevik/etree"
	"github.com/sirupsen/logrus"

	"github.com/keychest/keychest/internal/audit"
	"github.com/keychest/keychest/keyring"
	"github.com/keychest/keychest/keyxml"
)

type kmsRecord struct {
	plaintext []byte
	context   map[string]string
	keyID     string
}

// fakeKMS enforces encryption context matching the way the real service
// does: a Decrypt with a different context fails with
// InvalidCiphertextException.
type fakeKMS struct {
	mu       sync.Mutex
	records  map[string]kmsRecord
	counter  int
	encrypts []*kms.EncryptInput
	decrypts []*kms.DecryptInput

	encryptErr error
	decryptErr error
}

func newFakeKMS() *fakeKMS {
	return &fakeKMS{records: make(map[string]kmsRecord)}
}

func (f *fakeKMS) Encrypt(ctx context.Context, in *kms.EncryptInput, _ ...func(*kms.Options)) (*kms.EncryptOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.encrypts = append(f.encrypts, in)
	if f.encryptErr != nil {
		return nil, f.encryptErr
	}

	f.counter++
	token := fmt.Sprintf("ciphertext-%d", f.counter)
	f.records[token] = kmsRecord{
		plaintext: append([]byte(nil), in.Plaintext...),
		context:   maps.Clone(in.EncryptionContext),
		keyID:     aws.ToString(in.KeyId),
	}
	return &kms.EncryptOutput{
		CiphertextBlob: []byte(token),
		KeyId:          in.KeyId,
	}, nil
}

func (f *fakeKMS) Decrypt(ctx context.Context, in *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decrypts = append(f.decrypts, in)
	if f.decryptErr != nil {
		return nil, f.decryptErr
	}

	rec, ok := f.records[string(in.CiphertextBlob)]
	if !ok || !maps.Equal(rec.context, in.EncryptionContext) {
		return nil, &types.InvalidCiphertextException{Message: aws.String("ciphertext or context invalid")}
	}
	return &kms.DecryptOutput{
		Plaintext: append([]byte(nil), rec.plaintext...),
		KeyId:     aws.String(rec.keyID),
	}, nil
}

func newTestEngine(t *testing.T, client KMSAPI, cfg Config) *Engine {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	engine, err := NewEngine(client, cfg, logger, nil, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return engine
}

func masterKeyDocument() *etree.Document {
	doc := etree.NewDocument()
	key := doc.CreateElement("key")
	key.CreateAttr("id", "master-1")
	key.CreateElement("masterKey").SetText("dmVyeS1zZWNyZXQta2V5LWJ5dGVz")
	return doc
}

func TestNewEngineValidation(t *testing.T) {
	if _, err := NewEngine(nil, NewConfig("alias/k"), nil, nil, nil); err == nil {
		t.Error("expected error for nil client")
	}
	if _, err := NewEngine(newFakeKMS(), Config{}, nil, nil, nil); !errors.Is(err, ErrConfig) {
		t.Error("expected ErrConfig for missing key id")
	}
}

func TestWrapProducesEnvelope(t *testing.T) {
	fake := newFakeKMS()
	cfg := NewConfig("alias/keychest")
	cfg.GrantTokens = []string{"grant-1"}
	engine := newTestEngine(t, fake, cfg)

	opts := keyring.ProtectionOptions{ApplicationDiscriminator: "app1"}
	envelope, err := engine.Wrap(context.Background(), masterKeyDocument(), opts)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}

	if envelope.UnwrapKind != UnwrapKind {
		t.Errorf("UnwrapKind = %q, want %q", envelope.UnwrapKind, UnwrapKind)
	}
	if envelope.Element.Tag != keyxml.ElementEncryptedKey {
		t.Errorf("element tag = %q, want %q", envelope.Element.Tag, keyxml.ElementEncryptedKey)
	}

	value := envelope.Element.SelectElement(keyxml.ElementValue)
	if value == nil {
		t.Fatal("envelope has no value element")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(value.Text())
	if err != nil {
		t.Fatalf("envelope value is not base64: %v", err)
	}
	if string(ciphertext) != "ciphertext-1" {
		t.Errorf("ciphertext = %q", ciphertext)
	}

	if len(fake.encrypts) != 1 {
		t.Fatalf("encrypt calls = %d, want 1", len(fake.encrypts))
	}
	in := fake.encrypts[0]
	if aws.ToString(in.KeyId) != "alias/keychest" {
		t.Errorf("KeyId = %q", aws.ToString(in.KeyId))
	}
	if len(in.GrantTokens) != 1 || in.GrantTokens[0] != "grant-1" {
		t.Errorf("GrantTokens = %v", in.GrantTokens)
	}
	if in.EncryptionContext[ContextNamespaceKey] != ContextNamespaceValue {
		t.Error("namespace entry missing from encryption context")
	}
	if _, ok := in.EncryptionContext[ContextDiscriminatorKey]; !ok {
		t.Error("discriminator entry missing from encryption context")
	}
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	fake := newFakeKMS()
	engine := newTestEngine(t, fake, NewConfig("alias/keychest"))
	opts := keyring.ProtectionOptions{ApplicationDiscriminator: "app1"}
	doc := masterKeyDocument()

	envelope, err := engine.Wrap(context.Background(), doc, opts)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}

	// Persist the envelope inside a larger document and read it back, the
	// way the key management layer stores it.
	outer := etree.NewDocument()
	root := outer.CreateElement("key")
	root.AddChild(envelope.Element)
	serialized, err := keyxml.Serialize(outer)
	if err != nil {
		t.Fatal(err)
	}
	reread, err := keyxml.Parse(serialized)
	if err != nil {
		t.Fatal(err)
	}
	stored := reread.Root().SelectElement(keyxml.ElementEncryptedKey)
	if stored == nil {
		t.Fatal("persisted document lost the envelope element")
	}

	got, err := engine.Unwrap(context.Background(), stored, opts)
	if err != nil {
		t.Fatalf("Unwrap: %v", err)
	}
	if !keyxml.Equal(got, doc) {
		t.Error("unwrapped document does not match original")
	}
}

func TestUnwrapIsolatesDiscriminators(t *testing.T) {
	fake := newFakeKMS()
	engine := newTestEngine(t, fake, NewConfig("alias/keychest"))

	envelope, err := engine.Wrap(context.Background(), masterKeyDocument(),
		keyring.ProtectionOptions{ApplicationDiscriminator: "app1"})
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}

	_, err = engine.Unwrap(context.Background(), envelope.Element,
		keyring.ProtectionOptions{ApplicationDiscriminator: "app2"})
	if !errors.Is(err, ErrContextMismatch) {
		t.Fatalf("cross-application unwrap error = %v, want ErrContextMismatch", err)
	}

	got, err := engine.Unwrap(context.Background(), envelope.Element,
		keyring.ProtectionOptions{ApplicationDiscriminator: "app1"})
	if err != nil {
		t.Fatalf("same-application unwrap: %v", err)
	}
	if !keyxml.Equal(got, masterKeyDocument()) {
		t.Error("same-application unwrap returned different document")
	}
}

func TestUnwrapSharedKeyWithoutBinding(t *testing.T) {
	fake := newFakeKMS()
	cfg := NewConfig("alias/keychest")
	cfg.BindDiscriminator = false
	engine := newTestEngine(t, fake, cfg)

	envelope, err := engine.Wrap(context.Background(), masterKeyDocument(),
		keyring.ProtectionOptions{ApplicationDiscriminator: "app1"})
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}

	// Without binding, any application can unwrap.
	if _, err := engine.Unwrap(context.Background(), envelope.Element,
		keyring.ProtectionOptions{ApplicationDiscriminator: "app2"}); err != nil {
		t.Fatalf("Unwrap: %v", err)
	}
}

func TestUnwrapErrorMapping(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantMismatch bool
	}{
		{
			name:         "invalid ciphertext",
			err:          &types.InvalidCiphertextException{Message: aws.String("bad context")},
			wantMismatch: true,
		},
		{
			name:         "incorrect key",
			err:          &types.IncorrectKeyException{Message: aws.String("wrong key")},
			wantMismatch: true,
		},
		{
			name:         "throttled",
			err:          &types.LimitExceededException{Message: aws.String("slow down")},
			wantMismatch: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeKMS()
			engine := newTestEngine(t, fake, NewConfig("alias/keychest"))
			envelope, err := engine.Wrap(context.Background(), masterKeyDocument(), keyring.ProtectionOptions{})
			if err != nil {
				t.Fatalf("Wrap: %v", err)
			}

			fake.decryptErr = tt.err
			_, err = engine.Unwrap(context.Background(), envelope.Element, keyring.ProtectionOptions{})
			if err == nil {
				t.Fatal("expected Unwrap to fail")
			}
			if got := errors.Is(err, ErrContextMismatch); got != tt.wantMismatch {
				t.Errorf("errors.Is(err, ErrContextMismatch) = %v, want %v (err: %v)", got, tt.wantMismatch, err)
			}
		})
	}
}

func TestUnwrapRejectsMalformedEnvelope(t *testing.T) {
	fake := newFakeKMS()
	engine := newTestEngine(t, fake, NewConfig("alias/keychest"))

	empty := etree.NewElement(keyxml.ElementEncryptedKey)
	if _, err := engine.Unwrap(context.Background(), empty, keyring.ProtectionOptions{}); err == nil {
		t.Error("expected error for envelope without value")
	}

	garbled := etree.NewElement(keyxml.ElementEncryptedKey)
	garbled.CreateElement(keyxml.ElementValue).SetText("!!! not base64 !!!")
	if _, err := engine.Unwrap(context.Background(), garbled, keyring.ProtectionOptions{}); err == nil {
		t.Error("expected error for non-base64 value")
	}

	if len(fake.decrypts) != 0 {
		t.Errorf("decrypt calls = %d, want 0 for malformed envelopes", len(fake.decrypts))
	}
}

func TestUnwrapPassesGrantTokens(t *testing.T) {
	fake := newFakeKMS()
	cfg := NewConfig("alias/keychest")
	cfg.GrantTokens = []string{"grant-1", "grant-2"}
	engine := newTestEngine(t, fake, cfg)

	envelope, err := engine.Wrap(context.Background(), masterKeyDocument(), keyring.ProtectionOptions{})
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	if _, err := engine.Unwrap(context.Background(), envelope.Element, keyring.ProtectionOptions{}); err != nil {
		t.Fatalf("Unwrap: %v", err)
	}

	if len(fake.decrypts) != 1 {
		t.Fatalf("decrypt calls = %d, want 1", len(fake.decrypts))
	}
	if got := fake.decrypts[0].GrantTokens; len(got) != 2 || got[0] != "grant-1" || got[1] != "grant-2" {
		t.Errorf("decrypt GrantTokens = %v", got)
	}
	if fake.decrypts[0].KeyId != nil {
		t.Error("Unwrap must let KMS resolve the key from the ciphertext")
	}
}

type discardSink struct{}

func (discardSink) WriteEvent(*audit.AuditEvent) error { return nil }

func TestEngineAuditTrail(t *testing.T) {
	fake := newFakeKMS()
	auditLog := audit.NewLogger(10, discardSink{})
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	engine, err := NewEngine(fake, NewConfig("alias/keychest"), logger, nil, auditLog)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	envelope, err := engine.Wrap(context.Background(), masterKeyDocument(), keyring.ProtectionOptions{})
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	if _, err := engine.Unwrap(context.Background(), envelope.Element, keyring.ProtectionOptions{}); err != nil {
		t.Fatalf("Unwrap: %v", err)
	}

	events := auditLog.GetEvents()
	if len(events) != 2 {
		t.Fatalf("audit events = %d, want 2", len(events))
	}
	if events[0].EventType != audit.EventTypeWrap || !events[0].Success || events[0].KeyID != "alias/keychest" {
		t.Errorf("first event = %+v, want successful wrap", events[0])
	}
	if events[1].EventType != audit.EventTypeUnwrap || !events[1].Success {
		t.Errorf("second event = %+v, want successful unwrap", events[1])
	}

	// A failed decrypt must leave a failure event behind.
	fake.decryptErr = &smithy.GenericAPIError{Code: "KMSInternalException", Message: "kms exploded"}
	if _, err := engine.Unwrap(context.Background(), envelope.Element, keyring.ProtectionOptions{}); err == nil {
		t.Fatal("expected Unwrap to fail")
	}

	events = auditLog.GetEvents()
	if len(events) != 3 {
		t.Fatalf("audit events = %d, want 3", len(events))
	}
	if events[2].EventType != audit.EventTypeUnwrap || events[2].Success {
		t.Errorf("third event = %+v, want failed unwrap", events[2])
	}
	if events[2].Error == "" {
		t.Error("failed unwrap event carries no error detail")
	}
}
