package audit

import (
	"sync"
	"time"

	"github.com/ryanuber/go-glob"
)

// EventType classifies an audit event.
type EventType string

const (
	// EventTypeStore records a key document upload.
	EventTypeStore EventType = "store"
	// EventTypeFetch records a bulk key document read.
	EventTypeFetch EventType = "fetch"
	// EventTypeWrap records a master key encryption.
	EventTypeWrap EventType = "wrap"
	// EventTypeUnwrap records a master key decryption.
	EventTypeUnwrap EventType = "unwrap"
)

// AuditEvent is a single entry in the key management audit trail.
type AuditEvent struct {
	Timestamp     time.Time              `json:"timestamp"`
	EventType     EventType              `json:"event_type"`
	Operation     string                 `json:"operation"`
	Bucket        string                 `json:"bucket,omitempty"`
	Key           string                 `json:"key,omitempty"`
	FriendlyName  string                 `json:"friendly_name,omitempty"`
	KeyID         string                 `json:"key_id,omitempty"`
	DocumentCount int                    `json:"document_count,omitempty"`
	Success       bool                   `json:"success"`
	Error         string                 `json:"error,omitempty"`
	DurationMS    int64                  `json:"duration_ms"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// Config controls the audit trail.
type Config struct {
	Enabled bool

	// MaxEvents bounds the in-memory event buffer kept for querying.
	MaxEvents int

	// RedactMetadataKeys holds glob patterns; metadata entries whose key
	// matches any pattern are replaced with a placeholder before logging.
	RedactMetadataKeys []string

	Sink SinkConfig
}

// SinkConfig selects where audit events are delivered.
type SinkConfig struct {
	// Type is one of stdout, file or http. Empty means stdout.
	Type     string
	Endpoint string
	Headers  map[string]string
	FilePath string

	// BatchSize and FlushInterval enable batched delivery when non-zero.
	BatchSize     int
	FlushInterval time.Duration
	RetryCount    int
	RetryBackoff  time.Duration
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log logs an audit event.
	Log(event *AuditEvent) error

	// LogStore logs a key document upload.
	LogStore(bucket, key, friendlyName string, success bool, err error, duration time.Duration, metadata map[string]interface{})

	// LogFetch logs a bulk key document read.
	LogFetch(bucket string, documents int, success bool, err error, duration time.Duration)

	// LogWrap logs a master key encryption.
	LogWrap(keyID string, success bool, err error, duration time.Duration, metadata map[string]interface{})

	// LogUnwrap logs a master key decryption.
	LogUnwrap(keyID string, success bool, err error, duration time.Duration, metadata map[string]interface{})

	// GetEvents returns the buffered audit events (for testing/querying).
	GetEvents() []*AuditEvent

	// Close closes the logger and its underlying writer.
	Close() error
}

// auditLogger implements the Logger interface.
type auditLogger struct {
	mu         sync.Mutex
	events     []*AuditEvent
	maxEvents  int
	writer     EventWriter
	redactKeys []string
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *AuditEvent) error
}

// NewLogger creates a new audit logger.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	return NewLoggerWithRedaction(maxEvents, writer, nil)
}

// NewLoggerWithRedaction creates a new audit logger with metadata redaction
// patterns.
func NewLoggerWithRedaction(maxEvents int, writer EventWriter, redactKeys []string) Logger {
	if maxEvents <= 0 {
		maxEvents = 1000
	}
	if writer == nil {
		writer = &StdoutSink{}
	}

	return &auditLogger{
		events:     make([]*AuditEvent, 0, maxEvents),
		maxEvents:  maxEvents,
		writer:     writer,
		redactKeys: redactKeys,
	}
}

// NewLoggerFromConfig creates an audit logger from configuration. A disabled
// config yields a nil Logger.
func NewLoggerFromConfig(cfg Config) (Logger, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	writer, err := newSink(cfg.Sink)
	if err != nil {
		return nil, err
	}

	return NewLoggerWithRedaction(cfg.MaxEvents, writer, cfg.RedactMetadataKeys), nil
}

// Log logs an audit event.
func (l *auditLogger) Log(event *AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer != nil {
		// Delivery failures must never fail the audited operation; the
		// sink reports them itself.
		l.writer.WriteEvent(event)
	}

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}

	return nil
}

// Close closes the logger and its underlying writer.
func (l *auditLogger) Close() error {
	if closer, ok := l.writer.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// redactMetadata replaces values whose key matches a redaction pattern.
func (l *auditLogger) redactMetadata(metadata map[string]interface{}) map[string]interface{} {
	if len(l.redactKeys) == 0 || len(metadata) == 0 {
		return metadata
	}

	var clone map[string]interface{}
	for k := range metadata {
		if !l.redacted(k) {
			continue
		}
		if clone == nil {
			clone = make(map[string]interface{}, len(metadata))
			for ck, cv := range metadata {
				clone[ck] = cv
			}
		}
		clone[k] = "[REDACTED]"
	}

	if clone == nil {
		return metadata
	}
	return clone
}

func (l *auditLogger) redacted(key string) bool {
	for _, pattern := range l.redactKeys {
		if glob.Glob(pattern, key) {
			return true
		}
	}
	return false
}

// LogStore logs a key document upload.
func (l *auditLogger) LogStore(bucket, key, friendlyName string, success bool, err error, duration time.Duration, metadata map[string]interface{}) {
	event := &AuditEvent{
		Timestamp:    time.Now(),
		EventType:    EventTypeStore,
		Operation:    "store",
		Bucket:       bucket,
		Key:          key,
		FriendlyName: friendlyName,
		Success:      success,
		DurationMS:   duration.Milliseconds(),
		Metadata:     l.redactMetadata(metadata),
	}

	if err != nil {
		event.Error = err.Error()
	}

	l.Log(event)
}

// LogFetch logs a bulk key document read.
func (l *auditLogger) LogFetch(bucket string, documents int, success bool, err error, duration time.Duration) {
	event := &AuditEvent{
		Timestamp:     time.Now(),
		EventType:     EventTypeFetch,
		Operation:     "fetch",
		Bucket:        bucket,
		DocumentCount: documents,
		Success:       success,
		DurationMS:    duration.Milliseconds(),
	}

	if err != nil {
		event.Error = err.Error()
	}

	l.Log(event)
}

// LogWrap logs a master key encryption.
func (l *auditLogger) LogWrap(keyID string, success bool, err error, duration time.Duration, metadata map[string]interface{}) {
	event := &AuditEvent{
		Timestamp:  time.Now(),
		EventType:  EventTypeWrap,
		Operation:  "wrap",
		KeyID:      keyID,
		Success:    success,
		DurationMS: duration.Milliseconds(),
		Metadata:   l.redactMetadata(metadata),
	}

	if err != nil {
		event.Error = err.Error()
	}

	l.Log(event)
}

// LogUnwrap logs a master key decryption.
func (l *auditLogger) LogUnwrap(keyID string, success bool, err error, duration time.Duration, metadata map[string]interface{}) {
	event := &AuditEvent{
		Timestamp:  time.Now(),
		EventType:  EventTypeUnwrap,
		Operation:  "unwrap",
		KeyID:      keyID,
		Success:    success,
		DurationMS: duration.Milliseconds(),
		Metadata:   l.redactMetadata(metadata),
	}

	if err != nil {
		event.Error = err.Error()
	}

	l.Log(event)
}

// GetEvents returns the buffered audit events (for testing/querying).
func (l *auditLogger) GetEvents() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}
