package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EventType represents the type of audit event.
type EventType string

const (
	// EventTypeEncrypt represents an encrypted upload.
	EventTypeEncrypt EventType = "encrypt"
	// EventTypeDecrypt represents a decrypted download.
	EventTypeDecrypt EventType = "decrypt"
	// EventTypeKeyUnwrap represents the unwrap of a content key.
	EventTypeKeyUnwrap EventType = "key_unwrap"
	// EventTypeAccess represents any other operation, such as a delete.
	EventTypeAccess EventType = "access"
)

// Event represents a single audit log event.
type Event struct {
	Timestamp   time.Time              `json:"timestamp"`
	EventType   EventType              `json:"event_type"`
	Operation   string                 `json:"operation"`
	Container   string                 `json:"container,omitempty"`
	Blob        string                 `json:"blob,omitempty"`
	ClientIP    string                 `json:"client_ip,omitempty"`
	UserAgent   string                 `json:"user_agent,omitempty"`
	RequestID   string                 `json:"request_id,omitempty"`
	KeyID       string                 `json:"key_id,omitempty"`
	Algorithm   string                 `json:"algorithm,omitempty"`
	KeyWrapAlgo string                 `json:"key_wrap_algorithm,omitempty"`
	Range       string                 `json:"range,omitempty"`
	Success     bool                   `json:"success"`
	Error       string                 `json:"error,omitempty"`
	Duration    time.Duration          `json:"duration_ms"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// CryptoEvent carries the fields shared by encrypt, decrypt and unwrap events.
type CryptoEvent struct {
	Container   string
	Blob        string
	RequestID   string
	KeyID       string
	Algorithm   string
	KeyWrapAlgo string
	Range       string
	Err         error
	Duration    time.Duration
	Metadata    map[string]interface{}
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log logs an audit event.
	Log(event *Event) error

	// LogEncrypt logs an encrypted upload.
	LogEncrypt(e CryptoEvent)

	// LogDecrypt logs a decrypted download.
	LogDecrypt(e CryptoEvent)

	// LogKeyUnwrap logs the unwrap of a content key.
	LogKeyUnwrap(e CryptoEvent)

	// LogAccess logs a general access operation.
	LogAccess(operation, container, blob, clientIP, userAgent, requestID string, err error, duration time.Duration)

	// Events returns the buffered events, oldest first.
	Events() []*Event
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *Event) error
}

// auditLogger keeps the most recent maxEvents events and forwards every event to a writer.
type auditLogger struct {
	mu        sync.Mutex
	events    []*Event
	maxEvents int
	writer    EventWriter
	errLog    logrus.FieldLogger
}

// NewLogger creates a new audit logger. A nil writer writes JSON lines to stdout.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	if writer == nil {
		writer = NewJSONWriter(os.Stdout)
	}
	if maxEvents <= 0 {
		maxEvents = 1
	}
	return &auditLogger{
		events:    make([]*Event, 0, maxEvents),
		maxEvents: maxEvents,
		writer:    writer,
		errLog:    logrus.StandardLogger(),
	}
}

// Log logs an audit event.
func (l *auditLogger) Log(event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var writeErr error
	if l.writer != nil {
		if err := l.writer.WriteEvent(event); err != nil {
			writeErr = fmt.Errorf("failed to write audit event: %w", err)
			l.errLog.WithError(err).WithField("event_type", event.EventType).Warn("Audit writer failed")
		}
	}

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}
	return writeErr
}

func (l *auditLogger) logCrypto(eventType EventType, e CryptoEvent) {
	event := &Event{
		Timestamp:   time.Now(),
		EventType:   eventType,
		Operation:   string(eventType),
		Container:   e.Container,
		Blob:        e.Blob,
		RequestID:   e.RequestID,
		KeyID:       e.KeyID,
		Algorithm:   e.Algorithm,
		KeyWrapAlgo: e.KeyWrapAlgo,
		Range:       e.Range,
		Success:     e.Err == nil,
		Duration:    e.Duration,
		Metadata:    e.Metadata,
	}
	if e.Err != nil {
		event.Error = e.Err.Error()
	}
	_ = l.Log(event)
}

// LogEncrypt logs an encrypted upload.
func (l *auditLogger) LogEncrypt(e CryptoEvent) { l.logCrypto(EventTypeEncrypt, e) }

// LogDecrypt logs a decrypted download.
func (l *auditLogger) LogDecrypt(e CryptoEvent) { l.logCrypto(EventTypeDecrypt, e) }

// LogKeyUnwrap logs the unwrap of a content key.
func (l *auditLogger) LogKeyUnwrap(e CryptoEvent) { l.logCrypto(EventTypeKeyUnwrap, e) }

// LogAccess logs a general access operation.
func (l *auditLogger) LogAccess(operation, container, blob, clientIP, userAgent, requestID string, err error, duration time.Duration) {
	event := &Event{
		Timestamp: time.Now(),
		EventType: EventTypeAccess,
		Operation: operation,
		Container: container,
		Blob:      blob,
		ClientIP:  clientIP,
		UserAgent: userAgent,
		RequestID: requestID,
		Success:   err == nil,
		Duration:  duration,
	}
	if err != nil {
		event.Error = err.Error()
	}
	_ = l.Log(event)
}

// Events returns a copy of the buffered events.
func (l *auditLogger) Events() []*Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*Event, len(l.events))
	copy(events, l.events)
	return events
}

// JSONWriter writes one JSON document per event.
type JSONWriter struct {
	mu  sync.Mutex
	out io.Writer
}

// NewJSONWriter creates a JSONWriter on out.
func NewJSONWriter(out io.Writer) *JSONWriter {
	return &JSONWriter{out: out}
}

// WriteEvent implements EventWriter.
func (w *JSONWriter) WriteEvent(event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = fmt.Fprintf(w.out, "%s\n", data)
	return err
}

// LogrusWriter emits events as structured log entries.
type LogrusWriter struct {
	Logger logrus.FieldLogger
}

// WriteEvent implements EventWriter.
func (w *LogrusWriter) WriteEvent(event *Event) error {
	fields := logrus.Fields{
		"audit":       true,
		"event_type":  event.EventType,
		"operation":   event.Operation,
		"container":   event.Container,
		"blob":        event.Blob,
		"success":     event.Success,
		"duration_ms": event.Duration.Milliseconds(),
	}
	if event.KeyID != "" {
		fields["key_id"] = event.KeyID
	}
	if event.Algorithm != "" {
		fields["algorithm"] = event.Algorithm
	}
	if event.KeyWrapAlgo != "" {
		fields["key_wrap_algorithm"] = event.KeyWrapAlgo
	}
	if event.Range != "" {
		fields["range"] = event.Range
	}
	if event.RequestID != "" {
		fields["request_id"] = event.RequestID
	}
	entry := w.Logger.WithFields(fields)
	if event.Error != "" {
		entry.WithField("error", event.Error).Warn("audit")
		return nil
	}
	entry.Info("audit")
	return nil
}
