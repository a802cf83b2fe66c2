package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type discardWriter struct{ err error }

func (w discardWriter) WriteEvent(*Event) error { return w.err }

func TestAuditLogger_LogEncrypt(t *testing.T) {
	logger := NewLogger(100, discardWriter{})

	logger.LogEncrypt(CryptoEvent{
		Container:   "photos",
		Blob:        "cat.jpg",
		KeyID:       "key-1",
		Algorithm:   "AES_CBC_256",
		KeyWrapAlgo: "A256KW",
		Duration:    100 * time.Millisecond,
	})

	events := logger.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	event := events[0]
	if event.EventType != EventTypeEncrypt {
		t.Fatalf("expected event type %s, got %s", EventTypeEncrypt, event.EventType)
	}
	if event.Container != "photos" || event.Blob != "cat.jpg" {
		t.Fatalf("unexpected target %s/%s", event.Container, event.Blob)
	}
	if !event.Success {
		t.Fatal("expected success to be true")
	}
}

func TestAuditLogger_LogDecryptFailure(t *testing.T) {
	logger := NewLogger(100, discardWriter{})

	logger.LogDecrypt(CryptoEvent{Container: "photos", Blob: "cat.jpg", Range: "bytes=0-15", Err: errors.New("key mismatch")})

	events := logger.Events()
	require.Len(t, events, 1)
	assert.Equal(t, EventTypeDecrypt, events[0].EventType)
	assert.False(t, events[0].Success)
	assert.Equal(t, "key mismatch", events[0].Error)
	assert.Equal(t, "bytes=0-15", events[0].Range)
}

func TestAuditLogger_LogKeyUnwrapAndAccess(t *testing.T) {
	logger := NewLogger(100, discardWriter{})

	logger.LogKeyUnwrap(CryptoEvent{KeyID: "key-2", KeyWrapAlgo: "RSA-OAEP"})
	logger.LogAccess("delete", "photos", "cat.jpg", "10.0.0.1", "curl", "req-1", nil, time.Millisecond)

	events := logger.Events()
	require.Len(t, events, 2)
	assert.Equal(t, EventTypeKeyUnwrap, events[0].EventType)
	assert.Equal(t, "key-2", events[0].KeyID)
	assert.Equal(t, EventTypeAccess, events[1].EventType)
	assert.Equal(t, "delete", events[1].Operation)
	assert.Equal(t, "req-1", events[1].RequestID)
}

func TestAuditLogger_MaxEvents(t *testing.T) {
	logger := NewLogger(5, discardWriter{})

	for i := 0; i < 10; i++ {
		logger.LogEncrypt(CryptoEvent{Blob: strings.Repeat("x", i+1)})
	}

	events := logger.Events()
	if len(events) != 5 {
		t.Fatalf("expected 5 events (max), got %d", len(events))
	}
	assert.Equal(t, "xxxxxx", events[0].Blob, "oldest events are dropped first")
}

func TestAuditLogger_WriterError(t *testing.T) {
	logger := NewLogger(5, discardWriter{err: errors.New("disk full")})
	err := logger.Log(&Event{EventType: EventTypeAccess})
	assert.Error(t, err)
	assert.Len(t, logger.Events(), 1, "events are buffered even when the writer fails")
}

func TestJSONWriter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(5, NewJSONWriter(&buf))
	logger.LogEncrypt(CryptoEvent{Container: "c", Blob: "b", KeyID: "k"})

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &decoded))
	assert.Equal(t, "encrypt", decoded["event_type"])
	assert.Equal(t, "k", decoded["key_id"])
	assert.Equal(t, true, decoded["success"])
}

func TestLogrusWriter(t *testing.T) {
	base, hook := test.NewNullLogger()
	logger := NewLogger(5, &LogrusWriter{Logger: base})

	logger.LogDecrypt(CryptoEvent{Container: "c", Blob: "b", KeyID: "k", Err: errors.New("bad padding")})

	require.Len(t, hook.Entries, 1)
	entry := hook.LastEntry()
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "k", entry.Data["key_id"])
	assert.Equal(t, "bad padding", entry.Data["error"])
}
