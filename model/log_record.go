package model

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// LogLevel is the severity of a log record
type LogLevel string

const (
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// Valid reports whether l is one of the supported levels
func (l LogLevel) Valid() bool {
	switch l {
	case LevelInfo, LevelWarn, LevelError:
		return true
	}
	return false
}

// LogRecord is the unit flowing through the pipeline
type LogRecord struct {
	AppName   string         `json:"appName"`
	Level     LogLevel       `json:"level"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Context   map[string]any `json:"context,omitempty"`
}

// IngestRequest is the inbound payload of the ingestion boundary
type IngestRequest struct {
	AppName   string          `json:"appName" binding:"required"`
	Level     LogLevel        `json:"level" binding:"required,oneof=INFO WARN ERROR"`
	Message   string          `json:"message" binding:"required"`
	Timestamp *string         `json:"timestamp,omitempty"`
	Context   json.RawMessage `json:"context,omitempty"`
}

// IngestAck acknowledges that a record was enqueued, not that it was persisted
type IngestAck struct {
	Status     string `json:"status"`
	ReceivedAt string `json:"receivedAt"`
}

// ISO-8601 forms accepted for the timestamp field
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTimestamp parses an ISO-8601 instant. Values without a zone are read as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	var lastErr error
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// Validate checks the request. The returned error is a *ValidationError.
func (r *IngestRequest) Validate() error {
	if strings.TrimSpace(r.AppName) == "" {
		return NewValidationError("appName", "appName must be a non-empty string")
	}
	if !r.Level.Valid() {
		return NewValidationError("level", "level must be one of the following values: INFO, WARN, ERROR")
	}
	if strings.TrimSpace(r.Message) == "" {
		return NewValidationError("message", "message must be a non-empty string")
	}
	if r.Timestamp != nil {
		if _, err := ParseTimestamp(*r.Timestamp); err != nil {
			return NewValidationError("timestamp", "timestamp must be a valid ISO8601 date string")
		}
	}
	if len(r.Context) > 0 && !bytes.Equal(bytes.TrimSpace(r.Context), []byte("null")) {
		var ctx map[string]any
		if err := json.Unmarshal(r.Context, &ctx); err != nil {
			return NewValidationError("context", "context must be an object")
		}
	}
	return nil
}

// Normalize builds the record published to the transport. receivedAt becomes the
// timestamp when the request carries none. Validate must have succeeded.
func (r *IngestRequest) Normalize(receivedAt time.Time) (*LogRecord, error) {
	record := &LogRecord{
		AppName:   r.AppName,
		Level:     r.Level,
		Message:   r.Message,
		Timestamp: receivedAt.UTC(),
	}
	if r.Timestamp != nil {
		t, err := ParseTimestamp(*r.Timestamp)
		if err != nil {
			return nil, NewValidationError("timestamp", "timestamp must be a valid ISO8601 date string")
		}
		record.Timestamp = t
	}
	if len(r.Context) > 0 {
		if err := json.Unmarshal(r.Context, &record.Context); err != nil {
			return nil, NewValidationError("context", "context must be an object")
		}
	}
	return record, nil
}

// DecodeLogRecord parses a transport payload. The returned error is a *DeserializationError.
func DecodeLogRecord(data []byte) (*LogRecord, error) {
	record := &LogRecord{}
	if err := json.Unmarshal(data, record); err != nil {
		return nil, &DeserializationError{Reason: "invalid json", Err: err}
	}
	switch {
	case record.AppName == "":
		return nil, &DeserializationError{Reason: "missing appName"}
	case !record.Level.Valid():
		return nil, &DeserializationError{Reason: "invalid level " + string(record.Level)}
	case record.Message == "":
		return nil, &DeserializationError{Reason: "missing message"}
	case record.Timestamp.IsZero():
		return nil, &DeserializationError{Reason: "missing timestamp"}
	}
	return record, nil
}
