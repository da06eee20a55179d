package model

import (
	"fmt"

	"github.com/pkg/errors"
)

// ValidationError is returned for a malformed inbound event. It never enters the pipeline.
type ValidationError struct {
	Field   string
	Message string
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	return e.Message
}

// PublishError is returned when the transport did not accept a record
type PublishError struct {
	Err error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("failed to publish record: %v", e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// DeserializationError is returned for a transport payload that is not a valid LogRecord
type DeserializationError struct {
	Reason string
	Err    error
}

func (e *DeserializationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed log record: %s: %v", e.Reason, e.Err)
	}
	return "malformed log record: " + e.Reason
}

func (e *DeserializationError) Unwrap() error { return e.Err }

// FlushError is returned when the bulk write of a snapshot failed
type FlushError struct {
	Generation uint64
	Records    int
	Err        error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("failed to flush batch %d with %d records: %v", e.Generation, e.Records, e.Err)
}

func (e *FlushError) Unwrap() error { return e.Err }

// SinkUnavailableError is returned when the sink liveness probe fails
type SinkUnavailableError struct {
	Err error
}

func (e *SinkUnavailableError) Error() string {
	return fmt.Sprintf("sink unavailable: %v", e.Err)
}

func (e *SinkUnavailableError) Unwrap() error { return e.Err }

// IsFatal reports whether err requires the process to restart
func IsFatal(err error) bool {
	var flushErr *FlushError
	var sinkErr *SinkUnavailableError
	return errors.As(err, &flushErr) || errors.As(err, &sinkErr)
}
