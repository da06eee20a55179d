package model

import (
	"context"
	"time"
)

// ContextKey is a string that can be stored in the context
type ContextKey string

// RequestIDKey is the context key holding the request id of a message or http request
const RequestIDKey = ContextKey("request_id")

// Delivery is a single message received from the transport. Handle is owned by the
// transport implementation and is used to commit or ack the message.
type Delivery struct {
	ID         string
	Partition  int32
	Offset     int64
	Data       []byte
	ReceivedAt time.Time
	Handle     any
}

// DeliveryFunc receives transport messages one at a time
type DeliveryFunc func(ctx context.Context, d *Delivery)

// EventHandler is the abstraction of the transport consumer
type EventHandler interface {
	// Start connects to the transport and delivers messages to fn until Stop is called.
	Start(ctx context.Context, fn DeliveryFunc) error
	// Stop stops delivering new messages and waits for the callback in progress to return.
	Stop(ctx context.Context) error
	// Commit marks the deliveries as processed on the transport.
	Commit(ctx context.Context, deliveries []*Delivery) error
	Stats(ctx context.Context) (HandlerStats, error)
	Close() error
}

// HandlerStats is the model for reporting the event processing statistics
type HandlerStats struct {
	Received int64 `json:"received"`
	Success  int64 `json:"success"`
	Errors   int64 `json:"error"`
}

// EventPublisher is the abstraction of the transport producer
type EventPublisher interface {
	Publish(ctx context.Context, record *LogRecord) error
	Ping(ctx context.Context) error
	Close() error
}

// EventSink is the abstraction of the event destination
type EventSink interface {
	// Save persists all records in a single bulk operation.
	Save(ctx context.Context, records []*LogRecord) error
	Ping(ctx context.Context) error
	Close() error
}

// LogFilter selects persisted records
type LogFilter struct {
	AppName string
	Level   LogLevel
	Limit   int
}

// StoredLog is a persisted LogRecord
type StoredLog struct {
	ID string `json:"id"`
	LogRecord
	CreatedAt time.Time `json:"createdAt"`
}

// LogFinder is implemented by sinks that can be queried
type LogFinder interface {
	FindLogs(ctx context.Context, filter LogFilter) ([]*StoredLog, error)
}

// FlushTrigger tells why a snapshot was taken
type FlushTrigger string

const (
	TriggerSize     FlushTrigger = "size"
	TriggerTimeout  FlushTrigger = "timeout"
	TriggerShutdown FlushTrigger = "shutdown"
)

// Snapshot is a detached copy of the batch buffer. It is never modified after it is taken.
type Snapshot struct {
	Generation uint64
	Trigger    FlushTrigger
	Records    []*LogRecord
	Deliveries []*Delivery
}
