package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gabihodoroga/log-pipeline/model"
)

func newTestIngestService(publisher *fakePublisher, now time.Time) *IngestService {
	s := NewIngestService(publisher, time.Second)
	s.now = func() time.Time { return now }
	return s
}

func strPtr(s string) *string { return &s }

func TestIngestService_DefaultsTimestampToReceipt(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	publisher := &fakePublisher{}
	s := newTestIngestService(publisher, now)

	ack, err := s.Ingest(context.Background(), &model.IngestRequest{
		AppName: "billing",
		Level:   model.LevelWarn,
		Message: "slow response",
	})
	require.NoError(t, err)
	assert.Equal(t, "OK", ack.Status)
	assert.Equal(t, now.Format(time.RFC3339Nano), ack.ReceivedAt)

	require.Len(t, publisher.published, 1)
	record := publisher.published[0]
	assert.Equal(t, "billing", record.AppName)
	assert.Equal(t, model.LevelWarn, record.Level)
	assert.True(t, record.Timestamp.Equal(now))
	assert.Nil(t, record.Context)
}

func TestIngestService_KeepsClientTimestampAndContext(t *testing.T) {
	publisher := &fakePublisher{}
	s := newTestIngestService(publisher, time.Now())

	_, err := s.Ingest(context.Background(), &model.IngestRequest{
		AppName:   "billing",
		Level:     model.LevelError,
		Message:   "payment failed",
		Timestamp: strPtr("2024-04-30T08:15:00Z"),
		Context:   json.RawMessage(`{"orderId":"42","retries":3}`),
	})
	require.NoError(t, err)

	require.Len(t, publisher.published, 1)
	record := publisher.published[0]
	assert.True(t, record.Timestamp.Equal(time.Date(2024, 4, 30, 8, 15, 0, 0, time.UTC)))
	assert.Equal(t, "42", record.Context["orderId"])
	assert.Equal(t, float64(3), record.Context["retries"])
}

func TestIngestService_InvalidRequestIsNotPublished(t *testing.T) {
	tests := []struct {
		name  string
		req   *model.IngestRequest
		field string
	}{
		{
			name:  "blank app name",
			req:   &model.IngestRequest{AppName: "  ", Level: model.LevelInfo, Message: "m"},
			field: "appName",
		},
		{
			name:  "unknown level",
			req:   &model.IngestRequest{AppName: "a", Level: "DEBUG", Message: "m"},
			field: "level",
		},
		{
			name:  "bad timestamp",
			req:   &model.IngestRequest{AppName: "a", Level: model.LevelInfo, Message: "m", Timestamp: strPtr("yesterday")},
			field: "timestamp",
		},
		{
			name:  "context is not an object",
			req:   &model.IngestRequest{AppName: "a", Level: model.LevelInfo, Message: "m", Context: json.RawMessage(`[1,2]`)},
			field: "context",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			publisher := &fakePublisher{}
			s := newTestIngestService(publisher, time.Now())

			ack, err := s.Ingest(context.Background(), tt.req)
			assert.Nil(t, ack)
			var validationErr *model.ValidationError
			require.True(t, errors.As(err, &validationErr))
			assert.Equal(t, tt.field, validationErr.Field)
			assert.Empty(t, publisher.published)
		})
	}
}

func TestIngestService_PublishFailure(t *testing.T) {
	publisher := &fakePublisher{publishErr: errors.New("leader not available")}
	s := newTestIngestService(publisher, time.Now())

	ack, err := s.Ingest(context.Background(), &model.IngestRequest{
		AppName: "a",
		Level:   model.LevelInfo,
		Message: "m",
	})
	assert.Nil(t, ack)
	var publishErr *model.PublishError
	require.True(t, errors.As(err, &publishErr))
	assert.Contains(t, err.Error(), "leader not available")
}
