package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/gabihodoroga/log-pipeline/model"
)

// EventSinkBigQuery implements the EventSink with one streaming insert per batch
type EventSinkBigQuery struct {
	client *bigquery.Client
	table  *bigquery.Table
}

func NewEventSinkBigQuery(ctx context.Context, project, dataset, table string) (*EventSinkBigQuery, error) {

	bqclient, err := bigquery.NewClient(ctx, project)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create bigquery client")
	}

	perms, err := bqclient.Dataset(dataset).Table(table).IAM().TestPermissions(ctx, []string{
		"bigquery.tables.updateData",
	})

	if err != nil {
		bqclient.Close()
		return nil, errors.Wrapf(err,
			"failed to get bigquery table permission permissions, project: %s, dataset: %s, table: %s",
			project,
			dataset,
			table)
	}

	if len(perms) == 0 {
		bqclient.Close()
		return nil, fmt.Errorf(
			"required permissions (bigquery.tables.updateData) not found for project: %s, dataset: %s, table: %s",
			project,
			dataset,
			table)
	}

	return &EventSinkBigQuery{
		client: bqclient,
		table:  bqclient.Dataset(dataset).Table(table),
	}, nil
}

// bigQueryRow maps a LogRecord on the logs table
type bigQueryRow struct {
	id        string
	record    *model.LogRecord
	createdAt time.Time
}

// Save implements bigquery.ValueSaver. The row id doubles as insert id for best effort dedup.
func (r *bigQueryRow) Save() (map[string]bigquery.Value, string, error) {
	row := map[string]bigquery.Value{
		"id":         r.id,
		"app_name":   r.record.AppName,
		"level":      string(r.record.Level),
		"message":    r.record.Message,
		"timestamp":  r.record.Timestamp,
		"created_at": r.createdAt,
	}
	if r.record.Context != nil {
		b, err := json.Marshal(r.record.Context)
		if err != nil {
			return nil, "", err
		}
		row["context"] = string(b)
	}
	return row, r.id, nil
}

// Save implements model.EventSink
func (s *EventSinkBigQuery) Save(ctx context.Context, records []*model.LogRecord) error {
	logger := zap.L().With(zap.Any("request_id", ctx.Value(model.RequestIDKey)))
	logger.Debug("EventSinkBigQuery.save: begin request")

	ctx, span := tracer.Start(ctx, "bigquery/save")
	defer span.End()

	now := time.Now().UTC()
	rows := make([]*bigQueryRow, len(records))
	for i, r := range records {
		rows[i] = &bigQueryRow{id: uuid.NewString(), record: r, createdAt: now}
	}

	logger.Debug("EventSinkBigQuery.save: begin insert rows")
	if err := s.table.Inserter().Put(ctx, rows); err != nil {
		return errors.Wrapf(err, "failed to insert %d rows", len(rows))
	}

	logger.Debug("EventSinkBigQuery.save: rows saved")
	return nil
}

// Ping implements model.EventSink
func (s *EventSinkBigQuery) Ping(ctx context.Context) error {
	if _, err := s.table.Metadata(ctx); err != nil {
		return errors.Wrap(err, "failed to read bigquery table metadata")
	}
	return nil
}

// Close implements model.EventSink
func (s *EventSinkBigQuery) Close() error {
	return s.client.Close()
}
