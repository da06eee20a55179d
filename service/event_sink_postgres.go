package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/gabihodoroga/log-pipeline/migrations"
	"github.com/gabihodoroga/log-pipeline/model"
)

var logColumns = []string{"id", "app_name", "level", "message", "timestamp", "context"}

// EventSinkPostgres implements the EventSink with a single COPY per batch
type EventSinkPostgres struct {
	pool *pgxpool.Pool
}

// NewEventSinkPostgres opens the connection pool. The pool connects lazily, use Ping to verify
// the database is reachable.
func NewEventSinkPostgres(ctx context.Context, databaseURL string, maxConns int32) (*EventSinkPostgres, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse database url")
	}
	if maxConns > 0 {
		poolConfig.MaxConns = maxConns
	}
	poolConfig.MaxConnIdleTime = 30 * time.Second
	poolConfig.ConnConfig.ConnectTimeout = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create connection pool")
	}
	return &EventSinkPostgres{pool: pool}, nil
}

// MigratePostgres applies the embedded migrations to the database at databaseURL
func MigratePostgres(databaseURL string) error {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return errors.Wrap(err, "failed to load migrations")
	}
	target := strings.Replace(databaseURL, "postgres://", "pgx5://", 1)
	m, err := migrate.NewWithSourceInstance("iofs", source, target)
	if err != nil {
		return errors.Wrap(err, "failed to initialize migrations")
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "failed to run migrations")
	}
	return nil
}

// Save implements model.EventSink
func (s *EventSinkPostgres) Save(ctx context.Context, records []*model.LogRecord) error {
	if len(records) == 0 {
		return nil
	}
	ctx, span := tracer.Start(ctx, "postgres/save")
	defer span.End()

	rows := make([][]any, len(records))
	for i, r := range records {
		var logContext any
		if r.Context != nil {
			logContext = r.Context
		}
		rows[i] = []any{uuid.New(), r.AppName, string(r.Level), r.Message, r.Timestamp, logContext}
	}

	n, err := s.pool.CopyFrom(ctx, pgx.Identifier{"logs"}, logColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return errors.Wrapf(err, "failed to copy %d logs", len(records))
	}
	zap.L().Sugar().Debugf("EventSinkPostgres.save: %d rows copied", n)
	return nil
}

// Ping implements model.EventSink with a trivial round trip
func (s *EventSinkPostgres) Ping(ctx context.Context) error {
	var one int
	if err := s.pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return errors.Wrap(err, "database health check failed")
	}
	return nil
}

// FindLogs implements model.LogFinder, newest first
func (s *EventSinkPostgres) FindLogs(ctx context.Context, filter model.LogFilter) ([]*model.StoredLog, error) {
	var (
		where []string
		args  []any
	)
	if filter.AppName != "" {
		args = append(args, filter.AppName)
		where = append(where, fmt.Sprintf("app_name = $%d", len(args)))
	}
	if filter.Level != "" {
		args = append(args, string(filter.Level))
		where = append(where, fmt.Sprintf("level = $%d", len(args)))
	}
	query := `SELECT id, app_name, level, message, "timestamp", context, created_at FROM logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, filter.Limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query logs")
	}
	defer rows.Close()

	var logs []*model.StoredLog
	for rows.Next() {
		var (
			l         model.StoredLog
			id        uuid.UUID
			level     string
			timestamp *time.Time
		)
		if err := rows.Scan(&id, &l.AppName, &level, &l.Message, &timestamp, &l.Context, &l.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan log")
		}
		l.ID = id.String()
		l.Level = model.LogLevel(level)
		if timestamp != nil {
			l.Timestamp = *timestamp
		}
		logs = append(logs, &l)
	}
	return logs, errors.Wrap(rows.Err(), "failed to read logs")
}

// Close implements model.EventSink
func (s *EventSinkPostgres) Close() error {
	s.pool.Close()
	return nil
}
