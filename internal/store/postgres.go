package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/PratikDhanave/ingestion-relay/internal/metrics"
	"github.com/PratikDhanave/ingestion-relay/internal/models"
)

// migrationsFS is embedded so the relay can bootstrap its own schema.
//
//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	connectTimeout = 10 * time.Second
	writeTimeout   = 10 * time.Second
	queryTimeout   = 5 * time.Second

	tableRequests = "inbound_requests"
	tableAttempts = "delivery_attempts"
)

// ErrNotFound is returned by the read helpers when no row matches.
var ErrNotFound = errors.New("store: not found")

// PostgresStore is the append-only audit log of inbound requests and delivery attempts.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a connection pool and fails fast if DB is unreachable.
func NewPostgresStore(dbURL string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Migrate applies the embedded migrations. Safe to run multiple times.
func Migrate(dbURL string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, dbURL)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Ping is used by readiness endpoint to validate DB connectivity.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (p *PostgresStore) Close() {
	p.pool.Close()
}

// RecordRequest inserts one inbound_requests row and returns its request_id.
// Routing columns are NULL when req.Parsed is nil.
func (p *PostgresStore) RecordRequest(ctx context.Context, req *models.InboundRequest) (int64, error) {
	var env, namespace, appID, deviceTS, eventData any
	if req.Parsed != nil {
		payload, err := json.Marshal(req.Parsed.EventData)
		if err != nil {
			return 0, fmt.Errorf("marshal event data: %w", err)
		}
		env, namespace, appID = req.Parsed.Env, req.Parsed.Namespace, req.Parsed.AppID
		deviceTS = req.Parsed.DeviceTimestamp()
		eventData = payload
	}

	// Device timestamps arrive in ms; to_timestamp works in seconds.
	return p.insertReturningID(ctx, tableRequests, `
		INSERT INTO inbound_requests(received_timestamp, ip_address, response_code, raw_data,
			environment, namespace, app_id, device_created_timestamp, event_data_json)
		VALUES (NOW(), $1, $2, $3, $4, $5, $6, to_timestamp($7::numeric / 1000), $8)
		RETURNING request_id
	`, req.IPAddress, req.ResponseCode, sanitizeText(req.RawData), env, namespace, appID, deviceTS, eventData)
}

// RecordDeliveryAttempt inserts one delivery_attempts row and returns its attempt_id.
func (p *PostgresStore) RecordDeliveryAttempt(ctx context.Context, a *models.DeliveryAttempt) (int64, error) {
	var eventData any
	if len(a.EventData) > 0 {
		eventData = []byte(a.EventData)
	}

	return p.insertReturningID(ctx, tableAttempts, `
		INSERT INTO delivery_attempts(request_id, sent_timestamp, response_code, attempt_number,
			environment, namespace, app_id, device_created_timestamp, event_data_json, abandoned)
		VALUES ($1, NOW(), $2, $3, $4, $5, $6, to_timestamp($7::numeric / 1000), $8, $9)
		RETURNING attempt_id
	`, a.RequestID, a.ResponseCode, a.AttemptNumber, a.Key.Env, a.Key.Namespace, a.Key.AppID,
		a.DeviceTimestamp, eventData, a.Abandoned)
}

// RecordNoAttempt inserts a delivery_attempts row holding only the request id,
// for accepted requests that never reached an emitter.
func (p *PostgresStore) RecordNoAttempt(ctx context.Context, requestID int64) (int64, error) {
	return p.insertReturningID(ctx, tableAttempts, `
		INSERT INTO delivery_attempts(request_id) VALUES ($1) RETURNING attempt_id
	`, requestID)
}

// insertReturningID runs one INSERT ... RETURNING on its own connection inside a
// transaction. The connection goes back to the pool on every path.
func (p *PostgresStore) insertReturningID(ctx context.Context, table, query string, args ...any) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		metrics.AuditWriteDuration.WithLabelValues(table).Observe(time.Since(start).Seconds())
	}()

	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		metrics.AuditWriteErrors.WithLabelValues(table).Inc()
		return 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var id int64
	err = pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, query, args...).Scan(&id)
	})
	if err != nil {
		metrics.AuditWriteErrors.WithLabelValues(table).Inc()
		return 0, fmt.Errorf("insert into %s: %w", table, err)
	}

	return id, nil
}

// GetRequest reads one inbound_requests row.
func (p *PostgresStore) GetRequest(ctx context.Context, requestID int64) (*models.StoredRequest, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var r models.StoredRequest
	err := p.pool.QueryRow(ctx, `
		SELECT request_id, received_timestamp, COALESCE(ip_address, ''), response_code, COALESCE(raw_data, ''),
			environment, namespace, app_id, device_created_timestamp, event_data_json
		FROM inbound_requests
		WHERE request_id = $1
	`, requestID).Scan(
		&r.ID, &r.ReceivedAt, &r.IPAddress, &r.ResponseCode, &r.RawData,
		&r.Env, &r.Namespace, &r.AppID, &r.DeviceCreatedTimestamp, &r.EventData,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get request: %w", err)
	}

	return &r, nil
}

// ListAttempts returns the delivery_attempts rows of a request in insertion order.
// No-attempt rows come back with AttemptNumber 0 and ResponseCode 0.
func (p *PostgresStore) ListAttempts(ctx context.Context, requestID int64) ([]models.DeliveryAttempt, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := p.pool.Query(ctx, `
		SELECT attempt_id, request_id, COALESCE(sent_timestamp, 'epoch'::timestamptz),
			COALESCE(response_code, 0), COALESCE(attempt_number, 0),
			COALESCE(environment, ''), COALESCE(namespace, ''), COALESCE(app_id, ''),
			(extract(epoch FROM device_created_timestamp) * 1000)::bigint,
			event_data_json, abandoned
		FROM delivery_attempts
		WHERE request_id = $1
		ORDER BY attempt_id
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var out []models.DeliveryAttempt
	for rows.Next() {
		var a models.DeliveryAttempt
		var eventData []byte
		if err := rows.Scan(
			&a.ID, &a.RequestID, &a.SentAt, &a.ResponseCode, &a.AttemptNumber,
			&a.Key.Env, &a.Key.Namespace, &a.Key.AppID, &a.DeviceTimestamp, &eventData, &a.Abandoned,
		); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.EventData = eventData
		out = append(out, a)
	}

	return out, rows.Err()
}

// sanitizeText makes a raw body storable in a TEXT column.
func sanitizeText(s string) string {
	return strings.ReplaceAll(strings.ToValidUTF8(s, "�"), "\x00", "")
}
