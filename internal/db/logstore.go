package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coindeck/coindeck-api/internal/app_interfaces"
	"github.com/coindeck/coindeck-api/internal/models"
)

// Ensure LogStore implements app_interfaces.RequestLogStore.
var _ app_interfaces.RequestLogStore = (*LogStore)(nil)

// LogStore writes the append-only api_request_logs table through a pgx
// pool, kept separate from the GORM connection so the request firehose
// never competes with the key/subscription workload.
type LogStore struct {
	pool *pgxpool.Pool
}

func InitLogStore(dsn string) (*LogStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 20
	cfg.MinConns = 1
	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %v", err)
	}
	store := &LogStore{pool: pool}
	if err := store.ensureSchema(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to prepare request log schema: %v", err)
	}
	return store, nil
}

// ensureSchema creates the log table if needed. It lives outside the
// GORM AutoMigrate set because it is written through pgx only.
func (db *LogStore) ensureSchema(ctx context.Context) error {
	q := `CREATE TABLE IF NOT EXISTS api_request_logs (
		time TIMESTAMPTZ NOT NULL,
		key_id VARCHAR(36) NOT NULL,
		endpoint VARCHAR(128),
		method VARCHAR(8),
		status_code INT,
		latency_ms BIGINT,
		hashed_caller_ip VARCHAR(64),
		user_agent VARCHAR(256)
	);
	CREATE INDEX IF NOT EXISTS ix_request_logs_key_time ON api_request_logs (key_id, time DESC);`
	_, err := db.pool.Exec(ctx, q)
	return err
}

func (db *LogStore) CloseDB() {
	if db.pool != nil {
		db.pool.Close()
	}
}

func (db *LogStore) Health(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

func (db *LogStore) InsertRequestLog(ctx context.Context, e models.RequestLog) error {
	q := `INSERT INTO api_request_logs (time, key_id, endpoint, method, status_code, latency_ms, hashed_caller_ip, user_agent) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := db.pool.Exec(ctx, q, e.Timestamp, e.KeyID, e.Endpoint, e.Method, e.StatusCode, e.LatencyMs, e.HashedCallerIP, e.UserAgent)
	return err
}
