package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS generation_logs (
	id              UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	user_id         TEXT        NOT NULL,
	request_id      TEXT        NOT NULL,
	model           TEXT        NOT NULL,
	image_size      TEXT        NOT NULL,
	candidate_count INT         NOT NULL,
	charged_credits BIGINT      NOT NULL,
	refunded        BOOLEAN     NOT NULL DEFAULT false,
	finish_reason   TEXT        NOT NULL DEFAULT '',
	image_count     INT         NOT NULL DEFAULT 0,
	status_code     INT         NOT NULL,
	latency_ms      BIGINT      NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS generation_logs_user_created_idx
	ON generation_logs (user_id, created_at DESC);
`

// EnsureSchema creates the history table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create generation_logs: %w", err)
	}
	return nil
}

func (s *PostgresStore) LogGeneration(ctx context.Context, log *GenerationLog) error {
	query := `
		INSERT INTO generation_logs (user_id, request_id, model, image_size, candidate_count,
			charged_credits, refunded, finish_reason, image_count, status_code, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query,
		log.UserID, log.RequestID, log.Model, log.ImageSize, log.CandidateCount,
		log.ChargedCredits, log.Refunded, log.FinishReason, log.ImageCount, log.StatusCode, log.LatencyMs,
	).Scan(&log.ID, &log.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to log generation: %w", err)
	}

	return nil
}

func (s *PostgresStore) GetGenerationsByUser(ctx context.Context, userID string, from, to time.Time) ([]*GenerationLog, error) {
	query := `
		SELECT id, user_id, request_id, model, image_size, candidate_count, charged_credits,
			refunded, finish_reason, image_count, status_code, latency_ms, created_at
		FROM generation_logs
		WHERE user_id = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query generation logs: %w", err)
	}
	defer rows.Close()

	logs := make([]*GenerationLog, 0)
	for rows.Next() {
		var l GenerationLog
		err := rows.Scan(
			&l.ID, &l.UserID, &l.RequestID, &l.Model, &l.ImageSize, &l.CandidateCount, &l.ChargedCredits,
			&l.Refunded, &l.FinishReason, &l.ImageCount, &l.StatusCode, &l.LatencyMs, &l.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan generation log: %w", err)
		}
		logs = append(logs, &l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating generation logs: %w", err)
	}

	return logs, nil
}

func (s *PostgresStore) GetTotalChargedByUser(ctx context.Context, userID string, from, to time.Time) (int64, error) {
	query := `
		SELECT COALESCE(SUM(charged_credits), 0)
		FROM generation_logs
		WHERE user_id = $1 AND refunded = false AND created_at BETWEEN $2 AND $3
	`
	var total int64
	err := s.db.QueryRow(ctx, query, userID, from, to).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to get total charged: %w", err)
	}

	return total, nil
}
