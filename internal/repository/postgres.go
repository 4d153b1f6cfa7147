package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	log "github.com/nadmax/scholarq/internal/logging"
	"github.com/nadmax/scholarq/internal/repository/models"
	"github.com/nadmax/scholarq/internal/task"
)

const schema = `
CREATE TABLE IF NOT EXISTS researcher_history (
	session_id  TEXT NOT NULL,
	name        TEXT NOT NULL,
	lookup_key  TEXT NOT NULL,
	status      TEXT NOT NULL,
	worker_id   TEXT,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (session_id, name)
);
CREATE TABLE IF NOT EXISTS researcher_attempt_log (
	id             BIGSERIAL PRIMARY KEY,
	session_id     TEXT NOT NULL,
	name           TEXT NOT NULL,
	attempt_number INTEGER NOT NULL,
	success        BOOLEAN NOT NULL,
	started_at     TIMESTAMPTZ NOT NULL,
	completed_at   TIMESTAMPTZ NOT NULL,
	duration_ms    INTEGER,
	error_message  TEXT,
	worker_id      TEXT NOT NULL,
	identity       TEXT
);
CREATE INDEX IF NOT EXISTS idx_attempt_log_task ON researcher_attempt_log (session_id, name);
`

type PostgresAttemptRepository struct {
	db *sql.DB
}

func NewPostgresAttemptRepository(connectionString string) (*PostgresAttemptRepository, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresAttemptRepository{db: db}, nil
}

func (r *PostgresAttemptRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (r *PostgresAttemptRepository) SaveTask(ctx context.Context, sessionID string, t *task.Task) error {
	query := `
		INSERT INTO researcher_history (session_id, name, lookup_key, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id, name) DO UPDATE SET
			lookup_key = EXCLUDED.lookup_key,
			status = EXCLUDED.status,
			updated_at = NOW()
	`
	_, err := r.db.ExecContext(ctx, query, sessionID, t.Name, t.Key, string(t.Status))

	return err
}

func (r *PostgresAttemptRepository) UpdateTaskStatus(ctx context.Context, sessionID, name string, status task.Status, workerID string) error {
	query := `
		UPDATE researcher_history
		SET status = $1,
		    worker_id = $2,
		    updated_at = NOW()
		WHERE session_id = $3 AND name = $4
	`
	_, err := r.db.ExecContext(ctx, query, string(status), workerID, sessionID, name)

	return err
}

func (r *PostgresAttemptRepository) LogAttempt(ctx context.Context, sessionID, name string, a task.Attempt) error {
	query := `
		INSERT INTO researcher_attempt_log (
			session_id, name, attempt_number, success, started_at,
			completed_at, duration_ms, error_message, worker_id, identity
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	var msgErrVal any
	if a.Error != "" {
		msgErrVal = a.Error
	}
	var identityVal any
	if a.Identity != "" {
		identityVal = a.Identity
	}

	_, err := r.db.ExecContext(
		ctx,
		query,
		sessionID,
		name,
		a.Number,
		a.Success,
		a.StartedAt,
		a.CompletedAt,
		int(a.Duration.Milliseconds()),
		msgErrVal,
		a.WorkerID,
		identityVal,
	)

	return err
}

func (r *PostgresAttemptRepository) GetTaskHistory(ctx context.Context, sessionID, name string) ([]models.AttemptRecord, error) {
	query := `
		SELECT attempt_number, success, started_at, completed_at,
		       duration_ms, error_message, worker_id, identity
		FROM researcher_attempt_log
		WHERE session_id = $1 AND name = $2
		ORDER BY attempt_number ASC
	`

	rows, err := r.db.QueryContext(ctx, query, sessionID, name)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.WithFields(log.Fields{"error": err.Error()}).Warn("failed to close rows")
		}
	}()

	var history []models.AttemptRecord
	for rows.Next() {
		var rec models.AttemptRecord
		var durationMs sql.NullInt64
		var errMsg, identity sql.NullString

		if err := rows.Scan(
			&rec.AttemptNumber,
			&rec.Success,
			&rec.StartedAt,
			&rec.CompletedAt,
			&durationMs,
			&errMsg,
			&rec.WorkerID,
			&identity,
		); err != nil {
			return nil, err
		}

		rec.Task = name
		if durationMs.Valid {
			rec.DurationMs = int(durationMs.Int64)
		}
		if errMsg.Valid {
			rec.ErrorMessage = errMsg.String
		}
		if identity.Valid {
			rec.Identity = identity.String
		}
		history = append(history, rec)
	}

	return history, rows.Err()
}

func (r *PostgresAttemptRepository) GetSessionStats(ctx context.Context, sessionID string) ([]models.StatusCount, error) {
	query := `
		SELECT status, COUNT(*)
		FROM researcher_history
		WHERE session_id = $1
		GROUP BY status
		ORDER BY status
	`

	rows, err := r.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.WithFields(log.Fields{"error": err.Error()}).Warn("failed to close rows")
		}
	}()

	var stats []models.StatusCount
	for rows.Next() {
		var s models.StatusCount
		if err := rows.Scan(&s.Status, &s.Count); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}

	return stats, rows.Err()
}

func (r *PostgresAttemptRepository) Close() error {
	return r.db.Close()
}
