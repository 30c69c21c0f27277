// Package store archives terminal task outcomes in PostgreSQL. Redis keeps
// the live queue state with bounded retention; the archive is the durable
// record operators query after the queue partitions have expired.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/MangaiYashobeam/FMD/api/schemas"
)

// DBPool abstracts pgxpool.Pool so tests can substitute a mock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Store provides the PostgreSQL task-result archive.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a store and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool, log: logger.Named("store")}, nil
}

// ArchiveResult records one terminal task outcome.
func (s *Store) ArchiveResult(ctx context.Context, result *schemas.TaskResult) error {
	data := []byte("{}")
	if len(result.Data) > 0 {
		var err error
		data, err = json.Marshal(result.Data)
		if err != nil {
			return fmt.Errorf("failed to serialize result data: %w", err)
		}
	}

	sql := `
        INSERT INTO task_results (task_id, task_type, account_id, status, worker_id, started_at, completed_at, error, data)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (task_id) DO UPDATE SET
            status = EXCLUDED.status,
            worker_id = EXCLUDED.worker_id,
            completed_at = EXCLUDED.completed_at,
            error = EXCLUDED.error,
            data = task_results.data || EXCLUDED.data;
    `
	if _, err := s.pool.Exec(ctx, sql,
		result.TaskID, string(result.Type), result.AccountID, string(result.Status),
		result.WorkerID, result.StartedAt, result.CompletedAt, result.Error, data,
	); err != nil {
		return fmt.Errorf("failed to archive result for task %s: %w", result.TaskID, err)
	}
	return nil
}

// ArchiveBatch records many terminal outcomes in one transaction via COPY.
// Used when draining a backlog at shutdown.
func (s *Store) ArchiveBatch(ctx context.Context, results []*schemas.TaskResult) error {
	if len(results) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && rollbackErr != pgx.ErrTxClosed {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	rows := make([][]interface{}, len(results))
	for i, r := range results {
		data := "{}"
		if len(r.Data) > 0 {
			raw, err := json.Marshal(r.Data)
			if err != nil {
				return fmt.Errorf("failed to serialize result data for %s: %w", r.TaskID, err)
			}
			data = string(raw)
		}
		rows[i] = []interface{}{
			r.TaskID, string(r.Type), r.AccountID, string(r.Status),
			r.WorkerID, r.StartedAt, r.CompletedAt, r.Error, data,
		}
	}

	copyCount, err := tx.CopyFrom(
		ctx,
		pgx.Identifier{"task_results"},
		[]string{"task_id", "task_type", "account_id", "status", "worker_id", "started_at", "completed_at", "error", "data"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("failed to copy task results: %w", err)
	}
	if int(copyCount) != len(results) {
		return fmt.Errorf("mismatch in copied result count: expected %d, got %d", len(results), copyCount)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ResultsByAccount returns archived results for one account, newest first.
func (s *Store) ResultsByAccount(ctx context.Context, accountID string, limit int) ([]schemas.TaskResult, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
        SELECT task_id, task_type, account_id, status, worker_id, started_at, completed_at, error, data
        FROM task_results
        WHERE account_id = $1
        ORDER BY completed_at DESC
        LIMIT $2;
    `
	rows, err := s.pool.Query(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query task results: %w", err)
	}
	defer rows.Close()

	var results []schemas.TaskResult
	for rows.Next() {
		var r schemas.TaskResult
		var taskType, status string
		var data []byte
		if err := rows.Scan(
			&r.TaskID, &taskType, &r.AccountID, &status,
			&r.WorkerID, &r.StartedAt, &r.CompletedAt, &r.Error, &data,
		); err != nil {
			return nil, fmt.Errorf("failed to scan result row: %w", err)
		}
		r.Type = schemas.TaskType(taskType)
		r.Status = schemas.TaskStatus(status)
		if len(data) > 0 {
			if err := json.Unmarshal(data, &r.Data); err != nil {
				return nil, fmt.Errorf("failed to decode result data for %s: %w", r.TaskID, err)
			}
		}
		results = append(results, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return results, nil
}
