package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/jschibelli/ai-create-assistant/internal/shared/models"
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("not found")

type DB struct {
	conn *sql.DB
}

// New creates a new database connection
func New(databaseURL string) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(5 * time.Minute)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	return &DB{conn: conn}, nil
}

// NewWithConn wraps an existing connection pool.
func NewWithConn(conn *sql.DB) *DB {
	return &DB{conn: conn}
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks connectivity
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// GetSubscription retrieves the subscription that carries a user's token limit
func (db *DB) GetSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	query := `
		SELECT user_id, plan, token_limit, updated_at
		FROM subscriptions
		WHERE user_id = $1
	`

	var sub models.Subscription
	err := db.conn.QueryRowContext(ctx, query, userID).Scan(
		&sub.UserID,
		&sub.Plan,
		&sub.TokenLimit,
		&sub.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	return &sub, nil
}

// usage_records days are UTC calendar days
const dateLayout = "2006-01-02"

// AddUsage adds tokens (possibly negative) to the daily usage record,
// creating the row on first use.
func (db *DB) AddUsage(ctx context.Context, userID, modelID string, date time.Time, tokens int64) error {
	query := `
		INSERT INTO usage_records (user_id, model_id, date, token_count, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id, model_id, date)
		DO UPDATE SET token_count = usage_records.token_count + EXCLUDED.token_count,
		              updated_at = NOW()
	`

	if _, err := db.conn.ExecContext(ctx, query, userID, modelID, date.UTC().Format(dateLayout), tokens); err != nil {
		return fmt.Errorf("failed to add usage: %w", err)
	}
	return nil
}

// ListUsage returns a user's daily usage records since the given day, newest first
func (db *DB) ListUsage(ctx context.Context, userID string, since time.Time) ([]models.UsageRecord, error) {
	query := `
		SELECT user_id, model_id, date, token_count, updated_at
		FROM usage_records
		WHERE user_id = $1 AND date >= $2
		ORDER BY date DESC, model_id
	`

	rows, err := db.conn.QueryContext(ctx, query, userID, since.UTC().Format(dateLayout))
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	defer rows.Close()

	var records []models.UsageRecord
	for rows.Next() {
		var rec models.UsageRecord
		if err := rows.Scan(&rec.UserID, &rec.ModelID, &rec.Date, &rec.TokenCount, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// LogCompletions stores a batch of completion logs in one transaction
func (db *DB) LogCompletions(ctx context.Context, logs []*models.CompletionLog) error {
	if len(logs) == 0 {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO completion_logs (
			id, user_id, model, provider, mode, outcome, estimated_tokens,
			actual_tokens, cost_usd, latency_ms, error_code, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, log := range logs {
		_, err := stmt.ExecContext(ctx,
			log.ID,
			log.UserID,
			log.Model,
			log.Provider,
			log.Mode,
			log.Outcome,
			log.EstimatedTokens,
			log.ActualTokens,
			log.CostUSD,
			log.LatencyMs,
			log.ErrorCode,
			log.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert completion log %s: %w", log.ID, err)
		}
	}

	return tx.Commit()
}
