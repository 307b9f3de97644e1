// Package storage provides the SQLite run log.
//
// Information Hiding:
// - SQLite connection management hidden behind RunLog
// - Schema details encapsulated
// - Thread-safe via sql.DB's built-in connection pooling
//
// The run log is operational telemetry: conversion runs with their attempt
// history, and token usage per dispatch. Nothing in the request path reads
// it; losing the file loses statistics, not data.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nbcopilot/nbcopilot/llm"
)

// RunLog records conversion runs and per-dispatch token usage in SQLite.
type RunLog struct {
	db *sql.DB
}

// OpenRunLog opens or creates the run log database at the given path.
// Creates parent directories if they don't exist.
func OpenRunLog(path string) (*RunLog, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	log := &RunLog{db: db}
	if err := log.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return log, nil
}

// NewRunLogInMemory creates an in-memory run log (useful for testing).
func NewRunLogInMemory() (*RunLog, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory SQLite: %w", err)
	}

	log := &RunLog{db: db}
	if err := log.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return log, nil
}

// Close closes the database connection.
func (l *RunLog) Close() error {
	return l.db.Close()
}

func (l *RunLog) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversion_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			notebook TEXT NOT NULL,
			started_at TEXT NOT NULL DEFAULT (datetime('now')),
			finished_at TEXT,
			succeeded INTEGER
		);

		CREATE TABLE IF NOT EXISTS conversion_attempts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id INTEGER NOT NULL,
			attempt INTEGER NOT NULL,
			stage TEXT NOT NULL,
			error TEXT,
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			FOREIGN KEY (run_id) REFERENCES conversion_runs(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_attempts_run
		ON conversion_attempts(run_id, attempt);

		CREATE TABLE IF NOT EXISTS usage (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			purpose TEXT NOT NULL,
			model TEXT NOT NULL,
			prompt_tokens INTEGER NOT NULL,
			completion_tokens INTEGER NOT NULL,
			total_tokens INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_usage_purpose
		ON usage(purpose, created_at DESC);
	`

	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// BeginRun opens a conversion run record and returns its id.
func (l *RunLog) BeginRun(ctx context.Context, notebook string) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		"INSERT INTO conversion_runs (notebook) VALUES (?)", notebook)
	if err != nil {
		return 0, fmt.Errorf("failed to begin run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read run id: %w", err)
	}
	return id, nil
}

// RecordAttempt logs one attempt within a run. stage names the pipeline
// stage (generate, placeholder, validate, repair); errMsg is empty for a
// successful attempt.
func (l *RunLog) RecordAttempt(ctx context.Context, runID int64, attempt int, stage, errMsg string) error {
	var errVal interface{}
	if errMsg != "" {
		errVal = errMsg
	}
	_, err := l.db.ExecContext(ctx,
		"INSERT INTO conversion_attempts (run_id, attempt, stage, error) VALUES (?, ?, ?, ?)",
		runID, attempt, stage, errVal)
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	return nil
}

// FinishRun closes a run record with its outcome.
func (l *RunLog) FinishRun(ctx context.Context, runID int64, succeeded bool) error {
	_, err := l.db.ExecContext(ctx,
		"UPDATE conversion_runs SET finished_at = datetime('now'), succeeded = ? WHERE id = ?",
		succeeded, runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

// RunErrors returns the accumulated error messages of a run in attempt order.
func (l *RunLog) RunErrors(ctx context.Context, runID int64) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT error FROM conversion_attempts
		WHERE run_id = ? AND error IS NOT NULL
		ORDER BY attempt ASC, id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	errs := []string{} // Start with empty slice, not nil
	for rows.Next() {
		var e string
		if err := rows.Scan(&e); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		errs = append(errs, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attempts: %w", err)
	}
	return errs, nil
}

// RecordUsage logs the token usage of one dispatch.
func (l *RunLog) RecordUsage(purpose, model string, usage llm.Usage) error {
	_, err := l.db.Exec(`
		INSERT INTO usage (purpose, model, prompt_tokens, completion_tokens, total_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		purpose, model,
		usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens,
		time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

// UsageTotals sums total tokens per purpose.
func (l *RunLog) UsageTotals(ctx context.Context) (map[string]int64, error) {
	rows, err := l.db.QueryContext(ctx,
		"SELECT purpose, SUM(total_tokens) FROM usage GROUP BY purpose")
	if err != nil {
		return nil, fmt.Errorf("failed to query usage: %w", err)
	}
	defer rows.Close()

	totals := map[string]int64{}
	for rows.Next() {
		var purpose string
		var total int64
		if err := rows.Scan(&purpose, &total); err != nil {
			return nil, fmt.Errorf("failed to scan usage: %w", err)
		}
		totals[purpose] = total
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage: %w", err)
	}
	return totals, nil
}
