package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/BTreeMap/ReplyPipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore persists everything in a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(strings.SplitN(dsn, "?", 2)[0])
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	openDSN := dsn
	if !strings.Contains(openDSN, "?") {
		openDSN += "?_busy_timeout=5000&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", openDSN)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "dsn", dsn)

	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}

func (s *SQLiteStore) SaveFlow(ctx context.Context, def models.FlowDefinition) error {
	now := time.Now().UTC()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now
	doc, err := encodeFlow(def)
	if err != nil {
		return err
	}
	// created_at is kept from the first save.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO flows (id, owner_id, name, platform, is_active, definition_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id,
			name = excluded.name,
			platform = excluded.platform,
			is_active = excluded.is_active,
			definition_json = excluded.definition_json,
			updated_at = excluded.updated_at`,
		def.ID, def.OwnerID, def.Name, def.Platform, def.IsActive, doc, def.CreatedAt.UTC(), now)
	if err != nil {
		slog.Error("SQLiteStore SaveFlow failed", "error", err, "flowID", def.ID)
		return wrapUnavailable("save flow", err)
	}
	slog.Debug("SQLiteStore SaveFlow succeeded", "flowID", def.ID, "active", def.IsActive)
	return nil
}

func (s *SQLiteStore) GetFlow(ctx context.Context, id string) (*models.FlowDefinition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, is_active, definition_json, created_at, updated_at FROM flows WHERE id = ?`, id)
	def, err := scanFlow(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("flow %s: %w", id, models.ErrFlowNotFound)
	}
	if err != nil {
		slog.Error("SQLiteStore GetFlow failed", "error", err, "flowID", id)
		return nil, wrapUnavailable("get flow", err)
	}
	return &def, nil
}

func (s *SQLiteStore) ListFlows(ctx context.Context) ([]models.FlowDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, is_active, definition_json, created_at, updated_at FROM flows ORDER BY created_at, id`)
	if err != nil {
		return nil, wrapUnavailable("list flows", err)
	}
	flows, err := collectFlows(rows)
	if err != nil {
		return nil, err
	}
	sortFlows(flows)
	return flows, nil
}

func (s *SQLiteStore) ListActiveFlows(ctx context.Context) ([]models.FlowDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, is_active, definition_json, created_at, updated_at FROM flows WHERE is_active = 1 ORDER BY created_at, id`)
	if err != nil {
		slog.Error("SQLiteStore ListActiveFlows query failed", "error", err)
		return nil, wrapUnavailable("list active flows", err)
	}
	flows, err := collectFlows(rows)
	if err != nil {
		return nil, err
	}
	sortFlows(flows)
	return flows, nil
}

func (s *SQLiteStore) SetFlowActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE flows SET is_active = ?, updated_at = ? WHERE id = ?`, active, time.Now().UTC(), id)
	if err != nil {
		return wrapUnavailable("set flow active", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("flow %s: %w", id, models.ErrFlowNotFound)
	}
	slog.Debug("SQLiteStore SetFlowActive succeeded", "flowID", id, "active", active)
	return nil
}

func (s *SQLiteStore) GetExecutionState(ctx context.Context, key models.StateKey) (*models.ExecutionState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stateColumns+` FROM execution_states WHERE flow_id = ? AND user_id = ?`, key.FlowID, key.UserID)
	st, err := scanExecutionState(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetExecutionState failed", "error", err, "key", key.String())
		return nil, wrapUnavailable("get execution state", err)
	}
	return &st, nil
}

func (s *SQLiteStore) SaveExecutionState(ctx context.Context, state *models.ExecutionState) error {
	now := time.Now().UTC()
	var res sql.Result
	var err error
	if state.Version == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO execution_states (`+stateColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
			state.FlowID, state.UserID, state.CurrentStepNumber, state.RepliesSentToUser,
			nullTime(state.LastReplyAt), nullTime(state.LastTriggerAt), string(state.Status),
			state.ArmedStepNumber, nullTime(state.FireAt), string(state.Channel), now)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE execution_states SET
				current_step_number = ?, replies_sent = ?, last_reply_at = ?, last_trigger_at = ?,
				status = ?, armed_step_number = ?, fire_at = ?, channel = ?,
				version = version + 1, updated_at = ?
			WHERE flow_id = ? AND user_id = ? AND version = ?`,
			state.CurrentStepNumber, state.RepliesSentToUser,
			nullTime(state.LastReplyAt), nullTime(state.LastTriggerAt), string(state.Status),
			state.ArmedStepNumber, nullTime(state.FireAt), string(state.Channel), now,
			state.FlowID, state.UserID, state.Version)
	}
	if err != nil {
		slog.Error("SQLiteStore SaveExecutionState failed", "error", err, "key", state.Key().String())
		return wrapUnavailable("save execution state", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapUnavailable("save execution state", err)
	}
	if n == 0 {
		slog.Debug("SQLiteStore SaveExecutionState version conflict", "key", state.Key().String(), "version", state.Version)
		return fmt.Errorf("save %s at version %d: %w", state.Key(), state.Version, models.ErrConcurrencyConflict)
	}
	state.Version++
	state.UpdatedAt = now
	slog.Debug("SQLiteStore SaveExecutionState succeeded", "key", state.Key().String(), "status", state.Status, "version", state.Version)
	return nil
}

func (s *SQLiteStore) DeleteExecutionState(ctx context.Context, key models.StateKey) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM execution_states WHERE flow_id = ? AND user_id = ?`, key.FlowID, key.UserID)
	if err != nil {
		slog.Error("SQLiteStore DeleteExecutionState failed", "error", err, "key", key.String())
		return wrapUnavailable("delete execution state", err)
	}
	return nil
}

func (s *SQLiteStore) ListAwaitingDelay(ctx context.Context) ([]models.ExecutionState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stateColumns+` FROM execution_states WHERE status = ? ORDER BY flow_id, user_id`,
		string(models.StatusAwaitingDelay))
	if err != nil {
		return nil, wrapUnavailable("list awaiting delay", err)
	}
	return collectStates(rows)
}

func (s *SQLiteStore) ListFlowStates(ctx context.Context, flowID string) ([]models.ExecutionState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stateColumns+` FROM execution_states WHERE flow_id = ? ORDER BY user_id`, flowID)
	if err != nil {
		return nil, wrapUnavailable("list flow states", err)
	}
	return collectStates(rows)
}

func (s *SQLiteStore) IncrementTriggers(ctx context.Context, flowID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flow_stats (flow_id, total_triggers, total_replies, last_trigger_at) VALUES (?, 1, 0, ?)
		ON CONFLICT(flow_id) DO UPDATE SET total_triggers = total_triggers + 1, last_trigger_at = excluded.last_trigger_at`,
		flowID, at.UTC())
	if err != nil {
		return wrapUnavailable("increment triggers", err)
	}
	return nil
}

func (s *SQLiteStore) IncrementReplies(ctx context.Context, flowID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flow_stats (flow_id, total_triggers, total_replies) VALUES (?, 0, 1)
		ON CONFLICT(flow_id) DO UPDATE SET total_replies = total_replies + 1`,
		flowID)
	if err != nil {
		return wrapUnavailable("increment replies", err)
	}
	return nil
}

func (s *SQLiteStore) GetFlowStatistics(ctx context.Context, flowID string) (*models.FlowStatistics, error) {
	stats := models.FlowStatistics{FlowID: flowID}
	var lastTrigger sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT total_triggers, total_replies, last_trigger_at FROM flow_stats WHERE flow_id = ?`, flowID,
	).Scan(&stats.TotalTriggers, &stats.TotalReplies, &lastTrigger)
	if err != nil && err != sql.ErrNoRows {
		return nil, wrapUnavailable("get flow statistics", err)
	}
	stats.LastTriggerAt = timeFromNull(lastTrigger)

	err = s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status != ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		FROM execution_states WHERE flow_id = ?`,
		string(models.StatusCompleted), string(models.StatusCompleted), flowID,
	).Scan(&stats.ActiveUsers, &stats.CompletedUsers)
	if err != nil {
		return nil, wrapUnavailable("count flow users", err)
	}
	return &stats, nil
}
