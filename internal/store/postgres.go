package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/ReplyPipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists everything in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// Close closes the Postgres connection pool.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}

func (s *PostgresStore) SaveFlow(ctx context.Context, def models.FlowDefinition) error {
	now := time.Now().UTC()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now
	doc, err := encodeFlow(def)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO flows (id, owner_id, name, platform, is_active, definition_json, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			name = EXCLUDED.name,
			platform = EXCLUDED.platform,
			is_active = EXCLUDED.is_active,
			definition_json = EXCLUDED.definition_json,
			updated_at = EXCLUDED.updated_at`,
		def.ID, def.OwnerID, def.Name, def.Platform, def.IsActive, doc, def.CreatedAt.UTC(), now)
	if err != nil {
		slog.Error("PostgresStore SaveFlow failed", "error", err, "flowID", def.ID)
		return wrapUnavailable("save flow", err)
	}
	slog.Debug("PostgresStore SaveFlow succeeded", "flowID", def.ID, "active", def.IsActive)
	return nil
}

func (s *PostgresStore) GetFlow(ctx context.Context, id string) (*models.FlowDefinition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, is_active, definition_json, created_at, updated_at FROM flows WHERE id = $1`, id)
	def, err := scanFlow(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("flow %s: %w", id, models.ErrFlowNotFound)
	}
	if err != nil {
		slog.Error("PostgresStore GetFlow failed", "error", err, "flowID", id)
		return nil, wrapUnavailable("get flow", err)
	}
	return &def, nil
}

func (s *PostgresStore) ListFlows(ctx context.Context) ([]models.FlowDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, is_active, definition_json, created_at, updated_at FROM flows ORDER BY created_at, id`)
	if err != nil {
		return nil, wrapUnavailable("list flows", err)
	}
	return collectFlows(rows)
}

func (s *PostgresStore) ListActiveFlows(ctx context.Context) ([]models.FlowDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, is_active, definition_json, created_at, updated_at FROM flows WHERE is_active ORDER BY created_at, id`)
	if err != nil {
		slog.Error("PostgresStore ListActiveFlows query failed", "error", err)
		return nil, wrapUnavailable("list active flows", err)
	}
	return collectFlows(rows)
}

func (s *PostgresStore) SetFlowActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE flows SET is_active = $1, updated_at = $2 WHERE id = $3`, active, time.Now().UTC(), id)
	if err != nil {
		return wrapUnavailable("set flow active", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("flow %s: %w", id, models.ErrFlowNotFound)
	}
	return nil
}

func (s *PostgresStore) GetExecutionState(ctx context.Context, key models.StateKey) (*models.ExecutionState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stateColumns+` FROM execution_states WHERE flow_id = $1 AND user_id = $2`, key.FlowID, key.UserID)
	st, err := scanExecutionState(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetExecutionState failed", "error", err, "key", key.String())
		return nil, wrapUnavailable("get execution state", err)
	}
	return &st, nil
}

func (s *PostgresStore) SaveExecutionState(ctx context.Context, state *models.ExecutionState) error {
	now := time.Now().UTC()
	var res sql.Result
	var err error
	if state.Version == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO execution_states (`+stateColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, $11)
			ON CONFLICT (flow_id, user_id) DO NOTHING`,
			state.FlowID, state.UserID, state.CurrentStepNumber, state.RepliesSentToUser,
			nullTime(state.LastReplyAt), nullTime(state.LastTriggerAt), string(state.Status),
			state.ArmedStepNumber, nullTime(state.FireAt), string(state.Channel), now)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE execution_states SET
				current_step_number = $1, replies_sent = $2, last_reply_at = $3, last_trigger_at = $4,
				status = $5, armed_step_number = $6, fire_at = $7, channel = $8,
				version = version + 1, updated_at = $9
			WHERE flow_id = $10 AND user_id = $11 AND version = $12`,
			state.CurrentStepNumber, state.RepliesSentToUser,
			nullTime(state.LastReplyAt), nullTime(state.LastTriggerAt), string(state.Status),
			state.ArmedStepNumber, nullTime(state.FireAt), string(state.Channel), now,
			state.FlowID, state.UserID, state.Version)
	}
	if err != nil {
		slog.Error("PostgresStore SaveExecutionState failed", "error", err, "key", state.Key().String())
		return wrapUnavailable("save execution state", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapUnavailable("save execution state", err)
	}
	if n == 0 {
		return fmt.Errorf("save %s at version %d: %w", state.Key(), state.Version, models.ErrConcurrencyConflict)
	}
	state.Version++
	state.UpdatedAt = now
	slog.Debug("PostgresStore SaveExecutionState succeeded", "key", state.Key().String(), "status", state.Status, "version", state.Version)
	return nil
}

func (s *PostgresStore) DeleteExecutionState(ctx context.Context, key models.StateKey) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM execution_states WHERE flow_id = $1 AND user_id = $2`, key.FlowID, key.UserID)
	if err != nil {
		return wrapUnavailable("delete execution state", err)
	}
	return nil
}

func (s *PostgresStore) ListAwaitingDelay(ctx context.Context) ([]models.ExecutionState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stateColumns+` FROM execution_states WHERE status = $1 ORDER BY flow_id, user_id`,
		string(models.StatusAwaitingDelay))
	if err != nil {
		return nil, wrapUnavailable("list awaiting delay", err)
	}
	return collectStates(rows)
}

func (s *PostgresStore) ListFlowStates(ctx context.Context, flowID string) ([]models.ExecutionState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stateColumns+` FROM execution_states WHERE flow_id = $1 ORDER BY user_id`, flowID)
	if err != nil {
		return nil, wrapUnavailable("list flow states", err)
	}
	return collectStates(rows)
}

func (s *PostgresStore) IncrementTriggers(ctx context.Context, flowID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flow_stats (flow_id, total_triggers, total_replies, last_trigger_at) VALUES ($1, 1, 0, $2)
		ON CONFLICT (flow_id) DO UPDATE SET
			total_triggers = flow_stats.total_triggers + 1,
			last_trigger_at = EXCLUDED.last_trigger_at`,
		flowID, at.UTC())
	if err != nil {
		return wrapUnavailable("increment triggers", err)
	}
	return nil
}

func (s *PostgresStore) IncrementReplies(ctx context.Context, flowID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flow_stats (flow_id, total_triggers, total_replies) VALUES ($1, 0, 1)
		ON CONFLICT (flow_id) DO UPDATE SET total_replies = flow_stats.total_replies + 1`,
		flowID)
	if err != nil {
		return wrapUnavailable("increment replies", err)
	}
	return nil
}

func (s *PostgresStore) GetFlowStatistics(ctx context.Context, flowID string) (*models.FlowStatistics, error) {
	stats := models.FlowStatistics{FlowID: flowID}
	var lastTrigger sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT total_triggers, total_replies, last_trigger_at FROM flow_stats WHERE flow_id = $1`, flowID,
	).Scan(&stats.TotalTriggers, &stats.TotalReplies, &lastTrigger)
	if err != nil && err != sql.ErrNoRows {
		return nil, wrapUnavailable("get flow statistics", err)
	}
	stats.LastTriggerAt = timeFromNull(lastTrigger)

	err = s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status <> $1),
			COUNT(*) FILTER (WHERE status = $1)
		FROM execution_states WHERE flow_id = $2`,
		string(models.StatusCompleted), flowID,
	).Scan(&stats.ActiveUsers, &stats.CompletedUsers)
	if err != nil {
		return nil, wrapUnavailable("count flow users", err)
	}
	return &stats, nil
}
