package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nullTime converts an optional timestamp to a nullable UTC column value.
func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timeFromNull(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	return models.TimePtr(nt.Time)
}

const jobColumns = `id, kind, run_at, payload_json, status, attempt, max_attempts, last_error, locked_at, dedupe_key, created_at, updated_at`

// scanJob scans a Job from a row.
func scanJob(row rowScanner) (Job, error) {
	var j Job
	var payloadJSON, lastError, dedupeKey sql.NullString
	var lockedAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.Kind, &j.RunAt, &payloadJSON, &j.Status, &j.Attempt, &j.MaxAttempts,
		&lastError, &lockedAt, &dedupeKey, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, err
	}
	j.PayloadJSON = payloadJSON.String
	j.LastError = lastError.String
	j.DedupeKey = dedupeKey.String
	j.LockedAt = timeFromNull(lockedAt)
	j.RunAt = j.RunAt.UTC()
	return j, nil
}

const stateColumns = `flow_id, user_id, current_step_number, replies_sent, last_reply_at, last_trigger_at, status, armed_step_number, fire_at, channel, version, updated_at`

// scanExecutionState scans an ExecutionState from a row.
func scanExecutionState(row rowScanner) (models.ExecutionState, error) {
	var st models.ExecutionState
	var lastReplyAt, lastTriggerAt, fireAt sql.NullTime
	var status, channel string
	err := row.Scan(
		&st.FlowID, &st.UserID, &st.CurrentStepNumber, &st.RepliesSentToUser,
		&lastReplyAt, &lastTriggerAt, &status, &st.ArmedStepNumber, &fireAt,
		&channel, &st.Version, &st.UpdatedAt,
	)
	if err != nil {
		return st, err
	}
	st.Status = models.ExecutionStatus(status)
	st.Channel = models.Channel(channel)
	st.LastReplyAt = timeFromNull(lastReplyAt)
	st.LastTriggerAt = timeFromNull(lastTriggerAt)
	st.FireAt = timeFromNull(fireAt)
	st.UpdatedAt = st.UpdatedAt.UTC()
	return st, nil
}

func collectStates(rows *sql.Rows) ([]models.ExecutionState, error) {
	defer rows.Close()
	var out []models.ExecutionState
	for rows.Next() {
		st, err := scanExecutionState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution state failed: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate execution states failed: %w", err)
	}
	return out, nil
}

// encodeFlow serializes a definition for the definition_json column.
func encodeFlow(def models.FlowDefinition) (string, error) {
	b, err := json.Marshal(def)
	if err != nil {
		return "", fmt.Errorf("encode flow %s: %w", def.ID, err)
	}
	return string(b), nil
}

// scanFlow reads a flow row. Columns outside definition_json win over the
// document so SetFlowActive only needs to touch one column.
func scanFlow(row rowScanner) (models.FlowDefinition, error) {
	var def models.FlowDefinition
	var id, definition string
	var active bool
	var createdAt, updatedAt time.Time
	if err := row.Scan(&id, &active, &definition, &createdAt, &updatedAt); err != nil {
		return def, err
	}
	if err := json.Unmarshal([]byte(definition), &def); err != nil {
		return def, fmt.Errorf("decode flow %s: %w", id, err)
	}
	def.ID = id
	def.IsActive = active
	def.CreatedAt = createdAt.UTC()
	def.UpdatedAt = updatedAt.UTC()
	return def, nil
}

func collectFlows(rows *sql.Rows) ([]models.FlowDefinition, error) {
	defer rows.Close()
	var out []models.FlowDefinition
	for rows.Next() {
		def, err := scanFlow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan flow failed: %w", err)
		}
		out = append(out, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate flows failed: %w", err)
	}
	return out, nil
}

// wrapUnavailable marks a driver error as a storage outage.
func wrapUnavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, models.ErrStorageUnavailable, err)
}
