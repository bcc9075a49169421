package models

import "time"

// ExecutionStatus is the lifecycle status of one user's walk through a flow.
type ExecutionStatus string

const (
	// StatusIdle means no step has fired yet.
	StatusIdle ExecutionStatus = "idle"
	// StatusRunning means at least one step fired and the flow can advance on the next trigger.
	StatusRunning ExecutionStatus = "running"
	// StatusAwaitingDelay means a delayed step is armed and waiting for its fire time.
	StatusAwaitingDelay ExecutionStatus = "awaiting_delay"
	// StatusCompleted is terminal. Only a reset leaves it.
	StatusCompleted ExecutionStatus = "completed"
)

// StateKey identifies an execution state row.
type StateKey struct {
	FlowID string `json:"flow_id"`
	UserID string `json:"user_id"`
}

func (k StateKey) String() string {
	return k.FlowID + "/" + k.UserID
}

// ExecutionState tracks a single user's progress through a single flow.
type ExecutionState struct {
	FlowID            string          `json:"flow_id"`
	UserID            string          `json:"user_id"`
	CurrentStepNumber int             `json:"current_step_number"` // 0 before any step fired
	RepliesSentToUser int             `json:"replies_sent_to_user"`
	LastReplyAt       *time.Time      `json:"last_reply_at,omitempty"`
	LastTriggerAt     *time.Time      `json:"last_trigger_at,omitempty"`
	Status            ExecutionStatus `json:"status"`
	ArmedStepNumber   int             `json:"armed_step_number,omitempty"` // 0 when nothing is armed
	FireAt            *time.Time      `json:"fire_at,omitempty"`
	Channel           Channel         `json:"channel,omitempty"` // channel the last trigger arrived on
	// Version is bumped on every successful save and guards against lost updates.
	// Zero means the row has never been persisted.
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewExecutionState returns the default state for a key that has no row yet.
func NewExecutionState(key StateKey) *ExecutionState {
	return &ExecutionState{
		FlowID: key.FlowID,
		UserID: key.UserID,
		Status: StatusIdle,
	}
}

// Key returns the state's identifying key.
func (s *ExecutionState) Key() StateKey {
	return StateKey{FlowID: s.FlowID, UserID: s.UserID}
}

// Clone returns a deep copy so callers can mutate without aliasing store memory.
func (s *ExecutionState) Clone() *ExecutionState {
	if s == nil {
		return nil
	}
	c := *s
	c.LastReplyAt = cloneTime(s.LastReplyAt)
	c.LastTriggerAt = cloneTime(s.LastTriggerAt)
	c.FireAt = cloneTime(s.FireAt)
	return &c
}

// IsArmed reports whether a delayed step is waiting to fire.
func (s *ExecutionState) IsArmed() bool {
	return s.Status == StatusAwaitingDelay && s.ArmedStepNumber > 0 && s.FireAt != nil
}

// Disarm clears the armed step. Status is left to the caller.
func (s *ExecutionState) Disarm() {
	s.ArmedStepNumber = 0
	s.FireAt = nil
}

// InCooldown reports whether now falls within cooldown of the last reply.
func (s *ExecutionState) InCooldown(cooldown time.Duration, now time.Time) bool {
	if cooldown <= 0 || s.LastReplyAt == nil {
		return false
	}
	return now.Before(s.LastReplyAt.Add(cooldown))
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr returns a pointer to the UTC form of t.
func TimePtr(t time.Time) *time.Time {
	u := t.UTC()
	return &u
}

// FlowStatistics aggregates counters for one flow.
type FlowStatistics struct {
	FlowID         string     `json:"flow_id"`
	TotalTriggers  int64      `json:"total_triggers"`
	TotalReplies   int64      `json:"total_replies"`
	ActiveUsers    int64      `json:"active_users"`
	CompletedUsers int64      `json:"completed_users"`
	LastTriggerAt  *time.Time `json:"last_trigger_at,omitempty"`
}

// PendingDelay describes an armed delayed step, used by recovery and the API.
type PendingDelay struct {
	Key        StateKey  `json:"key"`
	StepNumber int       `json:"step_number"`
	FireAt     time.Time `json:"fire_at"`
}
