package flow

import "github.com/BTreeMap/ReplyPipe/internal/models"

// Outcome names what a single transition did.
type Outcome string

const (
	OutcomeReplied          Outcome = "replied"
	OutcomeArmed            Outcome = "armed"
	OutcomeRateLimited      Outcome = "rate_limited"
	OutcomeAlreadyCompleted Outcome = "already_completed"
	OutcomeCooldown         Outcome = "cooldown"
	OutcomeParked           Outcome = "parked"
	OutcomeAwaitingDelay    Outcome = "awaiting_delay"
	OutcomeNotDue           Outcome = "not_due"
	OutcomeStale            Outcome = "stale"
	OutcomeDispatchFailed   Outcome = "dispatch_failed"
	OutcomeInvalidFlow      Outcome = "invalid_definition"
)

// Result is the outcome of handling one (flow, user) transition.
type Result struct {
	FlowID     string                 `json:"flow_id"`
	UserID     string                 `json:"user_id"`
	Outcome    Outcome                `json:"outcome"`
	StepNumber int                    `json:"step_number,omitempty"`
	Status     models.ExecutionStatus `json:"status,omitempty"`
}
