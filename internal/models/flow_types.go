package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// PlatformAll matches messages from every channel.
const PlatformAll = "All"

// StepType determines how a step is scheduled.
type StepType string

const (
	// StepTypeImmediate replies as soon as the step is reached by a trigger.
	StepTypeImmediate StepType = "immediate"
	// StepTypeDelayed is armed on reach and replies after DelayMinutes.
	StepTypeDelayed StepType = "delayed"
	// StepTypeConditional replies only when its condition holds; otherwise the flow parks.
	StepTypeConditional StepType = "conditional"
	// StepTypeEnd replies and terminates the flow.
	StepTypeEnd StepType = "end"
)

// Condition names a step (or trigger) predicate.
type Condition string

const (
	ConditionAlways          Condition = "always"
	ConditionContainsKeyword Condition = "contains_keyword"
	ConditionTimeBased       Condition = "time_based"
	ConditionSenderBased     Condition = "sender_based"
	// ConditionExpression evaluates ConditionValue as an expr-lang boolean expression.
	ConditionExpression Condition = "expression"
)

// TriggerType selects how a flow's trigger condition is evaluated.
type TriggerType string

const (
	// TriggerTypeKeyword matches any of the flow's trigger keywords.
	TriggerTypeKeyword TriggerType = "keyword"
	// TriggerTypeOther evaluates Value with the predicate engine.
	TriggerTypeOther TriggerType = "other"
)

// TriggerCondition is the flow-level match condition.
type TriggerCondition struct {
	Type  TriggerType `json:"type" yaml:"type"`
	Value string      `json:"value,omitempty" yaml:"value,omitempty"`
}

// Step is one node of a flow.
type Step struct {
	StepNumber     int       `json:"step_number" yaml:"step_number"`
	StepType       StepType  `json:"step_type" yaml:"step_type"`
	DelayMinutes   int       `json:"delay_minutes,omitempty" yaml:"delay_minutes,omitempty"`
	Condition      Condition `json:"condition" yaml:"condition"`
	ConditionValue string    `json:"condition_value,omitempty" yaml:"condition_value,omitempty"`
	ReplyContent   string    `json:"reply_content" yaml:"reply_content"`
	ReplyImage     string    `json:"reply_image,omitempty" yaml:"reply_image,omitempty"`
	NextStep       *int      `json:"next_step,omitempty" yaml:"next_step,omitempty"` // nil means stepNumber+1
	IsEndStep      bool      `json:"is_end_step" yaml:"is_end_step"`
}

// Delay returns the configured delay of a delayed step.
func (s Step) Delay() time.Duration {
	return time.Duration(s.DelayMinutes) * time.Minute
}

// WorkingHours restricts time_based conditions to a daily window.
type WorkingHours struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Start    string `json:"start,omitempty" yaml:"start,omitempty"` // HH:MM
	End      string `json:"end,omitempty" yaml:"end,omitempty"`     // HH:MM
	Timezone string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// FlowSettings holds per-user rate limits and time constraints.
type FlowSettings struct {
	MaxRepliesPerUser   int          `json:"max_replies_per_user" yaml:"max_replies_per_user"`
	CooldownPeriodHours float64      `json:"cooldown_period_hours" yaml:"cooldown_period_hours"`
	WorkingHours        WorkingHours `json:"working_hours" yaml:"working_hours"`
}

// Cooldown returns the cooldown period as a duration.
func (s FlowSettings) Cooldown() time.Duration {
	return time.Duration(s.CooldownPeriodHours * float64(time.Hour))
}

// FlowDefinition is a validated auto-reply flow document.
type FlowDefinition struct {
	ID               string           `json:"id" yaml:"id"`
	OwnerID          string           `json:"owner_id" yaml:"owner_id"`
	Name             string           `json:"name" yaml:"name"`
	Platform         string           `json:"platform" yaml:"platform"`
	IsActive         bool             `json:"is_active" yaml:"is_active"`
	TriggerKeywords  []string         `json:"trigger_keywords" yaml:"trigger_keywords"`
	TriggerCondition TriggerCondition `json:"trigger_condition" yaml:"trigger_condition"`
	Steps            []Step           `json:"steps" yaml:"steps"`
	Settings         FlowSettings     `json:"settings" yaml:"settings"`
	CreatedAt        time.Time        `json:"created_at" yaml:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at" yaml:"updated_at"`
}

// NewFlowID returns a fresh flow identifier.
func NewFlowID() string {
	return "flow_" + uuid.NewString()
}

// Step returns the step with the given number, or nil.
func (f *FlowDefinition) Step(number int) *Step {
	// Steps are dense and ordered after Normalize, so index first.
	if number >= 1 && number <= len(f.Steps) && f.Steps[number-1].StepNumber == number {
		return &f.Steps[number-1]
	}
	for i := range f.Steps {
		if f.Steps[i].StepNumber == number {
			return &f.Steps[i]
		}
	}
	return nil
}

// SuccessorOf resolves the step that follows s. ok is false when s ends the flow.
func (f *FlowDefinition) SuccessorOf(s Step) (next int, explicit bool, ok bool) {
	if s.IsEndStep || s.StepType == StepTypeEnd {
		return 0, false, false
	}
	if s.NextStep != nil {
		if f.Step(*s.NextStep) == nil {
			return 0, true, false
		}
		return *s.NextStep, true, true
	}
	if f.Step(s.StepNumber+1) != nil {
		return s.StepNumber + 1, false, true
	}
	return 0, false, false
}

// MatchesPlatform reports whether the flow listens on the given channel.
func (f *FlowDefinition) MatchesPlatform(ch Channel) bool {
	if f.Platform == "" || strings.EqualFold(f.Platform, PlatformAll) {
		return true
	}
	return Channel(f.Platform).Normalize() == ch.Normalize()
}
