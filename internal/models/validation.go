package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Validation constants for flow documents.
const (
	// MaxReplyContentLength defines the maximum allowed length for a step reply
	MaxReplyContentLength = 4096
	// MaxStepsPerFlow bounds the size of a single flow
	MaxStepsPerFlow = 200
	// ClockLayout is the HH:MM layout used by working hours
	ClockLayout = "15:04"
)

// Error variables for better error handling and testability
var (
	ErrInvalidDefinition   = errors.New("invalid flow definition")
	ErrFlowNotFound        = errors.New("flow not found")
	ErrConcurrencyConflict = errors.New("execution state changed concurrently")
	ErrStorageUnavailable  = errors.New("storage unavailable")
)

// DefinitionError describes why a flow document was rejected.
type DefinitionError struct {
	FlowID string
	Field  string
	Reason string
}

func (e *DefinitionError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("flow %q: %s", e.FlowID, e.Reason)
	}
	return fmt.Sprintf("flow %q: %s: %s", e.FlowID, e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrInvalidDefinition.
func (e *DefinitionError) Unwrap() error { return ErrInvalidDefinition }

func defErr(f *FlowDefinition, field, format string, args ...interface{}) error {
	return &DefinitionError{FlowID: f.ID, Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidStepType checks if the given step type is supported.
func IsValidStepType(t StepType) bool {
	switch t {
	case StepTypeImmediate, StepTypeDelayed, StepTypeConditional, StepTypeEnd:
		return true
	default:
		return false
	}
}

// IsValidCondition checks if the given condition is supported.
func IsValidCondition(c Condition) bool {
	switch c {
	case ConditionAlways, ConditionContainsKeyword, ConditionTimeBased, ConditionSenderBased, ConditionExpression:
		return true
	default:
		return false
	}
}

// Normalize lowercases and de-duplicates trigger keywords, fills defaults and
// sorts steps by number. It does not validate.
func (f *FlowDefinition) Normalize() {
	seen := make(map[string]bool, len(f.TriggerKeywords))
	keywords := make([]string, 0, len(f.TriggerKeywords))
	for _, kw := range f.TriggerKeywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" || seen[kw] {
			continue
		}
		seen[kw] = true
		keywords = append(keywords, kw)
	}
	f.TriggerKeywords = keywords

	if f.TriggerCondition.Type == "" {
		f.TriggerCondition.Type = TriggerTypeKeyword
	}
	if f.Platform == "" {
		f.Platform = PlatformAll
	}
	for i := range f.Steps {
		if f.Steps[i].Condition == "" {
			f.Steps[i].Condition = ConditionAlways
		}
	}
	sort.SliceStable(f.Steps, func(i, j int) bool { return f.Steps[i].StepNumber < f.Steps[j].StepNumber })
}

// Validate performs structural validation on a normalized flow definition.
// Every failure is a *DefinitionError.
func (f *FlowDefinition) Validate() error {
	if f.ID == "" {
		return defErr(f, "id", "is required")
	}
	if len(f.Steps) == 0 {
		return defErr(f, "steps", "at least one step is required")
	}
	if len(f.Steps) > MaxStepsPerFlow {
		return defErr(f, "steps", "too many steps (%d > %d)", len(f.Steps), MaxStepsPerFlow)
	}

	switch f.TriggerCondition.Type {
	case TriggerTypeKeyword:
		if len(f.TriggerKeywords) == 0 && strings.TrimSpace(f.TriggerCondition.Value) == "" {
			return defErr(f, "trigger_keywords", "keyword trigger needs at least one keyword")
		}
	case TriggerTypeOther:
		if strings.TrimSpace(f.TriggerCondition.Value) == "" {
			return defErr(f, "trigger_condition.value", "is required for trigger type other")
		}
	default:
		return defErr(f, "trigger_condition.type", "unknown trigger type %q", f.TriggerCondition.Type)
	}

	if err := f.validateSettings(); err != nil {
		return err
	}

	for i, s := range f.Steps {
		field := fmt.Sprintf("steps[%d]", i)
		if s.StepNumber != i+1 {
			return defErr(f, field+".step_number", "step numbers must be dense and start at 1 (got %d at position %d)", s.StepNumber, i+1)
		}
		if !IsValidStepType(s.StepType) {
			return defErr(f, field+".step_type", "unknown step type %q", s.StepType)
		}
		if !IsValidCondition(s.Condition) {
			return defErr(f, field+".condition", "unknown condition %q", s.Condition)
		}
		if s.DelayMinutes < 0 {
			return defErr(f, field+".delay_minutes", "must be >= 0")
		}
		if strings.TrimSpace(s.ReplyContent) == "" {
			return defErr(f, field+".reply_content", "is required")
		}
		if len(s.ReplyContent) > MaxReplyContentLength {
			return defErr(f, field+".reply_content", "exceeds maximum length")
		}
		if (s.Condition == ConditionContainsKeyword || s.Condition == ConditionSenderBased || s.Condition == ConditionExpression) &&
			strings.TrimSpace(s.ConditionValue) == "" {
			return defErr(f, field+".condition_value", "is required for condition %q", s.Condition)
		}
		if s.NextStep != nil && f.Step(*s.NextStep) == nil {
			return defErr(f, field+".next_step", "references missing step %d", *s.NextStep)
		}
	}

	return f.validateGraph()
}

func (f *FlowDefinition) validateSettings() error {
	s := f.Settings
	if s.MaxRepliesPerUser < 1 {
		return defErr(f, "settings.max_replies_per_user", "must be >= 1")
	}
	if s.CooldownPeriodHours < 0 {
		return defErr(f, "settings.cooldown_period_hours", "must be >= 0")
	}
	if !s.WorkingHours.Enabled {
		return nil
	}
	if _, err := time.Parse(ClockLayout, s.WorkingHours.Start); err != nil {
		return defErr(f, "settings.working_hours.start", "must be HH:MM")
	}
	if _, err := time.Parse(ClockLayout, s.WorkingHours.End); err != nil {
		return defErr(f, "settings.working_hours.end", "must be HH:MM")
	}
	if _, err := time.LoadLocation(s.WorkingHours.Timezone); err != nil {
		return defErr(f, "settings.working_hours.timezone", "unknown timezone %q", s.WorkingHours.Timezone)
	}
	return nil
}

// validateGraph walks successors from step 1 and rejects cycles. Every path
// then ends at an end step or a dead end.
func (f *FlowDefinition) validateGraph() error {
	const (
		unvisited = iota
		visiting
		done
	)
	marks := make(map[int]int, len(f.Steps))
	var visit func(n int) error
	visit = func(n int) error {
		switch marks[n] {
		case visiting:
			return defErr(f, "steps", "cycle detected at step %d", n)
		case done:
			return nil
		}
		marks[n] = visiting
		s := f.Step(n)
		if next, _, ok := f.SuccessorOf(*s); ok {
			if err := visit(next); err != nil {
				return err
			}
		}
		marks[n] = done
		return nil
	}
	return visit(1)
}

// Contains reports whether t falls inside the working hours window. A
// disabled window contains every instant. Windows with start after end wrap
// midnight.
func (w WorkingHours) Contains(t time.Time) bool {
	if !w.Enabled {
		return true
	}
	loc, err := time.LoadLocation(w.Timezone)
	if err != nil {
		return false
	}
	start, err := time.Parse(ClockLayout, w.Start)
	if err != nil {
		return false
	}
	end, err := time.Parse(ClockLayout, w.End)
	if err != nil {
		return false
	}
	local := t.In(loc)
	minute := local.Hour()*60 + local.Minute()
	from := start.Hour()*60 + start.Minute()
	to := end.Hour()*60 + end.Minute()
	if from <= to {
		return minute >= from && minute < to
	}
	return minute >= from || minute < to
}
