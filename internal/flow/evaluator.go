package flow

import (
	"strings"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
)

// SuccessorKind tags how the step after a fired step was resolved.
type SuccessorKind int

const (
	// SuccessorEnd means the flow completes after this step.
	SuccessorEnd SuccessorKind = iota
	// SuccessorExplicit means the step named its next step.
	SuccessorExplicit
	// SuccessorImplicit means the next step is stepNumber+1.
	SuccessorImplicit
)

func (k SuccessorKind) String() string {
	switch k {
	case SuccessorExplicit:
		return "explicit"
	case SuccessorImplicit:
		return "implicit"
	default:
		return "end"
	}
}

// Successor is the resolved next step of a flow.
type Successor struct {
	Kind SuccessorKind
	Step int // zero when Kind is SuccessorEnd
}

// IsEnd reports whether the flow has nowhere left to go.
func (s Successor) IsEnd() bool { return s.Kind == SuccessorEnd }

// ResolveSuccessor returns the successor of step within def.
func ResolveSuccessor(def *models.FlowDefinition, step models.Step) Successor {
	next, explicit, ok := def.SuccessorOf(step)
	switch {
	case !ok:
		return Successor{Kind: SuccessorEnd}
	case explicit:
		return Successor{Kind: SuccessorExplicit, Step: next}
	default:
		return Successor{Kind: SuccessorImplicit, Step: next}
	}
}

// Decision is the outcome of evaluating one step.
type Decision struct {
	Fire  bool
	Reply models.Reply
	Next  Successor
}

// Evaluator decides whether a step fires. It holds no state of its own
// beyond the compiled-expression cache.
type Evaluator struct {
	predicates *Predicates
}

// NewEvaluator returns an evaluator backed by the given predicate cache.
func NewEvaluator(p *Predicates) *Evaluator {
	if p == nil {
		p = NewPredicates()
	}
	return &Evaluator{predicates: p}
}

// Evaluate applies step's condition to msg at now. Reply and Next are filled
// in regardless of whether the step fires.
func (e *Evaluator) Evaluate(def *models.FlowDefinition, step models.Step, msg models.InboundMessage, state *models.ExecutionState, now time.Time) Decision {
	return Decision{
		Fire:  e.conditionHolds(def, step, msg, state, now),
		Reply: models.Reply{Content: step.ReplyContent, Image: step.ReplyImage},
		Next:  ResolveSuccessor(def, step),
	}
}

// EvaluateArmed evaluates a delayed step when its timer fires. There is no
// inbound text at that point; a contains_keyword condition was checked by
// ArmableFrom before the step was armed, so it counts as held.
func (e *Evaluator) EvaluateArmed(def *models.FlowDefinition, step models.Step, msg models.InboundMessage, state *models.ExecutionState, now time.Time) Decision {
	if step.Condition == models.ConditionContainsKeyword {
		step.Condition = models.ConditionAlways
	}
	return e.Evaluate(def, step, msg, state, now)
}

// ArmableFrom reports whether delayed step may be armed off msg. Only a
// contains_keyword condition reads the inbound text, so it is the only one
// checked here; the rest are checked when the timer fires.
func (e *Evaluator) ArmableFrom(def *models.FlowDefinition, step models.Step, msg models.InboundMessage, state *models.ExecutionState, now time.Time) bool {
	if step.Condition != models.ConditionContainsKeyword {
		return true
	}
	return e.conditionHolds(def, step, msg, state, now)
}

func (e *Evaluator) conditionHolds(def *models.FlowDefinition, step models.Step, msg models.InboundMessage, state *models.ExecutionState, now time.Time) bool {
	switch step.Condition {
	case models.ConditionAlways, "":
		return true
	case models.ConditionContainsKeyword:
		return step.ConditionValue != "" &&
			strings.Contains(strings.ToLower(msg.Text), strings.ToLower(step.ConditionValue))
	case models.ConditionTimeBased:
		wh := def.Settings.WorkingHours
		return !wh.Enabled || wh.Contains(now)
	case models.ConditionSenderBased:
		return msg.SenderID == step.ConditionValue
	case models.ConditionExpression:
		return e.predicates.Eval(step.ConditionValue, msg, state, flowLocation(def), now)
	default:
		return false
	}
}
