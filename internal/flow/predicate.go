package flow

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Custom functions available to every expression condition.
var predicateFunctions = []expr.Option{
	expr.Function("contains_ci", func(params ...any) (any, error) {
		s, _ := params[0].(string)
		sub, _ := params[1].(string)
		return strings.Contains(strings.ToLower(s), strings.ToLower(sub)), nil
	}, new(func(string, string) bool)),
	expr.Function("any_word", func(params ...any) (any, error) {
		s, _ := params[0].(string)
		words, _ := params[1].([]any)
		lower := strings.ToLower(s)
		for _, w := range words {
			if ws, ok := w.(string); ok && ws != "" && strings.Contains(lower, strings.ToLower(ws)) {
				return true, nil
			}
		}
		return false, nil
	}),
}

// predicateEnv builds the variables visible to an expression. Clock fields are
// taken in the flow's working-hours timezone when one is configured.
func predicateEnv(msg models.InboundMessage, state *models.ExecutionState, loc *time.Location, now time.Time) map[string]any {
	local := now.In(loc)
	replies, step := 0, 0
	if state != nil {
		replies, step = state.RepliesSentToUser, state.CurrentStepNumber
	}
	return map[string]any{
		"text":    msg.Text,
		"sender":  msg.SenderID,
		"channel": string(msg.Channel),
		"hour":    local.Hour(),
		"minute":  local.Minute(),
		"weekday": local.Weekday().String(),
		"replies": replies,
		"step":    step,
	}
}

// Predicates compiles and caches expr-lang boolean expressions.
type Predicates struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

// NewPredicates returns an empty predicate cache.
func NewPredicates() *Predicates {
	return &Predicates{programs: make(map[string]*vm.Program)}
}

// Compile checks that source is a boolean expression over the predicate
// variables and caches the program.
func (p *Predicates) Compile(source string) (*vm.Program, error) {
	p.mu.RLock()
	prog, ok := p.programs[source]
	p.mu.RUnlock()
	if ok {
		return prog, nil
	}

	sample := predicateEnv(models.InboundMessage{}, nil, time.UTC, time.Time{})
	opts := []expr.Option{expr.Env(sample), expr.AsBool()}
	opts = append(opts, predicateFunctions...)
	prog, err := expr.Compile(source, opts...)
	if err != nil {
		return nil, fmt.Errorf("compile expression %q: %w", source, err)
	}

	p.mu.Lock()
	p.programs[source] = prog
	p.mu.Unlock()
	return prog, nil
}

// Eval runs source against a message. Compile or runtime failures count as false.
func (p *Predicates) Eval(source string, msg models.InboundMessage, state *models.ExecutionState, loc *time.Location, now time.Time) bool {
	prog, err := p.Compile(source)
	if err != nil {
		slog.Warn("Predicates.Eval: compile failed", "expression", source, "error", err)
		return false
	}
	out, err := expr.Run(prog, predicateEnv(msg, state, loc, now))
	if err != nil {
		slog.Warn("Predicates.Eval: run failed", "expression", source, "error", err)
		return false
	}
	b, _ := out.(bool)
	return b
}

// ValidateExpressions compiles every expression in def and returns a
// DefinitionError for the first that does not compile.
func (p *Predicates) ValidateExpressions(def *models.FlowDefinition) error {
	if def.TriggerCondition.Type == models.TriggerTypeOther {
		if _, err := p.Compile(def.TriggerCondition.Value); err != nil {
			return &models.DefinitionError{FlowID: def.ID, Field: "trigger_condition.value", Reason: err.Error()}
		}
	}
	for i, s := range def.Steps {
		if s.Condition != models.ConditionExpression {
			continue
		}
		if _, err := p.Compile(s.ConditionValue); err != nil {
			return &models.DefinitionError{FlowID: def.ID, Field: fmt.Sprintf("steps[%d].condition_value", i), Reason: err.Error()}
		}
	}
	return nil
}

// flowLocation returns the timezone used for clock predicates.
func flowLocation(def *models.FlowDefinition) *time.Location {
	if tz := def.Settings.WorkingHours.Timezone; tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}
	return time.UTC
}
