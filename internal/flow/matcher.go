package flow

import (
	"sort"
	"strings"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
)

// Matcher selects the flows an inbound message triggers.
type Matcher struct {
	predicates *Predicates
}

// NewMatcher returns a matcher that evaluates "other" trigger conditions
// through p.
func NewMatcher(p *Predicates) *Matcher {
	if p == nil {
		p = NewPredicates()
	}
	return &Matcher{predicates: p}
}

// Match returns every flow in flows that msg triggers, ordered by creation
// time and then id. The input slice is not modified.
func (m *Matcher) Match(msg models.InboundMessage, flows []models.FlowDefinition) []models.FlowDefinition {
	var matched []models.FlowDefinition
	for i := range flows {
		f := &flows[i]
		if !f.IsActive || !f.MatchesPlatform(msg.Channel) {
			continue
		}
		if m.triggerHolds(f, msg) {
			matched = append(matched, *f)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	return matched
}

func (m *Matcher) triggerHolds(f *models.FlowDefinition, msg models.InboundMessage) bool {
	if f.TriggerCondition.Type == models.TriggerTypeOther {
		now := msg.Timestamp
		if now.IsZero() {
			now = time.Now()
		}
		return m.predicates.Eval(f.TriggerCondition.Value, msg, nil, flowLocation(f), now)
	}
	text := strings.ToLower(msg.Text)
	for _, kw := range f.TriggerKeywords {
		if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
			return true
		}
	}
	if v := strings.TrimSpace(f.TriggerCondition.Value); v != "" {
		return strings.Contains(text, strings.ToLower(v))
	}
	return false
}
