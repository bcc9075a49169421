package flow

import (
	"testing"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
)

func TestMatcher_Match(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mk := func(id string, created time.Time, mutate func(*models.FlowDefinition)) models.FlowDefinition {
		f := testFlow(id, 1, immediate(1, "x"))
		f.CreatedAt = created
		if mutate != nil {
			mutate(&f)
		}
		f.Normalize()
		return f
	}
	flows := []models.FlowDefinition{
		mk("flow_late", base.Add(time.Hour), nil),
		mk("flow_b", base, nil),
		mk("flow_a", base, nil),
		mk("flow_inactive", base, func(f *models.FlowDefinition) { f.IsActive = false }),
		mk("flow_twilio", base, func(f *models.FlowDefinition) { f.Platform = "Twilio" }),
		mk("flow_whatsapp", base, func(f *models.FlowDefinition) { f.Platform = "whatsapp" }),
		mk("flow_price", base, func(f *models.FlowDefinition) { f.TriggerKeywords = []string{"price"} }),
		mk("flow_expr", base.Add(2*time.Hour), func(f *models.FlowDefinition) {
			f.TriggerKeywords = nil
			f.TriggerCondition = models.TriggerCondition{Type: models.TriggerTypeOther, Value: `sender == "+1999" && contains_ci(text, "hello")`}
		}),
	}
	m := NewMatcher(nil)

	tests := []struct {
		name string
		msg  models.InboundMessage
		want []string
	}{
		{
			name: "keyword substring on twilio",
			msg:  models.InboundMessage{Text: "well HELLO there", SenderID: "+1000", Channel: models.ChannelTwilio},
			want: []string{"flow_a", "flow_b", "flow_twilio", "flow_late"},
		},
		{
			name: "whatsapp platform and expression trigger",
			msg:  models.InboundMessage{Text: "hello", SenderID: "+1999", Channel: models.ChannelWhatsApp},
			want: []string{"flow_a", "flow_b", "flow_whatsapp", "flow_late", "flow_expr"},
		},
		{
			name: "other keyword",
			msg:  models.InboundMessage{Text: "what's the PRICE?", SenderID: "+1000", Channel: models.ChannelWebhook},
			want: []string{"flow_price"},
		},
		{
			name: "no match",
			msg:  models.InboundMessage{Text: "bye", SenderID: "+1000", Channel: models.ChannelWhatsApp},
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := m.Match(tt.msg, flows)
			var ids []string
			for _, f := range got {
				ids = append(ids, f.ID)
			}
			if len(ids) != len(tt.want) {
				t.Fatalf("matched %v, want %v", ids, tt.want)
			}
			for i := range ids {
				if ids[i] != tt.want[i] {
					t.Fatalf("matched %v, want %v", ids, tt.want)
				}
			}
		})
	}
	if flows[0].ID != "flow_late" {
		t.Error("Match reordered its input")
	}
}

func TestMatcher_TriggerValueActsAsKeyword(t *testing.T) {
	f := testFlow("flow_value", 1, immediate(1, "x"))
	f.TriggerKeywords = nil
	f.TriggerCondition = models.TriggerCondition{Type: models.TriggerTypeKeyword, Value: "Menu"}
	got := NewMatcher(nil).Match(models.InboundMessage{Text: "show me the menu"}, []models.FlowDefinition{f})
	if len(got) != 1 {
		t.Errorf("trigger value keyword did not match: %+v", got)
	}
}
