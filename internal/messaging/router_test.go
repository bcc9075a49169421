package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/BTreeMap/ReplyPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/ReplyPipe/internal/whatsapp"
)

func TestRouter_Send(t *testing.T) {
	wa := whatsapp.NewMockClient()
	tw := twiliowhatsapp.NewMockClient()
	r := NewRouter(NewWhatsAppService(wa), NewTwilioService(tw))
	ctx := context.Background()

	if err := r.Send(ctx, models.OutboundReply{UserID: "+1 555 000 1", Channel: "WhatsApp", Content: "a"}); err != nil {
		t.Fatalf("Send whatsapp: %v", err)
	}
	if err := r.Send(ctx, models.OutboundReply{UserID: "+15550002", Channel: models.ChannelTwilio, Content: "b", Image: "https://img"}); err != nil {
		t.Fatalf("Send twilio: %v", err)
	}
	if got := wa.Messages(); len(got) != 1 || got[0].To != "15550001" || got[0].Body != "a" {
		t.Errorf("whatsapp sent %+v", got)
	}
	if got := tw.Messages(); len(got) != 1 || got[0].To != "+15550002" || got[0].MediaURL != "https://img" {
		t.Errorf("twilio sent %+v", got)
	}
}

func TestRouter_SendErrors(t *testing.T) {
	r := NewRouter(NewWhatsAppService(whatsapp.NewMockClient()))
	ctx := context.Background()

	if err := r.Send(ctx, models.OutboundReply{UserID: "+15550001", Channel: models.ChannelTwilio, Content: "x"}); !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("unknown channel err = %v", err)
	}
	if err := r.Send(ctx, models.OutboundReply{UserID: "12", Channel: models.ChannelWhatsApp, Content: "x"}); err == nil {
		t.Error("expected invalid recipient error")
	}
}

func TestRouter_RegisterReplacesInPlace(t *testing.T) {
	first := NewWhatsAppService(whatsapp.NewMockClient())
	second := NewWhatsAppService(whatsapp.NewMockClient())
	r := NewRouter(first, NewTwilioService(nil))
	r.Register(second)

	svcs := r.Services()
	if len(svcs) != 2 {
		t.Fatalf("Services = %d", len(svcs))
	}
	if svcs[0] != Service(second) {
		t.Error("replacement did not keep registration order")
	}
	r.Stop()
	if err := second.SendReply(context.Background(), "15550001", models.Reply{Content: "x"}); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("service not stopped: %v", err)
	}
}
