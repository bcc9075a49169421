package messaging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/BTreeMap/ReplyPipe/internal/twiliowhatsapp"
)

func postForm(t *testing.T, h http.HandlerFunc, form url.Values, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestTwilioService_SendReply(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)
	ctx := context.Background()

	if err := svc.SendReply(ctx, "+15550001", models.Reply{Content: "plain"}); err != nil {
		t.Fatalf("SendReply: %v", err)
	}
	if err := svc.SendReply(ctx, "+15550001", models.Reply{Content: "caption", Image: "https://img/a.png"}); err != nil {
		t.Fatalf("SendReply with image: %v", err)
	}
	got := mock.Messages()
	if len(got) != 2 {
		t.Fatalf("sent %d messages", len(got))
	}
	if got[0].MediaURL != "" || got[1].MediaURL != "https://img/a.png" || got[1].Body != "caption" {
		t.Errorf("messages = %+v", got)
	}
	if r := <-svc.Receipts(); r.Channel != models.ChannelTwilio || r.Status != models.MessageStatusSent {
		t.Errorf("receipt = %+v", r)
	}
}

func TestTwilioWebhookHandler(t *testing.T) {
	tests := []struct {
		name        string
		form        url.Values
		wantCode    int
		wantInbound bool
		wantReceipt models.MessageStatus
	}{
		{
			name:        "inbound message",
			form:        url.Values{"From": {"whatsapp:+15550001"}, "Body": {"hello"}, "MessageSid": {"SM1"}},
			wantCode:    http.StatusOK,
			wantInbound: true,
		},
		{
			name:     "missing body",
			form:     url.Values{"From": {"whatsapp:+15550001"}},
			wantCode: http.StatusBadRequest,
		},
		{
			name:        "status callback",
			form:        url.Values{"MessageStatus": {"delivered"}, "To": {"whatsapp:+15550001"}, "MessageSid": {"SM2"}},
			wantCode:    http.StatusOK,
			wantReceipt: models.MessageStatusDelivered,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewTwilioService(twiliowhatsapp.NewMockClient())
			rec := postForm(t, svc.TwilioWebhookHandler, tt.form, nil)
			if rec.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d", rec.Code, tt.wantCode)
			}
			select {
			case msg := <-svc.Responses():
				if !tt.wantInbound {
					t.Fatalf("unexpected inbound %+v", msg)
				}
				if msg.SenderID != "+15550001" || msg.Text != "hello" || msg.MessageID != "SM1" || msg.Channel != models.ChannelTwilio {
					t.Errorf("inbound = %+v", msg)
				}
			default:
				if tt.wantInbound {
					t.Fatal("expected inbound message")
				}
			}
			select {
			case r := <-svc.Receipts():
				if r.Status != tt.wantReceipt || r.To != "+15550001" {
					t.Errorf("receipt = %+v", r)
				}
			default:
				if tt.wantReceipt != "" {
					t.Fatal("expected receipt")
				}
			}
		})
	}
}

func TestTwilioWebhookHandler_RejectsBadSignature(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient(), WithSignatureValidation("secret", "https://example.com/webhooks/twilio"))
	form := url.Values{"From": {"whatsapp:+15550001"}, "Body": {"hello"}}
	rec := postForm(t, svc.TwilioWebhookHandler, form, map[string]string{"X-Twilio-Signature": "bogus"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("code = %d, want 403", rec.Code)
	}
	select {
	case msg := <-svc.Responses():
		t.Errorf("forged request produced inbound %+v", msg)
	default:
	}
}
