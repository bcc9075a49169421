package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/BTreeMap/ReplyPipe/internal/whatsapp"
)

func TestWhatsAppService_SendReplyEmitsReceipt(t *testing.T) {
	mockClient := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mockClient)
	ctx := context.Background()

	if err := svc.SendReply(ctx, "15550001", models.Reply{Content: "hello", Image: "https://img/x.png"}); err != nil {
		t.Fatalf("SendReply returned error: %v", err)
	}
	sent := mockClient.Messages()
	if len(sent) != 1 || sent[0].Body != "hello\nhttps://img/x.png" {
		t.Errorf("sent = %+v", sent)
	}
	select {
	case receipt := <-svc.Receipts():
		if receipt.To != "15550001" || receipt.Status != models.MessageStatusSent || receipt.Channel != models.ChannelWhatsApp {
			t.Errorf("receipt = %+v", receipt)
		}
	default:
		t.Fatal("expected receipt, got none")
	}
}

func TestWhatsAppService_SendReplyError(t *testing.T) {
	mockClient := whatsapp.NewMockClient()
	mockClient.Err = errors.New("socket closed")
	svc := NewWhatsAppService(mockClient)
	if err := svc.SendReply(context.Background(), "15550001", models.Reply{Content: "x"}); err == nil {
		t.Fatal("expected error")
	}
	select {
	case r := <-svc.Receipts():
		t.Errorf("unexpected receipt %+v", r)
	default:
	}
}

func TestWhatsAppService_StartStop(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("second Stop returned error: %v", err)
	}
	if _, ok := <-svc.Receipts(); ok {
		t.Error("expected receipts channel closed")
	}
	if _, ok := <-svc.Responses(); ok {
		t.Error("expected responses channel closed")
	}
	if err := svc.SendReply(context.Background(), "15550001", models.Reply{Content: "x"}); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("SendReply after Stop = %v, want ErrServiceStopped", err)
	}
}
