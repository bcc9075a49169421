package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/BTreeMap/ReplyPipe/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client   whatsapp.WhatsAppSender
	waClient *whatsapp.Client // set when client is a live connection
	streams  *eventStreams
	handler  uint32
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given WhatsAppSender.
func NewWhatsAppService(client whatsapp.WhatsAppSender) *WhatsAppService {
	s := &WhatsAppService{
		client:  client,
		streams: newEventStreams("WhatsAppService"),
	}
	if waClient, ok := client.(*whatsapp.Client); ok {
		s.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}
	return s
}

// Channel returns models.ChannelWhatsApp.
func (s *WhatsAppService) Channel() models.Channel { return models.ChannelWhatsApp }

// ValidateAndCanonicalizeRecipient reduces a phone number to its digits.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical, err := canonicalPhone(recipient)
	if err != nil {
		return "", err
	}
	if canonical != recipient {
		slog.Debug("WhatsAppService canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// Start registers the inbound event handler when a live client is present.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService no full client available, skipping event handling (likely mock)")
		return nil
	}
	s.handler = s.waClient.GetClient().AddEventHandler(s.handleEvent)
	slog.Debug("WhatsAppService event handler registered")
	return nil
}

// Stop removes the event handler and closes the event channels.
func (s *WhatsAppService) Stop() error {
	if s.waClient != nil && s.waClient.GetClient() != nil && s.handler != 0 {
		s.waClient.GetClient().RemoveEventHandler(s.handler)
	}
	s.streams.close()
	slog.Info("WhatsAppService stopped and channels closed")
	return nil
}

// SendReply sends the reply as one text message and emits a sent receipt.
// WhatsApp text messages carry the image as a link.
func (s *WhatsAppService) SendReply(ctx context.Context, to string, reply models.Reply) error {
	if s.streams.isStopped() {
		return ErrServiceStopped
	}
	body := ComposeText(reply)
	if body == "" {
		return fmt.Errorf("reply for %s is empty", to)
	}
	if err := s.client.SendMessage(ctx, to, body); err != nil {
		slog.Error("WhatsAppService SendReply error", "error", err, "to", to)
		return err
	}
	s.streams.emitReceipt(models.Receipt{To: to, Channel: models.ChannelWhatsApp, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	slog.Info("WhatsAppService reply sent and receipt emitted", "to", to)
	return nil
}

// Receipts returns a channel of receipt events.
func (s *WhatsAppService) Receipts() <-chan models.Receipt { return s.streams.receipts }

// Responses returns a channel of inbound messages.
func (s *WhatsAppService) Responses() <-chan models.InboundMessage { return s.streams.responses }

func (s *WhatsAppService) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		s.handleIncomingMessage(v)
	case *events.Receipt:
		s.handleMessageReceipt(v)
	}
}

// messageText extracts the text body; other message kinds return "".
func messageText(evt *events.Message) string {
	if evt.Message == nil {
		return ""
	}
	if evt.Message.Conversation != nil {
		return *evt.Message.Conversation
	}
	if evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil {
		return *evt.Message.ExtendedTextMessage.Text
	}
	return ""
}

func e164(user string) string {
	if strings.HasPrefix(user, "+") {
		return user
	}
	return "+" + user
}

func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Info.IsFromMe {
		return
	}
	text := messageText(evt)
	if text == "" {
		slog.Debug("WhatsAppService ignoring non-text message", "from", evt.Info.Sender.String())
		return
	}
	s.streams.emitResponse(models.InboundMessage{
		MessageID: string(evt.Info.ID),
		Text:      text,
		SenderID:  e164(evt.Info.Sender.User),
		Channel:   models.ChannelWhatsApp,
		Timestamp: evt.Info.Timestamp,
	})
}

func (s *WhatsAppService) handleMessageReceipt(evt *events.Receipt) {
	var status models.MessageStatus
	switch evt.Type {
	case events.ReceiptTypeDelivered:
		status = models.MessageStatusDelivered
	case events.ReceiptTypeRead:
		status = models.MessageStatusRead
	default:
		return
	}
	s.streams.emitReceipt(models.Receipt{
		To:      e164(evt.MessageSource.Sender.User),
		Channel: models.ChannelWhatsApp,
		Status:  status,
		Time:    evt.Timestamp.Unix(),
	})
}
