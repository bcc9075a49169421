package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/BTreeMap/ReplyPipe/internal/twiliowhatsapp"
	twilioclient "github.com/twilio/twilio-go/client"
)

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioService)

// WithSignatureValidation rejects webhook requests whose X-Twilio-Signature
// does not match. publicURL is the URL Twilio posts to, as configured in the
// Twilio console.
func WithSignatureValidation(authToken, publicURL string) TwilioOption {
	return func(s *TwilioService) {
		v := twilioclient.NewRequestValidator(authToken)
		s.validator = &v
		s.publicURL = publicURL
	}
}

// TwilioService implements the Service interface using Twilio API
type TwilioService struct {
	client    twiliowhatsapp.TwilioWhatsAppSender // real Twilio client or MockClient
	streams   *eventStreams
	validator *twilioclient.RequestValidator
	publicURL string
}

// NewTwilioService creates a new TwilioService around client.
func NewTwilioService(client twiliowhatsapp.TwilioWhatsAppSender, opts ...TwilioOption) *TwilioService {
	s := &TwilioService{
		client:  client,
		streams: newEventStreams("TwilioService"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Channel returns models.ChannelTwilio.
func (s *TwilioService) Channel() models.Channel { return models.ChannelTwilio }

// ValidateAndCanonicalizeRecipient reduces a number to "+" followed by its
// digits. A leading "whatsapp:" address prefix is accepted.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical, err := canonicalPhone(strings.TrimPrefix(recipient, twiliowhatsapp.AddressPrefix))
	if err != nil {
		return "", err
	}
	canonical = "+" + canonical
	if canonical != recipient {
		slog.Debug("TwilioService canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// Start is a no-op; inbound traffic arrives through TwilioWebhookHandler.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the event channels.
func (s *TwilioService) Stop() error {
	s.streams.close()
	return nil
}

// SendReply sends the reply, attaching the image as Twilio media.
func (s *TwilioService) SendReply(ctx context.Context, to string, reply models.Reply) error {
	if s.streams.isStopped() {
		return ErrServiceStopped
	}
	var err error
	if reply.Image != "" {
		err = s.client.SendMedia(ctx, to, reply.Content, reply.Image)
	} else {
		err = s.client.SendMessage(ctx, to, reply.Content)
	}
	if err != nil {
		slog.Error("TwilioService SendReply error", "error", err, "to", to)
		return err
	}
	s.streams.emitReceipt(models.Receipt{To: to, Channel: models.ChannelTwilio, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// Receipts returns the channel for delivery receipts.
func (s *TwilioService) Receipts() <-chan models.Receipt { return s.streams.receipts }

// Responses returns the channel for inbound messages.
func (s *TwilioService) Responses() <-chan models.InboundMessage { return s.streams.responses }

// twilioStatus maps Twilio's MessageStatus callback values.
var twilioStatus = map[string]models.MessageStatus{
	"sent":        models.MessageStatusSent,
	"delivered":   models.MessageStatusDelivered,
	"read":        models.MessageStatusRead,
	"failed":      models.MessageStatusFailed,
	"undelivered": models.MessageStatusFailed,
}

// TwilioWebhookHandler handles inbound Twilio webhook requests: incoming
// messages become InboundMessages on Responses(), status callbacks become
// Receipts.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("Failed to parse Twilio webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if s.validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		if !s.validator.Validate(s.publicURL, params, r.Header.Get("X-Twilio-Signature")) {
			slog.Warn("TwilioService rejected webhook with bad signature", "remote", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	from := strings.TrimPrefix(r.FormValue("From"), twiliowhatsapp.AddressPrefix)
	body := r.FormValue("Body")

	if status := r.FormValue("MessageStatus"); status != "" && body == "" {
		if mapped, ok := twilioStatus[status]; ok {
			to := strings.TrimPrefix(r.FormValue("To"), twiliowhatsapp.AddressPrefix)
			s.streams.emitReceipt(models.Receipt{To: to, Channel: models.ChannelTwilio, Status: mapped, Time: time.Now().Unix()})
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	if from == "" || body == "" {
		slog.Warn("Twilio webhook missing fields", "from", from, "body_length", len(body))
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	slog.Info("Inbound message from Twilio", "from", from, "body_length", len(body))
	if !s.streams.emitResponse(models.InboundMessage{
		MessageID: r.FormValue("MessageSid"),
		Text:      body,
		SenderID:  from,
		Channel:   models.ChannelTwilio,
		Timestamp: time.Now(),
	}) {
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}
