// Package messaging connects ReplyPipe to its delivery channels.
//
// Each channel is a Service that sends replies and emits inbound messages and
// delivery receipts. A Router dispatches engine replies to the right Service
// and an Ingestor feeds inbound messages back into the engine.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
)

const (
	// DefaultChannelBufferSize defines the default buffer size for receipt and response channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
)

var (
	// ErrServiceStopped is returned when sending through a stopped service.
	ErrServiceStopped = errors.New("messaging service stopped")
	// ErrUnknownChannel is returned when no service is registered for a channel.
	ErrUnknownChannel = errors.New("no service registered for channel")
)

var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Service defines a pluggable message delivery abstraction.
// It supports sending replies, and provides channels for receipt and inbound events.
type Service interface {
	// Channel names the transport this service delivers on.
	Channel() models.Channel

	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendReply delivers a reply to a canonical recipient.
	SendReply(ctx context.Context, to string, reply models.Reply) error

	// Start begins any background processing (e.g., event subscriptions).
	Start(ctx context.Context) error

	// Stop stops background processing and closes the event channels.
	Stop() error

	// Receipts returns a channel of receipt events (sent, delivered, read).
	Receipts() <-chan models.Receipt

	// Responses returns a channel of inbound user messages.
	Responses() <-chan models.InboundMessage
}

// canonicalPhone strips everything but digits and requires at least 6 of them.
func canonicalPhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	return canonical, nil
}

// ComposeText renders a reply for transports without media support: the image
// URL follows the content on its own line.
func ComposeText(r models.Reply) string {
	switch {
	case r.Image == "":
		return r.Content
	case r.Content == "":
		return r.Image
	default:
		return strings.TrimRight(r.Content, "\n") + "\n" + r.Image
	}
}

// eventStreams holds the receipt and inbound channels shared by every service
// and closes them once.
type eventStreams struct {
	name      string
	receipts  chan models.Receipt
	responses chan models.InboundMessage

	mu      sync.RWMutex
	stopped bool
}

func newEventStreams(name string) *eventStreams {
	return &eventStreams{
		name:      name,
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.InboundMessage, DefaultChannelBufferSize),
	}
}

func (e *eventStreams) isStopped() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stopped
}

// emitReceipt and emitResponse hold the read lock across the send so close
// cannot race with it.
func (e *eventStreams) emitReceipt(r models.Receipt) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped {
		return
	}
	select {
	case e.receipts <- r:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn(e.name+" receipts channel blocked, dropping receipt", "to", r.To, "timeout", DefaultChannelTimeout)
	}
}

func (e *eventStreams) emitResponse(msg models.InboundMessage) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped {
		slog.Warn(e.name+" dropping inbound message (service stopped)", "from", msg.SenderID)
		return false
	}
	select {
	case e.responses <- msg:
		slog.Debug(e.name+" emitted inbound message", "from", msg.SenderID)
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn(e.name+" responses channel blocked, dropping message", "from", msg.SenderID, "timeout", DefaultChannelTimeout)
		return false
	}
}

func (e *eventStreams) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.stopped = true
	close(e.receipts)
	close(e.responses)
}
