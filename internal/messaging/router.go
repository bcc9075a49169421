package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/ReplyPipe/internal/flow"
	"github.com/BTreeMap/ReplyPipe/internal/models"
)

var _ flow.Dispatcher = (*Router)(nil)

// Router dispatches replies to the Service registered for their channel.
type Router struct {
	mu       sync.RWMutex
	services map[models.Channel]Service
	order    []models.Channel
}

// NewRouter creates a Router over the given services.
func NewRouter(services ...Service) *Router {
	r := &Router{services: make(map[models.Channel]Service)}
	for _, s := range services {
		r.Register(s)
	}
	return r
}

// Register adds or replaces the service for its channel.
func (r *Router) Register(s Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := s.Channel().Normalize()
	if _, exists := r.services[ch]; !exists {
		r.order = append(r.order, ch)
	}
	r.services[ch] = s
	slog.Debug("Router.Register: channel registered", "channel", ch)
}

// Service returns the service for ch.
func (r *Router) Service(ch models.Channel) (Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.services[ch.Normalize()]
	return s, ok
}

// Services returns every registered service in registration order.
func (r *Router) Services() []Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Service, 0, len(r.order))
	for _, ch := range r.order {
		out = append(out, r.services[ch])
	}
	return out
}

// Send implements flow.Dispatcher.
func (r *Router) Send(ctx context.Context, reply models.OutboundReply) error {
	svc, ok := r.Service(reply.Channel)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, reply.Channel)
	}
	to, err := svc.ValidateAndCanonicalizeRecipient(reply.UserID)
	if err != nil {
		return fmt.Errorf("invalid recipient for %s: %w", reply.Channel, err)
	}
	return svc.SendReply(ctx, to, models.Reply{Content: reply.Content, Image: reply.Image})
}

// Start starts every service.
func (r *Router) Start(ctx context.Context) error {
	for _, s := range r.Services() {
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", s.Channel(), err)
		}
	}
	return nil
}

// Stop stops every service, logging failures.
func (r *Router) Stop() {
	for _, s := range r.Services() {
		if err := s.Stop(); err != nil {
			slog.Error("Router.Stop: service stop failed", "channel", s.Channel(), "error", err)
		}
	}
}
