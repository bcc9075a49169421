package messaging

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/BTreeMap/ReplyPipe/internal/flow"
	"github.com/BTreeMap/ReplyPipe/internal/metrics"
	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/BTreeMap/ReplyPipe/internal/store"
)

// MessageHandler runs an inbound message through the flows. *flow.Engine
// implements it.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg models.InboundMessage) ([]flow.Result, error)
}

// Ingestor de-duplicates inbound messages and hands them to the engine.
type Ingestor struct {
	dedup   store.DedupRepo
	handler MessageHandler
	metrics *metrics.Metrics
}

// NewIngestor creates an Ingestor. dedup may be nil to disable de-duplication.
func NewIngestor(dedup store.DedupRepo, handler MessageHandler, m *metrics.Metrics) *Ingestor {
	return &Ingestor{dedup: dedup, handler: handler, metrics: m}
}

// Ingest processes one message. duplicate is true when the message id was
// already processed, in which case nothing else happens. The message is marked
// processed only when the engine handled it without a storage error, so a
// redelivery retries it.
func (i *Ingestor) Ingest(ctx context.Context, msg models.InboundMessage) (results []flow.Result, duplicate bool, err error) {
	msg.Channel = msg.Channel.Normalize()
	msg.Text = strings.TrimSpace(msg.Text)
	if msg.SenderID == "" {
		return nil, false, errors.New("sender id is required")
	}

	if i.dedup != nil && msg.MessageID != "" {
		fresh, err := i.dedup.RecordInbound(msg.MessageID, msg.SenderID)
		if err != nil {
			slog.Error("Ingestor.Ingest: dedup record failed", "message_id", msg.MessageID, "error", err)
			return nil, false, err
		}
		if !fresh {
			slog.Debug("Ingestor.Ingest: duplicate message skipped", "message_id", msg.MessageID, "sender", msg.SenderID)
			i.metrics.ObserveInboundDuplicate()
			return nil, true, nil
		}
	}

	results, err = i.handler.HandleMessage(ctx, msg)
	if err != nil {
		slog.Error("Ingestor.Ingest: message not fully processed", "message_id", msg.MessageID, "sender", msg.SenderID, "error", err)
		return results, false, err
	}

	if i.dedup != nil && msg.MessageID != "" {
		if err := i.dedup.MarkProcessed(msg.MessageID); err != nil {
			slog.Error("Ingestor.Ingest: mark processed failed", "message_id", msg.MessageID, "error", err)
		}
	}
	return results, false, nil
}

// Run consumes Responses() from every service until ctx is cancelled or all
// channels close.
func (i *Ingestor) Run(ctx context.Context, services ...Service) {
	var wg sync.WaitGroup
	for _, svc := range services {
		wg.Add(1)
		go func(svc Service) {
			defer wg.Done()
			i.consume(ctx, svc)
		}(svc)
	}
	wg.Wait()
}

func (i *Ingestor) consume(ctx context.Context, svc Service) {
	ch := svc.Responses()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				slog.Debug("Ingestor.consume: channel closed", "channel", svc.Channel())
				return
			}
			if msg.Channel == "" {
				msg.Channel = svc.Channel()
			}
			if _, _, err := i.Ingest(ctx, msg); err != nil {
				slog.Warn("Ingestor.consume: ingest failed", "channel", svc.Channel(), "sender", msg.SenderID, "error", err)
			}
		}
	}
}
