package flow

import (
	"context"
	"fmt"

	"github.com/BTreeMap/ReplyPipe/internal/models"
)

// Dispatcher delivers a reply to an end user. A nil error is the ack; any
// error is treated as transient and leaves execution state untouched.
type Dispatcher interface {
	Send(ctx context.Context, reply models.OutboundReply) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, reply models.OutboundReply) error

// Send implements Dispatcher.
func (f DispatcherFunc) Send(ctx context.Context, reply models.OutboundReply) error {
	return f(ctx, reply)
}

// DispatchError reports a failed delivery for one step.
type DispatchError struct {
	Key        models.StateKey
	StepNumber int
	Channel    models.Channel
	Err        error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch step %d of %s via %q: %v", e.StepNumber, e.Key, e.Channel, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }
