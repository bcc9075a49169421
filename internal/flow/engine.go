// Package flow executes auto-reply flows: it matches inbound messages to flow
// definitions, evaluates steps and advances each user's execution state
// through immediate, delayed and conditional steps.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/metrics"
	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/BTreeMap/ReplyPipe/internal/recovery"
	"github.com/BTreeMap/ReplyPipe/internal/store"
)

const (
	// DefaultDispatchTimeout bounds a single Dispatcher.Send call.
	DefaultDispatchTimeout = 15 * time.Second
	// DefaultConflictRetries is how many times a transition is retried after
	// losing an optimistic-concurrency race.
	DefaultConflictRetries = 3
)

// Opts holds configuration for the engine.
type Opts struct {
	Waker           Waker
	Clock           func() time.Time
	DispatchTimeout time.Duration
	ConflictRetries int
	Metrics         *metrics.Metrics
	Predicates      *Predicates
}

// Option configures the engine.
type Option func(*Opts)

// WithWaker sets how delayed steps are woken up. The default is a TimerWaker.
func WithWaker(w Waker) Option {
	return func(o *Opts) { o.Waker = w }
}

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Clock = now }
}

// WithDispatchTimeout bounds each dispatch.
func WithDispatchTimeout(d time.Duration) Option {
	return func(o *Opts) { o.DispatchTimeout = d }
}

// WithConflictRetries sets the optimistic-concurrency retry budget.
func WithConflictRetries(n int) Option {
	return func(o *Opts) { o.ConflictRetries = n }
}

// WithMetrics records engine activity into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// WithPredicates shares a compiled-expression cache with other components.
func WithPredicates(p *Predicates) Option {
	return func(o *Opts) { o.Predicates = p }
}

// Engine runs the per-user flow state machine.
type Engine struct {
	store           store.Store
	dispatcher      Dispatcher
	waker           Waker
	now             func() time.Time
	dispatchTimeout time.Duration
	retries         int
	metrics         *metrics.Metrics
	predicates      *Predicates
	matcher         *Matcher
	evaluator       *Evaluator
	locks           *keyLocks
}

// Compile-time check that Engine recovers armed delays at startup.
var _ recovery.Recoverable = (*Engine)(nil)

// NewEngine creates an engine over s that delivers replies through d.
func NewEngine(s store.Store, d Dispatcher, opts ...Option) *Engine {
	var o Opts
	for _, opt := range opts {
		opt(&o)
	}
	if o.Waker == nil {
		o.Waker = NewTimerWaker(nil)
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.DispatchTimeout <= 0 {
		o.DispatchTimeout = DefaultDispatchTimeout
	}
	if o.ConflictRetries <= 0 {
		o.ConflictRetries = DefaultConflictRetries
	}
	if o.Predicates == nil {
		o.Predicates = NewPredicates()
	}

	e := &Engine{
		store:           s,
		dispatcher:      d,
		waker:           o.Waker,
		now:             o.Clock,
		dispatchTimeout: o.DispatchTimeout,
		retries:         o.ConflictRetries,
		metrics:         o.Metrics,
		predicates:      o.Predicates,
		matcher:         NewMatcher(o.Predicates),
		evaluator:       NewEvaluator(o.Predicates),
		locks:           newKeyLocks(),
	}
	e.waker.SetFireFunc(func(ctx context.Context, key models.StateKey, step int, fireAt time.Time) error {
		_, err := e.FireArmed(ctx, key, step, fireAt)
		return err
	})
	return e
}

// RegisterFlow normalizes, validates and stores def. A missing id is
// generated. Invalid definitions return a *models.DefinitionError.
func (e *Engine) RegisterFlow(ctx context.Context, def models.FlowDefinition) (models.FlowDefinition, error) {
	if def.ID == "" {
		def.ID = models.NewFlowID()
	}
	def.Normalize()
	if err := def.Validate(); err != nil {
		slog.Warn("Engine.RegisterFlow: rejected definition", "flowID", def.ID, "error", err)
		return def, err
	}
	if err := e.predicates.ValidateExpressions(&def); err != nil {
		slog.Warn("Engine.RegisterFlow: rejected expression", "flowID", def.ID, "error", err)
		return def, err
	}
	existing, err := e.store.GetFlow(ctx, def.ID)
	switch {
	case err == nil && !existing.CreatedAt.IsZero():
		// Re-registration keeps the flow's place in match order.
		def.CreatedAt = existing.CreatedAt
	case err != nil && !errors.Is(err, models.ErrFlowNotFound):
		return def, fmt.Errorf("load flow %s: %w", def.ID, err)
	}
	now := e.now().UTC()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now
	if err := e.store.SaveFlow(ctx, def); err != nil {
		return def, fmt.Errorf("save flow %s: %w", def.ID, err)
	}
	slog.Info("Engine.RegisterFlow: registered", "flowID", def.ID, "steps", len(def.Steps), "active", def.IsActive)
	return def, nil
}

// RegisterFlows registers each definition, logging and skipping invalid ones.
// It returns how many were stored.
func (e *Engine) RegisterFlows(ctx context.Context, defs []models.FlowDefinition) int {
	stored := 0
	for _, def := range defs {
		if _, err := e.RegisterFlow(ctx, def); err != nil {
			slog.Error("Engine.RegisterFlows: skipping flow", "flowID", def.ID, "error", err)
			continue
		}
		stored++
	}
	return stored
}

// Flows lists every stored flow in creation order.
func (e *Engine) Flows(ctx context.Context) ([]models.FlowDefinition, error) {
	return e.store.ListFlows(ctx)
}

// Flow returns one flow, or models.ErrFlowNotFound.
func (e *Engine) Flow(ctx context.Context, flowID string) (*models.FlowDefinition, error) {
	return e.store.GetFlow(ctx, flowID)
}

// SetFlowActive toggles matching for a flow. Armed delays are left alone.
func (e *Engine) SetFlowActive(ctx context.Context, flowID string, active bool) error {
	return e.store.SetFlowActive(ctx, flowID, active)
}

// HandleMessage matches msg against the active flows and triggers each match
// in creation order. Dispatch failures are reported in the results; any
// other error means at least one flow was not processed.
func (e *Engine) HandleMessage(ctx context.Context, msg models.InboundMessage) ([]Result, error) {
	msg.Channel = msg.Channel.Normalize()
	flows, err := e.store.ListActiveFlows(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active flows: %w", err)
	}
	matched := e.matcher.Match(msg, flows)
	slog.Debug("Engine.HandleMessage: matched flows", "sender", msg.SenderID, "channel", msg.Channel, "matched", len(matched))

	results := make([]Result, 0, len(matched))
	var errs []error
	for i := range matched {
		res, err := e.Trigger(ctx, &matched[i], msg)
		results = append(results, res)
		var de *DispatchError
		if err != nil && !errors.As(err, &de) {
			errs = append(errs, err)
		}
	}
	return results, errors.Join(errs...)
}

// Trigger advances (def, msg.SenderID) in response to an inbound message.
func (e *Engine) Trigger(ctx context.Context, def *models.FlowDefinition, msg models.InboundMessage) (Result, error) {
	now := e.now().UTC()
	e.metrics.ObserveTrigger(def.ID)
	if err := e.store.IncrementTriggers(ctx, def.ID, now); err != nil {
		slog.Error("Engine.Trigger: failed to count trigger", "flowID", def.ID, "error", err)
	}
	key := models.StateKey{FlowID: def.ID, UserID: msg.SenderID}
	return e.transition(ctx, key, transitionInput{def: def, msg: msg})
}

// FireArmed fires the delayed step armed for key. Firings that no longer
// match the stored state are no-ops.
func (e *Engine) FireArmed(ctx context.Context, key models.StateKey, step int, fireAt time.Time) (Result, error) {
	def, err := e.store.GetFlow(ctx, key.FlowID)
	if errors.Is(err, models.ErrFlowNotFound) {
		slog.Warn("Engine.FireArmed: flow no longer exists", "key", key.String())
		return Result{FlowID: key.FlowID, UserID: key.UserID, Outcome: OutcomeInvalidFlow, StepNumber: step}, nil
	}
	if err != nil {
		return Result{FlowID: key.FlowID, UserID: key.UserID, StepNumber: step}, fmt.Errorf("load flow %s: %w", key.FlowID, err)
	}
	return e.transition(ctx, key, transitionInput{def: def, timer: true, step: step, fireAt: fireAt})
}

type transitionInput struct {
	def    *models.FlowDefinition
	msg    models.InboundMessage
	timer  bool
	step   int
	fireAt time.Time
}

// recordReply saves st after the reply for step target went out. A
// concurrent update reloads the row and reapplies the reply to it; the
// transition is not re-run, so the reply is not sent twice. When the
// reloaded row already records a newer reply, another writer handled this
// trigger and its state is kept. It returns the saved state and any step
// to arm.
func (e *Engine) recordReply(ctx context.Context, key models.StateKey, def *models.FlowDefinition, st *models.ExecutionState, dec Decision, target int, msg models.InboundMessage, timer bool, now time.Time) (*models.ExecutionState, int, time.Time, error) {
	seen := st.LastReplyAt
	for attempt := 0; ; attempt++ {
		armStep, armAt := e.advanceAfterReply(def, st, dec, target, msg, timer, now)
		err := e.store.SaveExecutionState(ctx, st)
		if err == nil {
			return st, armStep, armAt, nil
		}
		if !errors.Is(err, models.ErrConcurrencyConflict) {
			return st, 0, time.Time{}, fmt.Errorf("save state %s after dispatch: %w", key, err)
		}
		if attempt >= e.retries {
			return st, 0, time.Time{}, fmt.Errorf("%w: save state %s after dispatch: %v", models.ErrStorageUnavailable, key, err)
		}
		e.metrics.ObserveConcurrencyRetry()

		fresh, err := e.store.GetExecutionState(ctx, key)
		if err != nil {
			return st, 0, time.Time{}, fmt.Errorf("reload state %s after dispatch: %w", key, err)
		}
		if fresh == nil || !sameInstant(fresh.LastReplyAt, seen) {
			slog.Warn("Engine.recordReply: state advanced by another writer after the reply was sent",
				"key", key.String(), "step", target)
			if fresh == nil {
				fresh = st
			}
			return fresh, 0, time.Time{}, nil
		}
		st = fresh
	}
}

// advanceAfterReply moves st past the step that just replied and returns the
// delayed successor to arm, if any.
func (e *Engine) advanceAfterReply(def *models.FlowDefinition, st *models.ExecutionState, dec Decision, target int, msg models.InboundMessage, timer bool, now time.Time) (int, time.Time) {
	st.RepliesSentToUser++
	st.LastReplyAt = models.TimePtr(now)
	st.CurrentStepNumber = target
	st.Channel = msg.Channel
	if !timer {
		st.LastTriggerAt = models.TimePtr(now)
	}
	st.Disarm()

	if dec.Next.IsEnd() {
		st.Status = models.StatusCompleted
		return 0, time.Time{}
	}
	next := def.Step(dec.Next.Step)
	if next == nil || next.StepType != models.StepTypeDelayed || !e.evaluator.ArmableFrom(def, *next, msg, st, now) {
		st.Status = models.StatusRunning
		return 0, time.Time{}
	}
	armAt := now.Add(next.Delay())
	st.Status = models.StatusAwaitingDelay
	st.ArmedStepNumber = next.StepNumber
	st.FireAt = models.TimePtr(armAt)
	return next.StepNumber, armAt
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// transition runs one state-machine step under the per-key lock, retrying
// from a fresh read when the store reports a concurrent update.
func (e *Engine) transition(ctx context.Context, key models.StateKey, in transitionInput) (Result, error) {
	unlock := e.locks.Lock(key)
	defer unlock()

	var lastErr error
	for attempt := 0; attempt <= e.retries; attempt++ {
		res, err := e.apply(ctx, key, in)
		if errors.Is(err, models.ErrConcurrencyConflict) {
			e.metrics.ObserveConcurrencyRetry()
			slog.Debug("Engine.transition: concurrent update, retrying", "key", key.String(), "attempt", attempt+1)
			lastErr = err
			continue
		}
		if res.Outcome != "" {
			e.metrics.ObserveOutcome(string(res.Outcome))
		}
		if err != nil {
			slog.Error("Engine.transition: failed", "key", key.String(), "outcome", res.Outcome, "error", err)
		} else {
			slog.Debug("Engine.transition: done", "key", key.String(), "outcome", res.Outcome, "step", res.StepNumber, "status", res.Status)
		}
		return res, err
	}
	return Result{FlowID: key.FlowID, UserID: key.UserID},
		fmt.Errorf("%w: %s still conflicting after %d attempts: %v", models.ErrStorageUnavailable, key, e.retries+1, lastErr)
}

func (e *Engine) apply(ctx context.Context, key models.StateKey, in transitionInput) (Result, error) {
	def := in.def
	now := e.now().UTC()

	st, err := e.store.GetExecutionState(ctx, key)
	if err != nil {
		return Result{FlowID: key.FlowID, UserID: key.UserID}, fmt.Errorf("load state %s: %w", key, err)
	}
	if st == nil {
		st = models.NewExecutionState(key)
	}
	res := Result{FlowID: key.FlowID, UserID: key.UserID, StepNumber: st.CurrentStepNumber, Status: st.Status}
	wasArmed := st.IsArmed()

	if st.Status == models.StatusCompleted {
		res.Outcome = OutcomeAlreadyCompleted
		return res, nil
	}

	if limit := def.Settings.MaxRepliesPerUser; limit > 0 && st.RepliesSentToUser >= limit {
		st.Status = models.StatusCompleted
		st.Disarm()
		if err := e.store.SaveExecutionState(ctx, st); err != nil {
			return res, fmt.Errorf("save state %s: %w", key, err)
		}
		if wasArmed {
			e.disarm(ctx, key)
		}
		res.Outcome, res.Status = OutcomeRateLimited, st.Status
		return res, nil
	}

	if st.InCooldown(def.Settings.Cooldown(), now) {
		res.Outcome = OutcomeCooldown
		return res, nil
	}

	msg := in.msg
	var target int
	if in.timer {
		if !st.IsArmed() || st.ArmedStepNumber != in.step {
			res.Outcome = OutcomeStale
			return res, nil
		}
		if st.FireAt.After(now) {
			res.Outcome = OutcomeNotDue
			return res, nil
		}
		target = st.ArmedStepNumber
		msg = models.InboundMessage{SenderID: key.UserID, Channel: st.Channel, Timestamp: now}
	} else {
		switch {
		case st.Status == models.StatusAwaitingDelay:
			res.Outcome = OutcomeAwaitingDelay
			return res, nil
		case st.CurrentStepNumber == 0:
			target = 1
		default:
			cur := def.Step(st.CurrentStepNumber)
			if cur == nil {
				res.Outcome = OutcomeInvalidFlow
				return res, nil
			}
			succ := ResolveSuccessor(def, *cur)
			if succ.IsEnd() {
				// The definition changed under a running user; nothing is left to send.
				st.Status = models.StatusCompleted
				if err := e.store.SaveExecutionState(ctx, st); err != nil {
					return res, fmt.Errorf("save state %s: %w", key, err)
				}
				res.Outcome, res.Status = OutcomeAlreadyCompleted, st.Status
				return res, nil
			}
			target = succ.Step
		}
	}

	step := def.Step(target)
	if step == nil {
		res.Outcome = OutcomeInvalidFlow
		return res, nil
	}
	res.StepNumber = target

	var dec Decision
	if in.timer {
		dec = e.evaluator.EvaluateArmed(def, *step, msg, st, now)
	} else {
		dec = e.evaluator.Evaluate(def, *step, msg, st, now)
	}
	if !dec.Fire {
		res.Outcome = OutcomeParked
		return res, nil
	}

	if !in.timer && step.StepType == models.StepTypeDelayed {
		fireAt := now.Add(step.Delay())
		st.Status = models.StatusAwaitingDelay
		st.ArmedStepNumber = target
		st.FireAt = models.TimePtr(fireAt)
		st.LastTriggerAt = models.TimePtr(now)
		st.Channel = msg.Channel
		if err := e.store.SaveExecutionState(ctx, st); err != nil {
			return res, fmt.Errorf("save state %s: %w", key, err)
		}
		e.arm(ctx, key, target, fireAt)
		res.Outcome, res.Status = OutcomeArmed, st.Status
		return res, nil
	}

	channel := msg.Channel
	reply := models.OutboundReply{
		UserID:  key.UserID,
		Channel: channel,
		Content: dec.Reply.Content,
		Image:   dec.Reply.Image,
	}
	dctx, cancel := context.WithTimeout(ctx, e.dispatchTimeout)
	err = e.dispatcher.Send(dctx, reply)
	cancel()
	if err != nil {
		e.metrics.ObserveDispatchFailure(string(channel))
		res.Outcome = OutcomeDispatchFailed
		return res, &DispatchError{Key: key, StepNumber: target, Channel: channel, Err: err}
	}

	st, armStep, armAt, err := e.recordReply(ctx, key, def, st, dec, target, msg, in.timer, now)
	if err != nil {
		return res, err
	}
	if err := e.store.IncrementReplies(ctx, key.FlowID); err != nil {
		slog.Error("Engine.apply: failed to count reply", "flowID", key.FlowID, "error", err)
	}
	e.metrics.ObserveReply(key.FlowID)

	switch {
	case armStep > 0:
		e.arm(ctx, key, armStep, armAt)
	case wasArmed && !st.IsArmed():
		e.disarm(ctx, key)
	}

	res.Outcome, res.Status = OutcomeReplied, st.Status
	return res, nil
}

// arm schedules a wake-up. Failures are logged only: the state row already
// records the delay and the sweep will fire it.
func (e *Engine) arm(ctx context.Context, key models.StateKey, step int, fireAt time.Time) {
	e.metrics.ObserveDelayArmed()
	if err := e.waker.Arm(ctx, key, step, fireAt); err != nil {
		slog.Error("Engine.arm: failed to arm wake-up", "key", key.String(), "step", step, "error", err)
	}
}

func (e *Engine) disarm(ctx context.Context, key models.StateKey) {
	if err := e.waker.Disarm(ctx, key); err != nil {
		slog.Error("Engine.disarm: failed to disarm wake-up", "key", key.String(), "error", err)
	}
}

// FlushPending cancels every armed delay of flowID. Affected users return to
// running with the armed fields cleared. It returns how many were cancelled.
func (e *Engine) FlushPending(ctx context.Context, flowID string) (int, error) {
	states, err := e.store.ListFlowStates(ctx, flowID)
	if err != nil {
		return 0, fmt.Errorf("list states of %s: %w", flowID, err)
	}
	flushed := 0
	for _, s := range states {
		if !s.IsArmed() {
			continue
		}
		ok, err := e.flushOne(ctx, s.Key())
		if err != nil {
			return flushed, err
		}
		if ok {
			flushed++
		}
	}
	slog.Info("Engine.FlushPending: flushed armed delays", "flowID", flowID, "count", flushed)
	return flushed, nil
}

func (e *Engine) flushOne(ctx context.Context, key models.StateKey) (bool, error) {
	unlock := e.locks.Lock(key)
	defer unlock()

	for attempt := 0; attempt <= e.retries; attempt++ {
		st, err := e.store.GetExecutionState(ctx, key)
		if err != nil {
			return false, fmt.Errorf("load state %s: %w", key, err)
		}
		if st == nil || !st.IsArmed() {
			return false, nil
		}
		st.Disarm()
		st.Status = models.StatusRunning
		err = e.store.SaveExecutionState(ctx, st)
		if errors.Is(err, models.ErrConcurrencyConflict) {
			e.metrics.ObserveConcurrencyRetry()
			continue
		}
		if err != nil {
			return false, fmt.Errorf("save state %s: %w", key, err)
		}
		e.disarm(ctx, key)
		return true, nil
	}
	return false, fmt.Errorf("%w: flush %s kept conflicting", models.ErrStorageUnavailable, key)
}

// ResetExecution deletes the execution state of key and disarms any pending
// delay, so the user starts the flow from step 1 on the next trigger.
func (e *Engine) ResetExecution(ctx context.Context, key models.StateKey) error {
	unlock := e.locks.Lock(key)
	defer unlock()

	e.disarm(ctx, key)
	if err := e.store.DeleteExecutionState(ctx, key); err != nil {
		return fmt.Errorf("reset %s: %w", key, err)
	}
	slog.Info("Engine.ResetExecution: reset", "key", key.String())
	return nil
}

// GetExecution returns the execution state of key, or nil if there is none.
func (e *Engine) GetExecution(ctx context.Context, key models.StateKey) (*models.ExecutionState, error) {
	return e.store.GetExecutionState(ctx, key)
}

// Statistics returns the counters of flowID.
func (e *Engine) Statistics(ctx context.Context, flowID string) (*models.FlowStatistics, error) {
	if _, err := e.store.GetFlow(ctx, flowID); err != nil {
		return nil, err
	}
	return e.store.GetFlowStatistics(ctx, flowID)
}

// Pending lists every armed delay, earliest first.
func (e *Engine) Pending(ctx context.Context) ([]models.PendingDelay, error) {
	states, err := e.store.ListAwaitingDelay(ctx)
	if err != nil {
		return nil, fmt.Errorf("list awaiting delays: %w", err)
	}
	out := make([]models.PendingDelay, 0, len(states))
	for _, s := range states {
		if !s.IsArmed() {
			continue
		}
		out = append(out, models.PendingDelay{Key: s.Key(), StepNumber: s.ArmedStepNumber, FireAt: *s.FireAt})
	}
	sortPending(out)
	e.metrics.SetArmedDelays(len(out))
	return out, nil
}

func sortPending(p []models.PendingDelay) {
	sort.Slice(p, func(i, j int) bool {
		if !p[i].FireAt.Equal(p[j].FireAt) {
			return p[i].FireAt.Before(p[j].FireAt)
		}
		return p[i].Key.String() < p[j].Key.String()
	})
}

// SweepDue fires every armed delay whose fire time has passed. It returns
// how many replies were sent.
func (e *Engine) SweepDue(ctx context.Context) (int, error) {
	pending, err := e.Pending(ctx)
	if err != nil {
		return 0, err
	}
	now := e.now().UTC()
	replied := 0
	var errs []error
	for _, p := range pending {
		if p.FireAt.After(now) {
			continue
		}
		res, err := e.FireArmed(ctx, p.Key, p.StepNumber, p.FireAt)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if res.Outcome == OutcomeReplied {
			replied++
		}
	}
	if replied > 0 || len(errs) > 0 {
		slog.Info("Engine.SweepDue: swept due delays", "replied", replied, "errors", len(errs))
	}
	return replied, errors.Join(errs...)
}

// RecoverState re-arms every persisted delay after a restart and fires the
// ones already due.
func (e *Engine) RecoverState(ctx context.Context, registry *recovery.RecoveryRegistry) error {
	pending, err := e.Pending(ctx)
	if err != nil {
		return fmt.Errorf("failed to load armed delays: %w", err)
	}
	now := e.now().UTC()
	var errs []error
	for _, p := range pending {
		if p.FireAt.After(now) {
			if err := e.waker.Arm(ctx, p.Key, p.StepNumber, p.FireAt); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		var de *DispatchError
		if _, err := e.FireArmed(ctx, p.Key, p.StepNumber, p.FireAt); err != nil && !errors.As(err, &de) {
			errs = append(errs, err)
		}
	}
	e.metrics.ObserveTimersRecovered(len(pending))
	if registry != nil {
		registry.Report("armed_delays", len(pending))
	}
	slog.Info("Engine.RecoverState: recovered armed delays", "count", len(pending), "errors", len(errs))
	return errors.Join(errs...)
}
