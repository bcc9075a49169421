package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/BTreeMap/ReplyPipe/internal/store"
)

// FireFunc is invoked when an armed delay comes due.
type FireFunc func(ctx context.Context, key models.StateKey, step int, fireAt time.Time) error

// Waker arms wake-ups for delayed steps. The execution state row is the
// source of truth; a Waker only decides when to look at it again, so a lost
// or duplicated wake-up is harmless.
type Waker interface {
	// Arm schedules a wake-up for key at fireAt, replacing any previous one.
	Arm(ctx context.Context, key models.StateKey, step int, fireAt time.Time) error
	// Disarm drops any pending wake-up for key.
	Disarm(ctx context.Context, key models.StateKey) error
	// SetFireFunc installs the callback invoked on wake-up.
	SetFireFunc(fn FireFunc)
}

// TimerWaker arms in-process timers. Pending wake-ups are lost on restart
// and rebuilt from the store by Engine.RecoverState.
type TimerWaker struct {
	timer Timer

	mu   sync.Mutex
	ids  map[models.StateKey]string
	fire FireFunc
}

// NewTimerWaker creates a waker on top of timer; nil uses a SimpleTimer.
func NewTimerWaker(timer Timer) *TimerWaker {
	if timer == nil {
		timer = NewSimpleTimer()
	}
	return &TimerWaker{timer: timer, ids: make(map[models.StateKey]string)}
}

// SetFireFunc implements Waker.
func (w *TimerWaker) SetFireFunc(fn FireFunc) {
	w.mu.Lock()
	w.fire = fn
	w.mu.Unlock()
}

// Arm implements Waker.
func (w *TimerWaker) Arm(ctx context.Context, key models.StateKey, step int, fireAt time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if old, ok := w.ids[key]; ok {
		_ = w.timer.Cancel(old)
		delete(w.ids, key)
	}

	var id string
	id, err := w.timer.ScheduleAt(fireAt, func() {
		w.mu.Lock()
		if w.ids[key] == id {
			delete(w.ids, key)
		}
		fire := w.fire
		w.mu.Unlock()
		if fire == nil {
			slog.Warn("TimerWaker: no fire func installed", "key", key.String())
			return
		}
		if err := fire(context.Background(), key, step, fireAt); err != nil {
			slog.Error("TimerWaker: fire failed", "key", key.String(), "step", step, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("arm %s: %w", key, err)
	}
	w.ids[key] = id
	slog.Debug("TimerWaker.Arm: armed", "key", key.String(), "step", step, "fireAt", fireAt)
	return nil
}

// Disarm implements Waker.
func (w *TimerWaker) Disarm(ctx context.Context, key models.StateKey) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if id, ok := w.ids[key]; ok {
		delete(w.ids, key)
		return w.timer.Cancel(id)
	}
	return nil
}

// Stop cancels every pending wake-up. Call it before closing the store the
// fire func writes to.
func (w *TimerWaker) Stop() {
	w.mu.Lock()
	w.ids = make(map[models.StateKey]string)
	w.mu.Unlock()
	w.timer.Stop()
}

// JobKindFireDelayedStep is the durable job kind used for delayed steps.
const JobKindFireDelayedStep = "fire_delayed_step"

// FireDelayedStepPayload is the JSON payload for fire_delayed_step jobs.
type FireDelayedStepPayload struct {
	FlowID     string    `json:"flow_id"`
	UserID     string    `json:"user_id"`
	StepNumber int       `json:"step_number"`
	FireAt     time.Time `json:"fire_at"`
}

// JobWaker persists wake-ups as jobs so they survive restarts.
type JobWaker struct {
	repo store.JobRepo

	mu   sync.RWMutex
	fire FireFunc
}

// NewJobWaker registers the fire_delayed_step handler on runner and returns
// a waker that enqueues into repo.
func NewJobWaker(repo store.JobRepo, runner *store.JobRunner) *JobWaker {
	w := &JobWaker{repo: repo}
	if runner != nil {
		runner.RegisterHandler(JobKindFireDelayedStep, w.handle)
	}
	return w
}

func jobKeyPrefix(key models.StateKey) string {
	return "fire:" + key.String() + ":"
}

func jobDedupeKey(key models.StateKey, step int, fireAt time.Time) string {
	return fmt.Sprintf("%s%d:%d", jobKeyPrefix(key), step, fireAt.Unix())
}

// SetFireFunc implements Waker.
func (w *JobWaker) SetFireFunc(fn FireFunc) {
	w.mu.Lock()
	w.fire = fn
	w.mu.Unlock()
}

// Arm implements Waker.
func (w *JobWaker) Arm(ctx context.Context, key models.StateKey, step int, fireAt time.Time) error {
	if _, err := w.repo.CancelJobsByKeyPrefix(jobKeyPrefix(key)); err != nil {
		return fmt.Errorf("cancel previous wake-ups for %s: %w", key, err)
	}
	payload, err := json.Marshal(FireDelayedStepPayload{
		FlowID:     key.FlowID,
		UserID:     key.UserID,
		StepNumber: step,
		FireAt:     fireAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal wake-up payload: %w", err)
	}
	id, err := w.repo.EnqueueJob(JobKindFireDelayedStep, fireAt, string(payload), jobDedupeKey(key, step, fireAt))
	if err != nil {
		return fmt.Errorf("enqueue wake-up for %s: %w", key, err)
	}
	slog.Debug("JobWaker.Arm: enqueued", "key", key.String(), "step", step, "fireAt", fireAt, "jobID", id)
	return nil
}

// Disarm implements Waker.
func (w *JobWaker) Disarm(ctx context.Context, key models.StateKey) error {
	n, err := w.repo.CancelJobsByKeyPrefix(jobKeyPrefix(key))
	if err != nil {
		return fmt.Errorf("disarm %s: %w", key, err)
	}
	if n > 0 {
		slog.Debug("JobWaker.Disarm: canceled jobs", "key", key.String(), "count", n)
	}
	return nil
}

func (w *JobWaker) handle(ctx context.Context, payload string) error {
	var p FireDelayedStepPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return fmt.Errorf("invalid %s payload: %w", JobKindFireDelayedStep, err)
	}
	w.mu.RLock()
	fire := w.fire
	w.mu.RUnlock()
	if fire == nil {
		return fmt.Errorf("no fire func installed")
	}
	slog.Info("JobHandler.fire_delayed_step: executing", "flowID", p.FlowID, "userID", p.UserID, "step", p.StepNumber)
	return fire(ctx, models.StateKey{FlowID: p.FlowID, UserID: p.UserID}, p.StepNumber, p.FireAt)
}
