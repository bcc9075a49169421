package flow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/BTreeMap/ReplyPipe/internal/store"
)

var testEpoch = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: testEpoch} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recordingDispatcher captures every reply and can be told to fail.
type recordingDispatcher struct {
	mu   sync.Mutex
	sent []models.OutboundReply
	fail error
}

func (d *recordingDispatcher) Send(ctx context.Context, r models.OutboundReply) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return d.fail
	}
	d.sent = append(d.sent, r)
	return nil
}

func (d *recordingDispatcher) setFail(err error) {
	d.mu.Lock()
	d.fail = err
	d.mu.Unlock()
}

func (d *recordingDispatcher) contents() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.sent))
	for i, r := range d.sent {
		out[i] = r.Content
	}
	return out
}

type armedEntry struct {
	step   int
	fireAt time.Time
}

// manualWaker records arms and only fires when the test says so.
type manualWaker struct {
	mu       sync.Mutex
	armed    map[models.StateKey]armedEntry
	disarms  int
	fireFunc FireFunc
}

func newManualWaker() *manualWaker {
	return &manualWaker{armed: make(map[models.StateKey]armedEntry)}
}

func (w *manualWaker) Arm(ctx context.Context, key models.StateKey, step int, fireAt time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.armed[key] = armedEntry{step: step, fireAt: fireAt}
	return nil
}

func (w *manualWaker) Disarm(ctx context.Context, key models.StateKey) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.armed, key)
	w.disarms++
	return nil
}

func (w *manualWaker) SetFireFunc(fn FireFunc) {
	w.mu.Lock()
	w.fireFunc = fn
	w.mu.Unlock()
}

func (w *manualWaker) entry(key models.StateKey) (armedEntry, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.armed[key]
	return e, ok
}

// fire invokes the installed callback the way a real waker would.
func (w *manualWaker) fire(t *testing.T, key models.StateKey) {
	t.Helper()
	e, ok := w.entry(key)
	if !ok {
		t.Fatalf("nothing armed for %s", key)
	}
	w.mu.Lock()
	fn := w.fireFunc
	w.mu.Unlock()
	if err := fn(context.Background(), key, e.step, e.fireAt); err != nil {
		t.Fatalf("fire %s: %v", key, err)
	}
}

type engineHarness struct {
	store    store.Store
	dispatch *recordingDispatcher
	waker    *manualWaker
	clock    *fakeClock
	engine   *Engine
}

func newHarness(t *testing.T, s store.Store) *engineHarness {
	t.Helper()
	if s == nil {
		s = store.NewInMemoryStore()
	}
	h := &engineHarness{
		store:    s,
		dispatch: &recordingDispatcher{},
		waker:    newManualWaker(),
		clock:    newFakeClock(),
	}
	h.engine = NewEngine(s, h.dispatch, WithWaker(h.waker), WithClock(h.clock.Now))
	return h
}

func (h *engineHarness) register(t *testing.T, def models.FlowDefinition) models.FlowDefinition {
	t.Helper()
	got, err := h.engine.RegisterFlow(context.Background(), def)
	if err != nil {
		t.Fatalf("RegisterFlow(%s): %v", def.ID, err)
	}
	return got
}

func (h *engineHarness) send(t *testing.T, sender, text string) []Result {
	t.Helper()
	results, err := h.engine.HandleMessage(context.Background(), models.InboundMessage{
		MessageID: "m-" + text,
		Text:      text,
		SenderID:  sender,
		Channel:   models.ChannelWhatsApp,
		Timestamp: h.clock.Now(),
	})
	if err != nil {
		t.Fatalf("HandleMessage(%q): %v", text, err)
	}
	return results
}

func (h *engineHarness) state(t *testing.T, key models.StateKey) *models.ExecutionState {
	t.Helper()
	st, err := h.store.GetExecutionState(context.Background(), key)
	if err != nil {
		t.Fatalf("GetExecutionState(%s): %v", key, err)
	}
	return st
}

func intPtr(n int) *int { return &n }

// testFlow builds a keyword flow on "hello" with the given steps.
func testFlow(id string, maxReplies int, steps ...models.Step) models.FlowDefinition {
	return models.FlowDefinition{
		ID:              id,
		Name:            id,
		IsActive:        true,
		TriggerKeywords: []string{"hello"},
		Steps:           steps,
		Settings:        models.FlowSettings{MaxRepliesPerUser: maxReplies},
	}
}

func immediate(n int, content string) models.Step {
	return models.Step{StepNumber: n, StepType: models.StepTypeImmediate, ReplyContent: content}
}

func delayed(n, minutes int, content string) models.Step {
	return models.Step{StepNumber: n, StepType: models.StepTypeDelayed, DelayMinutes: minutes, ReplyContent: content}
}

func endStep(n int, content string) models.Step {
	return models.Step{StepNumber: n, StepType: models.StepTypeEnd, ReplyContent: content, IsEndStep: true}
}

func onlyOutcome(t *testing.T, results []Result) Outcome {
	t.Helper()
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d: %+v", len(results), results)
	}
	return results[0].Outcome
}
