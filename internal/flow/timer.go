package flow

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Timer schedules in-process callbacks.
type Timer interface {
	ScheduleAt(when time.Time, fn func()) (string, error)
	Cancel(id string) error
	Stop()
}

// SimpleTimer implements Timer with time.AfterFunc.
type SimpleTimer struct {
	timers map[string]*time.Timer
	mu     sync.Mutex
	nextID int64
}

// NewSimpleTimer creates a new SimpleTimer.
func NewSimpleTimer() *SimpleTimer {
	return &SimpleTimer{
		timers: make(map[string]*time.Timer),
	}
}

// ScheduleAt schedules fn to run at when. Past instants fire immediately.
func (t *SimpleTimer) ScheduleAt(when time.Time, fn func()) (string, error) {
	delay := time.Until(when)
	if delay < 0 {
		delay = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := fmt.Sprintf("timer_%d", t.nextID)

	// The callback takes the lock, so it cannot observe the map before the
	// timer is inserted below.
	t.timers[id] = time.AfterFunc(delay, func() {
		t.mu.Lock()
		_, live := t.timers[id]
		delete(t.timers, id)
		t.mu.Unlock()
		if !live {
			return
		}
		slog.Debug("SimpleTimer: firing", "id", id)
		fn()
	})

	slog.Debug("SimpleTimer.ScheduleAt: scheduled", "id", id, "when", when)
	return id, nil
}

// Cancel stops a scheduled timer. Unknown ids are ignored.
func (t *SimpleTimer) Cancel(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if timer, exists := t.timers[id]; exists {
		timer.Stop()
		delete(t.timers, id)
		slog.Debug("SimpleTimer.Cancel: cancelled", "id", id)
	}
	return nil
}

// Stop cancels all scheduled timers.
func (t *SimpleTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, timer := range t.timers {
		timer.Stop()
	}
	slog.Info("SimpleTimer.Stop: stopped all timers", "count", len(t.timers))
	t.timers = make(map[string]*time.Timer)
}
