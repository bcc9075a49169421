package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// flowsFile is the on-disk layout of a flows YAML file.
type flowsFile struct {
	Flows []models.FlowDefinition `yaml:"flows"`
}

// LoadFlowsFile reads flow definitions from a YAML file. Definitions are
// normalized but not validated; callers register them through the engine.
func LoadFlowsFile(path string) ([]models.FlowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading flows file: %w", err)
	}
	return ParseFlows(data)
}

// ParseFlows decodes a flows YAML document.
func ParseFlows(data []byte) ([]models.FlowDefinition, error) {
	var doc flowsFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("error unmarshalling flows YAML: %w", err)
	}
	for i := range doc.Flows {
		doc.Flows[i].Normalize()
	}
	return doc.Flows, nil
}

// FlowsHandler receives the full set of flows each time the file changes.
type FlowsHandler func(ctx context.Context, flows []models.FlowDefinition)

const defaultFlowsDebounce = 250 * time.Millisecond

// FlowsFileWatcher reloads a flows file when it changes on disk.
type FlowsFileWatcher struct {
	path     string
	handler  FlowsHandler
	debounce time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

// NewFlowsFileWatcher creates a watcher for path. Call Run to start it.
func NewFlowsFileWatcher(path string, handler FlowsHandler) *FlowsFileWatcher {
	return &FlowsFileWatcher{path: path, handler: handler, debounce: defaultFlowsDebounce}
}

// Load reads the file once and passes the flows to the handler.
func (w *FlowsFileWatcher) Load(ctx context.Context) error {
	flows, err := LoadFlowsFile(w.path)
	if err != nil {
		return err
	}
	slog.Info("FlowsFileWatcher.Load: loaded flows", "path", w.path, "count", len(flows))
	w.handler(ctx, flows)
	return nil
}

// Run watches the file's directory (editors replace files by rename) and
// reloads on writes. It blocks until ctx is cancelled.
func (w *FlowsFileWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create flows watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(w.path)
	slog.Info("FlowsFileWatcher.Run: watching flows file", "path", target)

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.schedule(ctx)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("FlowsFileWatcher.Run: watcher error", "error", err)
		}
	}
}

// schedule coalesces bursts of events into a single reload.
func (w *FlowsFileWatcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Reset(w.debounce)
		return
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		w.timer = nil
		w.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		if err := w.Load(ctx); err != nil {
			slog.Error("FlowsFileWatcher: reload failed", "path", w.path, "error", err)
		}
	})
}
