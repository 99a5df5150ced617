// Package watch reports debounced changes of a source tree, for rebuilding
// the image while editing.
package watch

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"k8s.io/klog/v2"
)

// EventType represents the type of file system event
type EventType int

const (
	EventCreated EventType = iota + 1
	EventModified
	EventDeleted
	EventRenamed
)

func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "created"
	case EventModified:
		return "modified"
	case EventDeleted:
		return "deleted"
	case EventRenamed:
		return "renamed"
	default:
		return "unknown"
	}
}

// Event is a change of one path, relative to the watched root.
type Event struct {
	Path string
	Type EventType
	Time time.Time
}

// Batch is every change seen during one quiet period, sorted by path.
type Batch []Event

// Paths returns the changed paths.
func (b Batch) Paths() []string {
	paths := make([]string, len(b))
	for i, e := range b {
		paths[i] = e.Path
	}
	return paths
}

// Config contains configuration for the watcher
type Config struct {
	// Root is the directory to watch recursively.
	Root string

	// Ignore holds patterns matched against every path component.
	Ignore []string

	// Debounce is the quiet period closing a batch.
	Debounce time.Duration
}

// Watcher watches a directory tree and emits batches of changes.
type Watcher struct {
	cfg     Config
	watcher *fsnotify.Watcher
	batches chan Batch
	errors  chan error
	done    chan struct{}

	mu      sync.Mutex
	running bool
	pending map[string]Event
	timer   *time.Timer
}

// New creates a watcher. Nothing is watched until Start.
func New(cfg Config) (*Watcher, error) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 300 * time.Millisecond
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, err
	}
	cfg.Root = root

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		cfg:     cfg,
		watcher: fsWatcher,
		batches: make(chan Batch, 1),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
		pending: make(map[string]Event),
	}, nil
}

// Start begins watching for file changes
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.addRecursive(w.cfg.Root); err != nil {
		return err
	}

	go w.processEvents(ctx)
	return nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return w.watcher.Close()
	}
	w.running = false
	close(w.done)
	if w.timer != nil {
		w.timer.Stop()
	}
	return w.watcher.Close()
}

// Batches returns the channel of change batches.
func (w *Watcher) Batches() <-chan Batch {
	return w.batches
}

// Errors returns the channel of watch errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.cfg.Root && w.ignored(path) {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

func (w *Watcher) processEvents(ctx context.Context) {
	logger := klog.FromContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.V(1).Info("Watch error", "err", err)
			select {
			case w.errors <- err:
			default:
			}
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if w.ignored(event.Name) {
		return
	}

	var eventType EventType
	switch {
	case event.Op.Has(fsnotify.Create):
		eventType = EventCreated
		// New directories are watched as they appear.
		if err := w.addRecursive(event.Name); err != nil && !errors.Is(err, fs.ErrNotExist) {
			klog.FromContext(ctx).V(1).Info("Failed to watch new path", "path", event.Name, "err", err)
		}
	case event.Op.Has(fsnotify.Write):
		eventType = EventModified
	case event.Op.Has(fsnotify.Remove):
		eventType = EventDeleted
	case event.Op.Has(fsnotify.Rename):
		eventType = EventRenamed
	default:
		return
	}

	rel, err := filepath.Rel(w.cfg.Root, event.Name)
	if err != nil {
		rel = event.Name
	}
	w.debounce(Event{Path: filepath.ToSlash(rel), Type: eventType, Time: time.Now()})
}

// debounce adds event to the pending batch and restarts the quiet period.
func (w *Watcher) debounce(event Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if prev, ok := w.pending[event.Path]; ok && prev.Type == EventCreated && event.Type == EventModified {
		event.Type = EventCreated
	}
	w.pending[event.Path] = event

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.cfg.Debounce, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	if len(w.pending) == 0 || !w.running {
		w.mu.Unlock()
		return
	}
	batch := make(Batch, 0, len(w.pending))
	for _, e := range w.pending {
		batch = append(batch, e)
	}
	w.pending = make(map[string]Event)
	w.mu.Unlock()

	sort.Slice(batch, func(i, j int) bool { return batch[i].Path < batch[j].Path })

	select {
	case w.batches <- batch:
	case <-w.done:
	}
}

func (w *Watcher) ignored(path string) bool {
	rel, err := filepath.Rel(w.cfg.Root, path)
	if err != nil {
		rel = path
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		for _, pattern := range w.cfg.Ignore {
			if matched, _ := filepath.Match(pattern, part); matched {
				return true
			}
		}
	}
	return false
}

// Loop calls fn for every batch until ctx is done. Calls never overlap;
// changes seen while fn runs arrive as the next batch.
func Loop(ctx context.Context, w *Watcher, fn func(context.Context, Batch) error) error {
	logger := klog.FromContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-w.Errors():
			logger.Error(err, "File watcher error")
		case batch := <-w.Batches():
			logger.V(1).Info("Source changed", "paths", len(batch))
			if err := fn(ctx, batch); err != nil {
				return err
			}
		}
	}
}
