package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/procflow/procflow/pkg/domain"
)

// PipelineWatcher reloads a pipeline definition file when it changes on disk.
// Subscribers receive the freshly converted config; a file that fails to
// parse leaves the last good config in place.
type PipelineWatcher struct {
	path        string
	logger      *slog.Logger
	mu          sync.RWMutex
	current     *domain.PipelineConfig
	subscribers []chan *domain.PipelineConfig
	watcher     *fsnotify.Watcher
	cancel      context.CancelFunc
}

// NewPipelineWatcher loads the pipeline file, starts watching its directory
// and returns the watcher. The initial load must succeed; later reload
// failures are logged and skipped.
func NewPipelineWatcher(path string, logger *slog.Logger) (*PipelineWatcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	initial, err := LoadPipeline(absPath)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Watch the directory, not the file: editors replace files on save and
	// a file-level watch would be lost after the first rename.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &PipelineWatcher{
		path:    absPath,
		logger:  logger,
		current: initial,
		watcher: watcher,
		cancel:  cancel,
	}
	go w.watchLoop(ctx)
	return w, nil
}

// Current returns the most recently loaded pipeline config.
func (w *PipelineWatcher) Current() *domain.PipelineConfig {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Subscribe returns a channel that receives configs on each successful
// reload. The current config is delivered immediately.
func (w *PipelineWatcher) Subscribe() <-chan *domain.PipelineConfig {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch := make(chan *domain.PipelineConfig, 1)
	w.subscribers = append(w.subscribers, ch)
	ch <- w.current
	return ch
}

// Close stops the watcher and cleans up resources.
func (w *PipelineWatcher) Close() error {
	w.cancel()
	return w.watcher.Close()
}

func (w *PipelineWatcher) watchLoop(ctx context.Context) {
	var debounceTimer *time.Timer
	debounceDuration := 100 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Chmod) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDuration, w.reload)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("pipeline watcher error", slog.Any("error", err))
		}
	}
}

func (w *PipelineWatcher) reload() {
	cfg, err := LoadPipeline(w.path)
	if err != nil {
		w.logger.Error("pipeline reload failed, keeping previous config",
			slog.String("path", w.path),
			slog.Any("error", err))
		return
	}

	w.mu.Lock()
	w.current = cfg
	subscribers := make([]chan *domain.PipelineConfig, len(w.subscribers))
	copy(subscribers, w.subscribers)
	w.mu.Unlock()

	w.logger.Info("pipeline definition reloaded", slog.String("path", w.path))
	for _, ch := range subscribers {
		select {
		case ch <- cfg:
		default:
			// Skip if channel is full (slow consumer)
		}
	}
}
