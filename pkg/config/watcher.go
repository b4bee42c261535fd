package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/polisai/polis-dao/pkg/policy"
)

const defaultDebounce = 100 * time.Millisecond

// Reloader accepts a new set of Rego modules. *policy.Engine implements it.
type Reloader interface {
	Reload(ctx context.Context, modules map[string]string) error
}

// PolicyWatcher reloads the authorization policy when a module in its directory
// changes. A policy that fails to load leaves the previous one in force.
type PolicyWatcher struct {
	dir      string
	target   Reloader
	logger   *slog.Logger
	debounce time.Duration
	watcher  *fsnotify.Watcher
	cancel   context.CancelFunc
	done     chan struct{}

	mu      sync.Mutex
	reloads int
	lastErr error
}

// NewPolicyWatcher starts watching dir and applies reloads to target.
func NewPolicyWatcher(dir string, target Reloader, logger *slog.Logger) (*PolicyWatcher, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(absDir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &PolicyWatcher{
		dir:      absDir,
		target:   target,
		logger:   logger,
		debounce: defaultDebounce,
		watcher:  watcher,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go w.watchLoop(ctx)
	return w, nil
}

// Reloads returns the number of successful reloads and the last reload error.
func (w *PolicyWatcher) Reloads() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads, w.lastErr
}

// Close stops the watcher and waits for the watch loop to exit.
func (w *PolicyWatcher) Close() error {
	w.cancel()
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *PolicyWatcher) watchLoop(ctx context.Context) {
	defer close(w.done)

	var debounce *time.Timer
	var fire <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".rego") {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(w.debounce)
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(w.debounce)
			}
			fire = debounce.C
		case <-fire:
			fire = nil
			w.reload(ctx)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Policy watcher error", "dir", w.dir, "error", err)
		}
	}
}

func (w *PolicyWatcher) reload(ctx context.Context) {
	modules, err := policy.LoadModules(w.dir)
	if err == nil {
		err = w.target.Reload(ctx, modules)
	}

	w.mu.Lock()
	w.lastErr = err
	if err == nil {
		w.reloads++
	}
	w.mu.Unlock()

	if err != nil {
		w.logger.Error("Policy reload failed, keeping previous policy", "dir", w.dir, "error", err)
		return
	}
	w.logger.Info("Policy reloaded", "dir", w.dir, "modules", len(modules))
}
