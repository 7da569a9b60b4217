package keypool

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// ErrWatcherClosed is returned when an operation is attempted on a closed watcher.
var ErrWatcherClosed = errors.New("keypool: watcher already closed")

// selfWriteWindow is how long after one of our own file rewrites we ignore
// events for that file, so sync/invalidate rewrites don't loop back into a
// re-sync.
const selfWriteWindow = time.Second

// Watcher monitors the tier key files for external edits and re-syncs the
// pool when they change. It watches the parent directories (atomic writes
// land as temp file + rename) and debounces editor event bursts.
type Watcher struct {
	ctx           context.Context
	cancel        context.CancelFunc
	fsWatcher     *fsnotify.Watcher
	manager       *Manager
	syncer        *Syncer
	paths         map[string]struct{}
	debounceDelay time.Duration
	mu            sync.Mutex
	closed        bool
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounceDelay sets the debounce delay for file change events.
// Default is 200ms.
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounceDelay = d
	}
}

// NewWatcher creates a watcher over the manager's two tier files.
func NewWatcher(manager *Manager, syncer *Syncer, opts ...WatcherOption) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		ctx:           ctx,
		cancel:        cancel,
		fsWatcher:     fsWatcher,
		manager:       manager,
		syncer:        syncer,
		paths:         map[string]struct{}{},
		debounceDelay: 200 * time.Millisecond,
	}

	for _, opt := range opts {
		opt(w)
	}

	dirs := map[string]struct{}{}
	for _, p := range []string{syncer.freePath, syncer.paidPath} {
		abs, err := filepath.Abs(p)
		if err != nil {
			cancel()
			fsWatcher.Close() //nolint:errcheck // best effort on construction failure
			return nil, err
		}
		w.paths[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}

	for dir := range dirs {
		if err := fsWatcher.Add(dir); err != nil {
			cancel()
			fsWatcher.Close() //nolint:errcheck // best effort on construction failure
			return nil, err
		}
	}

	return w, nil
}

// Start begins watching in a background goroutine until Close is called.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWatcherClosed
	}

	go w.loop()
	log.Debug().Dur("debounce", w.debounceDelay).Msg("watching key files for external edits")
	return nil
}

func (w *Watcher) loop() {
	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)

	for {
		select {
		case <-w.ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			// Debounce: restart the timer on every relevant event.
			if timer == nil {
				timer = time.NewTimer(w.debounceDelay)
				timerCh = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounceDelay)
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("key file watcher error")

		case <-timerCh:
			if err := w.manager.Resync(); err != nil {
				log.Error().Err(err).Msg("key file re-sync failed")
			} else {
				log.Info().Msg("key files changed on disk, pool re-synced")
			}
		}
	}
}

// relevant filters events down to writes of the two key files that we did
// not cause ourselves.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	if _, tracked := w.paths[abs]; !tracked {
		return false
	}
	return time.Since(w.syncer.LastRewrite()) > selfWriteWindow
}

// Close stops the watcher. Safe to call more than once.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	w.cancel()
	return w.fsWatcher.Close()
}
