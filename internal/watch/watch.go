// Package watch turns edits of challenge definition files into reload
// requests. The definitions directory holds one file per community, named
// by community id; a change to a file reloads that community.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces the bursts of events an editor produces when
// saving a file.
const DefaultDebounce = 250 * time.Millisecond

// ReloadFunc is called with the community ids whose definitions changed,
// sorted and deduplicated.
type ReloadFunc func(communityIDs []string)

// Watcher watches one directory.
type Watcher struct {
	dir      string
	watcher  *fsnotify.Watcher
	reload   ReloadFunc
	debounce time.Duration
	logger   *slog.Logger

	changes  chan string
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Options configures a Watcher.
type Options struct {
	Debounce time.Duration
	Logger   *slog.Logger
}

// New creates a watcher on dir. Call Start to begin delivering reloads.
func New(dir string, reload ReloadFunc, opts Options) (*Watcher, error) {
	if reload == nil {
		return nil, errors.New("watch: nil reload func")
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	return &Watcher{
		dir:      dir,
		watcher:  fw,
		reload:   reload,
		debounce: opts.Debounce,
		logger:   opts.Logger,
		changes:  make(chan string, 256),
		done:     make(chan struct{}),
	}, nil
}

// Start adds the directory and launches the event and debounce loops.
// They stop when ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.logger.Info("watching challenge definitions", "dir", w.dir)

	w.wg.Add(2)
	go w.processEvents(ctx)
	go w.debounceLoop(ctx)
	return nil
}

// Stop closes the watcher and waits for the loops to exit. Pending
// changes are flushed first.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()
	})
	w.wg.Wait()
}

// CommunityID maps a changed path to the community it defines. Hidden
// files and editor temporaries are ignored.
func CommunityID(path string) (string, bool) {
	base := filepath.Base(path)
	switch {
	case base == "." || base == string(filepath.Separator):
		return "", false
	case strings.HasPrefix(base, "."),
		strings.HasSuffix(base, "~"),
		strings.HasSuffix(base, ".swp"),
		strings.HasSuffix(base, ".tmp"):
		return "", false
	}
	return base, true
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) &&
				!ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			id, ok := CommunityID(ev.Name)
			if !ok {
				continue
			}
			w.logger.Debug("challenge definitions changed", "community_id", id, "op", ev.Op.String())
			select {
			case w.changes <- id:
			default:
				w.logger.Warn("change buffer full, dropping event", "community_id", id)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

func (w *Watcher) debounceLoop(ctx context.Context) {
	defer w.wg.Done()

	pending := make(map[string]struct{})
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
		if len(pending) == 0 {
			return
		}
		ids := make([]string, 0, len(pending))
		for id := range pending {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		clear(pending)
		w.reload(ids)
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-w.done:
			flush()
			return
		case id := <-w.changes:
			pending[id] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case <-timerC:
			timer, timerC = nil, nil
			flush()
		}
	}
}
