package hooks

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/kart-io/logger"

	"github.com/kart-io/shannon-mcp-core/internal/memstore"
)

// rateLimitState is the in-memory, per-hook sliding-window tracker the
// engine consults before executing a hook.
type rateLimitState struct {
	mu            sync.Mutex
	window        []time.Time
	lastExecution time.Time
}

func (r *rateLimitState) prune(now time.Time) {
	cutoff := now.Add(-60 * time.Second)
	idx := 0
	for idx < len(r.window) && r.window[idx].Before(cutoff) {
		idx++
	}
	r.window = r.window[idx:]
}

// allow reports whether a hook with these limits may execute now, and if
// so records the execution.
func (r *rateLimitState) allow(now time.Time, rateLimit int, cooldown time.Duration) (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cooldown > 0 && !r.lastExecution.IsZero() && now.Sub(r.lastExecution) < cooldown {
		return false, "cooldown"
	}

	r.prune(now)
	if rateLimit > 0 && len(r.window) >= rateLimit {
		return false, "rate_limit"
	}

	r.window = append(r.window, now)
	r.lastExecution = now
	return true, ""
}

// Registry holds configured hooks in memory, indexed by trigger, with
// per-hook rate-limit state and optional directory-based hot reload. The
// primary hook-by-name store is a memstore.Store so Get/Set/Del/Values
// come for free; the trigger fan-out index is hand-rolled separately
// since a hook can carry more than one trigger and needs to be sorted by
// priority per trigger, neither of which a plain keyed store gives you.
type Registry struct {
	mu        sync.RWMutex
	hooks     *memstore.Store[string, *Hook]
	byTrigger map[TriggerType][]*Hook
	rateLimit map[string]*rateLimitState

	dir      string
	mtimes   map[string]time.Time
	watcher  *fsnotify.Watcher
	debounce time.Duration
}

// NewRegistry creates an empty Registry. Call LoadDirectory and
// WatchDirectory to populate it from a hooks/ directory and keep it in
// sync with file changes.
func NewRegistry(debounce time.Duration) *Registry {
	return &Registry{
		hooks:     memstore.New[string, *Hook](),
		byTrigger: make(map[TriggerType][]*Hook),
		rateLimit: make(map[string]*rateLimitState),
		mtimes:    make(map[string]time.Time),
		debounce:  debounce,
	}
}

// Register adds or replaces a hook definition and reindexes it by
// trigger.
func (r *Registry) Register(h *Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.hooks.Set(h.Name, h)
	if _, ok := r.rateLimit[h.Name]; !ok {
		r.rateLimit[h.Name] = &rateLimitState{}
	}
	r.reindexLocked()
}

// Unregister removes a hook by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.hooks.Del(name)
	delete(r.rateLimit, name)
	r.reindexLocked()
}

func (r *Registry) reindexLocked() {
	byTrigger := make(map[TriggerType][]*Hook)
	for _, h := range r.hooks.Values() {
		if !h.Enabled {
			continue
		}
		for _, t := range h.Triggers {
			byTrigger[t] = append(byTrigger[t], h)
		}
	}
	for _, hooks := range byTrigger {
		sort.SliceStable(hooks, func(i, j int) bool { return hooks[i].Priority > hooks[j].Priority })
	}
	r.byTrigger = byTrigger
}

// MatchingHooks returns every enabled hook registered for trigger,
// ordered by descending priority, plus every hook registered for
// TriggerCustom (which fires on every trigger type).
func (r *Registry) MatchingHooks(trigger TriggerType) []*Hook {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := append([]*Hook{}, r.byTrigger[trigger]...)
	if trigger != TriggerCustom {
		out = append(out, r.byTrigger[TriggerCustom]...)
	}
	return out
}

// Get returns a single hook by name.
func (r *Registry) Get(name string) (*Hook, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hooks.Get(name)
}

// CheckRateLimit consults (and updates) a hook's sliding-window and
// cooldown state.
func (r *Registry) CheckRateLimit(h *Hook) (bool, string) {
	r.mu.RLock()
	state, ok := r.rateLimit[h.Name]
	r.mu.RUnlock()
	if !ok {
		return true, ""
	}
	return state.allow(time.Now(), h.RateLimit, h.Cooldown)
}

// LoadDirectory reads every *.json file in dir as a hook definition and
// registers it, recording mtimes for later hot-reload comparisons.
func (r *Registry) LoadDirectory(dir string) error {
	r.dir = dir
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		if err := r.loadFile(filepath.Join(dir, e.Name())); err != nil {
			logger.Warnw("hooks: failed to load hook file", "file", e.Name(), "error", err)
		}
	}
	return nil
}

func (r *Registry) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var h Hook
	if err := json.Unmarshal(data, &h); err != nil {
		return err
	}

	r.Register(&h)

	if info, err := os.Stat(path); err == nil {
		r.mu.Lock()
		r.mtimes[path] = info.ModTime()
		r.mu.Unlock()
	}
	return nil
}

// WatchDirectory starts an fsnotify watch on the registry's hook
// directory, reloading a file (debounced) whenever its mtime changes. The
// watch runs on its own goroutine until stop is closed; WatchDirectory
// itself returns as soon as the watch is set up.
func (r *Registry) WatchDirectory(stop <-chan struct{}) error {
	if r.dir == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	r.watcher = watcher

	if err := watcher.Add(r.dir); err != nil {
		watcher.Close()
		return err
	}

	var debounceTimer *time.Timer
	pending := make(map[string]struct{})
	var pendingMu sync.Mutex

	flush := func() {
		pendingMu.Lock()
		files := make([]string, 0, len(pending))
		for f := range pending {
			files = append(files, f)
		}
		pending = make(map[string]struct{})
		pendingMu.Unlock()

		for _, f := range files {
			if !strings.HasSuffix(f, ".json") {
				continue
			}
			info, err := os.Stat(f)
			if err != nil {
				continue
			}
			r.mu.RLock()
			prev, known := r.mtimes[f]
			r.mu.RUnlock()
			if known && !info.ModTime().After(prev) {
				continue
			}
			if err := r.loadFile(f); err != nil {
				logger.Warnw("hooks: hot-reload failed", "file", f, "error", err)
			} else {
				logger.Infow("hooks: hot-reloaded", "file", f)
			}
		}
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-stop:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				pendingMu.Lock()
				pending[event.Name] = struct{}{}
				pendingMu.Unlock()

				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(r.debounce, flush)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warnw("hooks: watcher error", "error", err)
			}
		}
	}()

	return nil
}
