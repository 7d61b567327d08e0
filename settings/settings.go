// Package settings loads engine configuration from a yaml file and
// keeps it current while the engine runs.
package settings

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// nopHandler is a slog.Handler that discards all output.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (h nopHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h nopHandler) WithGroup(string) slog.Handler           { return h }

var nopLogger = slog.New(nopHandler{})

// ProviderConfig selects the external agent runner.
type ProviderConfig struct {
	// Kind is "process" or "websocket".
	Kind string `yaml:"kind"`
	// Command is the runner binary for the process kind.
	Command string `yaml:"command"`
	// Args are extra arguments passed to the runner binary.
	Args []string `yaml:"args"`
	// URL is the endpoint for the websocket kind.
	URL string `yaml:"url"`
}

// Settings holds user-tunable engine configuration.
type Settings struct {
	ProjectRoot string         `yaml:"project_root"`
	Provider    ProviderConfig `yaml:"provider"`
	AutoApprove bool           `yaml:"auto_approve"`
	MaxAgents   int            `yaml:"max_agents"`
}

func defaults() Settings {
	return Settings{
		Provider:    ProviderConfig{Kind: "process", Command: "ifai-agent"},
		AutoApprove: true,
		MaxAgents:   5,
	}
}

// Load reads settings from path. Returns defaults if the file doesn't
// exist.
func Load(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return defaults(), nil
	}
	if err != nil {
		return Settings{}, err
	}

	s := defaults()
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, err
	}
	if s.MaxAgents <= 0 {
		s.MaxAgents = defaults().MaxAgents
	}
	return s, nil
}

// Store serves the current settings snapshot and reloads it when the
// backing file changes.
type Store struct {
	watcher *fsnotify.Watcher
	log     *slog.Logger
	done    chan struct{}
	path    string
	current Settings
	mu      sync.RWMutex
}

// NewStore loads settings from path and returns a store serving them.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = nopLogger
	}
	s, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Store{
		log:     logger,
		done:    make(chan struct{}),
		path:    path,
		current: s,
	}, nil
}

// Current returns the latest settings snapshot.
func (st *Store) Current() Settings {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.current
}

// AutoApprove reports whether auto-approval is currently enabled. It
// is safe to pass as the approval controller's gate.
func (st *Store) AutoApprove() bool {
	return st.Current().AutoApprove
}

// Watch reloads settings whenever the backing file is rewritten. It
// runs until Close.
func (st *Store) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(st.path); err != nil {
		watcher.Close()
		return err
	}
	st.mu.Lock()
	st.watcher = watcher
	st.mu.Unlock()

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				// Wait for writes to settle.
				time.Sleep(50 * time.Millisecond)
				st.reload()
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			case <-st.done:
				return
			}
		}
	}()
	return nil
}

func (st *Store) reload() {
	s, err := Load(st.path)
	if err != nil {
		st.log.Warn("settings reload failed", "path", st.path, "error", err)
		return
	}
	st.mu.Lock()
	st.current = s
	st.mu.Unlock()
	st.log.Info("settings reloaded", "path", st.path)
}

// Close stops the watcher.
func (st *Store) Close() {
	close(st.done)
	st.mu.RLock()
	w := st.watcher
	st.mu.RUnlock()
	if w != nil {
		w.Close()
	}
}
