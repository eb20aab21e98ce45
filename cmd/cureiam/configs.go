package main

import (
	"sync"
	"sync/atomic"

	"github.com/yairfalse/cureiam/internal/config"
	"github.com/yairfalse/cureiam/internal/plugin"
	"github.com/yairfalse/cureiam/telemetry"
)

// configStore holds the active configuration. A failed reload keeps the
// previous one.
type configStore struct {
	paths    []string
	registry *plugin.Registry
	current  atomic.Pointer[config.Config]
	logger   *telemetry.Logger

	mu       sync.Mutex
	files    []string
	onReload func(error)
}

func newConfigStore(paths []string, registry *plugin.Registry) (*configStore, error) {
	s := &configStore{
		paths:    paths,
		registry: registry,
		logger:   telemetry.NewLogger("config"),
	}
	cfg, files, err := config.Load(paths, registry)
	if err != nil {
		return nil, err
	}
	s.current.Store(cfg)
	s.files = files
	return s, nil
}

// Get returns the active configuration
func (s *configStore) Get() *config.Config {
	return s.current.Load()
}

// Files returns the config files read by the last successful load
func (s *configStore) Files() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.files...)
}

// OnReload registers fn to be called with the result of every reload
func (s *configStore) OnReload(fn func(error)) {
	s.mu.Lock()
	s.onReload = fn
	s.mu.Unlock()
}

// Reload re-reads the config files. The new configuration is used from the
// next audit run on.
func (s *configStore) Reload() error {
	cfg, files, err := config.Load(s.paths, s.registry)

	s.mu.Lock()
	if err == nil {
		s.current.Store(cfg)
		s.files = files
	}
	fn := s.onReload
	s.mu.Unlock()

	if fn != nil {
		fn(err)
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("config reload failed, keeping previous config")
		return err
	}
	s.logger.Info().Strs("files", files).Str("schedule", cfg.Schedule).Msg("config reloaded")
	return nil
}
