package config

import (
	"sync/atomic"
)

// Store holds the live configuration. Readers call Current on every use so a
// Reload takes effect for the next operation without restarting.
type Store struct {
	current atomic.Pointer[Config]
	load    func() (*Config, error)
}

// NewStore seeds the store with cfg; load is what Reload runs (nil means
// Load over os.Args).
func NewStore(cfg *Config, load func() (*Config, error)) *Store {
	if load == nil {
		load = func() (*Config, error) { return Load(osArgs()) }
	}
	s := &Store{load: load}
	s.current.Store(cfg)
	return s
}

func (s *Store) Current() *Config {
	return s.current.Load()
}

// Set replaces the configuration after validating it.
func (s *Store) Set(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.current.Store(cfg)
	return nil
}

// Reload re-runs the layered load. On failure the previous configuration
// stays in effect and the error is returned.
func (s *Store) Reload() (*Config, error) {
	cfg, err := s.load()
	if err != nil {
		return s.Current(), err
	}
	if err := s.Set(cfg); err != nil {
		return s.Current(), err
	}
	return cfg, nil
}
