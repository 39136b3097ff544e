package sso

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// ConfigStore is the collaborator interface through which the engine obtains
// per-provider configuration. The manager never caches beyond one
// LoadProviders call, so swapping the set is a wholesale reload.
type ConfigStore interface {
	GetConfigs() ([]ProviderConfig, error)
	SaveConfig(cfg ProviderConfig) error
	DeleteConfig(providerID string) error
}

// StaticConfigStore serves a fixed provider list, typically the `providers`
// section of the daemon config.
type StaticConfigStore struct {
	mu      sync.Mutex
	configs []ProviderConfig
}

// NewStaticConfigStore copies the given configs into a store.
func NewStaticConfigStore(configs []ProviderConfig) *StaticConfigStore {
	s := &StaticConfigStore{}
	s.configs = append(s.configs, configs...)
	return s
}

// GetConfigs returns a copy of the current provider list.
func (s *StaticConfigStore) GetConfigs() ([]ProviderConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ProviderConfig, len(s.configs))
	copy(out, s.configs)
	return out, nil
}

// SaveConfig inserts or replaces the entry with the same provider id.
func (s *StaticConfigStore) SaveConfig(cfg ProviderConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.configs {
		if existing.ProviderID == cfg.ProviderID {
			s.configs[i] = cfg
			return nil
		}
	}
	s.configs = append(s.configs, cfg)
	return nil
}

// DeleteConfig removes the entry with the given provider id, if present.
func (s *StaticConfigStore) DeleteConfig(providerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.configs {
		if existing.ProviderID == providerID {
			s.configs = append(s.configs[:i], s.configs[i+1:]...)
			return nil
		}
	}
	return nil
}

// FileConfigStore persists the provider list as a YAML document so provider
// registrations survive daemon restarts.
type FileConfigStore struct {
	mu   sync.Mutex
	path string
}

// NewFileConfigStore uses path as the backing YAML file. The file may not
// exist yet; GetConfigs then reports an empty list.
func NewFileConfigStore(path string) *FileConfigStore {
	return &FileConfigStore{path: path}
}

// GetConfigs loads the provider list from disk.
func (s *FileConfigStore) GetConfigs() ([]ProviderConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// SaveConfig inserts or replaces an entry and rewrites the file.
func (s *FileConfigStore) SaveConfig(cfg ProviderConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	configs, err := s.load()
	if err != nil {
		return err
	}
	replaced := false
	for i, existing := range configs {
		if existing.ProviderID == cfg.ProviderID {
			configs[i] = cfg
			replaced = true
			break
		}
	}
	if !replaced {
		configs = append(configs, cfg)
	}
	return s.write(configs)
}

// DeleteConfig removes an entry and rewrites the file.
func (s *FileConfigStore) DeleteConfig(providerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	configs, err := s.load()
	if err != nil {
		return err
	}
	out := configs[:0]
	for _, existing := range configs {
		if existing.ProviderID != providerID {
			out = append(out, existing)
		}
	}
	return s.write(out)
}

func (s *FileConfigStore) load() ([]ProviderConfig, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read provider store: %w", err)
	}
	var configs []ProviderConfig
	if err := yaml.Unmarshal(b, &configs); err != nil {
		return nil, fmt.Errorf("parse provider store: %w", err)
	}
	return configs, nil
}

func (s *FileConfigStore) write(configs []ProviderConfig) error {
	b, err := yaml.Marshal(configs)
	if err != nil {
		return fmt.Errorf("marshal provider store: %w", err)
	}
	if err := os.WriteFile(s.path, b, 0o600); err != nil {
		return fmt.Errorf("write provider store: %w", err)
	}
	return nil
}
