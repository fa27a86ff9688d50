package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// ProfilesFile holds per-environment overrides layered on the base config,
// keyed by environment name ("development", "staging", "production").
type ProfilesFile struct {
	Profiles map[string]Config `yaml:"profiles"`
}

// Manager resolves the effective configuration for an environment.
type Manager struct {
	mu       sync.RWMutex
	base     *Config
	profiles map[string]Config
}

// NewManager loads the base config and the optional profiles file. A missing
// profiles file leaves only the base.
func NewManager(basePath, profilesPath string) (*Manager, error) {
	base, err := Load(basePath)
	if err != nil {
		return nil, err
	}

	m := &Manager{base: base, profiles: make(map[string]Config)}

	f, err := os.Open(profilesPath)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, err
	}
	defer f.Close()

	var pf ProfilesFile
	if err := yaml.NewDecoder(f).Decode(&pf); err != nil {
		return nil, err
	}
	m.profiles = pf.Profiles
	return m, nil
}

// Base returns the un-profiled configuration.
func (m *Manager) Base() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.base
}

// Get returns the effective config for an environment, with profile fields
// overriding the base where set.
func (m *Manager) Get(env string) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := *m.base
	override, ok := m.profiles[env]
	if !ok {
		return &effective
	}

	if override.Server.Port != "" {
		effective.Server.Port = override.Server.Port
	}
	if override.Store.Driver != "" {
		effective.Store = override.Store
	}
	if override.Idempotency.Backend != "" {
		effective.Idempotency = override.Idempotency
	}
	if override.Approval.Secret != "" || override.Approval.AutoApproveZone != "" {
		effective.Approval = override.Approval
	}
	if override.Orchestrator.MaxCostUSD != 0 || override.Orchestrator.MaxTokens != 0 {
		effective.Orchestrator = override.Orchestrator
	}
	if len(override.Webhooks.Providers) > 0 {
		effective.Webhooks = override.Webhooks
	}
	if override.Events.Backend != "" {
		effective.Events = override.Events
	}
	if override.Policies.Directory != "" {
		effective.Policies = override.Policies
	}
	effective.Server.Env = env
	return &effective
}
