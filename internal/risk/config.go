package risk

import (
	"sync"
	"time"

	"github.com/novafund/lifeperp/internal/domain"
)

// ConfigStore is the mutable domain.RiskConfigSource. It seeds from the
// config file at startup and accepts replacements from the admin API. Each
// Update stamps UpdatedAt, so a position handler or audit reader can tell
// which parameter version an operation saw.
type ConfigStore struct {
	mu  sync.RWMutex
	cfg domain.RiskConfig
}

// NewConfigStore creates a ConfigStore seeded with the given parameters.
func NewConfigStore(cfg domain.RiskConfig) *ConfigStore {
	return &ConfigStore{cfg: cfg}
}

// Current returns the live parameter set. The engine calls this once per
// operation, so an update takes effect atomically at the next call boundary.
func (s *ConfigStore) Current() domain.RiskConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Update replaces the parameter set, stamping UpdatedAt with the current
// time, and returns the stored version.
func (s *ConfigStore) Update(cfg domain.RiskConfig) domain.RiskConfig {
	cfg.UpdatedAt = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	return cfg
}

var _ domain.RiskConfigSource = (*ConfigStore)(nil)
