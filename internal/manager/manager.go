package manager

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"histoxai/internal/model"
	"histoxai/internal/registry"
	"histoxai/internal/xai"
	"histoxai/pkg/types"
)

// Manager owns the loaded classifiers and serves predictions and explanations.
type Manager struct {
	mu     sync.RWMutex
	loadMu sync.Mutex
	state  State
	err    string
	models []*model.Model
	status []types.ModelStatus

	entries        []registry.Entry
	factory        BackboneFactory
	inputSizes     map[string]int
	hidden         []int
	strict         bool
	representative Representative
	explainer      *xai.Explainer
	log            zerolog.Logger
	pub            EventPublisher

	loadsTotal        atomic.Uint64
	predictionsTotal  atomic.Uint64
	explanationsTotal atomic.Uint64
	startTime         time.Time
}

// New builds a Manager over discovered entries with default settings.
func New(entries []registry.Entry, factory BackboneFactory) *Manager {
	return NewWithConfig(ManagerConfig{Entries: entries, Factory: factory})
}

// Ready reports whether the model set is loaded.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateReady && len(m.models) > 0
}

// Explainer exposes the configured explainer.
func (m *Manager) Explainer() *xai.Explainer { return m.explainer }

// ListModels describes the loaded models in registry order. It does not
// trigger loading.
func (m *Manager) ListModels() []types.ModelInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.ModelInfo, 0, len(m.models))
	for _, mdl := range m.models {
		v := mdl.Variant()
		info := types.ModelInfo{
			Name:          mdl.Name(),
			InputSize:     mdl.InputSize(),
			TargetLayer:   v.TargetLayer,
			FeatureDim:    v.FeatureDim,
			GradientGraph: mdl.SupportsGradient(),
		}
		if e, ok := m.entryByName(mdl.Name()); ok {
			info.Checkpoint = e.Checkpoint
		}
		out = append(out, info)
	}
	return out
}

// Close releases every loaded backbone and, when the factory owns process
// resources, the factory itself. The manager returns to the idle state.
func (m *Manager) Close() error {
	m.loadMu.Lock()
	defer m.loadMu.Unlock()
	m.mu.Lock()
	models := m.models
	m.models = nil
	m.state = StateIdle
	m.mu.Unlock()

	var errs []error
	for _, mdl := range models {
		if err := mdl.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c, ok := m.factory.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
