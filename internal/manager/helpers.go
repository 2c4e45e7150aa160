package manager

import (
	"strings"

	"histoxai/internal/model"
	"histoxai/internal/registry"
)

// entryByName finds a discovery entry. Callers hold mu.
func (m *Manager) entryByName(name string) (registry.Entry, bool) {
	for _, e := range m.entries {
		if strings.EqualFold(e.Name(), name) {
			return e, true
		}
	}
	return registry.Entry{}, false
}

// inputSize returns the configured resolution for an architecture, or 0 for
// the variant default.
func (m *Manager) inputSize(name string) int {
	for k, v := range m.inputSizes {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return 0
}

// isEnsemble reports whether a selector asks for the whole ensemble.
func isEnsemble(selector string) bool {
	s := strings.TrimSpace(selector)
	return s == "" || strings.EqualFold(s, "ensemble")
}

// lookup resolves a model name case-insensitively among loaded models.
func lookup(models []*model.Model, name string) (*model.Model, bool) {
	name = strings.TrimSpace(name)
	for _, mdl := range models {
		if strings.EqualFold(mdl.Name(), name) {
			return mdl, true
		}
	}
	return nil, false
}
