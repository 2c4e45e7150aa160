package manager

// SanityReport describes preflight checks: runtime availability and which
// architectures have their files on disk.
type SanityReport struct {
	RuntimeReady bool                `json:"runtime_ready"`
	Present      []string            `json:"present"`
	Missing      map[string][]string `json:"missing,omitempty"`
	Error        string              `json:"error,omitempty"`
}

// OK reports whether at least one model can be loaded.
func (r SanityReport) OK() bool { return r.RuntimeReady && len(r.Present) > 0 }

// SanityCheck validates the runtime and discovery results without loading
// anything. It does not mutate state and is safe to call at any time.
func (m *Manager) SanityCheck() SanityReport {
	r := SanityReport{RuntimeReady: m.factory != nil}
	if m.factory == nil {
		r.Error = "no backbone factory configured"
	} else if rd, ok := m.factory.(interface{ Ready() error }); ok {
		if err := rd.Ready(); err != nil {
			r.RuntimeReady = false
			r.Error = err.Error()
		}
	}
	for _, e := range m.entries {
		if e.Present() {
			r.Present = append(r.Present, e.Name())
			continue
		}
		if r.Missing == nil {
			r.Missing = make(map[string][]string)
		}
		r.Missing[e.Name()] = append([]string(nil), e.Missing...)
	}
	return r
}
