package manager

import (
	"time"

	"histoxai/pkg/types"
)

// Snapshot is a read-only view of the registry state.
type Snapshot struct {
	State  State
	Loaded int
	Err    string
}

// Snapshot returns a read-only view of the manager state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{State: m.state, Loaded: len(m.models), Err: m.err}
}

// Status builds a detailed status response for /api/status. Before the
// first load every entry is reported by its discovery result.
func (m *Manager) Status() types.StatusResponse {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	resp := types.StatusResponse{
		State:             string(m.state),
		LastError:         m.err,
		LoadsTotal:        m.loadsTotal.Load(),
		PredictionsTotal:  m.predictionsTotal.Load(),
		ExplanationsTotal: m.explanationsTotal.Load(),
		UptimeSeconds:     int64(now.Sub(m.startTime).Seconds()),
		ServerTimeUnix:    now.Unix(),
	}
	if len(m.status) > 0 {
		resp.Models = append([]types.ModelStatus(nil), m.status...)
		return resp
	}
	resp.Models = make([]types.ModelStatus, 0, len(m.entries))
	for _, e := range m.entries {
		st := types.ModelStatus{Name: e.Name(), State: "pending"}
		if !e.Present() {
			st.State = modelMissing
		}
		resp.Models = append(resp.Models, st)
	}
	return resp
}
