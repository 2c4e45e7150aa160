package manager

import (
	"context"
	"fmt"
	"strings"
	"time"

	"histoxai/internal/model"
	"histoxai/internal/registry"
	"histoxai/pkg/types"
)

// Models returns the loaded models in registry order, loading them on first
// use. Concurrent callers share one load. A failed load is not cached, so
// the next call retries.
func (m *Manager) Models(ctx context.Context) ([]*model.Model, error) {
	if models, ok := m.loaded(); ok {
		return models, nil
	}
	m.loadMu.Lock()
	defer m.loadMu.Unlock()
	if models, ok := m.loaded(); ok {
		return models, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.load(ctx)
}

func (m *Manager) loaded() ([]*model.Model, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state == StateReady && len(m.models) > 0 {
		return m.models, true
	}
	return nil, false
}

func (m *Manager) setState(s State, errMsg string) {
	m.mu.Lock()
	m.state = s
	m.err = errMsg
	m.mu.Unlock()
}

// load opens every present entry. Callers hold loadMu.
func (m *Manager) load(ctx context.Context) ([]*model.Model, error) {
	start := time.Now()
	m.setState(StateLoading, "")
	m.loadsTotal.Add(1)

	if m.factory == nil {
		err := ErrDependencyUnavailable("no backbone factory configured")
		m.setState(StateError, err.Error())
		return nil, err
	}
	if r, ok := m.factory.(interface{ Ready() error }); ok {
		if err := r.Ready(); err != nil {
			derr := ErrDependencyUnavailable(fmt.Sprintf("inference runtime unavailable: %v", err))
			m.setState(StateError, derr.Error())
			m.log.Error().Err(err).Msg("runtime not ready")
			return nil, derr
		}
	}

	var (
		models   []*model.Model
		statuses []types.ModelStatus
		failures []string
	)
	for _, e := range m.entries {
		if err := ctx.Err(); err != nil {
			closeAll(models)
			m.setState(StateIdle, "")
			return nil, err
		}
		st := types.ModelStatus{Name: e.Name()}
		mdl, issues, err := m.loadEntry(e)
		st.CheckpointIssues = issues
		switch {
		case err == nil:
			st.State = modelLoaded
			models = append(models, mdl)
		case !e.Present():
			st.State = modelMissing
			st.Error = err.Error()
		default:
			st.State = modelFailed
			st.Error = err.Error()
			failures = append(failures, e.Name()+": "+err.Error())
		}
		statuses = append(statuses, st)
	}

	if len(models) == 0 {
		reason := "no checkpoints found"
		if len(failures) > 0 {
			reason = strings.Join(failures, "; ")
		}
		err := ErrNoModelsLoaded(reason)
		m.mu.Lock()
		m.state, m.err, m.status = StateError, err.Error(), statuses
		m.mu.Unlock()
		m.log.Error().Str("reason", reason).Msg("no models loaded")
		return nil, err
	}

	m.mu.Lock()
	m.models, m.status = models, statuses
	m.state, m.err = StateReady, ""
	m.mu.Unlock()
	m.log.Info().
		Int("models", len(models)).
		Int("entries", len(m.entries)).
		Dur("took", time.Since(start)).
		Msg("models ready")
	return models, nil
}

// loadEntry reads the checkpoint of one entry and opens its backbone. The
// returned count is the number of checkpoint issues found.
func (m *Manager) loadEntry(e registry.Entry) (*model.Model, int, error) {
	name := e.Name()
	if !e.Present() {
		m.log.Warn().
			Str("model", name).
			Strs("missing", e.Missing).
			Msg("checkpoint not found; skipping")
		modelLoads.WithLabelValues(name, modelMissing).Inc()
		m.pub.Publish(Event{Name: EventCheckpointMissing, Model: name, Fields: map[string]any{"missing": e.Missing}})
		return nil, 0, fmt.Errorf("missing %s", strings.Join(e.Missing, ", "))
	}

	fail := func(err error) (*model.Model, int, error) {
		m.log.Error().Err(err).Str("model", name).Msg("load failed")
		modelLoads.WithLabelValues(name, modelFailed).Inc()
		m.pub.Publish(Event{Name: EventLoadFailed, Model: name, Fields: map[string]any{"error": err.Error()}})
		return nil, 0, err
	}

	sd, err := model.ReadCheckpoint(e.Checkpoint)
	if err != nil {
		return fail(err)
	}
	cls := model.NewClassifier(e.Variant, m.hidden)
	report, err := cls.LoadState(sd, m.strict)
	issues := len(report.Missing) + len(report.Mismatched) + len(report.Unexpected)
	if err != nil {
		_, _, err = fail(err)
		return nil, issues, err
	}
	if !report.Clean() {
		m.log.Warn().
			Str("model", name).
			Int("missing", len(report.Missing)).
			Int("mismatched", len(report.Mismatched)).
			Int("unexpected", len(report.Unexpected)).
			Str("report", report.String()).
			Msg("checkpoint loaded with issues")
		countIssues(name, "missing", len(report.Missing))
		countIssues(name, "mismatched", len(report.Mismatched))
		countIssues(name, "unexpected", len(report.Unexpected))
		m.pub.Publish(Event{Name: EventCheckpointMismatch, Model: name, Fields: map[string]any{
			"missing":    report.Missing,
			"mismatched": len(report.Mismatched),
			"unexpected": report.Unexpected,
		}})
	}

	size := m.inputSize(name)
	if size <= 0 {
		size = e.Variant.InputSize
	}
	bb, err := m.factory.Open(e, size)
	if err != nil {
		_, _, err = fail(fmt.Errorf("open backbone: %w", err))
		return nil, issues, err
	}
	mdl := model.New(e.Variant, size, bb, cls)
	modelLoads.WithLabelValues(name, modelLoaded).Inc()
	m.pub.Publish(Event{Name: EventModelLoaded, Model: name, Fields: map[string]any{
		"input_size": size,
		"gradient":   mdl.SupportsGradient(),
	}})
	m.log.Info().
		Str("model", name).
		Int("input_size", size).
		Bool("gradient_graph", mdl.SupportsGradient()).
		Msg("model loaded")
	return mdl, issues, nil
}

func countIssues(name, kind string, n int) {
	if n > 0 {
		checkpointIssues.WithLabelValues(name, kind).Add(float64(n))
	}
}

func closeAll(models []*model.Model) {
	for _, mdl := range models {
		_ = mdl.Close()
	}
}
