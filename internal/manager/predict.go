package manager

import (
	"context"
	"fmt"
	"image"
	"time"

	"golang.org/x/sync/errgroup"

	"histoxai/internal/model"
)

// PredictModel classifies img with one named model. The result carries a
// single-entry per-model breakdown.
func (m *Manager) PredictModel(ctx context.Context, name string, img image.Image) (Prediction, error) {
	models, err := m.Models(ctx)
	if err != nil {
		return Prediction{}, err
	}
	mdl, ok := lookup(models, name)
	if !ok {
		return Prediction{}, ErrModelNotFound(name)
	}
	probs, err := classify(ctx, mdl, img)
	if err != nil {
		return Prediction{}, err
	}
	m.predictionsTotal.Add(1)
	predictions.WithLabelValues("single").Inc()
	return newPrediction(probs, []ModelScore{{Model: mdl.Name(), Probabilities: probs}}), nil
}

// PredictEnsemble runs every loaded model concurrently and averages their
// probabilities without weighting. Per-model scores keep registry order.
func (m *Manager) PredictEnsemble(ctx context.Context, img image.Image) (Prediction, error) {
	models, err := m.Models(ctx)
	if err != nil {
		return Prediction{}, err
	}
	per := make([]model.Probabilities, len(models))
	g, gctx := errgroup.WithContext(ctx)
	for i, mdl := range models {
		g.Go(func() error {
			p, err := classify(gctx, mdl, img)
			if err != nil {
				return err
			}
			per[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Prediction{}, err
	}
	scores := make([]ModelScore, len(models))
	for i, mdl := range models {
		scores[i] = ModelScore{Model: mdl.Name(), Probabilities: per[i]}
	}
	m.predictionsTotal.Add(1)
	predictions.WithLabelValues("ensemble").Inc()
	return newPrediction(model.MeanProbabilities(per), scores), nil
}

// Predict dispatches on selector: empty or "ensemble" (any case) runs the
// ensemble, anything else names a single model.
func (m *Manager) Predict(ctx context.Context, img image.Image, selector string) (Prediction, error) {
	if isEnsemble(selector) {
		return m.PredictEnsemble(ctx, img)
	}
	return m.PredictModel(ctx, selector, img)
}

func classify(ctx context.Context, mdl *model.Model, img image.Image) (model.Probabilities, error) {
	start := time.Now()
	p, err := mdl.Classify(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", mdl.Name(), err)
	}
	inferenceDuration.WithLabelValues(mdl.Name()).Observe(time.Since(start).Seconds())
	return p, nil
}
