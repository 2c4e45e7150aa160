package manager

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"histoxai/internal/model"
	"histoxai/internal/registry"
	"histoxai/internal/xai"
)

// resolve returns the single model a selector names. For the ensemble it
// applies the representative policy against pred, which must be the
// ensemble prediction.
func (m *Manager) resolve(models []*model.Model, selector string, pred *Prediction) (*model.Model, error) {
	if !isEnsemble(selector) {
		mdl, ok := lookup(models, selector)
		if !ok {
			return nil, ErrModelNotFound(selector)
		}
		return mdl, nil
	}
	if m.representative == RepresentativeFirst || pred == nil || len(pred.PerModel) != len(models) {
		return models[0], nil
	}
	best, bestP := 0, -1.0
	for i, s := range pred.PerModel {
		if p := s.Probabilities[pred.Index]; p > bestP {
			best, bestP = i, p
		}
	}
	return models[best], nil
}

// explaining resolves the explaining model for a selector outside Explain.
// The ensemble representative then needs its own prediction.
func (m *Manager) explaining(ctx context.Context, img image.Image, selector string) (*model.Model, error) {
	models, err := m.Models(ctx)
	if err != nil {
		return nil, err
	}
	if !isEnsemble(selector) || m.representative == RepresentativeFirst {
		return m.resolve(models, selector, nil)
	}
	pred, err := m.PredictEnsemble(ctx, img)
	if err != nil {
		return nil, err
	}
	return m.resolve(models, selector, &pred)
}

// GradCAM renders the Grad-CAM overlay of the model named by selector.
func (m *Manager) GradCAM(ctx context.Context, img image.Image, selector string) (*image.RGBA, error) {
	mdl, err := m.explaining(ctx, img, selector)
	if err != nil {
		return nil, err
	}
	return m.runGradCAM(ctx, mdl, img)
}

// LIME renders the LIME overlay of the model named by selector.
func (m *Manager) LIME(ctx context.Context, img image.Image, selector string) (*image.RGBA, error) {
	mdl, err := m.explaining(ctx, img, selector)
	if err != nil {
		return nil, err
	}
	return m.runLIME(ctx, mdl, img)
}

// GradientSHAP computes the Gradient-SHAP heatmap of the model named by
// selector. Models deployed without a gradient graph are reported as a
// missing dependency.
func (m *Manager) GradientSHAP(ctx context.Context, img image.Image, selector string) (*xai.Heatmap, error) {
	mdl, err := m.explaining(ctx, img, selector)
	if err != nil {
		return nil, err
	}
	return m.runSHAP(ctx, mdl, img)
}

// Explain predicts img with selector and runs the requested explanation
// methods on the explaining model. An empty kinds list means every method
// the explaining model supports: Gradient-SHAP is left out when it has no
// gradient graph. Requesting shap explicitly for such a model fails.
func (m *Manager) Explain(ctx context.Context, img image.Image, selector string, kinds []string) (Explanation, error) {
	parsed, err := xai.ParseKinds(kinds)
	if err != nil {
		return Explanation{}, ErrInvalidExplanationType(err)
	}
	implicit := len(kinds) == 0
	models, err := m.Models(ctx)
	if err != nil {
		return Explanation{}, err
	}
	if !isEnsemble(selector) {
		if _, ok := lookup(models, selector); !ok {
			return Explanation{}, ErrModelNotFound(selector)
		}
	}
	pred, err := m.Predict(ctx, img, selector)
	if err != nil {
		return Explanation{}, err
	}
	mdl, err := m.resolve(models, selector, &pred)
	if err != nil {
		return Explanation{}, err
	}

	out := Explanation{Prediction: pred, ExplainedBy: mdl.Name()}
	for _, k := range parsed {
		if err := ctx.Err(); err != nil {
			return Explanation{}, err
		}
		switch k {
		case xai.KindGradCAM:
			out.GradCAM, err = m.runGradCAM(ctx, mdl, img)
		case xai.KindLIME:
			out.LIME, err = m.runLIME(ctx, mdl, img)
		case xai.KindSHAP:
			if implicit && !mdl.SupportsGradient() {
				m.log.Warn().Str("model", mdl.Name()).Msg("no gradient graph; skipping gradient-shap")
				continue
			}
			out.SHAP, err = m.runSHAP(ctx, mdl, img)
		}
		if err != nil {
			return Explanation{}, err
		}
	}
	m.explanationsTotal.Add(1)
	return out, nil
}

func (m *Manager) runGradCAM(ctx context.Context, mdl *model.Model, img image.Image) (*image.RGBA, error) {
	defer observe(mdl, xai.KindGradCAM, time.Now())
	out, err := m.explainer.GradCAM(ctx, mdl, img)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", mdl.Name(), err)
	}
	return out, nil
}

func (m *Manager) runLIME(ctx context.Context, mdl *model.Model, img image.Image) (*image.RGBA, error) {
	defer observe(mdl, xai.KindLIME, time.Now())
	out, err := m.explainer.LIME(ctx, mdl, img)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", mdl.Name(), err)
	}
	return out, nil
}

func (m *Manager) runSHAP(ctx context.Context, mdl *model.Model, img image.Image) (*xai.Heatmap, error) {
	defer observe(mdl, xai.KindSHAP, time.Now())
	out, err := m.explainer.GradientSHAP(ctx, mdl, img)
	if errors.Is(err, model.ErrNoGradient) {
		return nil, dependencyUnavailable("gradient-shap needs "+mdl.Name()+"/"+registry.GradGraphFile, err)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", mdl.Name(), err)
	}
	return out, nil
}

func observe(mdl *model.Model, k xai.Kind, start time.Time) {
	explanationDuration.WithLabelValues(mdl.Name(), string(k)).Observe(time.Since(start).Seconds())
}
