package manager

import (
	"image"

	"histoxai/internal/model"
	"histoxai/internal/xai"
	"histoxai/pkg/types"
)

// State represents the lifecycle state of the model set.
type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateReady   State = "ready"
	StateError   State = "error"
)

// Per-architecture load outcomes reported in status.
const (
	modelLoaded  = "loaded"
	modelMissing = "missing"
	modelFailed  = "failed"
)

// ModelScore is one model's probabilities inside a Prediction.
type ModelScore struct {
	Model         string
	Probabilities model.Probabilities
}

// Prediction is the result of the facade. For a single model PerModel holds
// exactly that model.
type Prediction struct {
	Label         string
	Index         int
	Confidence    float64
	Probabilities model.Probabilities
	PerModel      []ModelScore
}

func newPrediction(probs model.Probabilities, per []ModelScore) Prediction {
	idx, conf := probs.Argmax()
	return Prediction{
		Label:         model.Classes[idx],
		Index:         idx,
		Confidence:    conf,
		Probabilities: probs,
		PerModel:      per,
	}
}

// Result converts the prediction to its wire form.
func (p Prediction) Result() types.PredictionResult {
	res := types.PredictionResult{
		PredictedClass:     p.Label,
		Confidence:         p.Confidence,
		ClassProbabilities: p.Probabilities.Map(),
		PerModelScores:     make([]types.ModelScore, 0, len(p.PerModel)),
	}
	for _, s := range p.PerModel {
		res.PerModelScores = append(res.PerModelScores, types.ModelScore{
			ModelName:     s.Model,
			Probabilities: s.Probabilities.Map(),
		})
	}
	return res
}

// Explanation bundles a prediction with the artifacts of one explaining
// model. Artifacts that were not requested are nil.
type Explanation struct {
	Prediction  Prediction
	ExplainedBy string
	GradCAM     *image.RGBA
	LIME        *image.RGBA
	SHAP        *xai.Heatmap
}
