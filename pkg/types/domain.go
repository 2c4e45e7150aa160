package types

// ModelScore is one model's probability vector inside a prediction.
type ModelScore struct {
	// Architecture name of the model.
	// example: ResNet50
	ModelName string `json:"model_name" example:"ResNet50"`
	// Probability per class label.
	Probabilities map[string]float64 `json:"probabilities"`
}

// PredictionResult is returned by POST /api/predict and embedded in explain
// and chat payloads.
type PredictionResult struct {
	// Label with the highest probability.
	// example: 01_TUMOR
	PredictedClass string `json:"predicted_class" example:"01_TUMOR"`
	// Probability of PredictedClass.
	// example: 0.93
	Confidence float64 `json:"confidence" example:"0.93"`
	// Probability per class label (ensemble mean or single model).
	ClassProbabilities map[string]float64 `json:"class_probabilities"`
	// Per-model breakdown in registry order.
	PerModelScores []ModelScore `json:"per_model_scores"`
}

// ModelInfo describes a loaded model for GET /api/models.
type ModelInfo struct {
	// example: DenseNet121
	Name string `json:"name" example:"DenseNet121"`
	// Square input resolution in pixels.
	// example: 224
	InputSize int `json:"input_size" example:"224"`
	// Layer used for Grad-CAM.
	// example: backbone.features.denseblock4
	TargetLayer string `json:"target_layer" example:"backbone.features.denseblock4"`
	// Channel count of the target layer.
	// example: 1024
	FeatureDim int `json:"feature_dim" example:"1024"`
	// Whether Gradient-SHAP uses exact input gradients.
	GradientGraph bool `json:"gradient_graph"`
	// Checkpoint path on disk.
	Checkpoint string `json:"checkpoint"`
}
