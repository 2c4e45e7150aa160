package types

// ModelsResponse wraps the list of models returned by GET /api/models.
type ModelsResponse struct {
	Models []ModelInfo `json:"models"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// example: unknown model: VGG16
	Error string `json:"error" example:"unknown model: VGG16"`
	// example: 404
	Code int `json:"code" example:"404"`
}

// GradCAMResult carries the Grad-CAM overlay as base64 PNG.
type GradCAMResult struct {
	HeatmapBase64 string `json:"heatmap_base64"`
}

// LIMEResult carries the LIME overlay as base64 PNG.
type LIMEResult struct {
	OverlayBase64 string `json:"overlay_base64"`
}

// SHAPResult carries the Gradient-SHAP heatmap as an 8-bit grayscale base64
// PNG.
type SHAPResult struct {
	HeatmapBase64 string `json:"heatmap_base64"`
}

// ExplainResult is returned by POST /api/explain. Artifacts not requested
// are omitted.
type ExplainResult struct {
	Prediction PredictionResult `json:"prediction"`
	// Model whose internals produced the artifacts.
	// example: ResNet50
	ExplainedBy string         `json:"explained_by,omitempty" example:"ResNet50"`
	GradCAM     *GradCAMResult `json:"gradcam,omitempty"`
	LIME        *LIMEResult    `json:"lime,omitempty"`
	SHAP        *SHAPResult    `json:"shap,omitempty"`
}

// ChatMessage is one turn of a conversation. Role is "user" or "assistant".
type ChatMessage struct {
	Role    string `json:"role" example:"user"`
	Content string `json:"content" example:"What does stroma look like?"`
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Messages []ChatMessage     `json:"messages"`
	Context  *PredictionResult `json:"context,omitempty"`
}

// ChatResponse is returned by POST /api/chat.
type ChatResponse struct {
	Message string `json:"message"`
}

// ModelStatus summarizes one architecture for /api/status.
type ModelStatus struct {
	Name string `json:"name"`
	// loaded, missing or failed
	State string `json:"state"`
	// Checkpoint issues found while loading (missing/mismatched/unexpected keys).
	CheckpointIssues int    `json:"checkpoint_issues"`
	Error            string `json:"error,omitempty"`
}

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	// Overall registry state (e.g., idle, loading, ready, error).
	// example: ready
	State  string        `json:"state" example:"ready"`
	Models []ModelStatus `json:"models"`
	// Last error observed while loading, if any.
	LastError string `json:"last_error,omitempty"`
	// example: 1
	LoadsTotal uint64 `json:"loads_total" example:"1"`
	// example: 42
	PredictionsTotal uint64 `json:"predictions_total" example:"42"`
	// example: 7
	ExplanationsTotal uint64 `json:"explanations_total" example:"7"`
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}
