package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"histoxai/internal/chat"
	"histoxai/internal/manager"
	"histoxai/internal/model"
	"histoxai/internal/xai"
	"histoxai/pkg/types"
)

type mockService struct {
	models []types.ModelInfo
	status types.StatusResponse
	ready  bool
	err    error

	gotSelector string
	gotKinds    []string
	gotSize     image.Point
}

func (m *mockService) ListModels() []types.ModelInfo { return append([]types.ModelInfo(nil), m.models...) }
func (m *mockService) Status() types.StatusResponse  { return m.status }
func (m *mockService) Ready() bool                   { return m.ready }

func (m *mockService) prediction() manager.Prediction {
	p := make(model.Probabilities, model.NumClasses)
	p[model.ClassIndex("04_LYMPHO")] = 0.7
	p[model.ClassIndex("05_DEBRIS")] = 0.3
	return manager.Prediction{
		Label:         "04_LYMPHO",
		Index:         model.ClassIndex("04_LYMPHO"),
		Confidence:    0.7,
		Probabilities: p,
		PerModel:      []manager.ModelScore{{Model: "ResNet50", Probabilities: p}},
	}
}

func (m *mockService) Predict(_ context.Context, img image.Image, selector string) (manager.Prediction, error) {
	m.gotSelector, m.gotSize = selector, img.Bounds().Size()
	if m.err != nil {
		return manager.Prediction{}, m.err
	}
	return m.prediction(), nil
}

func (m *mockService) Explain(_ context.Context, img image.Image, selector string, kinds []string) (manager.Explanation, error) {
	m.gotSelector, m.gotKinds, m.gotSize = selector, kinds, img.Bounds().Size()
	if m.err != nil {
		return manager.Explanation{}, m.err
	}
	b := img.Bounds()
	return manager.Explanation{
		Prediction:  m.prediction(),
		ExplainedBy: "ResNet50",
		GradCAM:     image.NewRGBA(b),
		SHAP:        &xai.Heatmap{Width: b.Dx(), Height: b.Dy(), Data: make([]float32, b.Dx()*b.Dy())},
	}, nil
}

type mockAssistant struct {
	got []types.ChatMessage
	ctx *types.PredictionResult
	err error
}

func (a *mockAssistant) Reply(_ context.Context, history []types.ChatMessage, pred *types.PredictionResult) (string, error) {
	a.got, a.ctx = history, pred
	return "hello", a.err
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = uint8(i)
	}
	img.SetRGBA(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func upload(t *testing.T, target string, field string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(field, "tile.png")
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestProbes(t *testing.T) {
	svc := &mockService{}
	h := NewMux(svc, nil)
	assert.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodGet, "/healthz", nil)).Code)
	assert.Equal(t, http.StatusServiceUnavailable, serve(h, httptest.NewRequest(http.MethodGet, "/readyz", nil)).Code)
	svc.ready = true
	assert.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodGet, "/readyz", nil)).Code)
}

func TestModelsAndStatus(t *testing.T) {
	svc := &mockService{
		models: []types.ModelInfo{{Name: "ResNet50", InputSize: 224}, {Name: "DenseNet121", InputSize: 224}},
		status: types.StatusResponse{State: "ready", LoadsTotal: 1},
	}
	h := NewMux(svc, nil)

	w := serve(h, httptest.NewRequest(http.MethodGet, "/api/models", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")
	var models types.ModelsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &models))
	require.Len(t, models.Models, 2)
	assert.Equal(t, "DenseNet121", models.Models[1].Name)

	w = serve(h, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	var st types.StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "ready", st.State)
}

func TestPredict(t *testing.T) {
	svc := &mockService{}
	h := NewMux(svc, nil)

	w := serve(h, upload(t, "/api/predict", "file", pngBytes(t, 20, 10)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res types.PredictionResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "04_LYMPHO", res.PredictedClass)
	assert.InDelta(t, 0.3, res.ClassProbabilities["05_DEBRIS"], 1e-9)
	require.Len(t, res.PerModelScores, 1)
	assert.Equal(t, "", svc.gotSelector)
	assert.Equal(t, image.Pt(20, 10), svc.gotSize)
}

func TestPredictRejectsBadUploads(t *testing.T) {
	h := NewMux(&mockService{}, nil)

	w := serve(h, upload(t, "/api/predict", "image", pngBytes(t, 4, 4)))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(h, upload(t, "/api/predict", "file", []byte("just some text, not an image")))
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)

	// PNG signature followed by garbage sniffs as PNG but does not decode.
	w = serve(h, upload(t, "/api/predict", "file", append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 32)...)))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/predict", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	assert.Equal(t, http.StatusBadRequest, serve(h, req).Code)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"model not found", manager.ErrModelNotFound("VGG16"), http.StatusNotFound},
		{"invalid explanation type", manager.ErrInvalidExplanationType(xai.ErrUnknownKind), http.StatusBadRequest},
		{"no models", manager.ErrNoModelsLoaded("no checkpoints found"), http.StatusServiceUnavailable},
		{"runtime", manager.ErrDependencyUnavailable("onnxruntime missing"), http.StatusServiceUnavailable},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewMux(&mockService{err: tc.err}, nil)
			w := serve(h, upload(t, "/api/explain", "file", pngBytes(t, 8, 8)))
			require.Equal(t, tc.want, w.Code)
			var body types.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tc.want, body.Code)
			assert.Equal(t, tc.err.Error(), body.Error)
		})
	}
}

func TestExplainEncodesArtifacts(t *testing.T) {
	svc := &mockService{}
	h := NewMux(svc, nil)

	w := serve(h, upload(t, "/api/explain?explanation_types=gradcam,shap&explanation_types=lime", "file", pngBytes(t, 12, 9)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "ensemble", svc.gotSelector)
	assert.Equal(t, []string{"gradcam,shap", "lime"}, svc.gotKinds)

	var res types.ExplainResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "ResNet50", res.ExplainedBy)
	assert.Nil(t, res.LIME)
	require.NotNil(t, res.GradCAM)
	require.NotNil(t, res.SHAP)

	raw, err := base64.StdEncoding.DecodeString(res.SHAP.HeatmapBase64)
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.IsType(t, &image.Gray{}, img)
	assert.Equal(t, image.Pt(12, 9), img.Bounds().Size())

	w = serve(h, upload(t, "/api/explain?model_name=DenseNet121", "file", pngBytes(t, 4, 4)))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DenseNet121", svc.gotSelector)
	assert.Empty(t, svc.gotKinds)
}

func TestChat(t *testing.T) {
	body := `{"messages":[{"role":"user","content":"what is debris?"}],"context":{"predicted_class":"05_DEBRIS","confidence":0.9}}`
	post := func(h http.Handler, ct, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body))
		if ct != "" {
			req.Header.Set("Content-Type", ct)
		}
		return serve(h, req)
	}

	assert.Equal(t, http.StatusServiceUnavailable, post(NewMux(&mockService{}, nil), "application/json", body).Code)

	a := &mockAssistant{}
	h := NewMux(&mockService{}, a)
	assert.Equal(t, http.StatusUnsupportedMediaType, post(h, "text/plain", body).Code)
	assert.Equal(t, http.StatusBadRequest, post(h, "application/json", "{").Code)

	w := post(h, "application/json; charset=utf-8", body)
	require.Equal(t, http.StatusOK, w.Code)
	var res types.ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "hello", res.Message)
	require.Len(t, a.got, 1)
	require.NotNil(t, a.ctx)
	assert.Equal(t, "05_DEBRIS", a.ctx.PredictedClass)

	a.err = chat.ErrUnavailable
	assert.Equal(t, http.StatusServiceUnavailable, post(h, "application/json", body).Code)
}

func TestCORSPreflight(t *testing.T) {
	SetCORSOptions([]string{"http://localhost:5173"}, nil, nil)
	t.Cleanup(func() { SetCORSOptions(nil, nil, nil) })
	h := NewMux(&mockService{}, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/predict", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := serve(h, req)
	assert.Equal(t, "http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsExposeRoutePatterns(t *testing.T) {
	h := NewMux(&mockService{}, nil)
	serve(h, httptest.NewRequest(http.MethodGet, "/api/models", nil))

	w := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := w.Body.String()
	assert.Contains(t, body, "histoxai_http_requests_total")
	assert.Contains(t, body, `path="/api/models"`)
}

func TestRequestLimits(t *testing.T) {
	SetMaxBodyBytes(64)
	t.Cleanup(func() { SetMaxBodyBytes(0) })
	h := NewMux(&mockService{}, nil)
	w := serve(h, upload(t, "/api/predict", "file", pngBytes(t, 32, 32)))
	assert.GreaterOrEqual(t, w.Code, 400)
	assert.Less(t, w.Code, 500)
}

func TestWorkContextHonorsTimeoutAndShutdown(t *testing.T) {
	SetRequestTimeoutSeconds(30)
	t.Cleanup(func() { SetRequestTimeoutSeconds(0) })
	ctx, cancel := workContext(httptest.NewRequest(http.MethodGet, "/", nil))
	defer cancel()
	_, ok := ctx.Deadline()
	assert.True(t, ok)

	base, stop := context.WithCancel(context.Background())
	SetBaseContext(base)
	t.Cleanup(func() { SetBaseContext(nil) })
	ctx2, cancel2 := workContext(httptest.NewRequest(http.MethodGet, "/", nil))
	defer cancel2()
	stop()
	<-ctx2.Done()
	assert.ErrorIs(t, ctx2.Err(), context.Canceled)
}
