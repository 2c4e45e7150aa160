package httpapi

import (
	"context"
	"encoding/json"
	"image"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"histoxai/internal/manager"
	"histoxai/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	ListModels() []types.ModelInfo
	Status() types.StatusResponse
	Ready() bool
	Predict(ctx context.Context, img image.Image, selector string) (manager.Prediction, error)
	Explain(ctx context.Context, img image.Image, selector string, kinds []string) (manager.Explanation, error)
}

// Assistant answers chat requests. A nil Assistant disables /api/chat.
type Assistant interface {
	Reply(ctx context.Context, history []types.ChatMessage, pred *types.PredictionResult) (string, error)
}

func NewMux(svc Service, assistant Assistant) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(accessLog)
	r.Use(MetricsMiddleware)
	if len(corsAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   corsAllowedOrigins,
			AllowedMethods:   corsAllowedMethods,
			AllowedHeaders:   corsAllowedHeaders,
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("loading"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/models", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, types.ModelsResponse{Models: svc.ListModels()})
		})

		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, svc.Status())
		})

		r.Post("/predict", func(w http.ResponseWriter, r *http.Request) {
			img, err := readImage(w, r)
			if err != nil {
				fail(w, r, err)
				return
			}
			ctx, cancel := workContext(r)
			defer cancel()
			pred, err := svc.Predict(ctx, img, r.URL.Query().Get("model_name"))
			if err != nil {
				fail(w, r, err)
				return
			}
			writeJSON(w, pred.Result())
		})

		r.Post("/explain", func(w http.ResponseWriter, r *http.Request) {
			img, err := readImage(w, r)
			if err != nil {
				fail(w, r, err)
				return
			}
			q := r.URL.Query()
			selector := q.Get("model_name")
			if selector == "" {
				selector = "ensemble"
			}
			ctx, cancel := workContext(r)
			defer cancel()
			exp, err := svc.Explain(ctx, img, selector, q["explanation_types"])
			if err != nil {
				fail(w, r, err)
				return
			}
			res, err := explainResult(exp)
			if err != nil {
				fail(w, r, err)
				return
			}
			writeJSON(w, res)
		})

		r.Post("/chat", func(w http.ResponseWriter, r *http.Request) {
			ct := r.Header.Get("Content-Type")
			if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
				writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
			var req types.ChatRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
				return
			}
			if assistant == nil {
				writeJSONError(w, http.StatusServiceUnavailable, "chat assistant not configured")
				return
			}
			ctx, cancel := workContext(r)
			defer cancel()
			msg, err := assistant.Reply(ctx, req.Messages, req.Context)
			if err != nil {
				fail(w, r, err)
				return
			}
			writeJSON(w, types.ChatResponse{Message: msg})
		})
	})

	return r
}

// fail maps err to a status and writes it, unless the client or server
// already gave up on the request.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	if aborted(r) {
		return
	}
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		ev := zlog.Error().Err(err).Int("status", status)
		if rid := middleware.GetReqID(r.Context()); rid != "" {
			ev = ev.Str("request_id", rid)
		}
		ev.Msg("request failed")
	}
	writeJSONError(w, status, err.Error())
}

// explainResult encodes the artifacts of exp as base64 PNGs. The SHAP map is
// written as 8-bit grayscale.
func explainResult(exp manager.Explanation) (types.ExplainResult, error) {
	res := types.ExplainResult{Prediction: exp.Prediction.Result(), ExplainedBy: exp.ExplainedBy}
	if exp.GradCAM != nil {
		s, err := pngBase64(exp.GradCAM)
		if err != nil {
			return res, err
		}
		res.GradCAM = &types.GradCAMResult{HeatmapBase64: s}
	}
	if exp.LIME != nil {
		s, err := pngBase64(exp.LIME)
		if err != nil {
			return res, err
		}
		res.LIME = &types.LIMEResult{OverlayBase64: s}
	}
	if exp.SHAP != nil {
		s, err := pngBase64(exp.SHAP.Gray())
		if err != nil {
			return res, err
		}
		res.SHAP = &types.SHAPResult{HeatmapBase64: s}
	}
	return res, nil
}
