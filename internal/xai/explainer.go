// Package xai produces visual explanations for single-model predictions:
// Grad-CAM overlays, LIME superpixel overlays and Gradient-SHAP heatmaps.
package xai

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/rs/zerolog"
)

// Kind names an explanation method.
type Kind string

const (
	KindGradCAM Kind = "gradcam"
	KindLIME    Kind = "lime"
	KindSHAP    Kind = "shap"
)

// AllKinds lists every method in response order.
var AllKinds = []Kind{KindGradCAM, KindLIME, KindSHAP}

// ErrUnknownKind is wrapped by ParseKinds for names outside AllKinds.
var ErrUnknownKind = errors.New("unknown explanation type")

// ParseKinds normalizes requested method names. Entries may themselves be
// comma separated. An empty request selects every method.
func ParseKinds(names []string) ([]Kind, error) {
	var out []Kind
	seen := make(map[Kind]bool)
	for _, raw := range names {
		for _, part := range strings.Split(raw, ",") {
			name := strings.ToLower(strings.TrimSpace(part))
			if name == "" {
				continue
			}
			k := Kind(name)
			switch k {
			case KindGradCAM, KindLIME, KindSHAP:
			default:
				return nil, fmt.Errorf("%w: %q", ErrUnknownKind, part)
			}
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	if len(out) == 0 {
		return append([]Kind(nil), AllKinds...), nil
	}
	return out, nil
}

// Fixed LIME parameters.
const (
	LIMESamples   = 300
	LIMEBatchSize = 10
	LIMEFeatures  = 10
	kernelWidth   = 0.25
	ridgeAlpha    = 1.0
)

// Config tunes the explainers. Zero fields take defaults.
type Config struct {
	// Segments is the target superpixel count for LIME.
	Segments int `json:"segments" yaml:"segments" toml:"segments"`
	// Compactness trades color similarity against spatial proximity in SLIC.
	Compactness float64 `json:"compactness" yaml:"compactness" toml:"compactness"`
	// Workers bounds the LIME batch worker pool.
	Workers int `json:"workers" yaml:"workers" toml:"workers"`
	// SHAPSamples is the number of baseline/alpha draws.
	SHAPSamples int `json:"shap_samples" yaml:"shap_samples" toml:"shap_samples"`
	// Seed fixes the LIME and SHAP sampling.
	Seed int64 `json:"seed" yaml:"seed" toml:"seed"`
}

// DefaultConfig returns the stock explainer settings.
func DefaultConfig() Config {
	return Config{
		Segments:    50,
		Compactness: 10,
		Workers:     runtime.NumCPU(),
		SHAPSamples: 5,
		Seed:        42,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Segments <= 0 {
		c.Segments = d.Segments
	}
	if c.Compactness <= 0 {
		c.Compactness = d.Compactness
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.SHAPSamples <= 0 {
		c.SHAPSamples = d.SHAPSamples
	}
	return c
}

// Explainer runs the explanation methods. It holds no per-call state and is
// safe for concurrent use.
type Explainer struct {
	cfg Config
	log zerolog.Logger
}

// New returns an Explainer with defaults applied to cfg.
func New(cfg Config, log zerolog.Logger) *Explainer {
	return &Explainer{cfg: cfg.withDefaults(), log: log}
}

// Config returns the effective configuration.
func (e *Explainer) Config() Config { return e.cfg }
