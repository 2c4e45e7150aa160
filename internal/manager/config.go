package manager

import (
	"strings"
	"time"

	"github.com/rs/zerolog"

	"histoxai/internal/model"
	"histoxai/internal/registry"
	"histoxai/internal/xai"
)

// BackboneFactory opens the backbone graph of a discovered entry. A factory
// may also implement Ready() error to report runtime availability, and
// io.Closer to release process-wide resources.
type BackboneFactory interface {
	Open(e registry.Entry, inputSize int) (model.Backbone, error)
}

// Representative selects which member explains an ensemble prediction.
type Representative string

const (
	// RepresentativeAgreement picks the member whose own probability for the
	// ensemble's predicted class is highest; ties go to registry order.
	RepresentativeAgreement Representative = "agreement"
	// RepresentativeFirst picks the first loaded model in registry order.
	RepresentativeFirst Representative = "first"
)

func parseRepresentative(s string) Representative {
	switch Representative(strings.ToLower(strings.TrimSpace(s))) {
	case RepresentativeFirst:
		return RepresentativeFirst
	default:
		return RepresentativeAgreement
	}
}

// ManagerConfig encapsulates all tunables for Manager construction.
type ManagerConfig struct {
	// Entries are discovery results in registry order.
	Entries []registry.Entry
	Factory BackboneFactory
	// InputSizes overrides the per-architecture input resolution.
	InputSizes map[string]int
	// HeadHidden overrides the hidden widths of the classification head.
	HeadHidden        []int
	StrictCheckpoints bool
	// Representative is "agreement" (default) or "first".
	Representative string
	Explain        xai.Config
	Logger         *zerolog.Logger
	Publisher      EventPublisher
}

// NewWithConfig constructs a Manager from ManagerConfig. Nothing is loaded
// until Models is first called.
func NewWithConfig(cfg ManagerConfig) *Manager {
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = cfg.Logger.With().Str("component", "manager").Logger()
	}
	pub := cfg.Publisher
	if pub == nil {
		pub = noopPublisher{}
	}
	hidden := cfg.HeadHidden
	if len(hidden) == 0 {
		hidden = model.DefaultHidden
	}
	sizes := make(map[string]int, len(cfg.InputSizes))
	for k, v := range cfg.InputSizes {
		sizes[k] = v
	}
	return &Manager{
		state:          StateIdle,
		entries:        append([]registry.Entry(nil), cfg.Entries...),
		factory:        cfg.Factory,
		inputSizes:     sizes,
		hidden:         append([]int(nil), hidden...),
		strict:         cfg.StrictCheckpoints,
		representative: parseRepresentative(cfg.Representative),
		explainer:      xai.New(cfg.Explain, log),
		log:            log,
		pub:            pub,
		startTime:      time.Now(),
	}
}
