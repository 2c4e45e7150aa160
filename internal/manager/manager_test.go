package manager_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"histoxai/internal/manager"
	"histoxai/internal/model"
	"histoxai/internal/model/modeltest"
	"histoxai/internal/registry"
	"histoxai/internal/xai"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var hidden = []int{16, 12}

const shift = 30

// fakeFactory serves ConstBackbones whose pooled features reproduce fixed
// probabilities through a pass-through head. Names in gradient get a
// PoolBackbone instead, which has an input gradient.
type fakeFactory struct {
	probs    map[string][]float64
	gradient map[string]bool
	readyErr error
	opened   atomic.Int64

	mu        sync.Mutex
	backbones []*modeltest.ConstBackbone
}

func (f *fakeFactory) Ready() error { return f.readyErr }

func (f *fakeFactory) Open(e registry.Entry, _ int) (model.Backbone, error) {
	p, ok := f.probs[e.Name()]
	if !ok {
		return nil, fmt.Errorf("no backbone for %s", e.Name())
	}
	f.opened.Add(1)
	if f.gradient[e.Name()] {
		return &modeltest.PoolBackbone{C: e.Variant.FeatureDim, Grid: 2, Bias: 0.1}, nil
	}
	bb := &modeltest.ConstBackbone{Features: modeltest.Features(e.Variant.FeatureDim, modeltest.LogitsFor(p), shift)}
	f.mu.Lock()
	f.backbones = append(f.backbones, bb)
	f.mu.Unlock()
	return bb, nil
}

func probs(pairs map[string]float64) []float64 {
	out := make([]float64, model.NumClasses)
	for label, p := range pairs {
		out[model.ClassIndex(label)] = p
	}
	return out
}

// writeModels lays out checkpoint and graph files for the named
// architectures and returns the discovery result.
func writeModels(t *testing.T, dir string, names ...string) []registry.Entry {
	t.Helper()
	for _, name := range names {
		v, ok := model.LookupVariant(name)
		require.True(t, ok, name)
		modeltest.WriteCheckpoint(t, dir, filepath.Join(name, registry.CheckpointFile),
			modeltest.PassThroughState(v, hidden, shift), true)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name, registry.GraphFile), []byte("onnx"), 0o644))
	}
	entries, err := registry.Discover(dir, nil)
	require.NoError(t, err)
	return entries
}

func sizes() map[string]int {
	out := map[string]int{}
	for _, n := range model.Names() {
		out[n] = 32
	}
	return out
}

func newManager(t *testing.T, entries []registry.Entry, f *fakeFactory, mutate func(*manager.ManagerConfig)) *manager.Manager {
	t.Helper()
	cfg := manager.ManagerConfig{
		Entries:    entries,
		Factory:    f,
		InputSizes: sizes(),
		HeadHidden: hidden,
		Explain:    xai.Config{Segments: 8, Workers: 2, Seed: 1},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m := manager.NewWithConfig(cfg)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func twoModelFactory() *fakeFactory {
	return &fakeFactory{probs: map[string][]float64{
		"ResNet50":    probs(map[string]float64{"01_TUMOR": 0.8, "02_STROMA": 0.2}),
		"MobileNetV2": probs(map[string]float64{"01_TUMOR": 0.4, "02_STROMA": 0.6}),
	}}
}

func TestEnsembleAveragesProbabilities(t *testing.T) {
	entries := writeModels(t, t.TempDir(), "ResNet50", "MobileNetV2")
	m := newManager(t, entries, twoModelFactory(), nil)

	pred, err := m.Predict(context.Background(), modeltest.Image(40, 40), "")
	require.NoError(t, err)
	assert.Equal(t, "01_TUMOR", pred.Label)
	assert.InDelta(t, 0.6, pred.Confidence, 1e-4)
	assert.InDelta(t, 0.4, pred.Probabilities[model.ClassIndex("02_STROMA")], 1e-4)
	require.Len(t, pred.PerModel, 2)
	assert.Equal(t, "ResNet50", pred.PerModel[0].Model)
	assert.Equal(t, "MobileNetV2", pred.PerModel[1].Model)

	res := pred.Result()
	assert.Equal(t, "01_TUMOR", res.PredictedClass)
	assert.Len(t, res.ClassProbabilities, model.NumClasses)
	assert.Equal(t, "MobileNetV2", res.PerModelScores[1].ModelName)
}

func TestPredictSingleModelIsCaseInsensitive(t *testing.T) {
	entries := writeModels(t, t.TempDir(), "ResNet50", "MobileNetV2")
	m := newManager(t, entries, twoModelFactory(), nil)

	pred, err := m.Predict(context.Background(), modeltest.Image(40, 40), "mobilenetv2")
	require.NoError(t, err)
	assert.Equal(t, "02_STROMA", pred.Label)
	assert.InDelta(t, 0.6, pred.Confidence, 1e-4)
	require.Len(t, pred.PerModel, 1)
	assert.Equal(t, "MobileNetV2", pred.PerModel[0].Model)

	ens, err := m.Predict(context.Background(), modeltest.Image(40, 40), "ENSEMBLE")
	require.NoError(t, err)
	assert.Len(t, ens.PerModel, 2)

	st := m.Status()
	assert.Equal(t, uint64(2), st.PredictionsTotal)
	assert.Equal(t, uint64(1), st.LoadsTotal)
}

func TestNoCheckpointsIsConfigurationError(t *testing.T) {
	dir := t.TempDir()
	entries, err := registry.Discover(dir, nil)
	require.NoError(t, err)
	m := newManager(t, entries, twoModelFactory(), nil)

	_, err = m.Models(context.Background())
	require.Error(t, err)
	assert.True(t, manager.IsNoModelsLoaded(err))
	assert.Equal(t, manager.StateError, m.Snapshot().State)
	assert.False(t, m.Ready())
}

func TestFailedLoadIsRetried(t *testing.T) {
	entries := writeModels(t, t.TempDir(), "ResNet50")
	f := twoModelFactory()
	f.readyErr = errors.New("runtime not initialized")
	m := newManager(t, entries, f, nil)

	_, err := m.Models(context.Background())
	require.True(t, manager.IsDependencyUnavailable(err))
	assert.Equal(t, manager.StateError, m.Snapshot().State)

	f.readyErr = nil
	models, err := m.Models(context.Background())
	require.NoError(t, err)
	assert.Len(t, models, 1)
	assert.Equal(t, uint64(2), m.Status().LoadsTotal)
}

func TestMissingCheckpointIsSkippedWithWarning(t *testing.T) {
	entries := writeModels(t, t.TempDir(), "MobileNetV2", "EfficientNetB3", "DenseNet121")
	f := &fakeFactory{probs: map[string][]float64{}}
	for _, n := range []string{"MobileNetV2", "EfficientNetB3", "DenseNet121"} {
		f.probs[n] = probs(map[string]float64{"04_LYMPHO": 1})
	}
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	pub := manager.NewMemoryPublisher()
	m := newManager(t, entries, f, func(c *manager.ManagerConfig) {
		c.Logger = &logger
		c.Publisher = pub
	})

	models, err := m.Models(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 3)
	assert.Equal(t, "MobileNetV2", models[0].Name())
	assert.Equal(t, "DenseNet121", models[2].Name())

	missing := pub.Named(manager.EventCheckpointMissing)
	require.Len(t, missing, 1)
	assert.Equal(t, "ResNet50", missing[0].Model)
	assert.Len(t, pub.Named(manager.EventModelLoaded), 3)
	assert.Contains(t, buf.String(), "checkpoint not found")

	st := m.Status()
	require.Len(t, st.Models, 4)
	assert.Equal(t, 1, strings.Count(buf.String(), `"level":"warn"`))
	assert.Equal(t, "missing", st.Models[0].State)
	assert.Equal(t, "loaded", st.Models[3].State)

	infos := m.ListModels()
	require.Len(t, infos, 3)
	assert.Equal(t, "backbone.features.denseblock4", infos[2].TargetLayer)
	assert.Equal(t, 32, infos[2].InputSize)
}

func TestRuntimeUnavailable(t *testing.T) {
	entries := writeModels(t, t.TempDir(), "ResNet50")
	f := twoModelFactory()
	f.readyErr = errors.New("libonnxruntime.so: not found")
	m := newManager(t, entries, f, nil)

	_, err := m.Models(context.Background())
	require.Error(t, err)
	assert.True(t, manager.IsDependencyUnavailable(err))
	assert.False(t, m.SanityCheck().OK())
}

func TestCheckpointIssuesStrictAndLenient(t *testing.T) {
	dir := t.TempDir()
	v, _ := model.LookupVariant("ResNet50")
	sd := modeltest.PassThroughState(v, hidden, shift)
	sd["extra.weight"] = model.Param{Shape: []int{1}, Data: []float32{1}}
	modeltest.WriteCheckpoint(t, dir, filepath.Join("ResNet50", registry.CheckpointFile), sd, false)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ResNet50", registry.GraphFile), []byte("onnx"), 0o644))
	entries := writeModels(t, dir, "MobileNetV2")

	pub := manager.NewMemoryPublisher()
	lenient := newManager(t, entries, twoModelFactory(), func(c *manager.ManagerConfig) { c.Publisher = pub })
	models, err := lenient.Models(context.Background())
	require.NoError(t, err)
	assert.Len(t, models, 2)
	require.Len(t, pub.Named(manager.EventCheckpointMismatch), 1)
	assert.Equal(t, 1, lenient.Status().Models[0].CheckpointIssues)

	strict := newManager(t, entries, twoModelFactory(), func(c *manager.ManagerConfig) { c.StrictCheckpoints = true })
	models, err = strict.Models(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "MobileNetV2", models[0].Name())
	assert.Equal(t, "failed", strict.Status().Models[0].State)
}

func TestInvalidSelectorIsModelNotFound(t *testing.T) {
	entries := writeModels(t, t.TempDir(), "ResNet50")
	m := newManager(t, entries, twoModelFactory(), nil)
	ctx := context.Background()
	img := modeltest.Image(24, 24)

	_, err := m.Predict(ctx, img, "VGG16")
	assert.True(t, manager.IsModelNotFound(err))
	_, err = m.GradCAM(ctx, img, "VGG16")
	assert.True(t, manager.IsModelNotFound(err))
	_, err = m.LIME(ctx, img, "VGG16")
	assert.True(t, manager.IsModelNotFound(err))
	_, err = m.GradientSHAP(ctx, img, "VGG16")
	assert.True(t, manager.IsModelNotFound(err))
	_, err = m.Explain(ctx, img, "VGG16", nil)
	assert.True(t, manager.IsModelNotFound(err))
}

func TestInvalidExplanationType(t *testing.T) {
	entries := writeModels(t, t.TempDir(), "ResNet50")
	m := newManager(t, entries, twoModelFactory(), nil)

	_, err := m.Explain(context.Background(), modeltest.Image(24, 24), "ensemble", []string{"gradcam", "occlusion"})
	require.Error(t, err)
	assert.True(t, manager.IsInvalidExplanationType(err))
	assert.ErrorIs(t, err, xai.ErrUnknownKind)
}

func TestExplainRepresentativePolicy(t *testing.T) {
	entries := writeModels(t, t.TempDir(), "ResNet50", "MobileNetV2")
	f := &fakeFactory{probs: map[string][]float64{
		"ResNet50":    probs(map[string]float64{"01_TUMOR": 0.55, "02_STROMA": 0.45}),
		"MobileNetV2": probs(map[string]float64{"01_TUMOR": 0.9, "02_STROMA": 0.1}),
	}}
	img := modeltest.Image(30, 20)

	for _, tc := range []struct {
		policy string
		want   string
	}{
		{policy: "", want: "MobileNetV2"},
		{policy: "agreement", want: "MobileNetV2"},
		{policy: "first", want: "ResNet50"},
	} {
		t.Run("policy="+tc.policy, func(t *testing.T) {
			m := newManager(t, entries, f, func(c *manager.ManagerConfig) { c.Representative = tc.policy })
			exp, err := m.Explain(context.Background(), img, "ensemble", []string{"gradcam"})
			require.NoError(t, err)
			assert.Equal(t, tc.want, exp.ExplainedBy)
			assert.Equal(t, "01_TUMOR", exp.Prediction.Label)
			require.NotNil(t, exp.GradCAM)
			assert.Equal(t, 30, exp.GradCAM.Rect.Dx())
			assert.Equal(t, 20, exp.GradCAM.Rect.Dy())
			assert.Nil(t, exp.LIME)
			assert.Nil(t, exp.SHAP)
		})
	}
}

func TestExplainSingleModelRunsRequestedMethods(t *testing.T) {
	entries := writeModels(t, t.TempDir(), "ResNet50", "MobileNetV2")
	f := twoModelFactory()
	f.gradient = map[string]bool{"ResNet50": true}
	m := newManager(t, entries, f, nil)
	img := modeltest.Quadrants(16, 16)

	exp, err := m.Explain(context.Background(), img, "ResNet50", []string{"shap,lime"})
	require.NoError(t, err)
	assert.Equal(t, "ResNet50", exp.ExplainedBy)
	require.Len(t, exp.Prediction.PerModel, 1)
	assert.Nil(t, exp.GradCAM)
	require.NotNil(t, exp.LIME)
	assert.Equal(t, 16, exp.LIME.Rect.Dx())
	require.NotNil(t, exp.SHAP)
	assert.Equal(t, 16, exp.SHAP.Width)
	assert.Equal(t, uint64(1), m.Status().ExplanationsTotal)
}

func TestGradientSHAPNeedsGradientGraph(t *testing.T) {
	entries := writeModels(t, t.TempDir(), "ResNet50")
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	m := newManager(t, entries, twoModelFactory(), func(c *manager.ManagerConfig) { c.Logger = &logger })
	ctx := context.Background()
	img := modeltest.Quadrants(16, 16)

	_, err := m.GradientSHAP(ctx, img, "ResNet50")
	require.Error(t, err)
	assert.True(t, manager.IsDependencyUnavailable(err))
	assert.ErrorIs(t, err, model.ErrNoGradient)
	assert.Contains(t, err.Error(), registry.GradGraphFile)

	_, err = m.Explain(ctx, img, "ResNet50", []string{"gradcam", "shap"})
	assert.True(t, manager.IsDependencyUnavailable(err))

	// Without an explicit list the unsupported method is left out.
	exp, err := m.Explain(ctx, img, "ResNet50", nil)
	require.NoError(t, err)
	assert.NotNil(t, exp.GradCAM)
	assert.NotNil(t, exp.LIME)
	assert.Nil(t, exp.SHAP)
	assert.Equal(t, 1, strings.Count(buf.String(), "skipping gradient-shap"))
}

func TestConcurrentModelsLoadOnce(t *testing.T) {
	entries := writeModels(t, t.TempDir(), "ResNet50", "MobileNetV2")
	f := twoModelFactory()
	m := newManager(t, entries, f, nil)

	var wg sync.WaitGroup
	results := make([][]*model.Model, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			models, err := m.Models(context.Background())
			assert.NoError(t, err)
			results[i] = models
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(2), f.opened.Load())
	for _, r := range results[1:] {
		require.Len(t, r, 2)
		assert.Same(t, results[0][0], r[0])
	}
	assert.True(t, m.Ready())
}

func TestCloseReleasesBackbones(t *testing.T) {
	entries := writeModels(t, t.TempDir(), "ResNet50", "MobileNetV2")
	f := twoModelFactory()
	m := manager.NewWithConfig(manager.ManagerConfig{Entries: entries, Factory: f, InputSizes: sizes(), HeadHidden: hidden})
	_, err := m.Models(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.Close())
	for _, bb := range f.backbones {
		assert.True(t, bb.Closed.Load())
	}
	assert.Equal(t, manager.StateIdle, m.Snapshot().State)
	assert.Empty(t, m.ListModels())
}
