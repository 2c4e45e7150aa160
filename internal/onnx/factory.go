package onnx

import (
	"histoxai/internal/model"
	"histoxai/internal/registry"
)

// Options configure every session a Factory opens.
type Options struct {
	LibraryPath    string
	Device         Device
	IntraOpThreads int
}

// Factory opens ONNX backbones for discovered registry entries.
type Factory struct {
	opts Options
}

func NewFactory(opts Options) *Factory { return &Factory{opts: opts} }

// Ready brings up the runtime. Failures wrap ErrRuntimeUnavailable.
func (f *Factory) Ready() error { return Initialize(f.opts.LibraryPath) }

// Open creates the backbone for e at the given input resolution.
func (f *Factory) Open(e registry.Entry, inputSize int) (model.Backbone, error) {
	if err := f.Ready(); err != nil {
		return nil, err
	}
	return Open(e.Variant, inputSize, e.Graph, e.GradGraph, f.opts.Device, f.opts.IntraOpThreads)
}

// Close tears the runtime down once every backbone is closed.
func (f *Factory) Close() error { return Shutdown() }
