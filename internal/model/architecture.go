package model

// Architecture names one of the supported backbone families.
type Architecture string

const (
	ResNet50       Architecture = "ResNet50"
	MobileNetV2    Architecture = "MobileNetV2"
	EfficientNetB3 Architecture = "EfficientNetB3"
	DenseNet121    Architecture = "DenseNet121"
)

// Variant describes how a backbone is wired to the shared classification
// head. The table of variants is fixed; there is no registration hook.
type Variant struct {
	Arch Architecture
	// InputSize is the square resolution the backbone graph was exported with.
	InputSize int
	// FeatureDim is the channel count of the target layer and the input width
	// of the head.
	FeatureDim int
	// TargetLayer is the final convolutional stage used for saliency. The
	// backbone graph exposes its activations as an output of the same name.
	TargetLayer string
	// HeadPrefix is the state dict prefix of the replaced classifier.
	HeadPrefix string
	// NeckPrefix names a BatchNorm2d applied (followed by ReLU) between the
	// target layer and pooling. Empty when pooling follows directly.
	NeckPrefix string
}

// Name returns the registry name of the variant.
func (v Variant) Name() string { return string(v.Arch) }

var variants = [...]Variant{
	{
		Arch:        ResNet50,
		InputSize:   224,
		FeatureDim:  2048,
		TargetLayer: "backbone.layer4",
		HeadPrefix:  "backbone.fc",
	},
	{
		Arch:        MobileNetV2,
		InputSize:   224,
		FeatureDim:  1280,
		TargetLayer: "backbone.features.18",
		HeadPrefix:  "backbone.classifier",
	},
	{
		Arch:        EfficientNetB3,
		InputSize:   224,
		FeatureDim:  1536,
		TargetLayer: "backbone.features.8",
		HeadPrefix:  "backbone.classifier",
	},
	{
		Arch:        DenseNet121,
		InputSize:   224,
		FeatureDim:  1024,
		TargetLayer: "backbone.features.denseblock4",
		HeadPrefix:  "backbone.classifier",
		NeckPrefix:  "backbone.features.norm5",
	},
}

// Variants returns the supported variants in declaration order. This order is
// the registry order everywhere.
func Variants() []Variant {
	out := make([]Variant, len(variants))
	copy(out, variants[:])
	return out
}

// Names returns the variant names in declaration order.
func Names() []string {
	out := make([]string, len(variants))
	for i, v := range variants {
		out[i] = v.Name()
	}
	return out
}

// LookupVariant finds a variant by its exact name.
func LookupVariant(name string) (Variant, bool) {
	for _, v := range variants {
		if string(v.Arch) == name {
			return v, true
		}
	}
	return Variant{}, false
}
