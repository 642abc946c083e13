package workflow

import "strings"

// RefSpec describes one model-file parameter of a loader node type.
type RefSpec struct {
	// ValueIndex is the position of the file reference in the node's values.
	ValueIndex int
	// Subdirs are the library folders this parameter's files conventionally
	// live in, most common first. Path reconstruction tries them in order.
	Subdirs []string
	// Criticality of the referenced file for running the workflow.
	Criticality Criticality
}

// loaderRefs maps loader node types to their model-file parameters. Types
// with an auxiliary config file emit two refs. The table covers the builtin
// loaders plus the widespread pack-provided ones that follow the same
// parameter layout.
var loaderRefs = map[string][]RefSpec{
	"CheckpointLoader": {
		{ValueIndex: 0, Subdirs: []string{"checkpoints"}, Criticality: CriticalityRequired},
	},
	"CheckpointLoaderWithConfig": {
		{ValueIndex: 0, Subdirs: []string{"configs"}, Criticality: CriticalityRequired},
		{ValueIndex: 1, Subdirs: []string{"checkpoints"}, Criticality: CriticalityRequired},
	},
	"DiffusionModelLoader": {
		{ValueIndex: 0, Subdirs: []string{"diffusion_models", "unet"}, Criticality: CriticalityRequired},
	},
	"LoraLoader": {
		{ValueIndex: 0, Subdirs: []string{"loras"}, Criticality: CriticalityRequired},
	},
	"LoraLoaderModelOnly": {
		{ValueIndex: 0, Subdirs: []string{"loras"}, Criticality: CriticalityRequired},
	},
	"VAELoader": {
		{ValueIndex: 0, Subdirs: []string{"vae"}, Criticality: CriticalityRequired},
	},
	"TextEncoderLoader": {
		{ValueIndex: 0, Subdirs: []string{"text_encoders", "clip"}, Criticality: CriticalityRequired},
	},
	"DualTextEncoderLoader": {
		{ValueIndex: 0, Subdirs: []string{"text_encoders", "clip"}, Criticality: CriticalityRequired},
		{ValueIndex: 1, Subdirs: []string{"text_encoders", "clip"}, Criticality: CriticalityRequired},
	},
	"ControlNetLoader": {
		{ValueIndex: 0, Subdirs: []string{"controlnet"}, Criticality: CriticalityRequired},
	},
	"UpscaleModelLoader": {
		{ValueIndex: 0, Subdirs: []string{"upscale_models"}, Criticality: CriticalityOptional},
	},
	"StyleModelLoader": {
		{ValueIndex: 0, Subdirs: []string{"style_models"}, Criticality: CriticalityOptional},
	},
	"EmbeddingLoader": {
		{ValueIndex: 0, Subdirs: []string{"embeddings"}, Criticality: CriticalityOptional},
	},
	"HypernetworkLoader": {
		{ValueIndex: 0, Subdirs: []string{"hypernetworks"}, Criticality: CriticalityOptional},
	},
	"VisionModelLoader": {
		{ValueIndex: 0, Subdirs: []string{"vision_models", "clip_vision"}, Criticality: CriticalityRequired},
	},
	"SegmentationModelLoader": {
		{ValueIndex: 0, Subdirs: []string{"segmentation", "sams"}, Criticality: CriticalityRequired},
	},
	"FaceRestoreModelLoader": {
		{ValueIndex: 0, Subdirs: []string{"face_restore"}, Criticality: CriticalityOptional},
	},
}

// LoaderRefs returns the file parameters of a loader node type, if known.
func LoaderRefs(nodeType string) ([]RefSpec, bool) {
	specs, ok := loaderRefs[nodeType]
	return specs, ok
}

// Subdirs returns the candidate library folders for a loader parameter,
// or nil when the type or index is unknown.
func Subdirs(nodeType string, valueIndex int) []string {
	specs, ok := loaderRefs[nodeType]
	if !ok {
		return nil
	}
	for _, spec := range specs {
		if spec.ValueIndex == valueIndex {
			return spec.Subdirs
		}
	}
	return nil
}

// DefaultModelExtensions is the sniffing set used when the configuration
// does not override it.
var DefaultModelExtensions = []string{
	".safetensors",
	".ckpt",
	".pt",
	".pth",
	".bin",
	".onnx",
	".gguf",
}

func normalizeExtensions(extensions []string) []string {
	if len(extensions) == 0 {
		extensions = DefaultModelExtensions
	}
	out := make([]string, 0, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out = append(out, ext)
	}
	return out
}

// HasModelExtension reports whether the value ends in one of the model file
// extensions. The check is case-insensitive and requires a non-empty stem.
func HasModelExtension(value string, extensions []string) bool {
	v := strings.ToLower(strings.TrimSpace(value))
	for _, ext := range extensions {
		if len(v) > len(ext) && strings.HasSuffix(v, ext) {
			return true
		}
	}
	return false
}
