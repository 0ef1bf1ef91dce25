package dto

import (
	"errors"
	"fmt"
)

// GenerationOptions are the Tripo v2 generation parameters forwarded as-is.
type GenerationOptions struct {
	ModelVersion    string `json:"model_version,omitempty" yaml:"model_version,omitempty"`
	FaceLimit       *int   `json:"face_limit,omitempty" yaml:"face_limit,omitempty"`
	Texture         *bool  `json:"texture,omitempty" yaml:"texture,omitempty"`
	PBR             *bool  `json:"pbr,omitempty" yaml:"pbr,omitempty"`
	TextureSeed     *int   `json:"texture_seed,omitempty" yaml:"texture_seed,omitempty"`
	TextureQuality  string `json:"texture_quality,omitempty" yaml:"texture_quality,omitempty"`
	AutoSize        *bool  `json:"auto_size,omitempty" yaml:"auto_size,omitempty"`
	Quad            *bool  `json:"quad,omitempty" yaml:"quad,omitempty"`
	SmartLowPoly    *bool  `json:"smart_low_poly,omitempty" yaml:"smart_low_poly,omitempty"`
	GenerateParts   *bool  `json:"generate_parts,omitempty" yaml:"generate_parts,omitempty"`
	NegativePrompt  string `json:"negative_prompt,omitempty" yaml:"negative_prompt,omitempty"`
	ImageSeed       *int   `json:"image_seed,omitempty" yaml:"image_seed,omitempty"`
	ModelSeed       *int   `json:"model_seed,omitempty" yaml:"model_seed,omitempty"`
	ImageAutofix    *bool  `json:"enable_image_autofix,omitempty" yaml:"enable_image_autofix,omitempty"`
	TextureAlign    string `json:"texture_alignment,omitempty" yaml:"texture_alignment,omitempty"`
	Orientation     string `json:"orientation,omitempty" yaml:"orientation,omitempty"`
	GeometryQuality string `json:"geometry_quality,omitempty" yaml:"geometry_quality,omitempty"`
	Compress        string `json:"compress,omitempty" yaml:"compress,omitempty"`
}

var ModelVersions = []string{
	"Turbo-v1.0-20250506",
	"v3.0-20250812",
	"v2.5-20250123",
	"v2.0-20240919",
	"v1.4-20240625",
}

const maxNegativePrompt = 255

// Validate rejects option combinations the generation service refuses.
func (o *GenerationOptions) Validate() error {
	if o == nil {
		return nil
	}
	var errs []error

	if o.ModelVersion != "" && !oneOf(o.ModelVersion, ModelVersions...) {
		errs = append(errs, fmt.Errorf("unknown model_version %q", o.ModelVersion))
	}
	if len(o.NegativePrompt) > maxNegativePrompt {
		errs = append(errs, fmt.Errorf("negative_prompt exceeds %d characters", maxNegativePrompt))
	}
	if o.FaceLimit != nil {
		lo, hi := 1, 0
		switch {
		case isSet(o.SmartLowPoly):
			lo, hi = 1000, 16000
		case isSet(o.Quad):
			lo, hi = 500, 8000
		}
		if *o.FaceLimit < lo || (hi > 0 && *o.FaceLimit > hi) {
			errs = append(errs, fmt.Errorf("face_limit %d out of range", *o.FaceLimit))
		}
	}
	if isSet(o.GenerateParts) && (isSet(o.Texture) || isSet(o.PBR) || isSet(o.Quad)) {
		errs = append(errs, errors.New("generate_parts cannot be combined with texture, pbr or quad"))
	}
	if o.TextureQuality != "" && !oneOf(o.TextureQuality, "standard", "detailed") {
		errs = append(errs, fmt.Errorf("unknown texture_quality %q", o.TextureQuality))
	}
	if o.GeometryQuality != "" && !oneOf(o.GeometryQuality, "standard", "detailed") {
		errs = append(errs, fmt.Errorf("unknown geometry_quality %q", o.GeometryQuality))
	}
	if o.TextureAlign != "" && !oneOf(o.TextureAlign, "original_image", "geometry") {
		errs = append(errs, fmt.Errorf("unknown texture_alignment %q", o.TextureAlign))
	}
	if o.Orientation != "" && !oneOf(o.Orientation, "default", "align_image") {
		errs = append(errs, fmt.Errorf("unknown orientation %q", o.Orientation))
	}
	if o.Compress != "" && o.Compress != "geometry" {
		errs = append(errs, fmt.Errorf("unknown compress %q", o.Compress))
	}
	return errors.Join(errs...)
}

func isSet(b *bool) bool { return b != nil && *b }

func oneOf(v string, set ...string) bool {
	for _, s := range set {
		if v == s {
			return true
		}
	}
	return false
}
