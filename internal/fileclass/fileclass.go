package fileclass

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/meshport/meshport/internal/apperr"
)

type Kind string

const (
	KindModel   Kind = "model"
	KindTexture Kind = "texture"
	KindOther   Kind = "other"
)

var (
	modelExtensions   = []string{"glb", "gltf", "fbx", "obj", "dae", "stl"}
	textureExtensions = []string{"png", "jpg", "jpeg", "webp", "bmp"}
	imageExtensions   = []string{"png", "jpg", "jpeg", "webp"}
	// resourceExtensions are companion files a model references by URI:
	// glTF binary buffers and OBJ material libraries.
	resourceExtensions = []string{"bin", "mtl"}
)

// ModelExtensions returns the recognised 3D model extensions without the dot.
func ModelExtensions() []string {
	return append([]string(nil), modelExtensions...)
}

// Extension returns the lower-cased text after the last dot, or "" when
// the name has no dot.
func Extension(name string) string {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return ""
	}
	return strings.ToLower(name[i+1:])
}

func IsModel(name string) bool {
	return contains(modelExtensions, Extension(name))
}

func IsTexture(name string) bool {
	return contains(textureExtensions, Extension(name))
}

// IsImage reports whether name is an image accepted for image-to-3D generation.
func IsImage(name string) bool {
	return contains(imageExtensions, Extension(name))
}

// IsModelResource reports whether name is a non-texture file a model
// loads alongside itself. Classify still reports such files as KindOther.
func IsModelResource(name string) bool {
	return contains(resourceExtensions, Extension(name))
}

func Classify(name string) Kind {
	switch {
	case IsModel(name):
		return KindModel
	case IsTexture(name):
		return KindTexture
	default:
		return KindOther
	}
}

func contains(set []string, ext string) bool {
	if ext == "" {
		return false
	}
	for _, e := range set {
		if e == ext {
			return true
		}
	}
	return false
}

var sizeUnits = []string{"Bytes", "KB", "MB", "GB"}

// FormatSize renders a byte count with two decimals at most, e.g. "1.5 KB".
func FormatSize(bytes int64) string {
	if bytes <= 0 {
		return "0 Bytes"
	}
	i := int(math.Floor(math.Log(float64(bytes)) / math.Log(1024)))
	if i >= len(sizeUnits) {
		i = len(sizeUnits) - 1
	}
	v := math.Round(float64(bytes)/math.Pow(1024, float64(i))*100) / 100
	return strconv.FormatFloat(v, 'f', -1, 64) + " " + sizeUnits[i]
}

func ValidateSize(name string, size, max int64) error {
	if size > max {
		return apperr.Validation(fmt.Sprintf("File size (%s) exceeds maximum allowed size (%s)",
			FormatSize(size), FormatSize(max)), nil).WithField(name)
	}
	return nil
}
