package convert

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/qmuntal/gltf"
)

const generator = "meshport"

var imageMimeTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".webp": "image/webp",
}

// GLTFToGLB packs a .gltf file and the buffers and images it references
// into a single binary glTF written to w.
func (c *Converter) GLTFToGLB(src string, w io.Writer) error {
	doc, err := gltf.Open(src)
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(src), err)
	}
	if err := embedImages(doc, filepath.Dir(src)); err != nil {
		return err
	}
	if err := mergeBuffers(doc); err != nil {
		return err
	}
	doc.Asset.Generator = generator
	return encodeBinary(doc, w)
}

// Placeholder builds a GLB carrying a single named node. The optional
// image is embedded so the source of a generation travels with the model.
func (c *Converter) Placeholder(name string, extras map[string]any, image []byte) ([]byte, error) {
	doc := gltf.NewDocument()
	doc.Asset.Generator = generator
	doc.Nodes = append(doc.Nodes, &gltf.Node{Name: name, Extras: extras})

	if len(image) > 0 {
		n, err := byteLength(len(image))
		if err != nil {
			return nil, err
		}
		doc.Buffers = append(doc.Buffers, &gltf.Buffer{ByteLength: n, Data: image})
		doc.BufferViews = append(doc.BufferViews, &gltf.BufferView{Buffer: 0, ByteLength: n})
		view := uint32(len(doc.BufferViews) - 1)
		doc.Images = append(doc.Images, &gltf.Image{Name: name, MimeType: "image/png", BufferView: &view})
	}

	var buf bytes.Buffer
	if err := encodeBinary(doc, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeBinary(doc *gltf.Document, w io.Writer) error {
	enc := gltf.NewEncoder(w)
	enc.AsBinary = true
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode glb: %w", err)
	}
	return nil
}

// embedImages replaces image URIs with buffer views. Files are resolved
// relative to dir and may not leave it.
func embedImages(doc *gltf.Document, dir string) error {
	for _, img := range doc.Images {
		if img.URI == "" {
			continue
		}

		var (
			data []byte
			err  error
		)
		if img.IsEmbeddedResource() {
			data, err = img.MarshalData()
		} else {
			data, err = readSibling(dir, img.URI)
			if img.MimeType == "" {
				img.MimeType = imageMimeTypes[strings.ToLower(filepath.Ext(img.URI))]
			}
		}
		if err != nil {
			return fmt.Errorf("image %q: %w", img.URI, err)
		}

		n, err := byteLength(len(data))
		if err != nil {
			return fmt.Errorf("image %q: %w", img.URI, err)
		}
		doc.Buffers = append(doc.Buffers, &gltf.Buffer{ByteLength: n, Data: data})
		doc.BufferViews = append(doc.BufferViews, &gltf.BufferView{
			Buffer:     uint32(len(doc.Buffers) - 1),
			ByteLength: n,
		})
		view := uint32(len(doc.BufferViews) - 1)
		img.BufferView = &view
		img.URI = ""
	}
	return nil
}

func readSibling(dir, uri string) ([]byte, error) {
	rel, err := url.PathUnescape(uri)
	if err != nil {
		return nil, err
	}
	p := filepath.Join(dir, filepath.FromSlash(rel))
	if !strings.HasPrefix(p, filepath.Clean(dir)+string(filepath.Separator)) {
		return nil, fmt.Errorf("path escapes upload directory")
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		// Uploads arrive flattened, so textures/a.png may sit next to the .gltf.
		if flat := filepath.Join(dir, filepath.Base(p)); flat != p {
			return os.ReadFile(flat)
		}
	}
	return data, err
}

// ErrTooLarge is returned when a buffer does not fit the 32-bit lengths of
// a GLB.
var ErrTooLarge = errors.New("buffer exceeds 4 GiB")

func byteLength(n int) (uint32, error) {
	if uint64(n) > math.MaxUint32 {
		return 0, ErrTooLarge
	}
	return uint32(n), nil
}

// mergeBuffers concatenates every buffer into one, 4-byte aligned, since a
// GLB only has a single binary chunk.
func mergeBuffers(doc *gltf.Document) error {
	if len(doc.Buffers) == 0 {
		return nil
	}
	var data []byte
	offsets := make([]uint32, len(doc.Buffers))
	for i, b := range doc.Buffers {
		for len(data)%4 != 0 {
			data = append(data, 0)
		}
		off, err := byteLength(len(data))
		if err != nil {
			return err
		}
		offsets[i] = off
		data = append(data, b.Data...)
	}
	n, err := byteLength(len(data))
	if err != nil {
		return err
	}
	for _, bv := range doc.BufferViews {
		if int(bv.Buffer) >= len(offsets) {
			return fmt.Errorf("buffer view points at missing buffer %d", bv.Buffer)
		}
		bv.ByteOffset += offsets[bv.Buffer]
		bv.Buffer = 0
	}
	doc.Buffers = []*gltf.Buffer{{ByteLength: n, Data: data}}
	return nil
}
