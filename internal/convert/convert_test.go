package convert

import (
	"bytes"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/qmuntal/gltf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := imaging.New(w, h, color.NRGBA{R: 200, G: 80, B: 40, A: 255})
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, imaging.PNG))
	return buf.Bytes()
}

func decodeGLB(t *testing.T, data []byte) *gltf.Document {
	t.Helper()
	require.True(t, bytes.HasPrefix(data, []byte("glTF")), "missing GLB magic")
	doc := new(gltf.Document)
	require.NoError(t, gltf.NewDecoder(bytes.NewReader(data)).Decode(doc))
	return doc
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want FileType
	}{
		{"glb", []byte("glTF\x02\x00\x00\x00"), FileTypeGLB},
		{"png", []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0}, FileTypePNG},
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0}, FileTypeJPEG},
		{"webp", []byte("RIFF\x10\x00\x00\x00WEBPVP8 "), FileTypeWebP},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := bytes.NewReader(tt.data)
			got, err := Detect(r)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, int64(len(tt.data)), int64(r.Len()), "reader should be rewound")
		})
	}

	_, err := Detect(strings.NewReader("solid cube\nfacet normal"))
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestMatchesExtension(t *testing.T) {
	assert.True(t, MatchesExtension(FileTypeGLB, "glb"))
	assert.False(t, MatchesExtension(FileTypePNG, "glb"))
	assert.True(t, MatchesExtension(FileTypeJPEG, "jpg"))
	assert.True(t, MatchesExtension("", "obj"))
}

func TestPlaceholder(t *testing.T) {
	c := NewConverter(zaptest.NewLogger(t))

	data, err := c.Placeholder("red chair", map[string]any{"prompt": "a red chair"}, pngBytes(t, 4, 4))
	require.NoError(t, err)

	doc := decodeGLB(t, data)
	require.Len(t, doc.Nodes, 1)
	assert.Equal(t, "red chair", doc.Nodes[0].Name)
	assert.Equal(t, generator, doc.Asset.Generator)
	require.Len(t, doc.Images, 1)
	assert.NotNil(t, doc.Images[0].BufferView)
}

func TestGLTFToGLB(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data.bin"), []byte{1, 2, 3, 4, 5, 6}, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tex.png"), pngBytes(t, 2, 2), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scene.gltf"), []byte(`{
		"asset": {"version": "2.0"},
		"buffers": [{"uri": "data.bin", "byteLength": 6}],
		"bufferViews": [{"buffer": 0, "byteLength": 6}],
		"images": [{"uri": "tex.png"}],
		"nodes": [{"name": "root"}]
	}`), 0o644))

	var out bytes.Buffer
	require.NoError(t, NewConverter(nil).GLTFToGLB(filepath.Join(dir, "scene.gltf"), &out))

	doc := decodeGLB(t, out.Bytes())
	require.Len(t, doc.Buffers, 1)
	require.Len(t, doc.BufferViews, 2)
	assert.Equal(t, uint32(0), doc.BufferViews[0].ByteOffset)
	assert.Equal(t, uint32(8), doc.BufferViews[1].ByteOffset, "image view must be 4-byte aligned")
	require.Len(t, doc.Images, 1)
	assert.Empty(t, doc.Images[0].URI)
	assert.Equal(t, "image/png", doc.Images[0].MimeType)
	assert.Equal(t, "root", doc.Nodes[0].Name)
}

func TestGLTFToGLB_RejectsEscapingURI(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scene.gltf"), []byte(`{
		"asset": {"version": "2.0"},
		"images": [{"uri": "../secret.png"}]
	}`), 0o644))

	err := NewConverter(nil).GLTFToGLB(filepath.Join(dir, "scene.gltf"), &bytes.Buffer{})
	assert.Error(t, err)
}

func TestByteLength(t *testing.T) {
	n, err := byteLength(6)
	require.NoError(t, err)
	assert.Equal(t, uint32(6), n)

	limit := uint64(math.MaxUint32)
	n, err = byteLength(int(limit))
	require.NoError(t, err)
	assert.Equal(t, uint32(math.MaxUint32), n)

	_, err = byteLength(int(limit + 1))
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestNormalizeImage(t *testing.T) {
	c := NewConverter(zaptest.NewLogger(t))

	data, size, err := c.NormalizeImage(bytes.NewReader(pngBytes(t, 2048, 1024)))
	require.NoError(t, err)
	assert.Equal(t, image.Pt(1024, 512), size)
	ft, err := DetectBytes(data)
	require.NoError(t, err)
	assert.Equal(t, FileTypePNG, ft)

	_, size, err = c.NormalizeImage(bytes.NewReader(pngBytes(t, 300, 200)))
	require.NoError(t, err)
	assert.Equal(t, image.Pt(300, 200), size)

	_, _, err = c.NormalizeImage(strings.NewReader("not an image"))
	assert.Error(t, err)
}

func TestThumbnail(t *testing.T) {
	data, err := NewConverter(nil).Thumbnail(bytes.NewReader(pngBytes(t, 640, 480)), 128)
	require.NoError(t, err)

	img, err := imaging.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, image.Pt(128, 128), img.Bounds().Size())
}
