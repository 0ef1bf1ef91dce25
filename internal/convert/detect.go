package convert

import (
	"bytes"
	"errors"
	"io"
)

type FileType string

const (
	FileTypeGLB  FileType = "glb"
	FileTypePNG  FileType = "png"
	FileTypeJPEG FileType = "jpeg"
	FileTypeWebP FileType = "webp"
)

var ErrUnknownType = errors.New("unrecognised file content")

var magicBytes = map[FileType][]byte{
	FileTypeGLB:  []byte("glTF"),
	FileTypePNG:  {0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A},
	FileTypeJPEG: {0xFF, 0xD8, 0xFF},
}

// Detect sniffs the first bytes of r. r is rewound when it is seekable.
func Detect(r io.Reader) (FileType, error) {
	buf := make([]byte, 16)
	n, err := io.ReadFull(r, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", err
	}
	if s, ok := r.(io.Seeker); ok {
		if _, err := s.Seek(0, io.SeekStart); err != nil {
			return "", err
		}
	}
	return DetectBytes(buf[:n])
}

func DetectBytes(b []byte) (FileType, error) {
	for ft, sig := range magicBytes {
		if bytes.HasPrefix(b, sig) {
			return ft, nil
		}
	}
	// RIFF....WEBP
	if len(b) >= 12 && bytes.Equal(b[:4], []byte("RIFF")) && bytes.Equal(b[8:12], []byte("WEBP")) {
		return FileTypeWebP, nil
	}
	return "", ErrUnknownType
}

// MatchesExtension reports whether sniffed content agrees with a lower-case
// file extension. Text formats (gltf, obj, dae...) are not sniffed.
func MatchesExtension(ft FileType, ext string) bool {
	switch ext {
	case "glb":
		return ft == FileTypeGLB
	case "png":
		return ft == FileTypePNG
	case "jpg", "jpeg":
		return ft == FileTypeJPEG
	case "webp":
		return ft == FileTypeWebP
	}
	return true
}
