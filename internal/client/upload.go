package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"

	"go.uber.org/zap"

	"github.com/meshport/meshport/internal/apperr"
	"github.com/meshport/meshport/internal/dto"
	"github.com/meshport/meshport/internal/entry"
	"github.com/meshport/meshport/internal/fileclass"
)

// ProgressFunc receives the upload percentage, 0 to 100.
type ProgressFunc func(percent int)

// Upload sends files as repeated "files" parts to POST /upload.
func (c *Client) Upload(ctx context.Context, files []*entry.File, onProgress ProgressFunc) (dto.UploadResponse, error) {
	if err := entry.SelectUpload(files); err != nil {
		return dto.UploadResponse{}, err
	}

	parts := make([]part, 0, len(files))
	for _, f := range files {
		parts = append(parts, part{field: "files", file: f})
	}
	req, err := c.multipartRequest(ctx, c.endpoint("upload"), parts, nil, onProgress)
	if err != nil {
		return dto.UploadResponse{}, err
	}

	c.logger.Info("uploading files", zap.Int("count", len(files)), zap.Int64("bytes", req.ContentLength))
	return c.submit(req, msgUploadFailed)
}

// GenerateFromImage queues an image-to-3D job. opts travels as a JSON
// string in the "options" field.
func (c *Client) GenerateFromImage(ctx context.Context, image *entry.File, opts *dto.GenerationOptions, onProgress ProgressFunc) (dto.UploadResponse, error) {
	if image == nil {
		return dto.UploadResponse{}, apperr.Validation("Please select an image", nil).WithField("image")
	}
	if !fileclass.IsImage(image.Name) {
		return dto.UploadResponse{}, apperr.Validation("Please select a PNG, JPEG or WebP image", nil).WithField("image")
	}
	if err := opts.Validate(); err != nil {
		return dto.UploadResponse{}, apperr.Validation(err.Error(), err).WithField("options")
	}

	fields := map[string]string{}
	if opts != nil {
		raw, err := json.Marshal(opts)
		if err != nil {
			return dto.UploadResponse{}, fmt.Errorf("marshal options: %w", err)
		}
		fields["options"] = string(raw)
	}

	req, err := c.multipartRequest(ctx, c.endpoint("tripo", "generate-from-image"),
		[]part{{field: "image", file: image}}, fields, onProgress)
	if err != nil {
		return dto.UploadResponse{}, err
	}
	return c.submit(req, msgGenerationFailed)
}

type part struct {
	field string
	file  *entry.File
}

// multipartRequest streams the form through a pipe. The exact body length
// is computed up front by laying out the same form with the file contents
// left out, so the progress percentage is against the real total.
func (c *Client) multipartRequest(ctx context.Context, u string, parts []part, fields map[string]string, onProgress ProgressFunc) (*http.Request, error) {
	for _, p := range parts {
		if p.file.Open == nil {
			return nil, apperr.Validation(fmt.Sprintf("%s cannot be read", p.file.Name), nil).WithField(p.field)
		}
		if c.maxFileSize > 0 {
			if err := fileclass.ValidateSize(p.file.Name, p.file.Size, c.maxFileSize); err != nil {
				return nil, err
			}
		}
	}

	sizer := &countingWriter{}
	mw := multipart.NewWriter(sizer)
	boundary := mw.Boundary()
	if err := writeForm(mw, parts, fields, func(p part, _ io.Writer) error {
		sizer.n += p.file.Size
		return nil
	}); err != nil {
		return nil, err
	}
	total := sizer.n

	pr, pw := io.Pipe()
	go func() {
		mw := multipart.NewWriter(pw)
		_ = mw.SetBoundary(boundary)
		pw.CloseWithError(writeForm(mw, parts, fields, copyFile))
	}()

	var body io.ReadCloser = pr
	if onProgress != nil {
		body = &progressReader{ReadCloser: pr, total: total, report: onProgress, last: -1}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, body)
	if err != nil {
		pr.Close()
		return nil, apperr.Transport(msgUploadFailed, err)
	}
	req.ContentLength = total
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req, nil
}

func writeForm(mw *multipart.Writer, parts []part, fields map[string]string, body func(part, io.Writer) error) error {
	for _, p := range parts {
		w, err := mw.CreateFormFile(p.field, p.file.Name)
		if err != nil {
			return err
		}
		if err := body(p, w); err != nil {
			return err
		}
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}
	return mw.Close()
}

func copyFile(p part, w io.Writer) error {
	rc, err := p.file.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", p.file.Name, err)
	}
	defer rc.Close()

	n, err := io.Copy(w, rc)
	if err != nil {
		return fmt.Errorf("read %s: %w", p.file.Name, err)
	}
	if n != p.file.Size {
		return fmt.Errorf("%s changed size during upload (%d != %d)", p.file.Name, n, p.file.Size)
	}
	return nil
}

type countingWriter struct{ n int64 }

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += int64(len(p))
	return len(p), nil
}

type progressReader struct {
	io.ReadCloser
	total  int64
	loaded int64
	last   int
	report ProgressFunc
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	r.loaded += int64(n)
	if r.total > 0 {
		pct := int(math.Round(float64(r.loaded) * 100 / float64(r.total)))
		if pct > 100 {
			pct = 100
		}
		if pct != r.last {
			r.last = pct
			r.report(pct)
		}
	}
	return n, err
}
