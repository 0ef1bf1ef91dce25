package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/meshport/meshport/internal/convert"
	"github.com/meshport/meshport/internal/dto"
	"github.com/meshport/meshport/internal/fileclass"
	"github.com/meshport/meshport/internal/job"
	"github.com/meshport/meshport/internal/storage"
)

// maxFormFields bounds the number of parts read from one request.
const maxFormFields = 256

// requestError is a rejected upload with the message the client sees.
type requestError struct {
	status int
	msg    string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &requestError{status: http.StatusBadRequest, msg: fmt.Sprintf(format, args...)}
}

type savedFile struct {
	name string
	size int64
}

// receiveFiles streams the file parts named field into uploads/{id}/ and
// returns the plain form fields alongside. Nothing is buffered in memory.
func (h *Handlers) receiveFiles(w http.ResponseWriter, r *http.Request, id, field string, accept func(string) bool) ([]savedFile, map[string]string, error) {
	limit := h.cfg.MaxUploadSize
	// The whole body may carry several files of up to limit bytes each.
	r.Body = http.MaxBytesReader(w, r.Body, limit*8)

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, nil, badRequest("Expected a multipart form")
	}

	var (
		files  []savedFile
		fields = map[string]string{}
		seen   = map[string]bool{}
	)
	for i := 0; ; i++ {
		if i > maxFormFields {
			return files, fields, badRequest("Too many form parts")
		}
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return files, fields, h.readError(err)
		}

		if p.FileName() == "" {
			v, err := io.ReadAll(io.LimitReader(p, 64<<10))
			p.Close()
			if err != nil {
				return files, fields, h.readError(err)
			}
			fields[p.FormName()] = string(v)
			continue
		}
		if p.FormName() != field {
			p.Close()
			continue
		}

		name := cleanName(p.FileName())
		if name == "" || seen[name] {
			p.Close()
			return files, fields, badRequest("Duplicate or empty file name %q", p.FileName())
		}
		if !accept(name) {
			p.Close()
			return files, fields, badRequest("Unsupported file type: %s", name)
		}
		seen[name] = true

		n, err := h.storePart(p, id, name, limit)
		p.Close()
		if err != nil {
			return files, fields, err
		}
		files = append(files, savedFile{name: name, size: n})
		if h.metrics != nil {
			h.metrics.UploadReceived(n)
		}
	}
	return files, fields, nil
}

// storePart sniffs the first bytes of a binary file before writing it.
func (h *Handlers) storePart(p *multipart.Part, id, name string, limit int64) (int64, error) {
	br := bufio.NewReader(p)
	head, _ := br.Peek(16)
	ft, _ := convert.DetectBytes(head)
	if !convert.MatchesExtension(ft, fileclass.Extension(name)) {
		return 0, badRequest("%s does not look like a .%s file", name, fileclass.Extension(name))
	}

	n, err := h.files.PutStream(storage.NamespaceUploads, path.Join(id, name), br, limit)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) || errors.Is(err, storage.ErrTooLarge) {
			return 0, &requestError{
				status: http.StatusRequestEntityTooLarge,
				msg:    fmt.Sprintf("%s exceeds the %s upload limit", name, fileclass.FormatSize(limit)),
			}
		}
		return 0, err
	}
	return n, nil
}

func (h *Handlers) readError(err error) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return &requestError{status: http.StatusRequestEntityTooLarge, msg: "Upload is too large"}
	}
	return badRequest("Malformed multipart body")
}

// cleanName keeps the base name of a client supplied file name.
func cleanName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(path.Clean("/" + name))
	if name == "/" || name == "." || strings.HasPrefix(name, ".") {
		return ""
	}
	return name
}

func (h *Handlers) respondUploadError(w http.ResponseWriter, r *http.Request, id string, err error, fallback string) {
	_ = h.files.DeleteAll(storage.NamespaceUploads, id)
	h.fail(w, r, err, fallback)
}

// fail answers with the message of a requestError, or logs err and
// answers 500 with fallback.
func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	var re *requestError
	if errors.As(err, &re) {
		writeError(w, r, re.status, re.msg)
		return
	}
	h.logger.Error("request failed", zap.String("trace_id", GetTraceID(r.Context())), zap.Error(err))
	writeError(w, r, http.StatusInternalServerError, fallback)
}

func acceptUpload(name string) bool {
	return fileclass.Classify(name) != fileclass.KindOther || fileclass.IsModelResource(name)
}

// Upload serves POST /upload. A lone .glb needs no conversion and is
// published directly; anything else becomes a conversion job.
func (h *Handlers) Upload(w http.ResponseWriter, r *http.Request) {
	j := job.New(job.KindConversion)

	files, _, err := h.receiveFiles(w, r, j.ID, "files", acceptUpload)
	if err == nil && len(files) == 0 {
		err = badRequest("No files uploaded")
	}
	if err == nil && !anyModel(files) {
		err = badRequest("No 3D model file found. Supported formats: %s",
			strings.Join(fileclass.ModelExtensions(), ", "))
	}
	if err != nil {
		h.respondUploadError(w, r, j.ID, err, "Upload failed. Please try again.")
		return
	}

	if len(files) == 1 && fileclass.Extension(files[0].name) == "glb" {
		h.publishGLB(w, r, j.ID, files[0].name)
		return
	}

	for _, f := range files {
		j.InputFiles = append(j.InputFiles, f.name)
	}
	if err := h.queue(j); err != nil {
		h.respondUploadError(w, r, j.ID, err, "Upload failed. Please try again.")
		return
	}
	writeJSON(w, http.StatusAccepted, queuedResponse(j, "/api/jobs/"))
}

func (h *Handlers) publishGLB(w http.ResponseWriter, r *http.Request, id, name string) {
	src := path.Join(id, name)
	data, err := h.files.Get(storage.NamespaceUploads, src)
	if err == nil {
		err = h.files.Put(storage.NamespaceModels, id+".glb", data)
	}
	_ = h.files.DeleteAll(storage.NamespaceUploads, id)
	if err != nil {
		h.respondUploadError(w, r, id, err, "Upload failed. Please try again.")
		return
	}
	h.logger.Info("model published", zap.String("model", id+".glb"), zap.String("source", name))
	writeJSON(w, http.StatusOK, dto.UploadResponse{
		Success:  true,
		Status:   dto.OutcomeCompleted,
		ModelURL: "/models/" + id + ".glb",
		Message:  "Upload complete",
	})
}

func anyModel(files []savedFile) bool {
	for _, f := range files {
		if fileclass.IsModel(f.name) {
			return true
		}
	}
	return false
}

// GenerateFromImage serves POST /tripo/generate-from-image.
func (h *Handlers) GenerateFromImage(w http.ResponseWriter, r *http.Request) {
	j := job.New(job.KindTripoImage)

	files, fields, err := h.receiveFiles(w, r, j.ID, "image", fileclass.IsImage)
	if err == nil && len(files) != 1 {
		err = badRequest("Please upload exactly one image")
	}
	if err == nil {
		j.Options, err = decodeOptions(fields["options"])
	}
	if err != nil {
		h.respondUploadError(w, r, j.ID, err, "Generation failed")
		return
	}

	j.InputFiles = []string{files[0].name}
	if err := h.queue(j); err != nil {
		h.respondUploadError(w, r, j.ID, err, "Generation failed")
		return
	}
	writeJSON(w, http.StatusAccepted, queuedResponse(j, "/api/tripo/status/"))
}

// decodeOptions validates generation options and keeps them as a plain
// map for the job record.
func decodeOptions(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var opts dto.GenerationOptions
	if err := json.Unmarshal([]byte(raw), &opts); err != nil {
		return nil, badRequest("Invalid options: %v", err)
	}
	return optionsMap(&opts)
}

func optionsMap(opts *dto.GenerationOptions) (map[string]any, error) {
	if opts == nil {
		return nil, nil
	}
	if err := opts.Validate(); err != nil {
		return nil, badRequest("%s", err.Error())
	}
	raw, err := json.Marshal(opts)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}
