package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/meshport/meshport/internal/apperr"
	"github.com/meshport/meshport/internal/dto"
	"github.com/meshport/meshport/internal/entry"
	"github.com/meshport/meshport/internal/job"
)

func memFile(name, content string) *entry.File {
	return &entry.File{
		Name: name,
		Path: name,
		Size: int64(len(content)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(content)), nil
		},
	}
}

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := New(Options{BaseURL: srv.URL + "/api", Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestResolveBase(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"", "http://localhost:3001/api"},
		{"/api", "http://localhost:3001/api"},
		{"api/", "http://localhost:3001/api"},
		{"https://models.example.com/v1/", "https://models.example.com/v1"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			u, err := ResolveBase(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, u.String())
		})
	}

	_, err := ResolveBase("ftp://example.com")
	assert.True(t, apperr.IsValidation(err))
}

func TestModelAndResolveURL(t *testing.T) {
	c, err := New(Options{BaseURL: "http://localhost:3001/api"})
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:3001/api/models/abc.glb", c.ModelURL("abc.glb"))
	assert.Equal(t, "http://localhost:3001/api/models/abc.glb", c.ResolveURL("/models/abc.glb"))
	assert.Equal(t, "https://cdn.example.com/a.glb", c.ResolveURL("https://cdn.example.com/a.glb"))
}

func TestUpload(t *testing.T) {
	var gotNames []string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/upload", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		for _, fh := range r.MultipartForm.File["files"] {
			gotNames = append(gotNames, fh.Filename)
		}
		writeJSON(w, http.StatusOK, dto.UploadResponse{
			Success: true, Status: dto.OutcomeProcessing, JobID: "job-1",
		})
	}))

	var progress []int
	resp, err := c.Upload(context.Background(),
		[]*entry.File{memFile("scene.gltf", `{"asset":{}}`), memFile("albedo.png", "png-bytes")},
		func(p int) { progress = append(progress, p) })
	require.NoError(t, err)

	assert.Equal(t, "job-1", resp.JobID)
	assert.Equal(t, []string{"scene.gltf", "albedo.png"}, gotNames)
	require.NotEmpty(t, progress)
	assert.Equal(t, 100, progress[len(progress)-1])
	for i := 1; i < len(progress); i++ {
		assert.Greater(t, progress[i], progress[i-1])
	}
}

func TestUpload_ValidationSkipsNetwork(t *testing.T) {
	called := false
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	_, err := c.Upload(context.Background(), nil, nil)
	assert.True(t, apperr.IsValidation(err))

	_, err = c.Upload(context.Background(), []*entry.File{memFile("notes.txt", "x")}, nil)
	assert.True(t, apperr.IsValidation(err))
	assert.Contains(t, apperr.Message(err), "No 3D model found")

	assert.False(t, called)
}

func TestUpload_FileTooLarge(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	t.Cleanup(srv.Close)

	c, err := New(Options{BaseURL: srv.URL + "/api", MaxFileSize: 4})
	require.NoError(t, err)

	_, err = c.Upload(context.Background(), []*entry.File{memFile("scene.glb", "glTF-too-big")}, nil)
	require.Error(t, err)
	assert.True(t, apperr.IsValidation(err))
	assert.Equal(t, "File size (12 Bytes) exceeds maximum allowed size (4 Bytes)", apperr.Message(err))

	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "scene.glb", ae.Field)

	_, err = c.GenerateFromImage(context.Background(), memFile("photo.png", "png-bytes"), nil, nil)
	assert.True(t, apperr.IsValidation(err))
	assert.False(t, called)
}

func TestUpload_BackendErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    any
		wantMsg string
	}{
		{"error status with message", http.StatusBadRequest, dto.ErrorResponse{Error: "Unsupported file type"}, "Unsupported file type"},
		{"error status without body", http.StatusInternalServerError, nil, msgUploadFailed},
		{"success false", http.StatusOK, dto.UploadResponse{Success: false, Error: "Disk full"}, "Disk full"},
		{"success false no message", http.StatusOK, dto.UploadResponse{}, msgUploadFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				io.Copy(io.Discard, r.Body)
				if tt.body == nil {
					w.WriteHeader(tt.status)
					return
				}
				writeJSON(w, tt.status, tt.body)
			}))

			_, err := c.Upload(context.Background(), []*entry.File{memFile("a.glb", "glTF")}, nil)
			require.Error(t, err)
			assert.True(t, apperr.IsBackend(err))
			assert.Equal(t, tt.wantMsg, apperr.Message(err))
		})
	}
}

func TestJobStatus_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL + "/api"
	srv.Close()

	c, err := New(Options{BaseURL: base})
	require.NoError(t, err)

	_, err = c.JobStatus(context.Background(), "abc")
	require.Error(t, err)
	assert.True(t, apperr.IsTransport(err))
	assert.Equal(t, msgJobStatusFailed, apperr.Message(err))
}

func TestJobStatus(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/jobs/abc", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true, "jobId": "abc", "status": "processing", "progress": 40,
		})
	}))

	snap, err := c.JobStatus(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, job.Snapshot{ID: "abc", Status: job.StatusProcessing, Progress: 40}, snap)
}

func TestGenerateFromText(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tripo/generate-from-text", r.URL.Path)
		var req dto.GenerateFromTextRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "a red chair", req.Prompt)
		require.NotNil(t, req.Options)
		assert.Equal(t, "v2.5-20250123", req.Options.ModelVersion)
		writeJSON(w, http.StatusOK, dto.UploadResponse{Success: true, Status: dto.OutcomeProcessing, JobID: "t-1"})
	}))

	resp, err := c.GenerateFromText(context.Background(), "a red chair",
		&dto.GenerationOptions{ModelVersion: "v2.5-20250123"})
	require.NoError(t, err)
	assert.Equal(t, "t-1", resp.JobID)

	_, err = c.GenerateFromText(context.Background(), "  ", nil)
	assert.True(t, apperr.IsValidation(err))
}

func TestGenerateFromImage(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		require.Len(t, r.MultipartForm.File["image"], 1)
		assert.Equal(t, "photo.png", r.MultipartForm.File["image"][0].Filename)

		var opts dto.GenerationOptions
		require.NoError(t, json.Unmarshal([]byte(r.FormValue("options")), &opts))
		require.NotNil(t, opts.FaceLimit)
		assert.Equal(t, 4000, *opts.FaceLimit)

		writeJSON(w, http.StatusOK, dto.UploadResponse{Success: true, Status: dto.OutcomeProcessing, JobID: "abc"})
	}))

	limit := 4000
	resp, err := c.GenerateFromImage(context.Background(), memFile("photo.png", "png"),
		&dto.GenerationOptions{FaceLimit: &limit}, nil)
	require.NoError(t, err)
	assert.Equal(t, "abc", resp.JobID)

	_, err = c.GenerateFromImage(context.Background(), memFile("photo.gif", "gif"), nil, nil)
	assert.True(t, apperr.IsValidation(err))
}

func TestGenerateHome(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/home/generate", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"id":      "h1",
			"plan2D":  "/models/h1.svg",
			"data": map[string]any{
				"rooms":     []map[string]any{{"id": "living_room_1", "type": "living_room"}, {"id": "bedroom_1", "type": "bedroom"}},
				"furniture": []map[string]any{{"furnitureType": "sofa"}, {"furnitureType": "chair"}, {"furnitureType": "cupboard"}},
			},
		})
	}))

	resp, err := c.GenerateHome(context.Background(), "2BHK apartment with open kitchen")
	require.NoError(t, err)
	assert.Len(t, resp.Data.Rooms, 2)
	assert.Len(t, resp.Data.Furniture, 3)

	_, err = c.GenerateHome(context.Background(), "")
	assert.True(t, apperr.IsValidation(err))
}

func TestHealth(t *testing.T) {
	ok := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, dto.HealthResponse{Success: true})
	}))
	assert.True(t, ok.Health(context.Background()))

	down := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	assert.False(t, down.Health(context.Background()))
}

func TestRequestCanceled(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, dto.JobStatusResponse{Success: true})
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.JobStatus(ctx, "abc")
	assert.True(t, errors.Is(err, context.Canceled))
	assert.True(t, IsCanceled(err))
	assert.False(t, apperr.IsTransport(err))
}

func TestWatchJob(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/ws/jobs/abc", r.URL.Path)
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		for _, s := range []job.Snapshot{
			{ID: "abc", Status: job.StatusProcessing, Progress: 40},
			{ID: "abc", Status: job.StatusCompleted, Progress: 100, ModelURL: "/models/abc.glb"},
		} {
			s := s
			if err := wsjson.Write(r.Context(), conn, WatchMessage{Type: WatchTypeSnapshot, Job: &s}); err != nil {
				return
			}
		}
		// Wait for the client to hang up after the terminal snapshot.
		conn.Read(r.Context())
	}))

	snaps, err := c.WatchJob(context.Background(), "abc")
	require.NoError(t, err)

	var got []job.Snapshot
	for s := range snaps {
		got = append(got, s)
	}
	require.Len(t, got, 2)
	assert.Equal(t, 40, got[0].Progress)
	assert.Equal(t, "/models/abc.glb", got[1].ModelURL)
}
