package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/meshport/meshport/internal/api"
	"github.com/meshport/meshport/internal/apperr"
	"github.com/meshport/meshport/internal/config"
	"github.com/meshport/meshport/internal/convert"
	"github.com/meshport/meshport/internal/job"
	"github.com/meshport/meshport/internal/storage"
	"github.com/meshport/meshport/internal/worker"
	"github.com/meshport/meshport/internal/ws"
)

func startBackend(t *testing.T) string {
	t.Helper()
	logger := zaptest.NewLogger(t)
	files, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)
	jobs := job.NewStore()
	hub := ws.NewHub(logger)
	conv := convert.NewConverter(logger)

	proc := worker.New(worker.Config{Workers: 1, PollInterval: 10 * time.Millisecond}, jobs, files, conv, logger)
	proc.SetPublisher(hub)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = proc.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	srv := httptest.NewServer(api.NewRouter(api.Deps{
		Config:    &config.Config{JobStore: config.JobStoreMemory, WorkerCount: 1, MaxUploadSize: 1 << 20},
		Jobs:      jobs,
		Files:     files,
		Converter: conv,
		Notifier:  proc,
		Hub:       hub,
		Logger:    logger,
	}))
	t.Cleanup(srv.Close)
	return srv.URL + "/api"
}

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("MESHPORT_POLL_INTERVAL", "20ms")

	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), errOut.String(), err
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, data, 0644))
	return p
}

func TestHealthCommand(t *testing.T) {
	base := startBackend(t)
	out, _, err := runCLI(t, "health", "--api-url", base)
	require.NoError(t, err)
	assert.Contains(t, out, "is healthy")

	_, _, err = runCLI(t, "health", "--api-url", "http://127.0.0.1:1/api")
	assert.ErrorContains(t, err, "is not healthy")
}

func TestUploadCommand_Directory(t *testing.T) {
	base := startBackend(t)
	dir := t.TempDir()
	writeFile(t, dir, "chair/scene.gltf", []byte(`{"asset":{"version":"2.0"},"nodes":[{"name":"chair"}]}`))
	writeFile(t, dir, "chair/.DS_Store", []byte("junk"))

	out, stderr, err := runCLI(t, "upload", "--api-url", base, filepath.Join(dir, "chair"))
	require.NoError(t, err, stderr)
	assert.True(t, strings.HasPrefix(strings.TrimSpace(out), base+"/models/"), out)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(out), ".glb"), out)
	assert.Contains(t, stderr, "uploading 100%")
	assert.Contains(t, stderr, "viewing /models/")
	assert.NotContains(t, stderr, ".DS_Store")
}

func TestUploadCommand_NoModel(t *testing.T) {
	base := startBackend(t)
	img := writeFile(t, t.TempDir(), "albedo.png", []byte("png"))

	_, _, err := runCLI(t, "upload", "--api-url", base, img)
	require.Error(t, err)
	assert.True(t, apperr.IsValidation(err))
	assert.Contains(t, apperr.Message(err), "No 3D model found")
}

func TestUploadCommand_FailedConversion(t *testing.T) {
	base := startBackend(t)
	obj := writeFile(t, t.TempDir(), "mesh.obj", []byte("v 0 0 0\n"))

	_, stderr, err := runCLI(t, "upload", "--api-url", base, obj)
	assert.EqualError(t, err, "No converter available for .obj files")
	assert.Contains(t, stderr, "idle: No converter available for .obj files")
}

func TestGenerateTextCommand(t *testing.T) {
	base := startBackend(t)
	out, stderr, err := runCLI(t, "generate", "text", "--api-url", base, "--face-limit", "4000", "a", "wooden", "stool")
	require.NoError(t, err, stderr)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(out), ".glb"))
	assert.Contains(t, stderr, "generating (submitting)")
}

func TestGenerateTextCommand_InvalidOptions(t *testing.T) {
	base := startBackend(t)
	_, _, err := runCLI(t, "generate", "text", "--api-url", base, "--quad", "--face-limit", "10", "box")
	require.Error(t, err)
	assert.True(t, apperr.IsValidation(err))
}

func TestUploadCommand_BackendUnreachable(t *testing.T) {
	glb := writeFile(t, t.TempDir(), "box.glb", []byte("glTF"))

	_, stderr, err := runCLI(t, "upload", "--api-url", "http://127.0.0.1:1/api", glb)
	require.Error(t, err)
	assert.True(t, apperr.IsTransport(err), "got %#v", err)
	assert.Contains(t, stderr, "idle: ")
}

func TestGenerateImageCommand_MissingFile(t *testing.T) {
	base := startBackend(t)
	out, stderr, err := runCLI(t, "generate", "image", "--api-url", base, "missing.png")
	require.Error(t, err)
	assert.Empty(t, out, stderr)
}

func TestHomeCommand(t *testing.T) {
	base := startBackend(t)
	out, stderr, err := runCLI(t, "home", "--api-url", base, "3BHK", "with", "an", "office")
	require.NoError(t, err, stderr)
	assert.Contains(t, out, "bedroom_3")
	assert.Contains(t, out, "office")
	assert.Contains(t, out, "plan:      "+base+"/models/")
	assert.Contains(t, out, "_furnished.glb")
}

func TestStatusCommand_UnknownJob(t *testing.T) {
	base := startBackend(t)
	_, _, err := runCLI(t, "status", "--api-url", base, "nope")
	require.Error(t, err)
	assert.Equal(t, "Job not found", apperr.Message(err))
}

func TestWatchCommand(t *testing.T) {
	base := startBackend(t)
	out, _, err := runCLI(t, "generate", "text", "--api-url", base, "lamp")
	require.NoError(t, err)
	id := strings.TrimSuffix(filepath.Base(strings.TrimSpace(out)), ".glb")

	out, _, err = runCLI(t, "watch", "--api-url", base, id)
	require.NoError(t, err)
	assert.Contains(t, out, `"status":"completed"`)
	assert.Contains(t, out, base+"/models/"+id+".glb")
}

func TestProfileFlagRequired(t *testing.T) {
	_, _, err := runCLI(t, "health", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read profile")
}
