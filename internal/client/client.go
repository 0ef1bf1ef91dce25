// Package client wraps the meshport backend REST contract.
//
// Every method converts failures into the apperr taxonomy: network problems
// become transport errors, error statuses and success:false envelopes become
// backend errors carrying the server's message.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/meshport/meshport/internal/apperr"
	"github.com/meshport/meshport/internal/dto"
	"github.com/meshport/meshport/internal/home"
	"github.com/meshport/meshport/internal/job"
)

const (
	DefaultBaseURL = "/api"
	// DefaultOrigin is where a relative base URL points, the backend's
	// development port.
	DefaultOrigin  = "http://localhost:3001"
	DefaultTimeout = 300 * time.Second
	// DefaultMaxFileSize caps every file sent in a multipart request.
	DefaultMaxFileSize int64 = 100 << 20

	healthTimeout = 5 * time.Second
)

// Default messages used when the backend does not supply one.
const (
	msgUploadFailed     = "Upload failed. Please try again."
	msgJobStatusFailed  = "Failed to get job status"
	msgGenerationFailed = "Generation failed"
	msgHomeFailed       = "Home generation failed"
)

type Options struct {
	BaseURL string
	Timeout time.Duration
	// MaxFileSize defaults to DefaultMaxFileSize; a negative value turns
	// the check off.
	MaxFileSize int64
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

type Client struct {
	base        *url.URL
	http        *http.Client
	maxFileSize int64
	logger      *zap.Logger
}

func New(opts Options) (*Client, error) {
	base, err := ResolveBase(opts.BaseURL)
	if err != nil {
		return nil, err
	}

	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	maxFileSize := opts.MaxFileSize
	if maxFileSize == 0 {
		maxFileSize = DefaultMaxFileSize
	}

	return &Client{base: base, http: hc, maxFileSize: maxFileSize, logger: logger}, nil
}

// ResolveBase parses raw and anchors a relative path such as "/api" at
// DefaultOrigin.
func ResolveBase(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = DefaultBaseURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, apperr.Validation(fmt.Sprintf("invalid API base URL %q", raw), err)
	}
	if !u.IsAbs() {
		origin, _ := url.Parse(DefaultOrigin)
		u = origin.ResolveReference(&url.URL{Path: "/" + strings.TrimPrefix(u.Path, "/")})
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, apperr.Validation(fmt.Sprintf("unsupported API base URL scheme %q", u.Scheme), nil)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u, nil
}

func (c *Client) BaseURL() string {
	return c.base.String()
}

func (c *Client) endpoint(elem ...string) string {
	return c.base.JoinPath(elem...).String()
}

// ModelURL returns the download locator of a stored model file.
func (c *Client) ModelURL(filename string) string {
	return c.endpoint("models", filename)
}

// ResolveURL turns a locator returned by the backend into an absolute URL.
// Root-relative locators such as "/models/x.glb" are served under the API base.
func (c *Client) ResolveURL(ref string) string {
	u, err := url.Parse(ref)
	if err != nil || u.IsAbs() {
		return ref
	}
	if strings.HasPrefix(ref, "/") {
		return c.base.String() + ref
	}
	return c.endpoint(ref)
}

// JobStatus fetches one snapshot of a conversion job.
func (c *Client) JobStatus(ctx context.Context, id string) (job.Snapshot, error) {
	return c.status(ctx, c.endpoint("jobs", id), msgJobStatusFailed)
}

// TripoStatus fetches one snapshot of a generation job.
func (c *Client) TripoStatus(ctx context.Context, id string) (job.Snapshot, error) {
	return c.status(ctx, c.endpoint("tripo", "status", id), msgJobStatusFailed)
}

func (c *Client) status(ctx context.Context, u, fallback string) (job.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return job.Snapshot{}, apperr.Transport(fallback, err)
	}
	var resp dto.JobStatusResponse
	if err := c.do(req, &resp, fallback); err != nil {
		return job.Snapshot{}, err
	}
	if !resp.Success {
		return job.Snapshot{}, apperr.Backend(firstNonEmpty(resp.Error, resp.Message, fallback), http.StatusOK, nil)
	}
	return resp.Snapshot, nil
}

// GenerateFromText queues a text-to-3D job.
func (c *Client) GenerateFromText(ctx context.Context, prompt string, opts *dto.GenerationOptions) (dto.UploadResponse, error) {
	if strings.TrimSpace(prompt) == "" {
		return dto.UploadResponse{}, apperr.Validation("Please enter a prompt", nil).WithField("prompt")
	}
	if err := opts.Validate(); err != nil {
		return dto.UploadResponse{}, apperr.Validation(err.Error(), err).WithField("options")
	}

	body, err := json.Marshal(dto.GenerateFromTextRequest{Prompt: prompt, Options: opts})
	if err != nil {
		return dto.UploadResponse{}, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint("tripo", "generate-from-text"), bytes.NewReader(body))
	if err != nil {
		return dto.UploadResponse{}, apperr.Transport(msgGenerationFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.submit(req, msgGenerationFailed)
}

// GenerateHome asks the backend to plan a home. The call is synchronous.
func (c *Client) GenerateHome(ctx context.Context, prompt string) (home.GenerationResponse, error) {
	if strings.TrimSpace(prompt) == "" {
		return home.GenerationResponse{}, apperr.Validation("Please describe the home you want to generate", nil).WithField("prompt")
	}

	body, err := json.Marshal(dto.HomeGenerateRequest{Prompt: prompt})
	if err != nil {
		return home.GenerationResponse{}, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("home", "generate"), bytes.NewReader(body))
	if err != nil {
		return home.GenerationResponse{}, apperr.Transport(msgHomeFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	var resp home.GenerationResponse
	if err := c.do(req, &resp, msgHomeFailed); err != nil {
		return home.GenerationResponse{}, err
	}
	if !resp.Success {
		return home.GenerationResponse{}, apperr.Backend(firstNonEmpty(resp.Error, msgHomeFailed), http.StatusOK, nil)
	}
	return resp, nil
}

// Health reports whether the backend answered GET /health with success.
func (c *Client) Health(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("health"), nil)
	if err != nil {
		return false
	}
	var resp dto.HealthResponse
	if err := c.do(req, &resp, "health check failed"); err != nil {
		c.logger.Debug("health check failed", zap.Error(err))
		return false
	}
	return resp.Success
}

// submit sends a request answered with the upload envelope and checks that
// the envelope is a usable submission outcome.
func (c *Client) submit(req *http.Request, fallback string) (dto.UploadResponse, error) {
	var resp dto.UploadResponse
	if err := c.do(req, &resp, fallback); err != nil {
		return dto.UploadResponse{}, err
	}
	if !resp.Success {
		return dto.UploadResponse{}, apperr.Backend(firstNonEmpty(resp.Error, resp.Message, fallback), http.StatusOK, nil)
	}
	c.logger.Debug("submission accepted",
		zap.String("status", resp.Status),
		zap.String("job_id", resp.JobID))
	return resp, nil
}

// do executes req and decodes the JSON body into out. HTTP error statuses
// are turned into backend errors using the envelope's error field when the
// body carries one.
func (c *Client) do(req *http.Request, out any, fallback string) error {
	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return ctxErr
		}
		return apperr.Transport(fallback, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return apperr.Transport(fallback, err)
	}

	if res.StatusCode >= http.StatusBadRequest {
		var env dto.ErrorResponse
		_ = json.Unmarshal(data, &env)
		c.logger.Debug("backend error",
			zap.String("url", req.URL.String()),
			zap.Int("status", res.StatusCode),
			zap.String("error", env.Error))
		return apperr.Backend(firstNonEmpty(env.Error, fallback), res.StatusCode,
			fmt.Errorf("%s %s: %s", req.Method, req.URL.Path, res.Status))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return apperr.Backend(fallback, res.StatusCode, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// IsCanceled reports whether err stems from the caller abandoning the call.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
