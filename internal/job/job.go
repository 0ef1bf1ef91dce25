package job

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

type Kind string

const (
	KindConversion Kind = "conversion"
	KindTripoText  Kind = "tripo_text"
	KindTripoImage Kind = "tripo_image"
)

var (
	ErrNotFound = errors.New("job not found")
	ErrTerminal = errors.New("job already in a terminal state")
)

// Snapshot is one read of a job's state as seen by a client.
type Snapshot struct {
	ID       string `json:"jobId"`
	Kind     Kind   `json:"type,omitempty"`
	Status   Status `json:"status"`
	Progress int    `json:"progress"`
	ModelURL string `json:"modelUrl,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Validate checks that exactly one of ModelURL and Error is set once the
// job is terminal, and neither before.
func (s Snapshot) Validate() error {
	switch s.Status {
	case StatusPending, StatusProcessing:
		if s.ModelURL != "" || s.Error != "" {
			return fmt.Errorf("job %s is %s but carries a terminal payload", s.ID, s.Status)
		}
	case StatusCompleted:
		if s.ModelURL == "" {
			return fmt.Errorf("job %s completed without a model url", s.ID)
		}
		if s.Error != "" {
			return fmt.Errorf("job %s completed with an error", s.ID)
		}
	case StatusFailed:
		if s.ModelURL != "" {
			return fmt.Errorf("job %s failed with a model url", s.ID)
		}
	default:
		return fmt.Errorf("job %s has unknown status %q", s.ID, s.Status)
	}
	return nil
}

type Job struct {
	ID          string         `json:"id"`
	Kind        Kind           `json:"kind"`
	Status      Status         `json:"status"`
	Progress    int            `json:"progress"`
	ModelURL    string         `json:"model_url,omitempty"`
	Error       string         `json:"error,omitempty"`
	Prompt      string         `json:"prompt,omitempty"`
	InputFiles  []string       `json:"input_files,omitempty"`
	Options     map[string]any `json:"options,omitempty"`
	// Owner is the backend instance holding the job's files. Only that
	// instance claims it; an empty owner lets any instance run it.
	Owner       string         `json:"owner,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

func New(kind Kind) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (j *Job) Snapshot() Snapshot {
	s := Snapshot{
		ID:       j.ID,
		Kind:     j.Kind,
		Status:   j.Status,
		Progress: j.Progress,
	}
	switch j.Status {
	case StatusCompleted:
		s.ModelURL = j.ModelURL
	case StatusFailed:
		s.Error = j.Error
		if s.Error == "" {
			s.Error = "Conversion failed"
		}
	}
	return s
}

func (j *Job) clone() *Job {
	cp := *j
	cp.InputFiles = append([]string(nil), j.InputFiles...)
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// advance applies a non-terminal progress update.
func (j *Job) advance(status Status, progress int) error {
	if j.Status.IsTerminal() {
		return fmt.Errorf("%s: %w", j.ID, ErrTerminal)
	}
	if status.IsTerminal() || !status.Valid() {
		return fmt.Errorf("invalid progress status %q", status)
	}
	j.Status = status
	j.Progress = clampProgress(progress)
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (j *Job) complete(modelURL string) error {
	if j.Status.IsTerminal() {
		return fmt.Errorf("%s: %w", j.ID, ErrTerminal)
	}
	if modelURL == "" {
		return fmt.Errorf("complete %s: model url required", j.ID)
	}
	now := time.Now().UTC()
	j.Status = StatusCompleted
	j.Progress = 100
	j.ModelURL = modelURL
	j.UpdatedAt = now
	j.CompletedAt = &now
	return nil
}

func (j *Job) fail(errMsg string) error {
	if j.Status.IsTerminal() {
		return fmt.Errorf("%s: %w", j.ID, ErrTerminal)
	}
	now := time.Now().UTC()
	j.Status = StatusFailed
	j.Error = errMsg
	j.UpdatedAt = now
	j.CompletedAt = &now
	return nil
}

func (j *Job) claimableBy(owner string) bool {
	return j.Status == StatusPending && (j.Owner == "" || j.Owner == owner)
}

func (j *Job) claim(owner string) {
	j.Status = StatusProcessing
	j.Owner = owner
	j.UpdatedAt = time.Now().UTC()
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

type Store struct {
	mu    sync.RWMutex
	jobs  map[string]*Job
	order []string // FIFO order
}

func NewStore() *Store {
	return &Store{
		jobs:  make(map[string]*Job),
		order: make([]string, 0),
	}
}

func (s *Store) Add(j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; !ok {
		s.order = append(s.order, j.ID)
	}
	s.jobs[j.ID] = j.clone()
	return nil
}

func (s *Store) Get(id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return j.clone(), nil
}

func (s *Store) ListPending() ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var pending []*Job
	for _, id := range s.order {
		if j := s.jobs[id]; j.Status == StatusPending {
			pending = append(pending, j.clone())
		}
	}
	return pending, nil
}

// Claim moves the oldest pending job owner may run to processing and
// returns it.
func (s *Store) Claim(owner string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		if j := s.jobs[id]; j.claimableBy(owner) {
			j.claim(owner)
			return j.clone()
		}
	}
	return nil
}

func (s *Store) List(limit, offset int, status string) ([]*Job, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var filtered []*Job
	for _, id := range s.order {
		j := s.jobs[id]
		if status == "" || string(j.Status) == status {
			filtered = append(filtered, j.clone())
		}
	}
	return page(filtered, limit, offset)
}

func (s *Store) SetProgress(id string, status Status, progress int) error {
	return s.mutate(id, func(j *Job) error { return j.advance(status, progress) })
}

func (s *Store) Complete(id string, modelURL string) error {
	return s.mutate(id, func(j *Job) error { return j.complete(modelURL) })
}

func (s *Store) Fail(id string, errMsg string) error {
	return s.mutate(id, func(j *Job) error { return j.fail(errMsg) })
}

func (s *Store) mutate(id string, fn func(*Job) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return fn(j)
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st Stats
	for _, j := range s.jobs {
		st.count(j.Status)
	}
	return st
}

type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

func (st *Stats) count(s Status) {
	switch s {
	case StatusPending:
		st.Pending++
	case StatusProcessing:
		st.Processing++
	case StatusCompleted:
		st.Completed++
	case StatusFailed:
		st.Failed++
	}
}

func page(all []*Job, limit, offset int) ([]*Job, int) {
	total := len(all)
	if offset >= total {
		return []*Job{}, total
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total
}
