// Package tracker submits a unit of work once and follows the resulting job
// until it reaches a terminal state, reporting progress on a channel.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/meshport/meshport/internal/apperr"
	"github.com/meshport/meshport/internal/dto"
	"github.com/meshport/meshport/internal/job"
)

const (
	UploadInterval     = 2 * time.Second
	GenerationInterval = 3 * time.Second

	DefaultFailureReason = "Conversion failed"
)

var (
	// ErrAbandoned marks a job given up on after too many failed polls.
	ErrAbandoned      = errors.New("job abandoned")
	ErrAlreadyStarted = errors.New("tracker already started")
)

type Outcome string

const (
	OutcomeCompleted  Outcome = dto.OutcomeCompleted
	OutcomeProcessing Outcome = dto.OutcomeProcessing
)

// Resource is what a finished unit of work produced. URL is the model
// locator; Detail carries a synchronous result body when there is one.
type Resource struct {
	URL    string
	Detail any
}

// Submission is the result of submitting work: either a finished Resource
// or the ID of a job still being processed.
type Submission struct {
	Outcome  Outcome
	Resource Resource
	JobID    string
}

func Done(r Resource) Submission    { return Submission{Outcome: OutcomeCompleted, Resource: r} }
func Queued(jobID string) Submission { return Submission{Outcome: OutcomeProcessing, JobID: jobID} }

func (s Submission) Validate() error {
	switch s.Outcome {
	case OutcomeCompleted:
		if s.Resource.URL == "" && s.Resource.Detail == nil {
			return apperr.Backend("Server reported completion without a model", http.StatusOK, nil)
		}
	case OutcomeProcessing:
		if s.JobID == "" {
			return apperr.Backend("Server did not return a job ID", http.StatusOK, nil)
		}
	default:
		return apperr.Backend(fmt.Sprintf("Unexpected submission status %q", s.Outcome), http.StatusOK, nil)
	}
	return nil
}

// FromResponse maps an upload or generation envelope onto a Submission.
func FromResponse(resp dto.UploadResponse) (Submission, error) {
	var s Submission
	switch resp.Status {
	case dto.OutcomeCompleted:
		s = Done(Resource{URL: resp.ModelURL})
	case string(job.StatusPending):
		s = Queued(resp.JobID)
	default:
		s = Submission{Outcome: Outcome(resp.Status), JobID: resp.JobID}
	}
	return s, s.Validate()
}

type Submitter func(ctx context.Context) (Submission, error)

type Observer interface {
	Observe(ctx context.Context, jobID string) (job.Snapshot, error)
}

type ObserverFunc func(ctx context.Context, jobID string) (job.Snapshot, error)

func (f ObserverFunc) Observe(ctx context.Context, jobID string) (job.Snapshot, error) {
	return f(ctx, jobID)
}

// Ticker is the subset of *time.Ticker the poll loop uses.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.Ticker.C }

func newTimeTicker(d time.Duration) Ticker { return timeTicker{time.NewTicker(d)} }

type Options struct {
	Interval time.Duration
	// MaxTransportFailures is how many consecutive failed polls are
	// tolerated. Zero means poll forever.
	MaxTransportFailures int
	Logger               *zap.Logger
	NewTicker            func(time.Duration) Ticker
}

type Tracker struct {
	observer Observer
	opts     Options
	logger   *zap.Logger

	started atomic.Bool
	mu      sync.RWMutex
	state   State
	jobID   string
}

func New(observer Observer, opts Options) *Tracker {
	if opts.Interval <= 0 {
		opts.Interval = UploadInterval
	}
	if opts.NewTicker == nil {
		opts.NewTicker = newTimeTicker
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{observer: observer, opts: opts, logger: logger}
}

func (t *Tracker) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// JobID is the handle returned by the submission, empty until then.
func (t *Tracker) JobID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.jobID
}

func (t *Tracker) setState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.IsTerminal() {
		return
	}
	t.state = s
}

// Start runs submit once and, when it queues a job, polls the job every
// Interval. The returned channel carries Progress events followed by
// exactly one terminal event, then closes. When ctx is cancelled the
// channel closes without a terminal event. A Tracker can be started once.
func (t *Tracker) Start(ctx context.Context, submit Submitter) <-chan Event {
	out := make(chan Event)
	if !t.started.CompareAndSwap(false, true) {
		go func() {
			defer close(out)
			t.emit(ctx, out, Error{Err: ErrAlreadyStarted})
		}()
		return out
	}
	go t.run(ctx, submit, out)
	return out
}

func (t *Tracker) run(ctx context.Context, submit Submitter, out chan<- Event) {
	defer close(out)

	t.setState(StateSubmitting)
	sub, err := submit(ctx)
	if ctx.Err() != nil {
		t.setState(StateCancelled)
		return
	}
	if err == nil {
		err = sub.Validate()
	}
	if err != nil {
		t.setState(StateErrored)
		t.emit(ctx, out, Error{Err: err})
		return
	}

	if sub.Outcome == OutcomeCompleted {
		t.setState(StateCompleted)
		t.emit(ctx, out, Completed{Resource: sub.Resource})
		return
	}

	t.mu.Lock()
	t.jobID = sub.JobID
	t.mu.Unlock()
	t.setState(StatePolling)
	t.poll(ctx, sub.JobID, out)
}

// poll observes one snapshot per tick. Observations happen on this
// goroutine only, so a response can never overtake a later one; ticks that
// arrive while a poll is in flight are dropped by the ticker.
func (t *Tracker) poll(ctx context.Context, jobID string, out chan<- Event) {
	ticker := t.opts.NewTicker(t.opts.Interval)
	defer ticker.Stop()

	log := t.logger.With(zap.String("job_id", jobID))
	failures := 0

	for {
		select {
		case <-ctx.Done():
			t.setState(StateCancelled)
			return
		case <-ticker.C():
		}

		snap, err := t.observer.Observe(ctx, jobID)
		if ctx.Err() != nil {
			t.setState(StateCancelled)
			return
		}
		if err == nil {
			if verr := snap.Validate(); verr != nil {
				err = fmt.Errorf("inconsistent snapshot: %w", verr)
			}
		}
		if err != nil {
			failures++
			log.Warn("job status check failed", zap.Int("consecutive_failures", failures), zap.Error(err))
			if t.opts.MaxTransportFailures > 0 && failures > t.opts.MaxTransportFailures {
				t.setState(StateErrored)
				t.emit(ctx, out, Error{Err: abandoned(failures, err)})
				return
			}
			continue
		}
		failures = 0

		switch snap.Status {
		case job.StatusCompleted:
			t.setState(StateCompleted)
			log.Info("job completed", zap.String("model_url", snap.ModelURL))
			t.emit(ctx, out, Completed{Resource: Resource{URL: snap.ModelURL}})
			return
		case job.StatusFailed:
			reason := snap.Error
			if reason == "" {
				reason = DefaultFailureReason
			}
			t.setState(StateFailed)
			log.Info("job failed", zap.String("reason", reason))
			t.emit(ctx, out, Failed{Reason: reason})
			return
		default:
			if !t.emit(ctx, out, Progress{JobID: jobID, Status: snap.Status, Percent: snap.Progress}) {
				t.setState(StateCancelled)
				return
			}
		}
	}
}

func abandoned(failures int, last error) error {
	return apperr.Transport(
		fmt.Sprintf("Lost contact with the server after %d failed status checks", failures),
		errors.Join(ErrAbandoned, last))
}

// emit delivers ev unless ctx is already done.
func (t *Tracker) emit(ctx context.Context, out chan<- Event, ev Event) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
