package tracker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/meshport/meshport/internal/apperr"
	"github.com/meshport/meshport/internal/dto"
	"github.com/meshport/meshport/internal/home"
	"github.com/meshport/meshport/internal/job"
)

type fakeTicker struct {
	ch      chan time.Time
	stopped atomic.Int32
}

func (f *fakeTicker) C() <-chan time.Time { return f.ch }
func (f *fakeTicker) Stop()               { f.stopped.Add(1) }

// tickers records every ticker the tracker creates so tests can drive ticks
// by hand.
type tickers struct {
	mu  sync.Mutex
	all []*fakeTicker
	new chan *fakeTicker
}

func newTickers() *tickers {
	return &tickers{new: make(chan *fakeTicker, 1)}
}

func (ts *tickers) factory(time.Duration) Ticker {
	ft := &fakeTicker{ch: make(chan time.Time)}
	ts.mu.Lock()
	ts.all = append(ts.all, ft)
	ts.mu.Unlock()
	ts.new <- ft
	return ft
}

func (ts *tickers) count() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.all)
}

func (ts *tickers) await(t *testing.T) *fakeTicker {
	t.Helper()
	select {
	case ft := <-ts.new:
		return ft
	case <-time.After(2 * time.Second):
		t.Fatal("ticker was never created")
		return nil
	}
}

type result struct {
	snap job.Snapshot
	err  error
}

// scriptedObserver answers each Observe with the next scripted result.
type scriptedObserver struct {
	mu     sync.Mutex
	script []result
	calls  int
}

func (o *scriptedObserver) Observe(ctx context.Context, jobID string) (job.Snapshot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r := o.script[o.calls]
	o.calls++
	return r.snap, r.err
}

func (o *scriptedObserver) Calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

func recv(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("event channel closed early")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func requireClosed(t *testing.T, events <-chan Event) {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.False(t, ok, "unexpected event %#v", ev)
	case <-time.After(2 * time.Second):
		t.Fatal("event channel was not closed")
	}
}

func tick(t *testing.T, ft *fakeTicker) {
	t.Helper()
	select {
	case ft.ch <- time.Now():
	case <-time.After(2 * time.Second):
		t.Fatal("poll loop did not take the tick")
	}
}

func newTracker(t *testing.T, obs Observer, ts *tickers, maxFailures int) *Tracker {
	return New(obs, Options{
		Interval:             GenerationInterval,
		MaxTransportFailures: maxFailures,
		Logger:               zaptest.NewLogger(t),
		NewTicker:            ts.factory,
	})
}

func TestSynchronousCompletionStartsNoTicker(t *testing.T) {
	ts := newTickers()
	obs := &scriptedObserver{}
	tr := newTracker(t, obs, ts, 0)

	events := tr.Start(context.Background(), func(ctx context.Context) (Submission, error) {
		return Done(Resource{URL: "/models/chair.glb"}), nil
	})

	ev := recv(t, events)
	assert.Equal(t, Completed{Resource: Resource{URL: "/models/chair.glb"}}, ev)
	requireClosed(t, events)

	assert.Equal(t, 0, ts.count())
	assert.Equal(t, 0, obs.Calls())
	assert.Equal(t, StateCompleted, tr.State())
}

func TestHomeGenerationScenario(t *testing.T) {
	ts := newTickers()
	tr := newTracker(t, &scriptedObserver{}, ts, 0)

	resp := home.GenerationResponse{
		Success: true,
		ID:      "h1",
		Data: home.FloorPlan{
			Rooms: []home.Room{
				{ID: "living_room_1", Type: home.RoomLiving},
				{ID: "bedroom_1", Type: home.RoomBedroom},
			},
			Furniture: []home.FurniturePlacement{
				{FurnitureType: home.FurnitureSofa},
				{FurnitureType: home.FurnitureChair},
				{FurnitureType: home.FurnitureCupboard},
			},
		},
	}
	events := tr.Start(context.Background(), func(ctx context.Context) (Submission, error) {
		return Done(Resource{URL: resp.Model3D, Detail: resp}), nil
	})

	var got []Event
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 1)
	done, ok := got[0].(Completed)
	require.True(t, ok)
	plan := done.Resource.Detail.(home.GenerationResponse)
	assert.Len(t, plan.Data.Rooms, 2)
	assert.Len(t, plan.Data.Furniture, 3)
	assert.Equal(t, 0, ts.count())
}

func TestImageGenerationScenario(t *testing.T) {
	ts := newTickers()
	obs := &scriptedObserver{script: []result{
		{snap: job.Snapshot{ID: "abc", Status: job.StatusProcessing, Progress: 40}},
		{snap: job.Snapshot{ID: "abc", Status: job.StatusCompleted, Progress: 100, ModelURL: "/models/abc.glb"}},
	}}
	tr := newTracker(t, obs, ts, 0)

	events := tr.Start(context.Background(), func(ctx context.Context) (Submission, error) {
		return FromResponse(dto.UploadResponse{Success: true, Status: dto.OutcomeProcessing, JobID: "abc"})
	})

	ft := ts.await(t)
	assert.Equal(t, StatePolling, tr.State())
	assert.Equal(t, "abc", tr.JobID())

	tick(t, ft)
	assert.Equal(t, Progress{JobID: "abc", Status: job.StatusProcessing, Percent: 40}, recv(t, events))

	tick(t, ft)
	assert.Equal(t, Completed{Resource: Resource{URL: "/models/abc.glb"}}, recv(t, events))
	requireClosed(t, events)

	assert.Equal(t, int32(1), ft.stopped.Load())
	assert.Equal(t, 2, obs.Calls())
	assert.Equal(t, 1, ts.count())
}

func TestBackendFailureIsReportedOnce(t *testing.T) {
	ts := newTickers()
	obs := &scriptedObserver{script: []result{
		{snap: job.Snapshot{ID: "j", Status: job.StatusFailed, Error: "Unsupported mesh"}},
	}}
	tr := newTracker(t, obs, ts, 0)

	events := tr.Start(context.Background(), func(ctx context.Context) (Submission, error) {
		return Queued("j"), nil
	})
	ft := ts.await(t)
	tick(t, ft)

	assert.Equal(t, Failed{Reason: "Unsupported mesh"}, recv(t, events))
	requireClosed(t, events)
	assert.Equal(t, StateFailed, tr.State())
	assert.Equal(t, int32(1), ft.stopped.Load())
}

func TestTransportFailureIsSwallowed(t *testing.T) {
	ts := newTickers()
	netErr := apperr.Transport("Failed to get job status", errors.New("connection refused"))
	obs := &scriptedObserver{script: []result{
		{err: netErr},
		{err: netErr},
		{snap: job.Snapshot{ID: "j", Status: job.StatusCompleted, ModelURL: "/models/j.glb"}},
	}}
	tr := newTracker(t, obs, ts, 0)

	events := tr.Start(context.Background(), func(ctx context.Context) (Submission, error) {
		return Queued("j"), nil
	})
	ft := ts.await(t)
	tick(t, ft)
	tick(t, ft)
	tick(t, ft)

	assert.Equal(t, Completed{Resource: Resource{URL: "/models/j.glb"}}, recv(t, events))
	requireClosed(t, events)
}

func TestInconsistentSnapshotIsRetried(t *testing.T) {
	ts := newTickers()
	obs := &scriptedObserver{script: []result{
		{snap: job.Snapshot{ID: "j", Status: job.StatusCompleted}},
		{snap: job.Snapshot{ID: "j", Status: job.StatusCompleted, ModelURL: "/models/j.glb"}},
	}}
	tr := newTracker(t, obs, ts, 0)

	events := tr.Start(context.Background(), func(ctx context.Context) (Submission, error) {
		return Queued("j"), nil
	})
	ft := ts.await(t)
	tick(t, ft)
	tick(t, ft)

	assert.Equal(t, Completed{Resource: Resource{URL: "/models/j.glb"}}, recv(t, events))
	requireClosed(t, events)
}

func TestAbandonAfterMaxTransportFailures(t *testing.T) {
	ts := newTickers()
	netErr := apperr.Transport("Failed to get job status", errors.New("timeout"))
	obs := &scriptedObserver{script: []result{{err: netErr}, {err: netErr}, {err: netErr}}}
	tr := newTracker(t, obs, ts, 2)

	events := tr.Start(context.Background(), func(ctx context.Context) (Submission, error) {
		return Queued("j"), nil
	})
	ft := ts.await(t)
	tick(t, ft)
	tick(t, ft)
	tick(t, ft)

	ev := recv(t, events)
	errEv, ok := ev.(Error)
	require.True(t, ok, "expected Error, got %#v", ev)
	assert.ErrorIs(t, errEv.Err, ErrAbandoned)
	assert.True(t, apperr.IsTransport(errEv.Err))
	assert.Contains(t, apperr.Message(errEv.Err), "3 failed status checks")
	requireClosed(t, events)

	assert.Equal(t, StateErrored, tr.State())
	assert.Equal(t, int32(1), ft.stopped.Load())
}

func TestCancelWhilePolling(t *testing.T) {
	ts := newTickers()
	obs := &scriptedObserver{script: []result{
		{snap: job.Snapshot{ID: "j", Status: job.StatusPending}},
		{snap: job.Snapshot{ID: "j", Status: job.StatusCompleted, ModelURL: "/models/j.glb"}},
	}}
	tr := newTracker(t, obs, ts, 0)

	ctx, cancel := context.WithCancel(context.Background())
	events := tr.Start(ctx, func(ctx context.Context) (Submission, error) {
		return Queued("j"), nil
	})
	ft := ts.await(t)
	tick(t, ft)
	assert.Equal(t, Progress{JobID: "j", Status: job.StatusPending}, recv(t, events))

	cancel()
	requireClosed(t, events)

	assert.Equal(t, StateCancelled, tr.State())
	assert.Equal(t, int32(1), ft.stopped.Load())
	assert.Equal(t, 1, obs.Calls())
}

func TestCancelDuringSubmission(t *testing.T) {
	ts := newTickers()
	tr := newTracker(t, &scriptedObserver{}, ts, 0)

	ctx, cancel := context.WithCancel(context.Background())
	events := tr.Start(ctx, func(ctx context.Context) (Submission, error) {
		cancel()
		return Queued("j"), nil
	})
	requireClosed(t, events)
	assert.Equal(t, 0, ts.count())
	assert.Equal(t, StateCancelled, tr.State())
}

func TestSubmissionErrors(t *testing.T) {
	tests := []struct {
		name   string
		submit Submitter
		check  func(t *testing.T, err error)
	}{
		{
			name: "backend rejects",
			submit: func(ctx context.Context) (Submission, error) {
				return Submission{}, apperr.Backend("Unsupported file type", 400, nil)
			},
			check: func(t *testing.T, err error) {
				assert.True(t, apperr.IsBackend(err))
				assert.Equal(t, "Unsupported file type", apperr.Message(err))
			},
		},
		{
			name: "processing without job id",
			submit: func(ctx context.Context) (Submission, error) {
				return FromResponse(dto.UploadResponse{Success: true, Status: dto.OutcomeProcessing})
			},
			check: func(t *testing.T, err error) {
				assert.True(t, apperr.IsBackend(err))
			},
		},
		{
			name: "unknown outcome",
			submit: func(ctx context.Context) (Submission, error) {
				return Submission{Outcome: "queued", JobID: "x"}, nil
			},
			check: func(t *testing.T, err error) {
				assert.True(t, apperr.IsBackend(err))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTickers()
			tr := newTracker(t, &scriptedObserver{}, ts, 0)

			events := tr.Start(context.Background(), tt.submit)
			ev := recv(t, events)
			errEv, ok := ev.(Error)
			require.True(t, ok)
			tt.check(t, errEv.Err)
			requireClosed(t, events)
			assert.Equal(t, 0, ts.count())
			assert.Equal(t, StateErrored, tr.State())
		})
	}
}

func TestStartTwice(t *testing.T) {
	ts := newTickers()
	tr := newTracker(t, &scriptedObserver{}, ts, 0)
	submit := func(ctx context.Context) (Submission, error) {
		return Done(Resource{URL: "/models/a.glb"}), nil
	}

	for range tr.Start(context.Background(), submit) {
	}
	ev := recv(t, tr.Start(context.Background(), submit))
	assert.Equal(t, Error{Err: ErrAlreadyStarted}, ev)
}

func TestFromResponse(t *testing.T) {
	s, err := FromResponse(dto.UploadResponse{Success: true, Status: dto.OutcomeCompleted, ModelURL: "/models/a.glb"})
	require.NoError(t, err)
	assert.Equal(t, Done(Resource{URL: "/models/a.glb"}), s)

	_, err = FromResponse(dto.UploadResponse{Success: true, Status: dto.OutcomeCompleted})
	assert.Error(t, err)

	s, err = FromResponse(dto.UploadResponse{Success: true, Status: "pending", JobID: "j"})
	require.NoError(t, err)
	assert.Equal(t, Queued("j"), s)
}

// Whatever mix of progress snapshots and failed polls precedes the terminal
// snapshot, the stream holds exactly one terminal event, it is last, and it
// is Failed only when the backend said so.
func TestPollingProperties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 12).Draw(rt, "steps")
		var script []result
		for i := 0; i < n; i++ {
			if rapid.Bool().Draw(rt, "transport_error") {
				script = append(script, result{err: apperr.Transport("down", errors.New("eof"))})
				continue
			}
			script = append(script, result{snap: job.Snapshot{
				ID:       "j",
				Status:   rapid.SampledFrom([]job.Status{job.StatusPending, job.StatusProcessing}).Draw(rt, "status"),
				Progress: rapid.IntRange(0, 99).Draw(rt, "progress"),
			}})
		}
		backendFailed := rapid.Bool().Draw(rt, "backend_failed")
		terminal := job.Snapshot{ID: "j", Status: job.StatusCompleted, ModelURL: "/models/j.glb"}
		if backendFailed {
			terminal = job.Snapshot{ID: "j", Status: job.StatusFailed, Error: "boom"}
		}
		script = append(script, result{snap: terminal})

		ts := newTickers()
		tr := New(&scriptedObserver{script: script}, Options{NewTicker: ts.factory})
		events := tr.Start(context.Background(), func(ctx context.Context) (Submission, error) {
			return Queued("j"), nil
		})

		var ft *fakeTicker
		select {
		case ft = <-ts.new:
		case <-time.After(2 * time.Second):
			rt.Fatal("no ticker")
		}

		var got []Event
		done := make(chan struct{})
		go func() {
			for ev := range events {
				got = append(got, ev)
			}
			close(done)
		}()
		for range script {
			select {
			case ft.ch <- time.Now():
			case <-time.After(2 * time.Second):
				rt.Fatal("tick not taken")
			}
		}
		<-done

		terminals := 0
		for i, ev := range got {
			if IsTerminal(ev) {
				terminals++
				if i != len(got)-1 {
					rt.Fatalf("terminal event %#v is not last", ev)
				}
			}
			if _, failed := ev.(Failed); failed && !backendFailed {
				rt.Fatalf("Failed emitted without a backend failure")
			}
		}
		if terminals != 1 {
			rt.Fatalf("expected one terminal event, got %d", terminals)
		}
		if ft.stopped.Load() != 1 {
			rt.Fatalf("ticker stopped %d times", ft.stopped.Load())
		}
	})
}
