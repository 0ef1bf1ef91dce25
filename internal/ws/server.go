// Package ws streams job snapshots to websocket clients.
package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/meshport/meshport/internal/job"
)

const (
	DefaultPollInterval = time.Second
	writeTimeout        = 5 * time.Second
)

// Recorder counts open streams.
type Recorder interface {
	WatcherConnected()
	WatcherDisconnected()
}

type Server struct {
	store    job.JobStore
	hub      *Hub
	recorder Recorder
	logger   *zap.Logger
	// PollInterval re-reads the store so updates made by another backend
	// process still reach the stream.
	PollInterval time.Duration
}

func NewServer(store job.JobStore, hub *Hub, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		store:        store,
		hub:          hub,
		logger:       logger.With(zap.String("component", "ws")),
		PollInterval: DefaultPollInterval,
	}
}

func (s *Server) SetRecorder(r Recorder) { s.recorder = r }

// ServeJob upgrades the request and streams the job's snapshots until it
// is terminal or the client goes away.
func (s *Server) ServeJob(w http.ResponseWriter, r *http.Request, id string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	log := s.logger.With(zap.String("job_id", id))

	// The client never sends; CloseRead handles its close frame.
	ctx := conn.CloseRead(r.Context())

	current, err := s.store.Get(id)
	if err != nil {
		msg := "Failed to get job status"
		if errors.Is(err, job.ErrNotFound) {
			msg = "Job not found"
		}
		_ = s.write(ctx, conn, errorMessage(msg))
		return
	}

	if s.recorder != nil {
		s.recorder.WatcherConnected()
	}
	watcher := s.hub.Add(id)
	var once sync.Once
	release := func() {
		once.Do(func() {
			s.hub.Remove(watcher)
			if s.recorder != nil {
				s.recorder.WatcherDisconnected()
			}
		})
	}
	defer release()

	var last *job.Snapshot
	send := func(snap job.Snapshot) (done bool, err error) {
		if last != nil && !newer(*last, snap) {
			return false, nil
		}
		if err := s.write(ctx, conn, snapshotMessage(snap)); err != nil {
			return true, err
		}
		last = &snap
		return snap.Status.IsTerminal(), nil
	}

	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()

	snap := current.Snapshot()
	for {
		done, err := send(snap)
		if err != nil {
			if ctx.Err() == nil {
				log.Debug("job stream write failed", zap.Error(err))
			}
			return
		}
		if done {
			// The close handshake waits on the client; the watcher is
			// not needed for it.
			release()
			conn.Close(websocket.StatusNormalClosure, "job finished")
			return
		}

		select {
		case <-ctx.Done():
			return
		case snap = <-watcher.C:
		case <-ticker.C:
			j, err := s.store.Get(id)
			if err != nil {
				log.Warn("job disappeared while watched", zap.Error(err))
				_ = s.write(ctx, conn, errorMessage("Job not found"))
				return
			}
			snap = j.Snapshot()
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}

// newer reports whether next moves the job forward from prev. Snapshots
// reach a stream from both the hub and the store, so a late one may be
// older than what was already sent.
func newer(prev, next job.Snapshot) bool {
	if prev.Status.IsTerminal() {
		return false
	}
	pr, nr := rank(prev.Status), rank(next.Status)
	if nr != pr {
		return nr > pr
	}
	return next.Progress > prev.Progress
}

func rank(s job.Status) int {
	switch s {
	case job.StatusPending:
		return 0
	case job.StatusProcessing:
		return 1
	default:
		return 2
	}
}
