package ws

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meshport/meshport/internal/job"
)

// watcherBuffer is how many snapshots may queue for a slow watcher before
// the oldest are dropped. Only the latest state matters to a watcher.
const watcherBuffer = 8

type Stats struct {
	Watchers int `json:"watchers"`
	Jobs     int `json:"jobs"`
}

// Watcher is one open stream for a job.
type Watcher struct {
	ID    string
	JobID string
	C     chan job.Snapshot
}

// Hub fans published snapshots out to the watchers of each job.
type Hub struct {
	mu       sync.RWMutex
	watchers map[string]map[string]*Watcher // job id → watcher id
	logger   *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		watchers: make(map[string]map[string]*Watcher),
		logger:   logger.With(zap.String("component", "hub")),
	}
}

func (h *Hub) Add(jobID string) *Watcher {
	w := &Watcher{ID: uuid.NewString(), JobID: jobID, C: make(chan job.Snapshot, watcherBuffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.watchers[jobID]
	if !ok {
		set = make(map[string]*Watcher)
		h.watchers[jobID] = set
	}
	set[w.ID] = w
	h.logger.Debug("watcher connected", zap.String("job_id", jobID), zap.Int("job_watchers", len(set)))
	return w
}

func (h *Hub) Remove(w *Watcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.watchers[w.JobID]
	delete(set, w.ID)
	if len(set) == 0 {
		delete(h.watchers, w.JobID)
	}
	h.logger.Debug("watcher disconnected", zap.String("job_id", w.JobID))
}

// Publish delivers s to every watcher of its job without blocking.
func (h *Hub) Publish(s job.Snapshot) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, w := range h.watchers[s.ID] {
		for {
			select {
			case w.C <- s:
			default:
				select {
				case <-w.C:
				default:
				}
				continue
			}
			break
		}
	}
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st := Stats{Jobs: len(h.watchers)}
	for _, set := range h.watchers {
		st.Watchers += len(set)
	}
	return st
}
