package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/meshport/meshport/internal/db"
)

const SystemNamespace = "meshport"

const jobsPrefix = "jobs/"

// PersistentStore keeps jobs in badger so they survive a backend restart.
type PersistentStore struct {
	dbStore *db.Store
	// serialises read-modify-write cycles
	mu sync.Mutex
}

func NewPersistentStore(dbStore *db.Store) *PersistentStore {
	return &PersistentStore{dbStore: dbStore}
}

func (s *PersistentStore) Add(j *Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	if err := s.dbStore.Set(SystemNamespace, jobsPrefix+j.ID, data); err != nil {
		return fmt.Errorf("store job: %w", err)
	}

	return nil
}

func (s *PersistentStore) Get(id string) (*Job, error) {
	data, err := s.dbStore.Get(SystemNamespace, jobsPrefix+id)
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get job: %w", err)
	}

	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}

	return &j, nil
}

func (s *PersistentStore) all() ([]*Job, error) {
	keys, err := s.dbStore.List(SystemNamespace, jobsPrefix, 0)
	if err != nil {
		return nil, err
	}

	var jobs []*Job
	for _, key := range keys {
		jobID := strings.TrimPrefix(key, jobsPrefix)
		if jobID == "" {
			continue
		}
		j, err := s.Get(jobID)
		if err != nil {
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (s *PersistentStore) ListPending() ([]*Job, error) {
	all, err := s.all()
	if err != nil {
		return nil, err
	}

	var pending []*Job
	for _, j := range all {
		if j.Status == StatusPending {
			pending = append(pending, j)
		}
	}

	// Sort by CreatedAt for FIFO order
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	return pending, nil
}

func (s *PersistentStore) Claim(owner string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, err := s.ListPending()
	if err != nil {
		return nil
	}
	for _, j := range pending {
		if !j.claimableBy(owner) {
			continue
		}
		j.claim(owner)
		if err := s.Add(j); err != nil {
			return nil
		}
		return j
	}
	return nil
}

func (s *PersistentStore) List(limit, offset int, status string) ([]*Job, int) {
	all, err := s.all()
	if err != nil {
		return []*Job{}, 0
	}

	var filtered []*Job
	for _, j := range all {
		if status == "" || string(j.Status) == status {
			filtered = append(filtered, j)
		}
	}

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].CreatedAt.After(filtered[j].CreatedAt) // Most recent first
	})

	return page(filtered, limit, offset)
}

func (s *PersistentStore) Stats() Stats {
	var st Stats
	all, err := s.all()
	if err != nil {
		return st
	}
	for _, j := range all {
		st.count(j.Status)
	}
	return st
}

func (s *PersistentStore) SetProgress(id string, status Status, progress int) error {
	return s.mutate(id, func(j *Job) error { return j.advance(status, progress) })
}

func (s *PersistentStore) Complete(id string, modelURL string) error {
	return s.mutate(id, func(j *Job) error { return j.complete(modelURL) })
}

func (s *PersistentStore) Fail(id string, errMsg string) error {
	return s.mutate(id, func(j *Job) error { return j.fail(errMsg) })
}

func (s *PersistentStore) mutate(id string, fn func(*Job) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.Get(id)
	if err != nil {
		return err
	}
	if err := fn(j); err != nil {
		return err
	}
	return s.Add(j)
}
