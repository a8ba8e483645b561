package cron

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/pith-agent/pith/internal/config"
	. "github.com/pith-agent/pith/internal/logging"
)

// Store manages cron job persistence in a JSON file.
type Store struct {
	path string
	mu   sync.RWMutex
	jobs map[string]*Job // keyed by job ID
}

// NewStore creates a new cron store backed by the given file path.
func NewStore(path string) *Store {
	return &Store{
		path: path,
		jobs: make(map[string]*Job),
	}
}

// Path returns the jobs file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads jobs from the JSON file. A missing file means no jobs.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			L_debug("cron: jobs file not found, starting empty", "path", s.path)
			s.jobs = make(map[string]*Job)
			return nil
		}
		return fmt.Errorf("failed to read jobs file: %w", err)
	}

	var file StoreFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse jobs file: %w", err)
	}

	s.jobs = make(map[string]*Job, len(file.Jobs))
	for _, job := range file.Jobs {
		if job.ID == "" {
			continue
		}
		s.jobs[job.ID] = job
	}

	L_info("cron: loaded jobs", "count", len(s.jobs), "path", s.path)
	return nil
}

// Save writes jobs to the JSON file atomically.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	file := StoreFile{
		Version: 1,
		Jobs:    s.sortedLocked(),
	}
	if err := config.AtomicWriteJSON(s.path, file, 0640); err != nil {
		return fmt.Errorf("failed to write jobs file: %w", err)
	}
	return nil
}

// Add inserts a job, assigning an ID if it has none, and saves.
func (s *Store) Add(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	s.jobs[job.ID] = job
	return s.saveLocked()
}

// Remove deletes a job by ID and saves.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("unknown job: %s", id)
	}
	delete(s.jobs, id)
	return s.saveLocked()
}

// Get returns a job by ID.
func (s *Store) Get(id string) (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	return j, ok
}

// Update persists changes made to a job already in the store.
func (s *Store) Update(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return s.saveLocked()
}

// List returns all jobs ordered by creation time.
func (s *Store) List() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLocked()
}

func (s *Store) sortedLocked() []*Job {
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAtMs != out[b].CreatedAtMs {
			return out[a].CreatedAtMs < out[b].CreatedAtMs
		}
		return out[a].ID < out[b].ID
	})
	return out
}
