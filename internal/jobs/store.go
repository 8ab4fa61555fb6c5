package jobs

import (
	"fmt"
	"sync"
	"time"

	"github.com/fmueller/voxd/internal/transcript"
)

// Store is the authoritative in-memory record of batch jobs. All access goes
// through its methods.
type Store struct {
	mu    sync.RWMutex
	jobs  map[string]*Job
	order []string
}

func NewStore() *Store {
	return &Store{jobs: make(map[string]*Job)}
}

func (s *Store) Add(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	stored := job.clone()
	s.jobs[job.ID] = &stored
	s.order = append(s.order, job.ID)
	return nil
}

func (s *Store) Get(id string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return job.clone(), nil
}

// List returns all jobs in submission order.
func (s *Store) List() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Job, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.jobs[id].clone())
	}
	return out
}

// remove forgets a job that was never accepted.
func (s *Store) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return
	}
	delete(s.jobs, id)
	for i, candidate := range s.order {
		if candidate == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *Store) MarkRunning(id string, now time.Time) (Job, error) {
	return s.transition(id, StatusRunning, func(j *Job) {
		j.StartedAt = &now
	})
}

func (s *Store) Complete(id string, result transcript.Result, now time.Time) (Job, error) {
	return s.transition(id, StatusCompleted, func(j *Job) {
		j.Result = &result
		j.FinishedAt = &now
	})
}

func (s *Store) Fail(id string, errText string, now time.Time) (Job, error) {
	return s.transition(id, StatusFailed, func(j *Job) {
		j.Error = errText
		j.FinishedAt = &now
	})
}

func (s *Store) transition(id string, to Status, apply func(*Job)) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !isValidTransition(job.Status, to) {
		return Job{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, to)
	}

	job.Status = to
	apply(job)
	return job.clone(), nil
}

// Counts returns the number of jobs per status.
func (s *Store) Counts() map[Status]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := map[Status]int{}
	for _, job := range s.jobs {
		counts[job.Status]++
	}
	return counts
}
