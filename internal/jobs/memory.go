package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"hiveline/internal/domain"
)

type memKey struct {
	service string
	simID   string
	jobID   string
}

// MemoryLedger is an in-process Ledger for tests and single-process runs.
type MemoryLedger struct {
	Now func() time.Time

	mu    sync.Mutex
	jobs  map[memKey]*domain.Job
	order []memKey
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{Now: time.Now, jobs: map[memKey]*domain.Job{}}
}

func (m *MemoryLedger) now() time.Time {
	if m.Now == nil {
		return time.Now().UTC()
	}
	return m.Now().UTC()
}

func (m *MemoryLedger) CreateJobs(_ context.Context, simID, service string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.jobs == nil {
		m.jobs = map[memKey]*domain.Job{}
	}
	created := m.now()
	for _, id := range uniqueIDs(ids) {
		k := memKey{service, simID, id}
		if _, ok := m.jobs[k]; ok {
			continue
		}
		m.jobs[k] = &domain.Job{Service: service, SimID: simID, JobID: id, Status: domain.JobPending, Created: created}
		m.order = append(m.order, k)
	}
	return nil
}

func (m *MemoryLedger) PopJob(_ context.Context, simID, service string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.order {
		if k.service != service || k.simID != simID {
			continue
		}
		j := m.jobs[k]
		if j == nil || j.Status != domain.JobPending {
			continue
		}
		started := m.now()
		j.Status = domain.JobStarted
		j.Started = &started
		j.Finished = nil
		j.Error = ""
		return j.JobID, true, nil
	}
	return "", false, nil
}

func (m *MemoryLedger) UpdateJob(_ context.Context, simID, service, jobID string, status domain.JobStatus, errText string) error {
	if err := validateResult(status); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[memKey{service, simID, jobID}]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err := ensureTransition(jobID, j.Status, status); err != nil {
		return err
	}
	finished := m.now()
	j.Status = status
	j.Finished = &finished
	if errText != "" {
		j.Error = errText
	}
	return nil
}

func (m *MemoryLedger) GetJob(_ context.Context, simID, service, jobID string) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[memKey{service, simID, jobID}]
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return *j, nil
}

func (m *MemoryLedger) ResetJobs(_ context.Context, simID, service string) (int, error) {
	return m.reset(simID, service, func(*domain.Job) bool { return true }), nil
}

func (m *MemoryLedger) ResetFailedJobs(_ context.Context, simID, service string) (int, error) {
	return m.reset(simID, service, func(j *domain.Job) bool { return j.Status == domain.JobFailed }), nil
}

func (m *MemoryLedger) ResetTimedOutJobs(_ context.Context, simID, service string, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	cutoff := m.now().Add(-ttl)
	return m.reset(simID, service, func(j *domain.Job) bool {
		return j.Status == domain.JobStarted && j.Started != nil && j.Started.Before(cutoff)
	}), nil
}

func (m *MemoryLedger) reset(simID, service string, match func(*domain.Job) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, j := range m.jobs {
		if k.service != service || k.simID != simID || !match(j) {
			continue
		}
		j.Status = domain.JobPending
		j.Started = nil
		j.Finished = nil
		j.Error = ""
		n++
	}
	return n
}

func (m *MemoryLedger) CountJobs(_ context.Context, simID, service string, status *domain.JobStatus) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, j := range m.jobs {
		if k.service != service || k.simID != simID {
			continue
		}
		if status != nil && j.Status != *status {
			continue
		}
		n++
	}
	return n, nil
}

func (m *MemoryLedger) CountByStatus(_ context.Context, simID, service string) (map[domain.JobStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[domain.JobStatus]int{}
	for _, s := range domain.JobStatuses {
		counts[s] = 0
	}
	for k, j := range m.jobs {
		if k.service == service && k.simID == simID {
			counts[j.Status]++
		}
	}
	return counts, nil
}

func (m *MemoryLedger) DeleteJobs(_ context.Context, simID, service string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	kept := m.order[:0]
	for _, k := range m.order {
		if k.service == service && k.simID == simID {
			delete(m.jobs, k)
			n++
			continue
		}
		kept = append(kept, k)
	}
	m.order = kept
	return n, nil
}
