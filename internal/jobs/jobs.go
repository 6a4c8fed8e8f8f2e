package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hiveline/internal/domain"
)

// DefaultLeaseTTL is how long a started job is presumed alive.
const DefaultLeaseTTL = 5 * time.Minute

var ErrJobNotFound = errors.New("job not found")

// Ledger is the persistent job store shared by every worker of a simulation run.
// PopJob must be atomic in the datastore; no in-process lock is relied upon.
type Ledger interface {
	CreateJobs(ctx context.Context, simID, service string, ids []string) error
	PopJob(ctx context.Context, simID, service string) (string, bool, error)
	UpdateJob(ctx context.Context, simID, service, jobID string, status domain.JobStatus, errText string) error
	GetJob(ctx context.Context, simID, service, jobID string) (domain.Job, error)
	ResetJobs(ctx context.Context, simID, service string) (int, error)
	ResetFailedJobs(ctx context.Context, simID, service string) (int, error)
	ResetTimedOutJobs(ctx context.Context, simID, service string, ttl time.Duration) (int, error)
	CountJobs(ctx context.Context, simID, service string, status *domain.JobStatus) (int, error)
	CountByStatus(ctx context.Context, simID, service string) (map[domain.JobStatus]int, error)
	DeleteJobs(ctx context.Context, simID, service string) (int, error)
}

// TransitionError reports an illegal job status change.
type TransitionError struct {
	JobID string
	From  domain.JobStatus
	To    domain.JobStatus
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("job %s: invalid transition %s -> %s", e.JobID, e.From, e.To)
}

// ensureTransition allows the worker-driven transitions only. Resets bypass it.
func ensureTransition(jobID string, from, to domain.JobStatus) error {
	switch {
	case from == domain.JobPending && to == domain.JobStarted:
		return nil
	case from == domain.JobStarted && (to == domain.JobFinished || to == domain.JobFailed):
		return nil
	}
	return TransitionError{JobID: jobID, From: from, To: to}
}

func validateResult(status domain.JobStatus) error {
	if status != domain.JobFinished && status != domain.JobFailed {
		return fmt.Errorf("invalid job result status %q", status)
	}
	return nil
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
