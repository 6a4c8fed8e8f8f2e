package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"hiveline/internal/domain"
)

// SQLiteLedger keeps jobs in the workspace database.
type SQLiteLedger struct {
	DB  *sql.DB
	Now func() time.Time
}

func NewSQLiteLedger(db *sql.DB) SQLiteLedger {
	return SQLiteLedger{DB: db, Now: time.Now}
}

func (l SQLiteLedger) now() string {
	if l.Now == nil {
		return time.Now().UTC().Format(time.RFC3339)
	}
	return l.Now().UTC().Format(time.RFC3339)
}

func (l SQLiteLedger) CreateJobs(ctx context.Context, simID, service string, ids []string) error {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return nil
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO jobs(service,sim_id,job_id,status,created_at) VALUES (?,?,?,'pending',?)
		ON CONFLICT(service,sim_id,job_id) DO NOTHING`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	created := l.now()
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, service, simID, id, created); err != nil {
			return fmt.Errorf("insert job %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// PopJob claims the oldest pending job with a single UPDATE ... RETURNING statement.
func (l SQLiteLedger) PopJob(ctx context.Context, simID, service string) (string, bool, error) {
	var id string
	err := l.DB.QueryRowContext(ctx, `UPDATE jobs SET status='started', started_at=?, finished_at=NULL, error=NULL
		WHERE rowid = (SELECT rowid FROM jobs WHERE service=? AND sim_id=? AND status='pending' ORDER BY rowid LIMIT 1)
		AND status='pending'
		RETURNING job_id`, l.now(), service, simID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("pop job: %w", err)
	}
	return id, true, nil
}

func (l SQLiteLedger) UpdateJob(ctx context.Context, simID, service, jobID string, status domain.JobStatus, errText string) error {
	if err := validateResult(status); err != nil {
		return err
	}
	res, err := l.DB.ExecContext(ctx, `UPDATE jobs SET status=?, finished_at=?, error=? WHERE service=? AND sim_id=? AND job_id=? AND status='started'`,
		string(status), l.now(), nullable(errText), service, simID, jobID)
	if err != nil {
		return fmt.Errorf("update job %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	current, err := l.GetJob(ctx, simID, service, jobID)
	if err != nil {
		return err
	}
	if err := ensureTransition(jobID, current.Status, status); err != nil {
		return err
	}
	return fmt.Errorf("job %s changed concurrently", jobID)
}

func (l SQLiteLedger) GetJob(ctx context.Context, simID, service, jobID string) (domain.Job, error) {
	var (
		j                 domain.Job
		status, created   string
		started, finished sql.NullString
		errText           sql.NullString
	)
	err := l.DB.QueryRowContext(ctx, `SELECT service,sim_id,job_id,status,created_at,started_at,finished_at,error
		FROM jobs WHERE service=? AND sim_id=? AND job_id=?`, service, simID, jobID).
		Scan(&j.Service, &j.SimID, &j.JobID, &status, &created, &started, &finished, &errText)
	if errors.Is(err, sql.ErrNoRows) {
		return j, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return j, err
	}
	j.Status = domain.JobStatus(status)
	j.Created, _ = time.Parse(time.RFC3339, created)
	j.Started = parseNullTime(started)
	j.Finished = parseNullTime(finished)
	j.Error = errText.String
	return j, nil
}

func (l SQLiteLedger) ResetJobs(ctx context.Context, simID, service string) (int, error) {
	return l.reset(ctx, `service=? AND sim_id=?`, service, simID)
}

func (l SQLiteLedger) ResetFailedJobs(ctx context.Context, simID, service string) (int, error) {
	return l.reset(ctx, `service=? AND sim_id=? AND status='failed'`, service, simID)
}

// ResetTimedOutJobs returns started jobs whose lease expired to pending.
func (l SQLiteLedger) ResetTimedOutJobs(ctx context.Context, simID, service string, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	cutoff := now().UTC().Add(-ttl).Format(time.RFC3339)
	return l.reset(ctx, `service=? AND sim_id=? AND status='started' AND started_at < ?`, service, simID, cutoff)
}

func (l SQLiteLedger) reset(ctx context.Context, where string, args ...any) (int, error) {
	res, err := l.DB.ExecContext(ctx, `UPDATE jobs SET status='pending', error=NULL, started_at=NULL, finished_at=NULL WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("reset jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (l SQLiteLedger) CountJobs(ctx context.Context, simID, service string, status *domain.JobStatus) (int, error) {
	q := `SELECT COUNT(*) FROM jobs WHERE service=? AND sim_id=?`
	args := []any{service, simID}
	if status != nil {
		q += ` AND status=?`
		args = append(args, string(*status))
	}
	var n int
	if err := l.DB.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (l SQLiteLedger) CountByStatus(ctx context.Context, simID, service string) (map[domain.JobStatus]int, error) {
	rows, err := l.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs WHERE service=? AND sim_id=? GROUP BY status`, service, simID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[domain.JobStatus]int{}
	for _, s := range domain.JobStatuses {
		counts[s] = 0
	}
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[domain.JobStatus(s)] = n
	}
	return counts, rows.Err()
}

func (l SQLiteLedger) DeleteJobs(ctx context.Context, simID, service string) (int, error) {
	res, err := l.DB.ExecContext(ctx, `DELETE FROM jobs WHERE service=? AND sim_id=?`, service, simID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
