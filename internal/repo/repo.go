package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"hiveline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r Repo) exec(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.DB
}

func scanSimulation(scan func(dest ...any) error) (domain.Simulation, error) {
	var s domain.Simulation
	var meta string
	if err := scan(&s.ID, &s.Place, &s.TargetDate, &s.Status, &meta, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s, ErrNotFound
		}
		return s, err
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &s.Meta); err != nil {
			return s, fmt.Errorf("simulation %s meta: %w", s.ID, err)
		}
	}
	return s, nil
}

const simulationColumns = `id,place,target_date,status,meta_json,created_at,updated_at`

// UpsertSimulation inserts a simulation or updates its place, date and meta.
func (r Repo) UpsertSimulation(ctx context.Context, s domain.Simulation) error {
	meta, err := json.Marshal(s.Meta)
	if err != nil {
		return err
	}
	if s.Meta == nil {
		meta = []byte("{}")
	}
	if s.Status == "" {
		s.Status = domain.SimCreated
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO simulations(`+simulationColumns+`) VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET place=excluded.place, target_date=excluded.target_date, meta_json=excluded.meta_json, updated_at=excluded.updated_at`,
		s.ID, s.Place, s.TargetDate, s.Status, string(meta), s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) GetSimulation(ctx context.Context, id string) (domain.Simulation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+simulationColumns+` FROM simulations WHERE id=?`, id)
	return scanSimulation(row.Scan)
}

func (r Repo) ListSimulations(ctx context.Context) ([]domain.Simulation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+simulationColumns+` FROM simulations ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Simulation
	for rows.Next() {
		s, err := scanSimulation(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// SingleSimulation returns the only simulation of the workspace.
func (r Repo) SingleSimulation(ctx context.Context) (domain.Simulation, error) {
	sims, err := r.ListSimulations(ctx)
	if err != nil {
		return domain.Simulation{}, err
	}
	if len(sims) == 0 {
		return domain.Simulation{}, ErrNotFound
	}
	if len(sims) > 1 {
		return domain.Simulation{}, fmt.Errorf("multiple simulations exist; specify --sim")
	}
	return sims[0], nil
}

// SetSimulationStatus updates the status, inside tx when one is given.
func (r Repo) SetSimulationStatus(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := r.exec(tx).ExecContext(ctx, `UPDATE simulations SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteSimulation(ctx context.Context, id string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, table := range []string{"commuters", "route_results", "street_edges", "equilibrium_runs", "jobs"} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE sim_id=?`, table), id); err != nil {
			return err
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM simulations WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}
