package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"hiveline/internal/domain"
)

const runColumns = `id,sim_id,iterations,converged,modal_share,history_json,stats_json,created_at`

func (r Repo) InsertEquilibriumRun(ctx context.Context, tx *sql.Tx, run domain.EquilibriumRun) error {
	history, err := json.Marshal(run.History)
	if err != nil {
		return err
	}
	stats, err := json.Marshal(run.Stats)
	if err != nil {
		return err
	}
	_, err = r.exec(tx).ExecContext(ctx, `INSERT INTO equilibrium_runs(`+runColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		run.ID, run.SimID, run.Iterations, run.Converged, run.ModalShare, string(history), string(stats), run.CreatedAt)
	return err
}

func scanRun(scan func(dest ...any) error) (domain.EquilibriumRun, error) {
	var run domain.EquilibriumRun
	var history, stats string
	if err := scan(&run.ID, &run.SimID, &run.Iterations, &run.Converged, &run.ModalShare, &history, &stats, &run.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return run, ErrNotFound
		}
		return run, err
	}
	if err := json.Unmarshal([]byte(history), &run.History); err != nil {
		return run, err
	}
	if err := json.Unmarshal([]byte(stats), &run.Stats); err != nil {
		return run, err
	}
	return run, nil
}

func (r Repo) LatestEquilibriumRun(ctx context.Context, simID string) (domain.EquilibriumRun, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM equilibrium_runs WHERE sim_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1`, simID)
	return scanRun(row.Scan)
}

func (r Repo) ListEquilibriumRuns(ctx context.Context, simID string) ([]domain.EquilibriumRun, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+runColumns+` FROM equilibrium_runs WHERE sim_id=? ORDER BY created_at DESC, rowid DESC`, simID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EquilibriumRun
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}
