package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"hiveline/internal/domain"
)

// InsertCommuters stores commuters in one transaction, replacing existing ones.
func (r Repo) InsertCommuters(ctx context.Context, commuters []domain.Commuter) (int, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO commuters(sim_id,vc_id,doc_json) VALUES (?,?,?)
		ON CONFLICT(sim_id,vc_id) DO UPDATE SET doc_json=excluded.doc_json`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()
	for _, c := range commuters {
		if c.SimID == "" || c.VCID == "" {
			return 0, fmt.Errorf("commuter requires sim_id and vc_id")
		}
		doc, err := json.Marshal(c)
		if err != nil {
			return 0, err
		}
		if _, err := stmt.ExecContext(ctx, c.SimID, c.VCID, string(doc)); err != nil {
			return 0, fmt.Errorf("insert commuter %s: %w", c.VCID, err)
		}
	}
	return len(commuters), tx.Commit()
}

func (r Repo) GetCommuter(ctx context.Context, simID, vcID string) (domain.Commuter, error) {
	var doc string
	err := r.DB.QueryRowContext(ctx, `SELECT doc_json FROM commuters WHERE sim_id=? AND vc_id=?`, simID, vcID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Commuter{}, ErrNotFound
	}
	if err != nil {
		return domain.Commuter{}, err
	}
	var c domain.Commuter
	if err := json.Unmarshal([]byte(doc), &c); err != nil {
		return c, fmt.Errorf("commuter %s: %w", vcID, err)
	}
	return c, nil
}

func (r Repo) ListCommuterIDs(ctx context.Context, simID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT vc_id FROM commuters WHERE sim_id=? ORDER BY vc_id`, simID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) CountCommuters(ctx context.Context, simID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM commuters WHERE sim_id=?`, simID).Scan(&n)
	return n, err
}

// UpsertRouteResult stores the routing outcome of one commuter.
func (r Repo) UpsertRouteResult(ctx context.Context, res domain.RouteResult) error {
	doc, err := json.Marshal(res)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO route_results(sim_id,vc_id,created_at,doc_json) VALUES (?,?,?,?)
		ON CONFLICT(sim_id,vc_id) DO UPDATE SET created_at=excluded.created_at, doc_json=excluded.doc_json`,
		res.SimID, res.VCID, res.Created.UTC().Format(time.RFC3339), string(doc))
	return err
}

func (r Repo) GetRouteResult(ctx context.Context, simID, vcID string) (domain.RouteResult, error) {
	var doc string
	err := r.DB.QueryRowContext(ctx, `SELECT doc_json FROM route_results WHERE sim_id=? AND vc_id=?`, simID, vcID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RouteResult{}, ErrNotFound
	}
	if err != nil {
		return domain.RouteResult{}, err
	}
	var res domain.RouteResult
	if err := json.Unmarshal([]byte(doc), &res); err != nil {
		return res, fmt.Errorf("route result %s: %w", vcID, err)
	}
	return res, nil
}

// ListRouteResults returns the results of a simulation ordered by commuter id.
func (r Repo) ListRouteResults(ctx context.Context, simID string) ([]domain.RouteResult, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT vc_id,doc_json FROM route_results WHERE sim_id=? ORDER BY vc_id`, simID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.RouteResult
	for rows.Next() {
		var id, doc string
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, err
		}
		var res domain.RouteResult
		if err := json.Unmarshal([]byte(doc), &res); err != nil {
			return nil, fmt.Errorf("route result %s: %w", id, err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func (r Repo) CountRouteResults(ctx context.Context, simID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM route_results WHERE sim_id=?`, simID).Scan(&n)
	return n, err
}
