package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"hiveline/internal/domain"
)

// UpsertDelayProfiles replaces the stored profile of every given operator.
func (r Repo) UpsertDelayProfiles(ctx context.Context, profiles domain.DelayProfiles) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for name, p := range profiles {
		doc, err := json.Marshal(p)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO delay_profiles(operator,doc_json) VALUES (?,?)
			ON CONFLICT(operator) DO UPDATE SET doc_json=excluded.doc_json`, name, string(doc)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r Repo) LoadDelayProfiles(ctx context.Context) (domain.DelayProfiles, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT operator,doc_json FROM delay_profiles`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []domain.DelayProfile
	for rows.Next() {
		var name, doc string
		if err := rows.Scan(&name, &doc); err != nil {
			return nil, err
		}
		var p domain.DelayProfile
		if err := json.Unmarshal([]byte(doc), &p); err != nil {
			return nil, fmt.Errorf("delay profile %s: %w", name, err)
		}
		list = append(list, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return domain.NewDelayProfiles(list)
}

// UpsertEdges stores street edges of a simulation under their undirected key.
func (r Repo) UpsertEdges(ctx context.Context, simID string, edges []domain.Edge) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO street_edges(sim_id,node_a,node_b,lanes,length_m) VALUES (?,?,?,?,?)
		ON CONFLICT(sim_id,node_a,node_b) DO UPDATE SET lanes=excluded.lanes, length_m=excluded.length_m`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, e := range edges {
		k := e.Key()
		if _, err := stmt.ExecContext(ctx, simID, k.A, k.B, e.Lanes, e.Length); err != nil {
			return fmt.Errorf("insert edge %d-%d: %w", k.A, k.B, err)
		}
	}
	return tx.Commit()
}

func (r Repo) LoadEdges(ctx context.Context, simID string) ([]domain.Edge, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT node_a,node_b,lanes,length_m FROM street_edges WHERE sim_id=?`, simID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var edges []domain.Edge
	for rows.Next() {
		var e domain.Edge
		if err := rows.Scan(&e.From, &e.To, &e.Lanes, &e.Length); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}
