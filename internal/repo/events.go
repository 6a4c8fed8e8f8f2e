package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"hiveline/internal/domain"
)

// LatestEvents returns events newest first. A positive cursor only returns
// events older than that id.
func (r Repo) LatestEvents(ctx context.Context, limit int, cursor int64, simID, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if simID != "" {
		clauses = append(clauses, "sim_id=?")
		args = append(args, simID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,sim_id,entity_kind,entity_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var sim, entity sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &sim, &e.EntityKind, &entity, &e.Payload); err != nil {
			return nil, err
		}
		e.SimID = sim.String
		e.EntityID = entity.String
		res = append(res, e)
	}
	return res, rows.Err()
}
