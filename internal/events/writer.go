package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	SimulationCreated   = "simulation.created"
	CommutersImported   = "commuters.imported"
	JobsCreated         = "jobs.created"
	JobsReset           = "jobs.reset"
	RoutingStarted      = "routing.started"
	RoutingFinished     = "routing.finished"
	RoutingFailed       = "routing.failed"
	EquilibriumFinished = "equilibrium.finished"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes an event inside tx, or directly when tx is nil.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, simID, entityKind, entityID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	const q = `INSERT INTO events(ts,type,sim_id,entity_kind,entity_id,payload_json) VALUES (?,?,?,?,?,?)`
	args := []any{ts, evtType, nullable(simID), entityKind, nullable(entityID), string(data)}
	if tx != nil {
		_, err = tx.ExecContext(ctx, q, args...)
	} else {
		_, err = w.DB.ExecContext(ctx, q, args...)
	}
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
