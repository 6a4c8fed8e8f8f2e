package server

import (
	"encoding/json"

	"hiveline/internal/domain"
)

// Request payloads

type ResetJobsRequest struct {
	Scope string `json:"scope,omitempty" enum:"all,failed,timed_out" default:"all"`
}

// Response payloads

type SimulationResponse struct {
	ID         string         `json:"id"`
	Place      string         `json:"place"`
	TargetDate string         `json:"target_date"`
	Status     string         `json:"status" enum:"created,routing,routed,failed,analyzed"`
	Meta       map[string]any `json:"meta,omitempty"`
	CreatedAt  string         `json:"created_at" format:"date-time"`
	UpdatedAt  string         `json:"updated_at" format:"date-time"`
}

type SimulationStatusResponse struct {
	Simulation SimulationResponse `json:"simulation"`
	Commuters  int                `json:"commuters"`
	Results    int                `json:"results"`
	JobCounts  map[string]int     `json:"job_counts"`
}

type ResetJobsResponse struct {
	Scope string `json:"scope"`
	Reset int    `json:"reset"`
}

type EquilibriumRunResponse struct {
	ID         string             `json:"id"`
	SimID      string             `json:"sim_id"`
	Iterations int                `json:"iterations"`
	Converged  bool               `json:"converged"`
	ModalShare float64            `json:"modal_share"`
	History    []float64          `json:"history"`
	Stats      domain.ModalStats  `json:"stats"`
	Shares     map[string]float64 `json:"shares"`
	CreatedAt  string             `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	SimID      string         `json:"sim_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func simulationResponse(s domain.Simulation) SimulationResponse {
	return SimulationResponse{
		ID:         s.ID,
		Place:      s.Place,
		TargetDate: s.TargetDate,
		Status:     s.Status,
		Meta:       s.Meta,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
	}
}

func equilibriumRunResponse(r domain.EquilibriumRun) EquilibriumRunResponse {
	history := r.History
	if history == nil {
		history = []float64{}
	}
	return EquilibriumRunResponse{
		ID:         r.ID,
		SimID:      r.SimID,
		Iterations: r.Iterations,
		Converged:  r.Converged,
		ModalShare: r.ModalShare,
		History:    history,
		Stats:      r.Stats,
		Shares:     r.Stats.Shares(),
		CreatedAt:  r.CreatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		SimID:      e.SimID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}
