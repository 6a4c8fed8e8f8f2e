package domain

import "time"

type JobStatus string

const (
	JobPending  JobStatus = "pending"
	JobStarted  JobStatus = "started"
	JobFinished JobStatus = "finished"
	JobFailed   JobStatus = "failed"
)

// JobStatuses lists every status in lifecycle order.
var JobStatuses = []JobStatus{JobPending, JobStarted, JobFinished, JobFailed}

func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobStarted, JobFinished, JobFailed:
		return true
	}
	return false
}

type Job struct {
	Service  string     `json:"service"`
	SimID    string     `json:"sim_id"`
	JobID    string     `json:"job_id"`
	Status   JobStatus  `json:"status" enum:"pending,started,finished,failed"`
	Created  time.Time  `json:"created" format:"date-time"`
	Started  *time.Time `json:"started,omitempty" format:"date-time"`
	Finished *time.Time `json:"finished,omitempty" format:"date-time"`
	Error    string     `json:"error,omitempty"`
}

type Simulation struct {
	ID         string         `json:"id"`
	Place      string         `json:"place"`
	TargetDate string         `json:"target_date"`
	Status     string         `json:"status" enum:"created,routing,routed,failed,analyzed"`
	Meta       map[string]any `json:"meta,omitempty"`
	CreatedAt  string         `json:"created_at" format:"date-time"`
	UpdatedAt  string         `json:"updated_at" format:"date-time"`
}

const (
	SimCreated  = "created"
	SimRouting  = "routing"
	SimRouted   = "routed"
	SimFailed   = "failed"
	SimAnalyzed = "analyzed"
)

type EquilibriumRun struct {
	ID         string     `json:"id"`
	SimID      string     `json:"sim_id"`
	Iterations int        `json:"iterations"`
	Converged  bool       `json:"converged"`
	ModalShare float64    `json:"modal_share"`
	History    []float64  `json:"history"`
	Stats      ModalStats `json:"stats"`
	CreatedAt  string     `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	SimID      string `json:"sim_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}
