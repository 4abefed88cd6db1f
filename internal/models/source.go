package models

import (
	"time"
)

// EndpointKind identifies what kind of origin an endpoint is
type EndpointKind string

const (
	EndpointSchedd EndpointKind = "schedd"
	EndpointStartd EndpointKind = "startd"
	EndpointFile   EndpointKind = "file"
)

// Endpoint is one origin to harvest from: a scheduler, an execution node or a file
type Endpoint struct {
	Name    string       `json:"name"`
	Kind    EndpointKind `json:"kind"`
	Address string       `json:"address,omitempty"`
}

// EndpointState is the per-endpoint harvest state machine
type EndpointState string

const (
	StatePending    EndpointState = "pending"
	StateFetching   EndpointState = "fetching"
	StatePublishing EndpointState = "publishing"
	StateDone       EndpointState = "done"
	StateFailed     EndpointState = "failed"
)

// IsTerminal reports whether no further transitions are allowed
func (s EndpointState) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

// CanTransition reports whether s -> next is a legal transition
func (s EndpointState) CanTransition(next EndpointState) bool {
	switch s {
	case StatePending:
		return next == StateFetching || next == StateFailed
	case StateFetching:
		return next == StatePublishing || next == StateDone || next == StateFailed
	case StatePublishing:
		return next == StateFetching || next == StateDone || next == StateFailed
	}
	return false
}

// EndpointResult is the structured status reported by one endpoint worker
type EndpointResult struct {
	Source   string        `json:"source"`
	Endpoint string        `json:"endpoint"`
	State    EndpointState `json:"state"`
	Attempts int           `json:"attempts"`
	Stats    ProcessStats  `json:"stats"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// HarvestSummary aggregates one harvest run across all endpoints
type HarvestSummary struct {
	RunID     string           `json:"run_id"`
	Sink      string           `json:"sink"`
	StartedAt time.Time        `json:"started_at"`
	Elapsed   time.Duration    `json:"elapsed"`
	Endpoints []EndpointResult `json:"endpoints"`
	Totals    ProcessStats     `json:"totals"`
	Failed    int              `json:"failed"`
}

// OK reports whether every endpoint reached the done state
func (s *HarvestSummary) OK() bool {
	return s.Failed == 0
}
