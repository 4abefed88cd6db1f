package interfaces

import (
	"context"

	"github.com/ternarybob/adstash/internal/models"
)

// HistoryKind selects which history an AdQuerier reads
type HistoryKind string

const (
	HistoryJobs   HistoryKind = "jobs"
	HistoryStartd HistoryKind = "startd"
	HistoryEpochs HistoryKind = "epochs"
)

// AdQuerier reads history records from a scheduler or execution node.
//
// The returned sequence is chronological. When since names a record that still
// exists, the sequence may start at that record (inclusive); otherwise it
// starts at the oldest available record. A querier whose origin starts
// strictly after the since record must implement ExclusiveSince, or callers
// never see the record, take the cursor for rotated away and re-read the whole
// history on every cycle.
type AdQuerier interface {
	Query(ctx context.Context, kind HistoryKind, origin models.Endpoint, since string) (AdIterator, error)
}

// ExclusiveSince reports that Query results for a surviving since record
// begin with the record after it
type ExclusiveSince interface {
	ExclusiveSince() bool
}

// EndpointLister enumerates known schedulers or execution nodes
type EndpointLister interface {
	ListEndpoints(ctx context.Context, kind models.EndpointKind) ([]models.Endpoint, error)
}
