package harvest

import (
	"sync"

	"github.com/ternarybob/adstash/internal/models"
	"github.com/ternarybob/arbor"
)

// stateMachine tracks one endpoint cycle. Transitions out of a terminal state
// are ignored, so a cycle body that outlives its deadline cannot revive a
// failed endpoint.
type stateMachine struct {
	mu       sync.Mutex
	state    models.EndpointState
	source   string
	endpoint string
	logger   arbor.ILogger
}

func newStateMachine(source, endpoint string, logger arbor.ILogger) *stateMachine {
	return &stateMachine{
		state:    models.StatePending,
		source:   source,
		endpoint: endpoint,
		logger:   logger,
	}
}

func (m *stateMachine) current() models.EndpointState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// transition moves to next and reports whether the move was legal
func (m *stateMachine) transition(next models.EndpointState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.CanTransition(next) {
		m.logger.Debug().
			Str("endpoint", m.endpoint).
			Str("from", string(m.state)).
			Str("to", string(next)).
			Msg("Ignoring endpoint state transition")
		return false
	}

	m.logger.Trace().
		Str("source", m.source).
		Str("endpoint", m.endpoint).
		Str("from", string(m.state)).
		Str("to", string(next)).
		Msg("Endpoint state")
	m.state = next
	return true
}

func (m *stateMachine) fail(err error) {
	if m.transition(models.StateFailed) {
		m.logger.Error().
			Err(err).
			Str("source", m.source).
			Str("endpoint", m.endpoint).
			Msg("Endpoint failed")
	}
}
