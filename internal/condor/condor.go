package condor

import (
	"fmt"

	"github.com/ternarybob/adstash/internal/common"
	"github.com/ternarybob/adstash/internal/interfaces"
	"github.com/ternarybob/arbor"
)

// New returns the querier selected by config.Mode
func New(config common.CondorConfig, logger arbor.ILogger) (Querier, error) {
	switch config.Mode {
	case "rest":
		return NewRestClient(config, logger), nil
	case "", "files":
		return NewFileQuerier(config, logger), nil
	default:
		return nil, fmt.Errorf("unknown condor mode %q", config.Mode)
	}
}

// Querier is both an ad querier and an endpoint lister
type Querier interface {
	interfaces.AdQuerier
	interfaces.EndpointLister
}
