package sources

import (
	"github.com/ternarybob/adstash/internal/common"
	"github.com/ternarybob/adstash/internal/condor"
	"github.com/ternarybob/adstash/internal/interfaces"
	"github.com/ternarybob/adstash/internal/registry"
	"github.com/ternarybob/arbor"
)

// Deps are the collaborators handed to source factories
type Deps struct {
	Config *common.Config
	Logger arbor.ILogger
	// NewQuerier overrides how history sources reach their origins
	NewQuerier func() (condor.Querier, error)
}

// NewRegistry returns a registry holding every source variant
func NewRegistry(deps Deps) *registry.Registry[interfaces.AdSource] {
	reg := registry.New[interfaces.AdSource]("source")
	Register(reg, deps)
	return reg
}

// Register adds every source variant to reg
func Register(reg *registry.Registry[interfaces.AdSource], deps Deps) {
	newQuerier := deps.NewQuerier
	if newQuerier == nil {
		newQuerier = func() (condor.Querier, error) {
			return condor.New(deps.Config.Condor, deps.Logger)
		}
	}

	history := func(build func(condor.Querier, common.DocumentsConfig, arbor.ILogger) *HistorySource) registry.Factory[interfaces.AdSource] {
		return func() (interfaces.AdSource, error) {
			querier, err := newQuerier()
			if err != nil {
				return nil, err
			}
			return build(querier, deps.Config.Documents, deps.Logger), nil
		}
	}

	reg.MustRegister(registry.Descriptor[interfaces.AdSource]{
		Name:    "file",
		Type:    "file",
		Factory: func() (interfaces.AdSource, error) {
			return NewFileSource(deps.Config.FileSource, deps.Config.Documents, deps.Logger), nil
		},
	})
	reg.MustRegister(registry.Descriptor[interfaces.AdSource]{
		Name:    "schedd_history",
		Type:    "history",
		Factory: history(NewScheddHistory),
	})
	reg.MustRegister(registry.Descriptor[interfaces.AdSource]{
		Name:    "startd_history",
		Type:    "history",
		Factory: history(NewStartdHistory),
	})
	reg.MustRegister(registry.Descriptor[interfaces.AdSource]{
		Name:    "job_epoch_history",
		Type:    "history",
		Factory: history(NewJobEpochHistory),
	})
}
