package checkpoint

import (
	"fmt"

	"github.com/ternarybob/adstash/internal/common"
	"github.com/ternarybob/adstash/internal/interfaces"
	"github.com/ternarybob/arbor"
)

// Open creates the checkpoint store selected by config
func Open(config common.CheckpointConfig, logger arbor.ILogger) (interfaces.CheckpointStore, error) {
	switch config.Backend {
	case "", "file":
		return NewFileStore(config.Path, logger)
	case "badger":
		return NewBadgerStore(config.BadgerPath, logger)
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", config.Backend)
	}
}
