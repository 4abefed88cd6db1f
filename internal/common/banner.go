package common

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/banner"
)

// PrintBanner prints the startup banner and logs what this run will harvest
func PrintBanner(config *Config, logger arbor.ILogger) {
	banner.PrintSimple("adstash", GetFullVersion())

	target := config.Harvest.Interface
	if config.Harvest.DryRun {
		target = "null (dry run)"
	}
	logger.Info().
		Strs("sources", config.Harvest.Sources).
		Str("interface", target).
		Int("workers", config.Harvest.Workers).
		Str("checkpoint", config.Checkpoint.Backend).
		Msg("adstash starting")
}
