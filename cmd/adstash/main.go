package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ternarybob/adstash/internal/app"
	"github.com/ternarybob/adstash/internal/common"
	"github.com/ternarybob/arbor"
)

const (
	exitOK     = 0
	exitFailed = 1
	exitConfig = 2
)

// configPaths is a custom flag type that allows multiple -config flags
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	configFiles  configPaths
	sources      = flag.String("sources", "", "Comma-separated sources to harvest (overrides config)")
	iface        = flag.String("interface", "", "Interface to publish to (overrides config)")
	chunkSize    = flag.Int("chunk-size", 0, "Documents per chunk (overrides config)")
	workers      = flag.Int("workers", 0, "Concurrent endpoint workers (overrides config)")
	checkpoint   = flag.String("checkpoint", "", "Checkpoint file path (overrides config)")
	dryRun       = flag.Bool("dry-run", false, "Harvest without publishing (forces the null interface)")
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()

	if *showVersion || *showVersionV {
		fmt.Printf("adstash version %s\n", common.GetFullVersion())
		return exitOK
	}

	if len(configFiles) == 0 {
		for _, candidate := range []string{"adstash.toml", "adstash.yaml", "adstash.yml"} {
			if _, err := os.Stat(candidate); err == nil {
				configFiles = append(configFiles, candidate)
				break
			}
		}
	}

	// Startup order: defaults -> files -> env -> flags, then logger and banner
	config, err := common.LoadFromFiles(configFiles...)
	if err != nil {
		arbor.NewLogger().Error().Strs("paths", configFiles).Err(err).Msg("Failed to load configuration")
		return exitConfig
	}

	common.ApplyFlagOverrides(config, common.FlagOverrides{
		Sources:    common.SplitList(*sources),
		Interface:  *iface,
		ChunkSize:  *chunkSize,
		Workers:    *workers,
		Checkpoint: *checkpoint,
		DryRun:     *dryRun,
	})

	if err := config.Validate(); err != nil {
		arbor.NewLogger().Error().Err(err).Msg("Invalid configuration")
		return exitConfig
	}

	logger := common.InitLogger(config)
	common.PrintBanner(config, logger)

	logger.Debug().
		Strs("config_files", configFiles).
		Strs("sources", config.Harvest.Sources).
		Str("interface", config.Harvest.Interface).
		Int("chunk_size", config.Harvest.ChunkSize).
		Int("workers", config.Harvest.Workers).
		Str("checkpoint_backend", config.Checkpoint.Backend).
		Str("log_level", config.Logging.Level).
		Msg("Resolved configuration")

	// Anything failing before the first endpoint is touched is a startup error
	application, err := app.New(config, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize application")
		return exitConfig
	}
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := application.Run(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Harvest could not start")
		return exitConfig
	}

	if !summary.OK() {
		return exitFailed
	}
	return exitOK
}
