package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Harvest       HarvestConfig       `toml:"harvest" yaml:"harvest"`
	Checkpoint    CheckpointConfig    `toml:"checkpoint" yaml:"checkpoint"`
	Condor        CondorConfig        `toml:"condor" yaml:"condor"`
	FileSource    FileSourceConfig    `toml:"file_source" yaml:"file_source"`
	Documents     DocumentsConfig     `toml:"documents" yaml:"documents"`
	Elasticsearch ElasticsearchConfig `toml:"elasticsearch" yaml:"elasticsearch"`
	JSONFile      JSONFileConfig      `toml:"jsonfile" yaml:"jsonfile"`
	Print         PrintConfig         `toml:"print" yaml:"print"`
	MinIO         MinIOConfig         `toml:"minio" yaml:"minio"`
	Postgres      PostgresConfig      `toml:"postgres" yaml:"postgres"`
	Logging       LoggingConfig       `toml:"logging" yaml:"logging"`
}

// HarvestConfig selects what to harvest and how
type HarvestConfig struct {
	Sources         []string `toml:"sources" yaml:"sources" validate:"required,min=1,dive,required"`
	Interface       string   `toml:"interface" yaml:"interface" validate:"required"`
	ChunkSize       int      `toml:"chunk_size" yaml:"chunk_size" validate:"min=1"`
	Workers         int      `toml:"workers" yaml:"workers" validate:"min=1"`
	EndpointTimeout string   `toml:"endpoint_timeout" yaml:"endpoint_timeout"` // e.g. "10m" - per-endpoint cycle bound, "0s" for none
	EndpointRetries int      `toml:"endpoint_retries" yaml:"endpoint_retries" validate:"min=0"`
	RetryBackoff    string   `toml:"retry_backoff" yaml:"retry_backoff"`
	DryRun          bool     `toml:"dry_run" yaml:"dry_run"` // forces the null sink
}

// CheckpointConfig selects the checkpoint backend
type CheckpointConfig struct {
	Backend    string `toml:"backend" yaml:"backend" validate:"oneof=file badger"`
	Path       string `toml:"path" yaml:"path" validate:"required_if=Backend file"`
	BadgerPath string `toml:"badger_path" yaml:"badger_path" validate:"required_if=Backend badger"`
}

// CondorConfig configures how history and endpoint lists are obtained
type CondorConfig struct {
	Mode           string            `toml:"mode" yaml:"mode" validate:"oneof=rest files"` // "rest" (REST daemon) or "files" (local history files)
	RestURL        string            `toml:"rest_url" yaml:"rest_url" validate:"required_if=Mode rest"`
	RateLimit      float64           `toml:"rate_limit" yaml:"rate_limit" validate:"min=0"` // requests per second
	RateBurst      int               `toml:"rate_burst" yaml:"rate_burst" validate:"min=0"`
	RequestTimeout string            `toml:"request_timeout" yaml:"request_timeout"`
	MaxRetries     int               `toml:"max_retries" yaml:"max_retries" validate:"min=0"`
	SinceExclusive bool              `toml:"since_exclusive" yaml:"since_exclusive"` // REST history starts after the since record
	Schedds        []string          `toml:"schedds" yaml:"schedds"` // static endpoint list, overrides discovery
	Startds        []string          `toml:"startds" yaml:"startds"`
	ScheddHistory  map[string]string `toml:"schedd_history" yaml:"schedd_history"` // schedd name -> history file (files mode)
	StartdHistory  map[string]string `toml:"startd_history" yaml:"startd_history"`
	EpochHistory   map[string]string `toml:"epoch_history" yaml:"epoch_history"`
}

// FileSourceConfig lists flat files of ad records
type FileSourceConfig struct {
	Paths []string `toml:"paths" yaml:"paths"`
}

// DocumentsConfig controls ad normalization and ID derivation
type DocumentsConfig struct {
	IDStrategy         string   `toml:"id_strategy" yaml:"id_strategy" validate:"omitempty,oneof=content key"` // overrides the sink default
	VolatileAttributes []string `toml:"volatile_attributes" yaml:"volatile_attributes"`
	KeyAttributes      []string `toml:"key_attributes" yaml:"key_attributes"`
	EpochKeyAttributes []string `toml:"epoch_key_attributes" yaml:"epoch_key_attributes"`
	DateAttributes     []string `toml:"date_attributes" yaml:"date_attributes"`
}

// ElasticsearchConfig configures the search-engine sink
type ElasticsearchConfig struct {
	URL        string  `toml:"url" yaml:"url"`
	Index      string  `toml:"index" yaml:"index"`
	Username   string  `toml:"username" yaml:"username"`
	Password   string  `toml:"password" yaml:"password"`
	APIKey     string  `toml:"api_key" yaml:"api_key"`
	Timeout    string  `toml:"timeout" yaml:"timeout"`
	MaxRetries int     `toml:"max_retries" yaml:"max_retries" validate:"min=0"`
	RateLimit  float64 `toml:"rate_limit" yaml:"rate_limit" validate:"min=0"`
}

// JSONFileConfig configures the newline-delimited JSON sink
type JSONFileConfig struct {
	Path string `toml:"path" yaml:"path"`
}

// PrintConfig configures the debug sink
type PrintConfig struct {
	Output string `toml:"output" yaml:"output"` // "stdout", "stderr" or a file path
}

// MinIOConfig configures the object-store sink
type MinIOConfig struct {
	EndpointURL     string `toml:"endpoint_url" yaml:"endpoint_url"`
	AccessKeyID     string `toml:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key" yaml:"secret_access_key"`
	Bucket          string `toml:"bucket" yaml:"bucket"`
	Prefix          string `toml:"prefix" yaml:"prefix"`
	Region          string `toml:"region" yaml:"region"`
	UseSSL          bool   `toml:"use_ssl" yaml:"use_ssl"`
}

// PostgresConfig configures the relational sink
type PostgresConfig struct {
	DSN      string `toml:"dsn" yaml:"dsn"`
	Table    string `toml:"table" yaml:"table"`
	MaxConns int32  `toml:"max_conns" yaml:"max_conns" validate:"min=0"`
}

// LoggingConfig configures arbor writers
type LoggingConfig struct {
	Level      string   `toml:"level" yaml:"level" validate:"oneof=trace debug info warn error"`
	Output     []string `toml:"output" yaml:"output"` // "stdout", "file"
	Dir        string   `toml:"dir" yaml:"dir"`
	TimeFormat string   `toml:"time_format" yaml:"time_format"`
}

// FlagOverrides carries command-line values that take precedence over files and env
type FlagOverrides struct {
	Sources    []string
	Interface  string
	ChunkSize  int
	Workers    int
	Checkpoint string
	DryRun     bool
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Harvest: HarvestConfig{
			Sources:         []string{"schedd_history"},
			Interface:       "null",
			ChunkSize:       250,
			Workers:         4,
			EndpointTimeout: "10m",
			EndpointRetries: 0, // transient failures are retried on the next invocation
			RetryBackoff:    "5s",
		},
		Checkpoint: CheckpointConfig{
			Backend:    "file",
			Path:       "checkpoint.json",
			BadgerPath: "./data/checkpoints",
		},
		Condor: CondorConfig{
			Mode:           "files",
			RateLimit:      10,
			RateBurst:      5,
			RequestTimeout: "60s",
			MaxRetries:     3,
			SinceExclusive: true,
		},
		Documents: DocumentsConfig{
			VolatileAttributes: []string{
				"LastHeardFrom",
				"MyCurrentTime",
				"ServerTime",
				"UpdateSequenceNumber",
				"DaemonLastReconfigTime",
			},
			KeyAttributes:      []string{"GlobalJobId"},
			EpochKeyAttributes: []string{"GlobalJobId", "NumShadowStarts"},
			DateAttributes: []string{
				"CompletionDate",
				"EnteredCurrentStatus",
				"QDate",
				"JobStartDate",
				"JobCurrentStartDate",
				"RecordTime",
				"LastHeardFrom",
			},
		},
		Elasticsearch: ElasticsearchConfig{
			URL:        "http://localhost:9200",
			Index:      "htcondor-000001",
			Timeout:    "2m",
			MaxRetries: 3,
			RateLimit:  20,
		},
		JSONFile: JSONFileConfig{
			Path: "adstash.ndjson",
		},
		Print: PrintConfig{
			Output: "stdout",
		},
		MinIO: MinIOConfig{
			Bucket: "adstash",
			Prefix: "ads",
		},
		Postgres: PostgresConfig{
			Table:    "adstash_documents",
			MaxConns: 4,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout"},
			Dir:        "./logs",
			TimeFormat: "15:04:05.000",
		},
	}
}

// LoadFromFiles loads configuration with priority: defaults -> file1 -> file2 -> ... -> env.
// Files ending in .yaml or .yml are decoded as YAML, everything else as TOML.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, config)
		default:
			err = toml.Unmarshal(data, config)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies ADSTASH_* environment variable overrides
func applyEnvOverrides(config *Config) {
	if sources := os.Getenv("ADSTASH_SOURCES"); sources != "" {
		if list := SplitList(sources); len(list) > 0 {
			config.Harvest.Sources = list
		}
	}
	if iface := os.Getenv("ADSTASH_INTERFACE"); iface != "" {
		config.Harvest.Interface = iface
	}
	if chunkSize := os.Getenv("ADSTASH_CHUNK_SIZE"); chunkSize != "" {
		if cs, err := strconv.Atoi(chunkSize); err == nil {
			config.Harvest.ChunkSize = cs
		}
	}
	if workers := os.Getenv("ADSTASH_WORKERS"); workers != "" {
		if w, err := strconv.Atoi(workers); err == nil {
			config.Harvest.Workers = w
		}
	}
	if timeout := os.Getenv("ADSTASH_ENDPOINT_TIMEOUT"); timeout != "" {
		config.Harvest.EndpointTimeout = timeout
	}
	if dryRun := os.Getenv("ADSTASH_DRY_RUN"); dryRun != "" {
		if d, err := strconv.ParseBool(dryRun); err == nil {
			config.Harvest.DryRun = d
		}
	}

	if path := os.Getenv("ADSTASH_CHECKPOINT"); path != "" {
		config.Checkpoint.Path = path
	}
	if backend := os.Getenv("ADSTASH_CHECKPOINT_BACKEND"); backend != "" {
		config.Checkpoint.Backend = backend
	}

	if mode := os.Getenv("ADSTASH_CONDOR_MODE"); mode != "" {
		config.Condor.Mode = mode
	}
	if restURL := os.Getenv("ADSTASH_CONDOR_REST_URL"); restURL != "" {
		config.Condor.RestURL = restURL
	}

	if esURL := os.Getenv("ADSTASH_ES_URL"); esURL != "" {
		config.Elasticsearch.URL = esURL
	}
	if index := os.Getenv("ADSTASH_ES_INDEX"); index != "" {
		config.Elasticsearch.Index = index
	}
	if user := os.Getenv("ADSTASH_ES_USERNAME"); user != "" {
		config.Elasticsearch.Username = user
	}
	if password := os.Getenv("ADSTASH_ES_PASSWORD"); password != "" {
		config.Elasticsearch.Password = password
	}
	if apiKey := os.Getenv("ADSTASH_ES_API_KEY"); apiKey != "" {
		config.Elasticsearch.APIKey = apiKey
	}

	if accessKey := os.Getenv("ADSTASH_MINIO_ACCESS_KEY_ID"); accessKey != "" {
		config.MinIO.AccessKeyID = accessKey
	}
	if secret := os.Getenv("ADSTASH_MINIO_SECRET_ACCESS_KEY"); secret != "" {
		config.MinIO.SecretAccessKey = secret
	}

	if dsn := os.Getenv("ADSTASH_POSTGRES_DSN"); dsn != "" {
		config.Postgres.DSN = dsn
	}

	if level := os.Getenv("ADSTASH_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("ADSTASH_LOG_OUTPUT"); output != "" {
		if outputs := SplitList(output); len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, flags FlagOverrides) {
	if len(flags.Sources) > 0 {
		config.Harvest.Sources = flags.Sources
	}
	if flags.Interface != "" {
		config.Harvest.Interface = flags.Interface
	}
	if flags.ChunkSize > 0 {
		config.Harvest.ChunkSize = flags.ChunkSize
	}
	if flags.Workers > 0 {
		config.Harvest.Workers = flags.Workers
	}
	if flags.Checkpoint != "" {
		config.Checkpoint.Path = flags.Checkpoint
	}
	if flags.DryRun {
		config.Harvest.DryRun = true
	}
}

// Validate checks struct constraints and duration fields
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	durations := map[string]string{
		"harvest.endpoint_timeout": c.Harvest.EndpointTimeout,
		"harvest.retry_backoff":    c.Harvest.RetryBackoff,
		"condor.request_timeout":   c.Condor.RequestTimeout,
		"elasticsearch.timeout":    c.Elasticsearch.Timeout,
	}
	for name, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid configuration: %s: %w", name, err)
		}
	}
	return nil
}

// EndpointTimeoutDuration returns the per-endpoint cycle bound, zero meaning unbounded
func (h HarvestConfig) EndpointTimeoutDuration() time.Duration {
	return ParseDurationOr(h.EndpointTimeout, 0)
}

// RetryBackoffDuration returns the initial endpoint retry backoff
func (h HarvestConfig) RetryBackoffDuration() time.Duration {
	return ParseDurationOr(h.RetryBackoff, 5*time.Second)
}

// ParseDurationOr parses s, returning fallback when s is empty or invalid
func ParseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// SplitList splits a comma-separated list, dropping empty entries
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
