package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"tracegraph/internal/noise"
	"tracegraph/internal/rules"
)

// Config is the root configuration.
type Config struct {
	TraceGraph TraceGraphConfig `yaml:"tracegraph"`
}

// TraceGraphConfig is the project configuration.
type TraceGraphConfig struct {
	Input      InputConfig      `yaml:"input"`
	Backtrack  BacktrackConfig  `yaml:"backtrack"`
	Rules      RulesConfig      `yaml:"rules"`
	Noise      noise.Config     `yaml:"noise"`
	Signatures SignaturesConfig `yaml:"signatures"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Output     OutputConfig     `yaml:"output"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// InputConfig selects where the audit log is read from. Mode is "file" or
// "redis".
type InputConfig struct {
	Mode  string          `yaml:"mode"`
	File  FileInputConfig `yaml:"file"`
	Redis RedisConfig     `yaml:"redis"`
}

// FileInputConfig reads an NDJSON log file from disk.
type FileInputConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig drains staged log lines from a Redis list.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	Key          string        `yaml:"key"`
	BlockTimeout time.Duration `yaml:"block_timeout"`
	MaxLines     int           `yaml:"max_lines"`
}

// BacktrackConfig controls reverse traversal.
type BacktrackConfig struct {
	MaxHops      int           `yaml:"max_hops"`
	Egress       *bool         `yaml:"egress"`
	EgressWindow time.Duration `yaml:"egress_window"`
}

// RulesConfig controls seed detection.
type RulesConfig struct {
	Tags  []rules.TagRule `yaml:"tags"`
	Sigma SigmaConfig     `yaml:"sigma"`
}

// SigmaConfig enables Sigma rule evaluation as an auxiliary seed source.
type SigmaConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// SignaturesConfig locates the attack signature library. An empty path uses
// the builtin library.
type SignaturesConfig struct {
	Path string `yaml:"path"`
}

// PipelineConfig sizes the per-seed analysis pool and the matching budget.
type PipelineConfig struct {
	Workers       int           `yaml:"workers"`
	MaxEmbeddings int           `yaml:"max_embeddings"`
	MatchTimeout  time.Duration `yaml:"match_timeout"`
}

// OutputConfig controls run artifacts.
type OutputConfig struct {
	Report FileOutputConfig `yaml:"report"`
	Dot    DotOutputConfig  `yaml:"dot"`
}

// FileOutputConfig config for local JSON output.
type FileOutputConfig struct {
	Path string `yaml:"path"`
}

// DotOutputConfig controls per-trace Graphviz exports.
type DotOutputConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// MetricsConfig exposes a Prometheus endpoint for long runs.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoggingConfig controls logging output.
type LoggingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	File    string `yaml:"file"`
	Console bool   `yaml:"console"`
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
