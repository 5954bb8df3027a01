// Package config resolves kbrag settings from, in increasing precedence,
// built-in defaults, ~/.kbrag/config.yaml, a .env file, KBRAG_* environment
// variables and CLI flags. Every value records where it came from.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type ValueSource string

const (
	SourceUnknown ValueSource = "unknown"
	SourceConfig  ValueSource = "config"
	SourceEnv     ValueSource = "env"
	SourceCLI     ValueSource = "cli"
	SourceDefault ValueSource = "default"
)

// Built-in defaults.
const (
	DefaultDataDir         = "~/.kbrag"
	DefaultInterval        = 3 * time.Second
	DefaultServerAddr      = "127.0.0.1:0"
	DefaultDimensions      = 1024
	DefaultApproxThreshold = 256
	DefaultAbstractLength  = 200
	DefaultKeywordCount    = 10
	DefaultEnvFile         = ".env"
)

type ResolvedValue struct {
	Value  string      `json:"value"`
	Source ValueSource `json:"source"`
	From   string      `json:"from,omitempty"`
}

// Int parses the value, returning fallback when it is empty or malformed.
func (v ResolvedValue) Int(fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(v.Value))
	if err != nil {
		return fallback
	}
	return n
}

// Float parses the value, returning fallback when it is empty or malformed.
func (v ResolvedValue) Float(fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(v.Value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// Duration parses a Go duration ("3s") or a bare number of seconds.
func (v ResolvedValue) Duration(fallback time.Duration) time.Duration {
	s := strings.TrimSpace(v.Value)
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return fallback
}

type ResolveOptions struct {
	ConfigPath string
	EnvFile    string // defaults to .env in the working directory

	CLIDataDir  string
	CLIDBPath   string
	CLIEmbed    string // supplier/model
	CLIInterval string
	CLIAddr     string
}

type ResolvedConfig struct {
	ConfigPath string `json:"config_path"`
	EnvFile    string `json:"env_file,omitempty"`

	DataDir  ResolvedValue `json:"data_dir"`
	DBPath   ResolvedValue `json:"db_path"`
	CacheDir ResolvedValue `json:"cache_dir"`

	EmbedProvider   ResolvedValue `json:"embed_provider"`
	EmbedAPIKey     ResolvedValue `json:"embed_api_key"`
	EmbedEndpoint   ResolvedValue `json:"embed_endpoint"`
	Dimensions      ResolvedValue `json:"dimensions"`
	ApproxThreshold ResolvedValue `json:"approx_threshold"`

	Interval       ResolvedValue `json:"interval"`
	AbstractLength ResolvedValue `json:"abstract_length"`
	KeywordCount   ResolvedValue `json:"keyword_count"`
	ServerAddr     ResolvedValue `json:"server_addr"`

	SearchStrategy ResolvedValue `json:"search_strategy"`
	MaxRecall      ResolvedValue `json:"max_recall"`
	RecallAccuracy ResolvedValue `json:"recall_accuracy"`
	VectorWeight   ResolvedValue `json:"vector_weight"`
	KeywordWeight  ResolvedValue `json:"keyword_weight"`
}

type fileConfig struct {
	DataDir  string `yaml:"data_dir"`
	DBPath   string `yaml:"db_path"`
	CacheDir string `yaml:"cache_dir"`
	Embed    struct {
		Provider        string `yaml:"provider"`
		APIKey          string `yaml:"api_key"`
		Endpoint        string `yaml:"endpoint"`
		Dimensions      int    `yaml:"dimensions"`
		ApproxThreshold int    `yaml:"approx_threshold"`
	} `yaml:"embed"`
	Pipeline struct {
		Interval       string `yaml:"interval"`
		AbstractLength int    `yaml:"abstract_length"`
		KeywordCount   int    `yaml:"keyword_count"`
	} `yaml:"pipeline"`
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	Search struct {
		Strategy       string  `yaml:"strategy"`
		MaxRecall      int     `yaml:"max_recall"`
		RecallAccuracy float64 `yaml:"recall_accuracy"`
		VectorWeight   float64 `yaml:"vector_weight"`
		KeywordWeight  float64 `yaml:"keyword_weight"`
	} `yaml:"search"`
}

func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".kbrag", "config.yaml")
}

func ResolveConfig(opts ResolveOptions) (ResolvedConfig, error) {
	path := strings.TrimSpace(opts.ConfigPath)
	if path == "" {
		path = DefaultConfigPath()
	}
	envFile := strings.TrimSpace(opts.EnvFile)
	if envFile == "" {
		envFile = DefaultEnvFile
	}

	out := ResolvedConfig{ConfigPath: path}
	setDefault(&out.DataDir, DefaultDataDir)
	setDefault(&out.Dimensions, strconv.Itoa(DefaultDimensions))
	setDefault(&out.ApproxThreshold, strconv.Itoa(DefaultApproxThreshold))
	setDefault(&out.Interval, DefaultInterval.String())
	setDefault(&out.AbstractLength, strconv.Itoa(DefaultAbstractLength))
	setDefault(&out.KeywordCount, strconv.Itoa(DefaultKeywordCount))
	setDefault(&out.ServerAddr, DefaultServerAddr)

	cfg, err := loadConfig(path)
	if err != nil {
		return out, err
	}
	if cfg != nil {
		apply(&out.DataDir, cfg.DataDir, SourceConfig, path)
		apply(&out.DBPath, cfg.DBPath, SourceConfig, path)
		apply(&out.CacheDir, cfg.CacheDir, SourceConfig, path)
		apply(&out.EmbedProvider, cfg.Embed.Provider, SourceConfig, path)
		apply(&out.EmbedAPIKey, cfg.Embed.APIKey, SourceConfig, path)
		apply(&out.EmbedEndpoint, cfg.Embed.Endpoint, SourceConfig, path)
		applyInt(&out.Dimensions, cfg.Embed.Dimensions, path)
		applyInt(&out.ApproxThreshold, cfg.Embed.ApproxThreshold, path)
		apply(&out.Interval, cfg.Pipeline.Interval, SourceConfig, path)
		applyInt(&out.AbstractLength, cfg.Pipeline.AbstractLength, path)
		applyInt(&out.KeywordCount, cfg.Pipeline.KeywordCount, path)
		apply(&out.ServerAddr, cfg.Server.Addr, SourceConfig, path)
		apply(&out.SearchStrategy, cfg.Search.Strategy, SourceConfig, path)
		applyInt(&out.MaxRecall, cfg.Search.MaxRecall, path)
		applyFloat(&out.RecallAccuracy, cfg.Search.RecallAccuracy, path)
		applyFloat(&out.VectorWeight, cfg.Search.VectorWeight, path)
		applyFloat(&out.KeywordWeight, cfg.Search.KeywordWeight, path)
	}

	// godotenv never overrides variables already set in the process.
	if err := godotenv.Load(envFile); err == nil {
		out.EnvFile = envFile
	} else if !errors.Is(err, fs.ErrNotExist) {
		return out, fmt.Errorf("loading %s: %w", envFile, err)
	}

	applyEnv(&out.DataDir, "KBRAG_DATA_DIR")
	applyEnv(&out.DBPath, "KBRAG_DB")
	applyEnv(&out.DBPath, "KBRAG_DB_PATH")
	applyEnv(&out.CacheDir, "KBRAG_CACHE_DIR")
	applyEnv(&out.EmbedProvider, "KBRAG_EMBED")
	applyEnv(&out.EmbedEndpoint, "KBRAG_EMBED_ENDPOINT")
	applyEnv(&out.EmbedAPIKey, "KBRAG_EMBED_API_KEY")
	applyEnv(&out.Dimensions, "KBRAG_DIMENSIONS")
	applyEnv(&out.ApproxThreshold, "KBRAG_APPROX_THRESHOLD")
	applyEnv(&out.Interval, "KBRAG_INTERVAL")
	applyEnv(&out.AbstractLength, "KBRAG_ABSTRACT_LENGTH")
	applyEnv(&out.KeywordCount, "KBRAG_KEYWORD_COUNT")
	applyEnv(&out.ServerAddr, "KBRAG_ADDR")
	applyEnv(&out.SearchStrategy, "KBRAG_SEARCH_STRATEGY")
	applyEnv(&out.MaxRecall, "KBRAG_MAX_RECALL")

	apply(&out.DataDir, opts.CLIDataDir, SourceCLI, "--data-dir")
	apply(&out.DBPath, opts.CLIDBPath, SourceCLI, "--db")
	apply(&out.EmbedProvider, opts.CLIEmbed, SourceCLI, "--embed")
	apply(&out.Interval, opts.CLIInterval, SourceCLI, "--interval")
	apply(&out.ServerAddr, opts.CLIAddr, SourceCLI, "--addr")

	out.DataDir.Value = expandUserPath(out.DataDir.Value)
	if out.DBPath.Value == "" {
		out.DBPath = derived(out.DataDir, "kbrag.db")
	}
	if out.CacheDir.Value == "" {
		out.CacheDir = derived(out.DataDir, "cache")
	}
	out.DBPath.Value = expandUserPath(out.DBPath.Value)
	out.CacheDir.Value = expandUserPath(out.CacheDir.Value)

	return out, nil
}

// EmbedSupplierModel splits EmbedProvider ("openai/text-embedding-3-small")
// into supplier and model. Either may be empty.
func (r ResolvedConfig) EmbedSupplierModel() (supplier, model string) {
	v := strings.TrimSpace(r.EmbedProvider.Value)
	if idx := strings.Index(v, "/"); idx > 0 {
		return strings.ToLower(v[:idx]), v[idx+1:]
	}
	return strings.ToLower(v), ""
}

// derived places name under the data directory and inherits its source.
func derived(dataDir ResolvedValue, name string) ResolvedValue {
	return ResolvedValue{
		Value:  filepath.Join(dataDir.Value, name),
		Source: dataDir.Source,
		From:   dataDir.From,
	}
}

func setDefault(dst *ResolvedValue, v string) {
	*dst = ResolvedValue{Value: v, Source: SourceDefault, From: "built-in default"}
}

func apply(dst *ResolvedValue, raw string, source ValueSource, from string) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return
	}
	*dst = ResolvedValue{Value: v, Source: source, From: from}
}

func applyInt(dst *ResolvedValue, n int, from string) {
	if n > 0 {
		apply(dst, strconv.Itoa(n), SourceConfig, from)
	}
}

func applyFloat(dst *ResolvedValue, f float64, from string) {
	if f > 0 {
		apply(dst, strconv.FormatFloat(f, 'f', -1, 64), SourceConfig, from)
	}
}

func applyEnv(dst *ResolvedValue, envKey string) {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		*dst = ResolvedValue{Value: v, Source: SourceEnv, From: envKey}
	}
}

func loadConfig(path string) (*fileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

func expandUserPath(path string) string {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
		}
	}
	return path
}
