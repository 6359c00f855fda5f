// Package config loads process configuration from the environment and the
// sources YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/periscope-sec/periscope/internal/models"
)

// Config is the process-level configuration resolved from environment
// variables at startup.
type Config struct {
	StoreEndpoint      string
	StoreCredentialRef string
	GraphEndpoint      string
	VectorEndpoint     string
	RendererEndpoint   string
	OpsListenAddr      string
	GlobalConcurrency  int
	PerHostConcurrency int
	DecayPeriod        time.Duration
	SourcesPath        string
}

const (
	defaultStoreEndpoint      = "localhost:6379"
	defaultGlobalConcurrency  = 16
	defaultPerHostConcurrency = 4
	defaultDecayPeriod        = time.Hour
	defaultSourcesPath        = "config/sources.yaml"
	defaultOpsListenAddr      = ":8090"
)

// FromEnv builds a Config from the recognized environment variables,
// applying defaults for anything unset.
func FromEnv() (Config, error) {
	cfg := Config{
		StoreEndpoint:      envOr("STORE_ENDPOINT", defaultStoreEndpoint),
		StoreCredentialRef: os.Getenv("STORE_CREDENTIAL_REF"),
		GraphEndpoint:      os.Getenv("GRAPH_ENDPOINT"),
		VectorEndpoint:     os.Getenv("VECTOR_ENDPOINT"),
		RendererEndpoint:   os.Getenv("RENDERER_ENDPOINT"),
		OpsListenAddr:      envOr("OPS_LISTEN_ADDR", defaultOpsListenAddr),
		GlobalConcurrency:  defaultGlobalConcurrency,
		PerHostConcurrency: defaultPerHostConcurrency,
		DecayPeriod:        defaultDecayPeriod,
		SourcesPath:        envOr("SOURCES_PATH", defaultSourcesPath),
	}

	var err error
	if cfg.GlobalConcurrency, err = envInt("GLOBAL_CONCURRENCY", defaultGlobalConcurrency); err != nil {
		return cfg, err
	}
	if cfg.PerHostConcurrency, err = envInt("PER_HOST_CONCURRENCY", defaultPerHostConcurrency); err != nil {
		return cfg, err
	}
	secs, err := envInt("DECAY_PERIOD_SECONDS", int(defaultDecayPeriod/time.Second))
	if err != nil {
		return cfg, err
	}
	cfg.DecayPeriod = time.Duration(secs) * time.Second

	if cfg.GlobalConcurrency < 1 {
		return cfg, models.NewError(models.ErrConfig, "config", fmt.Errorf("GLOBAL_CONCURRENCY must be >= 1"))
	}
	if cfg.PerHostConcurrency < 1 {
		return cfg, models.NewError(models.ErrConfig, "config", fmt.Errorf("PER_HOST_CONCURRENCY must be >= 1"))
	}
	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, models.NewError(models.ErrConfig, "config", fmt.Errorf("%s: %w", key, err))
	}
	return n, nil
}

// SourcesFile is the top-level document of the sources YAML config.
type SourcesFile struct {
	Sources []models.Source `yaml:"sources"`
}

// LoadSources reads and validates the sources file. A partial or invalid
// file is rejected as a whole; no partial updates.
func LoadSources(path string) ([]models.Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, models.NewError(models.ErrConfig, "load_sources", fmt.Errorf("failed to read sources file: %w", err))
	}
	return ParseSources(data)
}

// ParseSources parses and validates a sources YAML document.
func ParseSources(data []byte) ([]models.Source, error) {
	var file SourcesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, models.NewError(models.ErrConfig, "parse_sources", fmt.Errorf("failed to parse sources file: %w", err))
	}
	seen := make(map[string]struct{}, len(file.Sources))
	for _, src := range file.Sources {
		if err := src.Validate(); err != nil {
			return nil, models.NewError(models.ErrConfig, "parse_sources", err)
		}
		if _, dup := seen[src.ID]; dup {
			return nil, models.NewError(models.ErrConfig, "parse_sources", fmt.Errorf("duplicate source id %q", src.ID))
		}
		seen[src.ID] = struct{}{}
	}
	return file.Sources, nil
}
