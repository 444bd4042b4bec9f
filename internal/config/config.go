package config

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Environment variables read by Recast. Secrets never come from config files.
const (
	EnvHome      = "RECAST_HOME"
	EnvAPIKey    = "RECAST_API_KEY"
	EnvOpenRoute = "OPENROUTER_API_KEY"
)

// Config holds application configuration.
type Config struct {
	// Bind and Port are the gateway listen address.
	Bind string `json:"bind,omitempty"`
	Port int    `json:"port,omitempty"`

	// AllowedDomains lists the source hosts accepted by the gateway.
	// A URL is accepted when its host equals an entry or is a subdomain of one.
	AllowedDomains []string `json:"allowed_domains,omitempty"`

	// UpstreamBaseURL is the chat-completions API root (OpenRouter compatible).
	UpstreamBaseURL string `json:"upstream_base_url,omitempty"`

	// Model is the streaming rewrite model; FunFactsModel the non-streaming one.
	Model         string `json:"model,omitempty"`
	FunFactsModel string `json:"fun_facts_model,omitempty"`

	// MaxSourceChars truncates the scraped document before it is sent upstream.
	MaxSourceChars int `json:"max_source_chars,omitempty"`

	// FunFactsSourceChars truncates the document for the fun facts prompt.
	FunFactsSourceChars int `json:"fun_facts_source_chars,omitempty"`

	// ProbeMinChars and ProbeMaxChars clamp the size-probe estimate.
	ProbeMinChars int `json:"probe_min_chars,omitempty"`
	ProbeMaxChars int `json:"probe_max_chars,omitempty"`

	// ScrapeTimeoutSeconds bounds a single source document fetch.
	ScrapeTimeoutSeconds int `json:"scrape_timeout_seconds,omitempty"`

	// DBMaxOpenConns limits the maximum number of open database connections.
	// 0 means use sql.DB default (unlimited). Only set if you experience contention.
	DBMaxOpenConns int `json:"db_max_open_conns,omitempty"`

	// DBMaxIdleConns limits the maximum number of idle database connections.
	DBMaxIdleConns int `json:"db_max_idle_conns,omitempty"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"log_level,omitempty"`

	// DisabledTools is a list of MCP tool names to exclude from registration.
	DisabledTools []string `json:"disabled_tools,omitempty"`

	// APIKey is the upstream provider key, taken from the environment only.
	APIKey string `json:"-"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Bind:                 "127.0.0.1",
		Port:                 8787,
		AllowedDomains:       []string{"wikipedia.org"},
		UpstreamBaseURL:      "https://openrouter.ai/api/v1",
		Model:                "x-ai/grok-2-1212",
		FunFactsModel:        "google/gemini-2.5-flash-lite-preview-09-2025",
		MaxSourceChars:       50000,
		FunFactsSourceChars:  8000,
		ProbeMinChars:        1000,
		ProbeMaxChars:        200000,
		ScrapeTimeoutSeconds: 30,
		LogLevel:             "info",
	}
}

// BaseDir returns the Recast home directory: $RECAST_HOME or ~/.recast.
func BaseDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv(EnvHome)); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".recast"), nil
}

// Load loads configuration from baseDir/config.json.
// Returns default config if the file doesn't exist.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.recast.
func Load(baseDir string) (*Config, error) {
	cfg, err := loadFile(filepath.Join(baseDir, "config.json"))
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

// LoadWithRepo loads configuration from both global (~/.recast) and repo (.recast) directories.
// Repo config is found by walking upward from startDir to find the nearest .recast/config.json.
// Repo config takes precedence for scalar values; arrays are merged (deduplicated).
// Either or both configs may be missing.
func LoadWithRepo(globalDir, startDir string) (*Config, error) {
	global, err := loadFileRaw(filepath.Join(globalDir, "config.json"))
	if err != nil {
		return nil, err
	}

	repo, err := loadFileRaw(FindRepoConfig(startDir))
	if err != nil {
		return nil, err
	}

	cfg := Merge(Merge(DefaultConfig(), global), repo)
	applyEnv(cfg)
	return cfg, nil
}

// FindRepoConfig walks upward from startDir to find the nearest .recast/config.json.
// Returns the path if found, or empty string if not found.
func FindRepoConfig(startDir string) string {
	if startDir == "" {
		return ""
	}
	dir := startDir
	for {
		configPath := filepath.Join(dir, ".recast", "config.json")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// SlogLevel maps LogLevel to a slog.Level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// applyEnv fills secrets from the environment. RECAST_API_KEY wins over OPENROUTER_API_KEY.
func applyEnv(cfg *Config) {
	if key := strings.TrimSpace(os.Getenv(EnvAPIKey)); key != "" {
		cfg.APIKey = key
		return
	}
	cfg.APIKey = strings.TrimSpace(os.Getenv(EnvOpenRoute))
}

// loadFileRaw loads configuration from a specific file path.
// Returns zero-valued config if the file doesn't exist (not defaults).
func loadFileRaw(configPath string) (*Config, error) {
	if configPath == "" {
		return &Config{}, nil
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFile loads configuration from a specific file path.
// Returns default config if the file doesn't exist.
func loadFile(configPath string) (*Config, error) {
	cfg, err := loadFileRaw(configPath)
	if err != nil {
		return nil, err
	}
	return Merge(DefaultConfig(), cfg), nil
}

// Merge combines base and overlay configs.
// Overlay values take precedence for scalars. AllowedDomains is replaced (not merged) when the
// overlay sets it, so a repo can narrow the accepted domains; DisabledTools is merged.
func Merge(base, overlay *Config) *Config {
	result := &Config{
		Bind:                 pickString(overlay.Bind, base.Bind),
		Port:                 pickInt(overlay.Port, base.Port),
		UpstreamBaseURL:      pickString(overlay.UpstreamBaseURL, base.UpstreamBaseURL),
		Model:                pickString(overlay.Model, base.Model),
		FunFactsModel:        pickString(overlay.FunFactsModel, base.FunFactsModel),
		MaxSourceChars:       pickInt(overlay.MaxSourceChars, base.MaxSourceChars),
		FunFactsSourceChars:  pickInt(overlay.FunFactsSourceChars, base.FunFactsSourceChars),
		ProbeMinChars:        pickInt(overlay.ProbeMinChars, base.ProbeMinChars),
		ProbeMaxChars:        pickInt(overlay.ProbeMaxChars, base.ProbeMaxChars),
		ScrapeTimeoutSeconds: pickInt(overlay.ScrapeTimeoutSeconds, base.ScrapeTimeoutSeconds),
		DBMaxOpenConns:       pickInt(overlay.DBMaxOpenConns, base.DBMaxOpenConns),
		DBMaxIdleConns:       pickInt(overlay.DBMaxIdleConns, base.DBMaxIdleConns),
		LogLevel:             pickString(overlay.LogLevel, base.LogLevel),
		APIKey:               pickString(overlay.APIKey, base.APIKey),
	}

	result.AllowedDomains = mergeStringSlice(nil, base.AllowedDomains)
	if len(overlay.AllowedDomains) > 0 {
		result.AllowedDomains = mergeStringSlice(nil, overlay.AllowedDomains)
	}
	result.DisabledTools = mergeStringSlice(base.DisabledTools, overlay.DisabledTools)

	return result
}

func pickString(overlay, base string) string {
	if strings.TrimSpace(overlay) != "" {
		return overlay
	}
	return base
}

func pickInt(overlay, base int) int {
	if overlay != 0 {
		return overlay
	}
	return base
}

// mergeStringSlice combines two slices, trims whitespace, and removes duplicates.
func mergeStringSlice(a, b []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(a)+len(b))

	for _, s := range a {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}
	for _, s := range b {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}
