// Package config loads server configuration from an optional YAML file and
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultFile is read when Load is given no path and the file exists.
const DefaultFile = "deplay.yaml"

const (
	BackendFile   = "file"
	BackendMemory = "memory"

	RuntimeExec   = "exec"
	RuntimeDocker = "docker"
)

// Config holds all configuration values for the application.
type Config struct {
	HTTPPort    int
	MetricsPort int

	// DataDir holds one directory per run with its clone, log and analysis.
	DataDir    string
	LogBackend string

	Runtime         string
	ContainerBinary string
	GitBinary       string

	BuildTimeout  time.Duration
	RunTimeout    time.Duration
	Execute       bool
	KeepWorkspace bool

	TailPollInterval  time.Duration
	KeepAliveInterval time.Duration

	AllowedHosts []string
	CORSOrigins  []string
	// SubmitRate is submissions per second per client IP. Zero disables the limit.
	SubmitRate  float64
	SubmitBurst int

	GeminiAPIKey        string
	GeminiModel         string
	AnalysisTimeout     time.Duration
	AnalysisMaxLogBytes int64

	OTELEndpoint string
	LogLevel     string
}

// envBindings maps config keys to the environment variables that override them.
var envBindings = map[string]string{
	"http_port":              "PORT",
	"metrics_port":           "METRICS_PORT",
	"data_dir":               "DATA_DIR",
	"log_backend":            "LOG_BACKEND",
	"runtime":                "RUNTIME",
	"container_binary":       "CONTAINER_BINARY",
	"git_binary":             "GIT_BINARY",
	"build_timeout":          "BUILD_TIMEOUT",
	"run_timeout":            "RUN_TIMEOUT",
	"execute":                "EXECUTE",
	"keep_workspace":         "KEEP_WORKSPACE",
	"tail_poll_interval":     "TAIL_POLL_INTERVAL",
	"keepalive_interval":     "KEEPALIVE_INTERVAL",
	"allowed_hosts":          "ALLOWED_HOSTS",
	"cors_origins":           "CORS_ORIGINS",
	"submit_rate":            "SUBMIT_RATE",
	"submit_burst":           "SUBMIT_BURST",
	"gemini_api_key":         "GEMINI_API_KEY",
	"gemini_model":           "GEMINI_MODEL",
	"analysis_timeout":       "ANALYSIS_TIMEOUT",
	"analysis_max_log_bytes": "ANALYSIS_MAX_LOG_BYTES",
	"otel_endpoint":          "OTEL_EXPORTER_OTLP_ENDPOINT",
	"log_level":              "LOG_LEVEL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_port", 8080)
	v.SetDefault("metrics_port", 6162)
	v.SetDefault("data_dir", filepath.Join(os.TempDir(), "deplay"))
	v.SetDefault("log_backend", BackendFile)
	v.SetDefault("runtime", RuntimeExec)
	v.SetDefault("container_binary", "docker")
	v.SetDefault("git_binary", "git")
	v.SetDefault("build_timeout", 30*time.Minute)
	v.SetDefault("run_timeout", time.Minute)
	v.SetDefault("execute", true)
	v.SetDefault("keep_workspace", true)
	v.SetDefault("tail_poll_interval", 500*time.Millisecond)
	v.SetDefault("keepalive_interval", 15*time.Second)
	v.SetDefault("allowed_hosts", []string{"github.com"})
	v.SetDefault("cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("submit_rate", 1.0)
	v.SetDefault("submit_burst", 5)
	v.SetDefault("gemini_model", "gemini-2.5-flash")
	v.SetDefault("analysis_timeout", 2*time.Minute)
	v.SetDefault("analysis_max_log_bytes", 0)
	v.SetDefault("otel_endpoint", "localhost:4317")
	v.SetDefault("log_level", "info")
}

// Load reads configuration from path (optional) and environment variables.
// Environment variables take precedence over the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if path == "" {
		if _, err := os.Stat(DefaultFile); err == nil {
			path = DefaultFile
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		HTTPPort:            v.GetInt("http_port"),
		MetricsPort:         v.GetInt("metrics_port"),
		DataDir:             v.GetString("data_dir"),
		LogBackend:          strings.ToLower(v.GetString("log_backend")),
		Runtime:             strings.ToLower(v.GetString("runtime")),
		ContainerBinary:     v.GetString("container_binary"),
		GitBinary:           v.GetString("git_binary"),
		BuildTimeout:        v.GetDuration("build_timeout"),
		RunTimeout:          v.GetDuration("run_timeout"),
		Execute:             v.GetBool("execute"),
		KeepWorkspace:       v.GetBool("keep_workspace"),
		TailPollInterval:    v.GetDuration("tail_poll_interval"),
		KeepAliveInterval:   v.GetDuration("keepalive_interval"),
		AllowedHosts:        stringList(v.GetStringSlice("allowed_hosts")),
		CORSOrigins:         stringList(v.GetStringSlice("cors_origins")),
		SubmitRate:          v.GetFloat64("submit_rate"),
		SubmitBurst:         v.GetInt("submit_burst"),
		GeminiAPIKey:        v.GetString("gemini_api_key"),
		GeminiModel:         v.GetString("gemini_model"),
		AnalysisTimeout:     v.GetDuration("analysis_timeout"),
		AnalysisMaxLogBytes: v.GetInt64("analysis_max_log_bytes"),
		OTELEndpoint:        v.GetString("otel_endpoint"),
		LogLevel:            v.GetString("log_level"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid http_port: %d", c.HTTPPort))
	}
	if c.MetricsPort <= 0 || c.MetricsPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid metrics_port: %d", c.MetricsPort))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required (env: DATA_DIR)"))
	}
	if c.LogBackend != BackendFile && c.LogBackend != BackendMemory {
		errs = append(errs, fmt.Errorf("invalid log_backend %q: must be %s or %s", c.LogBackend, BackendFile, BackendMemory))
	}
	if c.Runtime != RuntimeExec && c.Runtime != RuntimeDocker {
		errs = append(errs, fmt.Errorf("invalid runtime %q: must be %s or %s", c.Runtime, RuntimeExec, RuntimeDocker))
	}
	if c.BuildTimeout <= 0 {
		errs = append(errs, fmt.Errorf("build_timeout must be positive, got %v", c.BuildTimeout))
	}
	if c.RunTimeout <= 0 {
		errs = append(errs, fmt.Errorf("run_timeout must be positive, got %v", c.RunTimeout))
	}
	if c.TailPollInterval <= 0 {
		errs = append(errs, fmt.Errorf("tail_poll_interval must be positive, got %v", c.TailPollInterval))
	}
	if len(c.AllowedHosts) == 0 {
		errs = append(errs, errors.New("allowed_hosts must not be empty"))
	}
	if c.SubmitRate < 0 || c.SubmitBurst < 0 {
		errs = append(errs, errors.New("submit_rate and submit_burst must not be negative"))
	}
	return errors.Join(errs...)
}

// stringList normalizes list values that may arrive as one comma separated
// string from the environment.
func stringList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
