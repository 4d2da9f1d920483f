package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/procman/internal/store"
)

// Config holds all procman configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	ListenAddr string `json:"listen_addr"`
	LogLevel   string `json:"log_level"`
	LogJSON    bool   `json:"log_json"`

	StoreDriver string `json:"store_driver"`
	StoreDSN    string `json:"store_dsn"`

	SchedulerSpec        string `json:"scheduler_spec"`
	SchedulerConcurrency int    `json:"scheduler_concurrency"`
	Recurring            bool   `json:"recurring"`
	SystemActorNumber    string `json:"system_actor_number"`

	HostName     string   `json:"host_name"`
	CatalogPaths []string `json:"catalog_paths"`

	ExecutorURL     string   `json:"executor_url"`
	ExecutorTimeout Duration `json:"executor_timeout"`

	MCP bool `json:"mcp"`
}

// Duration is a time.Duration written as a string ("10s") in settings.json.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"10s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func defaultConfig() Config {
	return Config{
		ListenAddr:           ":4200",
		LogLevel:             "info",
		StoreDriver:          store.DriverSQLite,
		StoreDSN:             filepath.Join(procmanDir(), "procman.db"),
		SchedulerSpec:        "* * * * *",
		SchedulerConcurrency: 4,
		ExecutorTimeout:      Duration(10 * time.Second),
	}
}

func procmanDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".procman"
	}
	return filepath.Join(home, ".procman")
}

func settingsPath() string {
	return filepath.Join(procmanDir(), "settings.json")
}

// loadConfig layers settings.json and PROCMAN_* env vars over the defaults.
// An explicit path must exist; the default settings file may be missing.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	explicit := path != ""
	if !explicit {
		path = settingsPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case explicit || !errors.Is(err, fs.ErrNotExist):
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	if err := applyEnv(&cfg, os.Getenv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	if v := getenv("PROCMAN_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := getenv("PROCMAN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("PROCMAN_LOG_JSON"); v != "" {
		cfg.LogJSON = v == "true" || v == "1"
	}
	if v := getenv("PROCMAN_STORE_DRIVER"); v != "" {
		cfg.StoreDriver = v
	}
	if v := getenv("PROCMAN_STORE_DSN"); v != "" {
		cfg.StoreDSN = v
	}
	if v := getenv("PROCMAN_SCHEDULER_SPEC"); v != "" {
		cfg.SchedulerSpec = v
	}
	if v := getenv("PROCMAN_SCHEDULER_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PROCMAN_SCHEDULER_CONCURRENCY: %w", err)
		}
		cfg.SchedulerConcurrency = n
	}
	if v := getenv("PROCMAN_RECURRING"); v != "" {
		cfg.Recurring = v == "true" || v == "1"
	}
	if v := getenv("PROCMAN_SYSTEM_ACTOR_NUMBER"); v != "" {
		cfg.SystemActorNumber = v
	}
	if v := getenv("PROCMAN_HOST_NAME"); v != "" {
		cfg.HostName = v
	}
	if v := getenv("PROCMAN_CATALOG_PATHS"); v != "" {
		cfg.CatalogPaths = strings.Split(v, string(os.PathListSeparator))
	}
	if v := getenv("PROCMAN_EXECUTOR_URL"); v != "" {
		cfg.ExecutorURL = v
	}
	if v := getenv("PROCMAN_EXECUTOR_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("PROCMAN_EXECUTOR_TIMEOUT: %w", err)
		}
		cfg.ExecutorTimeout = Duration(d)
	}
	if v := getenv("PROCMAN_MCP"); v != "" {
		cfg.MCP = v == "true" || v == "1"
	}
	return nil
}

// Overrides are the command-line flags that may replace configured values.
// Nil or empty fields leave the configuration untouched.
type Overrides struct {
	ListenAddr           string        `name:"listen-addr" help:"TCP listen address."`
	LogLevel             string        `name:"log-level" help:"Log level: debug, info, warn, error."`
	StoreDriver          string        `name:"store-driver" help:"Store driver."`
	StoreDSN             string        `name:"store-dsn" help:"Store data source name."`
	SchedulerSpec        string        `name:"scheduler-spec" help:"Cron spec the scheduler wakes on."`
	SchedulerConcurrency int           `name:"scheduler-concurrency" help:"Due instances started at once."`
	Recurring            *bool         `name:"recurring" help:"Plan instances of recurring descriptions."`
	SystemActorNumber    string        `name:"system-actor-number" help:"Actor number creating recurring instances."`
	HostName             string        `name:"host-name" help:"Host name for catalogs without one."`
	Catalogs             []string      `name:"catalog" help:"Description catalog file (repeatable)."`
	ExecutorURL          string        `name:"executor-url" help:"Engine webhook URL; commands are only logged when empty."`
	ExecutorTimeout      time.Duration `name:"executor-timeout" help:"Engine webhook timeout."`
	MCP                  *bool         `name:"mcp" help:"Also serve MCP tools on stdio."`
}

func (o Overrides) apply(cfg *Config) {
	if o.ListenAddr != "" {
		cfg.ListenAddr = o.ListenAddr
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
	if o.StoreDriver != "" {
		cfg.StoreDriver = o.StoreDriver
	}
	if o.StoreDSN != "" {
		cfg.StoreDSN = o.StoreDSN
	}
	if o.SchedulerSpec != "" {
		cfg.SchedulerSpec = o.SchedulerSpec
	}
	if o.SchedulerConcurrency > 0 {
		cfg.SchedulerConcurrency = o.SchedulerConcurrency
	}
	if o.Recurring != nil {
		cfg.Recurring = *o.Recurring
	}
	if o.SystemActorNumber != "" {
		cfg.SystemActorNumber = o.SystemActorNumber
	}
	if o.HostName != "" {
		cfg.HostName = o.HostName
	}
	if len(o.Catalogs) > 0 {
		cfg.CatalogPaths = o.Catalogs
	}
	if o.ExecutorURL != "" {
		cfg.ExecutorURL = o.ExecutorURL
	}
	if o.ExecutorTimeout > 0 {
		cfg.ExecutorTimeout = Duration(o.ExecutorTimeout)
	}
	if o.MCP != nil {
		cfg.MCP = *o.MCP
	}
}
