// Package config loads a fleet plan and its runtime settings from a
// YAML file, overridable by FLEET_*-prefixed environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// RecordSpec is the on-disk shape of a single service, matching the
// plan-input fields of internal/fleet.Record (runtime fields such as
// state and instance_id are not part of it). A plan file groups these
// into ordered levels; RecordSpec.ToRecord converts each into a
// *fleet.Record.
type RecordSpec struct {
	Name string `yaml:"name"`

	Image          string   `yaml:"image,omitempty"`
	InstanceType   string   `yaml:"instance_type,omitempty"`
	KeyName        string   `yaml:"key_name,omitempty"`
	SecurityGroups []string `yaml:"security_groups,omitempty"`
	IaaSEndpoint   string   `yaml:"iaas_url,omitempty"`
	IaaSRegion     string   `yaml:"iaas_region,omitempty"`
	IaaSKeyRef     string   `yaml:"iaas_key_ref,omitempty"`
	IaaSSecretRef  string   `yaml:"iaas_secret_ref,omitempty"`

	Hostname    string `yaml:"hostname,omitempty"`
	Username    string `yaml:"username,omitempty"`
	SCPUsername string `yaml:"scp_username,omitempty"`
	SSHPort     int    `yaml:"ssh_port,omitempty"`
	LocalKey    string `yaml:"localkey,omitempty"`

	BootPgm          string `yaml:"bootpgm,omitempty"`
	BootPgmArgs      string `yaml:"bootpgm_args,omitempty"`
	ReadyPgm         string `yaml:"readypgm,omitempty"`
	ReadyPgmArgs     string `yaml:"readypgm_args,omitempty"`
	TerminatePgm     string `yaml:"terminatepgm,omitempty"`
	TerminatePgmArgs string `yaml:"terminatepgm_args,omitempty"`

	BootConf string `yaml:"bootconf,omitempty"`
}

// PlanSpec is the on-disk shape of a full deployment plan: an ordered
// list of levels, each a list of services. Level k+1 may reference
// any attribute exported by a service in level k via ${svc.attr}.
type PlanSpec struct {
	Levels [][]RecordSpec `yaml:"levels"`
}

// IaaSConfig supplies plan-wide IaaS defaults a RecordSpec may omit.
type IaaSConfig struct {
	Endpoint string `yaml:"endpoint,omitempty"`
	Region   string `yaml:"region,omitempty"`
	KeyRef   string `yaml:"key_ref,omitempty"`
	SecretRef string `yaml:"secret_ref,omitempty"`
	// UseMemory selects the deterministic in-memory Cloud double
	// instead of the real EC2 backend, for dry runs and tests.
	UseMemory bool `yaml:"use_memory,omitempty"`
}

// DaemonConfig covers the ambient logging/polling knobs every run
// needs regardless of which plan it drives.
type DaemonConfig struct {
	LogLevel     string `yaml:"log_level,omitempty"`
	LogFormat    string `yaml:"log_format,omitempty"`
	PollInterval string `yaml:"poll_interval,omitempty"`
	// LogFile, when set, additionally writes one JSON FleetLog entry
	// per service that fails permanently to this path.
	LogFile string `yaml:"log_file,omitempty"`
	// LogConsole disables the per-service "[service] ..." console lines
	// when explicitly set to false; defaults to true.
	LogConsole *bool `yaml:"log_console,omitempty"`
}

// ObservabilityConfig toggles the optional tracing/metrics surfaces.
type ObservabilityConfig struct {
	TracingEnabled bool   `yaml:"tracing_enabled,omitempty"`
	OTLPEndpoint   string `yaml:"otlp_endpoint,omitempty"`
	MetricsAddr    string `yaml:"metrics_addr,omitempty"`
}

// StoreConfig selects and configures the persistence collaborator.
type StoreConfig struct {
	PostgresDSN string `yaml:"postgres_dsn,omitempty"`
}

// Config is the full runtime configuration for one fleetctl invocation.
type Config struct {
	Plan          PlanSpec            `yaml:"plan"`
	Daemon        DaemonConfig        `yaml:"daemon"`
	Observability ObservabilityConfig `yaml:"observability"`
	IaaS          IaaSConfig          `yaml:"iaas"`
	Store         StoreConfig         `yaml:"store"`
}

// DefaultConfig returns a Config with sane defaults and no plan.
func DefaultConfig() *Config {
	return &Config{
		Daemon: DaemonConfig{
			LogLevel:     "info",
			LogFormat:    "text",
			PollInterval: "500ms",
		},
		Observability: ObservabilityConfig{
			MetricsAddr: ":9090",
		},
	}
}

// LoadFromFile reads and parses a YAML plan/config file.
func LoadFromFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv overlays FLEET_*-prefixed environment variables onto cfg.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("FLEET_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
	}
	if v := os.Getenv("FLEET_LOG_FORMAT"); v != "" {
		cfg.Daemon.LogFormat = v
	}
	if v := os.Getenv("FLEET_POLL_INTERVAL"); v != "" {
		cfg.Daemon.PollInterval = v
	}
	if v := os.Getenv("FLEET_LOG_FILE"); v != "" {
		cfg.Daemon.LogFile = v
	}
	if v := os.Getenv("FLEET_LOG_CONSOLE"); v != "" {
		b := parseBool(v)
		cfg.Daemon.LogConsole = &b
	}
	if v := os.Getenv("FLEET_IAAS_ENDPOINT"); v != "" {
		cfg.IaaS.Endpoint = v
	}
	if v := os.Getenv("FLEET_IAAS_REGION"); v != "" {
		cfg.IaaS.Region = v
	}
	if v := os.Getenv("FLEET_IAAS_USE_MEMORY"); v != "" {
		cfg.IaaS.UseMemory = parseBool(v)
	}
	if v := os.Getenv("FLEET_STORE_DSN"); v != "" {
		cfg.Store.PostgresDSN = v
	}
	if v := os.Getenv("FLEET_TRACING_ENABLED"); v != "" {
		cfg.Observability.TracingEnabled = parseBool(v)
	}
	if v := os.Getenv("FLEET_OTLP_ENDPOINT"); v != "" {
		cfg.Observability.OTLPEndpoint = v
	}
	if v := os.Getenv("FLEET_METRICS_ADDR"); v != "" {
		cfg.Observability.MetricsAddr = v
	}
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}
