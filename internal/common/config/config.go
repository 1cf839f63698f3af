// Package config loads and validates the orchestrator configuration.
// Configuration comes from a YAML file (path from MATRIX_ORCHESTRATOR_CONFIG
// or default search locations), with environment overrides and defaults.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// ForkModeSparkFork is the only supported sandbox fork mode.
const ForkModeSparkFork = "spark_fork"

// Config holds all configuration sections for the orchestrator.
type Config struct {
	HomeserverURL  string `mapstructure:"homeserver_url"`
	BotUserID      string `mapstructure:"bot_user_id"`
	BotAccessToken string `mapstructure:"bot_access_token"`
	BotPassword    string `mapstructure:"bot_password"`

	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
	Server    ServerConfig    `mapstructure:"server"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Projects  []ProjectConfig `mapstructure:"projects"`
}

// WorkspaceConfig describes the top-level chat space and default invite list.
type WorkspaceConfig struct {
	Name        string   `mapstructure:"name"`
	Topic       string   `mapstructure:"topic"`
	TeamMembers []string `mapstructure:"team_members"`
}

// RuntimeConfig holds orchestrator runtime options.
type RuntimeConfig struct {
	StateFile        string `mapstructure:"state_file"`
	BridgeEntrypoint string `mapstructure:"bridge_entrypoint"`
	BridgeWorkdir    string `mapstructure:"bridge_workdir"`
	SyncTimeoutMs    int    `mapstructure:"sync_timeout_ms"`
	KeepErrorRooms   bool   `mapstructure:"keep_error_rooms"`
}

// ServerConfig holds the operational HTTP API configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// NATSConfig holds event bus configuration. An empty URL selects the
// in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"client_id"`
	MaxReconnects int    `mapstructure:"max_reconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// ProjectConfig declares one project with its chat and sandbox shape.
type ProjectConfig struct {
	Key           string              `mapstructure:"key"`
	DisplayName   string              `mapstructure:"display_name"`
	Repo          string              `mapstructure:"repo"`
	DefaultBranch string              `mapstructure:"default_branch"`
	Matrix        ProjectMatrixConfig `mapstructure:"matrix"`
	Spark         ProjectSparkConfig  `mapstructure:"spark"`
}

// ProjectMatrixConfig names the project's chat rooms.
type ProjectMatrixConfig struct {
	LobbyRoomName  string `mapstructure:"lobby_room_name"`
	TaskRoomPrefix string `mapstructure:"task_room_prefix"`
}

// ProjectSparkConfig describes the sandbox shape for a project.
type ProjectSparkConfig struct {
	Project   string          `mapstructure:"project"`
	Base      string          `mapstructure:"base"`
	MainSpark string          `mapstructure:"main_spark"`
	ForkMode  string          `mapstructure:"fork_mode"`
	Work      WorkConfig      `mapstructure:"work"`
	Bootstrap BootstrapConfig `mapstructure:"bootstrap"`
	Services  []ServiceConfig `mapstructure:"services"`
}

// WorkConfig describes the shared work volume.
type WorkConfig struct {
	Volume    string `mapstructure:"volume"`
	MountPath string `mapstructure:"mount_path"`
}

// BootstrapConfig describes the optional bootstrap script run inside the
// main sandbox during reconcile.
type BootstrapConfig struct {
	ScriptIfExists string `mapstructure:"script_if_exists"`
	TimeoutSec     int    `mapstructure:"timeout_sec"`
	Retries        int    `mapstructure:"retries"`
}

// ServiceConfig is accepted in the schema but must not be enabled; service
// orchestration is not implemented in this version.
type ServiceConfig struct {
	Name    string `mapstructure:"name"`
	Enabled bool   `mapstructure:"enabled"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("runtime.state_file", "data/orchestrator-state.json")
	v.SetDefault("runtime.sync_timeout_ms", 30000)
	v.SetDefault("runtime.keep_error_rooms", false)

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8780)

	// Empty URL means use the in-memory event bus.
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.client_id", "roomspark-orchestrator")
	v.SetDefault("nats.max_reconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output_path", "stdout")
}

// Load reads configuration from the default locations, honoring the
// MATRIX_ORCHESTRATOR_CONFIG environment variable when set.
func Load() (*Config, error) {
	return LoadFile(os.Getenv("MATRIX_ORCHESTRATOR_CONFIG"))
}

// LoadFile reads configuration from the given file, or from the default
// search paths when path is empty.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MATRIX_ORCHESTRATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// LOG_LEVEL is read directly, without the prefix.
	_ = v.BindEnv("logging.level", "LOG_LEVEL", "MATRIX_ORCHESTRATOR_LOGGING_LEVEL")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("orchestrator")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/roomspark/")
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	applyProjectDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyProjectDefaults fills per-project defaults that viper's SetDefault
// cannot reach inside list entries.
func applyProjectDefaults(cfg *Config) {
	for i := range cfg.Projects {
		p := &cfg.Projects[i]
		if p.DisplayName == "" {
			p.DisplayName = p.Key
		}
		if p.DefaultBranch == "" {
			p.DefaultBranch = "main"
		}
		if p.Matrix.LobbyRoomName == "" {
			p.Matrix.LobbyRoomName = p.Key + "-lobby"
		}
		if p.Matrix.TaskRoomPrefix == "" {
			p.Matrix.TaskRoomPrefix = p.Key
		}
		if p.Spark.ForkMode == "" {
			p.Spark.ForkMode = ForkModeSparkFork
		}
		if p.Spark.Work.MountPath == "" {
			p.Spark.Work.MountPath = "/work"
		}
		if p.Spark.Bootstrap.TimeoutSec == 0 {
			p.Spark.Bootstrap.TimeoutSec = 1800
		}
		if p.Spark.Bootstrap.Retries == 0 {
			p.Spark.Bootstrap.Retries = 1
		}
	}
}

// validate checks the hard errors: missing connection settings, ambiguous
// auth mode, duplicate project keys, unsupported fork modes, and enabled
// services.
func validate(cfg *Config) error {
	var errs []string

	if cfg.HomeserverURL == "" {
		errs = append(errs, "homeserver_url is required")
	}
	if cfg.BotUserID == "" {
		errs = append(errs, "bot_user_id is required")
	}

	hasToken := cfg.BotAccessToken != ""
	hasPassword := cfg.BotPassword != ""
	switch {
	case !hasToken && !hasPassword:
		errs = append(errs, "one of bot_access_token or bot_password is required")
	case hasToken && hasPassword:
		errs = append(errs, "bot_access_token and bot_password are mutually exclusive")
	}

	if cfg.Workspace.Name == "" {
		errs = append(errs, "workspace.name is required")
	}
	if cfg.Runtime.BridgeEntrypoint == "" {
		errs = append(errs, "runtime.bridge_entrypoint is required")
	}
	if cfg.Runtime.SyncTimeoutMs <= 0 {
		errs = append(errs, "runtime.sync_timeout_ms must be positive")
	}

	seen := make(map[string]bool)
	for i := range cfg.Projects {
		p := &cfg.Projects[i]
		if p.Key == "" {
			errs = append(errs, fmt.Sprintf("projects[%d].key is required", i))
			continue
		}
		if seen[p.Key] {
			errs = append(errs, fmt.Sprintf("duplicate project key %q", p.Key))
		}
		seen[p.Key] = true

		if p.Repo == "" {
			errs = append(errs, fmt.Sprintf("project %q: repo is required", p.Key))
		}
		if p.Spark.Project == "" || p.Spark.Base == "" || p.Spark.MainSpark == "" {
			errs = append(errs, fmt.Sprintf("project %q: spark.project, spark.base and spark.main_spark are required", p.Key))
		}
		if p.Spark.ForkMode != ForkModeSparkFork {
			errs = append(errs, fmt.Sprintf("project %q: unsupported fork_mode %q (only %q is supported)", p.Key, p.Spark.ForkMode, ForkModeSparkFork))
		}
		if p.Spark.Work.Volume == "" {
			errs = append(errs, fmt.Sprintf("project %q: spark.work.volume is required", p.Key))
		}
		for _, svc := range p.Spark.Services {
			if svc.Enabled {
				errs = append(errs, fmt.Sprintf("project %q: service %q is enabled, but services are not supported in this version", p.Key, svc.Name))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// ProjectByKey returns the declared project with the given key, or nil.
func (c *Config) ProjectByKey(key string) *ProjectConfig {
	for i := range c.Projects {
		if c.Projects[i].Key == key {
			return &c.Projects[i]
		}
	}
	return nil
}
