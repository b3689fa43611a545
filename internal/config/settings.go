package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"devspin/internal/health"
	"devspin/internal/state"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// For mocking in tests
var osUserHomeDir = os.UserHomeDir
var osGetwd = os.Getwd

const (
	userConfigDir    = ".config/devspin"
	projectConfigDir = ".devspin"
	configFileName   = "config.yaml"
	envPrefix        = "DEVSPIN"
)

// Settings controls the behavior of the orchestrator.
type Settings struct {
	StateDir       string         `mapstructure:"state_dir" yaml:"state_dir" validate:"required"`
	ProjectsDir    string         `mapstructure:"projects_dir" yaml:"projects_dir"`
	LogLevel       string         `mapstructure:"log_level" yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat      string         `mapstructure:"log_format" yaml:"log_format" validate:"oneof=text json"`
	GracePeriod    time.Duration  `mapstructure:"grace_period" yaml:"grace_period" validate:"gt=0"`
	KillTimeout    time.Duration  `mapstructure:"kill_timeout" yaml:"kill_timeout" validate:"gt=0"`
	HookTimeout    time.Duration  `mapstructure:"hook_timeout" yaml:"hook_timeout" validate:"gt=0"`
	MaxConcurrency int            `mapstructure:"max_concurrency" yaml:"max_concurrency" validate:"min=1,max=256"`
	Health         HealthSettings `mapstructure:"health" yaml:"health"`
}

// HealthSettings are the tool-wide health check defaults. Individual checks
// may override interval, timeout and retries.
type HealthSettings struct {
	Interval          time.Duration `mapstructure:"interval" yaml:"interval" validate:"gt=0"`
	Retries           int           `mapstructure:"retries" yaml:"retries" validate:"min=1"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gt=0"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff" yaml:"max_backoff" validate:"gt=0"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier" yaml:"backoff_multiplier" validate:"gte=1"`
}

// Policy converts the settings into a health policy.
func (h HealthSettings) Policy() health.Policy {
	return health.Policy{
		Interval:   h.Interval,
		Timeout:    h.Timeout,
		Retries:    h.Retries,
		MaxBackoff: h.MaxBackoff,
		Multiplier: h.BackoffMultiplier,
	}
}

var validate = validator.New()

var getUserConfigPath = func() (string, error) {
	homeDir, err := osUserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, userConfigDir, configFileName), nil
}

var getProjectConfigPath = func() (string, error) {
	wd, err := osGetwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, projectConfigDir, configFileName), nil
}

// For mocking in tests
var defaultStateDir = state.DefaultDir

func setDefaults(v *viper.Viper) error {
	stateDir, err := defaultStateDir()
	if err != nil {
		return err
	}
	v.SetDefault("state_dir", stateDir)
	v.SetDefault("projects_dir", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("grace_period", "5s")
	v.SetDefault("kill_timeout", "5s")
	v.SetDefault("hook_timeout", "60s")
	v.SetDefault("max_concurrency", 8)
	v.SetDefault("health.interval", "500ms")
	v.SetDefault("health.retries", 10)
	v.SetDefault("health.timeout", "60s")
	v.SetDefault("health.max_backoff", "5s")
	v.SetDefault("health.backoff_multiplier", 1.5)
	return nil
}

// LoadSettings merges defaults, the user and working directory config files,
// the optional explicit file and DEVSPIN_* environment variables.
func LoadSettings(explicitFile string) (*Settings, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := setDefaults(v); err != nil {
		return nil, fmt.Errorf("failed to determine default state directory: %w", err)
	}

	var layers []string
	if p, err := getUserConfigPath(); err == nil {
		layers = append(layers, p)
	}
	if p, err := getProjectConfigPath(); err == nil {
		layers = append(layers, p)
	}
	for _, path := range layers {
		if err := mergeFile(v, path, false); err != nil {
			return nil, err
		}
	}
	if explicitFile != "" {
		if err := mergeFile(v, explicitFile, true); err != nil {
			return nil, err
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("error unmarshaling settings: %w", err)
	}
	s.StateDir = expandHome(s.StateDir)
	s.ProjectsDir = expandHome(s.ProjectsDir)

	if err := validate.Struct(&s); err != nil {
		return nil, fmt.Errorf("settings validation failed: %w", err)
	}
	return &s, nil
}

func mergeFile(v *viper.Viper, path string, required bool) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("error loading config from %s: %w", path, err)
	}
	v.SetConfigFile(path)
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("error loading config from %s: %w", path, err)
	}
	return nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := osUserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
