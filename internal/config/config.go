// Package config loads and validates the shadow manager's configuration
// tree: storage limits, rate limits, and the synchronize block that feeds
// internal/syncconfig.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/edgegatekit/shadowmgr/internal/shadowerr"
)

const (
	defaultShadowDocumentSizeLimitBytes = 8192
	maxShadowDocumentSizeLimitBytes     = 30720
)

// Direction controls which way shadow updates are allowed to sync.
type Direction string

const (
	DirectionBidi          Direction = "betweenDeviceAndCloud"
	DirectionDeviceToCloud Direction = "deviceToCloud"
	DirectionCloudToDevice Direction = "cloudToDevice"
)

// StrategyType selects how the sync worker pool drains queued work.
type StrategyType string

const (
	StrategyRealTime StrategyType = "realTime"
	StrategyPeriodic StrategyType = "periodic"
)

// RateLimitsConfig holds the three throttle knobs from the recognized
// configuration schema.
type RateLimitsConfig struct {
	MaxOutboundSyncUpdatesPerSecond int `mapstructure:"maxOutboundSyncUpdatesPerSecond"`
	MaxTotalLocalRequestsRate       int `mapstructure:"maxTotalLocalRequestsRate"`
	MaxLocalRequestsRatePerThing    int `mapstructure:"maxLocalRequestsRatePerThing"`
}

// StrategyConfig is the `synchronize.strategy` block.
type StrategyConfig struct {
	Type      StrategyType `mapstructure:"type"`
	DelaySecs int          `mapstructure:"delay"`
}

// CoreThingConfig is the dynamic, platform-provided-thing-name entry.
type CoreThingConfig struct {
	ClassicShadow bool     `mapstructure:"classicShadow"`
	NamedShadows  []string `mapstructure:"namedShadows"`
}

// ShadowDocumentEntry is one element of the list-form `synchronize.shadowDocuments`.
type ShadowDocumentEntry struct {
	ThingName     string   `mapstructure:"thingName"`
	ClassicShadow bool     `mapstructure:"classicShadow"`
	NamedShadows  []string `mapstructure:"namedShadows"`
}

// ShadowDocumentMapEntry is one value of the map-form `synchronize.shadowDocumentsMap`.
type ShadowDocumentMapEntry struct {
	ClassicShadow bool     `mapstructure:"classicShadow"`
	NamedShadows  []string `mapstructure:"namedShadows"`
}

// SynchronizeConfig is the `synchronize` block.
type SynchronizeConfig struct {
	Direction          Direction                         `mapstructure:"direction"`
	Strategy           StrategyConfig                    `mapstructure:"strategy"`
	CoreThing          CoreThingConfig                   `mapstructure:"coreThing"`
	ShadowDocuments    []ShadowDocumentEntry             `mapstructure:"shadowDocuments"`
	ShadowDocumentsMap map[string]ShadowDocumentMapEntry `mapstructure:"shadowDocumentsMap"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Backend string `mapstructure:"backend"` // sqlite | postgres | mysql
	Path    string `mapstructure:"path"`    // sqlite
	DSN     string `mapstructure:"dsn"`     // postgres / mysql
}

// RateLimitBackendConfig selects the token-bucket storage: in-process or
// a shared Redis instance.
type RateLimitBackendConfig struct {
	Backend  string `mapstructure:"backend"` // memory | redis
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LoggerConfig contains logging settings.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	LogDir string `mapstructure:"logDir"`
}

// AdminConfig controls the ambient ops HTTP surface (healthz/metrics/debug).
type AdminConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// AuthConfig controls local JWT authorization.
type AuthConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	SecretKey string `mapstructure:"secretKey"`
}

// MQTTConfig is a local-or-cloud MQTT broker connection.
type MQTTConfig struct {
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"clientId"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// CloudConfig configures the AWS IoT Data Plane session used for outbound
// shadow calls.
type CloudConfig struct {
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"accessKey"`
	SecretKey string `mapstructure:"secretKey"`
}

// Config is the whole recognized configuration tree.
type Config struct {
	MaxDiskUtilizationMegabytes  int                    `mapstructure:"maxDiskUtilizationMegabytes"`
	ShadowDocumentSizeLimitBytes int                    `mapstructure:"shadowDocumentSizeLimitBytes"`
	RateLimits                   RateLimitsConfig       `mapstructure:"rateLimits"`
	RateLimitBackend             RateLimitBackendConfig `mapstructure:"rateLimitBackend"`
	Synchronize                  SynchronizeConfig      `mapstructure:"synchronize"`
	Store                        StoreConfig            `mapstructure:"store"`
	Logger                       LoggerConfig           `mapstructure:"logger"`
	Admin                        AdminConfig            `mapstructure:"admin"`
	Auth                         AuthConfig             `mapstructure:"auth"`
	LocalMQTT                    MQTTConfig             `mapstructure:"localMqtt"`
	CloudMQTT                    MQTTConfig             `mapstructure:"cloudMqtt"`
	Cloud                        CloudConfig            `mapstructure:"cloud"`
}

// Load reads configuration from file and environment variables, rejecting
// any key outside the recognized schema.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		v.AddConfigPath(getConfigDir())
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, shadowerr.Wrap(shadowerr.KindInvalidConfig, "failed to read config", err)
		}
	}

	v.SetEnvPrefix("SHADOWMGR")
	v.AutomaticEnv()

	cfg, err := unmarshal(v)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Watch starts watching the loaded config file for changes, invoking
// onChange with the freshly reparsed Config whenever it fires. No other
// package calls it; the "core thing" entries follow thing-name changes
// through syncconfig.ThingNameProvider instead.
func Watch(configPath string, onChange func(*Config)) error {
	v := viper.New()
	setDefaults(v)
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		v.AddConfigPath(getConfigDir())
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return shadowerr.Wrap(shadowerr.KindInvalidConfig, "failed to read config", err)
		}
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := unmarshal(v)
		if err != nil {
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, shadowerr.Wrap(shadowerr.KindInvalidConfig, "unrecognized configuration key", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.ShadowDocumentSizeLimitBytes < 1 || cfg.ShadowDocumentSizeLimitBytes > maxShadowDocumentSizeLimitBytes {
		return shadowerr.New(shadowerr.KindInvalidConfig, "shadowDocumentSizeLimitBytes must be between 1 and 30720")
	}
	if cfg.MaxDiskUtilizationMegabytes < 0 {
		return shadowerr.New(shadowerr.KindInvalidConfig, "maxDiskUtilizationMegabytes must be >= 0")
	}
	switch cfg.Synchronize.Direction {
	case "", DirectionBidi, DirectionDeviceToCloud, DirectionCloudToDevice:
	default:
		return shadowerr.New(shadowerr.KindInvalidConfig, fmt.Sprintf("unknown synchronize.direction %q", cfg.Synchronize.Direction))
	}
	switch cfg.Synchronize.Strategy.Type {
	case "", StrategyRealTime, StrategyPeriodic:
	default:
		return shadowerr.New(shadowerr.KindInvalidConfig, fmt.Sprintf("unknown synchronize.strategy.type %q", cfg.Synchronize.Strategy.Type))
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("shadowDocumentSizeLimitBytes", defaultShadowDocumentSizeLimitBytes)
	v.SetDefault("maxDiskUtilizationMegabytes", 0)

	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.path", "./data/shadowmgr.db")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("admin.host", "127.0.0.1")
	v.SetDefault("admin.port", 9090)

	v.SetDefault("rateLimitBackend.backend", "memory")

	v.SetDefault("synchronize.direction", string(DirectionBidi))
	v.SetDefault("synchronize.strategy.type", string(StrategyRealTime))
}

func getConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".shadowmgr")
}
