// Package config loads the ingester configuration from defaults, an optional
// YAML file and FIELDWATCH_* environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// FIELDWATCH_MQTT_BROKER for mqtt.broker.
const EnvPrefix = "FIELDWATCH"

type Config struct {
	Log    LogConfig    `mapstructure:"log"`
	MQTT   MQTTConfig   `mapstructure:"mqtt"`
	Topics TopicsConfig `mapstructure:"topics"`
	Store  StoreConfig  `mapstructure:"store"`
	Ingest IngestConfig `mapstructure:"ingest"`
	HTTP   HTTPConfig   `mapstructure:"http"`
	Sync   SyncConfig   `mapstructure:"sync"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error DEBUG INFO WARN ERROR"`
	Format string `mapstructure:"format" validate:"oneof=json console text"`
}

type MQTTConfig struct {
	Broker         string        `mapstructure:"broker" validate:"required"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	ClientID       string        `mapstructure:"client_id"`
	QoS            uint8         `mapstructure:"qos" validate:"lte=2"`
	KeepAlive      time.Duration `mapstructure:"keepalive" validate:"gt=0"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" validate:"gt=0"`
	ReconnectBase  time.Duration `mapstructure:"reconnect_base" validate:"gt=0"`
	ReconnectMax   time.Duration `mapstructure:"reconnect_max" validate:"gtefield=ReconnectBase"`
}

// TopicsConfig names the six subscribed topics.
type TopicsConfig struct {
	Environmental string `mapstructure:"environmental" validate:"required"`
	System        string `mapstructure:"system" validate:"required"`
	Detection     string `mapstructure:"detection" validate:"required"`
	CPU           string `mapstructure:"cpu" validate:"required"`
	RAM           string `mapstructure:"ram" validate:"required"`
	Storage       string `mapstructure:"storage" validate:"required"`
}

// All returns the topics in subscription order.
func (t TopicsConfig) All() []string {
	return []string{t.Environmental, t.System, t.Detection, t.CPU, t.RAM, t.Storage}
}

type StoreConfig struct {
	Driver       string `mapstructure:"driver" validate:"oneof=sqlite postgres"`
	SQLitePath   string `mapstructure:"sqlite_path" validate:"required_if=Driver sqlite"`
	PostgresDSN  string `mapstructure:"postgres_dsn" validate:"required_if=Driver postgres"`
	MaxOpenConns int    `mapstructure:"max_open_conns" validate:"gte=1"`
}

type IngestConfig struct {
	DedupWindow time.Duration `mapstructure:"dedup_window" validate:"gt=0"`
	MergeWindow time.Duration `mapstructure:"merge_window" validate:"gt=0"`
	QueueSize   int           `mapstructure:"queue_size" validate:"gte=1"`
	Workers     int           `mapstructure:"workers" validate:"gte=1"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	MetricsAddr     string        `mapstructure:"metrics_addr" validate:"required"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// SyncConfig controls the periodic jobs run by serve.
type SyncConfig struct {
	StatsInterval time.Duration `mapstructure:"stats_interval" validate:"gt=0"`
	// ResyncInterval runs the pest-count resync periodically; 0 disables it.
	ResyncInterval time.Duration `mapstructure:"resync_interval" validate:"gte=0"`
	ResyncWindow   time.Duration `mapstructure:"resync_window" validate:"gt=0"`
}

// SetDefaults registers every key with its default, which also makes each
// key reachable through AutomaticEnv.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.keepalive", "60s")
	v.SetDefault("mqtt.connect_timeout", "10s")
	v.SetDefault("mqtt.reconnect_base", "5s")
	v.SetDefault("mqtt.reconnect_max", "300s")

	v.SetDefault("topics.environmental", "alat/data")
	v.SetDefault("topics.system", "alat/data/system")
	v.SetDefault("topics.detection", "alat/data/detection")
	v.SetDefault("topics.cpu", "alat/data/cpu")
	v.SetDefault("topics.ram", "alat/data/ram")
	v.SetDefault("topics.storage", "alat/data/storage")

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "/data/fieldwatch.db")
	v.SetDefault("store.postgres_dsn", "")
	v.SetDefault("store.max_open_conns", 20)

	v.SetDefault("ingest.dedup_window", "30s")
	v.SetDefault("ingest.merge_window", "60s")
	v.SetDefault("ingest.queue_size", 1000)
	v.SetDefault("ingest.workers", 1)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.metrics_addr", ":9091")
	v.SetDefault("http.shutdown_timeout", "10s")

	v.SetDefault("sync.stats_interval", "15s")
	v.SetDefault("sync.resync_interval", "0s")
	v.SetDefault("sync.resync_window", "1h")
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the file at path (if non-empty) on top of the defaults, applies
// environment overrides and validates the result. Without a path it looks
// for fieldwatch.yaml in the working directory and /etc/fieldwatch, and a
// missing file there is not an error.
func Load(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("fieldwatch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/fieldwatch")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return f.Tag.Get("mapstructure")
	})
	return v
}

// Validate reports every invalid setting by its config key.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	problems := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		key := strings.TrimPrefix(fe.Namespace(), "Config.")
		problems = append(problems, fmt.Sprintf("%s: failed %s", key, fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
}
