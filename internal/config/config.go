// Package config loads the gateway's configuration knobs from a YAML
// file named by an environment variable, applies struct defaults, and
// validates the result before the gateway starts accepting devices.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config holds every knob named in the gateway's external interfaces:
// counter wraparound, keepalive/socket timeouts, the OTA size cap, the
// chunking and retry parameters, and the two verbosity switches.
type Config struct {
	Environment           string        `yaml:"environment" validate:"required"`
	MessageCounterMax     uint32        `yaml:"message_counter_max" default:"65536" validate:"gt=0"`
	KeepaliveTimeout      time.Duration `yaml:"keepalive_timeout" default:"15s" validate:"gt=0"`
	SocketTimeout         time.Duration `yaml:"socket_timeout" default:"31s" validate:"gt=0"`
	MaxBinarySize         int           `yaml:"max_binary_size" default:"108000" validate:"gt=0"`
	ChunkSize             int           `yaml:"chunk_size" default:"512" validate:"gt=0"`
	MaxChunkRetries       int           `yaml:"max_chunk_retries" default:"3" validate:"gte=0"`
	RaiseHandTimeout      time.Duration `yaml:"raise_hand_timeout" default:"30s" validate:"gt=0"`
	LogAPIMessages        bool          `yaml:"log_api_messages" default:"false"`
	ShowVerboseDeviceLogs bool          `yaml:"show_verbose_device_logs" default:"false"`

	ListenAddress     string   `yaml:"listen_address" default:":5683" validate:"required"`
	ServerKeyPath     string   `yaml:"server_key_path" validate:"required"`
	DeviceKeyStoreDir string   `yaml:"device_key_store_dir" validate:"required"`
	FirmwareDir       string   `yaml:"firmware_dir" validate:"required"`
	APIBaseURL        string   `yaml:"api_base_url" validate:"required"`
	KafkaBrokers      []string `yaml:"kafka_brokers" validate:"required,min=1"`
	KafkaTopic        string   `yaml:"kafka_topic" default:"device-events" validate:"required"`
	KafkaGroup        string   `yaml:"kafka_group" default:"gatewayd" validate:"required"`
}

type envVars struct {
	ConfigYAML string `envconfig:"GATEWAY_CONFIG_YAML" required:"true"`
}

// New reads the GATEWAY_CONFIG_YAML environment variable, loads the
// YAML file it names over a struct pre-populated with defaults, and
// validates the result.
func New() (*Config, error) {
	env := envVars{}
	if err := envconfig.Process("", &env); err != nil {
		return nil, err
	}
	return Load(env.ConfigYAML)
}

// Load is New's testable core: given a path, parse and validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, err
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validateConfig(cfg *Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	return validate.Struct(cfg)
}
