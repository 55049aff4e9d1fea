package server

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// EnvPrefix marks environment variables read into the config. A double
// underscore separates sections: TANGLE_JOB_QUEUE__MIN_NEW_COUNT sets
// job_queue.min_new_count.
const EnvPrefix = "TANGLE_"

// Config is the full server configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Log        LogConfig        `koanf:"log"`
	Store      StoreConfig      `koanf:"store"`
	JobQueue   JobQueueConfig   `koanf:"job_queue"`
	Montesinos MontesinosConfig `koanf:"montesinos"`
	Auth       AuthConfig       `koanf:"auth"`
	RateLimit  RateLimitConfig  `koanf:"rate_limit"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

type ServerConfig struct {
	Port            string        `koanf:"port" validate:"required,numeric"`
	GRPCPort        string        `koanf:"grpc_port" validate:"required,numeric"`
	ReadTimeout     time.Duration `koanf:"read_timeout" validate:"min=0"`
	// Zero leaves event streams open indefinitely.
	WriteTimeout    time.Duration `koanf:"write_timeout" validate:"min=0"`
	IdleTimeout     time.Duration `koanf:"idle_timeout" validate:"min=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"min=0"`
}

type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json text"`
}

type StoreConfig struct {
	Backend       string            `koanf:"backend" validate:"oneof=memory nats mongo"`
	NatsURL       string            `koanf:"nats_url" validate:"required_if=Backend nats"`
	MongoURI      string            `koanf:"mongo_uri" validate:"required_if=Backend mongo"`
	MongoDatabase string            `koanf:"mongo_database" validate:"required_if=Backend mongo"`
	Collections   CollectionsConfig `koanf:"collections"`
}

type CollectionsConfig struct {
	Stencils   string `koanf:"stencils" validate:"required"`
	Candidates string `koanf:"candidates" validate:"required"`
	Results    string `koanf:"results" validate:"required"`
}

// JobQueueConfig intervals are in seconds.
type JobQueueConfig struct {
	StaleInterval    int `koanf:"stale_interval" validate:"min=1"`
	CompleteInterval int `koanf:"complete_interval" validate:"min=1"`
	MinNewCount      int `koanf:"min_new_count" validate:"min=0"`
}

func (c JobQueueConfig) Stale() time.Duration {
	return time.Duration(c.StaleInterval) * time.Second
}

func (c JobQueueConfig) Complete() time.Duration {
	return time.Duration(c.CompleteInterval) * time.Second
}

type MontesinosConfig struct {
	PageExponent int `koanf:"page_exponent" validate:"min=0,max=20"`
}

type AuthConfig struct {
	Mode         string            `koanf:"mode" validate:"oneof=static jwt insecure"`
	// Tokens maps each accepted bearer token to the identity it stands for.
	Tokens       map[string]string `koanf:"tokens"`
	JWTSecret    string            `koanf:"jwt_secret" validate:"required_if=Mode jwt"`
	JWTAlgorithm string            `koanf:"jwt_algorithm" validate:"oneof=HS256 HS384 HS512"`
}

type RateLimitConfig struct {
	LeasePerSecond float64 `koanf:"lease_per_second" validate:"min=0"`
	Burst          int     `koanf:"burst" validate:"min=0"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Endpoint    string `koanf:"endpoint" validate:"required_if=Enabled true"`
	Insecure    bool   `koanf:"insecure"`
	ServiceName string `koanf:"service_name"`
}

// DefaultConfigAsMap is the lowest-priority configuration layer.
func DefaultConfigAsMap() map[string]any {
	return map[string]any{
		"server.port":             "8080",
		"server.grpc_port":        "9090",
		"server.read_timeout":     30 * time.Second,
		"server.write_timeout":    time.Duration(0),
		"server.idle_timeout":     120 * time.Second,
		"server.shutdown_timeout": 30 * time.Second,

		"log.level":  "info",
		"log.format": "json",

		"store.backend":                "memory",
		"store.nats_url":               "nats://localhost:4222",
		"store.mongo_uri":              "",
		"store.mongo_database":         "tanglenomicon",
		"store.collections.stencils":   "mont_stencils",
		"store.collections.candidates": "rational",
		"store.collections.results":    "montesinos",

		"job_queue.stale_interval":    300,
		"job_queue.complete_interval": 30,
		"job_queue.min_new_count":     50,

		"montesinos.page_exponent": 3,

		"auth.mode":          "static",
		"auth.jwt_algorithm": "HS256",

		"rate_limit.lease_per_second": 0.0,
		"rate_limit.burst":            10,

		"telemetry.enabled":      false,
		"telemetry.insecure":     true,
		"telemetry.service_name": "tangle-jobs",
	}
}

// flagKeys maps command-line flag names onto config keys.
var flagKeys = map[string]string{
	"port":      "server.port",
	"grpc-port": "server.grpc_port",
	"log-level": "log.level",
	"store":     "store.backend",
}

// Load merges defaults, the optional YAML file at path, TANGLE_ environment
// variables and flags, in increasing priority, then validates the result.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(DefaultConfigAsMap(), "."), nil); err != nil {
		return nil, fmt.Errorf("error loading defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("error checking config file %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("error loading environment variables: %w", err)
	}

	if flags != nil {
		provider := posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, fmt.Errorf("error loading command-line flags: %w", err)
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	return strings.ReplaceAll(key, "__", ".")
}

var validate = validator.New()

// Validate checks field constraints and the cross-field rules tags can't
// express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Auth.Mode == "static" && len(c.Auth.Tokens) == 0 {
		return fmt.Errorf("invalid config: auth.mode static needs at least one entry in auth.tokens")
	}
	return nil
}
