package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. TRANSFERD_BUS_DRIVER.
const EnvPrefix = "TRANSFERD"

// Config is the transferd service configuration.
type Config struct {
	Service     ServiceConfig     `mapstructure:"service"`
	Bus         BusConfig         `mapstructure:"bus"`
	Store       StoreConfig       `mapstructure:"store"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Transfer    TransferConfig    `mapstructure:"transfer"`
	Healthcheck HealthcheckConfig `mapstructure:"healthcheck"`
	Cluster     ClusterConfig     `mapstructure:"cluster"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
	Debug       DebugConfig       `mapstructure:"debug"`

	// SystemsFile is the optional systems catalog resolving agave:// URIs.
	SystemsFile string `mapstructure:"systems_file"`
}

type ServiceConfig struct {
	Name     string `mapstructure:"name" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"oneof=debug info warn error"`

	// ID identifies this worker. Empty means the hostname.
	ID string `mapstructure:"id"`
}

type BusConfig struct {
	Driver string         `mapstructure:"driver" validate:"oneof=memory kafka nats"`
	Kafka  KafkaBusConfig `mapstructure:"kafka"`
	NATS   NATSBusConfig  `mapstructure:"nats"`

	// ConnectTimeout bounds the retries while the broker comes up.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" validate:"gte=0"`
}

type KafkaBusConfig struct {
	Brokers            []string      `mapstructure:"brokers"`
	TasksTopic         string        `mapstructure:"tasks_topic" validate:"required"`
	TransfersTopic     string        `mapstructure:"transfers_topic" validate:"required"`
	BroadcastTopic     string        `mapstructure:"broadcast_topic" validate:"required"`
	NotificationsTopic string        `mapstructure:"notifications_topic" validate:"required"`
	GroupID            string        `mapstructure:"group_id" validate:"required"`
	MaxDeliveries      int           `mapstructure:"max_deliveries" validate:"gte=1"`
	RedeliveryDelay    time.Duration `mapstructure:"redelivery_delay" validate:"gte=0"`
}

type NATSBusConfig struct {
	URL           string        `mapstructure:"url"`
	Stream        string        `mapstructure:"stream" validate:"required"`
	SubjectPrefix string        `mapstructure:"subject_prefix" validate:"required"`
	Durable       string        `mapstructure:"durable" validate:"required"`
	AckWait       time.Duration `mapstructure:"ack_wait" validate:"gt=0"`
	MaxDeliver    int           `mapstructure:"max_deliver" validate:"gte=1"`
	NakDelay      time.Duration `mapstructure:"nak_delay" validate:"gte=0"`
}

type StoreConfig struct {
	Driver   string `mapstructure:"driver" validate:"oneof=memory postgres sqlite"`
	DSN      string `mapstructure:"dsn"`
	MinConns int32  `mapstructure:"min_conns" validate:"gte=0"`
	MaxConns int32  `mapstructure:"max_conns" validate:"gtefield=MinConns"`

	// Migrations is the golang-migrate source URL for postgres.
	Migrations string `mapstructure:"migrations" validate:"required"`
}

type RetryConfig struct {
	MaxAttempts int `mapstructure:"max_attempts" validate:"gte=1"`
}

type TransferConfig struct {
	// Workers bounds the copies one worker runs at a time.
	Workers int `mapstructure:"workers" validate:"gte=1"`
}

type HealthcheckConfig struct {
	Interval       time.Duration `mapstructure:"interval" validate:"gt=0"`
	ParentInterval time.Duration `mapstructure:"parent_interval" validate:"gt=0"`
	StaleAfter     time.Duration `mapstructure:"stale_after" validate:"gt=0"`
	PublishRate    float64       `mapstructure:"publish_rate" validate:"gt=0"`
	Concurrency    int           `mapstructure:"concurrency" validate:"gte=1"`
}

type ClusterConfig struct {
	Mode       string `mapstructure:"mode" validate:"oneof=standalone kubernetes"`
	Namespace  string `mapstructure:"namespace"`
	LockID     string `mapstructure:"lock_id" validate:"required"`
	KubeConfig string `mapstructure:"kubeconfig"`
	Context    string `mapstructure:"context"`
}

type TelemetryConfig struct {
	// Endpoint is the OTLP gRPC collector. Empty disables export.
	Endpoint      string  `mapstructure:"endpoint"`
	SamplingRatio float64 `mapstructure:"sampling_ratio" validate:"gte=0,lte=1"`
	Insecure      bool    `mapstructure:"insecure"`
}

type DebugConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

var defaults = map[string]any{
	"service.name":      "transferd",
	"service.id":        "",
	"service.log_level": "info",

	"bus.driver":          "memory",
	"bus.connect_timeout": 2 * time.Minute,

	"bus.kafka.brokers":             []string{},
	"bus.kafka.tasks_topic":         "transfer.tasks",
	"bus.kafka.transfers_topic":     "transfer.transfers",
	"bus.kafka.broadcast_topic":     "transfer.broadcast",
	"bus.kafka.notifications_topic": "transfer.notifications",
	"bus.kafka.group_id":            "transferd",
	"bus.kafka.max_deliveries":      3,
	"bus.kafka.redelivery_delay":    500 * time.Millisecond,

	"bus.nats.url":            "nats://127.0.0.1:4222",
	"bus.nats.stream":         "TRANSFERS",
	"bus.nats.subject_prefix": "transfer",
	"bus.nats.durable":        "transferd",
	"bus.nats.ack_wait":       30 * time.Second,
	"bus.nats.max_deliver":    3,
	"bus.nats.nak_delay":      500 * time.Millisecond,

	"store.driver":     "memory",
	"store.dsn":        "",
	"store.min_conns":  5,
	"store.max_conns":  20,
	"store.migrations": "file://db/migrations",

	"retry.max_attempts": 3,

	"transfer.workers": 4,

	"healthcheck.interval":        time.Minute,
	"healthcheck.parent_interval": 5 * time.Minute,
	"healthcheck.stale_after":     10 * time.Minute,
	"healthcheck.publish_rate":    100.0,
	"healthcheck.concurrency":     8,

	"cluster.mode":       "standalone",
	"cluster.namespace":  "",
	"cluster.lock_id":    "transferd-leader",
	"cluster.kubeconfig": "",
	"cluster.context":    "",

	"telemetry.endpoint":       "",
	"telemetry.sampling_ratio": 0.1,
	"telemetry.insecure":       true,

	"debug.addr": ":8080",

	"systems_file": "",
}

// LoadOptions locate the configuration sources.
type LoadOptions struct {
	// File is an explicit config file. When empty, transferd.yaml is looked
	// up in the working directory and /etc/transferd, and may be absent.
	File string
	// EnvFile is loaded into the environment first. A missing file is ignored.
	EnvFile string
}

// Load reads the service configuration: defaults, then the config file,
// then TRANSFERD_ environment overrides. The result is validated.
func Load(opts LoadOptions) (*Config, error) {
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", opts.EnvFile, err)
		}
	}

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.File != "" {
		v.SetConfigFile(opts.File)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", opts.File, err)
		}
	} else {
		v.SetConfigName("transferd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/transferd")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidationError lists every invalid field with a readable message.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	msgs := make([]string, 0, len(keys))
	for _, k := range keys {
		msgs = append(msgs, e.Fields[k])
	}
	return "invalid config: " + strings.Join(msgs, "; ")
}

func newValidator() (*validator.Validate, ut.Translator, error) {
	validate := validator.New(validator.WithRequiredStructEnabled())
	english := en.New()
	trans, _ := ut.New(english, english).GetTranslator("en")
	if err := en_translations.RegisterDefaultTranslations(validate, trans); err != nil {
		return nil, nil, fmt.Errorf("failed to register translations: %w", err)
	}
	return validate, trans, nil
}

// Validate checks field constraints and the driver-specific requirements.
func (c *Config) Validate() error {
	validate, trans, err := newValidator()
	if err != nil {
		return err
	}

	fields := make(map[string]string)
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			fields[fe.Namespace()] = fe.Translate(trans)
		}
	}

	switch {
	case c.Bus.Driver == "kafka" && len(c.Bus.Kafka.Brokers) == 0:
		fields["Config.Bus.Kafka.Brokers"] = "Brokers is required for the kafka bus"
	case c.Bus.Driver == "nats" && c.Bus.NATS.URL == "":
		fields["Config.Bus.NATS.URL"] = "URL is required for the nats bus"
	}
	if c.Store.Driver != "memory" && c.Store.DSN == "" {
		fields["Config.Store.DSN"] = "DSN is required for the " + c.Store.Driver + " store"
	}
	if c.Cluster.Mode == "kubernetes" && c.Cluster.Namespace == "" {
		fields["Config.Cluster.Namespace"] = "Namespace is required in kubernetes mode"
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}
