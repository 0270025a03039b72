package config

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"gopkg.in/yaml.v3"
)

const (
	// The default timeout of an action that does not carry its own.
	DefaultActionTimeout = 5 * time.Second

	// The default time a stopping queue waits for the in-flight transaction.
	DefaultDrainTimeout = 10 * time.Second

	// The default timeout to establish a link.
	DefaultConnectTimeout = 20 * time.Second

	// The default capacity of the per-session event channel.
	DefaultEventBuffer = 64

	// The default capacity of each event bus subscriber channel.
	DefaultBusCapacity = 16

	// The default serial line speed.
	DefaultBaudRate = 115200

	// The default serial read timeout.
	DefaultSerialReadTimeout = 500 * time.Millisecond

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "DEVLINK_"
)

// OverflowPolicy selects what a session does when its event channel is full.
type OverflowPolicy string

const (
	// OverflowDropOldest discards the oldest undelivered event.
	OverflowDropOldest OverflowPolicy = "drop-oldest"

	// OverflowBlock blocks inbound decoding until the consumer catches up.
	OverflowBlock OverflowPolicy = "block"
)

// TransportKind selects the link backend.
type TransportKind string

const (
	TransportAuto   TransportKind = "auto"
	TransportBLE    TransportKind = "ble"
	TransportSerial TransportKind = "serial"
	TransportMemory TransportKind = "memory"
)

// Configuration describes a general configuration.
type Configuration struct {
	// Queue holds the command queue settings.
	Queue QueueConfig `yaml:"queue"`

	// Session holds the per-device session settings.
	Session SessionConfig `yaml:"session"`

	// Transport holds the link backend settings.
	Transport TransportConfig `yaml:"transport"`

	// Logging holds the logger settings.
	Logging LoggingConfig `yaml:"logging"`
}

// QueueConfig holds the command queue settings.
type QueueConfig struct {
	ActionTimeout time.Duration `yaml:"action_timeout"`
	DrainTimeout  time.Duration `yaml:"drain_timeout"`
}

// SessionConfig holds the per-device session settings.
type SessionConfig struct {
	ConnectTimeout time.Duration  `yaml:"connect_timeout"`
	EventBuffer    int            `yaml:"event_buffer"`
	Overflow       OverflowPolicy `yaml:"overflow"`
	BusCapacity    int            `yaml:"bus_capacity"`
}

// TransportConfig holds the link backend settings.
type TransportConfig struct {
	Kind TransportKind `yaml:"kind"`

	// Adapter is the BlueZ adapter name, for example hci0.
	Adapter string `yaml:"adapter"`

	Serial SerialConfig `yaml:"serial"`
}

// SerialConfig holds the serial port settings.
type SerialConfig struct {
	Port        string        `yaml:"port"`
	Baud        int           `yaml:"baud"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// LoggingConfig holds the logger settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn or error.
	Level string `yaml:"level"`

	// Format is json or console.
	Format string `yaml:"format"`

	// Output is stdout, stderr or a file path.
	Output string `yaml:"output"`
}

// New returns a new configuration with default values.
func New() Configuration {
	return Configuration{
		Queue: QueueConfig{
			ActionTimeout: DefaultActionTimeout,
			DrainTimeout:  DefaultDrainTimeout,
		},
		Session: SessionConfig{
			ConnectTimeout: DefaultConnectTimeout,
			EventBuffer:    DefaultEventBuffer,
			Overflow:       OverflowDropOldest,
			BusCapacity:    DefaultBusCapacity,
		},
		Transport: TransportConfig{
			Kind:    TransportAuto,
			Adapter: "hci0",
			Serial: SerialConfig{
				Baud:        DefaultBaudRate,
				ReadTimeout: DefaultSerialReadTimeout,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
	}
}

// Load reads a YAML configuration file on top of the defaults, applies
// environment overrides and validates the result. An empty path loads
// the defaults only.
func Load(path string) (Configuration, error) {
	cfg := New()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fault.Wrap(err,
				fctx.With(fctx.WithMeta(context.Background(), "path", path)),
				ftag.With(ftag.NotFound),
				fmsg.With("Cannot read configuration file"),
			)
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fault.Wrap(err,
				fctx.With(fctx.WithMeta(context.Background(), "path", path)),
				ftag.With(ftag.InvalidArgument),
				fmsg.With("Cannot parse configuration file"),
			)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// ApplyEnv applies DEVLINK_* overrides read through lookup.
func (c *Configuration) ApplyEnv(lookup func(key string) (string, bool)) error {
	var errs []error

	durations := map[string]*time.Duration{
		"QUEUE_ACTION_TIMEOUT":    &c.Queue.ActionTimeout,
		"QUEUE_DRAIN_TIMEOUT":     &c.Queue.DrainTimeout,
		"SESSION_CONNECT_TIMEOUT": &c.Session.ConnectTimeout,
		"SERIAL_READ_TIMEOUT":     &c.Transport.Serial.ReadTimeout,
	}
	for key, field := range durations {
		if v, ok := lookup(EnvPrefix + key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, envError(key, err))
				continue
			}
			*field = d
		}
	}

	ints := map[string]*int{
		"SESSION_EVENT_BUFFER": &c.Session.EventBuffer,
		"SESSION_BUS_CAPACITY": &c.Session.BusCapacity,
		"SERIAL_BAUD":          &c.Transport.Serial.Baud,
	}
	for key, field := range ints {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, envError(key, err))
				continue
			}
			*field = n
		}
	}

	strs := map[string]*string{
		"TRANSPORT_ADAPTER": &c.Transport.Adapter,
		"SERIAL_PORT":       &c.Transport.Serial.Port,
		"LOG_LEVEL":         &c.Logging.Level,
		"LOG_FORMAT":        &c.Logging.Format,
		"LOG_OUTPUT":        &c.Logging.Output,
	}
	for key, field := range strs {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*field = v
		}
	}

	if v, ok := lookup(EnvPrefix + "SESSION_OVERFLOW"); ok && v != "" {
		c.Session.Overflow = OverflowPolicy(v)
	}
	if v, ok := lookup(EnvPrefix + "TRANSPORT_KIND"); ok && v != "" {
		c.Transport.Kind = TransportKind(v)
	}

	return errors.Join(errs...)
}

// Validate checks the configuration for invalid values.
func (c *Configuration) Validate() error {
	var problems []string

	if c.Queue.ActionTimeout <= 0 {
		problems = append(problems, "queue.action_timeout must be positive")
	}
	if c.Queue.DrainTimeout <= 0 {
		problems = append(problems, "queue.drain_timeout must be positive")
	}
	if c.Session.ConnectTimeout <= 0 {
		problems = append(problems, "session.connect_timeout must be positive")
	}
	if c.Session.EventBuffer < 1 {
		problems = append(problems, "session.event_buffer must be at least 1")
	}
	if c.Session.BusCapacity < 0 {
		problems = append(problems, "session.bus_capacity must not be negative")
	}

	switch c.Session.Overflow {
	case OverflowDropOldest, OverflowBlock:
	default:
		problems = append(problems, "session.overflow must be drop-oldest or block")
	}

	switch c.Transport.Kind {
	case TransportAuto, TransportBLE, TransportMemory:
	case TransportSerial:
		if c.Transport.Serial.Port == "" {
			problems = append(problems, "transport.serial.port is required for the serial transport")
		}
	default:
		problems = append(problems, "transport.kind must be auto, ble, serial or memory")
	}

	if c.Transport.Serial.Baud <= 0 {
		problems = append(problems, "transport.serial.baud must be positive")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, "logging.level must be debug, info, warn or error")
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		problems = append(problems, "logging.format must be json or console")
	}

	if len(problems) == 0 {
		return nil
	}

	return fault.Wrap(errors.New(strings.Join(problems, "; ")),
		ftag.With(ftag.InvalidArgument),
		fmsg.With("Invalid configuration"),
	)
}

func envError(key string, err error) error {
	return fault.Wrap(err,
		fctx.With(fctx.WithMeta(context.Background(), "variable", EnvPrefix+key)),
		ftag.With(ftag.InvalidArgument),
		fmsg.With("Invalid environment override "+EnvPrefix+key),
	)
}
