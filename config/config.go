package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "GOREMOTE_"

var ErrInvalidDuration = errors.New("invalid duration")

// Duration is a wrapper around time.Duration for JSON unmarshaling. It
// accepts a Go duration string ("3s") or a number of nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
	case string:
		tmp, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*d = Duration(tmp)
	default:
		return ErrInvalidDuration
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Discovery struct {
	Method   string   `json:"method"` // "udp" or "mdns"
	UDPPort  int      `json:"udp_port"`
	Window   Duration `json:"window"`
	StopWait Duration `json:"stop_wait"`
}

type Keepalive struct {
	Period      Duration `json:"period"`
	MaxLostAcks int      `json:"max_lost_acks"`
}

// Device pins the daemon to one device instead of discovering it.
type Device struct {
	Name string `json:"name"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

type Config struct {
	LogLevel        string    `json:"log_level"`
	LogFormat       string    `json:"log_format"`
	HTTPAddr        string    `json:"http_addr"`
	MCP             bool      `json:"mcp"`
	Protocol        string    `json:"protocol"` // control channel transport, "tcp" or "ws"
	DialTimeout     Duration  `json:"dial_timeout"`
	IdentifyTimeout Duration  `json:"identify_timeout"`
	Discovery       Discovery `json:"discovery"`
	Keepalive       Keepalive `json:"keepalive"`
	Device          *Device   `json:"device,omitempty"`
}

func Default() Config {
	return Config{
		LogLevel:        "info",
		LogFormat:       "json",
		HTTPAddr:        ":8080",
		Protocol:        "tcp",
		DialTimeout:     Duration(5 * time.Second),
		IdentifyTimeout: Duration(5 * time.Second),
		Discovery: Discovery{
			Method:   "udp",
			UDPPort:  9101,
			Window:   Duration(3 * time.Second),
			StopWait: Duration(time.Second),
		},
		Keepalive: Keepalive{
			Period:      Duration(3 * time.Second),
			MaxLostAcks: 3,
		},
	}
}

// Load starts from Default, applies the JSON file at path (if path is not
// empty) and then the GOREMOTE_* environment.
func Load(path string) (Config, error) {
	return LoadWithEnv(path, os.Getenv)
}

func LoadWithEnv(path string, getenv func(string) string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read file '%s': %w", path, err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to unmarshal JSON from '%s': %w", path, err)
		}
	}

	if raw := getenv(EnvPrefix + "CONFIG_JSON"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to unmarshal %sCONFIG_JSON: %w", EnvPrefix, err)
		}
	}

	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) error {
		v := getenv(EnvPrefix + key)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = n
		return nil
	}
	duration := func(key string, dst *Duration) error {
		v := getenv(EnvPrefix + key)
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = Duration(d)
		return nil
	}

	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)
	str("HTTP_ADDR", &cfg.HTTPAddr)
	str("PROTOCOL", &cfg.Protocol)
	str("DISCOVERY_METHOD", &cfg.Discovery.Method)
	if v := getenv(EnvPrefix + "MCP"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sMCP: %w", EnvPrefix, err)
		}
		cfg.MCP = b
	}

	for _, err := range []error{
		integer("DISCOVERY_UDP_PORT", &cfg.Discovery.UDPPort),
		integer("KEEPALIVE_MAX_LOST_ACKS", &cfg.Keepalive.MaxLostAcks),
		duration("DISCOVERY_WINDOW", &cfg.Discovery.Window),
		duration("KEEPALIVE_PERIOD", &cfg.Keepalive.Period),
		duration("DIAL_TIMEOUT", &cfg.DialTimeout),
		duration("IDENTIFY_TIMEOUT", &cfg.IdentifyTimeout),
	} {
		if err != nil {
			return err
		}
	}

	if host := getenv(EnvPrefix + "DEVICE_HOST"); host != "" {
		dev := Device{Host: host}
		str("DEVICE_NAME", &dev.Name)
		if err := integer("DEVICE_PORT", &dev.Port); err != nil {
			return err
		}
		cfg.Device = &dev
	}
	return nil
}

func (c Config) Validate() error {
	switch c.Protocol {
	case "tcp", "ws":
	default:
		return fmt.Errorf("unsupported protocol %q", c.Protocol)
	}
	switch c.Discovery.Method {
	case "udp", "mdns":
	default:
		return fmt.Errorf("unsupported discovery method %q", c.Discovery.Method)
	}
	if c.Discovery.UDPPort <= 0 || c.Discovery.UDPPort > 65535 {
		return fmt.Errorf("invalid discovery udp port %d", c.Discovery.UDPPort)
	}
	if c.Keepalive.Period.Std() <= 0 {
		return fmt.Errorf("keepalive period must be positive")
	}
	if c.Keepalive.MaxLostAcks <= 0 {
		return fmt.Errorf("keepalive max lost acks must be positive")
	}
	if c.Device != nil && c.Device.Host == "" {
		return fmt.Errorf("device host is required")
	}
	return nil
}
