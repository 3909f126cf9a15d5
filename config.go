package pspproxy

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/danmuck/pspproxy/internal/logging"
)

// Config is the TOML configuration for embedders that wire the proxy from
// a file instead of code.
type Config struct {
	Device           string `toml:"device"`
	ConnectTimeoutMS uint32 `toml:"connect_timeout_ms"`
	RequestTimeoutMS uint32 `toml:"request_timeout_ms"`
	LogLevel         string `toml:"log_level"`
}

// LoadConfig reads and validates a proxy configuration file, applying
// defaults for absent timeouts.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if cfg.ConnectTimeoutMS == 0 {
		cfg.ConnectTimeoutMS = uint32(defaultConnectTimeout / time.Millisecond)
	}
	if cfg.RequestTimeoutMS == 0 {
		cfg.RequestTimeoutMS = uint32(defaultRequestTimeout / time.Millisecond)
	}
	if err := ValidateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ValidateConfig checks a configuration for the mistakes the factory
// would otherwise hit later.
func ValidateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Device) == "" {
		return fmt.Errorf("%w: config missing device", ErrArgument)
	}
	if !strings.Contains(cfg.Device, "://") {
		return fmt.Errorf("%w: device %q has no scheme", ErrArgument, cfg.Device)
	}
	return nil
}

// NewFromConfig builds a connected proxy from a configuration. Options
// are applied after the configuration and win on conflict.
func NewFromConfig(cfg Config, opts ...Option) (*Proxy, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	logging.ConfigureRuntime()
	if cfg.LogLevel != "" {
		logging.SetLevel(cfg.LogLevel)
	}
	base := []Option{
		WithLogger(logging.New("pspproxy")),
		WithConnectTimeout(time.Duration(cfg.ConnectTimeoutMS) * time.Millisecond),
		WithRequestTimeout(time.Duration(cfg.RequestTimeoutMS) * time.Millisecond),
	}
	return New(cfg.Device, append(base, opts...)...)
}
