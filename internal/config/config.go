package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the bridge runtime parameters.
type Config struct {
	HeartbeatAddress string        `mapstructure:"heartbeat_address"`
	ProxyAddress     string        `mapstructure:"proxy_address"`
	AdminAddress     string        `mapstructure:"admin_address"`
	AdvertiseIP      string        `mapstructure:"advertise_ip"`
	TargetAddress    string        `mapstructure:"target_address"`
	IdentityPath     string        `mapstructure:"identity_path"`
	LogLevel         string        `mapstructure:"log_level"`
	LogFile          string        `mapstructure:"log_file"`
	MaxPayloadBytes  int           `mapstructure:"max_payload_bytes"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`

	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"`

	Turn TurnConfig `mapstructure:"turn"`
}

// TurnConfig describes the synthesized relay credentials handed to the app
// when a negotiation request is intercepted.
type TurnConfig struct {
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

const (
	defaultHeartbeatAddress = "0.0.0.0:8053"
	defaultProxyAddress     = "0.0.0.0:58867"
	defaultAdvertiseIP      = "192.168.8.1"
	defaultIdentityPath     = "/tmp/roborock_key.env"
	defaultLogLevel         = "info"
	defaultReadTimeout      = 90 * time.Second
	defaultDialTimeout      = 10 * time.Second
	defaultGracePeriod      = 10 * time.Second
	defaultTurnPort         = 3478
	defaultTurnUser         = "mitm_user"
	defaultTurnPassword     = "mitm_password"
)

// Load reads configuration from the provided file path (if any) and the
// environment. Environment variables are prefixed with ROBOROCK_ and can
// override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ROBOROCK")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("heartbeat_address", defaultHeartbeatAddress)
	v.SetDefault("proxy_address", defaultProxyAddress)
	v.SetDefault("admin_address", "")
	v.SetDefault("advertise_ip", defaultAdvertiseIP)
	v.SetDefault("target_address", "")
	v.SetDefault("identity_path", defaultIdentityPath)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("log_file", "")
	v.SetDefault("max_payload_bytes", 0)
	v.SetDefault("read_timeout", defaultReadTimeout.String())
	v.SetDefault("dial_timeout", defaultDialTimeout.String())
	v.SetDefault("shutdown_grace_period", defaultGracePeriod.String())
	v.SetDefault("turn.port", defaultTurnPort)
	v.SetDefault("turn.user", defaultTurnUser)
	v.SetDefault("turn.password", defaultTurnPassword)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves durations as strings; normalize them here.
	for _, d := range []struct {
		key string
		dst *time.Duration
		def time.Duration
	}{
		{"read_timeout", &cfg.ReadTimeout, defaultReadTimeout},
		{"dial_timeout", &cfg.DialTimeout, defaultDialTimeout},
		{"shutdown_grace_period", &cfg.ShutdownGracePeriod, defaultGracePeriod},
	} {
		if v.IsSet(d.key) {
			dur, err := time.ParseDuration(v.GetString(d.key))
			if err != nil {
				return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
			}
			*d.dst = dur
		} else {
			*d.dst = d.def
		}
	}

	if cfg.HeartbeatAddress == "" {
		cfg.HeartbeatAddress = defaultHeartbeatAddress
	}
	if cfg.ProxyAddress == "" {
		cfg.ProxyAddress = defaultProxyAddress
	}
	if cfg.AdvertiseIP == "" {
		cfg.AdvertiseIP = defaultAdvertiseIP
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.Turn.Port <= 0 {
		cfg.Turn.Port = defaultTurnPort
	}
	if cfg.Turn.User == "" {
		cfg.Turn.User = defaultTurnUser
	}
	if cfg.Turn.Password == "" {
		cfg.Turn.Password = defaultTurnPassword
	}

	return cfg, nil
}

// TurnURL renders the relay address handed out by the interception rule.
// It always points at the bridge itself.
func (c Config) TurnURL() string {
	return fmt.Sprintf("turn:%s:%d", c.AdvertiseIP, c.Turn.Port)
}
