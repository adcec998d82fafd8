package core

import (
	"encoding/base64"
	"fmt"
	"net/url"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the daemon's environment-derived configuration.
type Config struct {
	MQTTServer      string `env:"MQTT_SERVER" envDefault:"localhost:1883"`
	MQTTUsername    string `env:"MQTT_USERNAME"`
	MQTTPassword    string `env:"MQTT_PASSWORD"`
	MQTTRootTopic   string `env:"MQTT_ROOT_TOPIC" envDefault:"msh/US"`
	MQTTTLSEnabled  bool   `env:"MQTT_TLS_ENABLED"`
	MQTTTLSInsecure bool   `env:"MQTT_TLS_INSECURE"`

	DatabaseURL string `env:"DATABASE_URL" envDefault:"sqlite://meshstats.db"`

	APIHost string `env:"API_HOST" envDefault:"0.0.0.0"`
	APIPort int    `env:"API_PORT" envDefault:"8000"`

	RadioURL          string   `env:"MESHTASTIC_CONNECTION_URL"`
	CommandsEnabled   bool     `env:"MESHTASTIC_COMMANDS_ENABLED"`
	StatsChannelID    int      `env:"MESHTASTIC_STATS_CHANNEL_ID"`
	DecryptionKeys    []string `env:"MESHTASTIC_DECRYPTION_KEYS"`
	IncludeDefaultKey bool     `env:"MESHTASTIC_INCLUDE_DEFAULT_KEY" envDefault:"true"`
	RateLimitSeconds  int      `env:"MESHTASTIC_RATE_LIMIT_SECONDS" envDefault:"60"`
	RateLimitBurst    int      `env:"MESHTASTIC_RATE_LIMIT_BURST" envDefault:"5"`

	SendHour         int  `env:"SUBSCRIPTION_SEND_HOUR" envDefault:"9"`
	SendMinute       int  `env:"SUBSCRIPTION_SEND_MINUTE" envDefault:"0"`
	BroadcastEnabled bool `env:"DAILY_BROADCAST_ENABLED"`
	BroadcastHour    int  `env:"DAILY_BROADCAST_HOUR" envDefault:"9"`
	BroadcastMinute  int  `env:"DAILY_BROADCAST_MINUTE" envDefault:"5"`
	BroadcastChannel int  `env:"DAILY_BROADCAST_CHANNEL"`

	GroupingWindowSeconds  int `env:"GROUPING_WINDOW_SECONDS" envDefault:"10"`
	GroupingQuiesceSeconds int `env:"GROUPING_QUIESCENCE_SECONDS" envDefault:"2"`
	LateRetentionHours     int `env:"LATE_RETENTION_HOURS" envDefault:"24"`

	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogJSON     bool   `env:"LOG_JSON"`
	MetricsBind string `env:"METRICS_BIND"`
	StaticDir   string `env:"STATIC_DIR" envDefault:"web/static"`
	AccessLog   string `env:"HTTP_ACCESS_LOG"`
}

// LoadConfig reads an optional .env file, then the environment, and
// validates the result.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations no component could start with.
func (c Config) Validate() error {
	if c.MQTTServer == "" {
		return fmt.Errorf("MQTT_SERVER must not be empty")
	}
	if c.APIPort < 1 || c.APIPort > 65535 {
		return fmt.Errorf("API_PORT %d out of range", c.APIPort)
	}
	if c.StatsChannelID < 0 || c.StatsChannelID > 7 {
		return fmt.Errorf("MESHTASTIC_STATS_CHANNEL_ID %d out of range [0, 7]", c.StatsChannelID)
	}
	if c.BroadcastChannel < 0 || c.BroadcastChannel > 7 {
		return fmt.Errorf("DAILY_BROADCAST_CHANNEL %d out of range [0, 7]", c.BroadcastChannel)
	}
	if c.RateLimitSeconds < 1 || c.RateLimitBurst < 1 {
		return fmt.Errorf("rate limit window and burst must be positive")
	}
	if err := clockField("SUBSCRIPTION_SEND", c.SendHour, c.SendMinute); err != nil {
		return err
	}
	if err := clockField("DAILY_BROADCAST", c.BroadcastHour, c.BroadcastMinute); err != nil {
		return err
	}
	if c.GroupingWindowSeconds < 1 {
		return fmt.Errorf("GROUPING_WINDOW_SECONDS must be positive")
	}
	if c.GroupingQuiesceSeconds < 0 || c.GroupingQuiesceSeconds >= c.GroupingWindowSeconds {
		return fmt.Errorf("GROUPING_QUIESCENCE_SECONDS must be in [0, window)")
	}
	if c.LateRetentionHours < 1 {
		return fmt.Errorf("LATE_RETENTION_HOURS must be positive")
	}

	for _, k := range c.DecryptionKeys {
		raw, err := base64.StdEncoding.DecodeString(k)
		if err != nil {
			return fmt.Errorf("MESHTASTIC_DECRYPTION_KEYS entry %q: %w", k, err)
		}
		if len(raw) != 16 {
			return fmt.Errorf("MESHTASTIC_DECRYPTION_KEYS entry %q: got %d bytes, want 16", k, len(raw))
		}
	}

	if c.CommandsEnabled {
		if c.RadioURL == "" {
			return fmt.Errorf("MESHTASTIC_COMMANDS_ENABLED requires MESHTASTIC_CONNECTION_URL")
		}
		u, err := url.Parse(c.RadioURL)
		if err != nil {
			return fmt.Errorf("MESHTASTIC_CONNECTION_URL: %w", err)
		}
		if u.Scheme != "tcp" {
			return fmt.Errorf("MESHTASTIC_CONNECTION_URL scheme %q is not supported (only tcp://)", u.Scheme)
		}
	}
	return nil
}

func clockField(prefix string, hour, minute int) error {
	if hour < 0 || hour > 23 {
		return fmt.Errorf("%s_HOUR %d out of range [0, 23]", prefix, hour)
	}
	if minute < 0 || minute > 59 {
		return fmt.Errorf("%s_MINUTE %d out of range [0, 59]", prefix, minute)
	}
	return nil
}

// APIBind is the host:port the HTTP server listens on.
func (c Config) APIBind() string {
	return fmt.Sprintf("%s:%d", c.APIHost, c.APIPort)
}
