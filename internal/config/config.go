package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. ROINTE_ACCOUNT_EMAIL.
const EnvPrefix = "ROINTE"

// RetryConfig mirrors retry.Config in configuration form.
type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type AccountConfig struct {
	Email    string `mapstructure:"email"`
	Password string `mapstructure:"password"`
}

type AuthConfig struct {
	LoginURL            string        `mapstructure:"login_url"`
	SignInURL           string        `mapstructure:"sign_in_url"`
	RefreshURL          string        `mapstructure:"refresh_url"`
	APIKey              string        `mapstructure:"api_key"`
	FirebaseEmailDomain string        `mapstructure:"firebase_email_domain"`
	ExpiryMargin        time.Duration `mapstructure:"expiry_margin"`
	Timeout             time.Duration `mapstructure:"timeout"`
	Retry               RetryConfig   `mapstructure:"retry"`
}

type RestConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
	Origin    string        `mapstructure:"origin"`
	Retry     RetryConfig   `mapstructure:"retry"`
}

type BackoffConfig struct {
	Initial time.Duration `mapstructure:"initial"`
	Max     time.Duration `mapstructure:"max"`
	Jitter  float64       `mapstructure:"jitter"`
}

type RealtimeConfig struct {
	URL            string        `mapstructure:"url"`
	Origin         string        `mapstructure:"origin"`
	Keepalive      time.Duration `mapstructure:"keepalive"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Backoff        BackoffConfig `mapstructure:"backoff"`
	StableAfter    time.Duration `mapstructure:"stable_after"`
	ResyncGap      time.Duration `mapstructure:"resync_gap"`
}

type DiscoveryConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type DBConfig struct {
	Path   string `mapstructure:"path"`
	Secret string `mapstructure:"secret"`
}

type HTTPConfig struct {
	Port     string `mapstructure:"port"`
	APIToken string `mapstructure:"api_token"`
}

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TopicPrefix string `mapstructure:"topic_prefix"`
}

type InfluxConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Token   string `mapstructure:"token"`
	Org     string `mapstructure:"org"`
	Bucket  string `mapstructure:"bucket"`
}

// Config is the complete runtime configuration.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Account   AccountConfig   `mapstructure:"account"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Rest      RestConfig      `mapstructure:"rest"`
	Realtime  RealtimeConfig  `mapstructure:"realtime"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	DB        DBConfig        `mapstructure:"db"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Influx    InfluxConfig    `mapstructure:"influx"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")

	v.SetDefault("auth.login_url", "https://rointenexa.com/api/user/login")
	v.SetDefault("auth.sign_in_url", "https://identitytoolkit.googleapis.com/v1/accounts:signInWithPassword")
	v.SetDefault("auth.refresh_url", "https://securetoken.googleapis.com/v1/token")
	v.SetDefault("auth.firebase_email_domain", "rointe.com")
	v.SetDefault("auth.expiry_margin", 60*time.Second)
	v.SetDefault("auth.timeout", 20*time.Second)
	v.SetDefault("auth.retry.max_attempts", 5)
	v.SetDefault("auth.retry.initial_delay", time.Second)
	v.SetDefault("auth.retry.max_delay", 30*time.Second)

	v.SetDefault("rest.base_url", "https://rointenexa.com/api")
	v.SetDefault("rest.timeout", 20*time.Second)
	v.SetDefault("rest.user_agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")
	v.SetDefault("rest.origin", "https://rointenexa.com")
	v.SetDefault("rest.retry.max_attempts", 4)
	v.SetDefault("rest.retry.initial_delay", time.Second)
	v.SetDefault("rest.retry.max_delay", 30*time.Second)

	v.SetDefault("realtime.url", "wss://s-gke-euw1-nssi3-8.europe-west1.firebasedatabase.app/.ws?v=5&ns=rointe-v3-prod-default-rtdb")
	v.SetDefault("realtime.origin", "https://rointe-v3-prod.firebaseapp.com")
	v.SetDefault("realtime.keepalive", 25*time.Second)
	v.SetDefault("realtime.idle_timeout", 90*time.Second)
	v.SetDefault("realtime.request_timeout", 10*time.Second)
	v.SetDefault("realtime.backoff.initial", time.Second)
	v.SetDefault("realtime.backoff.max", 60*time.Second)
	v.SetDefault("realtime.backoff.jitter", 0.1)
	v.SetDefault("realtime.stable_after", 30*time.Second)
	v.SetDefault("realtime.resync_gap", 2*time.Minute)

	v.SetDefault("discovery.interval", time.Duration(0))

	v.SetDefault("db.path", "rointe.db")

	v.SetDefault("http.port", "8080")

	v.SetDefault("mqtt.client_id", "rointe-sync")
	v.SetDefault("mqtt.topic_prefix", "rointe")

	v.SetDefault("influx.bucket", "rointe")
}

// Load reads configuration from the optional file at path (or configs/config.yml),
// a .env file in the working directory and ROINTE_* environment variables.
func Load(path string) (*Config, error) {
	// .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("configs")
		v.SetConfigName("config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	// AutomaticEnv only resolves keys viper already knows about.
	for _, key := range []string{"account.email", "account.password", "db.secret", "http.api_token",
		"auth.api_key", "mqtt.broker", "mqtt.username", "mqtt.password", "influx.url", "influx.token", "influx.org",
		"mqtt.enabled", "influx.enabled"} {
		_ = v.BindEnv(key)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings no component can run without.
func (c *Config) Validate() error {
	var problems []string
	if c.Rest.BaseURL == "" {
		problems = append(problems, "rest.base_url is required")
	}
	if c.Realtime.URL == "" {
		problems = append(problems, "realtime.url is required")
	}
	if c.Auth.ExpiryMargin < 0 {
		problems = append(problems, "auth.expiry_margin must not be negative")
	}
	if c.Realtime.Backoff.Initial <= 0 || c.Realtime.Backoff.Max < c.Realtime.Backoff.Initial {
		problems = append(problems, "realtime.backoff requires 0 < initial <= max")
	}
	if c.Realtime.Backoff.Jitter < 0 || c.Realtime.Backoff.Jitter >= 1 {
		problems = append(problems, "realtime.backoff.jitter must be in [0,1)")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		problems = append(problems, "mqtt.broker is required when mqtt is enabled")
	}
	if c.Influx.Enabled && (c.Influx.URL == "" || c.Influx.Org == "") {
		problems = append(problems, "influx.url and influx.org are required when influx is enabled")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
