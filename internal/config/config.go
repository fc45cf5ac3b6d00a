package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "DEADSWITCH"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultStorageDriver   = StorageDriverSQLite
	defaultDatabasePath    = "deadswitch.db"
	defaultNATSURL         = "nats://127.0.0.1:4222"
	defaultNATSBucket      = "deadswitch"
	defaultActivitySinks   = "stream"
	defaultActivitySubject = "deadswitch.activity"
	defaultActivityBuffer  = 256
	defaultRedisChannel    = "deadswitch-activity"
	defaultEnforcerTick    = 60 * time.Second
	defaultAuthIssuer      = "deadswitch"
	defaultCookieName      = "deadswitch_session"
	defaultTokenTTL        = 24 * time.Hour
	defaultLogLevel        = "info"
	defaultLogFormat       = "json"
)

// Storage drivers accepted by storage.driver.
const (
	StorageDriverSQLite = "sqlite"
	StorageDriverNATS   = "nats"
)

// Activity sinks accepted by activity.sinks.
const (
	ActivitySinkStream = "stream"
	ActivitySinkNATS   = "nats"
	ActivitySinkRedis  = "redis"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress string

	StorageDriver string
	DatabasePath  string
	NATSURL       string
	NATSBucket    string

	ActivitySinks       []string
	ActivityNATSSubject string
	ActivityBufferSize  int
	RedisAddress        string
	RedisChannel        string

	EnforcerEnabled     bool
	EnforcerInterval    time.Duration
	EnforcerGracePeriod time.Duration
	RebuildIndexOnStart bool

	AuthSigningSecret string
	AuthIssuer        string
	AuthCookieName    string
	AuthTokenTTL      time.Duration

	LogLevel  string
	LogFormat string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("storage.driver", defaultStorageDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("nats.url", defaultNATSURL)
	configViper.SetDefault("nats.bucket", defaultNATSBucket)
	configViper.SetDefault("activity.sinks", defaultActivitySinks)
	configViper.SetDefault("activity.nats_subject", defaultActivitySubject)
	configViper.SetDefault("activity.buffer_size", defaultActivityBuffer)
	configViper.SetDefault("redis.channel", defaultRedisChannel)
	configViper.SetDefault("enforcer.enabled", true)
	configViper.SetDefault("enforcer.interval", defaultEnforcerTick)
	configViper.SetDefault("enforcer.grace_period", time.Duration(0))
	configViper.SetDefault("index.rebuild_on_start", false)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		StorageDriver:       strings.ToLower(strings.TrimSpace(configViper.GetString("storage.driver"))),
		DatabasePath:        configViper.GetString("database.path"),
		NATSURL:             configViper.GetString("nats.url"),
		NATSBucket:          configViper.GetString("nats.bucket"),
		ActivitySinks:       splitList(configViper.GetString("activity.sinks")),
		ActivityNATSSubject: configViper.GetString("activity.nats_subject"),
		ActivityBufferSize:  configViper.GetInt("activity.buffer_size"),
		RedisAddress:        configViper.GetString("redis.address"),
		RedisChannel:        configViper.GetString("redis.channel"),
		EnforcerEnabled:     configViper.GetBool("enforcer.enabled"),
		EnforcerInterval:    configViper.GetDuration("enforcer.interval"),
		EnforcerGracePeriod: configViper.GetDuration("enforcer.grace_period"),
		RebuildIndexOnStart: configViper.GetBool("index.rebuild_on_start"),
		AuthSigningSecret:   configViper.GetString("auth.signing_secret"),
		AuthIssuer:          configViper.GetString("auth.issuer"),
		AuthCookieName:      configViper.GetString("auth.cookie_name"),
		AuthTokenTTL:        configViper.GetDuration("auth.token_ttl"),
		LogLevel:            configViper.GetString("log.level"),
		LogFormat:           configViper.GetString("log.format"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// HasActivitySink reports whether sink is enabled.
func (c AppConfig) HasActivitySink(sink string) bool {
	for _, enabled := range c.ActivitySinks {
		if enabled == sink {
			return true
		}
	}
	return false
}

// UsesNATS reports whether any component needs a NATS connection.
func (c AppConfig) UsesNATS() bool {
	return c.StorageDriver == StorageDriverNATS || c.HasActivitySink(ActivitySinkNATS)
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	switch c.StorageDriver {
	case StorageDriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case StorageDriverNATS:
		if strings.TrimSpace(c.NATSBucket) == "" {
			return fmt.Errorf("nats.bucket is required")
		}
	default:
		return fmt.Errorf("storage.driver must be %q or %q, got %q", StorageDriverSQLite, StorageDriverNATS, c.StorageDriver)
	}
	if c.UsesNATS() && strings.TrimSpace(c.NATSURL) == "" {
		return fmt.Errorf("nats.url is required")
	}
	for _, sink := range c.ActivitySinks {
		switch sink {
		case ActivitySinkStream, ActivitySinkNATS:
		case ActivitySinkRedis:
			if strings.TrimSpace(c.RedisAddress) == "" {
				return fmt.Errorf("redis.address is required for the redis activity sink")
			}
		default:
			return fmt.Errorf("unknown activity sink %q", sink)
		}
	}
	if c.EnforcerEnabled && c.EnforcerInterval <= 0 {
		return fmt.Errorf("enforcer.interval must be positive")
	}
	if c.EnforcerGracePeriod < 0 {
		return fmt.Errorf("enforcer.grace_period must not be negative")
	}
	return nil
}

func splitList(raw string) []string {
	var values []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			values = append(values, part)
		}
	}
	return values
}
