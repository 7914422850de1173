package config

import (
	"os"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	goerrors "github.com/goliatone/go-errors"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "AUTHSTATE"

// Store backends.
const (
	BackendBun   = "bun"
	BackendRedis = "redis"
	BackendMongo = "mongo"
)

// Session token persistence modes.
const (
	PersistenceMemory = "memory"
	PersistenceRedis  = "redis"
)

// Config holds the CLI configuration
type Config struct {
	Database DatabaseConfig
	Store    StoreConfig
	Session  SessionConfig
	Redis    RedisConfig
	Mongo    MongoConfig
	Local    LocalConfig
	OIDC     OIDCConfig
	Metrics  MetricsConfig
}

type DatabaseConfig struct {
	DSN string
}

type StoreConfig struct {
	Backend    string
	RetryDelay time.Duration
}

type SessionConfig struct {
	Persistence string
	Device      string
	TTL         time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type MongoConfig struct {
	URI        string
	Database   string
	Collection string
	Timeout    time.Duration
}

type LocalConfig struct {
	SigningKey        string
	Issuer            string
	TokenTTL          time.Duration
	ResetTTL          time.Duration
	MinPasswordLength int
}

type OIDCConfig struct {
	Name         string
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

// Enabled reports whether a federated provider is configured.
func (c OIDCConfig) Enabled() bool {
	return c.Issuer != "" && c.ClientID != ""
}

type MetricsConfig struct {
	Addr      string
	Namespace string
}

// Load reads the optional env file, the optional config file and the
// AUTHSTATE_* environment. Environment values win over file values.
func Load(envFile, configFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, goerrors.Wrap(err, goerrors.CategoryBadInput, "failed to load env file").
				WithMetadata(map[string]any{"path": envFile})
		}
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, goerrors.Wrap(err, goerrors.CategoryBadInput, "failed to read config file").
				WithMetadata(map[string]any{"path": configFile})
		}
	}

	cfg := &Config{
		Database: DatabaseConfig{
			DSN: v.GetString("database.dsn"),
		},
		Store: StoreConfig{
			Backend:    strings.ToLower(v.GetString("store.backend")),
			RetryDelay: v.GetDuration("store.retry_delay"),
		},
		Session: SessionConfig{
			Persistence: strings.ToLower(v.GetString("session.persistence")),
			Device:      v.GetString("session.device"),
			TTL:         v.GetDuration("session.ttl"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Mongo: MongoConfig{
			URI:        v.GetString("mongo.uri"),
			Database:   v.GetString("mongo.database"),
			Collection: v.GetString("mongo.collection"),
			Timeout:    v.GetDuration("mongo.timeout"),
		},
		Local: LocalConfig{
			SigningKey:        v.GetString("local.signing_key"),
			Issuer:            v.GetString("local.issuer"),
			TokenTTL:          v.GetDuration("local.token_ttl"),
			ResetTTL:          v.GetDuration("local.reset_ttl"),
			MinPasswordLength: v.GetInt("local.min_password_length"),
		},
		OIDC: OIDCConfig{
			Name:         v.GetString("oidc.name"),
			Issuer:       v.GetString("oidc.issuer"),
			ClientID:     v.GetString("oidc.client_id"),
			ClientSecret: v.GetString("oidc.client_secret"),
			RedirectURL:  v.GetString("oidc.redirect_url"),
			Scopes:       v.GetStringSlice("oidc.scopes"),
		},
		Metrics: MetricsConfig{
			Addr:      v.GetString("metrics.addr"),
			Namespace: v.GetString("metrics.namespace"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.dsn", "file:authstate.db?cache=shared&_busy_timeout=5000")
	v.SetDefault("store.backend", BackendBun)
	v.SetDefault("store.retry_delay", time.Second)
	v.SetDefault("session.persistence", PersistenceMemory)
	v.SetDefault("session.device", "default")
	v.SetDefault("session.ttl", 30*24*time.Hour)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("mongo.database", "authstate")
	v.SetDefault("mongo.collection", "user_records")
	v.SetDefault("mongo.timeout", 10*time.Second)
	v.SetDefault("local.issuer", "authstate-local")
	v.SetDefault("local.token_ttl", 24*time.Hour)
	v.SetDefault("local.reset_ttl", time.Hour)
	v.SetDefault("local.min_password_length", 6)
	v.SetDefault("oidc.name", "oidc")
	v.SetDefault("oidc.redirect_url", "http://127.0.0.1:8765/callback")
	v.SetDefault("metrics.namespace", "authstate")
}

// Validate checks cross field requirements. Provider specific settings are
// validated again by the provider constructors.
func (c *Config) Validate() error {
	usesRedis := c.Store.Backend == BackendRedis || c.Session.Persistence == PersistenceRedis

	err := validation.Errors{
		"database": validation.ValidateStruct(&c.Database,
			validation.Field(&c.Database.DSN, validation.Required),
		),
		"store": validation.ValidateStruct(&c.Store,
			validation.Field(&c.Store.Backend, validation.Required, validation.In(BackendBun, BackendRedis, BackendMongo)),
		),
		"session": validation.ValidateStruct(&c.Session,
			validation.Field(&c.Session.Persistence, validation.Required, validation.In(PersistenceMemory, PersistenceRedis)),
		),
		"redis": validation.ValidateStruct(&c.Redis,
			validation.Field(&c.Redis.Addr, validation.When(usesRedis, validation.Required)),
		),
		"mongo": validation.ValidateStruct(&c.Mongo,
			validation.Field(&c.Mongo.URI, validation.When(c.Store.Backend == BackendMongo, validation.Required)),
		),
		"local": validation.ValidateStruct(&c.Local,
			validation.Field(&c.Local.SigningKey, validation.Required, validation.Length(16, 0)),
		),
	}.Filter()
	if err != nil {
		return goerrors.FromOzzoValidation(err, "invalid configuration")
	}
	return nil
}
