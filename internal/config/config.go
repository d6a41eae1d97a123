package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/quote-router/internal/routing"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig     `yaml:"store" mapstructure:"store"`
	Geocode      GeocodeConfig   `yaml:"geocode" mapstructure:"geocode"`
	Routing      RoutingConfig   `yaml:"routing" mapstructure:"routing"`
	Reconcile    ReconcileConfig `yaml:"reconcile" mapstructure:"reconcile"`
	Server       ServerConfig    `yaml:"server" mapstructure:"server"`
	Log          LogConfig       `yaml:"log" mapstructure:"log"`
	BranchesFile string          `yaml:"branches_file" mapstructure:"branches_file"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// GeocodeConfig configures the Nominatim client and its shared throttle.
type GeocodeConfig struct {
	BaseURL     string        `yaml:"base_url" mapstructure:"base_url"`
	Email       string        `yaml:"email" mapstructure:"email"`
	UserAgent   string        `yaml:"user_agent" mapstructure:"user_agent"`
	CountryCode string        `yaml:"country_code" mapstructure:"country_code"`
	CountryName string        `yaml:"country_name" mapstructure:"country_name"`
	Language    string        `yaml:"language" mapstructure:"language"`
	MinInterval time.Duration `yaml:"min_interval" mapstructure:"min_interval"`
	Timeout     time.Duration `yaml:"timeout" mapstructure:"timeout"`
	// BreakerThreshold is the consecutive failures that open the circuit.
	// Zero disables the breaker.
	BreakerThreshold int           `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerReset     time.Duration `yaml:"breaker_reset" mapstructure:"breaker_reset"`
}

// RoutingConfig holds the branch routing rules. Branch keys are lowercase;
// viper folds map keys.
type RoutingConfig struct {
	ThresholdKM   float64           `yaml:"threshold_km" mapstructure:"threshold_km"`
	DefaultBranch string            `yaml:"default_branch" mapstructure:"default_branch"`
	Equivalences  map[string]string `yaml:"equivalences" mapstructure:"equivalences"`
	Contacts      map[string]string `yaml:"contacts" mapstructure:"contacts"`
}

// Policy converts the routing section into a routing.Policy. Branch keys are
// normalized the way the seed loader normalizes them, including equivalence
// targets, which viper leaves as written.
func (r RoutingConfig) Policy() routing.Policy {
	equivalences := make(map[string]string, len(r.Equivalences))
	for from, to := range r.Equivalences {
		equivalences[branchKey(from)] = branchKey(to)
	}
	contacts := make(map[string]string, len(r.Contacts))
	for key, target := range r.Contacts {
		contacts[branchKey(key)] = strings.TrimSpace(target)
	}
	return routing.Policy{
		ThresholdKM:   r.ThresholdKM,
		DefaultBranch: branchKey(r.DefaultBranch),
		Equivalences:  equivalences,
		Contacts:      contacts,
	}
}

func branchKey(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// ReconcileConfig configures the batch reconciler.
type ReconcileConfig struct {
	PageSize    int     `yaml:"page_size" mapstructure:"page_size"`
	Epsilon     float64 `yaml:"epsilon" mapstructure:"epsilon"`
	Concurrency int     `yaml:"concurrency" mapstructure:"concurrency"`
}

// ServerConfig configures the routing HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("QUOTE_ROUTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("geocode.base_url", "https://nominatim.openstreetmap.org/search")
	v.SetDefault("geocode.user_agent", "quote-router/1.0")
	v.SetDefault("geocode.country_code", "ar")
	v.SetDefault("geocode.country_name", "Argentina")
	v.SetDefault("geocode.language", "es")
	v.SetDefault("geocode.min_interval", "1s")
	v.SetDefault("geocode.timeout", "8s")
	v.SetDefault("geocode.breaker_threshold", 5)
	v.SetDefault("geocode.breaker_reset", "30s")
	v.SetDefault("routing.threshold_km", 5.0)
	v.SetDefault("routing.default_branch", "central")
	v.SetDefault("reconcile.page_size", 500)
	v.SetDefault("reconcile.epsilon", 1e-4)
	v.SetDefault("reconcile.concurrency", 1)
	v.SetDefault("branches_file", "branches.yaml")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings the given command needs. Every problem is
// reported, not just the first.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "route", "reconcile", "serve":
		errs = append(errs, c.validateStore()...)
		errs = append(errs, c.validateRouting()...)
		if c.Geocode.Email == "" {
			errs = append(errs, "geocode.email is required by the Nominatim usage policy")
		}
		if c.Geocode.MinInterval < 0 || c.Geocode.Timeout < 0 {
			errs = append(errs, "geocode.min_interval and geocode.timeout must be >= 0")
		}
		if c.Geocode.BreakerThreshold < 0 {
			errs = append(errs, "geocode.breaker_threshold must be >= 0")
		}
	case "migrate", "branches":
		errs = append(errs, c.validateStore()...)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch mode {
	case "reconcile":
		if c.Reconcile.PageSize < 1 {
			errs = append(errs, "reconcile.page_size must be > 0")
		}
		if c.Reconcile.Concurrency < 1 || c.Reconcile.Concurrency > 32 {
			errs = append(errs, "reconcile.concurrency must be between 1 and 32")
		}
		if c.Reconcile.Epsilon < 0 {
			errs = append(errs, "reconcile.epsilon must be >= 0")
		}
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateStore() []string {
	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		return []string{"store.driver must be postgres or sqlite"}
	}
	if c.Store.DatabaseURL == "" {
		return []string{"store.database_url is required"}
	}
	return nil
}

func (c *Config) validateRouting() []string {
	var errs []string
	if c.Routing.ThresholdKM <= 0 {
		errs = append(errs, "routing.threshold_km must be > 0")
	}
	if c.Routing.DefaultBranch == "" {
		errs = append(errs, "routing.default_branch is required")
	}
	if len(c.Routing.Contacts) == 0 {
		errs = append(errs, "routing.contacts is required")
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
