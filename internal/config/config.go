package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"arc-framework/ignite/internal/retry"
)

// Config is the root configuration for Ignite.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Bootstrap BootstrapConfig `mapstructure:"bootstrap"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool   `mapstructure:"otlp_insecure"`
	ServiceName  string `mapstructure:"service_name"`
	LogLevel     string `mapstructure:"log_level"`
	// LogFile, when set, receives a copy of every log record.
	LogFile string `mapstructure:"log_file"`
}

type BootstrapConfig struct {
	Timeout    time.Duration    `mapstructure:"timeout"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Store      StoreConfig      `mapstructure:"store"`
	Migrations MigrationsConfig `mapstructure:"migrations"`
	Seed       SeedConfig       `mapstructure:"seed"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Redis      RedisConfig      `mapstructure:"redis"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Multiplier  float64       `mapstructure:"multiplier"`
	Jitter      float64       `mapstructure:"jitter"`
	Retryable   []string      `mapstructure:"retryable"`
}

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type StoreConfig struct {
	Driver   string         `mapstructure:"driver"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DB       string `mapstructure:"db"`
	// MaintenanceDB is the database connected to while the target does not
	// exist yet.
	MaintenanceDB string `mapstructure:"maintenance_db"`
	SSLMode       string `mapstructure:"ssl_mode"`
	MaxConns      int32  `mapstructure:"max_conns"`
}

// DSN returns the connection URL for database db.
func (p PostgresConfig) DSN(db string) string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.User, p.Password),
		Host:     fmt.Sprintf("%s:%d", p.Host, p.Port),
		Path:     "/" + db,
		RawQuery: "sslmode=" + url.QueryEscape(p.SSLMode),
	}
	return u.String()
}

type SQLiteConfig struct {
	Path        string        `mapstructure:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

type MigrationsConfig struct {
	// Dir overrides the embedded migration set when non-empty.
	Dir string `mapstructure:"dir"`
}

type AccountConfig struct {
	Username string `mapstructure:"username"`
	Email    string `mapstructure:"email"`
	Phone    string `mapstructure:"phone"`
	Password string `mapstructure:"password"`
}

type SeedConfig struct {
	Admin    AccountConfig   `mapstructure:"admin"`
	Accounts []AccountConfig `mapstructure:"accounts"`
}

// All returns the admin account followed by the extra accounts, skipping an
// admin with no username.
func (s SeedConfig) All() []AccountConfig {
	out := make([]AccountConfig, 0, 1+len(s.Accounts))
	if s.Admin.Username != "" {
		out = append(out, s.Admin)
	}
	return append(out, s.Accounts...)
}

type NotifyConfig struct {
	NATSURL string `mapstructure:"nats_url"`
	Subject string `mapstructure:"subject"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type SchedulerConfig struct {
	DeploymentFile string        `mapstructure:"deployment_file"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
	ReadyTimeout   time.Duration `mapstructure:"ready_timeout"`
	StopTimeout    time.Duration `mapstructure:"stop_timeout"`
}

// Load reads config from the optional YAML file at path, then overlays
// environment variables with the IGNITE_ prefix (e.g. IGNITE_SERVER_PORT).
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("IGNITE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	return &cfg, nil
}

// Validate rejects configurations the bootstrap sequence cannot run with.
func (c *Config) Validate() error {
	var errs []error

	r := c.Bootstrap.Retry
	if r.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("bootstrap.retry.max_attempts must be >= 1, got %d", r.MaxAttempts))
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		errs = append(errs, fmt.Errorf("bootstrap.retry.jitter must be within [0,1], got %g", r.Jitter))
	}
	for _, s := range r.Retryable {
		if _, err := retry.ParseClass(s); err != nil {
			errs = append(errs, fmt.Errorf("bootstrap.retry.retryable: %w", err))
		}
	}

	switch c.Bootstrap.Store.Driver {
	case DriverPostgres:
		if c.Bootstrap.Store.Postgres.DB == "" {
			errs = append(errs, errors.New("bootstrap.store.postgres.db is required"))
		}
	case DriverSQLite:
		if c.Bootstrap.Store.SQLite.Path == "" {
			errs = append(errs, errors.New("bootstrap.store.sqlite.path is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("bootstrap.store.driver %q: want %s or %s",
			c.Bootstrap.Store.Driver, DriverPostgres, DriverSQLite))
	}

	for i, a := range c.Bootstrap.Seed.All() {
		if a.Username == "" {
			errs = append(errs, fmt.Errorf("bootstrap.seed account %d: username is required", i))
		}
		if a.Password == "" {
			errs = append(errs, fmt.Errorf("bootstrap.seed account %q: password is required", a.Username))
		}
	}

	return errors.Join(errs...)
}

// Policy converts the retry section into a retry.Policy.
func (r RetryConfig) Policy() (retry.Policy, error) {
	p := retry.Policy{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   r.BaseDelay,
		MaxDelay:    r.MaxDelay,
		Multiplier:  r.Multiplier,
		Jitter:      r.Jitter,
	}
	if len(r.Retryable) > 0 {
		classes := make([]retry.Class, 0, len(r.Retryable))
		for _, s := range r.Retryable {
			c, err := retry.ParseClass(s)
			if err != nil {
				return retry.Policy{}, err
			}
			classes = append(classes, c)
		}
		p.Retryable = retry.Classes(classes...)
	}
	return p, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8082)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.otlp_insecure", true)
	v.SetDefault("telemetry.service_name", "arc-ignite")
	v.SetDefault("telemetry.log_level", "info")
	v.SetDefault("telemetry.log_file", "")

	v.SetDefault("bootstrap.timeout", 5*time.Minute)

	v.SetDefault("bootstrap.retry.max_attempts", 10)
	v.SetDefault("bootstrap.retry.base_delay", 500*time.Millisecond)
	v.SetDefault("bootstrap.retry.max_delay", 15*time.Second)
	v.SetDefault("bootstrap.retry.multiplier", 2.0)
	v.SetDefault("bootstrap.retry.jitter", 0.3)
	v.SetDefault("bootstrap.retry.retryable", []string{
		string(retry.ClassConnection),
		string(retry.ClassTimeout),
		string(retry.ClassDeadlock),
		string(retry.ClassSerialization),
		string(retry.ClassLockContention),
	})

	v.SetDefault("bootstrap.store.driver", DriverPostgres)
	v.SetDefault("bootstrap.store.postgres.host", "localhost")
	v.SetDefault("bootstrap.store.postgres.port", 5432)
	v.SetDefault("bootstrap.store.postgres.user", "arc")
	v.SetDefault("bootstrap.store.postgres.password", "")
	v.SetDefault("bootstrap.store.postgres.db", "arc_db")
	v.SetDefault("bootstrap.store.postgres.maintenance_db", "postgres")
	v.SetDefault("bootstrap.store.postgres.ssl_mode", "disable")
	v.SetDefault("bootstrap.store.postgres.max_conns", 4)
	v.SetDefault("bootstrap.store.sqlite.path", "ignite.db")
	v.SetDefault("bootstrap.store.sqlite.busy_timeout", 5*time.Second)

	v.SetDefault("bootstrap.migrations.dir", "")

	v.SetDefault("bootstrap.seed.admin.username", "admin@arc.local")
	v.SetDefault("bootstrap.seed.admin.email", "admin@arc.local")
	v.SetDefault("bootstrap.seed.admin.phone", "")
	v.SetDefault("bootstrap.seed.admin.password", "")

	v.SetDefault("bootstrap.notify.nats_url", "")
	v.SetDefault("bootstrap.notify.subject", "ignite.bootstrap.completed")

	v.SetDefault("bootstrap.redis.host", "")
	v.SetDefault("bootstrap.redis.port", 6379)
	v.SetDefault("bootstrap.redis.password", "")
	v.SetDefault("bootstrap.redis.db", 0)

	v.SetDefault("scheduler.deployment_file", "deploy.yaml")
	v.SetDefault("scheduler.health_interval", time.Second)
	v.SetDefault("scheduler.ready_timeout", 2*time.Minute)
	v.SetDefault("scheduler.stop_timeout", 10*time.Second)
}
