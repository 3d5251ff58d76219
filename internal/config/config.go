package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// EnvPrefix prefixes every environment override, e.g. UPTIME_SCAN_INTERVAL.
const EnvPrefix = "UPTIME"

type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	Environment     string        `mapstructure:"environment"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level     string `mapstructure:"level"`
	AddSource bool   `mapstructure:"add_source"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	URL    string `mapstructure:"url"`
}

// ScanConfig controls how often due monitors are discovered and how many
// are probed at once.
type ScanConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	Concurrency int           `mapstructure:"concurrency"`
	JobTimeout  time.Duration `mapstructure:"job_timeout"`
}

type QueueConfig struct {
	RetryAttempts      int           `mapstructure:"retry_attempts"`
	RetryBackoff       time.Duration `mapstructure:"retry_backoff"`
	DeadLetterAttempts int           `mapstructure:"dead_letter_attempts"`
	DeadLetterBackoff  time.Duration `mapstructure:"dead_letter_backoff"`
	MaxDeadLetters     int           `mapstructure:"max_dead_letters"`
	// LockKey names the distributed scan lock shared by every process.
	LockKey string `mapstructure:"lock_key"`
}

type ProbeConfig struct {
	Timeout           time.Duration `mapstructure:"timeout"`
	UserAgent         string        `mapstructure:"user_agent"`
	MaxConns          int           `mapstructure:"max_conns"`
	MaxConnsPerOrigin int           `mapstructure:"max_conns_per_origin"`
	MaxIdlePerOrigin  int           `mapstructure:"max_idle_per_origin"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	AcquireTimeout    time.Duration `mapstructure:"acquire_timeout"`
	MaxRedirects      int           `mapstructure:"max_redirects"`
}

type BufferConfig struct {
	Capacity            int           `mapstructure:"capacity"`
	FlushInterval       time.Duration `mapstructure:"flush_interval"`
	StatsInterval       time.Duration `mapstructure:"stats_interval"`
	FlushTimeout        time.Duration `mapstructure:"flush_timeout"`
	HighWaterMark       float64       `mapstructure:"high_water_mark"`
	CriticalUtilization float64       `mapstructure:"critical_utilization"`
	MaxRetries          int           `mapstructure:"max_retries"`
	RetryBackoff        time.Duration `mapstructure:"retry_backoff"`
}

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	Scan     ScanConfig     `mapstructure:"scan"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Probe    ProbeConfig    `mapstructure:"probe"`
	Buffer   BufferConfig   `mapstructure:"buffer"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.environment", EnvDev)
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("logging.level", LogLevelInfo)
	v.SetDefault("logging.add_source", false)

	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.url", "uptime.db")

	v.SetDefault("scan.interval", "30s")
	v.SetDefault("scan.concurrency", 16)
	v.SetDefault("scan.job_timeout", "5m")

	v.SetDefault("queue.retry_attempts", 3)
	v.SetDefault("queue.retry_backoff", "1s")
	v.SetDefault("queue.dead_letter_attempts", 5)
	v.SetDefault("queue.dead_letter_backoff", "30s")
	v.SetDefault("queue.max_dead_letters", 100)
	v.SetDefault("queue.lock_key", "scan-monitors")

	v.SetDefault("probe.timeout", "10s")
	v.SetDefault("probe.user_agent", "UptimeMonitor/1.0 (+health-check)")
	v.SetDefault("probe.max_conns", 100)
	v.SetDefault("probe.max_conns_per_origin", 4)
	v.SetDefault("probe.max_idle_per_origin", 2)
	v.SetDefault("probe.idle_timeout", "90s")
	v.SetDefault("probe.acquire_timeout", "5s")
	v.SetDefault("probe.max_redirects", 5)

	v.SetDefault("buffer.capacity", 1000)
	v.SetDefault("buffer.flush_interval", "5s")
	v.SetDefault("buffer.stats_interval", "1m")
	v.SetDefault("buffer.flush_timeout", "10s")
	v.SetDefault("buffer.high_water_mark", 0.8)
	v.SetDefault("buffer.critical_utilization", 0.9)
	v.SetDefault("buffer.max_retries", 3)
	v.SetDefault("buffer.retry_backoff", "1s")
}

// Load reads configuration from defaults, an optional YAML file and the
// environment, in increasing order of precedence. A .env file in the working
// directory is loaded into the environment first. When path is empty
// config.yaml is looked up in ./config and the working directory and may be
// absent; an explicit path must exist.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err == nil {
		slog.Debug("loaded .env file")
	}

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		slog.Debug("config file not found, using defaults and environment variables")
	} else {
		slog.Debug("loaded config file", slog.String("file", v.ConfigFileUsed()))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server, validation.By(func(value interface{}) error {
			sc, ok := value.(ServerConfig)
			if !ok {
				return validation.NewError("validation_invalid_type", "must be a ServerConfig")
			}
			return validation.ValidateStruct(&sc,
				validation.Field(&sc.Address, validation.Required, validation.By(ValidateHostPort)),
				validation.Field(&sc.Environment, validation.Required, validation.In(EnvDev, EnvStaging, EnvProd)),
				validation.Field(&sc.ShutdownTimeout, validation.Min(time.Second)),
			)
		})),
		validation.Field(&c.Logging, validation.By(func(value interface{}) error {
			lc, ok := value.(LoggingConfig)
			if !ok {
				return validation.NewError("validation_invalid_type", "must be a LoggingConfig")
			}
			return validation.ValidateStruct(&lc,
				validation.Field(&lc.Level,
					validation.Required,
					validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
				),
			)
		})),
		validation.Field(&c.Database, validation.By(func(value interface{}) error {
			dc, ok := value.(DatabaseConfig)
			if !ok {
				return validation.NewError("validation_invalid_type", "must be a DatabaseConfig")
			}
			return validation.ValidateStruct(&dc,
				validation.Field(&dc.Driver, validation.Required, validation.In(DriverSQLite, DriverPostgres)),
				validation.Field(&dc.URL, validation.Required),
			)
		})),
		validation.Field(&c.Scan, validation.By(func(value interface{}) error {
			sc, ok := value.(ScanConfig)
			if !ok {
				return validation.NewError("validation_invalid_type", "must be a ScanConfig")
			}
			return validation.ValidateStruct(&sc,
				validation.Field(&sc.Interval, validation.Required, validation.Min(time.Second)),
				validation.Field(&sc.Concurrency, validation.Required, validation.Min(1), validation.Max(1024)),
				validation.Field(&sc.JobTimeout, validation.Required, validation.Min(time.Second)),
			)
		})),
		validation.Field(&c.Queue, validation.By(func(value interface{}) error {
			qc, ok := value.(QueueConfig)
			if !ok {
				return validation.NewError("validation_invalid_type", "must be a QueueConfig")
			}
			return validation.ValidateStruct(&qc,
				validation.Field(&qc.RetryAttempts, validation.Required, validation.Min(1)),
				validation.Field(&qc.RetryBackoff, validation.Required),
				validation.Field(&qc.DeadLetterAttempts, validation.Required, validation.Min(1)),
				validation.Field(&qc.DeadLetterBackoff, validation.Required),
				validation.Field(&qc.MaxDeadLetters, validation.Required, validation.Min(1)),
				validation.Field(&qc.LockKey, validation.Required),
			)
		})),
		validation.Field(&c.Probe, validation.By(func(value interface{}) error {
			pc, ok := value.(ProbeConfig)
			if !ok {
				return validation.NewError("validation_invalid_type", "must be a ProbeConfig")
			}
			return validation.ValidateStruct(&pc,
				validation.Field(&pc.Timeout, validation.Required, validation.Min(100*time.Millisecond)),
				validation.Field(&pc.UserAgent, validation.Required),
				validation.Field(&pc.MaxConns, validation.Required, validation.Min(1)),
				validation.Field(&pc.MaxConnsPerOrigin, validation.Required, validation.Min(1)),
				validation.Field(&pc.MaxIdlePerOrigin, validation.Required, validation.Min(1)),
				validation.Field(&pc.IdleTimeout, validation.Required),
				validation.Field(&pc.AcquireTimeout, validation.Required),
				validation.Field(&pc.MaxRedirects, validation.Min(0), validation.Max(20)),
			)
		})),
		validation.Field(&c.Buffer, validation.By(func(value interface{}) error {
			bc, ok := value.(BufferConfig)
			if !ok {
				return validation.NewError("validation_invalid_type", "must be a BufferConfig")
			}
			return validation.ValidateStruct(&bc,
				validation.Field(&bc.Capacity, validation.Required, validation.Min(1)),
				validation.Field(&bc.FlushInterval, validation.Required, validation.Min(10*time.Millisecond)),
				validation.Field(&bc.StatsInterval, validation.Required),
				validation.Field(&bc.FlushTimeout, validation.Required),
				validation.Field(&bc.HighWaterMark, validation.Required, validation.Min(0.01), validation.Max(1.0)),
				validation.Field(&bc.CriticalUtilization, validation.Required, validation.Min(0.01), validation.Max(1.0)),
				validation.Field(&bc.MaxRetries, validation.Required, validation.Min(1)),
				validation.Field(&bc.RetryBackoff, validation.Required),
			)
		})),
	)
}

// ValidateHostPort accepts "host:port" and ":port" with a numeric port.
func ValidateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}
	if port == "" {
		return validation.NewError("validation_invalid_port", "port cant be empty")
	}
	if err := is.Digit.Validate(port); err != nil {
		return validation.NewError("validation_invalid_port", "invalid port")
	}
	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}
	return nil
}
