package config

import (
    "fmt"
    "strings"
    "time"

    "github.com/spf13/viper"
)

// Config represents the complete application configuration.
type Config struct {
    App         AppConfig         `mapstructure:"app"`
    Database    DatabaseConfig    `mapstructure:"database"`
    Redis       RedisConfig       `mapstructure:"redis"`
    Switch      SwitchConfig      `mapstructure:"switch"`
    Billing     BillingConfig     `mapstructure:"billing"`
    Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
    Security    SecurityConfig    `mapstructure:"security"`
    Performance PerformanceConfig `mapstructure:"performance"`
}

// AppConfig holds application-level configuration.
type AppConfig struct {
    Name        string `mapstructure:"name"`
    Version     string `mapstructure:"version"`
    Environment string `mapstructure:"environment"`
    Debug       bool   `mapstructure:"debug"`
}

// DatabaseConfig holds MySQL configuration for the durable stores
// (accounts, rate cards, reservations, transactions, CDRs).
type DatabaseConfig struct {
    Driver          string        `mapstructure:"driver"`
    Host            string        `mapstructure:"host"`
    Port            int           `mapstructure:"port"`
    Username        string        `mapstructure:"username"`
    Password        string        `mapstructure:"password"`
    Database        string        `mapstructure:"database"`
    MaxOpenConns    int           `mapstructure:"max_open_conns"`
    MaxIdleConns    int           `mapstructure:"max_idle_conns"`
    ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
    RetryAttempts   int           `mapstructure:"retry_attempts"`
    RetryDelay      time.Duration `mapstructure:"retry_delay"`
    Charset         string        `mapstructure:"charset"`
}

// RedisConfig holds configuration for the session hot-store and the
// per-account active-call sets.
type RedisConfig struct {
    Host         string        `mapstructure:"host"`
    Port         int           `mapstructure:"port"`
    Password     string        `mapstructure:"password"`
    DB           int           `mapstructure:"db"`
    PoolSize     int           `mapstructure:"pool_size"`
    MinIdleConns int           `mapstructure:"min_idle_conns"`
    MaxRetries   int           `mapstructure:"max_retries"`
    DialTimeout  time.Duration `mapstructure:"dial_timeout"`
    ReadTimeout  time.Duration `mapstructure:"read_timeout"`
    WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// SwitchConfig holds the voice-switch event-socket server configuration.
type SwitchConfig struct {
    ListenAddress   string        `mapstructure:"listen_address"`
    Port            int           `mapstructure:"port"`
    MaxConnections  int           `mapstructure:"max_connections"`
    ReadTimeout     time.Duration `mapstructure:"read_timeout"`
    WriteTimeout    time.Duration `mapstructure:"write_timeout"`
    IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
    ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
    CommandTimeout  time.Duration `mapstructure:"command_timeout"`
}

// BillingConfig holds every tunable named in the wire-contract's
// tunables table, plus a few operational knobs the teacher's
// equivalent (RouterConfig) always carries alongside its domain
// tunables.
type BillingConfig struct {
    MinReservation            float64       `mapstructure:"min_reservation"`
    MaxReservation            float64       `mapstructure:"max_reservation"`
    BufferPercent             float64       `mapstructure:"buffer_percent"`
    MonitorIntervalS          int           `mapstructure:"monitor_interval_s"`
    ExtendThresholdS          int           `mapstructure:"extend_threshold_s"`
    ExtensionMinutes          int           `mapstructure:"extension_minutes"`
    ReservationTTLS           int           `mapstructure:"reservation_ttl_s"`
    AuthDeadlineMS            int           `mapstructure:"auth_deadline_ms"`
    DeficitSuspendThreshold   float64       `mapstructure:"deficit_suspend_threshold"`
    MaxConcurrentCallsDefault int           `mapstructure:"max_concurrent_calls_default"`
    ExpirySweepInterval       time.Duration `mapstructure:"expiry_sweep_interval"`
    UnboundedCapSeconds       int           `mapstructure:"unbounded_cap_seconds"`
}

// MonitoringConfig holds monitoring and observability configuration.
type MonitoringConfig struct {
    Metrics MetricsConfig `mapstructure:"metrics"`
    Health  HealthConfig  `mapstructure:"health"`
    Logging LoggingConfig `mapstructure:"logging"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
    Enabled   bool   `mapstructure:"enabled"`
    Port      int    `mapstructure:"port"`
    Path      string `mapstructure:"path"`
    Namespace string `mapstructure:"namespace"`
    Subsystem string `mapstructure:"subsystem"`
}

// HealthConfig holds health check configuration.
type HealthConfig struct {
    Enabled       bool   `mapstructure:"enabled"`
    Port          int    `mapstructure:"port"`
    LivenessPath  string `mapstructure:"liveness_path"`
    ReadinessPath string `mapstructure:"readiness_path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
    Level  string                 `mapstructure:"level"`
    Format string                 `mapstructure:"format"`
    Output string                 `mapstructure:"output"`
    File   FileLogConfig          `mapstructure:"file"`
    Fields map[string]interface{} `mapstructure:"fields"`
}

// FileLogConfig holds file-based logging configuration.
type FileLogConfig struct {
    Enabled    bool   `mapstructure:"enabled"`
    Path       string `mapstructure:"path"`
    MaxSize    int    `mapstructure:"max_size"`
    MaxBackups int    `mapstructure:"max_backups"`
    MaxAge     int    `mapstructure:"max_age"`
    Compress   bool   `mapstructure:"compress"`
}

// SecurityConfig holds security-related configuration for the
// read-only operator surfaces (CLI, health/metrics endpoints).
type SecurityConfig struct {
    API APIConfig `mapstructure:"api"`
}

// APIConfig holds the operator-facing read-only API configuration.
type APIConfig struct {
    Enabled bool `mapstructure:"enabled"`
    Port    int  `mapstructure:"port"`
}

// PerformanceConfig holds performance tuning configuration.
type PerformanceConfig struct {
    EventWorkerPoolSize int `mapstructure:"event_worker_pool_size"`
    EventQueueSize      int `mapstructure:"event_queue_size"`
}

// Load loads configuration from file and environment.
func Load(configFile string) (*Config, error) {
    if configFile != "" {
        viper.SetConfigFile(configFile)
    } else {
        viper.SetConfigName("config")
        viper.SetConfigType("yaml")
        viper.AddConfigPath("./configs")
        viper.AddConfigPath("/etc/apolobilling")
        viper.AddConfigPath(".")
    }

    viper.SetEnvPrefix("APOLOBILLING")
    viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
    viper.AutomaticEnv()

    setDefaults()

    if err := viper.ReadInConfig(); err != nil {
        if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
            return nil, fmt.Errorf("failed to read config file: %w", err)
        }
    }

    var config Config
    if err := viper.Unmarshal(&config); err != nil {
        return nil, fmt.Errorf("failed to unmarshal config: %w", err)
    }

    if err := config.Validate(); err != nil {
        return nil, fmt.Errorf("invalid configuration: %w", err)
    }

    return &config, nil
}

// setDefaults sets default configuration values. Billing defaults
// mirror the wire-contract tunables table exactly.
func setDefaults() {
    viper.SetDefault("app.name", "apolobilling")
    viper.SetDefault("app.version", "1.0.0")
    viper.SetDefault("app.environment", "development")
    viper.SetDefault("app.debug", false)

    viper.SetDefault("database.driver", "mysql")
    viper.SetDefault("database.host", "localhost")
    viper.SetDefault("database.port", 3306)
    viper.SetDefault("database.username", "billing")
    viper.SetDefault("database.password", "billing")
    viper.SetDefault("database.database", "apolobilling")
    viper.SetDefault("database.max_open_conns", 25)
    viper.SetDefault("database.max_idle_conns", 5)
    viper.SetDefault("database.conn_max_lifetime", "5m")
    viper.SetDefault("database.retry_attempts", 3)
    viper.SetDefault("database.retry_delay", "250ms")
    viper.SetDefault("database.charset", "utf8mb4")

    viper.SetDefault("redis.host", "localhost")
    viper.SetDefault("redis.port", 6379)
    viper.SetDefault("redis.db", 0)
    viper.SetDefault("redis.pool_size", 10)
    viper.SetDefault("redis.min_idle_conns", 5)
    viper.SetDefault("redis.max_retries", 3)
    viper.SetDefault("redis.dial_timeout", "5s")
    viper.SetDefault("redis.read_timeout", "3s")
    viper.SetDefault("redis.write_timeout", "3s")

    viper.SetDefault("switch.listen_address", "0.0.0.0")
    viper.SetDefault("switch.port", 9374)
    viper.SetDefault("switch.max_connections", 16)
    viper.SetDefault("switch.read_timeout", "30s")
    viper.SetDefault("switch.write_timeout", "30s")
    viper.SetDefault("switch.idle_timeout", "120s")
    viper.SetDefault("switch.shutdown_timeout", "30s")
    viper.SetDefault("switch.command_timeout", "2s")

    viper.SetDefault("billing.min_reservation", 0.30)
    viper.SetDefault("billing.max_reservation", 30.00)
    viper.SetDefault("billing.buffer_percent", 8.0)
    viper.SetDefault("billing.monitor_interval_s", 180)
    viper.SetDefault("billing.extend_threshold_s", 240)
    viper.SetDefault("billing.extension_minutes", 3)
    viper.SetDefault("billing.reservation_ttl_s", 2700)
    viper.SetDefault("billing.auth_deadline_ms", 50)
    viper.SetDefault("billing.deficit_suspend_threshold", 10.00)
    viper.SetDefault("billing.max_concurrent_calls_default", 5)
    viper.SetDefault("billing.expiry_sweep_interval", "30s")
    viper.SetDefault("billing.unbounded_cap_seconds", 3600)

    viper.SetDefault("monitoring.metrics.enabled", true)
    viper.SetDefault("monitoring.metrics.port", 9090)
    viper.SetDefault("monitoring.metrics.path", "/metrics")
    viper.SetDefault("monitoring.metrics.namespace", "apolobilling")
    viper.SetDefault("monitoring.health.enabled", true)
    viper.SetDefault("monitoring.health.port", 8080)
    viper.SetDefault("monitoring.health.liveness_path", "/health/live")
    viper.SetDefault("monitoring.health.readiness_path", "/health/ready")
    viper.SetDefault("monitoring.logging.level", "info")
    viper.SetDefault("monitoring.logging.format", "json")
    viper.SetDefault("monitoring.logging.output", "stdout")

    viper.SetDefault("security.api.enabled", false)
    viper.SetDefault("security.api.port", 8081)

    viper.SetDefault("performance.event_worker_pool_size", 64)
    viper.SetDefault("performance.event_queue_size", 4096)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
    if c.Database.Host == "" {
        return fmt.Errorf("database host is required")
    }
    if c.Database.Port <= 0 || c.Database.Port > 65535 {
        return fmt.Errorf("invalid database port: %d", c.Database.Port)
    }
    if c.Database.Username == "" {
        return fmt.Errorf("database username is required")
    }
    if c.Database.Database == "" {
        return fmt.Errorf("database name is required")
    }

    if c.Switch.Port <= 0 || c.Switch.Port > 65535 {
        return fmt.Errorf("invalid switch port: %d", c.Switch.Port)
    }
    if c.Switch.MaxConnections <= 0 {
        return fmt.Errorf("switch max connections must be positive")
    }

    if c.Redis.Host != "" {
        if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
            return fmt.Errorf("invalid redis port: %d", c.Redis.Port)
        }
    }

    if c.Billing.MinReservation < 0 {
        return fmt.Errorf("billing.min_reservation must be non-negative")
    }
    if c.Billing.MaxReservation < c.Billing.MinReservation {
        return fmt.Errorf("billing.max_reservation must be >= min_reservation")
    }
    if c.Billing.MonitorIntervalS <= 0 {
        return fmt.Errorf("billing.monitor_interval_s must be positive")
    }
    if c.Billing.ReservationTTLS <= 0 {
        return fmt.Errorf("billing.reservation_ttl_s must be positive")
    }
    if c.Billing.AuthDeadlineMS <= 0 {
        return fmt.Errorf("billing.auth_deadline_ms must be positive")
    }
    if c.Billing.MaxConcurrentCallsDefault <= 0 {
        return fmt.Errorf("billing.max_concurrent_calls_default must be positive")
    }

    if c.Monitoring.Metrics.Enabled {
        if c.Monitoring.Metrics.Port <= 0 || c.Monitoring.Metrics.Port > 65535 {
            return fmt.Errorf("invalid metrics port: %d", c.Monitoring.Metrics.Port)
        }
    }
    if c.Monitoring.Health.Enabled {
        if c.Monitoring.Health.Port <= 0 || c.Monitoring.Health.Port > 65535 {
            return fmt.Errorf("invalid health port: %d", c.Monitoring.Health.Port)
        }
    }

    if c.Performance.EventWorkerPoolSize <= 0 {
        return fmt.Errorf("performance.event_worker_pool_size must be positive")
    }
    if c.Performance.EventQueueSize <= 0 {
        return fmt.Errorf("performance.event_queue_size must be positive")
    }

    return nil
}

// GetDSN returns the database connection string.
func (c *DatabaseConfig) GetDSN() string {
    charset := c.Charset
    if charset == "" {
        charset = "utf8mb4"
    }
    return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=true&loc=UTC",
        c.Username, c.Password, c.Host, c.Port, c.Database, charset)
}

// GetRedisAddr returns the Redis address.
func (c *RedisConfig) GetRedisAddr() string {
    return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetSwitchAddr returns the voice-switch event-socket listen address.
func (c *SwitchConfig) GetSwitchAddr() string {
    return fmt.Sprintf("%s:%d", c.ListenAddress, c.Port)
}

// IsProduction returns true if running in the production environment.
func (c *AppConfig) IsProduction() bool {
    return strings.ToLower(c.Environment) == "production"
}

// IsDevelopment returns true if running in the development environment.
func (c *AppConfig) IsDevelopment() bool {
    return strings.ToLower(c.Environment) == "development"
}

// IsDebug returns true if debug mode is enabled.
func (c *AppConfig) IsDebug() bool {
    return c.Debug
}
