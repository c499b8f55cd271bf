// Package config handles loading and validating query pool configuration
// from YAML or TOML files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/joao-brasil/mssql-querypool/internal/logutil"
	"github.com/joao-brasil/mssql-querypool/internal/pool"
	"github.com/joao-brasil/mssql-querypool/pkg/descriptor"
)

// ServerConfig holds process-level settings.
type ServerConfig struct {
	InstanceID      string        `yaml:"instance_id" toml:"instance_id"`
	MetricsPort     int           `yaml:"metrics_port" toml:"metrics_port"`
	HealthCheckPort int           `yaml:"health_check_port" toml:"health_check_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// PoolConfig holds pool and executor settings. At the root it provides the
// defaults; inside a connection, non-zero fields override them.
type PoolConfig struct {
	Size                int              `yaml:"size" toml:"size"`
	AcquireTimeout      time.Duration    `yaml:"acquire_timeout" toml:"acquire_timeout"`
	HealthCheckInterval time.Duration    `yaml:"health_check_interval" toml:"health_check_interval"`
	Retry               pool.RetryPolicy `yaml:"retry" toml:"retry"`
	StreamBuffer        int              `yaml:"stream_buffer" toml:"stream_buffer"`
	StatementCacheSize  int              `yaml:"statement_cache_size" toml:"statement_cache_size"`
}

// RedisConfig holds the Redis connection configuration.
type RedisConfig struct {
	Enabled           bool          `yaml:"enabled" toml:"enabled"`
	Addr              string        `yaml:"addr" toml:"addr"`
	Password          string        `yaml:"password" toml:"password"`
	DB                int           `yaml:"db" toml:"db"`
	PoolSize          int           `yaml:"pool_size" toml:"pool_size"`
	DialTimeout       time.Duration `yaml:"dial_timeout" toml:"dial_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" toml:"write_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	HeartbeatTTL      time.Duration `yaml:"heartbeat_ttl" toml:"heartbeat_ttl"`
	// PermitWait bounds how long a slot waits for a cluster-wide permit
	// before the attempt counts as failed.
	PermitWait time.Duration `yaml:"permit_wait" toml:"permit_wait"`
}

// FallbackConfig holds configuration for fallback mode when Redis is unavailable.
type FallbackConfig struct {
	Enabled           bool `yaml:"enabled" toml:"enabled"`
	LocalLimitDivisor int  `yaml:"local_limit_divisor" toml:"local_limit_divisor"`
}

// ConnectionConfig names one database. The descriptor comes from
// ConnectionString when set, otherwise from the inline fields.
type ConnectionConfig struct {
	Name                  string `yaml:"name" toml:"name"`
	ConnectionString      string `yaml:"connection_string" toml:"connection_string"`
	descriptor.Descriptor `yaml:",inline"`

	Pool PoolConfig `yaml:"pool" toml:"pool"`
	// GlobalMaxConnections caps physical connections to this database across
	// every instance sharing the Redis coordinator. Zero means no cap.
	GlobalMaxConnections int `yaml:"global_max_connections" toml:"global_max_connections"`
}

// Config is the root configuration structure.
type Config struct {
	Log         logutil.Config     `yaml:"log" toml:"log"`
	Server      ServerConfig       `yaml:"server" toml:"server"`
	Pool        PoolConfig         `yaml:"pool" toml:"pool"`
	Redis       RedisConfig        `yaml:"redis" toml:"redis"`
	Fallback    FallbackConfig     `yaml:"fallback" toml:"fallback"`
	Connections []ConnectionConfig `yaml:"connections" toml:"connections"`
}

// Load reads and parses a configuration file. The format follows the file
// extension: .yaml/.yml or .toml.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	case ".toml":
		err = toml.Unmarshal(data, &cfg)
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// validate checks mandatory fields.
func (c *Config) validate() error {
	if len(c.Connections) == 0 {
		return fmt.Errorf("at least one connection must be configured")
	}
	seen := make(map[string]bool, len(c.Connections))
	for i, conn := range c.Connections {
		if conn.Name == "" {
			return fmt.Errorf("connections[%d].name is required", i)
		}
		if seen[conn.Name] {
			return fmt.Errorf("connections[%d]: duplicate name %q", i, conn.Name)
		}
		seen[conn.Name] = true

		if _, err := conn.Resolve(); err != nil {
			return fmt.Errorf("connections[%d] (%s): %w", i, conn.Name, err)
		}
		if conn.Pool.Size < 0 {
			return fmt.Errorf("connections[%d].pool.size must not be negative", i)
		}
		if conn.GlobalMaxConnections < 0 {
			return fmt.Errorf("connections[%d].global_max_connections must not be negative", i)
		}
	}
	if c.Pool.Size < 0 {
		return fmt.Errorf("pool.size must not be negative")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" && !c.Fallback.Enabled {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	return nil
}

// applyDefaults fills in reasonable defaults for unset optional fields.
func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.Log.MaxSize == 0 {
		c.Log.MaxSize = 512
	}

	if c.Server.InstanceID == "" {
		hostname, _ := os.Hostname()
		if hostname == "" {
			hostname = uuid.NewString()
		}
		c.Server.InstanceID = hostname
	}
	if c.Server.MetricsPort == 0 {
		c.Server.MetricsPort = 9090
	}
	if c.Server.HealthCheckPort == 0 {
		c.Server.HealthCheckPort = 8080
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}

	if c.Pool.Size == 0 {
		c.Pool.Size = 1
	}
	if c.Pool.HealthCheckInterval == 0 {
		c.Pool.HealthCheckInterval = 30 * time.Second
	}
	if c.Pool.StreamBuffer == 0 {
		c.Pool.StreamBuffer = 64
	}
	if c.Pool.StatementCacheSize == 0 {
		c.Pool.StatementCacheSize = 256
	}
	c.Pool.Retry = mergeRetry(c.Pool.Retry, pool.DefaultRetryPolicy)

	if c.Redis.Addr == "" {
		c.Redis.Addr = "redis:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 20
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}
	if c.Redis.HeartbeatInterval == 0 {
		c.Redis.HeartbeatInterval = 10 * time.Second
	}
	if c.Redis.HeartbeatTTL == 0 {
		c.Redis.HeartbeatTTL = 30 * time.Second
	}
	if c.Redis.PermitWait == 0 {
		c.Redis.PermitWait = 5 * time.Second
	}
	if c.Fallback.LocalLimitDivisor == 0 {
		c.Fallback.LocalLimitDivisor = 3
	}
}

// Resolve returns the validated descriptor of the connection.
func (cc ConnectionConfig) Resolve() (descriptor.Descriptor, error) {
	d := cc.Descriptor
	if cc.ConnectionString != "" {
		parsed, err := descriptor.Parse(cc.ConnectionString)
		if err != nil {
			return descriptor.Descriptor{}, err
		}
		// Inline fields fill what the connection string leaves out, so
		// secrets can live apart from the address.
		if parsed.Password == "" {
			parsed.Password = d.Password
		}
		if parsed.ConnectTimeout == 0 {
			parsed.ConnectTimeout = d.ConnectTimeout
		}
		if parsed.RequestTimeout == 0 {
			parsed.RequestTimeout = d.RequestTimeout
		}
		d = parsed
	}
	if d.Instance == "" && d.Port == 0 {
		d.Port = descriptor.DefaultPort
	}
	if d.AuthType == "" {
		d.AuthType = descriptor.AuthDefault
		if d.Domain != "" {
			d.AuthType = descriptor.AuthNTLM
		}
	}
	if err := d.Validate(); err != nil {
		return descriptor.Descriptor{}, err
	}
	return d, nil
}

// PoolFor merges a connection's pool overrides over the root defaults.
func (c *Config) PoolFor(cc ConnectionConfig) PoolConfig {
	p := c.Pool
	o := cc.Pool
	if o.Size > 0 {
		p.Size = o.Size
	}
	if o.AcquireTimeout > 0 {
		p.AcquireTimeout = o.AcquireTimeout
	}
	if o.HealthCheckInterval > 0 {
		p.HealthCheckInterval = o.HealthCheckInterval
	}
	if o.StreamBuffer > 0 {
		p.StreamBuffer = o.StreamBuffer
	}
	if o.StatementCacheSize > 0 {
		p.StatementCacheSize = o.StatementCacheSize
	}
	p.Retry = mergeRetry(o.Retry, p.Retry)
	return p
}

// ConnectionByName returns the configuration of a named connection.
func (c *Config) ConnectionByName(name string) (*ConnectionConfig, bool) {
	for i := range c.Connections {
		if c.Connections[i].Name == name {
			return &c.Connections[i], true
		}
	}
	return nil, false
}

func mergeRetry(r, fallback pool.RetryPolicy) pool.RetryPolicy {
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = fallback.MaxAttempts
	}
	if r.BaseDelay <= 0 {
		r.BaseDelay = fallback.BaseDelay
	}
	if r.MaxDelay <= 0 {
		r.MaxDelay = fallback.MaxDelay
	}
	return r
}
