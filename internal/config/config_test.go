package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/mssql-querypool/pkg/descriptor"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const yamlConfig = `
log:
  level: debug
  format: json
server:
  instance_id: qp-1
  metrics_port: 9191
pool:
  size: 4
  acquire_timeout: 2s
  retry:
    max_attempts: 3
redis:
  enabled: true
  addr: localhost:6379
connections:
  - name: sales
    connection_string: "Server=db1,1500;Database=sales;User Id=app;"
    password: s3cret
    global_max_connections: 12
    pool:
      size: 8
  - name: reports
    host: db2
    instance: SQLEXPRESS
    database: reports
    user: reader
    password: pw
    encrypt: true
    request_timeout: 30s
`

func TestLoad_yaml(t *testing.T) {
	cfg, err := Load(writeFile(t, "querypool.yaml", yamlConfig))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "qp-1", cfg.Server.InstanceID)
	assert.Equal(t, 9191, cfg.Server.MetricsPort)
	assert.Equal(t, 8080, cfg.Server.HealthCheckPort)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, 5*time.Second, cfg.Redis.PermitWait)
	require.Len(t, cfg.Connections, 2)

	sales, ok := cfg.ConnectionByName("sales")
	require.True(t, ok)
	assert.Equal(t, 12, sales.GlobalMaxConnections)
	d, err := sales.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "db1", d.Host)
	assert.Equal(t, 1500, d.Port)
	assert.Equal(t, "app", d.User)
	assert.Equal(t, "s3cret", d.Password)
	assert.True(t, d.Encrypt)

	p := cfg.PoolFor(*sales)
	assert.Equal(t, 8, p.Size)
	assert.Equal(t, 2*time.Second, p.AcquireTimeout)
	assert.Equal(t, 3, p.Retry.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, p.Retry.BaseDelay)

	reports, ok := cfg.ConnectionByName("reports")
	require.True(t, ok)
	d, err = reports.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "SQLEXPRESS", d.Instance)
	assert.Equal(t, 0, d.Port)
	assert.Equal(t, 30*time.Second, d.RequestTimeout)
	assert.Equal(t, descriptor.AuthDefault, d.AuthType)
	assert.Equal(t, 4, cfg.PoolFor(*reports).Size)

	_, ok = cfg.ConnectionByName("missing")
	assert.False(t, ok)
}

const tomlConfig = `
[server]
instance_id = "qp-2"

[pool]
health_check_interval = "1m"

[[connections]]
name = "inventory"
host = "db3"
database = "inventory"
user = "sa"
password = "pw"
connect_timeout = "2s"
`

func TestLoad_toml(t *testing.T) {
	cfg, err := Load(writeFile(t, "querypool.toml", tomlConfig))
	require.NoError(t, err)

	assert.Equal(t, "qp-2", cfg.Server.InstanceID)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, time.Minute, cfg.Pool.HealthCheckInterval)
	assert.Equal(t, 1, cfg.Pool.Size)
	assert.Equal(t, 64, cfg.Pool.StreamBuffer)
	assert.Equal(t, 256, cfg.Pool.StatementCacheSize)

	require.Len(t, cfg.Connections, 1)
	d, err := cfg.Connections[0].Resolve()
	require.NoError(t, err)
	assert.Equal(t, "db3", d.Host)
	assert.Equal(t, descriptor.DefaultPort, d.Port)
	assert.Equal(t, 2*time.Second, d.ConnectTimeout)
}

func TestLoad_errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{"unknown format", "c.json", `{}`, "unsupported config format"},
		{"no connections", "c.yaml", "pool:\n  size: 2\n", "at least one connection"},
		{"missing name", "c.yaml", "connections:\n  - host: db\n    user: sa\n", "name is required"},
		{
			"duplicate name", "c.yaml",
			"connections:\n  - {name: a, host: db, user: sa}\n  - {name: a, host: db, user: sa}\n",
			"duplicate name",
		},
		{"missing host", "c.yaml", "connections:\n  - {name: a, user: sa}\n", "host is required"},
		{"bad yaml", "c.yaml", "connections: [", "parsing config"},
		{"negative size", "c.yaml", "connections:\n  - {name: a, host: db, user: sa, pool: {size: -1}}\n", "must not be negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.file, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestResolve_domainLogin(t *testing.T) {
	cc := ConnectionConfig{Name: "x", Descriptor: descriptor.Descriptor{Host: "db", User: "joao", Domain: "CORP"}}
	d, err := cc.Resolve()
	require.NoError(t, err)
	assert.Equal(t, descriptor.AuthNTLM, d.AuthType)
	assert.True(t, d.IsIntegrated())
}
