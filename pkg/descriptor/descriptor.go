// Package descriptor defines the connection descriptor model.
// A descriptor names one SQL Server database: where it listens, how to
// authenticate, and the timeouts that bound each network operation.
package descriptor

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Authentication types understood by the adapter.
const (
	AuthDefault = "default" // SQL Server login (user/password)
	AuthNTLM    = "ntlm"    // domain-integrated login
)

// DefaultPort is the SQL Server listener port used when neither a port
// nor a named instance is given.
const DefaultPort = 1433

// Descriptor describes one SQL Server database connection.
type Descriptor struct {
	Host           string        `yaml:"host" toml:"host"`
	Port           int           `yaml:"port" toml:"port"`
	Instance       string        `yaml:"instance" toml:"instance"`
	Database       string        `yaml:"database" toml:"database"`
	User           string        `yaml:"user" toml:"user"`
	Password       string        `yaml:"password" toml:"password"`
	Domain         string        `yaml:"domain" toml:"domain"`
	AuthType       string        `yaml:"auth_type" toml:"auth_type"`
	Encrypt        bool          `yaml:"encrypt" toml:"encrypt"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" toml:"connect_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout" toml:"request_timeout"`
}

// Validate checks the fields a connection cannot be opened without.
func (d *Descriptor) Validate() error {
	if d.Host == "" {
		return fmt.Errorf("host is required")
	}
	if d.Instance == "" && (d.Port <= 0 || d.Port > 65535) {
		return fmt.Errorf("invalid port: %d", d.Port)
	}
	if d.AuthType == AuthNTLM {
		if d.Domain == "" {
			return fmt.Errorf("domain is required for %s authentication", AuthNTLM)
		}
		return nil
	}
	if d.User == "" {
		return fmt.Errorf("user is required")
	}
	return nil
}

// IsIntegrated reports whether the descriptor uses domain-integrated login.
func (d *Descriptor) IsIntegrated() bool {
	return d.AuthType == AuthNTLM || d.Domain != ""
}

// Addr returns host:port, or host\instance when a named instance is set.
func (d *Descriptor) Addr() string {
	if d.Instance != "" {
		return d.Host + `\` + d.Instance
	}
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// String returns a printable form of the descriptor with the password redacted.
func (d Descriptor) String() string {
	user := d.User
	if d.Domain != "" {
		user = d.Domain + `\` + d.User
	}
	return fmt.Sprintf("%s@%s/%s", user, d.Addr(), d.Database)
}
