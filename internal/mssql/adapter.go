// Package mssql turns connection descriptors into go-mssqldb parameters and
// provides the physical connections that back pool slots.
package mssql

import (
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/joao-brasil/mssql-querypool/pkg/descriptor"
)

// Timeouts applied when the descriptor leaves them unset.
const (
	DefaultConnectTimeout = 5000 * time.Millisecond
	DefaultRequestTimeout = 10000 * time.Millisecond
)

// Params are the driver-level connection parameters derived from a
// descriptor.
type Params struct {
	Server   string
	Port     int // 0 when Instance is set; the SQL Browser resolves the port
	Instance string
	Database string
	User     string
	Password string

	Encrypt                bool
	TrustServerCertificate bool
	// UseUTC controls whether timestamps are converted to UTC before they
	// are rendered. Always false: values keep the server's wall clock.
	UseUTC bool

	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// Adapt derives driver parameters from d. It performs no I/O and no
// validation; callers validate the descriptor first.
func Adapt(d descriptor.Descriptor) Params {
	p := Params{
		Server:                 d.Host,
		Port:                   d.Port,
		Instance:               d.Instance,
		Database:               d.Database,
		User:                   d.User,
		Password:               d.Password,
		Encrypt:                d.Encrypt,
		TrustServerCertificate: true,
		UseUTC:                 false,
		ConnectTimeout:         d.ConnectTimeout,
		RequestTimeout:         d.RequestTimeout,
	}
	if p.Instance != "" {
		p.Port = 0
	}
	if d.IsIntegrated() && d.Domain != "" {
		// go-mssqldb switches to NTLM for DOMAIN\user logins.
		p.User = d.Domain + `\` + d.User
	}
	if p.ConnectTimeout <= 0 {
		p.ConnectTimeout = DefaultConnectTimeout
	}
	if p.RequestTimeout <= 0 {
		p.RequestTimeout = DefaultRequestTimeout
	}
	return p
}

// DSN renders the parameters in go-mssqldb URL form.
func (p Params) DSN() string {
	q := url.Values{}
	if p.Database != "" {
		q.Set("database", p.Database)
	}
	q.Set("encrypt", strconv.FormatBool(p.Encrypt))
	q.Set("TrustServerCertificate", strconv.FormatBool(p.TrustServerCertificate))
	secs := strconv.Itoa(ceilSeconds(p.ConnectTimeout))
	q.Set("dial timeout", secs)
	q.Set("connection timeout", secs)

	host := p.Server
	if p.Instance == "" && p.Port > 0 {
		host = net.JoinHostPort(p.Server, strconv.Itoa(p.Port))
	}
	u := &url.URL{
		Scheme:   "sqlserver",
		Host:     host,
		Path:     p.Instance,
		RawQuery: q.Encode(),
	}
	if p.User != "" {
		u.User = url.UserPassword(p.User, p.Password)
	}
	return u.String()
}

// Redacted returns the DSN with the password masked, for logs.
func (p Params) Redacted() string {
	if p.Password == "" {
		return p.DSN()
	}
	p.Password = "xxxxx"
	return p.DSN()
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
