package mssql

import (
	"context"
	"database/sql"
	"fmt"

	mssql "github.com/microsoft/go-mssqldb"
	"go.uber.org/zap"

	"github.com/joao-brasil/mssql-querypool/internal/pool"
)

// Dialer opens physical connections for one set of parameters.
type Dialer struct {
	params Params
	dsn    string
	logger *zap.Logger
}

var _ pool.Dialer = (*Dialer)(nil)

// NewDialer checks that the parameters render a DSN go-mssqldb accepts.
func NewDialer(p Params, logger *zap.Logger) (*Dialer, error) {
	if logger == nil {
		logger = zap.L()
	}
	dsn := p.DSN()
	if _, err := mssql.NewConnector(dsn); err != nil {
		return nil, fmt.Errorf("invalid connection parameters for %s: %w", p.Redacted(), err)
	}
	return &Dialer{
		params: p,
		dsn:    dsn,
		logger: logger.Named("mssql").With(zap.String("server", p.Server)),
	}, nil
}

// Params returns the parameters the dialer connects with.
func (d *Dialer) Params() Params {
	return d.params
}

// Dial opens and pings one session. The context bounds the login.
func (d *Dialer) Dial(ctx context.Context) (pool.Conn, error) {
	connector, err := mssql.NewConnector(d.dsn)
	if err != nil {
		return nil, err
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to %s: %w", d.params.Server, err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", d.params.Server, err)
	}

	d.logger.Debug("session opened", zap.String("database", d.params.Database))
	return &Conn{db: db, conn: conn}, nil
}
