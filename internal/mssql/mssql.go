// Package mssql owns SQL Server connectivity: DSN construction, pool
// opening with retry, dedicated connection checkout, and the small
// query interfaces the rest of the engine is written against.
//
// Every component that talks to a database does so through Querier or
// Tx, so tests can substitute sqlmock and the engine can hand workers
// dedicated *sql.Conn pairs without the components noticing.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/denisenkom/go-mssqldb"
	log "github.com/sirupsen/logrus"
)

// Querier is the read/write surface shared by *sql.DB, *sql.Conn and
// *sql.Tx. Components accept a Querier; callers decide the scope.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx is a Querier inside an open transaction.
type Tx interface {
	Querier
	Commit() error
	Rollback() error
}

// Config describes one endpoint (source or destination).
type Config struct {
	Server      string        `mapstructure:"server" yaml:"server"`
	Port        int           `mapstructure:"port" yaml:"port"`
	Database    string        `mapstructure:"database" yaml:"database"`
	User        string        `mapstructure:"user" yaml:"user"`
	Password    string        `mapstructure:"password" yaml:"password"`
	WindowsAuth bool          `mapstructure:"windows_auth" yaml:"windows_auth"`
	ConnTimeout time.Duration `mapstructure:"-" yaml:"-"`
	CmdTimeout  time.Duration `mapstructure:"-" yaml:"-"`
}

// DSN renders the sqlserver:// connection URL. With WindowsAuth the
// user info is omitted and the driver falls back to integrated
// security; otherwise user/password are embedded.
func (c Config) DSN() string {
	q := url.Values{}
	q.Set("database", c.Database)
	q.Set("app name", "espejo")
	if c.ConnTimeout > 0 {
		q.Set("dial timeout", fmt.Sprintf("%d", int(c.ConnTimeout.Seconds())))
	}
	u := &url.URL{
		Scheme:   "sqlserver",
		Host:     c.Addr(),
		RawQuery: q.Encode(),
	}
	if !c.WindowsAuth {
		u.User = url.UserPassword(c.User, c.Password)
	}
	return u.String()
}

// Addr returns host or host:port for logging and DSNs.
func (c Config) Addr() string {
	if c.Port > 0 {
		return fmt.Sprintf("%s:%d", c.Server, c.Port)
	}
	return c.Server
}

// String is the loggable form: server/database, never credentials.
func (c Config) String() string {
	return fmt.Sprintf("%s/%s", c.Addr(), c.Database)
}

// DB wraps a *sql.DB together with the endpoint config so callers can
// reach the command timeout without threading it separately.
type DB struct {
	*sql.DB
	cfg Config
}

// Open connects and verifies the endpoint. The initial ping is retried
// with exponential backoff for transient network errors, up to the
// configured connection timeout.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	pool, err := sql.Open("sqlserver", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg, err)
	}

	bo := newConnectBackoff(cfg.ConnTimeout)
	err = backoff.Retry(func() error {
		pingErr := pool.PingContext(ctx)
		if pingErr != nil && IsTransient(pingErr) {
			log.WithField("server", cfg.String()).WithError(pingErr).Debug("ping failed, retrying")
			return pingErr
		}
		if pingErr != nil {
			return backoff.Permanent(pingErr)
		}
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to %s: %w", cfg, err)
	}

	log.WithField("server", cfg.String()).Debug("connected")
	return &DB{DB: pool, cfg: cfg}, nil
}

// Conn checks out a dedicated connection from the pool. Workers that
// need session state (IDENTITY_INSERT, open transactions) must not
// share pooled connections, so each takes its own.
func (d *DB) Conn(ctx context.Context) (*sql.Conn, error) {
	conn, err := d.DB.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("checkout connection to %s: %w", d.cfg, err)
	}
	return conn, nil
}

// CmdTimeout is the per-statement ceiling callers apply via context
// deadlines around non-streaming statements.
func (d *DB) CmdTimeout() time.Duration {
	return d.cfg.CmdTimeout
}

// Target returns the endpoint description for logs and errors.
func (d *DB) Target() string {
	return d.cfg.String()
}

const defaultConnectMaxElapsed = 30 * time.Second

func newConnectBackoff(maxElapsed time.Duration) backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh instance.
	bo := backoff.NewExponentialBackOff()
	if maxElapsed <= 0 {
		maxElapsed = defaultConnectMaxElapsed
	}
	bo.MaxElapsedTime = maxElapsed
	return bo
}
