package backend

import (
	"context"
	"net"
	"time"

	"github.com/go-i2p/go-connpool"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	"github.com/mattn/go-sqlite3"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
)

// closeTimeout bounds the graceful termination of a Postgres session
const closeTimeout = 5 * time.Second

// PostgresConn adapts *pgx.Conn to connpool.Connection
type PostgresConn struct {
	*pgx.Conn
}

// Close terminates the session, waiting at most closeTimeout
func (c *PostgresConn) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return c.Conn.Close(ctx)
}

// New returns a factory for the backend described by s
func New(s Settings, dialTimeout time.Duration) (connpool.Factory, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"driver":  s.Driver,
		"backend": s.String(),
	}).Debug("creating backend factory")

	switch s.Driver {
	case DriverPostgres:
		return Postgres(s.DSN())
	case DriverMySQL:
		return MySQL(s.DSN())
	case DriverSQLite:
		return SQLite(s.DSN()), nil
	default:
		return TCP(s.Address(), dialTimeout), nil
	}
}

// TCP returns a factory dialing addr. A zero timeout relies on ctx alone.
func TCP(addr string, timeout time.Duration) connpool.Factory {
	dialer := &net.Dialer{Timeout: timeout}

	return func(ctx context.Context) (connpool.Connection, error) {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, oops.
				Code("DIAL_FAILED").
				In("backend").
				With("address", addr).
				With("timeout", timeout.String()).
				Wrapf(err, "failed to dial %s", addr)
		}
		return conn, nil
	}
}

// Postgres returns a factory opening pgx sessions for connString
func Postgres(connString string) (connpool.Factory, error) {
	cfg, err := pgx.ParseConfig(connString)
	if err != nil {
		return nil, oops.
			Code("INVALID_SETTINGS").
			In("backend").
			With("driver", DriverPostgres).
			Wrapf(err, "invalid postgres connection string")
	}

	return func(ctx context.Context) (connpool.Connection, error) {
		conn, err := pgx.ConnectConfig(ctx, cfg.Copy())
		if err != nil {
			return nil, connectFailed(DriverPostgres, cfg.Host, err)
		}
		return &PostgresConn{Conn: conn}, nil
	}, nil
}

// MySQL returns a factory opening go-sql-driver sessions for dsn
func MySQL(dsn string) (connpool.Factory, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, oops.
			Code("INVALID_SETTINGS").
			In("backend").
			With("driver", DriverMySQL).
			Wrapf(err, "invalid mysql dsn")
	}

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, oops.
			Code("INVALID_SETTINGS").
			In("backend").
			With("driver", DriverMySQL).
			Wrapf(err, "invalid mysql configuration")
	}

	return func(ctx context.Context) (connpool.Connection, error) {
		conn, err := connector.Connect(ctx)
		if err != nil {
			return nil, connectFailed(DriverMySQL, cfg.Addr, err)
		}
		return conn, nil
	}, nil
}

// SQLite returns a factory opening sqlite3 handles on path
func SQLite(path string) connpool.Factory {
	drv := &sqlite3.SQLiteDriver{}

	return func(ctx context.Context) (connpool.Connection, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		conn, err := drv.Open(path)
		if err != nil {
			return nil, connectFailed(DriverSQLite, path, err)
		}
		return conn, nil
	}
}

func connectFailed(driver, target string, err error) error {
	return oops.
		Code("CONNECT_FAILED").
		In("backend").
		With("driver", driver).
		With("target", target).
		Wrapf(err, "failed to connect to %s backend", driver)
}
