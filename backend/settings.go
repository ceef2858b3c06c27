package backend

import (
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/dchest/siphash"
	"github.com/go-sql-driver/mysql"
	"github.com/samber/oops"
)

// Supported drivers
const (
	DriverTCP      = "tcp"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"
)

// Default ports used when Settings.Port is 0
const (
	DefaultPostgresPort = 5432
	DefaultMySQLPort    = 3306
)

// fingerprintKeys are the fixed SipHash keys for Fingerprint. They only
// need to be stable, not secret.
var fingerprintKeys = [2]uint64{0x636f6e6e706f6f6c, 0x6261636b656e6421}

const redacted = "xxxxx"

// Settings describe how to reach one backend.
type Settings struct {
	// Driver is one of tcp, postgres, mysql, sqlite
	Driver string `yaml:"driver" toml:"driver"`

	Host     string `yaml:"host" toml:"host"`
	Port     int    `yaml:"port" toml:"port"`
	User     string `yaml:"user" toml:"user"`
	Password string `yaml:"password" toml:"password"`

	// Database is the database name, or the file path for sqlite
	Database string `yaml:"database" toml:"database"`

	// Options are driver parameters appended to the DSN
	Options map[string]string `yaml:"options" toml:"options"`
}

// Validate checks the settings are complete for their driver.
func (s Settings) Validate() error {
	switch s.Driver {
	case DriverTCP, DriverPostgres, DriverMySQL:
		if s.Host == "" {
			return invalidSettings(s, "host is required for driver %s", s.Driver)
		}
	case DriverSQLite:
		if s.Database == "" {
			return invalidSettings(s, "database path is required for driver sqlite")
		}
	default:
		return oops.
			Code("UNSUPPORTED_DRIVER").
			In("backend").
			With("driver", s.Driver).
			Errorf("unsupported driver: %q", s.Driver)
	}

	if s.Port < 0 || s.Port > 65535 {
		return invalidSettings(s, "port %d out of range", s.Port)
	}
	if s.Driver == DriverTCP && s.Port == 0 {
		return invalidSettings(s, "port is required for driver tcp")
	}
	return nil
}

// Address returns host:port with the driver default port applied
func (s Settings) Address() string {
	port := s.Port
	if port == 0 {
		switch s.Driver {
		case DriverPostgres:
			port = DefaultPostgresPort
		case DriverMySQL:
			port = DefaultMySQLPort
		}
	}
	return net.JoinHostPort(s.Host, strconv.Itoa(port))
}

// DSN returns the driver-specific connection string
func (s Settings) DSN() string {
	switch s.Driver {
	case DriverPostgres:
		return s.postgresDSN()
	case DriverMySQL:
		return s.mysqlDSN()
	case DriverSQLite:
		return s.sqliteDSN()
	default:
		return s.Address()
	}
}

func (s Settings) postgresDSN() string {
	u := url.URL{
		Scheme:   "postgres",
		Host:     s.Address(),
		Path:     "/" + s.Database,
		RawQuery: s.query(),
	}
	if s.User != "" {
		if s.Password != "" {
			u.User = url.UserPassword(s.User, s.Password)
		} else {
			u.User = url.User(s.User)
		}
	}
	return u.String()
}

func (s Settings) mysqlDSN() string {
	cfg := mysql.NewConfig()
	cfg.User = s.User
	cfg.Passwd = s.Password
	cfg.Net = "tcp"
	cfg.Addr = s.Address()
	cfg.DBName = s.Database
	if len(s.Options) > 0 {
		cfg.Params = make(map[string]string, len(s.Options))
		for k, v := range s.Options {
			cfg.Params[k] = v
		}
	}
	return cfg.FormatDSN()
}

func (s Settings) sqliteDSN() string {
	if q := s.query(); q != "" {
		return "file:" + s.Database + "?" + q
	}
	return s.Database
}

// query encodes Options with sorted keys
func (s Settings) query() string {
	if len(s.Options) == 0 {
		return ""
	}
	values := url.Values{}
	for k, v := range s.Options {
		values.Set(k, v)
	}
	return values.Encode()
}

// String returns the DSN with the password redacted
func (s Settings) String() string {
	if s.Password != "" {
		s.Password = redacted
	}
	return s.DSN()
}

// Fingerprint returns a stable SipHash-2-4 digest of the DSN in hex. It
// identifies a backend without exposing credentials.
func Fingerprint(s Settings) string {
	sum := siphash.Hash(fingerprintKeys[0], fingerprintKeys[1], []byte(s.DSN()))
	return fmt.Sprintf("%016x", sum)
}

// PoolName returns a log and metric friendly pool name for s
func PoolName(s Settings) string {
	return s.Driver + "-" + Fingerprint(s)[:12]
}

func invalidSettings(s Settings, format string, args ...any) error {
	return oops.
		Code("INVALID_SETTINGS").
		In("backend").
		With("driver", s.Driver).
		With("backend", s.String()).
		Errorf(format, args...)
}
