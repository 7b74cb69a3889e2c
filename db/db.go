package db

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
	// postgres driver
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	// sqlite driver, registered as "sqlite"
	_ "modernc.org/sqlite"

	"gitlab.com/arcanecrypto/dropbit/build"
)

var log = build.AddSubLogger("DB")

const (
	// DriverSQLite is the default driver, backed by a local file
	DriverSQLite = "sqlite"
	// DriverPostgres connects to a Postgres server
	DriverPostgres = "postgres"
)

func init() {
	// the modernc driver isn't in sqlx's list of known drivers
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// DatabaseConfig has all the values we need to connect to a DB
type DatabaseConfig struct {
	// Driver is either "sqlite" or "postgres". Defaults to sqlite
	Driver string `yaml:"driver"`

	// Path is the file used by the sqlite driver
	Path string `yaml:"path"`

	// The user to use when connecting
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	// The name of the DB to connect to
	Name string `yaml:"name"`
}

func (conf DatabaseConfig) driver() string {
	if conf.Driver == "" {
		return DriverSQLite
	}
	return conf.Driver
}

// DB is our local DB struct
type DB struct {
	*sqlx.DB
	driver string
}

// Open opens a connection to the configured database. Migrations are not
// applied, see MigrateUp.
func Open(conf DatabaseConfig) (*DB, error) {
	switch conf.driver() {
	case DriverSQLite:
		return openSQLite(conf)
	case DriverPostgres:
		return openPostgres(conf)
	default:
		return nil, fmt.Errorf("unknown database driver %q", conf.Driver)
	}
}

func openSQLite(conf DatabaseConfig) (*DB, error) {
	if strings.TrimSpace(conf.Path) == "" {
		return nil, errors.New("sqlite database path is required")
	}
	q := make(url.Values)
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Set("_txlock", "immediate")
	dsn := filepath.Clean(conf.Path) + "?" + q.Encode()

	d, err := sqlx.Open(DriverSQLite, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open sqlite database at %s", conf.Path)
	}
	// every write goes through one connection, which makes units of work
	// strictly serialized
	d.SetMaxOpenConns(1)
	if err := d.Ping(); err != nil {
		_ = d.Close()
		return nil, errors.Wrapf(err, "cannot ping sqlite database at %s", conf.Path)
	}

	log.WithField("path", conf.Path).Info("Opened connection to DB")
	return &DB{DB: d, driver: DriverSQLite}, nil
}

func openPostgres(conf DatabaseConfig) (*DB, error) {
	// Query parameters.
	q := make(url.Values)
	q.Set("sslmode", "disable")
	q.Set("timezone", "utc")

	databaseHostWithPort := conf.Host + ":" + strconv.Itoa(conf.Port)
	databaseURL := url.URL{
		Scheme: "postgres",
		User: url.UserPassword(
			conf.User,
			conf.Password,
		),
		Host:     databaseHostWithPort,
		Path:     conf.Name,
		RawQuery: q.Encode(),
	}

	d, err := sqlx.Open(DriverPostgres, databaseURL.String())
	if err != nil {
		return nil, errors.Wrapf(err,
			"Cannot connect to database %s with user %s at %s",
			conf.Name,
			conf.User,
			databaseHostWithPort,
		)
	}

	log.WithFields(logrus.Fields{
		"host":     databaseHostWithPort,
		"user":     conf.User,
		"database": conf.Name,
	}).Info("Opened connection to DB")

	return &DB{DB: d, driver: DriverPostgres}, nil
}

// Driver returns the name of the driver this DB was opened with
func (d *DB) Driver() string {
	return d.driver
}

// UnitOfWork is a scoped, all-or-nothing set of writes. Nothing written
// through it is visible to other readers before Commit.
type UnitOfWork interface {
	ReadWriter
	Commit() error
	Rollback() error
}

// Reader can read from a db. Queries are written with `?` placeholders and
// rebound for the driver in use.
type Reader interface {
	sqlx.QueryerContext
	Rebind(query string) string
}

// ReadWriter can read from and write to a db
type ReadWriter interface {
	sqlx.ExtContext
}

var _ UnitOfWork = &sqlx.Tx{}
var _ ReadWriter = &DB{}

// Begin starts a new unit of work
func (d *DB) Begin(ctx context.Context) (UnitOfWork, error) {
	tx, err := d.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "could not begin unit of work")
	}
	return tx, nil
}

// WithTx runs fn inside a unit of work. The unit is committed if fn returns
// nil, and rolled back otherwise.
func (d *DB) WithTx(ctx context.Context, fn func(uow UnitOfWork) error) (err error) {
	uow, err := d.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = uow.Rollback()
			panic(p)
		}
	}()

	if err = fn(uow); err != nil {
		if rollbackErr := uow.Rollback(); rollbackErr != nil {
			log.WithError(rollbackErr).Error("Could not roll back unit of work")
		}
		return err
	}

	if err = uow.Commit(); err != nil {
		return errors.Wrap(err, "could not commit unit of work")
	}
	return nil
}

// IsUniqueViolation reports whether err was caused by a UNIQUE constraint,
// for either of the supported drivers
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key value")
}
