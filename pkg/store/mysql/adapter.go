package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/nimburion/racesync/pkg/docstore"
	"github.com/nimburion/racesync/pkg/observability/logger"
	"github.com/nimburion/racesync/pkg/store/sqlstore"
)

const (
	errDuplicateEntry   = 1062
	errNoSuchTable      = 1146
	errLockWaitTimeout  = 1205
	errDeadlock         = 1213
	errTooManyConns     = 1040
	errServerShutdown   = 1053
	errDataTooLong      = 1406
	errInvalidJSONValue = 3140
)

// Config holds MySQL configuration.
type Config struct {
	URL             string
	TablePrefix     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	QueryTimeout    time.Duration
}

// Cosa fa: inizializza uno store documentale MySQL con validazione del DSN e ping iniziale.
// Cosa NON fa: non crea le tabelle delle collezioni (vedi Provision).
// Esempio minimo: store, err := mysql.NewAdapter(cfg, log)
func NewAdapter(cfg Config, log logger.Logger) (*sqlstore.Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL is required")
	}
	if log == nil {
		log = logger.Nop()
	}
	dsn, err := normalizeDSN(cfg.URL)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping mysql database: %w", err)
	}

	log.Info("MySQL connection established",
		"max_open_conns", cfg.MaxOpenConns,
		"max_idle_conns", cfg.MaxIdleConns,
		"conn_max_lifetime", cfg.ConnMaxLifetime,
		"conn_max_idle_time", cfg.ConnMaxIdleTime,
	)
	return NewAdapterWithDB(db, cfg, log), nil
}

// NewAdapterWithDB builds the store over an already opened database. The
// connection must report matched rather than changed rows (clientFoundRows).
func NewAdapterWithDB(db *sql.DB, cfg Config, log logger.Logger) *sqlstore.Store {
	return sqlstore.New(db, Dialect{}, sqlstore.Config{
		TablePrefix:  cfg.TablePrefix,
		QueryTimeout: cfg.QueryTimeout,
	}, log)
}

// normalizeDSN forces the driver options the store relies on: an UPDATE that
// rewrites an identical body must still count as a match, and DATETIME
// columns must scan into time.Time.
func normalizeDSN(raw string) (string, error) {
	parsed, err := mysql.ParseDSN(raw)
	if err != nil {
		return "", fmt.Errorf("invalid mysql DSN: %w", err)
	}
	parsed.ClientFoundRows = true
	parsed.ParseTime = true
	parsed.Loc = time.UTC
	return parsed.FormatDSN(), nil
}

// Dialect is the MySQL flavour of sqlstore.
type Dialect struct{}

func (Dialect) Name() string { return "mysql" }

func (Dialect) Placeholder(int) string { return "?" }

func (Dialect) CreateTable(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	doc_key VARCHAR(255) NOT NULL PRIMARY KEY,
	body JSON NOT NULL,
	updated_at DATETIME(6) NOT NULL
)`, table)
}

func (Dialect) Classify(err error) docstore.Kind {
	if errors.Is(err, mysql.ErrInvalidConn) {
		return docstore.KindUnavailable
	}
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return docstore.KindUnknown
	}
	switch myErr.Number {
	case errDuplicateEntry:
		return docstore.KindAlreadyExists
	case errNoSuchTable:
		return docstore.KindCollectionMissing
	case errLockWaitTimeout, errDeadlock, errTooManyConns, errServerShutdown:
		return docstore.KindUnavailable
	case errDataTooLong, errInvalidJSONValue:
		return docstore.KindInvalid
	}
	return docstore.KindUnknown
}
