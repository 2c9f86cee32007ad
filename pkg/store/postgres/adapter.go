package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/nimburion/racesync/pkg/docstore"
	"github.com/nimburion/racesync/pkg/observability/logger"
	"github.com/nimburion/racesync/pkg/store/sqlstore"
)

const (
	uniqueViolation = "23505"
	undefinedTable  = "42P01"
)

// Config holds PostgreSQL connection configuration
type Config struct {
	URL             string
	TablePrefix     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	QueryTimeout    time.Duration
}

// Cosa fa: apre il pool PostgreSQL e restituisce uno store documentale basato su tabelle.
// Cosa NON fa: non crea le tabelle delle collezioni (vedi Provision).
// Esempio minimo: store, err := postgres.NewAdapter(cfg, log)
func NewAdapter(cfg Config, log logger.Logger) (*sqlstore.Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL is required")
	}
	if log == nil {
		log = logger.Nop()
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("PostgreSQL connection established",
		"max_open_conns", cfg.MaxOpenConns,
		"max_idle_conns", cfg.MaxIdleConns,
		"conn_max_lifetime", cfg.ConnMaxLifetime,
		"conn_max_idle_time", cfg.ConnMaxIdleTime,
	)
	return NewAdapterWithDB(db, cfg, log), nil
}

// NewAdapterWithDB builds the store over an already opened database.
func NewAdapterWithDB(db *sql.DB, cfg Config, log logger.Logger) *sqlstore.Store {
	return sqlstore.New(db, Dialect{}, sqlstore.Config{
		TablePrefix:  cfg.TablePrefix,
		QueryTimeout: cfg.QueryTimeout,
	}, log)
}

// Dialect is the PostgreSQL flavour of sqlstore.
type Dialect struct{}

func (Dialect) Name() string { return "postgres" }

func (Dialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (Dialect) CreateTable(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	doc_key TEXT PRIMARY KEY,
	body JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`, table)
}

func (Dialect) Classify(err error) docstore.Kind {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return docstore.KindUnknown
	}
	switch string(pqErr.Code) {
	case uniqueViolation:
		return docstore.KindAlreadyExists
	case undefinedTable:
		return docstore.KindCollectionMissing
	}
	switch pqErr.Code.Class() {
	// connection exceptions, insufficient resources, operator intervention
	case "08", "53", "57":
		return docstore.KindUnavailable
	case "22", "23":
		return docstore.KindInvalid
	}
	return docstore.KindUnknown
}
