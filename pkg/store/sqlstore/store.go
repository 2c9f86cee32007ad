// Package sqlstore implements the document store contract on top of
// database/sql. Each collection is a table (doc_key primary key, body, updated_at);
// the primary key constraint provides the atomic create-if-absent.
package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/nimburion/racesync/pkg/docstore"
	"github.com/nimburion/racesync/pkg/observability/logger"
	"github.com/nimburion/racesync/pkg/resilience"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Dialect captures what differs between SQL engines.
type Dialect interface {
	// Name labels logs, e.g. "postgres".
	Name() string
	// Placeholder returns the bind marker for the n-th (1-based) argument.
	Placeholder(n int) string
	// CreateTable returns idempotent DDL for a collection table.
	CreateTable(table string) string
	// Classify maps engine error codes to a kind, or KindUnknown.
	Classify(err error) docstore.Kind
}

// Config holds the settings shared by SQL backends.
type Config struct {
	TablePrefix  string
	QueryTimeout time.Duration
}

// Store is a docstore.Store over a *sql.DB.
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  logger.Logger
	config  Config
	now     func() time.Time
}

// New wraps db. The caller keeps ownership of opening it; Close closes it.
func New(db *sql.DB, dialect Dialect, cfg Config, log logger.Logger) *Store {
	if log == nil {
		log = logger.Nop()
	}
	return &Store{db: db, dialect: dialect, logger: log, config: cfg, now: time.Now}
}

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) table(op, collection, key string) (string, error) {
	table := s.config.TablePrefix + collection
	if strings.TrimSpace(collection) == "" || !validTableName.MatchString(table) {
		return "", docstore.NewError(op, collection, key, docstore.KindInvalid, fmt.Errorf("invalid collection name %q", collection))
	}
	if op != "provision" && strings.TrimSpace(key) == "" {
		return "", docstore.NewError(op, collection, key, docstore.KindInvalid, errors.New("key is required"))
	}
	return table, nil
}

func (s *Store) Create(ctx context.Context, collection, key string, body []byte) (*docstore.Document, error) {
	table, err := s.table("create", collection, key)
	if err != nil {
		return nil, err
	}
	queryCtx, cancel := s.withQueryTimeout(ctx)
	defer cancel()

	updatedAt := s.now().UTC().Truncate(time.Microsecond)
	query := fmt.Sprintf("INSERT INTO %s (doc_key, body, updated_at) VALUES (%s, %s, %s)",
		table, s.dialect.Placeholder(1), s.dialect.Placeholder(2), s.dialect.Placeholder(3))
	if _, err := s.db.ExecContext(queryCtx, query, key, string(body), updatedAt); err != nil {
		return nil, s.classify("create", collection, key, err)
	}
	return &docstore.Document{Collection: collection, Key: key, Body: append([]byte(nil), body...), UpdatedAt: updatedAt}, nil
}

func (s *Store) Get(ctx context.Context, collection, key string) (*docstore.Document, error) {
	table, err := s.table("get", collection, key)
	if err != nil {
		return nil, err
	}
	queryCtx, cancel := s.withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf("SELECT body, updated_at FROM %s WHERE doc_key = %s", table, s.dialect.Placeholder(1))
	var (
		body      []byte
		updatedAt time.Time
	)
	if err := s.db.QueryRowContext(queryCtx, query, key).Scan(&body, &updatedAt); err != nil {
		return nil, s.classify("get", collection, key, err)
	}
	return &docstore.Document{Collection: collection, Key: key, Body: body, UpdatedAt: updatedAt.UTC()}, nil
}

func (s *Store) Update(ctx context.Context, collection, key string, body []byte) (*docstore.Document, error) {
	table, err := s.table("update", collection, key)
	if err != nil {
		return nil, err
	}
	queryCtx, cancel := s.withQueryTimeout(ctx)
	defer cancel()

	updatedAt := s.now().UTC().Truncate(time.Microsecond)
	query := fmt.Sprintf("UPDATE %s SET body = %s, updated_at = %s WHERE doc_key = %s",
		table, s.dialect.Placeholder(1), s.dialect.Placeholder(2), s.dialect.Placeholder(3))
	res, err := s.db.ExecContext(queryCtx, query, string(body), updatedAt, key)
	if err != nil {
		return nil, s.classify("update", collection, key, err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return nil, docstore.NewError("update", collection, key, docstore.KindNotFound, nil)
	}
	return &docstore.Document{Collection: collection, Key: key, Body: append([]byte(nil), body...), UpdatedAt: updatedAt}, nil
}

func (s *Store) Delete(ctx context.Context, collection, key string) error {
	table, err := s.table("delete", collection, key)
	if err != nil {
		return err
	}
	queryCtx, cancel := s.withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE doc_key = %s", table, s.dialect.Placeholder(1))
	res, err := s.db.ExecContext(queryCtx, query, key)
	if err != nil {
		return s.classify("delete", collection, key, err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return docstore.NewError("delete", collection, key, docstore.KindNotFound, nil)
	}
	return nil
}

// Provision creates the collection table if it does not exist.
func (s *Store) Provision(ctx context.Context, collection string) error {
	table, err := s.table("provision", collection, "")
	if err != nil {
		return err
	}
	queryCtx, cancel := s.withQueryTimeout(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(queryCtx, s.dialect.CreateTable(table)); err != nil {
		return s.classify("provision", collection, "", err)
	}
	s.logger.Info("collection table provisioned", "engine", s.dialect.Name(), "table", table)
	return nil
}

// HealthCheck verifies the database connection is healthy with a timeout
func (s *Store) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		s.logger.Error("database health check failed", "engine", s.dialect.Name(), "error", err)
		return fmt.Errorf("%s health check failed: %w", s.dialect.Name(), err)
	}
	return nil
}

// Close gracefully closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		s.logger.Error("failed to close database connection", "engine", s.dialect.Name(), "error", err)
		return fmt.Errorf("failed to close %s connection: %w", s.dialect.Name(), err)
	}
	s.logger.Info("database connection closed", "engine", s.dialect.Name())
	return nil
}

func (s *Store) withQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.config.QueryTimeout <= 0 {
		return ctx, func() {}
	}
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.config.QueryTimeout)
}

func (s *Store) classify(op, collection, key string, err error) error {
	if kind := s.dialect.Classify(err); kind != docstore.KindUnknown {
		return docstore.NewError(op, collection, key, kind, err)
	}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return docstore.NewError(op, collection, key, docstore.KindNotFound, err)
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled),
		resilience.IsRetryable(err):
		return docstore.NewError(op, collection, key, docstore.KindUnavailable, err)
	default:
		return docstore.NewError(op, collection, key, docstore.KindUnknown, err)
	}
}
