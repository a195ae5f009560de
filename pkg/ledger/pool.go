package ledger

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	_ "github.com/lib/pq"              // registers "postgres"
	_ "github.com/mattn/go-sqlite3"    // registers "sqlite3"
)

// Supported driver names.
const (
	DriverSQLite   = "sqlite3"
	DriverPGX      = "pgx"
	DriverPostgres = "postgres"
)

// PoolConfig configures the database connection pool.
type PoolConfig struct {
	// DSN is the database connection string
	DSN string

	// DriverName is one of sqlite3, pgx or postgres
	DriverName string

	// MaxOpenConns is the maximum number of open connections
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections
	MaxIdleConns int

	// ConnMaxLifetime is the maximum amount of time a connection may be reused
	ConnMaxLifetime time.Duration

	// ConnMaxIdleTime is the maximum amount of time a connection may be idle
	ConnMaxIdleTime time.Duration

	// PingTimeout bounds the connectivity check in NewPool
	PingTimeout time.Duration
}

// DefaultPoolConfig returns defaults for driverName. SQLite gets a single
// connection since it serializes writers anyway.
func DefaultPoolConfig(dsn string, driverName string) PoolConfig {
	cfg := PoolConfig{
		DSN:             dsn,
		DriverName:      driverName,
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 10 * time.Minute,
		PingTimeout:     5 * time.Second,
	}
	if driverName == DriverSQLite {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
	}
	return cfg
}

// Pool is a database connection pool that rewrites ? placeholders for the
// driver in use.
type Pool struct {
	db     *sql.DB
	config PoolConfig
	dollar bool
}

// NewPool validates config, opens the pool and pings the database.
func NewPool(config PoolConfig) (*Pool, error) {
	if config.DSN == "" {
		return nil, &Error{Code: "INVALID_CONFIG", Message: "DSN cannot be empty"}
	}
	switch config.DriverName {
	case DriverSQLite, DriverPGX, DriverPostgres:
	case "":
		return nil, &Error{Code: "INVALID_CONFIG", Message: "DriverName cannot be empty"}
	default:
		return nil, &Error{Code: "INVALID_CONFIG", Message: "unsupported driver " + strconv.Quote(config.DriverName)}
	}
	if config.MaxOpenConns <= 0 {
		return nil, &Error{Code: "INVALID_CONFIG", Message: "MaxOpenConns must be positive"}
	}
	if config.MaxIdleConns < 0 {
		return nil, &Error{Code: "INVALID_CONFIG", Message: "MaxIdleConns cannot be negative"}
	}
	if config.MaxIdleConns > config.MaxOpenConns {
		return nil, &Error{Code: "INVALID_CONFIG", Message: "MaxIdleConns cannot exceed MaxOpenConns"}
	}
	if config.ConnMaxLifetime < 0 || config.ConnMaxIdleTime < 0 {
		return nil, &Error{Code: "INVALID_CONFIG", Message: "connection lifetimes cannot be negative"}
	}
	if config.PingTimeout <= 0 {
		config.PingTimeout = 5 * time.Second
	}

	db, err := sql.Open(config.DriverName, config.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.PingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return &Pool{
		db:     db,
		config: config,
		dollar: config.DriverName != DriverSQLite,
	}, nil
}

// Error represents a database error (fail-fast)
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// DB returns the underlying *sql.DB
func (p *Pool) DB() *sql.DB { return p.db }

// Stats returns pool statistics
func (p *Pool) Stats() sql.DBStats { return p.db.Stats() }

// Close closes the connection pool
func (p *Pool) Close() error {
	if p == nil || p.db == nil {
		return &Error{Code: "INVALID_STATE", Message: "pool not initialized"}
	}
	return p.db.Close()
}

// Exec executes a command
func (p *Pool) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	if query == "" {
		return nil, &Error{Code: "INVALID_INPUT", Message: "query cannot be empty"}
	}
	return p.db.ExecContext(ctx, p.rebind(query), args...)
}

// Query executes a query that returns rows
func (p *Pool) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	if query == "" {
		return nil, &Error{Code: "INVALID_INPUT", Message: "query cannot be empty"}
	}
	return p.db.QueryContext(ctx, p.rebind(query), args...)
}

// QueryRow executes a query that returns a single row
func (p *Pool) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return p.db.QueryRowContext(ctx, p.rebind(query), args...)
}

// rebind turns ? placeholders into $1, $2, ... for PostgreSQL drivers.
// Queries in this package never contain a literal question mark.
func (p *Pool) rebind(query string) string {
	if !p.dollar || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
