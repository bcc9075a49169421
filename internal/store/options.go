package store

import (
	"strings"
	"time"
)

// DSN types returned by DetectDSNType.
const (
	DSNTypeSQLite   = "sqlite3"
	DSNTypePostgres = "postgres"
)

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string // database connection string (file path for SQLite)

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string        // Redis key namespace, defaults to "replypipe"
	DedupTTL      time.Duration // Redis dedup record lifetime
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithRedisAddr sets the Redis server address (host:port).
func WithRedisAddr(addr string) Option {
	return func(o *Opts) { o.RedisAddr = addr }
}

func WithRedisPassword(password string) Option {
	return func(o *Opts) { o.RedisPassword = password }
}

func WithRedisDB(db int) Option {
	return func(o *Opts) { o.RedisDB = db }
}

// WithKeyPrefix overrides the Redis key namespace. Tests use it for isolation.
func WithKeyPrefix(prefix string) Option {
	return func(o *Opts) { o.KeyPrefix = prefix }
}

func WithDedupTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.DedupTTL = ttl }
}

// DetectDSNType returns DSNTypePostgres for postgres URLs or key/value
// connection strings, DSNTypeSQLite otherwise.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return DSNTypePostgres
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") || strings.Contains(lower, "user=") {
		return DSNTypePostgres
	}
	return DSNTypeSQLite
}
