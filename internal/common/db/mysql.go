package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// MySQLConfig holds the catalog connection pool settings.
type MySQLConfig struct {
	// DSN is "user:password@tcp(host:port)/dbname". parseTime is forced on.
	DSN                string        `yaml:"dsn"`
	MaxOpenConnections int           `yaml:"maxOpenConnections"`
	MaxIdleConnections int           `yaml:"maxIdleConnections"`
	ConnMaxLifetime    time.Duration `yaml:"connMaxLifetime"`
	ConnMaxIdleTime    time.Duration `yaml:"connMaxIdleTime"`
	PingTimeout        time.Duration `yaml:"pingTimeout"`
}

// DefaultMySQLConfig returns the pool defaults.
func DefaultMySQLConfig() *MySQLConfig {
	return &MySQLConfig{
		MaxOpenConnections: 25,
		MaxIdleConnections: 5,
		ConnMaxLifetime:    5 * time.Minute,
		ConnMaxIdleTime:    10 * time.Minute,
		PingTimeout:        5 * time.Second,
	}
}

func (c *MySQLConfig) applyDefaults() {
	defaults := DefaultMySQLConfig()
	if c.MaxOpenConnections <= 0 {
		c.MaxOpenConnections = defaults.MaxOpenConnections
	}
	if c.MaxIdleConnections <= 0 {
		c.MaxIdleConnections = defaults.MaxIdleConnections
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = defaults.ConnMaxLifetime
	}
	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = defaults.ConnMaxIdleTime
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = defaults.PingTimeout
	}
}

// MySQL is a Database backed by a database/sql pool on the mysql driver.
type MySQL struct {
	db *sql.DB
}

// NewMySQLWithConfig opens the pool and pings it.
func NewMySQLWithConfig(config *MySQLConfig) (*MySQL, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.DSN == "" {
		return nil, fmt.Errorf("dsn cannot be empty")
	}
	config.applyDefaults()

	dsn, err := mysql.ParseDSN(config.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	dsn.ParseTime = true
	connector, err := mysql.NewConnector(dsn)
	if err != nil {
		return nil, fmt.Errorf("create connector: %w", err)
	}

	pool := sql.OpenDB(connector)
	pool.SetMaxOpenConns(config.MaxOpenConnections)
	pool.SetMaxIdleConns(config.MaxIdleConnections)
	pool.SetConnMaxLifetime(config.ConnMaxLifetime)
	pool.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.PingTimeout)
	defer cancel()
	if err := pool.PingContext(ctx); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("ping mysql %s/%s: %w", dsn.Addr, dsn.DBName, err)
	}
	return &MySQL{db: pool}, nil
}

// NewMySQLWithDB wraps an already opened pool.
func NewMySQLWithDB(pool *sql.DB) *MySQL {
	return &MySQL{db: pool}
}

func (m *MySQL) Query(ctx context.Context, query string, args ...interface{}) (Rows, error) {
	return sqlQuerier{m.db}.Query(ctx, query, args...)
}

func (m *MySQL) QueryRow(ctx context.Context, query string, args ...interface{}) Row {
	return m.db.QueryRowContext(ctx, query, args...)
}

func (m *MySQL) Exec(ctx context.Context, query string, args ...interface{}) (Result, error) {
	return sqlQuerier{m.db}.Exec(ctx, query, args...)
}

func (m *MySQL) Transaction(ctx context.Context, fn func(tx Transaction) error) (err error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(&mysqlTx{sqlQuerier: sqlQuerier{tx}, tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (m *MySQL) Ping(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

func (m *MySQL) Close() error {
	return m.db.Close()
}

// sqlConn is the part of *sql.DB and *sql.Tx used here.
type sqlConn interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type sqlQuerier struct {
	conn sqlConn
}

func (q sqlQuerier) Query(ctx context.Context, query string, args ...interface{}) (Rows, error) {
	rows, err := q.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return rows, nil
}

func (q sqlQuerier) QueryRow(ctx context.Context, query string, args ...interface{}) Row {
	return q.conn.QueryRowContext(ctx, query, args...)
}

func (q sqlQuerier) Exec(ctx context.Context, query string, args ...interface{}) (Result, error) {
	res, err := q.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("exec: %w", err)
	}
	return res, nil
}

type mysqlTx struct {
	sqlQuerier
	tx *sql.Tx
}

func (t *mysqlTx) Commit() error   { return t.tx.Commit() }
func (t *mysqlTx) Rollback() error { return t.tx.Rollback() }
