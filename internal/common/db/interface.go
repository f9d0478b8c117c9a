package db

import "context"

// Database is a pooled SQL connection.
type Database interface {
	Querier
	// Transaction runs fn in a transaction, rolling back when fn fails.
	Transaction(ctx context.Context, fn func(tx Transaction) error) error
	Ping(ctx context.Context) error
	Close() error
}

// Querier is the statement surface shared by Database and Transaction.
type Querier interface {
	Query(ctx context.Context, query string, args ...interface{}) (Rows, error)
	QueryRow(ctx context.Context, query string, args ...interface{}) Row
	Exec(ctx context.Context, query string, args ...interface{}) (Result, error)
}

// Transaction is an open SQL transaction.
type Transaction interface {
	Querier
	Commit() error
	Rollback() error
}

// Rows is a result set; *sql.Rows satisfies it.
type Rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Close() error
	Err() error
}

// Row is a single-row result; *sql.Row satisfies it.
type Row interface {
	Scan(dest ...interface{}) error
}

// Result summarizes an Exec.
type Result interface {
	LastInsertId() (int64, error)
	RowsAffected() (int64, error)
}
