package db

import (
	"database/sql"
	"errors"
	"fmt"
)

// Provider hands out the catalog database.
type Provider interface {
	Current() Database
}

// StaticProvider serves one fixed database.
type StaticProvider struct {
	db Database
}

func NewStaticProvider(database Database) *StaticProvider {
	return &StaticProvider{db: database}
}

func (p *StaticProvider) Current() Database {
	if p == nil {
		return nil
	}
	return p.db
}

// CurrentDatabase resolves provider, failing when nothing is configured.
func CurrentDatabase(provider Provider) (Database, error) {
	if provider == nil {
		return nil, fmt.Errorf("database provider is nil")
	}
	database := provider.Current()
	if database == nil {
		return nil, fmt.Errorf("database is not configured")
	}
	return database, nil
}

// IsNoRows reports whether err is, or wraps, sql.ErrNoRows.
func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
