package db_test

import (
	"database/sql"
	"fmt"
	"testing"

	"booml/internal/common/db"
)

func TestIsNoRows(t *testing.T) {
	if !db.IsNoRows(fmt.Errorf("load submission: %w", sql.ErrNoRows)) {
		t.Fatalf("wrapped sql.ErrNoRows should match")
	}
	if db.IsNoRows(sql.ErrConnDone) {
		t.Fatalf("unexpected match")
	}
}

func TestCurrentDatabase(t *testing.T) {
	if _, err := db.CurrentDatabase(nil); err == nil {
		t.Fatalf("expected error for nil provider")
	}
	if _, err := db.CurrentDatabase(db.NewStaticProvider(nil)); err == nil {
		t.Fatalf("expected error for empty provider")
	}
	var missing *db.StaticProvider
	if missing.Current() != nil {
		t.Fatalf("nil provider should report no database")
	}

	mysql := db.NewMySQLWithDB(&sql.DB{})
	got, err := db.CurrentDatabase(db.NewStaticProvider(mysql))
	if err != nil {
		t.Fatalf("current database: %v", err)
	}
	if got != mysql {
		t.Fatalf("unexpected database %v", got)
	}
}

func TestDefaultMySQLConfig(t *testing.T) {
	cfg := db.DefaultMySQLConfig()
	if cfg.MaxOpenConnections <= 0 || cfg.MaxIdleConnections <= 0 {
		t.Fatalf("pool defaults missing: %+v", cfg)
	}
	if cfg.ConnMaxLifetime <= 0 {
		t.Fatalf("lifetime default missing: %+v", cfg)
	}
}

func TestNewMySQLWithConfigRejectsBadDSN(t *testing.T) {
	if _, err := db.NewMySQLWithConfig(nil); err == nil {
		t.Fatalf("expected error for nil config")
	}
	if _, err := db.NewMySQLWithConfig(&db.MySQLConfig{}); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
	if _, err := db.NewMySQLWithConfig(&db.MySQLConfig{DSN: "not a dsn"}); err == nil {
		t.Fatalf("expected error for malformed dsn")
	}
}
