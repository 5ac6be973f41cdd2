// Copyright 2026 The Orrery Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool

import (
	"context"
	"path/filepath"
	"testing"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Fatal("Open with empty Path succeeded, want error")
	}
}

func TestTakePutRoundTrip(t *testing.T) {
	pool, err := Open(Config{
		Path: filepath.Join(t.TempDir(), "pool.db"),
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteTransient(conn,
				"CREATE TABLE IF NOT EXISTS kv (k TEXT PRIMARY KEY, v TEXT)", nil)
		},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pool.Close()

	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}

	err = sqlitex.Execute(conn, "INSERT INTO kv (k, v) VALUES (?, ?)", &sqlitex.ExecOptions{
		Args: []any{"gravity", "9.8"},
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	pool.Put(conn)

	conn, err = pool.Take(context.Background())
	if err != nil {
		t.Fatalf("second Take: %v", err)
	}
	defer pool.Put(conn)

	var got string
	err = sqlitex.Execute(conn, "SELECT v FROM kv WHERE k = ?", &sqlitex.ExecOptions{
		Args: []any{"gravity"},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			got = stmt.ColumnText(0)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got != "9.8" {
		t.Errorf("stored value = %q, want %q", got, "9.8")
	}
}

func TestDataSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "durable.db")
	schema := func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteTransient(conn,
			"CREATE TABLE IF NOT EXISTS kv (k TEXT PRIMARY KEY, v TEXT)", nil)
	}

	pool, err := Open(Config{Path: path, OnConnect: schema})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	err = sqlitex.Execute(conn, "INSERT INTO kv (k, v) VALUES ('a', '1')", nil)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	pool.Put(conn)
	if err := pool.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(Config{Path: path, OnConnect: schema})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	conn, err = reopened.Take(context.Background())
	if err != nil {
		t.Fatalf("Take after reopen: %v", err)
	}
	defer reopened.Put(conn)

	var count int
	err = sqlitex.Execute(conn, "SELECT COUNT(*) FROM kv", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			count = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("rows after reopen = %d, want 1", count)
	}
}
