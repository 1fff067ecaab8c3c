// Copyright 2026 The OpenTrusty Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite is the embedded backend of the durable store, for
// single-node deployments and tests.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var Schema string

// DB wraps the SQLite handle
type DB struct {
	db *sql.DB
}

// Open opens the database at path (":memory:" for a private in-memory
// database) and applies the schema. SQLite serializes writers, so the pool
// holds a single connection.
func Open(ctx context.Context, path string) (*DB, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	d.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
	} {
		if _, err := d.ExecContext(ctx, pragma); err != nil {
			d.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := d.ExecContext(ctx, Schema); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &DB{db: d}, nil
}

// Close closes the database
func (db *DB) Close() error {
	return db.db.Close()
}

// Ping checks database connectivity
func (db *DB) Ping(ctx context.Context) error {
	return db.db.PingContext(ctx)
}
