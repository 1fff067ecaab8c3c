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

// Command migrate applies the durable store schema for the configured
// backend.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/opentrusty/authzstore/internal/config"
	"github.com/opentrusty/authzstore/internal/observability/logger"
	"github.com/opentrusty/authzstore/internal/store/postgres"
	"github.com/opentrusty/authzstore/internal/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger.InitLogger(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName + "-migrate",
		Region:      cfg.Region.Name,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	switch cfg.Store.Backend {
	case config.StoreSQLite:
		err = migrateSQLite(ctx, cfg.Store.SQLitePath)
	default:
		connStr := postgres.Config{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			Database: cfg.Database.Database,
			SSLMode:  cfg.Database.SSLMode,
		}.ConnString()
		if len(os.Args) > 1 {
			connStr = os.Args[1]
		}
		err = migratePostgres(ctx, connStr)
	}
	if err != nil {
		slog.Error("migration failed", logger.String("backend", cfg.Store.Backend), logger.Error(err))
		os.Exit(1)
	}
	slog.Info("migration successful", logger.String("backend", cfg.Store.Backend))
}

func migratePostgres(ctx context.Context, connStr string) error {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping: %w", err)
	}

	slog.Info("applying initial schema", logger.Operation("migrate"))
	if _, err := db.ExecContext(ctx, postgres.InitialSchema); err != nil {
		return fmt.Errorf("failed to apply initial schema: %w", err)
	}
	return nil
}

// migrateSQLite creates the database file if needed; opening applies the
// schema.
func migrateSQLite(ctx context.Context, path string) error {
	db, err := sqlite.Open(ctx, path)
	if err != nil {
		return err
	}
	return db.Close()
}
