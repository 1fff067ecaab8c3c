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

// Command cleanup purges expired authorizations, rotates signing keys and
// issues targeted cleanup requests.
//
// Usage:
//
//	cleanup [-purge=true] [-grace 0s] [-rotate-keys] [-record id | -tenant id -client id]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/opentrusty/authzstore/internal/audit"
	"github.com/opentrusty/authzstore/internal/authorization"
	"github.com/opentrusty/authzstore/internal/cache"
	"github.com/opentrusty/authzstore/internal/cipher"
	"github.com/opentrusty/authzstore/internal/config"
	"github.com/opentrusty/authzstore/internal/keypair"
	"github.com/opentrusty/authzstore/internal/observability/logger"
	"github.com/opentrusty/authzstore/internal/propagation"
	"github.com/opentrusty/authzstore/internal/store/postgres"
	"github.com/opentrusty/authzstore/internal/store/sqlite"
)

type options struct {
	purge      bool
	grace      time.Duration
	rotateKeys bool
	request    authorization.CleanupRequest
}

func main() {
	var opts options
	flag.BoolVar(&opts.purge, "purge", true, "delete records whose tokens have all expired")
	flag.DurationVar(&opts.grace, "grace", 0, "keep records expired for less than this long")
	flag.BoolVar(&opts.rotateKeys, "rotate-keys", false, "generate a signing key and invalidate keys older than KEY_ROTATION_WINDOW")
	flag.StringVar(&opts.request.RecordID, "record", "", "remove one record by id")
	flag.StringVar(&opts.request.TenantID, "tenant", "", "tenant of -client")
	flag.StringVar(&opts.request.RegisteredClientID, "client", "", "remove every record of a registered client")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	log := logger.InitLogger(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName + "-cleanup",
		Region:      cfg.Region.Name,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if err := run(ctx, cfg, opts, log); err != nil {
		slog.Error("cleanup failed", logger.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, opts options, log *slog.Logger) error {
	masterKey, err := cfg.Crypto.MasterKeyBytes()
	if err != nil {
		return err
	}
	aead, hasher, err := cipher.New(masterKey)
	if err != nil {
		return err
	}

	store, keyRepo, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	auditLogger := audit.NewSlogLogger(log)
	svc := authorization.NewService(
		store,
		cache.NewMemoryCache(),
		nil,
		authorization.NewSealer(aead, hasher, cfg.Crypto.Timeout),
		hasher,
		auditLogger,
		authorization.Config{
			Region:  cfg.Region.Name,
			Profile: authorization.Profile(cfg.Region.Profile),
		},
		authorization.WithLogger(log),
	)

	if opts.purge {
		n, err := svc.PurgeExpired(ctx, time.Now().Add(-opts.grace))
		if err != nil {
			return err
		}
		fmt.Printf("Purged %d expired authorizations\n", n)
	}

	if opts.rotateKeys {
		keys := keypair.NewService(keyRepo, aead, auditLogger, log)
		kp, err := keys.Rotate(ctx, cfg.KeyRotation.Window)
		if err != nil {
			return err
		}
		fmt.Printf("Rotated signing key, new key id %s\n", kp.ID)
	}

	req := opts.request
	if req.RecordID == "" && req.RegisteredClientID == "" {
		return nil
	}
	if cfg.Broker.Backend == config.BrokerAMQP {
		if err := publishCleanup(ctx, cfg, req, log); err != nil {
			return err
		}
		fmt.Println("Cleanup request queued")
		return nil
	}
	n, err := svc.Cleanup(ctx, req)
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d authorizations\n", n)
	return nil
}

// publishCleanup hands req to a running server through the entry exchange so
// the removal propagates to every region.
func publishCleanup(ctx context.Context, cfg *config.Config, req authorization.CleanupRequest, log *slog.Logger) error {
	topo, err := propagation.NewTopology(propagation.TopologyConfig{
		Region:          cfg.Region.Name,
		EntryExchange:   cfg.Broker.EntryExchange,
		RecordsExchange: cfg.Broker.RecordsExchange,
		RPCExchange:     cfg.Broker.RPCExchange,
	})
	if err != nil {
		return err
	}
	codec, err := propagation.NewCodec(cfg.Broker.Codec)
	if err != nil {
		return err
	}

	conn, err := amqp.Dial(cfg.Broker.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	return propagation.NewAMQPPublisher(ch, codec, topo, log).PublishCleanup(ctx, req)
}

func openStore(ctx context.Context, cfg *config.Config) (authorization.Store, keypair.Repository, func(), error) {
	if cfg.Store.Backend == config.StoreSQLite {
		db, err := sqlite.Open(ctx, cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, nil, err
		}
		return sqlite.NewAuthorizationRepository(db), sqlite.NewKeyPairRepository(db), func() { db.Close() }, nil
	}

	db, err := postgres.New(ctx, postgres.Config{
		Host:         cfg.Database.Host,
		Port:         cfg.Database.Port,
		User:         cfg.Database.User,
		Password:     cfg.Database.Password,
		Database:     cfg.Database.Database,
		SSLMode:      cfg.Database.SSLMode,
		MaxOpenConns: 2,
		MaxIdleConns: 1,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return postgres.NewAuthorizationRepository(db), postgres.NewKeyPairRepository(db), db.Close, nil
}
