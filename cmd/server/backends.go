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

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/valkey-io/valkey-go"
	"golang.org/x/sync/errgroup"

	"github.com/opentrusty/authzstore/internal/authorization"
	"github.com/opentrusty/authzstore/internal/cache"
	"github.com/opentrusty/authzstore/internal/config"
	"github.com/opentrusty/authzstore/internal/keypair"
	"github.com/opentrusty/authzstore/internal/observability/logger"
	"github.com/opentrusty/authzstore/internal/observability/metrics"
	"github.com/opentrusty/authzstore/internal/propagation"
	"github.com/opentrusty/authzstore/internal/store/postgres"
	"github.com/opentrusty/authzstore/internal/store/sqlite"
	transportHTTP "github.com/opentrusty/authzstore/internal/transport/http"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type storeBackend struct {
	authorizations authorization.Store
	keyPairs       keypair.Repository
	close          func()
}

func (s *storeBackend) Close() { s.close() }

func postgresConfig(cfg *config.Config) postgres.Config {
	return postgres.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}
}

func openStores(ctx context.Context, cfg *config.Config) (*storeBackend, error) {
	switch cfg.Store.Backend {
	case config.StoreSQLite:
		db, err := sqlite.Open(ctx, cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &storeBackend{
			authorizations: sqlite.NewAuthorizationRepository(db),
			keyPairs:       sqlite.NewKeyPairRepository(db),
			close:          func() { db.Close() },
		}, nil
	default:
		db, err := postgres.New(ctx, postgresConfig(cfg))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		return &storeBackend{
			authorizations: postgres.NewAuthorizationRepository(db),
			keyPairs:       postgres.NewKeyPairRepository(db),
			close:          db.Close,
		}, nil
	}
}

type cacheBackend struct {
	cache  authorization.Cache
	checks []transportHTTP.Check
	close  func()
}

func (c *cacheBackend) Close() { c.close() }

func openCache(ctx context.Context, cfg *config.Config, sealer *authorization.Sealer) (*cacheBackend, error) {
	if cfg.Cache.Backend == config.CacheMemory {
		c := cache.NewMemoryCache()
		go c.Run(ctx, cfg.Cache.SweepInterval)
		return &cacheBackend{cache: c, close: func() {}}, nil
	}

	codec, err := propagation.NewCodec(cfg.Broker.Codec)
	if err != nil {
		return nil, err
	}
	records := propagation.NewCacheCodec(sealer, codec)

	switch cfg.Cache.Backend {
	case config.CacheRedis:
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Cache.RedisAddrs,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
		c := cache.NewRedisCache(client, records)
		if err := c.Ping(ctx); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return &cacheBackend{
			cache:  c,
			checks: []transportHTTP.Check{{Name: "cache", Pinger: c}},
			close:  func() { client.Close() },
		}, nil
	case config.CacheValkey:
		client, err := valkey.NewClient(valkey.ClientOption{
			InitAddress: cfg.Cache.ValkeyAddrs,
			Password:    cfg.Cache.RedisPassword,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to valkey: %w", err)
		}
		c := cache.NewValkeyCache(client, records)
		return &cacheBackend{
			cache:  c,
			checks: []transportHTTP.Check{{Name: "cache", Pinger: c}},
			close:  client.Close,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported cache backend: %s", cfg.Cache.Backend)
	}
}

// busBackend holds the propagation transport. Consumers start once the
// service they feed exists.
type busBackend struct {
	publisher authorization.Publisher
	remote    authorization.RemoteLookup
	checks    []transportHTTP.Check

	consume func(ctx context.Context, g *errgroup.Group, svc *authorization.Service)
	g       errgroup.Group
	closers []func()
}

// Start launches the consumers feeding svc.
func (b *busBackend) Start(ctx context.Context, svc *authorization.Service) {
	b.consume(ctx, &b.g, svc)
}

// Wait blocks until every consumer has returned.
func (b *busBackend) Wait() {
	if err := b.g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("propagation consumer stopped", logger.Component("propagation"), logger.Error(err))
	}
}

func (b *busBackend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBus(ctx context.Context, cfg *config.Config, store authorization.Store, deadLetters *metrics.DeadLetterRecorder, log *slog.Logger) (*busBackend, error) {
	if cfg.Broker.Backend == config.BrokerAMQP {
		return openAMQP(ctx, cfg, store, log)
	}

	region := cfg.Region.Name
	bus := propagation.NewMemoryBus(propagation.MemoryBusConfig{
		Regions:        []string{region},
		QueueMaxLength: cfg.Broker.QueueMaxLength,
		MessageTTL:     cfg.Broker.MessageTTL,
		OnDeadLetter: func(dl propagation.DeadLetter) {
			deadLetters.Record(context.Background(), dl.Queue, string(dl.Reason))
		},
	}, log)

	return &busBackend{
		publisher: bus,
		consume: func(ctx context.Context, g *errgroup.Group, svc *authorization.Service) {
			g.Go(func() error { return bus.ConsumeChanges(ctx, region, svc) })
			g.Go(func() error { return bus.ConsumeCleanups(ctx, svc) })
		},
	}, nil
}

func openAMQP(ctx context.Context, cfg *config.Config, store authorization.Store, log *slog.Logger) (*busBackend, error) {
	saas := authorization.Profile(cfg.Region.Profile) == authorization.ProfileSaaS

	topo, err := propagation.NewTopology(propagation.TopologyConfig{
		Region:          cfg.Region.Name,
		EntryExchange:   cfg.Broker.EntryExchange,
		RecordsExchange: cfg.Broker.RecordsExchange,
		RPCExchange:     cfg.Broker.RPCExchange,
		EnableRPC:       saas,
		QueueMaxLength:  cfg.Broker.QueueMaxLength,
		MessageTTL:      cfg.Broker.MessageTTL,
		EntryTTL:        cfg.Broker.EntryTTL,
	})
	if err != nil {
		return nil, err
	}
	codec, err := propagation.NewCodec(cfg.Broker.Codec)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.Dial(cfg.Broker.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	b := &busBackend{closers: []func(){func() { conn.Close() }}}
	fail := func(err error) (*busBackend, error) {
		b.Close()
		return nil, err
	}

	channel := func() (*amqp.Channel, error) {
		ch, err := conn.Channel()
		if err != nil {
			return nil, fmt.Errorf("failed to open channel: %w", err)
		}
		b.closers = append(b.closers, func() { ch.Close() })
		return ch, nil
	}

	declareCh, err := channel()
	if err != nil {
		return fail(err)
	}
	if err := propagation.Declare(declareCh, topo); err != nil {
		return fail(err)
	}

	pubCh, err := channel()
	if err != nil {
		return fail(err)
	}
	if cfg.Broker.ConfirmRemovals {
		if err := pubCh.Confirm(false); err != nil {
			return fail(fmt.Errorf("failed to enable publisher confirms: %w", err))
		}
	}
	b.publisher = propagation.NewAMQPPublisher(pubCh, codec, topo, log)

	consumeCh, err := channel()
	if err != nil {
		return fail(err)
	}
	consumer := propagation.NewAMQPConsumer(consumeCh, codec, topo, cfg.Broker.Prefetch, log)

	var rpcServer *propagation.RPCServer
	var serveCh *amqp.Channel
	if saas {
		rpcCh, err := channel()
		if err != nil {
			return fail(err)
		}
		transport, err := propagation.NewAMQPRPCTransport(ctx, rpcCh, topo.RPCExchange, log)
		if err != nil {
			return fail(err)
		}
		b.remote = propagation.NewRPCClient(transport, propagation.RPCClientConfig{
			Region: cfg.Region.Name,
			Peers:  cfg.Region.Peers,
		}, log)

		if serveCh, err = channel(); err != nil {
			return fail(err)
		}
		rpcServer = propagation.NewRPCServer(store, propagation.RPCServerConfig{
			Region:         cfg.Region.Name,
			AllowedRegions: cfg.Region.RPCAllowedRegions,
			RatePerSecond:  cfg.Region.RPCRatePerSecond,
			Burst:          cfg.Region.RPCBurst,
		}, log)
	}

	b.checks = []transportHTTP.Check{{Name: "broker", Pinger: pingFunc(func(context.Context) error {
		if conn.IsClosed() {
			return amqp.ErrClosed
		}
		return nil
	})}}
	b.consume = func(ctx context.Context, g *errgroup.Group, svc *authorization.Service) {
		g.Go(func() error { return consumer.ConsumeChanges(ctx, svc) })
		g.Go(func() error { return consumer.ConsumeCleanups(ctx, svc) })
		if rpcServer != nil {
			g.Go(func() error { return propagation.ServeRPC(ctx, serveCh, topo.RPCQueue, rpcServer) })
		}
	}

	log.InfoContext(ctx, "connected to broker",
		logger.Exchange(topo.RecordsExchange), logger.Queue(topo.RecordsQueue))
	return b, nil
}
