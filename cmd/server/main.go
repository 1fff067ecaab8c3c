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
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opentrusty/authzstore/internal/audit"
	"github.com/opentrusty/authzstore/internal/authorization"
	"github.com/opentrusty/authzstore/internal/cipher"
	"github.com/opentrusty/authzstore/internal/config"
	"github.com/opentrusty/authzstore/internal/keypair"
	"github.com/opentrusty/authzstore/internal/observability/logger"
	"github.com/opentrusty/authzstore/internal/observability/metrics"
	"github.com/opentrusty/authzstore/internal/observability/tracing"
	transportHTTP "github.com/opentrusty/authzstore/internal/transport/http"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.InitLogger(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName,
		Region:      cfg.Region.Name,
		OTel:        cfg.Observability.OTELEnabled,
	})
	slog.Info("starting authorization store",
		logger.String("store", cfg.Store.Backend),
		logger.String("cache", cfg.Cache.Backend),
		logger.String("broker", cfg.Broker.Backend),
		logger.String("profile", cfg.Region.Profile))

	if err := run(cfg, log); err != nil {
		slog.Error("server failed", logger.Error(err))
		os.Exit(1)
	}
	slog.Info("server stopped")
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize tracer
	tracer, err := tracing.New(ctx, tracing.Config{
		Enabled:        cfg.Observability.OTELEnabled,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		Region:         cfg.Region.Name,
		SamplingRate:   cfg.Observability.SamplingRate,
	})
	if err != nil {
		slog.Error("failed to initialize tracer", logger.Error(err))
		tracer = &tracing.Provider{}
	}
	defer tracer.Shutdown(context.Background())

	// Initialize meter
	meter := metrics.New(metrics.Config{
		Enabled:     cfg.Observability.OTELEnabled,
		ServiceName: cfg.Observability.ServiceName,
	})
	deadLetters, err := meter.NewDeadLetterRecorder()
	if err != nil {
		return err
	}
	purges, err := meter.NewPurgeRecorder()
	if err != nil {
		return err
	}

	// Crypto
	masterKey, err := cfg.Crypto.MasterKeyBytes()
	if err != nil {
		return err
	}
	aead, hasher, err := cipher.New(masterKey)
	if err != nil {
		return fmt.Errorf("failed to initialize cipher: %w", err)
	}
	sealer := authorization.NewSealer(aead, hasher, cfg.Crypto.Timeout)

	// Durable store
	stores, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer stores.Close()
	slog.Info("connected to durable store", logger.String("backend", cfg.Store.Backend))

	// Ephemeral cache
	caches, err := openCache(ctx, cfg, sealer)
	if err != nil {
		return err
	}
	defer caches.Close()

	// Propagation bus
	bus, err := openBus(ctx, cfg, stores.authorizations, deadLetters, log)
	if err != nil {
		return err
	}
	defer bus.Close()

	auditLogger := audit.NewSlogLogger(log)
	stateBinder := transportHTTP.NewCookieStateBinder(transportHTTP.StateCookieConfig{
		Name:   cfg.Server.StateCookieName,
		Secure: cfg.Server.StateCookieSecure,
	})

	opts := []authorization.Option{
		authorization.WithLogger(log),
		authorization.WithMeter(meter.GetMeter()),
		authorization.WithStateBinder(stateBinder),
	}
	if bus.remote != nil {
		opts = append(opts, authorization.WithRemoteLookup(bus.remote))
	}

	authzService := authorization.NewService(
		stores.authorizations,
		caches.cache,
		bus.publisher,
		sealer,
		hasher,
		auditLogger,
		authorization.Config{
			Region:          cfg.Region.Name,
			Profile:         authorization.Profile(cfg.Region.Profile),
			CacheTTL:        cfg.Cache.TTL,
			PublishTimeout:  cfg.Broker.PublishTimeout,
			ConfirmRemovals: cfg.Broker.ConfirmRemovals,
		},
		opts...,
	)
	bus.Start(ctx, authzService)

	keyService := keypair.NewService(stores.keyPairs, aead, auditLogger, log)
	if err := ensureSigningKey(ctx, keyService, cfg.KeyRotation.Window); err != nil {
		return err
	}

	// Periodic purge of expired records
	if cfg.Store.PurgeInterval > 0 {
		go purgeLoop(ctx, authzService, purges, cfg.Store.PurgeInterval)
	}

	// Rate Limiter
	rateLimiter := transportHTTP.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
	go rateLimiter.Run(ctx, time.Minute)

	checks := []transportHTTP.Check{{Name: "store", Pinger: authzService}}
	checks = append(checks, caches.checks...)
	checks = append(checks, bus.checks...)
	handler := transportHTTP.NewHandler(cfg.Observability.ServiceName, keyService, checks...)
	router := transportHTTP.NewRouter(handler, rateLimiter)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("starting http server", logger.Component("server"), logger.Operation("listen"), logger.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	slog.Info("shutting down server")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", logger.Error(err))
	}
	bus.Wait()
	return nil
}

// ensureSigningKey creates a signing key pair when none is active within window.
func ensureSigningKey(ctx context.Context, keys *keypair.Service, window time.Duration) error {
	active, err := keys.FindActiveKeyPairs(ctx, time.Now().Add(-window))
	if err != nil {
		return fmt.Errorf("failed to load key pairs: %w", err)
	}
	for _, kp := range active {
		if kp.Type == keypair.TypeSigning {
			return nil
		}
	}
	kp, err := keys.Generate(ctx, keypair.TypeSigning)
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "created signing key pair", logger.KeyPairID(kp.ID))
	return nil
}

func purgeLoop(ctx context.Context, svc *authorization.Service, rec *metrics.PurgeRecorder, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			n, err := svc.PurgeExpired(ctx, start)
			if err != nil {
				slog.ErrorContext(ctx, "failed to purge expired authorizations", logger.Error(err))
				continue
			}
			rec.Record(ctx, n, float64(time.Since(start).Microseconds())/1000)
		}
	}
}
