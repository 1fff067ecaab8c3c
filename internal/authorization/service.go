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

package authorization

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/opentrusty/authzstore/internal/audit"
	"github.com/opentrusty/authzstore/internal/observability/logger"
)

const tracerName = "github.com/opentrusty/authzstore/internal/authorization"

// Config holds service configuration
type Config struct {
	Region          string
	Profile         Profile
	CacheTTL        time.Duration
	PublishTimeout  time.Duration
	ConfirmRemovals bool
}

// Service stores, caches and propagates authorization records.
//
// Concurrent saves of the same id are not serialized; the store keeps the
// last write.
type Service struct {
	store       Store
	cache       Cache
	publisher   Publisher
	sealer      *Sealer
	hasher      Hasher
	auditLogger audit.Logger

	stateBinder StateBinder
	remote      RemoteLookup

	cfg     Config
	log     *slog.Logger
	tracer  trace.Tracer
	metrics *serviceMetrics
	now     func() time.Time
}

// Option configures optional collaborators of the service.
type Option func(*Service)

// WithStateBinder binds the OAuth2 state of saved records to the HTTP response.
func WithStateBinder(b StateBinder) Option {
	return func(s *Service) { s.stateBinder = b }
}

// WithRemoteLookup enables cross-region lookups on a local miss.
func WithRemoteLookup(r RemoteLookup) Option {
	return func(s *Service) { s.remote = r }
}

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithMeter records service metrics on m.
func WithMeter(m metric.Meter) Option {
	return func(s *Service) { s.metrics = newServiceMetrics(m) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new authorization record service. publisher may be nil
// when the process runs without a propagation bus.
func NewService(
	store Store,
	cache Cache,
	publisher Publisher,
	sealer *Sealer,
	hasher Hasher,
	auditLogger audit.Logger,
	cfg Config,
	opts ...Option,
) *Service {
	if cfg.Profile == "" {
		cfg.Profile = ProfileStandard
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Minute
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}

	s := &Service{
		store:       store,
		cache:       cache,
		publisher:   publisher,
		sealer:      sealer,
		hasher:      hasher,
		auditLogger: auditLogger,
		cfg:         cfg,
		log:         slog.Default(),
		tracer:      otel.Tracer(tracerName),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = newServiceMetrics(otel.Meter(tracerName))
	}
	s.log = s.log.With(logger.Component("authorization"), logger.Region(cfg.Region))
	return s
}

// Save caches the record under every lookup key, encrypts its token values,
// persists it and announces it to peer regions.
func (s *Service) Save(ctx context.Context, rec *Record) error {
	ctx, span := s.tracer.Start(ctx, "authorization.Save")
	defer span.End()

	if err := rec.Validate(); err != nil {
		return err
	}
	rec = rec.Clone()
	rec.AuthorizedScopes = normalizeScopes(rec.AuthorizedScopes)
	if rec.AccessToken != nil {
		rec.AccessToken.Scopes = normalizeScopes(rec.AccessToken.Scopes)
	}
	span.SetAttributes(attribute.String("authorization.id", rec.ID))

	keys := s.keysForRecord(rec)
	if err := s.cache.Put(ctx, keys, rec, s.cfg.CacheTTL); err != nil {
		s.log.WarnContext(ctx, "failed to cache authorization",
			logger.RecordID(rec.ID), logger.Operation("save"), logger.Error(err))
	}

	if state := rec.State(); state != "" && s.stateBinder != nil {
		s.stateBinder.BindState(ctx, state)
	}

	start := time.Now()
	sealed, err := s.sealer.Seal(ctx, rec)
	s.metrics.sealDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("operation", "seal")))
	if err != nil {
		s.evict(ctx, keys)
		span.RecordError(err)
		span.SetStatus(codes.Error, "seal failed")
		s.log.ErrorContext(ctx, "failed to encrypt authorization tokens",
			logger.RecordID(rec.ID), logger.Operation("save"), logger.Error(err))
		return fmt.Errorf("%w: %w", ErrPersistenceFailed, err)
	}
	sealed.UpdatedAt = s.now().UTC()

	if err := s.store.Save(ctx, sealed); err != nil {
		s.evict(ctx, keys)
		span.RecordError(err)
		span.SetStatus(codes.Error, "store save failed")
		s.log.ErrorContext(ctx, "failed to persist authorization",
			logger.RecordID(rec.ID), logger.Operation("save"), logger.Error(err))
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	s.metrics.saves.Add(ctx, 1)

	s.publish(ctx, &Change{
		Record:       sealed,
		OriginRegion: s.cfg.Region,
		OccurredAt:   sealed.UpdatedAt,
	})

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeAuthorizationSaved,
		TenantID: rec.TenantID,
		ActorID:  rec.PrincipalName,
		Resource: "authorization",
		Metadata: map[string]any{
			"authorization_id": rec.ID,
			"client_id":        rec.RegisteredClientID,
			"grant_type":       string(rec.GrantType),
			"region":           s.cfg.Region,
		},
	})

	return nil
}

// Remove evicts the record from the cache, deletes or invalidates it in the
// store and announces a tombstone to peer regions.
func (s *Service) Remove(ctx context.Context, rec *Record) error {
	ctx, span := s.tracer.Start(ctx, "authorization.Remove")
	defer span.End()

	if rec == nil || rec.ID == "" {
		return ErrInvalidRecord
	}
	span.SetAttributes(attribute.String("authorization.id", rec.ID))

	if err := s.removeStored(ctx, s.sealer.Tombstone(rec)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "remove failed")
		return err
	}
	return nil
}

func (s *Service) removeStored(ctx context.Context, tomb *StoredRecord) error {
	tomb.UpdatedAt = s.now().UTC()
	s.evict(ctx, s.keysForStored(tomb))

	var err error
	if s.cfg.Profile == ProfileSaaS {
		err = s.store.Invalidate(ctx, tomb.ID, tomb.UpdatedAt)
	} else {
		err = s.store.Delete(ctx, tomb.ID)
	}
	if errors.Is(err, ErrNotFound) {
		err = nil
	}

	// The tombstone goes out even when the store write failed: evicting a
	// peer's cache entry is always safe.
	s.announceRemoval(ctx, tomb)

	if err != nil {
		s.log.ErrorContext(ctx, "failed to remove authorization",
			logger.RecordID(tomb.ID), logger.Operation("remove"), logger.Error(err))
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	s.auditRemoval(ctx, tomb)
	return nil
}

// removeClient evicts a client's records and deletes them in one statement.
// Each record gets a tombstone.
func (s *Service) removeClient(ctx context.Context, tenantID, clientID string, records []*StoredRecord) (int, error) {
	tombs := make([]*StoredRecord, 0, len(records))
	for _, stored := range records {
		tomb := tombstoneOf(stored)
		tomb.UpdatedAt = s.now().UTC()
		s.evict(ctx, s.keysForStored(tomb))
		tombs = append(tombs, tomb)
	}

	n, err := s.store.DeleteByClient(ctx, tenantID, clientID)
	for _, tomb := range tombs {
		s.announceRemoval(ctx, tomb)
	}
	if err != nil {
		s.log.ErrorContext(ctx, "failed to remove client authorizations",
			logger.String("client_id", clientID), logger.Operation("cleanup"), logger.Error(err))
		return 0, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	for _, tomb := range tombs {
		s.auditRemoval(ctx, tomb)
	}
	return int(n), nil
}

func (s *Service) announceRemoval(ctx context.Context, tomb *StoredRecord) {
	s.publish(ctx, &Change{
		Record:       tomb,
		OriginRegion: s.cfg.Region,
		OccurredAt:   tomb.UpdatedAt,
		Confirm:      s.cfg.ConfirmRemovals,
	})
}

func (s *Service) auditRemoval(ctx context.Context, tomb *StoredRecord) {
	s.metrics.removes.Add(ctx, 1)
	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeAuthorizationRemoved,
		TenantID: tomb.TenantID,
		ActorID:  tomb.PrincipalName,
		Resource: "authorization",
		Metadata: map[string]any{
			"authorization_id": tomb.ID,
			"client_id":        tomb.RegisteredClientID,
			"profile":          string(s.cfg.Profile),
			"region":           s.cfg.Region,
		},
	})
}

// FindByID returns the record with the given id, or nil if it is absent.
// A cache hit consumes the cached entry.
func (s *Service) FindByID(ctx context.Context, id string) (*Record, error) {
	ctx, span := s.tracer.Start(ctx, "authorization.FindByID")
	defer span.End()

	if id == "" {
		return nil, nil
	}

	if rec := s.consume(ctx, []string{keyPrefixID + id}); rec != nil {
		return rec, nil
	}

	stored, err := s.store.FindByID(ctx, id)
	return s.resolve(ctx, stored, err, RemoteQuery{ID: id})
}

// FindByToken returns the record addressable by token under tokenType, or nil
// if it is absent. TokenTypeAny probes state, code, access and refresh token.
func (s *Service) FindByToken(ctx context.Context, token string, tokenType TokenType) (*Record, error) {
	ctx, span := s.tracer.Start(ctx, "authorization.FindByToken")
	defer span.End()

	if !tokenType.Valid() {
		return nil, ErrInvalidTokenType
	}
	if token == "" {
		return nil, nil
	}
	span.SetAttributes(attribute.String("authorization.token_type", string(tokenType)))

	hash := s.hasher.Hash(token)
	if rec := s.consume(ctx, keysForToken(hash, tokenType)); rec != nil {
		return rec, nil
	}

	lookup := TokenLookup{Type: tokenType}
	switch tokenType {
	case TokenTypeState:
		lookup.State = token
	case TokenTypeAny:
		lookup.State = token
		lookup.Hash = hash
	default:
		lookup.Hash = hash
	}

	stored, err := s.store.FindByToken(ctx, lookup)
	return s.resolve(ctx, stored, err, RemoteQuery{Lookup: lookup})
}

// ApplyChange brings the local cache in line with a change published by a
// peer region. Changes published by this region are ignored.
func (s *Service) ApplyChange(ctx context.Context, change *Change) error {
	if change == nil || change.Record == nil || change.Record.ID == "" {
		return ErrInvalidRecord
	}
	if change.OriginRegion == s.cfg.Region {
		return nil
	}

	keys := s.keysForStored(change.Record)
	if change.IsTombstone() {
		s.evict(ctx, keys)
		s.log.DebugContext(ctx, "applied remote tombstone",
			logger.RecordID(change.Record.ID), logger.String("origin_region", change.OriginRegion))
		return nil
	}

	ttl := s.cfg.CacheTTL
	if !change.OccurredAt.IsZero() {
		ttl -= s.now().Sub(change.OccurredAt)
	}
	if ttl <= 0 {
		return nil
	}

	rec, err := s.sealer.Open(ctx, change.Record)
	if err != nil {
		return fmt.Errorf("failed to open remote authorization %s: %w", change.Record.ID, err)
	}
	if err := s.cache.Put(ctx, keys, rec, ttl); err != nil {
		return fmt.Errorf("failed to cache remote authorization %s: %w", rec.ID, err)
	}
	return nil
}

// Cleanup removes the record named by req, or every record of the tenant's
// client. It returns the number of records removed.
func (s *Service) Cleanup(ctx context.Context, req CleanupRequest) (int, error) {
	if req.RecordID != "" {
		stored, err := s.store.FindByID(ctx, req.RecordID)
		if errors.Is(err, ErrNotFound) {
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
		if err := s.removeStored(ctx, tombstoneOf(stored)); err != nil {
			return 0, err
		}
		return 1, nil
	}

	if req.TenantID == "" || req.RegisteredClientID == "" {
		return 0, ErrInvalidCleanup
	}

	records, err := s.store.FindByClient(ctx, req.TenantID, req.RegisteredClientID)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if len(records) == 0 {
		return 0, nil
	}
	if s.cfg.Profile == ProfileStandard {
		return s.removeClient(ctx, req.TenantID, req.RegisteredClientID, records)
	}
	removed := 0
	for _, stored := range records {
		if err := s.removeStored(ctx, tombstoneOf(stored)); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// PurgeExpired deletes records whose tokens all expired before the cutoff. A
// token without an expiry keeps its record.
func (s *Service) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	n, err := s.store.DeleteExpired(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	s.log.InfoContext(ctx, "purged expired authorizations",
		logger.Operation("purge"), logger.RowsAffected(n))
	return n, nil
}

// Ping reports whether the durable store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// consume probes keys in order and returns the first cached record. A hit
// evicts every key of the record.
func (s *Service) consume(ctx context.Context, keys []string) *Record {
	for _, key := range keys {
		rec, err := s.cache.Get(ctx, key)
		if err != nil {
			s.log.WarnContext(ctx, "cache lookup failed", logger.Operation("find"), logger.Error(err))
			continue
		}
		if rec != nil {
			s.evict(ctx, s.keysForRecord(rec))
			s.metrics.cacheHits.Add(ctx, 1)
			return rec
		}
	}
	s.metrics.cacheMisses.Add(ctx, 1)
	return nil
}

func (s *Service) resolve(ctx context.Context, stored *StoredRecord, err error, query RemoteQuery) (*Record, error) {
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	if stored == nil {
		if s.remote == nil {
			return nil, nil
		}
		stored, err = s.remote.Lookup(ctx, query)
		if err != nil {
			s.log.WarnContext(ctx, "remote authorization lookup failed",
				logger.Operation("find"), logger.ErrorType("remote_unavailable"), logger.Error(err))
			return nil, fmt.Errorf("%w: %w", ErrRemoteUnavailable, err)
		}
		if stored == nil {
			return nil, nil
		}
	}

	if stored.Invalidated {
		return nil, nil
	}

	rec, err := s.sealer.Open(ctx, stored)
	if err != nil {
		s.log.ErrorContext(ctx, "failed to decrypt authorization tokens",
			logger.RecordID(stored.ID), logger.Operation("find"), logger.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrPersistenceFailed, err)
	}
	return rec, nil
}

func (s *Service) evict(ctx context.Context, keys []string) {
	for _, key := range keys {
		if err := s.cache.Delete(ctx, key); err != nil {
			s.log.WarnContext(ctx, "failed to evict cache key", logger.Operation("evict"), logger.Error(err))
		}
	}
}

func (s *Service) publish(ctx context.Context, change *Change) {
	if s.publisher == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.PublishTimeout)
	defer cancel()

	if err := s.publisher.Publish(ctx, change); err != nil {
		s.metrics.publishFailures.Add(ctx, 1)
		s.log.WarnContext(ctx, "failed to publish authorization change",
			logger.RecordID(change.Record.ID),
			logger.Operation("publish"),
			logger.Error(err),
		)
	}
}
