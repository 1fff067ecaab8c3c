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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/opentrusty/authzstore/internal/audit"
	"github.com/opentrusty/authzstore/internal/cipher"
)

var testMasterKey = []byte("0123456789abcdef0123456789abcdef")

func newTestCrypto(t testing.TB) (*cipher.AESCipher, *cipher.HMACHasher) {
	t.Helper()
	c, h, err := cipher.New(testMasterKey)
	require.NoError(t, err)
	return c, h
}

// mapCache is a consume-once in-memory cache for tests.
type mapCache struct {
	mu      sync.Mutex
	entries map[string]*Record
	puts    int
}

func newMapCache() *mapCache {
	return &mapCache{entries: make(map[string]*Record)}
}

func (c *mapCache) Put(_ context.Context, keys []string, rec *Record, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		c.entries[key] = rec.Clone()
	}
	c.puts++
	return nil
}

func (c *mapCache) Get(_ context.Context, key string) (*Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.entries[key]
	if !ok {
		return nil, nil
	}
	delete(c.entries, key)
	return rec.Clone(), nil
}

func (c *mapCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *mapCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// memStore is an in-memory Store shared by "regions" in tests.
type memStore struct {
	mu          sync.Mutex
	records     map[string]*StoredRecord
	findByIDHit int
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*StoredRecord)}
}

func (s *memStore) Save(_ context.Context, rec *StoredRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *rec
	s.records[rec.ID] = &c
	return nil
}

func (s *memStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *memStore) Invalidate(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[id]; ok {
		rec.Invalidated = true
		rec.UpdatedAt = at
	}
	return nil
}

func (s *memStore) FindByID(_ context.Context, id string) (*StoredRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findByIDHit++
	rec, ok := s.records[id]
	if !ok || rec.Invalidated {
		return nil, ErrNotFound
	}
	c := *rec
	return &c, nil
}

func (s *memStore) FindByToken(_ context.Context, l TokenLookup) (*StoredRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hashOf := func(t *StoredToken) string {
		if t == nil {
			return ""
		}
		return t.Hash
	}
	for _, rec := range s.records {
		if rec.Invalidated {
			continue
		}
		match := false
		switch l.Type {
		case TokenTypeState:
			match = rec.State == l.State
		case TokenTypeAuthorizationCode:
			match = hashOf(rec.AuthorizationCode) == l.Hash
		case TokenTypeAccessToken:
			match = hashOf(rec.AccessToken) == l.Hash
		case TokenTypeRefreshToken:
			match = hashOf(rec.RefreshToken) == l.Hash
		case TokenTypeAny:
			match = (rec.State != "" && rec.State == l.State) ||
				hashOf(rec.AuthorizationCode) == l.Hash ||
				hashOf(rec.AccessToken) == l.Hash ||
				hashOf(rec.RefreshToken) == l.Hash
		}
		if match {
			c := *rec
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memStore) FindByClient(_ context.Context, tenantID, clientID string) ([]*StoredRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*StoredRecord
	for _, rec := range s.records {
		if rec.TenantID == tenantID && rec.RegisteredClientID == clientID && !rec.Invalidated {
			c := *rec
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *memStore) DeleteByClient(_ context.Context, tenantID, clientID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.records {
		if rec.TenantID == tenantID && rec.RegisteredClientID == clientID {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

func (s *memStore) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.records {
		if expiredBefore(rec, before) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

// expiredBefore mirrors the purge predicate of the SQL stores: a token
// without an expiry keeps the record alive.
func expiredBefore(rec *StoredRecord, before time.Time) bool {
	latest := time.Time{}
	for _, t := range []*StoredToken{rec.AuthorizationCode, rec.AccessToken, rec.RefreshToken} {
		if t == nil {
			continue
		}
		if t.ExpiresAt.IsZero() {
			return false
		}
		if t.ExpiresAt.After(latest) {
			latest = t.ExpiresAt
		}
	}
	if latest.IsZero() {
		latest = rec.UpdatedAt
	}
	return latest.Before(before)
}

func (s *memStore) Ping(context.Context) error { return nil }

func (s *memStore) get(id string) (*StoredRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	return rec, ok
}

// mockStore is a testify mock of Store.
type mockStore struct {
	mock.Mock
}

func (m *mockStore) Save(ctx context.Context, rec *StoredRecord) error {
	return m.Called(ctx, rec).Error(0)
}

func (m *mockStore) Delete(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockStore) Invalidate(ctx context.Context, id string, at time.Time) error {
	return m.Called(ctx, id, at).Error(0)
}

func (m *mockStore) FindByID(ctx context.Context, id string) (*StoredRecord, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*StoredRecord), args.Error(1)
}

func (m *mockStore) FindByToken(ctx context.Context, lookup TokenLookup) (*StoredRecord, error) {
	args := m.Called(ctx, lookup)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*StoredRecord), args.Error(1)
}

func (m *mockStore) FindByClient(ctx context.Context, tenantID, clientID string) ([]*StoredRecord, error) {
	args := m.Called(ctx, tenantID, clientID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*StoredRecord), args.Error(1)
}

func (m *mockStore) DeleteByClient(ctx context.Context, tenantID, clientID string) (int64, error) {
	args := m.Called(ctx, tenantID, clientID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockStore) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// recordingPublisher keeps every published change.
type recordingPublisher struct {
	mu      sync.Mutex
	changes []*Change
	err     error
}

func (p *recordingPublisher) Publish(_ context.Context, change *Change) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, change)
	return p.err
}

func (p *recordingPublisher) last() *Change {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.changes) == 0 {
		return nil
	}
	return p.changes[len(p.changes)-1]
}

// blockingCipher never returns from Encrypt for the value "never".
type blockingCipher struct {
	Cipher
	release chan struct{}
}

func (b *blockingCipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "never" {
		<-b.release
	}
	return b.Cipher.Encrypt(plaintext)
}

type recordingBinder struct {
	states []string
}

func (b *recordingBinder) BindState(_ context.Context, state string) {
	b.states = append(b.states, state)
}

type stubRemote struct {
	rec     *StoredRecord
	err     error
	queries []RemoteQuery
}

func (r *stubRemote) Lookup(_ context.Context, q RemoteQuery) (*StoredRecord, error) {
	r.queries = append(r.queries, q)
	return r.rec, r.err
}

var testNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func newTestService(t testing.TB, store Store, cache Cache, pub Publisher, region string, opts ...Option) *Service {
	t.Helper()
	c, h := newTestCrypto(t)
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return NewService(store, cache, pub, NewSealer(c, h, time.Second), h, audit.NopLogger{},
		Config{Region: region, CacheTTL: time.Minute}, opts...)
}

// sampleRecord builds the A1 record used across tests.
func sampleRecord() *Record {
	return &Record{
		ID:                 "A1",
		TenantID:           "tenant-1",
		RegisteredClientID: "client-1",
		PrincipalName:      "alice",
		GrantType:          GrantTypeAuthorizationCode,
		AuthorizedScopes:   []string{"openid", "profile"},
		Attributes: map[string]any{
			AttributeState: "s1",
			"redirect_uri": "https://app.example.com/callback",
		},
		AuthorizationCode: &Token{
			Value:     "code-1",
			IssuedAt:  testNow,
			ExpiresAt: testNow.Add(5 * time.Minute),
			Metadata:  map[string]any{"invalidated": "false"},
		},
		AccessToken: &Token{
			Value:     "tok-1",
			IssuedAt:  testNow,
			ExpiresAt: testNow.Add(300 * time.Second),
			Metadata:  map[string]any{"token_type": "Bearer"},
			Scopes:    []string{"openid", "profile"},
		},
		RefreshToken: &Token{
			Value:     "refresh-1",
			IssuedAt:  testNow,
			ExpiresAt: testNow.Add(24 * time.Hour),
		},
	}
}
