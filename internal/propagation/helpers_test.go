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

package propagation

import (
	"context"
	"sync"
	"time"

	"github.com/opentrusty/authzstore/internal/authorization"
)

var testNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func sampleStored() *authorization.StoredRecord {
	return &authorization.StoredRecord{
		ID:                 "A1",
		TenantID:           "tenant-1",
		RegisteredClientID: "client-1",
		PrincipalName:      "alice",
		GrantType:          authorization.GrantTypeAuthorizationCode,
		AuthorizedScopes:   []string{"openid", "profile"},
		Attributes:         map[string]any{"redirect_uri": "https://app.example.com/callback"},
		State:              "s1",
		AccessToken: &authorization.StoredToken{
			Ciphertext: "c2VhbGVk",
			Hash:       "hash-tok-1",
			IssuedAt:   testNow,
			ExpiresAt:  testNow.Add(300 * time.Second),
			Metadata:   map[string]any{"token_type": "Bearer"},
			Scopes:     []string{"openid"},
		},
		RefreshToken: &authorization.StoredToken{
			Ciphertext: "cmVmcmVzaA",
			Hash:       "hash-refresh-1",
			IssuedAt:   testNow,
			ExpiresAt:  testNow.Add(24 * time.Hour),
		},
		UpdatedAt: testNow,
	}
}

func sampleChange() *authorization.Change {
	return &authorization.Change{
		Record:       sampleStored(),
		OriginRegion: "eu",
		OccurredAt:   testNow,
	}
}

// recordingApplier collects applied changes.
type recordingApplier struct {
	mu      sync.Mutex
	changes []*authorization.Change
	err     error
}

func (a *recordingApplier) ApplyChange(_ context.Context, change *authorization.Change) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.changes = append(a.changes, change)
	return a.err
}

func (a *recordingApplier) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.changes)
}

type recordingCleaner struct {
	mu       sync.Mutex
	requests []authorization.CleanupRequest
}

func (c *recordingCleaner) Cleanup(_ context.Context, req authorization.CleanupRequest) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	return 1, nil
}

func (c *recordingCleaner) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// lookupStore serves FindByID and FindByToken from a map; other methods are
// unused by the lookup server.
type lookupStore struct {
	authorization.Store
	records map[string]*authorization.StoredRecord
	err     error
}

func (s *lookupStore) FindByID(_ context.Context, id string) (*authorization.StoredRecord, error) {
	if s.err != nil {
		return nil, s.err
	}
	rec, ok := s.records[id]
	if !ok {
		return nil, authorization.ErrNotFound
	}
	return rec, nil
}

func (s *lookupStore) FindByToken(_ context.Context, l authorization.TokenLookup) (*authorization.StoredRecord, error) {
	if s.err != nil {
		return nil, s.err
	}
	for _, rec := range s.records {
		if rec.AccessToken != nil && rec.AccessToken.Hash == l.Hash {
			return rec, nil
		}
	}
	return nil, authorization.ErrNotFound
}
