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
	"time"
)

// TokenLookup addresses a stored record by one of its token columns.
// State is compared as-is; the other columns by lookup hash. TokenTypeAny
// sets both fields and matches any column.
type TokenLookup struct {
	Type  TokenType `json:"type,omitempty"`
	State string    `json:"state,omitempty"`
	Hash  string    `json:"hash,omitempty"`
}

// Store defines the interface for durable authorization persistence
type Store interface {
	// Save inserts or fully replaces a record
	Save(ctx context.Context, rec *StoredRecord) error

	// Delete removes a record. Deleting a missing record is not an error.
	Delete(ctx context.Context, id string) error

	// Invalidate soft-deletes a record
	Invalidate(ctx context.Context, id string, at time.Time) error

	// FindByID retrieves a live record or returns ErrNotFound
	FindByID(ctx context.Context, id string) (*StoredRecord, error)

	// FindByToken retrieves a live record by state or token hash
	FindByToken(ctx context.Context, lookup TokenLookup) (*StoredRecord, error)

	// FindByClient retrieves all live records of a tenant's client
	FindByClient(ctx context.Context, tenantID, clientID string) ([]*StoredRecord, error)

	// DeleteByClient removes all records of a tenant's client
	DeleteByClient(ctx context.Context, tenantID, clientID string) (int64, error)

	// DeleteExpired removes records whose every token expired before the cutoff
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)

	// Ping checks store connectivity
	Ping(ctx context.Context) error
}

// Cache is the short-lived, consume-once record cache.
type Cache interface {
	// Put stores rec under every key until ttl elapses
	Put(ctx context.Context, keys []string, rec *Record, ttl time.Duration) error

	// Get returns and removes the record under key; (nil, nil) on a miss
	Get(ctx context.Context, key string) (*Record, error)

	// Delete removes key
	Delete(ctx context.Context, key string) error
}

// Publisher announces record changes to peer regions.
type Publisher interface {
	Publish(ctx context.Context, change *Change) error
}

// Cipher encrypts token values.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// Hasher produces deterministic lookup digests.
type Hasher interface {
	Hash(value string) string
}

// StateBinder ties the OAuth2 state of a saved record to the in-flight
// browser request, typically with a cookie.
type StateBinder interface {
	BindState(ctx context.Context, state string)
}

// RemoteQuery is a lookup forwarded to peer regions.
type RemoteQuery struct {
	ID     string      `json:"id,omitempty"`
	Lookup TokenLookup `json:"lookup"`
}

// RemoteLookup resolves records held by peer regions' stores. It returns
// (nil, nil) when no peer knows the record.
type RemoteLookup interface {
	Lookup(ctx context.Context, query RemoteQuery) (*StoredRecord, error)
}
