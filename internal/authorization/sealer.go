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
	"fmt"
	"maps"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultCryptTimeout bounds the concurrent encryption or decryption of a
// record's three token values.
const DefaultCryptTimeout = 2 * time.Second

// Sealer converts between plaintext Records and their encrypted StoredRecord
// form. The code, access and refresh values are processed as independent
// concurrent tasks joined under a single deadline.
type Sealer struct {
	cipher  Cipher
	hasher  Hasher
	timeout time.Duration
}

// NewSealer creates a sealer. A non-positive timeout selects DefaultCryptTimeout.
func NewSealer(cipher Cipher, hasher Hasher, timeout time.Duration) *Sealer {
	if timeout <= 0 {
		timeout = DefaultCryptTimeout
	}
	return &Sealer{cipher: cipher, hasher: hasher, timeout: timeout}
}

// Seal encrypts the record's token values. Nothing is returned unless all
// three tasks finish before the deadline.
func (s *Sealer) Seal(ctx context.Context, rec *Record) (*StoredRecord, error) {
	var code, access, refresh *StoredToken

	err := s.runAll(ctx,
		s.sealTask(rec.AuthorizationCode, &code),
		s.sealTask(rec.AccessToken, &access),
		s.sealTask(rec.RefreshToken, &refresh),
	)
	if err != nil {
		return nil, err
	}

	return &StoredRecord{
		ID:                 rec.ID,
		TenantID:           rec.TenantID,
		RegisteredClientID: rec.RegisteredClientID,
		PrincipalName:      rec.PrincipalName,
		GrantType:          rec.GrantType,
		AuthorizedScopes:   slices.Clone(rec.AuthorizedScopes),
		Attributes:         maps.Clone(rec.Attributes),
		State:              rec.State(),
		AuthorizationCode:  code,
		AccessToken:        access,
		RefreshToken:       refresh,
	}, nil
}

// Open decrypts a stored record's token values.
func (s *Sealer) Open(ctx context.Context, rec *StoredRecord) (*Record, error) {
	if rec.Invalidated {
		return nil, fmt.Errorf("%w: record %s is a tombstone", ErrInvalidRecord, rec.ID)
	}

	var code, access, refresh *Token

	err := s.runAll(ctx,
		s.openTask(rec.AuthorizationCode, &code),
		s.openTask(rec.AccessToken, &access),
		s.openTask(rec.RefreshToken, &refresh),
	)
	if err != nil {
		return nil, err
	}

	attrs := maps.Clone(rec.Attributes)
	if rec.State != "" {
		if attrs == nil {
			attrs = make(map[string]any, 1)
		}
		attrs[AttributeState] = rec.State
	}

	return &Record{
		ID:                 rec.ID,
		TenantID:           rec.TenantID,
		RegisteredClientID: rec.RegisteredClientID,
		PrincipalName:      rec.PrincipalName,
		GrantType:          rec.GrantType,
		AuthorizedScopes:   slices.Clone(rec.AuthorizedScopes),
		Attributes:         attrs,
		AuthorizationCode:  code,
		AccessToken:        access,
		RefreshToken:       refresh,
	}, nil
}

// Tombstone builds the redacted form of rec announced on removal. Lookup
// hashes are kept so peers can evict every cache key of the record.
func (s *Sealer) Tombstone(rec *Record) *StoredRecord {
	return &StoredRecord{
		ID:                 rec.ID,
		TenantID:           rec.TenantID,
		RegisteredClientID: rec.RegisteredClientID,
		PrincipalName:      rec.PrincipalName,
		GrantType:          rec.GrantType,
		AuthorizedScopes:   slices.Clone(rec.AuthorizedScopes),
		State:              rec.State(),
		AuthorizationCode:  s.redact(rec.AuthorizationCode),
		AccessToken:        s.redact(rec.AccessToken),
		RefreshToken:       s.redact(rec.RefreshToken),
		Invalidated:        true,
	}
}

func (s *Sealer) redact(t *Token) *StoredToken {
	if t == nil {
		return nil
	}
	return &StoredToken{
		Ciphertext: RedactedValue,
		Hash:       s.hasher.Hash(t.Value),
		IssuedAt:   t.IssuedAt,
		ExpiresAt:  t.ExpiresAt,
	}
}

// tombstoneOf redacts an already stored record.
func tombstoneOf(rec *StoredRecord) *StoredRecord {
	redact := func(t *StoredToken) *StoredToken {
		if t == nil {
			return nil
		}
		return &StoredToken{Ciphertext: RedactedValue, Hash: t.Hash, IssuedAt: t.IssuedAt, ExpiresAt: t.ExpiresAt}
	}
	return &StoredRecord{
		ID:                 rec.ID,
		TenantID:           rec.TenantID,
		RegisteredClientID: rec.RegisteredClientID,
		PrincipalName:      rec.PrincipalName,
		GrantType:          rec.GrantType,
		AuthorizedScopes:   slices.Clone(rec.AuthorizedScopes),
		State:              rec.State,
		AuthorizationCode:  redact(rec.AuthorizationCode),
		AccessToken:        redact(rec.AccessToken),
		RefreshToken:       redact(rec.RefreshToken),
		Invalidated:        true,
	}
}

func (s *Sealer) sealTask(t *Token, out **StoredToken) func() error {
	return func() error {
		if t == nil {
			return nil
		}
		ct, err := s.cipher.Encrypt(t.Value)
		if err != nil {
			return fmt.Errorf("failed to encrypt token: %w", err)
		}
		*out = &StoredToken{
			Ciphertext: ct,
			Hash:       s.hasher.Hash(t.Value),
			IssuedAt:   t.IssuedAt,
			ExpiresAt:  t.ExpiresAt,
			Metadata:   maps.Clone(t.Metadata),
			Scopes:     slices.Clone(t.Scopes),
		}
		return nil
	}
}

func (s *Sealer) openTask(t *StoredToken, out **Token) func() error {
	return func() error {
		if t == nil {
			return nil
		}
		if t.Ciphertext == RedactedValue {
			return fmt.Errorf("%w: redacted token", ErrInvalidRecord)
		}
		pt, err := s.cipher.Decrypt(t.Ciphertext)
		if err != nil {
			return fmt.Errorf("failed to decrypt token: %w", err)
		}
		*out = &Token{
			Value:     pt,
			IssuedAt:  t.IssuedAt,
			ExpiresAt: t.ExpiresAt,
			Metadata:  maps.Clone(t.Metadata),
			Scopes:    slices.Clone(t.Scopes),
		}
		return nil
	}
}

// runAll fans the tasks out and waits for all of them, or for the deadline.
// Tasks write only to their own output slot; callers read the slots only
// after a nil return.
func (s *Sealer) runAll(ctx context.Context, tasks ...func() error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var g errgroup.Group
	for _, task := range tasks {
		g.Go(task)
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrCryptTimeout, ctx.Err())
	}
}
