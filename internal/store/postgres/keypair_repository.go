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

package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/opentrusty/authzstore/internal/keypair"
)

// KeyPairRepository implements keypair.Repository
type KeyPairRepository struct {
	db *DB
}

var _ keypair.Repository = (*KeyPairRepository)(nil)

// NewKeyPairRepository creates a new key pair repository
func NewKeyPairRepository(db *DB) *KeyPairRepository {
	return &KeyPairRepository{db: db}
}

// Create stores a new key pair
func (r *KeyPairRepository) Create(ctx context.Context, kp *keypair.KeyPair) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO key_pairs (
			id, type, algorithm, public_key, private_key_encrypted, active, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		kp.ID, string(kp.Type), string(kp.Algorithm), kp.PublicKey, kp.EncryptedPrivateKey, kp.Active, kp.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create key pair: %w", err)
	}
	return nil
}

// ListActiveSince retrieves active key pairs created at or after cutoff
func (r *KeyPairRepository) ListActiveSince(ctx context.Context, cutoff time.Time) ([]*keypair.KeyPair, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT id, type, algorithm, public_key, private_key_encrypted, active, created_at
		FROM key_pairs
		WHERE active AND created_at >= $1
		ORDER BY created_at DESC
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list key pairs: %w", err)
	}
	return collectKeyPairs(rows)
}

// InvalidateBefore marks key pairs created before cutoff inactive
func (r *KeyPairRepository) InvalidateBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.pool.Exec(ctx, `
		UPDATE key_pairs SET active = false WHERE active AND created_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate key pairs: %w", err)
	}
	return result.RowsAffected(), nil
}

// ListAll retrieves every key pair
func (r *KeyPairRepository) ListAll(ctx context.Context) ([]*keypair.KeyPair, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT id, type, algorithm, public_key, private_key_encrypted, active, created_at
		FROM key_pairs
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list key pairs: %w", err)
	}
	return collectKeyPairs(rows)
}

func collectKeyPairs(rows pgx.Rows) ([]*keypair.KeyPair, error) {
	pairs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*keypair.KeyPair, error) {
		var kp keypair.KeyPair
		var typ, alg string
		if err := row.Scan(&kp.ID, &typ, &alg, &kp.PublicKey, &kp.EncryptedPrivateKey, &kp.Active, &kp.CreatedAt); err != nil {
			return nil, err
		}
		kp.Type = keypair.Type(typ)
		kp.Algorithm = keypair.Algorithm(alg)
		kp.CreatedAt = kp.CreatedAt.UTC()
		return &kp, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan key pair: %w", err)
	}
	return pairs, nil
}
