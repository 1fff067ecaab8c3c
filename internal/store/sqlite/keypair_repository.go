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

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

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
	_, err := r.db.db.ExecContext(ctx, `
		INSERT INTO key_pairs (id, type, algorithm, public_key, private_key_encrypted, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, kp.ID, string(kp.Type), string(kp.Algorithm), kp.PublicKey, kp.EncryptedPrivateKey, kp.Active, kp.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to create key pair: %w", err)
	}
	return nil
}

// ListActiveSince retrieves active key pairs created at or after cutoff
func (r *KeyPairRepository) ListActiveSince(ctx context.Context, cutoff time.Time) ([]*keypair.KeyPair, error) {
	rows, err := r.db.db.QueryContext(ctx, `
		SELECT id, type, algorithm, public_key, private_key_encrypted, active, created_at
		FROM key_pairs
		WHERE active = 1 AND created_at >= ?
		ORDER BY created_at DESC
	`, cutoffNanos(cutoff))
	if err != nil {
		return nil, fmt.Errorf("failed to list key pairs: %w", err)
	}
	return collectKeyPairs(rows)
}

// InvalidateBefore marks key pairs created before cutoff inactive
func (r *KeyPairRepository) InvalidateBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.db.ExecContext(ctx, `
		UPDATE key_pairs SET active = 0 WHERE active = 1 AND created_at < ?
	`, cutoffNanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate key pairs: %w", err)
	}
	return result.RowsAffected()
}

// ListAll retrieves every key pair
func (r *KeyPairRepository) ListAll(ctx context.Context) ([]*keypair.KeyPair, error) {
	rows, err := r.db.db.QueryContext(ctx, `
		SELECT id, type, algorithm, public_key, private_key_encrypted, active, created_at
		FROM key_pairs
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list key pairs: %w", err)
	}
	return collectKeyPairs(rows)
}

// cutoffNanos maps the zero time to the smallest cutoff; its UnixNano is
// undefined.
func cutoffNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func collectKeyPairs(rows *sql.Rows) ([]*keypair.KeyPair, error) {
	defer rows.Close()

	var pairs []*keypair.KeyPair
	for rows.Next() {
		var kp keypair.KeyPair
		var typ, alg string
		var createdAt int64
		if err := rows.Scan(&kp.ID, &typ, &alg, &kp.PublicKey, &kp.EncryptedPrivateKey, &kp.Active, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan key pair: %w", err)
		}
		kp.Type = keypair.Type(typ)
		kp.Algorithm = keypair.Algorithm(alg)
		kp.CreatedAt = time.Unix(0, createdAt).UTC()
		pairs = append(pairs, &kp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list key pairs: %w", err)
	}
	return pairs, nil
}
