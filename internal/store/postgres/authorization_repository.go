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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/opentrusty/authzstore/internal/authorization"
)

const authorizationColumns = `
	id, tenant_id, registered_client_id, principal_name, grant_type,
	authorized_scopes, attributes, state,
	authorization_code_value, authorization_code_hash, authorization_code_issued_at,
	authorization_code_expires_at, authorization_code_metadata,
	access_token_value, access_token_hash, access_token_issued_at,
	access_token_expires_at, access_token_metadata, access_token_scopes,
	refresh_token_value, refresh_token_hash, refresh_token_issued_at,
	refresh_token_expires_at, refresh_token_metadata,
	invalidated, updated_at`

// AuthorizationRepository implements authorization.Store
type AuthorizationRepository struct {
	db *DB
}

var _ authorization.Store = (*AuthorizationRepository)(nil)

// NewAuthorizationRepository creates a new authorization repository
func NewAuthorizationRepository(db *DB) *AuthorizationRepository {
	return &AuthorizationRepository{db: db}
}

// Save inserts or fully replaces a record. The last write wins.
func (r *AuthorizationRepository) Save(ctx context.Context, rec *authorization.StoredRecord) error {
	code := columnsOf(rec.AuthorizationCode)
	access := columnsOf(rec.AccessToken)
	refresh := columnsOf(rec.RefreshToken)

	var state *string
	if rec.State != "" {
		state = &rec.State
	}
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO oauth2_authorizations (`+authorizationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)
		ON CONFLICT (id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			registered_client_id = EXCLUDED.registered_client_id,
			principal_name = EXCLUDED.principal_name,
			grant_type = EXCLUDED.grant_type,
			authorized_scopes = EXCLUDED.authorized_scopes,
			attributes = EXCLUDED.attributes,
			state = EXCLUDED.state,
			authorization_code_value = EXCLUDED.authorization_code_value,
			authorization_code_hash = EXCLUDED.authorization_code_hash,
			authorization_code_issued_at = EXCLUDED.authorization_code_issued_at,
			authorization_code_expires_at = EXCLUDED.authorization_code_expires_at,
			authorization_code_metadata = EXCLUDED.authorization_code_metadata,
			access_token_value = EXCLUDED.access_token_value,
			access_token_hash = EXCLUDED.access_token_hash,
			access_token_issued_at = EXCLUDED.access_token_issued_at,
			access_token_expires_at = EXCLUDED.access_token_expires_at,
			access_token_metadata = EXCLUDED.access_token_metadata,
			access_token_scopes = EXCLUDED.access_token_scopes,
			refresh_token_value = EXCLUDED.refresh_token_value,
			refresh_token_hash = EXCLUDED.refresh_token_hash,
			refresh_token_issued_at = EXCLUDED.refresh_token_issued_at,
			refresh_token_expires_at = EXCLUDED.refresh_token_expires_at,
			refresh_token_metadata = EXCLUDED.refresh_token_metadata,
			invalidated = EXCLUDED.invalidated,
			updated_at = EXCLUDED.updated_at
	`,
		rec.ID, rec.TenantID, rec.RegisteredClientID, rec.PrincipalName, string(rec.GrantType),
		rec.AuthorizedScopes, rec.Attributes, state,
		code.value, code.hash, code.issuedAt, code.expiresAt, code.metadata,
		access.value, access.hash, access.issuedAt, access.expiresAt, access.metadata, access.scopes,
		refresh.value, refresh.hash, refresh.issuedAt, refresh.expiresAt, refresh.metadata,
		rec.Invalidated, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save authorization: %w", err)
	}
	return nil
}

// Delete removes a record
func (r *AuthorizationRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.pool.Exec(ctx, `DELETE FROM oauth2_authorizations WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete authorization: %w", err)
	}
	return nil
}

// Invalidate soft-deletes a record
func (r *AuthorizationRepository) Invalidate(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.pool.Exec(ctx, `
		UPDATE oauth2_authorizations SET invalidated = true, updated_at = $2
		WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("failed to invalidate authorization: %w", err)
	}
	return nil
}

// FindByID retrieves a live record
func (r *AuthorizationRepository) FindByID(ctx context.Context, id string) (*authorization.StoredRecord, error) {
	row := r.db.pool.QueryRow(ctx, `
		SELECT `+authorizationColumns+`
		FROM oauth2_authorizations
		WHERE id = $1 AND NOT invalidated
	`, id)
	return scanOne(row)
}

// FindByToken retrieves a live record by state or token hash
func (r *AuthorizationRepository) FindByToken(ctx context.Context, lookup authorization.TokenLookup) (*authorization.StoredRecord, error) {
	var where string
	var arg string
	switch lookup.Type {
	case authorization.TokenTypeState:
		where, arg = "state = $1", lookup.State
	case authorization.TokenTypeAuthorizationCode:
		where, arg = "authorization_code_hash = $1", lookup.Hash
	case authorization.TokenTypeAccessToken:
		where, arg = "access_token_hash = $1", lookup.Hash
	case authorization.TokenTypeRefreshToken:
		where, arg = "refresh_token_hash = $1", lookup.Hash
	case authorization.TokenTypeAny:
		row := r.db.pool.QueryRow(ctx, `
			SELECT `+authorizationColumns+`
			FROM oauth2_authorizations
			WHERE NOT invalidated AND (
				state = $1 OR authorization_code_hash = $2
				OR access_token_hash = $2 OR refresh_token_hash = $2)
			LIMIT 1
		`, lookup.State, lookup.Hash)
		return scanOne(row)
	default:
		return nil, authorization.ErrInvalidTokenType
	}

	row := r.db.pool.QueryRow(ctx, `
		SELECT `+authorizationColumns+`
		FROM oauth2_authorizations
		WHERE `+where+` AND NOT invalidated
		LIMIT 1
	`, arg)
	return scanOne(row)
}

// FindByClient retrieves all live records of a tenant's client
func (r *AuthorizationRepository) FindByClient(ctx context.Context, tenantID, clientID string) ([]*authorization.StoredRecord, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT `+authorizationColumns+`
		FROM oauth2_authorizations
		WHERE tenant_id = $1 AND registered_client_id = $2 AND NOT invalidated
		ORDER BY updated_at
	`, tenantID, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list authorizations: %w", err)
	}
	defer rows.Close()

	var recs []*authorization.StoredRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan authorization: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list authorizations: %w", err)
	}
	return recs, nil
}

// DeleteByClient removes all records of a tenant's client
func (r *AuthorizationRepository) DeleteByClient(ctx context.Context, tenantID, clientID string) (int64, error) {
	result, err := r.db.pool.Exec(ctx, `
		DELETE FROM oauth2_authorizations WHERE tenant_id = $1 AND registered_client_id = $2
	`, tenantID, clientID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete client authorizations: %w", err)
	}
	return result.RowsAffected(), nil
}

// DeleteExpired removes records whose every token expired before the cutoff.
// A token without an expiry never expires. Records without tokens age out by
// their last update.
func (r *AuthorizationRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.pool.Exec(ctx, `
		DELETE FROM oauth2_authorizations
		WHERE NOT (authorization_code_value IS NOT NULL AND authorization_code_expires_at IS NULL)
		AND NOT (access_token_value IS NOT NULL AND access_token_expires_at IS NULL)
		AND NOT (refresh_token_value IS NOT NULL AND refresh_token_expires_at IS NULL)
		AND COALESCE(
			GREATEST(authorization_code_expires_at, access_token_expires_at, refresh_token_expires_at),
			updated_at) < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired authorizations: %w", err)
	}
	return result.RowsAffected(), nil
}

// Ping checks store connectivity
func (r *AuthorizationRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

// tokenColumns is the nullable column form of one stored token.
type tokenColumns struct {
	value     *string
	hash      *string
	issuedAt  *time.Time
	expiresAt *time.Time
	metadata  map[string]any
	scopes    []string

	rawMetadata []byte
}

func columnsOf(t *authorization.StoredToken) tokenColumns {
	if t == nil {
		return tokenColumns{}
	}
	c := tokenColumns{
		value:    &t.Ciphertext,
		hash:     &t.Hash,
		metadata: t.Metadata,
		scopes:   t.Scopes,
	}
	if !t.IssuedAt.IsZero() {
		c.issuedAt = &t.IssuedAt
	}
	if !t.ExpiresAt.IsZero() {
		c.expiresAt = &t.ExpiresAt
	}
	return c
}

func (c *tokenColumns) token() (*authorization.StoredToken, error) {
	if c.value == nil {
		return nil, nil
	}
	t := &authorization.StoredToken{
		Ciphertext: *c.value,
		Scopes:     c.scopes,
	}
	if err := decodeJSONB(c.rawMetadata, &t.Metadata); err != nil {
		return nil, err
	}
	if c.hash != nil {
		t.Hash = *c.hash
	}
	if c.issuedAt != nil {
		t.IssuedAt = c.issuedAt.UTC()
	}
	if c.expiresAt != nil {
		t.ExpiresAt = c.expiresAt.UTC()
	}
	return t, nil
}

// decodeJSONB decodes a JSONB column. Numbers inside free-form maps come back
// as json.Number.
func decodeJSONB(data []byte, dst any) error {
	if len(data) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("failed to decode column: %w", err)
	}
	return nil
}

func scanOne(row pgx.Row) (*authorization.StoredRecord, error) {
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, authorization.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get authorization: %w", err)
	}
	return rec, nil
}

func scanRecord(row pgx.Row) (*authorization.StoredRecord, error) {
	var rec authorization.StoredRecord
	var grantType string
	var state *string
	var attrs []byte
	var code, access, refresh tokenColumns

	err := row.Scan(
		&rec.ID, &rec.TenantID, &rec.RegisteredClientID, &rec.PrincipalName, &grantType,
		&rec.AuthorizedScopes, &attrs, &state,
		&code.value, &code.hash, &code.issuedAt, &code.expiresAt, &code.rawMetadata,
		&access.value, &access.hash, &access.issuedAt, &access.expiresAt, &access.rawMetadata, &access.scopes,
		&refresh.value, &refresh.hash, &refresh.issuedAt, &refresh.expiresAt, &refresh.rawMetadata,
		&rec.Invalidated, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.GrantType = authorization.GrantType(grantType)
	if state != nil {
		rec.State = *state
	}
	if err := decodeJSONB(attrs, &rec.Attributes); err != nil {
		return nil, err
	}
	if rec.AuthorizationCode, err = code.token(); err != nil {
		return nil, err
	}
	if rec.AccessToken, err = access.token(); err != nil {
		return nil, err
	}
	if rec.RefreshToken, err = refresh.token(); err != nil {
		return nil, err
	}
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}
