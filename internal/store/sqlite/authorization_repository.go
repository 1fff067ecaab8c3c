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
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

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

// Save inserts or fully replaces a record
func (r *AuthorizationRepository) Save(ctx context.Context, rec *authorization.StoredRecord) error {
	scopes, err := jsonText(rec.AuthorizedScopes)
	if err != nil {
		return err
	}
	attrs, err := jsonText(rec.Attributes)
	if err != nil {
		return err
	}
	code, err := columnsOf(rec.AuthorizationCode)
	if err != nil {
		return err
	}
	access, err := columnsOf(rec.AccessToken)
	if err != nil {
		return err
	}
	refresh, err := columnsOf(rec.RefreshToken)
	if err != nil {
		return err
	}

	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err = r.db.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO oauth2_authorizations (`+authorizationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID, rec.TenantID, rec.RegisteredClientID, rec.PrincipalName, string(rec.GrantType),
		scopes, attrs, nullString(rec.State),
		code.value, code.hash, code.issuedAt, code.expiresAt, code.metadata,
		access.value, access.hash, access.issuedAt, access.expiresAt, access.metadata, access.scopes,
		refresh.value, refresh.hash, refresh.issuedAt, refresh.expiresAt, refresh.metadata,
		rec.Invalidated, updatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save authorization: %w", err)
	}
	return nil
}

// Delete removes a record
func (r *AuthorizationRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.db.ExecContext(ctx, `DELETE FROM oauth2_authorizations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete authorization: %w", err)
	}
	return nil
}

// Invalidate soft-deletes a record
func (r *AuthorizationRepository) Invalidate(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.db.ExecContext(ctx, `
		UPDATE oauth2_authorizations SET invalidated = 1, updated_at = ? WHERE id = ?
	`, at.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to invalidate authorization: %w", err)
	}
	return nil
}

// FindByID retrieves a live record
func (r *AuthorizationRepository) FindByID(ctx context.Context, id string) (*authorization.StoredRecord, error) {
	row := r.db.db.QueryRowContext(ctx, `
		SELECT `+authorizationColumns+`
		FROM oauth2_authorizations
		WHERE id = ? AND invalidated = 0
	`, id)
	return scanOne(row)
}

// FindByToken retrieves a live record by state or token hash
func (r *AuthorizationRepository) FindByToken(ctx context.Context, lookup authorization.TokenLookup) (*authorization.StoredRecord, error) {
	var where string
	args := []any{}
	switch lookup.Type {
	case authorization.TokenTypeState:
		where = "state = ?"
		args = append(args, lookup.State)
	case authorization.TokenTypeAuthorizationCode:
		where = "authorization_code_hash = ?"
		args = append(args, lookup.Hash)
	case authorization.TokenTypeAccessToken:
		where = "access_token_hash = ?"
		args = append(args, lookup.Hash)
	case authorization.TokenTypeRefreshToken:
		where = "refresh_token_hash = ?"
		args = append(args, lookup.Hash)
	case authorization.TokenTypeAny:
		where = "(state = ? OR authorization_code_hash = ? OR access_token_hash = ? OR refresh_token_hash = ?)"
		args = append(args, lookup.State, lookup.Hash, lookup.Hash, lookup.Hash)
	default:
		return nil, authorization.ErrInvalidTokenType
	}

	row := r.db.db.QueryRowContext(ctx, `
		SELECT `+authorizationColumns+`
		FROM oauth2_authorizations
		WHERE `+where+` AND invalidated = 0
		LIMIT 1
	`, args...)
	return scanOne(row)
}

// FindByClient retrieves all live records of a tenant's client
func (r *AuthorizationRepository) FindByClient(ctx context.Context, tenantID, clientID string) ([]*authorization.StoredRecord, error) {
	rows, err := r.db.db.QueryContext(ctx, `
		SELECT `+authorizationColumns+`
		FROM oauth2_authorizations
		WHERE tenant_id = ? AND registered_client_id = ? AND invalidated = 0
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
	result, err := r.db.db.ExecContext(ctx, `
		DELETE FROM oauth2_authorizations WHERE tenant_id = ? AND registered_client_id = ?
	`, tenantID, clientID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete client authorizations: %w", err)
	}
	return result.RowsAffected()
}

// DeleteExpired removes records whose every token expired before the cutoff.
// A token without an expiry never expires. Records without tokens age out by
// their last update.
func (r *AuthorizationRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.db.ExecContext(ctx, `
		DELETE FROM oauth2_authorizations
		WHERE NOT (authorization_code_value IS NOT NULL AND authorization_code_expires_at IS NULL)
		AND NOT (access_token_value IS NOT NULL AND access_token_expires_at IS NULL)
		AND NOT (refresh_token_value IS NOT NULL AND refresh_token_expires_at IS NULL)
		AND COALESCE(NULLIF(MAX(
			COALESCE(authorization_code_expires_at, 0),
			COALESCE(access_token_expires_at, 0),
			COALESCE(refresh_token_expires_at, 0)), 0), updated_at) < ?
	`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired authorizations: %w", err)
	}
	return result.RowsAffected()
}

// Ping checks store connectivity
func (r *AuthorizationRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

type tokenColumns struct {
	value     sql.NullString
	hash      sql.NullString
	issuedAt  sql.NullInt64
	expiresAt sql.NullInt64
	metadata  sql.NullString
	scopes    sql.NullString
}

func columnsOf(t *authorization.StoredToken) (tokenColumns, error) {
	if t == nil {
		return tokenColumns{}, nil
	}
	metadata, err := jsonText(t.Metadata)
	if err != nil {
		return tokenColumns{}, err
	}
	scopes, err := jsonText(t.Scopes)
	if err != nil {
		return tokenColumns{}, err
	}
	return tokenColumns{
		value:     sql.NullString{String: t.Ciphertext, Valid: true},
		hash:      sql.NullString{String: t.Hash, Valid: true},
		issuedAt:  nanos(t.IssuedAt),
		expiresAt: nanos(t.ExpiresAt),
		metadata:  metadata,
		scopes:    scopes,
	}, nil
}

func (c *tokenColumns) token() (*authorization.StoredToken, error) {
	if !c.value.Valid {
		return nil, nil
	}
	t := &authorization.StoredToken{
		Ciphertext: c.value.String,
		Hash:       c.hash.String,
		IssuedAt:   fromNanos(c.issuedAt),
		ExpiresAt:  fromNanos(c.expiresAt),
	}
	if err := fromJSONText(c.metadata, &t.Metadata); err != nil {
		return nil, err
	}
	if err := fromJSONText(c.scopes, &t.Scopes); err != nil {
		return nil, err
	}
	return t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOne(row rowScanner) (*authorization.StoredRecord, error) {
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, authorization.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get authorization: %w", err)
	}
	return rec, nil
}

func scanRecord(row rowScanner) (*authorization.StoredRecord, error) {
	var rec authorization.StoredRecord
	var grantType string
	var scopes, attrs, state sql.NullString
	var code, access, refresh tokenColumns
	var updatedAt int64

	err := row.Scan(
		&rec.ID, &rec.TenantID, &rec.RegisteredClientID, &rec.PrincipalName, &grantType,
		&scopes, &attrs, &state,
		&code.value, &code.hash, &code.issuedAt, &code.expiresAt, &code.metadata,
		&access.value, &access.hash, &access.issuedAt, &access.expiresAt, &access.metadata, &access.scopes,
		&refresh.value, &refresh.hash, &refresh.issuedAt, &refresh.expiresAt, &refresh.metadata,
		&rec.Invalidated, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.GrantType = authorization.GrantType(grantType)
	rec.State = state.String
	rec.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if err := fromJSONText(scopes, &rec.AuthorizedScopes); err != nil {
		return nil, err
	}
	if err := fromJSONText(attrs, &rec.Attributes); err != nil {
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
	return &rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nanos(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return time.Unix(0, n.Int64).UTC()
}

// jsonText encodes v, mapping nil slices and maps to NULL.
func jsonText[T any](v T) (sql.NullString, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode column: %w", err)
	}
	if string(data) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// fromJSONText decodes s into dst. Numbers inside free-form maps come back as
// json.Number.
func fromJSONText(s sql.NullString, dst any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	dec := json.NewDecoder(strings.NewReader(s.String))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("failed to decode column: %w", err)
	}
	return nil
}
