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
	"maps"
	"slices"
	"time"
)

// GrantType identifies the OAuth2 grant that produced a record. Extension
// grants use their own URN or name.
type GrantType string

const (
	GrantTypeAuthorizationCode GrantType = "authorization_code"
	GrantTypeClientCredentials GrantType = "client_credentials"
	GrantTypeRefreshToken      GrantType = "refresh_token"
)

// TokenType selects the lookup column used by FindByToken.
type TokenType string

const (
	// TokenTypeAny matches state, authorization code, access token or refresh token.
	TokenTypeAny               TokenType = ""
	TokenTypeState             TokenType = "state"
	TokenTypeAuthorizationCode TokenType = "authorization_code"
	TokenTypeAccessToken       TokenType = "access_token"
	TokenTypeRefreshToken      TokenType = "refresh_token"
)

// Valid reports whether t is a known token type.
func (t TokenType) Valid() bool {
	switch t {
	case TokenTypeAny, TokenTypeState, TokenTypeAuthorizationCode, TokenTypeAccessToken, TokenTypeRefreshToken:
		return true
	}
	return false
}

// AttributeState is the attribute key carrying the OAuth2 state parameter.
const AttributeState = "state"

// RedactedValue replaces token ciphertexts in tombstones.
const RedactedValue = "[REDACTED]"

// Profile selects deployment-specific storage behavior.
type Profile string

const (
	// ProfileStandard deletes removed records.
	ProfileStandard Profile = "standard"
	// ProfileSaaS soft-invalidates removed records and enables cross-region lookups.
	ProfileSaaS Profile = "saas"
)

// Token is one issued token value with its validity window.
// Scopes is only meaningful for access tokens.
type Token struct {
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Metadata  map[string]any
	Scopes    []string
}

func (t *Token) clone() *Token {
	if t == nil {
		return nil
	}
	c := *t
	c.Metadata = maps.Clone(t.Metadata)
	c.Scopes = slices.Clone(t.Scopes)
	return &c
}

// Record is one OAuth2 grant instance. Token values are plaintext here and
// must only live in process memory.
type Record struct {
	ID                 string
	TenantID           string
	RegisteredClientID string
	PrincipalName      string
	GrantType          GrantType
	AuthorizedScopes   []string
	Attributes         map[string]any

	AuthorizationCode *Token
	AccessToken       *Token
	RefreshToken      *Token
}

// State returns the OAuth2 state parameter carried in the attributes.
func (r *Record) State() string {
	if v, ok := r.Attributes[AttributeState].(string); ok {
		return v
	}
	return ""
}

// Validate checks the invariants a record must hold before it is stored.
func (r *Record) Validate() error {
	if r == nil || r.ID == "" {
		return ErrInvalidRecord
	}
	if r.RegisteredClientID == "" {
		return ErrInvalidRecord
	}
	for _, t := range []*Token{r.AuthorizationCode, r.AccessToken, r.RefreshToken} {
		if t != nil && t.Value == "" {
			return ErrInvalidRecord
		}
	}
	return nil
}

// Clone returns a copy that shares no mutable state with r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.AuthorizedScopes = slices.Clone(r.AuthorizedScopes)
	c.Attributes = maps.Clone(r.Attributes)
	c.AuthorizationCode = r.AuthorizationCode.clone()
	c.AccessToken = r.AccessToken.clone()
	c.RefreshToken = r.RefreshToken.clone()
	return &c
}

// normalizeScopes sorts and de-duplicates a scope set.
func normalizeScopes(scopes []string) []string {
	if len(scopes) == 0 {
		return nil
	}
	out := slices.Clone(scopes)
	slices.Sort(out)
	return slices.Compact(out)
}

// StoredToken is the durable form of a Token: the value is encrypted and a
// keyed hash of the plaintext serves as the lookup column.
type StoredToken struct {
	Ciphertext string
	Hash       string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	Metadata   map[string]any
	Scopes     []string
}

// StoredRecord is the durable and wire representation of a Record.
type StoredRecord struct {
	ID                 string
	TenantID           string
	RegisteredClientID string
	PrincipalName      string
	GrantType          GrantType
	AuthorizedScopes   []string
	Attributes         map[string]any
	State              string

	AuthorizationCode *StoredToken
	AccessToken       *StoredToken
	RefreshToken      *StoredToken

	Invalidated bool
	UpdatedAt   time.Time
}

// Change is a record mutation announced to peer regions. A change whose
// record is invalidated is a tombstone.
type Change struct {
	Record       *StoredRecord
	OriginRegion string
	OccurredAt   time.Time

	// Confirm asks the publisher to wait for broker acknowledgement.
	Confirm bool
}

// IsTombstone reports whether the change removes the record.
func (c *Change) IsTombstone() bool {
	return c.Record != nil && c.Record.Invalidated
}

// CleanupRequest asks for removal of one record, or of every record issued to
// a tenant's client.
type CleanupRequest struct {
	RecordID           string `json:"record_id,omitempty"`
	TenantID           string `json:"tenant_id,omitempty"`
	RegisteredClientID string `json:"registered_client_id,omitempty"`
}
