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

// Package propagation distributes authorization record changes between
// regions over a message broker, or in process for single-node deployments.
package propagation

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/opentrusty/authzstore/internal/authorization"
)

// ErrInvalidMessage is returned for messages that do not carry a record.
var ErrInvalidMessage = errors.New("invalid propagation message")

// Token is the wire form of a stored token. Ciphertext is encrypted, or the
// redaction marker on tombstones.
type Token struct {
	Ciphertext string         `cbor:"1,keyasint" json:"ciphertext"`
	Hash       string         `cbor:"2,keyasint" json:"hash"`
	IssuedAt   time.Time      `cbor:"3,keyasint,omitempty" json:"issued_at,omitempty"`
	ExpiresAt  time.Time      `cbor:"4,keyasint,omitempty" json:"expires_at,omitempty"`
	Metadata   map[string]any `cbor:"5,keyasint,omitempty" json:"metadata,omitempty"`
	Scopes     []string       `cbor:"6,keyasint,omitempty" json:"scopes,omitempty"`
}

// Message is the wire representation of an authorization record change.
// Timestamps are absolute UTC.
type Message struct {
	MessageID    string    `cbor:"1,keyasint" json:"message_id"`
	OriginRegion string    `cbor:"2,keyasint" json:"origin_region"`
	OccurredAt   time.Time `cbor:"3,keyasint" json:"occurred_at"`

	ID                 string         `cbor:"10,keyasint" json:"id"`
	TenantID           string         `cbor:"11,keyasint,omitempty" json:"tenant_id,omitempty"`
	RegisteredClientID string         `cbor:"12,keyasint" json:"registered_client_id"`
	PrincipalName      string         `cbor:"13,keyasint,omitempty" json:"principal_name,omitempty"`
	GrantType          string         `cbor:"14,keyasint,omitempty" json:"grant_type,omitempty"`
	AuthorizedScopes   []string       `cbor:"15,keyasint,omitempty" json:"authorized_scopes,omitempty"`
	Attributes         map[string]any `cbor:"16,keyasint,omitempty" json:"attributes,omitempty"`
	State              string         `cbor:"17,keyasint,omitempty" json:"state,omitempty"`

	AuthorizationCode *Token `cbor:"20,keyasint,omitempty" json:"authorization_code,omitempty"`
	AccessToken       *Token `cbor:"21,keyasint,omitempty" json:"access_token,omitempty"`
	RefreshToken      *Token `cbor:"22,keyasint,omitempty" json:"refresh_token,omitempty"`

	Invalidated bool      `cbor:"30,keyasint" json:"invalidated"`
	UpdatedAt   time.Time `cbor:"31,keyasint,omitempty" json:"updated_at,omitempty"`
}

// NewMessage converts a change into its wire form with a fresh message id.
func NewMessage(change *authorization.Change) (*Message, error) {
	if change == nil || change.Record == nil || change.Record.ID == "" {
		return nil, ErrInvalidMessage
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	msg := fromStored(change.Record)
	msg.MessageID = id.String()
	msg.OriginRegion = change.OriginRegion
	msg.OccurredAt = change.OccurredAt.UTC()
	return msg, nil
}

// Change converts the message back into a change.
func (m *Message) Change() (*authorization.Change, error) {
	if m.ID == "" {
		return nil, ErrInvalidMessage
	}
	return &authorization.Change{
		Record:       m.Stored(),
		OriginRegion: m.OriginRegion,
		OccurredAt:   m.OccurredAt,
	}, nil
}

// Stored returns the record carried by the message.
func (m *Message) Stored() *authorization.StoredRecord {
	return &authorization.StoredRecord{
		ID:                 m.ID,
		TenantID:           m.TenantID,
		RegisteredClientID: m.RegisteredClientID,
		PrincipalName:      m.PrincipalName,
		GrantType:          authorization.GrantType(m.GrantType),
		AuthorizedScopes:   m.AuthorizedScopes,
		Attributes:         m.Attributes,
		State:              m.State,
		AuthorizationCode:  m.AuthorizationCode.stored(),
		AccessToken:        m.AccessToken.stored(),
		RefreshToken:       m.RefreshToken.stored(),
		Invalidated:        m.Invalidated,
		UpdatedAt:          m.UpdatedAt,
	}
}

func fromStored(rec *authorization.StoredRecord) *Message {
	return &Message{
		ID:                 rec.ID,
		TenantID:           rec.TenantID,
		RegisteredClientID: rec.RegisteredClientID,
		PrincipalName:      rec.PrincipalName,
		GrantType:          string(rec.GrantType),
		AuthorizedScopes:   rec.AuthorizedScopes,
		Attributes:         rec.Attributes,
		State:              rec.State,
		AuthorizationCode:  wireToken(rec.AuthorizationCode),
		AccessToken:        wireToken(rec.AccessToken),
		RefreshToken:       wireToken(rec.RefreshToken),
		Invalidated:        rec.Invalidated,
		UpdatedAt:          rec.UpdatedAt.UTC(),
	}
}

func wireToken(t *authorization.StoredToken) *Token {
	if t == nil {
		return nil
	}
	return &Token{
		Ciphertext: t.Ciphertext,
		Hash:       t.Hash,
		IssuedAt:   t.IssuedAt.UTC(),
		ExpiresAt:  t.ExpiresAt.UTC(),
		Metadata:   t.Metadata,
		Scopes:     t.Scopes,
	}
}

func (t *Token) stored() *authorization.StoredToken {
	if t == nil {
		return nil
	}
	return &authorization.StoredToken{
		Ciphertext: t.Ciphertext,
		Hash:       t.Hash,
		IssuedAt:   t.IssuedAt,
		ExpiresAt:  t.ExpiresAt,
		Metadata:   t.Metadata,
		Scopes:     t.Scopes,
	}
}
