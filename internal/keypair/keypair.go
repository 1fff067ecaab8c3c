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

// Package keypair persists the asymmetric key pairs used to sign and encrypt
// tokens. Private keys are encrypted at rest; rotation invalidates old pairs
// without deleting them so previously signed tokens still verify.
package keypair

import (
	"context"
	"errors"
	"time"
)

// Type represents the intended use of a key pair
type Type string

const (
	TypeSigning    Type = "signing"
	TypeEncryption Type = "encryption"
)

// Valid reports whether t is a known key pair type.
func (t Type) Valid() bool {
	return t == TypeSigning || t == TypeEncryption
}

// Algorithm represents the signing algorithm
type Algorithm string

const (
	AlgorithmRS256 Algorithm = "RS256"
)

// KeyPair is one RSA key pair. PrivateKey is only populated in memory;
// the store sees EncryptedPrivateKey.
type KeyPair struct {
	ID                  string
	PublicKey           string // PEM encoded
	PrivateKey          string // PEM encoded, plaintext
	EncryptedPrivateKey string
	Type                Type
	Algorithm           Algorithm
	CreatedAt           time.Time
	Active              bool
}

// Domain errors
var (
	ErrKeyPairNotFound = errors.New("key pair not found")
	ErrInvalidKeyPair  = errors.New("invalid key pair")
	ErrNoSigningKey    = errors.New("no active signing key")
	ErrUnknownKeyID    = errors.New("unknown key id")
)

// Repository defines the interface for key pair persistence
type Repository interface {
	// Create stores a new key pair
	Create(ctx context.Context, kp *KeyPair) error

	// ListActiveSince returns active key pairs created at or after cutoff,
	// newest first
	ListActiveSince(ctx context.Context, cutoff time.Time) ([]*KeyPair, error)

	// InvalidateBefore marks key pairs created before cutoff inactive
	InvalidateBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// ListAll returns every key pair, active or not, newest first
	ListAll(ctx context.Context) ([]*KeyPair, error)
}

// Cipher encrypts private keys at rest.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}
