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

// Package cipher encrypts token material at rest and derives the one-way
// lookup hashes used wherever a token value doubles as an indexed key.
package cipher

import (
	"crypto/aes"
	gocipher "crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrInvalidMasterKey    = errors.New("master key must be at least 32 bytes")
	ErrCiphertextTooShort  = errors.New("ciphertext too short")
	ErrMalformedCiphertext = errors.New("malformed ciphertext")
)

const (
	encryptionInfo = "authzstore/token-encryption/v1"
	lookupInfo     = "authzstore/token-lookup/v1"
)

// AESCipher encrypts strings with AES-256-GCM. Every call draws a fresh
// nonce, so equal plaintexts produce different ciphertexts.
type AESCipher struct {
	aead gocipher.AEAD
}

// HMACHasher produces deterministic HMAC-SHA256 digests for lookup columns.
type HMACHasher struct {
	key []byte
}

// New derives an encryption key and a lookup key from masterKey and returns
// the cipher and hasher built on them.
func New(masterKey []byte) (*AESCipher, *HMACHasher, error) {
	if len(masterKey) < 32 {
		return nil, nil, ErrInvalidMasterKey
	}

	encKey, err := derive(masterKey, encryptionInfo)
	if err != nil {
		return nil, nil, err
	}
	lookupKey, err := derive(masterKey, lookupInfo)
	if err != nil {
		return nil, nil, err
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create block cipher: %w", err)
	}
	aead, err := gocipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create gcm: %w", err)
	}

	return &AESCipher{aead: aead}, &HMACHasher{key: lookupKey}, nil
}

func derive(masterKey []byte, info string) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, masterKey, nil, []byte(info))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext and returns nonce||ciphertext, base64url encoded.
func (c *AESCipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to read nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (c *AESCipher) Decrypt(ciphertext string) (string, error) {
	data, err := base64.RawURLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrMalformedCiphertext
	}

	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize {
		return "", ErrCiphertextTooShort
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to open ciphertext: %w", err)
	}
	return string(plaintext), nil
}

// Hash returns the lookup digest of value.
func (h *HMACHasher) Hash(value string) string {
	mac := hmac.New(sha256.New, h.key)
	mac.Write([]byte(value))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
