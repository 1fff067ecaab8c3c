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

package keypair

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/opentrusty/authzstore/internal/audit"
	"github.com/opentrusty/authzstore/internal/observability/logger"
)

const defaultKeyBits = 2048

// Service manages key pairs
type Service struct {
	repo        Repository
	cipher      Cipher
	auditLogger audit.Logger
	log         *slog.Logger
	keyBits     int
	now         func() time.Time
}

// NewService creates a new key pair service
func NewService(repo Repository, cipher Cipher, auditLogger audit.Logger, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		repo:        repo,
		cipher:      cipher,
		auditLogger: auditLogger,
		log:         log.With(logger.Component("keypair")),
		keyBits:     defaultKeyBits,
		now:         time.Now,
	}
}

// Save encrypts the private key and stores the pair. The public key is
// stored as-is. kp receives the assigned id and creation time.
func (s *Service) Save(ctx context.Context, kp *KeyPair) error {
	if kp == nil || kp.PublicKey == "" || kp.PrivateKey == "" || !kp.Type.Valid() {
		return ErrInvalidKeyPair
	}
	if kp.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate key pair id: %w", err)
		}
		kp.ID = id.String()
	}
	if kp.CreatedAt.IsZero() {
		kp.CreatedAt = s.now().UTC()
	}
	if kp.Algorithm == "" {
		kp.Algorithm = AlgorithmRS256
	}
	kp.Active = true

	encrypted, err := s.cipher.Encrypt(kp.PrivateKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt private key: %w", err)
	}
	kp.EncryptedPrivateKey = encrypted

	stored := *kp
	stored.PrivateKey = ""
	if err := s.repo.Create(ctx, &stored); err != nil {
		return err
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeKeyPairCreated,
		Resource: kp.ID,
		Metadata: map[string]any{"key_pair_id": kp.ID, "type": string(kp.Type), "algorithm": string(kp.Algorithm)},
	})
	s.log.InfoContext(ctx, "key pair saved", logger.KeyPairID(kp.ID), logger.String("type", string(kp.Type)))
	return nil
}

// Generate creates a fresh RSA key pair of type t and saves it.
func (s *Service) Generate(ctx context.Context, t Type) (*KeyPair, error) {
	if !t.Valid() {
		return nil, ErrInvalidKeyPair
	}
	key, err := rsa.GenerateKey(rand.Reader, s.keyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate rsa key: %w", err)
	}

	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}

	kp := &KeyPair{
		PublicKey:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pub})),
		PrivateKey: string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})),
		Type:       t,
		Algorithm:  AlgorithmRS256,
	}
	if err := s.Save(ctx, kp); err != nil {
		return nil, err
	}
	return kp, nil
}

// FindActiveKeyPairs returns active pairs created at or after cutoff with
// their private keys decrypted, newest first.
func (s *Service) FindActiveKeyPairs(ctx context.Context, cutoff time.Time) ([]*KeyPair, error) {
	pairs, err := s.repo.ListActiveSince(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	for _, kp := range pairs {
		plain, err := s.cipher.Decrypt(kp.EncryptedPrivateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt private key %s: %w", kp.ID, err)
		}
		kp.PrivateKey = plain
	}
	return pairs, nil
}

// InvalidateKeyPairs marks every pair created before cutoff inactive. The
// rows remain so tokens they signed still verify.
func (s *Service) InvalidateKeyPairs(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := s.repo.InvalidateBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeKeyPairsInvalidated,
		Metadata: map[string]any{"cutoff": cutoff.UTC(), "invalidated_count": n},
	})
	s.log.InfoContext(ctx, "key pairs invalidated", logger.RowsAffected(n))
	return n, nil
}

// Rotate generates a new signing key and invalidates pairs older than window.
func (s *Service) Rotate(ctx context.Context, window time.Duration) (*KeyPair, error) {
	kp, err := s.Generate(ctx, TypeSigning)
	if err != nil {
		return nil, err
	}
	if _, err := s.InvalidateKeyPairs(ctx, s.now().Add(-window)); err != nil {
		return nil, err
	}
	return kp, nil
}

// VerificationKeys returns every stored pair without private material.
func (s *Service) VerificationKeys(ctx context.Context) ([]*KeyPair, error) {
	pairs, err := s.repo.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, kp := range pairs {
		kp.PrivateKey = ""
		kp.EncryptedPrivateKey = ""
	}
	return pairs, nil
}

// Sign signs claims with the newest active signing key, setting its id as kid.
func (s *Service) Sign(ctx context.Context, claims jwt.Claims) (string, error) {
	pairs, err := s.FindActiveKeyPairs(ctx, time.Time{})
	if err != nil {
		return "", err
	}

	var signer *KeyPair
	for _, kp := range pairs {
		if kp.Type == TypeSigning && (signer == nil || kp.CreatedAt.After(signer.CreatedAt)) {
			signer = kp
		}
	}
	if signer == nil {
		return "", ErrNoSigningKey
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(signer.PrivateKey))
	if err != nil {
		return "", fmt.Errorf("failed to parse private key %s: %w", signer.ID, err)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = signer.ID
	return token.SignedString(key)
}

// Verify parses and validates a token signed by any stored pair, including
// invalidated ones. claims receives the token claims.
func (s *Service) Verify(ctx context.Context, tokenString string, claims jwt.Claims) (*jwt.Token, error) {
	pairs, err := s.VerificationKeys(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*KeyPair, len(pairs))
	for _, kp := range pairs {
		byID[kp.ID] = kp
	}

	return jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		kp, ok := byID[kid]
		if !ok {
			return nil, ErrUnknownKeyID
		}
		return jwt.ParseRSAPublicKeyFromPEM([]byte(kp.PublicKey))
	}, jwt.WithValidMethods([]string{string(AlgorithmRS256)}))
}

// JWK represents a JSON Web Key (RFC 7517)
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKS represents a JSON Web Key Set (RFC 7517)
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWKS publishes the public half of every signing pair.
func (s *Service) JWKS(ctx context.Context) (JWKS, error) {
	pairs, err := s.VerificationKeys(ctx)
	if err != nil {
		return JWKS{}, err
	}

	set := JWKS{Keys: []JWK{}}
	for _, kp := range pairs {
		if kp.Type != TypeSigning {
			continue
		}
		pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(kp.PublicKey))
		if err != nil {
			s.log.WarnContext(ctx, "skipping unparsable public key", logger.KeyPairID(kp.ID), logger.Error(err))
			continue
		}
		set.Keys = append(set.Keys, JWK{
			Kty: "RSA",
			Use: "sig",
			Alg: string(kp.Algorithm),
			Kid: kp.ID,
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		})
	}
	return set, nil
}
