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

package propagation

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentrusty/authzstore/internal/authorization"
	"github.com/opentrusty/authzstore/internal/cipher"
)

// TestPurpose: Validates that both wire codecs carry a change without loss.
// Scope: Unit Test
// Expected: The decoded change equals the published one, timestamps in UTC.
func TestCodec_ChangeRoundTrip(t *testing.T) {
	for _, name := range []string{CodecCBOR, CodecJSON} {
		t.Run(name, func(t *testing.T) {
			codec, err := NewCodec(name)
			require.NoError(t, err)

			msg, err := NewMessage(sampleChange())
			require.NoError(t, err)
			assert.NotEmpty(t, msg.MessageID)

			data, err := codec.Marshal(msg)
			require.NoError(t, err)

			var decoded Message
			require.NoError(t, codec.Unmarshal(data, &decoded))

			change, err := decoded.Change()
			require.NoError(t, err)
			assert.Equal(t, "eu", change.OriginRegion)
			assert.True(t, change.OccurredAt.Equal(testNow))
			assert.Equal(t, time.UTC, change.OccurredAt.Location())

			want := sampleStored()
			got := change.Record
			assert.Equal(t, want.ID, got.ID)
			assert.Equal(t, want.State, got.State)
			assert.Equal(t, want.AuthorizedScopes, got.AuthorizedScopes)
			assert.Equal(t, want.Attributes, got.Attributes)
			assert.Equal(t, want.AccessToken.Ciphertext, got.AccessToken.Ciphertext)
			assert.Equal(t, want.AccessToken.Hash, got.AccessToken.Hash)
			assert.Equal(t, want.AccessToken.Metadata, got.AccessToken.Metadata)
			assert.True(t, want.AccessToken.ExpiresAt.Equal(got.AccessToken.ExpiresAt))
			assert.Nil(t, got.AuthorizationCode)
			assert.False(t, change.IsTombstone())
		})
	}
}

func TestCodec_JSONKeepsIntegerAttributes(t *testing.T) {
	change := sampleChange()
	change.Record.Attributes["max_age"] = int64(9007199254740993)

	msg, err := NewMessage(change)
	require.NoError(t, err)
	data, err := JSONCodec{}.Marshal(msg)
	require.NoError(t, err)

	var decoded Message
	require.NoError(t, JSONCodec{}.Unmarshal(data, &decoded))
	got, err := decoded.Change()
	require.NoError(t, err)
	assert.Equal(t, json.Number("9007199254740993"), got.Record.Attributes["max_age"])
	assert.Equal(t, "Bearer", got.Record.AccessToken.Metadata["token_type"])
}

func TestCodec_Tombstone(t *testing.T) {
	codec, err := NewCBORCodec()
	require.NoError(t, err)

	change := sampleChange()
	change.Record.Invalidated = true
	change.Record.AccessToken.Ciphertext = authorization.RedactedValue

	msg, err := NewMessage(change)
	require.NoError(t, err)
	data, err := codec.Marshal(msg)
	require.NoError(t, err)

	var decoded Message
	require.NoError(t, codec.Unmarshal(data, &decoded))
	got, err := decoded.Change()
	require.NoError(t, err)
	assert.True(t, got.IsTombstone())
	assert.Equal(t, authorization.RedactedValue, got.Record.AccessToken.Ciphertext)
}

func TestCodec_Invalid(t *testing.T) {
	_, err := NewCodec("xml")
	assert.Error(t, err)

	_, err = NewMessage(&authorization.Change{})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = (&Message{}).Change()
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

// TestPurpose: Validates that records leave the process sealed when written to a distributed cache.
// Scope: Unit Test
// Security: No plaintext tokens in shared caches (CWE-312)
// Expected: Encoded bytes do not contain token values; decoding restores the record.
func TestCacheCodec_SealsRecord(t *testing.T) {
	c, h, err := cipher.New([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	codec, err := NewCBORCodec()
	require.NoError(t, err)
	cc := NewCacheCodec(authorization.NewSealer(c, h, time.Second), codec)

	rec := &authorization.Record{
		ID:                 "A1",
		RegisteredClientID: "client-1",
		Attributes:         map[string]any{authorization.AttributeState: "s1"},
		AccessToken: &authorization.Token{
			Value:     "tok-plaintext-value",
			IssuedAt:  testNow,
			ExpiresAt: testNow.Add(time.Minute),
		},
	}

	data, err := cc.EncodeRecord(context.Background(), rec)
	require.NoError(t, err)
	assert.False(t, bytes.Contains(data, []byte("tok-plaintext-value")))

	got, err := cc.DecodeRecord(context.Background(), data)
	require.NoError(t, err)
	assert.Equal(t, "tok-plaintext-value", got.AccessToken.Value)
	assert.Equal(t, "s1", got.State())

	_, err = cc.DecodeRecord(context.Background(), []byte{0xa0})
	assert.ErrorIs(t, err, ErrInvalidMessage)
}
