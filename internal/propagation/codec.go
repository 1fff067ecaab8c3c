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
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/opentrusty/authzstore/internal/authorization"
)

// Codec names accepted by NewCodec.
const (
	CodecCBOR = "cbor"
	CodecJSON = "json"
)

// Codec serializes messages for the wire.
type Codec interface {
	Marshal(msg *Message) ([]byte, error)
	Unmarshal(data []byte, msg *Message) error
	ContentType() string
}

// NewCodec returns the codec registered under name.
func NewCodec(name string) (Codec, error) {
	switch name {
	case "", CodecCBOR:
		return NewCBORCodec()
	case CodecJSON:
		return JSONCodec{}, nil
	}
	return nil, fmt.Errorf("unknown codec %q", name)
}

// CBORCodec encodes messages as CBOR with RFC 3339 timestamps.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBORCodec builds a CBOR codec.
func NewCBORCodec() (*CBORCodec, error) {
	enc, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		return nil, fmt.Errorf("failed to build cbor encoder: %w", err)
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("failed to build cbor decoder: %w", err)
	}
	return &CBORCodec{enc: enc, dec: dec}, nil
}

func (c *CBORCodec) Marshal(msg *Message) ([]byte, error) { return c.enc.Marshal(msg) }

func (c *CBORCodec) Unmarshal(data []byte, msg *Message) error { return c.dec.Unmarshal(data, msg) }

func (c *CBORCodec) ContentType() string { return "application/cbor" }

// JSONCodec encodes messages as JSON.
type JSONCodec struct{}

func (JSONCodec) Marshal(msg *Message) ([]byte, error) { return json.Marshal(msg) }

// Unmarshal decodes numbers in attributes and metadata as json.Number.
func (JSONCodec) Unmarshal(data []byte, msg *Message) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(msg)
}

func (JSONCodec) ContentType() string { return "application/json" }

// CacheCodec seals records for distributed caches: token values are
// encrypted before the record leaves the process.
type CacheCodec struct {
	sealer *authorization.Sealer
	codec  Codec
}

// NewCacheCodec creates a cache codec.
func NewCacheCodec(sealer *authorization.Sealer, codec Codec) *CacheCodec {
	return &CacheCodec{sealer: sealer, codec: codec}
}

// EncodeRecord seals rec and serializes it.
func (c *CacheCodec) EncodeRecord(ctx context.Context, rec *authorization.Record) ([]byte, error) {
	stored, err := c.sealer.Seal(ctx, rec)
	if err != nil {
		return nil, err
	}
	return c.codec.Marshal(fromStored(stored))
}

// DecodeRecord deserializes and opens a sealed record.
func (c *CacheCodec) DecodeRecord(ctx context.Context, data []byte) (*authorization.Record, error) {
	var msg Message
	if err := c.codec.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.ID == "" {
		return nil, ErrInvalidMessage
	}
	return c.sealer.Open(ctx, msg.Stored())
}
