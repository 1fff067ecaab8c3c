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

// Cache key prefixes. Token keys carry the lookup hash, never the value.
const (
	keyPrefixID      = "authz:id:"
	keyPrefixState   = "authz:state:"
	keyPrefixCode    = "authz:code:"
	keyPrefixAccess  = "authz:access:"
	keyPrefixRefresh = "authz:refresh:"
)

// lookupHashes holds the digests a record is addressable by.
type lookupHashes struct {
	state   string
	code    string
	access  string
	refresh string
}

func (h lookupHashes) keys(id string) []string {
	keys := []string{keyPrefixID + id}
	if h.state != "" {
		keys = append(keys, keyPrefixState+h.state)
	}
	if h.code != "" {
		keys = append(keys, keyPrefixCode+h.code)
	}
	if h.access != "" {
		keys = append(keys, keyPrefixAccess+h.access)
	}
	if h.refresh != "" {
		keys = append(keys, keyPrefixRefresh+h.refresh)
	}
	return keys
}

func (s *Service) keysForRecord(rec *Record) []string {
	var h lookupHashes
	if state := rec.State(); state != "" {
		h.state = s.hasher.Hash(state)
	}
	if rec.AuthorizationCode != nil {
		h.code = s.hasher.Hash(rec.AuthorizationCode.Value)
	}
	if rec.AccessToken != nil {
		h.access = s.hasher.Hash(rec.AccessToken.Value)
	}
	if rec.RefreshToken != nil {
		h.refresh = s.hasher.Hash(rec.RefreshToken.Value)
	}
	return h.keys(rec.ID)
}

func (s *Service) keysForStored(rec *StoredRecord) []string {
	var h lookupHashes
	if rec.State != "" {
		h.state = s.hasher.Hash(rec.State)
	}
	if rec.AuthorizationCode != nil {
		h.code = rec.AuthorizationCode.Hash
	}
	if rec.AccessToken != nil {
		h.access = rec.AccessToken.Hash
	}
	if rec.RefreshToken != nil {
		h.refresh = rec.RefreshToken.Hash
	}
	return h.keys(rec.ID)
}

// keysForToken returns the cache keys probed for a token lookup, in probe order.
func keysForToken(hash string, tokenType TokenType) []string {
	switch tokenType {
	case TokenTypeState:
		return []string{keyPrefixState + hash}
	case TokenTypeAuthorizationCode:
		return []string{keyPrefixCode + hash}
	case TokenTypeAccessToken:
		return []string{keyPrefixAccess + hash}
	case TokenTypeRefreshToken:
		return []string{keyPrefixRefresh + hash}
	}
	return []string{
		keyPrefixState + hash,
		keyPrefixCode + hash,
		keyPrefixAccess + hash,
		keyPrefixRefresh + hash,
	}
}
