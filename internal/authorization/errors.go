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

import "errors"

// Domain errors
var (
	// ErrNotFound is returned by Store implementations. The service turns it
	// into an absent result, never into a failure.
	ErrNotFound = errors.New("authorization not found")

	ErrInvalidRecord     = errors.New("invalid authorization record")
	ErrInvalidTokenType  = errors.New("invalid token type")
	ErrInvalidCleanup    = errors.New("cleanup request needs a record id or a tenant and client id")
	ErrCryptTimeout      = errors.New("token crypt tasks did not complete in time")
	ErrPersistenceFailed = errors.New("authorization persistence failed")
	ErrStoreUnavailable  = errors.New("authorization store unavailable")
	ErrRemoteUnavailable = errors.New("cross-region lookup unavailable")
)
