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

package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/opentrusty/authzstore/internal/authorization"
	"github.com/opentrusty/authzstore/internal/observability/logger"
)

// StateCookieConfig holds state cookie configuration
type StateCookieConfig struct {
	Name     string
	Path     string
	Domain   string
	Secure   bool
	SameSite http.SameSite
	MaxAge   time.Duration
}

// CookieStateBinder sets the OAuth2 state of a saved record as a cookie on
// the response the record was saved for. Requests must pass through
// StateCookieMiddleware.
type CookieStateBinder struct {
	cfg StateCookieConfig
}

var _ authorization.StateBinder = (*CookieStateBinder)(nil)

// NewCookieStateBinder creates a state binder
func NewCookieStateBinder(cfg StateCookieConfig) *CookieStateBinder {
	if cfg.Name == "" {
		cfg.Name = "authz_state"
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.SameSite == 0 {
		cfg.SameSite = http.SameSiteLaxMode
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 10 * time.Minute
	}
	return &CookieStateBinder{cfg: cfg}
}

// BindState sets the state cookie. Saves outside an HTTP request are left
// unbound.
func (b *CookieStateBinder) BindState(ctx context.Context, state string) {
	w, ok := ResponseWriter(ctx)
	if !ok {
		slog.DebugContext(ctx, "no response in context, state not bound", logger.Component("http"))
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     b.cfg.Name,
		Value:    state,
		Path:     b.cfg.Path,
		Domain:   b.cfg.Domain,
		Secure:   b.cfg.Secure,
		HttpOnly: true,
		SameSite: b.cfg.SameSite,
		MaxAge:   int(b.cfg.MaxAge.Seconds()),
	})
}

// State returns the state bound to the browser that sent r.
func (b *CookieStateBinder) State(r *http.Request) string {
	cookie, err := r.Cookie(b.cfg.Name)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// ClearState expires the state cookie.
func (b *CookieStateBinder) ClearState(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:   b.cfg.Name,
		Value:  "",
		Path:   b.cfg.Path,
		Domain: b.cfg.Domain,
		MaxAge: -1,
	})
}
