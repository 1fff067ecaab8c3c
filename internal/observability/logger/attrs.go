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

package logger

import "log/slog"

// Common attribute keys for consistent logging across the application

// Request attributes
func RequestID(id string) slog.Attr {
	return slog.String("request_id", id)
}

func Method(method string) slog.Attr {
	return slog.String("method", method)
}

func Path(path string) slog.Attr {
	return slog.String("path", path)
}

func RemoteAddr(addr string) slog.Attr {
	return slog.String("remote_addr", addr)
}

func UserAgent(ua string) slog.Attr {
	return slog.String("user_agent", ua)
}

func StatusCode(code int) slog.Attr {
	return slog.Int("status_code", code)
}

func Duration(ms int64) slog.Attr {
	return slog.Int64("duration_ms", ms)
}

// Authorization record attributes. Never pass token values here.
func RecordID(id string) slog.Attr {
	return slog.String("authorization_id", id)
}

func TenantID(id string) slog.Attr {
	return slog.String("tenant_id", id)
}

func ClientID(id string) slog.Attr {
	return slog.String("client_id", id)
}

func TokenType(tokenType string) slog.Attr {
	return slog.String("token_type", tokenType)
}

func KeyPairID(id string) slog.Attr {
	return slog.String("key_pair_id", id)
}

// Propagation attributes
func Region(region string) slog.Attr {
	return slog.String("region", region)
}

func Exchange(name string) slog.Attr {
	return slog.String("exchange", name)
}

func Queue(name string) slog.Attr {
	return slog.String("queue", name)
}

func RoutingKey(key string) slog.Attr {
	return slog.String("routing_key", key)
}

func MessageID(id string) slog.Attr {
	return slog.String("message_id", id)
}

// Error attributes
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}

func ErrorType(errType string) slog.Attr {
	return slog.String("error_type", errType)
}

// Database attributes
func RowsAffected(rows int64) slog.Attr {
	return slog.Int64("rows_affected", rows)
}

// Component attributes
func Component(name string) slog.Attr {
	return slog.String("component", name)
}

func Operation(op string) slog.Attr {
	return slog.String("operation", op)
}

// String creates a generic string attribute
func String(key, value string) slog.Attr {
	return slog.String(key, value)
}
