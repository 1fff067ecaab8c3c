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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/opentrusty/authzstore/internal/authorization"
	"github.com/opentrusty/authzstore/internal/observability/logger"
)

const (
	// RPCAttemptTimeout bounds a single cross-region lookup attempt.
	RPCAttemptTimeout = 1750 * time.Millisecond

	// RPCMaxAttempts is the number of attempts per peer, first try included.
	RPCMaxAttempts = 3
)

var (
	// ErrPermissionDenied is returned when a peer refuses the caller. It is
	// never retried.
	ErrPermissionDenied = errors.New("lookup denied by peer region")

	// ErrPeerBusy is returned when a peer sheds the request.
	ErrPeerBusy = errors.New("peer region busy")
)

type replyStatus string

const (
	statusOK       replyStatus = "ok"
	statusNotFound replyStatus = "not_found"
	statusDenied   replyStatus = "denied"
	statusBusy     replyStatus = "busy"
	statusError    replyStatus = "error"
)

type rpcRequest struct {
	OriginRegion string                    `json:"origin_region"`
	Query        authorization.RemoteQuery `json:"query"`
}

type rpcReply struct {
	Status replyStatus `json:"status"`
	Record *Message    `json:"record,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// RPCTransport carries one lookup request to a region and returns its reply.
type RPCTransport interface {
	Call(ctx context.Context, region string, body []byte) ([]byte, error)
}

// RPCClientConfig configures cross-region lookups.
type RPCClientConfig struct {
	Region         string
	Peers          []string
	AttemptTimeout time.Duration
	MaxAttempts    int

	// InitialInterval is the first retry delay.
	InitialInterval time.Duration
}

// RPCClient resolves records held by peer regions.
type RPCClient struct {
	transport RPCTransport
	cfg       RPCClientConfig
	log       *slog.Logger
}

var _ authorization.RemoteLookup = (*RPCClient)(nil)

// NewRPCClient creates a lookup client.
func NewRPCClient(transport RPCTransport, cfg RPCClientConfig, log *slog.Logger) *RPCClient {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = RPCAttemptTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = RPCMaxAttempts
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if log == nil {
		log = slog.Default()
	}
	return &RPCClient{
		transport: transport,
		cfg:       cfg,
		log:       log.With(logger.Component("propagation"), logger.Region(cfg.Region)),
	}
}

// Lookup asks each peer in turn and returns the first record found. It
// returns (nil, nil) when every peer answered not found.
func (c *RPCClient) Lookup(ctx context.Context, query authorization.RemoteQuery) (*authorization.StoredRecord, error) {
	body, err := json.Marshal(rpcRequest{OriginRegion: c.cfg.Region, Query: query})
	if err != nil {
		return nil, fmt.Errorf("failed to encode lookup: %w", err)
	}

	var errs []error
	for _, peer := range c.cfg.Peers {
		if peer == c.cfg.Region {
			continue
		}
		rec, err := c.lookupPeer(ctx, peer, body)
		if err != nil {
			c.log.WarnContext(ctx, "peer lookup failed",
				logger.String("peer_region", peer), logger.RoutingKey(RPCRoutingKey(peer)), logger.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", peer, err))
			continue
		}
		if rec != nil {
			return rec, nil
		}
	}
	return nil, errors.Join(errs...)
}

func (c *RPCClient) lookupPeer(ctx context.Context, peer string, body []byte) (*authorization.StoredRecord, error) {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(backoff.WithInitialInterval(c.cfg.InitialInterval)),
			uint64(c.cfg.MaxAttempts-1),
		),
		ctx,
	)

	return backoff.RetryWithData[*authorization.StoredRecord](func() (*authorization.StoredRecord, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
		defer cancel()

		raw, err := c.transport.Call(attemptCtx, peer, body)
		if err != nil {
			return nil, err
		}
		var reply rpcReply
		if err := json.Unmarshal(raw, &reply); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to decode reply: %w", err))
		}

		switch reply.Status {
		case statusOK:
			if reply.Record == nil || reply.Record.ID == "" {
				return nil, backoff.Permanent(ErrInvalidMessage)
			}
			return reply.Record.Stored(), nil
		case statusNotFound:
			return nil, nil
		case statusDenied:
			return nil, backoff.Permanent(ErrPermissionDenied)
		case statusBusy:
			return nil, ErrPeerBusy
		default:
			return nil, fmt.Errorf("peer error: %s", reply.Error)
		}
	}, policy)
}

// RPCServerConfig configures the lookup endpoint of a region.
type RPCServerConfig struct {
	Region string

	// AllowedRegions lists the regions permitted to query. Empty allows all.
	AllowedRegions []string

	// RatePerSecond and Burst shape the token bucket used for load shedding.
	RatePerSecond float64
	Burst         int
}

// RPCServer answers lookups from peer regions straight from the local store.
// It never consults or consumes the cache.
type RPCServer struct {
	store   authorization.Store
	region  string
	allowed map[string]bool
	limiter *rate.Limiter
	log     *slog.Logger
}

// NewRPCServer creates a lookup server.
func NewRPCServer(store authorization.Store, cfg RPCServerConfig, log *slog.Logger) *RPCServer {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 200
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RatePerSecond)
	}
	if log == nil {
		log = slog.Default()
	}
	allowed := make(map[string]bool, len(cfg.AllowedRegions))
	for _, r := range cfg.AllowedRegions {
		allowed[r] = true
	}
	return &RPCServer{
		store:   store,
		region:  cfg.Region,
		allowed: allowed,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		log:     log.With(logger.Component("propagation"), logger.Region(cfg.Region)),
	}
}

// Handle processes one encoded request and returns the encoded reply.
func (s *RPCServer) Handle(ctx context.Context, body []byte) []byte {
	reply := s.handle(ctx, body)
	out, err := json.Marshal(reply)
	if err != nil {
		out, _ = json.Marshal(rpcReply{Status: statusError, Error: "failed to encode reply"})
	}
	return out
}

func (s *RPCServer) handle(ctx context.Context, body []byte) rpcReply {
	if !s.limiter.Allow() {
		return rpcReply{Status: statusBusy}
	}

	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return rpcReply{Status: statusError, Error: "malformed request"}
	}
	if len(s.allowed) > 0 && !s.allowed[req.OriginRegion] {
		s.log.WarnContext(ctx, "rejected lookup from unknown region",
			logger.String("origin_region", req.OriginRegion))
		return rpcReply{Status: statusDenied}
	}

	var (
		rec *authorization.StoredRecord
		err error
	)
	if req.Query.ID != "" {
		rec, err = s.store.FindByID(ctx, req.Query.ID)
	} else {
		rec, err = s.store.FindByToken(ctx, req.Query.Lookup)
	}
	if errors.Is(err, authorization.ErrNotFound) || (err == nil && (rec == nil || rec.Invalidated)) {
		return rpcReply{Status: statusNotFound}
	}
	if err != nil {
		s.log.ErrorContext(ctx, "lookup failed", logger.Operation("rpc"), logger.Error(err))
		return rpcReply{Status: statusError, Error: "store unavailable"}
	}
	return rpcReply{Status: statusOK, Record: fromStored(rec)}
}
