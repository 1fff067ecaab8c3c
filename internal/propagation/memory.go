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
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opentrusty/authzstore/internal/authorization"
	"github.com/opentrusty/authzstore/internal/observability/logger"
)

// ErrQueueFull is returned when a request cannot be enqueued.
var ErrQueueFull = errors.New("queue full")

// DeadLetterReason says why a message left its queue unprocessed.
type DeadLetterReason string

const (
	ReasonOverflow DeadLetterReason = "overflow"
	ReasonExpired  DeadLetterReason = "expired"
	ReasonRejected DeadLetterReason = "rejected"
)

// OverflowFunc receives messages a queue could not keep.
type OverflowFunc[T any] func(item T, reason DeadLetterReason)

type envelope[T any] struct {
	item       T
	enqueuedAt time.Time
}

// BoundedQueue is a fixed-capacity FIFO with a per-item TTL. Offer never
// blocks: a full queue hands the item to the overflow callback.
type BoundedQueue[T any] struct {
	items      chan envelope[T]
	ttl        time.Duration
	onOverflow OverflowFunc[T]
	now        func() time.Time
}

// NewBoundedQueue creates a queue. A non-positive ttl disables expiry.
func NewBoundedQueue[T any](capacity int, ttl time.Duration, onOverflow OverflowFunc[T]) *BoundedQueue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	if onOverflow == nil {
		onOverflow = func(T, DeadLetterReason) {}
	}
	return &BoundedQueue[T]{
		items:      make(chan envelope[T], capacity),
		ttl:        ttl,
		onOverflow: onOverflow,
		now:        time.Now,
	}
}

// Offer enqueues item and reports whether it was accepted.
func (q *BoundedQueue[T]) Offer(item T) bool {
	select {
	case q.items <- envelope[T]{item: item, enqueuedAt: q.now()}:
		return true
	default:
		q.onOverflow(item, ReasonOverflow)
		return false
	}
}

// Take blocks for the next unexpired item. Expired items are handed to the
// overflow callback and skipped.
func (q *BoundedQueue[T]) Take(ctx context.Context) (T, error) {
	for {
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case env := <-q.items:
			if q.ttl > 0 && q.now().Sub(env.enqueuedAt) >= q.ttl {
				q.onOverflow(env.item, ReasonExpired)
				continue
			}
			return env.item, nil
		}
	}
}

// Reject dead-letters an item whose handler failed.
func (q *BoundedQueue[T]) Reject(item T) {
	q.onOverflow(item, ReasonRejected)
}

// Len returns the number of queued items.
func (q *BoundedQueue[T]) Len() int {
	return len(q.items)
}

// DeadLetter is a message removed from a region queue.
type DeadLetter struct {
	Queue   string
	Message *Message
	Reason  DeadLetterReason
}

// MemoryBusConfig configures the in-process bus.
type MemoryBusConfig struct {
	Regions        []string
	QueueMaxLength int
	MessageTTL     time.Duration

	// OnDeadLetter observes every dead-lettered message.
	OnDeadLetter func(DeadLetter)
}

// MemoryBus is the in-process propagation transport. Every region gets its
// own bounded queue; publishing fans a message out to all of them.
type MemoryBus struct {
	mu      sync.Mutex
	queues  map[string]*BoundedQueue[*Message]
	cleanup *BoundedQueue[authorization.CleanupRequest]
	dead    []DeadLetter
	maxDead int
	cfg     MemoryBusConfig

	rpcMu   sync.RWMutex
	servers map[string]*RPCServer

	log *slog.Logger
}

// NewMemoryBus creates a bus with one queue per configured region.
func NewMemoryBus(cfg MemoryBusConfig, log *slog.Logger) *MemoryBus {
	if cfg.QueueMaxLength <= 0 {
		cfg.QueueMaxLength = 1024
	}
	if log == nil {
		log = slog.Default()
	}
	b := &MemoryBus{
		queues:  make(map[string]*BoundedQueue[*Message]),
		maxDead: cfg.QueueMaxLength,
		cfg:     cfg,
		servers: make(map[string]*RPCServer),
		log:     log.With(logger.Component("propagation")),
	}
	for _, region := range cfg.Regions {
		b.queue(region)
	}
	b.cleanup = NewBoundedQueue[authorization.CleanupRequest](cfg.QueueMaxLength, cfg.MessageTTL,
		func(req authorization.CleanupRequest, reason DeadLetterReason) {
			b.log.Warn("dropping cleanup request",
				logger.RecordID(req.RecordID), logger.ClientID(req.RegisteredClientID),
				logger.String("reason", string(reason)))
		})
	return b
}

func (b *MemoryBus) queue(region string) *BoundedQueue[*Message] {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[region]
	if !ok {
		name := RegionQueue(DefaultRecordsExchange, region)
		q = NewBoundedQueue[*Message](b.cfg.QueueMaxLength, b.cfg.MessageTTL, func(msg *Message, reason DeadLetterReason) {
			b.deadLetter(DeadLetter{Queue: name, Message: msg, Reason: reason})
		})
		b.queues[region] = q
	}
	return q
}

func (b *MemoryBus) deadLetter(dl DeadLetter) {
	b.mu.Lock()
	if len(b.dead) >= b.maxDead {
		b.dead = b.dead[1:]
	}
	b.dead = append(b.dead, dl)
	b.mu.Unlock()

	b.log.Warn("message dead-lettered",
		logger.Queue(dl.Queue), logger.MessageID(dl.Message.MessageID),
		logger.String("reason", string(dl.Reason)))
	if b.cfg.OnDeadLetter != nil {
		b.cfg.OnDeadLetter(dl)
	}
}

// Publish fans change out to every region queue without blocking.
func (b *MemoryBus) Publish(ctx context.Context, change *authorization.Change) error {
	msg, err := NewMessage(change)
	if err != nil {
		return err
	}

	b.mu.Lock()
	queues := make([]*BoundedQueue[*Message], 0, len(b.queues))
	for _, q := range b.queues {
		queues = append(queues, q)
	}
	b.mu.Unlock()

	for _, q := range queues {
		q.Offer(msg)
	}
	b.log.DebugContext(ctx, "message published",
		logger.Exchange(DefaultRecordsExchange), logger.MessageID(msg.MessageID))
	return nil
}

// PublishCleanup enqueues a cleanup request on the entry queue.
func (b *MemoryBus) PublishCleanup(_ context.Context, req authorization.CleanupRequest) error {
	if !b.cleanup.Offer(req) {
		return ErrQueueFull
	}
	return nil
}

// ConsumeChanges applies messages from region's queue until ctx is done.
// Messages whose handler fails are dead-lettered.
func (b *MemoryBus) ConsumeChanges(ctx context.Context, region string, applier ChangeApplier) error {
	q := b.queue(region)
	for {
		msg, err := q.Take(ctx)
		if err != nil {
			return err
		}
		change, err := msg.Change()
		if err == nil {
			err = applier.ApplyChange(ctx, change)
		}
		if err != nil {
			b.log.ErrorContext(ctx, "failed to apply change",
				logger.Region(region), logger.MessageID(msg.MessageID), logger.Error(err))
			q.Reject(msg)
		}
	}
}

// ConsumeCleanups executes cleanup requests until ctx is done.
func (b *MemoryBus) ConsumeCleanups(ctx context.Context, cleaner Cleaner) error {
	for {
		req, err := b.cleanup.Take(ctx)
		if err != nil {
			return err
		}
		if _, err := cleaner.Cleanup(ctx, req); err != nil {
			b.log.ErrorContext(ctx, "failed to execute cleanup request",
				logger.RecordID(req.RecordID), logger.Error(err))
		}
	}
}

// DeadLetters returns a copy of the retained dead letters.
func (b *MemoryBus) DeadLetters() []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]DeadLetter(nil), b.dead...)
}

// Pending returns the number of messages waiting in region's queue.
func (b *MemoryBus) Pending(region string) int {
	return b.queue(region).Len()
}

// Serve registers server as the lookup endpoint of region.
func (b *MemoryBus) Serve(region string, server *RPCServer) {
	b.rpcMu.Lock()
	defer b.rpcMu.Unlock()
	b.servers[region] = server
}

// Call delivers an RPC request to the region's server.
func (b *MemoryBus) Call(ctx context.Context, region string, body []byte) ([]byte, error) {
	b.rpcMu.RLock()
	server, ok := b.servers[region]
	b.rpcMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no lookup server for region %s", region)
	}
	return server.Handle(ctx, body), nil
}
