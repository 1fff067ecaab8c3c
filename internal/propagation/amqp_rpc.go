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
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/opentrusty/authzstore/internal/observability/logger"
)

// directReplyTo is the RabbitMQ pseudo-queue for direct reply-to.
const directReplyTo = "amq.rabbitmq.reply-to"

// ErrTransportClosed is returned once the reply consumer has stopped.
var ErrTransportClosed = errors.New("rpc transport closed")

// RPCChannel is the subset of *amqp.Channel used for request/reply.
type RPCChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	ConsumeWithContext(ctx context.Context, queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

// AMQPRPCTransport sends lookups to the RPC exchange and correlates replies
// received through direct reply-to.
type AMQPRPCTransport struct {
	ch       RPCChannel
	exchange string

	mu      sync.Mutex
	pending map[string]chan []byte
	closed  bool

	log *slog.Logger
}

var _ RPCTransport = (*AMQPRPCTransport)(nil)

// NewAMQPRPCTransport starts the reply consumer. It runs until ctx is done.
func NewAMQPRPCTransport(ctx context.Context, ch RPCChannel, exchange string, log *slog.Logger) (*AMQPRPCTransport, error) {
	if log == nil {
		log = slog.Default()
	}
	replies, err := ch.ConsumeWithContext(ctx, directReplyTo, "", true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume %s: %w", directReplyTo, err)
	}
	t := &AMQPRPCTransport{
		ch:       ch,
		exchange: exchange,
		pending:  make(map[string]chan []byte),
		log:      log.With(logger.Component("propagation")),
	}
	go t.dispatch(replies)
	return t, nil
}

func (t *AMQPRPCTransport) dispatch(replies <-chan amqp.Delivery) {
	for d := range replies {
		t.mu.Lock()
		waiter, ok := t.pending[d.CorrelationId]
		delete(t.pending, d.CorrelationId)
		t.mu.Unlock()
		if !ok {
			t.log.Debug("dropping late rpc reply", logger.MessageID(d.CorrelationId))
			continue
		}
		waiter <- d.Body
	}

	t.mu.Lock()
	t.closed = true
	for id, waiter := range t.pending {
		close(waiter)
		delete(t.pending, id)
	}
	t.mu.Unlock()
}

// Call publishes body to rpc.<region> and waits for the correlated reply.
func (t *AMQPRPCTransport) Call(ctx context.Context, region string, body []byte) ([]byte, error) {
	id := uuid.NewString()
	waiter := make(chan []byte, 1)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	t.pending[id] = waiter
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	pub := amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: id,
		ReplyTo:       directReplyTo,
		Body:          body,
	}
	if deadline, ok := ctx.Deadline(); ok {
		if ms := time.Until(deadline).Milliseconds(); ms > 0 {
			pub.Expiration = strconv.FormatInt(ms, 10)
		}
	}

	key := RPCRoutingKey(region)
	if err := t.ch.PublishWithContext(ctx, t.exchange, key, false, false, pub); err != nil {
		return nil, fmt.Errorf("failed to publish lookup to %s: %w", key, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case reply, ok := <-waiter:
		if !ok {
			return nil, ErrTransportClosed
		}
		return reply, nil
	}
}

// ServeRPC answers lookups arriving on queue until ctx is done or the
// channel closes.
func ServeRPC(ctx context.Context, ch RPCChannel, queue string, server *RPCServer) error {
	requests, err := ch.ConsumeWithContext(ctx, queue, "", true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", queue, err)
	}
	server.log.InfoContext(ctx, "serving lookups", logger.Queue(queue))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-requests:
			if !ok {
				return fmt.Errorf("delivery channel for %s closed", queue)
			}
			if d.ReplyTo == "" {
				continue
			}
			reply := server.Handle(ctx, d.Body)
			err := ch.PublishWithContext(ctx, "", d.ReplyTo, false, false, amqp.Publishing{
				ContentType:   "application/json",
				CorrelationId: d.CorrelationId,
				Body:          reply,
			})
			if err != nil {
				server.log.WarnContext(ctx, "failed to send lookup reply",
					logger.MessageID(d.CorrelationId), logger.Error(err))
			}
		}
	}
}
