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

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/opentrusty/authzstore/internal/authorization"
	"github.com/opentrusty/authzstore/internal/observability/logger"
)

// ErrNotConfirmed is returned when the broker nacks a confirmed publish.
var ErrNotConfirmed = errors.New("publish not confirmed by broker")

// PublishChannel is the subset of *amqp.Channel used for publishing.
type PublishChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
}

// ChangeApplier applies peer changes to the local cache.
type ChangeApplier interface {
	ApplyChange(ctx context.Context, change *authorization.Change) error
}

// Cleaner executes cleanup requests.
type Cleaner interface {
	Cleanup(ctx context.Context, req authorization.CleanupRequest) (int, error)
}

// AMQPPublisher publishes record changes to the region fanout exchange and
// cleanup requests to the entry exchange.
type AMQPPublisher struct {
	ch       PublishChannel
	codec    Codec
	topology *Topology
	log      *slog.Logger
}

var _ authorization.Publisher = (*AMQPPublisher)(nil)

// NewAMQPPublisher creates a publisher. Confirmed publishes require ch to be
// in confirm mode.
func NewAMQPPublisher(ch PublishChannel, codec Codec, topology *Topology, log *slog.Logger) *AMQPPublisher {
	if log == nil {
		log = slog.Default()
	}
	return &AMQPPublisher{
		ch:       ch,
		codec:    codec,
		topology: topology,
		log:      log.With(logger.Component("propagation")),
	}
}

// Publish announces change to every region. When change.Confirm is set the
// call waits for the broker acknowledgement.
func (p *AMQPPublisher) Publish(ctx context.Context, change *authorization.Change) error {
	msg, err := NewMessage(change)
	if err != nil {
		return err
	}
	body, err := p.codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	pub := amqp.Publishing{
		ContentType:  p.codec.ContentType(),
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.MessageID,
		Timestamp:    msg.OccurredAt,
		AppId:        msg.OriginRegion,
		Body:         body,
	}

	if !change.Confirm {
		if err := p.ch.PublishWithContext(ctx, p.topology.RecordsExchange, "", false, false, pub); err != nil {
			return fmt.Errorf("failed to publish to %s: %w", p.topology.RecordsExchange, err)
		}
		return nil
	}

	conf, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, p.topology.RecordsExchange, "", false, false, pub)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", p.topology.RecordsExchange, err)
	}
	if conf == nil {
		return nil
	}
	acked, err := conf.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to await confirmation: %w", err)
	}
	if !acked {
		return ErrNotConfirmed
	}
	p.log.DebugContext(ctx, "publish confirmed",
		logger.Exchange(p.topology.RecordsExchange), logger.MessageID(msg.MessageID))
	return nil
}

// PublishCleanup posts a cleanup request to the entry exchange.
func (p *AMQPPublisher) PublishCleanup(ctx context.Context, req authorization.CleanupRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode cleanup request: %w", err)
	}
	err = p.ch.PublishWithContext(ctx, p.topology.EntryExchange, CleanupRoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", p.topology.EntryExchange, err)
	}
	return nil
}

// ConsumeChannel is the subset of *amqp.Channel used for consuming.
type ConsumeChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	ConsumeWithContext(ctx context.Context, queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

// Acknowledger settles a delivery. amqp.Delivery satisfies it.
type Acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// AMQPConsumer drains the region queue into the local cache and the entry
// queue into the cleanup handler. Failed deliveries are nacked without
// requeue so the broker dead-letters them.
type AMQPConsumer struct {
	ch       ConsumeChannel
	codec    Codec
	topology *Topology
	prefetch int
	log      *slog.Logger
}

// NewAMQPConsumer creates a consumer.
func NewAMQPConsumer(ch ConsumeChannel, codec Codec, topology *Topology, prefetch int, log *slog.Logger) *AMQPConsumer {
	if prefetch <= 0 {
		prefetch = 32
	}
	if log == nil {
		log = slog.Default()
	}
	return &AMQPConsumer{
		ch:       ch,
		codec:    codec,
		topology: topology,
		prefetch: prefetch,
		log:      log.With(logger.Component("propagation")),
	}
}

// ConsumeChanges applies region queue deliveries until ctx is done or the
// channel closes.
func (c *AMQPConsumer) ConsumeChanges(ctx context.Context, applier ChangeApplier) error {
	deliveries, err := c.start(ctx, c.topology.RecordsQueue)
	if err != nil {
		return err
	}
	return c.drain(ctx, c.topology.RecordsQueue, deliveries, func(ctx context.Context, d amqp.Delivery) error {
		return c.HandleChange(ctx, applier, d.Body)
	})
}

// ConsumeCleanups executes entry queue cleanup requests until ctx is done or
// the channel closes.
func (c *AMQPConsumer) ConsumeCleanups(ctx context.Context, cleaner Cleaner) error {
	deliveries, err := c.start(ctx, c.topology.EntryQueue)
	if err != nil {
		return err
	}
	return c.drain(ctx, c.topology.EntryQueue, deliveries, func(ctx context.Context, d amqp.Delivery) error {
		return HandleCleanup(ctx, cleaner, d.Body)
	})
}

// HandleChange decodes one change message and applies it.
func (c *AMQPConsumer) HandleChange(ctx context.Context, applier ChangeApplier, body []byte) error {
	var msg Message
	if err := c.codec.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	change, err := msg.Change()
	if err != nil {
		return err
	}
	return applier.ApplyChange(ctx, change)
}

// HandleCleanup decodes one cleanup request and executes it.
func HandleCleanup(ctx context.Context, cleaner Cleaner, body []byte) error {
	var req authorization.CleanupRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return fmt.Errorf("failed to decode cleanup request: %w", err)
	}
	_, err := cleaner.Cleanup(ctx, req)
	return err
}

func (c *AMQPConsumer) start(ctx context.Context, queue string) (<-chan amqp.Delivery, error) {
	if err := c.ch.Qos(c.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}
	deliveries, err := c.ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume %s: %w", queue, err)
	}
	c.log.InfoContext(ctx, "consuming queue", logger.Queue(queue))
	return deliveries, nil
}

func (c *AMQPConsumer) drain(ctx context.Context, queue string, deliveries <-chan amqp.Delivery, handle func(context.Context, amqp.Delivery) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel for %s closed", queue)
			}
			c.settle(ctx, queue, d.MessageId, d, handle(ctx, d))
		}
	}
}

func (c *AMQPConsumer) settle(ctx context.Context, queue, messageID string, ack Acknowledger, handleErr error) {
	if handleErr == nil {
		if err := ack.Ack(false); err != nil {
			c.log.WarnContext(ctx, "failed to ack delivery",
				logger.Queue(queue), logger.MessageID(messageID), logger.Error(err))
		}
		return
	}

	c.log.ErrorContext(ctx, "failed to handle delivery",
		logger.Queue(queue), logger.MessageID(messageID), logger.Error(handleErr))
	if err := ack.Nack(false, false); err != nil {
		c.log.WarnContext(ctx, "failed to nack delivery",
			logger.Queue(queue), logger.MessageID(messageID), logger.Error(err))
	}
}
