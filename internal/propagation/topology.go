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
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Default broker object names.
const (
	DefaultEntryExchange   = "authz.entry"
	DefaultRecordsExchange = "authz.records"
	DefaultRPCExchange     = "authz.rpc"

	// CleanupRoutingKey routes cleanup requests on the entry exchange.
	CleanupRoutingKey = "cleanup"

	deadLetterExchangeArg = "x-dead-letter-exchange"
)

// TopologyConfig holds the settings the broker topology is derived from.
type TopologyConfig struct {
	Region          string
	EntryExchange   string
	RecordsExchange string
	RPCExchange     string

	// EnableRPC declares the cross-region lookup exchange and queue.
	EnableRPC bool

	QueueMaxLength int
	MessageTTL     time.Duration
	EntryTTL       time.Duration
}

// Exchange describes one exchange.
type Exchange struct {
	Name string
	Kind string
}

// Queue describes one durable queue and its limits.
type Queue struct {
	Name string
	Args amqp.Table
}

// Binding ties a queue to an exchange.
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
}

// Topology is the set of broker objects one region declares. It is plain
// data; Declare applies it.
type Topology struct {
	Region string

	Exchanges []Exchange
	Queues    []Queue
	Bindings  []Binding

	EntryExchange   string
	EntryQueue      string
	RecordsExchange string
	RecordsQueue    string
	RPCExchange     string
	RPCQueue        string
}

// NewTopology derives the topology for cfg.Region. Every regular queue is
// capped in length and message TTL and routes overflow to its own dead
// letter exchange.
func NewTopology(cfg TopologyConfig) (*Topology, error) {
	if cfg.Region == "" {
		return nil, errors.New("topology: region is required")
	}
	if cfg.EntryExchange == "" {
		cfg.EntryExchange = DefaultEntryExchange
	}
	if cfg.RecordsExchange == "" {
		cfg.RecordsExchange = DefaultRecordsExchange
	}
	if cfg.RPCExchange == "" {
		cfg.RPCExchange = DefaultRPCExchange
	}
	if cfg.QueueMaxLength <= 0 {
		cfg.QueueMaxLength = 10000
	}
	if cfg.MessageTTL <= 0 {
		cfg.MessageTTL = 5 * time.Minute
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Second
	}

	t := &Topology{
		Region:          cfg.Region,
		EntryExchange:   cfg.EntryExchange,
		EntryQueue:      cfg.EntryExchange + ".cleanup",
		RecordsExchange: cfg.RecordsExchange,
		RecordsQueue:    RegionQueue(cfg.RecordsExchange, cfg.Region),
	}

	t.Exchanges = append(t.Exchanges, Exchange{Name: t.EntryExchange, Kind: amqp.ExchangeDirect})
	t.addCapped(t.EntryQueue, t.EntryExchange+".dlx", t.EntryExchange+".dead", cfg.QueueMaxLength, cfg.EntryTTL)
	t.Bindings = append(t.Bindings, Binding{Queue: t.EntryQueue, Exchange: t.EntryExchange, RoutingKey: CleanupRoutingKey})

	t.Exchanges = append(t.Exchanges, Exchange{Name: t.RecordsExchange, Kind: amqp.ExchangeFanout})
	t.addCapped(t.RecordsQueue, t.RecordsQueue+".dlx", t.RecordsQueue+".dead", cfg.QueueMaxLength, cfg.MessageTTL)
	t.Bindings = append(t.Bindings, Binding{Queue: t.RecordsQueue, Exchange: t.RecordsExchange})

	if cfg.EnableRPC {
		t.RPCExchange = cfg.RPCExchange
		t.RPCQueue = RegionQueue(cfg.RPCExchange, cfg.Region)
		t.Exchanges = append(t.Exchanges, Exchange{Name: t.RPCExchange, Kind: amqp.ExchangeTopic})
		t.Queues = append(t.Queues, Queue{
			Name: t.RPCQueue,
			Args: amqp.Table{
				amqp.QueueMaxLenArg:     int64(cfg.QueueMaxLength),
				amqp.QueueMessageTTLArg: RPCAttemptTimeout.Milliseconds(),
				amqp.QueueOverflowArg:   amqp.QueueOverflowRejectPublish,
			},
		})
		t.Bindings = append(t.Bindings, Binding{Queue: t.RPCQueue, Exchange: t.RPCExchange, RoutingKey: RPCRoutingKey(cfg.Region)})
	}

	return t, nil
}

func (t *Topology) addCapped(queue, dlx, dead string, maxLen int, ttl time.Duration) {
	t.Exchanges = append(t.Exchanges, Exchange{Name: dlx, Kind: amqp.ExchangeFanout})
	t.Queues = append(t.Queues,
		Queue{
			Name: queue,
			Args: amqp.Table{
				amqp.QueueMaxLenArg:     int64(maxLen),
				amqp.QueueMessageTTLArg: ttl.Milliseconds(),
				amqp.QueueOverflowArg:   amqp.QueueOverflowRejectPublishDLX,
				deadLetterExchangeArg:   dlx,
			},
		},
		Queue{Name: dead},
	)
	t.Bindings = append(t.Bindings, Binding{Queue: dead, Exchange: dlx})
}

// RegionQueue names the per-region queue bound to exchange.
func RegionQueue(exchange, region string) string {
	return exchange + "." + region
}

// RPCRoutingKey is the routing key of a region's lookup queue.
func RPCRoutingKey(region string) string {
	return "rpc." + region
}

// Declarer is the subset of *amqp.Channel used to declare a topology.
type Declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// Declare creates every exchange, queue and binding of t. Declarations are
// idempotent on the broker.
func Declare(ch Declarer, t *Topology) error {
	for _, ex := range t.Exchanges {
		if err := ch.ExchangeDeclare(ex.Name, ex.Kind, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", ex.Name, err)
		}
	}
	for _, q := range t.Queues {
		if _, err := ch.QueueDeclare(q.Name, true, false, false, false, q.Args); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", q.Name, err)
		}
	}
	for _, b := range t.Bindings {
		if err := ch.QueueBind(b.Queue, b.RoutingKey, b.Exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %s to %s: %w", b.Queue, b.Exchange, err)
		}
	}
	return nil
}
