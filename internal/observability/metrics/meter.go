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

package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Config holds metrics configuration
type Config struct {
	Enabled     bool
	ServiceName string
}

// Meter wraps OpenTelemetry meter
type Meter struct {
	meter metric.Meter
}

// New creates a new meter instance. Instruments are recorded against the
// global meter provider when enabled and discarded otherwise.
func New(cfg Config) *Meter {
	if !cfg.Enabled {
		return &Meter{meter: noop.NewMeterProvider().Meter(cfg.ServiceName)}
	}
	return &Meter{meter: otel.Meter(cfg.ServiceName)}
}

// GetMeter returns the underlying meter
func (m *Meter) GetMeter() metric.Meter {
	return m.meter
}

// CreateCounter creates a new counter metric
func (m *Meter) CreateCounter(name, description string) (metric.Int64Counter, error) {
	counter, err := m.meter.Int64Counter(
		name,
		metric.WithDescription(description),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create counter %s: %w", name, err)
	}
	return counter, nil
}

// CreateHistogram creates a new histogram metric
func (m *Meter) CreateHistogram(name, description, unit string) (metric.Float64Histogram, error) {
	histogram, err := m.meter.Float64Histogram(
		name,
		metric.WithDescription(description),
		metric.WithUnit(unit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create histogram %s: %w", name, err)
	}
	return histogram, nil
}

// DeadLetterRecorder counts change messages a region queue could not keep.
type DeadLetterRecorder struct {
	counter metric.Int64Counter
}

// NewDeadLetterRecorder creates the authz.propagation.dead_letters counter.
func (m *Meter) NewDeadLetterRecorder() (*DeadLetterRecorder, error) {
	c, err := m.CreateCounter("authz.propagation.dead_letters", "Change messages dead-lettered by a region queue")
	if err != nil {
		return nil, err
	}
	return &DeadLetterRecorder{counter: c}, nil
}

// Record adds one dead letter for queue.
func (r *DeadLetterRecorder) Record(ctx context.Context, queue, reason string) {
	r.counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("reason", reason),
	))
}

// PurgeRecorder tracks durable-store expiry runs.
type PurgeRecorder struct {
	removed  metric.Int64Counter
	duration metric.Float64Histogram
}

// NewPurgeRecorder creates the purge instruments.
func (m *Meter) NewPurgeRecorder() (*PurgeRecorder, error) {
	removed, err := m.CreateCounter("authz.store.purged", "Expired authorization records removed from the durable store")
	if err != nil {
		return nil, err
	}
	duration, err := m.CreateHistogram("authz.store.purge.duration", "Time spent purging expired records", "ms")
	if err != nil {
		return nil, err
	}
	return &PurgeRecorder{removed: removed, duration: duration}, nil
}

// Record reports one purge run.
func (r *PurgeRecorder) Record(ctx context.Context, removed int64, ms float64) {
	r.removed.Add(ctx, removed)
	r.duration.Record(ctx, ms)
}
