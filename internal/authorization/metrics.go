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

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type serviceMetrics struct {
	cacheHits       metric.Int64Counter
	cacheMisses     metric.Int64Counter
	saves           metric.Int64Counter
	removes         metric.Int64Counter
	publishFailures metric.Int64Counter
	sealDuration    metric.Float64Histogram
}

// newServiceMetrics registers the service instruments on m. Instruments that
// fail to register fall back to no-ops.
func newServiceMetrics(m metric.Meter) *serviceMetrics {
	fallback := noop.NewMeterProvider().Meter("authorization")

	counter := func(name, desc string) metric.Int64Counter {
		c, err := m.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			c, _ = fallback.Int64Counter(name)
		}
		return c
	}

	seal, err := m.Float64Histogram("authorization.seal.duration",
		metric.WithDescription("Time spent encrypting token values on save"),
		metric.WithUnit("ms"))
	if err != nil {
		seal, _ = fallback.Float64Histogram("authorization.seal.duration")
	}

	return &serviceMetrics{
		cacheHits:       counter("authorization.cache.hits", "Lookups served from the ephemeral cache"),
		cacheMisses:     counter("authorization.cache.misses", "Lookups that fell through to the store"),
		saves:           counter("authorization.saves", "Records persisted"),
		removes:         counter("authorization.removes", "Records removed"),
		publishFailures: counter("authorization.publish.failures", "Change messages the bus did not accept"),
		sealDuration:    seal,
	}
}
