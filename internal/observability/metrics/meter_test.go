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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPurpose: Validates that recorders can be created and used with metrics disabled.
// Scope: Unit Test
// Expected: No errors, no panics.
func TestMeter_Disabled(t *testing.T) {
	m := New(Config{Enabled: false, ServiceName: "authzstore"})
	require.NotNil(t, m.GetMeter())

	dl, err := m.NewDeadLetterRecorder()
	require.NoError(t, err)
	assert.NotPanics(t, func() { dl.Record(context.Background(), "authz.region.eu", "overflow") })

	pr, err := m.NewPurgeRecorder()
	require.NoError(t, err)
	assert.NotPanics(t, func() { pr.Record(context.Background(), 3, 1.5) })
}

func TestMeter_Enabled(t *testing.T) {
	m := New(Config{Enabled: true, ServiceName: "authzstore"})

	c, err := m.CreateCounter("test.counter", "test")
	require.NoError(t, err)
	assert.NotNil(t, c)

	h, err := m.CreateHistogram("test.histogram", "test", "ms")
	require.NoError(t, err)
	assert.NotNil(t, h)
}
