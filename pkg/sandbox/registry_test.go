// Copyright 2026 The Sandboxd Authors
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

package sandbox

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sberrors "github.com/CA-git-com-co/ACGS-sub035/pkg/errors"
)

func TestRegistryAddGetRemove(t *testing.T) {
	r := NewRegistry()
	s := NewSession("s1", "agent-1", testLimits(), time.Now())

	require.NoError(t, r.Add(s))
	assert.Equal(t, 1, r.Len())

	got, err := r.Get("s1")
	require.NoError(t, err)
	assert.Same(t, s, got)

	assert.True(t, r.Remove("s1"))
	assert.Equal(t, 0, r.Len())
	assert.False(t, r.Remove("s1"), "second remove observes nothing")

	_, err = r.Get("s1")
	assert.True(t, sberrors.IsNotFound(err))
}

func TestRegistryDuplicateAdd(t *testing.T) {
	r := NewRegistry()
	s := NewSession("s1", "agent-1", testLimits(), time.Now())

	require.NoError(t, r.Add(s))
	err := r.Add(NewSession("s1", "agent-2", testLimits(), time.Now()))
	assert.True(t, sberrors.IsSystem(err))

	// The original session stays registered.
	got, err := r.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", got.AgentID)
}

func TestRegistryRemoveUnknownIsNoop(t *testing.T) {
	r := NewRegistry()
	r.Remove("missing")
	assert.Equal(t, 0, r.Len())
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", n)
			s := NewSession(id, "agent", testLimits(), time.Now())
			if err := r.Add(s); err != nil {
				t.Errorf("Add(%s) error = %v", id, err)
				return
			}
			r.Snapshots()
			r.Sessions()
			if _, err := r.Get(id); err != nil {
				t.Errorf("Get(%s) error = %v", id, err)
			}
			r.Remove(id)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, r.Len())
}
