// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package typeutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/atomic"
)

func TestStringSet(t *testing.T) {
	set := NewStringSet("admin@example.com", "root@example.com")
	assert.True(t, set.Contain("admin@example.com"))
	assert.True(t, set.Contain("admin@example.com", "root@example.com"))
	assert.False(t, set.Contain("admin@example.com", "alice@example.com"))
	assert.True(t, set.Contain())

	set.Insert("root@example.com", "alice@example.com")
	assert.Len(t, set, 3)
	assert.True(t, set.Contain("alice@example.com"))
}

func TestConcurrentSet(t *testing.T) {
	set := NewConcurrentSet[string]()
	assert.Empty(t, set.Collect())
	assert.True(t, set.Insert("presence"))
	assert.False(t, set.Insert("presence"))
	assert.True(t, set.Insert("offline"))

	assert.True(t, set.TryRemove("offline"))
	assert.False(t, set.TryRemove("offline"))
	assert.ElementsMatch(t, []string{"presence"}, set.Collect())
	assert.True(t, set.Insert("offline"))
}

func TestConcurrentSetInsertRace(t *testing.T) {
	set := NewConcurrentSet[string]()
	const n = 16
	var (
		wg  sync.WaitGroup
		won atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if set.Insert("auth") {
				won.Inc()
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, won.Load())
	assert.Equal(t, []string{"auth"}, set.Collect())
}
