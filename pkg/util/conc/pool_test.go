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

package conc

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/jsm-go/pkg/util/merr"
)

func TestPoolSubmit(t *testing.T) {
	var pre atomic.Int32
	p, err := NewPool(4, WithName("test"), WithPreHandler(func() { pre.Add(1) }))
	require.NoError(t, err)
	defer p.Release()

	var wg sync.WaitGroup
	var ran atomic.Int32
	for i := 0; i < 32; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(func() {
			defer wg.Done()
			ran.Add(1)
		}))
	}
	wg.Wait()
	assert.EqualValues(t, 32, ran.Load())
	assert.EqualValues(t, 32, pre.Load())
	assert.Equal(t, 4, p.Cap())
}

func TestPoolUnbounded(t *testing.T) {
	p, err := NewPool(0, WithPreAlloc(true))
	require.NoError(t, err)
	defer p.Release()
	assert.Equal(t, -1, p.Cap())
}

func TestPoolReleased(t *testing.T) {
	p, err := NewPool(1)
	require.NoError(t, err)
	p.Release()
	p.Release()

	err = p.Submit(func() {})
	assert.ErrorIs(t, err, merr.ErrServiceShutdown)
}

func TestPoolConcealPanic(t *testing.T) {
	p, err := NewPool(1, WithConcealPanic(true))
	require.NoError(t, err)
	defer p.Release()

	require.NoError(t, p.Submit(func() { panic("boom") }))

	done := make(chan struct{})
	require.Eventually(t, func() bool {
		return p.Submit(func() { close(done) }) == nil
	}, time.Second, 10*time.Millisecond)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pool did not recover after panic")
	}
}
