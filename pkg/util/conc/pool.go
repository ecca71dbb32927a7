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

	"github.com/cockroachdb/errors"
	ants "github.com/panjf2000/ants/v2"

	"github.com/lk2023060901/jsm-go/pkg/util/merr"
)

// Pool 是对 ants.Pool 的薄封装，统一 panic 处理与提交失败的错误语义。
type Pool struct {
	inner *ants.Pool
	opt   *poolOption

	releaseOnce sync.Once
}

// NewPool 创建一个协程池。
//
// 参数：
//   - cap：最大并发 worker 数；小于等于 0 表示不限制。
//   - opts：可选配置项。
func NewPool(cap int, opts ...PoolOption) (*Pool, error) {
	opt := defaultPoolOption()
	for _, o := range opts {
		o(opt)
	}
	if cap <= 0 {
		cap = -1
	}
	// 不限制容量时 ants 不支持预分配。
	if cap < 0 {
		opt.preAlloc = false
	}

	inner, err := ants.NewPool(cap, opt.antsOptions()...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create ants pool")
	}
	return &Pool{inner: inner, opt: opt}, nil
}

// Submit 提交一个任务到协程池执行。
//
// 返回：
//   - 池已关闭时返回 merr.ErrServiceShutdown；
//   - 非阻塞模式下池已满时返回 merr.ErrServiceUnavailable。
func (p *Pool) Submit(task func()) error {
	fn := task
	if pre := p.opt.preHandler; pre != nil {
		fn = func() {
			pre()
			task()
		}
	}
	err := p.inner.Submit(fn)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ants.ErrPoolClosed):
		return merr.ErrServiceShutdown
	case errors.Is(err, ants.ErrPoolOverload):
		return merr.WrapErrServiceUnavailable("worker pool overload")
	default:
		return err
	}
}

// Running 返回当前正在执行任务的 worker 数。
func (p *Pool) Running() int {
	return p.inner.Running()
}

// Cap 返回协程池容量；不限制时返回 -1。
func (p *Pool) Cap() int {
	return p.inner.Cap()
}

// Release 关闭协程池。已提交的任务会继续执行完毕，重复调用是安全的。
func (p *Pool) Release() {
	p.releaseOnce.Do(p.inner.Release)
}
