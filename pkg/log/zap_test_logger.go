// Copyright 2021 PingCAP, Inc.
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

// Copyright (c) 2017 Uber Technologies, Inc.
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

// 说明：本文件中的部分代码基于 go.uber.org/zap 中的实现，遵循 MIT 许可。
//
// https://github.com/uber-go/zap/blob/0c427222737cbbbdc53ebdf852c511f7aca0818b/zaptest/logger.go

package log

import (
	"bytes"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap/zaptest"
)

// cleanupT 为可以登记清理函数的 TestingT，*testing.T 与 *testing.B 都满足。
type cleanupT interface {
	zaptest.TestingT
	Cleanup(func())
}

// testSink 将日志转写到 t.Logf。
//
// 说明：
//   - 测试进入清理阶段后 sink 关闭，之后的写入直接丢弃并计数；
//   - 会话拆除等后台任务可能晚于测试函数返回，关闭前正在进行的写入会先完成。
type testSink struct {
	t zaptest.TestingT

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

func newTestSink(t zaptest.TestingT) *testSink {
	s := &testSink{t: t}
	if ct, ok := t.(cleanupT); ok {
		ct.Cleanup(s.close)
	}
	return s
}

func (s *testSink) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *testSink) write(p []byte, fail bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Inc()
		return
	}
	// t.Logf 自带换行。
	s.t.Logf("%s", bytes.TrimRight(p, "\n"))
	if fail {
		s.t.Fail()
	}
}

// testWriter 为 testSink 的 WriteSyncer 视图，failing 为 true 时每次写入都把测试标记为失败。
type testWriter struct {
	sink    *testSink
	failing bool
}

func (w testWriter) Write(p []byte) (int, error) {
	w.sink.write(p, w.failing)
	return len(p), nil
}

func (w testWriter) Sync() error {
	return nil
}
