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
)

// Set 为以 map 实现的集合，不支持并发写。
type Set[T comparable] map[T]struct{}

// StringSet 为字符串集合，实例用它保存配置中的管理员 bare 地址。
type StringSet = Set[string]

func NewStringSet(elements ...string) StringSet {
	set := make(StringSet, len(elements))
	set.Insert(elements...)
	return set
}

// Insert 加入元素，已有的元素保持不变。
func (set Set[T]) Insert(elements ...T) {
	for _, e := range elements {
		set[e] = struct{}{}
	}
}

// Contain 在所有元素都在集合中时返回 true。
func (set Set[T]) Contain(elements ...T) bool {
	for _, e := range elements {
		if _, ok := set[e]; !ok {
			return false
		}
	}
	return true
}

// ConcurrentSet 为并发安全的集合，实例用它登记已加载的模块名。
type ConcurrentSet[T comparable] struct {
	inner sync.Map
}

func NewConcurrentSet[T comparable]() *ConcurrentSet[T] {
	return &ConcurrentSet[T]{}
}

// Insert 加入 element，element 原本不在集合中时返回 true。
func (set *ConcurrentSet[T]) Insert(element T) bool {
	_, loaded := set.inner.LoadOrStore(element, struct{}{})
	return !loaded
}

// TryRemove 移除 element，element 原本在集合中时返回 true。
func (set *ConcurrentSet[T]) TryRemove(element T) bool {
	_, loaded := set.inner.LoadAndDelete(element)
	return loaded
}

// Collect 返回集合元素的快照，顺序不固定。
func (set *ConcurrentSet[T]) Collect() []T {
	var elements []T
	set.inner.Range(func(key, _ any) bool {
		elements = append(elements, key.(T))
		return true
	})
	return elements
}
