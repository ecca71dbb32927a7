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

package metrics

import (
	// #nosec
	_ "net/http/pprof"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// jsmNamespace 是当前项目所有 Prometheus 指标使用的命名空间。
	jsmNamespace = "jsm"

	// 以下为当前使用的通用标签名。
	hostLabelName      = "host"
	eventLabelName     = "event"
	resultLabelName    = "result"
	conditionLabelName = "condition"
	directionLabelName = "direction"
	opLabelName        = "op"
)

// 常用标签值。
const (
	SuccessLabel = "ok"
	FailLabel    = "fail"

	DirectionIn      = "in"
	DirectionOut     = "out"
	DirectionRemote  = "remote"
	DirectionServer  = "server"
	DirectionOffline = "offline"
)

var (
	// buckets 为耗时直方图的桶划分，单位为毫秒。
	// 实际桶分布为：
	// [0.05 0.1 0.2 0.4 0.8 1.6 3.2 6.4 12.8 25.6 51.2 102.4 204.8 409.6]
	buckets = prometheus.ExponentialBuckets(0.05, 2, 14)

	// SessionsActive 为各 host 上当前处于 ACTIVE 状态的会话数。
	SessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: jsmNamespace,
			Name:      "sessions_active",
			Help:      "number of live sessions",
		}, []string{hostLabelName})

	// SessionsTotal 为会话创建结果计数。
	SessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: jsmNamespace,
			Name:      "sessions_total",
			Help:      "number of session creation attempts",
		}, []string{hostLabelName, resultLabelName})

	// UsersCached 为各 host 用户表中缓存的用户数。
	UsersCached = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: jsmNamespace,
			Name:      "users_cached",
			Help:      "number of user records held in memory",
		}, []string{hostLabelName})

	// PacketsTotal 为按方向统计的报文数。
	PacketsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: jsmNamespace,
			Name:      "packets_total",
			Help:      "number of packets routed",
		}, []string{directionLabelName})

	// DispatchLatency 为单次事件分发（遍历整条监听链）的耗时。
	DispatchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: jsmNamespace,
			Name:      "dispatch_latency",
			Help:      "latency of one event dispatch in milliseconds",
			Buckets:   buckets,
		}, []string{eventLabelName})

	// DispatchResults 为监听器答复计数，按事件与答复分组。
	DispatchResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: jsmNamespace,
			Name:      "dispatch_results_total",
			Help:      "number of listener results per event",
		}, []string{eventLabelName, resultLabelName})

	// BouncesTotal 为按错误条件统计的退信数。
	BouncesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: jsmNamespace,
			Name:      "bounces_total",
			Help:      "number of packets bounced back to the sender",
		}, []string{conditionLabelName})

	// GCCollected 为用户表回收的用户数。
	GCCollected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: jsmNamespace,
			Name:      "gc_collected_total",
			Help:      "number of idle user records dropped by the collector",
		}, []string{hostLabelName})

	// XDBOps 为存储访问结果计数。
	XDBOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: jsmNamespace,
			Name:      "xdb_ops_total",
			Help:      "number of storage operations",
		}, []string{opLabelName, resultLabelName})

	metricRegisterer prometheus.Registerer
)

// GetRegisterer 返回全局 Prometheus Registerer。
// 如果尚未通过 Register 显式设置，则返回 prometheus.DefaultRegisterer。
func GetRegisterer() prometheus.Registerer {
	if metricRegisterer == nil {
		return prometheus.DefaultRegisterer
	}
	return metricRegisterer
}

// Register 注册当前定义的所有指标。
// 通常应在进程启动时调用一次。
func Register(r prometheus.Registerer) {
	r.MustRegister(SessionsActive)
	r.MustRegister(SessionsTotal)
	r.MustRegister(UsersCached)
	r.MustRegister(PacketsTotal)
	r.MustRegister(DispatchLatency)
	r.MustRegister(DispatchResults)
	r.MustRegister(BouncesTotal)
	r.MustRegister(GCCollected)
	r.MustRegister(XDBOps)
	metricRegisterer = r
}
