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
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zapcore"
)

const (
	loggingMetricSubsystem = "logging"
	levelLabelName         = "level"
)

var (
	LoggingMetricsRegisterOnce sync.Once

	// LoggingEntries 为按级别统计的日志条数。
	LoggingEntries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: jsmNamespace,
		Subsystem: loggingMetricSubsystem,
		Name:      "entries_total",
		Help:      "已输出的日志条数",
	}, []string{levelLabelName})
)

// RegisterLoggingMetrics 将日志相关的指标注册到 Prometheus Registry 中。
func RegisterLoggingMetrics(r prometheus.Registerer) {
	LoggingMetricsRegisterOnce.Do(func() {
		r.MustRegister(LoggingEntries)
	})
}

// LoggingHook 返回一个 zap Hook，用于统计每条输出日志的级别。
// 通过 zap.Hooks(metrics.LoggingHook) 挂载到 Logger 上。
func LoggingHook(entry zapcore.Entry) error {
	LoggingEntries.WithLabelValues(entry.Level.String()).Inc()
	return nil
}
