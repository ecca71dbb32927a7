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

package log

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestRatedLogger(t *testing.T) {
	lg, _, err := InitTestLogger(t, &Config{Level: "debug"})
	require.NoError(t, err)

	ml := (&MLogger{Logger: lg}).WithRateGroup("log_test.rated", 0.0001, 1)
	assert.True(t, ml.RatedWarn(1, "first warning"))
	assert.False(t, ml.RatedWarn(1, "suppressed warning"))
	assert.False(t, ml.RatedDebug(1, "suppressed debug"))
}

// 子测试结束后，后台任务继续写日志不会调用 t.Logf。
func TestTestLoggerDropsAfterCleanup(t *testing.T) {
	var (
		lg    *zap.Logger
		props *ZapProperties
	)
	t.Run("session", func(t *testing.T) {
		var err error
		lg, props, err = InitTestLogger(t, &Config{Level: "debug"})
		require.NoError(t, err)
		lg.Info("session started")
		Ctx(context.Background()).Debug("routed through leveled logger")
	})

	w, ok := props.Syncer.(testWriter)
	require.True(t, ok)
	assert.Zero(t, w.sink.dropped.Load())

	lg.Info("session ended")
	Ctx(context.Background()).Error("late teardown")
	assert.EqualValues(t, 2, w.sink.dropped.Load())
}

func TestCtxFields(t *testing.T) {
	var buf bytes.Buffer
	lg, _, err := InitLoggerWithWriteSyncer(&Config{Level: "info", Format: "json"}, zapcore.AddSync(&buf))
	require.NoError(t, err)

	ctx := context.WithValue(context.Background(), CtxLogKey, &MLogger{Logger: lg})
	ctx = WithFields(ctx, FieldSession("route-1"), FieldModule("offline"))
	Ctx(ctx).Info("flushed", zap.Int("count", 2))
	Ctx(ctx).Debug("hidden")

	out := buf.String()
	assert.Contains(t, out, `"session":"route-1"`)
	assert.Contains(t, out, `"module":"offline"`)
	assert.Contains(t, out, `"count":2`)
	assert.NotContains(t, out, "hidden")
}

func TestFileLogger(t *testing.T) {
	dir := t.TempDir()
	lg, props, err := InitLogger(&Config{
		Level: "warn",
		File:  FileLogConfig{RootPath: dir, Filename: "jsm.log"},
	})
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, props.Level.Level())

	lg.Info("below level")
	lg.Warn("session replaced")
	require.NoError(t, lg.Sync())

	data, err := os.ReadFile(filepath.Join(dir, "jsm.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "session replaced")
	assert.NotContains(t, string(data), "below level")
}

func TestInitLoggerBadLevel(t *testing.T) {
	_, _, err := InitLogger(&Config{Level: "loud"})
	assert.Error(t, err)
}
