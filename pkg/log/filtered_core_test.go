/*
 Licensed to the Apache Software Foundation (ASF) under one
 or more contributor license agreements.  See the NOTICE file
 distributed with this work for additional information
 regarding copyright ownership.  The ASF licenses this file
 to you under the Apache License, Version 2.0 (the
 "License"); you may not use this file except in compliance
 with the License.  You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

 Unless required by applicable law or agreed to in writing, software
 distributed under the License is distributed on an "AS IS" BASIS,
 WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 See the License for the specific language governing permissions and
 limitations under the License.
*/

package log

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gotest.tools/v3/assert"
)

func TestFilteredCoreWithFields(t *testing.T) {
	inner, logs := observer.New(zapcore.DebugLevel)
	child := zap.New(filteredCore{level: zapcore.WarnLevel, inner: inner}).With(zap.String("operationID", "op-1"))

	child.Debug("dropped")
	child.Info("dropped")
	child.Warn("kept")
	child.Error("kept")

	entries := logs.All()
	assert.Equal(t, 2, len(entries))
	for _, entry := range entries {
		assert.Equal(t, "kept", entry.Message)
		assert.Equal(t, "op-1", entry.ContextMap()["operationID"])
	}
	assert.Assert(t, !child.Core().Enabled(zapcore.InfoLevel))
}

func TestFilteredCoreInnerLevel(t *testing.T) {
	inner, logs := observer.New(zapcore.ErrorLevel)
	core := filteredCore{level: zapcore.DebugLevel, inner: inner}
	assert.Assert(t, !core.Enabled(zapcore.WarnLevel), "inner level still applies")

	zap.New(core).Warn("dropped")
	assert.Equal(t, 0, logs.Len())
}
