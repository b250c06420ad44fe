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

package locking

import (
	"sync/atomic"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func withTracking(t *testing.T, order bool) {
	testingMode.Store(true)
	deadlockDetected.Store(false)
	Configure(DetectionOptions{Enabled: true, Timeout: time.Second, DisableLockOrder: !order})
	t.Cleanup(func() {
		Configure(DetectionOptions{})
		testingMode.Store(false)
	})
}

func TestOptionsFromEnv(t *testing.T) {
	t.Setenv(EnvDeadlockDetectionEnabled, "true")
	t.Setenv(EnvDeadlockTimeoutSeconds, "5")
	t.Setenv(EnvDisableLockOrder, "not-a-bool")
	opts := OptionsFromEnv()
	assert.Assert(t, opts.Enabled)
	assert.Equal(t, 5*time.Second, opts.Timeout)
	assert.Assert(t, !opts.DisableLockOrder, "bad value should fall back to false")

	t.Setenv(EnvDeadlockTimeoutSeconds, "-1")
	assert.Equal(t, defaultDeadlockTimeout, OptionsFromEnv().Timeout)
}

func TestConfigureDefaultsTimeout(t *testing.T) {
	defer Configure(DetectionOptions{})
	Configure(DetectionOptions{Enabled: false})
	assert.Assert(t, !IsTrackingEnabled())
	assert.Equal(t, defaultDeadlockTimeout, GetDeadlockTimeout())
}

func TestDeadlockDetection(t *testing.T) {
	withTracking(t, true)
	var mutex Mutex
	go func() {
		mutex.Lock()
		mutex.Lock()
		mutex.Unlock()
	}()
	time.Sleep(2 * time.Second)
	mutex.Unlock()
	assert.Assert(t, IsDeadlockDetected(), "deadlock should have been detected")
}

func TestRWMutexWritersWaitForReader(t *testing.T) {
	var mutex RWMutex
	var count atomic.Int32
	mutex.RLock()
	for i := 0; i < 2; i++ {
		go func() {
			mutex.Lock()
			count.Add(1)
			mutex.Unlock()
		}()
	}
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), count.Load())
	mutex.RUnlock()
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, int32(2), count.Load())
}

func BenchmarkUntrackedRWMutexRead(b *testing.B) {
	Configure(DetectionOptions{})
	var lock RWMutex
	for i := 0; i < b.N; i++ {
		lock.RLock()
		lock.RUnlock()
	}
}
