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

// Package locking wraps the mutex types used by the tree, the resource tree and the shared operation
// state so that deadlock and lock order detection can be switched on without code changes.
package locking

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	godeadlock "github.com/sasha-s/go-deadlock"

	"github.com/fairshare-scheduler/fairshare-core/pkg/log"
)

const (
	EnvDeadlockDetectionEnabled = "DEADLOCK_DETECTION_ENABLED"
	EnvDeadlockTimeoutSeconds   = "DEADLOCK_TIMEOUT_SECONDS"
	EnvExitOnDeadlock           = "DEADLOCK_EXIT"
	EnvDisableLockOrder         = "DEADLOCK_DISABLE_LOCK_ORDER"

	defaultDeadlockTimeout = 60 * time.Second
)

// DetectionOptions controls the go-deadlock behaviour of all locks created by this package.
type DetectionOptions struct {
	Enabled          bool
	Timeout          time.Duration
	ExitOnDeadlock   bool
	DisableLockOrder bool
}

var (
	current          atomic.Pointer[DetectionOptions]
	deadlockDetected atomic.Bool
	testingMode      atomic.Bool
	reportBuf        = &reportBuffer{}
)

// reportBuffer collects the go-deadlock report until it is flushed to the diagnostics log
type reportBuffer struct {
	sync.Mutex
	data []byte
}

func (b *reportBuffer) Write(p []byte) (int, error) {
	b.Lock()
	defer b.Unlock()
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *reportBuffer) flush() string {
	b.Lock()
	defer b.Unlock()
	out := string(b.data)
	b.data = b.data[:0]
	return out
}

func init() {
	Configure(OptionsFromEnv())
}

// OptionsFromEnv reads the detection options from the environment, unparsable values fall back to the defaults.
func OptionsFromEnv() DetectionOptions {
	opts := DetectionOptions{Timeout: defaultDeadlockTimeout}
	opts.Enabled = envBool(EnvDeadlockDetectionEnabled)
	opts.ExitOnDeadlock = envBool(EnvExitOnDeadlock)
	opts.DisableLockOrder = envBool(EnvDisableLockOrder)
	if secs, err := strconv.ParseInt(os.Getenv(EnvDeadlockTimeoutSeconds), 10, 32); err == nil && secs > 0 {
		opts.Timeout = time.Duration(secs) * time.Second
	}
	return opts
}

func envBool(name string) bool {
	value, err := strconv.ParseBool(os.Getenv(name))
	return err == nil && value
}

// Configure applies the options to go-deadlock. Locks created before the call pick up the change.
func Configure(opts DetectionOptions) {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultDeadlockTimeout
	}
	current.Store(&opts)
	godeadlock.Opts.Disable = !opts.Enabled
	godeadlock.Opts.DeadlockTimeout = opts.Timeout
	godeadlock.Opts.LogBuf = reportBuf
	godeadlock.Opts.OnPotentialDeadlock = onPotentialDeadlock
	godeadlock.Opts.DisableLockOrderDetection = opts.DisableLockOrder
	if opts.Enabled {
		// written before logging is initialised: logging itself may take locks
		_, _ = fmt.Fprintf(os.Stderr, "=== Deadlock detection enabled (timeout: %s, exit on deadlock: %t, lock order disabled: %t) ===\n",
			opts.Timeout, opts.ExitOnDeadlock, opts.DisableLockOrder)
	}
}

func onPotentialDeadlock() {
	deadlockDetected.Store(true)
	if report := reportBuf.flush(); report != "" {
		log.Log(log.Diagnostics).Error(report)
	} else {
		log.Log(log.Diagnostics).Error("POTENTIAL DEADLOCK: No details available")
	}
	if current.Load().ExitOnDeadlock && !testingMode.Load() {
		os.Exit(1)
	}
}

func IsTrackingEnabled() bool {
	return current.Load().Enabled
}

func GetDeadlockTimeout() time.Duration {
	return current.Load().Timeout
}

func IsDeadlockDetected() bool {
	return deadlockDetected.Load()
}

type Mutex struct {
	godeadlock.Mutex
}

type RWMutex struct {
	godeadlock.RWMutex
}
