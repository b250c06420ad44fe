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
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimitedLogger drops messages that arrive faster than one per interval.
// Used on the heartbeat hot path where the same event repeats for every node.
type RateLimitedLogger struct {
	logger  *zap.Logger
	limiter *rate.Limiter
}

// RateLimitedLog provides a logger that only logs once within a specified duration.
func RateLimitedLog(handle *LoggerHandle, every time.Duration) *RateLimitedLogger {
	return &RateLimitedLogger{
		logger:  Log(handle),
		limiter: rate.NewLimiter(rate.Every(every), 1),
	}
}

func (rl *RateLimitedLogger) Debug(msg string, fields ...zap.Field) {
	if rl.limiter.Allow() {
		rl.logger.Debug(msg, fields...)
	}
}

func (rl *RateLimitedLogger) Info(msg string, fields ...zap.Field) {
	if rl.limiter.Allow() {
		rl.logger.Info(msg, fields...)
	}
}

func (rl *RateLimitedLogger) Warn(msg string, fields ...zap.Field) {
	if rl.limiter.Allow() {
		rl.logger.Warn(msg, fields...)
	}
}

func (rl *RateLimitedLogger) Error(msg string, fields ...zap.Field) {
	if rl.limiter.Allow() {
		rl.logger.Error(msg, fields...)
	}
}

// KeyedRateLimitedLogger keeps one limiter per key, e.g. per deactivation reason,
// so a frequent event does not hide a rare one logged through the same call site.
type KeyedRateLimitedLogger struct {
	logger  *zap.Logger
	every   time.Duration
	loggers map[string]*RateLimitedLogger

	sync.Mutex
}

func KeyedRateLimitedLog(handle *LoggerHandle, every time.Duration) *KeyedRateLimitedLogger {
	return &KeyedRateLimitedLogger{
		logger:  Log(handle),
		every:   every,
		loggers: make(map[string]*RateLimitedLogger),
	}
}

// For returns the limited logger of the key, creating it on first use.
func (kl *KeyedRateLimitedLogger) For(key string) *RateLimitedLogger {
	kl.Lock()
	defer kl.Unlock()
	rl, ok := kl.loggers[key]
	if !ok {
		rl = &RateLimitedLogger{
			logger:  kl.logger,
			limiter: rate.NewLimiter(rate.Every(kl.every), 1),
		}
		kl.loggers[key] = rl
	}
	return rl
}
