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

package configs

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/fairshare-scheduler/fairshare-core/pkg/locking"
	"github.com/fairshare-scheduler/fairshare-core/pkg/log"
)

// ConfigReloader receives a changed and validated tree config.
type ConfigReloader interface {
	ReloadTreeConfig(conf *TreeConfig) error
}

// ConfigWatcher polls a tree config file and calls the reloader when the checksum changes.
type ConfigWatcher struct {
	path     string
	interval time.Duration
	reloader ConfigReloader
	checksum string

	locking.Mutex
}

func NewConfigWatcher(path string, interval time.Duration, reloader ConfigReloader) *ConfigWatcher {
	return &ConfigWatcher{
		path:     path,
		interval: interval,
		reloader: reloader,
	}
}

// SetChecksum records the checksum of the config already applied.
func (cw *ConfigWatcher) SetChecksum(checksum string) {
	cw.Lock()
	defer cw.Unlock()
	cw.checksum = checksum
}

// RunOnce checks the file once, returns true if a new config was applied.
func (cw *ConfigWatcher) RunOnce() bool {
	cw.Lock()
	defer cw.Unlock()
	content, err := os.ReadFile(cw.path)
	if err != nil {
		log.Log(log.Config).Warn("failed to read tree configuration, ignoring reload",
			zap.String("path", cw.path),
			zap.Error(err))
		return false
	}
	conf, err := LoadTreeConfigFromByteArray(content)
	if err != nil {
		return false
	}
	if conf.Checksum == cw.checksum {
		log.Log(log.Config).Debug("tree configuration unchanged")
		return false
	}
	if err = cw.reloader.ReloadTreeConfig(conf); err != nil {
		log.Log(log.Config).Warn("tree configuration reload rejected",
			zap.String("checksum", conf.Checksum),
			zap.Error(err))
		return false
	}
	log.Log(log.Config).Info("tree configuration reloaded",
		zap.String("checksum", conf.Checksum))
	cw.checksum = conf.Checksum
	return true
}

// Run polls until the context is cancelled.
func (cw *ConfigWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(cw.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cw.RunOnce()
		}
	}
}
