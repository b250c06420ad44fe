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
package scheduler

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/fairshare-scheduler/fairshare-core/pkg/log"
	"github.com/fairshare-scheduler/fairshare-core/pkg/scheduler/objects"
	"github.com/fairshare-scheduler/fairshare-core/pkg/webservice/dao"
)

const defaultHealthCheckInterval = 30 * time.Second

// a snapshot older than this many update periods is stale
const staleSnapshotFactor = 10

type HealthChecker struct {
	interval time.Duration
	stopChan chan struct{}
}

func NewHealthChecker(interval time.Duration) *HealthChecker {
	if interval <= 0 {
		interval = defaultHealthCheckInterval
	}
	return &HealthChecker{
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start runs the checks immediately and then every interval until Stop.
func (c *HealthChecker) Start(strategy *FairShareStrategy) {
	c.runOnce(strategy, time.Now())
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopChan:
				return
			case now := <-ticker.C:
				c.runOnce(strategy, now)
			}
		}
	}()
}

func (c *HealthChecker) Stop() {
	close(c.stopChan)
}

func (c *HealthChecker) runOnce(strategy *FairShareStrategy, now time.Time) {
	result := GetSchedulerHealthStatus(strategy, now)
	strategy.SetLastHealthCheckResult(&result)
	if !result.Healthy {
		log.Log(log.Diagnostics).Warn("scheduler is not healthy",
			zap.Any("healthChecks", result.HealthChecks))
	} else {
		log.Log(log.Diagnostics).Debug("scheduler is healthy",
			zap.Int("checks", len(result.HealthChecks)))
	}
}

// GetSchedulerHealthStatus runs all checks on every tree of the strategy.
func GetSchedulerHealthStatus(strategy *FairShareStrategy, now time.Time) dao.SchedulerHealthDAOInfo {
	var info dao.SchedulerHealthDAOInfo
	for _, treeID := range strategy.GetTreeIDs() {
		tree := strategy.GetTree(treeID)
		if tree == nil {
			continue
		}
		checkTree(&info, tree, now)
	}
	info.SetHealthStatus()
	return info
}

func checkTree(info *dao.SchedulerHealthDAOInfo, tree *FairShareTree, now time.Time) {
	treeID := tree.GetTreeID()
	ts := tree.GetSnapshot()
	if ts == nil {
		info.AddHealthCheckInfo(false, "Tree snapshot", treeID,
			"Check that a fair share update has published a snapshot", "No snapshot published yet")
		return
	}
	maxAge := staleSnapshotFactor * ts.TreeConfig.FairShareUpdatePeriod
	age := now.Sub(ts.BuildTime)
	info.AddHealthCheckInfo(maxAge <= 0 || age <= maxAge, "Tree snapshot", treeID,
		"Check that the fair share update is running",
		fmt.Sprintf("Snapshot %s is %s old", ts.ID, age.Round(time.Millisecond)))

	var negative []string
	checkElement := func(e objects.Element) {
		if !e.GetResourceUsageAtUpdate().IsNonNegative() {
			negative = append(negative, e.GetID())
		}
	}
	checkElement(ts.Root)
	for _, pool := range ts.Root.Pools() {
		checkElement(pool)
	}
	operationIDs := maps.Keys(ts.Root.EnabledOperations())
	slices.Sort(operationIDs)
	var hung, starving []string
	for _, id := range operationIDs {
		checkElement(ts.Root.FindEnabledOperation(id))
		alerts, err := tree.GetOperationAlerts(id)
		if err != nil {
			continue
		}
		if _, ok := alerts[objects.AlertOperationIsHung]; ok {
			hung = append(hung, id)
		}
		if _, ok := alerts[objects.AlertLongStarvation]; ok {
			starving = append(starving, id)
		}
	}
	slices.Sort(negative)
	info.AddHealthCheckInfo(len(negative) == 0, "Negative resources", treeID,
		"Check for negative resource usage in the tree elements",
		fmt.Sprintf("Elements with negative usage: %q", negative))
	info.AddHealthCheckInfo(len(hung) == 0, "Hung operations", treeID,
		"Check for operations that do not get scheduled while they have pending jobs",
		fmt.Sprintf("Hung operations: %q", hung))
	info.AddHealthCheckInfo(len(starving) == 0, "Long starvation", treeID,
		"Check for operations starving longer than the aggressive starvation timeout allows",
		fmt.Sprintf("Starving operations: %q", starving))
}
