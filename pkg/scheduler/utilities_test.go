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
	"context"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/fairshare-scheduler/fairshare-core/pkg/common/configs"
	"github.com/fairshare-scheduler/fairshare-core/pkg/common/resources"
	"github.com/fairshare-scheduler/fairshare-core/pkg/mock"
	"github.com/fairshare-scheduler/fairshare-core/pkg/scheduler/hdrf"
	"github.com/fairshare-scheduler/fairshare-core/pkg/scheduler/objects"
)

const (
	treeID  = "default"
	poolA   = "a"
	poolB   = "b"
	nodeID1 = "node-1"
	opID1   = "op-1"
	opID2   = "op-2"
)

var (
	testStart = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	nodeSize  = resources.JobResources{10, 100, 10, 10, 10}
	smallJob  = resources.JobResources{1, 0, 1, 0, 0}
	largeJob  = resources.JobResources{10, 0, 1, 0, 0}
)

// fixedShares assigns the listed fair shares and leaves every other element at zero.
type fixedShares map[string]resources.ResourceVector

func (f fixedShares) UpdateFairShare(root *objects.Root, _ *objects.UpdateContext) {
	root.SetFairShare(resources.Ones())
	var walk func(c objects.Composite)
	walk = func(c objects.Composite) {
		for _, child := range c.EnabledChildren() {
			if share, ok := f[child.GetID()]; ok {
				child.SetFairShare(share)
			}
			if composite, ok := child.(objects.Composite); ok {
				walk(composite)
			}
		}
	}
	walk(root)
}

func newTestTreeConfig() *configs.TreeConfig {
	tc := configs.NewDefaultTreeConfig(treeID)
	tc.Pools = []configs.PoolConfig{*configs.NewDefaultPoolConfig(poolA), *configs.NewDefaultPoolConfig(poolB)}
	return tc
}

// newTestTree creates a tree with two pools on a host with a single node of nodeSize.
func newTestTree(t *testing.T, tc *configs.TreeConfig, updater FairShareUpdater) *FairShareTree {
	if tc == nil {
		tc = newTestTreeConfig()
	}
	if updater == nil {
		updater = hdrf.NewUpdater()
	}
	host := mock.NewStrategyHost(tc.NodeShardCount, testStart.Add(-time.Hour))
	host.AddNode(nodeID1, nil, nodeSize)
	tree, err := NewFairShareTree(tc, host, updater)
	assert.NilError(t, err, "tree create failed")
	return tree
}

// addOperation registers and enables an operation served by a mock controller.
func addOperation(t *testing.T, tree *FairShareTree, id, pool string, pending int, shape resources.JobResources, now time.Time) *mock.Controller {
	controller := mock.NewController(pending, shape)
	assert.NilError(t, tree.RegisterOperation(id, &configs.OperationSpec{Pool: pool}, controller, now), "register %s failed", id)
	assert.NilError(t, tree.EnableOperation(id, now), "enable %s failed", id)
	return controller
}

func updateTree(t *testing.T, tree *FairShareTree, now time.Time) *TreeSnapshot {
	ts, err := tree.UpdateFairShare(now)
	assert.NilError(t, err, "fair share update failed")
	return ts
}

func newNodeContext(limits resources.JobResources, running []*objects.Job, now time.Time) *objects.NodeSchedulingContext {
	return objects.NewNodeSchedulingContext(objects.NodeDescriptor{
		ID:             nodeID1,
		ResourceLimits: limits,
	}, running, now)
}

func runHeartbeat(t *testing.T, tree *FairShareTree, sc objects.SchedulingContext) *SchedulingStatistics {
	statistics, err := tree.ProcessSchedulingHeartbeat(context.Background(), sc, nil)
	assert.NilError(t, err, "heartbeat failed")
	return statistics
}

func stageByName(statistics *SchedulingStatistics, name string) *StageStatistics {
	for i := range statistics.Stages {
		if statistics.Stages[i].Name == name {
			return &statistics.Stages[i]
		}
	}
	return nil
}

// assertPartition checks that every tracked job is in exactly one list and the list usages add up.
func assertPartition(t *testing.T, state *OperationSharedState) {
	t.Helper()
	total := resources.Zero
	seen := make(map[string]bool)
	for status := objects.JobPreemptionStatus(0); status < objects.JobPreemptionStatusCount; status++ {
		total = total.Add(state.GetResourceUsage(status))
		ids := state.GetJobIDs(status)
		assert.Equal(t, len(ids), state.GetJobCount(status))
		for _, id := range ids {
			assert.Assert(t, !seen[id], "job %s is in more than one list", id)
			seen[id] = true
			actual, ok := state.GetJobPreemptionStatus(id)
			assert.Assert(t, ok)
			assert.Equal(t, status, actual)
		}
	}
	assert.Equal(t, len(seen), state.GetRunningJobCount())
	assert.Equal(t, total, state.GetTotalResourceUsage())
}
