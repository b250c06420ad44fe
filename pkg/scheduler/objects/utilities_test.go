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

package objects

import (
	"context"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/fairshare-scheduler/fairshare-core/pkg/common/configs"
	"github.com/fairshare-scheduler/fairshare-core/pkg/common/resources"
)

const (
	treeID  = "default"
	poolA   = "pool-a"
	poolB   = "pool-b"
	opID1   = "op-1"
	opID2   = "op-2"
	opID3   = "op-3"
	nodeID1 = "node-1"
)

var (
	testTotal = resources.JobResources{10, 100, 10, 0, 0}
	testStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

// testController serves fixed pending jobs, all of the same shape.
type testController struct {
	pending   int
	jobShape  resources.JobResources
	aborted   map[string]AbortReason
	saturated bool
}

func newTestController(pending int, jobShape resources.JobResources) *testController {
	return &testController{pending: pending, jobShape: jobShape, aborted: make(map[string]AbortReason)}
}

func (c *testController) GetPendingJobCount() int {
	return c.pending
}

func (c *testController) GetNeededResources() resources.JobResources {
	return c.jobShape.Multiply(float64(c.pending))
}

func (c *testController) GetAggregatedMinNeededJobResources() resources.JobResources {
	return c.jobShape
}

func (c *testController) GetDetailedMinNeededJobResources() []resources.JobResourcesWithQuota {
	return []resources.JobResourcesWithQuota{resources.NewJobResourcesWithQuota(c.jobShape, nil)}
}

func (c *testController) ScheduleJob(context.Context, SchedulingContext, resources.JobResources, string) (*ControllerScheduleJobResult, error) {
	result := &ControllerScheduleJobResult{}
	result.RecordFail(FailNoPendingJobs)
	return result, nil
}

func (c *testController) AbortJob(jobID string, reason AbortReason) {
	c.aborted[jobID] = reason
}

func (c *testController) IsSaturatedInTentativeTree(time.Time, string, time.Duration) bool {
	return c.saturated
}

type testHost struct {
	limits      resources.JobResources
	connectedAt time.Time
}

func (h *testHost) GetResourceLimits(configs.SchedulingTagFilter) resources.JobResources {
	return h.limits
}

func (h *testHost) GetConnectionTime() time.Time {
	return h.connectedAt
}

func (h *testHost) GetNodeShardCount() int {
	return 1
}

func newTestTreeConfig() *configs.TreeConfig {
	tc := configs.NewDefaultTreeConfig(treeID)
	tc.FairShareStarvationTimeout = 60 * time.Second
	tc.FairShareAggressiveStarvationTimeout = 120 * time.Second
	return tc
}

func newTestRoot(tc *configs.TreeConfig) *Root {
	return NewRoot(treeID, tc, &testHost{limits: testTotal}, NewResourceTree())
}

func newTestPool(t *testing.T, parent Composite, name string, conf *configs.PoolConfig) *Pool {
	if conf == nil {
		conf = configs.NewDefaultPoolConfig(name)
	}
	conf.Name = name
	pb := parent.base()
	pool, err := NewPool(conf, treeID, pb.treeConfig, pb.host, pb.resourceTree)
	assert.NilError(t, err, "pool %s creation failed", name)
	pool.AttachParent(parent)
	return pool
}

// newRunningOperation attaches, runs and enables an operation below the parent.
func newRunningOperation(t *testing.T, parent Composite, id string, spec *configs.OperationSpec, controller OperationController, start time.Time) *Operation {
	pb := parent.base()
	op, err := NewOperation(id, treeID, spec, controller, start, pb.treeConfig, pb.host, pb.resourceTree)
	assert.NilError(t, err, "operation %s creation failed", id)
	op.AttachParent(parent)
	op.MarkOperationRunningInPool()
	op.Enable(start)
	return op
}

// updateTree runs a full update with the given fair shares on a snapshot of the live tree.
func updateTree(live *Root, now time.Time, fairShares map[string]resources.ResourceVector) *Root {
	snapshot := live.Clone()
	snapshot.PreUpdate(NewUpdateContext(now, testTotal))
	setFairShares(snapshot, fairShares)
	snapshot.PostUpdate()
	snapshot.UpdateStarvationStatuses(now)
	snapshot.TransferPersistentAttributes(live)
	snapshot.MarkImmutable()
	return snapshot
}

func setFairShares(e Element, fairShares map[string]resources.ResourceVector) {
	if share, ok := fairShares[e.GetID()]; ok {
		e.SetFairShare(share)
	}
	if c, ok := e.(Composite); ok {
		for _, child := range c.EnabledChildren() {
			setFairShares(child, fairShares)
		}
	}
}

func assertPanics(t *testing.T, fn func(), msg string) {
	t.Helper()
	defer func() {
		assert.Assert(t, recover() != nil, msg)
	}()
	fn()
}
