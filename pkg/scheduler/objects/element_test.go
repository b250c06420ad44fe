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
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"gotest.tools/v3/assert"

	"github.com/fairshare-scheduler/fairshare-core/pkg/common/configs"
	"github.com/fairshare-scheduler/fairshare-core/pkg/common/resources"
)

var halfCPUAndSlots = resources.ResourceVector{0.5, 0, 0.5, 0, 0}

func TestTreeEnumeration(t *testing.T) {
	root := newTestRoot(newTestTreeConfig())
	a := newTestPool(t, root, poolA, nil)
	newTestPool(t, root, poolB, nil)
	newRunningOperation(t, a, opID1, nil, newTestController(2, resources.JobResources{1, 0, 1, 0, 0}), testStart)
	newRunningOperation(t, a, opID2, nil, newTestController(0, resources.Zero), testStart)

	snapshot := updateTree(root, testStart, nil)
	assert.Equal(t, 5, snapshot.GetTreeSize())
	assert.Equal(t, 3, snapshot.GetSchedulableElementCount())
	assert.Equal(t, 0, snapshot.GetTreeIndex())
	assert.Equal(t, 1, snapshot.FindPool(poolA).GetTreeIndex())
	assert.Equal(t, 2, snapshot.FindOperation(opID1).GetTreeIndex())
	assert.Equal(t, 3, snapshot.FindOperation(opID2).GetTreeIndex(), "unschedulable elements come after the schedulable ones")
	assert.Equal(t, 4, snapshot.FindPool(poolB).GetTreeIndex())
	assert.Assert(t, !snapshot.FindPool(poolB).IsSchedulable(), "empty pool is not schedulable")
	assert.Equal(t, UnschedulableNoPendingJobs, snapshot.FindOperation(opID2).GetUnschedulableReason())

	for i := 0; i < snapshot.GetTreeSize(); i++ {
		e := snapshot.GetElementByTreeIndex(i)
		assert.Assert(t, e != nil, "no element at index %d", i)
		assert.Equal(t, i, e.GetTreeIndex())
	}
	assert.Assert(t, snapshot.GetElementByTreeIndex(5) == nil)
	assert.Assert(t, snapshot.GetElementByTreeIndex(-1) == nil)

	// the live tree is never enumerated
	assert.Equal(t, -1, root.GetTreeIndex())
}

func TestSnapshotIsImmutable(t *testing.T) {
	root := newTestRoot(newTestTreeConfig())
	a := newTestPool(t, root, poolA, nil)
	op := newRunningOperation(t, a, opID1, nil, newTestController(1, resources.JobResources{1, 0, 1, 0, 0}), testStart)

	snapshot := updateTree(root, testStart, nil)
	assert.Assert(t, !snapshot.IsMutable())
	assertPanics(t, func() {
		snapshot.FindOperation(opID1).SetFairShare(halfCPUAndSlots)
	}, "writing a published snapshot must panic")
	assertPanics(t, func() {
		snapshot.FindOperation(opID1).SetSuspended(true)
	}, "suspending in a published snapshot must panic")

	op.SetSuspended(true)
	assert.Assert(t, op.IsSuspended())
	assert.Assert(t, !snapshot.FindOperation(opID1).IsSuspended(), "snapshot must not see live changes")
}

func TestStructureContractViolations(t *testing.T) {
	root := newTestRoot(newTestTreeConfig())
	a := newTestPool(t, root, poolA, nil)
	op := newRunningOperation(t, a, opID1, nil, newTestController(1, resources.Zero), testStart)

	assertPanics(t, func() { op.AttachParent(root) }, "double attach must panic")
	assertPanics(t, func() { a.DetachParent() }, "detaching a pool with operations must panic")
	op.DetachParent()
	assertPanics(t, func() { op.DetachParent() }, "double detach must panic")
	a.DetachParent()
	assert.Equal(t, 0, len(root.EnabledChildren()))
}

func TestStarvationAfterTimeout(t *testing.T) {
	root := newTestRoot(newTestTreeConfig())
	a := newTestPool(t, root, poolA, nil)
	newRunningOperation(t, a, opID1, nil, newTestController(10, resources.JobResources{1, 0, 1, 0, 0}), testStart)
	shares := map[string]resources.ResourceVector{opID1: halfCPUAndSlots}

	snapshot := updateTree(root, testStart, shares)
	op := snapshot.FindOperation(opID1)
	assert.Equal(t, resources.ResourceVector{1, 0, 1, 0, 0}, op.GetAttributes().DemandShare)
	assert.Equal(t, StatusBelowFairShare, op.GetStatus(true))
	assert.Equal(t, NonStarving, op.GetStarvationStatus())
	assert.Equal(t, testStart, op.GetPersistentAttributes().BelowFairShareSince)

	snapshot = updateTree(root, testStart.Add(59*time.Second), shares)
	op = snapshot.FindOperation(opID1)
	assert.Equal(t, NonStarving, op.GetStarvationStatus())
	assert.Assert(t, op.GetLowestStarvingAncestor() == nil)

	snapshot = updateTree(root, testStart.Add(61*time.Second), shares)
	op = snapshot.FindOperation(opID1)
	assert.Equal(t, Starving, op.GetStarvationStatus())
	assert.Equal(t, opID1, op.GetLowestStarvingAncestor().GetID())
	assert.Assert(t, op.GetLowestAggressivelyStarvingAncestor() == nil, "aggressive starvation is disabled")

	// back to normal resets the timer
	snapshot = updateTree(root, testStart.Add(62*time.Second), nil)
	op = snapshot.FindOperation(opID1)
	assert.Equal(t, StatusNormal, op.GetStatus(true))
	assert.Equal(t, NonStarving, op.GetStarvationStatus())
	assert.Assert(t, op.GetPersistentAttributes().BelowFairShareSince.IsZero())
	assert.Equal(t, testStart.Add(62*time.Second), op.GetPersistentAttributes().LastNonStarvingTime)
}

func TestAggressiveStarvation(t *testing.T) {
	tc := newTestTreeConfig()
	tc.EnableAggressiveStarvation = true
	root := newTestRoot(tc)
	a := newTestPool(t, root, poolA, nil)
	newRunningOperation(t, a, opID1, nil, newTestController(10, resources.JobResources{1, 0, 1, 0, 0}), testStart)
	shares := map[string]resources.ResourceVector{opID1: halfCPUAndSlots}

	updateTree(root, testStart, shares)
	snapshot := updateTree(root, testStart.Add(61*time.Second), shares)
	assert.Equal(t, Starving, snapshot.FindOperation(opID1).GetStarvationStatus())
	snapshot = updateTree(root, testStart.Add(121*time.Second), shares)
	op := snapshot.FindOperation(opID1)
	assert.Equal(t, AggressivelyStarving, op.GetStarvationStatus())
	assert.Equal(t, opID1, op.GetLowestAggressivelyStarvingAncestor().GetID())
	assert.Equal(t, opID1, op.GetLowestStarvingAncestor().GetID())
}

func TestStarvationTimeoutScalesWithPendingJobs(t *testing.T) {
	tc := newTestTreeConfig()
	tc.JobCountPreemptionTimeoutCoefficient = 10
	root := newTestRoot(tc)
	a := newTestPool(t, root, poolA, nil)
	newRunningOperation(t, a, opID1, nil, newTestController(5, resources.JobResources{2, 0, 2, 0, 0}), testStart)
	shares := map[string]resources.ResourceVector{opID1: halfCPUAndSlots}

	updateTree(root, testStart, shares)
	snapshot := updateTree(root, testStart.Add(29*time.Second), shares)
	assert.Equal(t, NonStarving, snapshot.FindOperation(opID1).GetStarvationStatus())
	snapshot = updateTree(root, testStart.Add(31*time.Second), shares)
	assert.Equal(t, Starving, snapshot.FindOperation(opID1).GetStarvationStatus(), "five pending jobs halve the timeout")
}

func TestPoolStarvationInheritance(t *testing.T) {
	tc := newTestTreeConfig()
	root := newTestRoot(tc)
	a := newTestPool(t, root, poolA, nil)
	newRunningOperation(t, a, opID1, nil, newTestController(10, resources.JobResources{1, 0, 1, 0, 0}), testStart)
	shares := map[string]resources.ResourceVector{poolA: halfCPUAndSlots, opID1: halfCPUAndSlots}

	updateTree(root, testStart, shares)
	snapshot := updateTree(root, testStart.Add(61*time.Second), shares)
	assert.Equal(t, Starving, snapshot.FindPool(poolA).GetStarvationStatus())
	assert.Equal(t, poolA, snapshot.FindPool(poolA).GetLowestStarvingAncestor().GetID())

	disabled := false
	tc.EnablePoolStarvation = &disabled
	snapshot = updateTree(root, testStart.Add(62*time.Second), shares)
	assert.Equal(t, Starving, snapshot.FindPool(poolA).GetStarvationStatus(), "pool status is kept when not checked")
}

func TestLocalSatisfactionRatio(t *testing.T) {
	root := newTestRoot(newTestTreeConfig())
	a := newTestPool(t, root, poolA, nil)
	newRunningOperation(t, a, opID1, nil, newTestController(10, resources.JobResources{1, 0, 1, 0, 0}), testStart)
	snapshot := updateTree(root, testStart, map[string]resources.ResourceVector{poolA: halfCPUAndSlots, opID1: halfCPUAndSlots})
	op := snapshot.FindOperation(opID1)

	assert.Equal(t, 0.0, op.ComputeLocalSatisfactionRatio(resources.Zero))
	assert.Equal(t, 0.5, op.ComputeLocalSatisfactionRatio(resources.JobResources{2.5, 0, 2.5, 0, 0}))
	assert.Equal(t, 2.0, op.ComputeLocalSatisfactionRatio(resources.JobResources{10, 0, 5, 0, 0}))
	assert.Equal(t, 0.0, op.GetAttributes().LocalSatisfactionRatio)
	assert.Equal(t, 0.0, snapshot.FindPool(poolA).GetAttributes().SatisfactionRatio)

	snapshot = updateTree(root, testStart, nil)
	assert.Equal(t, InfiniteSatisfactionRatio, snapshot.FindOperation(opID1).ComputeLocalSatisfactionRatio(resources.Zero))
}

func TestStrictlyDominatesNonBlocked(t *testing.T) {
	none := [resources.ResourceTypeCount]bool{}
	cpuOnly := [resources.ResourceTypeCount]bool{false, true, true, true, true}
	all := [resources.ResourceTypeCount]bool{true, true, true, true, true}
	tests := []struct {
		name     string
		lhs      resources.ResourceVector
		rhs      resources.ResourceVector
		blocked  [resources.ResourceTypeCount]bool
		expected bool
	}{
		{"larger everywhere", resources.Ones(), resources.ResourceVector{}, none, true},
		{"equal in one resource", resources.ResourceVector{1, 0, 1, 1, 1}, resources.ResourceVector{}, none, false},
		{"only cpu counts", resources.ResourceVector{1, 0, 0, 0, 0}, resources.ResourceVector{}, cpuOnly, true},
		{"cpu not larger", resources.ResourceVector{0.5, 1, 1, 1, 1}, resources.ResourceVector{0.5, 0, 0, 0, 0}, cpuOnly, false},
		{"all blocked any larger", resources.ResourceVector{0, 0, 0, 0, 0.1}, resources.ResourceVector{}, all, true},
		{"all blocked equal", resources.Ones(), resources.Ones(), all, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, strictlyDominatesNonBlocked(tt.lhs, tt.rhs, tt.blocked))
		})
	}
}

func genVector() gopter.Gen {
	return gen.SliceOfN(resources.ResourceTypeCount, gen.Float64Range(0, 1)).Map(func(values []float64) resources.ResourceVector {
		var v resources.ResourceVector
		copy(v[:], values)
		return v
	})
}

func genBlocked() gopter.Gen {
	return gen.SliceOfN(resources.ResourceTypeCount, gen.Bool()).Map(func(values []bool) [resources.ResourceTypeCount]bool {
		var b [resources.ResourceTypeCount]bool
		copy(b[:], values)
		return b
	})
}

func TestStrictlyDominatesNonBlockedMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("growing lhs keeps dominance", prop.ForAll(
		func(lhs, rhs, growth resources.ResourceVector, blocked [resources.ResourceTypeCount]bool) bool {
			if !strictlyDominatesNonBlocked(lhs, rhs, blocked) {
				return true
			}
			return strictlyDominatesNonBlocked(lhs.Add(growth), rhs, blocked)
		},
		genVector(), genVector(), genVector(), genBlocked(),
	))
	properties.Property("shrinking rhs keeps dominance", prop.ForAll(
		func(lhs, rhs, shrink resources.ResourceVector, blocked [resources.ResourceTypeCount]bool) bool {
			if !strictlyDominatesNonBlocked(lhs, rhs, blocked) {
				return true
			}
			return strictlyDominatesNonBlocked(lhs, rhs.Sub(shrink), blocked)
		},
		genVector(), genVector(), genVector(), genBlocked(),
	))
	properties.Property("blocking more resources keeps dominance", prop.ForAll(
		func(lhs, rhs resources.ResourceVector, blocked, extra [resources.ResourceTypeCount]bool) bool {
			if !strictlyDominatesNonBlocked(lhs, rhs, blocked) {
				return true
			}
			var more [resources.ResourceTypeCount]bool
			for i := range more {
				more[i] = blocked[i] || extra[i]
			}
			return strictlyDominatesNonBlocked(lhs, rhs, more)
		},
		genVector(), genVector(), genBlocked(), genBlocked(),
	))
	properties.TestingRun(t)
}

func TestEffectiveAttributes(t *testing.T) {
	tolerance := 0.5
	opTolerance := 0.9
	noAggressive := false
	maxUnpreemptible := 3

	root := newTestRoot(newTestTreeConfig())
	conf := configs.NewDefaultPoolConfig(poolA)
	conf.FairShareStarvationTolerance = &tolerance
	conf.AllowAggressivePreemption = &noAggressive
	a := newTestPool(t, root, poolA, conf)
	controller := newTestController(1, resources.JobResources{1, 0, 1, 0, 0})
	newRunningOperation(t, a, opID1, nil, controller, testStart)
	newRunningOperation(t, a, opID2, &configs.OperationSpec{
		FairShareStarvationTolerance:    &opTolerance,
		MaxUnpreemptibleRunningJobCount: &maxUnpreemptible,
	}, controller, testStart)

	snapshot := updateTree(root, testStart, nil)
	assert.Equal(t, configs.DefaultStarvationTolerance, snapshot.GetEffectiveStarvationTolerance())
	assert.Assert(t, snapshot.IsAggressivePreemptionAllowed())

	op1 := snapshot.FindOperation(opID1)
	assert.Equal(t, 0.5, op1.GetEffectiveStarvationTolerance())
	assert.Equal(t, 60*time.Second, op1.GetEffectiveStarvationTimeout())
	assert.Assert(t, !op1.IsAggressivePreemptionAllowed())
	assert.Equal(t, resources.Infinite(), op1.GetEffectiveNonPreemptibleResourceUsageThreshold())
	assert.Equal(t, configs.DefaultMaxUnpreemptibleRunningJobCount, op1.GetMaxUnpreemptibleRunningJobCount())

	op2 := snapshot.FindOperation(opID2)
	assert.Equal(t, 0.9, op2.GetEffectiveStarvationTolerance())
	threshold := op2.GetEffectiveNonPreemptibleResourceUsageThreshold()
	assert.Equal(t, 3.0, threshold[resources.UserSlots])
	assert.Assert(t, math.IsInf(threshold[resources.CPU], 1))
	assert.Equal(t, 3, op2.GetMaxUnpreemptibleRunningJobCount())
}

func TestFifoSchedulableLimit(t *testing.T) {
	limit := 1
	tc := newTestTreeConfig()
	tc.MaxSchedulableElementCountInFifoPool = &limit
	root := newTestRoot(tc)
	conf := configs.NewDefaultPoolConfig(poolA)
	conf.Mode = configs.ModeFifo
	a := newTestPool(t, root, poolA, conf)
	controller := newTestController(1, resources.JobResources{1, 0, 1, 0, 0})
	newRunningOperation(t, a, opID2, nil, controller, testStart.Add(time.Second))
	newRunningOperation(t, a, opID1, nil, controller, testStart)

	snapshot := updateTree(root, testStart, nil)
	assert.Equal(t, UnschedulableNone, snapshot.FindOperation(opID1).GetUnschedulableReason(), "oldest operation stays schedulable")
	assert.Equal(t, UnschedulableFifoLimitReached, snapshot.FindOperation(opID2).GetUnschedulableReason())
	children := snapshot.FindPool(poolA).SchedulableChildren()
	assert.Equal(t, 1, len(children))
	assert.Equal(t, opID1, children[0].GetID())

	snapshot = updateTree(root, testStart, map[string]resources.ResourceVector{opID2: halfCPUAndSlots})
	assert.Equal(t, UnschedulableNone, snapshot.FindOperation(opID2).GetUnschedulableReason(), "fair share lifts the limit")
	children = snapshot.FindPool(poolA).SchedulableChildren()
	assert.Equal(t, 2, len(children))
	assert.Equal(t, opID1, children[0].GetID(), "fifo order by start time")
}

func TestRunningOperationCounts(t *testing.T) {
	root := newTestRoot(newTestTreeConfig())
	a := newTestPool(t, root, poolA, nil)
	b := newTestPool(t, root, poolB, nil)
	op := newRunningOperation(t, a, opID1, nil, newTestController(1, resources.Zero), testStart)
	assert.Equal(t, 1, a.GetRunningOperationCount())
	assert.Equal(t, 1, root.GetRunningOperationCount())
	assert.Equal(t, 1, root.GetOperationCount())

	op.ChangeParent(b)
	assert.Equal(t, OperationPending.String(), op.CurrentState())
	assert.Equal(t, 0, a.GetRunningOperationCount())
	assert.Equal(t, 0, a.GetOperationCount())
	assert.Equal(t, 1, b.GetOperationCount())
	assert.Equal(t, 0, root.GetRunningOperationCount())
	assert.Equal(t, 1, root.GetOperationCount())
	assert.Equal(t, 1, len(b.EnabledChildren()), "moved operation stays enabled")

	op.MarkOperationRunningInPool()
	assert.Equal(t, 1, b.GetRunningOperationCount())
	assert.Equal(t, 1, root.GetRunningOperationCount())

	op.DetachParent()
	assert.Equal(t, OperationFinished.String(), op.CurrentState())
	assert.Equal(t, 0, b.GetRunningOperationCount())
	assert.Equal(t, 0, root.GetRunningOperationCount())
	assert.Equal(t, 0, root.GetOperationCount())
}

func TestPoolChangeParentMovesCounts(t *testing.T) {
	root := newTestRoot(newTestTreeConfig())
	a := newTestPool(t, root, poolA, nil)
	b := newTestPool(t, root, poolB, nil)
	newRunningOperation(t, b, opID1, nil, newTestController(1, resources.Zero), testStart)

	b.ChangeParent(a)
	assert.Equal(t, 1, a.GetOperationCount())
	assert.Equal(t, 1, a.GetRunningOperationCount())
	assert.Equal(t, 1, root.GetOperationCount())
	assert.Equal(t, 1, root.GetRunningOperationCount())
	assert.Equal(t, 1, len(root.EnabledChildren()))
}

func TestMarkPendingBy(t *testing.T) {
	root := newTestRoot(newTestTreeConfig())
	a := newTestPool(t, root, poolA, nil)
	pb := a.base()
	op, err := NewOperation(opID1, treeID, nil, newTestController(1, resources.Zero), testStart, pb.treeConfig, pb.host, pb.resourceTree)
	assert.NilError(t, err)
	op.AttachParent(a)
	assert.Equal(t, OperationNew.String(), op.CurrentState())

	op.MarkPendingBy(a)
	assert.Assert(t, op.IsPending())
	assert.Equal(t, poolA, op.GetPendingByPool())
	assert.DeepEqual(t, []string{opID1}, a.GetPendingOperationIDs())
	assert.Equal(t, 0, a.GetRunningOperationCount())

	op.MarkOperationRunningInPool()
	assert.Assert(t, op.IsRunningInPool())
	assert.Equal(t, "", op.GetPendingByPool())
	assert.Equal(t, 0, len(a.GetPendingOperationIDs()))
	assert.Equal(t, 1, root.GetRunningOperationCount())
}

func TestDisableReleasesResources(t *testing.T) {
	root := newTestRoot(newTestTreeConfig())
	a := newTestPool(t, root, poolA, nil)
	op := newRunningOperation(t, a, opID1, nil, newTestController(1, resources.Zero), testStart)
	usage := resources.JobResources{2, 0, 1, 0, 0}
	assert.Assert(t, op.IncreaseHierarchicalResourceUsage(usage))
	assert.Equal(t, usage, a.GetInstantResourceUsage())
	assert.Equal(t, usage, root.GetInstantResourceUsage())

	op.Disable(true)
	assert.Equal(t, resources.Zero, op.GetInstantResourceUsage())
	assert.Equal(t, resources.Zero, a.GetInstantResourceUsage())
	assert.Equal(t, resources.Zero, root.GetInstantResourceUsage())
	assert.Assert(t, !op.IsAlive())
	assert.Assert(t, !op.IncreaseHierarchicalResourceUsage(usage), "usage of a dead operation is rejected")
	assert.Equal(t, 1, len(a.DisabledChildren()))
	assert.Equal(t, 0, len(a.EnabledChildren()))

	op.Enable(testStart)
	assert.Assert(t, op.IsAlive())
	assert.Equal(t, 1, len(a.EnabledChildren()))
}

func TestNonAliveOperationsAreDisabledAtUpdate(t *testing.T) {
	root := newTestRoot(newTestTreeConfig())
	a := newTestPool(t, root, poolA, nil)
	newRunningOperation(t, a, opID1, nil, newTestController(1, resources.Zero), testStart)
	root.resourceTree.SetAlive(opID1, false)

	snapshot := updateTree(root, testStart, nil)
	assert.Assert(t, snapshot.FindEnabledOperation(opID1) == nil)
	assert.Assert(t, snapshot.FindOperation(opID1) != nil)
	assert.Equal(t, -1, snapshot.FindOperation(opID1).GetTreeIndex())
	assert.Equal(t, 1, len(a.EnabledChildren()), "live tree is not changed by the update")
}

func TestElementWeights(t *testing.T) {
	weight := 2.0
	multiplier := 3.0
	tc := newTestTreeConfig()
	tc.InferWeightFromGuaranteesShareMultiplier = &multiplier
	root := newTestRoot(tc)

	confA := configs.NewDefaultPoolConfig(poolA)
	confA.StrongGuaranteeResources = map[string]string{"cpu": "5"}
	a := newTestPool(t, root, poolA, confA)
	confB := configs.NewDefaultPoolConfig(poolB)
	confB.StrongGuaranteeResources = map[string]string{"cpu": "2.5"}
	newTestPool(t, a, poolB, confB)
	confC := configs.NewDefaultPoolConfig("pool-c")
	confC.Weight = &weight
	newTestPool(t, root, "pool-c", confC)

	snapshot := updateTree(root, testStart, nil)
	assert.Equal(t, 1.0, snapshot.FindPool(poolA).GetWeight(), "root has no guarantee share")
	assert.Equal(t, 1.5, snapshot.FindPool(poolB).GetWeight())
	assert.Equal(t, 2.0, snapshot.FindPool("pool-c").GetWeight())
	assert.Equal(t, 1.0, snapshot.GetWeight())
}

func TestWeightsFromHistoricUsage(t *testing.T) {
	root := newTestRoot(newTestTreeConfig())
	conf := configs.NewDefaultPoolConfig(poolA)
	conf.InferChildrenWeightsFromHistoricUsage = true
	conf.HistoricUsage.AggregationMode = configs.HistoricUsageExponentialMovingAverage
	a := newTestPool(t, root, poolA, conf)
	op := newRunningOperation(t, a, opID1, nil, newTestController(1, resources.Zero), testStart)
	assert.Assert(t, op.IncreaseHierarchicalResourceUsage(resources.JobResources{5, 0, 0, 0, 0}))

	snapshot := updateTree(root, testStart, nil)
	assert.Equal(t, 0.5, snapshot.FindOperation(opID1).GetPersistentAttributes().HistoricUsage.GetHistoricUsage())
	assert.Equal(t, math.Exp2(-0.5), snapshot.FindOperation(opID1).GetWeight())
	assert.Equal(t, 0.5, op.GetPersistentAttributes().HistoricUsage.GetHistoricUsage(), "history survives in the live tree")
}

func TestDiskRequestMedia(t *testing.T) {
	root := newTestRoot(newTestTreeConfig())
	a := newTestPool(t, root, poolA, nil)
	newRunningOperation(t, a, opID1, nil, &diskController{
		testController: newTestController(2, resources.JobResources{1, 0, 1, 0, 0}),
		quotas:         []resources.DiskQuota{{3: 10, 1: 5}, {1: 7}},
	}, testStart)

	snapshot := updateTree(root, testStart, nil)
	assert.DeepEqual(t, []int{1, 3}, snapshot.FindOperation(opID1).GetDiskRequestMedia())
}

type diskController struct {
	*testController
	quotas []resources.DiskQuota
}

func (c *diskController) GetDetailedMinNeededJobResources() []resources.JobResourcesWithQuota {
	result := make([]resources.JobResourcesWithQuota, 0, len(c.quotas))
	for _, quota := range c.quotas {
		result = append(result, resources.NewJobResourcesWithQuota(c.jobShape, quota))
	}
	return result
}
