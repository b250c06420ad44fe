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

	"gotest.tools/v3/assert"

	"github.com/fairshare-scheduler/fairshare-core/pkg/common/resources"
)

const (
	rtRoot  = "root"
	rtPool  = "pool"
	rtPool2 = "pool2"
	rtOp    = "op"
)

func newTestResourceTree(t *testing.T) *ResourceTree {
	rt := NewResourceTree()
	assert.NilError(t, rt.AttachElement(rtRoot, KindRoot, ""))
	assert.NilError(t, rt.AttachElement(rtPool, KindPool, rtRoot))
	assert.NilError(t, rt.AttachElement(rtPool2, KindPool, rtRoot))
	assert.NilError(t, rt.AttachElement(rtOp, KindOperation, rtPool))
	return rt
}

func limited(cpu float64) resources.JobResources {
	limits := resources.Infinite()
	limits[resources.CPU] = cpu
	return limits
}

func TestAttachUnknownParent(t *testing.T) {
	rt := NewResourceTree()
	err := rt.AttachElement(rtOp, KindOperation, rtPool)
	assert.ErrorContains(t, err, "not found")
	assert.Assert(t, rt.GetElement(rtOp) == nil)
}

func TestPrecommitRespectsLimits(t *testing.T) {
	rt := newTestResourceTree(t)
	rt.ApplyLimits(rtPool, limited(4), true)

	result, available := rt.TryIncreaseHierarchicalResourceUsagePrecommit(rtOp, resources.JobResources{3, 0, 0, 0, 0})
	assert.Equal(t, IncreaseSuccess, result)
	assert.Equal(t, 4.0, available[resources.CPU], "available is limited by the pool")
	assert.Assert(t, math.IsInf(available[resources.Memory], 1))
	for _, id := range []string{rtOp, rtPool, rtRoot} {
		assert.Equal(t, 3.0, rt.GetElement(id).GetResourceUsagePrecommit()[resources.CPU], "precommit of %s", id)
	}

	// the pool limit is exceeded, nothing changes on the whole chain
	result, available = rt.TryIncreaseHierarchicalResourceUsagePrecommit(rtOp, resources.JobResources{2, 0, 0, 0, 0})
	assert.Equal(t, IncreaseResourceLimitExceeded, result)
	assert.Equal(t, resources.Zero, available)
	for _, id := range []string{rtOp, rtPool, rtRoot} {
		assert.Equal(t, 3.0, rt.GetElement(id).GetResourceUsagePrecommit()[resources.CPU], "precommit of %s after rollback", id)
	}

	// limits that are not specified are never checked
	rt.ApplyLimits(rtPool, limited(4), false)
	result, _ = rt.TryIncreaseHierarchicalResourceUsagePrecommit(rtOp, resources.JobResources{2, 0, 0, 0, 0})
	assert.Equal(t, IncreaseSuccess, result)
	assert.Equal(t, 5.0, rt.GetResourceUsageWithPrecommit(rtRoot)[resources.CPU])
}

func TestPrecommitOnDeadElement(t *testing.T) {
	rt := newTestResourceTree(t)
	rt.SetAlive(rtOp, false)
	result, _ := rt.TryIncreaseHierarchicalResourceUsagePrecommit(rtOp, resources.JobResources{1, 0, 0, 0, 0})
	assert.Equal(t, IncreaseElementIsNotAlive, result)
	assert.Equal(t, resources.Zero, rt.GetResourceUsageWithPrecommit(rtRoot))

	result, _ = rt.TryIncreaseHierarchicalResourceUsagePrecommit("unknown", resources.JobResources{1, 0, 0, 0, 0})
	assert.Equal(t, IncreaseElementIsNotAlive, result)
	assert.Assert(t, !rt.IncreaseHierarchicalResourceUsage(rtOp, resources.JobResources{1, 0, 0, 0, 0}))
	assert.Equal(t, resources.Zero, rt.GetResourceUsage(rtPool))
}

func TestCommitAndRelease(t *testing.T) {
	rt := newTestResourceTree(t)
	delta := resources.JobResources{3, 10, 1, 0, 0}
	result, _ := rt.TryIncreaseHierarchicalResourceUsagePrecommit(rtOp, delta)
	assert.Equal(t, IncreaseSuccess, result)

	// the job ended up smaller than the estimate
	usage := resources.JobResources{2, 10, 1, 0, 0}
	rt.CommitHierarchicalResourceUsage(rtOp, usage, delta)
	for _, id := range []string{rtOp, rtPool, rtRoot} {
		assert.Equal(t, usage, rt.GetResourceUsage(id), "usage of %s", id)
		assert.Equal(t, resources.Zero, rt.GetElement(id).GetResourceUsagePrecommit(), "precommit of %s", id)
	}

	assert.Assert(t, rt.CheckAvailableDemand(rtOp, resources.JobResources{1, 0, 0, 0, 0}, resources.JobResources{3, 10, 1, 0, 0}))
	assert.Assert(t, !rt.CheckAvailableDemand(rtOp, resources.JobResources{2, 0, 0, 0, 0}, resources.JobResources{3, 10, 1, 0, 0}))

	rt.IncreaseHierarchicalResourceUsagePrecommit(rtOp, resources.JobResources{1, 0, 0, 0, 0})
	rt.ReleaseResources(rtOp, true)
	for _, id := range []string{rtOp, rtPool, rtRoot} {
		assert.Equal(t, resources.Zero, rt.GetResourceUsageWithPrecommit(id), "usage of %s after release", id)
	}
	assert.Assert(t, !rt.IsAlive(rtOp))
	assert.Assert(t, rt.IsAlive(rtPool))
}

func TestResourceTreeChangeParent(t *testing.T) {
	rt := newTestResourceTree(t)
	usage := resources.JobResources{2, 0, 1, 0, 0}
	precommit := resources.JobResources{1, 0, 0, 0, 0}
	assert.Assert(t, rt.IncreaseHierarchicalResourceUsage(rtOp, usage))
	rt.IncreaseHierarchicalResourceUsagePrecommit(rtOp, precommit)

	assert.NilError(t, rt.ChangeParent(rtOp, rtPool2))
	assert.Equal(t, resources.Zero, rt.GetResourceUsageWithPrecommit(rtPool))
	assert.Equal(t, usage, rt.GetResourceUsage(rtPool2))
	assert.Equal(t, usage.Add(precommit), rt.GetResourceUsageWithPrecommit(rtPool2))
	assert.Equal(t, usage.Add(precommit), rt.GetResourceUsageWithPrecommit(rtRoot), "root is not affected")

	assert.ErrorContains(t, rt.ChangeParent(rtOp, "unknown"), "not found")
}

func TestRemoveElement(t *testing.T) {
	rt := newTestResourceTree(t)
	rt.RemoveElement(rtOp)
	assert.Assert(t, rt.GetElement(rtOp) == nil)
	assert.Assert(t, !rt.IsAlive(rtOp))
	assert.Equal(t, resources.Zero, rt.GetResourceUsage(rtOp))
	// removing twice is a noop
	rt.RemoveElement(rtOp)
}
