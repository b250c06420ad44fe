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
	"sync"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/fairshare-scheduler/fairshare-core/pkg/common/configs"
	"github.com/fairshare-scheduler/fairshare-core/pkg/common/resources"
	"github.com/fairshare-scheduler/fairshare-core/pkg/scheduler/objects"
)

func TestAddRemoveJob(t *testing.T) {
	state := NewOperationSharedState(opID1, configs.NewDefaultTreeConfig(treeID))
	assert.Assert(t, !state.AddJob("job-1", smallJob), "disabled state must reject jobs")

	state.Enable()
	assert.Assert(t, state.AddJob("job-1", smallJob))
	assert.Assert(t, !state.AddJob("job-1", smallJob), "duplicate job must be rejected")
	assert.Assert(t, state.AddJob("job-2", smallJob))
	assert.Equal(t, 2, state.GetRunningJobCount())
	status, ok := state.GetJobPreemptionStatus("job-2")
	assert.Assert(t, ok)
	assert.Equal(t, objects.Preemptible, status, "new jobs start preemptible")
	assert.Equal(t, smallJob.Multiply(2), state.GetTotalResourceUsage())

	delta := state.SetJobResourceUsage("job-1", resources.JobResources{2, 0, 1, 0, 0})
	assert.Equal(t, resources.JobResources{1, 0, 0, 0, 0}, delta)
	assert.Equal(t, resources.Zero, state.SetJobResourceUsage("unknown", smallJob))

	usage, ok := state.RemoveJob("job-1")
	assert.Assert(t, ok)
	assert.Equal(t, resources.JobResources{2, 0, 1, 0, 0}, usage)
	_, ok = state.RemoveJob("job-1")
	assert.Assert(t, !ok, "job removed twice")
	assertPartition(t, state)

	state.Disable()
	assert.Equal(t, 0, state.GetRunningJobCount())
	assert.Equal(t, resources.Zero, state.GetTotalResourceUsage())
	assert.Assert(t, !state.IsJobKnown("job-2"))
}

func TestPreemptibleListsFollowFairShare(t *testing.T) {
	tc := newTestTreeConfig()
	tc.AggressivePreemptionSatisfactionThreshold = 0.8
	shares := fixedShares{
		poolA: {0.4, 0, 0.4, 0, 0},
		opID1: {0.4, 0, 0.4, 0, 0},
	}
	tree := newTestTree(t, tc, shares)
	addOperation(t, tree, opID1, poolA, 10, smallJob, testStart)
	updateTree(t, tree, testStart)

	state := tree.GetJobScheduler().GetOperationSharedState(opID1)
	assert.Assert(t, state != nil)
	for i := 1; i <= 4; i++ {
		assert.Assert(t, state.AddJob(fmt.Sprintf("job-%d", i), smallJob))
	}
	updateTree(t, tree, testStart.Add(time.Second))
	assert.Equal(t, 4, state.GetJobCount(objects.NonPreemptible), "usage below the fair share is protected")
	assert.Equal(t, 0, state.GetJobCount(objects.AggressivelyPreemptible))
	assert.Equal(t, 0, state.GetJobCount(objects.Preemptible))
	assertPartition(t, state)

	shares[poolA] = resources.ResourceVector{0.2, 0, 0.2, 0, 0}
	shares[opID1] = resources.ResourceVector{0.2, 0, 0.2, 0, 0}
	updateTree(t, tree, testStart.Add(2*time.Second))
	assert.DeepEqual(t, []string{"job-1", "job-2"}, state.GetJobIDs(objects.NonPreemptible))
	assert.Equal(t, 0, state.GetJobCount(objects.AggressivelyPreemptible))
	assert.DeepEqual(t, []string{"job-3", "job-4"}, state.GetJobIDs(objects.Preemptible))
	// one job less would put the prefix below the aggressive bound
	assert.Equal(t, resources.JobResources{2, 0, 2, 0, 0}, state.GetResourceUsage(objects.NonPreemptible))
	assertPartition(t, state)

	cached := tree.GetSnapshot().GetCachedJobPreemptionStatuses(opID1)
	assert.Equal(t, objects.NonPreemptible, cached["job-1"])
	assert.Equal(t, objects.Preemptible, cached["job-4"])
}

func TestConcurrentJobUpdates(t *testing.T) {
	state := NewOperationSharedState(opID1, configs.NewDefaultTreeConfig(treeID))
	state.Enable()
	const workers = 8
	const jobsPerWorker = 50

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < jobsPerWorker; i++ {
				id := fmt.Sprintf("job-%d-%d", worker, i)
				if !state.AddJob(id, smallJob) {
					t.Errorf("job %s not added", id)
					return
				}
				_ = state.GetTotalResourceUsage()
				if i%2 == 0 {
					if _, ok := state.RemoveJob(id); !ok {
						t.Errorf("job %s not removed", id)
						return
					}
				}
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, workers*jobsPerWorker/2, state.GetRunningJobCount())
	assert.Equal(t, smallJob.Multiply(workers*jobsPerWorker/2), state.GetTotalResourceUsage())
	assertPartition(t, state)
}

func TestScheduleJobCallTracking(t *testing.T) {
	tc := configs.NewDefaultTreeConfig(treeID)
	tc.NodeShardCount = 2
	tc.MaxConcurrentScheduleJobCallsPerNodeShard = 2
	state := NewOperationSharedState(opID1, tc)

	state.IncreaseConcurrentScheduleJobCalls(1)
	assert.Assert(t, !state.IsMaxConcurrentScheduleJobCallsPerNodeShardViolated(1))
	state.IncreaseConcurrentScheduleJobCalls(1)
	assert.Assert(t, state.IsMaxConcurrentScheduleJobCallsPerNodeShardViolated(1))
	assert.Assert(t, !state.IsMaxConcurrentScheduleJobCallsPerNodeShardViolated(0), "shards are counted separately")
	assert.Assert(t, state.IsMaxScheduleJobCallsViolated())

	state.DecreaseConcurrentScheduleJobCalls(1)
	assert.Equal(t, 1, state.GetConcurrentScheduleJobCalls(1))
	assert.Assert(t, !state.IsMaxScheduleJobCallsViolated())
	assert.Equal(t, 2, state.ResetScheduleJobCallsSinceLastUpdate())
	assert.Equal(t, 0, state.ResetScheduleJobCallsSinceLastUpdate())
}

func TestScheduleJobFailureBackoff(t *testing.T) {
	state := NewOperationSharedState(opID1, configs.NewDefaultTreeConfig(treeID))
	backoff := 100 * time.Millisecond
	assert.Assert(t, !state.HasRecentScheduleJobFailure(testStart, backoff))

	state.OnScheduleJobFailed(testStart)
	assert.Assert(t, state.HasRecentScheduleJobFailure(testStart.Add(50*time.Millisecond), backoff))
	assert.Assert(t, !state.HasRecentScheduleJobFailure(testStart.Add(backoff), backoff))
	assert.Assert(t, !state.HasRecentScheduleJobFailure(testStart, 0), "no backoff configured")

	assert.Assert(t, state.GetLastScheduleJobSuccessTime().IsZero())
	state.OnScheduleJobSucceeded(testStart)
	assert.Assert(t, state.GetLastScheduleJobSuccessTime().Equal(testStart))
}

func TestDeactivationCounters(t *testing.T) {
	state := NewOperationSharedState(opID1, configs.NewDefaultTreeConfig(treeID))
	state.OnOperationDeactivated(DeactivationMinNeededResourcesUnsatisfied)
	state.OnOperationDeactivated(DeactivationMinNeededResourcesUnsatisfied)
	state.OnOperationDeactivated(DeactivationResourceLimitsExceeded)

	expected := map[DeactivationReason]int{
		DeactivationMinNeededResourcesUnsatisfied: 2,
		DeactivationResourceLimitsExceeded:        1,
	}
	assert.DeepEqual(t, expected, state.GetDeactivationReasons())
	assert.DeepEqual(t, expected, state.GetDeactivationReasonsFromLastNonStarvingTime())

	state.ResetDeactivationReasonsFromLastNonStarvingTime()
	assert.DeepEqual(t, expected, state.GetDeactivationReasons())
	assert.Equal(t, 0, len(state.GetDeactivationReasonsFromLastNonStarvingTime()))
}
