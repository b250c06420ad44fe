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
	"math"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/fairshare-scheduler/fairshare-core/pkg/common/configs"
	"github.com/fairshare-scheduler/fairshare-core/pkg/common/resources"
	"github.com/fairshare-scheduler/fairshare-core/pkg/mock"
	"github.com/fairshare-scheduler/fairshare-core/pkg/scheduler/objects"
)

func TestFairShareSplitWithSingleSlot(t *testing.T) {
	tree := newTestTree(t, nil, nil)
	controllers := map[string]*mock.Controller{
		opID1: addOperation(t, tree, opID1, poolA, 1, largeJob, testStart),
		opID2: addOperation(t, tree, opID2, poolA, 1, largeJob, testStart),
	}
	ts := updateTree(t, tree, testStart)
	for id := range controllers {
		share := ts.Root.FindOperation(id).GetAttributes().FairShare[resources.CPU]
		assert.Assert(t, math.Abs(share-0.5) < 1e-6, "operation %s has cpu share %v", id, share)
	}

	sc := newNodeContext(nodeSize, nil, testStart)
	sc.RegisterSchedulingTagFilters(ts.SchedulingTagFilters)
	c := NewScheduleJobsContext(context.Background(), sc, ts, nil, nil)
	c.PrepareForScheduling()
	c.StartStage(StageNonPreemptive)
	c.PrescheduleJob(PreemptionPriorityNone)
	assert.Equal(t, 2, c.GetStageStatistics().ActiveOperationCount)

	assert.Assert(t, c.ScheduleJob(false).Scheduled, "first job must fit")
	assert.Equal(t, 1, len(sc.StartedJobs()))
	scheduled := sc.StartedJobs()[0].OperationID
	other := opID2
	if scheduled == opID2 {
		other = opID1
	}
	result := c.ScheduleJob(false)
	assert.Assert(t, !result.Scheduled, "node has no cpu left")
	assert.Equal(t, 1, c.GetStageStatistics().DeactivationReasons[DeactivationMinNeededResourcesUnsatisfied])
	otherOp := ts.Root.FindOperation(other)
	assert.Equal(t, 0.0, c.DynamicAttributes().AttributesOf(otherOp).SatisfactionRatio)
	assert.Assert(t, !c.DynamicAttributes().IsActive(otherOp))
	c.FinishStage()

	assert.Equal(t, 1, len(sc.StartedJobs()))
	assert.Equal(t, 1, len(controllers[scheduled].GetStartedJobs()))
	assert.Equal(t, 0, len(controllers[other].GetStartedJobs()))
	assert.Equal(t, 1, ts.GetOperationSharedState(other).GetDeactivationReasons()[DeactivationMinNeededResourcesUnsatisfied])
	assert.Equal(t, 1, len(c.GetStatistics().Stages))
}

func TestNodeTooSmallForJob(t *testing.T) {
	tree := newTestTree(t, nil, nil)
	controller := addOperation(t, tree, opID1, poolA, 5, smallJob, testStart)
	updateTree(t, tree, testStart)

	sc := newNodeContext(resources.JobResources{0.5, 100, 10, 10, 10}, nil, testStart)
	statistics := runHeartbeat(t, tree, sc)
	assert.Equal(t, 0, len(sc.StartedJobs()))
	nonPreemptive := stageByName(statistics, StageNonPreemptive)
	assert.Assert(t, nonPreemptive != nil)
	assert.Equal(t, 1, nonPreemptive.DeactivationReasons[DeactivationMinNeededResourcesUnsatisfied])
	assert.Equal(t, 0, nonPreemptive.ControllerScheduleJobCount)
	assert.Equal(t, 0, controller.GetScheduleJobCalls())
}

func TestPoolResourceLimitsExceeded(t *testing.T) {
	tc := newTestTreeConfig()
	tc.Pools[0].ResourceLimits = map[string]string{"cpu": "0.5"}
	tree := newTestTree(t, tc, nil)
	controller := addOperation(t, tree, opID1, poolA, 5, smallJob, testStart)
	updateTree(t, tree, testStart)

	sc := newNodeContext(nodeSize, nil, testStart)
	statistics := runHeartbeat(t, tree, sc)
	assert.Equal(t, 0, len(sc.StartedJobs()))
	nonPreemptive := stageByName(statistics, StageNonPreemptive)
	assert.Assert(t, nonPreemptive != nil)
	assert.Equal(t, 1, nonPreemptive.DeactivationReasons[DeactivationResourceLimitsExceeded])
	assert.Equal(t, 0, controller.GetScheduleJobCalls())

	state := tree.GetJobScheduler().GetOperationSharedState(opID1)
	assert.Equal(t, 0, state.GetRunningJobCount())
	for _, id := range []string{opID1, poolA, configs.RootPoolName} {
		assert.Equal(t, resources.Zero, tree.resourceTree.GetResourceUsageWithPrecommit(id), "element %s", id)
	}
	assert.Equal(t, 1, state.GetDeactivationReasons()[DeactivationResourceLimitsExceeded])
}

func TestNoDoubleScheduling(t *testing.T) {
	tree := newTestTree(t, nil, nil)
	controller := addOperation(t, tree, opID1, poolA, 20, smallJob, testStart)
	updateTree(t, tree, testStart)

	sc := newNodeContext(nodeSize, nil, testStart)
	statistics := runHeartbeat(t, tree, sc)
	started := sc.StartedJobs()
	assert.Equal(t, 10, len(started), "user slots of the node limit the job count")
	ids := make(map[string]bool)
	for _, job := range started {
		assert.Assert(t, !ids[job.ID], "job %s started twice", job.ID)
		ids[job.ID] = true
		assert.Equal(t, opID1, job.OperationID)
		assert.Equal(t, "non_preemptive", job.SchedulingStage)
	}
	assert.Equal(t, 10, stageByName(statistics, StageNonPreemptive).ScheduledJobCount)
	assert.Equal(t, 10, controller.GetPendingJobCount())

	expected := smallJob.Multiply(10)
	state := tree.GetJobScheduler().GetOperationSharedState(opID1)
	assert.Equal(t, 10, state.GetRunningJobCount())
	assert.Equal(t, expected, state.GetTotalResourceUsage())
	for _, id := range []string{opID1, poolA, configs.RootPoolName} {
		assert.Equal(t, expected, tree.resourceTree.GetResourceUsage(id), "element %s", id)
		assert.Equal(t, expected, tree.resourceTree.GetResourceUsageWithPrecommit(id), "precommit left on %s", id)
	}
	assertPartition(t, state)
}

func TestScheduleJobFailureDeactivates(t *testing.T) {
	tree := newTestTree(t, nil, nil)
	controller := addOperation(t, tree, opID1, poolA, 5, smallJob, testStart)
	controller.SetFailure(objects.FailNotEnoughResources)
	updateTree(t, tree, testStart)

	sc := newNodeContext(nodeSize, nil, testStart)
	statistics := runHeartbeat(t, tree, sc)
	assert.Equal(t, 0, len(sc.StartedJobs()))
	nonPreemptive := stageByName(statistics, StageNonPreemptive)
	assert.Equal(t, 1, nonPreemptive.DeactivationReasons[DeactivationScheduleJobFailed])
	assert.Equal(t, 1, nonPreemptive.FailedScheduleJob[objects.FailNotEnoughResources])
	assert.Equal(t, 1, controller.GetScheduleJobCalls())
	assert.Equal(t, resources.Zero, tree.resourceTree.GetResourceUsageWithPrecommit(opID1), "precommit must be reverted")

	// the failure backoff keeps the operation out of the next heartbeat
	state := tree.GetJobScheduler().GetOperationSharedState(opID1)
	assert.Assert(t, state.HasRecentScheduleJobFailure(testStart, tree.GetConfig().ScheduleJobFailBackoffTime))
	statistics = runHeartbeat(t, tree, newNodeContext(nodeSize, nil, testStart.Add(10*time.Millisecond)))
	assert.Equal(t, 1, stageByName(statistics, StageNonPreemptive).DeactivationReasons[DeactivationRecentScheduleJobFailed])
	assert.Equal(t, 1, controller.GetScheduleJobCalls())
}

func TestJobResourcesOvercommitAborted(t *testing.T) {
	tc := newTestTreeConfig()
	tc.Pools[0].ResourceLimits = map[string]string{"cpu": "1.5"}
	tree := newTestTree(t, tc, nil)
	controller := addOperation(t, tree, opID1, poolA, 5, smallJob, testStart)
	controller.SetJobResources(resources.JobResources{2, 0, 1, 0, 0})
	updateTree(t, tree, testStart)

	sc := newNodeContext(nodeSize, nil, testStart)
	statistics := runHeartbeat(t, tree, sc)
	assert.Equal(t, 0, len(sc.StartedJobs()))
	aborted := controller.GetAbortedJobs()
	assert.Equal(t, 1, len(aborted))
	for _, reason := range aborted {
		assert.Equal(t, objects.AbortSchedulingResourceOvercommit, reason)
	}
	assert.Equal(t, 1, stageByName(statistics, StageNonPreemptive).FailedScheduleJob[objects.FailResourceOvercommit])
	assert.Equal(t, resources.Zero, tree.resourceTree.GetResourceUsageWithPrecommit(poolA))
}

func TestAbortJobsSinceResourcesOvercommit(t *testing.T) {
	tree := newTestTree(t, nil, nil)
	ts := updateTree(t, tree, testStart)

	var running []*objects.Job
	for i, id := range []string{"job-1", "job-2", "job-3"} {
		running = append(running, objects.NewJob(id, "gone", treeID, nodeID1,
			resources.NewJobResourcesWithQuota(smallJob, nil), testStart.Add(time.Duration(i)*time.Second)))
	}
	sc := newNodeContext(resources.JobResources{2, 100, 10, 10, 10}, running, testStart.Add(time.Minute))
	c := NewScheduleJobsContext(context.Background(), sc, ts, nil, nil)
	c.AbortJobsSinceResourcesOvercommit()

	preempted := sc.PreemptedJobs()
	assert.Equal(t, 1, len(preempted))
	assert.Equal(t, "job-3", preempted[0].ID, "the youngest job goes first")
	assert.Equal(t, PreemptionReasonResourceOvercommit, preempted[0].GetPreemptionReason())
	assert.Equal(t, 1, c.GetStatistics().PreemptedJobCount)
	assert.Assert(t, resources.Dominates(sc.ResourceLimits(), sc.ResourceUsage()))
}
