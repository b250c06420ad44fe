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
	"time"

	"github.com/fairshare-scheduler/fairshare-core/pkg/common/configs"
	"github.com/fairshare-scheduler/fairshare-core/pkg/common/resources"
)

var _ SchedulingContext = &NodeSchedulingContext{}

// NodeDescriptor is the static part of a node as seen by a heartbeat.
type NodeDescriptor struct {
	ID                string
	ShardID           int
	Tags              map[string]bool
	ResourceLimits    resources.JobResources
	SchedulingSegment string
}

// NodeSchedulingContext is the scheduling context of a single node heartbeat.
// It is owned by the heartbeat and not safe for concurrent use.
type NodeSchedulingContext struct {
	node          NodeDescriptor
	now           time.Time
	resourceUsage resources.JobResources
	runningJobs   []*Job
	startedJobs   []*Job
	preemptedJobs []*Job

	tagFilters     []configs.SchedulingTagFilter
	tagFilterCache []int8

	unconditionalDiscount  resources.JobResources
	conditionalDiscounts   map[int]resources.JobResources
	maxConditionalDiscount resources.JobResources
}

// NewNodeSchedulingContext builds the heartbeat context, usage is the sum of the running jobs.
func NewNodeSchedulingContext(node NodeDescriptor, runningJobs []*Job, now time.Time) *NodeSchedulingContext {
	sc := &NodeSchedulingContext{
		node:                 node,
		now:                  now,
		runningJobs:          runningJobs,
		conditionalDiscounts: make(map[int]resources.JobResources),
	}
	for _, job := range runningJobs {
		sc.resourceUsage = sc.resourceUsage.Add(job.GetResourceUsage())
	}
	return sc
}

func (sc *NodeSchedulingContext) NodeID() string {
	return sc.node.ID
}

func (sc *NodeSchedulingContext) NodeShardID() int {
	return sc.node.ShardID
}

func (sc *NodeSchedulingContext) NodeTags() map[string]bool {
	return sc.node.Tags
}

func (sc *NodeSchedulingContext) SchedulingSegment() string {
	return sc.node.SchedulingSegment
}

func (sc *NodeSchedulingContext) Now() time.Time {
	return sc.now
}

func (sc *NodeSchedulingContext) RegisterSchedulingTagFilters(filters []configs.SchedulingTagFilter) {
	sc.tagFilters = filters
	sc.tagFilterCache = make([]int8, len(filters))
}

// CanSchedule caches the evaluation: 0 unknown, 1 match, -1 no match.
func (sc *NodeSchedulingContext) CanSchedule(tagFilterIndex int) bool {
	if tagFilterIndex < 0 || tagFilterIndex >= len(sc.tagFilters) {
		return true
	}
	switch sc.tagFilterCache[tagFilterIndex] {
	case 1:
		return true
	case -1:
		return false
	}
	result := sc.tagFilters[tagFilterIndex].CanSchedule(sc.node.Tags)
	if result {
		sc.tagFilterCache[tagFilterIndex] = 1
	} else {
		sc.tagFilterCache[tagFilterIndex] = -1
	}
	return result
}

func (sc *NodeSchedulingContext) ResourceLimits() resources.JobResources {
	return sc.node.ResourceLimits
}

func (sc *NodeSchedulingContext) ResourceUsage() resources.JobResources {
	return sc.resourceUsage
}

func (sc *NodeSchedulingContext) RunningJobs() []*Job {
	return sc.runningJobs
}

func (sc *NodeSchedulingContext) ResetUsageDiscounts() {
	sc.unconditionalDiscount = resources.Zero
	sc.conditionalDiscounts = make(map[int]resources.JobResources)
	sc.maxConditionalDiscount = resources.Zero
}

func (sc *NodeSchedulingContext) UnconditionalDiscount() resources.JobResources {
	return sc.unconditionalDiscount
}

func (sc *NodeSchedulingContext) AddUnconditionalDiscount(delta resources.JobResources) {
	sc.unconditionalDiscount = sc.unconditionalDiscount.Add(delta)
}

func (sc *NodeSchedulingContext) SetConditionalDiscount(operationIndex int, discount resources.JobResources) {
	sc.conditionalDiscounts[operationIndex] = discount
	sc.maxConditionalDiscount = resources.Max(sc.maxConditionalDiscount, discount)
}

func (sc *NodeSchedulingContext) ConditionalDiscount(operationIndex int) resources.JobResources {
	return sc.conditionalDiscounts[operationIndex]
}

func (sc *NodeSchedulingContext) MaxConditionalDiscount() resources.JobResources {
	return sc.maxConditionalDiscount
}

func (sc *NodeSchedulingContext) FreeResourcesWithoutDiscount() resources.JobResources {
	return sc.node.ResourceLimits.Sub(sc.resourceUsage).ClampNonNegative()
}

func (sc *NodeSchedulingContext) FreeResourcesWithDiscount() resources.JobResources {
	return sc.node.ResourceLimits.Sub(sc.resourceUsage).Add(sc.unconditionalDiscount).ClampNonNegative()
}

func (sc *NodeSchedulingContext) FreeResourcesWithDiscountForOperation(operationIndex int) resources.JobResources {
	return sc.node.ResourceLimits.Sub(sc.resourceUsage).
		Add(sc.unconditionalDiscount).
		Add(sc.conditionalDiscounts[operationIndex]).
		ClampNonNegative()
}

// CanStartMoreJobs is false once the user slots of the node are used up, preempted jobs still count.
func (sc *NodeSchedulingContext) CanStartMoreJobs() bool {
	limit := sc.node.ResourceLimits[resources.UserSlots]
	if limit == 0 {
		return true
	}
	return sc.resourceUsage[resources.UserSlots] < limit
}

func (sc *NodeSchedulingContext) StartJob(treeID, operationID string, descriptor *JobStartDescriptor, mode PreemptionMode, schedulingIndex int, stage string) *Job {
	job := NewJob(descriptor.ID, operationID, treeID, sc.node.ID, descriptor.ResourceLimits, sc.now)
	job.Interruptible = descriptor.Interruptible
	job.PreemptionMode = mode
	job.SchedulingIndex = schedulingIndex
	job.SchedulingStage = stage
	sc.resourceUsage = sc.resourceUsage.Add(job.GetResourceUsage())
	sc.startedJobs = append(sc.startedJobs, job)
	return job
}

// PreemptJob releases the usage of the job on the node, the job keeps running until it is interrupted.
func (sc *NodeSchedulingContext) PreemptJob(job *Job, interruptTimeout time.Duration, reason, preemptedFor string) {
	if !job.MarkPreempted(reason, preemptedFor, interruptTimeout) {
		return
	}
	sc.resourceUsage = sc.resourceUsage.Sub(job.GetResourceUsage())
	sc.preemptedJobs = append(sc.preemptedJobs, job)
}

func (sc *NodeSchedulingContext) StartedJobs() []*Job {
	return sc.startedJobs
}

func (sc *NodeSchedulingContext) PreemptedJobs() []*Job {
	return sc.preemptedJobs
}
