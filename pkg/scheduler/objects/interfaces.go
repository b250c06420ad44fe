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
	"time"

	"github.com/fairshare-scheduler/fairshare-core/pkg/common/configs"
	"github.com/fairshare-scheduler/fairshare-core/pkg/common/resources"
)

// StrategyHost is the cluster side of the tree: node resources and the connection state.
type StrategyHost interface {
	// GetResourceLimits returns the sum of the resource limits of the nodes matching the filter.
	GetResourceLimits(filter configs.SchedulingTagFilter) resources.JobResources
	GetConnectionTime() time.Time
	GetNodeShardCount() int
}

// OperationController is the operation side of the tree, it knows the pending jobs and picks the job to start.
type OperationController interface {
	GetPendingJobCount() int
	GetNeededResources() resources.JobResources
	GetAggregatedMinNeededJobResources() resources.JobResources
	// GetDetailedMinNeededJobResources holds one entry per distinct job shape.
	GetDetailedMinNeededJobResources() []resources.JobResourcesWithQuota
	// ScheduleJob must respect the deadline of the context, the scheduler treats an expired context as a failure.
	ScheduleJob(ctx context.Context, schedulingContext SchedulingContext, availableResources resources.JobResources, treeID string) (*ControllerScheduleJobResult, error)
	AbortJob(jobID string, reason AbortReason)
	IsSaturatedInTentativeTree(now time.Time, treeID string, period time.Duration) bool
}

// ScheduleJobCallTracker reports whether an operation has more controller calls in flight than allowed.
type ScheduleJobCallTracker interface {
	IsMaxScheduleJobCallsViolated() bool
}

// SchedulingContext is the view of one node heartbeat.
type SchedulingContext interface {
	NodeID() string
	NodeShardID() int
	NodeTags() map[string]bool
	SchedulingSegment() string
	Now() time.Time

	// RegisterSchedulingTagFilters sets the filters CanSchedule indexes into, the cache is reset.
	RegisterSchedulingTagFilters(filters []configs.SchedulingTagFilter)
	// CanSchedule checks the node against a registered filter, a negative index is the empty filter.
	CanSchedule(tagFilterIndex int) bool

	ResourceLimits() resources.JobResources
	ResourceUsage() resources.JobResources
	RunningJobs() []*Job

	ResetUsageDiscounts()
	UnconditionalDiscount() resources.JobResources
	AddUnconditionalDiscount(delta resources.JobResources)
	SetConditionalDiscount(operationIndex int, discount resources.JobResources)
	ConditionalDiscount(operationIndex int) resources.JobResources
	MaxConditionalDiscount() resources.JobResources

	FreeResourcesWithoutDiscount() resources.JobResources
	FreeResourcesWithDiscount() resources.JobResources
	FreeResourcesWithDiscountForOperation(operationIndex int) resources.JobResources
	CanStartMoreJobs() bool

	StartJob(treeID, operationID string, descriptor *JobStartDescriptor, mode PreemptionMode, schedulingIndex int, stage string) *Job
	PreemptJob(job *Job, interruptTimeout time.Duration, reason, preemptedFor string)
	StartedJobs() []*Job
	PreemptedJobs() []*Job
}
