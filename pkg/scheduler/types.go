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
	"strconv"

	"github.com/fairshare-scheduler/fairshare-core/pkg/scheduler/objects"
)

// DeactivationReason explains why an operation cannot get a job on the current heartbeat.
type DeactivationReason int

const (
	DeactivationIsNotAlive DeactivationReason = iota
	DeactivationUnmatchedSchedulingTag
	DeactivationIsNotEligibleForPreemptiveScheduling
	DeactivationIsNotEligibleForAggressivelyPreemptiveScheduling
	DeactivationIsNotEligibleForSsdPreemptiveScheduling
	DeactivationIsNotEligibleForSsdAggressivelyPreemptiveScheduling
	DeactivationScheduleJobFailed
	DeactivationNoBestLeafDescendant
	DeactivationMinNeededResourcesUnsatisfied
	DeactivationResourceLimitsExceeded
	DeactivationSaturatedInTentativeTree
	DeactivationOperationDisabled
	DeactivationBadPacking
	DeactivationFairShareExceeded
	DeactivationMaxConcurrentScheduleJobCallsPerNodeShardViolated
	DeactivationRecentScheduleJobFailed
	DeactivationIncompatibleSchedulingSegment
	DeactivationNoAvailableDemand
	DeactivationRegularJobOnSsdNodeForbidden

	DeactivationReasonCount
)

var deactivationReasonNames = [DeactivationReasonCount]string{
	"IsNotAlive",
	"UnmatchedSchedulingTag",
	"IsNotEligibleForPreemptiveScheduling",
	"IsNotEligibleForAggressivelyPreemptiveScheduling",
	"IsNotEligibleForSsdPreemptiveScheduling",
	"IsNotEligibleForSsdAggressivelyPreemptiveScheduling",
	"ScheduleJobFailed",
	"NoBestLeafDescendant",
	"MinNeededResourcesUnsatisfied",
	"ResourceLimitsExceeded",
	"SaturatedInTentativeTree",
	"OperationDisabled",
	"BadPacking",
	"FairShareExceeded",
	"MaxConcurrentScheduleJobCallsPerNodeShardViolated",
	"RecentScheduleJobFailed",
	"IncompatibleSchedulingSegment",
	"NoAvailableDemand",
	"RegularJobOnSsdNodeForbidden",
}

func (r DeactivationReason) String() string {
	if r < 0 || r >= DeactivationReasonCount {
		return "unknown(" + strconv.Itoa(int(r)) + ")"
	}
	return deactivationReasonNames[r]
}

// OperationPreemptionPriority is how urgently an operation may take resources from running jobs.
type OperationPreemptionPriority int

const (
	PreemptionPriorityNone OperationPreemptionPriority = iota
	PreemptionPriorityRegular
	PreemptionPriorityAggressive
	PreemptionPrioritySsdRegular
	PreemptionPrioritySsdAggressive

	PreemptionPriorityCount
)

func (p OperationPreemptionPriority) String() string {
	if p < 0 || p >= PreemptionPriorityCount {
		return "unknown(" + strconv.Itoa(int(p)) + ")"
	}
	return [...]string{"None", "Regular", "Aggressive", "SsdRegular", "SsdAggressive"}[p]
}

// isAggressive covers both the regular and the SSD aggressive priority.
func (p OperationPreemptionPriority) isAggressive() bool {
	return p == PreemptionPriorityAggressive || p == PreemptionPrioritySsdAggressive
}

// deactivationReason is reported when the operation takes part in a stage of another priority.
func (p OperationPreemptionPriority) deactivationReason() DeactivationReason {
	switch p {
	case PreemptionPriorityAggressive:
		return DeactivationIsNotEligibleForAggressivelyPreemptiveScheduling
	case PreemptionPrioritySsdRegular:
		return DeactivationIsNotEligibleForSsdPreemptiveScheduling
	case PreemptionPrioritySsdAggressive:
		return DeactivationIsNotEligibleForSsdAggressivelyPreemptiveScheduling
	default:
		return DeactivationIsNotEligibleForPreemptiveScheduling
	}
}

// JobPreemptionLevel orders running jobs from the hardest to the easiest to preempt.
// A stage preempts only jobs at or above its minimum level.
type JobPreemptionLevel int

const (
	SsdNonPreemptible JobPreemptionLevel = iota
	SsdAggressivelyPreemptible
	NonPreemptible
	AggressivelyPreemptible
	Preemptible
)

func (l JobPreemptionLevel) String() string {
	if l < SsdNonPreemptible || l > Preemptible {
		return "unknown(" + strconv.Itoa(int(l)) + ")"
	}
	return [...]string{"SsdNonPreemptible", "SsdAggressivelyPreemptible", "NonPreemptible", "AggressivelyPreemptible", "Preemptible"}[l]
}

// jobPreemptionLevel maps the list a job is in to its level, jobs of operations that can preempt
// on SSD nodes are harder to preempt than any regular job.
func jobPreemptionLevel(status objects.JobPreemptionStatus, ssdEligible bool) JobPreemptionLevel {
	switch status {
	case objects.NonPreemptible:
		if ssdEligible {
			return SsdNonPreemptible
		}
		return NonPreemptible
	case objects.AggressivelyPreemptible:
		if ssdEligible {
			return SsdAggressivelyPreemptible
		}
		return AggressivelyPreemptible
	default:
		return Preemptible
	}
}

// Scheduling stage names, also used as metric labels and job start annotations.
const (
	StageNonPreemptive                = "non_preemptive"
	StageNonPreemptivePackingFallback = "non_preemptive_packing_fallback"
	StagePreemptive                   = "preemptive"
	StageSsdPreemptive                = "ssd_preemptive"
	StageAggressivelyPreemptive       = "aggressively_preemptive"
	StageSsdAggressivelyPreemptive    = "ssd_aggressively_preemptive"
)

// Preemption reasons reported on the preempted job and in the metrics.
const (
	PreemptionReasonPreemption             = "preemption"
	PreemptionReasonNodeLimitsViolated     = "node_resource_limits_violated"
	PreemptionReasonResourceLimitsViolated = "resource_limits_violated"
	PreemptionReasonResourceOvercommit     = "resource_overcommit"
	PreemptionReasonGraceful               = "graceful_preemption"
)
