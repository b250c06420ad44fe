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
	"strconv"
)

// ElementKind is the closed set of tree element types.
type ElementKind int

const (
	KindRoot ElementKind = iota
	KindPool
	KindOperation
)

func (k ElementKind) String() string {
	return [...]string{"root", "pool", "operation"}[k]
}

// ElementStatus is the position of the usage relative to the fair share at one point in time.
type ElementStatus int

const (
	StatusNormal ElementStatus = iota
	StatusBelowFairShare
)

func (s ElementStatus) String() string {
	return [...]string{"Normal", "BelowFairShare"}[s]
}

// StarvationStatus is the persistent result of the starvation check.
type StarvationStatus int

const (
	NonStarving StarvationStatus = iota
	Starving
	AggressivelyStarving
)

func (s StarvationStatus) String() string {
	return [...]string{"NonStarving", "Starving", "AggressivelyStarving"}[s]
}

// JobPreemptionStatus is the class of a running job in the preemptible job lists of its operation.
type JobPreemptionStatus int

const (
	NonPreemptible JobPreemptionStatus = iota
	AggressivelyPreemptible
	Preemptible

	JobPreemptionStatusCount = 3
)

func (s JobPreemptionStatus) String() string {
	if s < 0 || s >= JobPreemptionStatusCount {
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
	return [...]string{"NonPreemptible", "AggressivelyPreemptible", "Preemptible"}[s]
}

// PreemptionMode of an operation, graceful operations get time to finish preempted jobs.
type PreemptionMode int

const (
	PreemptionModeNormal PreemptionMode = iota
	PreemptionModeGraceful
)

func (m PreemptionMode) String() string {
	return [...]string{"Normal", "Graceful"}[m]
}

// ResourceTreeIncreaseResult is the outcome of a hierarchical usage increase.
type ResourceTreeIncreaseResult int

const (
	IncreaseSuccess ResourceTreeIncreaseResult = iota
	IncreaseResourceLimitExceeded
	IncreaseElementIsNotAlive
)

func (r ResourceTreeIncreaseResult) String() string {
	return [...]string{"Success", "ResourceLimitExceeded", "ElementIsNotAlive"}[r]
}

// UnschedulableReason explains why an operation takes no part in scheduling.
type UnschedulableReason string

const (
	UnschedulableNone               UnschedulableReason = ""
	UnschedulableIsNotRunning       UnschedulableReason = "IsNotRunning"
	UnschedulableSuspended          UnschedulableReason = "Suspended"
	UnschedulableNoPendingJobs      UnschedulableReason = "NoPendingJobs"
	UnschedulableMaxScheduleJobCall UnschedulableReason = "MaxScheduleJobCallsViolated"
	UnschedulableFifoLimitReached   UnschedulableReason = "FifoSchedulableElementCountLimitReached"
)

// AbortReason is passed to the controller when a job is aborted before it could start.
type AbortReason string

const (
	AbortSchedulingResourceOvercommit AbortReason = "SchedulingResourceOvercommit"
	AbortSchedulingOperationDisabled  AbortReason = "SchedulingOperationDisabled"
	AbortSchedulingTimeout            AbortReason = "SchedulingTimeout"
	AbortResourceOvercommit           AbortReason = "ResourceOvercommit"
	AbortSchedulingOperationNotAlive  AbortReason = "SchedulingOperationIsNotAlive"
)

// ScheduleJobFailReason is reported by the controller when it could not provide a job.
type ScheduleJobFailReason string

const (
	FailNoPendingJobs        ScheduleJobFailReason = "NoPendingJobs"
	FailNotEnoughResources   ScheduleJobFailReason = "NotEnoughResources"
	FailTimeout              ScheduleJobFailReason = "Timeout"
	FailOperationNotRunning  ScheduleJobFailReason = "OperationNotRunning"
	FailNodeTagMismatch      ScheduleJobFailReason = "NodeTagMismatch"
	FailControllerThrottling ScheduleJobFailReason = "ControllerThrottling"
	FailResourceOvercommit   ScheduleJobFailReason = "ResourceOvercommit"
	FailOperationIsNotAlive  ScheduleJobFailReason = "OperationIsNotAlive"
	FailUnknown              ScheduleJobFailReason = "Unknown"
)
