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
	"fmt"
	"time"

	"github.com/fairshare-scheduler/fairshare-core/pkg/common/resources"
	"github.com/fairshare-scheduler/fairshare-core/pkg/locking"
)

// JobStartDescriptor is the controller's answer to a successful schedule job call.
type JobStartDescriptor struct {
	ID             string
	ResourceLimits resources.JobResourcesWithQuota
	Interruptible  bool
}

// ControllerScheduleJobResult wraps the start descriptor or the reasons the controller could not provide a job.
type ControllerScheduleJobResult struct {
	StartDescriptor *JobStartDescriptor
	FailReasons     map[ScheduleJobFailReason]int
}

// RecordFail counts one failure of the given kind.
func (r *ControllerScheduleJobResult) RecordFail(reason ScheduleJobFailReason) {
	if r.FailReasons == nil {
		r.FailReasons = make(map[ScheduleJobFailReason]int)
	}
	r.FailReasons[reason]++
}

// Job is a running job on a node. The scheduler only reads the static fields,
// the preemption mark is set from the heartbeat that decided to preempt it.
type Job struct {
	ID              string
	OperationID     string
	TreeID          string
	NodeID          string
	StartTime       time.Time
	Interruptible   bool
	PreemptionMode  PreemptionMode
	SchedulingIndex int
	SchedulingStage string

	resourceUsage    resources.JobResources
	resourceLimits   resources.JobResources
	diskQuota        resources.DiskQuota
	preempted        bool
	preemptionReason string
	preemptedFor     string
	interruptTimeout time.Duration

	locking.RWMutex
}

func NewJob(id, operationID, treeID, nodeID string, limits resources.JobResourcesWithQuota, startTime time.Time) *Job {
	return &Job{
		ID:             id,
		OperationID:    operationID,
		TreeID:         treeID,
		NodeID:         nodeID,
		StartTime:      startTime,
		resourceUsage:  limits.ToJobResources(),
		resourceLimits: limits.ToJobResources(),
		diskQuota:      limits.DiskQuota,
	}
}

func (j *Job) String() string {
	if j == nil {
		return "nil job"
	}
	return fmt.Sprintf("job %s (operation %s, node %s)", j.ID, j.OperationID, j.NodeID)
}

func (j *Job) GetResourceUsage() resources.JobResources {
	j.RLock()
	defer j.RUnlock()
	return j.resourceUsage
}

func (j *Job) SetResourceUsage(usage resources.JobResources) {
	j.Lock()
	defer j.Unlock()
	j.resourceUsage = usage
}

func (j *Job) GetResourceLimits() resources.JobResources {
	j.RLock()
	defer j.RUnlock()
	return j.resourceLimits
}

func (j *Job) GetDiskQuota() resources.DiskQuota {
	j.RLock()
	defer j.RUnlock()
	return j.diskQuota
}

// MarkPreempted records the preemption decision, returns false if the job was already preempted.
func (j *Job) MarkPreempted(reason, preemptedFor string, interruptTimeout time.Duration) bool {
	j.Lock()
	defer j.Unlock()
	if j.preempted {
		return false
	}
	j.preempted = true
	j.preemptionReason = reason
	j.preemptedFor = preemptedFor
	j.interruptTimeout = interruptTimeout
	return true
}

func (j *Job) IsPreempted() bool {
	j.RLock()
	defer j.RUnlock()
	return j.preempted
}

func (j *Job) GetPreemptionReason() string {
	j.RLock()
	defer j.RUnlock()
	return j.preemptionReason
}

func (j *Job) GetInterruptTimeout() time.Duration {
	j.RLock()
	defer j.RUnlock()
	return j.interruptTimeout
}
