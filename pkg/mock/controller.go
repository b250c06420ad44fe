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

package mock

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fairshare-scheduler/fairshare-core/pkg/common/resources"
	"github.com/fairshare-scheduler/fairshare-core/pkg/locking"
	"github.com/fairshare-scheduler/fairshare-core/pkg/scheduler/objects"
)

// Controller serves a number of pending jobs of a single shape.
type Controller struct {
	pending       int
	jobShape      resources.JobResources
	diskQuota     resources.DiskQuota
	jobResources  *resources.JobResources
	failure       objects.ScheduleJobFailReason
	err           error
	delay         time.Duration
	saturated     bool
	scheduleCalls int
	started       []string
	aborted       map[string]objects.AbortReason

	locking.Mutex
}

func NewController(pending int, jobShape resources.JobResources) *Controller {
	return &Controller{
		pending:  pending,
		jobShape: jobShape,
		aborted:  make(map[string]objects.AbortReason),
	}
}

func (c *Controller) GetPendingJobCount() int {
	c.Lock()
	defer c.Unlock()
	return c.pending
}

func (c *Controller) GetNeededResources() resources.JobResources {
	c.Lock()
	defer c.Unlock()
	return c.jobShape.Multiply(float64(c.pending))
}

func (c *Controller) GetAggregatedMinNeededJobResources() resources.JobResources {
	return c.jobShape
}

func (c *Controller) GetDetailedMinNeededJobResources() []resources.JobResourcesWithQuota {
	c.Lock()
	defer c.Unlock()
	return []resources.JobResourcesWithQuota{resources.NewJobResourcesWithQuota(c.jobShape, c.diskQuota)}
}

// ScheduleJob starts a job if one is pending and its shape fits into the available resources.
func (c *Controller) ScheduleJob(ctx context.Context, _ objects.SchedulingContext, available resources.JobResources, _ string) (*objects.ControllerScheduleJobResult, error) {
	c.Lock()
	c.scheduleCalls++
	delay := c.delay
	c.Unlock()
	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	c.Lock()
	defer c.Unlock()
	result := &objects.ControllerScheduleJobResult{}
	switch {
	case c.err != nil:
		return nil, c.err
	case c.failure != "":
		result.RecordFail(c.failure)
		return result, nil
	case c.pending == 0:
		result.RecordFail(objects.FailNoPendingJobs)
		return result, nil
	case !resources.Dominates(available, c.jobShape):
		result.RecordFail(objects.FailNotEnoughResources)
		return result, nil
	}
	limits := c.jobShape
	if c.jobResources != nil {
		limits = *c.jobResources
	}
	id := uuid.NewString()
	c.pending--
	c.started = append(c.started, id)
	result.StartDescriptor = &objects.JobStartDescriptor{
		ID:             id,
		ResourceLimits: resources.NewJobResourcesWithQuota(limits, c.diskQuota),
		Interruptible:  true,
	}
	return result, nil
}

// AbortJob returns the job to the pending jobs.
func (c *Controller) AbortJob(jobID string, reason objects.AbortReason) {
	c.Lock()
	defer c.Unlock()
	c.aborted[jobID] = reason
	c.pending++
}

// OnJobFinished returns a preempted job to the pending jobs, a completed job is gone.
func (c *Controller) OnJobFinished(preempted bool) {
	if !preempted {
		return
	}
	c.Lock()
	defer c.Unlock()
	c.pending++
}

func (c *Controller) IsSaturatedInTentativeTree(time.Time, string, time.Duration) bool {
	c.Lock()
	defer c.Unlock()
	return c.saturated
}

func (c *Controller) SetPendingJobCount(pending int) {
	c.Lock()
	defer c.Unlock()
	c.pending = pending
}

func (c *Controller) SetDiskQuota(quota resources.DiskQuota) {
	c.Lock()
	defer c.Unlock()
	c.diskQuota = quota
}

// SetJobResources makes the started jobs use other resources than the advertised shape.
func (c *Controller) SetJobResources(limits resources.JobResources) {
	c.Lock()
	defer c.Unlock()
	c.jobResources = &limits
}

// SetFailure makes every call fail with the reason, an empty reason clears it.
func (c *Controller) SetFailure(reason objects.ScheduleJobFailReason) {
	c.Lock()
	defer c.Unlock()
	c.failure = reason
}

func (c *Controller) SetError(err error) {
	c.Lock()
	defer c.Unlock()
	c.err = err
}

func (c *Controller) SetDelay(delay time.Duration) {
	c.Lock()
	defer c.Unlock()
	c.delay = delay
}

func (c *Controller) SetSaturated(saturated bool) {
	c.Lock()
	defer c.Unlock()
	c.saturated = saturated
}

func (c *Controller) GetScheduleJobCalls() int {
	c.Lock()
	defer c.Unlock()
	return c.scheduleCalls
}

func (c *Controller) GetStartedJobs() []string {
	c.Lock()
	defer c.Unlock()
	return append([]string(nil), c.started...)
}

func (c *Controller) GetAbortedJobs() map[string]objects.AbortReason {
	c.Lock()
	defer c.Unlock()
	aborted := make(map[string]objects.AbortReason, len(c.aborted))
	for id, reason := range c.aborted {
		aborted[id] = reason
	}
	return aborted
}
