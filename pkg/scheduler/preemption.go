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
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fairshare-scheduler/fairshare-core/pkg/common/configs"
	"github.com/fairshare-scheduler/fairshare-core/pkg/common/resources"
	"github.com/fairshare-scheduler/fairshare-core/pkg/log"
	"github.com/fairshare-scheduler/fairshare-core/pkg/metrics"
	"github.com/fairshare-scheduler/fairshare-core/pkg/scheduler/objects"
	"github.com/fairshare-scheduler/fairshare-core/pkg/trace"
)

// PreemptiveStage is one scheduling stage that may preempt jobs to start a job.
type PreemptiveStage struct {
	Name           string
	TargetPriority OperationPreemptionPriority
	MinJobLevel    JobPreemptionLevel
	// ForcePreemptionAttempt runs the stage even without operations of its priority, jobs of
	// operations above their limits are still preempted then.
	ForcePreemptionAttempt bool
}

// PreemptiveStages returns the stages in the order they run on a node.
func PreemptiveStages(ssdNode bool) []PreemptiveStage {
	stages := []PreemptiveStage{{
		Name:                   StagePreemptive,
		TargetPriority:         PreemptionPriorityRegular,
		MinJobLevel:            Preemptible,
		ForcePreemptionAttempt: true,
	}}
	if ssdNode {
		stages = append(stages, PreemptiveStage{
			Name:           StageSsdPreemptive,
			TargetPriority: PreemptionPrioritySsdRegular,
			MinJobLevel:    NonPreemptible,
		})
	}
	stages = append(stages, PreemptiveStage{
		Name:           StageAggressivelyPreemptive,
		TargetPriority: PreemptionPriorityAggressive,
		MinJobLevel:    AggressivelyPreemptible,
	})
	if ssdNode {
		stages = append(stages, PreemptiveStage{
			Name:           StageSsdAggressivelyPreemptive,
			TargetPriority: PreemptionPrioritySsdAggressive,
			MinJobLevel:    SsdAggressivelyPreemptible,
		})
	}
	return stages
}

// GetOperationPreemptionPriority derives the priority from the starvation of the operation, or of
// its lowest starving ancestor unless the scope is limited to the operation.
func (c *ScheduleJobsContext) GetOperationPreemptionPriority(op *objects.Operation, scope string) OperationPreemptionPriority {
	var aggressive, starving bool
	if scope == configs.PreemptionPriorityScopeOperationOnly {
		status := op.GetStarvationStatus()
		aggressive = status == objects.AggressivelyStarving
		starving = status != objects.NonStarving
	} else {
		aggressive = op.GetLowestAggressivelyStarvingAncestor() != nil
		starving = op.GetLowestStarvingAncestor() != nil
	}
	ssd := c.ssdNode && c.snapshot.IsEligibleForSsdPriorityPreemption(op)
	switch {
	case aggressive && ssd:
		return PreemptionPrioritySsdAggressive
	case aggressive:
		return PreemptionPriorityAggressive
	case starving && ssd:
		return PreemptionPrioritySsdRegular
	case starving:
		return PreemptionPriorityRegular
	default:
		return PreemptionPriorityNone
	}
}

// FindPreemptionBlockingAncestor returns the element that keeps the jobs of the operation from
// being preempted: the operation itself or the closest ancestor that is starving or not
// satisfied enough. Nil means the jobs can be preempted.
func (c *ScheduleJobsContext) FindPreemptionBlockingAncestor(op *objects.Operation, targetPriority OperationPreemptionPriority) objects.Element {
	if op.GetPreemptionMode() == objects.PreemptionModeGraceful {
		return op
	}
	state := c.snapshot.GetOperationSharedState(op.GetOperationID())
	if state == nil {
		return op
	}
	if state.GetRunningJobCount() <= op.GetMaxUnpreemptibleRunningJobCount() {
		return op
	}
	if isUsageBelowThreshold(state.GetTotalResourceUsage(), op.GetEffectiveNonPreemptibleResourceUsageThreshold()) {
		return op
	}

	checkStarvation := configs.BoolValue(c.config.PreemptionCheckStarvation, true)
	checkSatisfaction := configs.BoolValue(c.config.PreemptionCheckSatisfaction, true)
	var current objects.Element = op
	for current != nil && current.GetParent() != nil {
		if checkStarvation && current.GetStarvationStatus() != objects.NonStarving {
			return current
		}
		if checkSatisfaction {
			threshold := c.config.PreemptionSatisfactionThreshold
			if targetPriority.isAggressive() && current.IsAggressivePreemptionAllowed() {
				threshold = c.config.AggressivePreemptionSatisfactionThreshold
			}
			if current.ComputeLocalSatisfactionRatio(current.GetInstantResourceUsage()) < threshold+resources.RatioComparisonPrecision {
				return current
			}
		}
		current = current.GetParent()
	}
	return nil
}

// isUsageBelowThreshold compares only the finite components of the threshold, an all infinite
// threshold never protects the operation.
func isUsageBelowThreshold(usage, threshold resources.JobResources) bool {
	finite := false
	for i := range threshold {
		if math.IsInf(threshold[i], 1) {
			continue
		}
		finite = true
		if usage[i] > threshold[i] {
			return false
		}
	}
	return finite
}

// findLimitsViolatingAncestor returns the lowest element of the chain whose usage exceeds its limits.
func findLimitsViolatingAncestor(op *objects.Operation) objects.Element {
	var current objects.Element = op
	for current != nil {
		if !resources.Dominates(current.GetResourceLimits(), current.GetInstantResourceUsage()) {
			return current
		}
		parent := current.GetParent()
		if parent == nil {
			break
		}
		current = parent
	}
	return nil
}

// AnalyzePreemptibleJobs splits the running jobs of the node that the stage may preempt. Jobs
// that can be preempted for any operation become the unconditional discount. Jobs blocked by an
// ancestor can still be preempted for operations below that ancestor, they become the conditional
// discounts. The returned map holds jobs that must be preempted regardless of the stage.
func (c *ScheduleJobsContext) AnalyzePreemptibleJobs(targetPriority OperationPreemptionPriority, minLevel JobPreemptionLevel) ([]jobWithPreemptionInfo, map[string]bool) {
	if _, err := trace.StartSpanWrapper(c.traceCtx, trace.StageLevel, trace.AnalyzePreemptiblePhase, targetPriority.String()); err != nil {
		log.Log(log.Preemption).Debug("failed to start analyze span", zap.Error(err))
	}
	c.sc.ResetUsageDiscounts()
	c.conditionallyPreemptibleJobs = make(map[int][]jobWithPreemptionInfo)
	conditional := configs.BoolValue(c.config.EnableConditionalPreemption, true)

	var unconditional []jobWithPreemptionInfo
	forceful := make(map[string]bool)
	blockers := make(map[string]objects.Element)
	for _, job := range c.sc.RunningJobs() {
		if job.IsPreempted() {
			continue
		}
		op := c.snapshot.FindEnabledOperation(job.OperationID)
		state := c.snapshot.GetOperationSharedState(job.OperationID)
		if op == nil || state == nil {
			continue
		}
		status, known := state.GetJobPreemptionStatus(job.ID)
		if !known {
			// dangling job, the operation does not know about it yet
			continue
		}
		info := jobWithPreemptionInfo{job: job, status: status, operation: op}
		forcefully := !op.IsAlive() || findLimitsViolatingAncestor(op) != nil
		level := jobPreemptionLevel(status, c.ssdNode && c.snapshot.IsEligibleForSsdPriorityPreemption(op))
		preemptible := forcefully || (op.GetPreemptionMode() != objects.PreemptionModeGraceful && level >= minLevel)
		if !preemptible {
			continue
		}
		if forcefully {
			forceful[job.ID] = true
		}
		blocker, seen := blockers[job.OperationID]
		if !seen {
			blocker = c.FindPreemptionBlockingAncestor(op, targetPriority)
			blockers[job.OperationID] = blocker
		}
		switch {
		case forcefully || blocker == nil:
			unconditional = append(unconditional, info)
			c.sc.AddUnconditionalDiscount(job.GetResourceUsage())
		case conditional && blocker != objects.Element(op):
			index := blocker.GetTreeIndex()
			c.conditionallyPreemptibleJobs[index] = append(c.conditionallyPreemptibleJobs[index], info)
		}
	}
	if conditional {
		c.prepareConditionalUsageDiscounts(c.snapshot.Root, resources.Zero)
	}
	c.statistics.UnconditionallyPreemptibleJobCount += len(unconditional)
	if err := trace.FinishActiveSpanWrapper(c.traceCtx, "", fmt.Sprintf("unconditional %d", len(unconditional))); err != nil {
		log.Log(log.Preemption).Debug("failed to finish analyze span", zap.Error(err))
	}
	return unconditional, forceful
}

// prepareConditionalUsageDiscounts sums the conditionally preemptible jobs along each path, an
// operation may use the jobs blocked by any of its ancestors.
func (c *ScheduleJobsContext) prepareConditionalUsageDiscounts(element objects.Element, discount resources.JobResources) {
	for _, info := range c.conditionallyPreemptibleJobs[element.GetTreeIndex()] {
		discount = discount.Add(info.job.GetResourceUsage())
	}
	switch typed := element.(type) {
	case *objects.Operation:
		c.sc.SetConditionalDiscount(typed.GetTreeIndex(), discount)
	case objects.Composite:
		for _, child := range typed.SchedulableChildren() {
			c.prepareConditionalUsageDiscounts(child, discount)
		}
	}
}

// PreemptJobsAfterScheduling frees the resources the started job needs and then preempts the jobs of
// elements that exceed their limits. Without a started job it only restores the node limits.
func (c *ScheduleJobsContext) PreemptJobsAfterScheduling(targetPriority OperationPreemptionPriority,
	unconditional []jobWithPreemptionInfo, forceful map[string]bool, jobStarted *objects.Job) {
	if _, err := trace.StartSpanWrapper(c.traceCtx, trace.StageLevel, trace.PreemptAfterSchedulePhase, targetPriority.String()); err != nil {
		log.Log(log.Preemption).Debug("failed to start preemption span", zap.Error(err))
	}
	candidates := append([]jobWithPreemptionInfo(nil), unconditional...)
	var startedOp *objects.Operation
	if jobStarted != nil {
		startedOp = c.snapshot.FindEnabledOperation(jobStarted.OperationID)
		if startedOp != nil {
			var current objects.Element = startedOp
			for current != nil {
				candidates = append(candidates, c.conditionallyPreemptibleJobs[current.GetTreeIndex()]...)
				parent := current.GetParent()
				if parent == nil {
					break
				}
				current = parent
			}
		}
	}
	c.sortJobsForPreemption(candidates, forceful)
	c.sc.ResetUsageDiscounts()

	reason := PreemptionReasonNodeLimitsViolated
	if jobStarted != nil {
		reason = PreemptionReasonPreemption
	}
	limits := c.sc.ResourceLimits()
	var remaining []jobWithPreemptionInfo
	for _, info := range candidates {
		if info.job.IsPreempted() {
			continue
		}
		if resources.Dominates(limits, c.sc.ResourceUsage()) {
			remaining = append(remaining, info)
			continue
		}
		message := fmt.Sprintf("preempted to make room on node %s", c.sc.NodeID())
		if jobStarted != nil {
			message = fmt.Sprintf("preempted to start job %s of operation %s", jobStarted.ID, jobStarted.OperationID)
		}
		c.preemptJob(info, reason, message, jobStarted)
	}
	for _, info := range remaining {
		if !forceful[info.job.ID] || info.job.IsPreempted() {
			continue
		}
		violating := findLimitsViolatingAncestor(info.operation)
		if violating == nil && info.operation.IsAlive() {
			continue
		}
		message := "operation is not alive"
		if violating != nil {
			message = fmt.Sprintf("resource limits of %s are violated", violating.GetID())
		}
		c.preemptJob(info, PreemptionReasonResourceLimitsViolated, message, nil)
	}
	if !resources.Dominates(limits, c.sc.ResourceUsage()) {
		log.Log(log.Preemption).Warn("node resource usage exceeds limits after preemption",
			zap.String("nodeID", c.sc.NodeID()),
			zap.Stringer("usage", c.sc.ResourceUsage()),
			zap.Stringer("limits", limits))
	}
	if err := trace.FinishActiveSpanWrapper(c.traceCtx, "", fmt.Sprintf("preempted %d", c.statistics.PreemptedJobCount)); err != nil {
		log.Log(log.Preemption).Debug("failed to finish preemption span", zap.Error(err))
	}
}

// sortJobsForPreemption puts the jobs to preempt first: forced ones, then the easiest to preempt,
// then the most recently started.
func (c *ScheduleJobsContext) sortJobsForPreemption(jobs []jobWithPreemptionInfo, forceful map[string]bool) {
	levels := make(map[string]JobPreemptionLevel, len(jobs))
	for _, info := range jobs {
		levels[info.job.ID] = jobPreemptionLevel(info.status, c.ssdNode && c.snapshot.IsEligibleForSsdPriorityPreemption(info.operation))
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		left, right := jobs[i].job, jobs[j].job
		if forceful[left.ID] != forceful[right.ID] {
			return forceful[left.ID]
		}
		if levels[left.ID] != levels[right.ID] {
			return levels[left.ID] > levels[right.ID]
		}
		return left.StartTime.After(right.StartTime)
	})
}

// preemptJob preempts the job on the node and releases its usage in the operation and the tree.
func (c *ScheduleJobsContext) preemptJob(info jobWithPreemptionInfo, reason, message string, preemptedFor *objects.Job) {
	job := info.job
	if job.IsPreempted() {
		return
	}
	timeout := c.config.JobInterruptTimeout
	if info.operation.GetPreemptionMode() == objects.PreemptionModeGraceful {
		timeout = c.config.JobGracefulInterruptTimeout
	}
	preemptedForID := ""
	if preemptedFor != nil {
		preemptedForID = preemptedFor.ID
	}
	c.sc.PreemptJob(job, timeout, reason, preemptedForID)
	if state := c.snapshot.GetOperationSharedState(job.OperationID); state != nil {
		delta := state.SetJobResourceUsage(job.ID, resources.Zero)
		info.operation.IncreaseHierarchicalResourceUsage(delta)
	}
	job.SetResourceUsage(resources.Zero)
	metrics.GetSchedulerMetrics().IncPreemptedJobs(c.snapshot.TreeID, reason)
	c.statistics.PreemptedJobCount++
	log.Log(log.Preemption).Info("job preempted",
		zap.String("treeID", c.snapshot.TreeID),
		zap.String("nodeID", c.sc.NodeID()),
		zap.String("jobID", job.ID),
		zap.String("operationID", job.OperationID),
		zap.String("reason", reason),
		zap.String("message", message),
		zap.Duration("interruptTimeout", timeout))
}

// AbortJobsSinceResourcesOvercommit keeps the hardest to preempt and oldest jobs that fit into the
// node limits and preempts the rest.
func (c *ScheduleJobsContext) AbortJobsSinceResourcesOvercommit() {
	limits := c.sc.ResourceLimits()
	var jobs []jobWithPreemptionInfo
	started := make(map[string]bool)
	current := resources.Zero
	for _, job := range c.sc.StartedJobs() {
		started[job.ID] = true
		current = current.Add(job.GetResourceUsage())
	}
	for _, job := range c.sc.RunningJobs() {
		if job.IsPreempted() || started[job.ID] {
			continue
		}
		info := jobWithPreemptionInfo{job: job, status: objects.Preemptible}
		if op := c.snapshot.FindEnabledOperation(job.OperationID); op != nil {
			info.operation = op
			if state := c.snapshot.GetOperationSharedState(job.OperationID); state != nil {
				if status, ok := state.GetJobPreemptionStatus(job.ID); ok {
					info.status = status
				}
			}
		}
		jobs = append(jobs, info)
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].status != jobs[j].status {
			return jobs[i].status < jobs[j].status
		}
		return jobs[i].job.StartTime.Before(jobs[j].job.StartTime)
	})
	for _, info := range jobs {
		usage := current.Add(info.job.GetResourceUsage())
		if resources.Dominates(limits, usage) {
			current = usage
			continue
		}
		if info.operation == nil {
			// the operation is gone, the node only needs to stop the job
			c.sc.PreemptJob(info.job, 0, PreemptionReasonResourceOvercommit, "")
			metrics.GetSchedulerMetrics().IncPreemptedJobs(c.snapshot.TreeID, PreemptionReasonResourceOvercommit)
			c.statistics.PreemptedJobCount++
			continue
		}
		c.preemptJob(info, PreemptionReasonResourceOvercommit, "node resources are overcommitted", nil)
	}
}

// PreemptJobsGracefully asks the preemptible jobs of graceful operations to finish, their fair
// share has been taken by other operations.
func (c *ScheduleJobsContext) PreemptJobsGracefully() {
	if _, err := trace.StartSpanWrapper(c.traceCtx, trace.StageLevel, trace.GracefulPreemptionPhase, ""); err != nil {
		log.Log(log.Preemption).Debug("failed to start graceful span", zap.Error(err))
	}
	for _, job := range c.sc.RunningJobs() {
		if job.IsPreempted() {
			continue
		}
		op := c.snapshot.FindEnabledOperation(job.OperationID)
		if op == nil || op.GetPreemptionMode() != objects.PreemptionModeGraceful {
			continue
		}
		state := c.snapshot.GetOperationSharedState(job.OperationID)
		if state == nil {
			continue
		}
		if status, ok := state.GetJobPreemptionStatus(job.ID); ok && status == objects.Preemptible {
			c.preemptJob(jobWithPreemptionInfo{job: job, status: status, operation: op},
				PreemptionReasonGraceful, "fair share of the operation is exceeded", nil)
		}
	}
	if err := trace.FinishActiveSpanWrapper(c.traceCtx, "", ""); err != nil {
		log.Log(log.Preemption).Debug("failed to finish graceful span", zap.Error(err))
	}
}

// backoffElapsed reports whether a node may run the preemptive stages again.
func backoffElapsed(last, now time.Time, backoff time.Duration) bool {
	return last.IsZero() || !now.Before(last.Add(backoff))
}
