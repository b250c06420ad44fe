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
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fairshare-scheduler/fairshare-core/pkg/common/configs"
	"github.com/fairshare-scheduler/fairshare-core/pkg/common/resources"
	"github.com/fairshare-scheduler/fairshare-core/pkg/log"
	"github.com/fairshare-scheduler/fairshare-core/pkg/metrics"
	"github.com/fairshare-scheduler/fairshare-core/pkg/scheduler/objects"
	"github.com/fairshare-scheduler/fairshare-core/pkg/trace"
)

var errEmptyControllerResult = errors.New("controller returned neither a job nor a failure")

var (
	deactivationLogOnce sync.Once
	deactivationLog     *log.KeyedRateLimitedLogger
)

func getDeactivationLog() *log.KeyedRateLimitedLogger {
	deactivationLogOnce.Do(func() {
		deactivationLog = log.KeyedRateLimitedLog(log.Scheduling, time.Second)
	})
	return deactivationLog
}

type ScheduleJobResult struct {
	Finished  bool
	Scheduled bool
}

// StageStatistics are the counters of one scheduling stage of a heartbeat.
type StageStatistics struct {
	Name                       string
	PrescheduleExecuted        bool
	PrescheduleDuration        time.Duration
	Duration                   time.Duration
	ActiveOperationCount       int
	ActiveTreeSize             int
	TotalHeapElementCount      int
	ScheduleJobAttemptCount    int
	ScheduleJobFailureCount    int
	ControllerScheduleJobCount int
	ScheduledJobCount          int
	MaxSchedulingIndex         int

	DeactivationReasons                      map[DeactivationReason]int
	FailedScheduleJob                        map[objects.ScheduleJobFailReason]int
	SchedulingIndexToScheduleJobAttemptCount map[int]int

	startTime time.Time
}

// SchedulingStatistics summarizes a heartbeat, it is returned to the caller for diagnostics.
type SchedulingStatistics struct {
	Stages                             []StageStatistics
	OperationCountByPreemptionPriority map[OperationPreemptionPriority]int
	UnconditionallyPreemptibleJobCount int
	PreemptiveScheduleAttempted        bool
	ScheduledDuringPreemption          int
	PreemptedJobCount                  int
	HasBadPackingOperations            bool
}

// jobWithPreemptionInfo is a running job of the node with the list it is in at the moment.
type jobWithPreemptionInfo struct {
	job       *objects.Job
	status    objects.JobPreemptionStatus
	operation *objects.Operation
}

// ScheduleJobsContext is the state of one heartbeat of one node. It is owned by the goroutine
// processing the heartbeat, only the operation shared states and the resource tree are shared.
type ScheduleJobsContext struct {
	ctx        context.Context
	sc         objects.SchedulingContext
	snapshot   *TreeSnapshot
	config     *configs.TreeConfig
	traceCtx   trace.SchedulerTraceContext
	ssdNode    bool
	attributes DynamicAttributesList

	manager     *DynamicAttributesManager
	initialized bool

	stage      *StageStatistics
	statistics SchedulingStatistics

	badPackingOperations         []*objects.Operation
	operationCountByPriority     [PreemptionPriorityCount]int
	conditionallyPreemptibleJobs map[int][]jobWithPreemptionInfo
}

// NewScheduleJobsContext creates the heartbeat context. The attributes list is an optional
// precomputed list of the same snapshot, it is copied before use.
func NewScheduleJobsContext(ctx context.Context, sc objects.SchedulingContext, snapshot *TreeSnapshot,
	attributes DynamicAttributesList, traceCtx trace.SchedulerTraceContext) *ScheduleJobsContext {
	return &ScheduleJobsContext{
		ctx:        ctx,
		sc:         sc,
		snapshot:   snapshot,
		config:     snapshot.TreeConfig,
		traceCtx:   traceCtx,
		ssdNode:    snapshot.IsSsdNode(sc),
		attributes: attributes,
		statistics: SchedulingStatistics{
			OperationCountByPreemptionPriority: make(map[OperationPreemptionPriority]int),
		},
		conditionallyPreemptibleJobs: make(map[int][]jobWithPreemptionInfo),
	}
}

func (c *ScheduleJobsContext) SchedulingContext() objects.SchedulingContext {
	return c.sc
}

func (c *ScheduleJobsContext) DynamicAttributes() *DynamicAttributesManager {
	return c.manager
}

func (c *ScheduleJobsContext) GetStatistics() SchedulingStatistics {
	return c.statistics
}

// PrepareForScheduling builds the dynamic attributes on first use, later calls only reset
// the activeness so the usage refreshed in earlier stages is kept.
func (c *ScheduleJobsContext) PrepareForScheduling() {
	if c.initialized {
		c.manager.Clear()
		return
	}
	list := c.attributes
	if len(list) == c.snapshot.Root.GetTreeSize() && list != nil {
		list = list.Clone()
	} else {
		list = BuildDynamicAttributesList(c.snapshot.Root, nil, c.sc.Now())
	}
	c.manager = NewDynamicAttributesManager(list)
	c.initialized = true
}

// ----------------------------------
// stages
// ----------------------------------

func (c *ScheduleJobsContext) StartStage(name string) {
	c.stage = &StageStatistics{
		Name:                                     name,
		MaxSchedulingIndex:                       UndefinedSchedulingIndex,
		DeactivationReasons:                      make(map[DeactivationReason]int),
		FailedScheduleJob:                        make(map[objects.ScheduleJobFailReason]int),
		SchedulingIndexToScheduleJobAttemptCount: make(map[int]int),
		startTime:                                time.Now(),
	}
	if _, err := trace.StartSpanWrapper(c.traceCtx, trace.StageLevel, "", name); err != nil {
		log.Log(log.Scheduling).Debug("failed to start stage span", zap.Error(err))
	}
}

// FinishStage publishes the counters of the stage, they are kept in the heartbeat statistics.
func (c *ScheduleJobsContext) FinishStage() {
	stage := c.stage
	if stage == nil {
		return
	}
	stage.Duration = time.Since(stage.startTime)
	treeID := c.snapshot.TreeID
	m := metrics.GetSchedulerMetrics()
	m.AddScheduleJobAttempts(treeID, stage.Name, stage.ScheduleJobAttemptCount)
	m.AddScheduledJobs(treeID, stage.Name, stage.ScheduledJobCount)
	for reason, count := range stage.FailedScheduleJob {
		m.AddScheduleJobFailures(treeID, stage.Name, string(reason), count)
	}
	for reason, count := range stage.DeactivationReasons {
		m.AddDeactivations(treeID, stage.Name, reason.String(), count)
	}
	for bucket, count := range stage.SchedulingIndexToScheduleJobAttemptCount {
		m.AddSchedulingIndexAttempts(treeID, strconv.Itoa(bucket), count)
	}
	m.ObserveStageLatency(treeID, stage.Name, stage.Duration)
	if stage.PrescheduleExecuted {
		m.ObservePrescheduleLatency(treeID, stage.Name, stage.PrescheduleDuration)
	}
	c.statistics.Stages = append(c.statistics.Stages, *stage)
	c.stage = nil
	if err := trace.FinishActiveSpanWrapper(c.traceCtx, "", fmt.Sprintf("scheduled %d", stage.ScheduledJobCount)); err != nil {
		log.Log(log.Scheduling).Debug("failed to finish stage span", zap.Error(err))
	}
}

func (c *ScheduleJobsContext) GetStageStatistics() *StageStatistics {
	return c.stage
}

// ----------------------------------
// preschedule
// ----------------------------------

// PrescheduleJob activates the elements that can get a job on this node. With a target priority
// other than None only operations of exactly that priority are activated.
func (c *ScheduleJobsContext) PrescheduleJob(targetPriority OperationPreemptionPriority) {
	start := time.Now()
	if _, err := trace.StartSpanWrapper(c.traceCtx, trace.StageLevel, trace.PrescheduleJobPhase, c.stage.Name); err != nil {
		log.Log(log.Scheduling).Debug("failed to start preschedule span", zap.Error(err))
	}
	if c.snapshot.Root.GetTreeSize() > 0 {
		c.prescheduleAtComposite(c.snapshot.Root, targetPriority)
	}
	c.stage.PrescheduleExecuted = true
	c.stage.PrescheduleDuration = time.Since(start)
	if err := trace.FinishActiveSpanWrapper(c.traceCtx, "", ""); err != nil {
		log.Log(log.Scheduling).Debug("failed to finish preschedule span", zap.Error(err))
	}
}

func (c *ScheduleJobsContext) prescheduleAtComposite(composite objects.Composite, targetPriority OperationPreemptionPriority) {
	attributes := c.manager.AttributesOf(composite)
	if !attributes.Alive {
		c.stage.DeactivationReasons[DeactivationIsNotAlive]++
		return
	}
	if c.schedulingTagsEnabled() && !c.sc.CanSchedule(composite.GetTagFilterIndex()) {
		c.stage.DeactivationReasons[DeactivationUnmatchedSchedulingTag]++
		return
	}
	children := composite.SchedulableChildren()
	for _, child := range children {
		switch typed := child.(type) {
		case *objects.Operation:
			c.prescheduleAtOperation(typed, targetPriority)
		case objects.Composite:
			c.prescheduleAtComposite(typed, targetPriority)
		}
	}
	useChildHeap := len(children) >= c.config.MinChildHeapSize
	c.manager.InitializeAttributesAtComposite(composite, useChildHeap)
	if attributes.Active {
		c.stage.ActiveTreeSize += len(children)
		if useChildHeap {
			c.stage.TotalHeapElementCount += len(children)
		}
	}
}

func (c *ScheduleJobsContext) prescheduleAtOperation(op *objects.Operation, targetPriority OperationPreemptionPriority) {
	if reason, deactivated := c.CheckForDeactivation(op, targetPriority); deactivated {
		c.onOperationDeactivated(op, reason, false)
		c.manager.InitializeAttributesAtOperation(op, false)
		return
	}
	c.manager.InitializeAttributesAtOperation(op, true)
	c.stage.ActiveOperationCount++
	c.stage.ActiveTreeSize++
}

// CheckForDeactivation returns the first reason the operation cannot take part in the stage.
func (c *ScheduleJobsContext) CheckForDeactivation(op *objects.Operation, targetPriority OperationPreemptionPriority) (DeactivationReason, bool) {
	if !c.manager.AttributesOf(op).Alive {
		return DeactivationIsNotAlive, true
	}
	if targetPriority != PreemptionPriorityNone && targetPriority != c.GetOperationPreemptionPriority(op, c.config.PreemptionPriorityScope) {
		return targetPriority.deactivationReason(), true
	}
	if reason, blocked := c.checkBlocked(op); blocked {
		return reason, true
	}
	if c.schedulingTagsEnabled() && !c.sc.CanSchedule(op.GetTagFilterIndex()) {
		return DeactivationUnmatchedSchedulingTag, true
	}
	if !c.isSchedulingSegmentCompatible(op) {
		return DeactivationIncompatibleSchedulingSegment, true
	}
	if op.IsTentative() && op.GetController().IsSaturatedInTentativeTree(c.sc.Now(), c.snapshot.TreeID, c.config.TentativeTreeSaturationDeactivationPeriod) {
		return DeactivationSaturatedInTentativeTree, true
	}
	if op.GetPreemptionMode() == objects.PreemptionModeGraceful {
		usageShare := resources.Share(c.manager.AttributesOf(op).ResourceUsage, op.GetTotalResourceLimits())
		if resources.DominatesVector(usageShare, op.GetAttributes().FairShare.Add(resources.Epsilon())) {
			return DeactivationFairShareExceeded, true
		}
	}
	if c.ssdNode && !c.snapshot.IsEligibleForSsdPriorityPreemption(op) && !areRegularJobsOnSsdNodesAllowed(op) {
		return DeactivationRegularJobOnSsdNodeForbidden, true
	}
	return 0, false
}

// checkBlocked covers the conditions that come from other heartbeats running at the same time.
func (c *ScheduleJobsContext) checkBlocked(op *objects.Operation) (DeactivationReason, bool) {
	state := c.snapshot.GetOperationSharedState(op.GetOperationID())
	if state == nil {
		return DeactivationOperationDisabled, true
	}
	if state.IsMaxConcurrentScheduleJobCallsPerNodeShardViolated(c.sc.NodeShardID()) {
		return DeactivationMaxConcurrentScheduleJobCallsPerNodeShardViolated, true
	}
	if state.HasRecentScheduleJobFailure(c.sc.Now(), c.config.ScheduleJobFailBackoffTime) {
		return DeactivationRecentScheduleJobFailed, true
	}
	return 0, false
}

func (c *ScheduleJobsContext) schedulingTagsEnabled() bool {
	return configs.BoolValue(c.config.EnableSchedulingTags, true)
}

func (c *ScheduleJobsContext) isSchedulingSegmentCompatible(op *objects.Operation) bool {
	if c.config.SchedulingSegments.Mode == configs.SchedulingSegmentsDisabled || c.config.SchedulingSegments.Mode == "" {
		return true
	}
	nodeSegment := c.sc.SchedulingSegment()
	if nodeSegment == "" {
		nodeSegment = configs.SegmentDefault
	}
	return op.GetSchedulingSegment() == nodeSegment
}

func areRegularJobsOnSsdNodesAllowed(op *objects.Operation) bool {
	if pool, ok := op.GetParent().(*objects.Pool); ok {
		return pool.AreRegularJobsOnSsdNodesAllowed()
	}
	return true
}

func (c *ScheduleJobsContext) onOperationDeactivated(op *objects.Operation, reason DeactivationReason, considerInOperationCounter bool) {
	c.stage.DeactivationReasons[reason]++
	if considerInOperationCounter {
		if state := c.snapshot.GetOperationSharedState(op.GetOperationID()); state != nil {
			state.OnOperationDeactivated(reason)
		}
	}
	getDeactivationLog().For(reason.String()).Debug("operation deactivated",
		zap.String("treeID", c.snapshot.TreeID),
		zap.String("operationID", op.GetOperationID()),
		zap.String("nodeID", c.sc.NodeID()),
		zap.String("stage", c.stage.Name),
		zap.Stringer("reason", reason))
}

func (c *ScheduleJobsContext) deactivateOperation(op *objects.Operation, reason DeactivationReason) {
	c.onOperationDeactivated(op, reason, true)
	c.manager.DeactivateOperation(op)
}

// ----------------------------------
// schedule
// ----------------------------------

// ScheduleJob tries to start one job for the best active operation. Finished is set once no
// element is active anymore.
func (c *ScheduleJobsContext) ScheduleJob(ignorePacking bool) ScheduleJobResult {
	c.stage.ScheduleJobAttemptCount++
	root := c.snapshot.Root
	var best *objects.Operation
	for {
		if root.GetTreeSize() == 0 || !c.manager.IsActive(root) {
			return ScheduleJobResult{Finished: true}
		}
		best = c.manager.AttributesOf(root).BestLeafDescendant
		if best == nil {
			c.stage.DeactivationReasons[DeactivationNoBestLeafDescendant]++
			return ScheduleJobResult{Finished: true}
		}
		attributes := c.manager.AttributesOf(best)
		state := c.snapshot.GetOperationSharedState(best.GetOperationID())
		if !attributes.Alive || state == nil || !state.IsEnabled() {
			c.deactivateOperation(best, DeactivationIsNotAlive)
			continue
		}
		now := c.sc.Now()
		if now.After(attributes.ResourceUsageUpdateTime.Add(c.config.AllowedResourceUsageStaleness)) {
			c.manager.UpdateOperationResourceUsage(best, now)
			continue
		}
		break
	}

	index := c.snapshot.GetSchedulingIndex(best.GetOperationID())
	c.stage.SchedulingIndexToScheduleJobAttemptCount[schedulingIndexBucket(index)]++
	if index > c.stage.MaxSchedulingIndex {
		c.stage.MaxSchedulingIndex = index
	}

	scheduled := c.scheduleJobAtOperation(best, index, ignorePacking)
	if scheduled {
		c.reactivateBadPackingOperations()
	}
	return ScheduleJobResult{Scheduled: scheduled}
}

func (c *ScheduleJobsContext) scheduleJobAtOperation(op *objects.Operation, schedulingIndex int, ignorePacking bool) bool {
	operationID := op.GetOperationID()
	if _, err := trace.StartSpanWrapper(c.traceCtx, trace.OperationLevel, trace.ScheduleJobPhase, operationID); err != nil {
		log.Log(log.Scheduling).Debug("failed to start operation span", zap.Error(err))
	}
	deactivate := func(reason DeactivationReason) bool {
		c.deactivateOperation(op, reason)
		c.finishSpan(trace.DeactivatedState, reason.String())
		return false
	}

	if reason, blocked := c.checkBlocked(op); blocked {
		return deactivate(reason)
	}
	state := c.snapshot.GetOperationSharedState(operationID)
	if !state.IsEnabled() {
		return deactivate(DeactivationOperationDisabled)
	}
	if !c.hasJobsSatisfyingResourceLimits(op) {
		return deactivate(DeactivationMinNeededResourcesUnsatisfied)
	}
	precommitted, available, reason, started := c.tryStartScheduleJob(op, state)
	if !started {
		return deactivate(reason)
	}
	defer state.DecreaseConcurrentScheduleJobCalls(c.sc.NodeShardID())

	now := c.sc.Now()
	packing := c.config.Packing
	var heartbeat PackingHeartbeatSnapshot
	if packing.Enable {
		heartbeat = NewPackingHeartbeatSnapshot(c.sc)
		if !ignorePacking && !c.checkPacking(op, state, heartbeat) {
			state.GetPackingStatistics().RecordHeartbeat(heartbeat, packing)
			op.DecreaseHierarchicalResourceUsagePrecommit(precommitted)
			c.badPackingOperations = append(c.badPackingOperations, op)
			return deactivate(DeactivationBadPacking)
		}
	}

	result, precommitted := c.doScheduleJob(op, available, precommitted)
	descriptor := result.StartDescriptor
	if descriptor == nil {
		for failReason, count := range result.FailReasons {
			c.stage.FailedScheduleJob[failReason] += count
		}
		c.stage.ScheduleJobFailureCount++
		state.OnScheduleJobFailed(now)
		op.DecreaseHierarchicalResourceUsagePrecommit(precommitted)
		return deactivate(DeactivationScheduleJobFailed)
	}

	limits := descriptor.ResourceLimits.ToJobResources()
	if !state.AddJob(descriptor.ID, limits) {
		c.abortJob(op, descriptor.ID, objects.AbortSchedulingOperationDisabled)
		op.DecreaseHierarchicalResourceUsagePrecommit(precommitted)
		return deactivate(DeactivationOperationDisabled)
	}
	op.CommitHierarchicalResourceUsage(limits, precommitted)
	state.UpdatePreemptibleJobsList(op, c.config)
	job := c.sc.StartJob(c.snapshot.TreeID, operationID, descriptor, op.GetPreemptionMode(), schedulingIndex, c.stage.Name)
	c.manager.UpdateOperationResourceUsage(op, now)
	if packing.Enable {
		state.GetPackingStatistics().RecordHeartbeat(heartbeat, packing)
	}
	state.OnScheduleJobSucceeded(now)
	op.ResetAlert(objects.AlertScheduleJobFailures)
	c.stage.ScheduledJobCount++
	log.Log(log.Scheduling).Debug("job scheduled",
		zap.String("treeID", c.snapshot.TreeID),
		zap.String("operationID", operationID),
		zap.String("jobID", job.ID),
		zap.String("nodeID", c.sc.NodeID()),
		zap.String("stage", c.stage.Name),
		zap.Stringer("resources", limits))
	c.finishSpan(trace.ScheduledState, job.ID)
	return true
}

// hasJobsSatisfyingResourceLimits is true if one of the job shapes fits into the node.
func (c *ScheduleJobsContext) hasJobsSatisfyingResourceLimits(op *objects.Operation) bool {
	free := c.sc.FreeResourcesWithDiscountForOperation(op.GetTreeIndex())
	for _, shape := range op.GetDetailedMinNeededJobResources() {
		if resources.Dominates(free, shape.ToJobResources()) {
			return true
		}
	}
	return false
}

// tryStartScheduleJob precommits the minimum needed resources on the ancestor chain and counts the
// controller call. On success the caller must revert or commit the precommit and decrease the call count.
func (c *ScheduleJobsContext) tryStartScheduleJob(op *objects.Operation, state *OperationSharedState) (resources.JobResources, resources.JobResources, DeactivationReason, bool) {
	minNeeded := op.GetAggregatedMinNeededJobResources()
	nodeFree := c.sc.FreeResourcesWithDiscountForOperation(op.GetTreeIndex())
	if !resources.Dominates(nodeFree, minNeeded) {
		return resources.Zero, resources.Zero, DeactivationMinNeededResourcesUnsatisfied, false
	}
	if !op.CheckAvailableDemand(minNeeded) {
		return resources.Zero, resources.Zero, DeactivationNoAvailableDemand, false
	}
	result, treeAvailable := op.TryIncreaseHierarchicalResourceUsagePrecommit(minNeeded)
	switch result {
	case objects.IncreaseResourceLimitExceeded:
		return resources.Zero, resources.Zero, DeactivationResourceLimitsExceeded, false
	case objects.IncreaseElementIsNotAlive:
		return resources.Zero, resources.Zero, DeactivationIsNotAlive, false
	}
	state.IncreaseConcurrentScheduleJobCalls(c.sc.NodeShardID())
	return minNeeded, resources.Min(treeAvailable, nodeFree), 0, true
}

func (c *ScheduleJobsContext) checkPacking(op *objects.Operation, state *OperationSharedState, heartbeat PackingHeartbeatSnapshot) bool {
	shape, ok := packingJobShape(op)
	if !ok {
		return false
	}
	accepted := state.GetPackingStatistics().CheckPacking(heartbeat, shape, op.GetTotalResourceLimits(), c.config.Packing)
	if !accepted && log.IsDebugEnabled(log.Packing) {
		log.Log(log.Packing).Debug("heartbeat rejected by packing",
			zap.String("operationID", op.GetOperationID()),
			zap.String("nodeID", c.sc.NodeID()),
			zap.Stringer("freeResources", heartbeat.FreeResources))
	}
	return accepted
}

// doScheduleJob calls the controller and reconciles the precommit with the resources of the job.
// A result without a start descriptor carries the failure reasons, the returned precommit is what
// is reserved in the resource tree at the end.
func (c *ScheduleJobsContext) doScheduleJob(op *objects.Operation, available, precommitted resources.JobResources) (*objects.ControllerScheduleJobResult, resources.JobResources) {
	treeID := c.snapshot.TreeID
	controller := op.GetController()
	m := metrics.GetSchedulerMetrics()

	ctx, cancel := context.WithTimeout(c.ctx, c.config.ScheduleJobTimeLimit)
	defer cancel()
	start := time.Now()
	result, err := controller.ScheduleJob(ctx, c.sc, available, treeID)
	m.ObserveControllerScheduleJobLatency(treeID, time.Since(start))
	c.stage.ControllerScheduleJobCount++
	if err == nil && result == nil {
		err = errEmptyControllerResult
	}
	if err == nil && result.StartDescriptor != nil && ctx.Err() != nil {
		c.abortJob(op, result.StartDescriptor.ID, objects.AbortSchedulingTimeout)
		err = ctx.Err()
	}
	if err != nil {
		failed := &objects.ControllerScheduleJobResult{}
		if errors.Is(err, context.DeadlineExceeded) {
			failed.RecordFail(objects.FailTimeout)
		} else {
			failed.RecordFail(objects.FailUnknown)
		}
		op.SetAlert(objects.AlertScheduleJobFailures, err.Error())
		m.IncControllerScheduleJob(treeID, "error")
		return failed, precommitted
	}
	if result.StartDescriptor == nil {
		m.IncControllerScheduleJob(treeID, "failure")
		return result, precommitted
	}
	m.IncControllerScheduleJob(treeID, "success")

	descriptor := result.StartDescriptor
	limits := descriptor.ResourceLimits.ToJobResources()
	increase, _ := op.TryIncreaseHierarchicalResourceUsagePrecommit(limits.Sub(precommitted))
	switch increase {
	case objects.IncreaseSuccess:
		return result, limits
	case objects.IncreaseResourceLimitExceeded:
		log.Log(log.Scheduling).Debug("job resources exceed the precommitted resources",
			zap.String("operationID", op.GetOperationID()),
			zap.String("jobID", descriptor.ID),
			zap.Stringer("jobResources", limits),
			zap.Stringer("precommitted", precommitted))
		c.abortJob(op, descriptor.ID, objects.AbortSchedulingResourceOvercommit)
		failed := &objects.ControllerScheduleJobResult{}
		failed.RecordFail(objects.FailResourceOvercommit)
		return failed, precommitted
	default:
		c.abortJob(op, descriptor.ID, objects.AbortSchedulingOperationNotAlive)
		failed := &objects.ControllerScheduleJobResult{}
		failed.RecordFail(objects.FailOperationIsNotAlive)
		return failed, precommitted
	}
}

func (c *ScheduleJobsContext) abortJob(op *objects.Operation, jobID string, reason objects.AbortReason) {
	op.GetController().AbortJob(jobID, reason)
	metrics.GetSchedulerMetrics().IncAbortedJobs(c.snapshot.TreeID, string(reason))
	log.Log(log.Scheduling).Debug("job aborted",
		zap.String("operationID", op.GetOperationID()),
		zap.String("jobID", jobID),
		zap.String("reason", string(reason)))
}

func (c *ScheduleJobsContext) finishSpan(state, info string) {
	if err := trace.FinishActiveSpanWrapper(c.traceCtx, state, info); err != nil {
		log.Log(log.Scheduling).Debug("failed to finish operation span", zap.Error(err))
	}
}

func (c *ScheduleJobsContext) HasBadPackingOperations() bool {
	return len(c.badPackingOperations) > 0
}

// reactivateBadPackingOperations gives the operations rejected by packing another chance once the
// node got a job, the free resources changed.
func (c *ScheduleJobsContext) reactivateBadPackingOperations() {
	for _, op := range c.badPackingOperations {
		c.manager.ActivateOperation(op)
	}
	c.badPackingOperations = nil
}

// CountOperationsByPreemptionPriority counts the schedulable operations that match the node.
func (c *ScheduleJobsContext) CountOperationsByPreemptionPriority() {
	c.operationCountByPriority = [PreemptionPriorityCount]int{}
	for _, op := range c.snapshot.Root.EnabledOperations() {
		if !op.IsSchedulable() {
			continue
		}
		if c.schedulingTagsEnabled() && !c.sc.CanSchedule(op.GetTagFilterIndex()) {
			continue
		}
		priority := c.GetOperationPreemptionPriority(op, c.config.PreemptionPriorityScope)
		c.operationCountByPriority[priority]++
	}
	for priority, count := range c.operationCountByPriority {
		if count > 0 {
			c.statistics.OperationCountByPreemptionPriority[OperationPreemptionPriority(priority)] = count
		}
	}
}

func (c *ScheduleJobsContext) GetOperationWithPreemptionPriorityCount(priority OperationPreemptionPriority) int {
	return c.operationCountByPriority[priority]
}
