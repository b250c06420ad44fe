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
	"errors"
	"fmt"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/fairshare-scheduler/fairshare-core/pkg/common/configs"
	"github.com/fairshare-scheduler/fairshare-core/pkg/common/resources"
	"github.com/fairshare-scheduler/fairshare-core/pkg/locking"
	"github.com/fairshare-scheduler/fairshare-core/pkg/log"
)

// AlertType names a persistent problem of an operation.
type AlertType string

const (
	AlertLongStarvation      AlertType = "long_starvation"
	AlertScheduleJobFailures AlertType = "schedule_job_failures"
	AlertOperationIsHung     AlertType = "operation_is_hung"
	AlertUnschedulableInTree AlertType = "unschedulable_in_tree"
)

// operationAlerts is shared by all snapshots of the operation.
type operationAlerts struct {
	alerts map[AlertType]string

	locking.RWMutex
}

// Operation is the leaf element of the tree, one workload producing pending jobs.
type Operation struct {
	element

	spec         *configs.OperationSpec
	controller   OperationController
	callTracker  ScheduleJobCallTracker
	stateMachine *fsm.FSM
	alerts       *operationAlerts

	preemptionMode                  PreemptionMode
	schedulingSegment               string
	tentative                       bool
	suspended                       bool
	maxUnpreemptibleRunningJobCount *int
	operationStartTime              time.Time
	pendingByPool                   string

	unschedulableReason         UnschedulableReason
	neededResources             resources.JobResources
	aggregatedMinNeededResource resources.JobResources
	detailedMinNeededResources  []resources.JobResourcesWithQuota
	diskRequestMedia            []int
}

// NewOperation creates a detached operation element, the spec is validated first.
func NewOperation(operationID, treeID string, spec *configs.OperationSpec, controller OperationController, startTime time.Time,
	treeConfig *configs.TreeConfig, host StrategyHost, resourceTree *ResourceTree) (*Operation, error) {
	if spec == nil {
		spec = &configs.OperationSpec{}
	}
	if err := configs.ValidateOperationSpec(spec); err != nil {
		return nil, fmt.Errorf("operation %s: %w", operationID, err)
	}
	op := &Operation{
		element:            newElement(operationID, treeID, treeConfig, host, resourceTree),
		controller:         controller,
		stateMachine:       NewOperationState(),
		alerts:             &operationAlerts{alerts: make(map[AlertType]string)},
		operationStartTime: startTime,
	}
	op.self = op
	if err := op.SetSpec(spec); err != nil {
		return nil, err
	}
	return op, nil
}

// SetSpec replaces the runtime parameters of the operation in this tree.
func (op *Operation) SetSpec(spec *configs.OperationSpec) error {
	op.checkMutable()
	limits, err := parseSpecifiedLimits(spec.ResourceLimits)
	if err != nil {
		return fmt.Errorf("operation %s resource limits: %w", op.id, err)
	}
	strongGuarantee, err := configs.ParseResources(spec.StrongGuaranteeResources, resources.Zero)
	if err != nil {
		return fmt.Errorf("operation %s strong guarantee: %w", op.id, err)
	}
	filter, err := configs.ParseSchedulingTagFilter(spec.SchedulingTagFilter)
	if err != nil {
		return fmt.Errorf("operation %s scheduling tag filter: %w", op.id, err)
	}
	op.spec = spec
	op.specifiedResourceLimits = limits
	op.strongGuaranteeResources = strongGuarantee
	op.schedulingTagFilter = filter
	op.specifiedWeight = spec.Weight
	op.specifiedStarvationTolerance = spec.FairShareStarvationTolerance
	op.specifiedStarvationTimeout = spec.FairShareStarvationTimeout
	op.specifiedAggressiveStarvation = spec.EnableAggressiveStarvation
	op.maxUnpreemptibleRunningJobCount = spec.MaxUnpreemptibleRunningJobCount
	op.tentative = spec.Tentative
	op.preemptionMode = PreemptionModeNormal
	if spec.PreemptionMode == configs.PreemptionModeGraceful {
		op.preemptionMode = PreemptionModeGraceful
	}
	op.schedulingSegment = spec.SchedulingSegment
	if op.schedulingSegment == "" {
		op.schedulingSegment = configs.SegmentDefault
	}
	return nil
}

func (op *Operation) GetKind() ElementKind {
	return KindOperation
}

func (op *Operation) GetOperationID() string {
	return op.id
}

func (op *Operation) GetSpec() *configs.OperationSpec {
	return op.spec
}

func (op *Operation) GetController() OperationController {
	return op.controller
}

// SetScheduleJobCallTracker connects the tracker of concurrent controller calls.
func (op *Operation) SetScheduleJobCallTracker(tracker ScheduleJobCallTracker) {
	op.callTracker = tracker
}

func (op *Operation) GetPreemptionMode() PreemptionMode {
	return op.preemptionMode
}

func (op *Operation) GetSchedulingSegment() string {
	return op.schedulingSegment
}

func (op *Operation) IsTentative() bool {
	return op.tentative
}

// SetSuspended takes the operation out of scheduling at the next update.
func (op *Operation) SetSuspended(suspended bool) {
	op.checkMutable()
	op.suspended = suspended
}

func (op *Operation) IsSuspended() bool {
	return op.suspended
}

func (op *Operation) GetUnschedulableReason() UnschedulableReason {
	return op.unschedulableReason
}

func (op *Operation) GetNeededResources() resources.JobResources {
	return op.neededResources
}

func (op *Operation) GetAggregatedMinNeededJobResources() resources.JobResources {
	return op.aggregatedMinNeededResource
}

func (op *Operation) GetDetailedMinNeededJobResources() []resources.JobResourcesWithQuota {
	return op.detailedMinNeededResources
}

// GetDiskRequestMedia returns the sorted media indexes requested by the pending jobs.
func (op *Operation) GetDiskRequestMedia() []int {
	return op.diskRequestMedia
}

func (op *Operation) GetMaxUnpreemptibleRunningJobCount() int {
	if op.maxUnpreemptibleRunningJobCount != nil {
		return *op.maxUnpreemptibleRunningJobCount
	}
	return op.treeConfig.MaxUnpreemptibleRunningJobCount
}

// ----------------------------------
// lifecycle
// ----------------------------------

func (op *Operation) CurrentState() string {
	return op.stateMachine.Current()
}

func (op *Operation) IsRunningInPool() bool {
	return op.stateMachine.Is(OperationRunning.String())
}

func (op *Operation) IsPending() bool {
	return op.stateMachine.Is(OperationPending.String())
}

// GetPendingByPool returns the pool that keeps the operation pending, empty if not pending.
func (op *Operation) GetPendingByPool() string {
	return op.pendingByPool
}

func (op *Operation) handleOperationEvent(event operationEvent) error {
	err := op.stateMachine.Event(context.Background(), event.String(), op)
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}
	return err
}

// MarkOperationRunningInPool counts the operation as running in all ancestors.
func (op *Operation) MarkOperationRunningInPool() {
	op.checkMutable()
	if err := op.handleOperationEvent(RunOperation); err != nil {
		log.Log(log.Tree).Warn("operation cannot be marked running",
			zap.String("treeID", op.treeID),
			zap.String("operationID", op.id),
			zap.Error(err))
		return
	}
	log.Log(log.Tree).Info("operation is running in pool",
		zap.String("operationID", op.id),
		zap.String("pool", op.parent.GetID()))
}

// MarkPendingBy queues the operation in the pool whose running operation limit is violated.
func (op *Operation) MarkPendingBy(violatedPool Composite) {
	op.checkMutable()
	violatedPool.composite().pendingOperationIDs = append(violatedPool.composite().pendingOperationIDs, op.id)
	op.pendingByPool = violatedPool.GetID()
	if !op.IsPending() {
		if err := op.handleOperationEvent(EnqueueOperation); err != nil {
			log.Log(log.Tree).Warn("operation cannot be marked pending",
				zap.String("treeID", op.treeID),
				zap.String("operationID", op.id),
				zap.Error(err))
		}
	}
	log.Log(log.Tree).Debug("operation is pending since max running operation count is violated",
		zap.String("operationID", op.id),
		zap.String("pool", violatedPool.GetID()),
		zap.Int("limit", violatedPool.GetMaxRunningOperationCount()))
}

// AttachParent adds the operation as a disabled child of the pool.
func (op *Operation) AttachParent(parent Composite) {
	op.checkMutable()
	if op.parent != nil {
		contractViolation(op.treeID, op.id, "operation is already attached")
	}
	if err := op.resourceTree.AttachElement(op.id, KindOperation, parent.GetID()); err != nil {
		contractViolation(op.treeID, op.id, err.Error())
	}
	op.parent = parent
	parent.composite().increaseOperationCount(1)
	parent.composite().addChild(op, false)
	log.Log(log.Tree).Debug("operation attached to pool",
		zap.String("operationID", op.id),
		zap.String("pool", parent.GetID()))
}

// ChangeParent moves the operation, it is no longer running in pool until marked again.
func (op *Operation) ChangeParent(newParent Composite) {
	op.checkMutable()
	if op.parent == nil {
		contractViolation(op.treeID, op.id, "moving a detached operation")
	}
	oldParentID := op.parent.GetID()
	if op.IsRunningInPool() {
		if err := op.handleOperationEvent(EnqueueOperation); err != nil {
			contractViolation(op.treeID, op.id, err.Error())
		}
	}
	op.removeFromPendingLists()
	old := op.parent.composite()
	old.increaseOperationCount(-1)
	_, enabled := old.enabledChildIndex[op.id]
	old.removeChild(op)

	if err := op.resourceTree.ChangeParent(op.id, newParent.GetID()); err != nil {
		contractViolation(op.treeID, op.id, err.Error())
	}
	op.parent = newParent
	newParent.composite().increaseOperationCount(1)
	newParent.composite().addChild(op, enabled)
	log.Log(log.Tree).Debug("operation changed pool",
		zap.String("operationID", op.id),
		zap.String("oldPool", oldParentID),
		zap.String("newPool", newParent.GetID()))
}

// DetachParent finishes the operation and removes it from the tree with all its resources.
func (op *Operation) DetachParent() {
	op.checkMutable()
	if op.parent == nil {
		contractViolation(op.treeID, op.id, "detaching a detached operation")
	}
	if err := op.handleOperationEvent(FinishOperation); err != nil {
		log.Log(log.Tree).Warn("operation finish transition failed",
			zap.String("operationID", op.id),
			zap.Error(err))
	}
	op.removeFromPendingLists()
	parentID := op.parent.GetID()
	op.parent.composite().increaseOperationCount(-1)
	op.parent.composite().removeChild(op)
	op.parent = nil
	op.resourceTree.ReleaseResources(op.id, true)
	op.resourceTree.RemoveElement(op.id)
	log.Log(log.Tree).Debug("operation detached from pool",
		zap.String("operationID", op.id),
		zap.String("pool", parentID))
}

func (op *Operation) removeFromPendingLists() {
	if op.pendingByPool == "" {
		return
	}
	for cur := op.parent; cur != nil; cur = cur.GetParent() {
		cur.composite().removePendingOperation(op.id)
	}
	op.pendingByPool = ""
}

// Enable moves the operation to the enabled children, the starvation state starts fresh.
func (op *Operation) Enable(now time.Time) {
	op.checkMutable()
	if op.parent == nil {
		contractViolation(op.treeID, op.id, "enabling a detached operation")
	}
	op.parent.composite().enableChild(op)
	op.resourceTree.SetAlive(op.id, true)
	op.persistent = PersistentAttributes{
		HistoricUsage:           op.persistent.HistoricUsage,
		AppliedResourceLimits:   op.persistent.AppliedResourceLimits,
		SchedulingSegmentModule: op.persistent.SchedulingSegmentModule,
		LastNonStarvingTime:     now,
	}
}

// Disable keeps the operation in the tree but out of scheduling and releases its usage.
func (op *Operation) Disable(markAsNonAlive bool) {
	op.checkMutable()
	if op.parent == nil {
		contractViolation(op.treeID, op.id, "disabling a detached operation")
	}
	op.parent.composite().disableChild(op)
	op.resourceTree.ReleaseResources(op.id, markAsNonAlive)
}

// ----------------------------------
// fair share update
// ----------------------------------

func (op *Operation) preUpdateBottomUp(ctx *UpdateContext) {
	op.checkMutable()
	op.neededResources = op.controller.GetNeededResources()
	op.pendingJobCount = op.controller.GetPendingJobCount()
	op.detailedMinNeededResources = op.controller.GetDetailedMinNeededJobResources()
	op.aggregatedMinNeededResource = op.controller.GetAggregatedMinNeededJobResources()

	op.unschedulableReason = op.computeUnschedulableReason()
	op.resourceUsageAtUpdate = op.GetInstantResourceUsage()
	op.resourceDemand = op.computeResourceDemand()
	op.startTime = op.operationStartTime

	media := make(map[int]bool)
	for _, needed := range op.detailedMinNeededResources {
		for _, medium := range needed.DiskQuota.Media() {
			media[medium] = true
		}
	}
	op.diskRequestMedia = maps.Keys(media)
	slices.Sort(op.diskRequestMedia)

	op.finishPreUpdate(ctx)
}

// preUpdateDisabled refreshes what a disabled operation reports, it takes no part in the fair share.
func (op *Operation) preUpdateDisabled() {
	op.checkMutable()
	op.pendingJobCount = op.controller.GetPendingJobCount()
	op.unschedulableReason = op.computeUnschedulableReason()
}

func (op *Operation) computeUnschedulableReason() UnschedulableReason {
	switch {
	case !op.IsRunningInPool():
		return UnschedulableIsNotRunning
	case op.suspended:
		return UnschedulableSuspended
	case op.pendingJobCount == 0:
		return UnschedulableNoPendingJobs
	case op.callTracker != nil && op.callTracker.IsMaxScheduleJobCallsViolated():
		return UnschedulableMaxScheduleJobCall
	}
	return UnschedulableNone
}

// computeResourceDemand ignores the needed resources of operations that cannot get jobs.
func (op *Operation) computeResourceDemand() resources.JobResources {
	if op.unschedulableReason == UnschedulableIsNotRunning || op.unschedulableReason == UnschedulableSuspended {
		return op.resourceUsageAtUpdate
	}
	return op.resourceUsageAtUpdate.Add(op.neededResources)
}

func (op *Operation) updateSchedulable() {
	op.schedulable = op.unschedulableReason == UnschedulableNone
	op.schedulableElementCount = 0
	op.schedulableOperationCount = 0
	if op.schedulable {
		op.schedulableElementCount = 1
		op.schedulableOperationCount = 1
	}
}

// updateEffectiveNonPreemptibleThreshold caps the user slots by the running job count of the spec.
func (op *Operation) updateEffectiveNonPreemptibleThreshold() {
	if op.maxUnpreemptibleRunningJobCount == nil {
		return
	}
	count := float64(*op.maxUnpreemptibleRunningJobCount)
	threshold := op.effectiveNonPreemptibleThreshold
	if threshold[resources.UserSlots] > count {
		threshold[resources.UserSlots] = count
	}
	op.effectiveNonPreemptibleThreshold = threshold
}

func (op *Operation) GetStatus(atUpdate bool) ElementStatus {
	if op.unschedulableReason != UnschedulableNone {
		return StatusNormal
	}
	tolerance := op.effectiveStarvationTolerance
	if resources.DominatesVector(op.attributes.FairShare.Add(resources.Epsilon()), op.attributes.DemandShare) {
		tolerance = 1.0
	}
	return op.getStatusImpl(tolerance, atUpdate)
}

// CheckForStarvation shortens the timeouts of operations with few pending jobs.
func (op *Operation) CheckForStarvation(now time.Time) {
	timeout := op.effectiveStarvationTimeout
	aggressiveTimeout := op.treeConfig.FairShareAggressiveStarvationTimeout
	if coefficient := op.treeConfig.JobCountPreemptionTimeoutCoefficient; coefficient > 0 {
		if jobCountRatio := float64(op.pendingJobCount) / coefficient; jobCountRatio < 1.0 {
			timeout = time.Duration(float64(timeout) * jobCountRatio)
			aggressiveTimeout = time.Duration(float64(aggressiveTimeout) * jobCountRatio)
		}
	}
	op.checkForStarvationImpl(timeout, aggressiveTimeout, now)
}

// ----------------------------------
// resource tree
// ----------------------------------

func (op *Operation) TryIncreaseHierarchicalResourceUsagePrecommit(delta resources.JobResources) (ResourceTreeIncreaseResult, resources.JobResources) {
	return op.resourceTree.TryIncreaseHierarchicalResourceUsagePrecommit(op.id, delta)
}

func (op *Operation) IncreaseHierarchicalResourceUsage(delta resources.JobResources) bool {
	return op.resourceTree.IncreaseHierarchicalResourceUsage(op.id, delta)
}

func (op *Operation) DecreaseHierarchicalResourceUsagePrecommit(precommitted resources.JobResources) {
	op.resourceTree.IncreaseHierarchicalResourceUsagePrecommit(op.id, precommitted.Negate())
}

func (op *Operation) CommitHierarchicalResourceUsage(usage, precommitted resources.JobResources) {
	op.resourceTree.CommitHierarchicalResourceUsage(op.id, usage, precommitted)
}

func (op *Operation) GetInstantResourceUsageWithPrecommit() resources.JobResources {
	return op.resourceTree.GetResourceUsageWithPrecommit(op.id)
}

func (op *Operation) CheckAvailableDemand(delta resources.JobResources) bool {
	return op.resourceTree.CheckAvailableDemand(op.id, delta, op.resourceDemand)
}

func (op *Operation) IsAlive() bool {
	return op.resourceTree.IsAlive(op.id)
}

// ----------------------------------
// alerts
// ----------------------------------

func (op *Operation) SetAlert(alert AlertType, message string) {
	op.alerts.Lock()
	defer op.alerts.Unlock()
	if _, ok := op.alerts.alerts[alert]; !ok {
		log.Log(log.Tree).Info("operation alert raised",
			zap.String("operationID", op.id),
			zap.String("alert", string(alert)),
			zap.String("message", message))
	}
	op.alerts.alerts[alert] = message
}

func (op *Operation) ResetAlert(alert AlertType) {
	op.alerts.Lock()
	defer op.alerts.Unlock()
	delete(op.alerts.alerts, alert)
}

// Alerts returns a copy of the raised alerts.
func (op *Operation) Alerts() map[AlertType]string {
	op.alerts.RLock()
	defer op.alerts.RUnlock()
	return maps.Clone(op.alerts.alerts)
}

func (op *Operation) clone(parent Composite) Element {
	c := *op
	c.element = op.cloneBase(parent)
	c.self = &c
	return &c
}
