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
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fairshare-scheduler/fairshare-core/pkg/common/configs"
	"github.com/fairshare-scheduler/fairshare-core/pkg/common/resources"
	"github.com/fairshare-scheduler/fairshare-core/pkg/locking"
	"github.com/fairshare-scheduler/fairshare-core/pkg/log"
	"github.com/fairshare-scheduler/fairshare-core/pkg/metrics"
	"github.com/fairshare-scheduler/fairshare-core/pkg/scheduler/objects"
	"github.com/fairshare-scheduler/fairshare-core/pkg/trace"
)

var ErrNoTreeSnapshot = errors.New("tree snapshot is not built yet")

// cachedAttributes is a dynamic attributes list built from a usage snapshot for one tree snapshot.
type cachedAttributes struct {
	snapshotID string
	list       DynamicAttributesList
}

// TreeJobScheduler processes the heartbeats of all node shards for one tree. The heartbeats use
// the last published tree snapshot, the operation shared states are the only state they share.
type TreeJobScheduler struct {
	treeID       string
	resourceTree *objects.ResourceTree

	sharedStates      map[string]*OperationSharedState
	registrationTimes map[string]time.Time

	snapshot         atomic.Pointer[TreeSnapshot]
	usageSnapshot    atomic.Pointer[ResourceUsageSnapshot]
	cachedAttributes atomic.Pointer[cachedAttributes]

	nodesLock                         locking.Mutex
	nodeLastPreemptiveSchedulingTimes map[string]time.Time

	locking.RWMutex
}

func NewTreeJobScheduler(treeID string, resourceTree *objects.ResourceTree) *TreeJobScheduler {
	return &TreeJobScheduler{
		treeID:                            treeID,
		resourceTree:                      resourceTree,
		sharedStates:                      make(map[string]*OperationSharedState),
		registrationTimes:                 make(map[string]time.Time),
		nodeLastPreemptiveSchedulingTimes: make(map[string]time.Time),
	}
}

// ----------------------------------
// operation registration
// ----------------------------------

// RegisterOperation creates the shared state of the operation, the state is disabled until the
// operation is enabled in the tree.
func (s *TreeJobScheduler) RegisterOperation(operationID string, treeConfig *configs.TreeConfig, now time.Time) (*OperationSharedState, error) {
	s.Lock()
	defer s.Unlock()
	if _, ok := s.sharedStates[operationID]; ok {
		return nil, fmt.Errorf("%w: operation %s", ErrDuplicateElement, operationID)
	}
	state := NewOperationSharedState(operationID, treeConfig)
	s.sharedStates[operationID] = state
	s.registrationTimes[operationID] = now
	return state, nil
}

// UnregisterOperation drops the shared state, jobs still tracked by it are released from the tree.
func (s *TreeJobScheduler) UnregisterOperation(operationID string) {
	s.Lock()
	state, ok := s.sharedStates[operationID]
	delete(s.sharedStates, operationID)
	delete(s.registrationTimes, operationID)
	s.Unlock()
	if ok {
		state.Disable()
	}
}

func (s *TreeJobScheduler) EnableOperation(operationID string) error {
	state := s.GetOperationSharedState(operationID)
	if state == nil {
		return fmt.Errorf("%w: %s", ErrOperationNotFound, operationID)
	}
	state.Enable()
	return nil
}

// DisableOperation stops tracking the jobs of the operation, the resources they held are released
// when the element is disabled in the tree.
func (s *TreeJobScheduler) DisableOperation(operationID string) error {
	state := s.GetOperationSharedState(operationID)
	if state == nil {
		return fmt.Errorf("%w: %s", ErrOperationNotFound, operationID)
	}
	state.Disable()
	return nil
}

func (s *TreeJobScheduler) GetOperationSharedState(operationID string) *OperationSharedState {
	s.RLock()
	defer s.RUnlock()
	return s.sharedStates[operationID]
}

func (s *TreeJobScheduler) getRegistrationTime(operationID string) (time.Time, bool) {
	s.RLock()
	defer s.RUnlock()
	t, ok := s.registrationTimes[operationID]
	return t, ok
}

// ----------------------------------
// snapshots
// ----------------------------------

// BuildSnapshot wraps an updated tree and refreshes the preemptible job lists of its operations
// against the new fair shares.
func (s *TreeJobScheduler) BuildSnapshot(root *objects.Root, treeConfig *configs.TreeConfig, tagFilters []configs.SchedulingTagFilter, now time.Time) *TreeSnapshot {
	ts := newTreeSnapshot(root, treeConfig, tagFilters, now)
	s.RLock()
	defer s.RUnlock()
	for id, op := range root.EnabledOperations() {
		state, ok := s.sharedStates[id]
		if !ok {
			continue
		}
		ts.sharedStates[id] = state
		state.UpdatePreemptibleJobsList(op, treeConfig)
		state.ResetScheduleJobCallsSinceLastUpdate()
		ts.jobPreemptionStatuses[id] = state.GetJobPreemptionStatuses()
	}
	for id := range root.DisabledOperations() {
		if state, ok := s.sharedStates[id]; ok {
			ts.sharedStates[id] = state
		}
	}
	return ts
}

// PublishSnapshot makes the snapshot visible to the heartbeats started after the call.
func (s *TreeJobScheduler) PublishSnapshot(ts *TreeSnapshot) {
	s.snapshot.Store(ts)
	s.cachedAttributes.Store(nil)
	log.Log(log.Tree).Debug("tree snapshot published",
		zap.String("treeID", s.treeID),
		zap.String("snapshotID", ts.ID),
		zap.Int("treeSize", ts.Root.GetTreeSize()))
}

func (s *TreeJobScheduler) GetSnapshot() *TreeSnapshot {
	return s.snapshot.Load()
}

// RefreshResourceUsageSnapshot rebuilds the shared usage view that heartbeats start from.
func (s *TreeJobScheduler) RefreshResourceUsageSnapshot(now time.Time) {
	ts := s.snapshot.Load()
	if ts == nil {
		return
	}
	usage := BuildResourceUsageSnapshot(ts.Root, now)
	s.usageSnapshot.Store(usage)
	s.cachedAttributes.Store(&cachedAttributes{
		snapshotID: ts.ID,
		list:       BuildDynamicAttributesList(ts.Root, usage, now),
	})
}

func (s *TreeJobScheduler) GetResourceUsageSnapshot() *ResourceUsageSnapshot {
	return s.usageSnapshot.Load()
}

// cachedAttributesFor returns the shared attributes list if it was built for the snapshot.
func (s *TreeJobScheduler) cachedAttributesFor(ts *TreeSnapshot) DynamicAttributesList {
	cached := s.cachedAttributes.Load()
	if cached == nil || cached.snapshotID != ts.ID {
		return nil
	}
	return cached.list
}

// ----------------------------------
// heartbeat processing
// ----------------------------------

// ProcessSchedulingHeartbeat runs all scheduling stages for the node. Jobs are started and
// preempted through the scheduling context, the returned statistics are informational.
func (s *TreeJobScheduler) ProcessSchedulingHeartbeat(ctx context.Context, sc objects.SchedulingContext, traceCtx trace.SchedulerTraceContext) (*SchedulingStatistics, error) {
	ts := s.snapshot.Load()
	if ts == nil {
		return nil, ErrNoTreeSnapshot
	}
	start := time.Now()
	config := ts.TreeConfig
	deadline := start.Add(config.ScheduleJobsTimeout)

	sc.RegisterSchedulingTagFilters(ts.SchedulingTagFilters)
	if _, err := trace.StartSpanWrapper(traceCtx, trace.HeartbeatLevel, "", sc.NodeID()); err != nil {
		log.Log(log.Scheduling).Debug("failed to start heartbeat span", zap.Error(err))
	}
	c := NewScheduleJobsContext(ctx, sc, ts, s.cachedAttributesFor(ts), traceCtx)
	c.PrepareForScheduling()
	c.PreemptJobsGracefully()

	s.scheduleJobsWithoutPreemption(c, deadline)

	c.CountOperationsByPreemptionPriority()
	now := sc.Now()
	if s.isPreemptiveSchedulingAllowed(sc.NodeID(), now, config.PreemptiveSchedulingBackoff) {
		s.scheduleJobsWithPreemption(c, deadline)
	}

	if !resources.Dominates(sc.ResourceLimits(), sc.ResourceUsage()) {
		log.Log(log.Preemption).Info("node resources are overcommitted after scheduling",
			zap.String("nodeID", sc.NodeID()),
			zap.Stringer("usage", sc.ResourceUsage()),
			zap.Stringer("limits", sc.ResourceLimits()))
		c.AbortJobsSinceResourcesOvercommit()
	}
	sc.ResetUsageDiscounts()

	metrics.GetSchedulerMetrics().ObserveHeartbeatLatency(s.treeID, start)
	statistics := c.GetStatistics()
	statistics.HasBadPackingOperations = c.HasBadPackingOperations()
	if err := trace.FinishActiveSpanWrapper(traceCtx, "",
		fmt.Sprintf("started %d, preempted %d", len(sc.StartedJobs()), statistics.PreemptedJobCount)); err != nil {
		log.Log(log.Scheduling).Debug("failed to finish heartbeat span", zap.Error(err))
	}
	return &statistics, nil
}

func (s *TreeJobScheduler) scheduleJobsWithoutPreemption(c *ScheduleJobsContext, deadline time.Time) {
	sc := c.SchedulingContext()
	c.StartStage(StageNonPreemptive)
	if sc.CanStartMoreJobs() {
		c.PrescheduleJob(PreemptionPriorityNone)
		for sc.CanStartMoreJobs() && time.Now().Before(deadline) {
			if c.ScheduleJob(false).Finished {
				break
			}
		}
	}
	scheduled := c.GetStageStatistics().ScheduledJobCount
	c.FinishStage()

	if scheduled > 0 || !c.HasBadPackingOperations() || !sc.CanStartMoreJobs() {
		return
	}
	c.StartStage(StageNonPreemptivePackingFallback)
	c.PrepareForScheduling()
	c.PrescheduleJob(PreemptionPriorityNone)
	for time.Now().Before(deadline) {
		result := c.ScheduleJob(true)
		if result.Scheduled || result.Finished {
			break
		}
	}
	c.FinishStage()
}

// scheduleJobsWithPreemption runs the preemptive stages until one of them starts a job, a node
// gets at most one job started with preemption per heartbeat.
func (s *TreeJobScheduler) scheduleJobsWithPreemption(c *ScheduleJobsContext, deadline time.Time) {
	sc := c.SchedulingContext()
	for _, stage := range PreemptiveStages(c.ssdNode) {
		if c.GetOperationWithPreemptionPriorityCount(stage.TargetPriority) == 0 && !stage.ForcePreemptionAttempt {
			continue
		}
		c.statistics.PreemptiveScheduleAttempted = true
		unconditional, forceful := c.AnalyzePreemptibleJobs(stage.TargetPriority, stage.MinJobLevel)

		c.StartStage(stage.Name)
		c.PrepareForScheduling()
		c.PrescheduleJob(stage.TargetPriority)
		var jobStarted *objects.Job
		for time.Now().Before(deadline) {
			result := c.ScheduleJob(true)
			if result.Scheduled {
				started := sc.StartedJobs()
				jobStarted = started[len(started)-1]
				break
			}
			if result.Finished {
				break
			}
		}
		c.FinishStage()

		if jobStarted != nil || stage.ForcePreemptionAttempt {
			c.PreemptJobsAfterScheduling(stage.TargetPriority, unconditional, forceful, jobStarted)
		}
		if jobStarted != nil {
			c.statistics.ScheduledDuringPreemption++
			s.recordPreemptiveScheduling(sc.NodeID(), sc.Now())
			return
		}
	}
}

func (s *TreeJobScheduler) isPreemptiveSchedulingAllowed(nodeID string, now time.Time, backoff time.Duration) bool {
	s.nodesLock.Lock()
	defer s.nodesLock.Unlock()
	return backoffElapsed(s.nodeLastPreemptiveSchedulingTimes[nodeID], now, backoff)
}

func (s *TreeJobScheduler) recordPreemptiveScheduling(nodeID string, now time.Time) {
	s.nodesLock.Lock()
	defer s.nodesLock.Unlock()
	s.nodeLastPreemptiveSchedulingTimes[nodeID] = now
}

// UnregisterNode forgets the preemptive scheduling backoff of the node.
func (s *TreeJobScheduler) UnregisterNode(nodeID string) {
	s.nodesLock.Lock()
	defer s.nodesLock.Unlock()
	delete(s.nodeLastPreemptiveSchedulingTimes, nodeID)
}

// ----------------------------------
// job updates
// ----------------------------------

// ProcessUpdatedJob applies the reported usage of a running job to the operation and the tree.
// Returns false if the job is unknown to the operation.
func (s *TreeJobScheduler) ProcessUpdatedJob(operationID, jobID string, usage resources.JobResources) bool {
	state := s.GetOperationSharedState(operationID)
	if state == nil || !state.IsJobKnown(jobID) {
		return false
	}
	delta := state.SetJobResourceUsage(jobID, usage)
	if !delta.IsZero() {
		s.resourceTree.IncreaseHierarchicalResourceUsage(operationID, delta)
	}
	return true
}

// ProcessFinishedJob removes the job and releases its usage.
func (s *TreeJobScheduler) ProcessFinishedJob(operationID, jobID string) bool {
	state := s.GetOperationSharedState(operationID)
	if state == nil {
		return false
	}
	usage, ok := state.RemoveJob(jobID)
	if !ok {
		return false
	}
	s.resourceTree.IncreaseHierarchicalResourceUsage(operationID, usage.Negate())
	return true
}

// ----------------------------------
// diagnostics
// ----------------------------------

// CheckOperationIsHung returns an error if a starving operation without running jobs has not
// started a job for safeTimeout while being deactivated for the given reasons only.
func (s *TreeJobScheduler) CheckOperationIsHung(operationID string, now time.Time, safeTimeout time.Duration,
	minScheduleJobCallAttempts int, reasons []DeactivationReason) error {
	ts := s.snapshot.Load()
	if ts == nil {
		return nil
	}
	op := ts.FindEnabledOperation(operationID)
	state := s.GetOperationSharedState(operationID)
	if op == nil || state == nil {
		return nil
	}
	if op.GetStarvationStatus() == objects.NonStarving {
		return nil
	}
	if registered, ok := s.getRegistrationTime(operationID); !ok || now.Before(registered.Add(safeTimeout)) {
		return nil
	}
	if lastSuccess := state.GetLastScheduleJobSuccessTime(); !lastSuccess.IsZero() && now.Before(lastSuccess.Add(safeTimeout)) {
		return nil
	}
	if now.Before(op.GetPersistentAttributes().LastNonStarvingTime.Add(safeTimeout)) {
		return nil
	}
	if state.GetRunningJobCount() > 0 {
		return nil
	}
	counts := state.GetDeactivationReasonsFromLastNonStarvingTime()
	deactivations := 0
	for _, reason := range reasons {
		deactivations += counts[reason]
	}
	if deactivations <= minScheduleJobCallAttempts {
		return nil
	}
	err := fmt.Errorf("operation %s has no successful scheduled jobs for %s, deactivated %d times", operationID, safeTimeout, deactivations)
	op.SetAlert(objects.AlertOperationIsHung, err.Error())
	return err
}
