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
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/fairshare-scheduler/fairshare-core/pkg/common/configs"
	"github.com/fairshare-scheduler/fairshare-core/pkg/common/resources"
	"github.com/fairshare-scheduler/fairshare-core/pkg/locking"
	"github.com/fairshare-scheduler/fairshare-core/pkg/log"
	"github.com/fairshare-scheduler/fairshare-core/pkg/metrics"
	"github.com/fairshare-scheduler/fairshare-core/pkg/scheduler/objects"
	"github.com/fairshare-scheduler/fairshare-core/pkg/trace"
)

var (
	ErrPoolNotFound              = errors.New("pool not found")
	ErrOperationNotFound         = errors.New("operation not found")
	ErrDuplicateElement          = errors.New("element already exists")
	ErrMaxOperationCountExceeded = errors.New("max operation count exceeded")
	ErrPoolNotEmpty              = errors.New("pool is not empty")
)

// an operation starving this many aggressive starvation timeouts raises an alert
const longStarvationAlertFactor = 3

// FairShareUpdater computes the fair share of every enabled element, it is called on a mutable
// snapshot between PreUpdate and PostUpdate.
type FairShareUpdater interface {
	UpdateFairShare(root *objects.Root, ctx *objects.UpdateContext)
}

// JobUpdate is a job event reported by a node.
type JobUpdate struct {
	OperationID   string
	JobID         string
	ResourceUsage resources.JobResources
	Finished      bool
}

// FairShareTree owns the live tree of one pool tree. Structure changes go to the live tree under
// the lock, the periodic update publishes an immutable snapshot for the heartbeats.
type FairShareTree struct {
	treeID       string
	host         objects.StrategyHost
	updater      FairShareUpdater
	resourceTree *objects.ResourceTree
	scheduler    *TreeJobScheduler

	config     *configs.TreeConfig
	root       *objects.Root
	pools      map[string]*objects.Pool
	operations map[string]*objects.Operation

	updateLock locking.Mutex
	stopChan   chan struct{}
	stopOnce   sync.Once

	locking.RWMutex
}

// NewFairShareTree creates the live tree with the pools of the configuration.
func NewFairShareTree(config *configs.TreeConfig, host objects.StrategyHost, updater FairShareUpdater) (*FairShareTree, error) {
	resourceTree := objects.NewResourceTree()
	t := &FairShareTree{
		treeID:       config.Name,
		host:         host,
		updater:      updater,
		resourceTree: resourceTree,
		scheduler:    NewTreeJobScheduler(config.Name, resourceTree),
		config:       config,
		root:         objects.NewRoot(config.Name, config, host, resourceTree),
		pools:        make(map[string]*objects.Pool),
		operations:   make(map[string]*objects.Operation),
		stopChan:     make(chan struct{}),
	}
	var result *multierror.Error
	config.WalkPools(func(parent string, pool *configs.PoolConfig) {
		if err := t.registerPoolLocked(pool, parent); err != nil {
			result = multierror.Append(result, err)
		}
	})
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	log.Log(log.Tree).Info("fair share tree created",
		zap.String("treeID", t.treeID),
		zap.Int("pools", len(t.pools)))
	return t, nil
}

func (t *FairShareTree) GetTreeID() string {
	return t.treeID
}

func (t *FairShareTree) GetConfig() *configs.TreeConfig {
	t.RLock()
	defer t.RUnlock()
	return t.config
}

func (t *FairShareTree) GetJobScheduler() *TreeJobScheduler {
	return t.scheduler
}

// GetSnapshot returns the last published snapshot, nil before the first update.
func (t *FairShareTree) GetSnapshot() *TreeSnapshot {
	return t.scheduler.GetSnapshot()
}

// ----------------------------------
// pools
// ----------------------------------

func (t *FairShareTree) RegisterPool(conf *configs.PoolConfig, parent string) error {
	t.Lock()
	defer t.Unlock()
	return t.registerPoolLocked(conf, parent)
}

func (t *FairShareTree) registerPoolLocked(conf *configs.PoolConfig, parent string) error {
	if conf.Name == configs.RootPoolName || t.pools[conf.Name] != nil {
		return fmt.Errorf("%w: pool %s", ErrDuplicateElement, conf.Name)
	}
	parentElement, err := t.findCompositeLocked(parent)
	if err != nil {
		return err
	}
	pool, err := objects.NewPool(conf, t.treeID, t.config, t.host, t.resourceTree)
	if err != nil {
		return err
	}
	pool.AttachParent(parentElement)
	t.pools[conf.Name] = pool
	return nil
}

// UnregisterPool removes a pool that has no operations and no child pools.
func (t *FairShareTree) UnregisterPool(name string) error {
	t.Lock()
	defer t.Unlock()
	pool, ok := t.pools[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPoolNotFound, name)
	}
	if pool.GetOperationCount() > 0 || len(pool.EnabledChildren()) > 0 || len(pool.DisabledChildren()) > 0 {
		return fmt.Errorf("%w: %s", ErrPoolNotEmpty, name)
	}
	pool.DetachParent()
	delete(t.pools, name)
	metrics.GetTreeMetrics().RemoveElement(t.treeID, name)
	return nil
}

func (t *FairShareTree) findCompositeLocked(name string) (objects.Composite, error) {
	if name == "" || name == configs.RootPoolName {
		return t.root, nil
	}
	if pool, ok := t.pools[name]; ok {
		return pool, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, name)
}

// ReloadTreeConfig applies a new configuration: existing pools get the new settings, new pools are
// created. Pools missing from the configuration are removed if they are empty.
func (t *FairShareTree) ReloadTreeConfig(conf *configs.TreeConfig) error {
	if conf.Name != t.treeID {
		return fmt.Errorf("config of tree %s cannot be applied to tree %s", conf.Name, t.treeID)
	}
	t.Lock()
	defer t.Unlock()
	t.config = conf
	t.root.UpdateTreeConfig(conf)

	var result *multierror.Error
	seen := make(map[string]bool)
	conf.WalkPools(func(parent string, pool *configs.PoolConfig) {
		seen[pool.Name] = true
		existing, ok := t.pools[pool.Name]
		if !ok {
			if err := t.registerPoolLocked(pool, parent); err != nil {
				result = multierror.Append(result, err)
			}
			return
		}
		if err := existing.SetConfig(pool); err != nil {
			result = multierror.Append(result, err)
			return
		}
		if existing.GetParent().GetID() != parentOrRoot(parent) {
			newParent, err := t.findCompositeLocked(parent)
			if err != nil {
				result = multierror.Append(result, err)
				return
			}
			existing.ChangeParent(newParent)
		}
	})
	for name, pool := range t.pools {
		if seen[name] {
			continue
		}
		if pool.GetOperationCount() > 0 || len(pool.EnabledChildren()) > 0 {
			result = multierror.Append(result, fmt.Errorf("%w: %s is kept", ErrPoolNotEmpty, name))
			continue
		}
		pool.DetachParent()
		delete(t.pools, name)
		metrics.GetTreeMetrics().RemoveElement(t.treeID, name)
	}
	log.Log(log.Config).Info("tree config reloaded",
		zap.String("treeID", t.treeID),
		zap.String("checksum", conf.Checksum),
		zap.Int("pools", len(t.pools)))
	return result.ErrorOrNil()
}

func parentOrRoot(parent string) string {
	if parent == "" {
		return configs.RootPoolName
	}
	return parent
}

// ----------------------------------
// operations
// ----------------------------------

// RegisterOperation adds the operation to its pool. It is running in the pool unless an ancestor
// has reached its running operation limit, then it stays pending until capacity frees up.
func (t *FairShareTree) RegisterOperation(operationID string, spec *configs.OperationSpec, controller objects.OperationController, now time.Time) error {
	if spec == nil {
		spec = &configs.OperationSpec{}
	}
	t.Lock()
	defer t.Unlock()
	if _, ok := t.operations[operationID]; ok {
		return fmt.Errorf("%w: operation %s", ErrDuplicateElement, operationID)
	}
	parent, err := t.findCompositeLocked(spec.Pool)
	if err != nil {
		return err
	}
	for cur := parent; cur != nil; cur = cur.GetParent() {
		if limit := cur.GetMaxOperationCount(); limit > 0 && cur.GetOperationCount() >= limit {
			return fmt.Errorf("%w: pool %s has %d operations", ErrMaxOperationCountExceeded, cur.GetID(), limit)
		}
	}
	op, err := objects.NewOperation(operationID, t.treeID, spec, controller, now, t.config, t.host, t.resourceTree)
	if err != nil {
		return err
	}
	state, err := t.scheduler.RegisterOperation(operationID, t.config, now)
	if err != nil {
		return err
	}
	op.SetScheduleJobCallTracker(state)
	op.AttachParent(parent)
	t.operations[operationID] = op
	if violated := findRunningOperationLimitViolation(parent); violated != nil {
		op.MarkPendingBy(violated)
	} else {
		op.MarkOperationRunningInPool()
	}
	log.Log(log.Tree).Info("operation registered",
		zap.String("treeID", t.treeID),
		zap.String("operationID", operationID),
		zap.String("pool", parent.GetID()),
		zap.String("state", op.CurrentState()))
	return nil
}

func findRunningOperationLimitViolation(parent objects.Composite) objects.Composite {
	for cur := parent; cur != nil; cur = cur.GetParent() {
		if limit := cur.GetMaxRunningOperationCount(); limit > 0 && cur.GetRunningOperationCount() >= limit {
			return cur
		}
	}
	return nil
}

// UnregisterOperation removes the operation with all its jobs, pending operations of its pools
// are started if the limits allow it.
func (t *FairShareTree) UnregisterOperation(operationID string) error {
	t.Lock()
	defer t.Unlock()
	op, ok := t.operations[operationID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOperationNotFound, operationID)
	}
	var ancestors []objects.Composite
	for cur := op.GetParent(); cur != nil; cur = cur.GetParent() {
		ancestors = append(ancestors, cur)
	}
	t.scheduler.UnregisterOperation(operationID)
	op.DetachParent()
	delete(t.operations, operationID)
	metrics.GetTreeMetrics().RemoveElement(t.treeID, operationID)
	t.tryRunPendingOperationsLocked(ancestors)
	return nil
}

func (t *FairShareTree) tryRunPendingOperationsLocked(ancestors []objects.Composite) {
	for _, composite := range ancestors {
		pending := append([]string(nil), composite.GetPendingOperationIDs()...)
		for _, id := range pending {
			op, ok := t.operations[id]
			if !ok || !op.IsPending() {
				continue
			}
			if findRunningOperationLimitViolation(op.GetParent()) != nil {
				continue
			}
			op.MarkOperationRunningInPool()
		}
	}
}

// EnableOperation makes the operation schedulable from the next update on.
func (t *FairShareTree) EnableOperation(operationID string, now time.Time) error {
	t.Lock()
	defer t.Unlock()
	op, ok := t.operations[operationID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOperationNotFound, operationID)
	}
	if err := t.scheduler.EnableOperation(operationID); err != nil {
		return err
	}
	op.Enable(now)
	return nil
}

// DisableOperation keeps the operation in its pool but drops its jobs from the accounting.
func (t *FairShareTree) DisableOperation(operationID string) error {
	t.Lock()
	defer t.Unlock()
	op, ok := t.operations[operationID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOperationNotFound, operationID)
	}
	if err := t.scheduler.DisableOperation(operationID); err != nil {
		return err
	}
	op.Disable(false)
	return nil
}

// UpdateOperationSpec changes the runtime parameters, a changed pool moves the operation.
func (t *FairShareTree) UpdateOperationSpec(operationID string, spec *configs.OperationSpec) error {
	t.Lock()
	defer t.Unlock()
	op, ok := t.operations[operationID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOperationNotFound, operationID)
	}
	if spec.Pool != "" && spec.Pool != op.GetParent().GetID() {
		newParent, err := t.findCompositeLocked(spec.Pool)
		if err != nil {
			return err
		}
		oldAncestors := []objects.Composite{}
		for cur := op.GetParent(); cur != nil; cur = cur.GetParent() {
			oldAncestors = append(oldAncestors, cur)
		}
		op.ChangeParent(newParent)
		if violated := findRunningOperationLimitViolation(newParent); violated != nil {
			op.MarkPendingBy(violated)
		} else {
			op.MarkOperationRunningInPool()
		}
		t.tryRunPendingOperationsLocked(oldAncestors)
	}
	return op.SetSpec(spec)
}

func (t *FairShareTree) GetOperationAlerts(operationID string) (map[objects.AlertType]string, error) {
	t.RLock()
	defer t.RUnlock()
	op, ok := t.operations[operationID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOperationNotFound, operationID)
	}
	return op.Alerts(), nil
}

// GetOperationState returns the lifecycle state of the operation in its pool.
func (t *FairShareTree) GetOperationState(operationID string) (string, error) {
	t.RLock()
	defer t.RUnlock()
	op, ok := t.operations[operationID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrOperationNotFound, operationID)
	}
	return op.CurrentState(), nil
}

// ----------------------------------
// fair share update
// ----------------------------------

// UpdateFairShare runs one fair share update on a copy of the live tree and publishes the result.
// The live tree receives the persistent attributes of the copy, updates never run concurrently.
func (t *FairShareTree) UpdateFairShare(now time.Time) (*TreeSnapshot, error) {
	t.updateLock.Lock()
	defer t.updateLock.Unlock()
	start := time.Now()

	t.RLock()
	config := t.config
	snapshot := t.root.Clone()
	t.RUnlock()

	filter, err := configs.ParseSchedulingTagFilter(config.NodesFilter)
	if err != nil {
		return nil, fmt.Errorf("tree %s nodes filter: %w", t.treeID, err)
	}
	ctx := objects.NewUpdateContext(now, t.host.GetResourceLimits(filter))
	snapshot.PreUpdate(ctx)
	if t.updater != nil {
		t.updater.UpdateFairShare(snapshot, ctx)
	}
	snapshot.PostUpdate()
	snapshot.UpdateStarvationStatuses(now)

	t.Lock()
	snapshot.TransferPersistentAttributes(t.root)
	t.Unlock()
	snapshot.MarkImmutable()

	ts := t.scheduler.BuildSnapshot(snapshot, config, ctx.SchedulingTagFilters, now)
	t.scheduler.PublishSnapshot(ts)
	t.scheduler.RefreshResourceUsageSnapshot(now)
	t.afterUpdate(ts, now)

	metrics.GetTreeMetrics().ObserveUpdateLatency(t.treeID, start)
	log.Log(log.Update).Debug("fair share update finished",
		zap.String("treeID", t.treeID),
		zap.String("snapshotID", ts.ID),
		zap.Stringer("totalResourceLimits", ctx.TotalResourceLimits),
		zap.Duration("duration", time.Since(start)))
	return ts, nil
}

// afterUpdate publishes the tree gauges and maintains the starvation driven operation state.
func (t *FairShareTree) afterUpdate(ts *TreeSnapshot, now time.Time) {
	tm := metrics.GetTreeMetrics()
	publishElement := func(e objects.Element) {
		attributes := e.GetAttributes()
		for _, rt := range resources.AllResourceTypes() {
			tm.SetFairShare(t.treeID, e.GetID(), rt.String(), attributes.FairShare[rt])
			tm.SetUsageShare(t.treeID, e.GetID(), rt.String(), attributes.UsageShare[rt])
			tm.SetDemandShare(t.treeID, e.GetID(), rt.String(), attributes.DemandShare[rt])
		}
		tm.SetSatisfactionRatio(t.treeID, e.GetID(), attributes.SatisfactionRatio)
		tm.SetStarvationStatus(t.treeID, e.GetID(), int(e.GetStarvationStatus()))
	}
	for _, pool := range ts.Root.Pools() {
		publishElement(pool)
	}
	pending := 0
	for id, op := range ts.Root.EnabledOperations() {
		publishElement(op)
		if op.IsPending() {
			pending++
		}
		state := ts.GetOperationSharedState(id)
		if state == nil {
			continue
		}
		for status := objects.JobPreemptionStatus(0); status < objects.JobPreemptionStatusCount; status++ {
			usage := state.GetResourceUsage(status)
			for _, rt := range resources.AllResourceTypes() {
				tm.SetPreemptibleUsage(t.treeID, id, status.String(), rt.String(), usage[rt])
			}
		}
		if op.GetStarvationStatus() == objects.NonStarving {
			state.ResetDeactivationReasonsFromLastNonStarvingTime()
			op.ResetAlert(objects.AlertLongStarvation)
			continue
		}
		starving := now.Sub(op.GetPersistentAttributes().LastNonStarvingTime)
		if limit := longStarvationAlertFactor * ts.TreeConfig.FairShareAggressiveStarvationTimeout; limit > 0 && starving > limit {
			op.SetAlert(objects.AlertLongStarvation, fmt.Sprintf("operation is starving for %s", starving.Round(time.Second)))
		}
	}
	tm.SetOperationCount(t.treeID, "enabled", len(ts.Root.EnabledOperations()))
	tm.SetOperationCount(t.treeID, "disabled", len(ts.Root.DisabledOperations()))
	tm.SetOperationCount(t.treeID, "pending", pending)
}

// Start runs the fair share update and the usage snapshot refresh in the background until Stop.
func (t *FairShareTree) Start() {
	period := t.GetConfig().FairShareUpdatePeriod
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-t.stopChan:
				return
			case now := <-ticker.C:
				if _, err := t.UpdateFairShare(now); err != nil {
					log.Log(log.Update).Error("fair share update failed",
						zap.String("treeID", t.treeID),
						zap.Error(err))
				}
			}
		}
	}()
	staleness := t.GetConfig().AllowedResourceUsageStaleness
	if staleness <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(staleness)
		defer ticker.Stop()
		for {
			select {
			case <-t.stopChan:
				return
			case now := <-ticker.C:
				t.scheduler.RefreshResourceUsageSnapshot(now)
			}
		}
	}()
}

func (t *FairShareTree) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopChan)
	})
}

// ----------------------------------
// scheduling
// ----------------------------------

func (t *FairShareTree) ProcessSchedulingHeartbeat(ctx context.Context, sc objects.SchedulingContext, traceCtx trace.SchedulerTraceContext) (*SchedulingStatistics, error) {
	return t.scheduler.ProcessSchedulingHeartbeat(ctx, sc, traceCtx)
}

// ProcessJobUpdates applies the job events of a node, unknown jobs are skipped.
func (t *FairShareTree) ProcessJobUpdates(updates []JobUpdate) {
	for _, update := range updates {
		var known bool
		if update.Finished {
			known = t.scheduler.ProcessFinishedJob(update.OperationID, update.JobID)
		} else {
			known = t.scheduler.ProcessUpdatedJob(update.OperationID, update.JobID, update.ResourceUsage)
		}
		if !known {
			log.Log(log.Scheduling).Debug("update for an unknown job skipped",
				zap.String("treeID", t.treeID),
				zap.String("operationID", update.OperationID),
				zap.String("jobID", update.JobID),
				zap.Bool("finished", update.Finished))
		}
	}
}
