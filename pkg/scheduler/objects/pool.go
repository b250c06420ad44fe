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

	"go.uber.org/zap"

	"github.com/fairshare-scheduler/fairshare-core/pkg/common/configs"
	"github.com/fairshare-scheduler/fairshare-core/pkg/common/resources"
	"github.com/fairshare-scheduler/fairshare-core/pkg/log"
)

// Pool is a configured composite element below the root.
type Pool struct {
	compositeElement

	config                     *configs.PoolConfig
	allowRegularJobsOnSsdNodes bool
}

// NewPool creates a detached pool from its configuration.
func NewPool(conf *configs.PoolConfig, treeID string, treeConfig *configs.TreeConfig, host StrategyHost, resourceTree *ResourceTree) (*Pool, error) {
	p := &Pool{
		compositeElement: newCompositeElement(newElement(conf.Name, treeID, treeConfig, host, resourceTree)),
	}
	p.self = p
	if err := p.SetConfig(conf); err != nil {
		return nil, err
	}
	log.Log(log.Tree).Debug("pool created",
		zap.String("treeID", treeID),
		zap.String("pool", conf.Name))
	return p, nil
}

// SetConfig replaces the specified attributes, the children are kept.
func (p *Pool) SetConfig(conf *configs.PoolConfig) error {
	p.checkMutable()
	strongGuarantee, err := configs.ParseResources(conf.StrongGuaranteeResources, resources.Zero)
	if err != nil {
		return fmt.Errorf("pool %s strong guarantee: %w", conf.Name, err)
	}
	filter, err := configs.ParseSchedulingTagFilter(conf.SchedulingTagFilter)
	if err != nil {
		return fmt.Errorf("pool %s scheduling tag filter: %w", conf.Name, err)
	}
	limits, err := parseSpecifiedLimits(conf.ResourceLimits)
	if err != nil {
		return fmt.Errorf("pool %s resource limits: %w", conf.Name, err)
	}
	p.specifiedResourceLimits = limits
	p.specifiedNonPreemptibleThreshold = nil
	if len(conf.NonPreemptibleResourceUsageThreshold) > 0 {
		threshold, err := configs.ParseResources(conf.NonPreemptibleResourceUsageThreshold, resources.Infinite())
		if err != nil {
			return fmt.Errorf("pool %s non-preemptible usage threshold: %w", conf.Name, err)
		}
		p.specifiedNonPreemptibleThreshold = &threshold
	}

	p.config = conf
	p.strongGuaranteeResources = strongGuarantee
	p.schedulingTagFilter = filter
	p.specifiedWeight = conf.Weight
	p.maxShareRatio = 1.0
	if conf.MaxShareRatio != nil {
		p.maxShareRatio = *conf.MaxShareRatio
	}
	p.specifiedStarvationTolerance = conf.FairShareStarvationTolerance
	p.specifiedStarvationTimeout = conf.FairShareStarvationTimeout
	p.specifiedAggressiveStarvation = conf.EnableAggressiveStarvation
	p.specifiedAggressivePreemption = conf.AllowAggressivePreemption
	p.allowRegularJobsOnSsdNodes = configs.BoolValue(conf.AllowRegularJobsOnSsdNodes, true)

	p.mode = conf.Mode
	if p.mode == "" {
		p.mode = configs.ModeFairShare
	}
	p.fifoSortParameters = conf.FifoSortParameters
	if p.mode == configs.ModeFifo && len(p.fifoSortParameters) == 0 {
		p.fifoSortParameters = []string{configs.FifoSortStartTime}
	}
	p.inferWeightsFromHistory = conf.InferChildrenWeightsFromHistoricUsage
	p.historicUsageConfig = conf.HistoricUsage
	p.maxRunningOperationCount = p.treeConfig.MaxRunningOperationCountPerPool
	if conf.MaxRunningOperationCount != nil {
		p.maxRunningOperationCount = *conf.MaxRunningOperationCount
	}
	p.maxOperationCount = p.treeConfig.MaxOperationCountPerPool
	if conf.MaxOperationCount != nil {
		p.maxOperationCount = *conf.MaxOperationCount
	}
	return nil
}

func (p *Pool) GetConfig() *configs.PoolConfig {
	return p.config
}

func (p *Pool) GetKind() ElementKind {
	return KindPool
}

// AttachParent links a detached pool without operations below the parent.
func (p *Pool) AttachParent(parent Composite) {
	p.checkMutable()
	if p.parent != nil {
		contractViolation(p.treeID, p.id, "pool is already attached")
	}
	if p.operationCount != 0 || p.runningOperationCount != 0 {
		contractViolation(p.treeID, p.id, "attaching a pool with operations")
	}
	if err := p.resourceTree.AttachElement(p.id, KindPool, parent.GetID()); err != nil {
		contractViolation(p.treeID, p.id, err.Error())
	}
	parent.composite().addChild(p, true)
	p.parent = parent
}

// ChangeParent moves the pool with all operation counts to a new parent.
func (p *Pool) ChangeParent(newParent Composite) {
	p.checkMutable()
	if p.parent == nil {
		contractViolation(p.treeID, p.id, "moving a detached pool")
	}
	oldParent := p.parent.composite()
	oldParent.removeChild(p)
	oldParent.increaseOperationCount(-p.operationCount)
	oldParent.increaseRunningOperationCount(-p.runningOperationCount)
	if err := p.resourceTree.ChangeParent(p.id, newParent.GetID()); err != nil {
		contractViolation(p.treeID, p.id, err.Error())
	}
	p.parent = newParent
	newParent.composite().addChild(p, true)
	newParent.composite().increaseOperationCount(p.operationCount)
	newParent.composite().increaseRunningOperationCount(p.runningOperationCount)
}

// DetachParent removes an empty pool from the tree.
func (p *Pool) DetachParent() {
	p.checkMutable()
	if p.parent == nil {
		contractViolation(p.treeID, p.id, "detaching a detached pool")
	}
	if p.operationCount != 0 {
		contractViolation(p.treeID, p.id, "detaching a pool with operations")
	}
	p.parent.composite().removeChild(p)
	p.parent = nil
	p.resourceTree.RemoveElement(p.id)
}

func (p *Pool) GetStatus(atUpdate bool) ElementStatus {
	return p.getStatusImpl(p.effectiveStarvationTolerance, atUpdate)
}

func (p *Pool) CheckForStarvation(now time.Time) {
	p.checkForStarvationImpl(p.effectiveStarvationTimeout, p.treeConfig.FairShareAggressiveStarvationTimeout, now)
}

// AreRegularJobsOnSsdNodesAllowed is false if the pool or any ancestor pool forbids it.
func (p *Pool) AreRegularJobsOnSsdNodesAllowed() bool {
	for cur := Composite(p); cur != nil; cur = cur.GetParent() {
		if pool, ok := cur.(*Pool); ok && !pool.allowRegularJobsOnSsdNodes {
			return false
		}
	}
	return true
}

func (p *Pool) clone(parent Composite) Element {
	c := &Pool{
		compositeElement:           p.compositeElement,
		config:                     p.config,
		allowRegularJobsOnSsdNodes: p.allowRegularJobsOnSsdNodes,
	}
	c.element = p.cloneBase(parent)
	c.self = c
	c.cloneChildren(&p.compositeElement, c)
	return c
}
