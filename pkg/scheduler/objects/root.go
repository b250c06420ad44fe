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
	"time"

	"go.uber.org/zap"

	"github.com/fairshare-scheduler/fairshare-core/pkg/common/configs"
	"github.com/fairshare-scheduler/fairshare-core/pkg/log"
)

// Root is the singleton composite at the top of a tree.
type Root struct {
	compositeElement

	treeSize           int
	enabledOperations  map[string]*Operation
	disabledOperations map[string]*Operation
	pools              map[string]*Pool
	elementsByIndex    []Element
}

func NewRoot(treeID string, treeConfig *configs.TreeConfig, host StrategyHost, resourceTree *ResourceTree) *Root {
	r := &Root{
		compositeElement: newCompositeElement(newElement(configs.RootPoolName, treeID, treeConfig, host, resourceTree)),
	}
	r.self = r
	r.applyTreeConfig(treeConfig)
	if err := resourceTree.AttachElement(r.id, KindRoot, ""); err != nil {
		contractViolation(treeID, r.id, err.Error())
	}
	return r
}

func (r *Root) applyTreeConfig(treeConfig *configs.TreeConfig) {
	r.treeConfig = treeConfig
	r.mode = configs.ModeFairShare
	r.maxRunningOperationCount = treeConfig.MaxRunningOperationCount
	r.maxOperationCount = treeConfig.MaxOperationCount
}

// UpdateTreeConfig hands the new tree config to every element, pool configs are updated separately.
func (r *Root) UpdateTreeConfig(treeConfig *configs.TreeConfig) {
	r.checkMutable()
	r.applyTreeConfig(treeConfig)
	var walk func(c Composite)
	walk = func(c Composite) {
		for _, children := range [][]Element{c.EnabledChildren(), c.DisabledChildren()} {
			for _, child := range children {
				child.base().treeConfig = treeConfig
				if pool, ok := child.(*Pool); ok {
					pool.maxRunningOperationCount = treeConfig.MaxRunningOperationCountPerPool
					if pool.config.MaxRunningOperationCount != nil {
						pool.maxRunningOperationCount = *pool.config.MaxRunningOperationCount
					}
					pool.maxOperationCount = treeConfig.MaxOperationCountPerPool
					if pool.config.MaxOperationCount != nil {
						pool.maxOperationCount = *pool.config.MaxOperationCount
					}
					walk(pool)
				}
			}
		}
	}
	walk(r)
}

func (r *Root) GetKind() ElementKind {
	return KindRoot
}

func (r *Root) GetWeight() float64 {
	return 1.0
}

func (r *Root) GetStatus(bool) ElementStatus {
	return StatusNormal
}

func (r *Root) CheckForStarvation(time.Time) {}

func (r *Root) GetTreeSize() int {
	return r.treeSize
}

// PreUpdate collects usage and demand of the whole tree, dead operations are disabled first.
func (r *Root) PreUpdate(ctx *UpdateContext) {
	r.checkMutable()
	disableNonAliveElements(r)
	r.preUpdateBottomUp(ctx)
}

// PostUpdate runs after the fair share is set: schedulable lists, tree indexes, satisfaction
// ratios, the lookup maps and the inherited attributes.
func (r *Root) PostUpdate() {
	r.checkMutable()
	r.buildSchedulableChildrenLists()
	schedulableCount := enumerateElements(r, 0, true)
	if schedulableCount != r.schedulableElementCount {
		contractViolation(r.treeID, r.id, "schedulable element count does not match the enumeration")
	}
	r.treeSize = enumerateElements(r, schedulableCount, false)
	computeSatisfactionRatioAtUpdate(r)
	r.buildElementMapping()
	propagateEffectiveAttributes(r)
	log.Log(log.Update).Debug("tree post update finished",
		zap.String("treeID", r.treeID),
		zap.Int("treeSize", r.treeSize),
		zap.Int("schedulableElements", r.schedulableElementCount),
		zap.Int("schedulablePools", r.schedulablePoolCount),
		zap.Int("schedulableOperations", r.schedulableOperationCount))
}

func (r *Root) UpdateStarvationStatuses(now time.Time) {
	updateStarvationStatuses(r, now, configs.BoolValue(r.treeConfig.EnablePoolStarvation, true))
}

// MarkImmutable freezes the snapshot before it is published.
func (r *Root) MarkImmutable() {
	markImmutable(r)
}

func (r *Root) buildElementMapping() {
	r.enabledOperations = make(map[string]*Operation)
	r.disabledOperations = make(map[string]*Operation)
	r.pools = make(map[string]*Pool)
	r.elementsByIndex = make([]Element, r.treeSize)
	var walk func(c Composite)
	walk = func(c Composite) {
		for _, child := range c.EnabledChildren() {
			if idx := child.GetTreeIndex(); idx >= 0 && idx < len(r.elementsByIndex) {
				r.elementsByIndex[idx] = child
			}
			switch typed := child.(type) {
			case *Operation:
				r.enabledOperations[typed.id] = typed
			case *Pool:
				r.pools[typed.id] = typed
				walk(typed)
			}
		}
		for _, child := range c.DisabledChildren() {
			if op, ok := child.(*Operation); ok {
				r.disabledOperations[op.id] = op
			}
		}
	}
	if r.treeIndex >= 0 && r.treeIndex < len(r.elementsByIndex) {
		r.elementsByIndex[r.treeIndex] = r
	}
	walk(r)
}

// FindOperation looks up enabled and disabled operations of a snapshot.
func (r *Root) FindOperation(id string) *Operation {
	if op, ok := r.enabledOperations[id]; ok {
		return op
	}
	return r.disabledOperations[id]
}

func (r *Root) FindEnabledOperation(id string) *Operation {
	return r.enabledOperations[id]
}

func (r *Root) FindPool(id string) *Pool {
	return r.pools[id]
}

// GetElementByTreeIndex resolves the dense index assigned by the last update.
func (r *Root) GetElementByTreeIndex(index int) Element {
	if index < 0 || index >= len(r.elementsByIndex) {
		return nil
	}
	return r.elementsByIndex[index]
}

func (r *Root) EnabledOperations() map[string]*Operation {
	return r.enabledOperations
}

func (r *Root) DisabledOperations() map[string]*Operation {
	return r.disabledOperations
}

func (r *Root) Pools() map[string]*Pool {
	return r.pools
}

// TransferPersistentAttributes copies the attributes that survive an update into the live tree.
func (r *Root) TransferPersistentAttributes(live *Root) {
	live.persistent = r.persistent.clone()
	var walk func(c Composite)
	walk = func(c Composite) {
		for _, children := range [][]Element{c.EnabledChildren(), c.DisabledChildren()} {
			for _, child := range children {
				var updated Element
				switch typed := child.(type) {
				case *Operation:
					if op := r.FindOperation(typed.id); op != nil {
						updated = op
					}
				case *Pool:
					if pool := r.pools[typed.id]; pool != nil {
						updated = pool
					}
					walk(typed)
				}
				if updated != nil {
					child.base().persistent = updated.base().persistent.clone()
				}
			}
		}
	}
	walk(live)
}

// Clone deep copies the tree, the copy is mutable.
func (r *Root) Clone() *Root {
	c := &Root{
		compositeElement: r.compositeElement,
		treeSize:         r.treeSize,
	}
	c.element = r.cloneBase(nil)
	c.self = c
	c.cloneChildren(&r.compositeElement, c)
	return c
}

func (r *Root) clone(Composite) Element {
	return r.Clone()
}

func disableNonAliveElements(c Composite) {
	cc := c.composite()
	var dead []Element
	for _, child := range cc.enabledChildren {
		if !cc.resourceTree.IsAlive(child.GetID()) {
			dead = append(dead, child)
		}
	}
	for _, child := range dead {
		cc.disableChild(child)
	}
	for _, child := range cc.enabledChildren {
		if composite, ok := child.(Composite); ok {
			disableNonAliveElements(composite)
		}
	}
}
