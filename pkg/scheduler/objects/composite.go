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
	"sort"
	"time"

	"github.com/fairshare-scheduler/fairshare-core/pkg/common/configs"
	"github.com/fairshare-scheduler/fairshare-core/pkg/common/resources"
)

// Composite is an element with children: the root or a pool.
type Composite interface {
	Element
	GetMode() string
	GetFifoSortParameters() []string
	IsInferringChildrenWeightsFromHistoricUsage() bool
	EnabledChildren() []Element
	DisabledChildren() []Element
	SchedulableChildren() []Element
	GetRunningOperationCount() int
	GetOperationCount() int
	GetMaxRunningOperationCount() int
	GetMaxOperationCount() int
	GetPendingOperationIDs() []string

	composite() *compositeElement
}

// compositeElement keeps the children of a pool or the root. Enabled children take part in the
// fair share computation, disabled children are operations waiting to be enabled.
type compositeElement struct {
	element

	mode                     string
	fifoSortParameters       []string
	inferWeightsFromHistory  bool
	historicUsageConfig      configs.HistoricUsageConfig
	maxRunningOperationCount int
	maxOperationCount        int

	enabledChildren     []Element
	enabledChildIndex   map[string]int
	disabledChildren    []Element
	disabledChildIndex  map[string]int
	schedulableChildren []Element

	runningOperationCount int
	operationCount        int
	pendingOperationIDs   []string
}

func newCompositeElement(e element) compositeElement {
	return compositeElement{
		element:            e,
		mode:               configs.ModeFairShare,
		enabledChildIndex:  make(map[string]int),
		disabledChildIndex: make(map[string]int),
	}
}

func (c *compositeElement) composite() *compositeElement {
	return c
}

func (c *compositeElement) GetMode() string {
	return c.mode
}

func (c *compositeElement) GetFifoSortParameters() []string {
	return c.fifoSortParameters
}

func (c *compositeElement) IsInferringChildrenWeightsFromHistoricUsage() bool {
	return c.inferWeightsFromHistory
}

func (c *compositeElement) EnabledChildren() []Element {
	return c.enabledChildren
}

func (c *compositeElement) DisabledChildren() []Element {
	return c.disabledChildren
}

// SchedulableChildren is built at update, in FIFO order for FIFO pools.
func (c *compositeElement) SchedulableChildren() []Element {
	return c.schedulableChildren
}

func (c *compositeElement) GetRunningOperationCount() int {
	return c.runningOperationCount
}

func (c *compositeElement) GetOperationCount() int {
	return c.operationCount
}

func (c *compositeElement) GetMaxRunningOperationCount() int {
	return c.maxRunningOperationCount
}

func (c *compositeElement) GetMaxOperationCount() int {
	return c.maxOperationCount
}

func (c *compositeElement) GetPendingOperationIDs() []string {
	return c.pendingOperationIDs
}

func (c *compositeElement) IsSchedulable() bool {
	return c.parent == nil || len(c.schedulableChildren) > 0
}

func (c *compositeElement) addChild(child Element, enabled bool) {
	c.checkMutable()
	if enabled {
		addToChildList(&c.enabledChildren, c.enabledChildIndex, child)
	} else {
		addToChildList(&c.disabledChildren, c.disabledChildIndex, child)
	}
}

func (c *compositeElement) removeChild(child Element) {
	c.checkMutable()
	if _, ok := c.enabledChildIndex[child.GetID()]; ok {
		removeFromChildList(&c.enabledChildren, c.enabledChildIndex, child)
	} else {
		removeFromChildList(&c.disabledChildren, c.disabledChildIndex, child)
	}
}

func (c *compositeElement) enableChild(child Element) {
	c.checkMutable()
	removeFromChildList(&c.disabledChildren, c.disabledChildIndex, child)
	addToChildList(&c.enabledChildren, c.enabledChildIndex, child)
}

func (c *compositeElement) disableChild(child Element) {
	c.checkMutable()
	if _, ok := c.enabledChildIndex[child.GetID()]; !ok {
		return
	}
	removeFromChildList(&c.enabledChildren, c.enabledChildIndex, child)
	addToChildList(&c.disabledChildren, c.disabledChildIndex, child)
}

func (c *compositeElement) hasChild(id string) bool {
	_, enabled := c.enabledChildIndex[id]
	_, disabled := c.disabledChildIndex[id]
	return enabled || disabled
}

func addToChildList(children *[]Element, index map[string]int, child Element) {
	if _, ok := index[child.GetID()]; ok {
		return
	}
	index[child.GetID()] = len(*children)
	*children = append(*children, child)
}

// removeFromChildList swaps the last child into the freed position.
func removeFromChildList(children *[]Element, index map[string]int, child Element) {
	pos, ok := index[child.GetID()]
	if !ok {
		return
	}
	last := len(*children) - 1
	if pos != last {
		moved := (*children)[last]
		(*children)[pos] = moved
		index[moved.GetID()] = pos
	}
	*children = (*children)[:last]
	delete(index, child.GetID())
}

// increaseOperationCount walks up to the root, the counts include all descendants.
func (c *compositeElement) increaseOperationCount(delta int) {
	for cur := c.self.(Composite); cur != nil; cur = cur.GetParent() {
		cc := cur.composite()
		cc.checkMutable()
		cc.operationCount += delta
	}
}

func (c *compositeElement) increaseRunningOperationCount(delta int) {
	for cur := c.self.(Composite); cur != nil; cur = cur.GetParent() {
		cc := cur.composite()
		cc.checkMutable()
		cc.runningOperationCount += delta
	}
}

func (c *compositeElement) removePendingOperation(operationID string) {
	for i, id := range c.pendingOperationIDs {
		if id == operationID {
			c.pendingOperationIDs = append(c.pendingOperationIDs[:i], c.pendingOperationIDs[i+1:]...)
			return
		}
	}
}

// cloneChildren deep copies both child lists below the new parent.
func (c *compositeElement) cloneChildren(from *compositeElement, parent Composite) {
	c.enabledChildren = make([]Element, 0, len(from.enabledChildren))
	c.enabledChildIndex = make(map[string]int, len(from.enabledChildren))
	for _, child := range from.enabledChildren {
		addToChildList(&c.enabledChildren, c.enabledChildIndex, child.clone(parent))
	}
	c.disabledChildren = make([]Element, 0, len(from.disabledChildren))
	c.disabledChildIndex = make(map[string]int, len(from.disabledChildren))
	for _, child := range from.disabledChildren {
		addToChildList(&c.disabledChildren, c.disabledChildIndex, child.clone(parent))
	}
	c.schedulableChildren = nil
	c.fifoSortParameters = append([]string(nil), from.fifoSortParameters...)
	c.pendingOperationIDs = append([]string(nil), from.pendingOperationIDs...)
}

func (c *compositeElement) preUpdateBottomUp(ctx *UpdateContext) {
	c.checkMutable()
	demand := resources.Zero
	pending := 0
	var startTime time.Time
	for _, child := range c.enabledChildren {
		child.preUpdateBottomUp(ctx)
		demand = demand.Add(child.GetResourceDemand())
		pending += child.GetPendingJobCount()
		if st := child.GetStartTime(); !st.IsZero() && (startTime.IsZero() || st.Before(startTime)) {
			startTime = st
		}
		if c.inferWeightsFromHistory {
			child.base().persistent.HistoricUsage.SetParams(c.historicUsageConfig)
			usageShare := resources.Share(child.GetResourceUsageAtUpdate(), ctx.TotalResourceLimits)
			child.base().persistent.HistoricUsage.UpdateAt(ctx.Now, usageShare.MaxComponent())
		}
	}
	for _, child := range c.disabledChildren {
		if op, ok := child.(*Operation); ok {
			op.preUpdateDisabled()
		}
	}
	c.resourceUsageAtUpdate = c.GetInstantResourceUsage()
	c.resourceDemand = demand
	c.pendingJobCount = pending
	if c.parent != nil {
		c.startTime = startTime
	}
	c.finishPreUpdate(ctx)
}

// sortedChildren returns the enabled children, in FIFO order for FIFO pools.
func (c *compositeElement) sortedChildren() []Element {
	children := append([]Element(nil), c.enabledChildren...)
	if c.mode == configs.ModeFifo {
		sort.SliceStable(children, func(i, j int) bool {
			return fifoLess(children[i], children[j], c.fifoSortParameters)
		})
	}
	return children
}

func (c *compositeElement) buildSchedulableChildrenLists() {
	c.checkMutable()
	c.schedulableChildren = nil
	c.schedulableElementCount = 0
	c.schedulablePoolCount = 0
	c.schedulableOperationCount = 0

	maxFifo := -1
	if c.mode == configs.ModeFifo && c.treeConfig.MaxSchedulableElementCountInFifoPool != nil {
		maxFifo = *c.treeConfig.MaxSchedulableElementCountInFifoPool
	}
	for _, child := range c.sortedChildren() {
		switch typed := child.(type) {
		case Composite:
			typed.composite().buildSchedulableChildrenLists()
		case *Operation:
			typed.updateSchedulable()
			if maxFifo >= 0 && c.schedulableElementCount >= maxFifo && typed.IsSchedulable() &&
				typed.attributes.FairShare.IsZero() {
				typed.unschedulableReason = UnschedulableFifoLimitReached
				typed.schedulable = false
			}
		}
		if !child.IsSchedulable() {
			continue
		}
		cb := child.base()
		c.schedulableChildren = append(c.schedulableChildren, child)
		c.schedulableElementCount += cb.schedulableElementCount
		c.schedulablePoolCount += cb.schedulablePoolCount
		c.schedulableOperationCount += cb.schedulableOperationCount
	}
	c.schedulable = c.IsSchedulable()
	if c.schedulable {
		c.schedulableElementCount++
		if c.parent != nil {
			c.schedulablePoolCount++
		}
	}
}

// enumerateElements assigns consecutive tree indexes depth first to the elements whose
// schedulability matches the filter, returns the next free index.
func enumerateElements(e Element, start int, schedulable bool) int {
	b := e.base()
	if e.IsSchedulable() == schedulable {
		b.treeIndex = start
		start++
	}
	if c, ok := e.(Composite); ok {
		for _, child := range c.EnabledChildren() {
			start = enumerateElements(child, start, schedulable)
		}
		for _, child := range c.DisabledChildren() {
			child.base().treeIndex = -1
		}
	}
	return start
}

// computeSatisfactionRatioAtUpdate sets the local ratio and propagates the best ratio of the
// schedulable children upwards.
func computeSatisfactionRatioAtUpdate(e Element) {
	b := e.base()
	b.attributes.LocalSatisfactionRatio = e.ComputeLocalSatisfactionRatio(b.resourceUsageAtUpdate)
	b.attributes.SatisfactionRatio = b.attributes.LocalSatisfactionRatio
	c, ok := e.(Composite)
	if !ok {
		return
	}
	var best Element
	for _, child := range c.SchedulableChildren() {
		computeSatisfactionRatioAtUpdate(child)
		if best == nil {
			best = child
			continue
		}
		if c.GetMode() == configs.ModeFifo {
			if fifoLess(child, best, c.GetFifoSortParameters()) {
				best = child
			}
		} else if child.GetAttributes().SatisfactionRatio < best.GetAttributes().SatisfactionRatio {
			best = child
		}
	}
	if best != nil && best.GetAttributes().SatisfactionRatio < b.attributes.SatisfactionRatio {
		b.attributes.SatisfactionRatio = best.GetAttributes().SatisfactionRatio
	}
}

// propagateEffectiveAttributes updates the inherited attributes top down.
func propagateEffectiveAttributes(e Element) {
	e.base().updateEffectiveRecursiveAttributes()
	switch typed := e.(type) {
	case *Operation:
		typed.updateEffectiveNonPreemptibleThreshold()
	case Composite:
		for _, child := range typed.EnabledChildren() {
			propagateEffectiveAttributes(child)
		}
		for _, child := range typed.DisabledChildren() {
			propagateEffectiveAttributes(child)
		}
	}
}

// updateStarvationStatuses checks starvation top down and records the lowest starving ancestors.
func updateStarvationStatuses(e Element, now time.Time, enablePoolStarvation bool) {
	b := e.base()
	if enablePoolStarvation || e.GetKind() == KindOperation {
		e.CheckForStarvation(now)
	}
	var parent *element
	if b.parent != nil {
		parent = b.parent.base()
	}
	b.lowestStarvingAncestor = nil
	b.lowestAggressivelyStarvingAncestor = nil
	if b.persistent.StarvationStatus != NonStarving {
		b.lowestStarvingAncestor = e
	} else if parent != nil {
		b.lowestStarvingAncestor = parent.lowestStarvingAncestor
	}
	if b.persistent.StarvationStatus == AggressivelyStarving {
		b.lowestAggressivelyStarvingAncestor = e
	} else if parent != nil {
		b.lowestAggressivelyStarvingAncestor = parent.lowestAggressivelyStarvingAncestor
	}
	if c, ok := e.(Composite); ok {
		for _, child := range c.EnabledChildren() {
			updateStarvationStatuses(child, now, enablePoolStarvation)
		}
	}
}

// markImmutable freezes the element and everything below it.
func markImmutable(e Element) {
	e.base().mutable = false
	if c, ok := e.(Composite); ok {
		for _, child := range c.EnabledChildren() {
			markImmutable(child)
		}
		for _, child := range c.DisabledChildren() {
			markImmutable(child)
		}
	}
}
