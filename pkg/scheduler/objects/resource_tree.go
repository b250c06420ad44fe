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

	"go.uber.org/zap"

	"github.com/fairshare-scheduler/fairshare-core/pkg/common/resources"
	"github.com/fairshare-scheduler/fairshare-core/pkg/locking"
	"github.com/fairshare-scheduler/fairshare-core/pkg/log"
)

// ResourceTreeElement is the accounting mirror of one tree element.
// Usage and precommitted usage include all descendants.
type ResourceTreeElement struct {
	id     string
	kind   ElementKind
	parent *ResourceTreeElement
	alive  bool

	resourceUsage           resources.JobResources
	resourceUsagePrecommit  resources.JobResources
	resourceLimits          resources.JobResources
	resourceLimitsSpecified bool

	locking.RWMutex
}

func (rte *ResourceTreeElement) GetID() string {
	return rte.id
}

func (rte *ResourceTreeElement) IsAlive() bool {
	rte.RLock()
	defer rte.RUnlock()
	return rte.alive
}

func (rte *ResourceTreeElement) GetResourceUsage() resources.JobResources {
	rte.RLock()
	defer rte.RUnlock()
	return rte.resourceUsage
}

func (rte *ResourceTreeElement) GetResourceUsageWithPrecommit() resources.JobResources {
	rte.RLock()
	defer rte.RUnlock()
	return rte.resourceUsage.Add(rte.resourceUsagePrecommit)
}

func (rte *ResourceTreeElement) GetResourceUsagePrecommit() resources.JobResources {
	rte.RLock()
	defer rte.RUnlock()
	return rte.resourceUsagePrecommit
}

func (rte *ResourceTreeElement) tryIncreasePrecommit(delta resources.JobResources) (ResourceTreeIncreaseResult, resources.JobResources) {
	rte.Lock()
	defer rte.Unlock()
	if !rte.alive {
		return IncreaseElementIsNotAlive, resources.Zero
	}
	available := resources.Infinite()
	if rte.resourceLimitsSpecified {
		used := rte.resourceUsage.Add(rte.resourceUsagePrecommit)
		if !resources.Dominates(rte.resourceLimits, used.Add(delta)) {
			return IncreaseResourceLimitExceeded, resources.Zero
		}
		available = rte.resourceLimits.Sub(used)
	}
	rte.resourceUsagePrecommit = rte.resourceUsagePrecommit.Add(delta)
	return IncreaseSuccess, available
}

func (rte *ResourceTreeElement) increasePrecommit(delta resources.JobResources) {
	rte.Lock()
	defer rte.Unlock()
	rte.resourceUsagePrecommit = rte.resourceUsagePrecommit.Add(delta)
}

func (rte *ResourceTreeElement) increaseUsage(delta resources.JobResources) bool {
	rte.Lock()
	defer rte.Unlock()
	if !rte.alive {
		return false
	}
	rte.resourceUsage = rte.resourceUsage.Add(delta)
	return true
}

func (rte *ResourceTreeElement) commit(usageDelta, precommittedDelta resources.JobResources) {
	rte.Lock()
	defer rte.Unlock()
	rte.resourceUsage = rte.resourceUsage.Add(usageDelta)
	rte.resourceUsagePrecommit = rte.resourceUsagePrecommit.Sub(precommittedDelta)
}

// ResourceTree keeps the hierarchical usage of all elements of one tree. Elements are
// addressed by id, clones of a tree element share the same resource tree element.
// Hierarchical updates lock one element at a time from the leaf up, the structure
// lock keeps the parent links stable while they run.
type ResourceTree struct {
	elements map[string]*ResourceTreeElement

	structureLock locking.RWMutex
}

func NewResourceTree() *ResourceTree {
	return &ResourceTree{
		elements: make(map[string]*ResourceTreeElement),
	}
}

// AttachElement registers the element below the parent, an already known element keeps its usage and is re-linked.
func (rt *ResourceTree) AttachElement(id string, kind ElementKind, parentID string) error {
	rt.structureLock.Lock()
	defer rt.structureLock.Unlock()
	var parent *ResourceTreeElement
	if parentID != "" {
		parent = rt.elements[parentID]
		if parent == nil {
			return fmt.Errorf("resource tree parent %s of %s not found", parentID, id)
		}
	}
	if rte, ok := rt.elements[id]; ok {
		rte.parent = parent
		return nil
	}
	rt.elements[id] = &ResourceTreeElement{
		id:             id,
		kind:           kind,
		parent:         parent,
		alive:          true,
		resourceLimits: resources.Infinite(),
	}
	return nil
}

// ChangeParent moves the element and its usage to a new parent.
func (rt *ResourceTree) ChangeParent(id, newParentID string) error {
	rt.structureLock.Lock()
	defer rt.structureLock.Unlock()
	rte := rt.elements[id]
	newParent := rt.elements[newParentID]
	if rte == nil || newParent == nil {
		return fmt.Errorf("resource tree element %s or parent %s not found", id, newParentID)
	}
	usage := rte.GetResourceUsage()
	precommit := rte.GetResourceUsagePrecommit()
	for cur := rte.parent; cur != nil; cur = cur.parent {
		cur.commit(usage.Negate(), precommit)
	}
	rte.parent = newParent
	for cur := newParent; cur != nil; cur = cur.parent {
		cur.commit(usage, precommit.Negate())
	}
	return nil
}

// RemoveElement drops the element, it must not have usage left.
func (rt *ResourceTree) RemoveElement(id string) {
	rt.structureLock.Lock()
	defer rt.structureLock.Unlock()
	rte := rt.elements[id]
	if rte == nil {
		return
	}
	if !rte.GetResourceUsageWithPrecommit().IsZero() {
		log.Log(log.Tree).Warn("removing resource tree element with usage",
			zap.String("elementID", id),
			zap.Stringer("usage", rte.GetResourceUsage()),
			zap.Stringer("precommit", rte.GetResourceUsagePrecommit()))
	}
	delete(rt.elements, id)
}

func (rt *ResourceTree) GetElement(id string) *ResourceTreeElement {
	rt.structureLock.RLock()
	defer rt.structureLock.RUnlock()
	return rt.elements[id]
}

func (rt *ResourceTree) SetAlive(id string, alive bool) {
	if rte := rt.GetElement(id); rte != nil {
		rte.Lock()
		rte.alive = alive
		rte.Unlock()
	}
}

func (rt *ResourceTree) IsAlive(id string) bool {
	rte := rt.GetElement(id)
	return rte != nil && rte.IsAlive()
}

// ApplyLimits sets the limits checked by the precommit, limits that are not specified are never checked.
func (rt *ResourceTree) ApplyLimits(id string, limits resources.JobResources, specified bool) {
	if rte := rt.GetElement(id); rte != nil {
		rte.Lock()
		rte.resourceLimits = limits
		rte.resourceLimitsSpecified = specified
		rte.Unlock()
	}
}

func (rt *ResourceTree) GetResourceUsage(id string) resources.JobResources {
	if rte := rt.GetElement(id); rte != nil {
		return rte.GetResourceUsage()
	}
	return resources.Zero
}

func (rt *ResourceTree) GetResourceUsageWithPrecommit(id string) resources.JobResources {
	if rte := rt.GetElement(id); rte != nil {
		return rte.GetResourceUsageWithPrecommit()
	}
	return resources.Zero
}

// IncreaseHierarchicalResourceUsage adds the delta to the element and all ancestors.
// Returns false if the element is not alive, nothing is changed in that case.
func (rt *ResourceTree) IncreaseHierarchicalResourceUsage(id string, delta resources.JobResources) bool {
	rt.structureLock.RLock()
	defer rt.structureLock.RUnlock()
	rte := rt.elements[id]
	if rte == nil || !rte.increaseUsage(delta) {
		return false
	}
	for cur := rte.parent; cur != nil; cur = cur.parent {
		cur.increaseUsage(delta)
	}
	return true
}

// IncreaseHierarchicalResourceUsagePrecommit changes the precommitted usage without checking limits,
// a negative delta reverts an earlier precommit.
func (rt *ResourceTree) IncreaseHierarchicalResourceUsagePrecommit(id string, delta resources.JobResources) {
	rt.structureLock.RLock()
	defer rt.structureLock.RUnlock()
	for cur := rt.elements[id]; cur != nil; cur = cur.parent {
		cur.increasePrecommit(delta)
	}
}

// TryIncreaseHierarchicalResourceUsagePrecommit reserves the delta on the whole ancestor chain or on none of it.
// On success it returns the resources still available below the tightest limit of the chain.
func (rt *ResourceTree) TryIncreaseHierarchicalResourceUsagePrecommit(id string, delta resources.JobResources) (ResourceTreeIncreaseResult, resources.JobResources) {
	rt.structureLock.RLock()
	defer rt.structureLock.RUnlock()
	rte := rt.elements[id]
	if rte == nil {
		return IncreaseElementIsNotAlive, resources.Zero
	}
	availableLimits := resources.Infinite()
	var increased []*ResourceTreeElement
	for cur := rte; cur != nil; cur = cur.parent {
		result, available := cur.tryIncreasePrecommit(delta)
		if result != IncreaseSuccess {
			for _, done := range increased {
				done.increasePrecommit(delta.Negate())
			}
			return result, resources.Zero
		}
		availableLimits = resources.Min(availableLimits, available)
		increased = append(increased, cur)
	}
	return IncreaseSuccess, availableLimits
}

// CommitHierarchicalResourceUsage turns precommitted usage into usage on the whole ancestor chain.
func (rt *ResourceTree) CommitHierarchicalResourceUsage(id string, usageDelta, precommittedDelta resources.JobResources) {
	rt.structureLock.RLock()
	defer rt.structureLock.RUnlock()
	for cur := rt.elements[id]; cur != nil; cur = cur.parent {
		cur.commit(usageDelta, precommittedDelta)
	}
}

// CheckAvailableDemand checks that the delta still fits into the part of the demand not yet used.
func (rt *ResourceTree) CheckAvailableDemand(id string, delta, resourceDemand resources.JobResources) bool {
	rte := rt.GetElement(id)
	if rte == nil {
		return false
	}
	available := resourceDemand.Sub(rte.GetResourceUsageWithPrecommit()).ClampNonNegative()
	return resources.Dominates(available, delta)
}

// ReleaseResources removes the usage of the element from all ancestors, used when an operation leaves the tree.
func (rt *ResourceTree) ReleaseResources(id string, markAsNonAlive bool) {
	rt.structureLock.RLock()
	defer rt.structureLock.RUnlock()
	rte := rt.elements[id]
	if rte == nil {
		return
	}
	rte.Lock()
	usage := rte.resourceUsage
	precommit := rte.resourceUsagePrecommit
	rte.resourceUsage = resources.Zero
	rte.resourceUsagePrecommit = resources.Zero
	if markAsNonAlive {
		rte.alive = false
	}
	rte.Unlock()
	for cur := rte.parent; cur != nil; cur = cur.parent {
		cur.commit(usage.Negate(), precommit)
	}
}
