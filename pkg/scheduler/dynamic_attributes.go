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
	"math"
	"time"

	"github.com/fairshare-scheduler/fairshare-core/pkg/common/configs"
	"github.com/fairshare-scheduler/fairshare-core/pkg/common/resources"
	"github.com/fairshare-scheduler/fairshare-core/pkg/scheduler/objects"
)

// DynamicAttributes change during a heartbeat, they are indexed by the tree index of the element.
type DynamicAttributes struct {
	ResourceUsage           resources.JobResources
	ResourceUsageUpdateTime time.Time
	Alive                   bool
	LocalSatisfactionRatio  float64
	SatisfactionRatio       float64
	Active                  bool
	BestLeafDescendant      *objects.Operation
}

type DynamicAttributesList []DynamicAttributes

// Clone copies the list so a heartbeat can modify it.
func (l DynamicAttributesList) Clone() DynamicAttributesList {
	return append(DynamicAttributesList(nil), l...)
}

// ResourceUsageSnapshot is a periodically refreshed view of the live usage of the elements of the
// tree. It is consistent only on a best effort basis.
type ResourceUsageSnapshot struct {
	BuildTime       time.Time
	ElementUsage    map[string]resources.JobResources
	AliveOperations map[string]bool
}

// BuildResourceUsageSnapshot reads the live usage of every schedulable element of the tree snapshot.
func BuildResourceUsageSnapshot(root *objects.Root, now time.Time) *ResourceUsageSnapshot {
	snapshot := &ResourceUsageSnapshot{
		BuildTime:       now,
		ElementUsage:    make(map[string]resources.JobResources),
		AliveOperations: make(map[string]bool),
	}
	var walk func(e objects.Element)
	walk = func(e objects.Element) {
		snapshot.ElementUsage[e.GetID()] = e.GetInstantResourceUsage()
		switch typed := e.(type) {
		case *objects.Operation:
			if typed.IsAlive() {
				snapshot.AliveOperations[typed.GetOperationID()] = true
			}
		case objects.Composite:
			for _, child := range typed.SchedulableChildren() {
				walk(child)
			}
		}
	}
	walk(root)
	return snapshot
}

// BuildDynamicAttributesList fills the usage and liveness of every schedulable element, from the
// usage snapshot if there is one or from the live resource tree otherwise.
func BuildDynamicAttributesList(root *objects.Root, usageSnapshot *ResourceUsageSnapshot, now time.Time) DynamicAttributesList {
	list := make(DynamicAttributesList, root.GetTreeSize())
	var fill func(e objects.Element)
	fill = func(e objects.Element) {
		idx := e.GetTreeIndex()
		if idx < 0 || idx >= len(list) {
			return
		}
		attributes := &list[idx]
		attributes.ResourceUsageUpdateTime = now
		switch typed := e.(type) {
		case *objects.Operation:
			if usageSnapshot != nil {
				attributes.Alive = usageSnapshot.AliveOperations[typed.GetOperationID()]
				attributes.ResourceUsage = usageSnapshot.ElementUsage[typed.GetID()]
				attributes.ResourceUsageUpdateTime = usageSnapshot.BuildTime
			} else {
				attributes.Alive = typed.IsAlive()
				attributes.ResourceUsage = typed.GetInstantResourceUsage()
			}
		case objects.Composite:
			attributes.Alive = true
			if usageSnapshot != nil {
				attributes.ResourceUsage = usageSnapshot.ElementUsage[typed.GetID()]
			} else {
				attributes.ResourceUsage = typed.GetInstantResourceUsage()
			}
			for _, child := range typed.SchedulableChildren() {
				fill(child)
			}
		}
	}
	fill(root)
	return list
}

// DynamicAttributesManager maintains the dynamic attributes of one heartbeat. Every change of an
// operation is propagated to its ancestors so that BestLeafDescendant of the root is always the
// next operation to schedule.
type DynamicAttributesManager struct {
	attributes                 DynamicAttributesList
	childHeaps                 map[int]*ChildHeap
	compositeDeactivationCount int
}

func NewDynamicAttributesManager(attributes DynamicAttributesList) *DynamicAttributesManager {
	return &DynamicAttributesManager{
		attributes: attributes,
		childHeaps: make(map[int]*ChildHeap),
	}
}

func (m *DynamicAttributesManager) SetAttributesList(attributes DynamicAttributesList) {
	m.attributes = attributes
	m.childHeaps = make(map[int]*ChildHeap)
}

// AttributesOf returns the attributes of a schedulable element, anything else is a contract violation.
func (m *DynamicAttributesManager) AttributesOf(e objects.Element) *DynamicAttributes {
	return &m.attributes[e.GetTreeIndex()]
}

func (m *DynamicAttributesManager) IsActive(e objects.Element) bool {
	return m.AttributesOf(e).Active
}

func (m *DynamicAttributesManager) GetChildHeap(c objects.Composite) *ChildHeap {
	return m.childHeaps[c.GetTreeIndex()]
}

// GetCompositeElementDeactivationCount counts the composites that lost their last active child.
func (m *DynamicAttributesManager) GetCompositeElementDeactivationCount() int {
	return m.compositeDeactivationCount
}

// Clear resets activeness and the heaps, the usage is kept.
func (m *DynamicAttributesManager) Clear() {
	for i := range m.attributes {
		m.attributes[i].Active = false
		m.attributes[i].BestLeafDescendant = nil
	}
	m.childHeaps = make(map[int]*ChildHeap)
	m.compositeDeactivationCount = 0
}

// InitializeAttributesAtComposite must run after all schedulable children were initialized.
func (m *DynamicAttributesManager) InitializeAttributesAtComposite(c objects.Composite, useChildHeap bool) {
	if useChildHeap {
		m.childHeaps[c.GetTreeIndex()] = NewChildHeap(c, m)
	} else {
		delete(m.childHeaps, c.GetTreeIndex())
	}
	m.updateAttributesAtComposite(c)
}

func (m *DynamicAttributesManager) InitializeAttributesAtOperation(op *objects.Operation, isActive bool) {
	attributes := m.AttributesOf(op)
	attributes.Active = isActive
	if isActive {
		m.updateAttributesAtOperation(op)
	}
}

func (m *DynamicAttributesManager) ActivateOperation(op *objects.Operation) {
	m.AttributesOf(op).Active = true
	m.UpdateAttributesHierarchically(op, resources.Zero)
}

func (m *DynamicAttributesManager) DeactivateOperation(op *objects.Operation) {
	m.AttributesOf(op).Active = false
	m.UpdateAttributesHierarchically(op, resources.Zero)
}

// UpdateOperationResourceUsage rereads the live usage of the operation, a dead operation has none.
func (m *DynamicAttributesManager) UpdateOperationResourceUsage(op *objects.Operation, now time.Time) {
	attributes := m.AttributesOf(op)
	alive := op.IsAlive()
	usage := resources.Zero
	if alive {
		usage = op.GetInstantResourceUsage()
	}
	delta := usage.Sub(attributes.ResourceUsage)
	attributes.ResourceUsage = usage
	attributes.ResourceUsageUpdateTime = now
	attributes.Alive = alive
	m.UpdateAttributesHierarchically(op, delta)
}

// UpdateAttributesHierarchically adds the usage delta to all ancestors and recomputes the attributes
// on the path to the root.
func (m *DynamicAttributesManager) UpdateAttributesHierarchically(op *objects.Operation, delta resources.JobResources) {
	m.updateAttributes(op)
	for ancestor := op.GetParent(); ancestor != nil; ancestor = ancestor.GetParent() {
		attributes := m.AttributesOf(ancestor)
		attributes.ResourceUsage = attributes.ResourceUsage.Add(delta)
		m.updateAttributes(ancestor)
	}
}

func (m *DynamicAttributesManager) updateAttributes(e objects.Element) {
	switch typed := e.(type) {
	case *objects.Operation:
		m.updateAttributesAtOperation(typed)
	case objects.Composite:
		m.updateAttributesAtComposite(typed)
	}
	if parent := e.GetParent(); parent != nil {
		if h := m.childHeaps[parent.GetTreeIndex()]; h != nil {
			h.Update(e)
		}
	}
}

func (m *DynamicAttributesManager) updateAttributesAtOperation(op *objects.Operation) {
	attributes := m.AttributesOf(op)
	attributes.LocalSatisfactionRatio = op.ComputeLocalSatisfactionRatio(attributes.ResourceUsage)
	attributes.SatisfactionRatio = attributes.LocalSatisfactionRatio
	attributes.BestLeafDescendant = op
}

// updateAttributesAtComposite starts from the local ratio so a composite whose children all
// left scheduling still has a meaningful ratio.
func (m *DynamicAttributesManager) updateAttributesAtComposite(c objects.Composite) {
	attributes := m.AttributesOf(c)
	attributes.LocalSatisfactionRatio = c.ComputeLocalSatisfactionRatio(attributes.ResourceUsage)
	attributes.SatisfactionRatio = attributes.LocalSatisfactionRatio
	best := m.bestActiveChild(c)
	if best == nil {
		if attributes.Active {
			m.compositeDeactivationCount++
		}
		attributes.Active = false
		attributes.BestLeafDescendant = nil
		return
	}
	bestAttributes := m.AttributesOf(best)
	attributes.Active = true
	attributes.BestLeafDescendant = bestAttributes.BestLeafDescendant
	attributes.SatisfactionRatio = math.Min(attributes.SatisfactionRatio, bestAttributes.SatisfactionRatio)
}

func (m *DynamicAttributesManager) bestActiveChild(c objects.Composite) objects.Element {
	if h := m.childHeaps[c.GetTreeIndex()]; h != nil {
		top := h.GetTop()
		if top != nil && m.IsActive(top) {
			return top
		}
		return nil
	}
	var best objects.Element
	for _, child := range c.SchedulableChildren() {
		if !m.IsActive(child) {
			continue
		}
		if c.GetMode() == configs.ModeFifo {
			return child
		}
		if best == nil || m.AttributesOf(child).SatisfactionRatio < m.AttributesOf(best).SatisfactionRatio {
			best = child
		}
	}
	return best
}
