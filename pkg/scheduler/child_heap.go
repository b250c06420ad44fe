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
	"container/heap"

	"github.com/fairshare-scheduler/fairshare-core/pkg/common/configs"
	"github.com/fairshare-scheduler/fairshare-core/pkg/scheduler/objects"
)

var _ heap.Interface = &ChildHeap{}

// ChildHeap keeps the schedulable children of a large composite ordered by the scheduling
// comparator of the composite: active children first, then FIFO order or lowest satisfaction ratio.
// The position of every child is tracked so a single child can be fixed after its attributes change.
type ChildHeap struct {
	owner     objects.Composite
	manager   *DynamicAttributesManager
	fifo      bool
	fifoOrder map[int]int
	children  []objects.Element
	positions map[int]int
}

func NewChildHeap(owner objects.Composite, manager *DynamicAttributesManager) *ChildHeap {
	schedulable := owner.SchedulableChildren()
	h := &ChildHeap{
		owner:     owner,
		manager:   manager,
		fifo:      owner.GetMode() == configs.ModeFifo,
		children:  append([]objects.Element(nil), schedulable...),
		positions: make(map[int]int, len(schedulable)),
	}
	if h.fifo {
		h.fifoOrder = make(map[int]int, len(schedulable))
	}
	for i, child := range schedulable {
		h.positions[child.GetTreeIndex()] = i
		if h.fifo {
			h.fifoOrder[child.GetTreeIndex()] = i
		}
	}
	heap.Init(h)
	return h
}

// GetTop returns the best child, which is only usable if it is active.
func (h *ChildHeap) GetTop() objects.Element {
	if len(h.children) == 0 {
		return nil
	}
	return h.children[0]
}

// Update restores the heap order after the attributes of the child changed.
func (h *ChildHeap) Update(child objects.Element) {
	if pos, ok := h.positions[child.GetTreeIndex()]; ok {
		heap.Fix(h, pos)
	}
}

// GetChildren returns the children in heap order.
func (h *ChildHeap) GetChildren() []objects.Element {
	return h.children
}

func (h *ChildHeap) Len() int {
	return len(h.children)
}

func (h *ChildHeap) Less(i, j int) bool {
	lhs := h.manager.AttributesOf(h.children[i])
	rhs := h.manager.AttributesOf(h.children[j])
	if lhs.Active != rhs.Active {
		return lhs.Active
	}
	if h.fifo {
		return h.fifoOrder[h.children[i].GetTreeIndex()] < h.fifoOrder[h.children[j].GetTreeIndex()]
	}
	return lhs.SatisfactionRatio < rhs.SatisfactionRatio
}

func (h *ChildHeap) Swap(i, j int) {
	h.children[i], h.children[j] = h.children[j], h.children[i]
	h.positions[h.children[i].GetTreeIndex()] = i
	h.positions[h.children[j].GetTreeIndex()] = j
}

func (h *ChildHeap) Push(x any) {
	child := x.(objects.Element) //nolint:errcheck
	h.positions[child.GetTreeIndex()] = len(h.children)
	h.children = append(h.children, child)
}

func (h *ChildHeap) Pop() any {
	last := len(h.children) - 1
	child := h.children[last]
	h.children = h.children[:last]
	delete(h.positions, child.GetTreeIndex())
	return child
}
