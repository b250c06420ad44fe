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
	"math/bits"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/fairshare-scheduler/fairshare-core/pkg/common/configs"
	"github.com/fairshare-scheduler/fairshare-core/pkg/log"
	"github.com/fairshare-scheduler/fairshare-core/pkg/scheduler/objects"
)

// SchedulingIndexProfilingRangeCount caps the power of two buckets of the scheduling index metric.
const SchedulingIndexProfilingRangeCount = 12

const UndefinedSchedulingIndex = -1

// TreeSnapshot is the immutable result of one fair share update together with the operation
// state the heartbeats need. Heartbeats of all node shards share one snapshot.
type TreeSnapshot struct {
	ID                   string
	TreeID               string
	Root                 *objects.Root
	TreeConfig           *configs.TreeConfig
	SchedulingTagFilters []configs.SchedulingTagFilter
	BuildTime            time.Time

	ssdPriorityPreemptionEnabled bool
	ssdNodeTagFilter             configs.SchedulingTagFilter
	ssdMedia                     map[int]bool

	sharedStates          map[string]*OperationSharedState
	schedulingIndexes     map[string]int
	jobPreemptionStatuses map[string]map[string]objects.JobPreemptionStatus
}

func newTreeSnapshot(root *objects.Root, treeConfig *configs.TreeConfig, tagFilters []configs.SchedulingTagFilter, now time.Time) *TreeSnapshot {
	ts := &TreeSnapshot{
		ID:                    uuid.NewString(),
		TreeID:                root.GetTreeID(),
		Root:                  root,
		TreeConfig:            treeConfig,
		SchedulingTagFilters:  tagFilters,
		BuildTime:             now,
		ssdMedia:              make(map[int]bool),
		sharedStates:          make(map[string]*OperationSharedState),
		jobPreemptionStatuses: make(map[string]map[string]objects.JobPreemptionStatus),
	}
	ssd := treeConfig.SsdPriorityPreemption
	if ssd.Enable {
		filter, err := configs.ParseSchedulingTagFilter(ssd.NodeTagFilter)
		if err != nil {
			log.Log(log.Tree).Warn("SSD priority preemption disabled, node tag filter is invalid",
				zap.String("treeID", ts.TreeID),
				zap.String("filter", ssd.NodeTagFilter),
				zap.Error(err))
		} else {
			ts.ssdPriorityPreemptionEnabled = true
			ts.ssdNodeTagFilter = filter
			for _, medium := range ssd.Media {
				ts.ssdMedia[medium] = true
			}
		}
	}
	ts.schedulingIndexes = computeSchedulingIndexes(root, treeConfig, now)
	return ts
}

func (ts *TreeSnapshot) GetOperationSharedState(operationID string) *OperationSharedState {
	return ts.sharedStates[operationID]
}

func (ts *TreeSnapshot) FindEnabledOperation(operationID string) *objects.Operation {
	return ts.Root.FindEnabledOperation(operationID)
}

// GetSchedulingIndex is the position of the operation in the order the tree would schedule it
// at the time of the update.
func (ts *TreeSnapshot) GetSchedulingIndex(operationID string) int {
	if index, ok := ts.schedulingIndexes[operationID]; ok {
		return index
	}
	return UndefinedSchedulingIndex
}

// GetCachedJobPreemptionStatuses returns the statuses of the running jobs at snapshot build time.
func (ts *TreeSnapshot) GetCachedJobPreemptionStatuses(operationID string) map[string]objects.JobPreemptionStatus {
	return ts.jobPreemptionStatuses[operationID]
}

func (ts *TreeSnapshot) IsSsdPriorityPreemptionEnabled() bool {
	return ts.ssdPriorityPreemptionEnabled
}

func (ts *TreeSnapshot) IsSsdNode(sc objects.SchedulingContext) bool {
	return ts.ssdPriorityPreemptionEnabled && ts.ssdNodeTagFilter.CanSchedule(sc.NodeTags())
}

// IsEligibleForSsdPriorityPreemption is true if the pending jobs request one of the SSD media.
func (ts *TreeSnapshot) IsEligibleForSsdPriorityPreemption(op *objects.Operation) bool {
	if !ts.ssdPriorityPreemptionEnabled {
		return false
	}
	return slices.IndexFunc(op.GetDiskRequestMedia(), func(medium int) bool {
		return ts.ssdMedia[medium]
	}) >= 0
}

// computeSchedulingIndexes replays the selection of a heartbeat with unlimited resources on the
// usage at update: the operation picked first gets index 0.
func computeSchedulingIndexes(root *objects.Root, treeConfig *configs.TreeConfig, now time.Time) map[string]int {
	indexes := make(map[string]int)
	list := BuildDynamicAttributesList(root, nil, now)
	for i := range list {
		if e := root.GetElementByTreeIndex(i); e != nil {
			list[i].ResourceUsage = e.GetResourceUsageAtUpdate()
		}
	}
	manager := NewDynamicAttributesManager(list)
	var initialize func(c objects.Composite)
	initialize = func(c objects.Composite) {
		children := c.SchedulableChildren()
		for _, child := range children {
			switch typed := child.(type) {
			case *objects.Operation:
				manager.InitializeAttributesAtOperation(typed, true)
			case objects.Composite:
				initialize(typed)
			}
		}
		manager.InitializeAttributesAtComposite(c, len(children) >= treeConfig.MinChildHeapSize)
	}
	if root.GetTreeSize() == 0 {
		return indexes
	}
	initialize(root)
	for {
		best := manager.AttributesOf(root).BestLeafDescendant
		if best == nil || !manager.IsActive(root) {
			break
		}
		indexes[best.GetOperationID()] = len(indexes)
		manager.DeactivateOperation(best)
	}
	return indexes
}

// schedulingIndexBucket groups indexes into power of two ranges.
func schedulingIndexBucket(index int) int {
	if index < 0 {
		return 0
	}
	bucket := bits.Len(uint(index))
	if bucket > SchedulingIndexProfilingRangeCount {
		bucket = SchedulingIndexProfilingRangeCount
	}
	return bucket
}
