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

package mock

import (
	"time"

	"github.com/fairshare-scheduler/fairshare-core/pkg/common/configs"
	"github.com/fairshare-scheduler/fairshare-core/pkg/common/resources"
	"github.com/fairshare-scheduler/fairshare-core/pkg/locking"
)

type node struct {
	tags   map[string]bool
	limits resources.JobResources
}

// StrategyHost is a cluster of nodes, the resource limits of a filter are the sum of the matching nodes.
type StrategyHost struct {
	nodes       map[string]node
	connectedAt time.Time
	shardCount  int

	locking.RWMutex
}

func NewStrategyHost(shardCount int, connectedAt time.Time) *StrategyHost {
	return &StrategyHost{
		nodes:       make(map[string]node),
		connectedAt: connectedAt,
		shardCount:  shardCount,
	}
}

func (h *StrategyHost) AddNode(id string, tags map[string]bool, limits resources.JobResources) {
	h.Lock()
	defer h.Unlock()
	h.nodes[id] = node{tags: tags, limits: limits}
}

func (h *StrategyHost) RemoveNode(id string) {
	h.Lock()
	defer h.Unlock()
	delete(h.nodes, id)
}

func (h *StrategyHost) GetResourceLimits(filter configs.SchedulingTagFilter) resources.JobResources {
	h.RLock()
	defer h.RUnlock()
	total := resources.Zero
	for _, n := range h.nodes {
		if filter.CanSchedule(n.tags) {
			total = total.Add(n.limits)
		}
	}
	return total
}

func (h *StrategyHost) GetConnectionTime() time.Time {
	return h.connectedAt
}

func (h *StrategyHost) GetNodeShardCount() int {
	return h.shardCount
}
