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
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/fairshare-scheduler/fairshare-core/pkg/common/configs"
	"github.com/fairshare-scheduler/fairshare-core/pkg/mock"
	"github.com/fairshare-scheduler/fairshare-core/pkg/scheduler/hdrf"
	"github.com/fairshare-scheduler/fairshare-core/pkg/scheduler/objects"
)

func newTestStrategy(t *testing.T) *FairShareStrategy {
	host := mock.NewStrategyHost(configs.DefaultNodeShardCount, testStart.Add(-time.Hour))
	host.AddNode("gpu-1", map[string]bool{"gpu": true}, nodeSize)
	host.AddNode(nodeID1, nil, nodeSize)
	s := NewFairShareStrategy(host, hdrf.NewUpdater())

	cpu := newTestTreeConfig()
	cpu.NodesFilter = "!gpu"
	_, err := s.AddTree(cpu)
	assert.NilError(t, err)
	gpu := newTestTreeConfig()
	gpu.Name = "gpu"
	gpu.NodesFilter = "gpu"
	_, err = s.AddTree(gpu)
	assert.NilError(t, err)
	return s
}

func TestStrategyTrees(t *testing.T) {
	s := newTestStrategy(t)
	assert.DeepEqual(t, []string{treeID, "gpu"}, s.GetTreeIDs())
	assert.Equal(t, 2, len(s.GetTreeMapClone()))

	_, err := s.AddTree(newTestTreeConfig())
	assert.ErrorContains(t, err, ErrDuplicateElement.Error())

	tree, err := s.FindTreeForNode(map[string]bool{"gpu": true})
	assert.NilError(t, err)
	assert.Equal(t, "gpu", tree.GetTreeID())
	tree, err = s.FindTreeForNode(nil)
	assert.NilError(t, err)
	assert.Equal(t, treeID, tree.GetTreeID())

	assert.NilError(t, s.RemoveTree("gpu"))
	assert.ErrorContains(t, s.RemoveTree("gpu"), ErrTreeNotFound.Error())
	assert.Assert(t, s.GetTree("gpu") == nil)
	tree, err = s.FindTreeForNode(map[string]bool{"gpu": true})
	assert.NilError(t, err)
	assert.Assert(t, tree == nil)
}

func TestStrategyNodeInTwoTrees(t *testing.T) {
	s := newTestStrategy(t)
	conf := configs.NewDefaultTreeConfig("gpu")
	conf.Pools = []configs.PoolConfig{*configs.NewDefaultPoolConfig(poolA)}
	assert.NilError(t, s.ReloadTreeConfig(conf))

	// the gpu tree has no nodes filter anymore, it overlaps the cpu tree
	_, err := s.FindTreeForNode(nil)
	assert.ErrorContains(t, err, ErrNodeInMultipleTree.Error())
	tree, err := s.FindTreeForNode(map[string]bool{"gpu": true})
	assert.NilError(t, err)
	assert.Equal(t, "gpu", tree.GetTreeID())
}

func TestStrategyRoutesHeartbeat(t *testing.T) {
	s := newTestStrategy(t)
	tree := s.GetTree("gpu")
	addOperation(t, tree, opID1, poolA, 1, smallJob, testStart)
	updateTree(t, tree, testStart)
	updateTree(t, s.GetTree(treeID), testStart)

	cpuNode := newNodeContext(nodeSize, nil, testStart)
	statistics, err := s.ProcessSchedulingHeartbeat(context.Background(), cpuNode, nil)
	assert.NilError(t, err)
	assert.Equal(t, 0, len(cpuNode.StartedJobs()))
	assert.Assert(t, statistics != nil)

	gpuNode := objects.NewNodeSchedulingContext(objects.NodeDescriptor{
		ID:             "gpu-1",
		Tags:           map[string]bool{"gpu": true},
		ResourceLimits: nodeSize,
	}, nil, testStart)
	_, err = s.ProcessSchedulingHeartbeat(context.Background(), gpuNode, nil)
	assert.NilError(t, err)
	assert.Equal(t, 1, len(gpuNode.StartedJobs()))
	assert.Equal(t, "gpu", gpuNode.StartedJobs()[0].TreeID)
}
