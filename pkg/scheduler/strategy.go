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

	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/fairshare-scheduler/fairshare-core/pkg/common/configs"
	"github.com/fairshare-scheduler/fairshare-core/pkg/locking"
	"github.com/fairshare-scheduler/fairshare-core/pkg/log"
	"github.com/fairshare-scheduler/fairshare-core/pkg/scheduler/objects"
	"github.com/fairshare-scheduler/fairshare-core/pkg/trace"
	"github.com/fairshare-scheduler/fairshare-core/pkg/webservice/dao"
)

var (
	ErrTreeNotFound       = errors.New("tree not found")
	ErrNodeInMultipleTree = errors.New("node matches more than one tree")
)

// FairShareStrategy holds the pool trees of a cluster, each node belongs to the single tree
// whose nodes filter it matches.
type FairShareStrategy struct {
	host    objects.StrategyHost
	updater FairShareUpdater
	trees   map[string]*FairShareTree
	filters map[string]configs.SchedulingTagFilter
	started bool

	lastHealthCheckResult *dao.SchedulerHealthDAOInfo

	locking.RWMutex
}

func NewFairShareStrategy(host objects.StrategyHost, updater FairShareUpdater) *FairShareStrategy {
	return &FairShareStrategy{
		host:    host,
		updater: updater,
		trees:   make(map[string]*FairShareTree),
		filters: make(map[string]configs.SchedulingTagFilter),
	}
}

// AddTree creates a tree from the configuration, it is started if the strategy is running.
func (s *FairShareStrategy) AddTree(conf *configs.TreeConfig) (*FairShareTree, error) {
	filter, err := configs.ParseSchedulingTagFilter(conf.NodesFilter)
	if err != nil {
		return nil, fmt.Errorf("tree %s nodes filter: %w", conf.Name, err)
	}
	s.Lock()
	defer s.Unlock()
	if _, ok := s.trees[conf.Name]; ok {
		return nil, fmt.Errorf("%w: tree %s", ErrDuplicateElement, conf.Name)
	}
	tree, err := NewFairShareTree(conf, s.host, s.updater)
	if err != nil {
		return nil, err
	}
	s.trees[conf.Name] = tree
	s.filters[conf.Name] = filter
	if s.started {
		tree.Start()
	}
	return tree, nil
}

// ReloadTreeConfig applies the configuration to the tree with the same name, an unknown tree is added.
func (s *FairShareStrategy) ReloadTreeConfig(conf *configs.TreeConfig) error {
	tree := s.GetTree(conf.Name)
	if tree == nil {
		_, err := s.AddTree(conf)
		return err
	}
	filter, err := configs.ParseSchedulingTagFilter(conf.NodesFilter)
	if err != nil {
		return fmt.Errorf("tree %s nodes filter: %w", conf.Name, err)
	}
	if err = tree.ReloadTreeConfig(conf); err != nil {
		return err
	}
	s.Lock()
	s.filters[conf.Name] = filter
	s.Unlock()
	return nil
}

// RemoveTree stops the background work of the tree and forgets it.
func (s *FairShareStrategy) RemoveTree(treeID string) error {
	s.Lock()
	defer s.Unlock()
	tree, ok := s.trees[treeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTreeNotFound, treeID)
	}
	tree.Stop()
	delete(s.trees, treeID)
	delete(s.filters, treeID)
	log.Log(log.Tree).Info("tree removed",
		zap.String("treeID", treeID))
	return nil
}

func (s *FairShareStrategy) GetTree(treeID string) *FairShareTree {
	s.RLock()
	defer s.RUnlock()
	return s.trees[treeID]
}

func (s *FairShareStrategy) GetTreeMapClone() map[string]*FairShareTree {
	s.RLock()
	defer s.RUnlock()
	return maps.Clone(s.trees)
}

// GetTreeIDs returns the tree names in sorted order.
func (s *FairShareStrategy) GetTreeIDs() []string {
	s.RLock()
	defer s.RUnlock()
	ids := maps.Keys(s.trees)
	slices.Sort(ids)
	return ids
}

// FindTreeForNode returns the tree whose nodes filter matches the tags, nil if none does.
func (s *FairShareStrategy) FindTreeForNode(tags map[string]bool) (*FairShareTree, error) {
	s.RLock()
	defer s.RUnlock()
	var found *FairShareTree
	for id, filter := range s.filters {
		if !filter.CanSchedule(tags) {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("%w: %s and %s", ErrNodeInMultipleTree, found.GetTreeID(), id)
		}
		found = s.trees[id]
	}
	return found, nil
}

// ProcessSchedulingHeartbeat routes the heartbeat to the tree of the node. A node without a tree
// is not an error, nothing is scheduled on it.
func (s *FairShareStrategy) ProcessSchedulingHeartbeat(ctx context.Context, sc objects.SchedulingContext, traceCtx trace.SchedulerTraceContext) (*SchedulingStatistics, error) {
	tree, err := s.FindTreeForNode(sc.NodeTags())
	if err != nil {
		log.Log(log.Scheduling).Warn("heartbeat skipped",
			zap.String("nodeID", sc.NodeID()),
			zap.Error(err))
		return nil, err
	}
	if tree == nil {
		return nil, nil
	}
	return tree.ProcessSchedulingHeartbeat(ctx, sc, traceCtx)
}

// Start runs the background updates of all trees, trees added later start on add.
func (s *FairShareStrategy) Start() {
	s.Lock()
	defer s.Unlock()
	if s.started {
		return
	}
	s.started = true
	for _, tree := range s.trees {
		tree.Start()
	}
}

func (s *FairShareStrategy) Stop() {
	s.Lock()
	defer s.Unlock()
	s.started = false
	for _, tree := range s.trees {
		tree.Stop()
	}
}

func (s *FairShareStrategy) GetLastHealthCheckResult() *dao.SchedulerHealthDAOInfo {
	s.RLock()
	defer s.RUnlock()
	return s.lastHealthCheckResult
}

func (s *FairShareStrategy) SetLastHealthCheckResult(result *dao.SchedulerHealthDAOInfo) {
	s.Lock()
	defer s.Unlock()
	s.lastHealthCheckResult = result
}
