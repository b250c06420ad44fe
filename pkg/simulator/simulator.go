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
package simulator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fairshare-scheduler/fairshare-core/pkg/common/configs"
	"github.com/fairshare-scheduler/fairshare-core/pkg/locking"
	"github.com/fairshare-scheduler/fairshare-core/pkg/log"
	"github.com/fairshare-scheduler/fairshare-core/pkg/mock"
	"github.com/fairshare-scheduler/fairshare-core/pkg/scheduler"
	"github.com/fairshare-scheduler/fairshare-core/pkg/scheduler/hdrf"
	"github.com/fairshare-scheduler/fairshare-core/pkg/scheduler/objects"
	"github.com/fairshare-scheduler/fairshare-core/pkg/trace"
)

// Statistics are the totals of one simulation run.
type Statistics struct {
	Heartbeats          int
	FairShareUpdates    int
	StartedJobs         int
	PreemptedJobs       int
	FinishedJobs        int
	FinishedOperations  int
	HeartbeatErrors     int
	StartedByPreemption int
}

func (s Statistics) String() string {
	return fmt.Sprintf("heartbeats=%d updates=%d started=%d (with preemption %d) preempted=%d finished=%d operations finished=%d errors=%d",
		s.Heartbeats, s.FairShareUpdates, s.StartedJobs, s.StartedByPreemption, s.PreemptedJobs, s.FinishedJobs,
		s.FinishedOperations, s.HeartbeatErrors)
}

type runningJob struct {
	job      *objects.Job
	finishAt time.Time
}

type simNode struct {
	descriptor objects.NodeDescriptor
	jobs       map[string]*runningJob
}

type simOperation struct {
	operationSpec
	controller *mock.Controller
	tree       *scheduler.FairShareTree
	running    int
	registered bool
	done       bool
}

// Simulator replays a workload against a fair share strategy on a simulated clock.
// Heartbeats of the nodes in one shard are processed in order, the shards run concurrently.
type Simulator struct {
	workload   *Workload
	strategy   *scheduler.FairShareStrategy
	host       *mock.StrategyHost
	shards     [][]*simNode
	operations []*simOperation
	byID       map[string]*simOperation
	tracer     trace.SchedulerTracer
	rand       *rand.Rand
	start      time.Time
	now        time.Time
	nextUpdate time.Time
	pace       time.Duration
	stats      Statistics

	locking.Mutex
}

// NewSimulator creates the strategy with one tree per config and the nodes of the workload.
func NewSimulator(workload *Workload, treeConfigs []*configs.TreeConfig, start time.Time) (*Simulator, error) {
	if len(treeConfigs) == 0 {
		return nil, fmt.Errorf("no tree configuration")
	}
	shardCount := treeConfigs[0].NodeShardCount
	if shardCount <= 0 {
		shardCount = 1
	}
	host := mock.NewStrategyHost(shardCount, start)
	s := &Simulator{
		workload:   workload,
		host:       host,
		strategy:   scheduler.NewFairShareStrategy(host, hdrf.NewUpdater()),
		shards:     make([][]*simNode, shardCount),
		byID:       make(map[string]*simOperation),
		rand:       rand.New(rand.NewSource(workload.Seed)),
		start:      start,
		now:        start,
		nextUpdate: start,
	}
	for _, conf := range treeConfigs {
		if _, err := s.strategy.AddTree(conf); err != nil {
			return nil, err
		}
	}
	for _, spec := range workload.nodeDescriptors(shardCount) {
		host.AddNode(spec.id, spec.tags, spec.limits)
		node := &simNode{
			descriptor: objects.NodeDescriptor{
				ID:                spec.id,
				ShardID:           spec.shardID,
				Tags:              spec.tags,
				ResourceLimits:    spec.limits,
				SchedulingSegment: spec.segment,
			},
			jobs: make(map[string]*runningJob),
		}
		s.shards[spec.shardID] = append(s.shards[spec.shardID], node)
	}
	for _, spec := range workload.operationSpecs() {
		if _, ok := s.byID[spec.id]; ok {
			return nil, fmt.Errorf("duplicate operation %s", spec.id)
		}
		op := &simOperation{operationSpec: spec, controller: mock.NewController(spec.jobs, spec.shape)}
		s.operations = append(s.operations, op)
		s.byID[spec.id] = op
	}
	return s, nil
}

// SetTracer traces every heartbeat with a context of the tracer.
func (s *Simulator) SetTracer(tracer trace.SchedulerTracer) {
	s.tracer = tracer
}

// SetPace sleeps between two simulated heartbeat rounds.
func (s *Simulator) SetPace(pace time.Duration) {
	s.pace = pace
}

func (s *Simulator) GetStrategy() *scheduler.FairShareStrategy {
	return s.strategy
}

func (s *Simulator) GetStatistics() Statistics {
	s.Lock()
	defer s.Unlock()
	return s.stats
}

// Run advances the clock by the heartbeat period until the workload duration has passed,
// all operations finished, or the context is cancelled.
func (s *Simulator) Run(ctx context.Context) (Statistics, error) {
	end := s.start.Add(s.workload.Duration)
	for ; s.now.Before(end); s.now = s.now.Add(s.workload.HeartbeatPeriod) {
		select {
		case <-ctx.Done():
			return s.GetStatistics(), ctx.Err()
		default:
		}
		if err := s.Step(ctx); err != nil {
			return s.GetStatistics(), err
		}
		if s.allOperationsDone() {
			log.Log(log.Simulator).Info("all operations finished",
				zap.Duration("simulated", s.now.Sub(s.start)))
			break
		}
		if s.pace > 0 {
			select {
			case <-ctx.Done():
				return s.GetStatistics(), ctx.Err()
			case <-time.After(s.pace):
			}
		}
	}
	return s.GetStatistics(), nil
}

// Step runs one round at the current simulated time: submissions, job completions,
// a fair share update when it is due, and one heartbeat per node.
func (s *Simulator) Step(ctx context.Context) error {
	if err := s.submitOperations(); err != nil {
		return err
	}
	s.finishJobs()
	if !s.now.Before(s.nextUpdate) {
		if err := s.updateFairShare(); err != nil {
			return err
		}
	}
	var wg sync.WaitGroup
	for _, shard := range s.shards {
		wg.Add(1)
		go func(nodes []*simNode) {
			defer wg.Done()
			for _, node := range nodes {
				s.heartbeat(ctx, node)
			}
		}(shard)
	}
	wg.Wait()
	s.unregisterFinishedOperations()
	return nil
}

func (s *Simulator) submitOperations() error {
	for _, op := range s.operations {
		if op.registered || s.now.Before(s.start.Add(op.start)) {
			continue
		}
		tree := s.treeForPool(op.spec.Pool)
		if tree == nil {
			return fmt.Errorf("no tree has pool %q for operation %s", op.spec.Pool, op.id)
		}
		if err := tree.RegisterOperation(op.id, op.spec, op.controller, s.now); err != nil {
			return err
		}
		if err := tree.EnableOperation(op.id, s.now); err != nil {
			return err
		}
		op.tree = tree
		op.registered = true
		log.Log(log.Simulator).Debug("operation submitted",
			zap.String("operationID", op.id),
			zap.String("treeID", tree.GetTreeID()),
			zap.Int("jobs", op.jobs))
	}
	return nil
}

// treeForPool picks the first tree that has the pool, operations without a pool go to the first tree.
func (s *Simulator) treeForPool(pool string) *scheduler.FairShareTree {
	for _, id := range s.strategy.GetTreeIDs() {
		tree := s.strategy.GetTree(id)
		if tree == nil {
			continue
		}
		if pool == "" || pool == configs.RootPoolName || tree.GetConfig().FindPool(pool) != nil {
			return tree
		}
	}
	return nil
}

func (s *Simulator) updateFairShare() error {
	for _, id := range s.strategy.GetTreeIDs() {
		tree := s.strategy.GetTree(id)
		if tree == nil {
			continue
		}
		if _, err := tree.UpdateFairShare(s.now); err != nil {
			return err
		}
	}
	period := configs.DefaultFairShareUpdatePeriod
	if ids := s.strategy.GetTreeIDs(); len(ids) > 0 {
		if tree := s.strategy.GetTree(ids[0]); tree != nil && tree.GetConfig().FairShareUpdatePeriod > 0 {
			period = tree.GetConfig().FairShareUpdatePeriod
		}
	}
	s.nextUpdate = s.now.Add(period)
	s.Lock()
	s.stats.FairShareUpdates++
	s.Unlock()
	return nil
}

func (s *Simulator) finishJobs() {
	updates := make(map[*scheduler.FairShareTree][]scheduler.JobUpdate)
	for _, shard := range s.shards {
		for _, node := range shard {
			for id, rj := range node.jobs {
				if s.now.Before(rj.finishAt) {
					continue
				}
				delete(node.jobs, id)
				op := s.byID[rj.job.OperationID]
				if op == nil || op.tree == nil {
					continue
				}
				updates[op.tree] = append(updates[op.tree], scheduler.JobUpdate{
					OperationID: op.id,
					JobID:       id,
					Finished:    true,
				})
				op.controller.OnJobFinished(false)
				op.running--
				s.stats.FinishedJobs++
			}
		}
	}
	for tree, list := range updates {
		tree.ProcessJobUpdates(list)
	}
}

func (s *Simulator) heartbeat(ctx context.Context, node *simNode) {
	running := make([]*objects.Job, 0, len(node.jobs))
	for _, rj := range node.jobs {
		running = append(running, rj.job)
	}
	sc := objects.NewNodeSchedulingContext(node.descriptor, running, s.now)
	var traceCtx trace.SchedulerTraceContext
	if s.tracer != nil {
		traceCtx = s.tracer.NewTraceContext()
	}
	statistics, err := s.strategy.ProcessSchedulingHeartbeat(ctx, sc, traceCtx)

	s.Lock()
	defer s.Unlock()
	s.stats.Heartbeats++
	if err != nil {
		s.stats.HeartbeatErrors++
		log.Log(log.Simulator).Warn("heartbeat failed",
			zap.String("nodeID", node.descriptor.ID),
			zap.Error(err))
		return
	}
	if statistics != nil {
		s.stats.StartedByPreemption += statistics.ScheduledDuringPreemption
	}
	var finished []scheduler.JobUpdate
	var tree *scheduler.FairShareTree
	for _, job := range sc.PreemptedJobs() {
		if _, ok := node.jobs[job.ID]; !ok {
			continue
		}
		delete(node.jobs, job.ID)
		s.stats.PreemptedJobs++
		if op := s.byID[job.OperationID]; op != nil && op.tree != nil {
			op.controller.OnJobFinished(true)
			op.running--
			tree = op.tree
			finished = append(finished, scheduler.JobUpdate{OperationID: op.id, JobID: job.ID, Finished: true})
		}
	}
	for _, job := range sc.StartedJobs() {
		op := s.byID[job.OperationID]
		duration := time.Minute
		if op != nil {
			duration = op.jobDuration
			op.running++
		}
		// between half and one and a half of the nominal duration
		jitter := time.Duration(s.rand.Int63n(int64(duration) + 1))
		node.jobs[job.ID] = &runningJob{job: job, finishAt: s.now.Add(duration/2 + jitter)}
		s.stats.StartedJobs++
	}
	if tree != nil {
		tree.ProcessJobUpdates(finished)
	}
}

func (s *Simulator) unregisterFinishedOperations() {
	for _, op := range s.operations {
		if !op.registered || op.done || op.running > 0 || op.controller.GetPendingJobCount() > 0 {
			continue
		}
		if err := op.tree.UnregisterOperation(op.id); err != nil {
			log.Log(log.Simulator).Warn("failed to unregister finished operation",
				zap.String("operationID", op.id),
				zap.Error(err))
			continue
		}
		op.done = true
		s.stats.FinishedOperations++
		log.Log(log.Simulator).Info("operation finished",
			zap.String("operationID", op.id),
			zap.Duration("simulated", s.now.Sub(s.start)))
	}
}

func (s *Simulator) allOperationsDone() bool {
	for _, op := range s.operations {
		if !op.done {
			return false
		}
	}
	return len(s.operations) > 0
}
