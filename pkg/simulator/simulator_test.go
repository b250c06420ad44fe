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
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/fairshare-scheduler/fairshare-core/pkg/common/configs"
)

var testStart = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

const smallWorkload = `
name: small
seed: 7
heartbeatperiod: 1s
duration: 1m
nodes:
  - name: node
    count: 2
    resources:
      cpu: "4"
      memory: "16"
      user_slots: "4"
operations:
  - name: batch
    count: 2
    pool: a
    jobs: 6
    jobduration: 3s
    resources:
      cpu: "1"
      user_slots: "1"
  - name: late
    start: 5s
    jobs: 2
    jobduration: 4s
    resources:
      cpu: "2"
      user_slots: "1"
`

func newTestTreeConfig(t *testing.T) *configs.TreeConfig {
	conf, err := configs.LoadTreeConfigFromByteArray([]byte(`
name: default
pools:
  - name: a
`))
	assert.NilError(t, err, "tree config load failed")
	return conf
}

func TestParseWorkload(t *testing.T) {
	w, err := ParseWorkload([]byte(smallWorkload))
	assert.NilError(t, err, "workload parse failed")
	assert.Equal(t, "small", w.Name)
	assert.Equal(t, time.Minute, w.Duration)
	assert.Equal(t, 2, len(w.Operations))
	assert.Equal(t, 4*time.Second, w.Operations[1].JobDuration)
	assert.Equal(t, 2, len(w.Operations))
	assert.Equal(t, DefaultJobDuration, w.Operations[1].JobDuration)
	assert.Equal(t, 1, w.Operations[1].Count)

	nodes := w.nodeDescriptors(2)
	assert.Equal(t, 2, len(nodes))
	assert.Equal(t, "node-0", nodes[0].id)
	assert.Equal(t, 0, nodes[0].shardID)
	assert.Equal(t, 1, nodes[1].shardID)

	ops := w.operationSpecs()
	assert.Equal(t, 3, len(ops))
	assert.Equal(t, "batch-0", ops[0].id)
	assert.Equal(t, "batch-1", ops[1].id)
	assert.Equal(t, "late", ops[2].id)
	assert.Equal(t, "a", ops[0].spec.Pool)
}

func TestParseWorkloadErrors(t *testing.T) {
	_, err := ParseWorkload([]byte("name: empty\n"))
	assert.ErrorContains(t, err, "has no nodes")

	_, err = ParseWorkload([]byte(`
name: broken
nodes:
  - name: node
    resources:
      cpu: "x"
operations:
  - name: op
    jobs: 1
    resources: {}
  - name: op
    jobs: 1
    preemptionmode: rude
    resources:
      cpu: "1"
`))
	assert.ErrorContains(t, err, "invalid quantity")
	assert.ErrorContains(t, err, "jobs without resources")
	assert.ErrorContains(t, err, "not unique")
	assert.ErrorContains(t, err, "unknown preemption mode")

	_, err = ParseWorkload([]byte("name: x\nunknownfield: 1\n"))
	assert.ErrorContains(t, err, "unknownfield")
}

func TestSimulationRunsAllOperations(t *testing.T) {
	w, err := ParseWorkload([]byte(smallWorkload))
	assert.NilError(t, err, "workload parse failed")
	sim, err := NewSimulator(w, []*configs.TreeConfig{newTestTreeConfig(t)}, testStart)
	assert.NilError(t, err, "simulator create failed")

	stats, err := sim.Run(context.Background())
	assert.NilError(t, err, "simulation failed")
	assert.Equal(t, 3, stats.FinishedOperations)
	assert.Equal(t, 14, stats.FinishedJobs)
	assert.Equal(t, stats.FinishedJobs+stats.PreemptedJobs, stats.StartedJobs)
	assert.Equal(t, 0, stats.HeartbeatErrors)
	assert.Assert(t, stats.Heartbeats > 0)
	assert.Assert(t, stats.FairShareUpdates > 0)

	tree := sim.GetStrategy().GetTree("default")
	assert.Assert(t, tree != nil)
	_, err = tree.GetOperationState("batch-0")
	assert.Assert(t, err != nil, "finished operations are unregistered")
	_, err = tree.GetOperationState("late")
	assert.Assert(t, err != nil, "operations starting later finish within the run")
}

func TestSimulationUnknownPool(t *testing.T) {
	w, err := ParseWorkload([]byte(`
name: lost
nodes:
  - name: node
    resources:
      cpu: "1"
operations:
  - name: op
    pool: missing
    jobs: 1
    resources:
      cpu: "1"
`))
	assert.NilError(t, err, "workload parse failed")
	sim, err := NewSimulator(w, []*configs.TreeConfig{newTestTreeConfig(t)}, testStart)
	assert.NilError(t, err, "simulator create failed")
	_, err = sim.Run(context.Background())
	assert.ErrorContains(t, err, "no tree has pool")
}

func TestSimulationCancelled(t *testing.T) {
	w, err := ParseWorkload([]byte(smallWorkload))
	assert.NilError(t, err, "workload parse failed")
	sim, err := NewSimulator(w, []*configs.TreeConfig{newTestTreeConfig(t)}, testStart)
	assert.NilError(t, err, "simulator create failed")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = sim.Run(ctx)
	assert.Equal(t, context.Canceled, err)
}

func TestNewSimulatorWithoutTree(t *testing.T) {
	w, err := ParseWorkload([]byte(smallWorkload))
	assert.NilError(t, err, "workload parse failed")
	_, err = NewSimulator(w, nil, testStart)
	assert.ErrorContains(t, err, "no tree configuration")
}
