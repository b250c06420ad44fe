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
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/fairshare-scheduler/fairshare-core/pkg/common/configs"
	"github.com/fairshare-scheduler/fairshare-core/pkg/common/resources"
)

func testPackingConfig() configs.PackingConfig {
	return configs.PackingConfig{
		Enable:                       true,
		AngleLengthWeight:            configs.DefaultPackingAngleLengthWeight,
		MaxBetterPastSnapshots:       configs.DefaultPackingMaxBetterPastSnapshots,
		AbsoluteMetricValueTolerance: configs.DefaultPackingAbsoluteTolerance,
		RelativeMetricValueTolerance: configs.DefaultPackingRelativeTolerance,
		MinWindowSizeForSchedule:     configs.DefaultPackingMinWindowSize,
		MaxHeartbeatWindowSize:       configs.DefaultPackingMaxHeartbeatWindowSize,
		MaxHeartbeatAge:              configs.DefaultPackingMaxHeartbeatAge,
	}
}

func snapshotAt(offset time.Duration, free resources.JobResources) PackingHeartbeatSnapshot {
	return PackingHeartbeatSnapshot{
		Time:           testStart.Add(offset),
		ResourceLimits: nodeSize,
		FreeResources:  free,
	}
}

func TestAngleLengthPackingMetric(t *testing.T) {
	tight := angleLengthPackingMetric(snapshotAt(0, smallJob), smallJob, nodeSize, 0.5)
	assert.Assert(t, tight < 1e-6, "exact fit: %f", tight)

	loose := angleLengthPackingMetric(snapshotAt(0, nodeSize), smallJob, nodeSize, 0.5)
	assert.Assert(t, loose > 0.7 && loose < 0.8, "empty node: %f", loose)

	full := angleLengthPackingMetric(snapshotAt(0, resources.Zero), smallJob, nodeSize, 0.5)
	assert.Assert(t, math.IsInf(full, 1))
}

func TestPackingWindowTrimming(t *testing.T) {
	config := testPackingConfig()
	ps := NewPackingStatistics()
	for i := 0; i < config.MaxHeartbeatWindowSize+2; i++ {
		ps.RecordHeartbeat(snapshotAt(time.Duration(i)*time.Second, nodeSize), config)
	}
	assert.Equal(t, config.MaxHeartbeatWindowSize, ps.WindowSize())

	ps.RecordHeartbeat(snapshotAt(time.Minute, nodeSize), config)
	assert.Equal(t, 1, ps.WindowSize(), "old heartbeats are dropped")
}

func TestCheckPacking(t *testing.T) {
	config := testPackingConfig()
	current := snapshotAt(5*time.Second, nodeSize)

	ps := NewPackingStatistics()
	assert.Assert(t, ps.CheckPacking(current, smallJob, nodeSize, config), "empty window accepts")

	for i := 0; i < config.MinWindowSizeForSchedule; i++ {
		ps.RecordHeartbeat(snapshotAt(time.Duration(i)*time.Second, smallJob), config)
	}
	assert.Assert(t, !ps.CheckPacking(current, smallJob, nodeSize, config), "recent tighter fits reject")
	assert.Assert(t, ps.CheckPacking(snapshotAt(5*time.Second, smallJob), smallJob, nodeSize, config), "no better fit accepts")

	late := snapshotAt(5*time.Second+config.MaxHeartbeatAge, nodeSize)
	assert.Assert(t, ps.CheckPacking(late, smallJob, nodeSize, config), "stale heartbeats are ignored")

	loose := NewPackingStatistics()
	for i := 0; i < config.MinWindowSizeForSchedule; i++ {
		loose.RecordHeartbeat(snapshotAt(time.Duration(i)*time.Second, nodeSize), config)
	}
	assert.Assert(t, loose.CheckPacking(current, smallJob, nodeSize, config))
}
