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

package configs

import (
	"time"
)

const (
	DefaultTreeName = "default"

	DefaultStarvationTimeout                         = 30 * time.Second
	DefaultAggressiveStarvationTimeout               = 120 * time.Second
	DefaultStarvationTolerance                       = 0.8
	DefaultMaxUnpreemptibleRunningJobCount           = 10
	DefaultPreemptionSatisfactionThreshold           = 1.0
	DefaultAggressivePreemptionSatisfactionThreshold = 0.2
	DefaultJobCountPreemptionTimeoutCoefficient      = 1.0
	DefaultPreemptiveSchedulingBackoff               = 5 * time.Second
	DefaultJobInterruptTimeout                       = 10 * time.Second
	DefaultJobGracefulInterruptTimeout               = 60 * time.Second
	DefaultMaxRunningOperationCount                  = 200
	DefaultMaxRunningOperationCountPerPool           = 50
	DefaultMaxOperationCountPerPool                  = 50
	DefaultMaxOperationCount                         = 50000
	DefaultAllowedResourceUsageStaleness             = 5 * time.Second
	DefaultScheduleJobTimeLimit                      = 30 * time.Second
	DefaultScheduleJobsTimeout                       = 40 * time.Second
	DefaultScheduleJobFailBackoffTime                = 100 * time.Millisecond
	DefaultMaxConcurrentScheduleJobCallsPerNodeShard = 100
	DefaultTentativeTreeSaturationPeriod             = 10 * time.Second
	DefaultMinChildHeapSize                          = 16
	DefaultFairShareUpdatePeriod                     = time.Second
	DefaultNodeShardCount                            = 4

	DefaultPackingAngleLengthWeight      = 0.5
	DefaultPackingMaxBetterPastSnapshots = 2
	DefaultPackingAbsoluteTolerance      = 0.05
	DefaultPackingRelativeTolerance      = 1.5
	DefaultPackingMinWindowSize          = 3
	DefaultPackingMaxHeartbeatWindowSize = 10
	DefaultPackingMaxHeartbeatAge        = 20 * time.Second
	DefaultHistoricUsageHalfLife         = 5 * time.Minute
)

func boolPtr(b bool) *bool {
	return &b
}

// BoolValue dereferences an optional flag.
func BoolValue(b *bool, fallback bool) bool {
	if b == nil {
		return fallback
	}
	return *b
}

// SetDefaults fills in all unset tree wide values, pool values are optional overrides and stay unset.
func (tc *TreeConfig) SetDefaults() {
	if tc.FairShareStarvationTimeout == 0 {
		tc.FairShareStarvationTimeout = DefaultStarvationTimeout
	}
	if tc.FairShareAggressiveStarvationTimeout == 0 {
		tc.FairShareAggressiveStarvationTimeout = DefaultAggressiveStarvationTimeout
	}
	if tc.FairShareStarvationTolerance == 0 {
		tc.FairShareStarvationTolerance = DefaultStarvationTolerance
	}
	if tc.EnablePoolStarvation == nil {
		tc.EnablePoolStarvation = boolPtr(true)
	}
	if tc.MaxUnpreemptibleRunningJobCount == 0 {
		tc.MaxUnpreemptibleRunningJobCount = DefaultMaxUnpreemptibleRunningJobCount
	}
	if tc.PreemptionSatisfactionThreshold == 0 {
		tc.PreemptionSatisfactionThreshold = DefaultPreemptionSatisfactionThreshold
	}
	if tc.AggressivePreemptionSatisfactionThreshold == 0 {
		tc.AggressivePreemptionSatisfactionThreshold = DefaultAggressivePreemptionSatisfactionThreshold
	}
	if tc.PreemptionCheckStarvation == nil {
		tc.PreemptionCheckStarvation = boolPtr(true)
	}
	if tc.PreemptionCheckSatisfaction == nil {
		tc.PreemptionCheckSatisfaction = boolPtr(true)
	}
	if tc.EnableConditionalPreemption == nil {
		tc.EnableConditionalPreemption = boolPtr(true)
	}
	if tc.JobCountPreemptionTimeoutCoefficient == 0 {
		tc.JobCountPreemptionTimeoutCoefficient = DefaultJobCountPreemptionTimeoutCoefficient
	}
	if tc.PreemptionPriorityScope == "" {
		tc.PreemptionPriorityScope = PreemptionPriorityScopeOperationAndAncestors
	}
	if tc.PreemptiveSchedulingBackoff == 0 {
		tc.PreemptiveSchedulingBackoff = DefaultPreemptiveSchedulingBackoff
	}
	if tc.JobInterruptTimeout == 0 {
		tc.JobInterruptTimeout = DefaultJobInterruptTimeout
	}
	if tc.JobGracefulInterruptTimeout == 0 {
		tc.JobGracefulInterruptTimeout = DefaultJobGracefulInterruptTimeout
	}
	if tc.MaxRunningOperationCount == 0 {
		tc.MaxRunningOperationCount = DefaultMaxRunningOperationCount
	}
	if tc.MaxRunningOperationCountPerPool == 0 {
		tc.MaxRunningOperationCountPerPool = DefaultMaxRunningOperationCountPerPool
	}
	if tc.MaxOperationCountPerPool == 0 {
		tc.MaxOperationCountPerPool = DefaultMaxOperationCountPerPool
	}
	if tc.MaxOperationCount == 0 {
		tc.MaxOperationCount = DefaultMaxOperationCount
	}
	if tc.AllowedResourceUsageStaleness == 0 {
		tc.AllowedResourceUsageStaleness = DefaultAllowedResourceUsageStaleness
	}
	if tc.ScheduleJobTimeLimit == 0 {
		tc.ScheduleJobTimeLimit = DefaultScheduleJobTimeLimit
	}
	if tc.ScheduleJobsTimeout == 0 {
		tc.ScheduleJobsTimeout = DefaultScheduleJobsTimeout
	}
	if tc.ScheduleJobFailBackoffTime == 0 {
		tc.ScheduleJobFailBackoffTime = DefaultScheduleJobFailBackoffTime
	}
	if tc.MaxConcurrentScheduleJobCallsPerNodeShard == 0 {
		tc.MaxConcurrentScheduleJobCallsPerNodeShard = DefaultMaxConcurrentScheduleJobCallsPerNodeShard
	}
	if tc.TentativeTreeSaturationDeactivationPeriod == 0 {
		tc.TentativeTreeSaturationDeactivationPeriod = DefaultTentativeTreeSaturationPeriod
	}
	if tc.MinChildHeapSize == 0 {
		tc.MinChildHeapSize = DefaultMinChildHeapSize
	}
	if tc.EnableSchedulingTags == nil {
		tc.EnableSchedulingTags = boolPtr(true)
	}
	if tc.FairShareUpdatePeriod == 0 {
		tc.FairShareUpdatePeriod = DefaultFairShareUpdatePeriod
	}
	if tc.NodeShardCount == 0 {
		tc.NodeShardCount = DefaultNodeShardCount
	}
	if tc.SchedulingSegments.Mode == "" {
		tc.SchedulingSegments.Mode = SchedulingSegmentsDisabled
	}
	tc.Packing.setDefaults()
	for i := range tc.Pools {
		tc.Pools[i].setDefaults()
	}
}

func (pc *PackingConfig) setDefaults() {
	if pc.AngleLengthWeight == 0 {
		pc.AngleLengthWeight = DefaultPackingAngleLengthWeight
	}
	if pc.MaxBetterPastSnapshots == 0 {
		pc.MaxBetterPastSnapshots = DefaultPackingMaxBetterPastSnapshots
	}
	if pc.AbsoluteMetricValueTolerance == 0 {
		pc.AbsoluteMetricValueTolerance = DefaultPackingAbsoluteTolerance
	}
	if pc.RelativeMetricValueTolerance == 0 {
		pc.RelativeMetricValueTolerance = DefaultPackingRelativeTolerance
	}
	if pc.MinWindowSizeForSchedule == 0 {
		pc.MinWindowSizeForSchedule = DefaultPackingMinWindowSize
	}
	if pc.MaxHeartbeatWindowSize == 0 {
		pc.MaxHeartbeatWindowSize = DefaultPackingMaxHeartbeatWindowSize
	}
	if pc.MaxHeartbeatAge == 0 {
		pc.MaxHeartbeatAge = DefaultPackingMaxHeartbeatAge
	}
}

func (pc *PoolConfig) setDefaults() {
	if pc.Mode == "" {
		pc.Mode = ModeFairShare
	}
	if pc.Mode == ModeFifo && len(pc.FifoSortParameters) == 0 {
		pc.FifoSortParameters = []string{FifoSortStartTime}
	}
	if pc.HistoricUsage.AggregationMode == "" {
		pc.HistoricUsage.AggregationMode = HistoricUsageNone
	}
	if pc.HistoricUsage.HalfLife == 0 {
		pc.HistoricUsage.HalfLife = DefaultHistoricUsageHalfLife
	}
	for i := range pc.Pools {
		pc.Pools[i].setDefaults()
	}
}

// NewDefaultPoolConfig returns a pool config for pools created without configuration.
func NewDefaultPoolConfig(name string) *PoolConfig {
	pc := &PoolConfig{Name: name}
	pc.setDefaults()
	return pc
}

// NewDefaultTreeConfig returns a tree config with all defaults and no pools.
func NewDefaultTreeConfig(name string) *TreeConfig {
	tc := &TreeConfig{Name: name}
	tc.SetDefaults()
	return tc
}
