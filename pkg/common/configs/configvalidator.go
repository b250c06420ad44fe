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
	"fmt"
	"regexp"

	"github.com/hashicorp/go-multierror"

	"github.com/fairshare-scheduler/fairshare-core/pkg/common/resources"
)

const (
	MaxPoolDepth = 16
)

var poolNameRegExp = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// Validate checks the whole tree config and returns all problems found at once.
func Validate(tc *TreeConfig) error {
	var result *multierror.Error
	if tc == nil {
		return fmt.Errorf("tree config is nil")
	}
	if tc.FairShareStarvationTolerance <= 0 || tc.FairShareStarvationTolerance > 1 {
		result = multierror.Append(result, fmt.Errorf("starvation tolerance %v must be in (0, 1]", tc.FairShareStarvationTolerance))
	}
	if tc.FairShareAggressiveStarvationTimeout < tc.FairShareStarvationTimeout {
		result = multierror.Append(result, fmt.Errorf("aggressive starvation timeout %s must not be less than starvation timeout %s",
			tc.FairShareAggressiveStarvationTimeout, tc.FairShareStarvationTimeout))
	}
	if tc.AggressivePreemptionSatisfactionThreshold > tc.PreemptionSatisfactionThreshold {
		result = multierror.Append(result, fmt.Errorf("aggressive preemption satisfaction threshold %v must not be greater than preemption satisfaction threshold %v",
			tc.AggressivePreemptionSatisfactionThreshold, tc.PreemptionSatisfactionThreshold))
	}
	if tc.JobCountPreemptionTimeoutCoefficient < 1 {
		result = multierror.Append(result, fmt.Errorf("job count preemption timeout coefficient %v must be at least 1", tc.JobCountPreemptionTimeoutCoefficient))
	}
	if tc.MaxUnpreemptibleRunningJobCount < 0 {
		result = multierror.Append(result, fmt.Errorf("max unpreemptible running job count must not be negative"))
	}
	if tc.MaxSchedulableElementCountInFifoPool != nil && *tc.MaxSchedulableElementCountInFifoPool < 1 {
		result = multierror.Append(result, fmt.Errorf("max schedulable element count in fifo pool must be positive"))
	}
	if tc.InferWeightFromGuaranteesShareMultiplier != nil && *tc.InferWeightFromGuaranteesShareMultiplier <= 0 {
		result = multierror.Append(result, fmt.Errorf("guarantee share multiplier must be positive"))
	}
	switch tc.PreemptionPriorityScope {
	case PreemptionPriorityScopeOperationOnly, PreemptionPriorityScopeOperationAndAncestors:
	default:
		result = multierror.Append(result, fmt.Errorf("unknown preemption priority scope %q", tc.PreemptionPriorityScope))
	}
	switch tc.SchedulingSegments.Mode {
	case SchedulingSegmentsDisabled, SchedulingSegmentsLargeGpu:
	default:
		result = multierror.Append(result, fmt.Errorf("unknown scheduling segments mode %q", tc.SchedulingSegments.Mode))
	}
	if _, err := ParseResources(tc.NonPreemptibleResourceUsageThreshold, resources.Infinite()); err != nil {
		result = multierror.Append(result, fmt.Errorf("tree non-preemptible usage threshold: %w", err))
	}
	if _, err := ParseSchedulingTagFilter(tc.NodesFilter); err != nil {
		result = multierror.Append(result, fmt.Errorf("nodes filter: %w", err))
	}
	if _, err := ParseSchedulingTagFilter(tc.SsdPriorityPreemption.NodeTagFilter); err != nil {
		result = multierror.Append(result, fmt.Errorf("ssd priority preemption node filter: %w", err))
	}
	if tc.Packing.MaxHeartbeatWindowSize < tc.Packing.MinWindowSizeForSchedule {
		result = multierror.Append(result, fmt.Errorf("packing window size %d is smaller than the minimum window %d",
			tc.Packing.MaxHeartbeatWindowSize, tc.Packing.MinWindowSizeForSchedule))
	}

	names := make(map[string]bool)
	for i := range tc.Pools {
		result = checkPool(&tc.Pools[i], 1, names, result)
	}
	return result.ErrorOrNil()
}

func checkPool(pool *PoolConfig, depth int, names map[string]bool, result *multierror.Error) *multierror.Error {
	if depth > MaxPoolDepth {
		return multierror.Append(result, fmt.Errorf("pool %s exceeds the maximum depth %d", pool.Name, MaxPoolDepth))
	}
	if !poolNameRegExp.MatchString(pool.Name) {
		result = multierror.Append(result, fmt.Errorf("invalid pool name %q", pool.Name))
	}
	if names[pool.Name] {
		result = multierror.Append(result, fmt.Errorf("duplicate pool name %q", pool.Name))
	}
	names[pool.Name] = true

	switch pool.Mode {
	case ModeFairShare, ModeFifo:
	default:
		result = multierror.Append(result, fmt.Errorf("pool %s: unknown mode %q", pool.Name, pool.Mode))
	}
	seen := make(map[string]bool)
	for _, param := range pool.FifoSortParameters {
		switch param {
		case FifoSortWeight, FifoSortStartTime, FifoSortPendingJobCount:
		default:
			result = multierror.Append(result, fmt.Errorf("pool %s: unknown fifo sort parameter %q", pool.Name, param))
		}
		if seen[param] {
			result = multierror.Append(result, fmt.Errorf("pool %s: duplicate fifo sort parameter %q", pool.Name, param))
		}
		seen[param] = true
	}
	if pool.Weight != nil && *pool.Weight <= 0 {
		result = multierror.Append(result, fmt.Errorf("pool %s: weight must be positive", pool.Name))
	}
	if pool.MaxShareRatio != nil && (*pool.MaxShareRatio < 0 || *pool.MaxShareRatio > 1) {
		result = multierror.Append(result, fmt.Errorf("pool %s: max share ratio must be in [0, 1]", pool.Name))
	}
	if pool.FairShareStarvationTolerance != nil && (*pool.FairShareStarvationTolerance <= 0 || *pool.FairShareStarvationTolerance > 1) {
		result = multierror.Append(result, fmt.Errorf("pool %s: starvation tolerance must be in (0, 1]", pool.Name))
	}
	if pool.MaxRunningOperationCount != nil && *pool.MaxRunningOperationCount < 0 {
		result = multierror.Append(result, fmt.Errorf("pool %s: max running operation count must not be negative", pool.Name))
	}
	if pool.MaxOperationCount != nil && *pool.MaxOperationCount < 0 {
		result = multierror.Append(result, fmt.Errorf("pool %s: max operation count must not be negative", pool.Name))
	}
	switch pool.HistoricUsage.AggregationMode {
	case HistoricUsageNone, HistoricUsageExponentialMovingAverage:
	default:
		result = multierror.Append(result, fmt.Errorf("pool %s: unknown historic usage aggregation mode %q", pool.Name, pool.HistoricUsage.AggregationMode))
	}
	for what, conf := range map[string]map[string]string{
		"resource limits":                 pool.ResourceLimits,
		"strong guarantee":                pool.StrongGuaranteeResources,
		"non-preemptible usage threshold": pool.NonPreemptibleResourceUsageThreshold,
	} {
		if _, err := ParseResources(conf, resources.Zero); err != nil {
			result = multierror.Append(result, fmt.Errorf("pool %s %s: %w", pool.Name, what, err))
		}
	}
	if _, err := ParseSchedulingTagFilter(pool.SchedulingTagFilter); err != nil {
		result = multierror.Append(result, fmt.Errorf("pool %s scheduling tag filter: %w", pool.Name, err))
	}
	for i := range pool.Pools {
		result = checkPool(&pool.Pools[i], depth+1, names, result)
	}
	return result
}

// ValidateOperationSpec checks the tree part of an operation spec.
func ValidateOperationSpec(spec *OperationSpec) error {
	var result *multierror.Error
	if spec.Weight != nil && *spec.Weight <= 0 {
		result = multierror.Append(result, fmt.Errorf("weight must be positive"))
	}
	switch spec.PreemptionMode {
	case "", PreemptionModeNormal, PreemptionModeGraceful:
	default:
		result = multierror.Append(result, fmt.Errorf("unknown preemption mode %q", spec.PreemptionMode))
	}
	switch spec.SchedulingSegment {
	case "", SegmentDefault, SegmentLargeGpu:
	default:
		result = multierror.Append(result, fmt.Errorf("unknown scheduling segment %q", spec.SchedulingSegment))
	}
	if spec.FairShareStarvationTolerance != nil && (*spec.FairShareStarvationTolerance <= 0 || *spec.FairShareStarvationTolerance > 1) {
		result = multierror.Append(result, fmt.Errorf("starvation tolerance must be in (0, 1]"))
	}
	if _, err := ParseResources(spec.ResourceLimits, resources.Zero); err != nil {
		result = multierror.Append(result, fmt.Errorf("resource limits: %w", err))
	}
	if _, err := ParseResources(spec.StrongGuaranteeResources, resources.Zero); err != nil {
		result = multierror.Append(result, fmt.Errorf("strong guarantee: %w", err))
	}
	if _, err := ParseSchedulingTagFilter(spec.SchedulingTagFilter); err != nil {
		result = multierror.Append(result, fmt.Errorf("scheduling tag filter: %w", err))
	}
	return result.ErrorOrNil()
}
