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
	"math/rand"
	"time"

	"github.com/fairshare-scheduler/fairshare-core/pkg/common/configs"
	"github.com/fairshare-scheduler/fairshare-core/pkg/common/resources"
	"github.com/fairshare-scheduler/fairshare-core/pkg/locking"
	"github.com/fairshare-scheduler/fairshare-core/pkg/scheduler/objects"
)

// PackingHeartbeatSnapshot is the state of a node at one heartbeat as seen by the packing check.
type PackingHeartbeatSnapshot struct {
	Time           time.Time
	ResourceLimits resources.JobResources
	FreeResources  resources.JobResources
}

func NewPackingHeartbeatSnapshot(sc objects.SchedulingContext) PackingHeartbeatSnapshot {
	return PackingHeartbeatSnapshot{
		Time:           sc.Now(),
		ResourceLimits: sc.ResourceLimits(),
		FreeResources:  sc.FreeResourcesWithDiscount(),
	}
}

// PackingStatistics keeps the recent heartbeats an operation was offered.
type PackingStatistics struct {
	window []PackingHeartbeatSnapshot

	locking.Mutex
}

func NewPackingStatistics() *PackingStatistics {
	return &PackingStatistics{}
}

// RecordHeartbeat appends the snapshot, heartbeats beyond the window size or older than the max age are dropped.
func (ps *PackingStatistics) RecordHeartbeat(snapshot PackingHeartbeatSnapshot, config configs.PackingConfig) {
	ps.Lock()
	defer ps.Unlock()
	ps.window = append(ps.window, snapshot)
	first := 0
	for first < len(ps.window) && snapshot.Time.Sub(ps.window[first].Time) > config.MaxHeartbeatAge {
		first++
	}
	if len(ps.window)-first > config.MaxHeartbeatWindowSize {
		first = len(ps.window) - config.MaxHeartbeatWindowSize
	}
	if first > 0 {
		ps.window = append([]PackingHeartbeatSnapshot(nil), ps.window[first:]...)
	}
}

func (ps *PackingStatistics) WindowSize() int {
	ps.Lock()
	defer ps.Unlock()
	return len(ps.window)
}

// CheckPacking accepts the heartbeat unless enough recent heartbeats would have packed the job
// noticeably better. A small window always accepts.
func (ps *PackingStatistics) CheckPacking(snapshot PackingHeartbeatSnapshot, job, totalResourceLimits resources.JobResources, config configs.PackingConfig) bool {
	ps.Lock()
	defer ps.Unlock()
	if len(ps.window) < config.MinWindowSizeForSchedule {
		return true
	}
	current := angleLengthPackingMetric(snapshot, job, totalResourceLimits, config.AngleLengthWeight)
	better := 0
	for _, past := range ps.window {
		if snapshot.Time.Sub(past.Time) > config.MaxHeartbeatAge {
			continue
		}
		metric := angleLengthPackingMetric(past, job, totalResourceLimits, config.AngleLengthWeight)
		if metric < current-config.AbsoluteMetricValueTolerance && metric < current/config.RelativeMetricValueTolerance {
			better++
			if better >= config.MaxBetterPastSnapshots {
				return false
			}
		}
	}
	return true
}

// angleLengthPackingMetric is lower for a tighter fit: the angle between the free resources of the
// node and the job, mixed with the length of what stays free. A job that does not fit is infinite.
func angleLengthPackingMetric(snapshot PackingHeartbeatSnapshot, job, totalResourceLimits resources.JobResources, angleWeight float64) float64 {
	if !resources.Dominates(snapshot.FreeResources, job) {
		return math.Inf(1)
	}
	free := resources.Share(snapshot.FreeResources, totalResourceLimits)
	demand := resources.Share(job, totalResourceLimits)
	var dot, freeNorm, demandNorm, leftNorm float64
	for i := range free {
		dot += free[i] * demand[i]
		freeNorm += free[i] * free[i]
		demandNorm += demand[i] * demand[i]
		left := free[i] - demand[i]
		leftNorm += left * left
	}
	angle := 0.0
	if freeNorm > 0 && demandNorm > 0 {
		cos := math.Min(1, dot/math.Sqrt(freeNorm*demandNorm))
		angle = math.Acos(cos) / (math.Pi / 2)
	}
	length := math.Sqrt(leftNorm / float64(len(free)))
	return angleWeight*angle + (1-angleWeight)*length
}

// packingJobShape picks the job shape the heartbeat is judged by, false if the controller reported none.
func packingJobShape(op *objects.Operation) (resources.JobResources, bool) {
	shapes := op.GetDetailedMinNeededJobResources()
	switch len(shapes) {
	case 0:
		return resources.Zero, false
	case 1:
		return shapes[0].ToJobResources(), true
	default:
		return shapes[rand.Intn(len(shapes))].ToJobResources(), true //nolint:gosec
	}
}
