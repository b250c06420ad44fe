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

package objects

import (
	"math"
	"time"

	"github.com/fairshare-scheduler/fairshare-core/pkg/common/configs"
)

// HistoricUsageAggregator is a time weighted exponential moving average of the dominant usage share.
// A sample that is one half-life old has half the weight of the newest sample.
type HistoricUsageAggregator struct {
	params     configs.HistoricUsageConfig
	value      float64
	lastUpdate time.Time
}

func NewHistoricUsageAggregator(params configs.HistoricUsageConfig) *HistoricUsageAggregator {
	return &HistoricUsageAggregator{params: params}
}

// SetParams changes the aggregation, switching the mode restarts the average.
func (h *HistoricUsageAggregator) SetParams(params configs.HistoricUsageConfig) {
	if params.AggregationMode != h.params.AggregationMode {
		h.value = 0
		h.lastUpdate = time.Time{}
	}
	h.params = params
}

func (h *HistoricUsageAggregator) UpdateAt(now time.Time, value float64) {
	if h.params.AggregationMode != configs.HistoricUsageExponentialMovingAverage {
		return
	}
	if h.lastUpdate.IsZero() || h.params.HalfLife <= 0 {
		h.value = value
		h.lastUpdate = now
		return
	}
	elapsed := now.Sub(h.lastUpdate)
	if elapsed <= 0 {
		return
	}
	alpha := 1 - math.Exp2(-float64(elapsed)/float64(h.params.HalfLife))
	h.value += alpha * (value - h.value)
	h.lastUpdate = now
}

func (h *HistoricUsageAggregator) GetHistoricUsage() float64 {
	return h.value
}

func (h *HistoricUsageAggregator) clone() *HistoricUsageAggregator {
	c := *h
	return &c
}
