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

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TreeMetrics are published by the fair share update for every element of the tree
type TreeMetrics struct {
	fairShare        *prometheus.GaugeVec
	usageShare       *prometheus.GaugeVec
	demandShare      *prometheus.GaugeVec
	satisfaction     *prometheus.GaugeVec
	starvation       *prometheus.GaugeVec
	operations       *prometheus.GaugeVec
	updateLatency    *prometheus.HistogramVec
	preemptibleUsage *prometheus.GaugeVec
}

func InitTreeMetrics() *TreeMetrics {
	t := &TreeMetrics{}
	newElementGauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: TreeSubsystem,
				Name:      name,
				Help:      help,
			}, []string{"tree", "element", "resource"})
	}
	t.fairShare = newElementGauge("fair_share", "Fair share of the element per resource as computed by the last update.")
	t.usageShare = newElementGauge("usage_share", "Usage share of the element per resource at the last update.")
	t.demandShare = newElementGauge("demand_share", "Demand share of the element per resource at the last update.")
	t.preemptibleUsage = newElementGauge("preemptible_usage", "Resource usage of an operation by job preemption status.")

	t.satisfaction = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: TreeSubsystem,
			Name:      "satisfaction_ratio",
			Help:      "Satisfaction ratio of the element at the last update, capped at 100.",
		}, []string{"tree", "element"})

	t.starvation = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: TreeSubsystem,
			Name:      "starvation_status",
			Help:      "Starvation status of the element: 0 non-starving, 1 starving, 2 aggressively starving.",
		}, []string{"tree", "element"})

	t.operations = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: TreeSubsystem,
			Name:      "operation_total",
			Help:      "Number of operations in the tree. State is `running` or `pending`.",
		}, []string{"tree", "state"})

	t.updateLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: TreeSubsystem,
			Name:      "fair_share_update_latency_seconds",
			Help:      "Latency of a complete fair share update, in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 10, 6),
		}, []string{"tree"})

	register(t.fairShare, t.usageShare, t.demandShare, t.preemptibleUsage, t.satisfaction, t.starvation, t.operations, t.updateLatency)
	return t
}

func (t *TreeMetrics) SetFairShare(tree, element, resource string, value float64) {
	t.fairShare.With(prometheus.Labels{"tree": tree, "element": element, "resource": resource}).Set(value)
}

func (t *TreeMetrics) GetFairShare(tree, element, resource string) (float64, error) {
	return gaugeValue(t.fairShare.With(prometheus.Labels{"tree": tree, "element": element, "resource": resource}))
}

func (t *TreeMetrics) SetUsageShare(tree, element, resource string, value float64) {
	t.usageShare.With(prometheus.Labels{"tree": tree, "element": element, "resource": resource}).Set(value)
}

func (t *TreeMetrics) SetDemandShare(tree, element, resource string, value float64) {
	t.demandShare.With(prometheus.Labels{"tree": tree, "element": element, "resource": resource}).Set(value)
}

// SetPreemptibleUsage records the usage of an operation in one job preemption status, the status is used as the resource label prefix.
func (t *TreeMetrics) SetPreemptibleUsage(tree, element, status, resource string, value float64) {
	t.preemptibleUsage.With(prometheus.Labels{"tree": tree, "element": element, "resource": status + "_" + resource}).Set(value)
}

func (t *TreeMetrics) SetSatisfactionRatio(tree, element string, value float64) {
	if value > 100 {
		value = 100
	}
	t.satisfaction.With(prometheus.Labels{"tree": tree, "element": element}).Set(value)
}

func (t *TreeMetrics) SetStarvationStatus(tree, element string, status int) {
	t.starvation.With(prometheus.Labels{"tree": tree, "element": element}).Set(float64(status))
}

func (t *TreeMetrics) GetStarvationStatus(tree, element string) (int, error) {
	v, err := gaugeValue(t.starvation.With(prometheus.Labels{"tree": tree, "element": element}))
	return int(v), err
}

func (t *TreeMetrics) SetOperationCount(tree, state string, count int) {
	t.operations.With(prometheus.Labels{"tree": tree, "state": state}).Set(float64(count))
}

func (t *TreeMetrics) GetOperationCount(tree, state string) (int, error) {
	v, err := gaugeValue(t.operations.With(prometheus.Labels{"tree": tree, "state": state}))
	return int(v), err
}

func (t *TreeMetrics) ObserveUpdateLatency(tree string, start time.Time) {
	t.updateLatency.With(prometheus.Labels{"tree": tree}).Observe(SinceInSeconds(start))
}

// RemoveElement drops all gauges of an element that left the tree.
func (t *TreeMetrics) RemoveElement(tree, element string) {
	labels := prometheus.Labels{"tree": tree, "element": element}
	t.satisfaction.Delete(labels)
	t.starvation.Delete(labels)
	t.fairShare.DeletePartialMatch(labels)
	t.usageShare.DeletePartialMatch(labels)
	t.demandShare.DeletePartialMatch(labels)
	t.preemptibleUsage.DeletePartialMatch(labels)
}
