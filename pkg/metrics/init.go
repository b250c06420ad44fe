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
	"regexp"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fairshare-scheduler/fairshare-core/pkg/log"
)

const (
	// Namespace for all metrics inside the scheduler
	Namespace = "fairshare"
	// SchedulerSubsystem - subsystem name used by the job scheduler
	SchedulerSubsystem = "scheduler"
	// TreeSubsystem - subsystem name used by the fair share tree
	TreeSubsystem = "tree"
)

var once sync.Once
var m *Metrics

type Metrics struct {
	scheduler *SchedulerMetrics
	tree      *TreeMetrics
}

func init() {
	once.Do(func() {
		m = &Metrics{
			scheduler: InitSchedulerMetrics(),
			tree:      InitTreeMetrics(),
		}
	})
}

func GetSchedulerMetrics() *SchedulerMetrics {
	return m.scheduler
}

func GetTreeMetrics() *TreeMetrics {
	return m.tree
}

func register(collectors ...prometheus.Collector) {
	for _, collector := range collectors {
		if err := prometheus.Register(collector); err != nil {
			log.Log(log.Metrics).Warn("failed to register metrics collector", zap.Error(err))
		}
	}
}

var invalidMetricChars = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// formatMetricName replaces all characters not allowed in a label value used as a metric name part
func formatMetricName(name string) string {
	return invalidMetricChars.ReplaceAllString(name, "_")
}

func SinceInSeconds(start time.Time) float64 {
	return time.Since(start).Seconds()
}
