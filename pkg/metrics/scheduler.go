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
	dto "github.com/prometheus/client_model/go"
)

// SchedulerMetrics to declare the heartbeat processing metrics, all labelled by tree and stage
type SchedulerMetrics struct {
	scheduleJobAttempts      *prometheus.CounterVec
	scheduleJobFailures      *prometheus.CounterVec
	controllerScheduleJob    *prometheus.CounterVec
	deactivations            *prometheus.CounterVec
	scheduledJobs            *prometheus.CounterVec
	preemptedJobs            *prometheus.CounterVec
	abortedJobs              *prometheus.CounterVec
	schedulingIndexAttempts  *prometheus.CounterVec
	heartbeatLatency         *prometheus.HistogramVec
	stageLatency             *prometheus.HistogramVec
	prescheduleLatency       *prometheus.HistogramVec
	controllerScheduleJobDur *prometheus.HistogramVec
}

// InitSchedulerMetrics to initialize scheduler metrics
func InitSchedulerMetrics() *SchedulerMetrics {
	s := &SchedulerMetrics{}

	s.scheduleJobAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SchedulerSubsystem,
			Name:      "schedule_job_attempt_total",
			Help:      "Total number of attempts to schedule a job, by tree and scheduling stage.",
		}, []string{"tree", "stage"})

	s.scheduleJobFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SchedulerSubsystem,
			Name:      "schedule_job_failure_total",
			Help:      "Total number of failed schedule job attempts reported by controllers, by fail reason.",
		}, []string{"tree", "stage", "reason"})

	s.controllerScheduleJob = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SchedulerSubsystem,
			Name:      "controller_schedule_job_total",
			Help:      "Total number of controller schedule job calls. Result is `started`, `failed` or `timed_out`.",
		}, []string{"tree", "result"})

	s.deactivations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SchedulerSubsystem,
			Name:      "operation_deactivation_total",
			Help:      "Total number of operation deactivations during heartbeats, by reason.",
		}, []string{"tree", "stage", "reason"})

	s.scheduledJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SchedulerSubsystem,
			Name:      "scheduled_job_total",
			Help:      "Total number of jobs started, by tree and scheduling stage.",
		}, []string{"tree", "stage"})

	s.preemptedJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SchedulerSubsystem,
			Name:      "preempted_job_total",
			Help:      "Total number of preempted jobs, by preemption reason.",
		}, []string{"tree", "reason"})

	s.abortedJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SchedulerSubsystem,
			Name:      "aborted_job_total",
			Help:      "Total number of jobs aborted by the scheduler, by abort reason.",
		}, []string{"tree", "reason"})

	s.schedulingIndexAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SchedulerSubsystem,
			Name:      "scheduling_index_attempt_total",
			Help:      "Schedule job attempts per power of two bucket of the operation scheduling index.",
		}, []string{"tree", "bucket"})

	s.heartbeatLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: SchedulerSubsystem,
			Name:      "heartbeat_latency_seconds",
			Help:      "Latency of processing a scheduling heartbeat, in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 10, 6), // start from 0.1ms
		}, []string{"tree"})

	s.stageLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: SchedulerSubsystem,
			Name:      "stage_latency_seconds",
			Help:      "Latency of a single scheduling stage, in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 10, 6),
		}, []string{"tree", "stage"})

	s.prescheduleLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: SchedulerSubsystem,
			Name:      "preschedule_latency_seconds",
			Help:      "Latency of the preschedule pass of a stage, in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 10, 6),
		}, []string{"tree", "stage"})

	s.controllerScheduleJobDur = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: SchedulerSubsystem,
			Name:      "controller_schedule_job_latency_seconds",
			Help:      "Latency of the controller schedule job call, in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 10, 6),
		}, []string{"tree"})

	register(
		s.scheduleJobAttempts,
		s.scheduleJobFailures,
		s.controllerScheduleJob,
		s.deactivations,
		s.scheduledJobs,
		s.preemptedJobs,
		s.abortedJobs,
		s.schedulingIndexAttempts,
		s.heartbeatLatency,
		s.stageLatency,
		s.prescheduleLatency,
		s.controllerScheduleJobDur,
	)
	return s
}

func (m *SchedulerMetrics) Reset() {
	m.scheduleJobAttempts.Reset()
	m.scheduleJobFailures.Reset()
	m.controllerScheduleJob.Reset()
	m.deactivations.Reset()
	m.scheduledJobs.Reset()
	m.preemptedJobs.Reset()
	m.abortedJobs.Reset()
	m.schedulingIndexAttempts.Reset()
}

func (m *SchedulerMetrics) AddScheduleJobAttempts(tree, stage string, value int) {
	m.scheduleJobAttempts.With(prometheus.Labels{"tree": tree, "stage": stage}).Add(float64(value))
}

func (m *SchedulerMetrics) GetScheduleJobAttempts(tree, stage string) (int, error) {
	return counterValue(m.scheduleJobAttempts.With(prometheus.Labels{"tree": tree, "stage": stage}))
}

func (m *SchedulerMetrics) AddScheduleJobFailures(tree, stage, reason string, value int) {
	m.scheduleJobFailures.With(prometheus.Labels{"tree": tree, "stage": stage, "reason": reason}).Add(float64(value))
}

func (m *SchedulerMetrics) IncControllerScheduleJob(tree, result string) {
	m.controllerScheduleJob.With(prometheus.Labels{"tree": tree, "result": result}).Inc()
}

func (m *SchedulerMetrics) GetControllerScheduleJob(tree, result string) (int, error) {
	return counterValue(m.controllerScheduleJob.With(prometheus.Labels{"tree": tree, "result": result}))
}

func (m *SchedulerMetrics) AddDeactivations(tree, stage, reason string, value int) {
	m.deactivations.With(prometheus.Labels{"tree": tree, "stage": stage, "reason": reason}).Add(float64(value))
}

func (m *SchedulerMetrics) GetDeactivations(tree, stage, reason string) (int, error) {
	return counterValue(m.deactivations.With(prometheus.Labels{"tree": tree, "stage": stage, "reason": reason}))
}

func (m *SchedulerMetrics) AddScheduledJobs(tree, stage string, value int) {
	m.scheduledJobs.With(prometheus.Labels{"tree": tree, "stage": stage}).Add(float64(value))
}

func (m *SchedulerMetrics) GetScheduledJobs(tree, stage string) (int, error) {
	return counterValue(m.scheduledJobs.With(prometheus.Labels{"tree": tree, "stage": stage}))
}

func (m *SchedulerMetrics) IncPreemptedJobs(tree, reason string) {
	m.preemptedJobs.With(prometheus.Labels{"tree": tree, "reason": reason}).Inc()
}

func (m *SchedulerMetrics) GetPreemptedJobs(tree, reason string) (int, error) {
	return counterValue(m.preemptedJobs.With(prometheus.Labels{"tree": tree, "reason": reason}))
}

func (m *SchedulerMetrics) IncAbortedJobs(tree, reason string) {
	m.abortedJobs.With(prometheus.Labels{"tree": tree, "reason": reason}).Inc()
}

func (m *SchedulerMetrics) GetAbortedJobs(tree, reason string) (int, error) {
	return counterValue(m.abortedJobs.With(prometheus.Labels{"tree": tree, "reason": reason}))
}

func (m *SchedulerMetrics) AddSchedulingIndexAttempts(tree, bucket string, value int) {
	m.schedulingIndexAttempts.With(prometheus.Labels{"tree": tree, "bucket": formatMetricName(bucket)}).Add(float64(value))
}

func (m *SchedulerMetrics) ObserveHeartbeatLatency(tree string, start time.Time) {
	m.heartbeatLatency.With(prometheus.Labels{"tree": tree}).Observe(SinceInSeconds(start))
}

func (m *SchedulerMetrics) ObserveStageLatency(tree, stage string, duration time.Duration) {
	m.stageLatency.With(prometheus.Labels{"tree": tree, "stage": stage}).Observe(duration.Seconds())
}

func (m *SchedulerMetrics) ObservePrescheduleLatency(tree, stage string, duration time.Duration) {
	m.prescheduleLatency.With(prometheus.Labels{"tree": tree, "stage": stage}).Observe(duration.Seconds())
}

func (m *SchedulerMetrics) ObserveControllerScheduleJobLatency(tree string, duration time.Duration) {
	m.controllerScheduleJobDur.With(prometheus.Labels{"tree": tree}).Observe(duration.Seconds())
}

func counterValue(counter prometheus.Counter) (int, error) {
	metricDto := &dto.Metric{}
	err := counter.Write(metricDto)
	if err == nil {
		return int(*metricDto.Counter.Value), nil
	}
	return -1, err
}

func gaugeValue(gauge prometheus.Gauge) (float64, error) {
	metricDto := &dto.Metric{}
	err := gauge.Write(metricDto)
	if err == nil {
		return *metricDto.Gauge.Value, nil
	}
	return -1, err
}
