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

package trace

import (
	"errors"
	"fmt"

	"github.com/opentracing/opentracing-go"
)

const (
	LevelKey = "level"
	PhaseKey = "phase"
	NameKey  = "name"
	StateKey = "state"
	InfoKey  = "info"
)

// span levels, from the heartbeat down to a single operation
const (
	HeartbeatLevel = "heartbeat"
	StageLevel     = "stage"
	OperationLevel = "operation"
	NodeLevel      = "node"
)

const (
	PrescheduleJobPhase       = "prescheduleJob"
	ScheduleJobPhase          = "scheduleJob"
	AnalyzePreemptiblePhase   = "analyzePreemptibleJobs"
	PreemptAfterSchedulePhase = "preemptJobsAfterScheduling"
	GracefulPreemptionPhase   = "gracefulPreemption"
)

const (
	ScheduledState   = "scheduled"
	DeactivatedState = "deactivated"
	SkipState        = "skip"
)

var errEmptyLevel = errors.New("level field cannot be empty")

// StartSpanWrapper starts a span tagged with its scheduling level, and optionally the phase and
// the name of the tree element or node it covers. Must be paired with FinishActiveSpanWrapper:
//
//	span, _ := StartSpanWrapper(ctx, StageLevel, ScheduleJobPhase, "non_preemptive")
//	defer FinishActiveSpanWrapper(ctx, "", "")
//
// A nil context returns a noop span so callers never need to check whether tracing is enabled.
func StartSpanWrapper(ctx SchedulerTraceContext, level, phase, name string) (opentracing.Span, error) {
	if ctx == nil {
		return opentracing.NoopTracer{}.StartSpan(""), nil
	}
	if level == "" {
		return opentracing.NoopTracer{}.StartSpan(""), errEmptyLevel
	}
	span, err := ctx.StartSpan(fmt.Sprintf("[%s]%s", level, phase))
	if err != nil {
		return span, err
	}
	span.SetTag(LevelKey, level)
	if phase != "" {
		span.SetTag(PhaseKey, phase)
	}
	if name != "" {
		span.SetTag(NameKey, name)
	}
	return span, nil
}

// FinishActiveSpanWrapper tags the active span with the result state and info before finishing it.
func FinishActiveSpanWrapper(ctx SchedulerTraceContext, state, info string) error {
	if ctx == nil {
		return nil
	}
	span, err := ctx.ActiveSpan()
	if err != nil {
		return err
	}
	if state != "" {
		span.SetTag(StateKey, state)
	}
	if info != "" {
		span.SetTag(InfoKey, info)
	}
	return ctx.FinishActiveSpan()
}
