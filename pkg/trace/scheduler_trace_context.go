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
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	"github.com/uber/jaeger-client-go"
)

var ErrNoActiveSpan = errors.New("no active span in trace context")

// SchedulerTraceContext manages the spans of one scheduling heartbeat.
// Spans are started and finished in pairs, the latest unfinished span is the active one.
type SchedulerTraceContext interface {
	ActiveSpan() (opentracing.Span, error)
	// StartSpan starts a child of the active span, or the root span of the heartbeat if none is active.
	StartSpan(operationName string) (opentracing.Span, error)
	FinishActiveSpan() error
}

var _ SchedulerTraceContext = &SchedulerTraceContextImpl{}

// SchedulerTraceContextImpl reports every span as soon as it is finished.
// In on demand mode the root span forces sampling of the full heartbeat.
type SchedulerTraceContextImpl struct {
	Tracer       opentracing.Tracer
	SpanStack    []opentracing.Span
	OnDemandFlag bool
}

func (s *SchedulerTraceContextImpl) ActiveSpan() (opentracing.Span, error) {
	if len(s.SpanStack) == 0 {
		return nil, ErrNoActiveSpan
	}
	return s.SpanStack[len(s.SpanStack)-1], nil
}

func (s *SchedulerTraceContextImpl) StartSpan(operationName string) (opentracing.Span, error) {
	var span opentracing.Span
	parent, err := s.ActiveSpan()
	if err != nil {
		span = s.Tracer.StartSpan(operationName)
		if s.OnDemandFlag {
			ext.SamplingPriority.Set(span, 1)
		}
	} else {
		span = s.Tracer.StartSpan(operationName, opentracing.ChildOf(parent.Context()))
	}
	s.SpanStack = append(s.SpanStack, span)
	return span, nil
}

func (s *SchedulerTraceContextImpl) FinishActiveSpan() error {
	span, err := s.ActiveSpan()
	if err != nil {
		return err
	}
	span.Finish()
	s.SpanStack = s.SpanStack[:len(s.SpanStack)-1]
	return nil
}

var _ opentracing.Span = &DelaySpan{}

// DelaySpan records its finish time and is reported only when the whole heartbeat trace is complete.
type DelaySpan struct {
	opentracing.Span
	FinishTime time.Time
}

// Finish must not be called directly on a delayed span.
func (d *DelaySpan) Finish() {
	panic("delayed span finished directly")
}

// FinishWithOptions must not be called directly on a delayed span.
func (d *DelaySpan) FinishWithOptions(opentracing.FinishOptions) {
	panic("delayed span finished directly")
}

var _ SchedulerTraceContext = &DelaySchedulerTraceContextImpl{}

// DelaySchedulerTraceContextImpl collects all spans of a heartbeat and reports them
// only if one of the spans carries all FilterTags, for example a specific operation id.
type DelaySchedulerTraceContextImpl struct {
	Tracer     opentracing.Tracer
	SpanStack  []*DelaySpan
	Spans      []*DelaySpan
	FilterTags map[string]interface{}
}

func (d *DelaySchedulerTraceContextImpl) ActiveSpan() (opentracing.Span, error) {
	if len(d.SpanStack) == 0 {
		return nil, ErrNoActiveSpan
	}
	return d.SpanStack[len(d.SpanStack)-1], nil
}

func (d *DelaySchedulerTraceContextImpl) StartSpan(operationName string) (opentracing.Span, error) {
	span := &DelaySpan{}
	parent, err := d.ActiveSpan()
	if err != nil {
		span.Span = d.Tracer.StartSpan(operationName)
		ext.SamplingPriority.Set(span, 1)
	} else {
		span.Span = d.Tracer.StartSpan(operationName, opentracing.ChildOf(parent.Context()))
	}
	d.SpanStack = append(d.SpanStack, span)
	d.Spans = append(d.Spans, span)
	return span, nil
}

func (d *DelaySchedulerTraceContextImpl) FinishActiveSpan() error {
	if len(d.SpanStack) == 0 {
		return ErrNoActiveSpan
	}
	span := d.SpanStack[len(d.SpanStack)-1]
	span.FinishTime = time.Now()
	d.SpanStack = d.SpanStack[:len(d.SpanStack)-1]
	if len(d.SpanStack) > 0 {
		return nil
	}
	if d.matchesFilter() {
		for _, s := range d.Spans {
			s.Span.FinishWithOptions(opentracing.FinishOptions{FinishTime: s.FinishTime})
		}
	}
	d.Spans = nil
	return nil
}

func (d *DelaySchedulerTraceContextImpl) matchesFilter() bool {
	if len(d.FilterTags) == 0 {
		return false
	}
	for _, span := range d.Spans {
		js, ok := span.Span.(*jaeger.Span)
		if !ok {
			continue
		}
		tags := js.Tags()
		matched := true
		for k, v := range d.FilterTags {
			if tag, ok := tags[k]; !ok || tag != v {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}
