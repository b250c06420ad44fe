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
	"io"

	"github.com/opentracing/opentracing-go"
	"go.uber.org/zap"

	"github.com/fairshare-scheduler/fairshare-core/pkg/locking"
	"github.com/fairshare-scheduler/fairshare-core/pkg/log"
)

// SchedulerTracer hands out a trace context per scheduling heartbeat.
type SchedulerTracer interface {
	NewTraceContext() SchedulerTraceContext
	Close()
}

var _ SchedulerTracer = &SchedulerTracerImpl{}

const (
	Sampling = "Sampling"
	OnDemand = "OnDemand"
)

type SchedulerTracerImplParams struct {
	Mode       string
	FilterTags map[string]interface{}
}

var DefaultSchedulerTracerImplParams = &SchedulerTracerImplParams{
	Mode: Sampling,
}

type SchedulerTracerImpl struct {
	Tracer opentracing.Tracer
	Closer io.Closer
	params *SchedulerTracerImplParams

	locking.RWMutex
}

func (s *SchedulerTracerImpl) NewTraceContext() SchedulerTraceContext {
	s.RLock()
	defer s.RUnlock()
	switch s.params.Mode {
	case Sampling:
		return &SchedulerTraceContextImpl{Tracer: s.Tracer}
	case OnDemand:
		if len(s.params.FilterTags) == 0 {
			return &SchedulerTraceContextImpl{Tracer: s.Tracer, OnDemandFlag: true}
		}
		return &DelaySchedulerTraceContextImpl{Tracer: s.Tracer, FilterTags: s.params.FilterTags}
	default:
		return nil
	}
}

// SetParams replaces the tracing mode, already created contexts keep their mode.
func (s *SchedulerTracerImpl) SetParams(params *SchedulerTracerImplParams) {
	if params == nil {
		return
	}
	s.Lock()
	defer s.Unlock()
	s.params = params
}

func (s *SchedulerTracerImpl) Close() {
	if s.Closer == nil {
		return
	}
	if err := s.Closer.Close(); err != nil {
		log.Log(log.Scheduling).Warn("failed to close tracer", zap.Error(err))
	}
}

// NewSchedulerTracer creates a tracer configured from the jaeger environment variables.
func NewSchedulerTracer(serviceName string, params *SchedulerTracerImplParams) (SchedulerTracer, error) {
	tracer, closer, err := NewTracerFromEnv(serviceName)
	if err != nil {
		return nil, err
	}
	return NewSchedulerTracerWith(tracer, closer, params), nil
}

func NewSchedulerTracerWith(tracer opentracing.Tracer, closer io.Closer, params *SchedulerTracerImplParams) *SchedulerTracerImpl {
	if params == nil {
		params = DefaultSchedulerTracerImplParams
	}
	return &SchedulerTracerImpl{
		Tracer: tracer,
		Closer: closer,
		params: params,
	}
}
