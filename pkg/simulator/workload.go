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
package simulator

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/fairshare-scheduler/fairshare-core/pkg/common/configs"
	"github.com/fairshare-scheduler/fairshare-core/pkg/common/resources"
)

const (
	DefaultHeartbeatPeriod = time.Second
	DefaultDuration        = 10 * time.Minute
	DefaultJobDuration     = time.Minute
)

// Workload describes the nodes of the simulated cluster and the operations submitted to it.
type Workload struct {
	Name            string           `yaml:"name"`
	Seed            int64            `yaml:"seed,omitempty"`
	HeartbeatPeriod time.Duration    `yaml:"heartbeatperiod,omitempty"`
	Duration        time.Duration    `yaml:"duration,omitempty"`
	Nodes           []NodeGroup      `yaml:"nodes"`
	Operations      []OperationGroup `yaml:"operations"`
}

// NodeGroup is a number of identical nodes.
type NodeGroup struct {
	Name              string            `yaml:"name"`
	Count             int               `yaml:"count"`
	Tags              []string          `yaml:"tags,omitempty"`
	Resources         map[string]string `yaml:"resources"`
	SchedulingSegment string            `yaml:"schedulingsegment,omitempty"`
}

// OperationGroup is a number of identical operations, each with its own pending jobs.
type OperationGroup struct {
	Name        string            `yaml:"name"`
	Count       int               `yaml:"count,omitempty"`
	Pool        string            `yaml:"pool,omitempty"`
	Weight      *float64          `yaml:"weight,omitempty"`
	Start       time.Duration     `yaml:"start,omitempty"`
	Jobs        int               `yaml:"jobs"`
	Resources   map[string]string `yaml:"resources"`
	JobDuration time.Duration     `yaml:"jobduration,omitempty"`
	Preemption  string            `yaml:"preemptionmode,omitempty"`
}

// LoadWorkloadFromFile reads and validates a workload file.
func LoadWorkloadFromFile(path string) (*Workload, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseWorkload(content)
}

func ParseWorkload(content []byte) (*Workload, error) {
	w := &Workload{}
	decoder := yaml.NewDecoder(bytes.NewReader(content))
	decoder.KnownFields(true)
	if err := decoder.Decode(w); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	w.setDefaults()
	if err := w.validate(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Workload) setDefaults() {
	if w.HeartbeatPeriod <= 0 {
		w.HeartbeatPeriod = DefaultHeartbeatPeriod
	}
	if w.Duration <= 0 {
		w.Duration = DefaultDuration
	}
	for i := range w.Nodes {
		if w.Nodes[i].Count == 0 {
			w.Nodes[i].Count = 1
		}
	}
	for i := range w.Operations {
		if w.Operations[i].Count == 0 {
			w.Operations[i].Count = 1
		}
		if w.Operations[i].JobDuration <= 0 {
			w.Operations[i].JobDuration = DefaultJobDuration
		}
	}
}

func (w *Workload) validate() error {
	var result *multierror.Error
	if len(w.Nodes) == 0 {
		result = multierror.Append(result, fmt.Errorf("workload %q has no nodes", w.Name))
	}
	names := make(map[string]bool)
	for _, group := range w.Nodes {
		if group.Name == "" || names[group.Name] {
			result = multierror.Append(result, fmt.Errorf("node group name %q is empty or not unique", group.Name))
		}
		names[group.Name] = true
		if group.Count < 0 {
			result = multierror.Append(result, fmt.Errorf("node group %q has a negative count", group.Name))
		}
		if _, err := resources.NewJobResourcesFromConf(group.Resources); err != nil {
			result = multierror.Append(result, fmt.Errorf("node group %q: %w", group.Name, err))
		}
	}
	names = make(map[string]bool)
	for _, group := range w.Operations {
		if group.Name == "" || names[group.Name] {
			result = multierror.Append(result, fmt.Errorf("operation group name %q is empty or not unique", group.Name))
		}
		names[group.Name] = true
		if group.Count < 0 || group.Jobs < 0 {
			result = multierror.Append(result, fmt.Errorf("operation group %q has a negative count", group.Name))
		}
		if group.Start < 0 {
			result = multierror.Append(result, fmt.Errorf("operation group %q starts before the simulation", group.Name))
		}
		shape, err := resources.NewJobResourcesFromConf(group.Resources)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("operation group %q: %w", group.Name, err))
		} else if shape == resources.Zero {
			result = multierror.Append(result, fmt.Errorf("operation group %q has jobs without resources", group.Name))
		}
		if err = configs.ValidateOperationSpec(group.operationSpec()); err != nil {
			result = multierror.Append(result, fmt.Errorf("operation group %q: %w", group.Name, err))
		}
	}
	return result.ErrorOrNil()
}

// nodeDescriptors expands the node groups, nodes are spread over the shards round robin.
func (w *Workload) nodeDescriptors(shardCount int) []nodeSpec {
	var nodes []nodeSpec
	for _, group := range w.Nodes {
		limits, err := resources.NewJobResourcesFromConf(group.Resources)
		if err != nil {
			continue
		}
		var tags map[string]bool
		if len(group.Tags) > 0 {
			tags = make(map[string]bool, len(group.Tags))
			for _, tag := range group.Tags {
				tags[tag] = true
			}
		}
		for i := 0; i < group.Count; i++ {
			nodes = append(nodes, nodeSpec{
				id:      fmt.Sprintf("%s-%d", group.Name, i),
				shardID: len(nodes) % shardCount,
				tags:    tags,
				limits:  limits,
				segment: group.SchedulingSegment,
			})
		}
	}
	return nodes
}

// operationSpecs expands the operation groups, a group of one keeps the group name as operation id.
func (w *Workload) operationSpecs() []operationSpec {
	var ops []operationSpec
	for _, group := range w.Operations {
		shape, err := resources.NewJobResourcesFromConf(group.Resources)
		if err != nil {
			continue
		}
		for i := 0; i < group.Count; i++ {
			id := group.Name
			if group.Count > 1 {
				id = fmt.Sprintf("%s-%d", group.Name, i)
			}
			ops = append(ops, operationSpec{
				id:          id,
				start:       group.Start,
				jobs:        group.Jobs,
				shape:       shape,
				jobDuration: group.JobDuration,
				spec:        group.operationSpec(),
			})
		}
	}
	return ops
}

func (g *OperationGroup) operationSpec() *configs.OperationSpec {
	return &configs.OperationSpec{
		Pool:           g.Pool,
		Weight:         g.Weight,
		PreemptionMode: g.Preemption,
	}
}

type nodeSpec struct {
	id      string
	shardID int
	tags    map[string]bool
	limits  resources.JobResources
	segment string
}

type operationSpec struct {
	id          string
	start       time.Duration
	jobs        int
	shape       resources.JobResources
	jobDuration time.Duration
	spec        *configs.OperationSpec
}
