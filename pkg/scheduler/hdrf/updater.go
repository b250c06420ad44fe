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

// Package hdrf contains a reference fair share updater. It distributes the fair share of every
// composite element among its enabled children by weighted water-filling along the demand
// direction of each child, bounded by the demand, the limits and the max share ratio.
package hdrf

import (
	"math"

	"go.uber.org/zap"

	"github.com/fairshare-scheduler/fairshare-core/pkg/common/resources"
	"github.com/fairshare-scheduler/fairshare-core/pkg/log"
	"github.com/fairshare-scheduler/fairshare-core/pkg/scheduler/objects"
)

const (
	searchIterations = 64
	minWeight        = 1e-9
)

type Updater struct{}

func NewUpdater() *Updater {
	return &Updater{}
}

// UpdateFairShare sets the fair share of the whole mutable tree, the root always gets everything.
func (u *Updater) UpdateFairShare(root *objects.Root, _ *objects.UpdateContext) {
	root.SetFairShare(resources.Ones())
	distribute(root, resources.Ones())
	log.Log(log.Update).Debug("fair share distributed",
		zap.String("treeID", root.GetTreeID()),
		zap.Stringer("rootDemandShare", root.GetAttributes().DemandShare))
}

// child is the input of one water-filling round.
type child struct {
	element   objects.Element
	weight    float64
	direction resources.ResourceVector
	guarantee resources.ResourceVector
	cap       resources.ResourceVector
}

func (c *child) shareAt(level float64) resources.ResourceVector {
	share := resources.MaxVector(c.guarantee, c.direction.Multiply(level*c.weight))
	return resources.MinVector(share, c.cap)
}

func distribute(parent objects.Composite, fairShare resources.ResourceVector) {
	enabled := parent.EnabledChildren()
	for _, e := range parent.DisabledChildren() {
		e.SetFairShare(resources.ResourceVector{})
	}
	if len(enabled) == 0 {
		return
	}
	children := make([]*child, 0, len(enabled))
	lowestWeight := math.Inf(1)
	for _, e := range enabled {
		c := newChild(e, fairShare)
		lowestWeight = math.Min(lowestWeight, c.weight)
		children = append(children, c)
	}
	fits := func(level float64) bool {
		var total resources.ResourceVector
		for _, c := range children {
			total = total.Add(c.shareAt(level))
		}
		return resources.DominatesVector(fairShare.Add(resources.SmallEpsilon()), total)
	}
	// guarantees that do not fit are scaled down
	if !fits(0) {
		scaleGuarantees(children, fairShare)
	}
	// every child is capped once the level reaches 1/weight
	low, high := 0.0, 1/lowestWeight
	if fits(high) {
		low = high
	} else {
		for i := 0; i < searchIterations; i++ {
			mid := (low + high) / 2
			if fits(mid) {
				low = mid
			} else {
				high = mid
			}
		}
	}
	for _, c := range children {
		share := c.shareAt(low)
		c.element.SetFairShare(share)
		if composite, ok := c.element.(objects.Composite); ok {
			distribute(composite, share)
		}
	}
}

func newChild(e objects.Element, parentShare resources.ResourceVector) *child {
	attributes := e.GetAttributes()
	weight := math.Max(e.GetWeight(), minWeight)
	limit := resources.MinVector(attributes.LimitsShare, resources.FromDouble(e.GetMaxShareRatio()))
	capShare := resources.MinVector(resources.MinVector(attributes.DemandShare, limit), parentShare)
	direction := resources.ResourceVector{}
	if dominant := attributes.DemandShare.MaxComponent(); dominant > resources.RatioComputationPrecision {
		direction = attributes.DemandShare.Multiply(1 / dominant)
	}
	return &child{
		element:   e,
		weight:    weight,
		direction: direction,
		guarantee: resources.MinVector(attributes.StrongGuaranteeShare, capShare),
		cap:       capShare,
	}
}

func scaleGuarantees(children []*child, fairShare resources.ResourceVector) {
	var total resources.ResourceVector
	for _, c := range children {
		total = total.Add(c.guarantee)
	}
	ratio := resources.Div(fairShare, total, 1, 1).MinComponent()
	for _, c := range children {
		c.guarantee = c.guarantee.Multiply(math.Min(ratio, 1))
	}
}
