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

package resources

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ResourceType is one dimension of a job resource quantity.
type ResourceType int

const (
	CPU ResourceType = iota
	Memory
	UserSlots
	GPU
	Network

	ResourceTypeCount = 5
)

var resourceTypeNames = [ResourceTypeCount]string{"cpu", "memory", "user_slots", "gpu", "network"}

func (t ResourceType) String() string {
	if t < 0 || int(t) >= ResourceTypeCount {
		return "unknown(" + strconv.Itoa(int(t)) + ")"
	}
	return resourceTypeNames[t]
}

// ParseResourceType converts the config name of a resource back into its type.
func ParseResourceType(name string) (ResourceType, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range resourceTypeNames {
		if n == name {
			return ResourceType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown resource type %q", name)
}

// AllResourceTypes lists the dimensions in index order.
func AllResourceTypes() []ResourceType {
	types := make([]ResourceType, ResourceTypeCount)
	for i := range types {
		types[i] = ResourceType(i)
	}
	return types
}

// JobResources is an absolute multi-dimensional resource quantity.
// It is a value type: all arithmetic returns a new quantity.
type JobResources [ResourceTypeCount]float64

// Zero is the empty quantity.
var Zero = JobResources{}

// Infinite returns a quantity that dominates every finite quantity.
func Infinite() JobResources {
	var r JobResources
	for i := range r {
		r[i] = math.Inf(1)
	}
	return r
}

// NewJobResourcesFromMap builds a quantity, missing types are zero.
func NewJobResourcesFromMap(m map[ResourceType]float64) JobResources {
	var r JobResources
	for t, v := range m {
		r[t] = v
	}
	return r
}

// NewJobResourcesFromConf parses resource names to quantities, memory and network accept plain integers only.
func NewJobResourcesFromConf(conf map[string]string) (JobResources, error) {
	var r JobResources
	for name, value := range conf {
		t, err := ParseResourceType(name)
		if err != nil {
			return Zero, err
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return Zero, fmt.Errorf("invalid quantity %q for resource %s: %w", value, name, err)
		}
		if v < 0 {
			return Zero, fmt.Errorf("negative quantity %q for resource %s", value, name)
		}
		r[t] = v
	}
	return r, nil
}

func (r JobResources) Get(t ResourceType) float64 {
	return r[t]
}

func (r JobResources) Add(other JobResources) JobResources {
	for i := range r {
		r[i] += other[i]
	}
	return r
}

func (r JobResources) Sub(other JobResources) JobResources {
	for i := range r {
		r[i] -= other[i]
	}
	return r
}

func (r JobResources) Negate() JobResources {
	for i := range r {
		r[i] = -r[i]
	}
	return r
}

// Multiply scales every dimension, an infinite dimension stays infinite even for a zero ratio.
func (r JobResources) Multiply(ratio float64) JobResources {
	for i := range r {
		if math.IsInf(r[i], 0) {
			continue
		}
		r[i] *= ratio
	}
	return r
}

// MultiplyVector scales each dimension by the matching share, used to turn a share of the total limits back into a quantity.
func (r JobResources) MultiplyVector(share ResourceVector) JobResources {
	for i := range r {
		if share[i] == 0 {
			r[i] = 0
			continue
		}
		r[i] *= share[i]
	}
	return r
}

func (r JobResources) IsZero() bool {
	for _, v := range r {
		if v != 0 {
			return false
		}
	}
	return true
}

// IsNonNegative returns false if any dimension, taking rounding into account, is below zero.
func (r JobResources) IsNonNegative() bool {
	for _, v := range r {
		if v < -resourceEpsilon {
			return false
		}
	}
	return true
}

// ClampNonNegative replaces negative dimensions with zero.
func (r JobResources) ClampNonNegative() JobResources {
	for i := range r {
		if r[i] < 0 {
			r[i] = 0
		}
	}
	return r
}

func (r JobResources) String() string {
	var sb strings.Builder
	sb.WriteString("{")
	for i, v := range r {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(resourceTypeNames[i])
		sb.WriteString(": ")
		if math.IsInf(v, 1) {
			sb.WriteString("inf")
		} else {
			sb.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
		}
	}
	sb.WriteString("}")
	return sb.String()
}

// ToMap is the REST and config representation, zero dimensions are left out.
func (r JobResources) ToMap() map[string]float64 {
	m := make(map[string]float64)
	for i, v := range r {
		if v != 0 && !math.IsInf(v, 0) {
			m[resourceTypeNames[i]] = v
		}
	}
	return m
}

// resourceEpsilon absorbs the rounding of repeated float additions of usages
const resourceEpsilon = 1e-9

// Dominates returns true if every dimension of left is at least the matching dimension of right.
func Dominates(left, right JobResources) bool {
	for i := range left {
		if left[i]+resourceEpsilon < right[i] {
			return false
		}
	}
	return true
}

// StrictlyDominates returns true if every dimension of left is strictly larger than right.
func StrictlyDominates(left, right JobResources) bool {
	for i := range left {
		if left[i] <= right[i] {
			return false
		}
	}
	return true
}

func Min(left, right JobResources) JobResources {
	for i := range left {
		left[i] = math.Min(left[i], right[i])
	}
	return left
}

func Max(left, right JobResources) JobResources {
	for i := range left {
		left[i] = math.Max(left[i], right[i])
	}
	return left
}

// Equals compares all dimensions allowing for float rounding.
func Equals(left, right JobResources) bool {
	return Dominates(left, right) && Dominates(right, left)
}

// DiskQuota maps a disk medium index to a byte quota.
type DiskQuota map[int]int64

// Media returns the medium indexes with a positive quota.
func (q DiskQuota) Media() []int {
	media := make([]int, 0, len(q))
	for medium, size := range q {
		if size > 0 {
			media = append(media, medium)
		}
	}
	return media
}

// JobResourcesWithQuota is a resource quantity with the disk request attached.
type JobResourcesWithQuota struct {
	JobResources
	DiskQuota DiskQuota
}

func NewJobResourcesWithQuota(r JobResources, quota DiskQuota) JobResourcesWithQuota {
	return JobResourcesWithQuota{JobResources: r, DiskQuota: quota}
}

// ToJobResources drops the disk quota.
func (r JobResourcesWithQuota) ToJobResources() JobResources {
	return r.JobResources
}
