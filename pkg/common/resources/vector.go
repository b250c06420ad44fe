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
	"math"
	"strconv"
	"strings"
)

const (
	// RatioComputationPrecision is the precision of a single share computation.
	RatioComputationPrecision = 2.220446049250313e-16
	// RatioComparisonPrecision is used whenever two shares are compared.
	RatioComparisonPrecision = 1.4901161193847656e-08
)

// ResourceVector is a share of the total resource limits per dimension, usually in [0, 1].
type ResourceVector [ResourceTypeCount]float64

// FromDouble returns a vector with all dimensions set to the value.
func FromDouble(value float64) ResourceVector {
	var v ResourceVector
	for i := range v {
		v[i] = value
	}
	return v
}

// Ones is the vector of the full cluster.
func Ones() ResourceVector {
	return FromDouble(1)
}

// Epsilon is the comparison tolerance as a vector.
func Epsilon() ResourceVector {
	return FromDouble(RatioComparisonPrecision)
}

// SmallEpsilon is the computation tolerance as a vector.
func SmallEpsilon() ResourceVector {
	return FromDouble(RatioComputationPrecision)
}

// FromJobResources converts a quantity into a share of the total. A dimension with a zero total
// becomes zeroDivByZero if the quantity is zero as well and oneDivByZero otherwise.
func FromJobResources(usage, total JobResources, zeroDivByZero, oneDivByZero float64) ResourceVector {
	var v ResourceVector
	for i := range v {
		v[i] = divide(usage[i], total[i], zeroDivByZero, oneDivByZero)
	}
	return v
}

// Share converts a quantity into a share of the total with the usual sentinels of zero and one.
func Share(usage, total JobResources) ResourceVector {
	return FromJobResources(usage, total, 0, 1)
}

func divide(num, denom, zeroDivByZero, oneDivByZero float64) float64 {
	if denom == 0 {
		if num == 0 {
			return zeroDivByZero
		}
		return oneDivByZero
	}
	if math.IsInf(denom, 1) {
		if math.IsInf(num, 1) {
			return oneDivByZero
		}
		return 0
	}
	return num / denom
}

// Div divides two vectors componentwise with the given sentinels.
func Div(left, right ResourceVector, zeroDivByZero, oneDivByZero float64) ResourceVector {
	var v ResourceVector
	for i := range v {
		v[i] = divide(left[i], right[i], zeroDivByZero, oneDivByZero)
	}
	return v
}

func (v ResourceVector) Add(other ResourceVector) ResourceVector {
	for i := range v {
		v[i] += other[i]
	}
	return v
}

func (v ResourceVector) Sub(other ResourceVector) ResourceVector {
	for i := range v {
		v[i] -= other[i]
	}
	return v
}

func (v ResourceVector) Multiply(ratio float64) ResourceVector {
	for i := range v {
		v[i] *= ratio
	}
	return v
}

// MaxComponent returns the largest dimension.
func (v ResourceVector) MaxComponent() float64 {
	result := math.Inf(-1)
	for _, x := range v {
		result = math.Max(result, x)
	}
	return result
}

// MinComponent returns the smallest dimension.
func (v ResourceVector) MinComponent() float64 {
	result := math.Inf(1)
	for _, x := range v {
		result = math.Min(result, x)
	}
	return result
}

// IsZero is true if all dimensions are below the computation precision.
func (v ResourceVector) IsZero() bool {
	for _, x := range v {
		if math.Abs(x) > RatioComputationPrecision {
			return false
		}
	}
	return true
}

func (v ResourceVector) String() string {
	var sb strings.Builder
	sb.WriteString("[")
	for i, x := range v {
		if i > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString(strconv.FormatFloat(x, 'f', 6, 64))
	}
	sb.WriteString("]")
	return sb.String()
}

// ToMap is the REST representation of the vector.
func (v ResourceVector) ToMap() map[string]float64 {
	m := make(map[string]float64, ResourceTypeCount)
	for i, x := range v {
		m[resourceTypeNames[i]] = x
	}
	return m
}

// DominantResource returns the dimension with the largest share, the first one on ties.
func (v ResourceVector) DominantResource() ResourceType {
	best := ResourceType(0)
	for i := 1; i < ResourceTypeCount; i++ {
		if v[i] > v[best] {
			best = ResourceType(i)
		}
	}
	return best
}

// DominatesVector returns true if left[i] >= right[i] for all dimensions.
func DominatesVector(left, right ResourceVector) bool {
	for i := range left {
		if left[i] < right[i] {
			return false
		}
	}
	return true
}

// StrictlyDominatesVector returns true if left[i] > right[i] for all dimensions.
func StrictlyDominatesVector(left, right ResourceVector) bool {
	for i := range left {
		if left[i] <= right[i] {
			return false
		}
	}
	return true
}

func MinVector(left, right ResourceVector) ResourceVector {
	for i := range left {
		left[i] = math.Min(left[i], right[i])
	}
	return left
}

func MaxVector(left, right ResourceVector) ResourceVector {
	for i := range left {
		left[i] = math.Max(left[i], right[i])
	}
	return left
}

// Near compares within an absolute tolerance per dimension.
func Near(left, right ResourceVector, eps float64) bool {
	for i := range left {
		if math.IsInf(left[i], 0) || math.IsInf(right[i], 0) {
			if left[i] != right[i] {
				return false
			}
			continue
		}
		if math.Abs(left[i]-right[i]) > eps {
			return false
		}
	}
	return true
}

// Any returns true if the predicate holds for at least one dimension.
func Any(left, right ResourceVector, pred func(l, r float64) bool) bool {
	for i := range left {
		if pred(left[i], right[i]) {
			return true
		}
	}
	return false
}
