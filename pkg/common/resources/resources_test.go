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
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"gotest.tools/v3/assert"
)

func TestParseResourceType(t *testing.T) {
	for _, rt := range AllResourceTypes() {
		parsed, err := ParseResourceType(rt.String())
		assert.NilError(t, err)
		assert.Equal(t, rt, parsed)
	}
	_, err := ParseResourceType("vcore")
	assert.ErrorContains(t, err, "unknown resource type")
	assert.Equal(t, "unknown(9)", ResourceType(9).String())
}

func TestNewJobResourcesFromConf(t *testing.T) {
	res, err := NewJobResourcesFromConf(map[string]string{"cpu": "4", "memory": "1024", "USER_SLOTS": " 2 "})
	assert.NilError(t, err)
	assert.Equal(t, JobResources{CPU: 4, Memory: 1024, UserSlots: 2}, res)

	_, err = NewJobResourcesFromConf(map[string]string{"cpu": "-1"})
	assert.ErrorContains(t, err, "negative quantity")
	_, err = NewJobResourcesFromConf(map[string]string{"cpu": "lots"})
	assert.ErrorContains(t, err, "invalid quantity")
	_, err = NewJobResourcesFromConf(map[string]string{"disk": "1"})
	assert.ErrorContains(t, err, "unknown resource type")
}

func TestArithmetic(t *testing.T) {
	a := JobResources{CPU: 4, Memory: 10}
	b := JobResources{CPU: 1, Memory: 20, GPU: 1}
	assert.Equal(t, JobResources{CPU: 5, Memory: 30, GPU: 1}, a.Add(b))
	assert.Equal(t, JobResources{CPU: 3, Memory: -10, GPU: -1}, a.Sub(b))
	assert.Equal(t, JobResources{CPU: 2, Memory: 5}, a.Multiply(0.5))
	assert.Equal(t, JobResources{CPU: 1, Memory: 10, GPU: 0}, Min(a, b))
	assert.Equal(t, JobResources{CPU: 4, Memory: 20, GPU: 1}, Max(a, b))
	assert.Assert(t, !a.Sub(b).IsNonNegative())
	assert.Equal(t, JobResources{CPU: 3}, a.Sub(b).ClampNonNegative())
	// the receiver is a value: a is unchanged
	assert.Equal(t, JobResources{CPU: 4, Memory: 10}, a)
}

func TestInfinite(t *testing.T) {
	inf := Infinite()
	assert.Assert(t, Dominates(inf, JobResources{CPU: 1e18, Memory: 1e18}))
	assert.Assert(t, math.IsInf(inf.Multiply(0)[CPU], 1), "zero ratio must not produce NaN")
	assert.Equal(t, 0.0, inf.MultiplyVector(ResourceVector{CPU: 0})[CPU])
	assert.Equal(t, "{cpu: inf, memory: inf, user_slots: inf, gpu: inf, network: inf}", inf.String())
	assert.Equal(t, Infinite(), Min(inf, inf))
}

func TestDominates(t *testing.T) {
	small := JobResources{CPU: 1, Memory: 1}
	large := JobResources{CPU: 2, Memory: 1}
	assert.Assert(t, Dominates(large, small))
	assert.Assert(t, !Dominates(small, large))
	assert.Assert(t, !StrictlyDominates(large, small), "memory is equal")
	assert.Assert(t, Equals(small, small.Add(JobResources{CPU: 1e-12})))
}

func TestToMap(t *testing.T) {
	m := JobResources{CPU: 2, GPU: 1}.ToMap()
	assert.Equal(t, 2, len(m))
	assert.Equal(t, 2.0, m["cpu"])
	assert.Equal(t, 0, len(Infinite().ToMap()))
}

func TestDiskQuotaMedia(t *testing.T) {
	quota := DiskQuota{0: 100, 1: 0, 3: 10}
	media := quota.Media()
	assert.Equal(t, 2, len(media))
	withQuota := NewJobResourcesWithQuota(JobResources{CPU: 1}, quota)
	assert.Equal(t, JobResources{CPU: 1}, withQuota.ToJobResources())
}

func genJobResources(maxValue float64) gopter.Gen {
	return gen.SliceOfN(ResourceTypeCount, gen.Float64Range(0, maxValue)).Map(func(values []float64) JobResources {
		var r JobResources
		copy(r[:], values)
		return r
	})
}

func TestJobResourcesProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("min is dominated by both operands", prop.ForAll(
		func(a, b JobResources) bool {
			m := Min(a, b)
			return Dominates(a, m) && Dominates(b, m)
		},
		genJobResources(1000), genJobResources(1000),
	))
	properties.Property("add then sub is identity", prop.ForAll(
		func(a, b JobResources) bool {
			return Equals(a, a.Add(b).Sub(b))
		},
		genJobResources(1000), genJobResources(1000),
	))
	properties.Property("share of a dominated quantity is dominated", prop.ForAll(
		func(a, b JobResources) bool {
			total := Max(a, b).Add(JobResources{CPU: 1, Memory: 1, UserSlots: 1, GPU: 1, Network: 1})
			return DominatesVector(Share(Max(a, b), total), Share(Min(a, b), total))
		},
		genJobResources(1000), genJobResources(1000),
	))
	properties.TestingRun(t)
}
