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

	"gotest.tools/v3/assert"
)

func TestFromJobResources(t *testing.T) {
	usage := JobResources{CPU: 5, Memory: 0, UserSlots: 3}
	total := JobResources{CPU: 10, Memory: 0, UserSlots: 0}
	v := FromJobResources(usage, total, 0.25, 0.75)
	assert.Equal(t, 0.5, v[CPU])
	assert.Equal(t, 0.25, v[Memory], "0/0 should use the zero sentinel")
	assert.Equal(t, 0.75, v[UserSlots], "x/0 should use the one sentinel")

	v = Share(usage, total)
	assert.Equal(t, 0.0, v[Memory])
	assert.Equal(t, 1.0, v[UserSlots])

	v = Share(JobResources{CPU: 1}, Infinite())
	assert.Equal(t, 0.0, v[CPU])
}

func TestDiv(t *testing.T) {
	v := Div(ResourceVector{CPU: 0.5, Memory: 0, GPU: 0.1}, ResourceVector{CPU: 0.25, Memory: 0, GPU: 0}, 0, math.Inf(1))
	assert.Equal(t, 2.0, v[CPU])
	assert.Equal(t, 0.0, v[Memory])
	assert.Assert(t, math.IsInf(v[GPU], 1))
}

func TestComponents(t *testing.T) {
	v := ResourceVector{CPU: 0.2, Memory: 0.7, UserSlots: 0.1}
	assert.Equal(t, 0.7, v.MaxComponent())
	assert.Equal(t, 0.0, v.MinComponent())
	assert.Equal(t, Memory, v.DominantResource())
	assert.Assert(t, !v.IsZero())
	assert.Assert(t, SmallEpsilon().IsZero())
	assert.Equal(t, "[0.200000 0.700000 0.100000 0.000000 0.000000]", v.String())
}

func TestVectorDominance(t *testing.T) {
	a := ResourceVector{CPU: 0.5, Memory: 0.5}
	b := ResourceVector{CPU: 0.4, Memory: 0.5}
	assert.Assert(t, DominatesVector(a, b))
	assert.Assert(t, !StrictlyDominatesVector(a, b))
	assert.Assert(t, StrictlyDominatesVector(a.Add(Epsilon()), b))
	assert.Equal(t, b, MinVector(a, b))
	assert.Equal(t, a, MaxVector(a, b))
}

func TestNear(t *testing.T) {
	a := ResourceVector{CPU: 0.5}
	assert.Assert(t, Near(a, a.Add(SmallEpsilon()), RatioComparisonPrecision))
	assert.Assert(t, !Near(a, ResourceVector{CPU: 0.6}, RatioComparisonPrecision))
	assert.Assert(t, Near(FromDouble(math.Inf(1)), FromDouble(math.Inf(1)), 0))
	assert.Assert(t, !Near(FromDouble(math.Inf(1)), Ones(), 1))
}

func TestAny(t *testing.T) {
	greater := func(l, r float64) bool { return l > r }
	assert.Assert(t, Any(ResourceVector{GPU: 1}, ResourceVector{}, greater))
	assert.Assert(t, !Any(ResourceVector{}, ResourceVector{}, greater))
}
