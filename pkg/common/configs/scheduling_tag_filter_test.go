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

package configs

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestSchedulingTagFilter(t *testing.T) {
	var tests = []struct {
		expr     string
		tags     []string
		expected bool
	}{
		{"", nil, true},
		{"gpu", []string{"gpu"}, true},
		{"gpu", []string{"cpu"}, false},
		{"gpu & !ssd", []string{"gpu"}, true},
		{"gpu & !ssd", []string{"gpu", "ssd"}, false},
		{"gpu & !ssd | cpu", []string{"cpu", "ssd"}, true},
		{"!!gpu", []string{"gpu"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			filter, err := ParseSchedulingTagFilter(tt.expr)
			assert.NilError(t, err)
			tags := make(map[string]bool)
			for _, tag := range tt.tags {
				tags[tag] = true
			}
			assert.Equal(t, tt.expected, filter.CanSchedule(tags))
		})
	}
}

func TestSchedulingTagFilterInvalid(t *testing.T) {
	for _, expr := range []string{"a &", "| b", "a b", "!"} {
		_, err := ParseSchedulingTagFilter(expr)
		assert.Assert(t, err != nil, "expected %q to fail", expr)
	}
}

func TestSchedulingTagFilterNormalised(t *testing.T) {
	left := MustParseSchedulingTagFilter("b & a | c")
	right := MustParseSchedulingTagFilter("c|a&b")
	assert.Equal(t, left.String(), right.String())
	assert.Equal(t, "a & b | c", left.String())
}

func TestSchedulingTagFilterAnd(t *testing.T) {
	filter := MustParseSchedulingTagFilter("a | b").And(MustParseSchedulingTagFilter("!c"))
	assert.Equal(t, "!c & a | !c & b", filter.String())
	assert.Assert(t, filter.CanSchedule(map[string]bool{"b": true}))
	assert.Assert(t, !filter.CanSchedule(map[string]bool{"b": true, "c": true}))
	assert.Equal(t, filter.String(), filter.And(EmptySchedulingTagFilter).String())
	assert.Equal(t, filter.String(), EmptySchedulingTagFilter.And(filter).String())
}
