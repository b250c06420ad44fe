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
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var tagRegExp = regexp.MustCompile(`^[a-zA-Z0-9_.:/-]+$`)

type tagLiteral struct {
	tag     string
	negated bool
}

// SchedulingTagFilter is a boolean formula over node tags in disjunctive normal form:
// "gpu & !ssd | cpu_only". An empty filter matches every node.
type SchedulingTagFilter struct {
	expr    string
	clauses [][]tagLiteral
}

// EmptySchedulingTagFilter matches every node.
var EmptySchedulingTagFilter = SchedulingTagFilter{}

// ParseSchedulingTagFilter parses the formula, whitespace is ignored.
func ParseSchedulingTagFilter(expr string) (SchedulingTagFilter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return EmptySchedulingTagFilter, nil
	}
	filter := SchedulingTagFilter{}
	for _, clauseExpr := range strings.Split(expr, "|") {
		var clause []tagLiteral
		for _, literalExpr := range strings.Split(clauseExpr, "&") {
			literalExpr = strings.TrimSpace(literalExpr)
			negated := false
			for strings.HasPrefix(literalExpr, "!") {
				negated = !negated
				literalExpr = strings.TrimSpace(literalExpr[1:])
			}
			if !tagRegExp.MatchString(literalExpr) {
				return EmptySchedulingTagFilter, fmt.Errorf("invalid tag %q in filter %q", literalExpr, expr)
			}
			clause = append(clause, tagLiteral{tag: literalExpr, negated: negated})
		}
		filter.clauses = append(filter.clauses, clause)
	}
	filter.expr = filter.format()
	return filter, nil
}

// MustParseSchedulingTagFilter is used for values already validated.
func MustParseSchedulingTagFilter(expr string) SchedulingTagFilter {
	filter, err := ParseSchedulingTagFilter(expr)
	if err != nil {
		panic(err)
	}
	return filter
}

func (f SchedulingTagFilter) IsEmpty() bool {
	return len(f.clauses) == 0
}

// String returns the normalised formula, equal filters have equal strings.
func (f SchedulingTagFilter) String() string {
	return f.expr
}

// CanSchedule evaluates the filter against the tags of a node.
func (f SchedulingTagFilter) CanSchedule(tags map[string]bool) bool {
	if f.IsEmpty() {
		return true
	}
	for _, clause := range f.clauses {
		matched := true
		for _, literal := range clause {
			if tags[literal.tag] == literal.negated {
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

// And combines two filters into the conjunction, expanding back into normal form.
func (f SchedulingTagFilter) And(other SchedulingTagFilter) SchedulingTagFilter {
	if f.IsEmpty() {
		return other
	}
	if other.IsEmpty() {
		return f
	}
	result := SchedulingTagFilter{}
	for _, left := range f.clauses {
		for _, right := range other.clauses {
			clause := make([]tagLiteral, 0, len(left)+len(right))
			clause = append(clause, left...)
			clause = append(clause, right...)
			result.clauses = append(result.clauses, clause)
		}
	}
	result.expr = result.format()
	return result
}

func (f SchedulingTagFilter) format() string {
	clauses := make([]string, 0, len(f.clauses))
	for _, clause := range f.clauses {
		literals := make([]string, 0, len(clause))
		for _, literal := range clause {
			if literal.negated {
				literals = append(literals, "!"+literal.tag)
			} else {
				literals = append(literals, literal.tag)
			}
		}
		sort.Strings(literals)
		clauses = append(clauses, strings.Join(literals, " & "))
	}
	sort.Strings(clauses)
	return strings.Join(clauses, " | ")
}
