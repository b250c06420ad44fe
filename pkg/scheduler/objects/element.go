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

package objects

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/fairshare-scheduler/fairshare-core/pkg/common/configs"
	"github.com/fairshare-scheduler/fairshare-core/pkg/common/resources"
	"github.com/fairshare-scheduler/fairshare-core/pkg/log"
)

const (
	InfiniteSatisfactionRatio = 1e9

	// TotalResourceLimitsConsiderDelay is the time after the host connected before node limits of
	// tag filters are trusted, before that the nodes may not have registered yet.
	TotalResourceLimitsConsiderDelay = 60 * time.Second
)

// Attributes are computed by the fair share update and read by the scheduling rounds.
type Attributes struct {
	FairShare              resources.ResourceVector
	DemandShare            resources.ResourceVector
	UsageShare             resources.ResourceVector
	LimitsShare            resources.ResourceVector
	StrongGuaranteeShare   resources.ResourceVector
	DominantResource       resources.ResourceType
	LocalSatisfactionRatio float64
	SatisfactionRatio      float64
	Alive                  bool
}

// PersistentAttributes survive the fair share update: they are copied from the updated snapshot
// back into the live tree.
type PersistentAttributes struct {
	StarvationStatus        StarvationStatus
	BelowFairShareSince     time.Time
	LastNonStarvingTime     time.Time
	HistoricUsage           *HistoricUsageAggregator
	AppliedResourceLimits   resources.JobResources
	SchedulingSegmentModule string
}

func (pa PersistentAttributes) clone() PersistentAttributes {
	if pa.HistoricUsage != nil {
		pa.HistoricUsage = pa.HistoricUsage.clone()
	}
	return pa
}

// UpdateContext carries the input of a single fair share update.
type UpdateContext struct {
	Now                  time.Time
	TotalResourceLimits  resources.JobResources
	SchedulingTagFilters []configs.SchedulingTagFilter

	tagFilterIndexes map[string]int
}

func NewUpdateContext(now time.Time, totalResourceLimits resources.JobResources) *UpdateContext {
	return &UpdateContext{
		Now:                 now,
		TotalResourceLimits: totalResourceLimits,
		tagFilterIndexes:    make(map[string]int),
	}
}

// registerSchedulingTagFilter returns the index of the filter, -1 for the empty filter.
func (uc *UpdateContext) registerSchedulingTagFilter(filter configs.SchedulingTagFilter) int {
	if filter.IsEmpty() {
		return -1
	}
	if index, ok := uc.tagFilterIndexes[filter.String()]; ok {
		return index
	}
	index := len(uc.SchedulingTagFilters)
	uc.SchedulingTagFilters = append(uc.SchedulingTagFilters, filter)
	uc.tagFilterIndexes[filter.String()] = index
	return index
}

// Element is a node of the fair share tree: the root, a pool or an operation.
type Element interface {
	GetID() string
	GetKind() ElementKind
	GetTreeID() string
	GetParent() Composite
	GetTreeIndex() int
	GetTagFilterIndex() int
	IsMutable() bool
	IsSchedulable() bool

	GetAttributes() Attributes
	SetFairShare(fairShare resources.ResourceVector)
	GetResourceDemand() resources.JobResources
	GetResourceUsageAtUpdate() resources.JobResources
	GetResourceLimits() resources.JobResources
	GetTotalResourceLimits() resources.JobResources
	GetStrongGuaranteeResources() resources.JobResources
	GetInstantResourceUsage() resources.JobResources
	GetPendingJobCount() int
	GetStartTime() time.Time
	GetWeight() float64
	GetMaxShareRatio() float64
	GetSchedulingTagFilter() configs.SchedulingTagFilter
	GetSchedulableElementCount() int
	GetPersistentAttributes() PersistentAttributes

	GetStatus(atUpdate bool) ElementStatus
	GetStarvationStatus() StarvationStatus
	CheckForStarvation(now time.Time)
	GetLowestStarvingAncestor() Element
	GetLowestAggressivelyStarvingAncestor() Element
	GetEffectiveStarvationTolerance() float64
	GetEffectiveStarvationTimeout() time.Duration
	IsAggressiveStarvationEnabled() bool
	IsAggressivePreemptionAllowed() bool
	GetEffectiveNonPreemptibleResourceUsageThreshold() resources.JobResources

	ComputeLocalSatisfactionRatio(usage resources.JobResources) float64
	IsResourceBlocked(resourceType resources.ResourceType) bool
	AreAllResourcesBlocked() bool
	IsStrictlyDominatesNonBlocked(lhs, rhs resources.ResourceVector) bool

	base() *element
	clone(parent Composite) Element
	preUpdateBottomUp(ctx *UpdateContext)
}

// element holds the state shared by all kinds, self points back to the concrete element.
type element struct {
	self         Element
	id           string
	treeID       string
	parent       Composite
	treeConfig   *configs.TreeConfig
	host         StrategyHost
	resourceTree *ResourceTree
	mutable      bool

	specifiedWeight                  *float64
	specifiedResourceLimits          *resources.JobResources
	strongGuaranteeResources         resources.JobResources
	maxShareRatio                    float64
	schedulingTagFilter              configs.SchedulingTagFilter
	specifiedStarvationTolerance     *float64
	specifiedStarvationTimeout       *time.Duration
	specifiedAggressiveStarvation    *bool
	specifiedAggressivePreemption    *bool
	specifiedNonPreemptibleThreshold *resources.JobResources

	attributes            Attributes
	resourceDemand        resources.JobResources
	resourceUsageAtUpdate resources.JobResources
	resourceLimits        resources.JobResources
	totalResourceLimits   resources.JobResources
	pendingJobCount       int
	startTime             time.Time
	treeIndex             int
	tagFilterIndex        int
	schedulable           bool

	schedulableElementCount   int
	schedulablePoolCount      int
	schedulableOperationCount int

	effectiveStarvationTolerance     float64
	effectiveStarvationTimeout       time.Duration
	effectiveAggressiveStarvation    bool
	effectiveAggressivePreemption    bool
	effectiveNonPreemptibleThreshold resources.JobResources

	lowestStarvingAncestor             Element
	lowestAggressivelyStarvingAncestor Element

	persistent PersistentAttributes
}

func newElement(id, treeID string, treeConfig *configs.TreeConfig, host StrategyHost, resourceTree *ResourceTree) element {
	return element{
		id:                  id,
		treeID:              treeID,
		treeConfig:          treeConfig,
		host:                host,
		resourceTree:        resourceTree,
		mutable:             true,
		maxShareRatio:       1.0,
		treeIndex:           -1,
		tagFilterIndex:      -1,
		resourceLimits:      resources.Infinite(),
		totalResourceLimits: resources.Zero,
		persistent: PersistentAttributes{
			HistoricUsage:         NewHistoricUsageAggregator(configs.HistoricUsageConfig{AggregationMode: configs.HistoricUsageNone}),
			AppliedResourceLimits: resources.Infinite(),
		},
		effectiveNonPreemptibleThreshold: resources.Infinite(),
	}
}

// cloneBase copies the element for a new snapshot, the copy is mutable until marked otherwise.
func (e *element) cloneBase(parent Composite) element {
	c := *e
	c.parent = parent
	c.mutable = true
	c.self = nil
	c.lowestStarvingAncestor = nil
	c.lowestAggressivelyStarvingAncestor = nil
	c.persistent = e.persistent.clone()
	return c
}

func (e *element) base() *element {
	return e
}

// checkMutable guards all writes, writing to a published snapshot is a programming error.
func (e *element) checkMutable() {
	if !e.mutable {
		log.Log(log.Tree).Error("attempt to modify an immutable tree element",
			zap.String("treeID", e.treeID),
			zap.String("elementID", e.id))
		panic(fmt.Sprintf("tree element %s of tree %s is immutable", e.id, e.treeID))
	}
}

func (e *element) GetID() string {
	return e.id
}

func (e *element) GetTreeID() string {
	return e.treeID
}

func (e *element) GetParent() Composite {
	return e.parent
}

func (e *element) GetTreeIndex() int {
	return e.treeIndex
}

func (e *element) GetTagFilterIndex() int {
	return e.tagFilterIndex
}

func (e *element) IsMutable() bool {
	return e.mutable
}

func (e *element) IsSchedulable() bool {
	return e.schedulable
}

func (e *element) GetAttributes() Attributes {
	return e.attributes
}

// SetFairShare is the output of the fair share computation.
func (e *element) SetFairShare(fairShare resources.ResourceVector) {
	e.checkMutable()
	e.attributes.FairShare = fairShare
}

func (e *element) GetResourceDemand() resources.JobResources {
	return e.resourceDemand
}

func (e *element) GetResourceUsageAtUpdate() resources.JobResources {
	return e.resourceUsageAtUpdate
}

func (e *element) GetResourceLimits() resources.JobResources {
	return e.resourceLimits
}

func (e *element) GetTotalResourceLimits() resources.JobResources {
	return e.totalResourceLimits
}

func (e *element) GetStrongGuaranteeResources() resources.JobResources {
	return e.strongGuaranteeResources
}

// GetInstantResourceUsage reads the live usage from the resource tree.
func (e *element) GetInstantResourceUsage() resources.JobResources {
	return e.resourceTree.GetResourceUsage(e.id)
}

func (e *element) GetPendingJobCount() int {
	return e.pendingJobCount
}

func (e *element) GetStartTime() time.Time {
	return e.startTime
}

func (e *element) GetMaxShareRatio() float64 {
	return e.maxShareRatio
}

func (e *element) GetSchedulingTagFilter() configs.SchedulingTagFilter {
	return e.schedulingTagFilter
}

func (e *element) GetSchedulableElementCount() int {
	return e.schedulableElementCount
}

func (e *element) GetPersistentAttributes() PersistentAttributes {
	return e.persistent
}

func (e *element) GetStarvationStatus() StarvationStatus {
	return e.persistent.StarvationStatus
}

func (e *element) setStarvationStatus(status StarvationStatus, now time.Time) {
	e.checkMutable()
	if status == NonStarving {
		e.persistent.LastNonStarvingTime = now
	}
	if status != e.persistent.StarvationStatus {
		log.Log(log.Tree).Debug("starvation status changed",
			zap.String("treeID", e.treeID),
			zap.String("elementID", e.id),
			zap.Stringer("from", e.persistent.StarvationStatus),
			zap.Stringer("to", status))
	}
	e.persistent.StarvationStatus = status
}

func (e *element) GetLowestStarvingAncestor() Element {
	return e.lowestStarvingAncestor
}

func (e *element) GetLowestAggressivelyStarvingAncestor() Element {
	return e.lowestAggressivelyStarvingAncestor
}

func (e *element) GetEffectiveStarvationTolerance() float64 {
	return e.effectiveStarvationTolerance
}

func (e *element) GetEffectiveStarvationTimeout() time.Duration {
	return e.effectiveStarvationTimeout
}

func (e *element) IsAggressiveStarvationEnabled() bool {
	return e.effectiveAggressiveStarvation
}

func (e *element) IsAggressivePreemptionAllowed() bool {
	return e.effectiveAggressivePreemption
}

func (e *element) GetEffectiveNonPreemptibleResourceUsageThreshold() resources.JobResources {
	return e.effectiveNonPreemptibleThreshold
}

// GetWeight returns the weight used by the fair share computation of the parent.
func (e *element) GetWeight() float64 {
	if e.parent != nil && e.parent.IsInferringChildrenWeightsFromHistoricUsage() {
		weight := 1.0
		if e.specifiedWeight != nil {
			weight = *e.specifiedWeight
		}
		return weight * math.Exp2(-e.persistent.HistoricUsage.GetHistoricUsage())
	}
	if e.specifiedWeight != nil {
		return *e.specifiedWeight
	}
	if e.treeConfig.InferWeightFromGuaranteesShareMultiplier == nil {
		return 1.0
	}
	selfShare := e.attributes.StrongGuaranteeShare.MaxComponent()
	if selfShare < resources.RatioComputationPrecision {
		return 1.0
	}
	parentShare := 1.0
	if e.parent != nil {
		parentShare = e.parent.GetAttributes().StrongGuaranteeShare.MaxComponent()
	}
	if parentShare < resources.RatioComputationPrecision {
		return 1.0
	}
	return selfShare * *e.treeConfig.InferWeightFromGuaranteesShareMultiplier / parentShare
}

// IsResourceBlocked is true once the fair share covers the whole demand of the resource.
func (e *element) IsResourceBlocked(resourceType resources.ResourceType) bool {
	return e.attributes.FairShare[resourceType] >= e.attributes.DemandShare[resourceType]
}

func (e *element) AreAllResourcesBlocked() bool {
	return resources.DominatesVector(e.attributes.FairShare, e.attributes.DemandShare)
}

// IsStrictlyDominatesNonBlocked compares only the resources that are not blocked. If all
// resources are blocked it is true if lhs is larger in any resource. The relation is monotonic
// in both arguments and in the set of blocked resources, it is not an order.
func (e *element) IsStrictlyDominatesNonBlocked(lhs, rhs resources.ResourceVector) bool {
	return strictlyDominatesNonBlocked(lhs, rhs, e.blockedResources())
}

func (e *element) blockedResources() [resources.ResourceTypeCount]bool {
	var blocked [resources.ResourceTypeCount]bool
	for i := range blocked {
		blocked[i] = e.IsResourceBlocked(resources.ResourceType(i))
	}
	return blocked
}

func strictlyDominatesNonBlocked(lhs, rhs resources.ResourceVector, blocked [resources.ResourceTypeCount]bool) bool {
	allBlocked := true
	for _, b := range blocked {
		allBlocked = allBlocked && b
	}
	if allBlocked {
		return resources.Any(lhs, rhs, func(l, r float64) bool { return l > r })
	}
	for i := range lhs {
		if !blocked[i] && lhs[i] <= rhs[i] {
			return false
		}
	}
	return true
}

// ComputeLocalSatisfactionRatio is the usage relative to the fair share of this element only.
func (e *element) ComputeLocalSatisfactionRatio(usage resources.JobResources) float64 {
	fairShare := e.attributes.FairShare
	if resources.DominatesVector(resources.SmallEpsilon(), fairShare) {
		return InfiniteSatisfactionRatio
	}
	usageShare := resources.Share(usage, e.totalResourceLimits)
	if resources.Any(usageShare, fairShare, func(u, f float64) bool { return u > f }) {
		return math.Min(resources.Div(usageShare, fairShare, 0, InfiniteSatisfactionRatio).MaxComponent(), InfiniteSatisfactionRatio)
	}
	if e.AreAllResourcesBlocked() {
		return resources.Div(usageShare, fairShare, 1, 1).MinComponent()
	}
	ratio := 0.0
	for i := range fairShare {
		if !e.IsResourceBlocked(resources.ResourceType(i)) && fairShare[i] != 0 {
			ratio = math.Max(ratio, usageShare[i]/fairShare[i])
		}
	}
	return ratio
}

// getStatusImpl uses the share of the usage at update, or the live usage if not at update.
func (e *element) getStatusImpl(tolerance float64, atUpdate bool) ElementStatus {
	usageShare := e.attributes.UsageShare
	if !atUpdate {
		usageShare = resources.Share(e.GetInstantResourceUsage(), e.totalResourceLimits)
	}
	bound := resources.MinVector(e.attributes.FairShare.Multiply(tolerance), e.attributes.DemandShare)
	if e.IsStrictlyDominatesNonBlocked(bound, usageShare) {
		return StatusBelowFairShare
	}
	return StatusNormal
}

func (e *element) checkForStarvationImpl(timeout, aggressiveTimeout time.Duration, now time.Time) {
	e.checkMutable()
	switch e.self.GetStatus(true) {
	case StatusBelowFairShare:
		since := e.persistent.BelowFairShareSince
		switch {
		case since.IsZero():
			e.persistent.BelowFairShareSince = now
		case e.effectiveAggressiveStarvation && now.After(since.Add(aggressiveTimeout)):
			e.setStarvationStatus(AggressivelyStarving, now)
		case now.After(since.Add(timeout)):
			e.setStarvationStatus(Starving, now)
		}
	case StatusNormal:
		e.persistent.BelowFairShareSince = time.Time{}
		e.setStarvationStatus(NonStarving, now)
	}
}

func (e *element) tagFilterLimits(ctx *UpdateContext) resources.JobResources {
	if e.schedulingTagFilter.IsEmpty() {
		return ctx.TotalResourceLimits
	}
	if e.host == nil || ctx.Now.Before(e.host.GetConnectionTime().Add(TotalResourceLimitsConsiderDelay)) {
		return resources.Infinite()
	}
	nodesFilter := configs.MustParseSchedulingTagFilter(e.treeConfig.NodesFilter)
	return e.host.GetResourceLimits(nodesFilter.And(e.schedulingTagFilter))
}

func (e *element) computeResourceLimits(ctx *UpdateContext) resources.JobResources {
	limits := resources.Infinite()
	if e.specifiedResourceLimits != nil {
		limits = *e.specifiedResourceLimits
	}
	limits = resources.Min(limits, e.tagFilterLimits(ctx))
	return resources.Min(limits, ctx.TotalResourceLimits.Multiply(e.maxShareRatio))
}

// finishPreUpdate computes the shares once usage and demand of the element are known.
func (e *element) finishPreUpdate(ctx *UpdateContext) {
	e.totalResourceLimits = ctx.TotalResourceLimits
	e.resourceLimits = e.computeResourceLimits(ctx)
	e.tagFilterIndex = ctx.registerSchedulingTagFilter(e.schedulingTagFilter)
	if e.specifiedResourceLimits != nil {
		e.resourceTree.ApplyLimits(e.id, *e.specifiedResourceLimits, true)
		e.persistent.AppliedResourceLimits = *e.specifiedResourceLimits
	} else {
		e.resourceTree.ApplyLimits(e.id, resources.Infinite(), false)
		e.persistent.AppliedResourceLimits = resources.Infinite()
	}
	total := ctx.TotalResourceLimits
	e.attributes.UsageShare = resources.Share(e.resourceUsageAtUpdate, total)
	e.attributes.DemandShare = resources.Share(e.resourceDemand, total)
	e.attributes.LimitsShare = resources.MinVector(resources.Share(e.resourceLimits, total), resources.Ones())
	e.attributes.StrongGuaranteeShare = resources.Share(e.strongGuaranteeResources, total)
	e.attributes.DominantResource = e.attributes.DemandShare.DominantResource()
	e.attributes.Alive = e.resourceTree.IsAlive(e.id)
}

// updateEffectiveRecursiveAttributes inherits the unset attributes from the parent.
func (e *element) updateEffectiveRecursiveAttributes() {
	e.checkMutable()
	if e.parent == nil {
		e.effectiveStarvationTolerance = e.treeConfig.FairShareStarvationTolerance
		e.effectiveStarvationTimeout = e.treeConfig.FairShareStarvationTimeout
		e.effectiveAggressiveStarvation = e.treeConfig.EnableAggressiveStarvation
		e.effectiveAggressivePreemption = true
		threshold, err := configs.ParseResources(e.treeConfig.NonPreemptibleResourceUsageThreshold, resources.Infinite())
		if err != nil {
			threshold = resources.Infinite()
		}
		e.effectiveNonPreemptibleThreshold = threshold
		return
	}
	parent := e.parent.base()
	e.effectiveStarvationTolerance = parent.effectiveStarvationTolerance
	if e.specifiedStarvationTolerance != nil {
		e.effectiveStarvationTolerance = *e.specifiedStarvationTolerance
	}
	e.effectiveStarvationTimeout = parent.effectiveStarvationTimeout
	if e.specifiedStarvationTimeout != nil {
		e.effectiveStarvationTimeout = *e.specifiedStarvationTimeout
	}
	e.effectiveAggressiveStarvation = parent.effectiveAggressiveStarvation
	if e.specifiedAggressiveStarvation != nil {
		e.effectiveAggressiveStarvation = *e.specifiedAggressiveStarvation
	}
	e.effectiveAggressivePreemption = parent.effectiveAggressivePreemption
	if e.specifiedAggressivePreemption != nil {
		e.effectiveAggressivePreemption = parent.effectiveAggressivePreemption && *e.specifiedAggressivePreemption
	}
	e.effectiveNonPreemptibleThreshold = parent.effectiveNonPreemptibleThreshold
	if e.specifiedNonPreemptibleThreshold != nil {
		e.effectiveNonPreemptibleThreshold = *e.specifiedNonPreemptibleThreshold
	}
}

// fifoLess orders the children of a FIFO pool, the first parameter that differs decides.
func fifoLess(lhs, rhs Element, parameters []string) bool {
	for _, parameter := range parameters {
		switch parameter {
		case configs.FifoSortWeight:
			if lw, rw := lhs.GetWeight(), rhs.GetWeight(); lw != rw {
				return lw > rw
			}
		case configs.FifoSortStartTime:
			if ls, rs := lhs.GetStartTime(), rhs.GetStartTime(); !ls.Equal(rs) {
				return ls.Before(rs)
			}
		case configs.FifoSortPendingJobCount:
			if lp, rp := lhs.GetPendingJobCount(), rhs.GetPendingJobCount(); lp != rp {
				return lp < rp
			}
		}
	}
	return lhs.GetID() < rhs.GetID()
}

// contractViolation reports a structural change the caller must never attempt.
func contractViolation(treeID, elementID, msg string) {
	log.Log(log.Tree).Error("tree contract violated",
		zap.String("treeID", treeID),
		zap.String("elementID", elementID),
		zap.String("violation", msg))
	panic(fmt.Sprintf("tree %s element %s: %s", treeID, elementID, msg))
}

// parseSpecifiedLimits returns nil if no limit is configured, resources without a limit stay unlimited.
func parseSpecifiedLimits(conf map[string]string) (*resources.JobResources, error) {
	if len(conf) == 0 {
		return nil, nil
	}
	parsed, err := resources.NewJobResourcesFromConf(conf)
	if err != nil {
		return nil, err
	}
	limits := resources.Infinite()
	for name := range conf {
		t, err := resources.ParseResourceType(name)
		if err != nil {
			return nil, err
		}
		limits[t] = parsed[t]
	}
	return &limits, nil
}
