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

package scheduler

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/fairshare-scheduler/fairshare-core/pkg/common/configs"
	"github.com/fairshare-scheduler/fairshare-core/pkg/common/resources"
	"github.com/fairshare-scheduler/fairshare-core/pkg/locking"
	"github.com/fairshare-scheduler/fairshare-core/pkg/log"
	"github.com/fairshare-scheduler/fairshare-core/pkg/scheduler/objects"
)

var _ objects.ScheduleJobCallTracker = &OperationSharedState{}

// jobRef orders the jobs of an operation by the time they were added.
type jobRef struct {
	seq uint64
	id  string
}

func (jr jobRef) Less(than btree.Item) bool {
	other, ok := than.(jobRef)
	if !ok {
		return false
	}
	return jr.seq < other.seq
}

type jobProperties struct {
	status        objects.JobPreemptionStatus
	seq           uint64
	resourceUsage resources.JobResources
}

// jobList is one slice of the insertion ordered job sequence of an operation.
type jobList struct {
	jobs  *btree.BTree
	usage resources.JobResources
}

func newJobList() *jobList {
	return &jobList{jobs: btree.New(7)}
}

func (jl *jobList) front() (jobRef, bool) {
	item := jl.jobs.Min()
	if item == nil {
		return jobRef{}, false
	}
	return item.(jobRef), true //nolint:errcheck
}

func (jl *jobList) back() (jobRef, bool) {
	item := jl.jobs.Max()
	if item == nil {
		return jobRef{}, false
	}
	return item.(jobRef), true //nolint:errcheck
}

func (jl *jobList) ids() []string {
	ids := make([]string, 0, jl.jobs.Len())
	jl.jobs.Ascend(func(item btree.Item) bool {
		ids = append(ids, item.(jobRef).id) //nolint:errcheck
		return true
	})
	return ids
}

// OperationSharedState is the state of one operation that all node shards share: the running
// jobs split into three lists by preemption status, the concurrent controller call counters and
// the packing window. Concatenated in the order non-preemptible, aggressively preemptible and
// preemptible the lists form the job sequence of the operation in start order.
type OperationSharedState struct {
	operationID string
	enabled     bool
	nextSeq     uint64
	jobs        map[string]*jobProperties
	lists       [objects.JobPreemptionStatusCount]*jobList

	maxConcurrentScheduleJobCallsPerNodeShard int
	concurrentScheduleJobCalls                []atomic.Int64
	scheduleJobCallsSinceLastUpdate           atomic.Int64
	lastScheduleJobFailTime                   atomic.Int64
	lastScheduleJobSuccessTime                atomic.Int64

	// deactivation counters, the second set is reset when the operation stops starving
	deactivationReasons                        [DeactivationReasonCount]atomic.Int64
	deactivationReasonsFromLastNonStarvingTime [DeactivationReasonCount]atomic.Int64

	packing *PackingStatistics

	locking.RWMutex
}

func NewOperationSharedState(operationID string, treeConfig *configs.TreeConfig) *OperationSharedState {
	shards := treeConfig.NodeShardCount
	if shards <= 0 {
		shards = 1
	}
	s := &OperationSharedState{
		operationID: operationID,
		jobs:        make(map[string]*jobProperties),
		packing:     NewPackingStatistics(),

		maxConcurrentScheduleJobCallsPerNodeShard: treeConfig.MaxConcurrentScheduleJobCallsPerNodeShard,
		concurrentScheduleJobCalls:                make([]atomic.Int64, shards),
	}
	for i := range s.lists {
		s.lists[i] = newJobList()
	}
	return s
}

func (s *OperationSharedState) GetOperationID() string {
	return s.operationID
}

// Enable allows jobs to be added, an enabled state is never enabled twice.
func (s *OperationSharedState) Enable() {
	s.Lock()
	defer s.Unlock()
	s.enabled = true
}

// Disable drops all tracked jobs, the usage they held is released by the tree.
func (s *OperationSharedState) Disable() {
	s.Lock()
	defer s.Unlock()
	s.enabled = false
	s.jobs = make(map[string]*jobProperties)
	for i := range s.lists {
		s.lists[i] = newJobList()
	}
}

func (s *OperationSharedState) IsEnabled() bool {
	s.RLock()
	defer s.RUnlock()
	return s.enabled
}

// AddJob appends the job at the end of the sequence as preemptible, the next list update moves
// it to its final place. Returns false if the state is disabled or the job is already known.
func (s *OperationSharedState) AddJob(jobID string, resourceUsage resources.JobResources) bool {
	s.Lock()
	defer s.Unlock()
	if !s.enabled {
		return false
	}
	if _, ok := s.jobs[jobID]; ok {
		log.Log(log.Scheduling).Warn("job added twice to operation",
			zap.String("operationID", s.operationID),
			zap.String("jobID", jobID))
		return false
	}
	s.nextSeq++
	props := &jobProperties{
		status:        objects.Preemptible,
		seq:           s.nextSeq,
		resourceUsage: resourceUsage,
	}
	s.jobs[jobID] = props
	list := s.lists[objects.Preemptible]
	list.jobs.ReplaceOrInsert(jobRef{seq: props.seq, id: jobID})
	list.usage = list.usage.Add(resourceUsage)
	return true
}

// RemoveJob forgets the job and returns the usage it held.
func (s *OperationSharedState) RemoveJob(jobID string) (resources.JobResources, bool) {
	s.Lock()
	defer s.Unlock()
	props, ok := s.jobs[jobID]
	if !ok {
		return resources.Zero, false
	}
	list := s.lists[props.status]
	list.jobs.Delete(jobRef{seq: props.seq, id: jobID})
	list.usage = list.usage.Sub(props.resourceUsage)
	delete(s.jobs, jobID)
	return props.resourceUsage, true
}

// SetJobResourceUsage replaces the usage of a running job and returns the change, zero for unknown jobs.
func (s *OperationSharedState) SetJobResourceUsage(jobID string, resourceUsage resources.JobResources) resources.JobResources {
	s.Lock()
	defer s.Unlock()
	props, ok := s.jobs[jobID]
	if !ok {
		return resources.Zero
	}
	delta := resourceUsage.Sub(props.resourceUsage)
	props.resourceUsage = resourceUsage
	list := s.lists[props.status]
	list.usage = list.usage.Add(delta)
	return delta
}

func (s *OperationSharedState) IsJobKnown(jobID string) bool {
	s.RLock()
	defer s.RUnlock()
	_, ok := s.jobs[jobID]
	return ok
}

func (s *OperationSharedState) GetJobPreemptionStatus(jobID string) (objects.JobPreemptionStatus, bool) {
	s.RLock()
	defer s.RUnlock()
	props, ok := s.jobs[jobID]
	if !ok {
		return objects.NonPreemptible, false
	}
	return props.status, true
}

// GetJobPreemptionStatuses returns a copy of the status of every running job.
func (s *OperationSharedState) GetJobPreemptionStatuses() map[string]objects.JobPreemptionStatus {
	s.RLock()
	defer s.RUnlock()
	statuses := make(map[string]objects.JobPreemptionStatus, len(s.jobs))
	for id, props := range s.jobs {
		statuses[id] = props.status
	}
	return statuses
}

func (s *OperationSharedState) GetRunningJobCount() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.jobs)
}

func (s *OperationSharedState) GetJobCount(status objects.JobPreemptionStatus) int {
	s.RLock()
	defer s.RUnlock()
	return s.lists[status].jobs.Len()
}

func (s *OperationSharedState) GetResourceUsage(status objects.JobPreemptionStatus) resources.JobResources {
	s.RLock()
	defer s.RUnlock()
	return s.lists[status].usage
}

// GetTotalResourceUsage sums the usage of all tracked jobs.
func (s *OperationSharedState) GetTotalResourceUsage() resources.JobResources {
	s.RLock()
	defer s.RUnlock()
	total := resources.Zero
	for _, list := range s.lists {
		total = total.Add(list.usage)
	}
	return total
}

// GetJobIDs returns the jobs of one list in start order.
func (s *OperationSharedState) GetJobIDs(status objects.JobPreemptionStatus) []string {
	s.RLock()
	defer s.RUnlock()
	return s.lists[status].ids()
}

// UpdatePreemptibleJobsList moves the list boundaries to follow the fair share of the operation
// element of the latest snapshot. The job that crosses a boundary stays in the less preemptible list.
func (s *OperationSharedState) UpdatePreemptibleJobsList(element objects.Element, treeConfig *configs.TreeConfig) {
	attributes := element.GetAttributes()
	total := element.GetTotalResourceLimits()
	aggressiveBound := attributes.FairShare.Multiply(treeConfig.AggressivePreemptionSatisfactionThreshold)
	preemptibleBound := attributes.FairShare.Multiply(treeConfig.PreemptionSatisfactionThreshold)
	if resources.Near(attributes.FairShare, attributes.DemandShare, resources.RatioComparisonPrecision) {
		preemptibleBound = resources.FromDouble(math.Inf(1))
	}
	share := func(usage resources.JobResources) resources.ResourceVector {
		return resources.Share(usage, total)
	}
	belowBound := func(usage resources.JobResources, bound resources.ResourceVector) bool {
		return element.IsStrictlyDominatesNonBlocked(bound, share(usage))
	}

	s.Lock()
	defer s.Unlock()
	nonPreemptible := s.lists[objects.NonPreemptible]
	aggressive := s.lists[objects.AggressivelyPreemptible]
	preemptible := s.lists[objects.Preemptible]
	// thresholds may move far enough that a job has to pass through the middle list
	for iteration := 0; iteration < 2; iteration++ {
		s.balanceLists(nonPreemptible, aggressive, objects.NonPreemptible, objects.AggressivelyPreemptible,
			nonPreemptible.usage, aggressiveBound, belowBound)
		s.balanceLists(aggressive, preemptible, objects.AggressivelyPreemptible, objects.Preemptible,
			nonPreemptible.usage.Add(aggressive.usage), preemptibleBound, belowBound)
	}
	if log.IsDebugEnabled(log.Preemption) {
		log.Log(log.Preemption).Debug("preemptible job lists updated",
			zap.String("operationID", s.operationID),
			zap.Int("nonPreemptible", nonPreemptible.jobs.Len()),
			zap.Int("aggressivelyPreemptible", aggressive.jobs.Len()),
			zap.Int("preemptible", preemptible.jobs.Len()),
			zap.Stringer("fairShare", attributes.FairShare))
	}
}

// balanceLists moves jobs across the boundary between two adjacent lists. usage is the usage of
// the prefix of the sequence up to and including the left list. Jobs move right while the prefix
// without the last job is still at or above the bound, then left while the prefix is below it.
func (s *OperationSharedState) balanceLists(left, right *jobList, leftStatus, rightStatus objects.JobPreemptionStatus,
	usage resources.JobResources, bound resources.ResourceVector, belowBound func(resources.JobResources, resources.ResourceVector) bool) {
	for {
		ref, ok := left.back()
		if !ok {
			break
		}
		props := s.jobs[ref.id]
		next := usage.Sub(props.resourceUsage)
		if belowBound(next, bound) {
			break
		}
		s.moveJob(ref, props, left, right, rightStatus)
		usage = next
	}
	for {
		if !belowBound(usage, bound) {
			break
		}
		ref, ok := right.front()
		if !ok {
			break
		}
		props := s.jobs[ref.id]
		s.moveJob(ref, props, right, left, leftStatus)
		usage = usage.Add(props.resourceUsage)
	}
}

func (s *OperationSharedState) moveJob(ref jobRef, props *jobProperties, from, to *jobList, status objects.JobPreemptionStatus) {
	from.jobs.Delete(ref)
	from.usage = from.usage.Sub(props.resourceUsage)
	to.jobs.ReplaceOrInsert(ref)
	to.usage = to.usage.Add(props.resourceUsage)
	props.status = status
}

// ----------------------------------
// controller calls
// ----------------------------------

func (s *OperationSharedState) shard(nodeShardID int) *atomic.Int64 {
	if nodeShardID < 0 {
		nodeShardID = 0
	}
	return &s.concurrentScheduleJobCalls[nodeShardID%len(s.concurrentScheduleJobCalls)]
}

func (s *OperationSharedState) IncreaseConcurrentScheduleJobCalls(nodeShardID int) {
	s.shard(nodeShardID).Add(1)
	s.scheduleJobCallsSinceLastUpdate.Add(1)
}

func (s *OperationSharedState) DecreaseConcurrentScheduleJobCalls(nodeShardID int) {
	s.shard(nodeShardID).Add(-1)
}

func (s *OperationSharedState) GetConcurrentScheduleJobCalls(nodeShardID int) int {
	return int(s.shard(nodeShardID).Load())
}

// IsMaxConcurrentScheduleJobCallsPerNodeShardViolated checks the calls in flight from one node shard.
func (s *OperationSharedState) IsMaxConcurrentScheduleJobCallsPerNodeShardViolated(nodeShardID int) bool {
	if s.maxConcurrentScheduleJobCallsPerNodeShard <= 0 {
		return false
	}
	return s.shard(nodeShardID).Load() >= int64(s.maxConcurrentScheduleJobCallsPerNodeShard)
}

// IsMaxScheduleJobCallsViolated is true if any node shard reached its limit of calls in flight.
func (s *OperationSharedState) IsMaxScheduleJobCallsViolated() bool {
	for i := range s.concurrentScheduleJobCalls {
		if s.IsMaxConcurrentScheduleJobCallsPerNodeShardViolated(i) {
			return true
		}
	}
	return false
}

// ResetScheduleJobCallsSinceLastUpdate returns the number of controller calls since the previous reset.
func (s *OperationSharedState) ResetScheduleJobCallsSinceLastUpdate() int {
	return int(s.scheduleJobCallsSinceLastUpdate.Swap(0))
}

func (s *OperationSharedState) OnScheduleJobFailed(now time.Time) {
	s.lastScheduleJobFailTime.Store(now.UnixNano())
}

// HasRecentScheduleJobFailure is true within the backoff after the last failed controller call.
func (s *OperationSharedState) HasRecentScheduleJobFailure(now time.Time, backoff time.Duration) bool {
	last := s.lastScheduleJobFailTime.Load()
	if last == 0 || backoff <= 0 {
		return false
	}
	return now.Before(time.Unix(0, last).Add(backoff))
}

func (s *OperationSharedState) GetPackingStatistics() *PackingStatistics {
	return s.packing
}

func (s *OperationSharedState) OnScheduleJobSucceeded(now time.Time) {
	s.lastScheduleJobSuccessTime.Store(now.UnixNano())
}

// GetLastScheduleJobSuccessTime is the zero time if no job was ever scheduled.
func (s *OperationSharedState) GetLastScheduleJobSuccessTime() time.Time {
	last := s.lastScheduleJobSuccessTime.Load()
	if last == 0 {
		return time.Time{}
	}
	return time.Unix(0, last)
}

func (s *OperationSharedState) OnOperationDeactivated(reason DeactivationReason) {
	s.deactivationReasons[reason].Add(1)
	s.deactivationReasonsFromLastNonStarvingTime[reason].Add(1)
}

func (s *OperationSharedState) GetDeactivationReasons() map[DeactivationReason]int {
	return collectReasons(&s.deactivationReasons)
}

func (s *OperationSharedState) GetDeactivationReasonsFromLastNonStarvingTime() map[DeactivationReason]int {
	return collectReasons(&s.deactivationReasonsFromLastNonStarvingTime)
}

func (s *OperationSharedState) ResetDeactivationReasonsFromLastNonStarvingTime() {
	for i := range s.deactivationReasonsFromLastNonStarvingTime {
		s.deactivationReasonsFromLastNonStarvingTime[i].Store(0)
	}
}

func collectReasons(counters *[DeactivationReasonCount]atomic.Int64) map[DeactivationReason]int {
	result := make(map[DeactivationReason]int)
	for i := range counters {
		if value := counters[i].Load(); value > 0 {
			result[DeactivationReason(i)] = int(value)
		}
	}
	return result
}
