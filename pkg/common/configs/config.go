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
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/fairshare-scheduler/fairshare-core/pkg/common/resources"
	"github.com/fairshare-scheduler/fairshare-core/pkg/log"
)

// RootPoolName is the id of the root element of every tree
const RootPoolName = "<Root>"

// Pool scheduling modes
const (
	ModeFairShare = "fair_share"
	ModeFifo      = "fifo"
)

// FIFO sort parameters
const (
	FifoSortWeight          = "weight"
	FifoSortStartTime       = "start_time"
	FifoSortPendingJobCount = "pending_job_count"
)

// Operation preemption modes
const (
	PreemptionModeNormal   = "normal"
	PreemptionModeGraceful = "graceful"
)

// Preemption priority scopes
const (
	PreemptionPriorityScopeOperationOnly         = "operation_only"
	PreemptionPriorityScopeOperationAndAncestors = "operation_and_ancestors"
)

// Historic usage aggregation modes
const (
	HistoricUsageNone                     = "none"
	HistoricUsageExponentialMovingAverage = "exponential_moving_average"
)

// Scheduling segment modes
const (
	SchedulingSegmentsDisabled = "disabled"
	SchedulingSegmentsLargeGpu = "large_gpu"
)

// Scheduling segments
const (
	SegmentDefault  = "default"
	SegmentLargeGpu = "large_gpu"
)

// TreeConfig is the configuration of one fair share tree: the tree wide settings and the pool hierarchy below the root.
type TreeConfig struct {
	Name string `yaml:"name" json:"name"`

	FairShareStarvationTimeout           time.Duration `yaml:"fairsharestarvationtimeout,omitempty" json:"fairShareStarvationTimeout,omitempty"`
	FairShareAggressiveStarvationTimeout time.Duration `yaml:"fairshareaggressivestarvationtimeout,omitempty" json:"fairShareAggressiveStarvationTimeout,omitempty"`
	FairShareStarvationTolerance         float64       `yaml:"fairsharestarvationtolerance,omitempty" json:"fairShareStarvationTolerance,omitempty"`
	EnableAggressiveStarvation           bool          `yaml:"enableaggressivestarvation,omitempty" json:"enableAggressiveStarvation,omitempty"`
	EnablePoolStarvation                 *bool         `yaml:"enablepoolstarvation,omitempty" json:"enablePoolStarvation,omitempty"`

	MaxUnpreemptibleRunningJobCount           int               `yaml:"maxunpreemptiblerunningjobcount,omitempty" json:"maxUnpreemptibleRunningJobCount,omitempty"`
	NonPreemptibleResourceUsageThreshold      map[string]string `yaml:"nonpreemptibleresourceusagethreshold,omitempty" json:"nonPreemptibleResourceUsageThreshold,omitempty"`
	PreemptionSatisfactionThreshold           float64           `yaml:"preemptionsatisfactionthreshold,omitempty" json:"preemptionSatisfactionThreshold,omitempty"`
	AggressivePreemptionSatisfactionThreshold float64           `yaml:"aggressivepreemptionsatisfactionthreshold,omitempty" json:"aggressivePreemptionSatisfactionThreshold,omitempty"`
	PreemptionCheckStarvation                 *bool             `yaml:"preemptioncheckstarvation,omitempty" json:"preemptionCheckStarvation,omitempty"`
	PreemptionCheckSatisfaction               *bool             `yaml:"preemptionchecksatisfaction,omitempty" json:"preemptionCheckSatisfaction,omitempty"`
	EnableConditionalPreemption               *bool             `yaml:"enableconditionalpreemption,omitempty" json:"enableConditionalPreemption,omitempty"`
	JobCountPreemptionTimeoutCoefficient      float64           `yaml:"jobcountpreemptiontimeoutcoefficient,omitempty" json:"jobCountPreemptionTimeoutCoefficient,omitempty"`
	PreemptionPriorityScope                   string            `yaml:"preemptionpriorityscope,omitempty" json:"preemptionPriorityScope,omitempty"`
	PreemptiveSchedulingBackoff               time.Duration     `yaml:"preemptiveschedulingbackoff,omitempty" json:"preemptiveSchedulingBackoff,omitempty"`
	JobInterruptTimeout                       time.Duration     `yaml:"jobinterrupttimeout,omitempty" json:"jobInterruptTimeout,omitempty"`
	JobGracefulInterruptTimeout               time.Duration     `yaml:"jobgracefulinterrupttimeout,omitempty" json:"jobGracefulInterruptTimeout,omitempty"`

	MaxRunningOperationCount        int `yaml:"maxrunningoperationcount,omitempty" json:"maxRunningOperationCount,omitempty"`
	MaxRunningOperationCountPerPool int `yaml:"maxrunningoperationcountperpool,omitempty" json:"maxRunningOperationCountPerPool,omitempty"`
	MaxOperationCountPerPool        int `yaml:"maxoperationcountperpool,omitempty" json:"maxOperationCountPerPool,omitempty"`
	MaxOperationCount               int `yaml:"maxoperationcount,omitempty" json:"maxOperationCount,omitempty"`

	AllowedResourceUsageStaleness             time.Duration `yaml:"allowedresourceusagestaleness,omitempty" json:"allowedResourceUsageStaleness,omitempty"`
	ScheduleJobTimeLimit                      time.Duration `yaml:"schedulejobtimelimit,omitempty" json:"scheduleJobTimeLimit,omitempty"`
	ScheduleJobsTimeout                       time.Duration `yaml:"schedulejobstimeout,omitempty" json:"scheduleJobsTimeout,omitempty"`
	ScheduleJobFailBackoffTime                time.Duration `yaml:"schedulejobfailbackofftime,omitempty" json:"scheduleJobFailBackoffTime,omitempty"`
	MaxConcurrentScheduleJobCallsPerNodeShard int           `yaml:"maxconcurrentschedulejobcallspernodeshard,omitempty" json:"maxConcurrentScheduleJobCallsPerNodeShard,omitempty"`
	TentativeTreeSaturationDeactivationPeriod time.Duration `yaml:"tentativetreesaturationdeactivationperiod,omitempty" json:"tentativeTreeSaturationDeactivationPeriod,omitempty"`
	MaxSchedulableElementCountInFifoPool      *int          `yaml:"maxschedulableelementcountinfifopool,omitempty" json:"maxSchedulableElementCountInFifoPool,omitempty"`
	MinChildHeapSize                          int           `yaml:"minchildheapsize,omitempty" json:"minChildHeapSize,omitempty"`
	EnableSchedulingTags                      *bool         `yaml:"enableschedulingtags,omitempty" json:"enableSchedulingTags,omitempty"`
	NodesFilter                               string        `yaml:"nodesfilter,omitempty" json:"nodesFilter,omitempty"`
	FairShareUpdatePeriod                     time.Duration `yaml:"fairshareupdateperiod,omitempty" json:"fairShareUpdatePeriod,omitempty"`
	NodeShardCount                            int           `yaml:"nodeshardcount,omitempty" json:"nodeShardCount,omitempty"`
	InferWeightFromGuaranteesShareMultiplier  *float64      `yaml:"inferweightfromguaranteessharemultiplier,omitempty" json:"inferWeightFromGuaranteesShareMultiplier,omitempty"`

	Packing               PackingConfig               `yaml:"packing,omitempty" json:"packing,omitempty"`
	SsdPriorityPreemption SsdPriorityPreemptionConfig `yaml:"ssdprioritypreemption,omitempty" json:"ssdPriorityPreemption,omitempty"`
	SchedulingSegments    SchedulingSegmentsConfig    `yaml:"schedulingsegments,omitempty" json:"schedulingSegments,omitempty"`

	Pools   []PoolConfig      `yaml:"pools,omitempty" json:"pools,omitempty"`
	Logging map[string]string `yaml:"logging,omitempty" json:"logging,omitempty"`

	Checksum string `yaml:",omitempty" json:",omitempty"`
}

// PoolConfig is the configuration of a single pool and its children.
type PoolConfig struct {
	Name                string   `yaml:"name" json:"name"`
	Mode                string   `yaml:"mode,omitempty" json:"mode,omitempty"`
	FifoSortParameters  []string `yaml:"fifosortparameters,omitempty" json:"fifoSortParameters,omitempty"`
	Weight              *float64 `yaml:"weight,omitempty" json:"weight,omitempty"`
	MaxShareRatio       *float64 `yaml:"maxshareratio,omitempty" json:"maxShareRatio,omitempty"`
	SchedulingTagFilter string   `yaml:"schedulingtagfilter,omitempty" json:"schedulingTagFilter,omitempty"`

	ResourceLimits           map[string]string `yaml:"resourcelimits,omitempty" json:"resourceLimits,omitempty"`
	StrongGuaranteeResources map[string]string `yaml:"strongguaranteeresources,omitempty" json:"strongGuaranteeResources,omitempty"`

	MaxRunningOperationCount *int `yaml:"maxrunningoperationcount,omitempty" json:"maxRunningOperationCount,omitempty"`
	MaxOperationCount        *int `yaml:"maxoperationcount,omitempty" json:"maxOperationCount,omitempty"`

	FairShareStarvationTolerance         *float64          `yaml:"fairsharestarvationtolerance,omitempty" json:"fairShareStarvationTolerance,omitempty"`
	FairShareStarvationTimeout           *time.Duration    `yaml:"fairsharestarvationtimeout,omitempty" json:"fairShareStarvationTimeout,omitempty"`
	EnableAggressiveStarvation           *bool             `yaml:"enableaggressivestarvation,omitempty" json:"enableAggressiveStarvation,omitempty"`
	AllowAggressivePreemption            *bool             `yaml:"allowaggressivepreemption,omitempty" json:"allowAggressivePreemption,omitempty"`
	AllowRegularJobsOnSsdNodes           *bool             `yaml:"allowregularjobsonssdnodes,omitempty" json:"allowRegularJobsOnSsdNodes,omitempty"`
	NonPreemptibleResourceUsageThreshold map[string]string `yaml:"nonpreemptibleresourceusagethreshold,omitempty" json:"nonPreemptibleResourceUsageThreshold,omitempty"`

	HistoricUsage                         HistoricUsageConfig `yaml:"historicusage,omitempty" json:"historicUsage,omitempty"`
	InferChildrenWeightsFromHistoricUsage bool                `yaml:"inferchildrenweightsfromhistoricusage,omitempty" json:"inferChildrenWeightsFromHistoricUsage,omitempty"`

	Pools []PoolConfig `yaml:"pools,omitempty" json:"pools,omitempty"`
}

// HistoricUsageConfig controls the aggregation of the usage history used for weight inference.
type HistoricUsageConfig struct {
	AggregationMode string        `yaml:"aggregationmode,omitempty" json:"aggregationMode,omitempty"`
	HalfLife        time.Duration `yaml:"halflife,omitempty" json:"halfLife,omitempty"`
}

// PackingConfig controls the heartbeat window packing heuristic.
type PackingConfig struct {
	Enable                       bool          `yaml:"enable,omitempty" json:"enable,omitempty"`
	AngleLengthWeight            float64       `yaml:"anglelengthweight,omitempty" json:"angleLengthWeight,omitempty"`
	MaxBetterPastSnapshots       int           `yaml:"maxbetterpastsnapshots,omitempty" json:"maxBetterPastSnapshots,omitempty"`
	AbsoluteMetricValueTolerance float64       `yaml:"absolutemetricvaluetolerance,omitempty" json:"absoluteMetricValueTolerance,omitempty"`
	RelativeMetricValueTolerance float64       `yaml:"relativemetricvaluetolerance,omitempty" json:"relativeMetricValueTolerance,omitempty"`
	MinWindowSizeForSchedule     int           `yaml:"minwindowsizeforschedule,omitempty" json:"minWindowSizeForSchedule,omitempty"`
	MaxHeartbeatWindowSize       int           `yaml:"maxheartbeatwindowsize,omitempty" json:"maxHeartbeatWindowSize,omitempty"`
	MaxHeartbeatAge              time.Duration `yaml:"maxheartbeatage,omitempty" json:"maxHeartbeatAge,omitempty"`
}

// SsdPriorityPreemptionConfig enables the SSD preemptive stages on nodes matching the filter.
type SsdPriorityPreemptionConfig struct {
	Enable        bool   `yaml:"enable,omitempty" json:"enable,omitempty"`
	NodeTagFilter string `yaml:"nodetagfilter,omitempty" json:"nodeTagFilter,omitempty"`
	Media         []int  `yaml:"media,omitempty" json:"media,omitempty"`
}

// SchedulingSegmentsConfig sets the segment mode of the tree.
type SchedulingSegmentsConfig struct {
	Mode string `yaml:"mode,omitempty" json:"mode,omitempty"`
}

// OperationSpec is the per tree part of an operation specification.
type OperationSpec struct {
	Pool                            string            `yaml:"pool,omitempty" json:"pool,omitempty"`
	Weight                          *float64          `yaml:"weight,omitempty" json:"weight,omitempty"`
	ResourceLimits                  map[string]string `yaml:"resourcelimits,omitempty" json:"resourceLimits,omitempty"`
	StrongGuaranteeResources        map[string]string `yaml:"strongguaranteeresources,omitempty" json:"strongGuaranteeResources,omitempty"`
	SchedulingTagFilter             string            `yaml:"schedulingtagfilter,omitempty" json:"schedulingTagFilter,omitempty"`
	PreemptionMode                  string            `yaml:"preemptionmode,omitempty" json:"preemptionMode,omitempty"`
	MaxUnpreemptibleRunningJobCount *int              `yaml:"maxunpreemptiblerunningjobcount,omitempty" json:"maxUnpreemptibleRunningJobCount,omitempty"`
	FairShareStarvationTolerance    *float64          `yaml:"fairsharestarvationtolerance,omitempty" json:"fairShareStarvationTolerance,omitempty"`
	FairShareStarvationTimeout      *time.Duration    `yaml:"fairsharestarvationtimeout,omitempty" json:"fairShareStarvationTimeout,omitempty"`
	EnableAggressiveStarvation      *bool             `yaml:"enableaggressivestarvation,omitempty" json:"enableAggressiveStarvation,omitempty"`
	SchedulingSegment               string            `yaml:"schedulingsegment,omitempty" json:"schedulingSegment,omitempty"`
	Tentative                       bool              `yaml:"tentative,omitempty" json:"tentative,omitempty"`
}

// LoadTreeConfigFromByteArray parses, defaults and validates the content and sets the checksum.
func LoadTreeConfigFromByteArray(content []byte) (*TreeConfig, error) {
	conf, err := ParseAndValidateConfig(content)
	if err != nil {
		return nil, err
	}
	SetChecksum(content, conf)
	return conf, nil
}

// SetChecksum stores a sha256 checksum of the content without the checksum line itself.
func SetChecksum(content []byte, conf *TreeConfig) {
	noChecksumContent := GetConfigurationString(content)
	conf.Checksum = fmt.Sprintf("%X", sha256.Sum256([]byte(noChecksumContent)))
}

func ParseAndValidateConfig(content []byte) (*TreeConfig, error) {
	conf := &TreeConfig{}
	decoder := yaml.NewDecoder(bytes.NewReader(content))
	decoder.KnownFields(true)
	err := decoder.Decode(conf)
	if err != nil && !errors.Is(err, io.EOF) { // empty content is the default tree
		log.Log(log.Config).Error("failed to parse tree configuration",
			zap.Error(err))
		return nil, err
	}
	conf.SetDefaults()
	if err = Validate(conf); err != nil {
		log.Log(log.Config).Error("tree configuration validation failed",
			zap.Error(err))
		return nil, err
	}
	return conf, nil
}

// GetConfigurationString strips the checksum line from the raw content.
func GetConfigurationString(requestBytes []byte) string {
	conf := string(requestBytes)
	checksum := "checksum: "
	checksumLength := 64 + len(checksum)
	if strings.Contains(conf, checksum) {
		checksum += strings.Split(conf, checksum)[1]
		checksum = strings.TrimRight(checksum, "\n")
		if len(checksum) > checksumLength {
			checksum = checksum[:checksumLength]
		}
	}
	return strings.ReplaceAll(conf, checksum, "")
}

// ParseResources converts a config resource map, a nil map gives the fallback.
func ParseResources(conf map[string]string, fallback resources.JobResources) (resources.JobResources, error) {
	if len(conf) == 0 {
		return fallback, nil
	}
	return resources.NewJobResourcesFromConf(conf)
}

// FindPool returns the pool config with the given name anywhere below the root.
func (tc *TreeConfig) FindPool(name string) *PoolConfig {
	return findPool(tc.Pools, name)
}

func findPool(pools []PoolConfig, name string) *PoolConfig {
	for i := range pools {
		if pools[i].Name == name {
			return &pools[i]
		}
		if found := findPool(pools[i].Pools, name); found != nil {
			return found
		}
	}
	return nil
}

// WalkPools calls the function for every pool in depth first order with the parent name.
func (tc *TreeConfig) WalkPools(fn func(parent string, pool *PoolConfig)) {
	walkPools(RootPoolName, tc.Pools, fn)
}

func walkPools(parent string, pools []PoolConfig, fn func(parent string, pool *PoolConfig)) {
	for i := range pools {
		fn(parent, &pools[i])
		walkPools(pools[i].Name, pools[i].Pools, fn)
	}
}

// DefaultTreeConfig is the configuration used when no file is provided: a single default pool.
var DefaultTreeConfig = `
name: default
pools:
  - name: default
`
