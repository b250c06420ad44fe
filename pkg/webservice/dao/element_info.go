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
package dao

// ElementDAOInfo is the state of a tree element as of the last fair share update.
// Ratios that are infinite are left out.
type ElementDAOInfo struct {
	ID                     string             `json:"id"`
	Kind                   string             `json:"kind"`
	Parent                 string             `json:"parent,omitempty"`
	Weight                 float64            `json:"weight"`
	FairShare              map[string]float64 `json:"fairShare,omitempty"`
	UsageShare             map[string]float64 `json:"usageShare,omitempty"`
	DemandShare            map[string]float64 `json:"demandShare,omitempty"`
	LimitsShare            map[string]float64 `json:"limitsShare,omitempty"`
	DominantResource       string             `json:"dominantResource,omitempty"`
	SatisfactionRatio      *float64           `json:"satisfactionRatio,omitempty"`
	LocalSatisfactionRatio *float64           `json:"localSatisfactionRatio,omitempty"`
	StarvationStatus       string             `json:"starvationStatus"`
	BelowFairShareSince    int64              `json:"belowFairShareSince,omitempty"`
	ResourceUsage          map[string]float64 `json:"resourceUsage,omitempty"`
	ResourceDemand         map[string]float64 `json:"resourceDemand,omitempty"`
	ResourceLimits         map[string]float64 `json:"resourceLimits,omitempty"`
	StrongGuarantee        map[string]float64 `json:"strongGuaranteeResources,omitempty"`
	PendingJobCount        int                `json:"pendingJobCount"`
	Children               []string           `json:"children,omitempty"`
	Operation              *OperationDAOInfo  `json:"operation,omitempty"`
}

// OperationDAOInfo holds the operation only part of an element dump.
type OperationDAOInfo struct {
	State               string                        `json:"state"`
	PendingByPool       string                        `json:"pendingByPool,omitempty"`
	PreemptionMode      string                        `json:"preemptionMode"`
	UnschedulableReason string                        `json:"unschedulableReason,omitempty"`
	SchedulingIndex     int                           `json:"schedulingIndex"`
	RunningJobCount     int                           `json:"runningJobCount"`
	PreemptionStatuses  map[string]int                `json:"preemptionStatuses,omitempty"`
	PreemptibleUsage    map[string]map[string]float64 `json:"preemptibleUsage,omitempty"`
	DeactivationReasons map[string]int                `json:"deactivationReasons,omitempty"`
	Alerts              map[string]string             `json:"alerts,omitempty"`
}

type JobDAOInfo struct {
	JobID            string `json:"jobID"`
	PreemptionStatus string `json:"preemptionStatus"`
	CachedStatus     string `json:"cachedPreemptionStatus,omitempty"`
}

type OperationJobsDAOInfo struct {
	OperationID string       `json:"operationID"`
	Jobs        []JobDAOInfo `json:"jobs,omitempty"`
}
