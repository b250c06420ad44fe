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

// PersistentStateDAOInfo is the part of the tree state that survives a fair share update.
type PersistentStateDAOInfo struct {
	TreeID     string                                 `json:"treeID"`
	Pools      map[string]PersistentAttributesDAOInfo `json:"pools,omitempty"`
	Operations map[string]PersistentAttributesDAOInfo `json:"operations,omitempty"`
}

type PersistentAttributesDAOInfo struct {
	StarvationStatus        string  `json:"starvationStatus"`
	BelowFairShareSince     int64   `json:"belowFairShareSince,omitempty"`
	LastNonStarvingTime     int64   `json:"lastNonStarvingTime,omitempty"`
	HistoricUsage           float64 `json:"historicUsage,omitempty"`
	SchedulingSegmentModule string  `json:"schedulingSegmentModule,omitempty"`
}
