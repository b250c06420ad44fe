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
package webservice

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/fairshare-scheduler/fairshare-core/pkg/locking"
	"github.com/fairshare-scheduler/fairshare-core/pkg/scheduler"
	"github.com/fairshare-scheduler/fairshare-core/pkg/webservice/dao"
)

var stateDump locking.Mutex // ensures only one state dump can be handled at a time

type AggregatedStateInfo struct {
	Timestamp        int64                                 `json:"timestamp,omitempty"`
	Trees            []dao.TreeDAOInfo                     `json:"trees,omitempty"`
	Elements         map[string][]*dao.ElementDAOInfo      `json:"elements,omitempty"`
	OperationJobs    map[string][]dao.OperationJobsDAOInfo `json:"operationJobs,omitempty"`
	PersistentStates []dao.PersistentStateDAOInfo          `json:"persistentStates,omitempty"`
	Health           *dao.SchedulerHealthDAOInfo           `json:"health,omitempty"`
}

func getFullStateDump(w http.ResponseWriter, _ *http.Request) {
	writeHeaders(w)
	if err := doStateDump(w); err != nil {
		buildJSONErrorResponse(w, err.Error(), http.StatusInternalServerError)
	}
}

func doStateDump(w io.Writer) error {
	stateDump.Lock()
	defer stateDump.Unlock()

	strategy := getStrategy()
	now := time.Now()
	health := scheduler.GetSchedulerHealthStatus(strategy, now)
	aggregated := AggregatedStateInfo{
		Timestamp:     now.UnixNano(),
		Elements:      make(map[string][]*dao.ElementDAOInfo),
		OperationJobs: make(map[string][]dao.OperationJobsDAOInfo),
		Health:        &health,
	}
	for _, treeID := range strategy.GetTreeIDs() {
		tree := strategy.GetTree(treeID)
		if tree == nil {
			continue
		}
		aggregated.Trees = append(aggregated.Trees, getTreeDAO(tree))
		ts := tree.GetSnapshot()
		if ts == nil {
			continue
		}
		for _, e := range snapshotElements(ts) {
			aggregated.Elements[treeID] = append(aggregated.Elements[treeID], getElementDAO(tree, ts, e))
			if state := ts.GetOperationSharedState(e.GetID()); state != nil {
				aggregated.OperationJobs[treeID] = append(aggregated.OperationJobs[treeID], getOperationJobsDAO(ts, e.GetID(), state))
			}
		}
		aggregated.PersistentStates = append(aggregated.PersistentStates, getPersistentStateDAO(ts))
	}

	prettyJSON, err := json.MarshalIndent(aggregated, "", "  ")
	if err != nil {
		return err
	}
	_, err = w.Write(prettyJSON)
	return err
}
