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
	"fmt"
	"math"
	"net/http"
	"runtime"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"

	"github.com/fairshare-scheduler/fairshare-core/pkg/common/resources"
	"github.com/fairshare-scheduler/fairshare-core/pkg/log"
	"github.com/fairshare-scheduler/fairshare-core/pkg/scheduler"
	"github.com/fairshare-scheduler/fairshare-core/pkg/scheduler/objects"
	"github.com/fairshare-scheduler/fairshare-core/pkg/webservice/dao"
)

const (
	TreeDoesNotExists      = "Tree not found"
	ElementDoesNotExists   = "Element not found"
	OperationDoesNotExists = "Operation not found"
	NoSnapshot             = "Tree has no snapshot yet"
	UnknownKind            = "Unknown element kind"
)

func getStackInfo(w http.ResponseWriter, _ *http.Request) {
	writeHeaders(w)
	var stack = func() []byte {
		buf := make([]byte, 1024)
		for {
			n := runtime.Stack(buf, true)
			if n < len(buf) {
				return buf[:n]
			}
			buf = make([]byte, 2*len(buf))
		}
	}
	if _, err := w.Write(stack()); err != nil {
		log.Log(log.REST).Error("GetStackInfo error", zap.Error(err))
		buildJSONErrorResponse(w, err.Error(), http.StatusInternalServerError)
	}
}

func getTreesInfo(w http.ResponseWriter, _ *http.Request) {
	writeHeaders(w)
	strategy := getStrategy()
	treesInfo := make([]dao.TreeDAOInfo, 0)
	for _, id := range strategy.GetTreeIDs() {
		if tree := strategy.GetTree(id); tree != nil {
			treesInfo = append(treesInfo, getTreeDAO(tree))
		}
	}
	if err := json.NewEncoder(w).Encode(treesInfo); err != nil {
		buildJSONErrorResponse(w, err.Error(), http.StatusInternalServerError)
	}
}

func getTreeInfo(w http.ResponseWriter, r *http.Request) {
	writeHeaders(w)
	tree := getTreeFromRequest(w, r)
	if tree == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(getTreeDAO(tree)); err != nil {
		buildJSONErrorResponse(w, err.Error(), http.StatusInternalServerError)
	}
}

func getTreeConfig(w http.ResponseWriter, r *http.Request) {
	tree := getTreeFromRequest(w, r)
	if tree == nil {
		return
	}
	out, err := yaml.Marshal(tree.GetConfig())
	if err != nil {
		buildJSONErrorResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-yaml; charset=UTF-8")
	if _, err = w.Write(out); err != nil {
		log.Log(log.REST).Error("failed to write tree config", zap.Error(err))
	}
}

func getElementsInfo(w http.ResponseWriter, r *http.Request) {
	writeHeaders(w)
	tree, ts := getSnapshotFromRequest(w, r)
	if ts == nil {
		return
	}
	kind := r.URL.Query().Get("kind")
	if kind != "" && kind != objects.KindRoot.String() && kind != objects.KindPool.String() && kind != objects.KindOperation.String() {
		buildJSONErrorResponse(w, UnknownKind, http.StatusBadRequest)
		return
	}
	elements := make([]*dao.ElementDAOInfo, 0)
	for _, e := range snapshotElements(ts) {
		if kind != "" && e.GetKind().String() != kind {
			continue
		}
		elements = append(elements, getElementDAO(tree, ts, e))
	}
	if err := json.NewEncoder(w).Encode(elements); err != nil {
		buildJSONErrorResponse(w, err.Error(), http.StatusInternalServerError)
	}
}

func getElementInfo(w http.ResponseWriter, r *http.Request) {
	writeHeaders(w)
	tree, ts := getSnapshotFromRequest(w, r)
	if ts == nil {
		return
	}
	e := findElement(ts, httprouter.ParamsFromContext(r.Context()).ByName("element"))
	if e == nil {
		buildJSONErrorResponse(w, ElementDoesNotExists, http.StatusNotFound)
		return
	}
	if err := json.NewEncoder(w).Encode(getElementDAO(tree, ts, e)); err != nil {
		buildJSONErrorResponse(w, err.Error(), http.StatusInternalServerError)
	}
}

func getOperationJobs(w http.ResponseWriter, r *http.Request) {
	writeHeaders(w)
	_, ts := getSnapshotFromRequest(w, r)
	if ts == nil {
		return
	}
	operationID := httprouter.ParamsFromContext(r.Context()).ByName("operation")
	state := ts.GetOperationSharedState(operationID)
	if state == nil {
		buildJSONErrorResponse(w, OperationDoesNotExists, http.StatusNotFound)
		return
	}
	if err := json.NewEncoder(w).Encode(getOperationJobsDAO(ts, operationID, state)); err != nil {
		buildJSONErrorResponse(w, err.Error(), http.StatusInternalServerError)
	}
}

func getPersistentState(w http.ResponseWriter, r *http.Request) {
	writeHeaders(w)
	_, ts := getSnapshotFromRequest(w, r)
	if ts == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(getPersistentStateDAO(ts)); err != nil {
		buildJSONErrorResponse(w, err.Error(), http.StatusInternalServerError)
	}
}

// checkHealthStatus returns the result of the last periodic check, the checks run now if there is none.
func checkHealthStatus(w http.ResponseWriter, _ *http.Request) {
	writeHeaders(w)
	strategy := getStrategy()
	result := strategy.GetLastHealthCheckResult()
	if result == nil {
		status := scheduler.GetSchedulerHealthStatus(strategy, time.Now())
		result = &status
	}
	if !result.Healthy {
		log.Log(log.Diagnostics).Error("scheduler is not healthy", zap.Any("health check info", *result))
	}
	if err := json.NewEncoder(w).Encode(result); err != nil {
		buildJSONErrorResponse(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.Header().Set("Access-Control-Allow-Methods", "GET,HEAD,OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "X-Requested-With,Content-Type,Accept,Origin")
}

func buildJSONErrorResponse(w http.ResponseWriter, detail string, code int) {
	w.WriteHeader(code)
	errorInfo := dao.NewYAPIError(nil, code, detail)
	if jsonErr := json.NewEncoder(w).Encode(errorInfo); jsonErr != nil {
		log.Log(log.REST).Error(fmt.Sprintf("Problem in encoding error response %s", detail),
			zap.Error(jsonErr))
	}
}

func getTreeFromRequest(w http.ResponseWriter, r *http.Request) *scheduler.FairShareTree {
	treeID := httprouter.ParamsFromContext(r.Context()).ByName("tree")
	tree := getStrategy().GetTree(treeID)
	if tree == nil {
		buildJSONErrorResponse(w, TreeDoesNotExists, http.StatusNotFound)
	}
	return tree
}

func getSnapshotFromRequest(w http.ResponseWriter, r *http.Request) (*scheduler.FairShareTree, *scheduler.TreeSnapshot) {
	tree := getTreeFromRequest(w, r)
	if tree == nil {
		return nil, nil
	}
	ts := tree.GetSnapshot()
	if ts == nil {
		buildJSONErrorResponse(w, NoSnapshot, http.StatusServiceUnavailable)
		return nil, nil
	}
	return tree, ts
}

// ----------------------------------
// dao conversion
// ----------------------------------

func getTreeDAO(tree *scheduler.FairShareTree) dao.TreeDAOInfo {
	conf := tree.GetConfig()
	info := dao.TreeDAOInfo{
		TreeID:         tree.GetTreeID(),
		NodesFilter:    conf.NodesFilter,
		ConfigChecksum: conf.Checksum,
	}
	if ts := tree.GetSnapshot(); ts != nil {
		info.SnapshotID = ts.ID
		info.SnapshotTime = ts.BuildTime.UnixNano()
		info.TotalResourceLimits = ts.Root.GetTotalResourceLimits().ToMap()
		info.PoolCount = len(ts.Root.Pools())
		info.EnabledOperationCount = len(ts.Root.EnabledOperations())
		info.DisabledOperationCount = len(ts.Root.DisabledOperations())
	}
	return info
}

// snapshotElements lists the root, the pools and the operations each sorted by id.
func snapshotElements(ts *scheduler.TreeSnapshot) []objects.Element {
	elements := []objects.Element{ts.Root}
	poolIDs := maps.Keys(ts.Root.Pools())
	slices.Sort(poolIDs)
	for _, id := range poolIDs {
		elements = append(elements, ts.Root.FindPool(id))
	}
	operationIDs := append(maps.Keys(ts.Root.EnabledOperations()), maps.Keys(ts.Root.DisabledOperations())...)
	slices.Sort(operationIDs)
	for _, id := range operationIDs {
		elements = append(elements, ts.Root.FindOperation(id))
	}
	return elements
}

func findElement(ts *scheduler.TreeSnapshot, id string) objects.Element {
	if id == ts.Root.GetID() {
		return ts.Root
	}
	if pool := ts.Root.FindPool(id); pool != nil {
		return pool
	}
	if op := ts.Root.FindOperation(id); op != nil {
		return op
	}
	return nil
}

func getElementDAO(tree *scheduler.FairShareTree, ts *scheduler.TreeSnapshot, e objects.Element) *dao.ElementDAOInfo {
	attributes := e.GetAttributes()
	persistent := e.GetPersistentAttributes()
	info := &dao.ElementDAOInfo{
		ID:                     e.GetID(),
		Kind:                   e.GetKind().String(),
		Weight:                 e.GetWeight(),
		FairShare:              vectorMap(attributes.FairShare),
		UsageShare:             vectorMap(attributes.UsageShare),
		DemandShare:            vectorMap(attributes.DemandShare),
		LimitsShare:            vectorMap(attributes.LimitsShare),
		DominantResource:       attributes.DominantResource.String(),
		SatisfactionRatio:      finite(attributes.SatisfactionRatio),
		LocalSatisfactionRatio: finite(attributes.LocalSatisfactionRatio),
		StarvationStatus:       e.GetStarvationStatus().String(),
		BelowFairShareSince:    unixNano(persistent.BelowFairShareSince),
		ResourceUsage:          e.GetResourceUsageAtUpdate().ToMap(),
		ResourceDemand:         e.GetResourceDemand().ToMap(),
		ResourceLimits:         e.GetResourceLimits().ToMap(),
		StrongGuarantee:        e.GetStrongGuaranteeResources().ToMap(),
		PendingJobCount:        e.GetPendingJobCount(),
	}
	if parent := e.GetParent(); parent != nil {
		info.Parent = parent.GetID()
	}
	switch typed := e.(type) {
	case objects.Composite:
		for _, child := range typed.EnabledChildren() {
			info.Children = append(info.Children, child.GetID())
		}
		for _, child := range typed.DisabledChildren() {
			info.Children = append(info.Children, child.GetID())
		}
		slices.Sort(info.Children)
	case *objects.Operation:
		info.Operation = getOperationDAO(tree, ts, typed)
	}
	return info
}

func getOperationDAO(tree *scheduler.FairShareTree, ts *scheduler.TreeSnapshot, op *objects.Operation) *dao.OperationDAOInfo {
	id := op.GetID()
	info := &dao.OperationDAOInfo{
		State:               op.CurrentState(),
		PendingByPool:       op.GetPendingByPool(),
		PreemptionMode:      op.GetPreemptionMode().String(),
		UnschedulableReason: string(op.GetUnschedulableReason()),
		SchedulingIndex:     ts.GetSchedulingIndex(id),
	}
	if state := ts.GetOperationSharedState(id); state != nil {
		info.RunningJobCount = state.GetRunningJobCount()
		info.PreemptionStatuses = make(map[string]int)
		info.PreemptibleUsage = make(map[string]map[string]float64)
		for status := objects.JobPreemptionStatus(0); status < objects.JobPreemptionStatusCount; status++ {
			info.PreemptionStatuses[status.String()] = state.GetJobCount(status)
			info.PreemptibleUsage[status.String()] = state.GetResourceUsage(status).ToMap()
		}
		reasons := state.GetDeactivationReasons()
		if len(reasons) > 0 {
			info.DeactivationReasons = make(map[string]int, len(reasons))
			for reason, count := range reasons {
				info.DeactivationReasons[reason.String()] = count
			}
		}
	}
	if alerts, err := tree.GetOperationAlerts(id); err == nil && len(alerts) > 0 {
		info.Alerts = make(map[string]string, len(alerts))
		for alert, message := range alerts {
			info.Alerts[string(alert)] = message
		}
	}
	return info
}

func getOperationJobsDAO(ts *scheduler.TreeSnapshot, operationID string, state *scheduler.OperationSharedState) dao.OperationJobsDAOInfo {
	info := dao.OperationJobsDAOInfo{OperationID: operationID}
	cached := ts.GetCachedJobPreemptionStatuses(operationID)
	statuses := state.GetJobPreemptionStatuses()
	jobIDs := maps.Keys(statuses)
	slices.Sort(jobIDs)
	for _, jobID := range jobIDs {
		job := dao.JobDAOInfo{
			JobID:            jobID,
			PreemptionStatus: statuses[jobID].String(),
		}
		if status, ok := cached[jobID]; ok {
			job.CachedStatus = status.String()
		}
		info.Jobs = append(info.Jobs, job)
	}
	return info
}

func getPersistentStateDAO(ts *scheduler.TreeSnapshot) dao.PersistentStateDAOInfo {
	info := dao.PersistentStateDAOInfo{
		TreeID:     ts.TreeID,
		Pools:      make(map[string]dao.PersistentAttributesDAOInfo),
		Operations: make(map[string]dao.PersistentAttributesDAOInfo),
	}
	for id, pool := range ts.Root.Pools() {
		info.Pools[id] = getPersistentAttributesDAO(pool.GetPersistentAttributes())
	}
	for id, op := range ts.Root.EnabledOperations() {
		info.Operations[id] = getPersistentAttributesDAO(op.GetPersistentAttributes())
	}
	return info
}

func getPersistentAttributesDAO(attributes objects.PersistentAttributes) dao.PersistentAttributesDAOInfo {
	info := dao.PersistentAttributesDAOInfo{
		StarvationStatus:        attributes.StarvationStatus.String(),
		BelowFairShareSince:     unixNano(attributes.BelowFairShareSince),
		LastNonStarvingTime:     unixNano(attributes.LastNonStarvingTime),
		SchedulingSegmentModule: attributes.SchedulingSegmentModule,
	}
	if attributes.HistoricUsage != nil {
		info.HistoricUsage = attributes.HistoricUsage.GetHistoricUsage()
	}
	return info
}

// vectorMap leaves out the dimensions that JSON cannot encode.
func vectorMap(v resources.ResourceVector) map[string]float64 {
	m := v.ToMap()
	for k, x := range m {
		if math.IsInf(x, 0) || math.IsNaN(x) {
			delete(m, k)
		}
	}
	return m
}

func finite(v float64) *float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return nil
	}
	return &v
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
