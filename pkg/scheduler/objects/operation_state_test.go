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
	"testing"

	"gotest.tools/v3/assert"

	"github.com/fairshare-scheduler/fairshare-core/pkg/common/resources"
)

func newAttachedOperation(t *testing.T) (*Root, *Operation) {
	root := newTestRoot(newTestTreeConfig())
	a := newTestPool(t, root, poolA, nil)
	pb := a.base()
	op, err := NewOperation(opID1, treeID, nil, newTestController(1, resources.Zero), testStart, pb.treeConfig, pb.host, pb.resourceTree)
	assert.NilError(t, err)
	op.AttachParent(a)
	return root, op
}

func TestOperationStateTransition(t *testing.T) {
	root, op := newAttachedOperation(t)
	assert.Equal(t, op.CurrentState(), OperationNew.String())

	// new to pending
	err := op.handleOperationEvent(EnqueueOperation)
	assert.NilError(t, err)
	assert.Equal(t, op.CurrentState(), OperationPending.String())
	assert.Equal(t, root.GetRunningOperationCount(), 0)

	// enqueue on pending not allowed
	err = op.handleOperationEvent(EnqueueOperation)
	assert.Assert(t, err != nil)
	assert.Equal(t, op.CurrentState(), OperationPending.String())

	// pending to running
	err = op.handleOperationEvent(RunOperation)
	assert.NilError(t, err)
	assert.Equal(t, op.CurrentState(), OperationRunning.String())
	assert.Equal(t, root.GetRunningOperationCount(), 1)

	// running back to pending
	err = op.handleOperationEvent(EnqueueOperation)
	assert.NilError(t, err)
	assert.Equal(t, root.GetRunningOperationCount(), 0)

	// running to finished
	assert.NilError(t, op.handleOperationEvent(RunOperation))
	assert.NilError(t, op.handleOperationEvent(FinishOperation))
	assert.Equal(t, op.CurrentState(), OperationFinished.String())
	assert.Equal(t, root.GetRunningOperationCount(), 0)

	// nothing leaves finished
	for _, event := range []operationEvent{EnqueueOperation, RunOperation, FinishOperation} {
		err = op.handleOperationEvent(event)
		assert.Assert(t, err != nil, "event %s on finished operation", event)
		assert.Equal(t, op.CurrentState(), OperationFinished.String())
	}
}

func TestOperationStateSharedBySnapshots(t *testing.T) {
	root, op := newAttachedOperation(t)
	snapshot := updateTree(root, testStart, nil)
	assert.Equal(t, UnschedulableIsNotRunning, snapshot.FindOperation(opID1).GetUnschedulableReason())

	op.MarkOperationRunningInPool()
	assert.Assert(t, snapshot.FindOperation(opID1).IsRunningInPool(), "lifecycle is shared with published snapshots")
	assert.Equal(t, 0, snapshot.GetRunningOperationCount(), "counts of a published snapshot are frozen")
	assert.Equal(t, 1, root.GetRunningOperationCount())
}

func TestDisabledOperationReportsReason(t *testing.T) {
	root, op := newAttachedOperation(t)
	op.MarkOperationRunningInPool()
	op.controller.(*testController).pending = 0

	snapshot := updateTree(root, testStart, nil)
	assert.Assert(t, snapshot.FindEnabledOperation(opID1) == nil)
	assert.Equal(t, UnschedulableNoPendingJobs, snapshot.FindOperation(opID1).GetUnschedulableReason())
	assert.Equal(t, 0, snapshot.FindOperation(opID1).GetPendingJobCount())
}

func TestOperationStateString(t *testing.T) {
	assert.Equal(t, "enqueueOperation", EnqueueOperation.String())
	assert.Equal(t, "runOperation", RunOperation.String())
	assert.Equal(t, "finishOperation", FinishOperation.String())
	assert.Equal(t, "New", OperationNew.String())
	assert.Equal(t, "Pending", OperationPending.String())
	assert.Equal(t, "Running", OperationRunning.String())
	assert.Equal(t, "Finished", OperationFinished.String())
}
