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
	"context"
	"fmt"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/fairshare-scheduler/fairshare-core/pkg/log"
)

// ----------------------------------
// operation events
// ----------------------------------
type operationEvent int

const (
	EnqueueOperation operationEvent = iota
	RunOperation
	FinishOperation
)

func (oe operationEvent) String() string {
	return [...]string{"enqueueOperation", "runOperation", "finishOperation"}[oe]
}

// ----------------------------------
// operation states
// ----------------------------------
type OperationState int

const (
	// OperationNew is attached to its pool, running in pool is not decided yet.
	OperationNew OperationState = iota
	// OperationPending waits for a pool that has reached its running operation limit.
	OperationPending
	OperationRunning
	OperationFinished
)

func (os OperationState) String() string {
	return [...]string{"New", "Pending", "Running", "Finished"}[os]
}

// NewOperationState creates the lifecycle of an operation inside one tree.
func NewOperationState() *fsm.FSM {
	return fsm.NewFSM(
		OperationNew.String(), fsm.Events{
			{
				Name: EnqueueOperation.String(),
				Src:  []string{OperationNew.String(), OperationRunning.String()},
				Dst:  OperationPending.String(),
			}, {
				Name: RunOperation.String(),
				Src:  []string{OperationNew.String(), OperationPending.String()},
				Dst:  OperationRunning.String(),
			}, {
				Name: FinishOperation.String(),
				Src:  []string{OperationNew.String(), OperationPending.String(), OperationRunning.String()},
				Dst:  OperationFinished.String(),
			},
		},
		fsm.Callbacks{
			// The first argument is always the operation element the event is for,
			// anything else is a runtime panic.
			"enter_state": func(_ context.Context, event *fsm.Event) {
				op := event.Args[0].(*Operation) //nolint:errcheck
				log.Log(log.Tree).Info("operation state transition",
					zap.String("treeID", op.treeID),
					zap.String("operationID", op.id),
					zap.String("source", event.Src),
					zap.String("destination", event.Dst),
					zap.String("event", event.Event))
			},
			fmt.Sprintf("enter_%s", OperationRunning.String()): func(_ context.Context, event *fsm.Event) {
				op := event.Args[0].(*Operation) //nolint:errcheck
				op.parent.composite().increaseRunningOperationCount(1)
				op.removeFromPendingLists()
			},
			fmt.Sprintf("leave_%s", OperationRunning.String()): func(_ context.Context, event *fsm.Event) {
				op := event.Args[0].(*Operation) //nolint:errcheck
				if op.parent != nil {
					op.parent.composite().increaseRunningOperationCount(-1)
				}
			},
		},
	)
}
