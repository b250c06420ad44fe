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

type SchedulerHealthDAOInfo struct {
	Healthy      bool              `json:"healthy"`
	HealthChecks []HealthCheckInfo `json:"healthChecks,omitempty"`
}

type HealthCheckInfo struct {
	Name             string `json:"name"`
	TreeID           string `json:"treeID,omitempty"`
	Succeeded        bool   `json:"succeeded"`
	Description      string `json:"description,omitempty"`
	DiagnosisMessage string `json:"diagnosisMessage,omitempty"`
}

// SetHealthStatus is healthy only if every check succeeded.
func (s *SchedulerHealthDAOInfo) SetHealthStatus() {
	s.Healthy = true
	for _, check := range s.HealthChecks {
		if !check.Succeeded {
			s.Healthy = false
			return
		}
	}
}

func (s *SchedulerHealthDAOInfo) AddHealthCheckInfo(succeeded bool, name, treeID, description, diagnosis string) {
	info := HealthCheckInfo{
		Name:             name,
		TreeID:           treeID,
		Succeeded:        succeeded,
		Description:      description,
		DiagnosisMessage: diagnosis,
	}
	s.HealthChecks = append(s.HealthChecks, info)
}
