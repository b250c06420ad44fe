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
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/fairshare-scheduler/fairshare-core/pkg/common/configs"
)

/*
A utility command to load one or more tree configuration files and check their validity
*/
func main() {
	if len(os.Args) < 2 {
		log.Println("Usage: " + os.Args[0] + " <tree-config-file>...")
		os.Exit(1)
	}
	exitCode := 0
	for _, treeFile := range os.Args[1:] {
		content, err := os.ReadFile(treeFile)
		if err != nil {
			log.Println(err)
			os.Exit(2)
		}
		conf, err := configs.LoadTreeConfigFromByteArray(content)
		if err != nil {
			log.Printf("%s: %v\n", treeFile, err)
			exitCode = 3
			continue
		}
		pools := 0
		conf.WalkPools(func(string, *configs.PoolConfig) { pools++ })
		fmt.Printf("%s: tree %s is valid, %d pools, checksum %s\n", treeFile, conf.Name, pools, conf.Checksum)
	}
	os.Exit(exitCode)
}
