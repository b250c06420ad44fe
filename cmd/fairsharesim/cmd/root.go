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
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fairshare-scheduler/fairshare-core/pkg/common/configs"
	"github.com/fairshare-scheduler/fairshare-core/pkg/log"
	"github.com/fairshare-scheduler/fairshare-core/pkg/scheduler"
	"github.com/fairshare-scheduler/fairshare-core/pkg/simulator"
	"github.com/fairshare-scheduler/fairshare-core/pkg/trace"
	"github.com/fairshare-scheduler/fairshare-core/pkg/webservice"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fairsharesim",
		Short: "Simulate a workload against fair share pool trees.",
		RunE:  runSimulation,
	}
	cmd.Flags().String("workload", "", "Workload file with the nodes and operations to simulate.")
	cmd.Flags().StringSlice("trees", nil, "Tree configuration files, one tree per file.")
	cmd.Flags().String("logLevel", "info", "Default log level.")
	cmd.Flags().String("webservice", "", "Serve the diagnostics on this address, keeps serving after the simulation until interrupted.")
	cmd.Flags().Bool("trace", false, "Trace every heartbeat with a constant sampling tracer.")
	cmd.Flags().Duration("pace", 0, "Wall clock pause between two simulated heartbeat rounds.")
	cmd.Flags().Duration("watchInterval", 0, "Poll the tree configuration files for changes. Disabled if 0.")
	cmd.Flags().Duration("healthInterval", 0, "Run the scheduler health checks periodically. Disabled if 0.")
	_ = cmd.MarkFlagRequired("workload")
	return cmd
}

func runSimulation(cmd *cobra.Command, _ []string) error {
	// Get command-line arguments.
	workloadPath, err := cmd.Flags().GetString("workload")
	if err != nil {
		return err
	}
	treePaths, err := cmd.Flags().GetStringSlice("trees")
	if err != nil {
		return err
	}
	logLevel, err := cmd.Flags().GetString("logLevel")
	if err != nil {
		return err
	}
	address, err := cmd.Flags().GetString("webservice")
	if err != nil {
		return err
	}
	tracing, err := cmd.Flags().GetBool("trace")
	if err != nil {
		return err
	}
	pace, err := cmd.Flags().GetDuration("pace")
	if err != nil {
		return err
	}
	watchInterval, err := cmd.Flags().GetDuration("watchInterval")
	if err != nil {
		return err
	}
	healthInterval, err := cmd.Flags().GetDuration("healthInterval")
	if err != nil {
		return err
	}
	log.UpdateLoggingConfig(map[string]string{log.DefaultLevelKey: logLevel})

	// Load the workload and the trees.
	workload, err := simulator.LoadWorkloadFromFile(workloadPath)
	if err != nil {
		return fmt.Errorf("workload %s: %w", workloadPath, err)
	}
	treeConfigs, err := loadTreeConfigs(treePaths)
	if err != nil {
		return err
	}
	sim, err := simulator.NewSimulator(workload, treeConfigs, time.Now())
	if err != nil {
		return err
	}
	sim.SetPace(pace)
	strategy := sim.GetStrategy()
	log.Log(log.Simulator).Info("simulation created",
		zap.String("workload", workload.Name),
		zap.Strings("trees", strategy.GetTreeIDs()),
		zap.Duration("duration", workload.Duration))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if tracing {
		tracer, closer, tracerErr := trace.NewConstTracer(trace.DefaultServiceName)
		if tracerErr != nil {
			return tracerErr
		}
		schedulerTracer := trace.NewSchedulerTracerWith(tracer, closer, nil)
		defer schedulerTracer.Close()
		sim.SetTracer(schedulerTracer)
	}
	if watchInterval > 0 {
		for i, path := range treePaths {
			watcher := configs.NewConfigWatcher(path, watchInterval, strategy)
			watcher.SetChecksum(treeConfigs[i].Checksum)
			go watcher.Run(ctx)
		}
	}
	if healthInterval > 0 {
		checker := scheduler.NewHealthChecker(healthInterval)
		checker.Start(strategy)
		defer checker.Stop()
	}
	var ws *webservice.WebService
	if address != "" {
		ws = webservice.NewWebApp(strategy)
		ws.StartWebApp(address)
		defer func() {
			if stopErr := ws.StopWebApp(); stopErr != nil {
				log.Log(log.Simulator).Warn("web app stop failed", zap.Error(stopErr))
			}
		}()
	}

	// Run the simulation.
	stats, err := sim.Run(ctx)
	if err != nil && ctx.Err() == nil {
		return err
	}
	log.Log(log.Simulator).Info("simulation result",
		zap.String("workload", workload.Name),
		zap.Stringer("statistics", stats))
	fmt.Println(stats.String())

	if ws != nil && ctx.Err() == nil {
		log.Log(log.Simulator).Info("serving diagnostics until interrupted", zap.String("address", address))
		<-ctx.Done()
	}
	return nil
}

// loadTreeConfigs reads the tree files, without files a single default tree is simulated.
func loadTreeConfigs(paths []string) ([]*configs.TreeConfig, error) {
	if len(paths) == 0 {
		conf, err := configs.LoadTreeConfigFromByteArray([]byte("name: " + configs.DefaultTreeName + "\n"))
		if err != nil {
			return nil, err
		}
		return []*configs.TreeConfig{conf}, nil
	}
	treeConfigs := make([]*configs.TreeConfig, 0, len(paths))
	for _, path := range paths {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		conf, err := configs.LoadTreeConfigFromByteArray(content)
		if err != nil {
			return nil, fmt.Errorf("tree config %s: %w", path, err)
		}
		treeConfigs = append(treeConfigs, conf)
	}
	return treeConfigs, nil
}
