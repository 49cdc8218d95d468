package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/fgouget/wine-tools-sub001/internal/events"
	"github.com/fgouget/wine-tools-sub001/internal/taskworker"
	"github.com/fgouget/wine-tools-sub001/internal/types"
)

var taskWorkerCmd = &cobra.Command{
	Use:   "task-worker <job-id> <step-no> <task-no>",
	Short: "Run one Task to completion and write its terminal Task/VM state (TW)",
	Args:  cobra.ExactArgs(3),
	RunE:  runTaskWorker,
}

func runTaskWorker(cmd *cobra.Command, args []string) error {
	jobID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return usageError(fmt.Errorf("bad job id %q: %w", args[0], err))
	}
	stepNo, err := strconv.Atoi(args[1])
	if err != nil {
		return usageError(fmt.Errorf("bad step number %q: %w", args[1], err))
	}
	taskNo, err := strconv.Atoi(args[2])
	if err != nil {
		return usageError(fmt.Errorf("bad task number %q: %w", args[2], err))
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	w := &taskworker.Worker{
		Store:   s,
		Driver:  newDriver(cfg),
		Config:  cfg,
		Broker:  broker,
		Connect: newAgentConnect(cfg),
	}

	outcome, err := w.Run(context.Background(), types.TaskKey{JobID: jobID, StepNo: stepNo, No: taskNo})
	if err != nil {
		return err
	}
	fmt.Printf("task %d/%d/%d -> %s (vm %s, %d test failures)\n",
		jobID, stepNo, taskNo, outcome.TaskStatus, outcome.NextVMStatus, outcome.TestFailures)
	return nil
}
