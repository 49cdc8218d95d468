package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fgouget/wine-tools-sub001/internal/events"
	"github.com/fgouget/wine-tools-sub001/internal/vlw"
)

var libvirtToolCmd = &cobra.Command{
	Use:   "libvirt-tool <action> <vm-name>",
	Short: "Perform one VM lifecycle action: checkidle, checkoff, revert, poweroff or monitor (VLW)",
	Args:  cobra.ExactArgs(2),
	RunE:  runLibvirtTool,
}

func runLibvirtTool(cmd *cobra.Command, args []string) error {
	action := vlw.Action(args[0])
	switch action {
	case vlw.ActionCheckIdle, vlw.ActionCheckOff, vlw.ActionRevert, vlw.ActionPowerOff, vlw.ActionMonitor:
	default:
		return usageError(fmt.Errorf("unknown VLW action %q", args[0]))
	}
	vmName := args[1]

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

	w := &vlw.Worker{
		Store:   s,
		Driver:  newDriver(cfg),
		Config:  cfg,
		Broker:  broker,
		Connect: newAgentConnect(cfg),
	}

	status, err := w.Run(context.Background(), action, vmName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "libvirt-tool: %s %s failed, vm left at %s: %v\n", action, vmName, status, err)
		return err
	}
	fmt.Printf("%s %s -> %s\n", action, vmName, status)
	return nil
}
