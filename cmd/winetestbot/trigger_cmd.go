package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fgouget/wine-tools-sub001/internal/trigger"
)

var checkForWinetestUpdateCmd = &cobra.Command{
	Use:   "check-for-winetest-update [selector...]",
	Short: "Poll the upstream winetest build and compose a Job family if it changed (PT)",
	Long: `Polls Config.WinetestURL with a conditional GET. On a new build it
composes a reconfig+suite Job family for the given VM-population selectors
(base32, winetest32, all64); with no selectors, every population runs.`,
	RunE: runCheckForWinetestUpdate,
}

var createFlag bool

func init() {
	checkForWinetestUpdateCmd.Flags().BoolVar(&createFlag, "create", false,
		"force the download and Job composition even if the upstream reports unchanged")
}

func runCheckForWinetestUpdate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	tr := trigger.New(s, cfg)
	changed, err := tr.CheckForUpdate(context.Background(), args, createFlag)
	if err != nil {
		return err
	}
	if changed {
		fmt.Println("new winetest build found, job family composed")
	} else {
		fmt.Println("winetest build unchanged")
	}
	return nil
}
