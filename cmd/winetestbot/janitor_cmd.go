package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fgouget/wine-tools-sub001/internal/janitor"
)

var janitorCmd = &cobra.Command{
	Use:   "janitor",
	Short: "Run one GC pass: purge/archive old Jobs, drop stale patch series, sweep staging (JAN)",
	Args:  cobra.NoArgs,
	RunE:  runJanitor,
}

func runJanitor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	j := janitor.New(s, cfg)
	if err := j.Run(context.Background()); err != nil {
		return err
	}
	fmt.Println("janitor pass complete")
	return nil
}
