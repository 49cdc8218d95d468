package main

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/fgouget/wine-tools-sub001/internal/agentchan"
	"github.com/fgouget/wine-tools-sub001/internal/config"
	"github.com/fgouget/wine-tools-sub001/internal/metrics"
	"github.com/fgouget/wine-tools-sub001/internal/store"
	"github.com/fgouget/wine-tools-sub001/internal/vmdriver"
)

// loadConfig reads the shared --config flag into a Config, failing as a
// usage error since a bad config path/contents is the operator's mistake,
// not ours.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return cfg, usageError(fmt.Errorf("load config: %w", err))
	}
	return cfg, nil
}

// openStore opens RS at cfg.DataDir, treating a failure to open the
// database file as a fatal environment error (§6 exit code 3): the process
// cannot do anything useful without it.
func openStore(cfg config.Config) (store.Store, error) {
	s, err := store.Open(cfg.DataDir)
	if err != nil {
		metrics.RegisterComponent("store", false, err.Error())
		return nil, environmentError(fmt.Errorf("open store at %s: %w", cfg.DataDir, err))
	}
	metrics.RegisterComponent("store", true, "")
	return s, nil
}

// newDriver builds the production VM driver: a real libvirt connection
// wrapped in a per-VM circuit breaker (§6 "VM driver"). The breaker keeps
// this process's "libvirt" health component current: a VD call failing with
// ErrHostUnreachable (or an open breaker) marks it unhealthy until the next
// call that does not fail that way. It counts toward GetHealth, not
// GetReadiness, which gates only on "store".
func newDriver(cfg config.Config) vmdriver.Driver {
	metrics.RegisterComponent("libvirt", true, "")
	return vmdriver.NewBreakerDriver(vmdriver.NewLibvirtDriver(cfg.LibvirtAddr, cfg.LibvirtDialTimeout))
}

// newAgentConnect builds the Connect func VLW/TW use to reach the in-guest
// agent. The agent listens on cfg.AgentPort at an address resolvable by the
// VM's own name (the libvirt network's DNS, per the fleet's existing
// convention — there is no separate per-VM address field in the Data
// Model).
func newAgentConnect(cfg config.Config) func(ctx context.Context, vmName string) (*agentchan.Client, error) {
	return func(ctx context.Context, vmName string) (*agentchan.Client, error) {
		addr := net.JoinHostPort(vmName, strconv.Itoa(cfg.AgentPort))
		var opts []agentchan.DialOption
		if cfg.AgentTLS {
			opts = append(opts, agentchan.WithTLS(cfg.AgentCertDir))
		}
		return agentchan.Dial(ctx, addr, opts...)
	}
}
