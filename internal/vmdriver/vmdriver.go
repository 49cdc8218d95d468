// Package vmdriver is the VM Driver (VD, spec §2.2/§6): a thin abstraction
// over the hypervisor exposing is-powered-on, power-off, revert-to-snapshot,
// current-snapshot-name and capture-screen-image. Implementations must be
// idempotent under retry (§6).
package vmdriver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/fgouget/wine-tools-sub001/internal/metrics"
)

// ErrHostUnreachable means the hypervisor host itself could not be reached
// (distinct from the VM/domain failing an operation) — this is the "host
// down" scenario of §7/E5 and must not be retried blindly.
var ErrHostUnreachable = errors.New("vmdriver: hypervisor host unreachable")

// Driver is the VD contract every VLW/TW action is built on.
type Driver interface {
	IsPoweredOn(ctx context.Context, vmName string) (bool, error)
	PowerOff(ctx context.Context, vmName string, force bool) error
	CurrentSnapshotName(ctx context.Context, vmName string) (string, error)
	RevertToSnapshot(ctx context.Context, vmName, snapshot string) error
	CaptureScreenImage(ctx context.Context, vmName string) ([]byte, error)
}

// BreakerDriver wraps a Driver with one gobreaker.CircuitBreaker per VM so a
// run of host-unreachable failures trips fast instead of hammering a wedged
// libvirtd (SPEC_FULL.md "VM Driver"). Grounded on jordigilh-kubernaut's use
// of sony/gobreaker around flaky external calls.
type BreakerDriver struct {
	inner    Driver
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerDriver wraps inner with per-VM circuit breakers.
func NewBreakerDriver(inner Driver) *BreakerDriver {
	return &BreakerDriver{inner: inner, breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

func (b *BreakerDriver) breakerFor(vmName string) *gobreaker.CircuitBreaker {
	if cb, ok := b.breakers[vmName]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "vmdriver:" + vmName,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	b.breakers[vmName] = cb
	return cb
}

func (b *BreakerDriver) call(vmName string, fn func() (interface{}, error)) (interface{}, error) {
	cb := b.breakerFor(vmName)
	out, err := cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) {
		err = fmt.Errorf("%w: circuit open for %s", ErrHostUnreachable, vmName)
	}
	if errors.Is(err, ErrHostUnreachable) {
		metrics.UpdateComponent("libvirt", false, err.Error())
	} else {
		metrics.UpdateComponent("libvirt", true, "")
	}
	return out, err
}

func (b *BreakerDriver) IsPoweredOn(ctx context.Context, vmName string) (bool, error) {
	out, err := b.call(vmName, func() (interface{}, error) { return b.inner.IsPoweredOn(ctx, vmName) })
	if err != nil {
		return false, err
	}
	return out.(bool), nil
}

func (b *BreakerDriver) PowerOff(ctx context.Context, vmName string, force bool) error {
	_, err := b.call(vmName, func() (interface{}, error) { return nil, b.inner.PowerOff(ctx, vmName, force) })
	return err
}

func (b *BreakerDriver) CurrentSnapshotName(ctx context.Context, vmName string) (string, error) {
	out, err := b.call(vmName, func() (interface{}, error) { return b.inner.CurrentSnapshotName(ctx, vmName) })
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

func (b *BreakerDriver) RevertToSnapshot(ctx context.Context, vmName, snapshot string) error {
	_, err := b.call(vmName, func() (interface{}, error) { return nil, b.inner.RevertToSnapshot(ctx, vmName, snapshot) })
	return err
}

func (b *BreakerDriver) CaptureScreenImage(ctx context.Context, vmName string) ([]byte, error) {
	out, err := b.call(vmName, func() (interface{}, error) { return b.inner.CaptureScreenImage(ctx, vmName) })
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}
