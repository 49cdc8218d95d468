package vmdriver

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/digitalocean/go-libvirt"

	"github.com/fgouget/wine-tools-sub001/internal/wtlog"
)

// LibvirtDriver implements Driver against a real libvirt daemon, the way the
// teacher's pkg/embedded wrappers dial a specific hypervisor surface and log
// every action through a component logger (pkg/embedded/lima.go).
type LibvirtDriver struct {
	uri     string
	dialer  func(ctx context.Context) (net.Conn, error)
	timeout time.Duration
}

// NewLibvirtDriver creates a driver that dials the libvirt daemon at the TCP
// address addr (host:port, e.g. "hv1.winehq.org:16509") for each operation
// it performs; URLs and unix socket paths are not accepted.
func NewLibvirtDriver(addr string, timeout time.Duration) *LibvirtDriver {
	return &LibvirtDriver{
		uri:     addr,
		timeout: timeout,
		dialer: func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		},
	}
}

func (d *LibvirtDriver) connect(ctx context.Context) (*libvirt.Libvirt, func(), error) {
	conn, err := d.dialer(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrHostUnreachable, err)
	}
	l := libvirt.New(conn)
	if err := l.ConnectToURI(libvirt.QEMUSystem); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("%w: libvirt handshake failed: %v", ErrHostUnreachable, err)
	}
	closer := func() {
		l.Disconnect()
	}
	return l, closer, nil
}

func (d *LibvirtDriver) lookup(l *libvirt.Libvirt, vmName string) (libvirt.Domain, error) {
	dom, err := l.DomainLookupByName(vmName)
	if err != nil {
		return libvirt.Domain{}, fmt.Errorf("domain %s not found: %w", vmName, err)
	}
	return dom, nil
}

func (d *LibvirtDriver) IsPoweredOn(ctx context.Context, vmName string) (bool, error) {
	l, closer, err := d.connect(ctx)
	if err != nil {
		return false, err
	}
	defer closer()

	dom, err := d.lookup(l, vmName)
	if err != nil {
		return false, err
	}
	state, _, err := l.DomainGetState(dom, 0)
	if err != nil {
		return false, fmt.Errorf("get state for %s: %w", vmName, err)
	}
	// libvirt.DomainState: 1 = running, 3 = paused, others are off/crashed.
	return state == 1 || state == 3, nil
}

func (d *LibvirtDriver) PowerOff(ctx context.Context, vmName string, force bool) error {
	l, closer, err := d.connect(ctx)
	if err != nil {
		return err
	}
	defer closer()

	dom, err := d.lookup(l, vmName)
	if err != nil {
		return err
	}

	if force {
		if err := l.DomainDestroy(dom); err != nil {
			return fmt.Errorf("destroy %s: %w", vmName, err)
		}
		return nil
	}
	if err := l.DomainShutdown(dom); err != nil {
		return fmt.Errorf("shutdown %s: %w", vmName, err)
	}
	return nil
}

func (d *LibvirtDriver) CurrentSnapshotName(ctx context.Context, vmName string) (string, error) {
	l, closer, err := d.connect(ctx)
	if err != nil {
		return "", err
	}
	defer closer()

	dom, err := d.lookup(l, vmName)
	if err != nil {
		return "", err
	}
	snap, err := l.DomainSnapshotCurrent(dom, 0)
	if err != nil {
		// No current snapshot is a legitimate answer, not a driver failure.
		return "", nil
	}
	return snap.Name, nil
}

func (d *LibvirtDriver) RevertToSnapshot(ctx context.Context, vmName, snapshot string) error {
	l, closer, err := d.connect(ctx)
	if err != nil {
		return err
	}
	defer closer()

	dom, err := d.lookup(l, vmName)
	if err != nil {
		return err
	}
	snap, err := l.DomainSnapshotLookupByName(dom, snapshot, 0)
	if err != nil {
		return fmt.Errorf("snapshot %s not found on %s: %w", snapshot, vmName, err)
	}
	if err := l.DomainRevertToSnapshot(snap, 0); err != nil {
		return fmt.Errorf("revert %s to %s: %w", vmName, snapshot, err)
	}
	return nil
}

func (d *LibvirtDriver) CaptureScreenImage(ctx context.Context, vmName string) ([]byte, error) {
	l, closer, err := d.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer closer()

	dom, err := d.lookup(l, vmName)
	if err != nil {
		return nil, err
	}

	stream, _, err := l.DomainScreenshot(dom, 0)
	if err != nil {
		return nil, fmt.Errorf("screenshot %s: %w", vmName, err)
	}

	buf := make([]byte, 0, 64*1024)
	chunk := make([]byte, 32*1024)
	for {
		n, err := stream.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read screenshot stream for %s: %w", vmName, err)
		}
	}

	wtlog.WithVM(vmName).Debug().Int("bytes", len(buf)).Msg("captured screen image")
	return buf, nil
}
