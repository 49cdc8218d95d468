// Package procsup supervises the short-lived VLW/TW child processes ED
// spawns: starting them, signaling exit when their deadline is reached, and
// reporting back when they exit so ED never blocks on per-VM I/O (§4.1,
// §5). Grounded on the teacher's test/framework/process.go Start/Stop/Kill
// lifecycle, generalized from a test harness into ED's production reaper.
package procsup

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Exit reports one child's termination.
type Exit struct {
	Pid  int32
	Err  error // nil on a clean (status 0) exit
	Kind string
	VM   string
}

// Spawner starts children and reports their exits on a single channel, the
// way ED "watches child exits and timers" without blocking on any one of
// them (§5 "Suspension and blocking").
type Spawner struct {
	Binary string
	Exits  chan Exit

	mu  sync.Mutex
	cmd map[int32]*exec.Cmd
}

// NewSpawner creates a Spawner that re-execs binary (typically the running
// executable itself, os.Args[0]) for each VLW/TW invocation.
func NewSpawner(binary string) *Spawner {
	return &Spawner{
		Binary: binary,
		Exits:  make(chan Exit, 64),
		cmd:    make(map[int32]*exec.Cmd),
	}
}

// Spawn starts binary with args, tagging the exit report with kind/vm so
// ED's select loop can tell what finished.
func (s *Spawner) Spawn(kind, vm string, args ...string) (int32, error) {
	cmd := exec.Command(s.Binary, args...)
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("procsup: start %s %v: %w", s.Binary, args, err)
	}

	pid := int32(cmd.Process.Pid)
	s.mu.Lock()
	s.cmd[pid] = cmd
	s.mu.Unlock()

	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		delete(s.cmd, pid)
		s.mu.Unlock()
		s.Exits <- Exit{Pid: pid, Err: err, Kind: kind, VM: vm}
	}()

	return pid, nil
}

// Kill terminates pid, escalating from SIGTERM to SIGKILL after a grace
// period (used for ChildDeadline eviction, §4.1 point 2). It works whether
// or not pid was spawned by this Spawner instance, so a restarted ED can
// still evict children it inherited from a crashed predecessor.
func (s *Spawner) Kill(pid int32) error {
	s.mu.Lock()
	cmd, owned := s.cmd[pid]
	s.mu.Unlock()

	if owned {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			return cmd.Process.Kill()
		}
		go func() {
			time.Sleep(10 * time.Second)
			s.mu.Lock()
			_, stillThere := s.cmd[pid]
			s.mu.Unlock()
			if stillThere {
				_ = cmd.Process.Kill()
			}
		}()
		return nil
	}

	proc, err := os.FindProcess(int(pid))
	if err != nil {
		return fmt.Errorf("procsup: find pid %d: %w", pid, err)
	}
	return proc.Signal(syscall.SIGTERM)
}

// IsAlive reports whether pid identifies a currently-running process, the
// signal(0) probe ED uses on restart to distinguish "not yet reaped" from
// "actually gone" for a pid it no longer holds an *exec.Cmd for (§4.1
// "Idempotence": "for each VM with ChildPid set whose pid is no longer
// live...").
func IsAlive(pid int32) bool {
	proc, err := os.FindProcess(int(pid))
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
