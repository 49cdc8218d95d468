package agentchan

import "time"

// SetTimeRequest asks the agent to set its VM clock, used before a test run
// so logged timestamps line up with the host's.
type SetTimeRequest struct {
	When time.Time
}

type SetTimeResponse struct{}

// SendFileRequest uploads a file's bytes to a path inside the VM (§2.2's
// staging upload step).
type SendFileRequest struct {
	RemotePath string
	Data       []byte
}

type SendFileResponse struct{}

// GetFileRequest downloads a file's bytes from inside the VM (a task's
// output log or report).
type GetFileRequest struct {
	RemotePath string
}

type GetFileResponse struct {
	Data []byte
}

// RunRequest starts a command inside the VM without blocking for it to
// finish; the caller later polls with Wait.
type RunRequest struct {
	CmdLine    string
	WorkingDir string
}

type RunResponse struct {
	PID int32
}

// WaitRequest polls for a previously started command to finish, or for the
// wait deadline to elapse, whichever comes first. The agent answers
// Done=false before Deadline elapses to act as a keepalive heartbeat (§6
// "Run/Wait with keepalive").
type WaitRequest struct {
	PID      int32
	Deadline time.Time
}

type WaitResponse struct {
	Done     bool
	ExitCode int32
}

// PingRequest/PingResponse are used as a liveness probe independent of any
// command being run.
type PingRequest struct{}

type PingResponse struct{}
