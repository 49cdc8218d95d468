package agentchan

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client drives the agent running inside one VM. A Client is bound to a
// single VM for its lifetime; VLW/TW open one per task/action and Disconnect
// it when done.
type Client struct {
	conn           *grpc.ClientConn
	connectTimeout time.Duration
}

// DialOption configures how Dial reaches the agent.
type DialOption func(*dialConfig)

type dialConfig struct {
	tls     bool
	certDir string
	dialer  func(context.Context, string) (net.Conn, error)
}

// WithTLS enables mTLS using the cert/key/ca triple found in certDir.
func WithTLS(certDir string) DialOption {
	return func(c *dialConfig) {
		c.tls = true
		c.certDir = certDir
	}
}

// WithContextDialer overrides how Dial opens the underlying connection,
// used by tests to substitute an in-memory bufconn listener for a real VM
// network path.
func WithContextDialer(dialer func(context.Context, string) (net.Conn, error)) DialOption {
	return func(c *dialConfig) {
		c.dialer = dialer
	}
}

// Dial connects to the agent listening at addr (host:port inside the VM's
// network, §2.2). Without WithTLS the channel is plaintext, used only for
// local development drivers.
func Dial(ctx context.Context, addr string, opts ...DialOption) (*Client, error) {
	cfg := &dialConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	dialOpts := []grpc.DialOption{grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName))}
	if cfg.dialer != nil {
		dialOpts = append(dialOpts, grpc.WithContextDialer(cfg.dialer))
	}
	if cfg.tls {
		creds, err := ClientTLS(cfg.certDir)
		if err != nil {
			return nil, err
		}
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(creds))
	} else {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	conn, err := grpc.DialContext(ctx, addr, dialOpts...)
	if err != nil {
		return nil, transportErr("dial", err)
	}
	return &Client{conn: conn, connectTimeout: 10 * time.Second}, nil
}

// SetConnectTimeout overrides the default per-call timeout used by
// operations that don't receive an explicit deadline via ctx.
func (c *Client) SetConnectTimeout(d time.Duration) { c.connectTimeout = d }

// Disconnect tears down the underlying channel.
func (c *Client) Disconnect() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, op string, req, resp interface{}) error {
	payload, err := EncodePayload(req)
	if err != nil {
		return err
	}
	out, err := rawInvoke(ctx, c.conn, &Envelope{Op: op, Payload: payload})
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return timeoutErr(op, err)
		}
		return transportErr(op, err)
	}
	if out.Op == "error" {
		var msg string
		_ = DecodePayload(out.Payload, &msg)
		return agentErr(op, msg)
	}
	return DecodePayload(out.Payload, resp)
}

// Ping checks the agent is alive, used by VLW's "wait for tools in VM" step
// (§6 WaitForToolsInVM).
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, "Ping", &PingRequest{}, &PingResponse{})
}

// SetTime sets the VM's clock.
func (c *Client) SetTime(ctx context.Context, when time.Time) error {
	return c.call(ctx, "SetTime", &SetTimeRequest{When: when}, &SetTimeResponse{})
}

// SendFile uploads data to remotePath inside the VM.
func (c *Client) SendFile(ctx context.Context, remotePath string, data []byte) error {
	return c.call(ctx, "SendFile", &SendFileRequest{RemotePath: remotePath, Data: data}, &SendFileResponse{})
}

// SendFileFromString is a convenience wrapper for generated input scripts
// that exist only as an in-memory string (§4.3 build/suite command files).
func (c *Client) SendFileFromString(ctx context.Context, remotePath, content string) error {
	return c.SendFile(ctx, remotePath, []byte(content))
}

// GetFile downloads remotePath's bytes from inside the VM.
func (c *Client) GetFile(ctx context.Context, remotePath string) ([]byte, error) {
	var resp GetFileResponse
	if err := c.call(ctx, "GetFile", &GetFileRequest{RemotePath: remotePath}, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Run starts cmdLine in workingDir without blocking, returning the agent's
// tracking PID.
func (c *Client) Run(ctx context.Context, cmdLine, workingDir string) (int32, error) {
	var resp RunResponse
	req := &RunRequest{CmdLine: cmdLine, WorkingDir: workingDir}
	if err := c.call(ctx, "Run", req, &resp); err != nil {
		return 0, err
	}
	return resp.PID, nil
}

// Wait polls pid until it exits or the overall deadline elapses, re-issuing
// the RPC as a keepalive every interval so a long task doesn't look like a
// dead channel to network middleboxes (§6 "Run/Wait with keepalive").
func (c *Client) Wait(ctx context.Context, pid int32, deadline time.Time, interval time.Duration) (exitCode int32, err error) {
	for {
		if time.Now().After(deadline) {
			return 0, timeoutErr("Wait", fmt.Errorf("task deadline %s elapsed", deadline))
		}

		callCtx, cancel := context.WithTimeout(ctx, interval+5*time.Second)
		var resp WaitResponse
		err := c.call(callCtx, "Wait", &WaitRequest{PID: pid, Deadline: deadline}, &resp)
		cancel()
		if err != nil {
			return 0, err
		}
		if resp.Done {
			return resp.ExitCode, nil
		}

		select {
		case <-ctx.Done():
			return 0, timeoutErr("Wait", ctx.Err())
		case <-time.After(interval):
		}
	}
}
