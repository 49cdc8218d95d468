package agentchan

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

// fakeAgent is a minimal in-process stand-in for the guest-side program, used
// to exercise the client without a real VM.
type fakeAgent struct {
	files map[string][]byte
	pids  map[int32]bool
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{files: map[string][]byte{}, pids: map[int32]bool{}}
}

func (f *fakeAgent) Invoke(ctx context.Context, req *Envelope) (*Envelope, error) {
	switch req.Op {
	case "Ping":
		return reply("Ping", &PingResponse{})
	case "SetTime":
		return reply("SetTime", &SetTimeResponse{})
	case "SendFile":
		var in SendFileRequest
		DecodePayload(req.Payload, &in)
		f.files[in.RemotePath] = in.Data
		return reply("SendFile", &SendFileResponse{})
	case "GetFile":
		var in GetFileRequest
		DecodePayload(req.Payload, &in)
		data, ok := f.files[in.RemotePath]
		if !ok {
			return replyError("file not found")
		}
		return reply("GetFile", &GetFileResponse{Data: data})
	case "Run":
		f.pids[1] = true
		return reply("Run", &RunResponse{PID: 1})
	case "Wait":
		var in WaitRequest
		DecodePayload(req.Payload, &in)
		return reply("Wait", &WaitResponse{Done: true, ExitCode: 0})
	default:
		return replyError("unknown op " + req.Op)
	}
}

func reply(op string, v interface{}) (*Envelope, error) {
	payload, err := EncodePayload(v)
	if err != nil {
		return nil, err
	}
	return &Envelope{Op: op, Payload: payload}, nil
}

func replyError(msg string) (*Envelope, error) {
	payload, _ := EncodePayload(msg)
	return &Envelope{Op: "error", Payload: payload}, nil
}

func dialFakeAgent(t *testing.T) *Client {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	srv := grpc.NewServer()
	RegisterServer(srv, newFakeAgent())
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	dialer := func(ctx context.Context, _ string) (net.Conn, error) { return lis.Dial() }
	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &Client{conn: conn, connectTimeout: 5 * time.Second}
}

func TestPing(t *testing.T) {
	c := dialFakeAgent(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Ping(ctx))
}

func TestSendAndGetFile(t *testing.T) {
	c := dialFakeAgent(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, c.SendFileFromString(ctx, `C:\staging\patch.diff`, "diff --git a/foo b/foo"))

	data, err := c.GetFile(ctx, `C:\staging\patch.diff`)
	require.NoError(t, err)
	assert.Equal(t, "diff --git a/foo b/foo", string(data))
}

func TestGetFileMissingReturnsAgentError(t *testing.T) {
	c := dialFakeAgent(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := c.GetFile(ctx, `C:\nope`)
	require.Error(t, err)
	assert.False(t, IsTransportFailure(err))
	assert.False(t, IsTimeout(err))
}

func TestRunAndWait(t *testing.T) {
	c := dialFakeAgent(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pid, err := c.Run(ctx, `wine test.exe`, `C:\staging`)
	require.NoError(t, err)
	assert.Equal(t, int32(1), pid)

	exitCode, err := c.Wait(ctx, pid, time.Now().Add(time.Second), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int32(0), exitCode)
}

func TestDialUnreachableIsTransportFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	// 127.0.0.1:1 is never a listening agent. Dial does not block, so it
	// succeeds; the refused connection surfaces on the first RPC as a
	// transport failure.
	c, err := Dial(ctx, "127.0.0.1:1")
	require.NoError(t, err)
	defer c.Disconnect()

	err = c.Ping(ctx)
	require.Error(t, err)
	assert.True(t, IsTransportFailure(err))
}
