package rcon

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gorcon/rcon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/craftctl/craftctl/internal/common/config"
	"github.com/craftctl/craftctl/internal/common/logger"
)

const (
	packetAuth         int32 = 3
	packetAuthResponse int32 = 2
	packetExec         int32 = 2
	packetResponse     int32 = 0
)

// fakeServer speaks enough of the Source RCON protocol for the bridge.
type fakeServer struct {
	listener net.Listener
	password string
	accepts  atomic.Int32

	// dropAfter closes each connection after this many commands (0 = never).
	dropAfter int

	mu       sync.Mutex
	commands []string
}

func newFakeServer(t *testing.T, password string, dropAfter int) *fakeServer {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeServer{listener: l, password: password, dropAfter: dropAfter}
	go s.serve()
	t.Cleanup(func() { _ = l.Close() })
	return s
}

func (s *fakeServer) port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

func (s *fakeServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.accepts.Add(1)
		go s.handle(conn)
	}
}

func (s *fakeServer) handle(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	executed := 0
	for {
		id, typ, body, err := readPacket(conn)
		if err != nil {
			return
		}
		switch typ {
		case packetAuth:
			if body != s.password {
				id = -1
			}
			if err := writePacket(conn, id, packetAuthResponse, ""); err != nil {
				return
			}
		case packetExec:
			s.mu.Lock()
			s.commands = append(s.commands, body)
			s.mu.Unlock()
			if err := writePacket(conn, id, packetResponse, "ok: "+body); err != nil {
				return
			}
			executed++
			if s.dropAfter > 0 && executed >= s.dropAfter {
				return
			}
		}
	}
}

func readPacket(r io.Reader) (int32, int32, string, error) {
	var size, id, typ int32
	for _, v := range []*int32{&size, &id, &typ} {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return 0, 0, "", err
		}
	}
	body := make([]byte, size-8)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, 0, "", err
	}
	return id, typ, string(bytes.TrimRight(body, "\x00")), nil
}

func writePacket(w io.Writer, id, typ int32, body string) error {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, int32(len(body)+10))
	_ = binary.Write(&buf, binary.LittleEndian, id)
	_ = binary.Write(&buf, binary.LittleEndian, typ)
	buf.WriteString(body)
	buf.Write([]byte{0, 0})
	_, err := w.Write(buf.Bytes())
	return err
}

func newTestBridge(port int, password string) *Bridge {
	return NewBridge(config.RCONConfig{
		Enabled:  true,
		Host:     "127.0.0.1",
		Port:     port,
		Password: password,
		Timeout:  2,
	}, logger.NewNop())
}

func TestBridge_ExecReusesConnection(t *testing.T) {
	srv := newFakeServer(t, "hunter2", 0)
	b := newTestBridge(srv.port(), "hunter2")
	defer func() { _ = b.Close() }()

	ctx := context.Background()
	resp, err := b.Exec(ctx, "list")
	require.NoError(t, err)
	assert.Equal(t, "ok: list", resp)

	resp, err = b.Exec(ctx, "whitelist list")
	require.NoError(t, err)
	assert.Equal(t, "ok: whitelist list", resp)
	assert.Equal(t, int32(1), srv.accepts.Load())
}

func TestBridge_AuthFailurePropagates(t *testing.T) {
	srv := newFakeServer(t, "hunter2", 0)
	b := newTestBridge(srv.port(), "wrong")

	_, err := b.Exec(context.Background(), "list")
	require.Error(t, err)
	assert.True(t, errors.Is(err, rcon.ErrAuthFailed), "got %v", err)
}

func TestBridge_RedialsAfterFailure(t *testing.T) {
	srv := newFakeServer(t, "hunter2", 1)
	b := newTestBridge(srv.port(), "hunter2")
	defer func() { _ = b.Close() }()

	ctx := context.Background()
	_, err := b.Exec(ctx, "first")
	require.NoError(t, err)

	// the server hung up, so the cached connection fails once
	_, err = b.Exec(ctx, "second")
	require.Error(t, err)

	resp, err := b.Exec(ctx, "third")
	require.NoError(t, err)
	assert.Equal(t, "ok: third", resp)
	assert.Equal(t, int32(2), srv.accepts.Load())
}

func TestBridge_ConnectionRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	b := newTestBridge(port, "x")
	_, err = b.Exec(context.Background(), "list")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "127.0.0.1:"+strconv.Itoa(port)))
}

func TestBridge_Disabled(t *testing.T) {
	b := NewBridge(config.RCONConfig{Enabled: false}, logger.NewNop())
	_, err := b.Exec(context.Background(), "list")
	assert.ErrorIs(t, err, ErrDisabled)
	assert.False(t, b.Enabled())
}

type stubSession struct {
	closed bool
}

func (s *stubSession) Execute(string) (string, error) { return "", io.ErrUnexpectedEOF }
func (s *stubSession) Close() error                   { s.closed = true; return nil }

func TestBridge_FailedExecDropsSession(t *testing.T) {
	b := newTestBridge(1, "x")
	stub := &stubSession{}
	dials := 0
	b.dial = func(string, string) (session, error) {
		dials++
		return stub, nil
	}

	_, err := b.Exec(context.Background(), "list")
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.True(t, stub.closed)

	_, _ = b.Exec(context.Background(), "list")
	assert.Equal(t, 2, dials)
}

func TestBridge_CanceledContext(t *testing.T) {
	b := newTestBridge(1, "x")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Exec(ctx, "list")
	assert.ErrorIs(t, err, context.Canceled)
}
