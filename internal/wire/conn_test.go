package wire

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func pipe(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	dir := t.TempDir()
	sock := filepath.Join(dir, "test.sock")

	ln, err := Listen(sock)
	require.NoError(t, err, "listen")
	defer ln.Close()

	var server *net.UnixConn
	accepted := make(chan struct{})
	go func() {
		c, err := ln.AcceptUnix()
		if err == nil {
			server = c
		}
		close(accepted)
	}()

	client, err := Dial(sock)
	require.NoError(t, err, "dial")
	<-accepted
	require.NotNil(t, server, "accept failed")
	return client, New(server)
}

func TestFramingRoundTrip(t *testing.T) {
	client, server := pipe(t)
	defer client.Close()
	defer server.Close()

	msgs := [][]byte{
		[]byte(`{"type":"ping"}`),
		[]byte(""),
		make([]byte, 40000),
	}
	for i := range msgs[2] {
		msgs[2][i] = byte(i)
	}

	for _, m := range msgs {
		require.NoError(t, client.Send(m, nil), "send")
		f, err := server.Recv(DefaultMaxPayload, time.Second)
		require.NoError(t, err, "recv")
		require.Equal(t, string(m), string(f.Payload), "round trip mismatch")
	}
}

func TestFrameTooLarge(t *testing.T) {
	client, server := pipe(t)
	defer client.Close()
	defer server.Close()

	big := make([]byte, 100)
	require.NoError(t, client.Send(big, nil), "send")
	_, err := server.Recv(50, time.Second)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestRecvTimeoutNoFrame(t *testing.T) {
	client, server := pipe(t)
	defer client.Close()
	defer server.Close()

	_, err := server.Recv(DefaultMaxPayload, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrNoFrame)
}

func TestFDRelay(t *testing.T) {
	client, server := pipe(t)
	defer client.Close()
	defer server.Close()

	tmp, err := os.CreateTemp(t.TempDir(), "fd-relay")
	require.NoError(t, err, "tempfile")
	defer tmp.Close()
	_, err = tmp.WriteString("hello ring")
	require.NoError(t, err, "write")

	payload := []byte(`{"type":"publish","feed":"dummy.foo","subtype":"shm_map"}`)
	require.NoError(t, client.Send(payload, []int{int(tmp.Fd())}), "send with fd")

	f, err := server.Recv(DefaultMaxPayload, time.Second)
	require.NoError(t, err, "recv")
	require.Equal(t, string(payload), string(f.Payload))
	require.Len(t, f.FDs, 1)
	defer CloseFDs(f.FDs)

	st1, err := tmp.Stat()
	require.NoError(t, err, "stat original")
	recvFile := os.NewFile(uintptr(f.FDs[0]), "relayed")
	st2, err := recvFile.Stat()
	require.NoError(t, err, "stat relayed")
	require.True(t, os.SameFile(st1, st2), "relayed fd does not refer to the same inode")
}
