package broker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/phasehound/phasehound/internal/control"
	"github.com/phasehound/phasehound/internal/wire"
)

func startBroker(t *testing.T) (sockPath string, cancel context.CancelFunc, done chan error) {
	t.Helper()
	sockPath = filepath.Join(t.TempDir(), "broker.sock")

	ctx, cancelFn := context.WithCancel(context.Background())
	b := New(Options{SockPath: sockPath})

	done = make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(sockPath); err == nil {
			return sockPath, cancelFn, done
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("broker never created socket at %s", sockPath)
	return "", cancelFn, done
}

func mustSendMsg(t *testing.T, conn *wire.Conn, m control.Msg, fds []int) {
	t.Helper()
	raw, err := json.Marshal(m)
	require.NoError(t, err, "marshal")
	require.NoError(t, conn.Send(raw, fds), "send")
}

func TestPublishFanOutSkipsSender(t *testing.T) {
	sock, cancel, done := startBroker(t)
	defer func() {
		cancel()
		<-done
	}()

	sub, err := wire.Dial(sock)
	require.NoError(t, err, "dial subscriber")
	defer sub.Close()
	pub, err := wire.Dial(sock)
	require.NoError(t, err, "dial publisher")
	defer pub.Close()

	mustSendMsg(t, sub, control.SubscribeMsg("x.feed"), nil)
	mustSendMsg(t, pub, control.SubscribeMsg("x.feed"), nil)
	time.Sleep(20 * time.Millisecond)

	pm, err := control.PublishTextMsg("x.feed", "hello")
	require.NoError(t, err, "publish msg")
	mustSendMsg(t, pub, pm, nil)

	frame, err := sub.Recv(wire.DefaultMaxPayload, time.Second)
	require.NoError(t, err, "subscriber recv")
	var got control.Msg
	require.NoError(t, json.Unmarshal(frame.Payload, &got), "decode")
	require.Equal(t, "x.feed", got.Feed)
	require.Equal(t, "publish", got.Type)

	// the publisher itself must not receive its own publish back
	_, err = pub.Recv(wire.DefaultMaxPayload, 50*time.Millisecond)
	require.ErrorIs(t, err, wire.ErrNoFrame, "expected publisher to see no echo")
}

func TestCLIPing(t *testing.T) {
	sock, cancel, done := startBroker(t)
	defer func() {
		cancel()
		<-done
	}()

	cli, err := wire.Dial(sock)
	require.NoError(t, err, "dial")
	defer cli.Close()

	cmd, err := control.CommandMsg(cliControlFeed, "ping")
	require.NoError(t, err, "command msg")
	mustSendMsg(t, cli, cmd, nil)

	frame, err := cli.Recv(wire.DefaultMaxPayload, time.Second)
	require.NoError(t, err, "recv")
	var reply struct {
		Type string `json:"type"`
		Feed string `json:"feed"`
		Data struct {
			OK  bool   `json:"ok"`
			Msg string `json:"msg"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(frame.Payload, &reply), "decode reply")
	require.True(t, reply.Data.OK)
	require.Equal(t, "pong", reply.Data.Msg)
}

func TestExitCommandShutsDownBroker(t *testing.T) {
	sock, cancel, done := startBroker(t)
	defer cancel()

	cli, err := wire.Dial(sock)
	require.NoError(t, err, "dial")
	defer cli.Close()

	cmd, err := control.CommandMsg(cliControlFeed, "exit")
	require.NoError(t, err, "command msg")
	mustSendMsg(t, cli, cmd, nil)

	frame, err := cli.Recv(wire.DefaultMaxPayload, time.Second)
	require.NoError(t, err, "recv")
	var reply struct {
		Data struct {
			OK bool `json:"ok"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(frame.Payload, &reply), "decode reply")
	require.True(t, reply.Data.OK, "expected ok reply to exit")

	select {
	case err := <-done:
		require.NoError(t, err, "Run returned error after exit")
	case <-time.After(2 * time.Second):
		t.Fatalf("broker did not shut down after \"exit\" command")
	}
	_, err = os.Stat(sock)
	require.True(t, os.IsNotExist(err), "expected socket removed after exit, stat err = %v", err)
}

func TestShutdownRemovesSocket(t *testing.T) {
	sock, cancel, done := startBroker(t)
	cancel()
	require.NoError(t, <-done, "run returned error")
	_, err := os.Stat(sock)
	require.True(t, os.IsNotExist(err), "expected socket removed, stat err = %v", err)
}
