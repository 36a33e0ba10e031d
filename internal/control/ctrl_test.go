package control

import (
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/phasehound/phasehound/internal/wire"
)

func pipe(t *testing.T) (*wire.Conn, *wire.Conn) {
	t.Helper()
	dir := t.TempDir()
	sock := filepath.Join(dir, "ctrl.sock")

	ln, err := wire.Listen(sock)
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

	client, err := wire.Dial(sock)
	require.NoError(t, err, "dial")
	<-accepted
	require.NotNil(t, server, "accept failed")
	return client, wire.New(server)
}

func TestAdvertiseSendsExpectedFrames(t *testing.T) {
	client, server := pipe(t)
	defer client.Close()
	defer server.Close()

	c := NewCtx(client, "dummy")
	require.Equal(t, "dummy.config.in", c.FeedIn)
	require.Equal(t, "dummy.config.out", c.FeedOut)
	require.NoError(t, c.Advertise(), "advertise")

	var got []Msg
	for i := 0; i < 3; i++ {
		f, err := server.Recv(wire.DefaultMaxPayload, time.Second)
		require.NoErrorf(t, err, "recv %d", i)
		var m Msg
		require.NoErrorf(t, json.Unmarshal(f.Payload, &m), "unmarshal %d", i)
		got = append(got, m)
	}

	require.Equal(t, "create_feed", got[0].Type)
	require.Equal(t, "dummy.config.in", got[0].Feed)
	require.Equal(t, "create_feed", got[1].Type)
	require.Equal(t, "dummy.config.out", got[1].Feed)
	require.Equal(t, "subscribe", got[2].Type)
	require.Equal(t, "dummy.config.in", got[2].Feed)
}

func TestDispatchRoutesCommandToFeedIn(t *testing.T) {
	client, server := pipe(t)
	defer client.Close()
	defer server.Close()

	addonSide := NewCtx(server, "dummy")

	cmd, err := CommandMsg("dummy.config.in", "ping")
	require.NoError(t, err, "command msg")
	raw, _ := json.Marshal(cmd)
	require.NoError(t, client.Send(raw, nil), "send")

	frame, err := server.Recv(wire.DefaultMaxPayload, time.Second)
	require.NoError(t, err, "recv")

	var gotLine string
	consumed, err := addonSide.Dispatch(frame, func(c *Ctx, cmdline string, user any) {
		gotLine = cmdline
	}, nil)
	require.NoError(t, err, "dispatch")
	require.True(t, consumed, "expected dispatch to consume the frame")
	require.Equal(t, "ping", gotLine)
}

func TestDispatchIgnoresOtherFeeds(t *testing.T) {
	client, server := pipe(t)
	defer client.Close()
	defer server.Close()

	addonSide := NewCtx(server, "dummy")

	cmd, err := CommandMsg("soapy.config.in", "ping")
	require.NoError(t, err, "command msg")
	raw, _ := json.Marshal(cmd)
	require.NoError(t, client.Send(raw, nil), "send")

	frame, err := server.Recv(wire.DefaultMaxPayload, time.Second)
	require.NoError(t, err, "recv")

	consumed, err := addonSide.Dispatch(frame, func(c *Ctx, cmdline string, user any) {
		t.Fatalf("handler should not be invoked for a different feed")
	}, nil)
	require.NoError(t, err, "dispatch")
	require.False(t, consumed, "expected dispatch to leave a foreign feed's frame unconsumed")
}

func TestReplyOkAndErr(t *testing.T) {
	client, server := pipe(t)
	defer client.Close()
	defer server.Close()

	c := NewCtx(server, "dummy")
	require.NoError(t, c.ReplyOk("pong"), "replyok")
	require.NoError(t, c.ReplyErr("boom"), "replyerr")

	var m1, m2 Msg
	f1, err := client.Recv(wire.DefaultMaxPayload, time.Second)
	require.NoError(t, err, "recv 1")
	require.NoError(t, json.Unmarshal(f1.Payload, &m1))
	f2, err := client.Recv(wire.DefaultMaxPayload, time.Second)
	require.NoError(t, err, "recv 2")
	require.NoError(t, json.Unmarshal(f2.Payload, &m2))

	var r1, r2 Reply
	require.NoError(t, json.Unmarshal(m1.Data, &r1))
	require.NoError(t, json.Unmarshal(m2.Data, &r2))

	require.True(t, r1.OK)
	require.Equal(t, "pong", r1.Msg)
	require.False(t, r2.OK)
	require.Equal(t, "boom", r2.Err)
}

func TestParseSubscribeCmd(t *testing.T) {
	p, ok, err := ParseSubscribeCmd("subscribe iq soapy.iq")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "iq", p.Usage)
	require.Equal(t, "soapy.iq", p.Feed)

	_, ok, err = ParseSubscribeCmd("ping")
	require.NoError(t, err)
	require.False(t, ok, "expected not-a-subscribe-command")

	_, ok, err = ParseSubscribeCmd("subscribe onlyone")
	require.True(t, ok)
	require.Error(t, err, "expected malformed-subscribe error")
}

func TestParseUnsubscribeCmd(t *testing.T) {
	p, ok, err := ParseUnsubscribeCmd("unsubscribe iq")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "iq", p.Usage)

	_, ok, _ = ParseUnsubscribeCmd("foo")
	require.False(t, ok, "expected not-an-unsubscribe-command")
}

func TestPublishRingMapAndReady(t *testing.T) {
	client, server := pipe(t)
	defer client.Close()
	defer server.Close()

	c := NewCtx(server, "dummy")
	meta := RingMeta{Kind: "iq", Encoding: "cf32", SampleRate: 2.4e6, Channels: 1, CenterFreq: 100e6}
	require.NoError(t, c.PublishRingMap("dummy.foo", 0, "phasehound.shm.v0", "0.1", 1<<20, "demo", "rw", meta), "publish ring map")
	require.NoError(t, c.PublishRingReady("dummy.foo", 3, 1024), "publish ring ready")

	f1, err := client.Recv(wire.DefaultMaxPayload, time.Second)
	require.NoError(t, err, "recv 1")
	var m1 ringMapMsg
	require.NoError(t, json.Unmarshal(f1.Payload, &m1))
	require.Equal(t, "shm_map", m1.Subtype)
	require.EqualValues(t, 1<<20, m1.Size)
	require.Equal(t, meta, m1.RingMeta, "ring kind/encoding/signal fields should round-trip")
	require.Len(t, f1.FDs, 1, "expected 1 fd on shm_map frame")
	wire.CloseFDs(f1.FDs)

	f2, err := client.Recv(wire.DefaultMaxPayload, time.Second)
	require.NoError(t, err, "recv 2")
	var m2 ringReadyMsg
	require.NoError(t, json.Unmarshal(f2.Payload, &m2))
	require.Equal(t, "shm_ready", m2.Subtype)
	require.EqualValues(t, 3, m2.Seq)
	require.EqualValues(t, 1024, m2.Bytes)
}
