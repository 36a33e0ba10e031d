package feedtable

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnsureIsIdempotent(t *testing.T) {
	tb := New()
	require.True(t, tb.Ensure("dummy.config.in"), "expected first Ensure to create the feed")
	require.False(t, tb.Ensure("dummy.config.in"), "expected second Ensure to be a no-op")
	require.True(t, tb.Find("dummy.config.in"))
	require.False(t, tb.Find("nonexistent"))
}

func TestSubscribeDedup(t *testing.T) {
	tb := New()
	tb.Subscribe("soapy.iq", Subscriber(1))
	tb.Subscribe("soapy.iq", Subscriber(1))
	tb.Subscribe("soapy.iq", Subscriber(2))

	list := tb.List()
	require.Len(t, list, 1)
	require.Equal(t, 2, list[0].Subscribers)
}

func TestUnsubscribeSingleFeed(t *testing.T) {
	tb := New()
	tb.Subscribe("a.feed", Subscriber(1))
	tb.Subscribe("b.feed", Subscriber(1))

	tb.Unsubscribe("a.feed", Subscriber(1))

	got := map[string]int{}
	for _, f := range tb.List() {
		got[f.Name] = f.Subscribers
	}
	require.Equal(t, 0, got["a.feed"])
	require.Equal(t, 1, got["b.feed"])
}

func TestUnsubscribeAllOnDisconnect(t *testing.T) {
	tb := New()
	tb.Subscribe("a.feed", Subscriber(7))
	tb.Subscribe("b.feed", Subscriber(7))
	tb.Subscribe("b.feed", Subscriber(8))

	tb.UnsubscribeAll(Subscriber(7))

	got := map[string]int{}
	for _, f := range tb.List() {
		got[f.Name] = f.Subscribers
	}
	require.Equal(t, 0, got["a.feed"])
	require.Equal(t, 1, got["b.feed"])
}

func TestBroadcastSnapshotsUnderLock(t *testing.T) {
	tb := New()
	tb.Subscribe("feed", Subscriber(1))
	tb.Subscribe("feed", Subscriber(2))
	tb.Subscribe("feed", Subscriber(3))

	var got []Subscriber
	tb.Broadcast("feed", func(s Subscriber) {
		got = append(got, s)
	})
	require.Len(t, got, 3)

	var none []Subscriber
	tb.Broadcast("no-such-feed", func(s Subscriber) {
		none = append(none, s)
	})
	require.Empty(t, none)
}

func TestListOrderIsCreationOrder(t *testing.T) {
	tb := New()
	tb.Ensure("z.feed")
	tb.Ensure("a.feed")
	tb.Ensure("m.feed")

	list := tb.List()
	require.Len(t, list, 3)
	require.Equal(t, "z.feed", list[0].Name)
	require.Equal(t, "a.feed", list[1].Name)
	require.Equal(t, "m.feed", list[2].Name)
}
