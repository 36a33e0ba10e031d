package broker

import (
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/phasehound/phasehound/internal/control"
	"github.com/phasehound/phasehound/internal/feedtable"
	"github.com/phasehound/phasehound/internal/plugin"
	"github.com/phasehound/phasehound/internal/wire"
)

// handleFrame decodes one frame and dispatches it by its "type" field,
// mirroring core.c's handle_msg: create_feed/subscribe/unsubscribe ensure
// feed-table state, ping is answered with a pong frame to the sender,
// publish/command fan out to a feed's subscribers (and command additionally
// gets special-cased when addressed to cli-control), everything else is
// logged and dropped. handleFrame always either
// forwards or closes every fd in frame.FDs exactly once.
func (b *Broker) handleFrame(sub feedtable.Subscriber, conn *wire.Conn, frame *wire.Frame) {
	var m control.Msg
	if err := json.Unmarshal(frame.Payload, &m); err != nil {
		b.log.Warn("malformed frame", zap.Uint64("sub", uint64(sub)), zap.Error(err))
		wire.CloseFDs(frame.FDs)
		return
	}

	switch m.Type {
	case "create_feed":
		wire.CloseFDs(frame.FDs)
		if m.Feed == "" {
			return
		}
		b.feeds.Ensure(m.Feed)

	case "subscribe":
		wire.CloseFDs(frame.FDs)
		if m.Feed == "" {
			return
		}
		b.feeds.Subscribe(m.Feed, sub)

	case "unsubscribe":
		wire.CloseFDs(frame.FDs)
		if m.Feed == "" {
			return
		}
		b.feeds.Unsubscribe(m.Feed, sub)

	case "ping":
		wire.CloseFDs(frame.FDs)
		if raw, err := json.Marshal(control.Msg{Type: "pong"}); err == nil {
			b.send(sub, raw, nil)
		}

	case "publish":
		b.fanOut(sub, m.Feed, frame)

	case "command":
		if m.Feed == cliControlFeed {
			wire.CloseFDs(frame.FDs)
			b.handleCLICommand(sub, stringData(m.Data))
			return
		}
		b.fanOut(sub, m.Feed, frame)

	default:
		b.log.Warn("unknown frame type", zap.String("type", m.Type))
		wire.CloseFDs(frame.FDs)
	}
}

// fanOut rebroadcasts frame's raw payload to every subscriber of feed
// except the sender, matching broadcast_to_subs, creating the feed first if
// this is its first reference. A frame with N fds attached gets N fresh
// duplicates for every subscriber, since each recvmsg on the client side
// consumes its own copy; the original fds are closed here once every
// subscriber has been served (also when there are no subscribers).
func (b *Broker) fanOut(sender feedtable.Subscriber, feed string, frame *wire.Frame) {
	if feed == "" {
		wire.CloseFDs(frame.FDs)
		return
	}
	b.feeds.Ensure(feed)

	delivered := false
	b.feeds.Broadcast(feed, func(s feedtable.Subscriber) {
		if s == sender {
			return
		}
		fds := dupAll(frame.FDs)
		b.send(s, frame.Payload, fds)
		delivered = true
	})
	_ = delivered

	// Broadcast only hands out duplicates; the original descriptors are
	// never forwarded themselves and must be closed once we're done
	// handing out copies.
	wire.CloseFDs(frame.FDs)
}

func dupAll(fds []int) []int {
	if len(fds) == 0 {
		return nil
	}
	out := make([]int, 0, len(fds))
	for _, fd := range fds {
		nfd, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
		if err != nil {
			continue
		}
		out = append(out, nfd)
	}
	return out
}

func stringData(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// handleCLICommand implements the cli-control verb set from core.c's
// handle_msg: help, feeds, plugins, available-addons, load <path>,
// unload <name>, exit, ping. Each reply is a publish frame on cli-control
// sent only to the requesting connection (the client does not need to
// subscribe to cli-control to read it), since cli-control has no separate
// config.out the way addon control contexts do.
func (b *Broker) handleCLICommand(sub feedtable.Subscriber, line string) {
	fields := strings.Fields(line)
	verb := ""
	if len(fields) > 0 {
		verb = fields[0]
	}

	switch verb {
	case "help":
		b.reply(sub, true, "help|feeds|plugins|available-addons|load <path>|unload <name>|exit|ping")

	case "ping":
		b.reply(sub, true, "pong")

	case "feeds":
		infos := b.feeds.List()
		var sb strings.Builder
		for i, f := range infos {
			if i > 0 {
				sb.WriteByte(' ')
			}
			fmt.Fprintf(&sb, "%s:%d", f.Name, f.Subscribers)
		}
		b.reply(sub, true, sb.String())

	case "plugins":
		loaded := b.plugins.List()
		var sb strings.Builder
		for i, p := range loaded {
			if i > 0 {
				sb.WriteByte(' ')
			}
			fmt.Fprintf(&sb, "%s@%s", p.Name, p.Caps.Version)
		}
		b.reply(sub, true, sb.String())

	case "available-addons":
		roots := b.opts.AddonsDirs
		if len(roots) == 0 {
			roots = plugin.DefaultRoots
		}
		paths := plugin.DiscoverAddonPaths(roots)
		var sb strings.Builder
		for i, p := range paths {
			if i > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(p)
			if mf, err := plugin.ReadManifest(p); err == nil {
				fmt.Fprintf(&sb, "(%s@%s)", mf.Name, mf.Version)
			}
		}
		b.reply(sub, true, sb.String())

	case "load":
		if len(fields) != 2 {
			b.reply(sub, false, "load <path>")
			return
		}
		ctx := plugin.Ctx{ABIMajor: plugin.ABIMajor, ABIMinor: plugin.ABIMinor, SockPath: b.opts.SockPath}
		loaded, err := b.plugins.LoadFromPath(fields[1], ctx)
		if err != nil {
			b.reply(sub, false, err.Error())
			return
		}
		b.reply(sub, true, fmt.Sprintf("loaded %s", loaded.Name))

	case "unload":
		if len(fields) != 2 {
			b.reply(sub, false, "unload <name>")
			return
		}
		if err := b.plugins.UnloadByName(fields[1]); err != nil {
			b.reply(sub, false, err.Error())
			return
		}
		b.reply(sub, true, fmt.Sprintf("unloaded %s", fields[1]))

	case "exit":
		b.reply(sub, true, "bye")
		b.requestShutdown()

	default:
		b.reply(sub, false, fmt.Sprintf("unknown command %q", line))
	}
}

func (b *Broker) reply(sub feedtable.Subscriber, ok bool, msg string) {
	r := control.Reply{OK: ok}
	if ok {
		r.Msg = msg
	} else {
		r.Err = msg
	}
	m, err := control.PublishMsg(cliControlFeed, r)
	if err != nil {
		return
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return
	}
	b.send(sub, raw, nil)
}
