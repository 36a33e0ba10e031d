// Command dummy is PhaseHound's reference addon: a minimal plugin that
// exercises every control-plane verb (help/ping/foo/subscribe/unsubscribe)
// plus a one-shot shared-memory ring demo, with no real signal processing
// behind it. It is built with -buildmode=plugin and loaded by
// phasehound-core.
package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/phasehound/phasehound/internal/control"
	"github.com/phasehound/phasehound/internal/plugin"
	"github.com/phasehound/phasehound/internal/shmring"
)

const addonName = "dummy"
const fooFeed = "dummy.foo"

var (
	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    = zap.NewNop()
)

// dummySub is one of a fixed number of usage -> feed subscription slots, a
// direct port of dummy.c's fixed g_subs[4] array (four concurrent named
// subscriptions at a time is the original's deliberate, unexplained cap).
type dummySub struct {
	usage string
	feed  string
}

var subs [4]dummySub

// PluginName reports this addon's name. Exported so plugin.Lookup can
// resolve it.
func PluginName() string { return addonName }

// PluginInit validates the core's ABI and reports this addon's feeds and
// capabilities. Exported so plugin.Lookup can resolve it.
func PluginInit(ctx plugin.Ctx) (plugin.Caps, bool) {
	if err := plugin.CheckABI(ctx); err != nil {
		return plugin.Caps{}, false
	}
	nop, _ := zap.NewDevelopment()
	log = nop
	sockPath = ctx.SockPath
	return plugin.Caps{
		Name:     addonName,
		Version:  "0.4.1",
		Consumes: []string{addonName + ".config.in"},
		Produces: []string{addonName + ".config.out", fooFeed},
		FeatBits: plugin.FeatNone,
	}, true
}

var sockPath string

// PluginStart launches the addon's worker goroutine. Exported so
// plugin.Lookup can resolve it.
func PluginStart() bool {
	mu.Lock()
	defer mu.Unlock()
	if cancel != nil {
		return true // already running
	}
	ctx, cancelFn := context.WithCancel(context.Background())
	cancel = cancelFn
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := control.RunWithReconnect(ctx, sockPath, addonName, log, runOnce); err != nil {
			log.Warn("dummy addon stopped", zap.Error(err))
		}
	}()
	return true
}

// PluginStop signals the worker goroutine to exit and waits for it,
// the Go analogue of dummy.c's atomic_store(&g_run,0)+pthread_join.
// Exported so plugin.Lookup can resolve it.
func PluginStop() {
	mu.Lock()
	c := cancel
	cancel = nil
	mu.Unlock()
	if c != nil {
		c()
	}
	wg.Wait()
}

func runOnce(ctx context.Context, c *control.Ctx) error {
	if err := c.CreateFeed(fooFeed); err != nil {
		return err
	}
	return c.RecvDispatchLoop(ctx, 1<<16, 250*time.Millisecond, onCmd, nil, nil)
}

func onCmd(c *control.Ctx, line string, _ any) {
	line = strings.TrimSpace(line)
	fields := strings.Fields(line)
	verb := ""
	if len(fields) > 0 {
		verb = fields[0]
	}

	switch verb {
	case "help":
		_ = c.ReplyOk("help|ping|foo [text]|subscribe <usage> <feed>|unsubscribe <usage>|shm-demo")

	case "ping":
		_ = c.ReplyOk("pong")

	case "subscribe":
		parsed, ok, err := control.ParseSubscribeCmd(line)
		if !ok {
			_ = c.ReplyErr("unknown")
			return
		}
		if err != nil {
			_ = c.ReplyErr(err.Error())
			return
		}
		slot := -1
		for i := range subs {
			if subs[i].usage != "" && subs[i].usage == parsed.Usage {
				slot = i
				break
			}
			if slot == -1 && subs[i].usage == "" {
				slot = i
			}
		}
		if slot < 0 {
			_ = c.ReplyErr("too many subscriptions")
			return
		}
		if subs[slot].feed != "" {
			_ = c.Unsubscribe(subs[slot].feed)
		}
		subs[slot] = dummySub{usage: parsed.Usage, feed: parsed.Feed}
		if err := c.Subscribe(parsed.Feed); err != nil {
			_ = c.ReplyErr(err.Error())
			return
		}
		_ = c.Replyf(true, "subscribed %s %s", parsed.Usage, parsed.Feed)

	case "unsubscribe":
		parsed, ok, err := control.ParseUnsubscribeCmd(line)
		if !ok {
			_ = c.ReplyErr("unknown")
			return
		}
		if err != nil {
			_ = c.ReplyErr(err.Error())
			return
		}
		for i := range subs {
			if subs[i].usage == parsed.Usage {
				if subs[i].feed != "" {
					_ = c.Unsubscribe(subs[i].feed)
				}
				subs[i] = dummySub{}
				_ = c.Replyf(true, "unsubscribed %s", parsed.Usage)
				return
			}
		}
		_ = c.ReplyErr("unknown usage")

	case "foo":
		arg := strings.TrimSpace(strings.TrimPrefix(line, "foo"))
		if arg == "" {
			arg = "bar"
		}
		_ = c.Publish(fooFeed, struct {
			Txt string `json:"txt"`
		}{Txt: arg})
		_ = c.Replyf(true, "foo => published %q to %s", arg, fooFeed)

	case "shm-demo":
		runShmDemo(c)

	default:
		_ = c.ReplyErr("unknown")
	}
}

// runShmDemo ports dummy.c's shm-demo command: create a 1 MiB sealed
// shared buffer, fill it with a repeating byte pattern, hand the fd off
// via PublishRingMap, then publish up to 3 periodic "ready" nudges 200ms
// apart before tearing the ring down.
func runShmDemo(c *control.Ctx) {
	const capBytes = 1 << 20

	ring, err := shmring.CreateSimple(addonName, capBytes)
	if err != nil {
		_ = c.Replyf(false, "CreateSimple failed: %v", err)
		return
	}
	defer ring.Close()

	pattern := make([]byte, capBytes)
	for i := range pattern {
		pattern[i] = byte(i & 0xFF)
	}
	if _, err := ring.Publish(pattern); err != nil {
		_ = c.Replyf(false, "publish failed: %v", err)
		return
	}

	meta := control.RingMeta{Kind: "simple"}
	if err := c.PublishRingMap(fooFeed, ring.FD(), "phasehound.shm.v0", "0.1", ring.Capacity(), fmt.Sprintf("%s 1MiB buffer", addonName), "rw", meta); err != nil {
		_ = c.Replyf(false, "ring map publish failed: %v", err)
		return
	}

	for r := 0; r < 3; r++ {
		time.Sleep(200 * time.Millisecond)
		seq, err := ring.Publish(pattern)
		if err != nil {
			break
		}
		_ = c.PublishRingReady(fooFeed, seq, ring.Capacity())
	}

	_ = c.ReplyOk("shm demo sent")
}

func main() {} // unused: built with -buildmode=plugin, never executed directly
