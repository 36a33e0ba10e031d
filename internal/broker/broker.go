// Package broker implements PhaseHound's core event loop: it accepts Unix
// socket connections, maintains the feed table, autoloads addon plugins,
// and dispatches create_feed/subscribe/unsubscribe/publish/command/ping
// frames exactly as core.c's handle_msg does. The original serializes all
// of this through one select() loop; here each connection gets its own
// goroutine (documented below) while the feed table and plugin registry
// remain the single source of truth both goroutines serialize through.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/phasehound/phasehound/internal/feedtable"
	"github.com/phasehound/phasehound/internal/plugin"
	"github.com/phasehound/phasehound/internal/wire"
)

// cliControlFeed is the pseudo-feed every broker CLI command arrives on,
// matching core.c's hardcoded "cli-control" feed name.
const cliControlFeed = "cli-control"

// Options configures a Broker.
type Options struct {
	SockPath        string
	AddonsDirs      []string
	MaxFramePayload int
	Log             *zap.Logger
}

// Broker is PhaseHound's core process state: the feed table, the plugin
// registry, and the listening socket.
type Broker struct {
	opts     Options
	feeds    *feedtable.Table
	plugins  *plugin.Registry
	listener *net.UnixListener
	log      *zap.Logger

	nextSub atomic.Uint64

	mu    sync.Mutex
	conns map[feedtable.Subscriber]*wire.Conn

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New constructs a Broker bound to opts.SockPath, ready to Run. It does
// not yet listen — Run does that — so callers can inspect/modify the
// broker before serving.
func New(opts Options) *Broker {
	if opts.MaxFramePayload <= 0 {
		opts.MaxFramePayload = wire.DefaultMaxPayload
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Broker{
		opts:       opts,
		feeds:      feedtable.New(),
		plugins:    plugin.NewRegistry(),
		log:        opts.Log,
		conns:      make(map[feedtable.Subscriber]*wire.Conn),
		shutdownCh: make(chan struct{}),
	}
}

// requestShutdown triggers the same clean-shutdown sequence as a cancelled
// Run context, for the in-band "exit" CLI verb (spec.md §6: "exit" ends the
// broker with exit code 0, the same as SIGINT). Safe to call more than once
// or concurrently with Run's own ctx-cancellation path.
func (b *Broker) requestShutdown() {
	b.shutdownOnce.Do(func() { close(b.shutdownCh) })
}

// Run listens on opts.SockPath, autoloads addons, and serves connections
// until ctx is cancelled. It mirrors core.c's main(): feedtab_ensure
// "cli-control", autoload_addons, serve, then stop plugins in reverse
// load order and unlink the socket on clean shutdown.
func (b *Broker) Run(ctx context.Context) error {
	b.feeds.Ensure(cliControlFeed)

	ln, err := wire.Listen(b.opts.SockPath)
	if err != nil {
		return fmt.Errorf("broker: listen: %w", err)
	}
	b.listener = ln
	b.log.Info("phasehound-core listening", zap.String("sock", b.opts.SockPath))

	b.autoloadAddons()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.acceptLoop(gctx)
	})

	clean := false
	select {
	case <-gctx.Done():
		clean = ctx.Err() != nil
	case <-b.shutdownCh:
		// The "exit" CLI verb (handlers.go) requested shutdown in-band;
		// this is just as clean as a cancelled ctx.
		clean = true
	}

	b.log.Info("core shutting down")
	closeErr := ln.Close()
	b.closeAllConns()
	b.plugins.StopAll()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, net.ErrClosed) {
		b.log.Warn("accept loop ended with error", zap.Error(err))
	}

	if clean {
		// Clean shutdown (ctx cancellation or "exit", not an accept
		// failure): remove the socket file the way main()'s
		// unlink(PH_SOCK_PATH) does.
		_ = removeSocket(b.opts.SockPath)
	}
	return closeErr
}

// closeAllConns closes every client connection the broker still owns
// (addon control connections included), so a blocked RecvDispatchLoop in
// a loaded plugin's control goroutine gets an immediate Recv error
// instead of relying solely on its own ctx-cancellation check between
// reads. Run calls this before plugins.StopAll so PluginStop's wg.Wait()
// is guaranteed to unblock.
func (b *Broker) closeAllConns() {
	b.mu.Lock()
	conns := make([]*wire.Conn, 0, len(b.conns))
	for _, conn := range b.conns {
		conns = append(conns, conn)
	}
	b.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}

func (b *Broker) autoloadAddons() {
	roots := b.opts.AddonsDirs
	if len(roots) == 0 {
		roots = plugin.DefaultRoots
	}
	paths := plugin.DiscoverAddonPaths(roots)
	for _, p := range paths {
		ctx := plugin.Ctx{
			ABIMajor: plugin.ABIMajor,
			ABIMinor: plugin.ABIMinor,
			SockPath: b.opts.SockPath,
		}
		if _, err := b.plugins.LoadFromPath(p, ctx); err != nil {
			b.log.Warn("autoload addon failed", zap.String("path", p), zap.Error(err))
		}
	}
}

func (b *Broker) acceptLoop(ctx context.Context) error {
	for {
		uc, err := b.listener.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		sub := feedtable.Subscriber(b.nextSub.Add(1))
		conn := wire.New(uc)

		b.mu.Lock()
		b.conns[sub] = conn
		b.mu.Unlock()

		b.log.Info("client connected", zap.Uint64("sub", uint64(sub)))
		go b.serveConn(ctx, sub, conn)
	}
}

func (b *Broker) serveConn(ctx context.Context, sub feedtable.Subscriber, conn *wire.Conn) {
	defer func() {
		b.feeds.UnsubscribeAll(sub)
		b.mu.Lock()
		delete(b.conns, sub)
		b.mu.Unlock()
		conn.Close()
		b.log.Info("client disconnected", zap.Uint64("sub", uint64(sub)))
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		frame, err := conn.Recv(b.opts.MaxFramePayload, 0)
		if err != nil {
			if !errors.Is(err, wire.ErrNoFrame) {
				return
			}
			continue
		}
		b.handleFrame(sub, conn, frame)
	}
}

// send delivers raw bytes (with optional fds) to one subscriber's
// connection, swallowing the error the way broadcast_to_subs does ("drop
// errors silently; cleanup happens on disconnect"). fds are the broker's
// own copies and are closed here whether or not the send succeeded; on
// success the kernel has already duplicated them into the subscriber's
// socket queue.
func (b *Broker) send(sub feedtable.Subscriber, payload []byte, fds []int) {
	b.mu.Lock()
	conn, ok := b.conns[sub]
	b.mu.Unlock()
	if ok {
		_ = conn.Send(payload, fds)
	}
	wire.CloseFDs(fds)
}
