package control

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/phasehound/phasehound/internal/wire"
)

// Ctx is the control context every addon keeps: the connection to the
// broker plus the addon's own feed names, mirroring ph_ctrl_t.
type Ctx struct {
	Conn    *wire.Conn
	Name    string
	FeedIn  string
	FeedOut string
}

// NewCtx builds a Ctx for an already-connected conn, deriving FeedIn/FeedOut
// from name the same way ph_ctrl_init does.
func NewCtx(conn *wire.Conn, name string) *Ctx {
	return &Ctx{
		Conn:    conn,
		Name:    name,
		FeedIn:  name + ".config.in",
		FeedOut: name + ".config.out",
	}
}

func (c *Ctx) send(m Msg) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("control: marshal %s frame: %w", m.Type, err)
	}
	return c.Conn.Send(raw, nil)
}

// Advertise creates both of the addon's feeds and subscribes to its
// config.in, matching ph_ctrl_advertise. Call once right after connecting.
func (c *Ctx) Advertise() error {
	if err := c.send(CreateFeedMsg(c.FeedIn)); err != nil {
		return err
	}
	if err := c.send(CreateFeedMsg(c.FeedOut)); err != nil {
		return err
	}
	return c.send(SubscribeMsg(c.FeedIn))
}

// CreateFeed sends a create_feed frame for an arbitrary feed name, the Go
// analogue of ph_create_feed. Addons call this for feeds beyond their own
// config.in/config.out pair — dummy.c creates "dummy.foo" this way before
// ever publishing to it.
func (c *Ctx) CreateFeed(feed string) error { return c.send(CreateFeedMsg(feed)) }

// Subscribe sends a subscribe frame for an arbitrary feed (e.g. an IQ data
// feed this addon consumes, not just its own config.in).
func (c *Ctx) Subscribe(feed string) error { return c.send(SubscribeMsg(feed)) }

// Unsubscribe sends an unsubscribe frame for feed.
func (c *Ctx) Unsubscribe(feed string) error { return c.send(UnsubscribeMsg(feed)) }

// Publish sends data (marshaled to JSON) on feed.
func (c *Ctx) Publish(feed string, data any) error {
	m, err := PublishMsg(feed, data)
	if err != nil {
		return err
	}
	return c.send(m)
}

// Command sends a command-line string on feed.
func (c *Ctx) Command(feed, cmdline string) error {
	m, err := CommandMsg(feed, cmdline)
	if err != nil {
		return err
	}
	return c.send(m)
}

// Reply publishes a pre-built Reply to this addon's config.out.
func (c *Ctx) Reply(r Reply) error {
	return c.Publish(c.FeedOut, r)
}

// ReplyOk publishes {"ok":true,"msg":msg}.
func (c *Ctx) ReplyOk(msg string) error {
	if msg == "" {
		msg = "ok"
	}
	return c.Reply(Reply{OK: true, Msg: msg})
}

// ReplyErr publishes {"ok":false,"err":msg}.
func (c *Ctx) ReplyErr(msg string) error {
	if msg == "" {
		msg = "err"
	}
	return c.Reply(Reply{OK: false, Err: msg})
}

// Replyf is ReplyOk/ReplyErr with fmt.Sprintf formatting, mirroring
// ph_reply_okf/ph_reply_errf.
func (c *Ctx) Replyf(ok bool, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if ok {
		return c.ReplyOk(msg)
	}
	return c.ReplyErr(msg)
}

// CommandHandler processes one dispatched command line. user is an
// arbitrary addon-supplied value, passed through unchanged (the Go
// equivalent of ph_ctrl_dispatch's void *user).
type CommandHandler func(c *Ctx, cmdline string, user any)

// Dispatch inspects one received frame and, if it's a command or publish
// addressed to this addon's config.in, invokes handler with the command
// line and reports true. Any other frame (a different feed, a different
// type) is reported false and left for the caller to route elsewhere.
func (c *Ctx) Dispatch(frame *wire.Frame, handler CommandHandler, user any) (bool, error) {
	var m Msg
	if err := json.Unmarshal(frame.Payload, &m); err != nil {
		return false, fmt.Errorf("control: decode frame: %w", err)
	}
	if m.Feed != c.FeedIn {
		return false, nil
	}
	if m.Type != "command" && m.Type != "publish" {
		return false, nil
	}

	var cmdline string
	if len(m.Data) > 0 {
		// "data" is usually a bare JSON string ("<cmdline>"); tolerate a
		// stray non-string payload by falling back to its raw text rather
		// than erroring the whole dispatch.
		if err := json.Unmarshal(m.Data, &cmdline); err != nil {
			cmdline = string(m.Data)
		}
	}

	if handler != nil {
		handler(c, cmdline, user)
	}
	return true, nil
}

// RecvDispatchLoop blocks reading frames off the connection and routing
// each through Dispatch until ctx is cancelled, the connection errs, a
// frame fails to decode as JSON, or onOther returns an error. onOther is invoked for frames Dispatch didn't
// recognize as addressed to this addon (e.g. data feed payloads the addon
// also consumes). readTimeout bounds each individual Recv so the loop can
// observe ctx cancellation between frames even while the broker never
// sends another frame; pass 0 only if the broker is guaranteed to close
// the connection on shutdown (it does — see broker.Run).
func (c *Ctx) RecvDispatchLoop(ctx context.Context, maxFrame int, readTimeout time.Duration, handler CommandHandler, user any, onOther func(*wire.Frame) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		frame, err := c.Conn.Recv(maxFrame, readTimeout)
		if err == wire.ErrNoFrame {
			continue
		}
		if err != nil {
			return err
		}
		consumed, err := c.Dispatch(frame, handler, user)
		if err != nil {
			return err
		}
		if !consumed && onOther != nil {
			if err := onOther(frame); err != nil {
				return err
			}
		}
	}
}
