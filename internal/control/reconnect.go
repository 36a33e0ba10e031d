package control

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/phasehound/phasehound/internal/wire"
)

// ConnectAndAdvertise dials sockPath with bounded exponential backoff
// (replacing ph_connect_retry's fixed "50 attempts, 100ms apart" busy-loop
// with jittered backoff/v5), then builds and advertises a Ctx for name.
func ConnectAndAdvertise(ctx context.Context, sockPath, name string, log *zap.Logger) (*Ctx, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	conn, err := backoff.Retry(ctx, func() (*wire.Conn, error) {
		c, err := wire.Dial(sockPath)
		if err != nil {
			log.Debug("dial broker: retrying", zap.String("addon", name), zap.Error(err))
			return nil, err
		}
		return c, nil
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(10*time.Second))
	if err != nil {
		return nil, fmt.Errorf("control: connect %s to %s: %w", name, sockPath, err)
	}

	c := NewCtx(conn, name)
	if err := c.Advertise(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("control: advertise %s: %w", name, err)
	}
	return c, nil
}

// RunFunc is a single connect-and-serve attempt: it should block until the
// connection ends (error, or ctx cancellation) and return that error.
type RunFunc func(ctx context.Context, c *Ctx) error

// RunWithReconnect repeatedly connects to sockPath as name and calls run,
// reconnecting with backoff whenever run returns a non-nil error, until ctx
// is cancelled or a connection attempt gives up once its backoff runs out
// (then the connect error is returned). This is the addon-process-level
// analogue of
// exchanges.RunConnectionLoop: the teacher's reconnect shape (log, sleep,
// retry) generalized from a websocket feed to a broker control connection.
func RunWithReconnect(ctx context.Context, sockPath, name string, log *zap.Logger, run RunFunc) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c, err := ConnectAndAdvertise(ctx, sockPath, name, log)
		if err != nil {
			return fmt.Errorf("control: %s giving up connecting: %w", name, err)
		}

		err = run(ctx, c)
		c.Conn.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			log.Warn("addon disconnected, reconnecting", zap.String("addon", name), zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
		}
	}
}
