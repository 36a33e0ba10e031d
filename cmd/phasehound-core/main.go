// Command phasehound-core is the PhaseHound broker: it listens on a Unix
// socket, autoloads addons, and brokers framed JSON messages (and the
// occasional shared-memory ring) between every connected client.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/phasehound/phasehound/internal/broker"
	"github.com/phasehound/phasehound/internal/config"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	ConfigPath string
	SockPath   string
	AddonsDirs []string
}

var rootCmd = &cobra.Command{
	Use:   "phasehound-core",
	Short: "PhaseHound broker: Unix-socket pub/sub for SDR signal pipelines",
	RunE: func(_ *cobra.Command, _ []string) error {
		if err := run(cmd); err != nil {
			if errors.Is(err, errInterrupted) {
				return nil
			}
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmd.ConfigPath, "config", "c", "", "path to phasehound.toml (optional; flags below override it)")
	rootCmd.Flags().StringVar(&cmd.SockPath, "sock", "", "Unix socket path (overrides config)")
	rootCmd.Flags().StringSliceVar(&cmd.AddonsDirs, "addons-dir", nil, "addon scan root, may repeat (overrides config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd Cmd) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("phasehound-core: build logger: %w", err)
	}
	defer logger.Sync()

	opts := broker.Options{
		SockPath: "/tmp/phasehound.sock",
		Log:      logger,
	}

	if cmd.ConfigPath != "" {
		cfg, err := config.Load(cmd.ConfigPath)
		if err != nil {
			return fmt.Errorf("phasehound-core: load config: %w", err)
		}
		opts.SockPath = cfg.Broker.SockPath
		opts.AddonsDirs = cfg.Broker.AddonsDirs
		if n, err := cfg.Broker.MaxFramePayloadBytes(); err == nil {
			opts.MaxFramePayload = n
		}
	}
	if cmd.SockPath != "" {
		opts.SockPath = cmd.SockPath
	}
	if len(cmd.AddonsDirs) > 0 {
		opts.AddonsDirs = cmd.AddonsDirs
	}

	b := broker.New(opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		err := b.Run(ctx)
		// Run also returns after an in-band "exit"; release the signal
		// waiter so the process ends.
		cancel()
		return err
	})
	wg.Go(func() error {
		err := waitInterrupted(ctx)
		if errors.Is(err, errInterrupted) {
			logger.Info("caught signal", zap.Error(err))
		}
		return err
	})

	if err := wg.Wait(); err != nil && !errors.Is(err, errInterrupted) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

var errInterrupted = errors.New("phasehound-core: interrupted")

// waitInterrupted blocks until SIGINT/SIGTERM arrives or ctx is done,
// cancelling ctx in the signal case so broker.Run begins its shutdown
// sequence.
func waitInterrupted(ctx context.Context) error {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(ch)

	select {
	case <-ch:
		return errInterrupted
	case <-ctx.Done():
		return ctx.Err()
	}
}
