// Command phctl is a control-plane CLI client for a phasehound-core
// broker: it can send one-off cli-control commands (ping, feeds, plugins,
// available-addons, load, unload) or a text publish on any feed, or run a
// REPL ("repl") that sends each input line as a cli-control command.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/phasehound/phasehound/internal/control"
	"github.com/phasehound/phasehound/internal/wire"
)

var sockPath string

var rootCmd = &cobra.Command{
	Use:   "phctl",
	Short: "control-plane client for a phasehound-core broker",
}

func main() {
	rootCmd.PersistentFlags().StringVar(&sockPath, "sock", "/tmp/phasehound.sock", "broker Unix socket path")
	rootCmd.AddCommand(pingCmd, feedsCmd, pluginsCmd, availableAddonsCmd, loadCmd, unloadCmd, publishCmd, replCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

// oneShotCommand dials the broker, sends a single cli-control command,
// prints the reply, and disconnects.
func oneShotCommand(line string) error {
	conn, err := wire.Dial(sockPath)
	if err != nil {
		return fmt.Errorf("phctl: dial %s: %w", sockPath, err)
	}
	defer conn.Close()

	m, err := control.CommandMsg("cli-control", line)
	if err != nil {
		return err
	}
	if err := sendMsg(conn, m); err != nil {
		return err
	}

	frame, err := conn.Recv(wire.DefaultMaxPayload, 3*time.Second)
	if err != nil {
		return fmt.Errorf("phctl: no reply: %w", err)
	}
	fmt.Println(string(frame.Payload))
	return nil
}

func sendMsg(conn *wire.Conn, m control.Msg) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return conn.Send(raw, nil)
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "check broker liveness",
	RunE:  func(_ *cobra.Command, _ []string) error { return oneShotCommand("ping") },
}

var feedsCmd = &cobra.Command{
	Use:   "feeds",
	Short: "list known feeds and subscriber counts",
	RunE:  func(_ *cobra.Command, _ []string) error { return oneShotCommand("feeds") },
}

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "list loaded addons",
	RunE:  func(_ *cobra.Command, _ []string) error { return oneShotCommand("plugins") },
}

var availableAddonsCmd = &cobra.Command{
	Use:   "available-addons",
	Short: "list addon .so files discoverable on disk",
	RunE:  func(_ *cobra.Command, _ []string) error { return oneShotCommand("available-addons") },
}

var loadCmd = &cobra.Command{
	Use:   "load <path>",
	Short: "load an addon by path",
	Args:  cobra.ExactArgs(1),
	RunE:  func(_ *cobra.Command, args []string) error { return oneShotCommand("load " + args[0]) },
}

var unloadCmd = &cobra.Command{
	Use:   "unload <name>",
	Short: "stop and unload an addon by name",
	Args:  cobra.ExactArgs(1),
	RunE:  func(_ *cobra.Command, args []string) error { return oneShotCommand("unload " + args[0]) },
}

var publishCmd = &cobra.Command{
	Use:   "publish <feed> <text>",
	Short: "publish a text payload on a feed",
	Args:  cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		conn, err := wire.Dial(sockPath)
		if err != nil {
			return fmt.Errorf("phctl: dial %s: %w", sockPath, err)
		}
		defer conn.Close()

		m, err := control.PublishTextMsg(args[0], args[1])
		if err != nil {
			return err
		}
		return sendMsg(conn, m)
	},
}

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "interactive cli-control session",
	RunE: func(_ *cobra.Command, _ []string) error {
		return runREPL()
	},
}

// runREPL drives an interactive cli-control session: every line typed is
// sent as a command frame and the broker's reply is printed. It still
// works when stdin is piped (a script of commands), but only prints the
// "phctl>" prompt when stdin is a real terminal, matching term.IsTerminal
// gating used elsewhere in the pack for interactive-vs-piped output.
func runREPL() error {
	conn, err := wire.Dial(sockPath)
	if err != nil {
		return fmt.Errorf("phctl: dial %s: %w", sockPath, err)
	}
	defer conn.Close()

	m, err := control.SubscribeMsg("cli-control")
	if err != nil {
		return err
	}
	if err := sendMsg(conn, m); err != nil {
		return err
	}

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	scanner := bufio.NewScanner(os.Stdin)

	for {
		if interactive {
			fmt.Print("phctl> ")
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cm, err := control.CommandMsg("cli-control", line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			continue
		}
		if err := sendMsg(conn, cm); err != nil {
			return err
		}
		frame, err := conn.Recv(wire.DefaultMaxPayload, 3*time.Second)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			continue
		}
		fmt.Println(string(frame.Payload))
		if line == "exit" {
			return nil
		}
	}
}
