package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/bleuart/internal/client"
	"github.com/srg/bleuart/internal/server"
	"github.com/srg/bleuart/pkg/bleuart"
	"github.com/srg/bleuart/pkg/config"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a peripheral and a central against each other in memory",
	Long: `Start a UART peripheral and a central on the in-memory air. The central
scans for the peripheral by name, connects, discovers its services and writes
a message; the peripheral answers with the message upper-cased.

Example:
  bleuart demo --message "hello" --trace`,
	Args: cobra.NoArgs,
	RunE: runDemo,
}

var (
	demoMessage string
	demoTimeout time.Duration
	demoTrace   bool
)

func init() {
	demoCmd.Flags().StringVarP(&demoMessage, "message", "m", "hello from central", "Message the central writes")
	demoCmd.Flags().DurationVarP(&demoTimeout, "timeout", "t", 5*time.Second, "Overall timeout")
	demoCmd.Flags().BoolVar(&demoTrace, "trace", false, "Print the central's event trace")
}

func runDemo(cmd *cobra.Command, _ []string) error {
	if demoMessage == "" {
		return fmt.Errorf("--message must not be empty")
	}
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	ctx, cancel := context.WithTimeout(cmd.Context(), demoTimeout)
	defer cancel()
	return demo(ctx, cmd.OutOrStdout(), cfg, logger, demoMessage, demoTrace)
}

// uppercaseEcho answers every write on RX with the upper-cased text on TX.
func uppercaseEcho(logger *logrus.Logger) func(*server.Client) {
	return func(c *server.Client) {
		data, err := c.Read(bleuart.UARTRxUUID, 0)
		if err != nil || len(data) == 0 {
			return
		}
		if err := c.Write(bleuart.UARTTxUUID, []byte(strings.ToUpper(string(data)))); err != nil {
			logger.WithError(err).WithField("client", c.String()).Warn("Echo failed")
		}
	}
}

func demo(ctx context.Context, out io.Writer, cfg *config.Config, logger *logrus.Logger, message string, trace bool) error {
	s, err := newSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	srv := s.peripheral.Server()
	srv.OnReceive(uppercaseEcho(logger))
	if err := s.peripheral.StartServer(); err != nil {
		return err
	}
	fmt.Fprintf(out, "peripheral %s advertising %q (%d bytes)\n", peripheralAddr, cfg.DeviceName, len(srv.Payload()))

	found, err := s.connect(ctx, cfg.DeviceName)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "central %s found %q at %s rssi=%d\n", centralAddr, found.Name, found.Addr, found.RSSI)

	cl := s.central.Client()
	peer, _ := cl.Peer()
	fmt.Fprintf(out, "connected conn=%d\n", peer.Conn)
	for _, svc := range cl.Services() {
		fmt.Fprintf(out, "  service %s handles %d-%d\n", svc.UUID, svc.Start, svc.End)
		for _, ch := range svc.Characteristics {
			fmt.Fprintf(out, "    characteristic %s value=%d props=0x%02x\n", ch.UUID, ch.Value, uint8(ch.Properties))
		}
	}

	replies := make(chan struct{}, 1)
	cl.OnNotify(func(*client.Client) {
		select {
		case replies <- struct{}{}:
		default:
		}
	})
	defer cl.OnNotify(nil)

	if err := cl.Write(bleuart.UARTRxUUID, []byte(message)); err != nil {
		return err
	}
	fmt.Fprintf(out, "central -> peripheral %q\n", message)

	var reply []byte
	for len(reply) < len(message) {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w waiting for reply: %w", ErrTimeout, ctx.Err())
		case <-replies:
			data, err := cl.Read(bleuart.UARTTxUUID, 0)
			if err != nil {
				return err
			}
			reply = append(reply, data...)
		}
	}
	fmt.Fprintf(out, "peripheral -> central %q\n", reply)

	if trace {
		fmt.Fprintln(out, "trace:")
		for _, e := range s.central.Trace() {
			fmt.Fprintf(out, "  %s\n", e)
		}
	}
	return nil
}
