package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/bleuart/internal/client"
	"github.com/srg/bleuart/internal/ptyio"
	"github.com/srg/bleuart/pkg/bleuart"
	"github.com/srg/bleuart/pkg/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Expose the peripheral's UART service as a local serial device",
	Long: `Start a UART peripheral and bridge its RX/TX characteristics to a PTY.
Bytes typed into the PTY are notified to every connected central; writes from
centrals appear on the PTY.

With no radio backend attached, an in-memory central connects and echoes
every notification back, so the PTY behaves like a loopback serial port.

Example:
  bleuart serve --pty
  screen /dev/pts/5`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	servePTY      bool
	serveEcho     bool
	serveDuration time.Duration
)

func init() {
	serveCmd.Flags().BoolVar(&servePTY, "pty", false, "Bridge the UART service to a PTY")
	serveCmd.Flags().BoolVar(&serveEcho, "echo", true, "Connect an in-memory central that echoes notifications")
	serveCmd.Flags().DurationVarP(&serveDuration, "duration", "d", 0, "Stop after this long (0 runs until Ctrl+C)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	if !servePTY {
		return fmt.Errorf("nothing to serve: pass --pty")
	}
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if serveDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, serveDuration)
		defer cancel()
	}

	srv, err := startServe(ctx, cmd.OutOrStdout(), cfg, logger, serveEcho)
	if err != nil {
		return err
	}
	defer srv.Close()

	<-ctx.Done()
	stats := srv.bridge.Stats()
	fmt.Fprintf(cmd.OutOrStdout(), "bridged %d bytes to centrals, %d bytes from centrals\n",
		stats.ToCentrals, stats.FromCentrals)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil
	}
	return ctx.Err()
}

type serveSession struct {
	*session
	pty    *ptyio.PTY
	bridge *bleuart.SerialBridge
}

func startServe(ctx context.Context, out io.Writer, cfg *config.Config, logger *logrus.Logger, echo bool) (*serveSession, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	s, err := newSession(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	p, err := ptyio.Open(ptyio.Options{WriteCap: cfg.PTYBufferSize, Logger: logger})
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	ss := &serveSession{
		session: s,
		pty:     p,
		bridge:  bleuart.NewSerialBridge(s.peripheral.Server(), bleuart.UARTRxUUID, bleuart.UARTTxUUID, p, logger),
	}

	if err := s.peripheral.StartServer(); err != nil {
		_ = ss.Close()
		return nil, err
	}
	fmt.Fprintf(out, "serial device: %s\n", p.TTYName())

	if echo {
		if _, err := s.connect(ctx, cfg.DeviceName); err != nil {
			_ = ss.Close()
			return nil, err
		}
		cl := s.central.Client()
		cl.OnNotify(func(c *client.Client) {
			data, err := c.Read(bleuart.UARTTxUUID, 0)
			if err != nil || len(data) == 0 {
				return
			}
			if err := c.Write(bleuart.UARTRxUUID, data); err != nil {
				logger.WithError(err).Warn("Echo central write failed")
			}
		})
		fmt.Fprintf(out, "echo central connected\n")
	}
	return ss, nil
}

func (s *serveSession) Close() error {
	s.bridge.Close()
	perr := s.pty.Close()
	return errors.Join(s.session.Close(), perr)
}
