package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleuart/internal/client"
	"github.com/srg/bleuart/internal/radio"
	"github.com/srg/bleuart/internal/radio/loopback"
	"github.com/srg/bleuart/pkg/bleuart"
	"github.com/srg/bleuart/pkg/config"
)

var (
	peripheralAddr = radio.MustParseAddr("C0:DE:00:00:00:01")
	centralAddr    = radio.MustParseAddr("C0:DE:00:00:00:02")
)

// session is a peripheral and a central sharing one in-memory air.
type session struct {
	air        *loopback.Air
	peripheral *bleuart.Stack
	central    *bleuart.Stack
	loops      []<-chan struct{}
}

// newSession starts both event loops. The peripheral has the UART service
// declared but is not advertising yet.
func newSession(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*session, error) {
	s := &session{air: loopback.NewAir(logger)}

	var err error
	s.peripheral, err = bleuart.New(s.air.NewRadio(peripheralAddr), cfg, logger)
	if err != nil {
		s.air.Close()
		return nil, fmt.Errorf("peripheral: %w", err)
	}
	s.central, err = bleuart.New(s.air.NewRadio(centralAddr), cfg, logger)
	if err != nil {
		_ = s.peripheral.Close()
		s.air.Close()
		return nil, fmt.Errorf("central: %w", err)
	}

	bleuart.DeclareUART(s.peripheral.Server())
	s.loops = append(s.loops, s.peripheral.Start(ctx), s.central.Start(ctx))
	return s, nil
}

// connect scans for the peripheral by name and waits until discovery is
// complete.
func (s *session) connect(ctx context.Context, name string) (bleuart.Found, error) {
	var (
		found    = make(chan bleuart.Found, 1)
		ready    = make(chan struct{}, 1)
		finished = make(chan []bleuart.Found, 1)
	)
	cl := s.central.Client()
	cl.OnServerFound(func(f bleuart.Found) {
		select {
		case found <- f:
		default:
		}
	})
	cl.OnConnected(func(*client.Client) { ready <- struct{}{} })
	cl.OnScanFinished(func(results []bleuart.Found) { finished <- results })
	defer func() {
		cl.OnServerFound(nil)
		cl.OnScanFinished(nil)
		cl.OnConnected(nil)
	}()

	opts := s.central.ScanOptions()
	opts.NamePrefix = name
	if err := cl.Scan(opts); err != nil {
		return bleuart.Found{}, err
	}

	var f bleuart.Found
	for {
		select {
		case <-ctx.Done():
			return f, fmt.Errorf("%w waiting for %q: %w", ErrTimeout, name, ctx.Err())
		case f = <-found:
		case results := <-finished:
			if len(results) == 0 && cl.State() == client.Idle {
				return f, ErrNoPeripheral
			}
		case <-ready:
			select {
			case f = <-found:
			default:
			}
			return f, nil
		}
	}
}

func (s *session) Close() error {
	var errs []error
	if err := s.central.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.peripheral.Close(); err != nil {
		errs = append(errs, err)
	}
	for _, done := range s.loops {
		<-done
	}
	s.air.Close()
	return errors.Join(errs...)
}
