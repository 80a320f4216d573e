// Package listener binds the plain and obfuscated inbound sockets peers
// dial into, handing each accepted connection to the connection pool
// (spec §4.6).
package listener

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"golang.org/x/sync/errgroup"
)

// Sink receives every accepted connection along with whether it arrived
// on the obfuscated port.
type Sink interface {
	AcceptRaw(conn net.Conn, obfuscated bool)
}

// Service binds one plain and one obfuscated TCP listener, default
// ports 2234 and 2235 (plain_port+1), per §4.6's 2234-2240 range.
type Service struct {
	log  *slog.Logger
	sink Sink

	plainLn net.Listener
	obfusLn net.Listener
}

func New(sink Sink, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{sink: sink, log: log.With("src", "listener")}
}

// Run binds plainPort and plainPort+1 (obfuscated) and serves accept
// loops until ctx is cancelled. It tries the requested port first, then
// walks upward to rangeEnd (rangeEnd+1 for the obfuscated port) before
// giving up.
func (s *Service) Run(ctx context.Context, plainPort, rangeEnd uint16) error {
	plainLn, boundPlain, err := bindInRange(plainPort, rangeEnd)
	if err != nil {
		return fmt.Errorf("listener: bind plain port: %w", err)
	}
	s.plainLn = plainLn

	obfusLn, boundObfus, err := bindInRange(boundPlain+1, rangeEnd+1)
	if err != nil {
		plainLn.Close()
		return fmt.Errorf("listener: bind obfuscated port: %w", err)
	}
	s.obfusLn = obfusLn

	s.log.Info("listener.bound", slog.Int("plain_port", int(boundPlain)), slog.Int("obfuscated_port", int(boundObfus)))

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error { return s.acceptLoop(ctx, plainLn, false) })
	grp.Go(func() error { return s.acceptLoop(ctx, obfusLn, true) })

	go func() {
		<-ctx.Done()
		plainLn.Close()
		obfusLn.Close()
	}()

	return grp.Wait()
}

func bindInRange(start, end uint16) (net.Listener, uint16, error) {
	if start > end {
		return nil, 0, fmt.Errorf("listener: empty port range %d-%d", start, end)
	}
	var lastErr error
	for port := start; port <= end; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			return ln, port, nil
		}
		lastErr = err
	}
	return nil, 0, fmt.Errorf("listener: no free port in range %d-%d: %w", start, end, lastErr)
}

func (s *Service) acceptLoop(ctx context.Context, ln net.Listener, obfuscated bool) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			s.log.Warn("listener.accept_failed", slog.Bool("obfuscated", obfuscated), slog.String("err", err.Error()))
			return err
		}
		go s.sink.AcceptRaw(conn, obfuscated)
	}
}
