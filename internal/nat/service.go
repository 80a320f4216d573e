// Package nat discovers and maintains port mappings so inbound peer
// connections can reach us behind a NAT (spec §4.5). It tries UPnP
// first, falling back to NAT-PMP for port mapping and to STUN plus an
// HTTP ip-echo service for external-IP discovery alone.
package nat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prxssh/slsk/internal/config"
	"github.com/prxssh/slsk/internal/retry"
)

var (
	// probeSpacing is a var, not a const, so tests can shrink the ≥500ms
	// SSDP/HTTP pacing spec §4.5 requires between discovery probes.
	probeSpacing = 500 * time.Millisecond

	defaultSTUNServers = []string{"stun.l.google.com:19302", "stun1.l.google.com:19302"}
	defaultIPEchoURLs  = []string{"https://api.ipify.org", "https://icanhazip.com"}
)

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type mapping struct {
	proto        string
	internalPort uint16
	externalPort uint16
	viaUPnP      bool
}

// Service is the facade composing every NAT traversal strategy behind
// three operations: MapPort, RemoveAll, DiscoverExternalIP.
type Service struct {
	cfg     *config.Config
	log     *slog.Logger
	localIP net.IP

	mut      sync.Mutex
	upnp     *upnpGateway
	upnpErr  error
	upnpOnce sync.Once
	mappings []mapping
}

func New(cfg *config.Config, localIP net.IP, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{cfg: cfg, log: log.With("src", "nat"), localIP: localIP}
}

func (s *Service) discoverUPnPOnce(ctx context.Context) (*upnpGateway, error) {
	s.upnpOnce.Do(func() {
		s.upnp, s.upnpErr = discoverUPnP(ctx, s.localIP)
	})
	return s.upnp, s.upnpErr
}

// MapPort opens internalPort to the outside as externalPort, trying UPnP
// then NAT-PMP. The lease configured in Config.PortMappingLease is used;
// 0 requests a permanent mapping where the protocol supports it.
func (s *Service) MapPort(ctx context.Context, proto string, internalPort, externalPort uint16) error {
	if s.cfg == nil || !s.cfg.EnableUPnP {
		return s.mapViaNATPMP(ctx, proto, internalPort, externalPort)
	}

	gw, err := s.discoverUPnPOnce(ctx)
	if err == nil {
		lease := int(s.leaseSeconds())
		if mapErr := gw.addPortMapping(ctx, proto, s.localIP, internalPort, externalPort, s.tag(), lease); mapErr == nil {
			s.recordMapping(mapping{proto: proto, internalPort: internalPort, externalPort: externalPort, viaUPnP: true})
			return nil
		} else {
			s.log.Warn("nat.upnp.map_port_failed", slog.String("err", mapErr.Error()))
		}
	} else {
		s.log.Warn("nat.upnp.discovery_failed", slog.String("err", err.Error()))
	}

	if err := sleepCtx(ctx, probeSpacing); err != nil {
		return err
	}
	return s.mapViaNATPMP(ctx, proto, internalPort, externalPort)
}

func (s *Service) mapViaNATPMP(ctx context.Context, proto string, internalPort, externalPort uint16) error {
	if s.cfg == nil || s.cfg.GatewayIP == "" {
		return errors.New("nat: no gateway configured for NAT-PMP fallback")
	}
	gwIP := net.ParseIP(s.cfg.GatewayIP)
	if gwIP == nil {
		return fmt.Errorf("nat: invalid gateway ip %q", s.cfg.GatewayIP)
	}
	client := discoverNATPMP(gwIP)
	var mappedPort uint16
	err := retry.Do(ctx, func(ctx context.Context) error {
		mp, mapErr := client.addPortMapping(ctx, proto, internalPort, externalPort, uint32(s.leaseSeconds()))
		if mapErr != nil {
			return mapErr
		}
		mappedPort = mp
		return nil
	}, retry.WithMaxAttempts(3), retry.WithInitialDelay(probeSpacing), retry.WithMultiplier(2))
	if err != nil {
		return fmt.Errorf("nat: natpmp mapping failed: %w", err)
	}
	s.recordMapping(mapping{proto: proto, internalPort: internalPort, externalPort: mappedPort, viaUPnP: false})
	return nil
}

func (s *Service) recordMapping(m mapping) {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.mappings = append(s.mappings, m)
}

// RemoveAll tears down every mapping this Service created, best-effort.
func (s *Service) RemoveAll(ctx context.Context) {
	s.mut.Lock()
	pending := s.mappings
	s.mappings = nil
	s.mut.Unlock()

	for _, m := range pending {
		var err error
		if m.viaUPnP && s.upnp != nil {
			err = s.upnp.deletePortMapping(ctx, m.proto, m.externalPort)
		} else if s.cfg != nil && s.cfg.GatewayIP != "" {
			if gwIP := net.ParseIP(s.cfg.GatewayIP); gwIP != nil {
				err = discoverNATPMP(gwIP).deletePortMapping(ctx, m.proto, m.internalPort)
			}
		}
		if err != nil {
			s.log.Warn("nat.remove_mapping_failed", slog.String("proto", m.proto), slog.Any("port", m.externalPort), slog.String("err", err.Error()))
		}
	}
}

// DiscoverExternalIP tries UPnP, then STUN, then an HTTP ip-echo service,
// spacing fallbacks by probeSpacing.
func (s *Service) DiscoverExternalIP(ctx context.Context) (net.IP, error) {
	if s.cfg != nil && s.cfg.EnableUPnP {
		if gw, err := s.discoverUPnPOnce(ctx); err == nil {
			if ip, err := gw.externalIP(ctx); err == nil {
				return ip, nil
			}
		}
		if err := sleepCtx(ctx, probeSpacing); err != nil {
			return nil, err
		}
	}

	var lastErr error
	for _, server := range defaultSTUNServers {
		ip, _, err := stunQuery(ctx, server)
		if err == nil {
			return ip, nil
		}
		lastErr = err
		if err := sleepCtx(ctx, probeSpacing); err != nil {
			return nil, err
		}
	}

	var echoErr error
	for i, url := range defaultIPEchoURLs {
		if i > 0 {
			if err := sleepCtx(ctx, probeSpacing); err != nil {
				return nil, err
			}
		}
		ip, err := httpEchoIP(ctx, url)
		if err == nil {
			return ip, nil
		}
		echoErr = err
	}
	if echoErr != nil {
		lastErr = echoErr
	}

	return nil, fmt.Errorf("nat: could not discover external ip: %w", lastErr)
}

func httpEchoIP(ctx context.Context, url string) (net.IP, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := (&http.Client{Timeout: 3 * time.Second}).Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(string(trimNewline(body)))
	if ip == nil {
		return nil, fmt.Errorf("nat: %s returned an unparseable address", url)
	}
	return ip, nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r' || b[len(b)-1] == ' ') {
		b = b[:len(b)-1]
	}
	return b
}

func (s *Service) leaseSeconds() int64 {
	if s.cfg == nil || s.cfg.PortMappingLease <= 0 {
		return 0
	}
	return int64(s.cfg.PortMappingLease / time.Second)
}

func (s *Service) tag() string {
	if s.cfg != nil && s.cfg.PortMappingTag != "" {
		return s.cfg.PortMappingTag
	}
	return "slsk"
}
