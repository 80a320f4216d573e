// Package config holds the tunables the core needs from the excluded
// Settings/Credentials collaborators (see spec §6) plus the internal
// timeouts fixed by §5.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config bundles every setting the core consults. A host application is
// expected to populate this from its own persisted settings store; the
// core never reads or writes settings itself.
type Config struct {
	// Credentials.
	Username string
	Password string

	// Settings (spec §6).
	ListenPort            uint16
	EnableUPnP            bool
	DownloadRoot          string
	MaxDownloadSlots      int
	MaxUploadSlots        int
	MinSharedFiles        int
	MinSharedFolders      int
	RespondToSearches     bool
	AcceptDistributedChildren bool

	// Server connection.
	ServerHost string
	ServerPort uint16

	// Listener port range (§4.6).
	ListenPortRangeStart uint16
	ListenPortRangeEnd   uint16

	// Timeouts (§5).
	LoginGrace            time.Duration
	DirectDialTimeout     time.Duration
	IndirectPierceTimeout time.Duration
	InboundFTimeout       time.Duration
	TransferTotalTimeout  time.Duration
	PeerAddressTimeout    time.Duration
	IdleConnectionTimeout time.Duration

	// Pool caps.
	MaxPeerConnections int

	// NAT / SSDP pacing.
	SSDPProbeSpacing time.Duration
	HTTPRateLimit    time.Duration
	PortMappingLease time.Duration
	PortMappingTag   string
	// GatewayIP is the LAN router address NAT-PMP requests are sent to.
	// Left empty, NAT-PMP discovery is skipped in favor of UPnP/STUN.
	GatewayIP string
}

// DefaultConfig returns sensible defaults mirroring the timeouts fixed by
// §5 of the specification. Username/Password/ServerHost are left empty;
// callers must set them before connecting.
func DefaultConfig() Config {
	return Config{
		ListenPort:                2234,
		EnableUPnP:                true,
		DownloadRoot:              defaultDownloadRoot(),
		MaxDownloadSlots:          4,
		MaxUploadSlots:            4,
		MinSharedFiles:            0,
		MinSharedFolders:          0,
		RespondToSearches:         true,
		AcceptDistributedChildren: true,

		ServerHost: "server.slsknet.org",
		ServerPort: 2242,

		ListenPortRangeStart: 2234,
		ListenPortRangeEnd:   2240,

		LoginGrace:            500 * time.Millisecond,
		DirectDialTimeout:     10 * time.Second,
		IndirectPierceTimeout: 15 * time.Second,
		InboundFTimeout:       5 * time.Second,
		TransferTotalTimeout:  60 * time.Second,
		PeerAddressTimeout:    10 * time.Second,
		IdleConnectionTimeout: 60 * time.Second,

		MaxPeerConnections: 500,

		SSDPProbeSpacing: 500 * time.Millisecond,
		HTTPRateLimit:    500 * time.Millisecond,
		PortMappingLease: 0, // permanent
		PortMappingTag:   "SeeleSeek",
	}
}

func defaultDownloadRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if cwd, err := os.Getwd(); err == nil {
			return filepath.Join(cwd, "downloads")
		}
		return "./downloads"
	}
	return filepath.Join(home, "slsk", "downloads")
}

// Option mutates a Config; used to layer overrides onto DefaultConfig().
type Option func(*Config)

func WithCredentials(username, password string) Option {
	return func(c *Config) {
		c.Username = username
		c.Password = password
	}
}

func WithServer(host string, port uint16) Option {
	return func(c *Config) {
		c.ServerHost = host
		c.ServerPort = port
	}
}

func WithDownloadRoot(path string) Option {
	return func(c *Config) {
		c.DownloadRoot = path
	}
}

func WithSlots(download, upload int) Option {
	return func(c *Config) {
		c.MaxDownloadSlots = download
		c.MaxUploadSlots = upload
	}
}

func New(opts ...Option) Config {
	c := DefaultConfig()
	for _, opt := range opts {
		opt(&c)
	}
	return c
}
