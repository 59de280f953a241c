package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_peerdrop._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background host discovery interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second
	// DefaultTTL is the intended mDNS record TTL in seconds.
	DefaultTTL = 120
	// DefaultMissLimit is how many scans in a row a host may miss before it is removed.
	DefaultMissLimit = 2

	defaultTransport = "tcp"

	txtPeerID    = "peer_id"
	txtTransport = "transport"
	txtVersion   = "version"
)

// ErrNotFound is returned by Lookup when no host advertises the requested peer id.
var ErrNotFound = errors.New("discovery: peer not found")

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS broadcaster and scanner behavior.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	TTL             uint32

	// SelfPeerID is advertised by broadcasters and filtered out of scan results.
	SelfPeerID   string
	InstanceName string
	Port         int
	// Transport names the stream transport the host accepts ("tcp" or "quic").
	Transport string
	// Transports limits scans and lookups to hosts advertising one of these. Empty accepts all.
	Transports []string
	MissLimit  int

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.TTL == 0 {
		out.TTL = DefaultTTL
	}
	if out.Transport == "" {
		out.Transport = defaultTransport
	}
	if out.MissLimit <= 0 {
		out.MissLimit = DefaultMissLimit
	}
	if out.InstanceName == "" {
		out.InstanceName = out.SelfPeerID
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForBroadcast() error {
	if strings.TrimSpace(c.SelfPeerID) == "" {
		return errors.New("self peer ID is required")
	}
	if strings.TrimSpace(c.InstanceName) == "" {
		return errors.New("instance name is required")
	}
	if c.Port <= 0 {
		return errors.New("listening port must be > 0")
	}
	return nil
}

func (c Config) browser() (browseFunc, error) {
	if c.browseFn != nil {
		return c.browseFn, nil
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("create mDNS resolver: %w", err)
	}
	return resolver.Browse, nil
}

// Broadcaster advertises a share host via mDNS.
type Broadcaster struct {
	server *zeroconf.Server
}

// StartBroadcaster registers and starts mDNS broadcast.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForBroadcast(); err != nil {
		return nil, err
	}

	txt := []string{
		txtPeerID + "=" + cfg.SelfPeerID,
		txtTransport + "=" + cfg.Transport,
		txtVersion + "=" + strconv.Itoa(cfg.Version),
	}

	server, err := cfg.registerFn(cfg.InstanceName, cfg.Service, cfg.Domain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	if server != nil {
		server.TTL(cfg.TTL)
	}

	return &Broadcaster{server: server}, nil
}

// Stop stops mDNS broadcasting.
func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
}

// Lookup browses until a host advertising peerID answers or the scan window closes.
func Lookup(ctx context.Context, config Config, peerID string) (DiscoveredHost, error) {
	cfg := config.withDefaults()
	browse, err := cfg.browser()
	if err != nil {
		return DiscoveredHost{}, err
	}

	found, err := collect(ctx, cfg, browse, func(host DiscoveredHost) bool { return host.PeerID == peerID })
	if err != nil {
		return DiscoveredHost{}, err
	}
	if host, ok := found[peerID]; ok {
		return host, nil
	}
	return DiscoveredHost{}, fmt.Errorf("%w: %s", ErrNotFound, peerID)
}

// Scan runs one browse window and returns every host seen, sorted by name.
func Scan(ctx context.Context, config Config) ([]DiscoveredHost, error) {
	scanner, err := NewHostScanner(config)
	if err != nil {
		return nil, err
	}
	if _, err := scanner.Scan(ctx); err != nil {
		return nil, err
	}
	return scanner.Hosts(), nil
}
