package discovery

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/samber/lo"
)

const (
	// EventHostUpserted is emitted when a host appears or its metadata changes.
	EventHostUpserted EventType = "host_upserted"
	// EventHostRemoved is emitted once a host has missed MissLimit scans in a row.
	EventHostRemoved EventType = "host_removed"
)

// EventType identifies host discovery updates.
type EventType string

// Event carries discovery updates.
type Event struct {
	Type EventType
	Host DiscoveredHost
}

// DiscoveredHost is a share host found on the LAN.
type DiscoveredHost struct {
	PeerID    string
	Name      string
	Transport string
	Version   int
	HostName  string
	Port      int
	Addresses []string
	LastSeen  time.Time
}

// HostScanner keeps a view of share hosts across repeated browse windows.
// A host that stops answering is kept until it misses MissLimit scans.
type HostScanner struct {
	cfg    Config
	browse browseFunc

	mu     sync.Mutex
	hosts  map[string]DiscoveredHost
	misses map[string]int
}

// NewHostScanner creates a scanner with config defaults applied.
func NewHostScanner(config Config) (*HostScanner, error) {
	cfg := config.withDefaults()
	browse, err := cfg.browser()
	if err != nil {
		return nil, err
	}
	return &HostScanner{
		cfg:    cfg,
		browse: browse,
		hosts:  make(map[string]DiscoveredHost),
		misses: make(map[string]int),
	}, nil
}

// Scan runs one browse window and returns the changes it caused.
func (s *HostScanner) Scan(ctx context.Context) ([]Event, error) {
	seen, err := collect(ctx, s.cfg, s.browse, nil)
	if err != nil {
		return nil, err
	}
	return s.merge(seen), nil
}

// Watch scans now, then every RefreshInterval and whenever refresh fires,
// passing each change to emit. It returns nil once ctx is done.
func (s *HostScanner) Watch(ctx context.Context, refresh <-chan struct{}, emit func(Event)) error {
	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		events, err := s.Scan(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
		lo.ForEach(events, func(event Event, _ int) { emit(event) })

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-refresh:
			ticker.Reset(s.cfg.RefreshInterval)
		}
	}
}

// Hosts returns the current view sorted by name, then peer id.
func (s *HostScanner) Hosts() []DiscoveredHost {
	s.mu.Lock()
	defer s.mu.Unlock()

	hosts := lo.Values(s.hosts)
	slices.SortFunc(hosts, func(a, b DiscoveredHost) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.PeerID, b.PeerID))
	})
	return hosts
}

func (s *HostScanner) merge(seen map[string]DiscoveredHost) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []Event
	for id, host := range seen {
		delete(s.misses, id)
		if old, known := s.hosts[id]; !known || !hostsEqual(old, host) {
			events = append(events, Event{Type: EventHostUpserted, Host: host})
		}
		s.hosts[id] = host
	}
	for id, host := range s.hosts {
		if _, ok := seen[id]; ok {
			continue
		}
		s.misses[id]++
		if s.misses[id] < s.cfg.MissLimit {
			continue
		}
		delete(s.hosts, id)
		delete(s.misses, id)
		events = append(events, Event{Type: EventHostRemoved, Host: host})
	}

	slices.SortFunc(events, func(a, b Event) int {
		return cmp.Or(
			cmp.Compare(a.Type, b.Type),
			cmp.Compare(a.Host.Name, b.Host.Name),
			cmp.Compare(a.Host.PeerID, b.Host.PeerID),
		)
	})
	return events
}

// collect browses for one ScanTimeout window and returns the accepted hosts
// keyed by peer id. It stops early once done reports true.
func collect(ctx context.Context, cfg Config, browse browseFunc, done func(DiscoveredHost) bool) (map[string]DiscoveredHost, error) {
	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	browseErr := make(chan error, 1)
	go func() {
		browseErr <- browse(scanCtx, cfg.Service, cfg.Domain, entries)
	}()

	found := make(map[string]DiscoveredHost)
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			host, accepted := cfg.accept(entry)
			if !accepted {
				continue
			}
			host.LastSeen = time.Now()
			found[host.PeerID] = host
			if done != nil && done(host) {
				return found, nil
			}
		case err := <-browseErr:
			if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
				return nil, fmt.Errorf("browse mDNS: %w", err)
			}
			browseErr = nil
		case <-scanCtx.Done():
			return found, ctx.Err()
		}
	}
}

// accept parses entry and applies the self and transport filters.
func (c Config) accept(entry *zeroconf.ServiceEntry) (DiscoveredHost, bool) {
	if entry == nil {
		return DiscoveredHost{}, false
	}
	host, ok := parseEntry(entry)
	if !ok || host.PeerID == c.SelfPeerID {
		return DiscoveredHost{}, false
	}
	if len(c.Transports) > 0 && !lo.Contains(c.Transports, host.Transport) {
		return DiscoveredHost{}, false
	}
	return host, true
}

func parseEntry(entry *zeroconf.ServiceEntry) (DiscoveredHost, bool) {
	txt := txtToMap(entry.Text)

	peerID := txt[txtPeerID]
	if peerID == "" {
		return DiscoveredHost{}, false
	}
	version, _ := strconv.Atoi(txt[txtVersion])

	addresses := lo.Uniq(lo.FilterMap(slices.Concat(entry.AddrIPv4, entry.AddrIPv6), func(ip net.IP, _ int) (string, bool) {
		return ip.String(), len(ip) > 0
	}))
	sort.Strings(addresses)

	return DiscoveredHost{
		PeerID:    peerID,
		Name:      lo.CoalesceOrEmpty(strings.TrimSpace(entry.Instance), strings.TrimSpace(entry.HostName), peerID),
		Transport: lo.CoalesceOrEmpty(strings.ToLower(txt[txtTransport]), defaultTransport),
		Version:   version,
		HostName:  entry.HostName,
		Port:      entry.Port,
		Addresses: addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if key = strings.TrimSpace(key); !ok || key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

func hostsEqual(a, b DiscoveredHost) bool {
	return a.PeerID == b.PeerID &&
		a.Name == b.Name &&
		a.Transport == b.Transport &&
		a.Version == b.Version &&
		a.HostName == b.HostName &&
		a.Port == b.Port &&
		slices.Equal(a.Addresses, b.Addresses)
}
