package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/samber/lo"

	"peerdrop/discovery"
)

// ErrPeerNotFound indicates a peer id could not be resolved to an address.
var ErrPeerNotFound = errors.New("transport: peer not found")

// Resolver maps a peer id to a dialable host:port.
type Resolver interface {
	Resolve(ctx context.Context, peerID string) (string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, peerID string) (string, error)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(ctx context.Context, peerID string) (string, error) {
	return f(ctx, peerID)
}

// MDNSResolver looks peer ids up among share hosts advertised on the LAN.
type MDNSResolver struct {
	Config discovery.Config
	// Kind restricts lookups to hosts advertising this transport ("tcp" or "quic").
	Kind string
}

// Resolve implements Resolver.
func (r MDNSResolver) Resolve(ctx context.Context, peerID string) (string, error) {
	cfg := r.Config
	if r.Kind != "" {
		cfg.Transports = []string{r.Kind}
	}
	host, err := discovery.Lookup(ctx, cfg, peerID)
	if err != nil {
		if errors.Is(err, discovery.ErrNotFound) {
			return "", fmt.Errorf("%w: %s has no %s share on the LAN", ErrPeerNotFound, peerID, lo.CoalesceOrEmpty(r.Kind, "reachable"))
		}
		return "", err
	}
	if len(host.Addresses) == 0 {
		return "", fmt.Errorf("%w: %s has no addresses", ErrPeerNotFound, peerID)
	}
	return net.JoinHostPort(host.Addresses[0], strconv.Itoa(host.Port)), nil
}

// resolveAddress accepts literal host:port peer ids and falls back to the resolver.
func resolveAddress(ctx context.Context, resolver Resolver, peerID string) (string, error) {
	if _, _, err := net.SplitHostPort(peerID); err == nil {
		return peerID, nil
	}
	if resolver == nil {
		return "", fmt.Errorf("%w: %s", ErrPeerNotFound, peerID)
	}
	return resolver.Resolve(ctx, peerID)
}
