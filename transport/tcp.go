package transport

import (
	"context"
	"io"
	"net"
)

// NewTCP returns a stream transport that dials peers over TCP.
func NewTCP(resolver Resolver, options StreamOptions) *StreamTransport {
	return NewStreamTransport(func(ctx context.Context, peerID string) (io.ReadWriteCloser, error) {
		address, err := resolveAddress(ctx, resolver, peerID)
		if err != nil {
			return nil, err
		}
		var dialer net.Dialer
		return dialer.DialContext(ctx, "tcp", address)
	}, options)
}
