package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"time"

	quic "github.com/quic-go/quic-go"

	"peerdrop/identity"
	"peerdrop/protocol"
)

// QUICProtocol is the ALPN value negotiated by both ends.
const QUICProtocol = "peerdrop/1"

// ErrFingerprintMismatch indicates the host presented a key other than the pinned one.
var ErrFingerprintMismatch = errors.New("transport: host fingerprint mismatch")

// QUICConfig returns the quic-go settings shared by dialer and listener.
func QUICConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: 5 * time.Second,
		MaxIdleTimeout:  30 * time.Second,
	}
}

// ServerTLSConfig returns a TLS config with a self-signed certificate for key.
// A fresh key is generated when key is nil.
func ServerTLSConfig(key ed25519.PrivateKey) (*tls.Config, error) {
	if key == nil {
		var err error
		if _, key, err = ed25519.GenerateKey(rand.Reader); err != nil {
			return nil, fmt.Errorf("generate TLS key: %w", err)
		}
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, key.Public(), key)
	if err != nil {
		return nil, fmt.Errorf("create TLS certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		NextProtos:   []string{QUICProtocol},
	}, nil
}

// ClientTLSConfig accepts self-signed host certificates. When pin is set the
// host key must match that fingerprint.
func ClientTLSConfig(pin string) *tls.Config {
	config := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{QUICProtocol},
	}
	if pin == "" {
		return config
	}
	want := identity.Normalize(pin)
	config.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return ErrFingerprintMismatch
		}
		cert, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("parse host certificate: %w", err)
		}
		publicKey, ok := cert.PublicKey.(ed25519.PublicKey)
		if !ok || identity.Fingerprint(publicKey) != want {
			return ErrFingerprintMismatch
		}
		return nil
	}
	return config
}

// NewQUIC returns a stream transport that dials peers over one bidirectional QUIC stream.
func NewQUIC(resolver Resolver, options StreamOptions) *StreamTransport {
	return NewStreamTransport(func(ctx context.Context, peerID string) (io.ReadWriteCloser, error) {
		address, err := resolveAddress(ctx, resolver, peerID)
		if err != nil {
			return nil, err
		}
		conn, err := quic.DialAddr(ctx, address, ClientTLSConfig(options.PinnedFingerprint), QUICConfig())
		if err != nil {
			return nil, err
		}
		stream, err := conn.OpenStreamSync(ctx)
		if err != nil {
			_ = conn.CloseWithError(0, "open stream failed")
			return nil, err
		}
		// The listener only sees the stream once bytes arrive on it.
		if err := protocol.WriteFrame(stream, nil); err != nil {
			_ = conn.CloseWithError(0, "open stream failed")
			return nil, err
		}
		return NewQUICStream(conn, stream), nil
	}, options)
}

// QUICStream adapts one QUIC stream to io.ReadWriteCloser; Close tears down the connection.
type QUICStream struct {
	conn   *quic.Conn
	stream *quic.Stream
}

// NewQUICStream wraps an accepted or opened stream.
func NewQUICStream(conn *quic.Conn, stream *quic.Stream) *QUICStream {
	return &QUICStream{conn: conn, stream: stream}
}

func (s *QUICStream) Read(p []byte) (int, error) {
	return s.stream.Read(p)
}

func (s *QUICStream) Write(p []byte) (int, error) {
	return s.stream.Write(p)
}

// Close closes the stream and its connection.
func (s *QUICStream) Close() error {
	_ = s.stream.Close()
	return s.conn.CloseWithError(0, "closed")
}
