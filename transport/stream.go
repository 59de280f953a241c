package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peerdrop/protocol"
)

const (
	// DefaultDialTimeout bounds one dial attempt.
	DefaultDialTimeout = 10 * time.Second

	eventBufferSize = 256
)

// DialFunc opens a reliable ordered byte stream to a peer.
type DialFunc func(ctx context.Context, peerID string) (io.ReadWriteCloser, error)

// StreamOptions configures a StreamTransport.
type StreamOptions struct {
	LocalID     string
	DialTimeout time.Duration
	// PinnedFingerprint restricts QUIC dials to a host with this identity fingerprint.
	PinnedFingerprint string
	Logger            *zap.Logger
}

func (o StreamOptions) withDefaults() StreamOptions {
	out := o
	if out.LocalID == "" {
		out.LocalID = uuid.NewString()
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = DefaultDialTimeout
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

// StreamTransport carries tagged channel frames over length-prefixed byte streams (TCP, QUIC).
type StreamTransport struct {
	dial    DialFunc
	options StreamOptions
	log     *zap.Logger

	events chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns map[string]*streamConn

	destroyOnce sync.Once
}

type streamConn struct {
	id     string
	stream io.ReadWriteCloser

	sendMu    sync.Mutex
	closeOnce sync.Once
}

// NewStreamTransport builds a transport around a dial function.
func NewStreamTransport(dial DialFunc, options StreamOptions) *StreamTransport {
	opts := options.withDefaults()
	return &StreamTransport{
		dial:    dial,
		options: opts,
		log:     opts.Logger,
		events:  make(chan Event, eventBufferSize),
		conns:   make(map[string]*streamConn),
	}
}

// Initialize assigns the local identity and emits the ready status.
func (t *StreamTransport) Initialize(ctx context.Context) error {
	t.mu.Lock()
	if t.ctx != nil {
		t.mu.Unlock()
		return nil
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	t.emit(statusEvent(StatusReady, t.options.LocalID))
	return nil
}

// Connect dials the peer in the background; the outcome arrives as an event.
func (t *StreamTransport) Connect(peerID string) error {
	t.mu.Lock()
	ctx := t.ctx
	t.mu.Unlock()
	if ctx == nil {
		return ErrNotInitialized
	}
	if ctx.Err() != nil {
		return ErrDestroyed
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		dialCtx, cancel := context.WithTimeout(ctx, t.options.DialTimeout)
		defer cancel()

		stream, err := t.dial(dialCtx, peerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.emit(errorEvent(classifyDialError(err), fmt.Errorf("dial peer %q: %w", peerID, err)))
			return
		}

		conn := &streamConn{id: uuid.NewString(), stream: stream}
		t.mu.Lock()
		t.conns[conn.id] = conn
		t.mu.Unlock()

		t.log.Debug("stream channel open", zap.String("peer_id", peerID), zap.String("channel_id", conn.id))
		t.emit(statusEvent(StatusConnected, conn.id))
		t.readLoop(conn)
	}()
	return nil
}

// SendTo writes one frame to an open channel.
func (t *StreamTransport) SendTo(channelID string, frame []byte) error {
	t.mu.Lock()
	conn := t.conns[channelID]
	t.mu.Unlock()
	if conn == nil {
		return ErrUnknownChannel
	}

	conn.sendMu.Lock()
	defer conn.sendMu.Unlock()
	if err := protocol.WriteFrame(conn.stream, frame); err != nil {
		t.closeConn(conn)
		return err
	}
	return nil
}

// Events returns the ordered event stream. It is closed by Destroy.
func (t *StreamTransport) Events() <-chan Event {
	return t.events
}

// Destroy closes every channel and releases the event stream.
func (t *StreamTransport) Destroy() error {
	t.destroyOnce.Do(func() {
		t.mu.Lock()
		if t.ctx == nil {
			t.ctx, t.cancel = context.WithCancel(context.Background())
		}
		t.cancel()
		conns := make([]*streamConn, 0, len(t.conns))
		for _, conn := range t.conns {
			conns = append(conns, conn)
		}
		t.mu.Unlock()

		for _, conn := range conns {
			t.closeConn(conn)
		}
		t.wg.Wait()
		close(t.events)
	})
	return nil
}

func (t *StreamTransport) readLoop(conn *streamConn) {
	defer func() {
		t.closeConn(conn)
		if t.ctx.Err() == nil {
			t.emit(statusEvent(StatusDisconnected, conn.id))
		}
	}()

	for {
		frame, err := protocol.ReadFrame(conn.stream)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && t.ctx.Err() == nil {
				t.log.Debug("stream read failed", zap.String("channel_id", conn.id), zap.Error(err))
			}
			return
		}
		if len(frame) == 0 {
			continue
		}
		t.emit(dataEvent(conn.id, frame))
	}
}

func (t *StreamTransport) closeConn(conn *streamConn) {
	conn.closeOnce.Do(func() {
		_ = conn.stream.Close()
		t.mu.Lock()
		if t.conns[conn.id] == conn {
			delete(t.conns, conn.id)
		}
		t.mu.Unlock()
	})
}

func (t *StreamTransport) emit(event Event) {
	select {
	case t.events <- event:
	case <-t.ctx.Done():
	}
}

func classifyDialError(err error) ErrorType {
	var netErr net.Error
	if errors.Is(err, ErrPeerNotFound) || errors.As(err, &netErr) {
		return ErrorPeerUnavailable
	}
	return ErrorNetwork
}
