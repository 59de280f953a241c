// Package host is the sending side of a share. It advertises a manifest,
// gates it behind an optional password and streams requested files as
// START_FILE, binary chunks and END_FILE over TCP or QUIC.
package host

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	quic "github.com/quic-go/quic-go"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"peerdrop/discovery"
	"peerdrop/protocol"
	"peerdrop/transport"
)

const (
	// DefaultChunkSize is the binary chunk length used when streaming files.
	DefaultChunkSize = 64 * 1024

	KindTCP  = "tcp"
	KindQUIC = "quic"

	requestQueueSize = 64
	errorsSize       = 16
)

// ErrNoFiles is returned when a host is started without anything to share.
var ErrNoFiles = errors.New("host: no files to share")

// File is one shared file on disk.
type File struct {
	protocol.FileMeta
	Path string
}

// FilesFromPaths builds manifest entries for regular files.
func FilesFromPaths(paths []string) ([]File, error) {
	files := make([]File, 0, len(paths))
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat %q: %w", path, err)
		}
		if !info.Mode().IsRegular() {
			return nil, fmt.Errorf("%q is not a regular file", path)
		}
		mime, err := mimetype.DetectFile(path)
		if err != nil {
			return nil, fmt.Errorf("detect type of %q: %w", path, err)
		}
		files = append(files, File{
			FileMeta: protocol.FileMeta{
				ID:   uuid.NewString(),
				Name: filepath.Base(path),
				Size: info.Size(),
				Type: mime.String(),
			},
			Path: path,
		})
	}
	return files, nil
}

// Options configures a Host.
type Options struct {
	Files []File
	// Password locks the manifest when non-empty.
	Password  string
	ChunkSize int
	// Key signs the QUIC certificate; a throwaway key is used when nil.
	Key    ed25519.PrivateKey
	Logger *zap.Logger

	OnConnect func(connID string)
	OnText    func(connID, text string)
	OnNudge   func(connID string)
}

// Host accepts receivers and serves them the shared files.
type Host struct {
	options      Options
	log          *zap.Logger
	kind         string
	passwordHash string
	files        map[string]File

	addr          net.Addr
	closeListener func() error

	mu    sync.Mutex
	conns map[string]*peerConn

	errs      chan error
	ctx       context.Context
	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type peerConn struct {
	id       string
	stream   io.ReadWriteCloser
	requests chan string
	done     chan struct{}

	sendMu    sync.Mutex
	closeOnce sync.Once
}

func (c *peerConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.stream.Close()
	})
}

func newHost(kind string, options Options) (*Host, error) {
	if len(options.Files) == 0 {
		return nil, ErrNoFiles
	}
	if options.ChunkSize <= 0 {
		options.ChunkSize = DefaultChunkSize
	}
	if options.ChunkSize > protocol.MaxFrameSize-1 {
		return nil, fmt.Errorf("chunk size %d exceeds frame limit", options.ChunkSize)
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}

	h := &Host{
		options: options,
		log:     options.Logger.With(zap.String("transport", kind)),
		kind:    kind,
		files:   lo.KeyBy(options.Files, func(file File) string { return file.ID }),
		conns:   make(map[string]*peerConn),
		errs:    make(chan error, errorsSize),
		closed:  make(chan struct{}),
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())

	if options.Password != "" {
		hash, err := HashPassword(options.Password)
		if err != nil {
			return nil, fmt.Errorf("hash share password: %w", err)
		}
		h.passwordHash = hash
	}
	return h, nil
}

// ListenTCP starts a host accepting framed TCP connections.
func ListenTCP(address string, options Options) (*Host, error) {
	h, err := newHost(KindTCP, options)
	if err != nil {
		return nil, err
	}
	if address == "" {
		address = ":0"
	}
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}
	h.addr = listener.Addr()
	h.closeListener = listener.Close

	h.wg.Add(1)
	go h.acceptTCP(listener)
	h.log.Info("share host listening", zap.String("address", h.addr.String()), zap.Int("files", len(h.files)))
	return h, nil
}

// ListenQUIC starts a host accepting one bidirectional stream per QUIC connection.
func ListenQUIC(address string, options Options) (*Host, error) {
	h, err := newHost(KindQUIC, options)
	if err != nil {
		return nil, err
	}
	if address == "" {
		address = ":0"
	}
	tlsConfig, err := transport.ServerTLSConfig(h.options.Key)
	if err != nil {
		return nil, err
	}
	listener, err := quic.ListenAddr(address, tlsConfig, transport.QUICConfig())
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}
	h.addr = listener.Addr()
	h.closeListener = listener.Close

	h.wg.Add(1)
	go h.acceptQUIC(listener)
	h.log.Info("share host listening", zap.String("address", h.addr.String()), zap.Int("files", len(h.files)))
	return h, nil
}

// Addr returns the listening address.
func (h *Host) Addr() net.Addr {
	return h.addr
}

// Kind returns "tcp" or "quic".
func (h *Host) Kind() string {
	return h.kind
}

// Locked reports whether a password protects the manifest.
func (h *Host) Locked() bool {
	return h.passwordHash != ""
}

// Files returns the manifest in the order it was configured.
func (h *Host) Files() []protocol.FileMeta {
	return lo.Map(h.options.Files, func(file File, _ int) protocol.FileMeta {
		return file.FileMeta
	})
}

// Errors returns asynchronous host errors. It is closed by Close.
func (h *Host) Errors() <-chan error {
	return h.errs
}

// Connections returns the number of connected receivers.
func (h *Host) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Advertise announces the host on the LAN under peerID.
func (h *Host) Advertise(peerID string, config discovery.Config) (*discovery.Broadcaster, error) {
	_, portText, err := net.SplitHostPort(h.addr.String())
	if err != nil {
		return nil, fmt.Errorf("parse listen address: %w", err)
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return nil, fmt.Errorf("parse listen port: %w", err)
	}
	config.SelfPeerID = peerID
	config.Port = port
	config.Transport = h.kind
	return discovery.StartBroadcaster(config)
}

// BroadcastText sends a chat line to every receiver and returns how many got it.
func (h *Host) BroadcastText(text string) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	return h.broadcast(protocol.Text{Type: protocol.TypeText, Text: text})
}

// BroadcastNudge nudges every receiver.
func (h *Host) BroadcastNudge() int {
	return h.broadcast(protocol.Signal{Type: protocol.TypeNudge})
}

// Close stops accepting, drops every receiver and waits for their goroutines.
func (h *Host) Close() error {
	var closeErr error
	h.closeOnce.Do(func() {
		close(h.closed)
		h.cancel()
		closeErr = h.closeListener()

		h.mu.Lock()
		conns := lo.Values(h.conns)
		h.mu.Unlock()
		for _, conn := range conns {
			conn.close()
		}

		h.wg.Wait()
		close(h.errs)
	})
	return closeErr
}

func (h *Host) acceptTCP(listener net.Listener) {
	defer h.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if h.isClosed() {
				return
			}
			h.reportError(fmt.Errorf("accept connection: %w", err))
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.serve(conn)
		}()
	}
}

func (h *Host) acceptQUIC(listener *quic.Listener) {
	defer h.wg.Done()

	for {
		conn, err := listener.Accept(h.ctx)
		if err != nil {
			if h.isClosed() {
				return
			}
			h.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			stream, err := conn.AcceptStream(h.ctx)
			if err != nil {
				_ = conn.CloseWithError(0, "no stream")
				if !h.isClosed() {
					h.reportError(fmt.Errorf("accept stream: %w", err))
				}
				return
			}
			h.serve(transport.NewQUICStream(conn, stream))
		}()
	}
}

// serve runs one receiver connection until it closes.
func (h *Host) serve(stream io.ReadWriteCloser) {
	conn := &peerConn{
		id:       uuid.NewString(),
		stream:   stream,
		requests: make(chan string, requestQueueSize),
		done:     make(chan struct{}),
	}

	h.mu.Lock()
	if h.isClosed() {
		h.mu.Unlock()
		_ = stream.Close()
		return
	}
	h.conns[conn.id] = conn
	h.mu.Unlock()
	defer h.dropConn(conn)

	log := h.log.With(zap.String("conn_id", conn.id))
	log.Info("receiver connected")
	if h.options.OnConnect != nil {
		h.options.OnConnect(conn.id)
	}

	h.wg.Add(1)
	go h.sendLoop(conn, log)

	unlocked := h.passwordHash == ""
	if err := h.sendManifest(conn, unlocked); err != nil {
		log.Debug("send manifest failed", zap.Error(err))
		return
	}

	for {
		payload, err := protocol.ReadFrame(stream)
		if err != nil {
			log.Info("receiver disconnected")
			return
		}
		if len(payload) == 0 {
			continue
		}
		frame, err := protocol.DecodeFrame(payload)
		if err != nil || frame.Kind != protocol.FrameControl {
			log.Debug("dropping unexpected frame")
			continue
		}
		unlocked = h.handleControl(conn, log, frame.Body, unlocked)
	}
}

// handleControl answers one control message and returns the connection's new lock state.
func (h *Host) handleControl(conn *peerConn, log *zap.Logger, body []byte, unlocked bool) bool {
	messageType, err := protocol.DecodeMessageType(body)
	if err != nil {
		log.Debug("dropping malformed control message", zap.Error(err))
		return unlocked
	}

	switch messageType {
	case protocol.TypeVerifyPassword:
		var verify protocol.VerifyPassword
		if err := json.Unmarshal(body, &verify); err != nil {
			return unlocked
		}
		if !h.checkPassword(verify.Password) {
			log.Info("password rejected")
			_ = h.sendControl(conn, protocol.Signal{Type: protocol.TypePasswordIncorrect})
			return unlocked
		}
		log.Info("password accepted")
		if err := h.sendControl(conn, protocol.Signal{Type: protocol.TypePasswordCorrect}); err != nil {
			return true
		}
		_ = h.sendManifest(conn, true)
		return true

	case protocol.TypeRequestFile:
		var request protocol.RequestFile
		if err := json.Unmarshal(body, &request); err != nil {
			return unlocked
		}
		if !unlocked {
			log.Debug("ignoring file request on locked share", zap.String("file_id", request.FileID))
			return unlocked
		}
		if _, ok := h.files[request.FileID]; !ok {
			log.Debug("ignoring request for unknown file", zap.String("file_id", request.FileID))
			return unlocked
		}
		select {
		case conn.requests <- request.FileID:
		default:
			log.Warn("request queue full, dropping request", zap.String("file_id", request.FileID))
		}

	case protocol.TypePing:
		var ping protocol.Ping
		if err := json.Unmarshal(body, &ping); err != nil {
			return unlocked
		}
		_ = h.sendControl(conn, protocol.Pong{Type: protocol.TypePong, TS: ping.TS})

	case protocol.TypePong:

	case protocol.TypeText:
		var text protocol.Text
		if err := json.Unmarshal(body, &text); err != nil {
			return unlocked
		}
		if h.options.OnText != nil {
			h.options.OnText(conn.id, text.Text)
		}

	case protocol.TypeNudge:
		if h.options.OnNudge != nil {
			h.options.OnNudge(conn.id)
		}

	default:
		log.Debug("ignoring unexpected control message", zap.String("type", messageType))
	}
	return unlocked
}

func (h *Host) checkPassword(password string) bool {
	if h.passwordHash == "" {
		return true
	}
	ok, err := ComparePassword(password, h.passwordHash)
	if err != nil {
		h.reportError(fmt.Errorf("compare password: %w", err))
		return false
	}
	return ok
}

// sendLoop streams requested files one at a time, in request order.
func (h *Host) sendLoop(conn *peerConn, log *zap.Logger) {
	defer h.wg.Done()

	for {
		select {
		case <-conn.done:
			return
		case id := <-conn.requests:
			if err := h.streamFile(conn, h.files[id]); err != nil {
				log.Warn("stream file failed", zap.String("file_id", id), zap.Error(err))
				if errors.Is(err, errWrite) {
					conn.close()
					return
				}
			}
		}
	}
}

var errWrite = errors.New("host: write to receiver failed")

func (h *Host) streamFile(conn *peerConn, file File) error {
	f, err := os.Open(file.Path)
	if err != nil {
		return fmt.Errorf("open %q: %w", file.Path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %q: %w", file.Path, err)
	}

	if err := h.sendControl(conn, protocol.StartFile{
		Type: protocol.TypeStartFile,
		ID:   file.ID,
		Size: protocol.Int64(info.Size()),
	}); err != nil {
		return err
	}

	buffer := make([]byte, h.options.ChunkSize)
	var sent int64
	for {
		n, readErr := f.Read(buffer)
		if n > 0 {
			if err := h.sendFrame(conn, protocol.EncodeBinary(buffer[:n])); err != nil {
				return err
			}
			sent += int64(n)
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return fmt.Errorf("read %q: %w", file.Path, readErr)
		}
	}

	if err := h.sendControl(conn, protocol.EndFile{Type: protocol.TypeEndFile, FileID: file.ID}); err != nil {
		return err
	}
	h.log.Info("file sent", zap.String("conn_id", conn.id), zap.String("file_id", file.ID), zap.Int64("bytes", sent))
	return nil
}

func (h *Host) sendManifest(conn *peerConn, unlocked bool) error {
	if !unlocked {
		return h.sendControl(conn, protocol.Manifest{Type: protocol.TypeManifest, Locked: true})
	}
	return h.sendControl(conn, protocol.Manifest{Type: protocol.TypeManifest, Files: h.Files()})
}

func (h *Host) sendControl(conn *peerConn, message any) error {
	frame, err := protocol.EncodeControl(message)
	if err != nil {
		return err
	}
	return h.sendFrame(conn, frame)
}

func (h *Host) sendFrame(conn *peerConn, frame []byte) error {
	conn.sendMu.Lock()
	defer conn.sendMu.Unlock()
	if err := protocol.WriteFrame(conn.stream, frame); err != nil {
		return fmt.Errorf("%w: %v", errWrite, err)
	}
	return nil
}

func (h *Host) broadcast(message any) int {
	h.mu.Lock()
	conns := lo.Values(h.conns)
	h.mu.Unlock()

	delivered := 0
	for _, conn := range conns {
		if err := h.sendControl(conn, message); err != nil {
			h.log.Debug("broadcast failed", zap.String("conn_id", conn.id), zap.Error(err))
			continue
		}
		delivered++
	}
	return delivered
}

func (h *Host) dropConn(conn *peerConn) {
	conn.close()
	h.mu.Lock()
	delete(h.conns, conn.id)
	h.mu.Unlock()
}

func (h *Host) isClosed() bool {
	select {
	case <-h.closed:
		return true
	default:
		return false
	}
}

func (h *Host) reportError(err error) {
	select {
	case h.errs <- err:
	default:
	}
}
