// Package session implements the receiving side of a peer file-drop session:
// connection lifecycle, password gate, manifest registry, single-flight chunk
// reception, the download queue, heartbeat, chat and nudges.
//
// All state is owned by one goroutine (Run). Transport events and timer
// callbacks are processed strictly in arrival order on that goroutine; public
// methods post work to it and return immediately.
package session

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"peerdrop/protocol"
	"peerdrop/transport"
)

const (
	DefaultConnectTimeout    = 15 * time.Second
	DefaultHeartbeatInterval = 2 * time.Second
	DefaultSamplerInterval   = 200 * time.Millisecond
	DefaultSpeedWindow       = 500 * time.Millisecond
	DefaultQueueDelay        = 200 * time.Millisecond
	DefaultNudgeClear        = 500 * time.Millisecond
	DefaultRequestTimeout    = 10 * time.Second

	inboxSize  = 256
	errorsSize = 16
)

// Materializer saves a finished transfer as a local file.
type Materializer interface {
	Materialize(file protocol.FileMeta, data []byte) error
}

// failureRecorder is optionally implemented by a Materializer to learn about
// transfers that ended without data being handed over.
type failureRecorder interface {
	Failed(file protocol.FileMeta, reason error)
}

// Options configures a Session.
type Options struct {
	// PeerID is the host to connect to.
	PeerID       string
	Transport    transport.Transport
	Materializer Materializer

	Clock  Clock
	Logger *zap.Logger

	// OnUpdate receives a snapshot after every processed event. It runs on the session loop.
	OnUpdate func(Snapshot)
	// OnMessage receives each chat line as it is appended. It runs on the session loop.
	OnMessage func(TextMessage)
	// Haptics is pulsed when the peer nudges.
	Haptics func()

	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	SamplerInterval   time.Duration
	SpeedWindow       time.Duration
	QueueDelay        time.Duration
	NudgeClear        time.Duration
	// RequestTimeout fails a REQUEST_FILE the host never starts.
	RequestTimeout time.Duration
}

// Session is the receiver-side engine for one host connection.
type Session struct {
	options      Options
	transport    transport.Transport
	materializer Materializer
	clock        Clock
	log          *zap.Logger

	// Loop-owned state.
	status    Status
	stage     Stage
	channelID string
	lastErr   error

	locked        bool
	verifying     bool
	passwordError bool

	files  []protocol.FileMeta
	states map[string]DownloadState

	cursor      TransferCursor
	requested   string
	requestSent bool
	queue       []string

	latency    time.Duration
	hasLatency bool

	messages []TextMessage
	nudged   bool

	connectTimer   *loopTimer
	heartbeatTimer *loopTimer
	samplerTimer   *loopTimer
	queueTimer     *loopTimer
	requestTimer   *loopTimer
	nudgeTimer     *loopTimer
	timerMu        sync.Mutex

	inbox     chan func()
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
	started   atomic.Bool

	snapshot atomic.Pointer[Snapshot]
	errors   chan error
}

// New validates options and returns an idle session. Call Run to connect.
func New(options Options) (*Session, error) {
	if options.PeerID == "" {
		return nil, errors.New("peer id is required")
	}
	if options.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if options.Materializer == nil {
		return nil, errors.New("materializer is required")
	}
	if options.Clock == nil {
		options.Clock = SystemClock{}
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	if options.ConnectTimeout <= 0 {
		options.ConnectTimeout = DefaultConnectTimeout
	}
	if options.HeartbeatInterval <= 0 {
		options.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if options.SamplerInterval <= 0 {
		options.SamplerInterval = DefaultSamplerInterval
	}
	if options.SpeedWindow <= 0 {
		options.SpeedWindow = DefaultSpeedWindow
	}
	if options.QueueDelay <= 0 {
		options.QueueDelay = DefaultQueueDelay
	}
	if options.NudgeClear <= 0 {
		options.NudgeClear = DefaultNudgeClear
	}
	if options.RequestTimeout <= 0 {
		options.RequestTimeout = DefaultRequestTimeout
	}

	s := &Session{
		options:      options,
		transport:    options.Transport,
		materializer: options.Materializer,
		clock:        options.Clock,
		log:          options.Logger.With(zap.String("peer_id", options.PeerID)),
		status:       StatusConnecting,
		stage:        StageInit,
		states:       make(map[string]DownloadState),
		inbox:        make(chan func(), inboxSize),
		done:         make(chan struct{}),
		errors:       make(chan error, errorsSize),
	}
	s.publish()
	return s, nil
}

// Run initializes the transport and processes events until ctx is cancelled
// or Close is called. The session tears itself down before Run returns.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("session already running")
	}
	if s.closed.Load() {
		return ErrClosed
	}

	s.begin()
	s.publish()

	if err := s.transport.Initialize(ctx); err != nil {
		s.exec(func() {
			s.terminate(fmt.Errorf("%w: initialize transport: %v", ErrConnection, err))
		})
		s.drain()
		s.Close()
		return fmt.Errorf("initialize transport: %w", err)
	}

	events := s.transport.Events()
	for {
		select {
		case <-ctx.Done():
			s.Close()
			return ctx.Err()
		case <-s.done:
			return ErrClosed
		case event, ok := <-events:
			if !ok {
				events = nil
				s.exec(func() {
					if s.status != StatusDisconnected {
						s.terminate(fmt.Errorf("%w: transport closed", ErrConnection))
					}
				})
				continue
			}
			s.exec(func() { s.handleEvent(event) })
		case task := <-s.inbox:
			s.exec(task)
		}
	}
}

// Close stops timers, releases the transport and makes every later event a
// no-op. It is safe to call from any goroutine and more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		s.stopAllTimers()
		if err := s.transport.Destroy(); err != nil {
			s.log.Debug("destroy transport failed", zap.Error(err))
		}
	})
}

// Done is closed once the session has been closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Errors delivers non-fatal asynchronous errors (transport warnings, failed saves).
func (s *Session) Errors() <-chan error {
	return s.errors
}

// Snapshot returns the most recently published state.
func (s *Session) Snapshot() Snapshot {
	return *s.snapshot.Load()
}

// StartDownload requests fileID, or queues it behind the active transfer.
func (s *Session) StartDownload(fileID string) {
	s.post(func() { s.startDownload(fileID) })
}

// DownloadAll queues every file that is not yet completed, in manifest order.
func (s *Session) DownloadAll() {
	s.post(s.downloadAll)
}

// VerifyPassword submits a password to unlock the manifest.
func (s *Session) VerifyPassword(password string) {
	s.post(func() { s.verifyPassword(password) })
}

// SendText sends a chat line and appends it to the local log.
func (s *Session) SendText(text string) {
	s.post(func() { s.sendText(text) })
}

// SendNudge sends an attention signal to the host.
func (s *Session) SendNudge() {
	s.post(s.sendNudge)
}

// post hands f to the session loop. It drops f once the session is closed.
func (s *Session) post(f func()) {
	if s.closed.Load() {
		return
	}
	select {
	case s.inbox <- f:
	case <-s.done:
	}
}

// exec runs one unit of work on the loop and publishes the resulting state.
func (s *Session) exec(f func()) {
	if s.closed.Load() {
		return
	}
	f()
	s.publish()
}

// drain runs queued work without blocking.
func (s *Session) drain() {
	for {
		select {
		case task := <-s.inbox:
			s.exec(task)
		default:
			return
		}
	}
}

func (s *Session) send(message any) error {
	if s.channelID == "" {
		return transport.ErrUnknownChannel
	}
	frame, err := protocol.EncodeControl(message)
	if err != nil {
		return err
	}
	if err := s.transport.SendTo(s.channelID, frame); err != nil {
		s.log.Debug("send control message failed", zap.Error(err))
		return err
	}
	return nil
}

func (s *Session) reportError(err error) {
	select {
	case s.errors <- err:
	default:
	}
}

func (s *Session) stopAllTimers() {
	s.stopTimers(&s.connectTimer, &s.heartbeatTimer, &s.samplerTimer, &s.queueTimer, &s.requestTimer, &s.nudgeTimer)
}

func (s *Session) stopTimers(slots ...**loopTimer) {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	for _, slot := range slots {
		(*slot).stop()
		*slot = nil
	}
}

// setTimer replaces the timer in slot, stopping the previous one.
func (s *Session) setTimer(slot **loopTimer, timer *loopTimer) {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	(*slot).stop()
	*slot = timer
	if s.closed.Load() {
		timer.stop()
	}
}

func (s *Session) publish() {
	snap := Snapshot{
		Status:        s.status,
		Stage:         s.stage,
		ChannelID:     s.channelID,
		LastError:     s.lastErr,
		Locked:        s.locked,
		Verifying:     s.verifying,
		PasswordError: s.passwordError,
		Files:         make([]FileEntry, 0, len(s.files)),
		States:        maps.Clone(s.states),
		ActiveFileID:  s.cursor.FileID,
		ReceivedBytes: s.cursor.Received,
		Queue:         append([]string(nil), s.queue...),
		Latency:       s.latency,
		HasLatency:    s.hasLatency,
		Messages:      append([]TextMessage(nil), s.messages...),
		Nudged:        s.nudged,
	}
	for _, file := range s.files {
		snap.Files = append(snap.Files, FileEntry{FileMeta: file, State: s.states[file.ID]})
	}
	s.snapshot.Store(&snap)
	if s.options.OnUpdate != nil {
		s.options.OnUpdate(snap)
	}
}
