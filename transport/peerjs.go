package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"peerdrop/protocol"
)

const (
	// DefaultPeerJSHost is the public PeerJS signalling server.
	DefaultPeerJSHost = "0.peerjs.com"
	// DefaultPeerJSKey is the API key accepted by public PeerJS servers.
	DefaultPeerJSKey = "peerjs"
	// DefaultPeerJSHeartbeat keeps the signalling socket alive.
	DefaultPeerJSHeartbeat = 5 * time.Second

	peerJSClientVersion = "1.5.4"
	signalWriteTimeout  = 10 * time.Second
)

// Signalling message types exchanged with a PeerJS server.
const (
	signalOpen       = "OPEN"
	signalError      = "ERROR"
	signalIDTaken    = "ID-TAKEN"
	signalInvalidKey = "INVALID-KEY"
	signalLeave      = "LEAVE"
	signalExpire     = "EXPIRE"
	signalOffer      = "OFFER"
	signalAnswer     = "ANSWER"
	signalCandidate  = "CANDIDATE"
	signalHeartbeat  = "HEARTBEAT"
)

// DefaultICEServers is used when no ICE servers are configured.
var DefaultICEServers = []string{"stun:stun.l.google.com:19302"}

// PeerJSOptions configures the WebRTC data-channel transport.
type PeerJSOptions struct {
	// LocalID is the id registered with the signalling server; a random one is used when empty.
	LocalID           string
	Host              string
	Port              int
	Path              string
	Secure            bool
	Key               string
	ICEServers        []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func (o PeerJSOptions) withDefaults() PeerJSOptions {
	out := o
	if out.LocalID == "" {
		out.LocalID = uuid.NewString()
	}
	if out.Host == "" {
		out.Host = DefaultPeerJSHost
		out.Port = 443
		out.Secure = true
	}
	if out.Port <= 0 {
		out.Port = lo.Ternary(out.Secure, 443, 9000)
	}
	if !strings.HasPrefix(out.Path, "/") {
		out.Path = "/" + out.Path
	}
	if !strings.HasSuffix(out.Path, "/") {
		out.Path += "/"
	}
	if out.Key == "" {
		out.Key = DefaultPeerJSKey
	}
	if len(out.ICEServers) == 0 {
		out.ICEServers = DefaultICEServers
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = DefaultPeerJSHeartbeat
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

// socketURL is the signalling endpoint for this client.
func (o PeerJSOptions) socketURL(token string) string {
	u := url.URL{
		Scheme: lo.Ternary(o.Secure, "wss", "ws"),
		Host:   net.JoinHostPort(o.Host, strconv.Itoa(o.Port)),
		Path:   o.Path + "peerjs",
		RawQuery: url.Values{
			"key":     {o.Key},
			"id":      {o.LocalID},
			"token":   {token},
			"version": {peerJSClientVersion},
		}.Encode(),
	}
	return u.String()
}

type signalMessage struct {
	Type    string          `json:"type"`
	Src     string          `json:"src,omitempty"`
	Dst     string          `json:"dst,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type offerPayload struct {
	SDP           webrtc.SessionDescription `json:"sdp"`
	Type          string                    `json:"type"`
	ConnectionID  string                    `json:"connectionId"`
	Label         string                    `json:"label"`
	Serialization string                    `json:"serialization"`
	Reliable      bool                      `json:"reliable"`
	Browser       string                    `json:"browser,omitempty"`
}

type answerPayload struct {
	SDP          webrtc.SessionDescription `json:"sdp"`
	Type         string                    `json:"type"`
	ConnectionID string                    `json:"connectionId"`
}

type candidatePayload struct {
	Candidate    webrtc.ICECandidateInit `json:"candidate"`
	Type         string                  `json:"type"`
	ConnectionID string                  `json:"connectionId"`
}

type errorPayload struct {
	Msg string `json:"msg"`
}

// PeerJS carries channel frames over WebRTC data channels brokered by a PeerJS
// signalling server. Control frames travel as text messages and chunks as
// binary messages. Channel ids are PeerJS connection ids.
type PeerJS struct {
	options PeerJSOptions
	log     *zap.Logger

	events chan Event
	done   chan struct{}

	emitMu    sync.RWMutex
	destroyed bool

	mu     sync.Mutex
	socket *websocket.Conn
	links  map[string]*peerLink

	writeMu     sync.Mutex
	wg          sync.WaitGroup
	destroyOnce sync.Once
}

// peerLink is one outbound data channel and its peer connection.
type peerLink struct {
	id      string
	peerID  string
	pc      *webrtc.PeerConnection
	channel *webrtc.DataChannel
	open    atomic.Bool

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit

	closeOnce sync.Once
}

// NewPeerJS creates an uninitialized PeerJS transport.
func NewPeerJS(options PeerJSOptions) *PeerJS {
	opts := options.withDefaults()
	return &PeerJS{
		options: opts,
		log:     opts.Logger,
		events:  make(chan Event, eventBufferSize),
		done:    make(chan struct{}),
		links:   make(map[string]*peerLink),
	}
}

// LocalID returns the id this client registers under.
func (t *PeerJS) LocalID() string {
	return t.options.LocalID
}

// Initialize opens the signalling socket; "ready" is emitted once the server confirms the id.
func (t *PeerJS) Initialize(ctx context.Context) error {
	if t.isDestroyed() {
		return ErrDestroyed
	}

	endpoint := t.options.socketURL(uuid.NewString())
	socket, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("connect to signalling server %s: %w", t.options.Host, err)
	}

	t.mu.Lock()
	if t.socket != nil || t.isDestroyed() {
		t.mu.Unlock()
		_ = socket.Close()
		if t.isDestroyed() {
			return ErrDestroyed
		}
		return nil
	}
	t.socket = socket
	t.wg.Add(2)
	t.mu.Unlock()

	t.log.Debug("signalling socket open", zap.String("host", t.options.Host), zap.String("local_id", t.options.LocalID))

	go t.readLoop(socket)
	go t.heartbeatLoop()
	return nil
}

// Connect offers a reliable ordered data channel to peerID. The outcome arrives as events.
func (t *PeerJS) Connect(peerID string) error {
	if t.isDestroyed() {
		return ErrDestroyed
	}
	t.mu.Lock()
	ready := t.socket != nil
	t.mu.Unlock()
	if !ready {
		return ErrNotInitialized
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: t.options.ICEServers}},
	})
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}

	id := "dc_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	ordered := true
	channel, err := pc.CreateDataChannel(id, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		_ = pc.Close()
		return fmt.Errorf("create data channel: %w", err)
	}

	link := &peerLink{id: id, peerID: peerID, pc: pc, channel: channel}
	t.mu.Lock()
	t.links[id] = link
	t.mu.Unlock()

	channel.OnOpen(func() {
		link.open.Store(true)
		t.log.Debug("data channel open", zap.String("peer_id", peerID), zap.String("channel_id", id))
		t.emit(statusEvent(StatusConnected, id))
	})
	channel.OnMessage(func(message webrtc.DataChannelMessage) {
		t.emit(dataEvent(id, tagMessage(message)))
	})
	channel.OnClose(func() {
		go t.dropLink(link)
	})
	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		err := t.signal(signalCandidate, peerID, candidatePayload{
			Candidate:    candidate.ToJSON(),
			Type:         "data",
			ConnectionID: id,
		})
		if err != nil {
			t.log.Debug("send ICE candidate failed", zap.Error(err))
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.log.Debug("peer connection state", zap.String("channel_id", id), zap.String("state", state.String()))
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			go t.dropLink(link)
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.dropLink(link)
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		t.dropLink(link)
		return fmt.Errorf("set local description: %w", err)
	}

	err = t.signal(signalOffer, peerID, offerPayload{
		SDP:           offer,
		Type:          "data",
		ConnectionID:  id,
		Label:         id,
		Serialization: "raw",
		Reliable:      true,
		Browser:       "peerdrop",
	})
	if err != nil {
		t.dropLink(link)
		return fmt.Errorf("send offer to %q: %w", peerID, err)
	}
	return nil
}

// SendTo writes one frame to an open data channel.
func (t *PeerJS) SendTo(channelID string, frame []byte) error {
	t.mu.Lock()
	link := t.links[channelID]
	t.mu.Unlock()
	if link == nil || !link.open.Load() {
		return ErrUnknownChannel
	}
	decoded, err := protocol.DecodeFrame(frame)
	if err != nil {
		return err
	}
	if decoded.Kind == protocol.FrameControl {
		return link.channel.SendText(string(decoded.Body))
	}
	return link.channel.Send(decoded.Body)
}

// tagMessage maps data channel text messages to control frames and binary
// messages to chunk frames.
func tagMessage(message webrtc.DataChannelMessage) []byte {
	if message.IsString {
		return append([]byte{byte(protocol.FrameControl)}, message.Data...)
	}
	return protocol.EncodeBinary(message.Data)
}

// Events returns the ordered event stream. It is closed by Destroy.
func (t *PeerJS) Events() <-chan Event {
	return t.events
}

// Destroy closes every data channel and the signalling socket.
func (t *PeerJS) Destroy() error {
	t.destroyOnce.Do(func() {
		close(t.done)

		t.emitMu.Lock()
		t.destroyed = true
		close(t.events)
		t.emitMu.Unlock()

		t.mu.Lock()
		socket := t.socket
		links := lo.Values(t.links)
		t.mu.Unlock()

		for _, link := range links {
			t.dropLink(link)
		}
		if socket != nil {
			_ = socket.Close()
		}
		t.wg.Wait()
	})
	return nil
}

func (t *PeerJS) readLoop(socket *websocket.Conn) {
	defer t.wg.Done()

	for {
		var message signalMessage
		if err := socket.ReadJSON(&message); err != nil {
			if !t.isDestroyed() {
				t.emit(errorEvent(ErrorServer, fmt.Errorf("signalling socket: %w", err)))
			}
			return
		}
		t.handleSignal(message)
	}
}

func (t *PeerJS) heartbeatLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.options.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := t.signal(signalHeartbeat, "", nil); err != nil {
				t.log.Debug("signalling heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (t *PeerJS) handleSignal(message signalMessage) {
	switch message.Type {
	case signalOpen:
		t.emit(statusEvent(StatusReady, t.options.LocalID))

	case signalIDTaken, signalInvalidKey, signalError:
		t.emit(errorEvent(ErrorServer, rejectionError(message)))

	case signalExpire:
		t.emit(errorEvent(ErrorPeerUnavailable, fmt.Errorf("could not connect to peer %s", message.Src)))

	case signalLeave:
		t.mu.Lock()
		leaving := lo.Filter(lo.Values(t.links), func(link *peerLink, _ int) bool {
			return link.peerID == message.Src
		})
		t.mu.Unlock()
		for _, link := range leaving {
			t.dropLink(link)
		}

	case signalAnswer:
		var answer answerPayload
		if err := json.Unmarshal(message.Payload, &answer); err != nil {
			t.log.Debug("dropping malformed answer", zap.Error(err))
			return
		}
		link := t.link(answer.ConnectionID)
		if link == nil {
			return
		}
		if err := link.setRemote(answer.SDP); err != nil {
			t.emit(errorEvent(ErrorNetwork, fmt.Errorf("apply answer: %w", err)))
		}

	case signalCandidate:
		var candidate candidatePayload
		if err := json.Unmarshal(message.Payload, &candidate); err != nil {
			t.log.Debug("dropping malformed candidate", zap.Error(err))
			return
		}
		if link := t.link(candidate.ConnectionID); link != nil {
			if err := link.addCandidate(candidate.Candidate); err != nil {
				t.log.Debug("add ICE candidate failed", zap.Error(err))
			}
		}

	case signalOffer:
		t.log.Debug("ignoring inbound offer", zap.String("src", message.Src))

	case signalHeartbeat:

	default:
		t.log.Debug("ignoring signalling message", zap.String("type", message.Type))
	}
}

// rejectionError turns a server rejection into an error.
func rejectionError(message signalMessage) error {
	var payload errorPayload
	_ = json.Unmarshal(message.Payload, &payload)
	switch message.Type {
	case signalIDTaken:
		return errors.New("peer id is already taken")
	case signalInvalidKey:
		return errors.New("invalid PeerJS API key")
	}
	if payload.Msg != "" {
		return fmt.Errorf("signalling server error: %s", payload.Msg)
	}
	return errors.New("signalling server error")
}

func (t *PeerJS) signal(kind, dst string, payload any) error {
	message := signalMessage{Type: kind, Dst: dst}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		message.Payload = raw
	}

	t.mu.Lock()
	socket := t.socket
	t.mu.Unlock()
	if socket == nil {
		return ErrNotInitialized
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := socket.SetWriteDeadline(time.Now().Add(signalWriteTimeout)); err != nil {
		return err
	}
	return socket.WriteJSON(message)
}

func (t *PeerJS) link(id string) *peerLink {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.links[id]
}

// dropLink closes a link once and reports the closed channel.
func (t *PeerJS) dropLink(link *peerLink) {
	link.closeOnce.Do(func() {
		t.mu.Lock()
		if t.links[link.id] == link {
			delete(t.links, link.id)
		}
		t.mu.Unlock()

		_ = link.pc.Close()
		if !t.isDestroyed() {
			t.emit(statusEvent(StatusDisconnected, link.id))
		}
	})
}

// emit blocks until the event is queued or the transport is destroyed.
func (t *PeerJS) emit(event Event) {
	t.emitMu.RLock()
	defer t.emitMu.RUnlock()
	if t.destroyed {
		return
	}
	select {
	case t.events <- event:
	case <-t.done:
	}
}

func (t *PeerJS) isDestroyed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (l *peerLink) setRemote(description webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.pc.SetRemoteDescription(description); err != nil {
		return err
	}
	l.remoteSet = true
	for _, candidate := range l.pending {
		if err := l.pc.AddICECandidate(candidate); err != nil {
			return err
		}
	}
	l.pending = nil
	return nil
}

// addCandidate applies a remote candidate, holding it until the answer arrives.
func (l *peerLink) addCandidate(candidate webrtc.ICECandidateInit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.remoteSet {
		l.pending = append(l.pending, candidate)
		return nil
	}
	return l.pc.AddICECandidate(candidate)
}
