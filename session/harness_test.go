package session

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"peerdrop/protocol"
	"peerdrop/transport"
)

const testChannel = "chan-1"

type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward, firing due timers in deadline order.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		due := make([]*manualTimer, 0)
		for _, t := range c.timers {
			if !t.stopped && !t.fired && !t.at.After(target) {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			break
		}
		sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
		next := due[0]
		next.fired = true
		if next.at.After(c.now) {
			c.now = next.at
		}
		c.mu.Unlock()
		next.f()
		c.mu.Lock()
	}
	c.now = target
	c.mu.Unlock()
}

type sentFrame struct {
	channel string
	frame   []byte
}

type fakeTransport struct {
	mu         sync.Mutex
	events     chan transport.Event
	sent       []sentFrame
	connects   []string
	initErr    error
	connectErr error
	sendErr    error
	destroyed  bool
	destroy    sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan transport.Event, 64)}
}

func (f *fakeTransport) Initialize(ctx context.Context) error {
	if f.initErr != nil {
		return f.initErr
	}
	return ctx.Err()
}

func (f *fakeTransport) Connect(peerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, peerID)
	return f.connectErr
}

func (f *fakeTransport) SendTo(channelID string, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentFrame{channel: channelID, frame: append([]byte(nil), frame...)})
	return nil
}

func (f *fakeTransport) Events() <-chan transport.Event {
	return f.events
}

func (f *fakeTransport) Destroy() error {
	f.destroy.Do(func() {
		f.mu.Lock()
		f.destroyed = true
		f.mu.Unlock()
		close(f.events)
	})
	return nil
}

func (f *fakeTransport) isDestroyed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

// controls decodes every control frame sent so far.
func (f *fakeTransport) controls(t *testing.T) []map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.sent))
	for _, sent := range f.sent {
		frame, err := protocol.DecodeFrame(sent.frame)
		require.NoError(t, err)
		require.Equal(t, protocol.FrameControl, frame.Kind)
		var message map[string]any
		require.NoError(t, json.Unmarshal(frame.Body, &message))
		out = append(out, message)
	}
	return out
}

func (f *fakeTransport) sentTypes(t *testing.T) []string {
	t.Helper()
	types := make([]string, 0)
	for _, message := range f.controls(t) {
		types = append(types, message["type"].(string))
	}
	return types
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}

type recordingMaterializer struct {
	mu     sync.Mutex
	saved  map[string][]byte
	calls  int
	failed []string
	err    error
	hook   func()
}

func newRecordingMaterializer() *recordingMaterializer {
	return &recordingMaterializer{saved: make(map[string][]byte)}
}

func (m *recordingMaterializer) Materialize(file protocol.FileMeta, data []byte) error {
	m.mu.Lock()
	m.calls++
	hook := m.hook
	err := m.err
	if err == nil {
		m.saved[file.ID] = append([]byte(nil), data...)
	}
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (m *recordingMaterializer) Failed(file protocol.FileMeta, reason error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed = append(m.failed, file.ID)
}

type harness struct {
	t     *testing.T
	s     *Session
	tr    *fakeTransport
	clock *manualClock
	mat   *recordingMaterializer
}

func newHarness(t *testing.T, configure ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		tr:    newFakeTransport(),
		clock: newManualClock(),
		mat:   newRecordingMaterializer(),
	}
	options := Options{
		PeerID:       "host-1",
		Transport:    h.tr,
		Materializer: h.mat,
		Clock:        h.clock,
	}
	for _, fn := range configure {
		fn(&options)
	}
	s, err := New(options)
	require.NoError(t, err)
	h.s = s
	t.Cleanup(s.Close)
	return h
}

// connect walks the handshake up to an open channel.
func (h *harness) connect() {
	h.s.begin()
	h.event(readyEvent())
	h.event(connectedEvent())
}

func readyEvent() transport.Event {
	return transport.Event{Kind: transport.EventStatus, Status: transport.StatusReady, ConnectionID: "me"}
}

func connectedEvent() transport.Event {
	return transport.Event{Kind: transport.EventStatus, Status: transport.StatusConnected, ConnectionID: testChannel}
}

func (h *harness) event(event transport.Event) {
	h.s.exec(func() { h.s.handleEvent(event) })
}

func (h *harness) control(message any) {
	h.t.Helper()
	frame, err := protocol.EncodeControl(message)
	require.NoError(h.t, err)
	h.event(transport.Event{Kind: transport.EventData, ConnectionID: testChannel, Data: frame})
}

func (h *harness) chunk(data []byte) {
	h.event(transport.Event{Kind: transport.EventData, ConnectionID: testChannel, Data: protocol.EncodeBinary(data)})
}

func (h *harness) manifest(files ...protocol.FileMeta) {
	h.control(protocol.Manifest{Type: protocol.TypeManifest, Files: files})
}

func (h *harness) startFile(id string, size int64) {
	h.control(protocol.StartFile{Type: protocol.TypeStartFile, ID: id, Size: protocol.Int64(size)})
}

// advance moves the clock and runs the callbacks it posted.
func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.s.drain()
}

// step advances in small increments so repeating timers re-arm between ticks.
func (h *harness) step(total, increment time.Duration) {
	for elapsed := time.Duration(0); elapsed < total; elapsed += increment {
		h.advance(increment)
	}
}

func (h *harness) snapshot() Snapshot {
	return h.s.Snapshot()
}

func (h *harness) state(id string) DownloadState {
	return h.snapshot().States[id]
}

func file(id string, size int64) protocol.FileMeta {
	return protocol.FileMeta{ID: id, Name: id + ".bin", Size: size, Type: "application/octet-stream"}
}

func countDownloading(snap Snapshot) int {
	n := 0
	for _, state := range snap.States {
		if state.Status == TransferDownloading {
			n++
		}
	}
	return n
}
