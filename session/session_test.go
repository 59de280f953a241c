package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerdrop/transport"
)

func TestNewRequiresPeerTransportAndMaterializer(t *testing.T) {
	_, err := New(Options{Transport: newFakeTransport(), Materializer: newRecordingMaterializer()})
	require.Error(t, err)

	_, err = New(Options{PeerID: "host", Materializer: newRecordingMaterializer()})
	require.Error(t, err)

	_, err = New(Options{PeerID: "host", Transport: newFakeTransport()})
	require.Error(t, err)
}

func TestHandshakeAdvancesStages(t *testing.T) {
	h := newHarness(t)

	h.s.begin()
	h.s.publish()
	snap := h.snapshot()
	assert.Equal(t, StatusConnecting, snap.Status)
	assert.Equal(t, StageInit, snap.Stage)

	h.event(transport.Event{Kind: transport.EventStatus, Status: transport.StatusReady, ConnectionID: "me"})
	snap = h.snapshot()
	assert.Equal(t, StageHandshake, snap.Stage)
	assert.Equal(t, StatusConnecting, snap.Status)
	assert.Equal(t, []string{"host-1"}, h.tr.connects)

	h.event(transport.Event{Kind: transport.EventStatus, Status: transport.StatusConnected, ConnectionID: testChannel})
	snap = h.snapshot()
	assert.Equal(t, StatusConnected, snap.Status)
	assert.Equal(t, StageConnected, snap.Stage)
	assert.Equal(t, testChannel, snap.ChannelID)
	assert.NoError(t, snap.LastError)
}

func TestReadyTwiceConnectsOnce(t *testing.T) {
	h := newHarness(t)
	h.s.begin()
	ready := transport.Event{Kind: transport.EventStatus, Status: transport.StatusReady}
	h.event(ready)
	h.event(ready)
	assert.Len(t, h.tr.connects, 1)
}

func TestConnectErrorTerminates(t *testing.T) {
	h := newHarness(t)
	h.tr.connectErr = errors.New("boom")
	h.s.begin()
	h.event(transport.Event{Kind: transport.EventStatus, Status: transport.StatusReady})

	snap := h.snapshot()
	assert.Equal(t, StatusDisconnected, snap.Status)
	assert.ErrorIs(t, snap.LastError, ErrConnection)
}

func TestConnectTimeoutDisconnects(t *testing.T) {
	h := newHarness(t)
	h.s.begin()
	h.event(transport.Event{Kind: transport.EventStatus, Status: transport.StatusReady})

	h.advance(DefaultConnectTimeout - time.Millisecond)
	assert.Equal(t, StatusConnecting, h.snapshot().Status)

	h.advance(time.Millisecond)
	snap := h.snapshot()
	assert.Equal(t, StatusDisconnected, snap.Status)
	assert.ErrorIs(t, snap.LastError, ErrConnection)
}

func TestConnectTimeoutCancelledByConnection(t *testing.T) {
	h := newHarness(t)
	h.connect()

	h.advance(DefaultConnectTimeout + time.Second)
	assert.Equal(t, StatusConnected, h.snapshot().Status)
}

func TestPeerUnavailableDisconnectsImmediately(t *testing.T) {
	h := newHarness(t)
	h.s.begin()
	h.event(transport.Event{Kind: transport.EventStatus, Status: transport.StatusReady})
	h.event(transport.Event{Kind: transport.EventError, ErrorType: transport.ErrorPeerUnavailable, Err: errors.New("no such peer")})

	snap := h.snapshot()
	assert.Equal(t, StatusDisconnected, snap.Status)
	assert.ErrorIs(t, snap.LastError, ErrConnection)
}

func TestNetworkErrorIsReportedButNotTerminal(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.event(transport.Event{Kind: transport.EventError, ErrorType: transport.ErrorNetwork, Err: errors.New("flaky")})

	assert.Equal(t, StatusConnected, h.snapshot().Status)
	select {
	case err := <-h.s.Errors():
		assert.EqualError(t, err, "flaky")
	default:
		t.Fatal("expected error to be reported")
	}
}

func TestDisconnectIsTerminal(t *testing.T) {
	h := newHarness(t)
	h.connect()

	h.event(transport.Event{Kind: transport.EventStatus, Status: transport.StatusDisconnected, ConnectionID: "other"})
	assert.Equal(t, StatusConnected, h.snapshot().Status, "close of an untracked channel is ignored")

	h.event(transport.Event{Kind: transport.EventStatus, Status: transport.StatusDisconnected, ConnectionID: testChannel})
	assert.Equal(t, StatusDisconnected, h.snapshot().Status)

	h.event(transport.Event{Kind: transport.EventStatus, Status: transport.StatusConnected, ConnectionID: "chan-2"})
	snap := h.snapshot()
	assert.Equal(t, StatusDisconnected, snap.Status)
	assert.Equal(t, testChannel, snap.ChannelID)
}

func TestDisconnectFailsActiveTransferAndClearsQueue(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.manifest(file("a", 10), file("b", 10))
	h.s.DownloadAll()
	h.s.drain()
	h.startFile("a", 10)
	h.chunk([]byte("12345"))

	h.event(transport.Event{Kind: transport.EventStatus, Status: transport.StatusDisconnected, ConnectionID: testChannel})

	snap := h.snapshot()
	assert.Equal(t, TransferFailed, snap.States["a"].Status)
	assert.Empty(t, snap.ActiveFileID)
	assert.Empty(t, snap.Queue)
	assert.Equal(t, []string{"a"}, h.mat.failed)
	assert.Zero(t, h.mat.calls)
}

func TestHeartbeatSendsPingOnInterval(t *testing.T) {
	h := newHarness(t)
	h.connect()

	h.advance(DefaultHeartbeatInterval)
	controls := h.tr.controls(t)
	require.Len(t, controls, 1)
	assert.Equal(t, "PING", controls[0]["type"])
	assert.EqualValues(t, h.clock.Now().UnixMilli(), controls[0]["ts"])

	h.advance(DefaultHeartbeatInterval)
	assert.Equal(t, []string{"PING", "PING"}, h.tr.sentTypes(t))
}

func TestHeartbeatStopsAfterDisconnect(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.event(transport.Event{Kind: transport.EventStatus, Status: transport.StatusDisconnected, ConnectionID: testChannel})

	h.advance(3 * DefaultHeartbeatInterval)
	assert.Empty(t, h.tr.sentTypes(t))
}

func TestDataFromUntrackedChannelIsDropped(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.manifest(file("a", 10))

	frame := []byte{0x00}
	frame = append(frame, []byte(`{"type":"MANIFEST","files":[{"id":"x","name":"x","size":1}]}`)...)
	h.event(transport.Event{Kind: transport.EventData, ConnectionID: "intruder", Data: frame})

	snap := h.snapshot()
	require.Len(t, snap.Files, 1)
	assert.Equal(t, "a", snap.Files[0].ID)
}

func TestMalformedFramesAreIgnored(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.manifest(file("a", 10))
	before := h.snapshot()

	for _, data := range [][]byte{
		nil,
		{0x07, 'x'},
		append([]byte{0x00}, []byte(`not json`)...),
		append([]byte{0x00}, []byte(`{"ts":1}`)...),
		append([]byte{0x00}, []byte(`{"type":"SOMETHING_NEW"}`)...),
		append([]byte{0x00}, []byte(`{"type":"START_FILE","id":5}`)...),
	} {
		h.event(transport.Event{Kind: transport.EventData, ConnectionID: testChannel, Data: data})
	}

	after := h.snapshot()
	assert.Equal(t, before.States, after.States)
	assert.Equal(t, StatusConnected, after.Status)
	assert.Empty(t, after.ActiveFileID)
}

func TestCloseStopsTimersAndDestroysTransport(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.s.Close()

	assert.True(t, h.tr.isDestroyed())
	select {
	case <-h.s.Done():
	default:
		t.Fatal("Done should be closed")
	}

	h.advance(10 * DefaultHeartbeatInterval)
	assert.Empty(t, h.tr.sentTypes(t))

	h.s.StartDownload("a")
	h.s.SendText("hello")
	h.control(map[string]any{"type": "TEXT", "text": "late"})
	h.s.drain()
	assert.Empty(t, h.snapshot().Messages)

	h.s.Close()
}

func TestFinalizeAfterCloseIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.manifest(file("a", 4))
	h.mat.hook = h.s.Close
	h.startFile("a", 4)
	h.chunk([]byte("abcd"))

	assert.Equal(t, 1, h.mat.calls)
	assert.Equal(t, TransferDownloading, h.state("a").Status)
}

func TestRunProcessesTransportEvents(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	result := make(chan error, 1)
	go func() { result <- h.s.Run(ctx) }()

	h.tr.events <- transport.Event{Kind: transport.EventStatus, Status: transport.StatusReady}
	h.tr.events <- transport.Event{Kind: transport.EventStatus, Status: transport.StatusConnected, ConnectionID: testChannel}
	require.Eventually(t, func() bool {
		return h.snapshot().Status == StatusConnected
	}, time.Second, 5*time.Millisecond)

	h.s.SendNudge()
	require.Eventually(t, func() bool {
		types := h.tr.sentTypes(t)
		return len(types) == 1 && types[0] == "NUDGE"
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-result:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.True(t, h.tr.isDestroyed())
	assert.Error(t, h.s.Run(context.Background()), "second Run is rejected")
}

func TestRunInitializeFailureDisconnects(t *testing.T) {
	h := newHarness(t)
	h.tr.initErr = errors.New("signalling server down")

	err := h.s.Run(context.Background())
	require.Error(t, err)

	snap := h.snapshot()
	assert.Equal(t, StatusDisconnected, snap.Status)
	assert.ErrorIs(t, snap.LastError, ErrConnection)
	assert.True(t, h.tr.isDestroyed())
}

func TestRunTerminatesWhenEventsClose(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = h.s.Run(ctx) }()
	h.tr.events <- transport.Event{Kind: transport.EventStatus, Status: transport.StatusReady}
	h.tr.events <- transport.Event{Kind: transport.EventStatus, Status: transport.StatusConnected, ConnectionID: testChannel}
	require.Eventually(t, func() bool {
		return h.snapshot().Status == StatusConnected
	}, time.Second, 5*time.Millisecond)

	close(h.tr.events)
	h.tr.destroy.Do(func() {})
	require.Eventually(t, func() bool {
		return h.snapshot().Status == StatusDisconnected
	}, time.Second, 5*time.Millisecond)
}
