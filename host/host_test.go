package host

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerdrop/download"
	"peerdrop/identity"
	"peerdrop/protocol"
	"peerdrop/session"
	"peerdrop/transport"
)

const waitFor = 10 * time.Second

func writeTestFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	_, err := rand.Read(data)
	require.NoError(t, err)
	return data
}

func startHost(t *testing.T, listen func(string, Options) (*Host, error), options Options) *Host {
	t.Helper()
	h, err := listen("127.0.0.1:0", options)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

type sessionHooks struct {
	messages chan session.TextMessage
	nudges   chan struct{}
}

func startSession(t *testing.T, tr transport.Transport, peerID string) (*session.Session, string, sessionHooks) {
	t.Helper()
	dir := t.TempDir()
	hooks := sessionHooks{
		messages: make(chan session.TextMessage, 8),
		nudges:   make(chan struct{}, 8),
	}
	s, err := session.New(session.Options{
		PeerID:       peerID,
		Transport:    tr,
		Materializer: download.NewSaver(dir, peerID, nil, nil),
		OnMessage:    func(m session.TextMessage) { hooks.messages <- m },
		Haptics:      func() { hooks.nudges <- struct{}{} },
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s, dir, hooks
}

func waitSnapshot(t *testing.T, s *session.Session, cond func(session.Snapshot) bool) session.Snapshot {
	t.Helper()
	require.Eventually(t, func() bool { return cond(s.Snapshot()) }, waitFor, 10*time.Millisecond)
	return s.Snapshot()
}

func allCompleted(snap session.Snapshot) bool {
	if len(snap.Files) == 0 {
		return false
	}
	for _, entry := range snap.Files {
		if entry.State.Status != session.TransferCompleted {
			return false
		}
	}
	return true
}

func TestSessionDownloadsEverythingOverTCP(t *testing.T) {
	src := t.TempDir()
	notes := []byte("shopping list\nmilk\neggs\n")
	blob := randomBytes(t, 3*DefaultChunkSize+123)
	files, err := FilesFromPaths([]string{
		writeTestFile(t, src, "notes.txt", notes),
		writeTestFile(t, src, "blob.bin", blob),
		writeTestFile(t, src, "empty.dat", nil),
	})
	require.NoError(t, err)

	h := startHost(t, ListenTCP, Options{Files: files})
	s, dir, _ := startSession(t, transport.NewTCP(nil, transport.StreamOptions{}), h.Addr().String())

	snap := waitSnapshot(t, s, func(snap session.Snapshot) bool {
		return snap.Status == session.StatusConnected && len(snap.Files) == 3
	})
	assert.False(t, snap.Locked)
	assert.Equal(t, "notes.txt", snap.Files[0].Name)

	s.DownloadAll()
	waitSnapshot(t, s, allCompleted)

	for name, want := range map[string][]byte{"notes.txt": notes, "blob.bin": blob, "empty.dat": {}} {
		got, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err, name)
		assert.True(t, bytes.Equal(want, got), "content of %s", name)
	}
}

func TestSessionUnlocksPasswordProtectedShare(t *testing.T) {
	src := t.TempDir()
	files, err := FilesFromPaths([]string{writeTestFile(t, src, "secret.txt", []byte("classified"))})
	require.NoError(t, err)

	h := startHost(t, ListenTCP, Options{Files: files, Password: "hunter2"})
	require.True(t, h.Locked())
	s, dir, _ := startSession(t, transport.NewTCP(nil, transport.StreamOptions{}), h.Addr().String())

	snap := waitSnapshot(t, s, func(snap session.Snapshot) bool { return snap.Locked })
	assert.Empty(t, snap.Files)

	s.VerifyPassword("wrong")
	snap = waitSnapshot(t, s, func(snap session.Snapshot) bool { return snap.PasswordError })
	assert.True(t, snap.Locked)
	assert.False(t, snap.Verifying)

	s.VerifyPassword("hunter2")
	snap = waitSnapshot(t, s, func(snap session.Snapshot) bool { return !snap.Locked && len(snap.Files) == 1 })
	assert.False(t, snap.PasswordError)

	s.StartDownload(files[0].ID)
	waitSnapshot(t, s, allCompleted)
	got, err := os.ReadFile(filepath.Join(dir, "secret.txt"))
	require.NoError(t, err)
	assert.Equal(t, "classified", string(got))
}

func TestChatAndNudgeBothWays(t *testing.T) {
	src := t.TempDir()
	files, err := FilesFromPaths([]string{writeTestFile(t, src, "a.txt", []byte("a"))})
	require.NoError(t, err)

	texts := make(chan string, 4)
	nudges := make(chan string, 4)
	h := startHost(t, ListenTCP, Options{
		Files:   files,
		OnText:  func(_ string, text string) { texts <- text },
		OnNudge: func(connID string) { nudges <- connID },
	})
	s, _, hooks := startSession(t, transport.NewTCP(nil, transport.StreamOptions{}), h.Addr().String())
	waitSnapshot(t, s, func(snap session.Snapshot) bool { return len(snap.Files) == 1 })

	s.SendText("hello host")
	select {
	case text := <-texts:
		assert.Equal(t, "hello host", text)
	case <-time.After(waitFor):
		t.Fatal("host never received text")
	}

	s.SendNudge()
	select {
	case <-nudges:
	case <-time.After(waitFor):
		t.Fatal("host never received nudge")
	}

	assert.Equal(t, 1, h.BroadcastText("hello receiver"))
	select {
	case m := <-hooks.messages:
		if m.Sender == session.SenderSelf {
			m = <-hooks.messages
		}
		assert.Equal(t, "hello receiver", m.Text)
		assert.Equal(t, session.SenderPeer, m.Sender)
	case <-time.After(waitFor):
		t.Fatal("receiver never got text")
	}

	assert.Equal(t, 1, h.BroadcastNudge())
	select {
	case <-hooks.nudges:
	case <-time.After(waitFor):
		t.Fatal("receiver never got nudge")
	}
}

func TestSessionDownloadsOverQUIC(t *testing.T) {
	src := t.TempDir()
	data := randomBytes(t, 2*DefaultChunkSize+7)
	files, err := FilesFromPaths([]string{writeTestFile(t, src, "photo.raw", data)})
	require.NoError(t, err)

	id, err := identity.LoadOrCreate(t.TempDir())
	require.NoError(t, err)

	h := startHost(t, ListenQUIC, Options{Files: files, Key: id.Key})
	assert.Equal(t, KindQUIC, h.Kind())
	pinned := transport.StreamOptions{PinnedFingerprint: identity.Format(id.Fingerprint())}
	s, dir, _ := startSession(t, transport.NewQUIC(nil, pinned), h.Addr().String())

	waitSnapshot(t, s, func(snap session.Snapshot) bool { return len(snap.Files) == 1 })
	s.StartDownload(files[0].ID)
	waitSnapshot(t, s, allCompleted)

	got, err := os.ReadFile(filepath.Join(dir, "photo.raw"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestQUICRejectsUnpinnedHost(t *testing.T) {
	src := t.TempDir()
	files, err := FilesFromPaths([]string{writeTestFile(t, src, "a.txt", []byte("a"))})
	require.NoError(t, err)
	h := startHost(t, ListenQUIC, Options{Files: files})

	other, err := identity.LoadOrCreate(t.TempDir())
	require.NoError(t, err)
	tr := transport.NewQUIC(nil, transport.StreamOptions{PinnedFingerprint: other.Fingerprint()})
	defer tr.Destroy()

	require.NoError(t, tr.Initialize(context.Background()))
	require.NoError(t, tr.Connect(h.Addr().String()))

	deadline := time.After(waitFor)
	for {
		select {
		case event := <-tr.Events():
			require.NotEqual(t, transport.StatusConnected, event.Status)
			if event.Kind == transport.EventError {
				assert.Error(t, event.Err)
				return
			}
		case <-deadline:
			t.Fatal("dial to an unpinned host did not fail")
		}
	}
}

func readControl(t *testing.T, conn net.Conn) map[string]any {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(waitFor)); err != nil {
		t.Fatalf("SetReadDeadline failed: %v", err)
	}
	payload, err := protocol.ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	frame, err := protocol.DecodeFrame(payload)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if frame.Kind != protocol.FrameControl {
		t.Fatalf("expected control frame, got %s", frame.Kind)
	}
	var message map[string]any
	if err := json.Unmarshal(frame.Body, &message); err != nil {
		t.Fatalf("decode control message: %v", err)
	}
	return message
}

func writeControl(t *testing.T, conn net.Conn, message any) {
	t.Helper()
	frame, err := protocol.EncodeControl(message)
	if err != nil {
		t.Fatalf("EncodeControl failed: %v", err)
	}
	if err := protocol.WriteFrame(conn, frame); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
}

func TestLockedHostIgnoresFileRequestsAndAnswersPing(t *testing.T) {
	src := t.TempDir()
	files, err := FilesFromPaths([]string{writeTestFile(t, src, "a.txt", []byte("a"))})
	if err != nil {
		t.Fatalf("FilesFromPaths failed: %v", err)
	}
	h := startHost(t, ListenTCP, Options{Files: files, Password: "pw"})

	conn, err := net.Dial("tcp", h.Addr().String())
	if err != nil {
		t.Fatalf("dial host: %v", err)
	}
	defer conn.Close()

	manifest := readControl(t, conn)
	if manifest["type"] != protocol.TypeManifest || manifest["locked"] != true {
		t.Fatalf("expected locked manifest, got %v", manifest)
	}
	if _, ok := manifest["files"]; ok {
		t.Fatalf("locked manifest must not list files: %v", manifest)
	}

	writeControl(t, conn, protocol.RequestFile{Type: protocol.TypeRequestFile, FileID: files[0].ID})
	writeControl(t, conn, protocol.Ping{Type: protocol.TypePing, TS: 1000})

	pong := readControl(t, conn)
	if pong["type"] != protocol.TypePong || pong["ts"] != float64(1000) {
		t.Fatalf("expected PONG{ts:1000}, got %v", pong)
	}

	writeControl(t, conn, protocol.VerifyPassword{Type: protocol.TypeVerifyPassword, Password: "pw"})
	if reply := readControl(t, conn); reply["type"] != protocol.TypePasswordCorrect {
		t.Fatalf("expected PASSWORD_CORRECT, got %v", reply)
	}
	unlocked := readControl(t, conn)
	if unlocked["type"] != protocol.TypeManifest || unlocked["locked"] != nil {
		t.Fatalf("expected unlocked manifest, got %v", unlocked)
	}
	if listed, _ := unlocked["files"].([]any); len(listed) != 1 {
		t.Fatalf("expected one listed file, got %v", unlocked["files"])
	}
}

func TestListenRequiresFiles(t *testing.T) {
	if _, err := ListenTCP("127.0.0.1:0", Options{}); !errors.Is(err, ErrNoFiles) {
		t.Fatalf("expected ErrNoFiles, got %v", err)
	}
}

func TestFilesFromPaths(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "readme.md", []byte("# hello\n"))

	files, err := FilesFromPaths([]string{path})
	if err != nil {
		t.Fatalf("FilesFromPaths failed: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected 1 file, got %d", len(files))
	}
	got := files[0]
	if got.Name != "readme.md" || got.Size != 8 || got.Path != path {
		t.Fatalf("unexpected entry: %+v", got)
	}
	if got.ID == "" {
		t.Fatalf("expected generated id")
	}
	if got.Type == "" {
		t.Fatalf("expected detected MIME type")
	}

	if _, err := FilesFromPaths([]string{dir}); err == nil {
		t.Fatalf("expected directory to be rejected")
	}
	if _, err := FilesFromPaths([]string{filepath.Join(dir, "missing")}); err == nil {
		t.Fatalf("expected missing file to be rejected")
	}
}

func TestCloseDisconnectsReceivers(t *testing.T) {
	src := t.TempDir()
	files, err := FilesFromPaths([]string{writeTestFile(t, src, "a.txt", []byte("a"))})
	require.NoError(t, err)

	h, err := ListenTCP("127.0.0.1:0", Options{Files: files})
	require.NoError(t, err)
	s, _, _ := startSession(t, transport.NewTCP(nil, transport.StreamOptions{}), h.Addr().String())
	waitSnapshot(t, s, func(snap session.Snapshot) bool { return len(snap.Files) == 1 })
	require.Equal(t, 1, h.Connections())

	require.NoError(t, h.Close())
	snap := waitSnapshot(t, s, func(snap session.Snapshot) bool { return snap.Status == session.StatusDisconnected })
	assert.ErrorIs(t, snap.LastError, session.ErrConnection)
	assert.Zero(t, h.Connections())
}
