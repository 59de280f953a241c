package session

import (
	"errors"
	"time"

	"peerdrop/protocol"
)

var (
	// ErrConnection marks terminal session failures: peer unreachable or handshake timeout.
	ErrConnection = errors.New("session: connection failed")
	// ErrAuth marks a rejected password. It is surfaced only as Snapshot.PasswordError.
	ErrAuth = errors.New("session: password rejected")
	// ErrClosed is returned by Run after Close.
	ErrClosed = errors.New("session: closed")
	// ErrRequestTimeout marks a requested file the host never started.
	ErrRequestTimeout = errors.New("session: file request timed out")
)

// Status is the coarse session state shown to the user.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// Stage tracks handshake progress. It only increases during a successful handshake.
type Stage int

const (
	StageInit Stage = iota
	StageLookup
	StageHandshake
	StageConnected
)

func (s Stage) String() string {
	switch s {
	case StageInit:
		return "init"
	case StageLookup:
		return "lookup"
	case StageHandshake:
		return "handshake"
	case StageConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// TransferStatus is the per-file download status.
type TransferStatus string

const (
	TransferPending     TransferStatus = "pending"
	TransferDownloading TransferStatus = "downloading"
	TransferCompleted   TransferStatus = "completed"
	TransferFailed      TransferStatus = "failed"
)

// DownloadState is the live progress record of one advertised file.
type DownloadState struct {
	Status TransferStatus
	// Progress is a percentage in [0, 100].
	Progress float64
	// Speed is in bytes per second.
	Speed         float64
	TimeRemaining time.Duration
}

// Sender identifies who wrote a chat line.
type Sender string

const (
	SenderSelf Sender = "self"
	SenderPeer Sender = "peer"
)

// TextMessage is one entry of the append-only chat log.
type TextMessage struct {
	ID        string
	Text      string
	Sender    Sender
	Timestamp time.Time
}

// FileEntry pairs an advertised file with its download state.
type FileEntry struct {
	protocol.FileMeta
	State DownloadState
}

// Snapshot is an immutable copy of the session state.
type Snapshot struct {
	Status    Status
	Stage     Stage
	ChannelID string
	LastError error

	Locked        bool
	Verifying     bool
	PasswordError bool

	// Files is the current manifest in advertised order.
	Files []FileEntry
	// States also holds entries for files dropped by a later manifest.
	States map[string]DownloadState

	ActiveFileID  string
	ReceivedBytes int64
	Queue         []string

	Latency    time.Duration
	HasLatency bool

	Messages []TextMessage
	Nudged   bool
}

// File returns the entry for id from the current manifest.
func (s Snapshot) File(id string) (FileEntry, bool) {
	for _, entry := range s.Files {
		if entry.ID == id {
			return entry, true
		}
	}
	return FileEntry{}, false
}
