package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// DownloadStatusCompleted marks a file that was materialized.
	DownloadStatusCompleted = "completed"
	// DownloadStatusFailed marks a file whose transfer or write failed.
	DownloadStatusFailed = "failed"
)

const (
	// SenderSelf marks messages typed locally.
	SenderSelf = "self"
	// SenderPeer marks messages received from the host.
	SenderPeer = "peer"
)

// Download is the SQLite representation of one received file.
type Download struct {
	FileID            string
	PeerID            string
	Filename          string
	Filesize          int64
	Filetype          string
	StoredPath        string
	Checksum          string
	TransferStatus    string
	TimestampReceived int64
}

// Message is the SQLite representation of one chat line.
type Message struct {
	MessageID string
	PeerID    string
	Sender    string
	Content   string
	Timestamp int64
}

type scanner interface {
	Scan(dest ...any) error
}

func validateDownloadStatus(status string) error {
	switch status {
	case DownloadStatusCompleted, DownloadStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid download status %q", status)
	}
}

func validateSender(sender string) error {
	switch sender {
	case SenderSelf, SenderPeer:
		return nil
	default:
		return fmt.Errorf("invalid sender %q", sender)
	}
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
