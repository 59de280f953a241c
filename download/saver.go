// Package download materializes completed transfers onto the local filesystem.
package download

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"peerdrop/protocol"
	"peerdrop/storage"
)

const (
	// MaxNameAttempts bounds the "name (n).ext" search for a free filename.
	MaxNameAttempts = 999

	fallbackName = "download"
)

var linkFile = os.Link

var (
	// ErrMaterialization wraps every failure to persist a received file.
	ErrMaterialization = errors.New("download: materialization failed")
	// ErrNoFreeName is returned when every candidate filename is taken.
	ErrNoFreeName = errors.New("download: no free filename")
)

// Recorder persists download outcomes.
type Recorder interface {
	SaveDownload(download storage.Download) error
}

// Saver writes assembled files into a directory and records the outcome.
type Saver struct {
	dir    string
	peerID string
	store  Recorder
	log    *zap.Logger
}

// NewSaver returns a Saver writing into dir. store may be nil.
func NewSaver(dir, peerID string, store Recorder, logger *zap.Logger) *Saver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Saver{dir: dir, peerID: peerID, store: store, log: logger}
}

// Dir returns the destination directory.
func (s *Saver) Dir() string {
	return s.dir
}

// Materialize writes data under a unique filename derived from the advertised name.
func (s *Saver) Materialize(file protocol.FileMeta, data []byte) error {
	_, err := s.Save(file, data)
	return err
}

// Save is Materialize returning the final path.
func (s *Saver) Save(file protocol.FileMeta, data []byte) (string, error) {
	mime := strings.TrimSpace(file.Type)
	if mime == "" {
		mime = mimetype.Detect(data).String()
	}
	name := withExtension(sanitizeName(file.Name), mime)

	path, err := s.write(name, data)
	if err != nil {
		s.record(file, mime, "", "", storage.DownloadStatusFailed)
		s.log.Warn("save download failed", zap.String("file_id", file.ID), zap.String("name", name), zap.Error(err))
		return "", fmt.Errorf("%w: %s: %v", ErrMaterialization, name, err)
	}

	sum := sha256.Sum256(data)
	s.record(file, mime, path, hex.EncodeToString(sum[:]), storage.DownloadStatusCompleted)
	s.log.Info("download saved",
		zap.String("file_id", file.ID),
		zap.String("path", path),
		zap.Int("bytes", len(data)),
		zap.String("mime", mime),
	)
	return path, nil
}

// Failed records a transfer that ended without data being written.
func (s *Saver) Failed(file protocol.FileMeta, reason error) {
	s.record(file, file.Type, "", "", storage.DownloadStatusFailed)
	s.log.Info("download failed", zap.String("file_id", file.ID), zap.Error(reason))
}

func (s *Saver) write(name string, data []byte) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create download directory: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".peerdrop-*.part")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp file: %w", err)
	}

	// Link fails when the target exists, so an existing file is never replaced.
	for attempt := 0; attempt <= MaxNameAttempts; attempt++ {
		candidate := filepath.Join(s.dir, numberedName(name, attempt))
		err := linkFile(tmpPath, candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrExist) {
			s.log.Debug("hard link unsupported, writing target directly", zap.String("dir", s.dir), zap.Error(err))
			return s.writeExclusive(name, attempt, data)
		}
	}
	return "", ErrNoFreeName
}

// writeExclusive creates the first free candidate from attempt on with O_EXCL
// and writes data into it.
func (s *Saver) writeExclusive(name string, attempt int, data []byte) (string, error) {
	for ; attempt <= MaxNameAttempts; attempt++ {
		candidate := filepath.Join(s.dir, numberedName(name, attempt))
		out, err := os.OpenFile(candidate, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create %q: %w", candidate, err)
		}
		if _, err := out.Write(data); err != nil {
			_ = out.Close()
			_ = os.Remove(candidate)
			return "", fmt.Errorf("write %q: %w", candidate, err)
		}
		if err := out.Close(); err != nil {
			_ = os.Remove(candidate)
			return "", fmt.Errorf("close %q: %w", candidate, err)
		}
		return candidate, nil
	}
	return "", ErrNoFreeName
}

func (s *Saver) record(file protocol.FileMeta, mime, path, checksum, status string) {
	if s.store == nil {
		return
	}
	err := s.store.SaveDownload(storage.Download{
		FileID:         file.ID,
		PeerID:         s.peerID,
		Filename:       fallbackIfEmpty(file.Name),
		Filesize:       file.Size,
		Filetype:       mime,
		StoredPath:     path,
		Checksum:       checksum,
		TransferStatus: status,
	})
	if err != nil {
		s.log.Warn("record download history failed", zap.String("file_id", file.ID), zap.Error(err))
	}
}

// numberedName returns "name.ext" for n == 0 and "name (n).ext" otherwise.
func numberedName(name string, n int) string {
	if n == 0 {
		return name
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if base == "" {
		base, ext = ext, ""
	}
	return fmt.Sprintf("%s (%d)%s", base, n, ext)
}

func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(strings.TrimSpace(name))
	switch name {
	case "", ".", "..", "/":
		return fallbackName
	}
	return name
}

func withExtension(name, mime string) string {
	if filepath.Ext(name) != "" || mime == "" {
		return name
	}
	if detected := mimetype.Lookup(mime); detected != nil {
		return name + detected.Extension()
	}
	return name
}

func fallbackIfEmpty(name string) string {
	if strings.TrimSpace(name) == "" {
		return fallbackName
	}
	return name
}
