package session

import (
	"go.uber.org/zap"

	"peerdrop/protocol"
)

// handleManifest applies a host manifest. A locked manifest without a file
// list only raises the gate; any file list replaces the registry wholesale.
func (s *Session) handleManifest(manifest protocol.Manifest) {
	if manifest.Locked && manifest.Files == nil {
		s.locked = true
		s.log.Info("host manifest is password protected")
		return
	}

	s.locked = false
	s.files = protocol.ValidFiles(manifest.Files)
	for _, file := range s.files {
		if _, ok := s.states[file.ID]; !ok {
			s.states[file.ID] = DownloadState{Status: TransferPending}
		}
	}
	if dropped := len(manifest.Files) - len(s.files); dropped > 0 {
		s.log.Debug("dropped invalid manifest entries", zap.Int("count", dropped))
	}
	s.log.Info("manifest received", zap.Int("files", len(s.files)))
}

// fileMeta returns the advertised metadata for id, or a placeholder named after the id.
func (s *Session) fileMeta(id string) protocol.FileMeta {
	for _, file := range s.files {
		if file.ID == id {
			return file
		}
	}
	return protocol.FileMeta{ID: id, Name: id}
}

func (s *Session) setState(id string, state DownloadState) {
	s.states[id] = state
}
