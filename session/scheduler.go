package session

import (
	"fmt"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"peerdrop/protocol"
)

// busy reports whether a transfer is active or a request is outstanding.
func (s *Session) busy() bool {
	return s.cursor.Active() || s.requested != ""
}

func (s *Session) startDownload(fileID string) {
	if s.status != StatusConnected {
		s.log.Debug("ignoring download request while not connected", zap.String("file_id", fileID))
		return
	}
	if !s.listed(fileID) {
		s.log.Debug("ignoring download request for unlisted file", zap.String("file_id", fileID))
		return
	}
	if fileID == s.cursor.FileID || fileID == s.requested {
		return
	}

	if s.busy() {
		if !lo.Contains(s.queue, fileID) {
			s.queue = append(s.queue, fileID)
		}
		s.setState(fileID, DownloadState{Status: TransferPending})
		return
	}
	s.setState(fileID, DownloadState{Status: TransferPending})
	s.request(fileID)
}

func (s *Session) downloadAll() {
	if s.status != StatusConnected {
		return
	}
	s.queue = lo.FilterMap(s.files, func(file protocol.FileMeta, _ int) (string, bool) {
		if file.ID == s.cursor.FileID || file.ID == s.requested {
			return "", false
		}
		return file.ID, s.states[file.ID].Status != TransferCompleted
	})
	for _, id := range s.queue {
		s.setState(id, DownloadState{Status: TransferPending})
	}
	if !s.busy() && len(s.queue) > 0 {
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.request(next)
	}
}

// advance takes the next queued id and requests it after QueueDelay. The id is
// reserved immediately so a duplicate user request during the delay is a no-op.
func (s *Session) advance() {
	if len(s.queue) == 0 || s.status != StatusConnected {
		return
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	s.requested = next
	s.requestSent = false
	s.setTimer(&s.queueTimer, s.after(s.options.QueueDelay, func() {
		if s.requested != next || s.requestSent || s.cursor.Active() {
			return
		}
		s.request(next)
	}))
}

// request sends REQUEST_FILE for id and marks it outstanding until the host
// starts it or RequestTimeout passes.
func (s *Session) request(id string) {
	s.requested = id
	s.requestSent = true
	if err := s.send(protocol.RequestFile{Type: protocol.TypeRequestFile, FileID: id}); err != nil {
		s.requested = ""
		s.requestSent = false
		s.setState(id, DownloadState{Status: TransferFailed})
		s.reportError(err)
		s.advance()
		return
	}
	s.log.Debug("requested file", zap.String("file_id", id))
	s.armRequestTimer(id)
}

func (s *Session) armRequestTimer(id string) {
	s.setTimer(&s.requestTimer, s.after(s.options.RequestTimeout, func() {
		s.expireRequest(id)
	}))
}

// expireRequest fails an unanswered request and moves on to the queue. While
// the host is streaming another file the wait starts over.
func (s *Session) expireRequest(id string) {
	if s.requested != id || !s.requestSent {
		return
	}
	if s.cursor.Active() {
		s.armRequestTimer(id)
		return
	}
	s.requested = ""
	s.requestSent = false
	s.log.Warn("host did not start requested file", zap.String("file_id", id), zap.Duration("timeout", s.options.RequestTimeout))
	s.setState(id, DownloadState{Status: TransferFailed})
	s.reportError(fmt.Errorf("%w: %s", ErrRequestTimeout, s.fileMeta(id).Name))
	s.advance()
}

func (s *Session) listed(id string) bool {
	return lo.ContainsBy(s.files, func(file protocol.FileMeta) bool { return file.ID == id })
}

func without(ids []string, id string) []string {
	return lo.Without(ids, id)
}
