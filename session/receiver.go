package session

import (
	"bytes"
	"fmt"
	"time"

	"go.uber.org/zap"

	"peerdrop/protocol"
)

// unknownSize marks a transfer whose START_FILE carried no size.
const unknownSize = -1

// TransferCursor is the state of the single in-flight transfer. The zero
// value is the idle cursor.
type TransferCursor struct {
	FileID   string
	Received int64
	// Expected is the announced size, or -1 when the sender did not announce one.
	Expected int64
	Chunks   [][]byte

	LastTickBytes int64
	LastTickTime  time.Time
}

// StartCursor opens a cursor for id.
func StartCursor(id string, size *int64, now time.Time) TransferCursor {
	expected := int64(unknownSize)
	if size != nil && *size >= 0 {
		expected = *size
	}
	return TransferCursor{FileID: id, Expected: expected, LastTickTime: now}
}

// Active reports whether a transfer is in flight.
func (c TransferCursor) Active() bool {
	return c.FileID != ""
}

// Append returns the cursor with chunk added.
func (c TransferCursor) Append(chunk []byte) TransferCursor {
	c.Chunks = append(c.Chunks, chunk)
	c.Received += int64(len(chunk))
	return c
}

// Complete reports whether the announced size has been reached.
func (c TransferCursor) Complete() bool {
	return c.Expected > 0 && c.Received >= c.Expected
}

// Bytes concatenates the chunks in arrival order.
func (c TransferCursor) Bytes() []byte {
	return bytes.Join(c.Chunks, nil)
}

func (s *Session) startFile(start protocol.StartFile) {
	if start.ID == "" {
		s.log.Debug("dropping START_FILE without id")
		return
	}

	if s.cursor.Active() && s.cursor.FileID != start.ID {
		s.log.Warn("START_FILE while another transfer is active, abandoning it",
			zap.String("active_file_id", s.cursor.FileID),
			zap.String("file_id", start.ID),
		)
		s.failTransfer(s.cursor.FileID, fmt.Errorf("superseded by %s", start.ID))
	}
	if s.requested != "" && s.requested != start.ID && !s.requestSent {
		// The host started something else before our delayed request went out.
		s.queue = append([]string{s.requested}, without(s.queue, s.requested)...)
		s.setTimer(&s.queueTimer, nil)
		s.requested = ""
	}
	if s.requested == start.ID {
		s.requested = ""
		s.setTimer(&s.requestTimer, nil)
	}
	s.queue = without(s.queue, start.ID)

	s.cursor = StartCursor(start.ID, start.Size, s.clock.Now())
	s.setState(start.ID, DownloadState{Status: TransferDownloading})
	s.log.Debug("transfer started", zap.String("file_id", start.ID), zap.Int64("size", s.cursor.Expected))

	if s.cursor.Expected == 0 {
		s.finalize(start.ID)
	}
}

func (s *Session) receiveChunk(chunk []byte) {
	if !s.cursor.Active() {
		s.log.Debug("dropping chunk with no active transfer", zap.Int("bytes", len(chunk)))
		return
	}
	s.cursor = s.cursor.Append(chunk)
	if s.cursor.Complete() {
		s.finalize(s.cursor.FileID)
	}
}

func (s *Session) endFile(fileID string) {
	if !s.cursor.Active() || s.cursor.FileID != fileID {
		return
	}
	s.finalize(fileID)
}

// finalize materializes the active transfer exactly once, then advances the queue.
func (s *Session) finalize(fileID string) {
	if s.closed.Load() || !s.cursor.Active() || s.cursor.FileID != fileID {
		return
	}
	cursor := s.cursor
	s.cursor = TransferCursor{}
	if s.requested == fileID {
		s.requested = ""
		s.setTimer(&s.requestTimer, nil)
	}

	meta := s.fileMeta(fileID)
	err := s.materializer.Materialize(meta, cursor.Bytes())
	if s.closed.Load() {
		return
	}

	if err != nil {
		previous := s.states[fileID]
		s.setState(fileID, DownloadState{Status: TransferFailed, Progress: previous.Progress})
		s.log.Warn("save failed", zap.String("file_id", fileID), zap.Error(err))
		s.reportError(fmt.Errorf("save %s: %w", meta.Name, err))
	} else {
		s.setState(fileID, DownloadState{Status: TransferCompleted, Progress: 100})
		s.log.Info("transfer completed", zap.String("file_id", fileID), zap.Int64("bytes", cursor.Received))
	}

	if s.requested == "" {
		s.advance()
	}
}

// failTransfer marks id failed without materializing anything.
func (s *Session) failTransfer(id string, reason error) {
	previous := s.states[id]
	s.setState(id, DownloadState{Status: TransferFailed, Progress: previous.Progress})
	if recorder, ok := s.materializer.(failureRecorder); ok {
		recorder.Failed(s.fileMeta(id), reason)
	}
}

// sample updates progress, speed and ETA for the active transfer. Speed and
// ETA are only recomputed once SpeedWindow has elapsed and are never reset to
// zero by a short or idle tick.
func (s *Session) sample() {
	if !s.cursor.Active() {
		return
	}
	c := s.cursor
	state := s.states[c.FileID]

	size := c.Expected
	if size <= 0 {
		size = s.fileMeta(c.FileID).Size
	}
	if size > 0 {
		state.Progress = min(100, float64(c.Received)/float64(size)*100)
	}

	now := s.clock.Now()
	elapsed := now.Sub(c.LastTickTime)
	if elapsed >= s.options.SpeedWindow {
		speed := float64(c.Received-c.LastTickBytes) / elapsed.Seconds()
		if speed > 0 {
			state.Speed = speed
			if size > 0 {
				remaining := float64(max(0, size-c.Received)) / speed
				state.TimeRemaining = time.Duration(remaining * float64(time.Second))
			}
		}
		c.LastTickBytes = c.Received
		c.LastTickTime = now
	}

	s.cursor = c
	s.setState(c.FileID, state)
}
