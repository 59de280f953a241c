package session

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"peerdrop/protocol"
	"peerdrop/transport"
)

// begin enters the connecting state and arms the handshake deadline.
func (s *Session) begin() {
	s.status = StatusConnecting
	s.stage = StageInit
	s.setTimer(&s.connectTimer, s.after(s.options.ConnectTimeout, s.connectTimedOut))
}

func (s *Session) handleEvent(event transport.Event) {
	switch event.Kind {
	case transport.EventStatus:
		s.handleStatus(event)
	case transport.EventError:
		s.handleTransportError(event)
	case transport.EventData:
		if s.channelID != "" && event.ConnectionID != "" && event.ConnectionID != s.channelID {
			s.log.Debug("dropping data from untracked channel", zap.String("channel_id", event.ConnectionID))
			return
		}
		s.handleFrame(event.Data)
	default:
		s.log.Debug("ignoring unknown transport event", zap.String("kind", string(event.Kind)))
	}
}

func (s *Session) handleStatus(event transport.Event) {
	if s.status == StatusDisconnected {
		return
	}

	switch event.Status {
	case transport.StatusReady:
		if s.stage >= StageLookup {
			return
		}
		s.stage = StageLookup
		s.log.Debug("transport ready", zap.String("local_id", event.ConnectionID))
		if err := s.transport.Connect(s.options.PeerID); err != nil {
			s.terminate(fmt.Errorf("%w: connect: %v", ErrConnection, err))
			return
		}
		s.stage = StageHandshake

	case transport.StatusConnected:
		if s.status == StatusConnected {
			return
		}
		s.channelID = event.ConnectionID
		s.stage = StageConnected
		s.status = StatusConnected
		s.stopTimers(&s.connectTimer)
		s.setTimer(&s.heartbeatTimer, s.every(s.options.HeartbeatInterval, s.heartbeat))
		s.setTimer(&s.samplerTimer, s.every(s.options.SamplerInterval, s.sample))
		s.log.Info("connected to host", zap.String("channel_id", s.channelID))

	case transport.StatusDisconnected:
		if s.channelID != "" && event.ConnectionID != "" && event.ConnectionID != s.channelID {
			return
		}
		s.terminate(fmt.Errorf("%w: channel closed", ErrConnection))
	}
}

func (s *Session) handleTransportError(event transport.Event) {
	err := event.Err
	if err == nil {
		err = errors.New(string(event.ErrorType))
	}
	if event.ErrorType == transport.ErrorPeerUnavailable {
		s.terminate(fmt.Errorf("%w: peer unavailable: %v", ErrConnection, err))
		return
	}
	s.log.Warn("transport error", zap.String("type", string(event.ErrorType)), zap.Error(err))
	s.reportError(err)
}

func (s *Session) connectTimedOut() {
	if s.status != StatusConnecting {
		return
	}
	s.terminate(fmt.Errorf("%w: handshake timed out after %s", ErrConnection, s.options.ConnectTimeout))
}

// terminate moves the session to its terminal disconnected state.
func (s *Session) terminate(reason error) {
	if s.status == StatusDisconnected {
		return
	}
	s.status = StatusDisconnected
	s.lastErr = reason
	s.stopTimers(&s.connectTimer, &s.heartbeatTimer, &s.samplerTimer, &s.queueTimer, &s.requestTimer)

	if s.cursor.Active() {
		s.failTransfer(s.cursor.FileID, reason)
		s.cursor = TransferCursor{}
	}
	s.requested = ""
	s.requestSent = false
	s.queue = nil
	s.verifying = false

	s.log.Info("session disconnected", zap.Error(reason))
}

// handleFrame demultiplexes one channel frame. Malformed frames are dropped.
func (s *Session) handleFrame(data []byte) {
	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		s.log.Debug("dropping malformed frame", zap.Error(err))
		return
	}
	if frame.Kind == protocol.FrameBinary {
		s.receiveChunk(frame.Body)
		return
	}

	messageType, err := protocol.DecodeMessageType(frame.Body)
	if err != nil {
		s.log.Debug("dropping malformed control message", zap.Error(err))
		return
	}

	switch messageType {
	case protocol.TypeManifest:
		var manifest protocol.Manifest
		if s.decode(frame.Body, &manifest) {
			s.handleManifest(manifest)
		}
	case protocol.TypePasswordCorrect:
		s.passwordAccepted()
	case protocol.TypePasswordIncorrect:
		s.passwordRejected()
	case protocol.TypeStartFile:
		var start protocol.StartFile
		if s.decode(frame.Body, &start) {
			s.startFile(start)
		}
	case protocol.TypeEndFile:
		var end protocol.EndFile
		if s.decode(frame.Body, &end) {
			s.endFile(end.FileID)
		}
	case protocol.TypePing:
		var ping protocol.Ping
		if s.decode(frame.Body, &ping) {
			s.answerPing(ping)
		}
	case protocol.TypePong:
		var pong protocol.Pong
		if s.decode(frame.Body, &pong) {
			s.recordPong(pong)
		}
	case protocol.TypeText:
		var text protocol.Text
		if s.decode(frame.Body, &text) {
			s.receiveText(text.Text)
		}
	case protocol.TypeNudge:
		s.receiveNudge()
	default:
		s.log.Debug("ignoring unexpected control message", zap.String("type", messageType))
	}
}

func (s *Session) decode(body []byte, v any) bool {
	if err := json.Unmarshal(body, v); err != nil {
		s.log.Debug("dropping undecodable control message", zap.Error(err))
		return false
	}
	return true
}
