package session

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peerdrop/protocol"
)

// heartbeat sends a PING stamped with the current time. Without a channel it does nothing.
func (s *Session) heartbeat() {
	if s.channelID == "" {
		return
	}
	if err := s.send(protocol.Ping{Type: protocol.TypePing, TS: s.clock.Now().UnixMilli()}); err != nil {
		s.log.Debug("heartbeat ping failed", zap.Error(err))
	}
}

func (s *Session) answerPing(ping protocol.Ping) {
	if err := s.send(protocol.Pong{Type: protocol.TypePong, TS: ping.TS}); err != nil {
		s.log.Debug("answer ping failed", zap.Error(err))
	}
}

func (s *Session) recordPong(pong protocol.Pong) {
	rtt := s.clock.Now().Sub(time.UnixMilli(pong.TS))
	if rtt < 0 {
		rtt = 0
	}
	s.latency = rtt
	s.hasLatency = true
}

func (s *Session) sendText(text string) {
	if strings.TrimSpace(text) == "" || s.channelID == "" {
		return
	}
	if err := s.send(protocol.Text{Type: protocol.TypeText, Text: text}); err != nil {
		s.reportError(err)
		return
	}
	s.appendMessage(text, SenderSelf)
}

func (s *Session) receiveText(text string) {
	s.appendMessage(text, SenderPeer)
}

func (s *Session) appendMessage(text string, sender Sender) {
	message := TextMessage{
		ID:        uuid.NewString(),
		Text:      text,
		Sender:    sender,
		Timestamp: s.clock.Now(),
	}
	s.messages = append(s.messages, message)
	if s.options.OnMessage != nil {
		s.options.OnMessage(message)
	}
}

func (s *Session) sendNudge() {
	if s.channelID == "" {
		return
	}
	if err := s.send(protocol.Signal{Type: protocol.TypeNudge}); err != nil {
		s.reportError(err)
	}
}

// receiveNudge raises the nudged flag until NudgeClear elapses.
func (s *Session) receiveNudge() {
	s.nudged = true
	if s.options.Haptics != nil {
		s.options.Haptics()
	}
	s.setTimer(&s.nudgeTimer, s.after(s.options.NudgeClear, func() {
		s.nudged = false
	}))
}
