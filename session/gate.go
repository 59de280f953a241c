package session

import (
	"strings"

	"go.uber.org/zap"

	"peerdrop/protocol"
)

func (s *Session) verifyPassword(password string) {
	password = strings.TrimSpace(password)
	if password == "" || s.channelID == "" {
		return
	}
	s.verifying = true
	s.passwordError = false
	if err := s.send(protocol.VerifyPassword{Type: protocol.TypeVerifyPassword, Password: password}); err != nil {
		s.verifying = false
		s.reportError(err)
	}
}

func (s *Session) passwordAccepted() {
	s.locked = false
	s.verifying = false
	s.passwordError = false
	s.log.Info("password accepted")
}

func (s *Session) passwordRejected() {
	s.verifying = false
	s.passwordError = true
	s.log.Info("password rejected", zap.Error(ErrAuth))
}
