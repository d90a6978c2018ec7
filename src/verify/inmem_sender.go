package verify

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// InmemSender implements the Sender interface by recording messages. It
// stands in for the SMS/e-mail gateway in tests and in deployments that
// read codes off the logs.
type InmemSender struct {
	sync.Mutex

	messages map[string][]string // contact => codes, oldest first
	logger   *logrus.Entry
}

// NewInmemSender ...
func NewInmemSender(logger *logrus.Entry) *InmemSender {
	return &InmemSender{
		messages: make(map[string][]string),
		logger:   logger,
	}
}

// Send implements the Sender interface.
func (s *InmemSender) Send(contact string, code string) error {
	s.Lock()
	defer s.Unlock()

	s.messages[contact] = append(s.messages[contact], code)

	if s.logger != nil {
		s.logger.WithFields(logrus.Fields{
			"contact": contact,
			"code":    code,
		}).Debug("Verification code sent")
	}

	return nil
}

// LastCode returns the most recent code sent to a contact.
func (s *InmemSender) LastCode(contact string) (string, bool) {
	s.Lock()
	defer s.Unlock()

	codes := s.messages[contact]
	if len(codes) == 0 {
		return "", false
	}
	return codes[len(codes)-1], true
}

// Count returns how many messages were sent to a contact.
func (s *InmemSender) Count(contact string) int {
	s.Lock()
	defer s.Unlock()
	return len(s.messages[contact])
}
