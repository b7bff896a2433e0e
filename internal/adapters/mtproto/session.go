package mtproto

import (
	"context"
	"sync"

	"github.com/gotd/td/session"
)

// SessionInMemory хранит сессию MTProto только в памяти процесса.
// После перезапуска пользователю нужно войти заново.
type SessionInMemory struct {
	mu   sync.Mutex
	data []byte
}

// LoadSession загружает сессию.
func (s *SessionInMemory) LoadSession(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.data) == 0 {
		return nil, session.ErrNotFound
	}
	return append([]byte(nil), s.data...), nil
}

// StoreSession сохраняет сессию.
func (s *SessionInMemory) StoreSession(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append([]byte(nil), data...)
	return nil
}

var _ session.Storage = (*SessionInMemory)(nil)
