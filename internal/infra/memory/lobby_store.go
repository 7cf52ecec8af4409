package memory

import (
	"context"
	"sync"

	"live-quiz-service/internal/domain"
)

// LobbyStore is an in-memory implementation of app.LobbyStore.
// Lobbies are copied on the way in and out so callers never share state with the store.
type LobbyStore struct {
	mu      sync.RWMutex
	lobbies map[string]*domain.Lobby
}

func NewLobbyStore() *LobbyStore {
	return &LobbyStore{
		lobbies: make(map[string]*domain.Lobby),
	}
}

func (s *LobbyStore) Create(_ context.Context, lobby *domain.Lobby) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lobbies[lobby.Code]; ok {
		return domain.ErrLobbyExists
	}
	s.lobbies[lobby.Code] = lobby.Clone()
	return nil
}

func (s *LobbyStore) Load(_ context.Context, code string) (*domain.Lobby, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lobby, ok := s.lobbies[code]
	if !ok {
		return nil, domain.ErrLobbyNotFound
	}
	return lobby.Clone(), nil
}

func (s *LobbyStore) Save(_ context.Context, lobby *domain.Lobby) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.lobbies[lobby.Code]
	if !ok {
		return domain.ErrLobbyNotFound
	}
	if current.Version != lobby.Version-1 {
		return domain.ErrConcurrentUpdate
	}
	s.lobbies[lobby.Code] = lobby.Clone()
	return nil
}

func (s *LobbyStore) Delete(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lobbies[code]; !ok {
		return domain.ErrLobbyNotFound
	}
	delete(s.lobbies, code)
	return nil
}
