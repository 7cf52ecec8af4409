package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"live-quiz-service/internal/domain"
)

// LobbyStore keeps each lobby as a JSON document under quiz:lobby:{code}.
// Saves are optimistic: WATCH the key, compare the stored version and write in MULTI/EXEC.
type LobbyStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewLobbyStore(client *redis.Client, ttl time.Duration) *LobbyStore {
	return &LobbyStore{client: client, ttl: ttl}
}

func (s *LobbyStore) Create(ctx context.Context, lobby *domain.Lobby) error {
	raw, err := json.Marshal(lobby)
	if err != nil {
		return fmt.Errorf("marshal lobby: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.key(lobby.Code), raw, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("create lobby: %w", err)
	}
	if !ok {
		return domain.ErrLobbyExists
	}
	return nil
}

func (s *LobbyStore) Load(ctx context.Context, code string) (*domain.Lobby, error) {
	raw, err := s.client.Get(ctx, s.key(code)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrLobbyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load lobby: %w", err)
	}
	var lobby domain.Lobby
	if err := json.Unmarshal(raw, &lobby); err != nil {
		return nil, fmt.Errorf("unmarshal lobby: %w", err)
	}
	if lobby.Players == nil {
		lobby.Players = make(map[string]*domain.Player)
	}
	return &lobby, nil
}

func (s *LobbyStore) Save(ctx context.Context, lobby *domain.Lobby) error {
	raw, err := json.Marshal(lobby)
	if err != nil {
		return fmt.Errorf("marshal lobby: %w", err)
	}
	key := s.key(lobby.Code)

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return domain.ErrLobbyNotFound
		}
		if err != nil {
			return err
		}
		var stored struct {
			Version int64 `json:"version"`
		}
		if err := json.Unmarshal(current, &stored); err != nil {
			return fmt.Errorf("unmarshal stored version: %w", err)
		}
		if stored.Version != lobby.Version-1 {
			return domain.ErrConcurrentUpdate
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, s.ttl)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return domain.ErrConcurrentUpdate
	}
	return err
}

func (s *LobbyStore) Delete(ctx context.Context, code string) error {
	n, err := s.client.Del(ctx, s.key(code)).Result()
	if err != nil {
		return fmt.Errorf("delete lobby: %w", err)
	}
	if n == 0 {
		return domain.ErrLobbyNotFound
	}
	return nil
}

func (s *LobbyStore) key(code string) string {
	return "quiz:lobby:" + code
}
