package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"live-quiz-service/internal/domain"
)

type lobbyRow struct {
	bun.BaseModel `bun:"table:lobbies"`

	Code      string        `bun:"code,pk"`
	QuizID    string        `bun:"quiz_id,notnull"`
	State     string        `bun:"state,notnull"`
	Version   int64         `bun:"version,notnull"`
	Data      *domain.Lobby `bun:"data,type:jsonb,notnull"`
	CreatedAt time.Time     `bun:"created_at,notnull"`
	UpdatedAt time.Time     `bun:"updated_at,notnull"`
}

func toRow(l *domain.Lobby) *lobbyRow {
	return &lobbyRow{
		Code:      l.Code,
		QuizID:    l.QuizID,
		State:     string(l.State),
		Version:   l.Version,
		Data:      l,
		CreatedAt: l.CreatedAt,
		UpdatedAt: l.UpdatedAt,
	}
}

// LobbyStore persists lobbies as JSONB documents. The version column guards every update.
type LobbyStore struct {
	db *bun.DB
}

func NewLobbyStore(db *bun.DB) *LobbyStore {
	return &LobbyStore{db: db}
}

func (s *LobbyStore) Create(ctx context.Context, lobby *domain.Lobby) error {
	res, err := s.db.NewInsert().
		Model(toRow(lobby)).
		On("CONFLICT (code) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("insert lobby: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrLobbyExists
	}
	return nil
}

func (s *LobbyStore) Load(ctx context.Context, code string) (*domain.Lobby, error) {
	row := new(lobbyRow)
	err := s.db.NewSelect().Model(row).Where("code = ?", code).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrLobbyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select lobby: %w", err)
	}
	if row.Data == nil {
		return nil, fmt.Errorf("lobby %s has no data", code)
	}
	lobby := row.Data
	lobby.Version = row.Version
	if lobby.Players == nil {
		lobby.Players = make(map[string]*domain.Player)
	}
	return lobby, nil
}

func (s *LobbyStore) Save(ctx context.Context, lobby *domain.Lobby) error {
	res, err := s.db.NewUpdate().
		Model(toRow(lobby)).
		Column("state", "version", "data", "updated_at").
		Where("code = ?", lobby.Code).
		Where("version = ?", lobby.Version-1).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update lobby: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update lobby: %w", err)
	}
	if n > 0 {
		return nil
	}

	exists, err := s.db.NewSelect().Model((*lobbyRow)(nil)).Where("code = ?", lobby.Code).Exists(ctx)
	if err != nil {
		return fmt.Errorf("check lobby: %w", err)
	}
	if !exists {
		return domain.ErrLobbyNotFound
	}
	return domain.ErrConcurrentUpdate
}

func (s *LobbyStore) Delete(ctx context.Context, code string) error {
	res, err := s.db.NewDelete().Model((*lobbyRow)(nil)).Where("code = ?", code).Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete lobby: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrLobbyNotFound
	}
	return nil
}
