package memory

import (
	"context"
	"errors"
	"testing"

	"live-quiz-service/internal/domain"
)

func newLobby(code string) *domain.Lobby {
	return &domain.Lobby{
		Code:              code,
		QuizID:            "quiz-1",
		HostID:            "host-1",
		State:             domain.StateWaiting,
		OpenQuestionIndex: domain.NoQuestion,
		Players:           map[string]*domain.Player{},
		Version:           1,
	}
}

func TestLobbyStoreVersionedSave(t *testing.T) {
	ctx := context.Background()
	store := NewLobbyStore()

	if err := store.Create(ctx, newLobby("abc123")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, newLobby("abc123")); !errors.Is(err, domain.ErrLobbyExists) {
		t.Fatalf("expected lobby exists, got %v", err)
	}

	l, err := store.Load(ctx, "abc123")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	l.Version++
	l.State = domain.StateActive
	if err := store.Save(ctx, l); err != nil {
		t.Fatalf("save: %v", err)
	}

	// A writer holding the old version must not overwrite the newer one.
	stale := newLobby("abc123")
	stale.Version = 2
	if err := store.Save(ctx, stale); !errors.Is(err, domain.ErrConcurrentUpdate) {
		t.Fatalf("expected concurrent update, got %v", err)
	}

	got, _ := store.Load(ctx, "abc123")
	if got.State != domain.StateActive || got.Version != 2 {
		t.Fatalf("unexpected stored lobby: state=%s version=%d", got.State, got.Version)
	}
}

func TestLobbyStoreIsolatesCallers(t *testing.T) {
	ctx := context.Background()
	store := NewLobbyStore()
	l := newLobby("abc123")
	_ = store.Create(ctx, l)

	l.Players["mallory"] = &domain.Player{Nickname: "mallory"}

	got, _ := store.Load(ctx, "abc123")
	if len(got.Players) != 0 {
		t.Fatalf("store shares state with caller: %v", got.Players)
	}
}

func TestLobbyStoreDelete(t *testing.T) {
	ctx := context.Background()
	store := NewLobbyStore()
	_ = store.Create(ctx, newLobby("abc123"))

	if err := store.Delete(ctx, "abc123"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Load(ctx, "abc123"); !errors.Is(err, domain.ErrLobbyNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.Delete(ctx, "abc123"); !errors.Is(err, domain.ErrLobbyNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}
