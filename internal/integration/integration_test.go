package integration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/event"
	"live-quiz-service/internal/infra/postgres"
	infraredis "live-quiz-service/internal/infra/redis"
)

type tokenVerifier map[string]string

func (v tokenVerifier) Verify(_ context.Context, credential string) (string, error) {
	if subject, ok := v[credential]; ok {
		return subject, nil
	}
	return "", domain.ErrAuthInvalid
}

type stack struct {
	store   *postgres.LobbyStore
	quizzes *infraredis.QuizRepository
	archive *infraredis.LeaderboardArchive
	redis   *goredis.Client
}

func setup(t *testing.T, ctx context.Context) *stack {
	t.Helper()
	requireDocker(t)

	pgURL, pgCleanup := startPostgres(t, ctx)
	t.Cleanup(pgCleanup)
	redisURL, redisCleanup := startRedis(t, ctx)
	t.Cleanup(redisCleanup)

	db := postgres.OpenBun(pgURL)
	t.Cleanup(func() { db.Close() })
	if err := postgres.Migrate(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	pool, err := pgxpool.Connect(ctx, pgURL)
	if err != nil {
		t.Fatalf("connect pg: %v", err)
	}
	t.Cleanup(pool.Close)
	loader := postgres.NewQuizLoader(pool)
	if err := loader.SaveQuizzes(ctx, []domain.Quiz{sampleQuiz()}); err != nil {
		t.Fatalf("seed quiz: %v", err)
	}

	redisClient, err := redisClientFromURL(redisURL)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	t.Cleanup(func() { redisClient.Close() })

	return &stack{
		store:   postgres.NewLobbyStore(db),
		quizzes: infraredis.NewQuizRepository(redisClient, loader, 5*time.Minute),
		archive: infraredis.NewLeaderboardArchive(redisClient, time.Hour),
		redis:   redisClient,
	}
}

func (s *stack) service(bus *event.Bus) *app.LobbyService {
	return app.NewLobbyService(s.store, s.quizzes, tokenVerifier{"host-token": "host-1"}, app.Options{
		NewCode:   func() (string, error) { return "c0ffee", nil },
		Publisher: bus,
		Archive:   s.archive,
	})
}

func TestLobbyLifecycleAcrossRestart(t *testing.T) {
	ctx := context.Background()
	s := setup(t, ctx)

	bus := event.NewBus()
	defer bus.Stop()
	archived := make(chan struct{}, 1)
	bus.Subscribe(string(domain.EventQuizEnded), func(ctx context.Context, e event.Event) error {
		err := s.archive.HandleQuizEnded(ctx, e)
		archived <- struct{}{}
		return err
	})

	first := s.service(bus)
	lobby, err := first.CreateLobby(ctx, app.CreateLobbyRequest{Credential: "host-token", QuizID: "quiz-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, nickname := range []string{"alice", "bob"} {
		if _, err := first.Join(ctx, app.JoinRequest{Code: lobby.Code, Nickname: nickname}); err != nil {
			t.Fatalf("join %s: %v", nickname, err)
		}
	}
	if err := first.Start(ctx, lobby.Code, "host-token"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := first.SubmitAnswer(ctx, app.SubmitAnswerRequest{Code: lobby.Code, Nickname: "bob", SelectedIndices: []int{1}}); err != nil {
		t.Fatalf("bob answer: %v", err)
	}
	first.Close()

	// A fresh service resumes the lobby from postgres with bob's answer intact.
	second := s.service(bus)
	defer second.Close()

	snap, err := second.Snapshot(ctx, lobby.Code)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.State != domain.StateActive || snap.OpenQuestionIndex != 0 || snap.Players["bob"].Score != 300 {
		t.Fatalf("unexpected restored lobby: state=%s open=%d bob=%d", snap.State, snap.OpenQuestionIndex, snap.Players["bob"].Score)
	}

	out, err := second.SubmitAnswer(ctx, app.SubmitAnswerRequest{Code: lobby.Code, Nickname: "bob", SelectedIndices: []int{1}})
	if err != nil || !out.Duplicate {
		t.Fatalf("expected duplicate no-op, got %+v err=%v", out, err)
	}
	if _, err := second.SubmitAnswer(ctx, app.SubmitAnswerRequest{Code: lobby.Code, Nickname: "alice", SelectedIndices: []int{0}}); err != nil {
		t.Fatalf("alice answer: %v", err)
	}

	select {
	case <-archived:
	case <-time.After(5 * time.Second):
		t.Fatalf("quizEnded never reached the archive")
	}

	if err := second.Archive(ctx, lobby.Code, "host-token"); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if _, err := s.store.Load(ctx, lobby.Code); err == nil {
		t.Fatalf("expected lobby to be deleted from postgres")
	}

	board, err := second.Results(ctx, lobby.Code)
	if err != nil {
		t.Fatalf("archived results: %v", err)
	}
	if len(board) != 2 || board[0].Nickname != "bob" || board[0].Score != 300 || board[1].Score != 0 {
		t.Fatalf("unexpected archived leaderboard %+v", board)
	}
}

func TestPostgresLobbyStoreRejectsStaleSave(t *testing.T) {
	ctx := context.Background()
	s := setup(t, ctx)

	now := time.Now().UTC()
	lobby := &domain.Lobby{
		Code:              "stale1",
		QuizID:            "quiz-1",
		HostID:            "host-1",
		State:             domain.StateWaiting,
		OpenQuestionIndex: domain.NoQuestion,
		Players:           map[string]*domain.Player{},
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.Create(ctx, lobby); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.store.Create(ctx, lobby); !errors.Is(err, domain.ErrLobbyExists) {
		t.Fatalf("expected ErrLobbyExists, got %v", err)
	}

	next := lobby.Clone()
	next.Version = 2
	if err := s.store.Save(ctx, next); err != nil {
		t.Fatalf("save v2: %v", err)
	}
	stale := lobby.Clone()
	stale.Version = 2
	if err := s.store.Save(ctx, stale); !errors.Is(err, domain.ErrConcurrentUpdate) {
		t.Fatalf("expected ErrConcurrentUpdate, got %v", err)
	}
}

func startPostgres(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "postgres:15-alpine",
		Env:          map[string]string{"POSTGRES_USER": "quiz", "POSTGRES_PASSWORD": "quizpass", "POSTGRES_DB": "quizdb"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}
	container := startContainer(t, ctx, req)
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://quiz:quizpass@%s:%s/quizdb?sslmode=disable", containerHost(t, ctx, container), port.Port())
	return dsn, func() { _ = container.Terminate(ctx) }
}

func startRedis(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}
	container := startContainer(t, ctx, req)
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	url := fmt.Sprintf("redis://%s:%s", containerHost(t, ctx, container), port.Port())
	return url, func() { _ = container.Terminate(ctx) }
}

func startContainer(t *testing.T, ctx context.Context, req tc.ContainerRequest) tc.Container {
	t.Helper()
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start %s: %v", req.Image, err)
	}
	return container
}

func containerHost(t *testing.T, ctx context.Context, container tc.Container) string {
	t.Helper()
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	return host
}

func sampleQuiz() domain.Quiz {
	return domain.Quiz{
		ID:    "quiz-1",
		Title: "Arithmetic",
		Questions: []domain.Question{
			{Text: "What is 2 + 2?", Options: []string{"3", "4", "5"}, CorrectIndices: []int{1}},
		},
	}
}

func redisClientFromURL(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return goredis.NewClient(opts), nil
}

func requireDocker(t *testing.T) {
	t.Helper()
	if _, err := tc.NewDockerProvider(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
}
