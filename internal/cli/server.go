package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/uptrace/bun"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/auth"
	"live-quiz-service/internal/config"
	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/event"
	"live-quiz-service/internal/infra/memory"
	"live-quiz-service/internal/infra/postgres"
	redisinfra "live-quiz-service/internal/infra/redis"
	"live-quiz-service/internal/payout"
	"live-quiz-service/internal/telemetry"
	transport "live-quiz-service/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the quiz server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

// infra holds the connections opened for one server run.
type infra struct {
	redis *redis.Client
	db    *bun.DB
	pool  *pgxpool.Pool
}

func (i *infra) close() {
	if i.redis != nil {
		_ = i.redis.Close()
	}
	if i.db != nil {
		_ = i.db.Close()
	}
	if i.pool != nil {
		i.pool.Close()
	}
}

func openInfra(ctx context.Context, cfg config.Config) (*infra, error) {
	i := &infra{}

	if cfg.Redis.Addr != "" {
		i.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := telemetry.MonitorRedis(i.redis); err != nil {
			i.close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := i.redis.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			i.close()
			return nil, fmt.Errorf("redis: ping: %w", err)
		}
	}

	if cfg.Postgres.URL != "" {
		if err := runMigrations(ctx, cfg); err != nil {
			i.close()
			return nil, fmt.Errorf("postgres: %w", err)
		}
		i.db = postgres.OpenBun(cfg.Postgres.URL)

		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			i.close()
			return nil, fmt.Errorf("postgres: %w", err)
		}
		i.pool = pool
	}
	return i, nil
}

func quizLoader(cfg config.Config, i *infra) (memory.QuizLoader, error) {
	switch {
	case i.pool != nil:
		return postgres.NewQuizLoader(i.pool), nil
	case cfg.Quiz.SeedFile != "":
		return memory.LoadQuizFile(cfg.Quiz.SeedFile)
	default:
		return memory.NewStaticQuizLoader(sampleQuizzes()), nil
	}
}

func lobbyStore(cfg config.Config, i *infra) (app.LobbyStore, error) {
	switch cfg.Store.Backend {
	case config.BackendRedis:
		return redisinfra.NewLobbyStore(i.redis, config.Duration(cfg.Redis.TTL, 24*time.Hour)), nil
	case config.BackendPostgres:
		return postgres.NewLobbyStore(i.db), nil
	case config.BackendMemory:
		return memory.NewLobbyStore(), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conns, err := openInfra(ctx, cfg)
	if err != nil {
		return err
	}
	defer conns.close()

	loader, err := quizLoader(cfg, conns)
	if err != nil {
		return err
	}
	quizTTL := config.Duration(cfg.Quiz.TTL, 10*time.Minute)
	var quizzes app.QuizRepository
	if conns.redis != nil {
		quizzes = redisinfra.NewQuizRepository(conns.redis, loader, quizTTL)
	} else {
		quizzes = memory.NewQuizRepository(loader, quizTTL)
	}

	store, err := lobbyStore(cfg, conns)
	if err != nil {
		return err
	}

	verifier, err := auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return err
	}

	metrics, err := telemetry.NewMetrics(prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}

	bus := event.NewBus()
	defer bus.Stop()
	bus.Subscribe(event.Any, metrics.HandleEvent)

	opts := app.Options{
		QuestionDuration:  config.Duration(cfg.Quiz.QuestionDuration, 30*time.Second),
		BaseReward:        cfg.Quiz.BaseReward,
		CommissionPercent: cfg.Commission(),
		Recorder:          metrics,
		Publisher:         bus,
	}
	if conns.redis != nil {
		archive := redisinfra.NewLeaderboardArchive(conns.redis, config.Duration(cfg.Quiz.ArchiveTTL, 7*24*time.Hour))
		bus.Subscribe(string(domain.EventQuizEnded), archive.HandleQuizEnded)
		opts.Archive = archive
	}

	service := app.NewLobbyService(store, quizzes, verifier, opts)
	defer service.Close()

	gin.SetMode(gin.ReleaseMode)
	router := transport.NewRouter(transport.RouterConfig{
		Service:  service,
		Payer:    payout.NewLogPayer(),
		Gatherer: prometheus.DefaultGatherer,
		Pprof:    cfg.Server.Pprof,
	})
	server := &http.Server{
		Addr:              ":" + finalPort,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "server: listening", "port", finalPort, "store", cfg.Store.Backend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("server: shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server: shutdown HTTP failed", "error", err)
		return err
	}
	slog.Info("server: shutdown completed")
	return nil
}

// sampleQuizzes backs the service when neither postgres nor a seed file is configured.
func sampleQuizzes() map[string]domain.Quiz {
	return map[string]domain.Quiz{
		"quiz-1": {
			ID:    "quiz-1",
			Title: "Warm-up",
			Questions: []domain.Question{
				{Text: "What is 2 + 2?", Options: []string{"3", "4", "5"}, CorrectIndices: []int{1}},
				{Text: "Which are primes?", Options: []string{"2", "4", "7", "9"}, CorrectIndices: []int{0, 2}},
			},
		},
	}
}
