package cli

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/spf13/cobra"

	"live-quiz-service/internal/config"
	"live-quiz-service/internal/infra/memory"
	"live-quiz-service/internal/infra/postgres"
)

// NewSeedCmd loads quiz content from a YAML file into Postgres.
func NewSeedCmd(configPath *string) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Upsert quizzes from a YAML file into Postgres",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Read(*configPath)
			if err != nil {
				return err
			}
			if file == "" {
				file = cfg.Quiz.SeedFile
			}
			return runSeed(cmd.Context(), cfg, file)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "quiz YAML file (defaults to quiz.seed_file)")
	return cmd
}

func runSeed(ctx context.Context, cfg config.Config, file string) error {
	if file == "" {
		return errors.New("no quiz file given")
	}
	if cfg.Postgres.URL == "" {
		return errors.New("postgres url not configured")
	}

	loader, err := memory.LoadQuizFile(file)
	if err != nil {
		return err
	}
	if err := runMigrations(ctx, cfg); err != nil {
		return err
	}

	pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	quizzes := loader.Quizzes()
	if err := postgres.NewQuizLoader(pool).SaveQuizzes(ctx, quizzes); err != nil {
		return err
	}
	slog.InfoContext(ctx, "seed: quizzes stored", "file", file, "count", len(quizzes))
	return nil
}
