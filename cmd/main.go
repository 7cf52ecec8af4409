package main

import (
	"context"
	"log/slog"
	"os"

	"live-quiz-service/internal/cli"
)

func main() {
	ctx := context.Background()
	if err := cli.Execute(ctx); err != nil {
		slog.ErrorContext(ctx, "quiz-service: exited", "error", err)
		os.Exit(1)
	}
}
