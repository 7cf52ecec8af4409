package http

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/auth"
	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/infra/memory"
)

const testCode = "abc123"

type testEnv struct {
	server    *httptest.Server
	service   *app.LobbyService
	hostToken string
}

func sampleQuiz() map[string]domain.Quiz {
	return map[string]domain.Quiz{
		"quiz-1": {
			ID:          "quiz-1",
			Title:       "Arithmetic",
			Description: "Warm up",
			Questions: []domain.Question{
				{Text: "What is 2 + 2?", Options: []string{"3", "4", "5"}, CorrectIndices: []int{1}},
			},
		},
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	verifier, err := auth.NewJWTVerifier("test-secret", "")
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	token, err := verifier.Issue("host-1", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	quizzes := memory.NewQuizRepository(memory.NewStaticQuizLoader(sampleQuiz()), time.Minute)
	service := app.NewLobbyService(memory.NewLobbyStore(), quizzes, verifier, app.Options{
		NewCode: func() (string, error) { return testCode, nil },
	})
	server := httptest.NewServer(NewRouter(RouterConfig{Service: service}))
	t.Cleanup(func() {
		server.Close()
		service.Close()
	})
	return &testEnv{server: server, service: service, hostToken: token}
}

func (e *testEnv) createLobby(t *testing.T, withReward bool) string {
	t.Helper()
	l, err := e.service.CreateLobby(context.Background(), app.CreateLobbyRequest{
		Credential: e.hostToken,
		QuizID:     "quiz-1",
		WithReward: withReward,
	})
	if err != nil {
		t.Fatalf("create lobby: %v", err)
	}
	return l.Code
}
