package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/event"
	"live-quiz-service/internal/scoring"
)

// LeaderboardArchive keeps final leaderboards after a lobby is archived.
// Scores live in a sorted set quiz:results:{code}; streaks in a hash quiz:results:{code}:streak.
type LeaderboardArchive struct {
	client *redis.Client
	ttl    time.Duration
}

func NewLeaderboardArchive(client *redis.Client, ttl time.Duration) *LeaderboardArchive {
	return &LeaderboardArchive{client: client, ttl: ttl}
}

// HandleQuizEnded is an event.Handler for quizEnded events.
func (a *LeaderboardArchive) HandleQuizEnded(ctx context.Context, e event.Event) error {
	ended, ok := e.(domain.Event)
	if !ok || ended.Type != domain.EventQuizEnded {
		return nil
	}
	payload, ok := ended.Payload.(domain.QuizEnded)
	if !ok {
		return fmt.Errorf("archive: unexpected payload %T", ended.Payload)
	}
	return a.Record(ctx, ended.LobbyCode, payload.Leaderboard)
}

// Record replaces the archived leaderboard of a lobby.
func (a *LeaderboardArchive) Record(ctx context.Context, code string, entries []domain.LeaderboardEntry) error {
	scoresKey, streaksKey := a.keys(code)

	_, err := a.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, scoresKey, streaksKey)
		if len(entries) == 0 {
			return nil
		}
		members := make([]redis.Z, 0, len(entries))
		streaks := make(map[string]interface{}, len(entries))
		for _, e := range entries {
			members = append(members, redis.Z{Score: float64(e.Score), Member: e.Nickname})
			streaks[e.Nickname] = e.Streak
		}
		pipe.ZAdd(ctx, scoresKey, members...)
		pipe.HSet(ctx, streaksKey, streaks)
		if a.ttl > 0 {
			pipe.Expire(ctx, scoresKey, a.ttl)
			pipe.Expire(ctx, streaksKey, a.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("archive leaderboard: %w", err)
	}
	return nil
}

// Leaderboard returns the archived leaderboard in the same order as a live one.
func (a *LeaderboardArchive) Leaderboard(ctx context.Context, code string) ([]domain.LeaderboardEntry, error) {
	scoresKey, streaksKey := a.keys(code)

	scores, err := a.client.ZRangeWithScores(ctx, scoresKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read archived leaderboard: %w", err)
	}
	if len(scores) == 0 {
		return nil, domain.ErrLobbyNotFound
	}
	streaks, err := a.client.HGetAll(ctx, streaksKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read archived streaks: %w", err)
	}

	players := make([]*domain.Player, 0, len(scores))
	for _, z := range scores {
		nickname, _ := z.Member.(string)
		streak, _ := strconv.Atoi(streaks[nickname])
		players = append(players, &domain.Player{
			Nickname: nickname,
			Score:    int(z.Score),
			Streak:   streak,
		})
	}
	return scoring.Leaderboard(players), nil
}

func (a *LeaderboardArchive) keys(code string) (string, string) {
	base := "quiz:results:" + code
	return base, base + ":streak"
}
