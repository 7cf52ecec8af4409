// Package scoring grades answers and computes streak rewards, rankings and reward splits.
// All currency-affecting arithmetic goes through decimal so rounding is reproducible.
package scoring

import (
	"sort"

	"github.com/shopspring/decimal"

	"live-quiz-service/internal/domain"
)

var (
	streakMultiplier = decimal.New(11, -1) // 1.1
	hundred          = decimal.NewFromInt(100)

	// payoutShares are the fractions of the available pool paid to ranks 1..3.
	payoutShares = []decimal.Decimal{
		decimal.New(6, -1),
		decimal.New(3, -1),
		decimal.New(1, -1),
	}
)

// Canonical returns the selection as a sorted set.
func Canonical(indices []int) []int {
	seen := make(map[int]struct{}, len(indices))
	out := make([]int, 0, len(indices))
	for _, idx := range indices {
		if _, ok := seen[idx]; ok {
			continue
		}
		seen[idx] = struct{}{}
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// Grade reports whether selected and correct are the same set of option indices.
func Grade(selected, correct []int) bool {
	a, b := Canonical(selected), Canonical(correct)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// StreakReward is floor(base * 1.1^(streak-1)) for a streak of at least one.
func StreakReward(base, streak int) int {
	if streak < 1 || base <= 0 {
		return 0
	}
	reward := decimal.NewFromInt(int64(base))
	for i := 1; i < streak; i++ {
		reward = reward.Mul(streakMultiplier)
	}
	return int(reward.Floor().IntPart())
}

// Outcome is the effect of one graded answer on a player.
type Outcome struct {
	Correct bool
	Reward  int
	Streak  int
	Score   int
}

// Apply grades an answer against the player's current streak and score.
func Apply(base, streak, score int, selected, correct []int) Outcome {
	if !Grade(selected, correct) {
		return Outcome{Streak: 0, Score: score}
	}
	streak++
	reward := StreakReward(base, streak)
	return Outcome{Correct: true, Reward: reward, Streak: streak, Score: score + reward}
}

// Leaderboard ranks contestants by score descending, ties broken by nickname ascending.
func Leaderboard(players []*domain.Player) []domain.LeaderboardEntry {
	entries := make([]domain.LeaderboardEntry, 0, len(players))
	for _, p := range players {
		if p.IsHost {
			continue
		}
		entries = append(entries, domain.LeaderboardEntry{
			Nickname: p.Nickname,
			Score:    p.Score,
			Streak:   p.Streak,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].Nickname < entries[j].Nickname
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries
}

// SplitRewards computes the payout plan for a ranked leaderboard.
// Fewer than three contestants means fewer payouts; unused shares are not redistributed.
func SplitRewards(pool domain.RewardPool, ranked []domain.LeaderboardEntry, wallets map[string]string) domain.RewardPlan {
	commission := pool.Balance.Mul(pool.CommissionPercent).Div(hundred)
	available := pool.Balance.Sub(commission)

	plan := domain.RewardPlan{
		Balance:    pool.Balance,
		Commission: commission,
		Available:  available,
		Payouts:    make([]domain.RewardPayout, 0, len(payoutShares)),
	}
	for i, share := range payoutShares {
		if i >= len(ranked) {
			break
		}
		plan.Payouts = append(plan.Payouts, domain.RewardPayout{
			Rank:          i + 1,
			Nickname:      ranked[i].Nickname,
			WalletAddress: wallets[ranked[i].Nickname],
			Amount:        available.Mul(share).Floor(),
		})
	}
	return plan
}
