package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// LobbyState is the lifecycle state of a lobby.
type LobbyState string

const (
	StateWaiting LobbyState = "waiting"
	StateActive  LobbyState = "active"
	StateEnded   LobbyState = "ended"
)

// NoQuestion marks OpenQuestionIndex before the first question is dispatched.
const NoQuestion = -1

// Lobby is one instance of a quiz being played, identified by a short code.
type Lobby struct {
	Code              string             `json:"code"`
	QuizID            string             `json:"quizId"`
	HostID            string             `json:"hostId"`
	State             LobbyState         `json:"state"`
	OpenQuestionIndex int                `json:"openQuestionIndex"`
	NextQuestionIndex int                `json:"nextQuestionIndex"`
	BaseReward        int                `json:"baseReward"`
	RewardPool        RewardPool         `json:"rewardPool"`
	Players           map[string]*Player `json:"players"`
	Version           int64              `json:"version"`
	CreatedAt         time.Time          `json:"createdAt"`
	UpdatedAt         time.Time          `json:"updatedAt"`
	StartedAt         *time.Time         `json:"startedAt,omitempty"`
	EndedAt           *time.Time         `json:"endedAt,omitempty"`
}

// RewardPool is the optional monetary balance split between top scorers.
type RewardPool struct {
	WithReward        bool            `json:"withReward"`
	Balance           decimal.Decimal `json:"balance"`
	CommissionPercent decimal.Decimal `json:"commissionPercent"`
	Paid              bool            `json:"paid"`
	Distributed       bool            `json:"distributed"`
}

// Player is a participant of a lobby. Hosts are flagged and never score.
type Player struct {
	Nickname      string               `json:"nickname"`
	WalletAddress string               `json:"walletAddress,omitempty"`
	IsHost        bool                 `json:"isHost"`
	Score         int                  `json:"score"`
	Streak        int                  `json:"streak"`
	Answers       map[int]AnswerRecord `json:"answers"`
	JoinedAt      time.Time            `json:"joinedAt"`
}

// AnswerRecord is the single graded answer of a player for one question.
type AnswerRecord struct {
	QuestionIndex   int       `json:"questionIndex"`
	SelectedIndices []int     `json:"selectedIndices"`
	Correct         bool      `json:"correct"`
	Reward          int       `json:"reward"`
	TimedOut        bool      `json:"timedOut,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Question models a multiple-choice question. CorrectIndices may hold more than one option.
type Question struct {
	Text           string   `json:"text" yaml:"text"`
	Options        []string `json:"options" yaml:"options"`
	CorrectIndices []int    `json:"correct" yaml:"correct"`
}

// Quiz is an ordered collection of questions.
type Quiz struct {
	ID          string     `json:"id" yaml:"id"`
	Title       string     `json:"title" yaml:"title"`
	Description string     `json:"description" yaml:"description"`
	Questions   []Question `json:"questions" yaml:"questions"`
}

// LeaderboardEntry is a ranked view of a contestant.
type LeaderboardEntry struct {
	Rank     int    `json:"rank"`
	Nickname string `json:"nickname"`
	Score    int    `json:"score"`
	Streak   int    `json:"streak"`
}

// RewardPayout is one line of a reward distribution plan.
type RewardPayout struct {
	Rank          int             `json:"rank"`
	Nickname      string          `json:"nickname"`
	WalletAddress string          `json:"walletAddress,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
}

// RewardPlan is the computed split of a reward pool. Transfers happen elsewhere.
type RewardPlan struct {
	LobbyCode  string          `json:"lobbyCode"`
	Balance    decimal.Decimal `json:"balance"`
	Commission decimal.Decimal `json:"commission"`
	Available  decimal.Decimal `json:"available"`
	Payouts    []RewardPayout  `json:"payouts"`
}

// HasOpenQuestion reports whether a question has been dispatched.
func (l *Lobby) HasOpenQuestion() bool {
	return l.OpenQuestionIndex > NoQuestion
}

// Contestants returns the non-host players ordered by nickname.
func (l *Lobby) Contestants() []*Player {
	out := make([]*Player, 0, len(l.Players))
	for _, p := range l.Players {
		if !p.IsHost {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nickname < out[j].Nickname })
	return out
}

// AllAnswered reports whether every contestant holds a record for the question index.
func (l *Lobby) AllAnswered(index int) bool {
	for _, p := range l.Players {
		if p.IsHost {
			continue
		}
		if _, ok := p.Answers[index]; !ok {
			return false
		}
	}
	return true
}

// Clone returns a deep copy so a coordinator can mutate a working copy and discard it on failure.
func (l *Lobby) Clone() *Lobby {
	if l == nil {
		return nil
	}
	cp := *l
	if l.StartedAt != nil {
		t := *l.StartedAt
		cp.StartedAt = &t
	}
	if l.EndedAt != nil {
		t := *l.EndedAt
		cp.EndedAt = &t
	}
	cp.Players = make(map[string]*Player, len(l.Players))
	for nick, p := range l.Players {
		cp.Players[nick] = p.clone()
	}
	return &cp
}

func (p *Player) clone() *Player {
	cp := *p
	cp.Answers = make(map[int]AnswerRecord, len(p.Answers))
	for idx, rec := range p.Answers {
		rec.SelectedIndices = append([]int(nil), rec.SelectedIndices...)
		cp.Answers[idx] = rec
	}
	return &cp
}

// Wallets maps contestant nicknames to wallet addresses.
func (l *Lobby) Wallets() map[string]string {
	out := make(map[string]string, len(l.Players))
	for nick, p := range l.Players {
		if !p.IsHost {
			out[nick] = p.WalletAddress
		}
	}
	return out
}
