package app

import (
	"time"

	"github.com/shopspring/decimal"

	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/scoring"
)

type timerAction int

const (
	timerKeep timerAction = iota
	timerArm
	timerCancel
)

// txn is the working state of one coordinator command. Mutations land on a cloned lobby;
// events and timer changes are only applied once the clone has been saved.
type txn struct {
	lobby     *domain.Lobby
	quiz      domain.Quiz
	now       time.Time
	timeLimit time.Duration

	dirty      bool
	events     []domain.Event
	metrics    []func(Recorder)
	timer      timerAction
	timerEpoch int
}

func (tx *txn) emit(t domain.EventType, payload any) {
	tx.dirty = true
	tx.events = append(tx.events, domain.Event{Type: t, LobbyCode: tx.lobby.Code, Payload: payload})
}

// record queues a metric that is only reported once the command commits.
func (tx *txn) record(fn func(Recorder)) {
	tx.metrics = append(tx.metrics, fn)
}

func (tx *txn) armTimer(epoch int) {
	tx.timer = timerArm
	tx.timerEpoch = epoch
}

func (tx *txn) cancelTimer() {
	tx.timer = timerCancel
}

func (tx *txn) join(nickname, wallet, subject string) error {
	l := tx.lobby
	if l.State == domain.StateEnded {
		return domain.ErrLobbyEnded
	}
	if _, taken := l.Players[nickname]; taken {
		return domain.ErrDuplicateNickname
	}

	l.Players[nickname] = &domain.Player{
		Nickname:      nickname,
		WalletAddress: wallet,
		IsHost:        subject != "" && subject == l.HostID,
		Answers:       make(map[int]domain.AnswerRecord),
		JoinedAt:      tx.now,
	}
	tx.emit(domain.EventPlayerJoined, domain.PlayerJoined{Nickname: nickname})
	return nil
}

func (tx *txn) start(subject string) error {
	l := tx.lobby
	if subject != l.HostID {
		return domain.ErrNotHost
	}
	if l.State != domain.StateWaiting {
		return domain.ErrAlreadyStarted
	}
	if l.RewardPool.WithReward && !l.RewardPool.Paid {
		return domain.ErrPaymentIncomplete
	}

	l.State = domain.StateActive
	l.NextQuestionIndex = 0
	startedAt := tx.now
	l.StartedAt = &startedAt
	tx.emit(domain.EventQuizStarted, nil)
	tx.dispatch()
	return nil
}

// dispatch opens the next question or ends the quiz when none remain.
func (tx *txn) dispatch() {
	l := tx.lobby
	if l.NextQuestionIndex >= len(tx.quiz.Questions) {
		tx.end()
		return
	}

	idx := l.NextQuestionIndex
	l.OpenQuestionIndex = idx
	l.NextQuestionIndex = idx + 1

	tx.dirty = true
	tx.events = append(tx.events, newQuestionEvent(l.Code, tx.quiz, idx, tx.timeLimit))
	tx.armTimer(idx)
}

func newQuestionEvent(code string, quiz domain.Quiz, idx int, timeLimit time.Duration) domain.Event {
	q := quiz.Questions[idx]
	return domain.Event{
		Type:      domain.EventNewQuestion,
		LobbyCode: code,
		Payload: domain.NewQuestion{
			Index:            idx,
			Total:            len(quiz.Questions),
			Text:             q.Text,
			Options:          append([]string(nil), q.Options...),
			TimeLimitSeconds: int(timeLimit / time.Second),
		},
	}
}

func quizEndedEvent(l *domain.Lobby) domain.Event {
	return domain.Event{
		Type:      domain.EventQuizEnded,
		LobbyCode: l.Code,
		Payload:   domain.QuizEnded{Leaderboard: scoring.Leaderboard(l.Contestants())},
	}
}

func (tx *txn) end() {
	l := tx.lobby
	l.State = domain.StateEnded
	endedAt := tx.now
	l.EndedAt = &endedAt
	tx.dirty = true
	tx.events = append(tx.events, quizEndedEvent(l))
	tx.cancelTimer()
}

// AnswerOutcome is returned to the submitter only; the room never learns correctness.
type AnswerOutcome struct {
	QuestionIndex int  `json:"questionIndex"`
	Duplicate     bool `json:"duplicate"`
	Correct       bool `json:"correct"`
	Reward        int  `json:"reward"`
	Score         int  `json:"score"`
	Streak        int  `json:"streak"`
}

func (tx *txn) answer(req SubmitAnswerRequest) (AnswerOutcome, error) {
	l := tx.lobby
	if l.State != domain.StateActive {
		return AnswerOutcome{}, domain.ErrLobbyNotActive
	}
	p, ok := l.Players[req.Nickname]
	if !ok {
		return AnswerOutcome{}, domain.ErrPlayerNotFound
	}
	if p.IsHost {
		return AnswerOutcome{}, domain.ErrHostCannotAnswer
	}
	idx := l.OpenQuestionIndex
	if !l.HasOpenQuestion() || idx >= len(tx.quiz.Questions) {
		return AnswerOutcome{}, domain.ErrNoOpenQuestion
	}
	if req.QuestionIndex != nil && *req.QuestionIndex != idx {
		return AnswerOutcome{}, domain.ErrNoOpenQuestion
	}

	if rec, answered := p.Answers[idx]; answered {
		return AnswerOutcome{
			QuestionIndex: idx,
			Duplicate:     true,
			Correct:       rec.Correct,
			Reward:        rec.Reward,
			Score:         p.Score,
			Streak:        p.Streak,
		}, nil
	}

	q := tx.quiz.Questions[idx]
	for _, sel := range req.SelectedIndices {
		if sel < 0 || sel >= len(q.Options) {
			return AnswerOutcome{}, domain.ErrInvalidSelection
		}
	}

	selected := scoring.Canonical(req.SelectedIndices)
	out := scoring.Apply(l.BaseReward, p.Streak, p.Score, selected, q.CorrectIndices)
	p.Streak = out.Streak
	p.Score = out.Score
	p.Answers[idx] = domain.AnswerRecord{
		QuestionIndex:   idx,
		SelectedIndices: selected,
		Correct:         out.Correct,
		Reward:          out.Reward,
		Timestamp:       tx.now,
	}
	correct := out.Correct
	tx.record(func(r Recorder) { r.AnswerRecorded(correct) })
	tx.emit(domain.EventPlayerAnswered, domain.PlayerAnswered{Nickname: p.Nickname})

	if l.AllAnswered(idx) {
		tx.dispatch()
	}

	return AnswerOutcome{
		QuestionIndex: idx,
		Correct:       out.Correct,
		Reward:        out.Reward,
		Score:         out.Score,
		Streak:        out.Streak,
	}, nil
}

// expire closes the question armed for epoch. A stale epoch is a no-op.
func (tx *txn) expire(epoch int) error {
	l := tx.lobby
	if l.State != domain.StateActive || l.OpenQuestionIndex != epoch {
		return nil
	}

	for _, p := range l.Contestants() {
		if _, ok := p.Answers[epoch]; ok {
			continue
		}
		p.Streak = 0
		p.Answers[epoch] = domain.AnswerRecord{
			QuestionIndex:   epoch,
			SelectedIndices: []int{},
			TimedOut:        true,
			Timestamp:       tx.now,
		}
	}
	tx.record(Recorder.QuestionExpired)
	tx.dirty = true
	tx.dispatch()
	return nil
}

func (tx *txn) fund(subject string, amount decimal.Decimal) error {
	l := tx.lobby
	if subject != l.HostID {
		return domain.ErrNotHost
	}
	if !l.RewardPool.WithReward {
		return domain.ErrRewardsDisabled
	}
	if l.State != domain.StateWaiting {
		return domain.ErrAlreadyStarted
	}
	if l.RewardPool.Paid {
		return domain.ErrPoolAlreadyFunded
	}
	l.RewardPool.Balance = amount
	l.RewardPool.Paid = true
	tx.dirty = true
	return nil
}

func (tx *txn) distribute(subject string) (domain.RewardPlan, error) {
	l := tx.lobby
	if subject != l.HostID {
		return domain.RewardPlan{}, domain.ErrNotHost
	}
	if l.State != domain.StateEnded {
		return domain.RewardPlan{}, domain.ErrLobbyNotEnded
	}
	if !l.RewardPool.WithReward {
		return domain.RewardPlan{}, domain.ErrRewardsDisabled
	}
	if l.RewardPool.Distributed {
		return domain.RewardPlan{}, domain.ErrRewardsDistributed
	}

	plan := scoring.SplitRewards(l.RewardPool, scoring.Leaderboard(l.Contestants()), l.Wallets())
	plan.LobbyCode = l.Code
	l.RewardPool.Distributed = true
	tx.dirty = true
	return plan, nil
}
