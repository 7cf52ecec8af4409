package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/event"
	"live-quiz-service/internal/scoring"
)

const (
	maxNicknameLength = 32
	codeBytes         = 3
	codeAttempts      = 5
)

// LobbyStore persists lobbies. Save must only succeed when the stored version is lobby.Version-1
// and otherwise return domain.ErrConcurrentUpdate.
type LobbyStore interface {
	Create(ctx context.Context, lobby *domain.Lobby) error
	Load(ctx context.Context, code string) (*domain.Lobby, error)
	Save(ctx context.Context, lobby *domain.Lobby) error
	Delete(ctx context.Context, code string) error
}

// QuizRepository loads quiz content (from cache/backing store).
type QuizRepository interface {
	GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// Verifier turns a host credential into a subject id.
type Verifier interface {
	Verify(ctx context.Context, credential string) (string, error)
}

// Publisher receives every committed lobby event after subscribers have been served.
type Publisher interface {
	Publish(ctx context.Context, e event.Event)
}

// Recorder observes engine activity that is not visible as an event.
type Recorder interface {
	AnswerRecorded(correct bool)
	QuestionExpired()
	LobbyOpened()
	LobbyClosed()
}

// ResultsArchive serves final leaderboards of lobbies that no longer exist in the store.
type ResultsArchive interface {
	Leaderboard(ctx context.Context, code string) ([]domain.LeaderboardEntry, error)
}

type noopRecorder struct{}

func (noopRecorder) AnswerRecorded(bool) {}
func (noopRecorder) QuestionExpired()    {}
func (noopRecorder) LobbyOpened()        {}
func (noopRecorder) LobbyClosed()        {}

// Options tunes lobby coordinators. Zero values fall back to defaults.
type Options struct {
	QuestionDuration  time.Duration
	SaveTimeout       time.Duration
	RetryDelay        time.Duration
	SubscriberBuffer  int
	BaseReward        int
	CommissionPercent decimal.Decimal

	Now       func() time.Time
	AfterFunc AfterFunc
	NewCode   func() (string, error)
	Recorder  Recorder
	Publisher Publisher
	Archive   ResultsArchive
}

func (o Options) withDefaults() Options {
	if o.QuestionDuration <= 0 {
		o.QuestionDuration = 30 * time.Second
	}
	if o.SaveTimeout <= 0 {
		o.SaveTimeout = 5 * time.Second
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	if o.SubscriberBuffer <= 0 {
		o.SubscriberBuffer = 64
	}
	if o.BaseReward <= 0 {
		o.BaseReward = 300
	}
	if o.CommissionPercent.IsZero() {
		o.CommissionPercent = decimal.NewFromInt(5)
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.AfterFunc == nil {
		o.AfterFunc = stdAfterFunc
	}
	if o.NewCode == nil {
		o.NewCode = randomCode
	}
	if o.Recorder == nil {
		o.Recorder = noopRecorder{}
	}
	return o
}

func randomCode() (string, error) {
	b := make([]byte, codeBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// CreateLobbyRequest opens a new lobby for the credential's subject.
type CreateLobbyRequest struct {
	Credential string
	QuizID     string
	BaseReward int
	WithReward bool
}

type JoinRequest struct {
	Code          string
	Nickname      string
	WalletAddress string
	// Credential is optional; a verified host credential flags the player as host.
	Credential string
}

type SubmitAnswerRequest struct {
	Code            string
	Nickname        string
	SelectedIndices []int
	// QuestionIndex, when set, must match the open question.
	QuestionIndex *int
}

// LobbyInfo is the public read model of a lobby.
type LobbyInfo struct {
	Code              string            `json:"code"`
	QuizID            string            `json:"quizId"`
	Title             string            `json:"title"`
	Description       string            `json:"description"`
	QuestionCount     int               `json:"questionCount"`
	State             domain.LobbyState `json:"state"`
	OpenQuestionIndex int               `json:"openQuestionIndex"`
	Players           []string          `json:"players"`
	BaseReward        int               `json:"baseReward"`
	WithReward        bool              `json:"withReward"`
	RewardBalance     decimal.Decimal   `json:"rewardBalance"`
	Paid              bool              `json:"paid"`
	Distributed       bool              `json:"distributed"`
	CreatedAt         time.Time         `json:"createdAt"`
}

// LobbyService owns one Coordinator per live lobby and routes every operation to it.
type LobbyService struct {
	store    LobbyStore
	quizzes  QuizRepository
	verifier Verifier
	opts     Options

	mu           sync.RWMutex
	coordinators map[string]*Coordinator
	loading      singleflight.Group
}

func NewLobbyService(store LobbyStore, quizzes QuizRepository, verifier Verifier, opts Options) *LobbyService {
	return &LobbyService{
		store:        store,
		quizzes:      quizzes,
		verifier:     verifier,
		opts:         opts.withDefaults(),
		coordinators: make(map[string]*Coordinator),
	}
}

// NormalizeCode returns the canonical form of a case-insensitive lobby code.
func NormalizeCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

func (s *LobbyService) verify(ctx context.Context, credential string) (string, error) {
	if strings.TrimSpace(credential) == "" {
		return "", domain.ErrAuthInvalid
	}
	return s.verifier.Verify(ctx, credential)
}

// CreateLobby opens a WAITING lobby for a quiz with at least one question.
func (s *LobbyService) CreateLobby(ctx context.Context, req CreateLobbyRequest) (*domain.Lobby, error) {
	if req.QuizID == "" || req.BaseReward < 0 {
		return nil, domain.ErrInvalidRequest
	}
	subject, err := s.verify(ctx, req.Credential)
	if err != nil {
		return nil, err
	}
	quiz, err := s.quizzes.GetQuiz(ctx, req.QuizID)
	if err != nil {
		return nil, err
	}
	if len(quiz.Questions) == 0 {
		return nil, domain.ErrQuizHasNoQuestions
	}

	base := req.BaseReward
	if base == 0 {
		base = s.opts.BaseReward
	}
	now := s.opts.Now().UTC()

	for attempt := 0; attempt < codeAttempts; attempt++ {
		code, err := s.opts.NewCode()
		if err != nil {
			return nil, domain.ErrInternal.Wrap(err)
		}
		lobby := &domain.Lobby{
			Code:              NormalizeCode(code),
			QuizID:            quiz.ID,
			HostID:            subject,
			State:             domain.StateWaiting,
			OpenQuestionIndex: domain.NoQuestion,
			NextQuestionIndex: 0,
			BaseReward:        base,
			RewardPool: domain.RewardPool{
				WithReward:        req.WithReward,
				Balance:           decimal.Zero,
				CommissionPercent: s.opts.CommissionPercent,
				Paid:              !req.WithReward,
			},
			Players:   make(map[string]*domain.Player),
			Version:   1,
			CreatedAt: now,
			UpdatedAt: now,
		}

		err = s.store.Create(ctx, lobby)
		if errors.Is(err, domain.ErrLobbyExists) {
			continue
		}
		if err != nil {
			slog.ErrorContext(ctx, "lobby: create failed", "quiz", quiz.ID, "error", err)
			return nil, domain.ErrPersistence.Wrap(err)
		}

		c := newCoordinator(lobby, quiz, s.store, s.opts)
		s.mu.Lock()
		s.coordinators[lobby.Code] = c
		s.mu.Unlock()
		c.start()
		s.opts.Recorder.LobbyOpened()

		slog.InfoContext(ctx, "lobby: created", "lobby", lobby.Code, "quiz", quiz.ID, "withReward", req.WithReward)
		return lobby.Clone(), nil
	}
	return nil, domain.ErrLobbyExists
}

// coordinator returns the live coordinator for code, loading the lobby from the store on first use.
func (s *LobbyService) coordinator(ctx context.Context, code string) (*Coordinator, error) {
	code = NormalizeCode(code)
	if code == "" {
		return nil, domain.ErrInvalidRequest
	}

	s.mu.RLock()
	c, ok := s.coordinators[code]
	s.mu.RUnlock()
	if ok {
		return c, nil
	}

	ch := s.loading.DoChan(code, func() (any, error) {
		s.mu.RLock()
		c, ok := s.coordinators[code]
		s.mu.RUnlock()
		if ok {
			return c, nil
		}

		// Coalesced callers share this load, so it must not die with the first caller.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.SaveTimeout)
		defer cancel()

		lobby, err := s.store.Load(ctx, code)
		if err != nil {
			if errors.Is(err, domain.ErrLobbyNotFound) {
				return nil, err
			}
			return nil, domain.ErrPersistence.Wrap(err)
		}
		quiz, err := s.quizzes.GetQuiz(ctx, lobby.QuizID)
		if err != nil {
			return nil, err
		}

		c = newCoordinator(lobby, quiz, s.store, s.opts)
		s.mu.Lock()
		s.coordinators[code] = c
		s.mu.Unlock()
		c.start()
		s.opts.Recorder.LobbyOpened()

		slog.InfoContext(ctx, "lobby: restored from store", "lobby", code, "state", lobby.State, "version", lobby.Version)
		return c, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Coordinator), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Join adds a player and returns the JoinedLobby reply meant only for the joiner.
func (s *LobbyService) Join(ctx context.Context, req JoinRequest) (domain.Event, error) {
	nickname := strings.TrimSpace(req.Nickname)
	if n := utf8.RuneCountInString(nickname); n == 0 || n > maxNicknameLength {
		return domain.Event{}, domain.ErrInvalidNickname
	}

	var subject string
	if req.Credential != "" {
		var err error
		if subject, err = s.verifier.Verify(ctx, req.Credential); err != nil {
			return domain.Event{}, err
		}
	}

	c, err := s.coordinator(ctx, req.Code)
	if err != nil {
		return domain.Event{}, err
	}
	err = c.do(ctx, func(tx *txn) error {
		return tx.join(nickname, strings.TrimSpace(req.WalletAddress), subject)
	})
	if err != nil {
		return domain.Event{}, err
	}
	return domain.Event{
		Type:      domain.EventJoinedLobby,
		LobbyCode: c.code,
		Payload:   domain.JoinedLobby{Code: c.code},
	}, nil
}

// Start moves a WAITING lobby to ACTIVE and dispatches the first question.
func (s *LobbyService) Start(ctx context.Context, code, credential string) error {
	subject, err := s.verify(ctx, credential)
	if err != nil {
		return err
	}
	c, err := s.coordinator(ctx, code)
	if err != nil {
		return err
	}
	return c.do(ctx, func(tx *txn) error { return tx.start(subject) })
}

// SubmitAnswer grades an answer for the open question. A repeated submission is acknowledged without effect.
func (s *LobbyService) SubmitAnswer(ctx context.Context, req SubmitAnswerRequest) (AnswerOutcome, error) {
	nickname := strings.TrimSpace(req.Nickname)
	if nickname == "" || len(req.SelectedIndices) == 0 {
		return AnswerOutcome{}, domain.ErrInvalidRequest
	}
	c, err := s.coordinator(ctx, req.Code)
	if err != nil {
		return AnswerOutcome{}, err
	}

	req.Nickname = nickname
	var out AnswerOutcome
	err = c.do(ctx, func(tx *txn) error {
		var err error
		out, err = tx.answer(req)
		return err
	})
	if err != nil {
		return AnswerOutcome{}, err
	}
	return out, nil
}

// FundRewardPool records the host's payment into the reward pool.
func (s *LobbyService) FundRewardPool(ctx context.Context, code, credential string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return domain.ErrInvalidAmount
	}
	subject, err := s.verify(ctx, credential)
	if err != nil {
		return err
	}
	c, err := s.coordinator(ctx, code)
	if err != nil {
		return err
	}
	return c.do(ctx, func(tx *txn) error { return tx.fund(subject, amount) })
}

// DistributeRewards computes the payout plan of an ENDED reward lobby. It succeeds once per lobby.
func (s *LobbyService) DistributeRewards(ctx context.Context, code, credential string) (domain.RewardPlan, error) {
	subject, err := s.verify(ctx, credential)
	if err != nil {
		return domain.RewardPlan{}, err
	}
	c, err := s.coordinator(ctx, code)
	if err != nil {
		return domain.RewardPlan{}, err
	}

	var plan domain.RewardPlan
	err = c.do(ctx, func(tx *txn) error {
		var err error
		plan, err = tx.distribute(subject)
		return err
	})
	if err != nil {
		return domain.RewardPlan{}, err
	}
	return plan, nil
}

// Archive removes an ENDED lobby from the store and stops its coordinator.
func (s *LobbyService) Archive(ctx context.Context, code, credential string) error {
	subject, err := s.verify(ctx, credential)
	if err != nil {
		return err
	}
	c, err := s.coordinator(ctx, code)
	if err != nil {
		return err
	}

	err = c.do(ctx, func(tx *txn) error {
		if subject != tx.lobby.HostID {
			return domain.ErrNotHost
		}
		if tx.lobby.State != domain.StateEnded {
			return domain.ErrLobbyNotEnded
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := s.store.Delete(ctx, c.code); err != nil && !errors.Is(err, domain.ErrLobbyNotFound) {
		slog.ErrorContext(ctx, "lobby: delete failed", "lobby", c.code, "error", err)
		return domain.ErrPersistence.Wrap(err)
	}
	s.drop(c)
	slog.InfoContext(ctx, "lobby: archived", "lobby", c.code)
	return nil
}

func leaderboardOf(l *domain.Lobby) []domain.LeaderboardEntry {
	return scoring.Leaderboard(l.Contestants())
}

func (s *LobbyService) drop(c *Coordinator) {
	s.mu.Lock()
	if s.coordinators[c.code] == c {
		delete(s.coordinators, c.code)
	}
	s.mu.Unlock()
	c.stop()
	s.opts.Recorder.LobbyClosed()
}

// Snapshot returns a copy of the last committed lobby.
func (s *LobbyService) Snapshot(ctx context.Context, code string) (*domain.Lobby, error) {
	c, err := s.coordinator(ctx, code)
	if err != nil {
		return nil, err
	}
	return c.snapshot().Clone(), nil
}

// Lobby returns the public read model of a lobby.
func (s *LobbyService) Lobby(ctx context.Context, code string) (LobbyInfo, error) {
	c, err := s.coordinator(ctx, code)
	if err != nil {
		return LobbyInfo{}, err
	}
	l := c.snapshot()

	players := make([]string, 0, len(l.Players))
	for _, p := range l.Contestants() {
		players = append(players, p.Nickname)
	}
	return LobbyInfo{
		Code:              l.Code,
		QuizID:            l.QuizID,
		Title:             c.quiz.Title,
		Description:       c.quiz.Description,
		QuestionCount:     len(c.quiz.Questions),
		State:             l.State,
		OpenQuestionIndex: l.OpenQuestionIndex,
		Players:           players,
		BaseReward:        l.BaseReward,
		WithReward:        l.RewardPool.WithReward,
		RewardBalance:     l.RewardPool.Balance,
		Paid:              l.RewardPool.Paid,
		Distributed:       l.RewardPool.Distributed,
		CreatedAt:         l.CreatedAt,
	}, nil
}

// Results returns the current leaderboard, or the archived final one once the lobby is gone.
func (s *LobbyService) Results(ctx context.Context, code string) ([]domain.LeaderboardEntry, error) {
	c, err := s.coordinator(ctx, code)
	if err == nil {
		return leaderboardOf(c.snapshot()), nil
	}
	if errors.Is(err, domain.ErrLobbyNotFound) && s.opts.Archive != nil {
		entries, archiveErr := s.opts.Archive.Leaderboard(ctx, NormalizeCode(code))
		if archiveErr != nil {
			return nil, archiveErr
		}
		return entries, nil
	}
	return nil, err
}

// Subscribe returns the room event stream of a lobby.
// The channel is closed when the subscriber falls behind or the lobby stops; call cancel to leave early.
func (s *LobbyService) Subscribe(ctx context.Context, code string) (<-chan domain.Event, func(), error) {
	c, err := s.coordinator(ctx, code)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := c.subscribe()
	return ch, cancel, nil
}

// Close stops every coordinator. Pending timers are discarded; persisted lobbies resume on next use.
func (s *LobbyService) Close() {
	s.mu.Lock()
	all := make([]*Coordinator, 0, len(s.coordinators))
	for code, c := range s.coordinators {
		all = append(all, c)
		delete(s.coordinators, code)
	}
	s.mu.Unlock()

	for _, c := range all {
		c.stop()
		s.opts.Recorder.LobbyClosed()
	}
}
