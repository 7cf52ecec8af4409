package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"live-quiz-service/internal/domain"
)

// Timer is a pending Deadline Timer. *time.Timer satisfies it.
type Timer interface {
	Stop() bool
}

// AfterFunc arms f to run once after d.
type AfterFunc func(d time.Duration, f func()) Timer

func stdAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type command struct {
	ctx    context.Context
	fn     func(tx *txn) error
	done   chan error
	expiry bool
	epoch  int
}

// Coordinator is the single writer of one lobby. Commands run one at a time in arrival order
// on its own goroutine; the committed lobby is only replaced after a successful save.
type Coordinator struct {
	code  string
	quiz  domain.Quiz
	store LobbyStore
	opts  Options

	inbox   chan command
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once

	// owned by the run goroutine
	lobby      *domain.Lobby
	timer      Timer
	timerEpoch int

	view atomic.Pointer[domain.Lobby]

	subsMu      sync.Mutex
	subscribers map[chan domain.Event]struct{}
}

func newCoordinator(lobby *domain.Lobby, quiz domain.Quiz, store LobbyStore, opts Options) *Coordinator {
	c := &Coordinator{
		code:        lobby.Code,
		quiz:        quiz,
		store:       store,
		opts:        opts,
		inbox:       make(chan command, 64),
		quit:        make(chan struct{}),
		stopped:     make(chan struct{}),
		lobby:       lobby,
		timerEpoch:  domain.NoQuestion,
		subscribers: make(map[chan domain.Event]struct{}),
	}
	c.view.Store(lobby)
	return c
}

func (c *Coordinator) start() {
	go c.run()
}

func (c *Coordinator) run() {
	defer close(c.stopped)

	// Recover the deadline of a question that was open when the lobby was last saved.
	if c.lobby.State == domain.StateActive && c.lobby.HasOpenQuestion() {
		c.arm(c.lobby.OpenQuestionIndex, c.opts.QuestionDuration)
	}

	for {
		select {
		case cmd := <-c.inbox:
			c.handle(cmd)
		case <-c.quit:
			c.disarm()
			c.closeSubscribers()
			return
		}
	}
}

func (c *Coordinator) stop() {
	c.once.Do(func() { close(c.quit) })
	<-c.stopped
}

// do enqueues fn and waits until it has been applied.
func (c *Coordinator) do(ctx context.Context, fn func(tx *txn) error) error {
	return c.submit(command{ctx: ctx, fn: fn, done: make(chan error, 1), epoch: domain.NoQuestion})
}

func (c *Coordinator) submit(cmd command) error {
	select {
	case c.inbox <- cmd:
	case <-c.quit:
		return domain.ErrLobbyClosed
	case <-cmd.ctx.Done():
		return cmd.ctx.Err()
	}

	select {
	case err := <-cmd.done:
		return err
	case <-c.stopped:
		select {
		case err := <-cmd.done:
			return err
		default:
			return domain.ErrLobbyClosed
		}
	case <-cmd.ctx.Done():
		return cmd.ctx.Err()
	}
}

func (c *Coordinator) handle(cmd command) {
	work := c.lobby.Clone()
	tx := &txn{
		lobby:     work,
		quiz:      c.quiz,
		now:       c.opts.Now().UTC(),
		timeLimit: c.opts.QuestionDuration,
	}

	if err := cmd.fn(tx); err != nil {
		c.fail(cmd, err)
		return
	}

	if tx.dirty {
		work.Version++
		work.UpdatedAt = tx.now

		ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.ctx), c.opts.SaveTimeout)
		err := c.store.Save(ctx, work)
		cancel()
		if err != nil {
			slog.ErrorContext(cmd.ctx, "coordinator: save lobby failed",
				"lobby", c.code,
				"version", work.Version,
				"error", err,
			)
			// The write may have landed even though it reported an error.
			c.resync(cmd.ctx)
			if !errors.Is(err, domain.ErrConcurrentUpdate) {
				err = domain.ErrPersistence.Wrap(err)
			}
			c.fail(cmd, err)
			return
		}
		c.lobby = work
		c.view.Store(work)
	}

	for _, record := range tx.metrics {
		record(c.opts.Recorder)
	}

	switch tx.timer {
	case timerArm:
		c.arm(tx.timerEpoch, c.opts.QuestionDuration)
	case timerCancel:
		c.disarm()
	}

	c.broadcast(cmd.ctx, tx.events)
	cmd.done <- nil
}

func (c *Coordinator) fail(cmd command, err error) {
	// An expiry has no caller to retry it; keep the question closable.
	retryable := errors.Is(err, domain.ErrPersistence) || errors.Is(err, domain.ErrConcurrentUpdate)
	if cmd.expiry && retryable && c.lobby.State == domain.StateActive && c.lobby.OpenQuestionIndex == cmd.epoch {
		c.arm(cmd.epoch, c.opts.RetryDelay)
	}
	cmd.done <- err
}

// resync replaces the committed lobby with the stored one when the store is ahead of it.
// Subscribers are told about the question or result they missed.
func (c *Coordinator) resync(ctx context.Context) {
	loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.SaveTimeout)
	stored, err := c.store.Load(loadCtx, c.code)
	cancel()
	if err != nil {
		slog.WarnContext(ctx, "coordinator: reload lobby failed", "lobby", c.code, "error", err)
		return
	}
	if stored.Version <= c.lobby.Version {
		return
	}

	prev := c.lobby
	c.lobby = stored
	c.view.Store(stored)
	slog.InfoContext(ctx, "coordinator: reloaded lobby", "lobby", c.code, "from", prev.Version, "to", stored.Version)

	var events []domain.Event
	switch {
	case stored.State == domain.StateEnded:
		c.disarm()
		if prev.State != domain.StateEnded {
			events = append(events, quizEndedEvent(stored))
		}
	case stored.State == domain.StateActive && stored.HasOpenQuestion():
		if prev.State != domain.StateActive {
			events = append(events, domain.Event{Type: domain.EventQuizStarted, LobbyCode: c.code})
		}
		if prev.OpenQuestionIndex != stored.OpenQuestionIndex && stored.OpenQuestionIndex < len(c.quiz.Questions) {
			events = append(events, newQuestionEvent(stored.Code, c.quiz, stored.OpenQuestionIndex, c.opts.QuestionDuration))
		}
		if c.timer == nil || c.timerEpoch != stored.OpenQuestionIndex {
			c.arm(stored.OpenQuestionIndex, c.opts.QuestionDuration)
		}
	}
	c.broadcast(ctx, events)
}

// arm replaces the pending timer, which invalidates the previous epoch.
func (c *Coordinator) arm(epoch int, d time.Duration) {
	c.disarm()
	c.timerEpoch = epoch
	c.timer = c.opts.AfterFunc(d, func() { c.expire(epoch) })
}

func (c *Coordinator) disarm() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerEpoch = domain.NoQuestion
}

func (c *Coordinator) expire(epoch int) {
	err := c.submit(command{
		ctx:    context.Background(),
		fn:     func(tx *txn) error { return tx.expire(epoch) },
		done:   make(chan error, 1),
		expiry: true,
		epoch:  epoch,
	})
	if err != nil && !errors.Is(err, domain.ErrLobbyClosed) {
		slog.Error("coordinator: question expiry failed", "lobby", c.code, "question", epoch, "error", err)
	}
}

// snapshot returns the last committed lobby. Callers must not mutate it.
func (c *Coordinator) snapshot() *domain.Lobby {
	return c.view.Load()
}

func (c *Coordinator) subscribe() (<-chan domain.Event, func()) {
	ch := make(chan domain.Event, c.opts.SubscriberBuffer)

	c.subsMu.Lock()
	c.subscribers[ch] = struct{}{}
	c.subsMu.Unlock()

	cancel := func() {
		c.subsMu.Lock()
		if _, ok := c.subscribers[ch]; ok {
			delete(c.subscribers, ch)
			close(ch)
		}
		c.subsMu.Unlock()
	}
	return ch, cancel
}

func (c *Coordinator) broadcast(ctx context.Context, events []domain.Event) {
	if len(events) == 0 {
		return
	}

	c.subsMu.Lock()
	for _, e := range events {
		for ch := range c.subscribers {
			select {
			case ch <- e:
			default:
				// A subscriber that cannot keep up would miss questions; drop it so the gateway disconnects it.
				slog.WarnContext(ctx, "coordinator: dropping slow subscriber", "lobby", c.code)
				delete(c.subscribers, ch)
				close(ch)
			}
		}
	}
	c.subsMu.Unlock()

	if c.opts.Publisher != nil {
		// Side consumers outlive the request that produced the event.
		pctx := context.WithoutCancel(ctx)
		for _, e := range events {
			c.opts.Publisher.Publish(pctx, e)
		}
	}
}

func (c *Coordinator) closeSubscribers() {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for ch := range c.subscribers {
		delete(c.subscribers, ch)
		close(ch)
	}
}
