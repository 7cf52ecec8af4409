package event_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"live-quiz-service/internal/event"
)

func TestBus_PublishSubscribe(t *testing.T) {
	type (
		inputs struct {
			published   []event.Event
			subscribers []subscriber
		}

		outputs struct {
			received map[string][]event.Event
		}
	)

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, out outputs)
	}{
		"a subscriber only receives the events it subscribed to": {
			arrange: func() inputs {
				return inputs{
					published:   []event.Event{named("newQuestion"), named("quizEnded")},
					subscribers: []subscriber{{name: "archive", subscribeTo: []string{"quizEnded"}}},
				}
			},
			assert: func(t *testing.T, out outputs) {
				assert.ElementsMatch(t, []event.Event{named("quizEnded")}, out.received["archive"])
			},
		},

		"a wildcard subscriber receives every event": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{named("playerJoined"), named("newQuestion"), named("quizEnded")},
					subscribers: []subscriber{
						{name: "metrics", subscribeTo: []string{event.Any}},
						{name: "archive", subscribeTo: []string{"quizEnded"}},
					},
				}
			},
			assert: func(t *testing.T, out outputs) {
				assert.ElementsMatch(t,
					[]event.Event{named("playerJoined"), named("newQuestion"), named("quizEnded")},
					out.received["metrics"],
				)
				assert.ElementsMatch(t, []event.Event{named("quizEnded")}, out.received["archive"])
			},
		},

		"an event is dispatched to all of its subscribers": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{named("quizEnded"), named("quizEnded")},
					subscribers: []subscriber{
						{name: "s1", subscribeTo: []string{"quizEnded"}},
						{name: "s2", subscribeTo: []string{"quizEnded"}},
					},
				}
			},
			assert: func(t *testing.T, out outputs) {
				assert.Len(t, out.received["s1"], 2)
				assert.Len(t, out.received["s2"], 2)
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			in := tt.arrange()
			mu := sync.Mutex{}
			out := outputs{received: make(map[string][]event.Event)}

			b := event.NewBus(event.WithPoolSize(4))
			for _, s := range in.subscribers {
				s := s
				for _, e := range s.subscribeTo {
					b.Subscribe(e, func(ctx context.Context, e event.Event) error {
						mu.Lock()
						out.received[s.name] = append(out.received[s.name], e)
						mu.Unlock()
						return nil
					})
				}
			}

			for _, e := range in.published {
				b.Publish(context.Background(), e)
			}
			b.Stop()

			tt.assert(t, out)
		})
	}
}

func TestBus_HandlerFailuresAreContained(t *testing.T) {
	var calls atomic.Int32
	b := event.NewBus(event.WithTimeout(time.Second))
	b.Subscribe("quizEnded", func(ctx context.Context, e event.Event) error {
		calls.Add(1)
		panic("boom")
	})
	b.Subscribe("quizEnded", func(ctx context.Context, e event.Event) error {
		calls.Add(1)
		return errors.New("archive down")
	})

	b.Publish(context.Background(), named("quizEnded"))
	b.Stop()

	assert.Equal(t, int32(2), calls.Load())
}

func TestBus_PublishAfterStopIsDropped(t *testing.T) {
	var calls atomic.Int32
	b := event.NewBus()
	b.Subscribe(event.Any, func(ctx context.Context, e event.Event) error {
		calls.Add(1)
		return nil
	})
	b.Stop()

	b.Publish(context.Background(), named("quizEnded"))

	assert.Equal(t, int32(0), calls.Load())
}

type named string

func (e named) Name() string {
	return string(e)
}

type subscriber struct {
	name        string
	subscribeTo []string
}
