package domain

// EventType names a message sent from the engine to clients.
type EventType string

const (
	EventJoinedLobby    EventType = "joinedLobby"
	EventPlayerJoined   EventType = "playerJoined"
	EventQuizStarted    EventType = "quizStarted"
	EventNewQuestion    EventType = "newQuestion"
	EventPlayerAnswered EventType = "playerAnswered"
	EventQuizEnded      EventType = "quizEnded"
	EventErrorMessage   EventType = "errorMessage"
	EventAnswerResult   EventType = "answerResult"
)

// Event is an engine-to-client message. Room events are fanned out to every subscriber of a lobby.
type Event struct {
	Type      EventType `json:"type"`
	LobbyCode string    `json:"lobbyCode"`
	Payload   any       `json:"payload,omitempty"`
}

// Name lets events travel over the in-process event bus.
func (e Event) Name() string { return string(e.Type) }

type JoinedLobby struct {
	Code string `json:"code"`
}

type PlayerJoined struct {
	Nickname string `json:"nickname"`
}

// NewQuestion never carries the correct option set.
type NewQuestion struct {
	Index            int      `json:"index"`
	Total            int      `json:"total"`
	Text             string   `json:"text"`
	Options          []string `json:"options"`
	TimeLimitSeconds int      `json:"timeLimitSeconds"`
}

// PlayerAnswered withholds correctness from the room.
type PlayerAnswered struct {
	Nickname string `json:"nickname"`
}

type QuizEnded struct {
	Leaderboard []LeaderboardEntry `json:"leaderboard"`
}

type ErrorMessage struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ErrorEvent builds the unicast error reply for err.
func ErrorEvent(code string, err error) Event {
	e := Convert(err)
	return Event{
		Type:      EventErrorMessage,
		LobbyCode: code,
		Payload:   ErrorMessage{Kind: e.Code, Message: e.Message},
	}
}
