package domain

import (
	"errors"
	"net/http"
)

// Kind groups errors by how callers should react to them.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindNotFound      Kind = "not_found"
	KindAuth          Kind = "auth"
	KindStateConflict Kind = "state_conflict"
	KindUnavailable   Kind = "unavailable"
	KindInternal      Kind = "internal"
)

var kind2http = map[Kind]int{
	KindValidation:    http.StatusBadRequest,
	KindNotFound:      http.StatusNotFound,
	KindAuth:          http.StatusUnauthorized,
	KindStateConflict: http.StatusConflict,
	KindUnavailable:   http.StatusServiceUnavailable,
	KindInternal:      http.StatusInternalServerError,
}

// Error is a classified engine error. Two errors match under errors.Is when their codes match.
type Error struct {
	Kind    Kind   `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
	cause   error
}

func newError(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Wrap returns a copy of e carrying cause.
func (e *Error) Wrap(cause error) *Error {
	cp := *e
	cp.cause = cause
	return &cp
}

// HTTPStatusCode maps the error kind onto an HTTP status.
func (e *Error) HTTPStatusCode() int {
	if c, ok := kind2http[e.Kind]; ok {
		return c
	}
	return http.StatusInternalServerError
}

// Convert returns err as an *Error, classifying unknown errors as internal.
func Convert(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return ErrInternal.Wrap(err)
}

var (
	// ErrInvalidRequest is returned for missing or malformed input.
	ErrInvalidRequest = newError(KindValidation, "InvalidRequest", "invalid request")
	// ErrInvalidNickname is returned when a nickname is empty or too long.
	ErrInvalidNickname = newError(KindValidation, "InvalidNickname", "nickname must be 1-32 characters")
	// ErrInvalidSelection is returned when an answer references options that do not exist.
	ErrInvalidSelection = newError(KindValidation, "InvalidSelection", "selected option out of range")
	// ErrInvalidAmount is returned when a reward pool amount is not positive.
	ErrInvalidAmount = newError(KindValidation, "InvalidAmount", "amount must be positive")
	// ErrHostCannotAnswer is returned when the host tries to submit an answer.
	ErrHostCannotAnswer = newError(KindValidation, "HostCannotAnswer", "host cannot answer questions")
	// ErrQuizHasNoQuestions is returned when a lobby is created for an empty quiz.
	ErrQuizHasNoQuestions = newError(KindValidation, "QuizHasNoQuestions", "quiz has no questions")

	// ErrLobbyNotFound is returned when no lobby exists for a code.
	ErrLobbyNotFound = newError(KindNotFound, "LobbyNotFound", "lobby not found")
	// ErrPlayerNotFound is returned when a nickname has not joined the lobby.
	ErrPlayerNotFound = newError(KindNotFound, "PlayerNotFound", "player not found in lobby")
	// ErrQuizNotFound indicates the quiz content could not be loaded.
	ErrQuizNotFound = newError(KindNotFound, "QuizNotFound", "quiz not found")
	// ErrNoOpenQuestion is returned when no question is answerable or the submitted index is not the open one.
	ErrNoOpenQuestion = newError(KindNotFound, "NoOpenQuestion", "no open question")

	// ErrAuthInvalid is returned for a missing or bad credential.
	ErrAuthInvalid = newError(KindAuth, "AuthInvalid", "invalid credential")
	// ErrAuthExpired is returned for an expired credential.
	ErrAuthExpired = newError(KindAuth, "AuthExpired", "credential expired")
	// ErrNotHost is returned when the credential subject is not the lobby host.
	ErrNotHost = newError(KindAuth, "NotHost", "only the host can do this")
	// ErrNicknameMismatch is returned when a joined connection acts for another player or lobby.
	ErrNicknameMismatch = newError(KindAuth, "NicknameMismatch", "connection is joined as another player")

	// ErrLobbyExists is returned when a lobby code is already taken.
	ErrLobbyExists = newError(KindStateConflict, "LobbyExists", "lobby already exists")
	// ErrLobbyEnded is returned when joining a finished lobby.
	ErrLobbyEnded = newError(KindStateConflict, "LobbyEnded", "lobby has ended")
	// ErrDuplicateNickname is returned when a nickname is already taken in the lobby.
	ErrDuplicateNickname = newError(KindStateConflict, "DuplicateNickname", "nickname already taken")
	// ErrAlreadyStarted is returned when starting a lobby that is not waiting.
	ErrAlreadyStarted = newError(KindStateConflict, "AlreadyStarted", "quiz already started")
	// ErrPaymentIncomplete is returned when a reward lobby is started before its pool is paid.
	ErrPaymentIncomplete = newError(KindStateConflict, "PaymentIncomplete", "reward payment is not completed")
	// ErrLobbyNotActive is returned when answering outside of an active quiz.
	ErrLobbyNotActive = newError(KindStateConflict, "LobbyNotActive", "quiz is not active")
	// ErrLobbyNotEnded is returned for operations that need a finished quiz.
	ErrLobbyNotEnded = newError(KindStateConflict, "LobbyNotEnded", "quiz has not ended")
	// ErrRewardsDisabled is returned for reward operations on a lobby without a reward pool.
	ErrRewardsDisabled = newError(KindStateConflict, "RewardsDisabled", "lobby has no reward pool")
	// ErrRewardsDistributed is returned when distributing twice.
	ErrRewardsDistributed = newError(KindStateConflict, "RewardsDistributed", "rewards already distributed")
	// ErrPoolAlreadyFunded is returned when funding a pool twice.
	ErrPoolAlreadyFunded = newError(KindStateConflict, "PoolAlreadyFunded", "reward pool already funded")
	// ErrConcurrentUpdate is returned by stores when a save does not follow the stored version.
	ErrConcurrentUpdate = newError(KindStateConflict, "ConcurrentUpdate", "lobby was modified concurrently")

	// ErrPersistence is returned when the session store cannot be reached.
	ErrPersistence = newError(KindUnavailable, "PersistenceUnavailable", "session store unavailable")
	// ErrLobbyClosed is returned when a lobby coordinator stopped before handling the operation.
	ErrLobbyClosed = newError(KindUnavailable, "LobbyClosed", "lobby is closed")

	// ErrInternal wraps unclassified failures.
	ErrInternal = newError(KindInternal, "Internal", "internal error")
)
