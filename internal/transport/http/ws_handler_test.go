package http

import (
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type      string         `json:"type"`
	LobbyCode string         `json:"lobbyCode"`
	Payload   map[string]any `json:"payload"`
}

func dial(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	u := "ws" + env.server.URL[len("http"):] + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ, code string, payload map[string]any) {
	t.Helper()
	if err := conn.WriteJSON(map[string]any{"type": typ, "lobbyCode": code, "payload": payload}); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

func readNext(t *testing.T, conn *websocket.Conn) wsMessage {
	t.Helper()
	var msg wsMessage
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

// readUntil skips messages until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) wsMessage {
	t.Helper()
	for i := 0; i < 20; i++ {
		if msg := readNext(t, conn); msg.Type == typ {
			return msg
		}
	}
	t.Fatalf("no %s message", typ)
	return wsMessage{}
}

func TestWebSocketQuizFlow(t *testing.T) {
	env := newTestEnv(t)
	code := env.createLobby(t, false)

	host := dial(t, env)
	send(t, host, "joinLobby", code, map[string]any{"nickname": "host", "hostToken": env.hostToken})
	if msg := readNext(t, host); msg.Type != "joinedLobby" || msg.Payload["code"] != code {
		t.Fatalf("expected joinedLobby for %s, got %+v", code, msg)
	}

	player := dial(t, env)
	send(t, player, "joinLobby", "ABC123", map[string]any{"nickname": "alice", "walletAddress": "0xabc"})
	if msg := readNext(t, player); msg.Type != "joinedLobby" {
		t.Fatalf("expected joinedLobby first, got %s", msg.Type)
	}
	if msg := readUntil(t, host, "playerJoined"); msg.Payload["nickname"] != "host" {
		t.Fatalf("expected host's own playerJoined first, got %+v", msg.Payload)
	}
	if msg := readUntil(t, host, "playerJoined"); msg.Payload["nickname"] != "alice" {
		t.Fatalf("expected alice joined, got %+v", msg.Payload)
	}

	send(t, host, "startQuiz", "", map[string]any{"hostToken": env.hostToken})
	readUntil(t, player, "quizStarted")
	question := readUntil(t, player, "newQuestion")
	if question.Payload["index"] != float64(0) || question.Payload["text"] != "What is 2 + 2?" {
		t.Fatalf("unexpected question %+v", question.Payload)
	}
	if _, leaked := question.Payload["correct"]; leaked {
		t.Fatalf("question must not carry the correct options")
	}

	send(t, player, "submitAnswer", "", map[string]any{"selectedIndices": []int{1}, "questionIndex": 0})

	seen := map[string]wsMessage{}
	for i := 0; i < 5 && (seen["answerResult"].Type == "" || seen["quizEnded"].Type == ""); i++ {
		msg := readNext(t, player)
		seen[msg.Type] = msg
	}
	result, ok := seen["answerResult"]
	if !ok {
		t.Fatalf("expected answerResult, got %v", seen)
	}
	if result.Payload["correct"] != true || result.Payload["score"] != float64(300) {
		t.Fatalf("unexpected answer result %+v", result.Payload)
	}
	ended, ok := seen["quizEnded"]
	if !ok {
		t.Fatalf("expected quizEnded, got %v", seen)
	}
	board, _ := ended.Payload["leaderboard"].([]any)
	if len(board) != 1 {
		t.Fatalf("expected one leaderboard entry without the host, got %v", board)
	}

	if msg := readUntil(t, host, "quizEnded"); msg.LobbyCode != code {
		t.Fatalf("host got quizEnded for %q", msg.LobbyCode)
	}
}

func TestWebSocketErrors(t *testing.T) {
	env := newTestEnv(t)
	code := env.createLobby(t, false)
	conn := dial(t, env)

	tests := []struct {
		name     string
		typ      string
		code     string
		payload  map[string]any
		wantKind string
	}{
		{name: "unknown type", typ: "dance", code: code, payload: map[string]any{}, wantKind: "InvalidRequest"},
		{name: "unknown lobby", typ: "joinLobby", code: "ffffff", payload: map[string]any{"nickname": "bob"}, wantKind: "LobbyNotFound"},
		{name: "missing nickname", typ: "joinLobby", code: code, payload: map[string]any{"nickname": " "}, wantKind: "InvalidNickname"},
		{name: "bad host token", typ: "startQuiz", code: code, payload: map[string]any{"hostToken": "nope"}, wantKind: "AuthInvalid"},
		{name: "answer before start", typ: "submitAnswer", code: code, payload: map[string]any{"nickname": "bob", "selectedIndices": []int{0}}, wantKind: "LobbyNotActive"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			send(t, conn, tc.typ, tc.code, tc.payload)
			msg := readNext(t, conn)
			if msg.Type != "errorMessage" {
				t.Fatalf("expected errorMessage, got %s", msg.Type)
			}
			if msg.Payload["kind"] != tc.wantKind {
				t.Fatalf("expected kind %s, got %v", tc.wantKind, msg.Payload["kind"])
			}
		})
	}
}

func TestWebSocketRejectsSecondJoin(t *testing.T) {
	env := newTestEnv(t)
	code := env.createLobby(t, false)
	conn := dial(t, env)

	send(t, conn, "joinLobby", code, map[string]any{"nickname": "bob"})
	readUntil(t, conn, "joinedLobby")

	send(t, conn, "joinLobby", code, map[string]any{"nickname": "bob2"})
	msg := readUntil(t, conn, "errorMessage")
	if msg.Payload["kind"] != "InvalidRequest" {
		t.Fatalf("expected InvalidRequest, got %v", msg.Payload["kind"])
	}
}

func TestWebSocketAnswerIsBoundToJoinedPlayer(t *testing.T) {
	env := newTestEnv(t)
	code := env.createLobby(t, false)
	bob := dial(t, env)
	alice := dial(t, env)

	send(t, bob, "joinLobby", code, map[string]any{"nickname": "bob"})
	readUntil(t, bob, "joinedLobby")
	send(t, alice, "joinLobby", code, map[string]any{"nickname": "alice"})
	readUntil(t, alice, "joinedLobby")

	send(t, alice, "submitAnswer", code, map[string]any{"nickname": "bob", "selectedIndices": []int{1}})
	msg := readUntil(t, alice, "errorMessage")
	if msg.Payload["kind"] != "NicknameMismatch" {
		t.Fatalf("expected NicknameMismatch, got %v", msg.Payload["kind"])
	}

	send(t, alice, "submitAnswer", "ffffff", map[string]any{"selectedIndices": []int{1}})
	msg = readUntil(t, alice, "errorMessage")
	if msg.Payload["kind"] != "NicknameMismatch" {
		t.Fatalf("expected NicknameMismatch for another lobby, got %v", msg.Payload["kind"])
	}

	snap, err := env.service.Snapshot(context.Background(), code)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Players["bob"].Answers) != 0 {
		t.Fatalf("bob should have no answers, got %+v", snap.Players["bob"].Answers)
	}
}
