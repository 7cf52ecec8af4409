package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
	sendBuffer     = 32
)

// Inbound message types.
const (
	msgJoinLobby    = "joinLobby"
	msgStartQuiz    = "startQuiz"
	msgSubmitAnswer = "submitAnswer"
)

// WSHandler is the real-time gateway. Each connection joins at most one lobby and then
// receives that lobby's room events in commit order.
type WSHandler struct {
	service  *app.LobbyService
	upgrader websocket.Upgrader
}

func NewWSHandler(service *app.LobbyService) *WSHandler {
	return &WSHandler{
		service: service,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type      string          `json:"type"`
	LobbyCode string          `json:"lobbyCode"`
	Payload   json.RawMessage `json:"payload"`
}

type joinPayload struct {
	Nickname      string `json:"nickname"`
	HostToken     string `json:"hostToken"`
	WalletAddress string `json:"walletAddress"`
}

type startPayload struct {
	HostToken string `json:"hostToken"`
}

type answerPayload struct {
	Nickname        string `json:"nickname"`
	SelectedIndices []int  `json:"selectedIndices"`
	QuestionIndex   *int   `json:"questionIndex"`
}

// ServeWS upgrades HTTP requests to websockets and feeds client messages into the lobby service.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.WarnContext(r.Context(), "ws: upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	c := &wsConn{
		service: h.service,
		conn:    conn,
		id:      uuid.NewString(),
		send:    make(chan domain.Event, sendBuffer),
		closing: make(chan struct{}),
	}
	c.serve(r.Context())
}

type wsConn struct {
	service *app.LobbyService
	conn    *websocket.Conn
	id      string

	send    chan domain.Event
	closing chan struct{}
	wg      sync.WaitGroup

	code        string
	nickname    string
	unsubscribe func()
}

func (c *wsConn) serve(ctx context.Context) {
	writerDone := make(chan struct{})
	go c.writeLoop(writerDone)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg inboundMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				c.reply(domain.ErrorEvent(c.code, domain.ErrInvalidRequest.Wrap(err)))
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.InfoContext(ctx, "ws: read failed", "conn", c.id, "lobby", c.code, "error", err)
			}
			break
		}
		c.handle(ctx, msg)
	}

	close(c.closing)
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.wg.Wait()
	close(c.send)
	<-writerDone
}

// writeLoop is the only writer of the connection. After a write failure it keeps draining send
// so producers never block on a dead client.
func (c *wsConn) writeLoop(done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-c.send:
			if !ok {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(e); err != nil {
				slog.Info("ws: write failed", "conn", c.id, "error", err)
				c.abort()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.abort()
				return
			}
		}
	}
}

// abort closes the socket so the read loop exits, then drains send until it is closed.
func (c *wsConn) abort() {
	_ = c.conn.Close()
	for range c.send {
	}
}

// forward relays the lobby's room events. The stream closes when the lobby stops or this
// connection falls behind; either way the client is disconnected.
func (c *wsConn) forward(updates <-chan domain.Event) {
	defer c.wg.Done()
	for {
		select {
		case e, ok := <-updates:
			if !ok {
				slog.Info("ws: room stream closed", "conn", c.id, "lobby", c.code)
				_ = c.conn.Close()
				return
			}
			select {
			case c.send <- e:
			case <-c.closing:
				return
			}
		case <-c.closing:
			return
		}
	}
}

func (c *wsConn) reply(e domain.Event) {
	select {
	case c.send <- e:
	case <-c.closing:
	}
}

func (c *wsConn) handle(ctx context.Context, msg inboundMessage) {
	code := msg.LobbyCode
	if code == "" {
		code = c.code
	}

	var err error
	switch msg.Type {
	case msgJoinLobby:
		err = c.join(ctx, code, msg.Payload)
	case msgStartQuiz:
		err = c.start(ctx, code, msg.Payload)
	case msgSubmitAnswer:
		err = c.answer(ctx, code, msg.Payload)
	default:
		err = domain.ErrInvalidRequest
	}
	if err == nil {
		return
	}

	e := domain.Convert(err)
	if e.Kind == domain.KindInternal || e.Kind == domain.KindUnavailable {
		slog.ErrorContext(ctx, "ws: operation failed", "conn", c.id, "lobby", code, "type", msg.Type, "error", err)
	}
	c.reply(domain.ErrorEvent(code, err))
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return domain.ErrInvalidRequest
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return domain.ErrInvalidRequest.Wrap(err)
	}
	return nil
}

// join subscribes before joining so the joiner's own PlayerJoined is never missed,
// and queues JoinedLobby before any room event.
func (c *wsConn) join(ctx context.Context, code string, raw json.RawMessage) error {
	if c.unsubscribe != nil {
		return domain.ErrInvalidRequest.Wrap(errors.New("connection already joined a lobby"))
	}
	var p joinPayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	if code == "" {
		return domain.ErrInvalidRequest
	}

	updates, cancel, err := c.service.Subscribe(ctx, code)
	if err != nil {
		return err
	}
	joined, err := c.service.Join(ctx, app.JoinRequest{
		Code:          code,
		Nickname:      p.Nickname,
		WalletAddress: p.WalletAddress,
		Credential:    p.HostToken,
	})
	if err != nil {
		cancel()
		return err
	}

	c.code = joined.LobbyCode
	c.nickname = p.Nickname
	c.unsubscribe = cancel
	c.reply(joined)

	c.wg.Add(1)
	go c.forward(updates)
	return nil
}

func (c *wsConn) start(ctx context.Context, code string, raw json.RawMessage) error {
	var p startPayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	if code == "" {
		return domain.ErrInvalidRequest
	}
	return c.service.Start(ctx, code, p.HostToken)
}

func (c *wsConn) answer(ctx context.Context, code string, raw json.RawMessage) error {
	var p answerPayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	if code == "" {
		return domain.ErrInvalidRequest
	}
	if c.nickname != "" {
		if p.Nickname != "" && p.Nickname != c.nickname {
			return domain.ErrNicknameMismatch
		}
		if app.NormalizeCode(code) != c.code {
			return domain.ErrNicknameMismatch
		}
		p.Nickname = c.nickname
	}

	out, err := c.service.SubmitAnswer(ctx, app.SubmitAnswerRequest{
		Code:            code,
		Nickname:        p.Nickname,
		SelectedIndices: p.SelectedIndices,
		QuestionIndex:   p.QuestionIndex,
	})
	if err != nil {
		return err
	}
	c.reply(domain.Event{Type: domain.EventAnswerResult, LobbyCode: app.NormalizeCode(code), Payload: out})
	return nil
}
