package socket

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"socialink/internal/auth"
	"socialink/internal/mail"
	"socialink/internal/middleware"

	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds a single outbound write.
	writeWait = 10 * time.Second

	// pongWait is how long a silent peer is tolerated before the read
	// loop gives up. Must exceed keepAliveInterval so pings fit inside.
	pongWait = 75 * time.Second

	// keepAliveInterval drives both the ping frames and the periodic
	// session revalidation.
	keepAliveInterval = 30 * time.Second

	maxMessageSize = 64 * 1024

	// sendBuffer is the per-connection outbound queue. A client that
	// cannot drain it in time is disconnected rather than allowed to
	// block fan-out for the whole room.
	sendBuffer = 64
)

// Handler upgrades /ws requests, authenticates them and runs the
// per-connection loops.
type Handler struct {
	reg     *Registry
	bus     *Dispatcher
	convs   ConversationStore
	msgs    MessageStore
	users   UserStore
	mailer  mail.Sender
	limiter *middleware.LimiterStore
	auth    *auth.JWTManager

	upgrader websocket.Upgrader
}

// NewHandler wires a socket handler with its collaborators.
func NewHandler(reg *Registry, bus *Dispatcher, convs ConversationStore, msgs MessageStore, users UserStore, mailer mail.Sender, limiter *middleware.LimiterStore, authMgr *auth.JWTManager) *Handler {
	return &Handler{
		reg:     reg,
		bus:     bus,
		convs:   convs,
		msgs:    msgs,
		users:   users,
		mailer:  mailer,
		limiter: limiter,
		auth:    authMgr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// ServeHTTP is the /ws endpoint. Browser WebSocket clients cannot set an
// Authorization header, so the session token is also accepted as a query
// parameter.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer"))
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		return
	}

	// Identity is derived once, here. An invalid session is terminal: the
	// client gets a rejection event and the connection closes without any
	// further event processing.
	claims, err := h.auth.VerifyToken(token)
	if err != nil {
		h.reject(ws, "invalid or missing session")
		return
	}
	userID, err := claims.Subject()
	if err != nil {
		h.reject(ws, "invalid session subject")
		return
	}

	sink := newWSSink(ws)
	conn := NewConn(userID, sink)
	h.reg.Register(conn)
	session := NewSession(conn, h.reg, h.bus, h.convs, h.msgs, h.users, h.mailer, h.limiter)

	go sink.writeLoop()
	go h.keepAlive(conn, sink, token)

	defer func() {
		h.reg.Unregister(conn)
		sink.close()
	}()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	// One event at a time per connection: a handler runs to completion
	// before the next inbound event on this connection is read.
	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil || env.Event == "" {
			// Malformed frames are rejected, never silently dropped,
			// and never crash the connection.
			session.sendError(invalidInput("malformed event envelope"))
			continue
		}
		session.HandleEvent(r.Context(), env)
	}
}

// reject emits the unauthorized event and terminates the connection.
func (h *Handler) reject(ws *websocket.Conn, msg string) {
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = ws.WriteJSON(Event{Event: EventUnauthorized, Data: map[string]any{"message": msg}})
	_ = ws.Close()
}

// keepAlive periodically re-validates the session behind the connection and
// pings the peer. If the session has been invalidated (expired token), the
// connection is forcibly closed. The ticker stops on disconnect so no timer
// leaks past the connection's lifetime.
func (h *Handler) keepAlive(conn *Conn, sink *wsSink, token string) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sink.done:
			return
		case <-ticker.C:
			if _, err := h.auth.VerifyToken(token); err != nil {
				log.Printf("session for user %s no longer valid, closing connection %s: %v",
					conn.UserID.Hex(), conn.ID, err)
				h.reg.Unregister(conn)
				sink.close()
				return
			}
			_ = sink.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
		}
	}
}

// wsSink adapts a gorilla connection to the EventSink interface with a
// buffered outbound queue and a single writer goroutine.
type wsSink struct {
	ws   *websocket.Conn
	out  chan Event
	done chan struct{}
	once sync.Once
}

func newWSSink(ws *websocket.Conn) *wsSink {
	return &wsSink{
		ws:   ws,
		out:  make(chan Event, sendBuffer),
		done: make(chan struct{}),
	}
}

// Send queues one event without blocking. A full buffer is reported as an
// error so the registry drops the connection instead of stalling a fan-out.
func (s *wsSink) Send(ev Event) error {
	select {
	case <-s.done:
		return errors.New("connection closed")
	case s.out <- ev:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

func (s *wsSink) writeLoop() {
	defer func() { _ = s.ws.Close() }()
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.out:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteJSON(ev); err != nil {
				s.close()
				return
			}
		}
	}
}

func (s *wsSink) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.ws.Close()
	})
}
