// Package ws keeps live websocket sessions for providers and customers and
// delivers notification messages over them.
package ws

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/fixmarket/dispatch/core/logger"
	"github.com/fixmarket/dispatch/core/model"
	"github.com/fixmarket/dispatch/infra/notify"
)

type session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *session) writeJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

type sessionKey struct {
	role model.ActorRole
	id   string
}

// Gateway is a registry of live sessions implementing notify.Realtime.
type Gateway struct {
	mu       sync.RWMutex
	sessions map[sessionKey]*session
	upgrader websocket.Upgrader
	log      logger.Logger
}

var _ notify.Realtime = (*Gateway)(nil)

// NewGateway creates an empty session registry.
func NewGateway(log logger.Logger) *Gateway {
	if log == nil {
		log = logger.Nop{}
	}
	return &Gateway{
		sessions: make(map[sessionKey]*session),
		log:      log,
	}
}

// Register adds a connection for a user, replacing and closing any previous
// one.
func (g *Gateway) Register(role model.ActorRole, userID string, conn *websocket.Conn) {
	key := sessionKey{role: role, id: userID}
	g.mu.Lock()
	if old, ok := g.sessions[key]; ok {
		_ = old.conn.Close()
	}
	g.sessions[key] = &session{conn: conn}
	g.mu.Unlock()
	g.log.Debugf("ws session registered for %s %s", role, userID)
}

// Unregister drops and closes a user's connection.
func (g *Gateway) Unregister(role model.ActorRole, userID string) {
	key := sessionKey{role: role, id: userID}
	g.mu.Lock()
	if s, ok := g.sessions[key]; ok {
		_ = s.conn.Close()
		delete(g.sessions, key)
	}
	g.mu.Unlock()
}

// Send implements notify.Realtime. A write error evicts the session so the
// next message falls back to push.
func (g *Gateway) Send(_ context.Context, m notify.Message) error {
	key := sessionKey{role: m.Role, id: m.UserID}
	g.mu.RLock()
	s, ok := g.sessions[key]
	g.mu.RUnlock()
	if !ok {
		return notify.ErrNoSession
	}
	if err := s.writeJSON(m); err != nil {
		g.log.Warnf("ws send to %s %s failed, evicting session: %v", m.Role, m.UserID, err)
		g.Unregister(m.Role, m.UserID)
		return err
	}
	return nil
}

// Handler upgrades HTTP requests into sessions. The role and user id come
// from query parameters; authenticating them is the API gateway's job, not
// this process's.
func (g *Gateway) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		role := model.ActorRole(r.URL.Query().Get("role"))
		if userID == "" || (role != model.RoleProvider && role != model.RoleCustomer) {
			http.Error(w, "user_id and role required", http.StatusBadRequest)
			return
		}
		conn, err := g.upgrader.Upgrade(w, r, nil)
		if err != nil {
			g.log.Warnf("ws upgrade failed: %v", err)
			return
		}
		g.Register(role, userID, conn)
	}
}

// Close shuts every session down.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for k, s := range g.sessions {
		_ = s.conn.Close()
		delete(g.sessions, k)
	}
}
