package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/gorilla/websocket"

	sacudo "github.com/leeineian/sacudo/src/discord"
	"github.com/leeineian/sacudo/src/player"
	"github.com/leeineian/sacudo/src/sys"
)

// Server exposes the dashboard surface: pull reads over REST and push
// updates over a websocket with explicit per-guild subscriptions.
type Server struct {
	system   *sacudo.System
	srv      *http.Server
	upgrader websocket.Upgrader
}

func NewServer(system *sacudo.System, addr string) *Server {
	s := &Server{
		system: system,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The dashboard is same-host; cross-origin reads carry no secrets.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleSession)
	mux.HandleFunc("/ws", s.handleWS)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start blocks serving HTTP until Shutdown or a listener failure.
func (s *Server) Start() error {
	sys.LogAPI("Dashboard API listening on %s", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleSessions lists a snapshot of every live session.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.system.Registry.Sessions()
	out := make([]player.SessionState, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Snapshot())
	}
	writeJSON(w, http.StatusOK, out)
}

// handleSession returns the authoritative state of one guild's session.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	guildID, err := snowflake.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid guild id"})
		return
	}
	sess := s.system.Registry.Get(guildID)
	if sess == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no session for guild"})
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

// wsRequest is a client -> server control frame.
type wsRequest struct {
	Op      string `json:"op"` // "subscribe" or "unsubscribe"
	GuildID string `json:"guild_id"`
}

// wsMessage is a server -> client frame.
type wsMessage struct {
	Kind    string `json:"kind"`
	GuildID string `json:"guild_id"`
	Payload any    `json:"payload,omitempty"`
}

// handleWS upgrades the connection and bridges broadcaster channels to
// it. Each subscription gets its own pump goroutine; writes are
// serialized through a mutex since events for multiple guilds can
// interleave.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sys.LogAPI("Websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(msg wsMessage) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(msg)
	}

	type subscription struct {
		ch   chan player.Event
		stop chan struct{}
	}
	subs := make(map[snowflake.ID]*subscription)
	defer func() {
		for guildID, sub := range subs {
			close(sub.stop)
			s.system.Broadcaster.Unsubscribe(guildID, sub.ch)
		}
	}()

	for {
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		guildID, err := snowflake.Parse(req.GuildID)
		if err != nil {
			_ = send(wsMessage{Kind: "error", GuildID: req.GuildID, Payload: "invalid guild id"})
			continue
		}

		switch req.Op {
		case "subscribe":
			if _, ok := subs[guildID]; ok {
				continue
			}
			sub := &subscription{
				ch:   s.system.Broadcaster.Subscribe(guildID),
				stop: make(chan struct{}),
			}
			subs[guildID] = sub
			go func() {
				for {
					select {
					case ev, ok := <-sub.ch:
						if !ok {
							return
						}
						if err := send(wsMessage{Kind: string(ev.Kind), GuildID: ev.GuildID.String(), Payload: ev.Payload}); err != nil {
							return
						}
					case <-sub.stop:
						return
					}
				}
			}()

			// Authoritative snapshot right after subscribing so the
			// client does not start from a stale view.
			if sess := s.system.Registry.Get(guildID); sess != nil {
				_ = send(wsMessage{Kind: "snapshot", GuildID: guildID.String(), Payload: sess.Snapshot()})
			}
		case "unsubscribe":
			if sub, ok := subs[guildID]; ok {
				delete(subs, guildID)
				close(sub.stop)
				s.system.Broadcaster.Unsubscribe(guildID, sub.ch)
			}
		default:
			_ = send(wsMessage{Kind: "error", GuildID: req.GuildID, Payload: "unknown op"})
		}
	}
}
