// Package realtime streams live auction board updates over websockets.
package realtime

import (
	"context"
	"errors"
	"net/http"
	"time"

	"BidLedger/internal/auction"
	"BidLedger/internal/observability"
	"BidLedger/internal/projection"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var logger = observability.NewLogger("realtime")

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// StateLoader fetches an auction's full state when the board has no entry.
type StateLoader interface {
	Snapshot(ctx context.Context, id uuid.UUID) (*auction.State, error)
}

// Handler serves GET /ws/auctions/{id}. The first message is a snapshot of
// the board; every later message is an update. Clients never send commands
// over the socket; anything they send is discarded.
type Handler struct {
	board    *projection.Board
	hub      *projection.Hub
	loader   StateLoader
	upgrader websocket.Upgrader
}

// NewHandler builds a handler. allowedOrigins empty means any origin.
func NewHandler(board *projection.Board, hub *projection.Hub, loader StateLoader, allowedOrigins []string) *Handler {
	h := &Handler{board: board, hub: hub, loader: loader}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid auction id", http.StatusBadRequest)
		return
	}

	view, ok := h.board.Get(id)
	if !ok {
		st, err := h.loader.Snapshot(r.Context(), id)
		switch {
		case errors.Is(err, auction.ErrNotFound):
			http.Error(w, "auction not found", http.StatusNotFound)
			return
		case err != nil:
			logger.Warn().Err(err).Str("auction_id", id.String()).Msg("load auction for feed")
			http.Error(w, "auction unavailable", http.StatusServiceUnavailable)
			return
		}
		view = h.board.Load(st)
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		return
	}
	defer conn.Close()

	sub := h.hub.Subscribe(id, &view)
	defer sub.Close()

	log := logger.With().Str("auction_id", id.String()).Str("remote", r.RemoteAddr).Logger()
	log.Debug().Msg("feed subscribed")

	// Reader: only control frames matter; a read error ends the session.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case u, ok := <-sub.C:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(u); err != nil {
				log.Debug().Err(err).Msg("feed write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := set["*"]; ok {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
