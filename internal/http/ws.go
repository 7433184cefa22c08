package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/robertarktes/ride-coordination/internal/domain"
	"github.com/robertarktes/ride-coordination/internal/livelocation"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 4096
)

// Clients authenticate with a bearer token, so the origin is not checked.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// ShareLocation upgrades to a WebSocket and treats every JSON position the
// client sends as its live location on the ride. Closing the socket stops
// sharing.
func (h *Handlers) ShareLocation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	user := mustUser(r)
	role := domain.Role(r.URL.Query().Get("role"))
	log := LoggerFrom(r.Context()).WithField("ride_id", id)

	source := livelocation.NewChannelSource(16)
	if err := h.hub.StartSharing(r.Context(), id, user, role, source); err != nil {
		writeError(w, r, err)
		return
	}
	stop := func() {
		source.Close()
		if err := h.hub.StopSource(context.WithoutCancel(r.Context()), id, user, source); err != nil {
			log.WithError(err).Warn("failed to stop sharing")
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		stop()
		return
	}
	defer conn.Close()
	defer stop()

	done := make(chan struct{})
	defer close(done)
	go ping(conn, done)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var pos domain.Position
		if err := conn.ReadJSON(&pos); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Debug("share socket closed")
			}
			return
		}
		pushCtx, cancel := context.WithTimeout(r.Context(), writeWait)
		err := source.Push(pushCtx, pos)
		cancel()
		if err != nil {
			// The hub closed the source or a newer connection took over.
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "sharing ended"),
				time.Now().Add(writeWait))
			return
		}
	}
}

// SubscribeLocations upgrades to a WebSocket and writes the ride's full set
// of live locations whenever it changes.
func (h *Handlers) SubscribeLocations(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	updates, err := h.hub.Subscribe(ctx, id, mustUser(r))
	if err != nil {
		writeError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Inbound frames are only read to notice the peer going away.
	go func() {
		defer cancel()
		conn.SetReadLimit(maxMessageSize)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case snapshot, ok := <-updates:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				return
			}
			if snapshot == nil {
				snapshot = []domain.LiveLocation{}
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(snapshot); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func ping(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
