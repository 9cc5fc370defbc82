package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/R3E-Network/evidence_layer/internal/auth"
	"github.com/R3E-Network/evidence_layer/internal/feed"
	"github.com/R3E-Network/evidence_layer/internal/middleware"
	"github.com/R3E-Network/evidence_layer/internal/notify"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
)

// streamMessage is one frame on the evidence stream.
type streamMessage struct {
	Type         string               `json:"type"`
	Change       *feed.Event          `json:"change,omitempty"`
	Notification *notify.Notification `json:"notification,omitempty"`
}

// stream upgrades to a WebSocket and forwards the caller's record changes
// and notifications until either side closes. ?evidence_id= narrows the
// changes to one record.
func (h *handler) stream(w http.ResponseWriter, r *http.Request) {
	user, err := auth.Require(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, err := h.svc.Registration.SubscribeToEvidence(ctx, feed.Filter{EvidenceID: r.URL.Query().Get("evidence_id")})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer sub.Close()

	var notes <-chan notify.Notification
	if h.svc.Notifications != nil {
		ch, stop := h.svc.Notifications.Listen(user.ID)
		defer stop()
		notes = ch
	}

	cors := middleware.NewCORSMiddleware(h.origins)
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || len(h.origins) == 0 || cors.Allowed(origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithContext(ctx).WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	log := h.log.WithContext(ctx)
	log.Debug("evidence stream opened")

	// Reads only serve pongs and close frames.
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		var msg streamMessage
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "feed closed"), time.Now().Add(streamWriteWait))
				return
			}
			msg = streamMessage{Type: "change", Change: &ev}
		case n, ok := <-notes:
			if !ok {
				notes = nil
				continue
			}
			msg = streamMessage{Type: "notification", Notification: &n}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
			continue
		}

		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		if err := conn.WriteJSON(msg); err != nil {
			log.WithError(err).Debug("evidence stream write failed")
			return
		}
	}
}
