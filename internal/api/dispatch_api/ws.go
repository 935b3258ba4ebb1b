package dispatch_api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/BearBump/AidBox/internal/broadcast"
	"github.com/BearBump/AidBox/internal/models"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const (
	wsWriteWait   = 10 * time.Second
	wsMaxFrame    = 8 << 10
	wsOutboxDepth = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// origin is checked by the auth proxy
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsOut is every server frame. Type is one of event, resync_required, ack, error.
type wsOut struct {
	Type  string              `json:"type"`
	Event *models.StatusEvent `json:"event,omitempty"`
	Head  *uint64             `json:"head,omitempty"`
	Code  string              `json:"code,omitempty"`
	Error string              `json:"error,omitempty"`
	// Applied answers a location frame.
	Applied *bool `json:"applied,omitempty"`
}

// wsIn is a client frame: {"type":"location","lat":..,"lng":..} or {"type":"chat","body":".."}.
type wsIn struct {
	Type       string    `json:"type"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	RecordedAt time.Time `json:"recordedAt"`
	Body       string    `json:"body"`
}

// subscribeWS streams the request's events and accepts provider location and chat
// frames on the same connection. ?since=N replays buffered events first.
func (a *DispatchAPI) subscribeWS(w http.ResponseWriter, r *http.Request) {
	req, ok := a.visibleRequest(w, r)
	if !ok {
		return
	}
	actor := actorFrom(r.Context())
	since, err := sinceParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sub, err := a.stream.Subscribe(req.ID, since)
	if err != nil {
		a.writeGap(w, r, req.ID, err)
		return
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade уже ответил клиенту
		slog.Warn("websocket upgrade failed", "request_id", req.ID, "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan wsOut, wsOutboxDepth)
	send := func(f wsOut) bool {
		select {
		case out <- f:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		defer cancel()
		a.wsRead(ctx, conn, req, actor, send)
	}()
	joined := participant(req, actor)
	go func() {
		defer cancel()
		for {
			ev, err := sub.Next(ctx)
			switch {
			case errors.Is(err, broadcast.ErrGapDetected):
				head := a.stream.Head(req.ID)
				if !send(wsOut{Type: "resync_required", Head: &head, Code: "gap_detected"}) {
					return
				}
				continue
			case err != nil:
				return
			}
			if !joined && ev.Kind == models.EventStatusChanged && assigns(ev, actor) {
				joined = true
			}
			if participantOnly(ev.Kind) && !joined {
				continue
			}
			if !send(wsOut{Type: "event", Event: &ev}) {
				return
			}
		}
	}()

	slog.Info("websocket subscribed", "request_id", req.ID, "actor_id", actor.ID, "role", actor.Role)
	ping := time.NewTicker(a.opts.WSPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
			return
		case f := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(f); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func (a *DispatchAPI) wsRead(ctx context.Context, conn *websocket.Conn, req *models.ServiceRequest, actor models.Actor, send func(wsOut) bool) {
	conn.SetReadLimit(wsMaxFrame)
	readWait := 2 * a.opts.WSPingInterval
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	limiter := rate.NewLimiter(rate.Limit(a.opts.WSFrameRate), a.opts.WSFrameBurst)
	for {
		var in wsIn
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Info("websocket closed", "request_id", req.ID, "err", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))

		if !limiter.Allow() {
			if !send(wsOut{Type: "error", Code: "rate_limited", Error: "too many frames"}) {
				return
			}
			continue
		}

		var reply wsOut
		switch in.Type {
		case "location":
			if actor.Role != models.RoleProvider {
				reply = errFrame(&models.NotAuthorizedError{RequestID: req.ID, Actor: actor, Action: "report location for"})
				break
			}
			applied, err := a.engine.UpdateProviderLocation(ctx, req.ID, actor.ID, models.GeoPoint{Lat: in.Lat, Lng: in.Lng}, in.RecordedAt)
			if err != nil {
				reply = errFrame(err)
				break
			}
			reply = wsOut{Type: "ack", Applied: &applied}
		case "chat":
			if _, err := a.chat.Send(ctx, req.ID, actor, in.Body); err != nil {
				reply = errFrame(err)
				break
			}
			reply = wsOut{Type: "ack"}
		default:
			reply = errFrame(models.Invalid("type", "unknown frame type"))
		}
		if !send(reply) {
			return
		}
	}
}

// assigns reports whether a status event binds the actor as the request's provider.
func assigns(ev models.StatusEvent, actor models.Actor) bool {
	if actor.Role != models.RoleProvider {
		return false
	}
	var p models.StatusChangedPayload
	if json.Unmarshal(ev.Payload, &p) != nil {
		return false
	}
	return p.ProviderID != nil && *p.ProviderID == actor.ID
}

func errFrame(err error) wsOut {
	_, body := statusOf(err)
	return wsOut{Type: "error", Code: body.Code, Error: body.Error}
}
