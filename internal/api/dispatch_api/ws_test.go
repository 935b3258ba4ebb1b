package dispatch_api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/BearBump/AidBox/internal/models"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func (e *env) dial(t *testing.T, path string, actor models.Actor) *websocket.Conn {
	t.Helper()
	h := http.Header{}
	h.Set(headerActorID, strconv.FormatInt(actor.ID, 10))
	h.Set(headerActorRole, string(actor.Role))
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(e.srv.URL, "http")+path, h)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wsOut {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var f wsOut
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func statusOfFrame(t *testing.T, f wsOut) models.Status {
	t.Helper()
	require.Equal(t, "event", f.Type)
	require.Equal(t, models.EventStatusChanged, f.Event.Kind)
	var p models.StatusChangedPayload
	require.NoError(t, json.Unmarshal(f.Event.Payload, &p))
	return p.To
}

func TestWS_StreamsOrderedEvents(t *testing.T) {
	e := newEnv(t, envOpts{})
	id := e.createRequest(t, 1)

	conn := e.dial(t, "/v1/requests/"+id+"/ws?since=0", models.Customer(1))
	require.Equal(t, models.StatusPendingDispatch, statusOfFrame(t, readFrame(t, conn)))

	ctx := context.Background()
	_, err := e.engine.AcceptRequest(ctx, id, 7)
	require.NoError(t, err)
	_, err = e.engine.AdvanceStatus(ctx, id, models.Provider(7), models.StatusArrived)
	require.NoError(t, err)

	require.Equal(t, models.StatusDispatched, statusOfFrame(t, readFrame(t, conn)))
	f := readFrame(t, conn)
	require.Equal(t, models.StatusArrived, statusOfFrame(t, f))
	require.Equal(t, e.bus.Head(id), f.Event.Sequence)
}

func TestWS_ProviderLocationFrames(t *testing.T) {
	e := newEnv(t, envOpts{})
	id := e.createRequest(t, 1)
	_, err := e.engine.AcceptRequest(context.Background(), id, 7)
	require.NoError(t, err)

	customer := e.dial(t, "/v1/requests/"+id+"/ws", models.Customer(1))
	provider := e.dial(t, "/v1/requests/"+id+"/ws", models.Provider(7))

	require.NoError(t, provider.WriteJSON(wsIn{Type: "location", Lat: 12.9, Lng: 77.6}))

	// провайдер получает и своё событие, и ack; порядок между ними не гарантирован
	var gotAck, gotEvent bool
	for i := 0; i < 2; i++ {
		f := readFrame(t, provider)
		switch f.Type {
		case "ack":
			require.NotNil(t, f.Applied)
			require.True(t, *f.Applied)
			gotAck = true
		case "event":
			require.Equal(t, models.EventLocationUpdate, f.Event.Kind)
			gotEvent = true
		}
	}
	require.True(t, gotAck && gotEvent)

	f := readFrame(t, customer)
	require.Equal(t, models.EventLocationUpdate, f.Event.Kind)
	var loc models.LocationPayload
	require.NoError(t, json.Unmarshal(f.Event.Payload, &loc))
	require.Equal(t, int64(7), loc.ProviderID)

	require.NoError(t, customer.WriteJSON(wsIn{Type: "location", Lat: 1, Lng: 1}))
	f = readFrame(t, customer)
	require.Equal(t, "error", f.Type)
	require.Equal(t, "not_authorized", f.Code)

	require.NoError(t, customer.WriteJSON(wsIn{Type: "teleport"}))
	f = readFrame(t, customer)
	require.Equal(t, "validation", f.Code)
}

func TestWS_InboundFramesThrottled(t *testing.T) {
	e := newEnv(t, envOpts{api: Options{WSFrameRate: 0.001, WSFrameBurst: 1}})
	id := e.createRequest(t, 1)
	conn := e.dial(t, "/v1/requests/"+id+"/ws", models.Customer(1))

	require.NoError(t, conn.WriteJSON(wsIn{Type: "unknown"}))
	require.NoError(t, conn.WriteJSON(wsIn{Type: "unknown"}))

	require.Equal(t, "validation", readFrame(t, conn).Code)
	f := readFrame(t, conn)
	require.Equal(t, "error", f.Type)
	require.Equal(t, "rate_limited", f.Code)
}

func TestWS_ChatVisibleOnlyToParticipants(t *testing.T) {
	e := newEnv(t, envOpts{})
	id := e.createRequest(t, 1)

	// провайдер смотрит открытую заявку, но чужой чат ему не нужен
	bystander := e.dial(t, "/v1/requests/"+id+"/ws", models.Provider(9))
	customer := e.dial(t, "/v1/requests/"+id+"/ws", models.Customer(1))

	require.NoError(t, customer.WriteJSON(wsIn{Type: "chat", Body: "anyone?"}))
	var sawChat bool
	for i := 0; i < 2; i++ {
		f := readFrame(t, customer)
		if f.Type == "event" && f.Event.Kind == models.EventChatMessage {
			sawChat = true
		}
	}
	require.True(t, sawChat)

	_, err := e.engine.AcceptRequest(context.Background(), id, 7)
	require.NoError(t, err)
	f := readFrame(t, bystander)
	require.Equal(t, models.StatusDispatched, statusOfFrame(t, f))
}

func TestWS_LocationHiddenFromLosingProvider(t *testing.T) {
	e := newEnv(t, envOpts{})
	id := e.createRequest(t, 1)
	ctx := context.Background()

	loser := e.dial(t, "/v1/requests/"+id+"/ws", models.Provider(9))
	customer := e.dial(t, "/v1/requests/"+id+"/ws", models.Customer(1))

	_, err := e.engine.AcceptRequest(ctx, id, 7)
	require.NoError(t, err)
	applied, err := e.engine.UpdateProviderLocation(ctx, id, 7, models.GeoPoint{Lat: 12.9, Lng: 77.6}, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, applied)
	_, err = e.engine.AdvanceStatus(ctx, id, models.Provider(7), models.StatusArrived)
	require.NoError(t, err)

	require.Equal(t, models.StatusDispatched, statusOfFrame(t, readFrame(t, customer)))
	f := readFrame(t, customer)
	require.Equal(t, models.EventLocationUpdate, f.Event.Kind)

	// проигравший гонку видит смену статусов, но не позицию чужого провайдера
	require.Equal(t, models.StatusDispatched, statusOfFrame(t, readFrame(t, loser)))
	require.Equal(t, models.StatusArrived, statusOfFrame(t, readFrame(t, loser)))
}

func TestWS_GapRejectedBeforeUpgrade(t *testing.T) {
	e := newEnv(t, envOpts{logSize: 1})
	id := e.inService(t, 1, 7)

	h := http.Header{}
	h.Set(headerActorID, "1")
	h.Set(headerActorRole, "customer")
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(e.srv.URL, "http")+"/v1/requests/"+id+"/ws?since=0", h)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}
