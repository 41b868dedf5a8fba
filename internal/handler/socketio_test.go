package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vitals-monitor/internal/models"
	"vitals-monitor/internal/session"
)

type chanSink struct {
	events chan models.StreamEvent
}

func newChanSink() *chanSink {
	return &chanSink{events: make(chan models.StreamEvent, 64)}
}

func (s *chanSink) Publish(ctx context.Context, ev models.StreamEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *chanSink) next(t *testing.T) models.StreamEvent {
	t.Helper()
	select {
	case ev := <-s.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func (s *chanSink) nextData(t *testing.T) models.StreamEvent {
	t.Helper()
	for {
		ev := s.next(t)
		if _, ok := ev.(models.ConnectionEvent); !ok {
			return ev
		}
	}
}

func testStreamSession() *session.Session {
	return &session.Session{Token: "tok-1", Claims: session.Claims{CompanyID: "company-1"}}
}

// socketServer runs script against every accepted WebSocket connection after
// the Engine.IO open packet and the client's namespace connect.
func socketServer(t *testing.T, script func(n int32, conn *websocket.Conn, auth map[string]string)) *httptest.Server {
	t.Helper()
	var conns atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/socket.io/", r.URL.Path)
		assert.Equal(t, "4", r.URL.Query().Get("EIO"))
		assert.Equal(t, "websocket", r.URL.Query().Get("transport"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		n := conns.Add(1)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`0{"sid":"eio-1","upgrades":[],"pingInterval":25000,"pingTimeout":20000,"maxPayload":1000000}`))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		assert.True(t, strings.HasPrefix(string(msg), "40"), "connect packet: %s", msg)
		var auth map[string]string
		assert.NoError(t, json.Unmarshal(msg[2:], &auth))
		script(n, conn, auth)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func send(conn *websocket.Conn, frame string) {
	_ = conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

func waitClosed(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestStreamClient_HandshakeAndEvents(t *testing.T) {
	var pong atomic.Bool
	srv := socketServer(t, func(_ int32, conn *websocket.Conn, auth map[string]string) {
		assert.Equal(t, "tok-1", auth["token"])
		assert.Equal(t, "company-1", auth["companyId"])

		send(conn, `40{"sid":"sio-1"}`)
		send(conn, `2`)
		_, msg, err := conn.ReadMessage()
		if err == nil && string(msg) == "3" {
			pong.Store(true)
		}
		send(conn, `42["dados_vitais",{"patientId":"p1","bpm":"72","spo2":97}]`)
		send(conn, `42["painel_update",{"patientId":"p1"}]`)
		send(conn, `42["dados_vitais",{"bpm":70}]`)
		send(conn, `42/other,["dados_vitais",{"patientId":"p9","bpm":70}]`)
		send(conn, `4217["dados_quedas",{"patientId":"p1","status":"queda_livre","g":0.4}]`)
		waitClosed(conn)
	})

	sink := newChanSink()
	client, err := NewStreamClient(srv.URL, testStreamSession(), sink, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	assert.Equal(t, models.ConnectionEvent{Source: SourceSocketIO, Status: models.StreamConnecting}, sink.next(t))
	assert.Equal(t, models.ConnectionEvent{Source: SourceSocketIO, Status: models.StreamConnected}, sink.next(t))

	vitals, ok := sink.nextData(t).(models.VitalsEvent)
	require.True(t, ok)
	assert.Equal(t, "p1", vitals.PatientID)
	assert.Equal(t, 72.0, *vitals.BPM)
	assert.Equal(t, 97.0, *vitals.SpO2)

	fall, ok := sink.nextData(t).(models.FallSignalEvent)
	require.True(t, ok)
	assert.Equal(t, "queda_livre", fall.Status)
	assert.Equal(t, 0.4, fall.GForce)
	assert.True(t, pong.Load())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestStreamClient_AuthRejected(t *testing.T) {
	srv := socketServer(t, func(_ int32, conn *websocket.Conn, _ map[string]string) {
		send(conn, `44{"message":"Authentication error: invalid token"}`)
		waitClosed(conn)
	})

	sink := newChanSink()
	client, err := NewStreamClient(srv.URL, testStreamSession(), sink, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = client.Run(ctx)
	assert.ErrorIs(t, err, session.ErrUnauthorized)

	sink.next(t)
	last, ok := sink.next(t).(models.ConnectionEvent)
	require.True(t, ok)
	assert.Equal(t, models.StreamDisconnected, last.Status)
	assert.Contains(t, last.Reason, "invalid token")
}

func TestStreamClient_ReconnectsAfterServerClose(t *testing.T) {
	srv := socketServer(t, func(n int32, conn *websocket.Conn, _ map[string]string) {
		send(conn, `40{"sid":"sio"}`)
		if n == 1 {
			send(conn, `1`)
			return
		}
		send(conn, `42["dados_vitais",{"patientId":"p1","bpm":88}]`)
		waitClosed(conn)
	})

	sink := newChanSink()
	client, err := NewStreamClient(srv.URL, testStreamSession(), sink, nil, WithReconnectBackoff(10*time.Millisecond, 20*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.Run(ctx) }()

	var statuses []models.ConnectionStatus
	for {
		ev := sink.next(t)
		if ce, ok := ev.(models.ConnectionEvent); ok {
			statuses = append(statuses, ce.Status)
			continue
		}
		assert.Equal(t, 88.0, *ev.(models.VitalsEvent).BPM)
		break
	}
	assert.Equal(t, []models.ConnectionStatus{
		models.StreamConnecting,
		models.StreamConnected,
		models.StreamDisconnected,
		models.StreamConnecting,
		models.StreamConnected,
	}, statuses)
}

func TestSocketURL(t *testing.T) {
	u, err := socketURL("http://localhost:3001")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:3001/socket.io/?EIO=4&transport=websocket", u)

	u, err = socketURL("https://api.example.com/base/")
	require.NoError(t, err)
	assert.Equal(t, "wss://api.example.com/base/socket.io/?EIO=4&transport=websocket", u)

	_, err = socketURL("ftp://host")
	assert.Error(t, err)
	_, err = socketURL("http://")
	assert.Error(t, err)
}

func TestParseSocketPacket(t *testing.T) {
	typ, nsp, payload, err := parseSocketPacket([]byte(`2/admin,12["x",{}]`))
	require.NoError(t, err)
	assert.Equal(t, byte('2'), typ)
	assert.Equal(t, "/admin", nsp)
	assert.Equal(t, `["x",{}]`, string(payload))

	typ, nsp, payload, err = parseSocketPacket([]byte(`0{"sid":"a"}`))
	require.NoError(t, err)
	assert.Equal(t, byte('0'), typ)
	assert.Equal(t, "/", nsp)
	assert.Equal(t, `{"sid":"a"}`, string(payload))

	_, _, _, err = parseSocketPacket(nil)
	assert.Error(t, err)
}

func TestConnectPacket(t *testing.T) {
	assert.Equal(t, `40{"token":"t"}`, string(connectPacket("/", []byte(`{"token":"t"}`))))
	assert.Equal(t, `40/live,{"token":"t"}`, string(connectPacket("/live", []byte(`{"token":"t"}`))))
}

func TestIsAuthFailure(t *testing.T) {
	assert.True(t, isAuthFailure("Unauthorized"))
	assert.True(t, isAuthFailure("jwt expired"))
	assert.False(t, isAuthFailure("server overloaded"))
}
