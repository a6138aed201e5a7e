package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btouchard/dispatchboard/internal/auth"
	"github.com/btouchard/dispatchboard/internal/config"
	"github.com/btouchard/dispatchboard/internal/dispatch"
	"github.com/btouchard/dispatchboard/internal/hub"
	"github.com/btouchard/dispatchboard/internal/store"
)

type fixture struct {
	store   *store.SQLiteStore
	reg     *hub.Registry
	engine  *dispatch.Engine
	handler *Handler
	srv     *httptest.Server
	techs   map[string]int64
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	f := &fixture{store: s, reg: hub.NewRegistry(), techs: map[string]int64{}}
	f.engine = dispatch.NewEngine(s, hub.NewDispatcher(f.reg))

	ctx := context.Background()
	for _, name := range []string{"alice", "bob"} {
		acct, err := s.CreateAccount(ctx, &dispatch.Account{Username: name, Email: name + "@example.com"})
		require.NoError(t, err)
		tech := &dispatch.Technician{AccountID: acct, Name: name, Status: dispatch.TechnicianAvailable}
		if name == "alice" {
			tech.Position = &dispatch.Position{Latitude: 48.8566, Longitude: 2.3522}
		}
		id, err := s.CreateTechnician(ctx, tech)
		require.NoError(t, err)
		f.techs[name] = id
	}

	f.handler = NewHandler(f.engine, f.reg, config.StreamConfig{
		OutboxSize:      16,
		WriteTimeout:    time.Second,
		PingInterval:    time.Minute,
		MaxMessageBytes: 4096,
	}, opts...)

	mux := http.NewServeMux()
	mux.Handle("/ws/technicians/", f.handler.Technicians())
	mux.Handle("/ws/tasks/", f.handler.Tasks())
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(f.srv.URL, "http")+path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readMessage(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func send(t *testing.T, ws *websocket.Conn, msg string) {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(msg)))
}

func TestTechnicians_SnapshotBeforeEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ws := f.dial(t, "/ws/technicians/")

	first := readMessage(t, ws)
	second := readMessage(t, ws)
	assert.Equal(t, "location_update", first["type"])
	assert.Equal(t, "alice", first["name"])
	assert.InDelta(t, 48.8566, first["latitude"], 1e-9)
	assert.NotContains(t, first, "timestamp")
	assert.Equal(t, "bob", second["name"])
	assert.Nil(t, second["latitude"])

	send(t, ws, `{"type":"location_update","id":`+jsonInt(f.techs["bob"])+`,"latitude":45.75,"longitude":4.85}`)

	ev := readMessage(t, ws)
	assert.Equal(t, "location_update", ev["type"])
	assert.Equal(t, "bob", ev["name"])
	assert.InDelta(t, 45.75, ev["latitude"], 1e-9)
	assert.InDelta(t, 4.85, ev["longitude"], 1e-9)
	assert.NotEmpty(t, ev["timestamp"])

	stored, err := f.store.GetTechnician(context.Background(), f.techs["bob"])
	require.NoError(t, err)
	require.NotNil(t, stored.Position)
	assert.InDelta(t, 45.75, stored.Position.Latitude, 1e-9)
}

func TestTechnicians_IgnoresUnknownAndMalformedMessages(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ws := f.dial(t, "/ws/technicians/")
	readMessage(t, ws)
	readMessage(t, ws)

	send(t, ws, `{"type":"status_request"}`)
	send(t, ws, `not json`)
	send(t, ws, `{"type":"location_update","latitude":1,"longitude":2}`)
	send(t, ws, `{"type":"location_update","id":`+jsonInt(f.techs["alice"])+`,"latitude":91,"longitude":2}`)
	send(t, ws, `{"type":"location_update","id":9999,"latitude":1,"longitude":2}`)
	send(t, ws, `{"type":"location_update","id":`+jsonInt(f.techs["alice"])+`,"status":"on_mission"}`)

	ev := readMessage(t, ws)
	assert.Equal(t, "alice", ev["name"])
	assert.Equal(t, "on_mission", ev["status"])
	assert.InDelta(t, 48.8566, ev["latitude"], 1e-9)
}

func TestTechnicians_EventReachesEverySubscriber(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a := f.dial(t, "/ws/technicians/")
	b := f.dial(t, "/ws/technicians/")
	for _, ws := range []*websocket.Conn{a, b} {
		readMessage(t, ws)
		readMessage(t, ws)
	}

	// The same update twice: each one is stored identically and broadcast.
	update := `{"type":"location_update","id":` + jsonInt(f.techs["alice"]) + `,"latitude":10.5,"longitude":20.25}`
	send(t, a, update)
	send(t, a, update)

	for _, ws := range []*websocket.Conn{a, b} {
		for range 2 {
			ev := readMessage(t, ws)
			assert.Equal(t, "alice", ev["name"])
			assert.InDelta(t, 10.5, ev["latitude"], 1e-9)
		}
	}
}

func TestTechnicians_DisconnectDeregisters(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ws := f.dial(t, "/ws/technicians/")
	readMessage(t, ws)
	assert.Equal(t, 1, f.reg.Count(dispatch.TopicTechnicians))

	require.NoError(t, ws.Close())

	assert.Eventually(t, func() bool {
		return f.reg.Count(dispatch.TopicTechnicians) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTasks_SnapshotThenUpdates(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	task, err := f.engine.AddTask(ctx, dispatch.AddTaskInput{
		Title:         "Fix boiler",
		Address:       "3 Rue Oberkampf",
		RecipientName: "Dana",
		Priority:      "red",
		ScheduledDate: "2024-06-01",
		ScheduledTime: "09:30",
	})
	require.NoError(t, err)

	ws := f.dial(t, "/ws/tasks/")
	snap := readMessage(t, ws)
	assert.Equal(t, "snapshot", snap["action"])
	assert.Equal(t, "unassigned", snap["status"])
	assert.Equal(t, "2024-06-01T09:30:00Z", snap["scheduled_time"])

	_, err = f.engine.AssignTask(ctx, task.ID, f.techs["bob"])
	require.NoError(t, err)

	ev := readMessage(t, ws)
	assert.Equal(t, "update", ev["action"])
	assert.Equal(t, "assigned", ev["status"])
	assert.Equal(t, "bob", ev["assigned_to"])
	assert.Equal(t, "red", ev["priority"])

	_, err = f.engine.StartTask(ctx, task.ID, mustAccount(t, f, "bob"))
	require.NoError(t, err)
	ev = readMessage(t, ws)
	assert.Equal(t, "in_transit", ev["status"])
}

func TestHandler_RequiresToken(t *testing.T) {
	t.Parallel()
	tokens := auth.NewTokens("test-secret", "dispatchboard", time.Hour)
	f := newFixture(t, WithResolver(tokens))
	base := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/technicians/"

	_, resp, err := websocket.DefaultDialer.Dial(base, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, _, err := tokens.Issue(1)
	require.NoError(t, err)
	ws, _, err := websocket.DefaultDialer.Dial(base+"?token="+token, nil)
	require.NoError(t, err)
	defer func() { _ = ws.Close() }()
	assert.Equal(t, "alice", readMessage(t, ws)["name"])
}

func TestHandler_ShutdownClosesConnections(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ws := f.dial(t, "/ws/technicians/")
	readMessage(t, ws)
	readMessage(t, ws)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.handler.Shutdown(ctx))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	assert.Zero(t, f.reg.Count(dispatch.TopicTechnicians))
}

func mustAccount(t *testing.T, f *fixture, name string) int64 {
	t.Helper()
	tech, err := f.store.GetTechnician(context.Background(), f.techs[name])
	require.NoError(t, err)
	return tech.AccountID
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func TestHandler_RefusesConnectionsAfterShutdown(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.handler.Shutdown(ctx))

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(f.srv.URL, "http")+"/ws/technicians/", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Zero(t, f.reg.Count(dispatch.TopicTechnicians))
}

func TestHandler_ShutdownRacesWithConnects(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/tasks/"

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ws, _, err := websocket.DefaultDialer.Dial(url, nil)
			if err == nil {
				_ = ws.Close()
			}
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, f.handler.Shutdown(ctx))
	wg.Wait()
}
