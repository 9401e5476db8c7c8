package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cometa-rocks/wsrelay/internal/auth"
	"github.com/cometa-rocks/wsrelay/internal/config"
	"github.com/cometa-rocks/wsrelay/internal/hub"
	"github.com/cometa-rocks/wsrelay/internal/metrics"
	"github.com/cometa-rocks/wsrelay/internal/policy"
	"github.com/cometa-rocks/wsrelay/internal/protocol"
	"github.com/cometa-rocks/wsrelay/internal/router"
	"github.com/cometa-rocks/wsrelay/internal/runstate"
	"github.com/cometa-rocks/wsrelay/internal/service"
)

type testEnv struct {
	url    string
	hub    *hub.Hub
	store  *runstate.Store
	router *router.Router
	reg    *prometheus.Registry
}

func testConfig() *config.Config {
	return &config.Config{
		WSPort:             8090,
		HTTPPort:           8091,
		PingIntervalMs:     1000,
		WriteTimeoutMs:     1000,
		ReadTimeoutMs:      5000,
		HandshakeTimeoutMs: 2000,
		MaxMessageSize:     65536,
		SendBuffer:         32,
	}
}

func newTestEnv(t *testing.T, cfg *config.Config, engine *policy.Engine) *testEnv {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	h := hub.NewHub(zerolog.Nop(), m)
	store := runstate.NewStore()
	rt := router.New(h, zerolog.Nop(), m)
	s := NewServer(cfg, h, service.New(store, rt, zerolog.Nop(), m), engine, zerolog.Nop(), m)

	e := echo.New()
	e.GET("/ws", s.HandleWebSocket)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	return &testEnv{
		url:    "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		hub:    h,
		store:  store,
		router: rt,
		reg:    reg,
	}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(e.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func send(t *testing.T, c *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, c.WriteJSON(v))
}

func read(t *testing.T, c *websocket.Conn) protocol.Message {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	var msg protocol.Message
	require.NoError(t, c.ReadJSON(&msg))
	return msg
}

func hello(user map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{"type": protocol.TypeHello, "user": user}
}

func alice() map[string]interface{} {
	return map[string]interface{}{"user_id": 1, "email": "alice@example.com", "departments": []int{3}}
}

func (e *testEnv) handshake(t *testing.T) *websocket.Conn {
	t.Helper()
	c := e.dial(t)
	send(t, c, hello(alice()))
	ack := read(t, c)
	require.Equal(t, protocol.TypeHelloAck, ack.Type())
	return c
}

func expectPolicyClose(t *testing.T, c *websocket.Conn) {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := c.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

func TestHelloRegistersConnection(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	c := env.dial(t)

	send(t, c, hello(alice()))
	ack := read(t, c)
	assert.Equal(t, protocol.TypeHelloAck, ack.Type())
	uid, _ := ack.Int("user_id")
	assert.Equal(t, int64(1), uid)
	connID, _ := ack.String("connection_id")

	id, ok := env.hub.Identity(connID)
	require.True(t, ok)
	assert.Equal(t, "alice@example.com", id.Email)
	assert.Equal(t, []int64{3}, id.Departments)
}

func TestDisconnectUnregisters(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	c := env.handshake(t)
	assert.Equal(t, 1, env.hub.GetConnectionCount())

	c.Close()
	assert.Eventually(t, func() bool { return env.hub.GetConnectionCount() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestHelloRejectsInvalidIdentity(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	c := env.dial(t)

	send(t, c, hello(map[string]interface{}{"user_id": 1}))
	msg := read(t, c)
	assert.Equal(t, protocol.TypeError, msg.Type())
	code, _ := msg.String("code")
	assert.Equal(t, protocol.ErrorCodeInvalidIdentity, code)

	expectPolicyClose(t, c)
	assert.Equal(t, 0, env.hub.GetConnectionCount())
}

func TestHandshakeTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.HandshakeTimeoutMs = 50
	env := newTestEnv(t, cfg, nil)
	c := env.dial(t)

	msg := read(t, c)
	code, _ := msg.String("code")
	assert.Equal(t, protocol.ErrorCodeHandshakeTimeout, code)
	expectPolicyClose(t, c)
}

func TestFramesBeforeHelloAreInvalidTransitions(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	c := env.dial(t)

	send(t, c, map[string]interface{}{"type": protocol.TypeFeaturePastMessages, "feature_id": 1})
	msg := read(t, c)
	code, _ := msg.String("code")
	assert.Equal(t, protocol.ErrorCodeInvalidTransition, code)

	// the connection survives and can still authenticate
	send(t, c, hello(alice()))
	assert.Equal(t, protocol.TypeHelloAck, read(t, c).Type())
}

func TestSecondHelloIsInvalidTransition(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	c := env.handshake(t)

	send(t, c, hello(alice()))
	msg := read(t, c)
	code, _ := msg.String("code")
	assert.Equal(t, protocol.ErrorCodeInvalidTransition, code)
	assert.Equal(t, 1, env.hub.GetConnectionCount())
}

func TestUnknownAndMalformedFrames(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	c := env.handshake(t)

	send(t, c, map[string]interface{}{"type": "nope"})
	code, _ := read(t, c).String("code")
	assert.Equal(t, protocol.ErrorCodeInvalidMessage, code)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("{not json")))
	code, _ = read(t, c).String("code")
	assert.Equal(t, protocol.ErrorCodeInvalidMessage, code)
}

func TestUpdateUserReplacesIdentity(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	c := env.dial(t)
	send(t, c, hello(alice()))
	ack := read(t, c)
	connID, _ := ack.String("connection_id")

	encoded, err := json.Marshal(map[string]interface{}{
		"user_id":          1,
		"email":            "alice@example.com",
		"departments":      []map[string]interface{}{{"department_id": 7, "department_name": "QA"}},
		"user_permissions": map[string]bool{protocol.PermViewAccounts: true},
	})
	require.NoError(t, err)
	send(t, c, map[string]interface{}{"type": protocol.TypeUpdateUser, "user": string(encoded)})

	assert.Eventually(t, func() bool {
		id, _ := env.hub.Identity(connID)
		return id.InDepartment(7) && !id.InDepartment(3) && id.HasPermission(protocol.PermViewAccounts)
	}, 3*time.Second, 10*time.Millisecond)
}

func TestUpdateUserRejectsInvalidIdentity(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	c := env.dial(t)
	send(t, c, hello(alice()))
	connID, _ := read(t, c).String("connection_id")

	send(t, c, map[string]interface{}{"type": protocol.TypeUpdateUser, "user": map[string]interface{}{"user_id": 1}})
	code, _ := read(t, c).String("code")
	assert.Equal(t, protocol.ErrorCodeInvalidIdentity, code)

	id, ok := env.hub.Identity(connID)
	require.True(t, ok)
	assert.Equal(t, "alice@example.com", id.Email)
}

func TestReplayLatestRun(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	for _, run := range []int64{2, 10} {
		for i := 0; i < 3; i++ {
			msg := protocol.NewMessage(protocol.TypeStepStarted)
			msg["run_id"] = run
			msg["step_index"] = i
			env.store.AppendEvent(5, run, msg)
		}
	}
	c := env.handshake(t)

	send(t, c, map[string]interface{}{"type": protocol.TypeFeaturePastMessages, "feature_id": "5"})
	reply := read(t, c)
	assert.Equal(t, protocol.TypeReplay, reply.Type())
	runID, _ := reply.Int("run_id")
	assert.Equal(t, int64(10), runID)
	messages, ok := reply["messages"].([]interface{})
	require.True(t, ok)
	require.Len(t, messages, 3)
	for i, m := range messages {
		step, _ := protocol.Message(m.(map[string]interface{})).Int("step_index")
		assert.Equal(t, int64(i), step, "replay keeps append order")
	}
}

func TestReplayWithoutRuns(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	c := env.handshake(t)

	send(t, c, map[string]interface{}{"type": protocol.TypeFeaturePastMessages, "feature_id": 99})
	reply := read(t, c)
	assert.Equal(t, protocol.TypeReplay, reply.Type())
	assert.Equal(t, []interface{}{}, reply["messages"])
	_, hasRun := reply["run_id"]
	assert.False(t, hasRun)
}

func TestReplayGoesToRequesterOnly(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	env.store.AppendEvent(5, 1, protocol.NewMessage(protocol.TypeFeatureQueued))
	requester := env.handshake(t)
	other := env.handshake(t)

	send(t, requester, map[string]interface{}{"type": protocol.TypeFeaturePastMessages, "feature_id": 5})
	assert.Equal(t, protocol.TypeReplay, read(t, requester).Type())

	// a department message sent afterwards is the first thing the other client sees
	created := protocol.NewMessage(protocol.TypeFeatureCreated)
	created["department_id"] = 3
	sent, err := env.router.Dispatch(created)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.Equal(t, protocol.TypeFeatureCreated, read(t, other).Type())
}

func TestBroadcastReachesAuthenticatedClientsOnly(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	active := env.handshake(t)
	pending := env.dial(t)

	sent, err := env.router.Dispatch(protocol.NewMessage(protocol.TypeFeatureQueued))
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, protocol.TypeFeatureQueued, read(t, active).Type())

	send(t, pending, hello(alice()))
	assert.Equal(t, protocol.TypeHelloAck, read(t, pending).Type())
}

func TestTokenHandshake(t *testing.T) {
	cfg := testConfig()
	cfg.JWTSecret = "s3cret"
	env := newTestEnv(t, cfg, nil)

	token, err := auth.IssueToken(cfg.JWTSecret, protocol.Identity{UserID: 4, Email: "d@example.com"}, time.Minute)
	require.NoError(t, err)

	c := env.dial(t)
	send(t, c, map[string]interface{}{"type": protocol.TypeHello, "token": token})
	ack := read(t, c)
	assert.Equal(t, protocol.TypeHelloAck, ack.Type())
	uid, _ := ack.Int("user_id")
	assert.Equal(t, int64(4), uid)

	// identity claims cannot switch to another user
	send(t, c, map[string]interface{}{"type": protocol.TypeUpdateUser, "user": map[string]interface{}{"user_id": 5, "email": "e@example.com"}})
	code, _ := read(t, c).String("code")
	assert.Equal(t, protocol.ErrorCodeUnauthorized, code)
}

func TestTokenHandshakeRejectsBadToken(t *testing.T) {
	cfg := testConfig()
	cfg.JWTSecret = "s3cret"
	env := newTestEnv(t, cfg, nil)

	token, err := auth.IssueToken("other", protocol.Identity{UserID: 4, Email: "d@example.com"}, time.Minute)
	require.NoError(t, err)

	c := env.dial(t)
	send(t, c, map[string]interface{}{"type": protocol.TypeHello, "token": token})
	code, _ := read(t, c).String("code")
	assert.Equal(t, protocol.ErrorCodeUnauthorized, code)
	expectPolicyClose(t, c)

	n, err := testutil.GatherAndCount(env.reg, "wsrelay_session_rejected_handshakes_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAdmissionPolicyDenies(t *testing.T) {
	engine, err := policy.NewEngine(context.Background(), `package relay.admission

default allow := false

allow if {
	endswith(input.email, "@example.com")
}

reason := "external users are not admitted" if not allow
`)
	require.NoError(t, err)
	env := newTestEnv(t, testConfig(), engine)

	c := env.dial(t)
	send(t, c, hello(map[string]interface{}{"user_id": 2, "email": "bob@elsewhere.org"}))
	msg := read(t, c)
	code, _ := msg.String("code")
	text, _ := msg.String("message")
	assert.Equal(t, protocol.ErrorCodeUnauthorized, code)
	assert.Equal(t, "external users are not admitted", text)
	expectPolicyClose(t, c)

	ok := env.dial(t)
	send(t, ok, hello(alice()))
	assert.Equal(t, protocol.TypeHelloAck, read(t, ok).Type())
}
