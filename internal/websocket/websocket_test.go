package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zfogg/livecache/internal/auth"
	"github.com/zfogg/livecache/internal/forum"
	"github.com/zfogg/livecache/internal/logger"
	"github.com/zfogg/livecache/internal/registry"
	"github.com/zfogg/livecache/internal/store"
)

func TestMain(m *testing.M) {
	_ = logger.Initialize("error", "")
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type testServer struct {
	store *store.MemoryStore
	reg   *registry.Registry
	hub   *Hub
	url   string
}

func newTestServer(t *testing.T, tokens auth.TokenValidator) *testServer {
	t.Helper()
	s := store.NewMemoryStore()
	reg := registry.New(s)
	hub := NewHub()
	go hub.Run()

	h := NewHandler(hub, reg, tokens)
	h.RegisterDefaultHandlers()

	r := gin.New()
	r.GET("/ws", h.HandleWebSocket)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
		srv.Close()
	})

	return &testServer{
		store: s,
		reg:   reg,
		hub:   hub,
		url:   "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
	}
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msgType, id string, payload interface{}) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, map[string]interface{}{
		"type":    msgType,
		"id":      id,
		"payload": payload,
	}))
}

// readType reads until a message of msgType arrives
func readType(t *testing.T, conn *websocket.Conn, msgType string) *Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		var msg Message
		require.NoError(t, wsjson.Read(ctx, conn, &msg))
		if msg.Type == msgType {
			return &msg
		}
	}
}

func TestSubscribePushesSnapshots(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()
	require.NoError(t, ts.store.Write(ctx, "groups/g1/scores/u1", 1))

	conn := dial(t, ts.url)
	send(t, conn, MessageTypeSubscribe, "1", PathPayload{Path: "groups/g1/scores"})

	var snap SnapshotPayload
	require.NoError(t, readType(t, conn, MessageTypeSnapshot).ParsePayload(&snap))
	assert.Equal(t, "groups/g1/scores", snap.Path)
	assert.True(t, snap.Exists)
	assert.Equal(t, uint64(1), snap.Seq)
	assert.Equal(t, map[string]interface{}{"u1": float64(1)}, snap.Value)

	require.NoError(t, ts.store.Write(ctx, "groups/g1/scores/u2", 4))
	require.NoError(t, readType(t, conn, MessageTypeSnapshot).ParsePayload(&snap))
	assert.Equal(t, uint64(2), snap.Seq)
	assert.Equal(t, map[string]interface{}{"u1": float64(1), "u2": float64(4)}, snap.Value)
}

func TestUnsubscribeAndDisconnectRelease(t *testing.T) {
	ts := newTestServer(t, nil)

	conn := dial(t, ts.url)
	send(t, conn, MessageTypeSubscribe, "1", PathPayload{Path: "a"})
	send(t, conn, MessageTypeSubscribe, "2", PathPayload{Path: "b"})
	readType(t, conn, MessageTypeSnapshot)
	readType(t, conn, MessageTypeSnapshot)
	assert.Equal(t, 2, ts.reg.Len())

	send(t, conn, MessageTypeUnsubscribe, "3", PathPayload{Path: "a"})
	send(t, conn, MessageTypeUnsubscribe, "4", PathPayload{Path: "a"})
	var errPayload ErrorPayload
	msg := readType(t, conn, MessageTypeError)
	require.NoError(t, msg.ParsePayload(&errPayload))
	assert.Equal(t, "4", msg.ReplyTo)
	assert.Equal(t, ErrorCodeNotSubscribed, errPayload.Code)
	assert.Equal(t, 1, ts.reg.Len())

	conn.Close(websocket.StatusNormalClosure, "bye")
	assert.Eventually(t, func() bool {
		return ts.reg.Len() == 0 && ts.store.Listeners() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInvalidPathIsReported(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := dial(t, ts.url)

	send(t, conn, MessageTypeSubscribe, "1", PathPayload{Path: "a/b.c"})
	var errPayload ErrorPayload
	require.NoError(t, readType(t, conn, MessageTypeError).ParsePayload(&errPayload))
	assert.Equal(t, "INVALID_PATH", errPayload.Code)
}

func TestDeniedPathEndsWithError(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := dial(t, ts.url)

	send(t, conn, MessageTypeSubscribe, "1", PathPayload{Path: "secret"})
	readType(t, conn, MessageTypeSnapshot)

	ts.store.Deny("secret")
	var errPayload ErrorPayload
	require.NoError(t, readType(t, conn, MessageTypeError).ParsePayload(&errPayload))
	assert.Equal(t, "secret", errPayload.Path)
	assert.Equal(t, "PERMISSION_DENIED", errPayload.Code)

	// a fresh subscribe re-attempts once access is restored
	ts.store.Allow("secret")
	send(t, conn, MessageTypeSubscribe, "2", PathPayload{Path: "secret"})
	var snap SnapshotPayload
	require.NoError(t, readType(t, conn, MessageTypeSnapshot).ParsePayload(&snap))
	assert.Equal(t, "secret", snap.Path)
}

func TestWatchViewPushesLeaderboard(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()
	require.NoError(t, ts.store.Update(ctx, map[store.Path]any{
		forum.MemberPath("g1", "u1"): forum.Member{Role: forum.RoleOwner},
		forum.UserPath("u1"):         forum.User{DisplayName: "Zoe"},
	}))

	conn := dial(t, ts.url)
	send(t, conn, MessageTypeWatchView, "1", WatchViewPayload{View: forum.ViewLeaderboard, Group: "g1"})

	var vp ViewPayload
	require.NoError(t, readType(t, conn, MessageTypeView).ParsePayload(&vp))
	assert.Equal(t, "ready", vp.State)
	assert.NotEmpty(t, vp.ID)
	require.Len(t, vp.Value, 1)

	require.NoError(t, ts.store.Write(ctx, forum.ScorePath("g1", "u1"), 2))
	var next ViewPayload
	require.NoError(t, readType(t, conn, MessageTypeView).ParsePayload(&next))
	assert.Equal(t, vp.ID, next.ID)
	entries := next.Value.([]interface{})
	assert.Equal(t, float64(2), entries[0].(map[string]interface{})["solved"])

	send(t, conn, MessageTypeUnwatchView, "2", UnwatchViewPayload{ID: vp.ID})
	assert.Eventually(t, func() bool { return ts.reg.Len() == 0 }, 2*time.Second, 10*time.Millisecond)

	send(t, conn, MessageTypeWatchView, "3", WatchViewPayload{View: "feed", Group: "g1"})
	var errPayload ErrorPayload
	require.NoError(t, readType(t, conn, MessageTypeError).ParsePayload(&errPayload))
	assert.Equal(t, "VALIDATION_ERROR", errPayload.Code)
}

func TestPingPong(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := dial(t, ts.url)

	send(t, conn, MessageTypePing, "p1", PingPayload{ClientTime: time.Now().UnixMilli()})
	msg := readType(t, conn, MessageTypePong)
	assert.Equal(t, "p1", msg.ReplyTo)

	var pong PongPayload
	require.NoError(t, msg.ParsePayload(&pong))
	assert.NotZero(t, pong.ServerTime)
}

func TestUnknownMessageType(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := dial(t, ts.url)

	send(t, conn, "dance", "", nil)
	var errPayload ErrorPayload
	require.NoError(t, readType(t, conn, MessageTypeError).ParsePayload(&errPayload))
	assert.Equal(t, ErrorCodeUnknownType, errPayload.Code)
}

func TestAuthenticatedConnections(t *testing.T) {
	tokens, err := auth.NewTokens([]byte("secret"), time.Hour)
	require.NoError(t, err)
	ts := newTestServer(t, tokens)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, ts.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, _, err := tokens.Issue("u1")
	require.NoError(t, err)
	conn := dial(t, ts.url+"?token="+token)

	var sys SystemPayload
	require.NoError(t, readType(t, conn, MessageTypeSystem).ParsePayload(&sys))
	assert.Equal(t, "connected", sys.Event)
	assert.Equal(t, "u1", sys.Data["user_id"])
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(5, 10)

	for i := 0; i < 10; i++ {
		assert.True(t, rl.Allow(), "Request %d should be allowed", i+1)
	}
	assert.False(t, rl.Allow(), "Request 11 should be denied")

	time.Sleep(300 * time.Millisecond)
	assert.True(t, rl.Allow(), "Request after wait should be allowed")
}

func TestMessageParsePayload(t *testing.T) {
	msg := NewMessage(MessageTypePing, map[string]interface{}{
		"client_time": float64(1234567890),
	})

	var ping PingPayload
	require.NoError(t, msg.ParsePayload(&ping))
	assert.Equal(t, int64(1234567890), ping.ClientTime)
}

func TestFlexibleTime(t *testing.T) {
	var ft FlexibleTime
	require.NoError(t, ft.UnmarshalJSON([]byte("1700000000000")))
	assert.Equal(t, int64(1700000000000), ft.UnixMilli())

	require.NoError(t, ft.UnmarshalJSON([]byte(`"2026-03-01T12:00:00Z"`)))
	assert.Equal(t, 2026, ft.Year())

	assert.Error(t, ft.UnmarshalJSON([]byte(`"yesterday"`)))
}
