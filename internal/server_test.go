package internal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncroom/internal/storage"
)

func newTestServer(t *testing.T, opts ServerOptions) (*Server, *httptest.Server) {
	t.Helper()
	store, err := storage.NewStore("sqlite://file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))

	server, err := NewServer(store, TransferOptions{Dir: t.TempDir(), MaxFileSize: 1 << 20}, opts)
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/synchronize", server.ServeWS)
	mux.HandleFunc("/api/rooms", server.HandleRooms)
	mux.HandleFunc("/api/files", server.HandleFileList)
	mux.HandleFunc("/api/files/", server.HandleFile)
	mux.HandleFunc("/api/upload", server.HandleUpload)
	mux.Handle("/metrics", server.MetricsHandler())
	mux.HandleFunc("/healthz", server.HandleHealth)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		server.Registry().Shutdown()
		ts.Close()
		_ = store.Close()
	})
	return server, ts
}

type testClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func dialTestClient(t *testing.T, ts *httptest.Server) *testClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/synchronize"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return &testClient{t: t, ws: ws}
}

func (c *testClient) send(v any) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteJSON(v))
}

func (c *testClient) join(userID, userName string, roomID int64) {
	c.send(Envelope{Type: TypeUserJoined, UserUUID: userID, UserName: userName, RoomID: roomID})
}

func (c *testClient) next() Envelope {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, payload, err := c.ws.ReadMessage()
	require.NoError(c.t, err)
	var env Envelope
	require.NoError(c.t, json.Unmarshal(payload, &env))
	return env
}

// until skips frames of other types, users_update in particular.
func (c *testClient) until(typ string) Envelope {
	c.t.Helper()
	for {
		env := c.next()
		if env.Type == typ {
			return env
		}
	}
}

func TestServerJoinSendsResyncInOrder(t *testing.T) {
	_, ts := newTestServer(t, ServerOptions{})
	alice := dialTestClient(t, ts)
	alice.join("uuid-alice", "alice", 0)

	room := alice.next()
	require.Equal(t, TypeRoomUpdate, room.Type)
	require.NotNil(t, room.Room)
	assert.Equal(t, int64(1), room.Room.ID)
	assert.Equal(t, storage.DefaultRoomDescription, room.Room.Description)

	texts := alice.next()
	assert.Equal(t, TypeRoomTextsUpdate, texts.Type)
	assert.Empty(t, texts.RoomTexts)

	files := alice.next()
	assert.Equal(t, TypeRoomFilesUpdate, files.Type)
	assert.Empty(t, files.Files)

	users := alice.next()
	assert.Equal(t, TypeUsersUpdate, users.Type)
	assert.Equal(t, []UserPayload{{UserName: "alice", UserUUID: "uuid-alice"}}, users.Users)
}

func TestServerTextRoundTrip(t *testing.T) {
	_, ts := newTestServer(t, ServerOptions{})
	alice := dialTestClient(t, ts)
	alice.join("uuid-alice", "alice", 1)
	alice.until(TypeUsersUpdate)

	bob := dialTestClient(t, ts)
	bob.join("uuid-bob", "bob", 1)
	bob.until(TypeUsersUpdate)

	// identity comes from the connection, not the payload
	alice.send(Envelope{Type: TypeRoomTextMessage, RoomText: &TextPayload{
		UserName: "mallory", UserUUID: "uuid-mallory", RoomID: 1, Content: "hello",
	}})
	for _, client := range []*testClient{alice, bob} {
		msg := client.until(TypeRoomTextMessage)
		require.NotNil(t, msg.RoomText)
		assert.Equal(t, int64(1), msg.RoomText.ID)
		assert.Equal(t, "alice", msg.RoomText.UserName)
		assert.Equal(t, "uuid-alice", msg.RoomText.UserUUID)
		assert.Equal(t, "hello", msg.RoomText.Content)
		assert.NotZero(t, msg.RoomText.Timestamp)
	}

	bob.send(Envelope{Type: TypeRoomTextMessageDelete, ID: 1})
	for _, client := range []*testClient{alice, bob} {
		assert.Equal(t, int64(1), client.until(TypeRoomTextMessageDelete).ID)
	}

	carol := dialTestClient(t, ts)
	carol.join("uuid-carol", "carol", 1)
	backlog := carol.until(TypeRoomTextsUpdate)
	assert.Empty(t, backlog.RoomTexts)
}

func TestServerBacklogIsBounded(t *testing.T) {
	_, ts := newTestServer(t, ServerOptions{BacklogLimit: 3})
	alice := dialTestClient(t, ts)
	alice.join("uuid-alice", "alice", 0)
	alice.until(TypeUsersUpdate)
	for _, content := range []string{"one", "two", "three", "four"} {
		alice.send(Envelope{Type: TypeRoomTextMessage, RoomText: &TextPayload{Content: content}})
		alice.until(TypeRoomTextMessage)
	}

	bob := dialTestClient(t, ts)
	bob.join("uuid-bob", "bob", 0)
	backlog := bob.until(TypeRoomTextsUpdate)
	require.Len(t, backlog.RoomTexts, 3)
	assert.Equal(t, "two", backlog.RoomTexts[0].Content)
	assert.Equal(t, "four", backlog.RoomTexts[2].Content)
}

func TestServerEvictsPreviousConnection(t *testing.T) {
	server, ts := newTestServer(t, ServerOptions{})
	first := dialTestClient(t, ts)
	first.join("uuid-alice", "alice", 0)
	first.until(TypeUsersUpdate)

	second := dialTestClient(t, ts)
	second.join("uuid-alice", "alice", 0)
	second.until(TypeRoomUpdate)

	require.NoError(t, first.ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var closeErr *websocket.CloseError
	for {
		_, _, err := first.ws.ReadMessage()
		if err != nil {
			require.ErrorAs(t, err, &closeErr)
			break
		}
	}
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	assert.Equal(t, CloseReasonReplaced, closeErr.Text)

	second.send(Envelope{Type: TypeRoomTextMessage, RoomText: &TextPayload{Content: "still here"}})
	assert.Equal(t, "still here", second.until(TypeRoomTextMessage).RoomText.Content)
	assert.Equal(t, uint64(1), server.Metrics().Snapshot()["evictions_total"])
}

func TestServerErrorEnvelopes(t *testing.T) {
	_, ts := newTestServer(t, ServerOptions{})
	client := dialTestClient(t, ts)

	require.NoError(t, client.ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, CodeInvalidMessage, client.until(TypeError).Code)

	client.send(Envelope{Type: TypeRoomTextMessage, RoomText: &TextPayload{Content: "early"}})
	assert.Equal(t, CodeNotInRoom, client.until(TypeError).Code)

	client.send(Envelope{Type: "dance"})
	assert.Equal(t, CodeUnknownType, client.until(TypeError).Code)

	client.join("uuid-alice", "alice", 99)
	assert.Equal(t, CodeRoomNotFound, client.until(TypeError).Code)

	client.join("uuid-alice", "alice", 0)
	client.until(TypeUsersUpdate)

	client.send(Envelope{Type: TypeRoomTextMessageDelete, ID: 42})
	assert.Equal(t, CodeMessageNotFound, client.until(TypeError).Code)

	client.send(Envelope{Type: TypeRoomTextMessage, RoomText: &TextPayload{RoomID: 7, Content: "elsewhere"}})
	assert.Equal(t, CodeNotAMember, client.until(TypeError).Code)
}

func TestServerDeleteRejectsOtherRoom(t *testing.T) {
	_, ts := newTestServer(t, ServerOptions{})
	alice := dialTestClient(t, ts)
	alice.join("uuid-alice", "alice", 0)
	alice.until(TypeUsersUpdate)
	alice.send(Envelope{Type: TypeRoomTextMessage, RoomText: &TextPayload{Content: "mine"}})
	id := alice.until(TypeRoomTextMessage).RoomText.ID

	bob := dialTestClient(t, ts)
	bob.send(Envelope{Type: TypeRoomCreate, UserUUID: "uuid-bob", UserName: "bob", Room: &RoomPayload{Name: "side"}})
	assert.Equal(t, "side", bob.until(TypeRoomUpdate).Room.Name)

	bob.send(Envelope{Type: TypeRoomTextMessageDelete, ID: id})
	assert.Equal(t, CodeNotAMember, bob.until(TypeError).Code)
}

func TestServerCreateRoomConflict(t *testing.T) {
	_, ts := newTestServer(t, ServerOptions{})
	client := dialTestClient(t, ts)
	client.send(Envelope{Type: TypeRoomCreate, UserUUID: "uuid-alice", UserName: "alice", Room: &RoomPayload{Name: "ops", Description: "on call"}})
	room := client.until(TypeRoomUpdate)
	assert.Equal(t, "ops", room.Room.Name)
	assert.Equal(t, "on call", room.Room.Description)

	client.send(Envelope{Type: TypeRoomCreate, Room: &RoomPayload{Name: "ops"}})
	assert.Equal(t, CodeRoomExists, client.until(TypeError).Code)
}

func TestServerUserExitKeepsSocket(t *testing.T) {
	server, ts := newTestServer(t, ServerOptions{})
	alice := dialTestClient(t, ts)
	alice.join("uuid-alice", "alice", 0)
	alice.until(TypeUsersUpdate)

	alice.send(Envelope{Type: TypeUserExit})
	alice.send(Envelope{Type: TypeRoomTextMessage, RoomText: &TextPayload{Content: "gone"}})
	assert.Equal(t, CodeNotInRoom, alice.until(TypeError).Code)
	assert.Empty(t, server.Registry().Users())
	assert.Equal(t, 1, server.Registry().Count())
}

func TestServerMessageRateLimit(t *testing.T) {
	_, ts := newTestServer(t, ServerOptions{MessageRate: 2, RateWindow: time.Minute})
	client := dialTestClient(t, ts)
	client.join("uuid-alice", "alice", 0)
	client.until(TypeUsersUpdate)
	client.send(Envelope{Type: TypeRoomTextMessage, RoomText: &TextPayload{Content: "ok"}})
	client.until(TypeRoomTextMessage)
	client.send(Envelope{Type: TypeRoomTextMessage, RoomText: &TextPayload{Content: "too much"}})
	assert.Equal(t, CodeRateLimited, client.until(TypeError).Code)
}

func TestServerHealth(t *testing.T) {
	_, ts := newTestServer(t, ServerOptions{})
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, Version, body["version"])
}

func TestServerJoinIgnoresClosedConnection(t *testing.T) {
	server, ts := newTestServer(t, ServerOptions{})
	alice := dialTestClient(t, ts)
	alice.join("uuid-alice", "alice", 0)
	alice.until(TypeUsersUpdate)

	stale := newConn(nil, "stale")
	server.Registry().Register(stale)
	stale.closeWith(websocket.CloseNormalClosure, CloseReasonReplaced)

	ctx := context.Background()
	require.NoError(t, server.join(ctx, stale, "uuid-alice", "alice", 0))
	require.NoError(t, server.createRoom(ctx, stale, Envelope{UserUUID: "uuid-alice", Room: &RoomPayload{Name: "late"}}))
	assert.NotSame(t, stale, server.Registry().LookupByUser("uuid-alice"))

	alice.send(Envelope{Type: TypeRoomTextMessage, RoomText: &TextPayload{Content: "still live"}})
	assert.Equal(t, "still live", alice.until(TypeRoomTextMessage).RoomText.Content)
}
