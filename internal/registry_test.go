package internal

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drain returns every frame queued on c so far.
func drain(c *Conn) [][]byte {
	var frames [][]byte
	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return frames
			}
			frames = append(frames, frame)
		default:
			return frames
		}
	}
}

func frameTypes(t *testing.T, frames [][]byte) []string {
	t.Helper()
	types := make([]string, 0, len(frames))
	for _, frame := range frames {
		var env Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		types = append(types, env.Type)
	}
	return types
}

func TestRegistryJoinEvictsPreviousConnection(t *testing.T) {
	registry := NewRegistry(nil)
	first := newConn(nil, "a")
	second := newConn(nil, "b")
	registry.Register(first)
	registry.Register(second)

	evicted, err := registry.Join(first, "u1", "alice", 1, nil)
	require.NoError(t, err)
	assert.Nil(t, evicted)
	evicted, err = registry.Join(second, "u1", "alice", 1, nil)
	require.NoError(t, err)
	require.Same(t, first, evicted)

	assert.Same(t, second, registry.LookupByUser("u1"))
	_, joined := registry.RoomOf(first)
	assert.False(t, joined)
	assert.Equal(t, []*Conn{second}, registry.MembersOf(1))

	first.mu.Lock()
	assert.True(t, first.closed)
	assert.Equal(t, websocket.CloseNormalClosure, first.closeCode)
	assert.Equal(t, CloseReasonReplaced, first.closeReason)
	first.mu.Unlock()

	// the evicted socket closing late must not remove its replacement
	assert.False(t, registry.Leave(first))
	assert.Same(t, second, registry.LookupByUser("u1"))
	assert.Equal(t, 1, registry.Count())
}

func TestRegistryEvictedConnCannotRejoin(t *testing.T) {
	registry := NewRegistry(nil)
	first := newConn(nil, "a")
	second := newConn(nil, "b")
	registry.Register(first)
	registry.Register(second)
	registry.Join(first, "u1", "alice", 1, nil)
	registry.Join(second, "u1", "alice", 1, nil)

	// a user_joined frame still in flight on the evicted socket
	evicted, err := registry.Join(first, "u1", "alice", 1, nil)
	require.ErrorIs(t, err, ErrConnClosed)
	assert.Nil(t, evicted)

	assert.Same(t, second, registry.LookupByUser("u1"))
	assert.False(t, second.isClosed())
	assert.Equal(t, []*Conn{second}, registry.MembersOf(1))

	assert.False(t, registry.Leave(first))
	assert.Same(t, second, registry.LookupByUser("u1"))
	assert.False(t, second.isClosed())
}

func TestRegistryBroadcastAllReachesDetachedConns(t *testing.T) {
	registry := NewRegistry(nil)
	alice := newConn(nil, "a")
	idle := newConn(nil, "b")
	registry.Register(alice)
	registry.Register(idle)
	registry.Join(alice, "u1", "alice", 1, nil)
	registry.Join(idle, "u2", "bob", 1, nil)
	require.True(t, registry.Detach(idle))
	drain(alice)
	drain(idle)

	assert.Equal(t, 2, registry.BroadcastAll([]byte(`{"type":"room_file_delete"}`)))
	assert.Len(t, drain(idle), 1)

	registry.Join(alice, "u1", "alice", 2, nil)
	assert.Equal(t, []string{TypeUsersUpdate}, frameTypes(t, drain(idle)))
}

func TestRegistryConcurrentJoinsKeepOneConnection(t *testing.T) {
	registry := NewRegistry(nil)
	conns := make([]*Conn, 32)
	for i := range conns {
		conns[i] = newConn(nil, fmt.Sprintf("c%d", i))
		registry.Register(conns[i])
	}
	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			registry.Join(c, "u1", "alice", 1, nil)
		}(c)
	}
	wg.Wait()

	live := registry.LookupByUser("u1")
	require.NotNil(t, live)
	assert.Len(t, registry.MembersOf(1), 1)
	assert.Len(t, registry.Users(), 1)
	for _, c := range conns {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		assert.Equal(t, c != live, closed)
	}
}

func TestRegistryBroadcastIsRoomScoped(t *testing.T) {
	registry := NewRegistry(nil)
	alice := newConn(nil, "a")
	bob := newConn(nil, "b")
	carol := newConn(nil, "c")
	registry.Join(alice, "u1", "alice", 1, nil)
	registry.Join(bob, "u2", "bob", 1, nil)
	registry.Join(carol, "u3", "carol", 2, nil)
	drain(alice)
	drain(bob)
	drain(carol)

	delivered := registry.Broadcast(1, []byte(`{"type":"room_text_message"}`))
	assert.Equal(t, 2, delivered)
	assert.Len(t, drain(alice), 1)
	assert.Len(t, drain(bob), 1)
	assert.Empty(t, drain(carol))

	assert.Equal(t, 3, registry.BroadcastAll([]byte(`{"type":"room_file_delete"}`)))
	assert.Len(t, drain(carol), 1)
}

func TestRegistrySnapshotPrecedesLiveEvents(t *testing.T) {
	registry := NewRegistry(nil)
	alice := newConn(nil, "a")
	snapshot := [][]byte{
		[]byte(`{"type":"room_update"}`),
		[]byte(`{"type":"room_texts_update"}`),
		[]byte(`{"type":"room_files_update"}`),
	}
	registry.Join(alice, "u1", "alice", 1, snapshot)
	registry.Broadcast(1, []byte(`{"type":"room_text_message"}`))

	assert.Equal(t, []string{
		TypeRoomUpdate,
		TypeRoomTextsUpdate,
		TypeRoomFilesUpdate,
		TypeUsersUpdate,
		TypeRoomTextMessage,
	}, frameTypes(t, drain(alice)))
}

func TestRegistryUsersUpdateOnMembershipChange(t *testing.T) {
	registry := NewRegistry(nil)
	alice := newConn(nil, "a")
	bob := newConn(nil, "b")
	registry.Join(alice, "u1", "alice", 1, nil)
	registry.Join(bob, "u2", "bob", 2, nil)

	frames := drain(alice)
	require.Len(t, frames, 2)
	var env Envelope
	require.NoError(t, json.Unmarshal(frames[1], &env))
	assert.Equal(t, TypeUsersUpdate, env.Type)
	assert.Equal(t, []UserPayload{{UserName: "alice", UserUUID: "u1"}, {UserName: "bob", UserUUID: "u2"}}, env.Users)

	assert.True(t, registry.Detach(bob))
	assert.False(t, registry.Detach(bob))
	frames = drain(alice)
	require.Len(t, frames, 1)
	require.NoError(t, json.Unmarshal(frames[0], &env))
	assert.Equal(t, []UserPayload{{UserName: "alice", UserUUID: "u1"}}, env.Users)
}

func TestRegistryRejoinMovesRooms(t *testing.T) {
	registry := NewRegistry(nil)
	alice := newConn(nil, "a")
	registry.Join(alice, "u1", "alice", 1, nil)
	evicted, err := registry.Join(alice, "u1", "alice", 2, nil)
	require.NoError(t, err)
	assert.Nil(t, evicted)

	assert.Empty(t, registry.MembersOf(1))
	assert.Equal(t, []*Conn{alice}, registry.MembersOf(2))
	room, ok := registry.RoomOf(alice)
	assert.True(t, ok)
	assert.Equal(t, int64(2), room)
}

func TestRegistrySlowConsumerIsClosed(t *testing.T) {
	registry := NewRegistry(nil)
	alice := newConn(nil, "a")
	bob := newConn(nil, "b")
	registry.Join(alice, "u1", "alice", 1, nil)
	registry.Join(bob, "u2", "bob", 1, nil)
	drain(bob)

	for i := 0; i < sendBufferSize+1; i++ {
		registry.Broadcast(1, []byte(`{}`))
		drain(bob)
	}
	alice.mu.Lock()
	assert.True(t, alice.closed)
	assert.Equal(t, websocket.ClosePolicyViolation, alice.closeCode)
	alice.mu.Unlock()

	// broadcast does not remove members itself
	assert.Len(t, registry.MembersOf(1), 2)
	assert.Equal(t, 1, registry.Broadcast(1, []byte(`{}`)))
}
