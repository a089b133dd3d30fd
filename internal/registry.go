package internal

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

const sendBufferSize = 256

// ErrConnClosed is returned by Join for a connection whose send side is
// already closed, typically one that was just evicted.
var ErrConnClosed = errors.New("connection closed")

// Conn is one websocket connection. Identity and room fields are owned by
// the Registry and only touched under its lock.
type Conn struct {
	id   string
	ws   *websocket.Conn
	addr string
	send chan []byte

	userID   string
	userName string
	roomID   int64
	joined   bool

	mu          sync.Mutex
	closed      bool
	closeCode   int
	closeReason string
}

func newConn(ws *websocket.Conn, addr string) *Conn {
	return &Conn{
		id:   uuid.NewString(),
		ws:   ws,
		addr: addr,
		send: make(chan []byte, sendBufferSize),
	}
}

// ID returns the server-assigned connection id.
func (c *Conn) ID() string { return c.id }

// enqueue hands frame to the write pump. A full buffer means the peer is not
// reading; the connection is closed and the transport close removes it.
func (c *Conn) enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		jww.WARN.Printf("conn %s: send buffer full, closing", c.id)
		c.closeLocked(websocket.ClosePolicyViolation, "slow consumer")
		return false
	}
}

// closeWith stops the write pump after pending frames are flushed and makes
// it send a close frame with code and reason.
func (c *Conn) closeWith(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked(code, reason)
}

func (c *Conn) closeLocked(code int, reason string) {
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	close(c.send)
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) closeFrame() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeCode == 0 {
		return websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	}
	return websocket.FormatCloseMessage(c.closeCode, c.closeReason)
}

// Registry owns the user->connection map and the room->members map behind
// one lock so eviction and insertion happen as a single step.
type Registry struct {
	mu      sync.Mutex
	users   map[string]*Conn
	rooms   map[int64]map[*Conn]struct{}
	conns   map[*Conn]struct{}
	metrics *Metrics
}

func NewRegistry(metrics *Metrics) *Registry {
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Registry{
		users:   make(map[string]*Conn),
		rooms:   make(map[int64]map[*Conn]struct{}),
		conns:   make(map[*Conn]struct{}),
		metrics: metrics,
	}
}

// Register tracks a freshly upgraded connection that has not joined yet.
func (r *Registry) Register(c *Conn) {
	r.mu.Lock()
	r.conns[c] = struct{}{}
	r.mu.Unlock()
	r.metrics.IncConn()
}

// Join attaches c to roomID as userID. Any other connection registered for
// userID is evicted and returned. The snapshot frames are queued on c before
// the lock is released, so no room broadcast can overtake them. A closed c is
// refused with ErrConnClosed and the registry is left untouched.
func (r *Registry) Join(c *Conn, userID, userName string, roomID int64, snapshot [][]byte) (*Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c.isClosed() {
		return nil, ErrConnClosed
	}
	if _, ok := r.conns[c]; !ok {
		r.conns[c] = struct{}{}
		r.metrics.IncConn()
	}

	var evicted *Conn
	if old, ok := r.users[userID]; ok && old != c {
		r.detachLocked(old)
		evicted = old
	}
	if c.joined {
		r.detachLocked(c)
	}

	c.userID = userID
	c.userName = userName
	c.roomID = roomID
	c.joined = true
	r.users[userID] = c
	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[*Conn]struct{})
		r.rooms[roomID] = members
	}
	members[c] = struct{}{}

	for _, frame := range snapshot {
		c.enqueue(frame)
	}
	r.metrics.IncJoin()
	if evicted != nil {
		r.metrics.IncEviction()
		evicted.closeWith(websocket.CloseNormalClosure, CloseReasonReplaced)
		jww.INFO.Printf("user %s: evicted conn %s in favour of %s", userID, evicted.id, c.id)
	}
	r.broadcastUsersLocked()
	return evicted, nil
}

// Leave forgets c entirely. It only removes the user entry if c is still the
// registered connection for that user, so a late close of an evicted socket
// never drops its replacement.
func (r *Registry) Leave(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c]; ok {
		delete(r.conns, c)
		r.metrics.DecConn()
	}
	if !c.joined {
		return false
	}
	r.detachLocked(c)
	r.broadcastUsersLocked()
	return true
}

// Detach removes c from its room and the user map but keeps it registered.
func (r *Registry) Detach(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !c.joined {
		return false
	}
	r.detachLocked(c)
	r.broadcastUsersLocked()
	return true
}

func (r *Registry) detachLocked(c *Conn) {
	if current, ok := r.users[c.userID]; ok && current == c {
		delete(r.users, c.userID)
	}
	if members, ok := r.rooms[c.roomID]; ok {
		delete(members, c)
	}
	c.joined = false
}

// LookupByUser returns the live connection for userID, or nil.
func (r *Registry) LookupByUser(userID string) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.users[userID]
}

// RoomOf reports the room c is attached to.
func (r *Registry) RoomOf(c *Conn) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !c.joined {
		return 0, false
	}
	return c.roomID, true
}

// Identity returns the user c joined as.
func (r *Registry) Identity(c *Conn) (userID, userName string, roomID int64, joined bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return c.userID, c.userName, c.roomID, c.joined
}

// MembersOf lists the connections attached to roomID.
func (r *Registry) MembersOf(roomID int64) []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := make([]*Conn, 0, len(r.rooms[roomID]))
	for c := range r.rooms[roomID] {
		members = append(members, c)
	}
	return members
}

// Broadcast queues frame on every member of roomID and returns how many
// accepted it. Members that fail are left for their transport close to clean
// up.
func (r *Registry) Broadcast(roomID int64, frame []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	delivered := 0
	for c := range r.rooms[roomID] {
		if c.enqueue(frame) {
			delivered++
		}
	}
	return delivered
}

// BroadcastAll queues frame on every open connection, joined or not.
func (r *Registry) BroadcastAll(frame []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.broadcastAllLocked(frame)
}

func (r *Registry) broadcastAllLocked(frame []byte) int {
	delivered := 0
	for c := range r.conns {
		if c.enqueue(frame) {
			delivered++
		}
	}
	return delivered
}

// Send queues frame on a single connection.
func (r *Registry) Send(c *Conn, frame []byte) bool {
	return c.enqueue(frame)
}

// Users lists the joined users ordered by name.
func (r *Registry) Users() []UserPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.usersLocked()
}

func (r *Registry) usersLocked() []UserPayload {
	users := make([]UserPayload, 0, len(r.users))
	for id, c := range r.users {
		users = append(users, UserPayload{UserName: c.userName, UserUUID: id})
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].UserName != users[j].UserName {
			return users[i].UserName < users[j].UserName
		}
		return users[i].UserUUID < users[j].UserUUID
	})
	return users
}

func (r *Registry) broadcastUsersLocked() {
	r.broadcastAllLocked(marshalJSON(UsersUpdateMessage{Type: TypeUsersUpdate, Users: r.usersLocked()}))
}

// Count returns the number of registered connections, joined or not.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Shutdown closes every connection with a going-away code.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()
	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutdown")
	}
}
