package internal

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"syncroom/internal/storage"
)

const (
	opTimeout           = 5 * time.Second
	defaultBacklogLimit = 50
)

// MessageStore is the persistence the engine needs. storage.Store and
// storage.MongoStore implement it.
type MessageStore interface {
	CreateRoom(ctx context.Context, name, description string) (*storage.Room, error)
	GetRoom(ctx context.Context, id int64) (*storage.Room, error)
	GetRoomByName(ctx context.Context, name string) (*storage.Room, error)
	ListRooms(ctx context.Context) ([]storage.Room, error)
	AppendText(ctx context.Context, roomID int64, userID, displayName, content string, timestamp int64) (int64, error)
	RecentTexts(ctx context.Context, roomID int64, limit int) ([]storage.RoomText, error)
	GetText(ctx context.Context, id int64) (*storage.RoomText, error)
	DeleteText(ctx context.Context, id int64) (bool, error)
}

type ServerOptions struct {
	BacklogLimit int
	// MessageRate frames per RateWindow per connection.
	MessageRate int
	// RequestRate transfer requests per RateWindow per client address.
	RequestRate  int
	RateWindow   time.Duration
	ReapInterval time.Duration
}

// Server ties the registry, the message store and the transfer directory
// together. Per-room locks serialize the store write and the broadcast of a
// text, and the backlog read and the attach of a join.
type Server struct {
	store       MessageStore
	registry    *Registry
	transfers   *Transfers
	metrics     *Metrics
	msgLimiter  *RateLimiter
	httpLimiter *RateLimiter
	roomLocks   *keyedMutex[int64]
	opts        ServerOptions
	upgrader    websocket.Upgrader
}

// stateError is reported to the sender as an error envelope.
type stateError struct {
	code    string
	message string
}

func (e *stateError) Error() string {
	return e.code + ": " + e.message
}

func newStateError(code, message string) error {
	return &stateError{code: code, message: message}
}

func NewServer(store MessageStore, transferOpts TransferOptions, opts ServerOptions) (*Server, error) {
	if store == nil {
		return nil, errors.New("message store is required")
	}
	if opts.BacklogLimit <= 0 {
		opts.BacklogLimit = defaultBacklogLimit
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = 5 * time.Second
	}
	metrics := NewMetrics()
	registry := NewRegistry(metrics)
	transfers, err := NewTransfers(transferOpts, registry, metrics)
	if err != nil {
		return nil, err
	}
	return &Server{
		store:       store,
		registry:    registry,
		transfers:   transfers,
		metrics:     metrics,
		msgLimiter:  NewRateLimiter(opts.MessageRate, opts.RateWindow),
		httpLimiter: NewRateLimiter(opts.RequestRate, opts.RateWindow),
		roomLocks:   newKeyedMutex[int64](),
		opts:        opts,
		upgrader:    newUpgrader(),
	}, nil
}

func (s *Server) Registry() *Registry { return s.registry }

func (s *Server) Transfers() *Transfers { return s.transfers }

func (s *Server) Metrics() *Metrics { return s.metrics }

// Run reaps abandoned uploads until ctx is done, then closes every
// connection.
func (s *Server) Run(ctx context.Context) {
	interval := s.opts.ReapInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.registry.Shutdown()
			return
		case <-ticker.C:
			if n := s.transfers.Reap(); n > 0 {
				jww.INFO.Printf("reaped %d abandoned uploads", n)
			}
			s.msgLimiter.Prune()
			s.httpLimiter.Prune()
		}
	}
}

func (s *Server) resolveRoom(ctx context.Context, roomID int64) (*storage.Room, error) {
	var (
		room *storage.Room
		err  error
	)
	if roomID == 0 {
		room, err = s.store.GetRoomByName(ctx, "")
	} else {
		room, err = s.store.GetRoom(ctx, roomID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load room %d", roomID)
	}
	if room == nil {
		return nil, newStateError(CodeRoomNotFound, "room not found")
	}
	return room, nil
}

// join evicts any other connection of userID, attaches c to the room and
// queues the resync snapshot on c. Room id 0 selects the default room.
func (s *Server) join(ctx context.Context, c *Conn, userID, userName string, roomID int64) error {
	if userID == "" {
		return newStateError(CodeInvalidMessage, "user_uuid is required")
	}
	if userName == "" {
		userName = userID
	}
	if c.isClosed() {
		jww.DEBUG.Printf("conn %s: ignoring join of %s on a closed connection", c.id, userID)
		return nil
	}
	room, err := s.resolveRoom(ctx, roomID)
	if err != nil {
		return err
	}

	unlock := s.roomLocks.Lock(room.ID)
	defer unlock()

	texts, err := s.store.RecentTexts(ctx, room.ID, s.opts.BacklogLimit)
	if err != nil {
		return errors.Wrapf(err, "load backlog of room %d", room.ID)
	}
	return s.transfers.Snapshot(func(files []FileInfo) error {
		frames, err := resyncFrames(room, texts, files)
		if err != nil {
			return err
		}
		if _, err := s.registry.Join(c, userID, userName, room.ID, frames); err != nil {
			if errors.Is(err, ErrConnClosed) {
				jww.DEBUG.Printf("conn %s: closed before joining room %d", c.id, room.ID)
				return nil
			}
			return err
		}
		jww.INFO.Printf("user %s (%s) joined room %d from %s", userName, userID, room.ID, c.addr)
		return nil
	})
}

// sendText stores content in the sender's room and broadcasts it with the
// assigned id and timestamp. Identity comes from the connection.
func (s *Server) sendText(ctx context.Context, c *Conn, text *TextPayload) error {
	if text == nil {
		return newStateError(CodeInvalidMessage, "room_text is required")
	}
	userID, userName, roomID, joined := s.registry.Identity(c)
	if !joined {
		return newStateError(CodeNotInRoom, "join a room first")
	}
	if text.RoomID != 0 && text.RoomID != roomID {
		return newStateError(CodeNotAMember, "not a member of that room")
	}

	unlock := s.roomLocks.Lock(roomID)
	defer unlock()
	if current, ok := s.registry.RoomOf(c); !ok || current != roomID {
		return newStateError(CodeNotInRoom, "join a room first")
	}

	timestamp := nowMillis()
	id, err := s.store.AppendText(ctx, roomID, userID, userName, text.Content, timestamp)
	if err != nil {
		if errors.Is(err, storage.ErrRoomNotFound) {
			return newStateError(CodeRoomNotFound, "room not found")
		}
		return err
	}
	s.metrics.IncText()
	s.registry.Broadcast(roomID, marshalJSON(RoomTextMessage{
		Type: TypeRoomTextMessage,
		RoomText: TextPayload{
			ID:        id,
			UserName:  userName,
			UserUUID:  userID,
			RoomID:    roomID,
			Content:   text.Content,
			Timestamp: timestamp,
		},
	}))
	return nil
}

// deleteText removes a message of the sender's room and tells the room.
func (s *Server) deleteText(ctx context.Context, c *Conn, id int64) error {
	if id <= 0 {
		return newStateError(CodeInvalidMessage, "id is required")
	}
	roomID, joined := s.registry.RoomOf(c)
	if !joined {
		return newStateError(CodeNotInRoom, "join a room first")
	}

	unlock := s.roomLocks.Lock(roomID)
	defer unlock()

	text, err := s.store.GetText(ctx, id)
	if err != nil {
		return err
	}
	if text == nil {
		return newStateError(CodeMessageNotFound, "message not found")
	}
	if text.RoomID != roomID {
		return newStateError(CodeNotAMember, "message belongs to another room")
	}
	deleted, err := s.store.DeleteText(ctx, id)
	if err != nil {
		return err
	}
	if !deleted {
		return newStateError(CodeMessageNotFound, "message not found")
	}
	s.metrics.IncDelete()
	s.registry.Broadcast(roomID, marshalJSON(RoomTextDeleteMessage{Type: TypeRoomTextMessageDelete, ID: id}))
	return nil
}

// createRoom creates a room and joins the sender to it.
func (s *Server) createRoom(ctx context.Context, c *Conn, env Envelope) error {
	if env.Room == nil {
		return newStateError(CodeInvalidMessage, "room is required")
	}
	userID, userName := env.UserUUID, env.UserName
	if userID == "" {
		userID, userName, _, _ = s.registry.Identity(c)
	}
	if userID == "" {
		return newStateError(CodeInvalidMessage, "user_uuid is required")
	}
	if c.isClosed() {
		return nil
	}
	room, err := s.store.CreateRoom(ctx, env.Room.Name, env.Room.Description)
	if err != nil {
		if errors.Is(err, storage.ErrRoomExists) {
			return newStateError(CodeRoomExists, "room already exists")
		}
		return err
	}
	jww.INFO.Printf("room %d (%q) created by %s", room.ID, room.Name, userID)
	return s.join(ctx, c, userID, userName, room.ID)
}

func (s *Server) exit(c *Conn) {
	if s.registry.Detach(c) {
		jww.INFO.Printf("conn %s left its room", c.id)
	}
}

func (s *Server) reportError(c *Conn, err error) {
	var stateErr *stateError
	if errors.As(err, &stateErr) {
		jww.DEBUG.Printf("conn %s: %v", c.id, err)
		s.registry.Send(c, errorFrame(stateErr.code, stateErr.message))
		return
	}
	jww.ERROR.Printf("conn %s: %v", c.id, err)
	s.registry.Send(c, errorFrame(CodeInternal, "internal error"))
}
