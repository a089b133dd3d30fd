package internal

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

type SessionState int

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateReplaced
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateReplaced:
		return "replaced"
	default:
		return "unknown"
	}
}

const (
	defaultReconnectInterval = 2 * time.Second
	defaultMaxReconnects     = 5
)

var (
	// ErrReplaced is returned by Run when a newer connection for the same
	// user took over. The session must not reconnect.
	ErrReplaced = errors.New("session replaced by a newer connection")
	// ErrReconnectsExhausted is returned by Run after the last failed attempt.
	ErrReconnectsExhausted = errors.New("reconnect attempts exhausted")
	// ErrNotConnected is returned by senders while no socket is open.
	ErrNotConnected = errors.New("not connected")
)

type SessionConfig struct {
	URL               string
	Identity          Identity
	RoomID            int64
	ReconnectInterval time.Duration
	MaxReconnects     int
	Dialer            *websocket.Dialer
}

// Session keeps one websocket to the server alive, rejoining its room after
// every reconnect. Decoded envelopes are delivered on Events.
type Session struct {
	cfg    SessionConfig
	events chan Envelope

	mu     sync.Mutex
	state  SessionState
	conn   *websocket.Conn
	roomID int64
	states chan SessionState

	writeMu sync.Mutex
}

func NewSession(cfg SessionConfig) *Session {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = defaultMaxReconnects
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Session{
		cfg:    cfg,
		events: make(chan Envelope, sendBufferSize),
		roomID: cfg.RoomID,
		states: make(chan SessionState, 16),
	}
}

// Events is closed when Run returns.
func (s *Session) Events() <-chan Envelope { return s.events }

// StateChanges reports every transition; old values are dropped when the
// reader falls behind.
func (s *Session) StateChanges() <-chan SessionState { return s.states }

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RoomID is the room the session joins on the next (re)connect.
func (s *Session) RoomID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	s.mu.Unlock()
	if !changed {
		return
	}
	jww.DEBUG.Printf("session %s: %s", s.cfg.Identity.UserUUID, state)
	select {
	case s.states <- state:
	default:
	}
}

// Run connects and keeps reconnecting with a linear backoff until ctx is
// done, the attempts are exhausted, or the session is replaced.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.events)
	attempt := 0
	for {
		if attempt == 0 {
			s.setState(StateConnecting)
		}
		conn, _, err := s.cfg.Dialer.DialContext(ctx, s.cfg.URL, nil)
		if err == nil {
			attempt = 0
			s.setState(StateConnected)
			err = s.serve(ctx, conn)
		}
		if ctx.Err() != nil {
			s.setState(StateDisconnected)
			return nil
		}
		if isReplacedClose(err) {
			s.setState(StateReplaced)
			return ErrReplaced
		}

		attempt++
		if attempt > s.cfg.MaxReconnects {
			s.setState(StateDisconnected)
			return errors.Wrapf(ErrReconnectsExhausted, "last error: %v", err)
		}
		s.setState(StateReconnecting)
		wait := time.Duration(attempt) * s.cfg.ReconnectInterval
		jww.INFO.Printf("connection lost (%v), reconnect %d/%d in %s", err, attempt, s.cfg.MaxReconnects, wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.setState(StateDisconnected)
			return nil
		case <-timer.C:
		}
	}
}

// serve announces the identity and pumps frames until the socket fails.
func (s *Session) serve(ctx context.Context, conn *websocket.Conn) error {
	s.mu.Lock()
	s.conn = conn
	roomID := s.roomID
	s.mu.Unlock()

	done := make(chan struct{})
	defer func() {
		close(done)
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}()
	go func() {
		select {
		case <-ctx.Done():
			s.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			s.writeMu.Unlock()
			conn.Close()
		case <-done:
		}
	}()

	if err := s.write(Envelope{
		Type:     TypeUserJoined,
		UserName: s.cfg.Identity.UserName,
		UserUUID: s.cfg.Identity.UserUUID,
		RoomID:   roomID,
	}); err != nil {
		return err
	}

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			jww.WARN.Printf("dropping malformed frame from server: %v", err)
			continue
		}
		if env.Type == TypeRoomUpdate && env.Room != nil {
			s.mu.Lock()
			s.roomID = env.Room.ID
			s.mu.Unlock()
		}
		select {
		case s.events <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func isReplacedClose(err error) bool {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code == websocket.CloseNormalClosure && closeErr.Text == CloseReasonReplaced
	}
	return false
}

func (s *Session) write(env Envelope) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) SendText(content string) error {
	return s.write(Envelope{
		Type: TypeRoomTextMessage,
		RoomText: &TextPayload{
			UserName: s.cfg.Identity.UserName,
			UserUUID: s.cfg.Identity.UserUUID,
			RoomID:   s.RoomID(),
			Content:  content,
		},
	})
}

func (s *Session) DeleteText(id int64) error {
	return s.write(Envelope{Type: TypeRoomTextMessageDelete, ID: id})
}

// CreateRoom asks the server to create a room and move the session into it.
func (s *Session) CreateRoom(name, description string) error {
	return s.write(Envelope{
		Type:     TypeRoomCreate,
		UserName: s.cfg.Identity.UserName,
		UserUUID: s.cfg.Identity.UserUUID,
		Room:     &RoomPayload{Name: name, Description: description},
	})
}

// Exit leaves the room without closing the socket.
func (s *Session) Exit() error {
	return s.write(Envelope{Type: TypeUserExit})
}

// RoomState mirrors what the server has told a session about its room.
// Each resync snapshot replaces it wholesale.
type RoomState struct {
	Room  RoomPayload
	Texts []TextPayload
	Files []FileInfo
	Users []UserPayload
}

// Apply folds env into the state and reports whether anything changed.
func (r *RoomState) Apply(env Envelope) bool {
	switch env.Type {
	case TypeRoomUpdate:
		if env.Room == nil {
			return false
		}
		r.Room = *env.Room
		r.Texts = nil
		r.Files = nil
	case TypeRoomTextsUpdate:
		r.Texts = append([]TextPayload(nil), env.RoomTexts...)
	case TypeRoomFilesUpdate:
		r.Files = append([]FileInfo(nil), env.Files...)
	case TypeUsersUpdate:
		r.Users = append([]UserPayload(nil), env.Users...)
	case TypeRoomTextMessage:
		if env.RoomText == nil || env.RoomText.RoomID != r.Room.ID {
			return false
		}
		r.Texts = append(r.Texts, *env.RoomText)
	case TypeRoomTextMessageDelete:
		for i, text := range r.Texts {
			if text.ID == env.ID {
				r.Texts = append(r.Texts[:i], r.Texts[i+1:]...)
				return true
			}
		}
		return false
	case TypeRoomFileUpload:
		if env.File == nil {
			return false
		}
		r.removeFile(env.File.Name)
		r.Files = append([]FileInfo{*env.File}, r.Files...)
	case TypeRoomFileDelete:
		return r.removeFile(env.FileName)
	default:
		return false
	}
	return true
}

func (r *RoomState) removeFile(name string) bool {
	for i, file := range r.Files {
		if file.Name == name {
			r.Files = append(r.Files[:i], r.Files[i+1:]...)
			return true
		}
	}
	return false
}
