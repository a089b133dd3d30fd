package internal

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	jww "github.com/spf13/jwalterweatherman"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 64 * 1024
)

func newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// ServeWS upgrades the request and starts the connection's pumps. The
// client announces itself with a user_joined frame.
func (s *Server) ServeWS(writer http.ResponseWriter, request *http.Request) {
	websocketConn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		jww.WARN.Printf("upgrade error: %v", err)
		return
	}
	conn := newConn(websocketConn, request.RemoteAddr)
	s.registry.Register(conn)
	jww.DEBUG.Printf("conn %s opened from %s", conn.id, conn.addr)

	go s.writePump(conn)
	go s.readPump(conn)
}

func (s *Server) readPump(c *Conn) {
	defer func() {
		if s.registry.Leave(c) {
			jww.INFO.Printf("conn %s closed", c.id)
		}
		s.msgLimiter.Forget(c.id)
		c.closeWith(websocket.CloseNormalClosure, "")
		c.ws.Close()
	}()
	c.ws.SetReadLimit(maxMsgSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				jww.DEBUG.Printf("conn %s read error: %v", c.id, err)
			}
			// read error ends the loop so the deferred cleanup can fire.
			break
		}
		if !s.msgLimiter.Allow(c.id) {
			s.registry.Send(c, errorFrame(CodeRateLimited, "sending too quickly, slow down"))
			continue
		}
		s.handleFrame(c, payload)
	}
}

// writePump is the only writer of c.ws. When the send channel is closed it
// flushes a close frame carrying the recorded code and reason.
func (s *Server) writePump(c *Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, c.closeFrame())
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleFrame dispatches one inbound frame. Malformed frames are dropped
// and the connection stays open.
func (s *Server) handleFrame(c *Conn, payload []byte) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil || env.Type == "" {
		jww.WARN.Printf("conn %s: dropping malformed frame (%d bytes): %v", c.id, len(payload), err)
		s.registry.Send(c, errorFrame(CodeInvalidMessage, "malformed envelope"))
		return
	}
	jww.TRACE.Printf("conn %s <- %s", c.id, env.Type)

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var err error
	switch env.Type {
	case TypeUserJoined:
		err = s.join(ctx, c, env.UserUUID, env.UserName, env.RoomID)
	case TypeRoomCreate:
		err = s.createRoom(ctx, c, env)
	case TypeRoomTextMessage:
		err = s.sendText(ctx, c, env.RoomText)
	case TypeRoomTextMessageDelete:
		err = s.deleteText(ctx, c, env.ID)
	case TypeUserExit:
		s.exit(c)
	default:
		err = newStateError(CodeUnknownType, "unknown message type "+env.Type)
	}
	if err != nil {
		s.reportError(c, err)
	}
}
