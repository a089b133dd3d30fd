package internal

import (
	"encoding/json"
	"time"

	"syncroom/internal/storage"
)

// Envelope types exchanged over the persistent connection.
const (
	TypeUserJoined            = "user_joined"
	TypeUserExit              = "user_exit"
	TypeUsersUpdate           = "users_update"
	TypeRoomCreate            = "room_create"
	TypeRoomUpdate            = "room_update"
	TypeRoomTextsUpdate       = "room_texts_update"
	TypeRoomFilesUpdate       = "room_files_update"
	TypeRoomTextMessage       = "room_text_message"
	TypeRoomTextMessageDelete = "room_text_message_delete"
	TypeRoomFileUpload        = "room_file_upload"
	TypeRoomFileDelete        = "room_file_delete"
	TypeError                 = "error"
)

// Error codes carried by TypeError envelopes.
const (
	CodeInvalidMessage  = "invalid_message"
	CodeUnknownType     = "unknown_type"
	CodeNotInRoom       = "not_in_room"
	CodeNotAMember      = "not_a_member"
	CodeRoomNotFound    = "room_not_found"
	CodeRoomExists      = "room_exists"
	CodeMessageNotFound = "message_not_found"
	CodeInternal        = "internal"
	CodeRateLimited     = "rate_limited"
)

// CloseReasonReplaced is the close reason sent to a socket evicted by a newer
// connection for the same user. Clients must not reconnect after it.
const CloseReasonReplaced = "replaced"

// Envelope is the decoded form of every frame. Only the fields relevant to
// Type are populated.
type Envelope struct {
	Type      string        `json:"type"`
	UserName  string        `json:"user_name,omitempty"`
	UserUUID  string        `json:"user_uuid,omitempty"`
	RoomID    int64         `json:"room_id,omitempty"`
	Room      *RoomPayload  `json:"room,omitempty"`
	RoomTexts []TextPayload `json:"room_texts,omitempty"`
	Files     []FileInfo    `json:"files,omitempty"`
	RoomText  *TextPayload  `json:"room_text,omitempty"`
	ID        int64         `json:"id,omitempty"`
	Users     []UserPayload `json:"users,omitempty"`
	File      *FileInfo     `json:"file,omitempty"`
	FileName  string        `json:"file_name,omitempty"`
	Code      string        `json:"code,omitempty"`
	Message   string        `json:"message,omitempty"`
}

// RoomPayload describes a room on the wire. CreatedAt is epoch millis.
type RoomPayload struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	CreatedAt   int64  `json:"created_at"`
}

// TextPayload is a room text. ID and Timestamp are assigned by the server.
type TextPayload struct {
	ID        int64  `json:"id,omitempty"`
	UserName  string `json:"user_name"`
	UserUUID  string `json:"user_uuid"`
	RoomID    int64  `json:"room_id"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// FileInfo is one entry of the file inventory. CreateTime is epoch millis.
type FileInfo struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	CreateTime int64  `json:"create_time"`
}

type UserPayload struct {
	UserName string `json:"user_name"`
	UserUUID string `json:"user_uuid"`
}

// Outbound messages. They are encoded without omitempty so empty lists are
// sent as [] rather than dropped.

type RoomUpdateMessage struct {
	Type string      `json:"type"`
	Room RoomPayload `json:"room"`
}

type RoomTextsUpdateMessage struct {
	Type      string        `json:"type"`
	RoomTexts []TextPayload `json:"room_texts"`
}

type RoomFilesUpdateMessage struct {
	Type  string     `json:"type"`
	Files []FileInfo `json:"files"`
}

type RoomTextMessage struct {
	Type     string      `json:"type"`
	RoomText TextPayload `json:"room_text"`
}

type RoomTextDeleteMessage struct {
	Type string `json:"type"`
	ID   int64  `json:"id"`
}

type UsersUpdateMessage struct {
	Type  string        `json:"type"`
	Users []UserPayload `json:"users"`
}

type RoomFileUploadMessage struct {
	Type string   `json:"type"`
	File FileInfo `json:"file"`
}

type RoomFileDeleteMessage struct {
	Type     string `json:"type"`
	FileName string `json:"file_name"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func roomPayload(room *storage.Room) RoomPayload {
	return RoomPayload{
		ID:          room.ID,
		Name:        room.Name,
		Description: room.Description,
		CreatedAt:   room.CreatedAt.UnixMilli(),
	}
}

func textPayload(text storage.RoomText) TextPayload {
	return TextPayload{
		ID:        text.ID,
		UserName:  text.DisplayName,
		UserUUID:  text.UserID,
		RoomID:    text.RoomID,
		Content:   text.Content,
		Timestamp: text.Timestamp,
	}
}

// resyncFrames encodes the three snapshot frames sent to a joining
// connection: room metadata, backlog, file inventory.
func resyncFrames(room *storage.Room, texts []storage.RoomText, files []FileInfo) ([][]byte, error) {
	payloads := make([]TextPayload, 0, len(texts))
	for _, text := range texts {
		payloads = append(payloads, textPayload(text))
	}
	if files == nil {
		files = []FileInfo{}
	}
	messages := []any{
		RoomUpdateMessage{Type: TypeRoomUpdate, Room: roomPayload(room)},
		RoomTextsUpdateMessage{Type: TypeRoomTextsUpdate, RoomTexts: payloads},
		RoomFilesUpdateMessage{Type: TypeRoomFilesUpdate, Files: files},
	}
	frames := make([][]byte, 0, len(messages))
	for _, msg := range messages {
		data, err := json.Marshal(msg)
		if err != nil {
			return nil, err
		}
		frames = append(frames, data)
	}
	return frames, nil
}

func errorFrame(code, message string) []byte {
	return marshalJSON(ErrorMessage{Type: TypeError, Code: code, Message: message})
}

func marshalJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"type":"error","code":"internal","message":"encode failure"}`)
	}
	return data
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
