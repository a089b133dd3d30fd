package internal

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncroom/internal/storage"
)

func assertGolden(t *testing.T, name string, frames [][]byte) {
	t.Helper()
	var buf bytes.Buffer
	for _, frame := range frames {
		buf.Write(frame)
		buf.WriteByte('\n')
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, buf.Bytes())
}

func TestResyncFramesGolden(t *testing.T) {
	room := &storage.Room{ID: 2, Name: "ops", Description: "on call", CreatedAt: time.UnixMilli(1700000000000)}
	texts := []storage.RoomText{
		{ID: 7, RoomID: 2, UserID: "uuid-alice", DisplayName: "alice", Content: "hello", Timestamp: 1700000001000},
		{ID: 8, RoomID: 2, UserID: "uuid-bob", DisplayName: "bob", Content: `hi "alice"`, Timestamp: 1700000002000},
	}
	files := []FileInfo{{Name: "notes.txt", Size: 42, CreateTime: 1700000003000}}

	frames, err := resyncFrames(room, texts, files)
	require.NoError(t, err)
	assertGolden(t, "resync", frames)
}

func TestResyncFramesEmptyListsGolden(t *testing.T) {
	room := &storage.Room{ID: 1, Description: storage.DefaultRoomDescription, CreatedAt: time.UnixMilli(1700000000000)}
	frames, err := resyncFrames(room, nil, nil)
	require.NoError(t, err)
	assertGolden(t, "resync_empty", frames)
}

func TestOutboundMessagesGolden(t *testing.T) {
	frames := [][]byte{
		marshalJSON(RoomTextMessage{Type: TypeRoomTextMessage, RoomText: TextPayload{
			ID: 3, UserName: "bob", UserUUID: "uuid-bob", RoomID: 1, Content: "hi", Timestamp: 5,
		}}),
		marshalJSON(RoomTextDeleteMessage{Type: TypeRoomTextMessageDelete, ID: 3}),
		marshalJSON(UsersUpdateMessage{Type: TypeUsersUpdate, Users: []UserPayload{{UserName: "alice", UserUUID: "uuid-alice"}}}),
		marshalJSON(RoomFileUploadMessage{Type: TypeRoomFileUpload, File: FileInfo{Name: "a.txt", Size: 12, CreateTime: 99}}),
		marshalJSON(RoomFileDeleteMessage{Type: TypeRoomFileDelete, FileName: "a.txt"}),
		errorFrame(CodeNotInRoom, "join a room first"),
	}
	assertGolden(t, "outbound", frames)
}

func TestDecodeInboundEnvelope(t *testing.T) {
	var joined Envelope
	require.NoError(t, json.Unmarshal([]byte(`{"type":"user_joined","user_name":"alice","user_uuid":"u1","room_id":3}`), &joined))
	assert.Equal(t, Envelope{Type: TypeUserJoined, UserName: "alice", UserUUID: "u1", RoomID: 3}, joined)

	var text Envelope
	require.NoError(t, json.Unmarshal([]byte(`{"type":"room_text_message","room_text":{"user_name":"alice","user_uuid":"u1","room_id":3,"content":"yo"}}`), &text))
	require.NotNil(t, text.RoomText)
	assert.Equal(t, "yo", text.RoomText.Content)
	assert.Zero(t, text.RoomText.ID)

	var created Envelope
	require.NoError(t, json.Unmarshal([]byte(`{"type":"room_create","user_uuid":"u1","room":{"name":"ops","description":"d"}}`), &created))
	require.NotNil(t, created.Room)
	assert.Equal(t, "ops", created.Room.Name)
}
