package internal

import (
	"bytes"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingBroadcaster struct {
	mu     sync.Mutex
	frames [][]byte
}

func (r *recordingBroadcaster) BroadcastAll(frame []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
	return 1
}

func (r *recordingBroadcaster) envelopes(t *testing.T) []Envelope {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	envs := make([]Envelope, 0, len(r.frames))
	for _, frame := range r.frames {
		var env Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		envs = append(envs, env)
	}
	return envs
}

func newTestTransfers(t *testing.T) (*Transfers, *recordingBroadcaster) {
	t.Helper()
	events := &recordingBroadcaster{}
	transfers, err := NewTransfers(TransferOptions{
		Dir:          t.TempDir(),
		MaxFileSize:  1 << 20,
		MaxChunkSize: 64 << 10,
		SessionTTL:   time.Hour,
	}, events, nil)
	require.NoError(t, err)
	return transfers, events
}

func chunkOf(start, end, total int64) *ChunkRange {
	return &ChunkRange{Start: start, End: end, Total: total}
}

func TestUploadChunksAppendInOrder(t *testing.T) {
	transfers, events := newTestTransfers(t)
	data := []byte("hello resumable world")
	total := int64(len(data))

	res, err := transfers.Upload("greeting.txt", chunkOf(0, 4, total), bytes.NewReader(data[:5]), 5)
	require.NoError(t, err)
	assert.Equal(t, UploadCreated, res.Status)
	assert.Equal(t, int64(5), res.Size)

	res, err = transfers.Upload("greeting.txt", chunkOf(5, 14, total), bytes.NewReader(data[5:15]), 10)
	require.NoError(t, err)
	assert.Equal(t, UploadPartial, res.Status)
	assert.Equal(t, int64(15), res.Size)
	offset, _, ok := transfers.Session("greeting.txt")
	assert.True(t, ok)
	assert.Equal(t, int64(15), offset)
	assert.Empty(t, events.envelopes(t), "no event before completion")

	res, err = transfers.Upload("greeting.txt", chunkOf(15, total-1, total), bytes.NewReader(data[15:]), -1)
	require.NoError(t, err)
	assert.Equal(t, UploadComplete, res.Status)
	assert.Equal(t, total, res.Size)
	_, _, ok = transfers.Session("greeting.txt")
	assert.False(t, ok)

	stored, err := os.ReadFile(filepath.Join(transfers.dir, "greeting.txt"))
	require.NoError(t, err)
	assert.Equal(t, data, stored)

	envs := events.envelopes(t)
	require.Len(t, envs, 1)
	assert.Equal(t, TypeRoomFileUpload, envs[0].Type)
	require.NotNil(t, envs[0].File)
	assert.Equal(t, "greeting.txt", envs[0].File.Name)
	assert.Equal(t, total, envs[0].File.Size)
}

func TestUploadOffsetConflict(t *testing.T) {
	transfers, _ := newTestTransfers(t)
	_, err := transfers.Upload("a.bin", chunkOf(0, 3, 8), bytes.NewReader([]byte("abcd")), 4)
	require.NoError(t, err)

	_, err = transfers.Upload("a.bin", chunkOf(2, 5, 8), bytes.NewReader([]byte("zzzz")), 4)
	require.ErrorIs(t, err, ErrOffsetConflict)
	var conflict *OffsetConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(4), conflict.Expected)
	assert.Equal(t, int64(2), conflict.Received)

	size, err := transfers.Stat("a.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(4), size, "rejected chunk must not be appended")

	_, err = transfers.Upload("fresh.bin", chunkOf(3, 5, 8), bytes.NewReader([]byte("abc")), 3)
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(0), conflict.Expected)
	_, err = transfers.Stat("fresh.bin")
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestUploadShortBodyLeavesFileIntact(t *testing.T) {
	transfers, _ := newTestTransfers(t)
	_, err := transfers.Upload("a.bin", chunkOf(0, 3, 10), bytes.NewReader([]byte("abcd")), 4)
	require.NoError(t, err)

	// declared 4 bytes, body has 2 and no content length
	_, err = transfers.Upload("a.bin", chunkOf(4, 7, 10), bytes.NewReader([]byte("ef")), -1)
	require.ErrorIs(t, err, ErrChunkLength)
	size, err := transfers.Stat("a.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(4), size)

	_, err = transfers.Upload("a.bin", chunkOf(4, 7, 10), bytes.NewReader([]byte("efgh")), 5)
	require.ErrorIs(t, err, ErrChunkLength)

	entries, err := os.ReadDir(transfers.spoolDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "spool files are cleaned up")
}

func TestUploadLimits(t *testing.T) {
	transfers, _ := newTestTransfers(t)
	big := int64(64<<10) + 1
	_, err := transfers.Upload("big.bin", chunkOf(0, big-1, big), bytes.NewReader(make([]byte, big)), big)
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = transfers.Upload("huge.bin", chunkOf(0, 9, 2<<20), bytes.NewReader(make([]byte, 10)), 10)
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = transfers.Upload("whole.bin", nil, bytes.NewReader(make([]byte, (1<<20)+1)), -1)
	assert.ErrorIs(t, err, ErrTooLarge)
	_, err = transfers.Stat("whole.bin")
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestUploadSingleShotReplaces(t *testing.T) {
	transfers, events := newTestTransfers(t)
	res, err := transfers.Upload("note.txt", nil, bytes.NewReader([]byte("first")), 5)
	require.NoError(t, err)
	assert.Equal(t, UploadComplete, res.Status)
	assert.Len(t, res.SHA256, 64)

	res, err = transfers.Upload("note.txt", nil, bytes.NewReader([]byte("second!")), -1)
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.Size)
	stored, err := os.ReadFile(filepath.Join(transfers.dir, "note.txt"))
	require.NoError(t, err)
	assert.Equal(t, "second!", string(stored))
	assert.Len(t, events.envelopes(t), 2)
}

func TestUploadRejectsBadNames(t *testing.T) {
	transfers, _ := newTestTransfers(t)
	for _, name := range []string{"", ".", "..", "../escape", "a/b", `a\b`, ".hidden", "bad\x00name"} {
		_, err := transfers.Upload(name, nil, bytes.NewReader([]byte("x")), 1)
		assert.ErrorIs(t, err, ErrInvalidFileName, name)
	}
}

func TestDeleteFile(t *testing.T) {
	transfers, events := newTestTransfers(t)
	_, err := transfers.Upload("gone.txt", nil, bytes.NewReader([]byte("x")), 1)
	require.NoError(t, err)

	require.NoError(t, transfers.Delete("gone.txt"))
	assert.ErrorIs(t, transfers.Delete("gone.txt"), ErrFileNotFound)

	envs := events.envelopes(t)
	require.Len(t, envs, 2)
	assert.Equal(t, TypeRoomFileDelete, envs[1].Type)
	assert.Equal(t, "gone.txt", envs[1].FileName)
}

func TestListFilesNewestFirstSkipsHidden(t *testing.T) {
	transfers, _ := newTestTransfers(t)
	dir := transfers.dir
	require.NoError(t, os.WriteFile(filepath.Join(dir, "old.txt"), []byte("1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.txt"), []byte("22"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".partial"), []byte("3"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "old.txt"), old, old))

	files, err := transfers.List()
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "new.txt", files[0].Name)
	assert.Equal(t, int64(2), files[0].Size)
	assert.Equal(t, "old.txt", files[1].Name)
	assert.Equal(t, old.UnixMilli(), files[1].CreateTime)
}

func TestReapRemovesIdleUploads(t *testing.T) {
	transfers, events := newTestTransfers(t)
	now := time.Now()
	transfers.sessions.now = func() time.Time { return now }

	_, err := transfers.Upload("stale.bin", chunkOf(0, 1, 10), bytes.NewReader([]byte("ab")), 2)
	require.NoError(t, err)
	_, err = transfers.Upload("done.bin", nil, bytes.NewReader([]byte("ok")), 2)
	require.NoError(t, err)

	assert.Equal(t, 0, transfers.Reap())

	now = now.Add(2 * time.Hour)
	_, err = transfers.Upload("active.bin", chunkOf(0, 1, 10), bytes.NewReader([]byte("ab")), 2)
	require.NoError(t, err)

	assert.Equal(t, 1, transfers.Reap())
	_, err = transfers.Stat("stale.bin")
	assert.ErrorIs(t, err, ErrFileNotFound)
	_, err = transfers.Stat("active.bin")
	assert.NoError(t, err)
	_, err = transfers.Stat("done.bin")
	assert.NoError(t, err, "files without a session are never reaped")
	_, _, ok := transfers.Session("stale.bin")
	assert.False(t, ok)
	_, _, ok = transfers.Session("active.bin")
	assert.True(t, ok)
	assert.Equal(t, int64(1), transfers.metrics.Snapshot()["upload_sessions"])

	last := events.envelopes(t)
	assert.Equal(t, TypeRoomFileDelete, last[len(last)-1].Type)
}

// endlessReader yields zero bytes forever and counts how many were taken.
type endlessReader struct {
	read int64
}

func (r *endlessReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	r.read += int64(len(p))
	return len(p), nil
}

func TestUploadHugeRangeIsRejectedBeforeReading(t *testing.T) {
	transfers, _ := newTestTransfers(t)

	body := &endlessReader{}
	_, err := transfers.Upload("wrap.bin", chunkOf(0, math.MaxInt64, -1), body, -1)
	assert.ErrorIs(t, err, ErrInvalidRange)
	assert.Zero(t, body.read)

	_, err = transfers.Upload("wide.bin", chunkOf(0, math.MaxInt64-1, -1), body, -1)
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.Zero(t, body.read)

	_, err = transfers.Upload("far.bin", chunkOf(0, 3, -1), bytes.NewReader([]byte("abcd")), 4)
	require.NoError(t, err)
	_, err = transfers.Upload("far.bin", chunkOf(4, math.MaxInt64-1, -1), body, -1)
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.Zero(t, body.read)

	entries, err := os.ReadDir(transfers.spoolDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
