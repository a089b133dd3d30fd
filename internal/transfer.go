package internal

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

const spoolDirName = ".spool"

var (
	// ErrFileNotFound is returned when the named file is not on disk.
	ErrFileNotFound = errors.New("file not found")
	// ErrOffsetConflict matches every *OffsetConflictError.
	ErrOffsetConflict = errors.New("upload offset conflict")
	// ErrChunkLength is returned when the body length disagrees with the
	// declared chunk range.
	ErrChunkLength = errors.New("chunk length does not match range")
	// ErrTooLarge is returned when a chunk or file exceeds the configured limits.
	ErrTooLarge = errors.New("upload too large")
)

// OffsetConflictError reports a chunk that did not start at the expected offset.
type OffsetConflictError struct {
	Expected int64
	Received int64
}

func (e *OffsetConflictError) Error() string {
	return fmt.Sprintf("upload offset conflict: expected %d, received %d", e.Expected, e.Received)
}

func (e *OffsetConflictError) Is(target error) bool {
	return target == ErrOffsetConflict
}

type UploadStatus int

const (
	UploadCreated UploadStatus = iota + 1
	UploadPartial
	UploadComplete
)

func (s UploadStatus) String() string {
	switch s {
	case UploadCreated:
		return "created"
	case UploadPartial:
		return "partial"
	case UploadComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// UploadResult describes the state of a file after an upload request.
// Size is the new expected offset.
type UploadResult struct {
	Name   string
	Status UploadStatus
	Size   int64
	Total  int64
	SHA256 string
}

// fileBroadcaster receives global file events.
type fileBroadcaster interface {
	BroadcastAll(frame []byte) int
}

type TransferOptions struct {
	Dir          string
	MaxFileSize  int64
	MaxChunkSize int64
	SessionTTL   time.Duration
}

// Transfers owns the upload directory. filesMu is held for reading while a
// listing is turned into a resync snapshot and for writing while a file
// becomes visible or disappears together with its broadcast.
type Transfers struct {
	dir      string
	spoolDir string
	opts     TransferOptions

	locks    *keyedMutex[string]
	sessions *uploadTracker
	filesMu  sync.RWMutex

	broadcaster fileBroadcaster
	metrics     *Metrics
}

// NewTransfers prepares dir and clears chunk spool files left by a previous run.
func NewTransfers(opts TransferOptions, broadcaster fileBroadcaster, metrics *Metrics) (*Transfers, error) {
	if opts.Dir == "" {
		return nil, errors.New("upload directory is required")
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	spoolDir := filepath.Join(opts.Dir, spoolDirName)
	if err := os.RemoveAll(spoolDir); err != nil {
		return nil, errors.Wrap(err, "clear spool dir")
	}
	if err := os.MkdirAll(spoolDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create spool dir")
	}
	return &Transfers{
		dir:         opts.Dir,
		spoolDir:    spoolDir,
		opts:        opts,
		locks:       newKeyedMutex[string](),
		sessions:    newUploadTracker(metrics.SetUploadSessions),
		broadcaster: broadcaster,
		metrics:     metrics,
	}, nil
}

func (t *Transfers) path(name string) string {
	return filepath.Join(t.dir, name)
}

// List returns the live directory listing.
func (t *Transfers) List() ([]FileInfo, error) {
	t.filesMu.RLock()
	defer t.filesMu.RUnlock()
	return listFiles(t.dir)
}

// Snapshot lists the directory and runs fn with the result while no file
// event can be published.
func (t *Transfers) Snapshot(fn func([]FileInfo) error) error {
	t.filesMu.RLock()
	defer t.filesMu.RUnlock()
	files, err := listFiles(t.dir)
	if err != nil {
		return err
	}
	return fn(files)
}

// Stat returns the stored size of name.
func (t *Transfers) Stat(name string) (int64, error) {
	name, err := sanitizeFileName(name)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(t.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrFileNotFound
		}
		return 0, errors.Wrapf(err, "stat %s", name)
	}
	return info.Size(), nil
}

// Open returns a read handle for name. The caller closes it.
func (t *Transfers) Open(name string) (*os.File, os.FileInfo, error) {
	name, err := sanitizeFileName(name)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(t.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrFileNotFound
		}
		return nil, nil, errors.Wrapf(err, "open %s", name)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, errors.Wrapf(err, "stat %s", name)
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, nil, ErrFileNotFound
	}
	return f, info, nil
}

// Upload stores body under name. With a nil chunk range the body replaces
// the file in one step. Otherwise the chunk is appended only when it starts
// at the current file size; a failed append leaves the previous bytes intact.
func (t *Transfers) Upload(name string, chunk *ChunkRange, body io.Reader, contentLength int64) (UploadResult, error) {
	name, err := sanitizeFileName(name)
	if err != nil {
		return UploadResult{}, err
	}
	unlock := t.locks.Lock(name)
	defer unlock()

	if chunk == nil {
		return t.replace(name, body, contentLength)
	}
	return t.appendChunk(name, *chunk, body, contentLength)
}

func (t *Transfers) appendChunk(name string, chunk ChunkRange, body io.Reader, contentLength int64) (UploadResult, error) {
	if chunk.Start < 0 || chunk.End == math.MaxInt64 || chunk.Length() <= 0 {
		return UploadResult{}, ErrInvalidRange
	}
	if t.opts.MaxChunkSize > 0 && chunk.Length() > t.opts.MaxChunkSize {
		return UploadResult{}, ErrTooLarge
	}
	if t.opts.MaxFileSize > 0 && (chunk.End+1 > t.opts.MaxFileSize || chunk.Total > t.opts.MaxFileSize) {
		return UploadResult{}, ErrTooLarge
	}
	if contentLength >= 0 && contentLength != chunk.Length() {
		return UploadResult{}, ErrChunkLength
	}

	path := t.path(name)
	var current int64
	if info, err := os.Stat(path); err == nil {
		current = info.Size()
	} else if !os.IsNotExist(err) {
		return UploadResult{}, errors.Wrapf(err, "stat %s", name)
	}
	if chunk.Start != current {
		return UploadResult{Name: name, Size: current, Total: chunk.Total}, &OffsetConflictError{Expected: current, Received: chunk.Start}
	}

	spool, written, _, err := t.spoolBody(body, chunk.Length())
	if err != nil {
		return UploadResult{Name: name, Size: current, Total: chunk.Total}, err
	}
	defer os.Remove(spool)
	if written != chunk.Length() {
		return UploadResult{Name: name, Size: current, Total: chunk.Total}, ErrChunkLength
	}
	t.metrics.AddBytesReceived(written)

	if err := appendFile(path, spool, current); err != nil {
		return UploadResult{Name: name, Size: current, Total: chunk.Total}, err
	}

	size := current + written
	result := UploadResult{Name: name, Size: size, Total: chunk.Total}
	switch {
	case chunk.Total >= 0 && size == chunk.Total:
		result.Status = UploadComplete
		t.sessions.finish(name)
		t.publishUpload(name)
	case chunk.Start == 0:
		result.Status = UploadCreated
		t.sessions.touch(name, size, chunk.Total)
	default:
		result.Status = UploadPartial
		t.sessions.touch(name, size, chunk.Total)
	}
	jww.DEBUG.Printf("upload %s: %s at %d/%d", name, result.Status, size, chunk.Total)
	return result, nil
}

func (t *Transfers) replace(name string, body io.Reader, contentLength int64) (UploadResult, error) {
	if t.opts.MaxFileSize > 0 && contentLength > t.opts.MaxFileSize {
		return UploadResult{}, ErrTooLarge
	}
	limit := int64(-1)
	if t.opts.MaxFileSize > 0 {
		limit = t.opts.MaxFileSize
	}
	spool, written, digest, err := t.spoolBody(body, limit)
	if err != nil {
		return UploadResult{}, err
	}
	defer os.Remove(spool)
	if limit >= 0 && written > limit {
		return UploadResult{}, ErrTooLarge
	}
	if contentLength >= 0 && written != contentLength {
		return UploadResult{}, ErrChunkLength
	}
	t.metrics.AddBytesReceived(written)

	t.filesMu.Lock()
	defer t.filesMu.Unlock()
	if err := os.Rename(spool, t.path(name)); err != nil {
		return UploadResult{}, errors.Wrapf(err, "store %s", name)
	}
	t.sessions.finish(name)
	t.publishUploadLocked(name)
	return UploadResult{Name: name, Status: UploadComplete, Size: written, Total: written, SHA256: digest}, nil
}

// spoolBody copies body into a new spool file, reading at most limit+1
// bytes (everything when limit < 0) so callers can detect an overrun.
func (t *Transfers) spoolBody(body io.Reader, limit int64) (path string, written int64, digest string, err error) {
	path = filepath.Join(t.spoolDir, uuid.NewString())
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", 0, "", errors.Wrap(err, "create spool file")
	}
	hasher := sha256.New()
	reader := body
	if limit >= 0 && limit < math.MaxInt64 {
		reader = io.LimitReader(body, limit+1)
	}
	written, err = io.Copy(io.MultiWriter(f, hasher), reader)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return "", 0, "", errors.Wrap(err, "receive upload body")
	}
	return path, written, hex.EncodeToString(hasher.Sum(nil)), nil
}

// appendFile appends the spool contents to path, truncating back to
// previous on failure.
func appendFile(path, spool string, previous int64) (err error) {
	src, err := os.Open(spool)
	if err != nil {
		return errors.Wrap(err, "open spool file")
	}
	defer src.Close()

	dst, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrapf(err, "open %s", filepath.Base(path))
	}
	defer func() {
		if err != nil {
			if truncErr := dst.Truncate(previous); truncErr != nil {
				jww.ERROR.Printf("truncate %s back to %d: %v", path, previous, truncErr)
			}
		}
		if closeErr := dst.Close(); closeErr != nil && err == nil {
			err = errors.Wrapf(closeErr, "close %s", filepath.Base(path))
		}
	}()
	if _, err = io.Copy(dst, src); err != nil {
		return errors.Wrapf(err, "append %s", filepath.Base(path))
	}
	return nil
}

// Delete removes name and announces it.
func (t *Transfers) Delete(name string) error {
	name, err := sanitizeFileName(name)
	if err != nil {
		return err
	}
	unlock := t.locks.Lock(name)
	defer unlock()
	return t.remove(name)
}

func (t *Transfers) remove(name string) error {
	t.filesMu.Lock()
	defer t.filesMu.Unlock()
	if err := os.Remove(t.path(name)); err != nil {
		if os.IsNotExist(err) {
			return ErrFileNotFound
		}
		return errors.Wrapf(err, "delete %s", name)
	}
	t.sessions.finish(name)
	if t.broadcaster != nil {
		t.broadcaster.BroadcastAll(marshalJSON(RoomFileDeleteMessage{Type: TypeRoomFileDelete, FileName: name}))
	}
	return nil
}

func (t *Transfers) publishUpload(name string) {
	t.filesMu.Lock()
	defer t.filesMu.Unlock()
	t.publishUploadLocked(name)
}

func (t *Transfers) publishUploadLocked(name string) {
	t.metrics.IncUploadCompleted()
	info, err := os.Stat(t.path(name))
	if err != nil {
		jww.ERROR.Printf("upload %s: stat after completion: %v", name, err)
		return
	}
	jww.INFO.Printf("upload %s complete (%s)", name, FormatFileSize(info.Size()))
	if t.broadcaster == nil {
		return
	}
	t.broadcaster.BroadcastAll(marshalJSON(RoomFileUploadMessage{
		Type: TypeRoomFileUpload,
		File: FileInfo{Name: name, Size: info.Size(), CreateTime: info.ModTime().UnixMilli()},
	}))
}

// Session reports the tracked cursor for an unfinished upload.
func (t *Transfers) Session(name string) (offset, total int64, ok bool) {
	session, ok := t.sessions.get(name)
	return session.Offset, session.Total, ok
}

// Reap drops upload sessions idle for longer than the session TTL together
// with their incomplete files. Uploads currently in progress are skipped.
func (t *Transfers) Reap() int {
	if t.opts.SessionTTL <= 0 {
		return 0
	}
	reaped := 0
	for _, name := range t.sessions.expired(t.opts.SessionTTL) {
		unlock, ok := t.locks.TryLock(name)
		if !ok {
			continue
		}
		session, live := t.sessions.get(name)
		if !live || t.sessions.now().Sub(session.Updated) <= t.opts.SessionTTL {
			unlock()
			continue
		}
		err := t.remove(name)
		t.sessions.finish(name)
		unlock()
		if err != nil && !errors.Is(err, ErrFileNotFound) {
			jww.ERROR.Printf("reap %s: %v", name, err)
			continue
		}
		jww.INFO.Printf("reaped abandoned upload %s at offset %d", name, session.Offset)
		t.metrics.IncUploadReaped()
		reaped++
	}
	return reaped
}
