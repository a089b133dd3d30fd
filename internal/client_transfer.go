package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"go.uber.org/ratelimit"
)

const (
	defaultChunkSize      = 1 << 20
	defaultConflictRetry  = 5
	remoteSizeUnavailable = -1
)

// Progress is called after every chunk or copy step with bytes done and the
// expected total.
type Progress func(done, total int64)

type UploaderConfig struct {
	ChunkSize       int64
	ChunksPerSecond int
	MaxConflicts    int
}

// Uploader sends a file in Content-Range chunks, resuming from whatever the
// server already holds.
type Uploader struct {
	api     *APIClient
	http    *http.Client
	cfg     UploaderConfig
	limiter ratelimit.Limiter
}

func NewUploader(api *APIClient, cfg UploaderConfig) *Uploader {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.MaxConflicts <= 0 {
		cfg.MaxConflicts = defaultConflictRetry
	}
	limiter := ratelimit.NewUnlimited()
	if cfg.ChunksPerSecond > 0 {
		limiter = ratelimit.New(cfg.ChunksPerSecond, ratelimit.WithoutSlack)
	}
	return &Uploader{
		api:     api,
		http:    &http.Client{},
		cfg:     cfg,
		limiter: limiter,
	}
}

// RemoteSize probes the stored size of name; -1 when the server has no
// such file.
func (u *Uploader) RemoteSize(ctx context.Context, name string) (int64, error) {
	return remoteSize(ctx, u.http, u.api.fileURL(name))
}

func remoteSize(ctx context.Context, client *http.Client, endpoint string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, endpoint, nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "probe upload offset")
	}
	resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		if value := resp.Header.Get(headerUploadOffset); value != "" {
			return strconv.ParseInt(value, 10, 64)
		}
		return resp.ContentLength, nil
	case http.StatusNotFound:
		return remoteSizeUnavailable, nil
	default:
		return 0, &ErrHTTPStatus{Code: resp.StatusCode, Message: "probe failed"}
	}
}

// Upload sends size bytes of src as name and returns the final stored size.
func (u *Uploader) Upload(ctx context.Context, name string, src io.ReaderAt, size int64, progress Progress) (int64, error) {
	offset, err := u.RemoteSize(ctx, name)
	if err != nil {
		return 0, err
	}
	if offset > size {
		return offset, errors.Errorf("server holds %d bytes of %s, more than the local %d", offset, name, size)
	}
	if offset == size && size > 0 {
		jww.INFO.Printf("%s already uploaded", name)
		return offset, nil
	}
	if size == 0 {
		return u.sendWhole(ctx, name)
	}
	if offset < 0 {
		offset = 0
	}
	if offset > 0 {
		jww.INFO.Printf("resuming %s at %s of %s", name, FormatFileSize(offset), FormatFileSize(size))
	}

	conflicts := 0
	for offset < size {
		if err := ctx.Err(); err != nil {
			return offset, err
		}
		u.limiter.Take()
		end := offset + u.cfg.ChunkSize - 1
		if end >= size {
			end = size - 1
		}
		next, conflict, err := u.sendChunk(ctx, name, io.NewSectionReader(src, offset, end-offset+1), offset, end, size)
		if err != nil {
			return offset, err
		}
		if conflict {
			conflicts++
			if conflicts > u.cfg.MaxConflicts {
				return next, errors.Wrapf(ErrOffsetConflict, "%s: giving up after %d conflicts", name, conflicts-1)
			}
			jww.WARN.Printf("%s: server expects offset %d, resending from there", name, next)
		}
		if next > size {
			return next, errors.Errorf("server reports %d bytes for %s, expected at most %d", next, name, size)
		}
		offset = next
		if progress != nil {
			progress(offset, size)
		}
	}
	return offset, nil
}

// sendChunk returns the next offset reported by the server and whether the
// chunk was rejected as a conflict.
func (u *Uploader) sendChunk(ctx context.Context, name string, body io.Reader, start, end, total int64) (int64, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.api.fileURL(name), body)
	if err != nil {
		return start, false, err
	}
	req.ContentLength = end - start + 1
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, total))
	resp, err := u.http.Do(req)
	if err != nil {
		return start, false, errors.Wrapf(err, "upload %s chunk %d-%d", name, start, end)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
		if value := resp.Header.Get(headerUploadOffset); value != "" {
			next, err := strconv.ParseInt(value, 10, 64)
			if err == nil {
				return next, false, nil
			}
		}
		return end + 1, false, nil
	case http.StatusConflict:
		var conflict conflictResponse
		if err := json.NewDecoder(resp.Body).Decode(&conflict); err != nil {
			return start, true, errors.Wrap(err, "decode conflict")
		}
		return conflict.Expected, true, nil
	default:
		return start, false, &ErrHTTPStatus{Code: resp.StatusCode, Message: readResponseError(resp.Body)}
	}
}

func (u *Uploader) sendWhole(ctx context.Context, name string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.api.fileURL(name), http.NoBody)
	if err != nil {
		return 0, err
	}
	resp, err := u.http.Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "upload %s", name)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, &ErrHTTPStatus{Code: resp.StatusCode, Message: readResponseError(resp.Body)}
	}
	return 0, nil
}

// Downloader fetches a file into a local path, continuing a previous
// partial download with a Range request.
type Downloader struct {
	api  *APIClient
	http *http.Client
}

func NewDownloader(api *APIClient) *Downloader {
	return &Downloader{api: api, http: &http.Client{}}
}

// Download appends the missing bytes of name to dest and returns the local
// size once it matches the server.
func (d *Downloader) Download(ctx context.Context, name, dest string, progress Progress) (int64, error) {
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	local := info.Size()

	endpoint := d.api.fileURL(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return local, err
	}
	if local > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(local, 10)+"-")
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return local, errors.Wrapf(err, "download %s", name)
	}
	defer resp.Body.Close()

	var total int64
	switch resp.StatusCode {
	case http.StatusOK:
		// full body: start over
		if err := f.Truncate(0); err != nil {
			return local, err
		}
		local = 0
		total = resp.ContentLength
	case http.StatusPartialContent:
		total = local + resp.ContentLength
	case http.StatusRequestedRangeNotSatisfiable:
		size, err := remoteSize(ctx, d.http, endpoint)
		if err != nil {
			return local, err
		}
		if size == local {
			return local, nil
		}
		return local, errors.Errorf("local %s has %d bytes, server has %d", dest, local, size)
	case http.StatusNotFound:
		return local, ErrFileNotFound
	default:
		return local, &ErrHTTPStatus{Code: resp.StatusCode, Message: readResponseError(resp.Body)}
	}

	if _, err := f.Seek(local, io.SeekStart); err != nil {
		return local, err
	}
	writer := &progressWriter{w: f, done: local, total: total, progress: progress}
	n, err := io.Copy(writer, resp.Body)
	local += n
	if err != nil {
		return local, errors.Wrapf(err, "download %s interrupted at %d", name, local)
	}
	if total >= 0 && local != total {
		return local, errors.Errorf("download %s ended at %d of %d", name, local, total)
	}
	return local, nil
}

type progressWriter struct {
	w        io.Writer
	done     int64
	total    int64
	progress Progress
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.done += int64(n)
	if p.progress != nil {
		p.progress(p.done, p.total)
	}
	return n, err
}
