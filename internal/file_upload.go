package internal

import (
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

const (
	filesRoute = "/api/files/"

	headerUploadOffset = "Upload-Offset"
	headerUploadLength = "Upload-Length"
)

type uploadResponse struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	Total  int64  `json:"total,omitempty"`
	Status string `json:"status"`
	SHA256 string `json:"sha256,omitempty"`
}

type conflictResponse struct {
	Error    string `json:"error"`
	Expected int64  `json:"expected"`
	Received int64  `json:"received"`
}

type filesResponse struct {
	Files []FileInfo `json:"files"`
}

// HandleFileList serves the live file inventory.
func (s *Server) HandleFileList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	files, err := s.transfers.List()
	if err != nil {
		jww.ERROR.Printf("list files: %v", err)
		writeError(w, http.StatusInternalServerError, errors.New("failed to list files"))
		return
	}
	writeJSON(w, http.StatusOK, filesResponse{Files: files})
}

// HandleFile routes /api/files/{name} by method.
func (s *Server) HandleFile(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, filesRoute)
	if name == "" {
		s.HandleFileList(w, r)
		return
	}
	if !s.httpLimiter.Allow(s.clientIP(r)) {
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.handleDownload(w, r, name)
	case http.MethodHead:
		s.handleStatus(w, name)
	case http.MethodPut, http.MethodPost:
		s.handleChunkUpload(w, r, name)
	case http.MethodDelete:
		s.handleDelete(w, name)
	default:
		methodNotAllowed(w, "GET, HEAD, PUT, POST, DELETE")
	}
}

// handleDownload streams the whole file, or one byte range of it.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, name string) {
	file, info, err := s.transfers.Open(name)
	if err != nil {
		writeTransferError(w, err)
		return
	}
	defer file.Close()

	size := info.Size()
	header := w.Header()
	header.Set("Accept-Ranges", "bytes")
	header.Set("Content-Type", "application/octet-stream")
	header.Set("Last-Modified", info.ModTime().UTC().Format(http.TimeFormat))
	header.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filepath.Base(name)}))

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		header.Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		n, err := io.Copy(w, file)
		s.metrics.AddBytesServed(n)
		if err != nil {
			jww.WARN.Printf("download %s stopped after %d bytes: %v", name, n, err)
		}
		return
	}

	byteRange, err := parseRange(rangeHeader, size)
	if err != nil {
		header.Set("Content-Range", "bytes */"+strconv.FormatInt(size, 10))
		writeError(w, http.StatusRequestedRangeNotSatisfiable, err)
		return
	}
	if _, err := file.Seek(byteRange.Start, io.SeekStart); err != nil {
		writeError(w, http.StatusInternalServerError, errors.Wrap(err, "seek"))
		return
	}
	header.Set("Content-Range", "bytes "+strconv.FormatInt(byteRange.Start, 10)+"-"+strconv.FormatInt(byteRange.End, 10)+"/"+strconv.FormatInt(size, 10))
	header.Set("Content-Length", strconv.FormatInt(byteRange.Length(), 10))
	w.WriteHeader(http.StatusPartialContent)
	n, err := io.CopyN(w, file, byteRange.Length())
	s.metrics.AddBytesServed(n)
	if err != nil {
		jww.WARN.Printf("download %s range %d-%d stopped after %d bytes: %v", name, byteRange.Start, byteRange.End, n, err)
	}
}

// handleStatus answers the resume probe with the stored size.
func (s *Server) handleStatus(w http.ResponseWriter, name string) {
	size, err := s.transfers.Stat(name)
	if err != nil {
		switch {
		case errors.Is(err, ErrFileNotFound):
			w.WriteHeader(http.StatusNotFound)
		case errors.Is(err, ErrInvalidFileName):
			w.WriteHeader(http.StatusBadRequest)
		default:
			jww.ERROR.Printf("stat %s: %v", name, err)
			w.WriteHeader(http.StatusInternalServerError)
		}
		return
	}
	header := w.Header()
	header.Set("Accept-Ranges", "bytes")
	header.Set("Content-Length", strconv.FormatInt(size, 10))
	header.Set(headerUploadOffset, strconv.FormatInt(size, 10))
	if _, total, ok := s.transfers.Session(name); ok && total >= 0 {
		header.Set(headerUploadLength, strconv.FormatInt(total, 10))
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleChunkUpload(w http.ResponseWriter, r *http.Request, name string) {
	defer r.Body.Close()
	var chunk *ChunkRange
	if value := r.Header.Get("Content-Range"); value != "" {
		parsed, err := parseContentRange(value)
		if err != nil {
			s.setOffsetHeader(w, name, -1)
			writeError(w, http.StatusBadRequest, err)
			return
		}
		chunk = &parsed
	}

	result, err := s.transfers.Upload(name, chunk, r.Body, r.ContentLength)
	if err != nil {
		var conflict *OffsetConflictError
		if errors.As(err, &conflict) {
			w.Header().Set(headerUploadOffset, strconv.FormatInt(conflict.Expected, 10))
			writeJSON(w, http.StatusConflict, conflictResponse{
				Error:    err.Error(),
				Expected: conflict.Expected,
				Received: conflict.Received,
			})
			return
		}
		offset := int64(-1)
		if result.Name != "" {
			offset = result.Size
		}
		s.setOffsetHeader(w, name, offset)
		writeTransferError(w, err)
		return
	}

	w.Header().Set(headerUploadOffset, strconv.FormatInt(result.Size, 10))
	status := http.StatusOK
	switch result.Status {
	case UploadCreated:
		status = http.StatusCreated
	case UploadPartial:
		status = http.StatusAccepted
	}
	writeJSON(w, status, uploadResponse{
		Name:   result.Name,
		Size:   result.Size,
		Total:  result.Total,
		Status: result.Status.String(),
		SHA256: result.SHA256,
	})
}

// HandleUpload accepts a multipart form with a "file" part as a single-shot
// upload that replaces any file of the same name.
func (s *Server) HandleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if !s.httpLimiter.Allow(s.clientIP(r)) {
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}
	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("multipart body required"))
		return
	}
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			writeError(w, http.StatusBadRequest, errors.New("no file provided"))
			return
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.Wrap(err, "read multipart body"))
			return
		}
		if part.FormName() != "file" {
			_ = part.Close()
			continue
		}
		filename := filepath.Base(part.FileName())
		result, err := s.transfers.Upload(filename, nil, part, -1)
		_ = part.Close()
		if err != nil {
			writeTransferError(w, err)
			return
		}
		w.Header().Set(headerUploadOffset, strconv.FormatInt(result.Size, 10))
		writeJSON(w, http.StatusOK, uploadResponse{
			Name:   result.Name,
			Size:   result.Size,
			Total:  result.Total,
			Status: result.Status.String(),
			SHA256: result.SHA256,
		})
		return
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, name string) {
	if err := s.transfers.Delete(name); err != nil {
		writeTransferError(w, err)
		return
	}
	jww.INFO.Printf("file %s deleted", name)
	w.WriteHeader(http.StatusNoContent)
}

// setOffsetHeader sets Upload-Offset, reading the size from disk when the
// caller does not know it.
func (s *Server) setOffsetHeader(w http.ResponseWriter, name string, offset int64) {
	if offset < 0 {
		offset = 0
		if size, err := s.transfers.Stat(name); err == nil {
			offset = size
		}
	}
	w.Header().Set(headerUploadOffset, strconv.FormatInt(offset, 10))
}

func writeTransferError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrFileNotFound):
		writeError(w, http.StatusNotFound, ErrFileNotFound)
	case errors.Is(err, ErrInvalidFileName), errors.Is(err, ErrChunkLength), errors.Is(err, ErrInvalidRange):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err)
	case errors.Is(err, ErrRangeNotSatisfiable):
		writeError(w, http.StatusRequestedRangeNotSatisfiable, err)
	default:
		jww.ERROR.Printf("transfer failed: %v", err)
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}
