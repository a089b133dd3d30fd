package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	httpTimeout = 5 * time.Second
)

// ErrHTTPStatus wraps unexpected status codes from the server.
type ErrHTTPStatus struct {
	Code    int
	Message string
}

func (e *ErrHTTPStatus) Error() string {
	return "server returned " + http.StatusText(e.Code) + ": " + e.Message
}

// APIClient talks to the HTTP side of a server given its websocket join URL.
type APIClient struct {
	base string
	http *http.Client
}

func NewAPIClient(joinURL string) (*APIClient, error) {
	base, err := httpBaseFromJoinURL(joinURL)
	if err != nil {
		return nil, err
	}
	return &APIClient{base: base, http: &http.Client{}}, nil
}

// Base returns the http(s) origin of the server.
func (a *APIClient) Base() string { return a.base }

func (a *APIClient) fileURL(name string) string {
	return a.base + filesRoute + url.PathEscape(name)
}

func (a *APIClient) ListRooms(ctx context.Context) ([]RoomPayload, error) {
	var resp roomsResponse
	if err := a.doJSONRequest(ctx, http.MethodGet, a.base+"/api/rooms", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Rooms, nil
}

func (a *APIClient) CreateRoom(ctx context.Context, name, description string) (*RoomPayload, error) {
	var room RoomPayload
	payload := createRoomRequest{Name: name, Description: description}
	if err := a.doJSONRequest(ctx, http.MethodPost, a.base+"/api/rooms", payload, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

func (a *APIClient) ListFiles(ctx context.Context) ([]FileInfo, error) {
	var resp filesResponse
	if err := a.doJSONRequest(ctx, http.MethodGet, a.base+"/api/files", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Files, nil
}

func (a *APIClient) DeleteFile(ctx context.Context, name string) error {
	return a.doJSONRequest(ctx, http.MethodDelete, a.fileURL(name), nil, nil)
}

func (a *APIClient) doJSONRequest(ctx context.Context, method, endpoint string, payload interface{}, out interface{}) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(buf)
	}
	ctx, cancel := context.WithTimeout(ctx, httpTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, endpoint)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ErrHTTPStatus{Code: resp.StatusCode, Message: readResponseError(resp.Body)}
	}
	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func readResponseError(body io.Reader) string {
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return "request failed"
	}
	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err == nil {
		if msg, ok := parsed["error"].(string); ok {
			return msg
		}
	}
	return strings.TrimSpace(string(data))
}

func httpBaseFromJoinURL(wsURL string) (string, error) {
	parsed, err := url.Parse(wsURL)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "ws":
		parsed.Scheme = "http"
	case "wss":
		parsed.Scheme = "https"
	case "http", "https":
	default:
		return "", errors.Errorf("unsupported scheme %s", parsed.Scheme)
	}
	parsed.Path = ""
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return strings.TrimRight(parsed.String(), "/"), nil
}

// Identity is the stable user a client announces on every join.
type Identity struct {
	UserName string `json:"user_name"`
	UserUUID string `json:"user_uuid"`
}

// LoadOrCreateIdentity reads the identity stored at path, creating one with
// a fresh uuid when the file does not exist. A non-empty name overrides the
// stored one.
func LoadOrCreateIdentity(path, name string) (Identity, error) {
	identity, err := loadIdentity(path)
	if err != nil && !os.IsNotExist(errors.Cause(err)) {
		return Identity{}, err
	}
	changed := false
	if identity.UserUUID == "" {
		identity.UserUUID = uuid.NewString()
		changed = true
	}
	if name != "" && name != identity.UserName {
		identity.UserName = name
		changed = true
	}
	if identity.UserName == "" {
		identity.UserName = "anonymous"
		changed = true
	}
	if changed && path != "" {
		if err := saveIdentity(path, identity); err != nil {
			return Identity{}, err
		}
	}
	return identity, nil
}

func loadIdentity(path string) (Identity, error) {
	if path == "" {
		return Identity{}, os.ErrNotExist
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Identity{}, err
	}
	var identity Identity
	if err := json.Unmarshal(data, &identity); err != nil {
		return Identity{}, errors.Wrapf(err, "parse identity %s", path)
	}
	return identity, nil
}

func saveIdentity(path string, identity Identity) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(identity, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
