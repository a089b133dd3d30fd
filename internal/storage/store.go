package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	sqlite "modernc.org/sqlite"
)

const (
	sqliteConstraintCode = 19
	defaultBusyTimeout   = 5000

	// DefaultRoomDescription labels the public room created by Migrate.
	DefaultRoomDescription = "public room"
)

// Store wraps the SQLite handle and exposes the room and message operations
// used by the sync engine.
type Store struct {
	db *sql.DB
}

// Room represents a row in the rooms table. The empty name is the default
// public room.
type Room struct {
	ID          int64
	Name        string
	Description string
	CreatedAt   time.Time
}

// RoomText represents a row in the room_texts table.
type RoomText struct {
	ID          int64
	RoomID      int64
	UserID      string
	DisplayName string
	Content     string
	Timestamp   int64 // epoch millis
}

// ErrRoomExists is returned when creating a room whose name is taken.
var ErrRoomExists = errors.New("room already exists")

// ErrRoomNotFound is returned when a text targets a room that does not exist.
var ErrRoomNotFound = errors.New("room not found")

// NewStore initializes the SQLite database at the provided path. Call Close when done.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "syncroom.db"
	}
	dsn := buildDSN(path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set busy timeout")
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping sqlite")
	}
	return &Store{db: db}, nil
}

// Close releases the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
		// already in a form sqlite understands
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=foreign_keys=ON", path, separator, defaultBusyTimeout)
}

// Migrate creates the schema and the default public room.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS rooms (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS room_texts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			room_id INTEGER NOT NULL,
			user_id TEXT NOT NULL,
			display_name TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			FOREIGN KEY(room_id) REFERENCES rooms(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_room_texts_room_ts ON room_texts(room_id, timestamp);`,
		`INSERT OR IGNORE INTO rooms(name, description) VALUES('', '` + DefaultRoomDescription + `');`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "migrate")
		}
	}
	return tx.Commit()
}

// CreateRoom inserts a new room. ErrRoomExists is returned on name conflicts.
func (s *Store) CreateRoom(ctx context.Context, name, description string) (*Room, error) {
	result, err := s.db.ExecContext(ctx, `INSERT INTO rooms(name, description) VALUES(?, ?)`, name, description)
	if err != nil {
		if isConstraintError(err) {
			return nil, ErrRoomExists
		}
		return nil, errors.Wrapf(err, "create room %q", name)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetRoom(ctx, id)
}

// GetRoom fetches a room by primary key.
func (s *Store) GetRoom(ctx context.Context, id int64) (*Room, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, description, created_at FROM rooms WHERE id = ?`, id)
	return scanRoom(row)
}

// GetRoomByName fetches a room by its unique name.
func (s *Store) GetRoomByName(ctx context.Context, name string) (*Room, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, description, created_at FROM rooms WHERE name = ?`, name)
	return scanRoom(row)
}

func scanRoom(row *sql.Row) (*Room, error) {
	var room Room
	if err := row.Scan(&room.ID, &room.Name, &room.Description, &room.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &room, nil
}

// ListRooms returns every room in creation order.
func (s *Store) ListRooms(ctx context.Context) ([]Room, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, description, created_at FROM rooms ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rooms []Room
	for rows.Next() {
		var room Room
		if err := rows.Scan(&room.ID, &room.Name, &room.Description, &room.CreatedAt); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

// AppendText stores a message and returns its assigned id.
func (s *Store) AppendText(ctx context.Context, roomID int64, userID, displayName, content string, timestamp int64) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO room_texts(room_id, user_id, display_name, content, timestamp) VALUES(?, ?, ?, ?, ?)`,
		roomID, userID, displayName, content, timestamp)
	if err != nil {
		if isConstraintError(err) {
			return 0, ErrRoomNotFound
		}
		return 0, errors.Wrap(err, "append text")
	}
	return result.LastInsertId()
}

// RecentTexts returns at most limit of the newest texts of a room, oldest first.
func (s *Store) RecentTexts(ctx context.Context, roomID int64, limit int) ([]RoomText, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, user_id, display_name, content, timestamp
		FROM room_texts
		WHERE room_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	texts := make([]RoomText, 0, limit)
	for rows.Next() {
		var text RoomText
		if err := rows.Scan(&text.ID, &text.RoomID, &text.UserID, &text.DisplayName, &text.Content, &text.Timestamp); err != nil {
			return nil, err
		}
		texts = append(texts, text)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverseTexts(texts)
	return texts, nil
}

// GetText fetches a single message; nil when absent.
func (s *Store) GetText(ctx context.Context, id int64) (*RoomText, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, room_id, user_id, display_name, content, timestamp FROM room_texts WHERE id = ?`, id)
	var text RoomText
	if err := row.Scan(&text.ID, &text.RoomID, &text.UserID, &text.DisplayName, &text.Content, &text.Timestamp); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &text, nil
}

// DeleteText removes a message. It reports false when the id did not exist.
func (s *Store) DeleteText(ctx context.Context, id int64) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM room_texts WHERE id = ?`, id)
	if err != nil {
		return false, errors.Wrapf(err, "delete text %d", id)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func reverseTexts(texts []RoomText) {
	for i, j := 0, len(texts)-1; i < j; i, j = i+1, j-1 {
		texts[i], texts[j] = texts[j], texts[i]
	}
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xff == sqliteConstraintCode
	}
	return false
}
