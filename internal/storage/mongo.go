package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	roomsCollection    = "rooms"
	textsCollection    = "room_texts"
	countersCollection = "counters"

	mongoOpTimeout = 5 * time.Second
)

// MongoConfig holds MongoDB connection settings.
type MongoConfig struct {
	URI            string
	Database       string
	ConnectTimeout time.Duration
	MaxPoolSize    uint64
}

// MongoStore is the MongoDB backed alternative to Store. Ids are allocated
// from a counters collection so they stay integer and monotonic.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

type roomDocument struct {
	ID          int64     `bson:"_id"`
	Name        string    `bson:"name"`
	Description string    `bson:"description"`
	CreatedAt   time.Time `bson:"created_at"`
}

type textDocument struct {
	ID          int64  `bson:"_id"`
	RoomID      int64  `bson:"room_id"`
	UserID      string `bson:"user_id"`
	DisplayName string `bson:"display_name"`
	Content     string `bson:"content"`
	Timestamp   int64  `bson:"timestamp"`
}

type counterDocument struct {
	ID  string `bson:"_id"`
	Seq int64  `bson:"seq"`
}

// NewMongoStore connects and pings the server described by cfg.
func NewMongoStore(cfg MongoConfig) (*MongoStore, error) {
	if cfg.URI == "" {
		cfg.URI = "mongodb://localhost:27017"
	}
	if cfg.Database == "" {
		cfg.Database = "syncroom"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	clientOptions := options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(cfg.ConnectTimeout)
	if cfg.MaxPoolSize > 0 {
		clientOptions.SetMaxPoolSize(cfg.MaxPoolSize)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, errors.Wrap(err, "connect mongo")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "ping mongo")
	}
	return &MongoStore{client: client, db: client.Database(cfg.Database)}, nil
}

// Close disconnects the client.
func (m *MongoStore) Close() error {
	if m == nil || m.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

// Migrate creates the indexes and the default public room.
func (m *MongoStore) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := m.db.Collection(roomsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return errors.Wrap(err, "create room indexes")
	}
	if _, err := m.db.Collection(textsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "room_id", Value: 1}, {Key: "timestamp", Value: -1}},
	}); err != nil {
		return errors.Wrap(err, "create text indexes")
	}

	existing, err := m.GetRoomByName(ctx, "")
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	if _, err := m.CreateRoom(ctx, "", DefaultRoomDescription); err != nil && !errors.Is(err, ErrRoomExists) {
		return err
	}
	return nil
}

func (m *MongoStore) nextID(ctx context.Context, name string) (int64, error) {
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var counter counterDocument
	err := m.db.Collection(countersCollection).FindOneAndUpdate(ctx,
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"seq": 1}},
		opts,
	).Decode(&counter)
	if err != nil {
		return 0, errors.Wrapf(err, "allocate %s id", name)
	}
	return counter.Seq, nil
}

// CreateRoom inserts a new room. ErrRoomExists is returned on name conflicts.
func (m *MongoStore) CreateRoom(ctx context.Context, name, description string) (*Room, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	id, err := m.nextID(ctx, roomsCollection)
	if err != nil {
		return nil, err
	}
	doc := roomDocument{ID: id, Name: name, Description: description, CreatedAt: time.Now().UTC()}
	if _, err := m.db.Collection(roomsCollection).InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, ErrRoomExists
		}
		return nil, errors.Wrapf(err, "create room %q", name)
	}
	return doc.toRoom(), nil
}

// GetRoom fetches a room by id; nil when absent.
func (m *MongoStore) GetRoom(ctx context.Context, id int64) (*Room, error) {
	return m.findRoom(ctx, bson.M{"_id": id})
}

// GetRoomByName fetches a room by name; nil when absent.
func (m *MongoStore) GetRoomByName(ctx context.Context, name string) (*Room, error) {
	return m.findRoom(ctx, bson.M{"name": name})
}

func (m *MongoStore) findRoom(ctx context.Context, filter bson.M) (*Room, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	var doc roomDocument
	if err := m.db.Collection(roomsCollection).FindOne(ctx, filter).Decode(&doc); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, errors.Wrap(err, "find room")
	}
	return doc.toRoom(), nil
}

// ListRooms returns every room in creation order.
func (m *MongoStore) ListRooms(ctx context.Context) ([]Room, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	cursor, err := m.db.Collection(roomsCollection).Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, errors.Wrap(err, "list rooms")
	}
	defer cursor.Close(ctx)

	var rooms []Room
	for cursor.Next(ctx) {
		var doc roomDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		rooms = append(rooms, *doc.toRoom())
	}
	return rooms, cursor.Err()
}

// AppendText stores a message and returns its assigned id.
func (m *MongoStore) AppendText(ctx context.Context, roomID int64, userID, displayName, content string, timestamp int64) (int64, error) {
	room, err := m.GetRoom(ctx, roomID)
	if err != nil {
		return 0, err
	}
	if room == nil {
		return 0, ErrRoomNotFound
	}

	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()
	id, err := m.nextID(ctx, textsCollection)
	if err != nil {
		return 0, err
	}
	doc := textDocument{
		ID:          id,
		RoomID:      roomID,
		UserID:      userID,
		DisplayName: displayName,
		Content:     content,
		Timestamp:   timestamp,
	}
	if _, err := m.db.Collection(textsCollection).InsertOne(ctx, doc); err != nil {
		return 0, errors.Wrap(err, "append text")
	}
	return id, nil
}

// RecentTexts returns at most limit of the newest texts of a room, oldest first.
func (m *MongoStore) RecentTexts(ctx context.Context, roomID int64, limit int) ([]RoomText, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit))
	cursor, err := m.db.Collection(textsCollection).Find(ctx, bson.M{"room_id": roomID}, opts)
	if err != nil {
		return nil, errors.Wrap(err, "recent texts")
	}
	defer cursor.Close(ctx)

	texts := make([]RoomText, 0, limit)
	for cursor.Next(ctx) {
		var doc textDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		texts = append(texts, doc.toText())
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}
	reverseTexts(texts)
	return texts, nil
}

// GetText fetches a single message; nil when absent.
func (m *MongoStore) GetText(ctx context.Context, id int64) (*RoomText, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	var doc textDocument
	if err := m.db.Collection(textsCollection).FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, errors.Wrap(err, "get text")
	}
	text := doc.toText()
	return &text, nil
}

// DeleteText removes a message. It reports false when the id did not exist.
func (m *MongoStore) DeleteText(ctx context.Context, id int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	result, err := m.db.Collection(textsCollection).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return false, errors.Wrapf(err, "delete text %d", id)
	}
	return result.DeletedCount > 0, nil
}

func (d roomDocument) toRoom() *Room {
	return &Room{ID: d.ID, Name: d.Name, Description: d.Description, CreatedAt: d.CreatedAt}
}

func (d textDocument) toText() RoomText {
	return RoomText{
		ID:          d.ID,
		RoomID:      d.RoomID,
		UserID:      d.UserID,
		DisplayName: d.DisplayName,
		Content:     d.Content,
		Timestamp:   d.Timestamp,
	}
}
