// Package mongo implements the message store on MongoDB. Documents use the
// field names of the existing chat schema so existing collections can be
// read unchanged.
package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/whisper/directchat/internal/store"
)

const (
	collectionName = "messages"
	connectTimeout = 10 * time.Second
)

// Config holds the MongoDB connection settings.
type Config struct {
	URI         string
	Database    string
	MaxPoolSize uint64
}

// DefaultConfig returns settings for a local MongoDB.
func DefaultConfig() Config {
	return Config{
		URI:         "mongodb://localhost:27017",
		Database:    "chat",
		MaxPoolSize: 100,
	}
}

type messageDoc struct {
	ID          primitive.ObjectID `bson:"_id,omitempty"`
	Sender      string             `bson:"sender"`
	Recipient   string             `bson:"recipient"`
	Text        string             `bson:"text,omitempty"`
	File        string             `bson:"file,omitempty"`
	FileSize    int64              `bson:"fileSize,omitempty"`
	ContentType string             `bson:"contentType,omitempty"`
	CreatedAt   time.Time          `bson:"createdAt"`
	UpdatedAt   time.Time          `bson:"updatedAt"`
}

func (d messageDoc) toMessage() store.Message {
	return store.Message{
		ID:          d.ID.Hex(),
		Sender:      d.Sender,
		Recipient:   d.Recipient,
		Text:        d.Text,
		File:        d.File,
		FileSize:    d.FileSize,
		ContentType: d.ContentType,
		CreatedAt:   d.CreatedAt,
	}
}

// Store is a store.MessageStore backed by a MongoDB collection.
type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewStore connects to MongoDB, verifies the connection with a ping and
// ensures the history index exists.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	opts := options.Client().ApplyURI(cfg.URI)
	if cfg.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(cfg.MaxPoolSize)
	}
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("store/mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("store/mongo: ping: %w", err)
	}

	s := &Store{
		client: client,
		coll:   client.Database(cfg.Database).Collection(collectionName),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "sender", Value: 1}, {Key: "recipient", Value: 1}, {Key: "createdAt", Value: -1}},
			Options: options.Index().SetName("ix_pair_created"),
		},
	})
	if err != nil {
		return fmt.Errorf("store/mongo: create indexes: %w", err)
	}
	return nil
}

func (s *Store) CreateMessage(ctx context.Context, m store.Message) (store.Message, error) {
	if err := m.Validate(); err != nil {
		return store.Message{}, err
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	doc := messageDoc{
		ID:          primitive.NewObjectID(),
		Sender:      m.Sender,
		Recipient:   m.Recipient,
		Text:        m.Text,
		File:        m.File,
		FileSize:    m.FileSize,
		ContentType: m.ContentType,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return store.Message{}, fmt.Errorf("store/mongo: insert message: %w", err)
	}
	return doc.toMessage(), nil
}

func (s *Store) History(ctx context.Context, userA, userB string, limit int) ([]store.Message, error) {
	filter := bson.M{
		"$or": bson.A{
			bson.M{"sender": userA, "recipient": userB},
			bson.M{"sender": userB, "recipient": userA},
		},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(store.EffectiveLimit(limit)))

	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("store/mongo: find history: %w", err)
	}
	defer cur.Close(ctx)

	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("store/mongo: decode history: %w", err)
	}

	// Fetched newest first so the limit keeps the latest messages.
	out := make([]store.Message, len(docs))
	for i, d := range docs {
		out[len(docs)-1-i] = d.toMessage()
	}
	return out, nil
}

func (s *Store) Close(ctx context.Context) error {
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("store/mongo: disconnect: %w", err)
	}
	return nil
}
