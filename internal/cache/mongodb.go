package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoDBConfig holds MongoDB-specific configuration
type MongoDBConfig struct {
	// URL is the connection string (e.g., mongodb://localhost:27017)
	URL string
	// Database is the database name (default: offline_proxy)
	Database string
	// Collection holds the entries; "<collection>_generations" holds the names (default: responses)
	Collection string
}

// MongoStorage implements Storage on MongoDB.
// Entries are documents keyed by (generation, key); generation names live
// in a companion collection so empty generations are still listed.
type MongoStorage struct {
	client      *mongo.Client
	entries     *mongo.Collection
	generations *mongo.Collection
}

type mongoGeneration struct {
	storage *MongoStorage
	name    string
}

type mongoEntry struct {
	Generation string              `bson:"generation"`
	Key        string              `bson:"key"`
	Status     int                 `bson:"status"`
	Header     map[string][]string `bson:"header"`
	Body       []byte              `bson:"body"`
	StoredAt   time.Time           `bson:"stored_at"`
}

type mongoGenerationDoc struct {
	Name      string    `bson:"_id"`
	CreatedAt time.Time `bson:"created_at"`
}

// NewMongoDB connects to MongoDB and prepares the collections
func NewMongoDB(ctx context.Context, cfg MongoDBConfig) (*MongoStorage, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("MongoDB URL is required")
	}

	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	storage, err := NewMongoDBFromClient(ctx, client, cfg.Database, cfg.Collection)
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return storage, nil
}

// NewMongoDBFromClient uses an existing client. Close disconnects it.
func NewMongoDBFromClient(ctx context.Context, client *mongo.Client, database, collection string) (*MongoStorage, error) {
	if database == "" {
		database = "offline_proxy"
	}
	if collection == "" {
		collection = "responses"
	}

	db := client.Database(database)
	s := &MongoStorage{
		client:      client,
		entries:     db.Collection(collection),
		generations: db.Collection(collection + "_generations"),
	}

	_, err := s.entries.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "generation", Value: 1}, {Key: "key", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		// indexes may already exist with another definition
		logrus.Warnf("Failed to create MongoDB cache index: %v", err)
	}

	return s, nil
}

func (s *MongoStorage) Open(ctx context.Context, name string) (Generation, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if err := s.register(ctx, name); err != nil {
		return nil, err
	}
	return &mongoGeneration{storage: s, name: name}, nil
}

func (s *MongoStorage) register(ctx context.Context, name string) error {
	_, err := s.generations.UpdateOne(ctx,
		bson.M{"_id": name},
		bson.M{"$setOnInsert": bson.M{"created_at": time.Now().UTC()}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to register generation in MongoDB: %w", err)
	}
	return nil
}

func (s *MongoStorage) Lookup(ctx context.Context, name string) (Generation, bool, error) {
	var doc mongoGenerationDoc
	err := s.generations.FindOne(ctx, bson.M{"_id": name}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to look up generation in MongoDB: %w", err)
	}
	return &mongoGeneration{storage: s, name: name}, true, nil
}

func (s *MongoStorage) Names(ctx context.Context) ([]string, error) {
	cursor, err := s.generations.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("failed to list generations from MongoDB: %w", err)
	}

	var docs []mongoGenerationDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode generations: %w", err)
	}

	names := make([]string, 0, len(docs))
	for _, doc := range docs {
		names = append(names, doc.Name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MongoStorage) Delete(ctx context.Context, name string) (bool, error) {
	if _, err := s.entries.DeleteMany(ctx, bson.M{"generation": name}); err != nil {
		return false, fmt.Errorf("failed to delete entries from MongoDB: %w", err)
	}
	res, err := s.generations.DeleteOne(ctx, bson.M{"_id": name})
	if err != nil {
		return false, fmt.Errorf("failed to delete generation from MongoDB: %w", err)
	}
	return res.DeletedCount > 0, nil
}

func (s *MongoStorage) Close() error {
	if s.client != nil {
		return s.client.Disconnect(context.Background())
	}
	return nil
}

func (g *mongoGeneration) Name() string {
	return g.name
}

func (g *mongoGeneration) Match(ctx context.Context, key string) (*Entry, error) {
	var doc mongoEntry
	err := g.storage.entries.FindOne(ctx, bson.M{"generation": g.name, "key": key}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get entry from MongoDB: %w", err)
	}

	return &Entry{
		Status:   doc.Status,
		Header:   http.Header(doc.Header),
		Body:     doc.Body,
		StoredAt: doc.StoredAt,
	}, nil
}

func (g *mongoGeneration) Put(ctx context.Context, key string, entry *Entry) error {
	doc := mongoEntry{
		Generation: g.name,
		Key:        key,
		Status:     entry.Status,
		Header:     map[string][]string(entry.Header),
		Body:       entry.Body,
		StoredAt:   entry.StoredAt,
	}

	_, err := g.storage.entries.ReplaceOne(ctx,
		bson.M{"generation": g.name, "key": key},
		doc,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to put entry in MongoDB: %w", err)
	}
	return nil
}
