package store

import (
	"context"
	"fmt"
	"time"

	"github.com/Tyrowin/chatrelay/internal/config"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const defaultMongoURI = "mongodb://localhost:27017"

// mongoRecord is the document shape of a Record. The ObjectID is generated
// client-side so it increases in insertion order and breaks createdAt ties.
type mongoRecord struct {
	ObjectID  primitive.ObjectID `bson:"_id"`
	ID        string             `bson:"recordId"`
	Sender    string             `bson:"sender"`
	Recipient *string            `bson:"recipient,omitempty"`
	Content   string             `bson:"content"`
	CreatedAt time.Time          `bson:"createdAt"`
}

// MongoStore stores records in a MongoDB collection.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	now        func() time.Time
}

// OpenMongo connects to cfg.DSN, verifies the connection and ensures the
// indexes used by the visibility query exist.
func OpenMongo(ctx context.Context, cfg config.StoreConfig) (*MongoStore, error) {
	uri := cfg.DSN
	if uri == "" {
		uri = defaultMongoURI
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	clientOpts := options.Client().ApplyURI(uri)
	if cfg.MaxOpenConns > 0 {
		clientOpts.SetMaxPoolSize(uint64(cfg.MaxOpenConns))
	}

	client, err := mongo.Connect(connectCtx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	s := &MongoStore{
		client:     client,
		collection: client.Database(cfg.Database).Collection(cfg.Collection),
		now:        time.Now,
	}
	if err := s.ensureIndexes(connectCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}},
		{Keys: bson.D{{Key: "recordId", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "recipient", Value: 1}}},
		{Keys: bson.D{{Key: "sender", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Append(ctx context.Context, rec Record) (Record, error) {
	rec = prepare(rec, s.now())

	doc := mongoRecord{
		ObjectID:  primitive.NewObjectID(),
		ID:        rec.ID,
		Sender:    rec.Sender,
		Content:   rec.Content,
		CreatedAt: rec.CreatedAt,
	}
	if rec.Recipient != "" {
		to := rec.Recipient
		doc.Recipient = &to
	}

	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		return Record{}, fmt.Errorf("failed to insert record: %w", err)
	}
	return rec, nil
}

func (s *MongoStore) QueryVisibleTo(ctx context.Context, username string) ([]Record, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{"recipient": nil},
		bson.M{"recipient": username},
		bson.M{"sender": username},
	}}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})

	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []mongoRecord
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode records: %w", err)
	}

	out := make([]Record, 0, len(docs))
	for _, doc := range docs {
		rec := Record{
			ID:        doc.ID,
			Sender:    doc.Sender,
			Content:   doc.Content,
			CreatedAt: doc.CreatedAt.UTC(),
		}
		if doc.Recipient != nil {
			rec.Recipient = *doc.Recipient
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *MongoStore) DeleteAll(ctx context.Context) (int64, error) {
	res, err := s.collection.DeleteMany(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("failed to delete records: %w", err)
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
