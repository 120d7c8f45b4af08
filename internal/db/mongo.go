package db

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/aidashboard/backend/internal/logger"
)

const (
	usersCollection = "users"
	connectTimeout  = 5 * time.Second
)

// MongoUserStore stores users as documents in the "users" collection.
type MongoUserStore struct {
	uri    string
	dbName string
	log    *logger.Logger

	mu     sync.Mutex
	client *mongo.Client
	coll   *mongo.Collection
}

func NewMongoUserStore(uri, dbName string, log *logger.Logger) *MongoUserStore {
	return &MongoUserStore{
		uri:    uri,
		dbName: dbName,
		log:    log.WithComponent("mongo"),
	}
}

// collection returns the cached collection handle, connecting on first use.
// A failed attempt leaves nothing cached so the next call tries again.
func (s *MongoUserStore) collection(ctx context.Context) (*mongo.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.coll != nil {
		return s.coll, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	// Timeouts given in the URI take precedence.
	opts := options.Client().
		SetServerSelectionTimeout(connectTimeout).
		ApplyURI(s.uri)
	client, err := mongo.Connect(connectCtx, opts)
	if err != nil {
		return nil, unavailable(err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, unavailable(err)
	}

	coll := client.Database(s.dbName).Collection(usersCollection)
	if err := ensureEmailIndex(connectCtx, coll); err != nil {
		s.log.Warn(ctx, "failed to create unique email index", map[string]interface{}{
			"database": s.dbName,
			"error":    err.Error(),
		})
	}

	s.log.Info(ctx, "connected to MongoDB", map[string]interface{}{"database": s.dbName})
	s.client = client
	s.coll = coll
	return coll, nil
}

func ensureEmailIndex(ctx context.Context, coll *mongo.Collection) error {
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("email_unique"),
	})
	return err
}

func (s *MongoUserStore) EnsureSchema(ctx context.Context) error {
	coll, err := s.collection(ctx)
	if err != nil {
		return err
	}
	if err := ensureEmailIndex(ctx, coll); err != nil {
		return fmt.Errorf("failed to create unique email index: %w", err)
	}
	return nil
}

func (s *MongoUserStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	return s.findOne(ctx, bson.M{"email": NormalizeEmail(email)})
}

func (s *MongoUserStore) FindByID(ctx context.Context, id string) (*User, error) {
	return s.findOne(ctx, bson.M{"_id": id})
}

func (s *MongoUserStore) findOne(ctx context.Context, filter bson.M) (*User, error) {
	coll, err := s.collection(ctx)
	if err != nil {
		return nil, err
	}

	var user User
	if err := coll.FindOne(ctx, filter).Decode(&user); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrUserNotFound
		}
		return nil, classifyMongoError(err)
	}
	return &user, nil
}

func (s *MongoUserStore) Create(ctx context.Context, user *User) error {
	coll, err := s.collection(ctx)
	if err != nil {
		return err
	}

	user.Email = NormalizeEmail(user.Email)
	if _, err := coll.InsertOne(ctx, user); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrEmailExists
		}
		return classifyMongoError(err)
	}
	return nil
}

func (s *MongoUserStore) UpdatePasswordHash(ctx context.Context, id, passwordHash string) error {
	coll, err := s.collection(ctx)
	if err != nil {
		return err
	}

	res, err := coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{
			"passwordHash": passwordHash,
			"updatedAt":    time.Now().UTC(),
		},
	})
	if err != nil {
		return classifyMongoError(err)
	}
	if res.MatchedCount == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *MongoUserStore) Delete(ctx context.Context, id string) error {
	coll, err := s.collection(ctx)
	if err != nil {
		return err
	}

	res, err := coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return classifyMongoError(err)
	}
	if res.DeletedCount == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *MongoUserStore) Count(ctx context.Context) (int64, error) {
	coll, err := s.collection(ctx)
	if err != nil {
		return 0, err
	}

	n, err := coll.EstimatedDocumentCount(ctx)
	if err != nil {
		return 0, classifyMongoError(err)
	}
	return n, nil
}

func (s *MongoUserStore) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return nil
	}
	err := s.client.Disconnect(ctx)
	s.client, s.coll = nil, nil
	return err
}

func classifyMongoError(err error) error {
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return unavailable(err)
	}
	return err
}
