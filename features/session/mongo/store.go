// Package mongo provides the MongoDB-backed session store.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/console/session"
)

const (
	defaultCollection = "sessions"
	defaultOpTimeout  = 5 * time.Second
	storeName         = "session-mongo"
)

type (
	// Options configures the Mongo session store.
	Options struct {
		// Client is the connected Mongo client. Required.
		Client *mongodriver.Client
		// Database is the database name. Required.
		Database string
		// Collection overrides the default collection name.
		Collection string
		// Timeout bounds each store operation.
		Timeout time.Duration
	}

	// Store is the MongoDB implementation of session.Store.
	Store struct {
		mongo   *mongodriver.Client
		coll    *mongodriver.Collection
		timeout time.Duration
	}

	sessionDocument struct {
		SessionID    string         `bson:"session_id"`
		Name         string         `bson:"name"`
		OwnerID      string         `bson:"owner_id"`
		Status       string         `bson:"status"`
		Context      map[string]any `bson:"context,omitempty"`
		Workspace    map[string]any `bson:"workspace,omitempty"`
		CreatedAt    time.Time      `bson:"created_at"`
		LastActiveAt time.Time      `bson:"last_active_at"`
	}
)

// Compile-time checks.
var (
	_ session.Store = (*Store)(nil)
	_ health.Pinger = (*Store)(nil)
)

// New returns a session store backed by MongoDB.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collection)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, coll); err != nil {
		return nil, err
	}
	return &Store{mongo: opts.Client, coll: coll, timeout: timeout}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return storeName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Create implements session.Store.
func (s *Store) Create(ctx context.Context, sess session.Session) error {
	if sess.ID == "" {
		return errors.New("session id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.InsertOne(ctx, fromSession(sess))
	if mongodriver.IsDuplicateKeyError(err) {
		return errors.New("session already exists")
	}
	return err
}

// Load implements session.Store.
func (s *Store) Load(ctx context.Context, id string) (session.Session, error) {
	if id == "" {
		return session.Session{}, errors.New("session id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc sessionDocument
	if err := s.coll.FindOne(ctx, bson.M{"session_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return session.Session{}, session.ErrNotFound
		}
		return session.Session{}, err
	}
	return doc.toSession(), nil
}

// ListByOwner implements session.Store.
func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]session.Session, error) {
	if ownerID == "" {
		return nil, errors.New("owner id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	sort := bson.D{{Key: "last_active_at", Value: -1}, {Key: "session_id", Value: 1}}
	cur, err := s.coll.Find(ctx, bson.M{"owner_id": ownerID}, options.Find().SetSort(sort))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	out := make([]session.Session, 0)
	for cur.Next(ctx) {
		var doc sessionDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toSession())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Update implements session.Store. LastActiveAt is written through $max so it
// never moves backwards, matching the in-memory store's monotonicity rule.
func (s *Store) Update(ctx context.Context, sess session.Session) error {
	if sess.ID == "" {
		return errors.New("session id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc := fromSession(sess)
	update := bson.M{
		"$set": bson.M{
			"name":      doc.Name,
			"owner_id":  doc.OwnerID,
			"status":    doc.Status,
			"context":   doc.Context,
			"workspace": doc.Workspace,
		},
		"$max": bson.M{"last_active_at": doc.LastActiveAt},
	}
	res, err := s.coll.UpdateOne(ctx, bson.M{"session_id": sess.ID}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return session.ErrNotFound
	}
	return nil
}

// Touch implements session.Store.
func (s *Store) Touch(ctx context.Context, id string, at time.Time) error {
	if id == "" {
		return errors.New("session id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	update := bson.M{"$max": bson.M{"last_active_at": at.UTC()}}
	res, err := s.coll.UpdateOne(ctx, bson.M{"session_id": id}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return session.ErrNotFound
	}
	return nil
}

// Delete implements session.Store.
func (s *Store) Delete(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("session id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.coll.DeleteOne(ctx, bson.M{"session_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return session.ErrNotFound
	}
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func fromSession(sess session.Session) sessionDocument {
	return sessionDocument{
		SessionID:    sess.ID,
		Name:         sess.Name,
		OwnerID:      sess.OwnerID,
		Status:       string(sess.Status),
		Context:      sess.Context,
		Workspace:    sess.Workspace,
		CreatedAt:    sess.CreatedAt.UTC(),
		LastActiveAt: sess.LastActiveAt.UTC(),
	}
}

func (doc sessionDocument) toSession() session.Session {
	return session.Session{
		ID:           doc.SessionID,
		Name:         doc.Name,
		OwnerID:      doc.OwnerID,
		Status:       session.Status(doc.Status),
		Context:      doc.Context,
		Workspace:    doc.Workspace,
		CreatedAt:    doc.CreatedAt.UTC(),
		LastActiveAt: doc.LastActiveAt.UTC(),
	}
}

func ensureIndexes(ctx context.Context, coll *mongodriver.Collection) error {
	idIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(ctx, idIndex); err != nil {
		return err
	}
	ownerIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "owner_id", Value: 1},
			{Key: "last_active_at", Value: -1},
		},
	}
	_, err := coll.Indexes().CreateOne(ctx, ownerIndex)
	return err
}
