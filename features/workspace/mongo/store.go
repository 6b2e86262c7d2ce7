// Package mongo provides the MongoDB-backed workspace store.
//
// A mutation batch is validated in full against the stored path set before
// any write is issued, then applied as a single ordered bulk write. Readers
// go through the same collection, so the validate-then-bulk sequence keeps
// partial batches from becoming visible except in the narrow window of a
// mid-bulk server failure.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/console/workspace"
)

const (
	defaultCollection = "file_nodes"
	defaultOpTimeout  = 5 * time.Second
	storeName         = "workspace-mongo"
)

type (
	// Options configures the Mongo workspace store.
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

	// Store is the MongoDB implementation of workspace.Store.
	Store struct {
		mongo   *mongodriver.Client
		coll    *mongodriver.Collection
		timeout time.Duration
	}

	nodeDocument struct {
		NodeID     string         `bson:"node_id"`
		SessionID  string         `bson:"session_id"`
		Path       string         `bson:"path"`
		Name       string         `bson:"name"`
		Type       string         `bson:"type"`
		Content    string         `bson:"content,omitempty"`
		StorageRef string         `bson:"storage_ref,omitempty"`
		Size       int64          `bson:"size"`
		Metadata   map[string]any `bson:"metadata,omitempty"`
		CreatedAt  time.Time      `bson:"created_at"`
		UpdatedAt  time.Time      `bson:"updated_at"`
	}
)

// Compile-time checks.
var (
	_ workspace.Store = (*Store)(nil)
	_ health.Pinger   = (*Store)(nil)
)

// New returns a workspace store backed by MongoDB.
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

// ApplyMutation implements workspace.Store.
func (s *Store) ApplyMutation(ctx context.Context, sessionID string, mut workspace.Mutation) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	if mut.Empty() {
		return nil
	}
	upserts := make([]workspace.FileNode, 0, len(mut.Created)+len(mut.Updated))
	for _, node := range mut.Created {
		if err := workspace.ValidateNode(&node); err != nil {
			return err
		}
		upserts = append(upserts, node)
	}
	for _, node := range mut.Updated {
		if err := workspace.ValidateNode(&node); err != nil {
			return err
		}
		upserts = append(upserts, node)
	}
	deletes := make([]string, 0, len(mut.Deleted))
	for _, node := range mut.Deleted {
		cleaned, err := workspace.NormalizePath(node.Path)
		if err != nil {
			return err
		}
		deletes = append(deletes, cleaned)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	existing, err := s.pathSet(ctx, sessionID)
	if err != nil {
		return err
	}
	incoming := make(map[string]struct{}, len(upserts))
	for _, node := range upserts {
		incoming[node.Path] = struct{}{}
	}
	for _, node := range upserts {
		parent := workspace.ParentPath(node.Path)
		if parent == "/" {
			continue
		}
		if _, ok := existing[parent]; ok {
			continue
		}
		if _, ok := incoming[parent]; ok {
			continue
		}
		return fmt.Errorf("%w: %s requires parent %s", workspace.ErrOrphanPath, node.Path, parent)
	}

	now := time.Now().UTC()
	models := make([]mongodriver.WriteModel, 0, len(upserts)+len(deletes))
	for _, node := range upserts {
		if node.ID == "" {
			node.ID = uuid.NewString()
		}
		doc := fromNode(sessionID, node, now)
		filter := bson.M{"session_id": sessionID, "path": node.Path}
		update := bson.M{
			"$set": bson.M{
				"name":        doc.Name,
				"type":        doc.Type,
				"content":     doc.Content,
				"storage_ref": doc.StorageRef,
				"size":        doc.Size,
				"metadata":    doc.Metadata,
				"updated_at":  now,
			},
			// A pre-existing node keeps its identity and creation time.
			"$setOnInsert": bson.M{
				"node_id":    doc.NodeID,
				"session_id": sessionID,
				"path":       doc.Path,
				"created_at": now,
			},
		}
		models = append(models, mongodriver.NewUpdateOneModel().
			SetFilter(filter).SetUpdate(update).SetUpsert(true))
	}
	for _, path := range deletes {
		// Removes the node and, when it is a folder, everything beneath it.
		filter := bson.M{
			"session_id": sessionID,
			"$or": []bson.M{
				{"path": path},
				{"path": primitive.Regex{Pattern: "^" + regexp.QuoteMeta(path+"/")}},
			},
		}
		models = append(models, mongodriver.NewDeleteManyModel().SetFilter(filter))
	}
	_, err = s.coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(true))
	return err
}

// GetNode implements workspace.Store.
func (s *Store) GetNode(ctx context.Context, sessionID, nodePath string) (workspace.FileNode, error) {
	if sessionID == "" {
		return workspace.FileNode{}, errors.New("session id is required")
	}
	cleaned, err := workspace.NormalizePath(nodePath)
	if err != nil {
		return workspace.FileNode{}, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc nodeDocument
	filter := bson.M{"session_id": sessionID, "path": cleaned}
	if err := s.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return workspace.FileNode{}, workspace.ErrNotFound
		}
		return workspace.FileNode{}, err
	}
	return doc.toNode(), nil
}

// GetTree implements workspace.Store.
func (s *Store) GetTree(ctx context.Context, sessionID string) ([]*workspace.TreeNode, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.coll.Find(ctx, bson.M{"session_id": sessionID},
		options.Find().SetSort(bson.D{{Key: "path", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var nodes []workspace.FileNode
	for cur.Next(ctx) {
		var doc nodeDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		nodes = append(nodes, doc.toNode())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return workspace.BuildTree(nodes), nil
}

// DeleteBySession implements workspace.Store.
func (s *Store) DeleteBySession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.DeleteMany(ctx, bson.M{"session_id": sessionID})
	return err
}

// pathSet returns the set of paths currently stored for the session.
func (s *Store) pathSet(ctx context.Context, sessionID string) (map[string]struct{}, error) {
	cur, err := s.coll.Find(ctx, bson.M{"session_id": sessionID},
		options.Find().SetProjection(bson.M{"path": 1}))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	paths := make(map[string]struct{})
	for cur.Next(ctx) {
		var doc struct {
			Path string `bson:"path"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		paths[doc.Path] = struct{}{}
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return paths, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func fromNode(sessionID string, node workspace.FileNode, now time.Time) nodeDocument {
	return nodeDocument{
		NodeID:     node.ID,
		SessionID:  sessionID,
		Path:       node.Path,
		Name:       node.Name,
		Type:       string(node.Type),
		Content:    node.Content,
		StorageRef: node.StorageRef,
		Size:       node.Size,
		Metadata:   node.Metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (doc nodeDocument) toNode() workspace.FileNode {
	return workspace.FileNode{
		ID:         doc.NodeID,
		SessionID:  doc.SessionID,
		Path:       doc.Path,
		Name:       doc.Name,
		Type:       workspace.NodeType(doc.Type),
		Content:    doc.Content,
		StorageRef: doc.StorageRef,
		Size:       doc.Size,
		Metadata:   doc.Metadata,
		CreatedAt:  doc.CreatedAt.UTC(),
		UpdatedAt:  doc.UpdatedAt.UTC(),
	}
}

func ensureIndexes(ctx context.Context, coll *mongodriver.Collection) error {
	pathIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "session_id", Value: 1},
			{Key: "path", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(ctx, pathIndex); err != nil {
		return err
	}
	idIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "node_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	_, err := coll.Indexes().CreateOne(ctx, idIndex)
	return err
}
