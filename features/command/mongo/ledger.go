// Package mongo provides the MongoDB-backed command ledger.
//
// Lifecycle transitions are enforced with conditional FindOneAndUpdate calls:
// the filter names the required current status, so a write that raced a
// concurrent transition matches nothing instead of clobbering it.
package mongo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/console/command"
)

const (
	defaultCollection = "commands"
	defaultOpTimeout  = 5 * time.Second
	ledgerName        = "command-mongo"
)

type (
	// Options configures the Mongo command ledger.
	Options struct {
		// Client is the connected Mongo client. Required.
		Client *mongodriver.Client
		// Database is the database name. Required.
		Database string
		// Collection overrides the default collection name.
		Collection string
		// Timeout bounds each ledger operation.
		Timeout time.Duration
	}

	// Ledger is the MongoDB implementation of command.Ledger.
	Ledger struct {
		mongo   *mongodriver.Client
		coll    *mongodriver.Collection
		timeout time.Duration
	}

	commandDocument struct {
		CommandID       string         `bson:"command_id"`
		SessionID       string         `bson:"session_id"`
		Text            string         `bson:"text"`
		Input           map[string]any `bson:"input,omitempty"`
		Output          map[string]any `bson:"output,omitempty"`
		Status          string         `bson:"status"`
		ToolsUsed       []string       `bson:"tools_used,omitempty"`
		ExecutionTimeMs int64          `bson:"execution_time_ms"`
		Error           string         `bson:"error,omitempty"`
		SubmittedAt     time.Time      `bson:"submitted_at"`
		StartedAt       *time.Time     `bson:"started_at,omitempty"`
		FinishedAt      *time.Time     `bson:"finished_at,omitempty"`
	}
)

// Compile-time checks.
var (
	_ command.Ledger = (*Ledger)(nil)
	_ health.Pinger  = (*Ledger)(nil)
)

// New returns a command ledger backed by MongoDB.
func New(opts Options) (*Ledger, error) {
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
	return &Ledger{mongo: opts.Client, coll: coll, timeout: timeout}, nil
}

// Name implements health.Pinger.
func (l *Ledger) Name() string { return ledgerName }

// Ping implements health.Pinger.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.mongo.Ping(ctx, readpref.Primary())
}

// RecordSubmission implements command.Ledger.
func (l *Ledger) RecordSubmission(ctx context.Context, sessionID, text string, input map[string]any) (command.Command, error) {
	if sessionID == "" {
		return command.Command{}, errors.New("session id is required")
	}
	if text == "" {
		return command.Command{}, errors.New("command text is required")
	}
	cmd := command.Command{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Text:        text,
		Input:       input,
		Status:      command.StatusPending,
		SubmittedAt: time.Now().UTC(),
	}
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	if _, err := l.coll.InsertOne(ctx, fromCommand(cmd)); err != nil {
		return command.Command{}, err
	}
	return cmd, nil
}

// MarkExecuting implements command.Ledger.
//
// The per-session single-executing guarantee is primarily enforced by the
// dispatcher's execution slot; the status-conditioned update here is the
// backstop that keeps a racing direct caller from corrupting the lifecycle.
func (l *Ledger) MarkExecuting(ctx context.Context, commandID string, at time.Time) (command.Command, error) {
	if commandID == "" {
		return command.Command{}, errors.New("command id is required")
	}
	cur, err := l.Load(ctx, commandID)
	if err != nil {
		return command.Command{}, err
	}
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	busy, err := l.coll.CountDocuments(ctx, bson.M{
		"session_id": cur.SessionID,
		"status":     string(command.StatusExecuting),
	})
	if err != nil {
		return command.Command{}, err
	}
	if busy > 0 {
		return command.Command{}, command.ErrSessionBusy
	}
	started := at.UTC()
	filter := bson.M{"command_id": commandID, "status": string(command.StatusPending)}
	update := bson.M{"$set": bson.M{
		"status":     string(command.StatusExecuting),
		"started_at": started,
	}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc commandDocument
	if err := l.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			// The command exists but is not pending.
			return command.Command{}, command.ErrInvalidTransition
		}
		return command.Command{}, err
	}
	return doc.toCommand(), nil
}

// MarkTerminal implements command.Ledger.
func (l *Ledger) MarkTerminal(ctx context.Context, commandID string, at time.Time, upd command.TerminalUpdate) (command.Command, error) {
	if commandID == "" {
		return command.Command{}, errors.New("command id is required")
	}
	if !upd.Status.Terminal() {
		return command.Command{}, command.ErrInvalidTransition
	}
	if _, err := l.Load(ctx, commandID); err != nil {
		return command.Command{}, err
	}
	finished := at.UTC()
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"command_id": commandID, "status": string(command.StatusExecuting)}
	update := bson.M{"$set": bson.M{
		"status":            string(upd.Status),
		"output":            upd.Output,
		"tools_used":        upd.ToolsUsed,
		"execution_time_ms": upd.ExecutionTimeMs,
		"error":             upd.Error,
		"finished_at":       finished,
	}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc commandDocument
	if err := l.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return command.Command{}, command.ErrInvalidTransition
		}
		return command.Command{}, err
	}
	return doc.toCommand(), nil
}

// CancelPending implements command.Ledger.
func (l *Ledger) CancelPending(ctx context.Context, commandID string, at time.Time, reason string) (command.Command, error) {
	if commandID == "" {
		return command.Command{}, errors.New("command id is required")
	}
	if _, err := l.Load(ctx, commandID); err != nil {
		return command.Command{}, err
	}
	finished := at.UTC()
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"command_id": commandID, "status": string(command.StatusPending)}
	update := bson.M{"$set": bson.M{
		"status":      string(command.StatusFailed),
		"error":       reason,
		"finished_at": finished,
	}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc commandDocument
	if err := l.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return command.Command{}, command.ErrInvalidTransition
		}
		return command.Command{}, err
	}
	return doc.toCommand(), nil
}

// Load implements command.Ledger.
func (l *Ledger) Load(ctx context.Context, commandID string) (command.Command, error) {
	if commandID == "" {
		return command.Command{}, errors.New("command id is required")
	}
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	var doc commandDocument
	if err := l.coll.FindOne(ctx, bson.M{"command_id": commandID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return command.Command{}, command.ErrNotFound
		}
		return command.Command{}, err
	}
	return doc.toCommand(), nil
}

// History implements command.Ledger.
func (l *Ledger) History(ctx context.Context, sessionID string, limit, offset int) ([]command.Command, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	sort := bson.D{{Key: "submitted_at", Value: -1}, {Key: "command_id", Value: 1}}
	opts := options.Find().SetSort(sort)
	if offset > 0 {
		opts = opts.SetSkip(int64(offset))
	}
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cur, err := l.coll.Find(ctx, bson.M{"session_id": sessionID}, opts)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	out := make([]command.Command, 0)
	for cur.Next(ctx) {
		var doc commandDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toCommand())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteBySession implements command.Ledger.
func (l *Ledger) DeleteBySession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	_, err := l.coll.DeleteMany(ctx, bson.M{"session_id": sessionID})
	return err
}

func (l *Ledger) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, l.timeout)
}

func fromCommand(cmd command.Command) commandDocument {
	return commandDocument{
		CommandID:       cmd.ID,
		SessionID:       cmd.SessionID,
		Text:            cmd.Text,
		Input:           cmd.Input,
		Output:          cmd.Output,
		Status:          string(cmd.Status),
		ToolsUsed:       cmd.ToolsUsed,
		ExecutionTimeMs: cmd.ExecutionTimeMs,
		Error:           cmd.Error,
		SubmittedAt:     cmd.SubmittedAt.UTC(),
		StartedAt:       cmd.StartedAt,
		FinishedAt:      cmd.FinishedAt,
	}
}

func (doc commandDocument) toCommand() command.Command {
	return command.Command{
		ID:              doc.CommandID,
		SessionID:       doc.SessionID,
		Text:            doc.Text,
		Input:           doc.Input,
		Output:          doc.Output,
		Status:          command.Status(doc.Status),
		ToolsUsed:       doc.ToolsUsed,
		ExecutionTimeMs: doc.ExecutionTimeMs,
		Error:           doc.Error,
		SubmittedAt:     doc.SubmittedAt.UTC(),
		StartedAt:       doc.StartedAt,
		FinishedAt:      doc.FinishedAt,
	}
}

func ensureIndexes(ctx context.Context, coll *mongodriver.Collection) error {
	idIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "command_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(ctx, idIndex); err != nil {
		return err
	}
	historyIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "session_id", Value: 1},
			{Key: "submitted_at", Value: -1},
		},
	}
	if _, err := coll.Indexes().CreateOne(ctx, historyIndex); err != nil {
		return err
	}
	statusIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "session_id", Value: 1},
			{Key: "status", Value: 1},
		},
	}
	_, err := coll.Indexes().CreateOne(ctx, statusIndex)
	return err
}
