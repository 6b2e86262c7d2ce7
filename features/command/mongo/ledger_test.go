package mongo

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"goa.design/console/command"
)

var (
	testMongoClient    *mongodriver.Client
	testMongoContainer testcontainers.Container
	skipMongoTests     bool
)

func setupMongoDB() {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		}
		testMongoContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, MongoDB tests will be skipped: %v\n", containerErr)
		skipMongoTests = true
		return
	}

	host, err := testMongoContainer.Host(ctx)
	if err != nil {
		fmt.Printf("Failed to get container host: %v\n", err)
		skipMongoTests = true
		return
	}

	port, err := testMongoContainer.MappedPort(ctx, "27017")
	if err != nil {
		fmt.Printf("Failed to get container port: %v\n", err)
		skipMongoTests = true
		return
	}

	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	testMongoClient, err = mongodriver.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		fmt.Printf("Failed to connect to MongoDB: %v\n", err)
		skipMongoTests = true
		return
	}

	if err := testMongoClient.Ping(ctx, nil); err != nil {
		fmt.Printf("Failed to ping MongoDB: %v\n", err)
		skipMongoTests = true
	}
}

func getLedger(t *testing.T) *Ledger {
	t.Helper()
	if testMongoClient == nil && !skipMongoTests {
		setupMongoDB()
	}
	if skipMongoTests {
		t.Skip("Docker not available, skipping MongoDB test")
	}
	coll := testMongoClient.Database("console_test").Collection(t.Name())
	require.NoError(t, coll.Drop(context.Background()))
	led, err := New(Options{Client: testMongoClient, Database: "console_test", Collection: t.Name()})
	require.NoError(t, err)
	return led
}

func TestRecordSubmission(t *testing.T) {
	led := getLedger(t)
	ctx := context.Background()

	cmd, err := led.RecordSubmission(ctx, "sess-1", "list files", map[string]any{"depth": "2"})
	require.NoError(t, err)
	require.NotEmpty(t, cmd.ID)
	require.Equal(t, command.StatusPending, cmd.Status)

	got, err := led.Load(ctx, cmd.ID)
	require.NoError(t, err)
	require.Equal(t, "list files", got.Text)
	require.Equal(t, map[string]any{"depth": "2"}, got.Input)
	require.Equal(t, command.StatusPending, got.Status)
	require.Nil(t, got.StartedAt)
	require.Nil(t, got.FinishedAt)
}

func TestLoadMissing(t *testing.T) {
	led := getLedger(t)
	_, err := led.Load(context.Background(), "nope")
	require.ErrorIs(t, err, command.ErrNotFound)
}

func TestLifecycleTransitions(t *testing.T) {
	led := getLedger(t)
	ctx := context.Background()

	cmd, err := led.RecordSubmission(ctx, "sess-1", "run", nil)
	require.NoError(t, err)

	started := time.Now().UTC().Truncate(time.Millisecond)
	executing, err := led.MarkExecuting(ctx, cmd.ID, started)
	require.NoError(t, err)
	require.Equal(t, command.StatusExecuting, executing.Status)
	require.NotNil(t, executing.StartedAt)
	require.Equal(t, started, executing.StartedAt.UTC())

	finished := started.Add(time.Second)
	done, err := led.MarkTerminal(ctx, cmd.ID, finished, command.TerminalUpdate{
		Status:          command.StatusCompleted,
		Output:          map[string]any{"text": "ok"},
		ToolsUsed:       []string{"declare_file_mutations"},
		ExecutionTimeMs: 1000,
	})
	require.NoError(t, err)
	require.Equal(t, command.StatusCompleted, done.Status)
	require.Equal(t, map[string]any{"text": "ok"}, done.Output)
	require.Equal(t, []string{"declare_file_mutations"}, done.ToolsUsed)
	require.Equal(t, int64(1000), done.ExecutionTimeMs)
	require.NotNil(t, done.FinishedAt)
	require.Equal(t, finished, done.FinishedAt.UTC())
}

func TestMarkExecutingRequiresPending(t *testing.T) {
	led := getLedger(t)
	ctx := context.Background()

	cmd, err := led.RecordSubmission(ctx, "sess-1", "run", nil)
	require.NoError(t, err)
	_, err = led.MarkExecuting(ctx, cmd.ID, time.Now())
	require.NoError(t, err)

	// Already executing, a second transition is rejected.
	_, err = led.MarkExecuting(ctx, cmd.ID, time.Now())
	require.ErrorIs(t, err, command.ErrSessionBusy)
}

func TestMarkExecutingBusySession(t *testing.T) {
	led := getLedger(t)
	ctx := context.Background()

	first, err := led.RecordSubmission(ctx, "sess-1", "one", nil)
	require.NoError(t, err)
	second, err := led.RecordSubmission(ctx, "sess-1", "two", nil)
	require.NoError(t, err)
	other, err := led.RecordSubmission(ctx, "sess-2", "three", nil)
	require.NoError(t, err)

	_, err = led.MarkExecuting(ctx, first.ID, time.Now())
	require.NoError(t, err)
	_, err = led.MarkExecuting(ctx, second.ID, time.Now())
	require.ErrorIs(t, err, command.ErrSessionBusy)

	// A different session is unaffected.
	_, err = led.MarkExecuting(ctx, other.ID, time.Now())
	require.NoError(t, err)
}

func TestMarkTerminalRequiresExecuting(t *testing.T) {
	led := getLedger(t)
	ctx := context.Background()

	cmd, err := led.RecordSubmission(ctx, "sess-1", "run", nil)
	require.NoError(t, err)

	upd := command.TerminalUpdate{Status: command.StatusCompleted}
	_, err = led.MarkTerminal(ctx, cmd.ID, time.Now(), upd)
	require.ErrorIs(t, err, command.ErrInvalidTransition)

	_, err = led.MarkExecuting(ctx, cmd.ID, time.Now())
	require.NoError(t, err)
	_, err = led.MarkTerminal(ctx, cmd.ID, time.Now(), upd)
	require.NoError(t, err)

	// Terminal is final.
	_, err = led.MarkTerminal(ctx, cmd.ID, time.Now(), upd)
	require.ErrorIs(t, err, command.ErrInvalidTransition)
}

func TestCancelPendingRequiresPending(t *testing.T) {
	led := getLedger(t)
	ctx := context.Background()

	cmd, err := led.RecordSubmission(ctx, "sess-1", "run", nil)
	require.NoError(t, err)

	at := time.Now().UTC().Truncate(time.Millisecond)
	failed, err := led.CancelPending(ctx, cmd.ID, at, "submission cancelled")
	require.NoError(t, err)
	require.Equal(t, command.StatusFailed, failed.Status)
	require.Equal(t, "submission cancelled", failed.Error)
	require.Nil(t, failed.StartedAt)
	require.Equal(t, at, failed.FinishedAt.UTC())

	// Only pending commands can be cancelled.
	_, err = led.CancelPending(ctx, cmd.ID, time.Now(), "again")
	require.ErrorIs(t, err, command.ErrInvalidTransition)

	executing, err := led.RecordSubmission(ctx, "sess-1", "run", nil)
	require.NoError(t, err)
	_, err = led.MarkExecuting(ctx, executing.ID, time.Now())
	require.NoError(t, err)
	_, err = led.CancelPending(ctx, executing.ID, time.Now(), "too late")
	require.ErrorIs(t, err, command.ErrInvalidTransition)
}

func TestMarkTerminalRejectsNonTerminalStatus(t *testing.T) {
	led := getLedger(t)
	ctx := context.Background()

	cmd, err := led.RecordSubmission(ctx, "sess-1", "run", nil)
	require.NoError(t, err)
	_, err = led.MarkTerminal(ctx, cmd.ID, time.Now(), command.TerminalUpdate{Status: command.StatusPending})
	require.ErrorIs(t, err, command.ErrInvalidTransition)
}

func TestHistoryNewestFirst(t *testing.T) {
	led := getLedger(t)
	ctx := context.Background()

	texts := []string{"first", "second", "third"}
	for _, text := range texts {
		_, err := led.RecordSubmission(ctx, "sess-1", text, nil)
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}
	_, err := led.RecordSubmission(ctx, "sess-2", "elsewhere", nil)
	require.NoError(t, err)

	history, err := led.History(ctx, "sess-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, "third", history[0].Text)
	require.Equal(t, "second", history[1].Text)
	require.Equal(t, "first", history[2].Text)

	page, err := led.History(ctx, "sess-1", 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "second", page[0].Text)
}

func TestDeleteBySession(t *testing.T) {
	led := getLedger(t)
	ctx := context.Background()

	_, err := led.RecordSubmission(ctx, "sess-1", "one", nil)
	require.NoError(t, err)
	_, err = led.RecordSubmission(ctx, "sess-1", "two", nil)
	require.NoError(t, err)
	kept, err := led.RecordSubmission(ctx, "sess-2", "keep", nil)
	require.NoError(t, err)

	require.NoError(t, led.DeleteBySession(ctx, "sess-1"))

	history, err := led.History(ctx, "sess-1", 0, 0)
	require.NoError(t, err)
	require.Empty(t, history)

	_, err = led.Load(ctx, kept.ID)
	require.NoError(t, err)
}
