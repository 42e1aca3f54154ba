package outbox

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fechatter/realtime-core/internal/contract"
	"github.com/fechatter/realtime-core/internal/eventbus"
	"github.com/fechatter/realtime-core/internal/storage/postgres"
)

// getTestDB connects to TEST_DATABASE_URL and resets the schema, skipping
// the test entirely when the env var is unset.
func getTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	pool, err := postgres.Open(ctx, dbURL)
	require.NoError(t, err, "connect to test database")
	require.NoError(t, postgres.Migrate(ctx, pool))

	_, err = pool.Exec(ctx, `
		DELETE FROM idempotency_record;
		DELETE FROM outbox;
		DELETE FROM message;
		DELETE FROM chat_sequence;
		DELETE FROM chat_member;
		DELETE FROM chat;
		DELETE FROM app_user;
		DELETE FROM workspace;
	`)
	require.NoError(t, err, "clean test database")

	return pool
}

func seedMessage(t *testing.T, pool *pgxpool.Pool) (*postgres.MessageRepo, *postgres.MemberRepo, contract.ChatId, contract.Message) {
	t.Helper()
	ctx := context.Background()

	var wsID contract.WorkspaceId
	require.NoError(t, pool.QueryRow(ctx,
		`INSERT INTO workspace (name) VALUES ('acme') RETURNING id`).Scan(&wsID))

	var uid contract.UserId
	require.NoError(t, pool.QueryRow(ctx,
		`INSERT INTO app_user (workspace_id, email, fullname) VALUES ($1, 'a@acme.test', 'Alice') RETURNING id`,
		wsID).Scan(&uid))

	var chatID contract.ChatId
	require.NoError(t, pool.QueryRow(ctx,
		`INSERT INTO chat (workspace_id, type, name, creator_id) VALUES ($1, 'Group', 'general', $2) RETURNING id`,
		wsID, uid).Scan(&chatID))

	_, err := pool.Exec(ctx,
		`INSERT INTO chat_member (chat_id, user_id, role) VALUES ($1, $2, 'Owner')`, chatID, uid)
	require.NoError(t, err)

	messages := postgres.NewMessageRepo(pool)
	members := postgres.NewMemberRepo(pool)

	msg, isNew, err := messages.InsertMessage(ctx, chatID, uid, "hello", nil, "")
	require.NoError(t, err)
	require.True(t, isNew)

	return messages, members, chatID, msg
}

// recordingBus is an in-memory eventbus.Bus fake: Publish appends every
// event it's given and optionally fails the first N calls, simulating a
// bus outage the dispatcher must retry through.
type recordingBus struct {
	mu        sync.Mutex
	published []contract.LifecycleEvent
	failUntil int
	failClass contract.PublishErrorClass
	callCount int
}

func (b *recordingBus) Publish(ctx context.Context, subject string, event contract.LifecycleEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callCount++
	if b.callCount <= b.failUntil {
		return &contract.PublishError{Class: b.failClass, Err: assert.AnError}
	}
	b.published = append(b.published, event)
	return nil
}

func (b *recordingBus) Subscribe(ctx context.Context, subject, consumerName string, handler eventbus.Handler) (eventbus.Subscription, error) {
	return nil, nil
}

func (b *recordingBus) Close() error { return nil }

func (b *recordingBus) publishedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

func TestDispatcher_DrainOnce_PublishesAndMarksOutboxRow_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pool := getTestDB(t)
	defer pool.Close()

	messages, members, _, msg := seedMessage(t, pool)
	outboxRepo := postgres.NewOutboxRepo(pool)
	bus := &recordingBus{}
	d := NewDispatcher(outboxRepo, messages, members, bus)

	require.NoError(t, d.drainOnce(context.Background()))

	assert.Equal(t, 1, bus.publishedCount())

	var published bool
	require.NoError(t, pool.QueryRow(context.Background(),
		`SELECT published FROM outbox WHERE message_id = $1`, msg.ID).Scan(&published))
	assert.True(t, published, "drainOnce must flip the outbox row to published once the bus acks it")
}

func TestDispatcher_DrainOnce_RetriesTransientPublishFailure_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pool := getTestDB(t)
	defer pool.Close()

	messages, members, _, msg := seedMessage(t, pool)
	outboxRepo := postgres.NewOutboxRepo(pool)
	bus := &recordingBus{failUntil: 2, failClass: contract.PublishNetwork}
	d := NewDispatcher(outboxRepo, messages, members, bus)

	require.NoError(t, d.drainOnce(context.Background()))

	assert.Equal(t, 1, bus.publishedCount(), "publishRow's own backoff.Retry absorbs transient Network failures")

	var published bool
	require.NoError(t, pool.QueryRow(context.Background(),
		`SELECT published FROM outbox WHERE message_id = $1`, msg.ID).Scan(&published))
	assert.True(t, published)
}

func TestDispatcher_DrainOnce_LeavesRowUnpublishedOnPermanentFailure_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pool := getTestDB(t)
	defer pool.Close()

	messages, members, _, msg := seedMessage(t, pool)
	outboxRepo := postgres.NewOutboxRepo(pool)
	bus := &recordingBus{failUntil: 1_000_000, failClass: contract.PublishSerialize}
	d := NewDispatcher(outboxRepo, messages, members, bus)

	require.NoError(t, d.drainOnce(context.Background()))

	assert.Equal(t, 0, bus.publishedCount())

	var published bool
	var attempts int
	require.NoError(t, pool.QueryRow(context.Background(),
		`SELECT published, attempts FROM outbox WHERE message_id = $1`, msg.ID).Scan(&published, &attempts))
	assert.False(t, published, "a non-retryable class must leave the row for manual/sweeper attention")
	assert.Equal(t, 1, attempts)
}

func TestSweeper_SweepOnce_RepublishesStaleUnpublishedRows_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pool := getTestDB(t)
	defer pool.Close()

	messages, members, _, msg := seedMessage(t, pool)
	outboxRepo := postgres.NewOutboxRepo(pool)
	bus := &recordingBus{}
	d := NewDispatcher(outboxRepo, messages, members, bus)

	_, err := pool.Exec(context.Background(),
		`UPDATE outbox SET created_at = $1 WHERE message_id = $2`,
		time.Now().Add(-time.Hour), msg.ID)
	require.NoError(t, err)

	sweeper := NewSweeper(d, time.Minute)
	require.NoError(t, sweeper.sweepOnce(context.Background()))

	assert.Equal(t, 1, bus.publishedCount(), "sweeper must republish rows older than staleAfter even without a live dispatcher cycle")
}
