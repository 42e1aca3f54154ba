package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fechatter/realtime-core/internal/auth"
	"github.com/fechatter/realtime-core/internal/contract"
	"github.com/fechatter/realtime-core/internal/ratelimit"
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

// newTestServer wires a Server over pool with the permissive dev-mode JWT
// config and its X-Debug-Sub header override.
func newTestServer(pool *pgxpool.Pool) (*Server, http.Handler) {
	srv := &Server{
		Messages: postgres.NewMessageRepo(pool),
		Chats:    postgres.NewChatRepo(pool),
		Members:  postgres.NewMemberRepo(pool),
		Limiter:  ratelimit.NewPerChatLimiter(30, 10*time.Second),
		JWTCfg:   auth.JWTCfg{HS256Secret: "test-secret", DevMode: true},
	}
	return srv, srv.Routes()
}

func seedChat(t *testing.T, pool *pgxpool.Pool) (contract.WorkspaceId, contract.ChatId, contract.UserId, contract.UserId) {
	t.Helper()
	ctx := context.Background()

	var wsID contract.WorkspaceId
	require.NoError(t, pool.QueryRow(ctx,
		`INSERT INTO workspace (name) VALUES ('acme') RETURNING id`).Scan(&wsID))

	var u1, u2 contract.UserId
	require.NoError(t, pool.QueryRow(ctx,
		`INSERT INTO app_user (workspace_id, email, fullname) VALUES ($1, 'a@acme.test', 'Alice') RETURNING id`,
		wsID).Scan(&u1))
	require.NoError(t, pool.QueryRow(ctx,
		`INSERT INTO app_user (workspace_id, email, fullname) VALUES ($1, 'b@acme.test', 'Bob') RETURNING id`,
		wsID).Scan(&u2))

	var chatID contract.ChatId
	require.NoError(t, pool.QueryRow(ctx,
		`INSERT INTO chat (workspace_id, type, name, creator_id) VALUES ($1, 'Group', 'general', $2) RETURNING id`,
		wsID, u1).Scan(&chatID))

	_, err := pool.Exec(ctx,
		`INSERT INTO chat_member (chat_id, user_id, role) VALUES ($1, $2, 'Owner'), ($1, $3, 'Member')`,
		chatID, u1, u2)
	require.NoError(t, err)

	return wsID, chatID, u1, u2
}

func debugHeaders(r *http.Request, userID contract.UserId, workspaceID contract.WorkspaceId) {
	r.Header.Set("X-Debug-Sub", userID.String())
	r.Header.Set("X-Debug-Workspace", workspaceID.String())
}

func TestSendMessage_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pool := getTestDB(t)
	defer pool.Close()

	_, router := newTestServer(pool)
	wsID, chatID, u1, _ := seedChat(t, pool)

	body, _ := json.Marshal(sendMessageReq{Content: "hello there"})
	req := httptest.NewRequest(http.MethodPost, "/chat/"+chatID.String()+"/messages", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	debugHeaders(req, u1, wsID)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var env contract.Envelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	assert.True(t, env.Success)
}

func TestSendMessage_RejectsNonMember_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pool := getTestDB(t)
	defer pool.Close()

	_, router := newTestServer(pool)
	wsID, chatID, _, _ := seedChat(t, pool)

	outsider := contract.UserId(999999)
	body, _ := json.Marshal(sendMessageReq{Content: "not a member"})
	req := httptest.NewRequest(http.MethodPost, "/chat/"+chatID.String()+"/messages", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	debugHeaders(req, outsider, wsID)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSendMessage_IdempotentReplayReturnsSameMessage_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pool := getTestDB(t)
	defer pool.Close()

	_, router := newTestServer(pool)
	wsID, chatID, u1, _ := seedChat(t, pool)

	body, _ := json.Marshal(sendMessageReq{Content: "hello", IdempotencyKey: "key-1"})

	req1 := httptest.NewRequest(http.MethodPost, "/chat/"+chatID.String()+"/messages", bytes.NewReader(body))
	req1.Header.Set("Content-Type", "application/json")
	debugHeaders(req1, u1, wsID)
	rec1 := httptest.NewRecorder()
	router.ServeHTTP(rec1, req1)
	require.Equal(t, http.StatusCreated, rec1.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/chat/"+chatID.String()+"/messages", bytes.NewReader(body))
	req2.Header.Set("Content-Type", "application/json")
	debugHeaders(req2, u1, wsID)
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusCreated, rec2.Code)

	var second struct {
		Success bool `json:"success"`
		Data    struct {
			ID             contract.MessageId `json:"id"`
			SequenceNumber int64              `json:"sequence_number"`
			IsReplay       bool               `json:"is_replay"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec2.Body).Decode(&second))
	assert.True(t, second.Data.IsReplay)
}

func TestListMessages_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pool := getTestDB(t)
	defer pool.Close()

	_, router := newTestServer(pool)
	wsID, chatID, u1, _ := seedChat(t, pool)

	for _, content := range []string{"first", "second", "third"} {
		body, _ := json.Marshal(sendMessageReq{Content: content})
		req := httptest.NewRequest(http.MethodPost, "/chat/"+chatID.String()+"/messages", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		debugHeaders(req, u1, wsID)
		router.ServeHTTP(httptest.NewRecorder(), req)
	}

	req := httptest.NewRequest(http.MethodGet, "/chat/"+chatID.String()+"/messages?limit=10", nil)
	debugHeaders(req, u1, wsID)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Success bool               `json:"success"`
		Data    []contract.Message `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Data, 3)
	assert.True(t, resp.Data[0].SequenceNumber < resp.Data[1].SequenceNumber)
}

func TestListMembers_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pool := getTestDB(t)
	defer pool.Close()

	_, router := newTestServer(pool)
	wsID, chatID, u1, _ := seedChat(t, pool)

	req := httptest.NewRequest(http.MethodGet, "/chat/"+chatID.String()+"/members", nil)
	debugHeaders(req, u1, wsID)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Success bool                `json:"success"`
		Data    []contract.Member   `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Len(t, resp.Data, 2)
}

func TestListWorkspaceChats_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pool := getTestDB(t)
	defer pool.Close()

	_, router := newTestServer(pool)
	wsID, _, u1, _ := seedChat(t, pool)

	req := httptest.NewRequest(http.MethodGet, "/workspace/chats", nil)
	debugHeaders(req, u1, wsID)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Success bool             `json:"success"`
		Data    []contract.Chat  `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Len(t, resp.Data, 1)
}
