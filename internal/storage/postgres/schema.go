package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaDDL is the self-contained bootstrap schema for the realtime core.
// No migration framework (no golang-migrate, no ent) sits in front of it;
// it execs plain SQL strings from Go the same way the rest of this
// service's storage layer does.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS workspace (
	id       BIGSERIAL PRIMARY KEY,
	name     TEXT NOT NULL,
	owner_id BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS app_user (
	id            BIGSERIAL PRIMARY KEY,
	workspace_id  BIGINT NOT NULL REFERENCES workspace(id),
	email         TEXT NOT NULL,
	fullname      TEXT NOT NULL,
	password_hash TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'Active',
	UNIQUE (workspace_id, email)
);

CREATE TABLE IF NOT EXISTS chat (
	id           BIGSERIAL PRIMARY KEY,
	workspace_id BIGINT NOT NULL REFERENCES workspace(id),
	type         TEXT NOT NULL,
	name         TEXT NOT NULL DEFAULT '',
	creator_id   BIGINT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS chat_member (
	chat_id   BIGINT NOT NULL REFERENCES chat(id),
	user_id   BIGINT NOT NULL REFERENCES app_user(id),
	role      TEXT NOT NULL DEFAULT 'Member',
	joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (chat_id, user_id)
);

-- chat_sequence is the per-chat monotonic counter. Assignment is an
-- INSERT ... ON CONFLICT DO UPDATE ... RETURNING upsert on the matching
-- row inside the insert transaction; its row lock also serializes
-- concurrent sends to the same chat.
CREATE TABLE IF NOT EXISTS chat_sequence (
	chat_id BIGINT PRIMARY KEY REFERENCES chat(id),
	next_seq BIGINT NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS message (
	id              BIGSERIAL PRIMARY KEY,
	chat_id         BIGINT NOT NULL REFERENCES chat(id),
	sender_id       BIGINT NOT NULL REFERENCES app_user(id),
	content         TEXT NOT NULL DEFAULT '',
	files           JSONB NOT NULL DEFAULT '[]',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	sequence_number BIGINT NOT NULL,
	idempotency_key TEXT,
	UNIQUE (chat_id, sequence_number)
);

CREATE INDEX IF NOT EXISTS message_chat_seq_idx ON message (chat_id, sequence_number DESC);

CREATE TABLE IF NOT EXISTS idempotency_record (
	chat_id    BIGINT NOT NULL,
	sender_id  BIGINT NOT NULL,
	key        TEXT NOT NULL,
	message_id BIGINT NOT NULL REFERENCES message(id),
	expires_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (chat_id, sender_id, key)
);

-- outbox rows are written in the same transaction as the message insert
-- and flipped to published by the
-- background dispatcher once the bus publish is ack'd.
CREATE TABLE IF NOT EXISTS outbox (
	message_id  BIGINT PRIMARY KEY REFERENCES message(id),
	chat_id     BIGINT NOT NULL,
	published   BOOLEAN NOT NULL DEFAULT FALSE,
	attempts    INT NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	published_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS outbox_unpublished_idx ON outbox (chat_id) WHERE NOT published;
`

// Migrate applies the bootstrap schema. Idempotent: safe to call once
// per process on every service startup, with no separate migration step.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schemaDDL)
	return err
}
