package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlConversationMessages = `
CREATE TABLE IF NOT EXISTS conversation_messages (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    role        TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversation_messages_session
    ON conversation_messages (session_id, id);
`

// Migrate creates the conversation_messages table if it does not exist. It
// is idempotent and safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlConversationMessages); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
