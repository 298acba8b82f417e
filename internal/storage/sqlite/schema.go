package sqlite

const schema = `
-- Recipients table. The engine reads it; the CRUD surface writes it.
CREATE TABLE IF NOT EXISTS recipients (
    id TEXT PRIMARY KEY,
    first_name TEXT NOT NULL,
    last_name TEXT NOT NULL,
    email TEXT NOT NULL,
    birth_date TEXT NOT NULL,            -- YYYY-MM-DD, date only
    timezone TEXT NOT NULL,              -- IANA identifier
    deleted_at DATETIME,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Soft-deleted recipients release their email for reuse.
CREATE UNIQUE INDEX IF NOT EXISTS idx_recipients_email
    ON recipients(email) WHERE deleted_at IS NULL;

-- Scheduled sends: one row per (recipient, message type, local date)
-- occurrence. The idempotency key is the unit of duplicate suppression.
CREATE TABLE IF NOT EXISTS scheduled_sends (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    recipient_id TEXT NOT NULL REFERENCES recipients(id),
    message_type TEXT NOT NULL DEFAULT 'birthday',
    scheduled_date TEXT NOT NULL,        -- local calendar date, YYYY-MM-DD
    scheduled_for DATETIME NOT NULL,     -- UTC projection of the local send time
    idempotency_key TEXT NOT NULL UNIQUE,
    status TEXT NOT NULL DEFAULT 'UNPROCESSED'
        CHECK(status IN ('UNPROCESSED','PENDING','PROCESSING','SENT','FAILED','RETRYING')),
    attempt_count INTEGER NOT NULL DEFAULT 0 CHECK(attempt_count >= 0),
    last_attempt_at DATETIME,
    sent_at DATETIME,
    error_message TEXT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    CHECK (status <> 'SENT' OR sent_at IS NOT NULL)
);

CREATE INDEX IF NOT EXISTS idx_sends_status_for
    ON scheduled_sends(status, scheduled_for);
CREATE INDEX IF NOT EXISTS idx_sends_recipient
    ON scheduled_sends(recipient_id, scheduled_date, message_type);
-- Partial index over non-terminal rows keeps sweeps fast as history grows.
CREATE INDEX IF NOT EXISTS idx_sends_live
    ON scheduled_sends(status, scheduled_for)
    WHERE status NOT IN ('SENT','FAILED');
`
