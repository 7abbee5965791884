package history

const schema = `
CREATE TABLE IF NOT EXISTS chats (
    id          TEXT PRIMARY KEY,
    url_id      TEXT UNIQUE,
    description TEXT NOT NULL DEFAULT '',
    messages    TEXT NOT NULL DEFAULT '[]',
    metadata    TEXT,
    updated_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshots (
    chat_id    TEXT PRIMARY KEY REFERENCES chats(id) ON DELETE CASCADE,
    chat_index TEXT NOT NULL DEFAULT '',
    files      TEXT NOT NULL DEFAULT '{}',
    summary    TEXT NOT NULL DEFAULT '',
    updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chats_updated_at ON chats(updated_at);
`
