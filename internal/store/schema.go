package store

const Schema = `
CREATE TABLE IF NOT EXISTS downloads (
	track_id TEXT PRIMARY KEY,
	item_id TEXT NOT NULL,
	file_path TEXT NOT NULL,
	file_hash TEXT,
	quality TEXT,
	size_bytes INTEGER DEFAULT 0,
	completed_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_downloads_item_id ON downloads(item_id);

CREATE TABLE IF NOT EXISTS cache (
	key TEXT PRIMARY KEY,
	data BLOB,
	expires_at DATETIME
);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`
