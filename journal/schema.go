package journal

// Money columns hold decimal strings so P&L round-trips exactly.
const Schema = `
CREATE TABLE IF NOT EXISTS alerts (
	message_id TEXT PRIMARY KEY,
	symbol TEXT NOT NULL,
	direction TEXT NOT NULL,
	entry_price REAL NOT NULL,
	stop_price REAL NOT NULL,
	size_class TEXT NOT NULL,
	raw_text TEXT NOT NULL,
	received_at DATETIME NOT NULL,
	status TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS positions (
	id TEXT PRIMARY KEY,
	message_id TEXT NOT NULL,
	path TEXT NOT NULL,
	symbol TEXT NOT NULL,
	direction TEXT NOT NULL,
	quantity INTEGER NOT NULL,
	remaining INTEGER NOT NULL,
	entry_price REAL NOT NULL,
	stop_price REAL NOT NULL,
	target1 REAL NOT NULL,
	target2 REAL NOT NULL,
	state TEXT NOT NULL,
	realized_pnl TEXT NOT NULL,
	commission TEXT NOT NULL,
	opened_at DATETIME NOT NULL,
	closed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_positions_closed_at ON positions(closed_at);

CREATE TABLE IF NOT EXISTS exits (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	position_id TEXT NOT NULL,
	order_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	quantity INTEGER NOT NULL,
	price REAL NOT NULL,
	pnl TEXT NOT NULL,
	time DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_exits_position ON exits(position_id);

CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	time DATETIME NOT NULL,
	level TEXT NOT NULL,
	kind TEXT NOT NULL,
	code TEXT NOT NULL,
	message TEXT NOT NULL,
	position_id TEXT NOT NULL DEFAULT '',
	message_id TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_events_time ON events(time);
`
