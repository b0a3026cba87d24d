package journal

const Schema = `
CREATE TABLE IF NOT EXISTS decisions (
	id TEXT PRIMARY KEY,
	time DATETIME NOT NULL,
	asset TEXT NOT NULL,
	side TEXT NOT NULL,
	notional REAL NOT NULL,
	live INTEGER NOT NULL,
	allowed INTEGER NOT NULL,
	reason TEXT NOT NULL,
	risk_score REAL NOT NULL,
	dry_run INTEGER NOT NULL,
	details TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS fills (
	id TEXT PRIMARY KEY,
	decision_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	quantity REAL NOT NULL,
	price REAL NOT NULL,
	time DATETIME NOT NULL,
	closed REAL NOT NULL,
	opened REAL NOT NULL,
	realized_pnl REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decisions_time ON decisions(time);
CREATE INDEX IF NOT EXISTS idx_fills_time ON fills(time);
`
