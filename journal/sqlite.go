package journal

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

type SQLite struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLite{db: db}, nil
}

func (j *SQLite) RecordDecision(d DecisionRecord) error {
	_, err := j.db.Exec(`
		INSERT INTO decisions
		(id, time, asset, side, notional, live, allowed, reason, risk_score, dry_run, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Time.UTC(), d.Asset, d.Side, d.Notional, d.Live,
		d.Allowed, d.Reason, d.RiskScore, d.DryRun, d.Details,
	)
	return err
}

func (j *SQLite) RecordFill(f FillRecord) error {
	_, err := j.db.Exec(`
		INSERT INTO fills
		(id, decision_id, symbol, side, quantity, price, time, closed, opened, realized_pnl)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.DecisionID, f.Symbol, f.Side, f.Quantity, f.Price,
		f.Time.UTC(), f.Closed, f.Opened, f.RealizedPnl,
	)
	return err
}

func (j *SQLite) Close() error {
	return j.db.Close()
}
