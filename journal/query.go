package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("journal: not found")

// DecisionQuery filters ListDecisions. Zero fields do not filter.
type DecisionQuery struct {
	Since       time.Time
	Until       time.Time
	Asset       string
	BlockedOnly bool
	Limit       int
}

const decisionColumns = `id, time, asset, side, notional, live, allowed, reason, risk_score, dry_run, details`

// GetDecision returns a single decision by ID.
func (j *SQLite) GetDecision(id string) (DecisionRecord, error) {
	row := j.db.QueryRow(`SELECT `+decisionColumns+` FROM decisions WHERE id = ?`, id)
	rec, err := scanDecision(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DecisionRecord{}, fmt.Errorf("decision %q: %w", id, ErrNotFound)
		}
		return DecisionRecord{}, err
	}
	return rec, nil
}

// ListDecisions returns decisions matching q, oldest first.
func (j *SQLite) ListDecisions(q DecisionQuery) ([]DecisionRecord, error) {
	var (
		where []string
		args  []any
	)
	if !q.Since.IsZero() {
		where = append(where, "time >= ?")
		args = append(args, q.Since.UTC())
	}
	if !q.Until.IsZero() {
		where = append(where, "time < ?")
		args = append(args, q.Until.UTC())
	}
	if q.Asset != "" {
		where = append(where, "asset = ?")
		args = append(args, q.Asset)
	}
	if q.BlockedOnly {
		where = append(where, "allowed = 0")
	}

	stmt := `SELECT ` + decisionColumns + ` FROM decisions`
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	stmt += " ORDER BY time ASC, id ASC"
	if q.Limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := j.db.Query(stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DecisionRecord
	for rows.Next() {
		rec, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// BlockCounts returns the number of blocked decisions per reason within
// [start, end).
func (j *SQLite) BlockCounts(start, end time.Time) (map[string]int, error) {
	rows, err := j.db.Query(`
		SELECT reason, COUNT(*)
		FROM decisions
		WHERE allowed = 0 AND time >= ? AND time < ?
		GROUP BY reason`, start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var (
			reason string
			n      int
		)
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, err
		}
		out[reason] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ListFillsBetween returns fills whose time is within [start, end).
func (j *SQLite) ListFillsBetween(start, end time.Time) ([]FillRecord, error) {
	rows, err := j.db.Query(`
		SELECT id, decision_id, symbol, side, quantity, price, time, closed, opened, realized_pnl
		FROM fills
		WHERE time >= ? AND time < ?
		ORDER BY time ASC, id ASC`, start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FillRecord
	for rows.Next() {
		var rec FillRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.DecisionID,
			&rec.Symbol,
			&rec.Side,
			&rec.Quantity,
			&rec.Price,
			&rec.Time,
			&rec.Closed,
			&rec.Opened,
			&rec.RealizedPnl,
		); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDecision(s scanner) (DecisionRecord, error) {
	var rec DecisionRecord
	err := s.Scan(
		&rec.ID,
		&rec.Time,
		&rec.Asset,
		&rec.Side,
		&rec.Notional,
		&rec.Live,
		&rec.Allowed,
		&rec.Reason,
		&rec.RiskScore,
		&rec.DryRun,
		&rec.Details,
	)
	return rec, err
}
