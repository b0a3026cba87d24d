package journal

import (
	"encoding/csv"
	"os"
	"strconv"
	"sync"
	"time"
)

var (
	decisionHeader = []string{"id", "time", "asset", "side", "notional", "live", "allowed", "reason", "risk_score", "dry_run", "details"}
	fillHeader     = []string{"id", "decision_id", "symbol", "side", "quantity", "price", "time", "closed", "opened", "realized_pnl"}
)

// CSV appends decisions and fills to two files. A header row is written
// only when a file is new or empty, so restarts extend the existing trail.
type CSV struct {
	mu        sync.Mutex
	decisions *csv.Writer
	fills     *csv.Writer
	df, ff    *os.File
}

func NewCSV(decisionsPath, fillsPath string) (*CSV, error) {
	df, err := openAppend(decisionsPath, decisionHeader)
	if err != nil {
		return nil, err
	}
	ff, err := openAppend(fillsPath, fillHeader)
	if err != nil {
		_ = df.Close()
		return nil, err
	}

	return &CSV{
		decisions: csv.NewWriter(df),
		fills:     csv.NewWriter(ff),
		df:        df,
		ff:        ff,
	}, nil
}

func openAppend(path string, header []string) (*os.File, error) {
	fh, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	st, err := fh.Stat()
	if err != nil {
		_ = fh.Close()
		return nil, err
	}
	if st.Size() == 0 {
		if err := writeRow(csv.NewWriter(fh), header); err != nil {
			_ = fh.Close()
			return nil, err
		}
	}
	return fh, nil
}

func (j *CSV) RecordDecision(d DecisionRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return writeRow(j.decisions, []string{
		d.ID,
		d.Time.UTC().Format(time.RFC3339Nano),
		d.Asset,
		d.Side,
		f(d.Notional),
		strconv.FormatBool(d.Live),
		strconv.FormatBool(d.Allowed),
		d.Reason,
		f(d.RiskScore),
		strconv.FormatBool(d.DryRun),
		d.Details,
	})
}

func (j *CSV) RecordFill(r FillRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return writeRow(j.fills, []string{
		r.ID,
		r.DecisionID,
		r.Symbol,
		r.Side,
		f(r.Quantity),
		f(r.Price),
		r.Time.UTC().Format(time.RFC3339Nano),
		f(r.Closed),
		f(r.Opened),
		f(r.RealizedPnl),
	})
}

func (j *CSV) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.decisions.Flush()
	if err := j.decisions.Error(); err != nil {
		return err
	}
	j.fills.Flush()
	if err := j.fills.Error(); err != nil {
		return err
	}
	return j.closeFiles()
}

func (j *CSV) closeFiles() error {
	if err := j.df.Close(); err != nil {
		return err
	}
	return j.ff.Close()
}

func writeRow(w *csv.Writer, row []string) error {
	if err := w.Write(row); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

func f(x float64) string {
	return strconv.FormatFloat(x, 'f', 6, 64)
}
