package cmd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rustyeddy/guardrail/risk"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate a file of orders offline",
	Long: `Evaluate orders from a JSON-lines file against the configured policy and
print one decision per line. Blank lines and lines starting with # are skipped.

Each line is an order:
  {"asset": "BTCUSDT", "notional": 2500, "side": "BUY", "price": 50000}

With --apply, every allowed order is booked as a fill at its price so later
orders see the resulting positions.

Example:
  guardrail check -f orders.jsonl --apply`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

var (
	checkFile    string
	checkApply   bool
	checkJournal bool
)

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().StringVarP(&checkFile, "file", "f", "", "orders file, - for stdin (required)")
	checkCmd.Flags().BoolVar(&checkApply, "apply", false, "book allowed orders as fills")
	checkCmd.Flags().BoolVar(&checkJournal, "journal", false, "write decisions to the configured journal")
	_ = checkCmd.MarkFlagRequired("file")
}

type checkOrder struct {
	Asset    string  `json:"asset"`
	Notional float64 `json:"notional"`
	Side     string  `json:"side,omitempty"`
	Live     bool    `json:"live,omitempty"`
	Price    float64 `json:"price,omitempty"`
}

type checkLine struct {
	Line     int              `json:"line"`
	Decision *risk.Decision   `json:"decision,omitempty"`
	Fill     *risk.FillResult `json:"fill,omitempty"`
	Error    string           `json:"error,omitempty"`
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !checkJournal {
		cfg.Journal.Type = "none"
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	rt, err := newRuntime(cfg, log, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.close(); err != nil {
			log.Warn("close", zap.Error(err))
		}
	}()

	in := cmd.InOrStdin()
	if checkFile != "-" {
		fh, err := os.Open(checkFile)
		if err != nil {
			return fmt.Errorf("open orders: %w", err)
		}
		defer fh.Close()
		in = fh
	}

	summary, err := checkOrders(rt, in, cmd.OutOrStdout(), checkApply)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.ErrOrStderr(), summary)
	return nil
}

type checkSummary struct {
	total, allowed, invalid int
	blocked                 map[risk.Reason]int
}

func (s checkSummary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d orders: %d allowed, %d blocked, %d invalid", s.total, s.allowed, s.total-s.allowed-s.invalid, s.invalid)
	reasons := make([]string, 0, len(s.blocked))
	for r := range s.blocked {
		reasons = append(reasons, string(r))
	}
	sort.Strings(reasons)
	for _, r := range reasons {
		fmt.Fprintf(&b, "\n  %-24s %d", r, s.blocked[risk.Reason(r)])
	}
	return b.String()
}

func checkOrders(rt *runtime, in io.Reader, out io.Writer, apply bool) (checkSummary, error) {
	sum := checkSummary{blocked: map[risk.Reason]int{}}
	enc := json.NewEncoder(out)
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	n := 0
	for sc.Scan() {
		n++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 || raw[0] == '#' {
			continue
		}
		sum.total++

		res := checkOne(rt, raw, apply)
		res.Line = n
		switch {
		case res.Decision == nil:
			sum.invalid++
		case res.Decision.Allowed:
			sum.allowed++
		default:
			sum.blocked[res.Decision.Reason]++
		}
		if err := enc.Encode(res); err != nil {
			return sum, err
		}
	}
	if err := sc.Err(); err != nil {
		return sum, fmt.Errorf("read orders: %w", err)
	}
	return sum, nil
}

func checkOne(rt *runtime, raw []byte, apply bool) checkLine {
	var co checkOrder
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&co); err != nil {
		return checkLine{Error: err.Error()}
	}
	if co.Asset == "" {
		return checkLine{Error: "asset is required"}
	}

	o := risk.Order{Asset: co.Asset, Notional: co.Notional, Live: co.Live}
	if co.Side != "" {
		side, err := risk.ParseOrderSide(co.Side)
		if err != nil {
			return checkLine{Error: err.Error()}
		}
		o.Side = side
	}
	if err := rt.gate.CheckRoute(o); err != nil {
		return checkLine{Error: err.Error()}
	}

	if !apply {
		d := rt.gate.Evaluate(o)
		return checkLine{Decision: &d}
	}
	if co.Price <= 0 {
		return checkLine{Error: "price is required with --apply"}
	}
	side := o.Side
	if side == "" {
		side = risk.Buy
	}
	d, fill := rt.gate.AdmitAndApply(o, risk.Fill{
		Symbol:   o.Asset,
		Side:     side,
		Quantity: o.Notional / co.Price,
		Price:    co.Price,
	})
	return checkLine{Decision: &d, Fill: fill}
}
