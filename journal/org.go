package journal

import (
	"fmt"
	"strings"
	"time"
)

// FormatDecisionOrg renders a decision as an Org-mode entry with the
// structured fields in a PROPERTIES drawer.
func FormatDecisionOrg(d DecisionRecord) string {
	outcome := "ALLOWED"
	if !d.Allowed {
		outcome = "BLOCKED " + d.Reason
	}

	var b strings.Builder
	fmt.Fprintf(&b, "** %s %s (%s)\n", outcome, d.Asset, shortID(d.ID))
	b.WriteString(":PROPERTIES:\n")
	fmt.Fprintf(&b, ":ID: %s\n", d.ID)
	fmt.Fprintf(&b, ":TIME: %s\n", d.Time.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, ":ASSET: %s\n", d.Asset)
	if d.Side != "" {
		fmt.Fprintf(&b, ":SIDE: %s\n", d.Side)
	}
	fmt.Fprintf(&b, ":NOTIONAL: %.2f\n", d.Notional)
	fmt.Fprintf(&b, ":ALLOWED: %t\n", d.Allowed)
	if d.Reason != "" {
		fmt.Fprintf(&b, ":REASON: %s\n", d.Reason)
	}
	if d.Allowed {
		fmt.Fprintf(&b, ":RISK_SCORE: %.2f\n", d.RiskScore)
	}
	if d.DryRun {
		b.WriteString(":DRY_RUN: t\n")
	}
	b.WriteString(":END:\n")
	if d.Details != "" {
		fmt.Fprintf(&b, "\n#+begin_src json\n%s\n#+end_src\n", d.Details)
	}
	return b.String()
}

// FormatDecisionsOrg renders multiple decisions separated by blank lines.
func FormatDecisionsOrg(ds []DecisionRecord) string {
	var b strings.Builder
	for i, d := range ds {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(FormatDecisionOrg(d))
	}
	return b.String()
}

// shortID keeps the random tail of a ULID; the leading characters are the
// timestamp and repeat across nearby decisions.
func shortID(full string) string {
	if len(full) <= 8 {
		return full
	}
	return full[len(full)-8:]
}
