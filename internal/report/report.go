package report

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"OutcomeSentinel/internal/marketdata"
	"OutcomeSentinel/internal/model"
	"OutcomeSentinel/internal/registry"
)

const timeLayout = "2006-01-02 15:04"

// FormatBatchSummary formats an outcome batch run.
func FormatBatchSummary(sum model.BatchSummary) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Outcome run %s\n", sum.RunID))
	b.WriteString(fmt.Sprintf("  processed:  %d\n", sum.Processed))
	b.WriteString(fmt.Sprintf("  updated:    %d\n", sum.Updated))
	b.WriteString(fmt.Sprintf("  unchanged:  %d\n", sum.Unchanged))
	b.WriteString(fmt.Sprintf("  skipped:    %d\n", sum.Skipped))
	b.WriteString(fmt.Sprintf("  failed:     %d\n", sum.Failed))
	b.WriteString(fmt.Sprintf("  incomplete: %d\n", sum.Incomplete))
	if len(sum.FailedSymbols) > 0 {
		b.WriteString(fmt.Sprintf("  failed items: %s\n", strings.Join(sum.FailedSymbols, ", ")))
	}
	return b.String()
}

// FormatOutcomes renders outcome rows as a table.
func FormatOutcomes(outcomes []model.PredictionOutcome) string {
	if len(outcomes) == 0 {
		return "No outcomes.\n"
	}
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	header := []string{"PREDICTION", "SYMBOL", "DATE", "SENTIMENT", "BASE"}
	for _, h := range model.Horizons {
		header = append(header, fmt.Sprintf("T%d", h))
	}
	header = append(header, "COMPLETE")
	fmt.Fprintln(w, strings.Join(header, "\t"))

	for _, o := range outcomes {
		row := []string{
			fmt.Sprintf("%d", o.PredictionID),
			o.Symbol,
			model.FormatDate(o.PredictionDate),
			string(o.Sentiment),
			nullString(o.PriceAtPrediction),
		}
		for _, h := range o.Horizons {
			row = append(row, formatHorizon(h))
		}
		row = append(row, fmt.Sprintf("%v", o.IsComplete))
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
	return b.String()
}

func formatHorizon(h model.HorizonResult) string {
	if !h.Resolved() {
		return "-"
	}
	mark := ""
	if h.Correct != nil {
		if *h.Correct {
			mark = " ✓"
		} else {
			mark = " ✗"
		}
	}
	return fmt.Sprintf("%s%%%s", h.Return.Decimal.Shift(2).StringFixed(2), mark)
}

func nullString(d decimal.NullDecimal) string {
	if !d.Valid {
		return "-"
	}
	return d.Decimal.String()
}

// FormatHorizonAccuracy renders accuracy by horizon.
func FormatHorizonAccuracy(rows []model.HorizonAccuracy) string {
	var b strings.Builder
	b.WriteString("Accuracy by horizon\n")
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "HORIZON\tRESOLVED\tDIRECTIONAL\tCORRECT\tACCURACY\tAVG RETURN\tTOTAL P&L")
	for _, r := range rows {
		fmt.Fprintf(w, "T%d\t%d\t%d\t%d\t%.1f%%\t%s%%\t%s\n",
			r.Days, r.Resolved, r.Directional, r.Correct, r.Accuracy*100,
			r.AverageReturn.Shift(2).StringFixed(2), r.TotalPnL.StringFixed(2))
	}
	w.Flush()
	return b.String()
}

// FormatConfidenceAccuracy renders accuracy by confidence tier.
func FormatConfidenceAccuracy(rows []model.ConfidenceAccuracy) string {
	var b strings.Builder
	if len(rows) > 0 {
		b.WriteString(fmt.Sprintf("Accuracy by confidence (T%d)\n", rows[0].Days))
	}
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIER\tRANGE\tDIRECTIONAL\tCORRECT\tACCURACY\tTOTAL P&L")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t[%.1f, %.1f)\t%d\t%d\t%.1f%%\t%s\n",
			r.Tier, r.MinInclude, r.MaxExclude, r.Directional, r.Correct, r.Accuracy*100, r.TotalPnL.StringFixed(2))
	}
	w.Flush()
	return b.String()
}

// FormatTickers renders ticker records.
func FormatTickers(recs []model.TickerRecord) string {
	if len(recs) == 0 {
		return "No tickers.\n"
	}
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SYMBOL\tSTATUS\tFIRST SEEN\tLAST BACKFILL\tLAST REFERENCED\tFAILURES\tLAST ERROR")
	for _, r := range recs {
		backfill := "-"
		if r.LastBackfillAt != nil {
			backfill = r.LastBackfillAt.Format(timeLayout)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			r.Symbol, r.Status, model.FormatDate(r.FirstSeenDate), backfill,
			r.LastReferencedAt.Format(timeLayout), r.FailureCount, r.LastError)
	}
	w.Flush()
	return b.String()
}

// FormatTickerCounts renders the number of tickers per status.
func FormatTickerCounts(counts map[model.TickerStatus]int) string {
	var b strings.Builder
	b.WriteString("Tickers by status\n")
	total := 0
	for _, st := range model.TickerStatuses {
		b.WriteString(fmt.Sprintf("  %-12s %d\n", st, counts[st]))
		total += counts[st]
	}
	b.WriteString(fmt.Sprintf("  %-12s %d\n", "total", total))
	return b.String()
}

// FormatRefreshSummary formats a registry refresh pass.
func FormatRefreshSummary(sum registry.RefreshSummary) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Price refresh %s\n", sum.RunID))
	b.WriteString(fmt.Sprintf("  refreshed:   %d\n", sum.Refreshed))
	b.WriteString(fmt.Sprintf("  unchanged:   %d\n", sum.Unchanged))
	b.WriteString(fmt.Sprintf("  reactivated: %d\n", sum.Reactivated))
	b.WriteString(fmt.Sprintf("  resumed:     %d\n", sum.Resumed))
	b.WriteString(fmt.Sprintf("  errors:      %d\n", sum.Errors))
	if len(sum.NowFailed) > 0 {
		b.WriteString(fmt.Sprintf("  now failed:  %s\n", strings.Join(sum.NowFailed, ", ")))
	}
	if len(sum.ErroredSymbols) > 0 {
		b.WriteString(fmt.Sprintf("  errored:     %s\n", strings.Join(sum.ErroredSymbols, ", ")))
	}
	return b.String()
}

// FormatRetrySummary formats a retry pass over failed symbols.
func FormatRetrySummary(sum registry.RetrySummary) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Retry %s: %d attempted, %d recovered, %d still failed, %d errors\n",
		sum.RunID, sum.Attempted, len(sum.Recovered), len(sum.StillFailed), sum.Errors))
	if len(sum.Recovered) > 0 {
		b.WriteString(fmt.Sprintf("  recovered:    %s\n", strings.Join(sum.Recovered, ", ")))
	}
	if len(sum.StillFailed) > 0 {
		b.WriteString(fmt.Sprintf("  still failed: %s\n", strings.Join(sum.StillFailed, ", ")))
	}
	return b.String()
}

// FormatFetch formats a single symbol fetch.
func FormatFetch(symbol string, res marketdata.FetchResult) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("%s: %d bars", symbol, len(res.Bars)))
	if len(res.Bars) > 0 {
		first, last := res.Bars[0], res.Bars[len(res.Bars)-1]
		b.WriteString(fmt.Sprintf(" (%s .. %s, last close %s)",
			model.FormatDate(first.Date), model.FormatDate(last.Date), last.Close.String()))
	}
	b.WriteString(fmt.Sprintf(", %d network calls", res.NetworkCalls))
	if res.Provider != "" {
		b.WriteString(fmt.Sprintf(" via %s", res.Provider))
	}
	b.WriteString("\n")
	if res.NotFound {
		b.WriteString("  symbol not found at any provider\n")
	}
	for _, err := range res.Failures {
		b.WriteString(fmt.Sprintf("  provider error: %v\n", err))
	}
	return b.String()
}

// FormatHealth renders provider health in fallback order.
func FormatHealth(health []model.ProviderHealth) string {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tSTATUS\tLATENCY\tFAILURES\tLAST SUCCESS\tLAST ERROR")
	for _, h := range health {
		status := "unreachable"
		if h.Reachable {
			status = "ok"
		}
		last := "-"
		if h.LastSuccess != nil {
			last = h.LastSuccess.Format(timeLayout)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			h.Name, status, h.Latency.Round(time.Millisecond), h.ConsecutiveFailures, last, h.LastError)
	}
	w.Flush()
	return b.String()
}
