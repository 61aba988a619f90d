package main

import (
	"io"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/gustycube/osintd/internal/store"
	"github.com/gustycube/osintd/internal/types"
)

func renderSummary(w io.Writer, sum types.CycleSummary) {
	names := make([]string, 0, len(sum.Sources))
	for name := range sum.Sources {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetTitle("run " + sum.RunID + " (" + sum.FinishedAt.Sub(sum.StartedAt).Round(time.Millisecond).String() + ")")
	tw.AppendHeader(table.Row{"Source", "Collected", "Updated", "Duplicates", "Malformed", "Empty", "Processed", "Errors", "Note"})
	for _, name := range names {
		s := sum.Sources[name]
		note := s.LastError
		if s.Skipped {
			note = "skipped: unhealthy"
		}
		tw.AppendRow(table.Row{name, s.Collected, s.Superseded, s.Duplicates, s.Malformed, s.Empty, s.Processed, s.Errors, truncate(note, 60)})
	}
	tw.AppendFooter(table.Row{"total", sum.Collected, "", sum.Deduplicated, "", "", sum.Processed, sum.Errors, ""})
	tw.Render()
}

func renderItems(w io.Writer, items []types.CollectedItem) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "Source", "Collected", "Title"})
	for _, it := range items {
		tw.AppendRow(table.Row{it.ID, it.Source, it.CollectedAt.Format(time.RFC3339), truncate(it.Title, 70)})
	}
	tw.Render()
}

func renderEntities(w io.Writer, entities []types.Entity) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Type", "Value", "Enrichment", "Degraded"})
	for _, e := range entities {
		providers := make([]string, 0, len(e.Enrichment))
		for p := range e.Enrichment {
			providers = append(providers, p)
		}
		sort.Strings(providers)
		tw.AppendRow(table.Row{e.Type, e.Value, strings.Join(providers, ","), strings.Join(e.Degraded, ",")})
	}
	tw.Render()
}

func renderNotifications(w io.Writer, notes []types.Notification) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Time", "Alert", "Severity", "Item", "Matched"})
	for _, n := range notes {
		tw.AppendRow(table.Row{n.Timestamp.Format(time.RFC3339), n.AlertName, n.Severity, n.MatchedItemID, truncate(n.MatchedCondition, 50)})
	}
	tw.Render()
}

func renderRecords(w io.Writer, recs []types.ProcessingRecord) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Item", "Source", "Status", "Attempts", "Updated", "Error"})
	for _, r := range recs {
		tw.AppendRow(table.Row{r.ItemID, r.Source, r.Status, r.Attempts, r.UpdatedAt.Format(time.RFC3339), truncate(r.Error, 50)})
	}
	tw.Render()
}

func renderRelated(w io.Writer, rel []store.Related) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Type", "Value", "Shared items"})
	for _, r := range rel {
		tw.AppendRow(table.Row{r.Type, r.Value, r.Items})
	}
	tw.Render()
}

func renderRuns(w io.Writer, runs []types.CycleSummary) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Run", "Started", "Duration", "Collected", "Duplicates", "Processed", "Errors"})
	for _, r := range runs {
		tw.AppendRow(table.Row{
			r.RunID, r.StartedAt.Format(time.RFC3339), r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond),
			r.Collected, r.Deduplicated, r.Processed, r.Errors,
		})
	}
	tw.Render()
}

// renderCounts prints a two-column table sorted by descending count.
func renderCounts(w io.Writer, title string, counts map[string]int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetTitle(title)
	for _, k := range keys {
		tw.AppendRow(table.Row{k, counts[k]})
	}
	tw.Render()
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
