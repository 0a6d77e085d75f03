package commands

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/jinford/ubi-manifest/internal/core/job"
	"github.com/jinford/ubi-manifest/internal/core/manifest"
)

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func failureText(j *job.Job) string {
	if j.Failure != nil {
		return fmt.Sprintf("%s: %s", j.Failure.Kind, j.Failure.Message)
	}
	if j.LastError != "" {
		return "(retrying) " + j.LastError
	}
	return "-"
}

// renderSubmittedTable は投入結果を表形式で出力する
func renderSubmittedTable(w io.Writer, handle *job.BatchHandle) {
	fmt.Fprintf(w, "Batch: %s\n", handle.BatchID)

	table := tablewriter.NewWriter(w)
	table.Header("Job ID", "Target", "State", "Reused")
	for _, j := range handle.Jobs {
		table.Append(j.JobID.String(), string(j.Target), string(j.State), fmt.Sprintf("%t", j.Reused))
	}
	table.Render()
}

// renderJobsTable はジョブ一覧を表形式で出力する
func renderJobsTable(w io.Writer, jobs []*job.Job) {
	table := tablewriter.NewWriter(w)
	table.Header("Job ID", "Target", "State", "Attempts", "Completed At", "Error")
	for _, j := range jobs {
		table.Append(
			j.ID.String(),
			string(j.Target),
			string(j.State),
			fmt.Sprintf("%d", j.Attempts),
			formatTime(j.CompletedAt),
			failureText(j),
		)
	}
	table.Render()
}

// renderBatchTable はバッチの状態を表形式で出力する
func renderBatchTable(w io.Writer, status *job.BatchStatus) {
	fmt.Fprintf(w, "Batch: %s (created %s)\n", status.ID, status.CreatedAt.Format(time.RFC3339))
	if status.CancelledAt != nil {
		fmt.Fprintf(w, "Cancelled: %s\n", formatTime(status.CancelledAt))
	}

	states := make([]string, 0, len(status.Summary))
	for s := range status.Summary {
		states = append(states, string(s))
	}
	sort.Strings(states)
	for _, s := range states {
		fmt.Fprintf(w, "  %-10s %d\n", s, status.Summary[job.State(s)])
	}
	fmt.Fprintf(w, "Done: %t\n", status.Done)

	renderJobsTable(w, status.Jobs)
}

// renderManifestTable はマニフェストの内容を表形式で出力する
func renderManifestTable(w io.Writer, m *manifest.Manifest) {
	fmt.Fprintf(w, "Repository: %s  Family: %s  Rules: %s\n", m.Target, m.Family, m.RulesRevision)

	table := tablewriter.NewWriter(w)
	table.Header("Type", "Name", "EVR", "Arch", "Source", "Reason", "Rule")
	for _, e := range m.Entries {
		table.Append(
			string(e.Kind),
			e.Name,
			e.Unit().EVR(),
			e.Arch,
			e.SourceRepoID,
			string(e.Reason),
			e.Rule,
		)
	}
	table.Render()

	for _, warning := range m.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}
}
