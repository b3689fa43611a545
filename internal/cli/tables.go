package cli

import (
	"fmt"
	"time"

	"devspin/internal/allocator"
	"devspin/internal/orchestrator"
	"devspin/internal/state"

	"github.com/jedib0t/go-pretty/v6/table"
)

// StatusTable renders one row per service of every record.
func StatusTable(records []*state.RunRecord) func(t table.Writer) {
	return func(t table.Writer) {
		t.AppendHeader(table.Row{"PROJECT", "PHASE", "SERVICE", "STATE", "HEALTH", "PID", "PORTS", "COMMAND"})
		for _, rec := range records {
			for _, sr := range rec.Services {
				t.AppendRow(table.Row{
					rec.Project,
					rec.Phase,
					sr.Name,
					stateCell(sr),
					cell(sr.Health),
					cell(sr.PID),
					cell(allocator.LeaseSet(sr.Leases).Ports()),
					cell(sr.Command),
				})
			}
			t.AppendSeparator()
		}
		t.SetColumnConfigs([]table.ColumnConfig{
			{Name: "PROJECT", AutoMerge: true},
			{Name: "PHASE", AutoMerge: true},
		})
	}
}

func stateCell(sr state.ServiceRecord) string {
	if sr.ExitCode != nil {
		return fmt.Sprintf("%s (exit %d)", sr.State, *sr.ExitCode)
	}
	return string(sr.State)
}

// ListTable renders one row per project.
func ListTable(summaries []orchestrator.Summary) func(t table.Writer) {
	return func(t table.Writer) {
		t.AppendHeader(table.Row{"PROJECT", "PHASE", "RUNNING", "PORTS", "STARTED"})
		for _, s := range summaries {
			t.AppendRow(table.Row{
				s.Project,
				s.Phase,
				fmt.Sprintf("%d/%d", s.Running, s.Services),
				cell(s.Ports),
				s.StartedAt.Local().Format(time.DateTime),
			})
		}
		if len(summaries) == 0 {
			t.AppendFooter(table.Row{"no running projects"})
		}
	}
}
