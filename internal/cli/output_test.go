package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"devspin/internal/allocator"
	"devspin/internal/orchestrator"
	"devspin/internal/state"
	"devspin/internal/supervisor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseOutputFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    OutputFormat
		wantErr bool
	}{
		{in: "", want: OutputFormatTable},
		{in: "table", want: OutputFormatTable},
		{in: "JSON", want: OutputFormatJSON},
		{in: " yaml ", want: OutputFormatYAML},
		{in: "xml", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseOutputFormat(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func sampleRecords() []*state.RunRecord {
	code := 1
	return []*state.RunRecord{{
		Project: "web",
		Phase:   state.PhaseDegraded,
		Services: []state.ServiceRecord{
			{
				Name:    "db",
				PID:     4242,
				State:   supervisor.StateRunning,
				Command: "postgres -D ./data",
				Leases:  []allocator.Lease{{Kind: allocator.ResourceTCPPort, Value: 5432, Project: "web", Service: "db"}},
			},
			{Name: "api", State: supervisor.StateCrashed, ExitCode: &code, Command: "./bin/api --listen :3000 --verbose --with-a-very-long-flag"},
		},
	}}
}

func TestPrinter_Table(t *testing.T) {
	var buf bytes.Buffer
	p, err := NewPrinter("table", &buf)
	require.NoError(t, err)

	require.NoError(t, p.Print(sampleRecords(), StatusTable(sampleRecords())))
	out := buf.String()
	assert.Contains(t, out, "SERVICE")
	assert.Contains(t, out, "4242")
	assert.Contains(t, out, "[5432]")
	assert.Contains(t, out, "Crashed (exit 1)")
	assert.Contains(t, out, "...", "long commands are truncated")
	assert.NotContains(t, out, "--with-a-very-long-flag")
}

func TestPrinter_JSONAndYAML(t *testing.T) {
	var buf bytes.Buffer
	p, err := NewPrinter("json", &buf)
	require.NoError(t, err)
	require.NoError(t, p.Print(sampleRecords(), StatusTable(sampleRecords())))

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "web", decoded[0]["project"])

	buf.Reset()
	p, err = NewPrinter("yaml", &buf)
	require.NoError(t, err)
	require.NoError(t, p.Print(sampleRecords(), nil))

	var records []state.RunRecord
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &records))
	assert.Equal(t, supervisor.StateCrashed, records[0].Services[1].State)
}

func TestPrinter_PrintText(t *testing.T) {
	report := &orchestrator.StopReport{Project: "web"}

	var buf bytes.Buffer
	p, _ := NewPrinter("table", &buf)
	require.NoError(t, p.PrintText(report.Summary(), report))
	assert.Equal(t, "Stopped web\n", buf.String())

	buf.Reset()
	p, _ = NewPrinter("yaml", &buf)
	require.NoError(t, p.PrintText(report.Summary(), report))
	assert.True(t, strings.HasPrefix(buf.String(), "project: web"))
}

func TestListTable(t *testing.T) {
	var buf bytes.Buffer
	p, _ := NewPrinter("table", &buf)
	summaries := []orchestrator.Summary{
		{Project: "web", Phase: "Running", Services: 3, Running: 2, Ports: []int{3000, 5432}, StartedAt: time.Now()},
	}
	require.NoError(t, p.Print(summaries, ListTable(summaries)))
	assert.Contains(t, buf.String(), "2/3")
	assert.Contains(t, buf.String(), "[3000 5432]")

	buf.Reset()
	require.NoError(t, p.Print(nil, ListTable(nil)))
	assert.Contains(t, strings.ToLower(buf.String()), "no running projects")
}
