package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"devspin/internal/project"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetVersion(t *testing.T) {
	// Test setting version
	testVersion := "1.2.3-test"
	SetVersion(testVersion)

	if rootCmd.Version != testVersion {
		t.Errorf("Expected version to be %s, got %s", testVersion, rootCmd.Version)
	}
}

func TestRootCommand(t *testing.T) {
	// Test root command properties
	if rootCmd.Use != "devspin" {
		t.Errorf("Expected Use to be 'devspin', got %s", rootCmd.Use)
	}

	if rootCmd.Short == "" {
		t.Error("Expected Short description to be set")
	}

	if rootCmd.Long == "" {
		t.Error("Expected Long description to be set")
	}

	if !rootCmd.SilenceUsage {
		t.Error("Expected SilenceUsage to be true")
	}
}

func TestVersionTemplate(t *testing.T) {
	// Create a new command to test version template
	testCmd := &cobra.Command{
		Use:     "test",
		Version: "1.0.0",
	}
	testCmd.SetVersionTemplate(`{{printf "devspin version %s\n" .Version}}`)

	var buf bytes.Buffer
	testCmd.SetOut(&buf)
	testCmd.SetArgs([]string{"--version"})
	if err := testCmd.Execute(); err != nil {
		t.Fatalf("Error executing version command: %v", err)
	}

	expected := "devspin version 1.0.0\n"
	if buf.String() != expected {
		t.Errorf("Expected version output %q, got %q", expected, buf.String())
	}
}

func TestSubcommands(t *testing.T) {
	foundCommands := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		foundCommands[cmd.Name()] = true
	}

	for _, expected := range []string{"version", "start", "stop", "status", "list", "run"} {
		if !foundCommands[expected] {
			t.Errorf("Expected subcommand %s not found", expected)
		}
	}
}

func TestStartFlags(t *testing.T) {
	for _, name := range []string{"dry-run", "only", "skip", "verbose", "env-file", "foreground", "metrics-addr", "output"} {
		assert.NotNil(t, startCmd.Flags().Lookup(name), "flag %s", name)
	}
	assert.Equal(t, "table", startCmd.Flags().Lookup("output").DefValue)
	assert.Equal(t, "o", statusCmd.Flags().Lookup("output").Shorthand)
}

func TestProjectCommand(t *testing.T) {
	p := &project.Project{Name: "web", Commands: project.Commands{Dev: "make dev", Test: "make test"}}

	tests := []struct {
		name    string
		want    string
		wantErr string
	}{
		{name: "dev", want: "make dev"},
		{name: "test", want: "make test"},
		{name: "build", wantErr: "declares no build command"},
		{name: "deploy", wantErr: "unknown command"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := projectCommand(p, tt.name)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// execute runs the root command against an isolated home and state dir.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	// Flag variables outlive a single execution.
	configFile, logLevelFlag, logFormat, outputFormat = "", "", "", "table"
	startDryRun, startVerbose, startForeground = false, false, false
	startOnly, startSkip = nil, nil
	startEnvFile, startMetricsAddr, runEnvFile = "", "", ""

	var out, logs bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&logs)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", filepath.Join(dir, "home"))
	t.Setenv("DEVSPIN_STATE_DIR", filepath.Join(dir, "state"))
	t.Setenv("DEVSPIN_GRACE_PERIOD", "1s")
	return dir
}

func writeProject(t *testing.T, dir, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "devspin.yaml"), []byte(content), 0o644))
	return dir
}

func TestCommands_StartStatusStop(t *testing.T) {
	dir := isolate(t)
	projectDir := writeProject(t, filepath.Join(dir, "cli"), `
name: cli
services:
  - name: db
    command: sleep 30
  - name: api
    command: sleep 30
    depends_on: [db]
`)

	out, err := execute(t, "start", projectDir, "--dry-run", "-o", "table")
	require.NoError(t, err)
	assert.Contains(t, out, "dry run")

	out, err = execute(t, "start", projectDir, "-o", "table")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Started cli")

	out, err = execute(t, "list", "-o", "json")
	require.NoError(t, err)
	var summaries []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, "cli", summaries[0]["project"])

	out, err = execute(t, "status", "cli", "-o", "table")
	require.NoError(t, err)
	assert.Contains(t, out, "Running")

	out, err = execute(t, "stop", projectDir, "-o", "table")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Stopped cli")

	_, err = execute(t, "status", "cli")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no run record")
}

func TestCommands_Run(t *testing.T) {
	dir := isolate(t)
	projectDir := writeProject(t, filepath.Join(dir, "tool"), `
name: tool
environment: {TARGET: out.txt}
commands:
  dev: sleep 30
  test: echo ok > "$TARGET"
services:
  - name: app
    command: sleep 30
`)

	_, err := execute(t, "run", projectDir, "test")
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(projectDir, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "ok\n", string(data))
}

func TestCommands_RunRequiresDevCommand(t *testing.T) {
	dir := isolate(t)
	projectDir := writeProject(t, filepath.Join(dir, "nodev"), `
name: nodev
commands:
  test: echo ok
services:
  - name: app
    command: sleep 30
`)

	_, err := execute(t, "run", projectDir, "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "commands.dev is required")
}

func TestMetricsHandler(t *testing.T) {
	isolate(t)
	_, err := execute(t, "list", "-o", "yaml")
	require.NoError(t, err)

	srv := httptest.NewServer(metricsHandler(newOrchestrator(settings)))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain"))
}
