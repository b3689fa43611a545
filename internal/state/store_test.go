package state

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"devspin/internal/allocator"
	apperrors "devspin/internal/errors"
	"devspin/internal/supervisor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord(name string) *RunRecord {
	code := 1
	return &RunRecord{
		Project: name,
		RunID:   "3f1c2a9e-0000-4000-8000-000000000001",
		Phase:   PhaseRunning,
		Stages:  [][]string{{"db"}, {"api"}},
		Services: []ServiceRecord{
			{
				Name:      "db",
				PID:       4242,
				State:     supervisor.StateRunning,
				StartedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
				Command:   "postgres",
				Leases: []allocator.Lease{
					{Kind: allocator.ResourceTCPPort, Value: 5432, Project: name, Service: "db"},
				},
			},
			{Name: "api", State: supervisor.StateCrashed, ExitCode: &code, Command: "./api"},
		},
		StartedAt: time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC),
	}
}

func TestPersistLoadDelete(t *testing.T) {
	store := NewFileStore(t.TempDir())
	rec := sampleRecord("web")

	require.NoError(t, store.Persist(rec))
	assert.False(t, rec.UpdatedAt.IsZero())

	loaded, err := store.Load("web")
	require.NoError(t, err)
	assert.Equal(t, "web", loaded.Project)
	assert.Equal(t, [][]string{{"db"}, {"api"}}, loaded.Stages)
	require.Len(t, loaded.Services, 2)
	assert.Equal(t, 4242, loaded.Service("db").PID)
	assert.Equal(t, 1, *loaded.Service("api").ExitCode)
	assert.Equal(t, []int{5432}, allocator.LeaseSet(loaded.Leases()).Ports())
	assert.True(t, loaded.Active())

	require.NoError(t, store.Delete("web"))
	_, err = store.Load("web")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeStateNotFound))
	assert.NoError(t, store.Delete("web"), "deleting twice is fine")
}

func TestLoad_NotFoundVersusCorrupt(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)

	_, err := store.Load("never-started")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeStateNotFound))

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "runs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "runs", "broken.yaml"), []byte("project: [unclosed"), 0o644))

	_, err = store.Load("broken")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeStateCorrupt))
	assert.False(t, apperrors.IsCode(err, apperrors.ErrCodeStateNotFound))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "runs", "renamed.yaml"), []byte("project: other\n"), 0o644))
	_, err = store.Load("renamed")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeStateCorrupt))
}

func TestList(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)

	records, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, records)

	require.NoError(t, store.Persist(sampleRecord("zeta")))
	require.NoError(t, store.Persist(sampleRecord("alpha")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "runs", "bad.yaml"), []byte(":::"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "runs", ".alpha.123.tmp"), []byte("junk"), 0o644))

	records, err = store.List()
	require.Error(t, err, "corrupt record is reported")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeStateCorrupt))
	require.Len(t, records, 2)
	assert.Equal(t, "alpha", records[0].Project)
	assert.Equal(t, "zeta", records[1].Project)
}

func TestPersist_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, store.Persist(sampleRecord("web")))
		}()
	}
	wg.Wait()

	entries, err := os.ReadDir(filepath.Join(dir, "runs"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "web.yaml", entries[0].Name())

	_, err = store.Load("web")
	assert.NoError(t, err)
}

func TestPersist_RejectsUnsafeNames(t *testing.T) {
	store := NewFileStore(t.TempDir())
	assert.Error(t, store.Persist(&RunRecord{Project: "../escape"}))
	assert.Error(t, store.Persist(&RunRecord{Project: ""}))
}

func TestDefaultDir(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", "/xdg/state")
	dir, err := DefaultDir()
	require.NoError(t, err)
	assert.Equal(t, "/xdg/state/devspin", dir)

	t.Setenv("XDG_STATE_HOME", "")
	original := userHomeDir
	defer func() { userHomeDir = original }()
	userHomeDir = func() (string, error) { return "/home/dev", nil }

	dir, err = DefaultDir()
	require.NoError(t, err)
	assert.Equal(t, "/home/dev/.local/state/devspin", dir)
}

func TestLogPathAndClone(t *testing.T) {
	store := NewFileStore("/state")
	assert.Equal(t, "/state/logs/web/api.log", store.LogPath("web", "api"))

	rec := sampleRecord("web")
	c := rec.Clone()
	c.Services[0].Leases[0].Value = 1
	*c.Services[1].ExitCode = 9
	c.Stages[0][0] = "changed"

	assert.Equal(t, 5432, rec.Services[0].Leases[0].Value)
	assert.Equal(t, 1, *rec.Services[1].ExitCode)
	assert.Equal(t, "db", rec.Stages[0][0])
}
