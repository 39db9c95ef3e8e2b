package rewind

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forked/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "forked.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestPreviewNoSnapshots(t *testing.T) {
	engine := NewEngine(openTestStore(t), nil, nil)

	_, err := engine.Preview("run1", 10)
	assert.ErrorIs(t, err, ErrNoSnapshots)
}

func TestPreviewClassifiesActions(t *testing.T) {
	st := openTestStore(t)
	engine := NewEngine(st, nil, nil)

	existing := "original"
	_, err := st.InsertSnapshotStart("run1", 2, "write_file", "/tmp/existing.txt", &existing, true)
	require.NoError(t, err)
	_, err = st.InsertSnapshotStart("run1", 4, "write_file", "/tmp/created.txt", nil, false)
	require.NoError(t, err)
	// Beyond the target; must not appear.
	_, err = st.InsertSnapshotStart("run1", 9, "write_file", "/tmp/later.txt", nil, false)
	require.NoError(t, err)

	preview, err := engine.Preview("run1", 5)
	require.NoError(t, err)
	require.Len(t, preview.Files, 2)
	assert.Equal(t, "restore", preview.Files[0].Action)
	assert.Equal(t, "/tmp/existing.txt", preview.Files[0].FilePath)
	assert.Equal(t, "delete", preview.Files[1].Action)
	assert.False(t, preview.Files[1].OriginalExisted)
}

func TestPreviewUsesEarliestSnapshotPerFile(t *testing.T) {
	st := openTestStore(t)
	engine := NewEngine(st, nil, nil)

	first := "first state"
	second := "second state"
	_, err := st.InsertSnapshotStart("run1", 1, "write_file", "/tmp/f.txt", &first, true)
	require.NoError(t, err)
	_, err = st.InsertSnapshotStart("run1", 3, "write_file", "/tmp/f.txt", &second, true)
	require.NoError(t, err)

	preview, err := engine.Preview("run1", 5)
	require.NoError(t, err)
	require.Len(t, preview.Files, 1)
	assert.Equal(t, "restore", preview.Files[0].Action)
}

func TestExecuteRestoresAndDeletes(t *testing.T) {
	st := openTestStore(t)
	engine := NewEngine(st, nil, nil)
	dir := t.TempDir()

	restorePath := filepath.Join(dir, "restore.txt")
	deletePath := filepath.Join(dir, "delete.txt")
	require.NoError(t, os.WriteFile(restorePath, []byte("current"), 0o644))
	require.NoError(t, os.WriteFile(deletePath, []byte("should go"), 0o644))

	original := "original content"
	_, err := st.InsertSnapshotStart("run1", 1, "write_file", restorePath, &original, true)
	require.NoError(t, err)
	_, err = st.InsertSnapshotStart("run1", 2, "write_file", deletePath, nil, false)
	require.NoError(t, err)

	result, err := engine.Execute("run1", 5)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 2, result.FilesAffected)
	assert.Contains(t, result.BackupID, "rewind_")

	data, err := os.ReadFile(restorePath)
	require.NoError(t, err)
	assert.Equal(t, original, string(data))

	_, err = os.Stat(deletePath)
	assert.True(t, os.IsNotExist(err))
}

func TestExecuteCreatesMissingDirectories(t *testing.T) {
	st := openTestStore(t)
	engine := NewEngine(st, nil, nil)

	path := filepath.Join(t.TempDir(), "deep", "nested", "file.txt")
	content := "restored"
	_, err := st.InsertSnapshotStart("run1", 1, "write_file", path, &content, true)
	require.NoError(t, err)

	result, err := engine.Execute("run1", 1)
	require.NoError(t, err)
	assert.True(t, result.Success)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, string(data))
}

func TestExecuteAlreadyAbsent(t *testing.T) {
	st := openTestStore(t)
	engine := NewEngine(st, nil, nil)

	path := filepath.Join(t.TempDir(), "never-existed.txt")
	_, err := st.InsertSnapshotStart("run1", 1, "write_file", path, nil, false)
	require.NoError(t, err)

	result, err := engine.Execute("run1", 1)
	require.NoError(t, err)
	assert.True(t, result.Success)
	require.Len(t, result.Results, 1)
	assert.Equal(t, "already_absent", result.Results[0].Action)
}

func TestExecuteBacksUpCurrentState(t *testing.T) {
	st := openTestStore(t)
	engine := NewEngine(st, nil, nil)
	dir := t.TempDir()

	path := filepath.Join(dir, "file.txt")
	require.NoError(t, os.WriteFile(path, []byte("pre-rewind"), 0o644))

	original := "snapshotted"
	_, err := st.InsertSnapshotStart("run1", 1, "write_file", path, &original, true)
	require.NoError(t, err)

	result, err := engine.Execute("run1", 1)
	require.NoError(t, err)
	require.Len(t, result.Backups, 1)
	assert.True(t, result.Backups[0].Existed)
	require.NotNil(t, result.Backups[0].Content)
	assert.Equal(t, "pre-rewind", *result.Backups[0].Content)
}

func TestExecuteNoSnapshots(t *testing.T) {
	engine := NewEngine(openTestStore(t), nil, nil)

	_, err := engine.Execute("run1", 10)
	assert.ErrorIs(t, err, ErrNoSnapshots)
}

func TestAppendAudit(t *testing.T) {
	st := openTestStore(t)
	engine := NewEngine(st, nil, nil)

	result := &Result{
		Success:       true,
		BackupID:      "rewind_123",
		FilesAffected: 1,
		Results:       []FileResult{{FilePath: "/tmp/f", Action: "restored", Success: true}},
	}
	require.NoError(t, engine.AppendAudit("fork1", 3, true, "origin1", "run1", 2, result))

	events, err := st.EventsForRun("fork1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "rewind", events[0].Stream)
	assert.Equal(t, int64(3), events[0].Seq)
	assert.True(t, events[0].IsFork)
	assert.Equal(t, "origin1", events[0].ForkedFromRunID)

	var data map[string]any
	require.NoError(t, json.Unmarshal(events[0].Data, &data))
	assert.Equal(t, "rewind_executed", data["type"])
	assert.Equal(t, "run1", data["runId"])
	assert.Equal(t, "rewind_123", data["backupId"])
	assert.Equal(t, float64(2), data["targetSeq"])
}
