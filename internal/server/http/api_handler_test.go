package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forked/internal/config"
	"forked/internal/fork"
	"forked/internal/lineage"
	"forked/internal/rewind"
	"forked/internal/store"
)

type testEnv struct {
	router *gin.Engine
	store  *store.Store
	runs   *lineage.Engine
	cfg    *config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "forked.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := &config.Config{
		Channels:      map[string]bool{},
		RetentionDays: config.DefaultRetentionDays,
	}
	runs := lineage.New(2, nil)
	rewinder := rewind.NewEngine(st, nil, nil)
	forker := fork.NewEngine(st, runs, rewinder, nil, nil, nil, nil)
	handler := NewAPIHandler(st, cfg, runs, rewinder, forker, nil)

	return &testEnv{
		router: NewRouter(handler),
		store:  st,
		runs:   runs,
		cfg:    cfg,
	}
}

func (env *testEnv) get(t *testing.T, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	env.router.ServeHTTP(rec, req)
	return rec, decodeObject(t, rec)
}

func (env *testEnv) post(t *testing.T, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	env.router.ServeHTTP(rec, req)
	return rec, decodeObject(t, rec)
}

func decodeObject(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		return nil
	}
	return body
}

func (env *testEnv) insertEvent(t *testing.T, event store.Event) {
	t.Helper()
	if event.Data == nil {
		event.Data = []byte(`{}`)
	}
	_, err := env.store.InsertEvent(&event)
	require.NoError(t, err)
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t)
	rec, body := env.get(t, "/api/health")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "uptime")
}

func TestHandleConfig(t *testing.T) {
	env := newTestEnv(t)
	rec, body := env.get(t, "/api/config")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(config.DefaultRetentionDays), body["retentionDays"])
}

func TestHandleConfigRetentionNever(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.RetentionDays = config.RetentionNever

	_, body := env.get(t, "/api/config")
	assert.Equal(t, "never", body["retentionDays"])
}

func TestHandleOpenclawConfig(t *testing.T) {
	t.Run("sanitized config", func(t *testing.T) {
		env := newTestEnv(t)
		env.cfg.Raw = map[string]any{
			"gateway": map[string]any{"auth": map[string]any{"token": "hunter2"}},
			"model":   "claw-1",
		}

		rec, body := env.get(t, "/api/openclaw-config")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, true, body["ok"])

		conf := body["config"].(map[string]any)
		auth := conf["gateway"].(map[string]any)["auth"].(map[string]any)
		assert.Equal(t, "[REDACTED]", auth["token"])
		assert.Equal(t, "claw-1", conf["model"])
	})

	t.Run("unavailable config", func(t *testing.T) {
		env := newTestEnv(t)
		env.cfg.Raw = nil
		env.cfg.LoadErr = os.ErrNotExist

		rec, body := env.get(t, "/api/openclaw-config")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, false, body["ok"])
		assert.NotEmpty(t, body["error"])
	})
}

func TestHandleSessions(t *testing.T) {
	env := newTestEnv(t)

	t.Run("empty store yields empty array", func(t *testing.T) {
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
	})

	t.Run("lists aggregated runs", func(t *testing.T) {
		env.insertEvent(t, store.Event{RunID: "run1", SessionKey: "sess", Seq: 0, Stream: "lifecycle", TS: 1})

		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
		var sessions []store.SessionRow
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessions))
		require.Len(t, sessions, 1)
		assert.Equal(t, "run1", sessions[0].RunID)
	})
}

func TestHandleTraces(t *testing.T) {
	env := newTestEnv(t)
	env.insertEvent(t, store.Event{RunID: "run1", SessionKey: "sess", Seq: 0, Stream: "lifecycle", TS: 1})
	env.insertEvent(t, store.Event{RunID: "run2", SessionKey: "sess", Seq: 0, Stream: "lifecycle", TS: 2})

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/traces/sess", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var events []store.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	assert.Len(t, events, 2)
}

func TestHandleSnapshots(t *testing.T) {
	env := newTestEnv(t)
	env.insertEvent(t, store.Event{RunID: "run1", SessionKey: "sess", Seq: 0, Stream: "lifecycle", TS: 1})
	content := "c"
	_, err := env.store.InsertSnapshotWholeFile("run1", 1, "write_file", "/tmp/f", nil, &content, false, true)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/snapshots/sess", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var snapshots []store.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshots))
	assert.Len(t, snapshots, 1)
}

func TestHandleLineage(t *testing.T) {
	env := newTestEnv(t)
	env.insertEvent(t, store.Event{RunID: "main1", SessionKey: "sess", Seq: 0, Stream: "lifecycle", TS: 1})
	env.insertEvent(t, store.Event{RunID: "fork1", SessionKey: "sess", Seq: 0, Stream: "fork_info", TS: 2, IsFork: true, ForkedFromRunID: "main1"})
	env.insertEvent(t, store.Event{RunID: "gwrun", SessionKey: "sess", Seq: 0, Stream: "lifecycle", TS: 3, IsFork: true, ForkedFromRunID: "fork1"})

	env.runs.Register("main1", lineage.Entry{SessionKey: "sess"})
	env.runs.Register("fork1", lineage.Entry{IsFork: true, ForkedFromRunID: "main1", SessionKey: "sess", HasForkInfo: true})
	env.runs.Register("gwrun", lineage.Entry{IsFork: true, ForkedFromRunID: "fork1", SessionKey: "sess"})

	rec, body := env.get(t, "/api/lineage/sess")
	assert.Equal(t, http.StatusOK, rec.Code)

	branches := body["branches"].([]any)
	require.Len(t, branches, 2)

	main := branches[0].(map[string]any)
	assert.Equal(t, lineage.MainBranch, main["branchKey"])
	assert.Equal(t, []any{"main1"}, main["runIds"])

	forked := branches[1].(map[string]any)
	assert.Equal(t, "fork1", forked["branchKey"])
	assert.Equal(t, []any{"fork1", "gwrun"}, forked["runIds"])
	assert.Equal(t, lineage.MainBranch, forked["parentBranch"])
}

func TestHandleRewindPreview(t *testing.T) {
	env := newTestEnv(t)

	t.Run("no snapshots yields empty plan", func(t *testing.T) {
		rec, body := env.get(t, "/api/rewind/preview/run1/5")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []any{}, body["files"])
	})

	t.Run("invalid seq", func(t *testing.T) {
		rec, _ := env.get(t, "/api/rewind/preview/run1/notanumber")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("lists planned actions", func(t *testing.T) {
		original := "x"
		_, err := env.store.InsertSnapshotStart("run1", 2, "write_file", "/tmp/a.txt", &original, true)
		require.NoError(t, err)

		rec, body := env.get(t, "/api/rewind/preview/run1/5")
		assert.Equal(t, http.StatusOK, rec.Code)
		files := body["files"].([]any)
		require.Len(t, files, 1)
		assert.Equal(t, "restore", files[0].(map[string]any)["action"])
	})
}

func TestHandleRewind(t *testing.T) {
	env := newTestEnv(t)

	t.Run("missing fields", func(t *testing.T) {
		rec, _ := env.post(t, "/api/rewind", `{"runId":"run1"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("no snapshots", func(t *testing.T) {
		rec, body := env.post(t, "/api/rewind", `{"runId":"run1","targetSeq":5}`)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, false, body["success"])
		assert.Contains(t, body["message"], "No file snapshots")
	})

	t.Run("executes and audits", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "file.txt")
		require.NoError(t, os.WriteFile(path, []byte("current"), 0o644))

		env.insertEvent(t, store.Event{RunID: "run2", SessionKey: "sess", Seq: 0, Stream: "lifecycle", TS: 1})
		original := "original"
		_, err := env.store.InsertSnapshotStart("run2", 1, "write_file", path, &original, true)
		require.NoError(t, err)

		rec, body := env.post(t, "/api/rewind", `{"runId":"run2","targetSeq":3}`)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, true, body["success"])
		assert.Equal(t, float64(1), body["filesAffected"])

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "original", string(data))

		// Audit event appended after the run's last seq.
		events, err := env.store.EventsForRun("run2")
		require.NoError(t, err)
		require.Len(t, events, 2)
		audit := events[1]
		assert.Equal(t, "rewind", audit.Stream)
		assert.Equal(t, int64(1), audit.Seq)
	})
}

func TestHandleForkValidation(t *testing.T) {
	env := newTestEnv(t)

	rec, _ := env.post(t, "/api/fork", `{"forkFromSeq":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = env.post(t, "/api/fork", `{"originalRunId":"run1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = env.post(t, "/api/fork", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestErrorResponseShape(t *testing.T) {
	env := newTestEnv(t)
	rec, body := env.post(t, "/api/rewind", `{}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body, "error")
}

func TestIsLocalOrigin(t *testing.T) {
	assert.True(t, isLocalOrigin("http://localhost:5173"))
	assert.True(t, isLocalOrigin("http://127.0.0.1:8000"))
	assert.False(t, isLocalOrigin("http://example.com"))
	assert.False(t, isLocalOrigin("not a url"))
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
