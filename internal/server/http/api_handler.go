package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"forked/internal/config"
	"forked/internal/fork"
	"forked/internal/gateway"
	"forked/internal/lineage"
	"forked/internal/logging"
	"forked/internal/rewind"
	"forked/internal/store"
)

// APIHandler is a thin shell over the store and the engines.
type APIHandler struct {
	store     *store.Store
	cfg       *config.Config
	runs      *lineage.Engine
	rewinder  *rewind.Engine
	forker    *fork.Engine
	startTime time.Time
	logger    logging.Logger
}

// NewAPIHandler wires the handler over its collaborators.
func NewAPIHandler(st *store.Store, cfg *config.Config, runs *lineage.Engine, rewinder *rewind.Engine, forker *fork.Engine, logger logging.Logger) *APIHandler {
	return &APIHandler{
		store:     st,
		cfg:       cfg,
		runs:      runs,
		rewinder:  rewinder,
		forker:    forker,
		startTime: time.Now(),
		logger:    logging.OrNop(logger),
	}
}

type apiErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func (h *APIHandler) writeError(c *gin.Context, status int, message string, err error) {
	if err != nil {
		h.logger.Error("HTTP %d - %s: %v", status, message, err)
	} else {
		h.logger.Warn("HTTP %d - %s", status, message)
	}
	resp := apiErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	c.JSON(status, resp)
}

// HandleHealth serves GET /api/health.
func (h *APIHandler) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": int64(time.Since(h.startTime).Seconds()),
	})
}

// HandleConfig serves GET /api/config.
func (h *APIHandler) HandleConfig(c *gin.Context) {
	var retention any = h.cfg.RetentionDays
	if h.cfg.RetentionDisabled() {
		retention = "never"
	}
	c.JSON(http.StatusOK, gin.H{"retentionDays": retention})
}

// HandleOpenclawConfig serves GET /api/openclaw-config with the sanitized
// host config.
func (h *APIHandler) HandleOpenclawConfig(c *gin.Context) {
	if h.cfg.Raw == nil {
		message := "host config unavailable"
		if h.cfg.LoadErr != nil {
			message = h.cfg.LoadErr.Error()
		}
		c.JSON(http.StatusOK, gin.H{"ok": false, "error": message})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "config": config.Sanitize(h.cfg.Raw)})
}

// HandleSessions serves GET /api/sessions.
func (h *APIHandler) HandleSessions(c *gin.Context) {
	sessions, err := h.store.ListSessions()
	if err != nil {
		h.writeError(c, http.StatusInternalServerError, "Failed to list sessions", err)
		return
	}
	if sessions == nil {
		sessions = []store.SessionRow{}
	}
	c.JSON(http.StatusOK, sessions)
}

// HandleTraces serves GET /api/traces/:id; id resolves as session_key first,
// then run_id.
func (h *APIHandler) HandleTraces(c *gin.Context) {
	events, err := h.store.ListTracesBySessionID(c.Param("id"))
	if err != nil {
		h.writeError(c, http.StatusInternalServerError, "Failed to list traces", err)
		return
	}
	if events == nil {
		events = []store.Event{}
	}
	c.JSON(http.StatusOK, events)
}

// HandleSnapshots serves GET /api/snapshots/:id with the same resolution rule
// as traces.
func (h *APIHandler) HandleSnapshots(c *gin.Context) {
	snapshots, err := h.store.ListSnapshotsBySessionID(c.Param("id"))
	if err != nil {
		h.writeError(c, http.StatusInternalServerError, "Failed to list snapshots", err)
		return
	}
	if snapshots == nil {
		snapshots = []store.Snapshot{}
	}
	c.JSON(http.StatusOK, snapshots)
}

type lineageBranch struct {
	BranchKey    string   `json:"branchKey"`
	RunIDs       []string `json:"runIds"`
	ParentBranch string   `json:"parentBranch,omitempty"`
}

// HandleLineage serves GET /api/lineage/:id: the session's branch tree keyed
// by explicit fork placeholders.
func (h *APIHandler) HandleLineage(c *gin.Context) {
	events, err := h.store.ListTracesBySessionID(c.Param("id"))
	if err != nil {
		h.writeError(c, http.StatusInternalServerError, "Failed to resolve session", err)
		return
	}

	seen := make(map[string]bool)
	branches := make(map[string]*lineageBranch)
	var order []string
	for _, event := range events {
		if seen[event.RunID] {
			continue
		}
		seen[event.RunID] = true

		key := h.runs.BranchKey(event.RunID)
		branch, ok := branches[key]
		if !ok {
			branch = &lineageBranch{BranchKey: key}
			if key != lineage.MainBranch {
				if entry, ok := h.runs.Entry(key); ok && entry.ForkedFromRunID != "" {
					branch.ParentBranch = h.runs.BranchKey(entry.ForkedFromRunID)
				}
			}
			branches[key] = branch
			order = append(order, key)
		}
		branch.RunIDs = append(branch.RunIDs, event.RunID)
	}

	out := make([]lineageBranch, 0, len(order))
	for _, key := range order {
		out = append(out, *branches[key])
	}
	c.JSON(http.StatusOK, gin.H{"branches": out})
}

// HandleRewindPreview serves GET /api/rewind/preview/:runId/:seq.
func (h *APIHandler) HandleRewindPreview(c *gin.Context) {
	runID := c.Param("runId")
	seq, err := strconv.ParseInt(c.Param("seq"), 10, 64)
	if err != nil {
		h.writeError(c, http.StatusBadRequest, "Invalid target sequence", err)
		return
	}

	preview, err := h.rewinder.Preview(runID, seq)
	if errors.Is(err, rewind.ErrNoSnapshots) {
		c.JSON(http.StatusOK, rewind.Preview{RunID: runID, TargetSeq: seq, Files: []rewind.PreviewFile{}})
		return
	}
	if err != nil {
		h.writeError(c, http.StatusInternalServerError, "Rewind preview failed", err)
		return
	}
	c.JSON(http.StatusOK, preview)
}

type rewindRequest struct {
	RunID     string `json:"runId"`
	TargetSeq *int64 `json:"targetSeq"`
}

// HandleRewind serves POST /api/rewind. On success a rewind-stream audit
// event is appended at the end of the target run.
func (h *APIHandler) HandleRewind(c *gin.Context) {
	var req rewindRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, http.StatusBadRequest, "Invalid rewind request", err)
		return
	}
	if req.RunID == "" || req.TargetSeq == nil {
		h.writeError(c, http.StatusBadRequest, "runId and targetSeq are required", nil)
		return
	}

	result, err := h.rewinder.Execute(req.RunID, *req.TargetSeq)
	if errors.Is(err, rewind.ErrNoSnapshots) {
		c.JSON(http.StatusOK, gin.H{
			"success": false,
			"message": "No file snapshots recorded at or before this point",
		})
		return
	}
	if err != nil {
		h.writeError(c, http.StatusInternalServerError, "Rewind failed", err)
		return
	}

	if result.Success {
		seq, err := h.store.MaxSeqForRun(req.RunID)
		if err != nil {
			h.logger.Error("Cannot determine audit seq for run %s: %v", req.RunID, err)
		} else {
			entry, _ := h.runs.Entry(req.RunID)
			if err := h.rewinder.AppendAudit(req.RunID, seq+1, entry.IsFork, entry.ForkedFromRunID, req.RunID, *req.TargetSeq, result); err != nil {
				h.logger.Error("Cannot append rewind audit for run %s: %v", req.RunID, err)
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"success":       result.Success,
		"backupId":      result.BackupID,
		"filesAffected": result.FilesAffected,
		"results":       result.Results,
	})
}

type forkRequest struct {
	OriginalRunID string         `json:"originalRunId"`
	ForkFromSeq   *int64         `json:"forkFromSeq"`
	ModifiedData  map[string]any `json:"modifiedData"`
}

// HandleFork serves POST /api/fork. Gateway failures map to 502; the
// placeholder branch stays visible either way.
func (h *APIHandler) HandleFork(c *gin.Context) {
	var req forkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, http.StatusBadRequest, "Invalid fork request", err)
		return
	}
	if req.OriginalRunID == "" || req.ForkFromSeq == nil {
		h.writeError(c, http.StatusBadRequest, "originalRunId and forkFromSeq are required", nil)
		return
	}
	if req.ModifiedData == nil {
		req.ModifiedData = map[string]any{}
	}

	resp, err := h.forker.Fork(c.Request.Context(), req.OriginalRunID, *req.ForkFromSeq, req.ModifiedData)
	if err != nil {
		var gerr *gateway.Error
		if errors.As(err, &gerr) {
			c.JSON(http.StatusBadGateway, resp)
			return
		}
		h.writeError(c, http.StatusInternalServerError, "Fork failed", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
