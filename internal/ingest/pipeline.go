package ingest

import (
	"encoding/json"
	"fmt"
	"sync"

	"forked/internal/lineage"
	"forked/internal/logging"
	"forked/internal/observability"
	"forked/internal/store"
)

// Linker is the pending-fork adoption hook exposed by the fork engine.
type Linker interface {
	HasPending() bool
	TryLinkNewRun(runID string) bool
}

// Frame is one inbound tracer message.
type Frame struct {
	RunID      string          `json:"runId"`
	SessionKey string          `json:"sessionKey"`
	Seq        int64           `json:"seq"`
	Stream     string          `json:"stream"`
	TS         int64           `json:"ts"`
	Data       json.RawMessage `json:"data"`
}

// dataProbe is the subset of the opaque payload the pipeline inspects.
type dataProbe struct {
	Type         string        `json:"type"`
	ToolName     string        `json:"toolName"`
	FilePath     string        `json:"filePath"`
	FileSnapshot *fileSnapshot `json:"fileSnapshot"`
}

type fileSnapshot struct {
	FilePath      string  `json:"filePath"`
	ContentBefore *string `json:"contentBefore"`
	ContentAfter  *string `json:"contentAfter"`
	ExistedBefore bool    `json:"existedBefore"`
	ExistsAfter   *bool   `json:"existsAfter"`
}

// Pipeline enriches and persists tracer frames. Writes are serialized per run
// so tracer-assigned seq order survives concurrent connections; distinct runs
// may interleave freely.
type Pipeline struct {
	store   *store.Store
	runs    *lineage.Engine
	linker  Linker
	metrics *observability.Metrics
	logger  logging.Logger

	locksMu  sync.Mutex
	runLocks map[string]*sync.Mutex
}

// NewPipeline builds the per-event pipeline.
func NewPipeline(st *store.Store, runs *lineage.Engine, linker Linker, metrics *observability.Metrics, logger logging.Logger) *Pipeline {
	return &Pipeline{
		store:    st,
		runs:     runs,
		linker:   linker,
		metrics:  metrics,
		logger:   logging.OrNop(logger),
		runLocks: make(map[string]*sync.Mutex),
	}
}

// Process handles one raw frame. Per-event errors are logged and swallowed; a
// bad frame never stalls the stream.
func (p *Pipeline) Process(raw []byte) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		p.metrics.ParseErrorDropped()
		p.logger.Warn("Dropping unparseable frame: %v", err)
		return
	}
	if len(frame.Data) == 0 || frame.Stream == "" {
		p.metrics.ParseErrorDropped()
		p.logger.Warn("Dropping incomplete frame (stream=%q)", frame.Stream)
		return
	}

	var probe dataProbe
	// The payload is opaque; probe errors only disable snapshot extraction
	// and background synthesis.
	_ = json.Unmarshal(frame.Data, &probe)

	if !p.resolveBackgroundRun(&frame, probe) {
		return
	}

	if err := p.ingest(&frame, probe); err != nil {
		p.logger.Error("Failed to ingest event run=%s seq=%d: %v", frame.RunID, frame.Seq, err)
	}
}

// resolveBackgroundRun attaches run-less config and setup-file observations
// to the live session by synthesizing a bg_ run id. Returns false when the
// frame should be dropped.
func (p *Pipeline) resolveBackgroundRun(frame *Frame, probe dataProbe) bool {
	if frame.RunID != "" && frame.RunID != "unknown" {
		return true
	}
	if probe.Type != "config_change" && probe.Type != "setup_file_change" {
		p.metrics.ParseErrorDropped()
		p.logger.Warn("Dropping frame without run id (type=%q)", probe.Type)
		return false
	}

	sessionKey := p.runs.LatestForkInfoSessionKey()
	if sessionKey == "" {
		sessionKey = p.runs.LatestSessionKey()
	}
	if sessionKey == "" {
		// No session to attach to yet; drop silently.
		return false
	}

	frame.SessionKey = sessionKey
	frame.RunID = fmt.Sprintf("bg_%s_%d_%d", shortKey(sessionKey), frame.TS, frame.Seq)
	return true
}

func (p *Pipeline) ingest(frame *Frame, probe dataProbe) error {
	lock := p.lockForRun(frame.RunID)
	lock.Lock()
	defer lock.Unlock()

	wasKnown := p.runs.Known(frame.RunID)

	stamp, promoted := p.runs.Resolve(frame.RunID, frame.SessionKey, func() int64 {
		count, err := p.store.EventCountForRun(frame.RunID)
		if err != nil {
			p.logger.Warn("Event count lookup failed for %s: %v", frame.RunID, err)
			return 0
		}
		return count
	})
	if promoted {
		if err := p.store.MarkRunAsFork(frame.RunID, stamp.ForkedFromRunID); err != nil {
			p.logger.Error("Failed to back-fill promoted run %s: %v", frame.RunID, err)
		}
	}

	if frame.Stream == "fork_info" || probe.Type == "fork_info" {
		p.runs.NoteForkInfo(frame.RunID, frame.SessionKey)
	}

	if _, err := p.store.InsertEvent(&store.Event{
		RunID:           frame.RunID,
		SessionKey:      frame.SessionKey,
		Seq:             frame.Seq,
		Stream:          frame.Stream,
		TS:              frame.TS,
		Data:            frame.Data,
		IsFork:          stamp.IsFork,
		ForkedFromRunID: stamp.ForkedFromRunID,
	}); err != nil {
		return err
	}
	p.metrics.EventIngested()

	if !wasKnown && p.linker != nil && p.linker.HasPending() {
		p.linker.TryLinkNewRun(frame.RunID)
	}

	p.extractSnapshot(frame, probe)
	return nil
}

// extractSnapshot persists inline file-snapshot payloads.
func (p *Pipeline) extractSnapshot(frame *Frame, probe dataProbe) {
	snap := probe.FileSnapshot
	if snap == nil {
		return
	}
	filePath := probe.FilePath
	if filePath == "" {
		filePath = snap.FilePath
	}
	if filePath == "" {
		return
	}

	switch probe.Type {
	case "tool_call_start":
		if _, err := p.store.InsertSnapshotStart(frame.RunID, frame.Seq, probe.ToolName, filePath, snap.ContentBefore, snap.ExistedBefore); err != nil {
			p.logger.Error("Snapshot start insert failed for %s: %v", filePath, err)
		}
	case "tool_call_end":
		existsAfter := true
		if snap.ExistsAfter != nil {
			existsAfter = *snap.ExistsAfter
		}
		matched, err := p.store.UpdateSnapshotEnd(frame.RunID, filePath, snap.ContentAfter, existsAfter)
		if err != nil {
			p.logger.Error("Snapshot end update failed for %s: %v", filePath, err)
		} else if !matched {
			p.logger.Warn("Snapshot end without matching start for %s in run %s", filePath, frame.RunID)
		}
	case "config_change", "setup_file_change":
		existsAfter := true
		if snap.ExistsAfter != nil {
			existsAfter = *snap.ExistsAfter
		}
		if _, err := p.store.InsertSnapshotWholeFile(frame.RunID, frame.Seq, probe.ToolName, filePath, snap.ContentBefore, snap.ContentAfter, snap.ExistedBefore, existsAfter); err != nil {
			p.logger.Error("Whole-file snapshot insert failed for %s: %v", filePath, err)
		}
	}
}

func (p *Pipeline) lockForRun(runID string) *sync.Mutex {
	p.locksMu.Lock()
	defer p.locksMu.Unlock()
	lock, ok := p.runLocks[runID]
	if !ok {
		lock = &sync.Mutex{}
		p.runLocks[runID] = lock
	}
	return lock
}

func shortKey(key string) string {
	if len(key) > 8 {
		return key[:8]
	}
	return key
}
