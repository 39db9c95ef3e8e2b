package rewind

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"forked/internal/logging"
	"forked/internal/observability"
	"forked/internal/store"
)

// ErrNoSnapshots is returned when the target range holds no file snapshots.
var ErrNoSnapshots = errors.New("no file snapshots recorded at or before the target sequence")

// TruncatedMarker is appended by the tracer when a snapshot body was cut off.
// Restoring such a body is best-effort, not bit-exact.
const TruncatedMarker = "[TRUNCATED]"

// PreviewFile describes one file a rewind would touch.
type PreviewFile struct {
	FilePath        string `json:"filePath"`
	OriginalExisted bool   `json:"originalExisted"`
	Action          string `json:"action"` // "restore" or "delete"
}

// Preview is the dry-run result of a rewind.
type Preview struct {
	RunID     string        `json:"runId"`
	TargetSeq int64         `json:"targetSeq"`
	Files     []PreviewFile `json:"files"`
}

// FileResult reports the outcome for one file of an executed rewind.
type FileResult struct {
	FilePath string `json:"filePath"`
	Action   string `json:"action"` // "restored", "deleted", "already_absent"
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// Backup captures a file's pre-rewind disk state for manual recovery.
type Backup struct {
	FilePath string  `json:"filePath"`
	Content  *string `json:"content,omitempty"`
	Existed  bool    `json:"existed"`
}

// Result is the outcome of an executed rewind. Success is true when at least
// one file operation succeeded; per-file failures stay in Results.
type Result struct {
	Success       bool         `json:"success"`
	BackupID      string       `json:"backupId"`
	FilesAffected int          `json:"filesAffected"`
	Results       []FileResult `json:"results"`
	Backups       []Backup     `json:"backups"`
}

// Engine restores filesystem state from recorded snapshots.
type Engine struct {
	store   *store.Store
	metrics *observability.Metrics
	logger  logging.Logger
}

// NewEngine creates a rewind engine over the given store.
func NewEngine(st *store.Store, metrics *observability.Metrics, logger logging.Logger) *Engine {
	return &Engine{
		store:   st,
		metrics: metrics,
		logger:  logging.OrNop(logger),
	}
}

// targets computes the per-file restore plan: for every distinct path touched
// at or before targetSeq, the earliest snapshot's before-image is the state
// that existed just prior to that point.
func (e *Engine) targets(runID string, targetSeq int64) ([]store.Snapshot, error) {
	snapshots, err := e.store.SnapshotsUpTo(runID, targetSeq)
	if err != nil {
		return nil, err
	}
	if len(snapshots) == 0 {
		return nil, ErrNoSnapshots
	}

	seen := make(map[string]bool, len(snapshots))
	var earliest []store.Snapshot
	for _, snap := range snapshots {
		if seen[snap.FilePath] {
			continue
		}
		seen[snap.FilePath] = true
		earliest = append(earliest, snap)
	}
	return earliest, nil
}

// Preview returns the files a rewind would restore or delete without touching
// the filesystem.
func (e *Engine) Preview(runID string, targetSeq int64) (*Preview, error) {
	targets, err := e.targets(runID, targetSeq)
	if err != nil {
		return nil, err
	}

	preview := &Preview{RunID: runID, TargetSeq: targetSeq}
	for _, snap := range targets {
		action := "restore"
		if !snap.ExistedBefore {
			action = "delete"
		}
		preview.Files = append(preview.Files, PreviewFile{
			FilePath:        snap.FilePath,
			OriginalExisted: snap.ExistedBefore,
			Action:          action,
		})
	}
	return preview, nil
}

// Execute rolls the filesystem back to the state recorded just before
// targetSeq. Each file is backed up first; failures are per-file.
func (e *Engine) Execute(runID string, targetSeq int64) (*Result, error) {
	targets, err := e.targets(runID, targetSeq)
	if err != nil {
		if errors.Is(err, ErrNoSnapshots) {
			e.metrics.RewindFinished("no_snapshots")
		}
		return nil, err
	}

	result := &Result{
		BackupID: fmt.Sprintf("rewind_%d", time.Now().UnixMilli()),
	}

	for _, snap := range targets {
		result.Backups = append(result.Backups, captureBackup(snap.FilePath))
	}

	anyOK := false
	allOK := true
	for _, snap := range targets {
		fileResult := e.applySnapshot(snap)
		result.Results = append(result.Results, fileResult)
		if fileResult.Success {
			anyOK = true
			result.FilesAffected++
		} else {
			allOK = false
		}
	}

	result.Success = anyOK
	switch {
	case allOK:
		e.metrics.RewindFinished("ok")
	case anyOK:
		e.metrics.RewindFinished("partial")
	default:
		e.metrics.RewindFinished("failed")
	}

	e.logger.Info("Rewind %s on run %s targetSeq=%d affected %d/%d files",
		result.BackupID, runID, targetSeq, result.FilesAffected, len(targets))
	return result, nil
}

func (e *Engine) applySnapshot(snap store.Snapshot) FileResult {
	if !snap.ExistedBefore {
		// The file did not exist at that point: remove it if present.
		if _, err := os.Lstat(snap.FilePath); err != nil {
			if os.IsNotExist(err) {
				return FileResult{FilePath: snap.FilePath, Action: "already_absent", Success: true}
			}
			return FileResult{FilePath: snap.FilePath, Action: "delete", Error: err.Error()}
		}
		if err := os.Remove(snap.FilePath); err != nil {
			return FileResult{FilePath: snap.FilePath, Action: "delete", Error: err.Error()}
		}
		return FileResult{FilePath: snap.FilePath, Action: "deleted", Success: true}
	}

	content := ""
	if snap.ContentBefore != nil {
		content = *snap.ContentBefore
	}
	if strings.HasSuffix(content, TruncatedMarker) {
		e.logger.Warn("Restoring truncated snapshot for %s; content is best-effort", snap.FilePath)
	}

	if err := os.MkdirAll(filepath.Dir(snap.FilePath), 0o755); err != nil {
		return FileResult{FilePath: snap.FilePath, Action: "restored", Error: err.Error()}
	}
	if err := os.WriteFile(snap.FilePath, []byte(content), 0o644); err != nil {
		return FileResult{FilePath: snap.FilePath, Action: "restored", Error: err.Error()}
	}
	return FileResult{FilePath: snap.FilePath, Action: "restored", Success: true}
}

func captureBackup(path string) Backup {
	data, err := os.ReadFile(path)
	if err != nil {
		return Backup{FilePath: path, Existed: false}
	}
	content := string(data)
	return Backup{FilePath: path, Content: &content, Existed: true}
}

// AppendAudit writes a rewind-stream audit event into runID at seq. The
// backup tuples ride along so partial failures remain manually recoverable.
func (e *Engine) AppendAudit(runID string, seq int64, isFork bool, forkedFrom string, targetRunID string, targetSeq int64, result *Result) error {
	data, err := json.Marshal(map[string]any{
		"type":          "rewind_executed",
		"runId":         targetRunID,
		"targetSeq":     targetSeq,
		"backupId":      result.BackupID,
		"filesAffected": result.FilesAffected,
		"results":       result.Results,
		"backups":       result.Backups,
	})
	if err != nil {
		return fmt.Errorf("encode rewind audit: %w", err)
	}

	_, err = e.store.InsertEvent(&store.Event{
		RunID:           runID,
		Seq:             seq,
		Stream:          "rewind",
		TS:              time.Now().UnixMilli(),
		Data:            data,
		IsFork:          isFork,
		ForkedFromRunID: forkedFrom,
	})
	if err != nil {
		return fmt.Errorf("append rewind audit: %w", err)
	}
	return nil
}
