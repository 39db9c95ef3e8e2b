package fork

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"forked/internal/gateway"
	"forked/internal/lineage"
	"forked/internal/logging"
	"forked/internal/observability"
	"forked/internal/rewind"
	"forked/internal/store"
)

const (
	// rewindCtrlKey is the control flag the UI smuggles inside the edited
	// payload. It is detached at the boundary and never persisted.
	rewindCtrlKey = "__forkedRewindFirst"

	echoMaxChars = 3000
)

// Response is the fork operation result returned to the API.
type Response struct {
	Success       bool            `json:"success"`
	NewRunID      string          `json:"newRunId,omitempty"`
	Linked        bool            `json:"linked"`
	Message       string          `json:"message,omitempty"`
	GatewayResult json.RawMessage `json:"gatewayResult,omitempty"`
}

// rewindCtrl is the detached pre-fork rewind instruction.
type rewindCtrl struct {
	RunID     string
	TargetSeq int64
}

// Engine orchestrates fork execution: placeholder writes, optional pre-fork
// rewind, gateway invocation, reply delivery and run linkage.
type Engine struct {
	store    *store.Store
	runs     *lineage.Engine
	rewinder *rewind.Engine
	gateway  *gateway.Client
	channels map[string]bool
	pending  *pendingTable
	metrics  *observability.Metrics
	logger   logging.Logger
}

// NewEngine wires a fork engine over its collaborators. channels is the
// configured delivery channel set from the host config.
func NewEngine(st *store.Store, runs *lineage.Engine, rewinder *rewind.Engine, gw *gateway.Client, channels map[string]bool, metrics *observability.Metrics, logger logging.Logger) *Engine {
	logger = logging.OrNop(logger)
	return &Engine{
		store:    st,
		runs:     runs,
		rewinder: rewinder,
		gateway:  gw,
		channels: channels,
		pending:  newPendingTable(st, runs, logger),
		metrics:  metrics,
		logger:   logger,
	}
}

// StartReaper expires stale pending forks every minute until ctx is done.
func (e *Engine) StartReaper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(reapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if reaped := e.pending.reapExpired(now); reaped > 0 {
					e.logger.Info("Reaped %d expired pending forks", reaped)
				}
			}
		}
	}()
}

// HasPending reports whether any fork is awaiting linkage. The ingest
// pipeline consults this before attempting adoption of a new run.
func (e *Engine) HasPending() bool {
	return e.pending.size() > 0
}

// TryLinkNewRun adopts a newly observed run under the oldest pending fork.
func (e *Engine) TryLinkNewRun(runID string) bool {
	return e.pending.tryLink(runID)
}

// Fork re-runs the agent from the chosen point of origin with edited inputs.
// Gateway failures are returned as *gateway.Error so the API can map them to
// 502; the placeholder run is left in the store either way.
func (e *Engine) Fork(ctx context.Context, originRunID string, forkFromSeq int64, modifiedPayload map[string]any) (*Response, error) {
	startedAt := time.Now()

	history, err := e.store.EventsForRunBefore(originRunID, forkFromSeq)
	if err != nil {
		e.metrics.ForkFinished("store_failed")
		return nil, fmt.Errorf("load fork history: %w", err)
	}

	sessionKey, err := e.store.LatestSessionKey(originRunID)
	if err != nil {
		e.metrics.ForkFinished("store_failed")
		return nil, fmt.Errorf("resolve session key: %w", err)
	}

	ctrl, edited := detachRewindCtrl(modifiedPayload)
	message := chooseReplayMessage(edited, history)

	newRunID := fmt.Sprintf("fork_%s_%d", shortID(originRunID), startedAt.UnixMilli())
	if err := e.writePlaceholder(newRunID, originRunID, forkFromSeq, sessionKey, edited, message, startedAt); err != nil {
		e.metrics.ForkFinished("store_failed")
		return nil, err
	}

	e.runs.Register(newRunID, lineage.Entry{
		IsFork:          true,
		ForkedFromRunID: originRunID,
		SessionKey:      sessionKey,
		HasForkInfo:     true,
	})
	e.pending.put(&PendingFork{
		PlaceholderRunID: newRunID,
		OriginRunID:      originRunID,
		ForkFromSeq:      forkFromSeq,
		SessionKey:       sessionKey,
		ModifiedPayload:  edited,
		StartedAt:        startedAt,
	})
	e.runs.SetForkHead(sessionKey, newRunID)

	if ctrl != nil {
		if resp, err := e.preForkRewind(newRunID, originRunID, *ctrl, edited); err != nil || resp != nil {
			return resp, err
		}
	}

	hint := e.deriveHint(edited, history, sessionKey)

	if hint != nil && hint.Channel == "telegram" {
		echo := truncate("FORKED (YOU): "+message, echoMaxChars)
		if err := e.gateway.SendEcho(ctx, hint.Channel, hint.To, echo); err != nil {
			e.logger.Warn("Fork pre-echo failed: %v", err)
		}
	}

	gatewayResult, err := e.gateway.RunAgent(ctx, message, sessionKey)
	if err != nil {
		e.pending.remove(newRunID)
		e.metrics.ForkFinished("gateway_failed")
		e.logger.Error("Gateway agent call failed for fork %s: %v", newRunID, err)
		return &Response{
			Success:  false,
			NewRunID: newRunID,
			Message:  fmt.Sprintf("Gateway call failed: %v", err),
		}, err
	}

	if text := terminalText(gatewayResult); text != "" && hint != nil {
		if err := e.gateway.SendEcho(ctx, hint.Channel, hint.To, text); err != nil {
			e.logger.Warn("Fork reply delivery failed: %v", err)
		}
	}

	linked := e.linkAfterRun(gatewayResult, newRunID, originRunID, sessionKey, startedAt)

	e.metrics.ForkFinished("ok")
	return &Response{
		Success:       true,
		NewRunID:      newRunID,
		Linked:        linked,
		GatewayResult: gatewayResult,
	}, nil
}

// writePlaceholder transactionally writes the fork_info event (seq 0) and,
// when a replay message exists, the synthetic message_received (seq 1).
func (e *Engine) writePlaceholder(newRunID, originRunID string, forkFromSeq int64, sessionKey string, edited map[string]any, message string, startedAt time.Time) error {
	forkInfo, err := json.Marshal(map[string]any{
		"type":          "fork_info",
		"originalRunId": originRunID,
		"forkFromSeq":   forkFromSeq,
		"modifiedData":  edited,
	})
	if err != nil {
		return fmt.Errorf("encode fork_info: %w", err)
	}

	events := []*store.Event{{
		RunID:           newRunID,
		SessionKey:      sessionKey,
		Seq:             0,
		Stream:          "fork_info",
		TS:              startedAt.UnixMilli(),
		Data:            forkInfo,
		IsFork:          true,
		ForkedFromRunID: originRunID,
	}}

	if message != "" {
		received, err := json.Marshal(map[string]any{
			"type":      "message_received",
			"source":    "forked",
			"content":   message,
			"timestamp": startedAt.UnixMilli(),
			"synthetic": true,
		})
		if err != nil {
			return fmt.Errorf("encode synthetic message: %w", err)
		}
		events = append(events, &store.Event{
			RunID:           newRunID,
			SessionKey:      sessionKey,
			Seq:             1,
			Stream:          "lifecycle",
			TS:              startedAt.UnixMilli(),
			Data:            received,
			IsFork:          true,
			ForkedFromRunID: originRunID,
		})
	}

	if err := e.store.InsertEventsAtomic(events); err != nil {
		return fmt.Errorf("write fork placeholder: %w", err)
	}
	return nil
}

// preForkRewind executes the detached rewind instruction. A failure drops the
// pending fork and yields a non-nil failure response; on success a rewind
// audit event lands at seq 2 of the placeholder run and the fork continues
// (nil, nil).
func (e *Engine) preForkRewind(newRunID, originRunID string, ctrl rewindCtrl, edited map[string]any) (*Response, error) {
	result, err := e.rewinder.Execute(ctrl.RunID, ctrl.TargetSeq)
	if err != nil {
		e.pending.remove(newRunID)
		e.metrics.ForkFinished("rewind_failed")
		return &Response{
			Success:  false,
			NewRunID: newRunID,
			Message:  fmt.Sprintf("Pre-fork rewind failed: %v", err),
		}, nil
	}

	if err := e.rewinder.AppendAudit(newRunID, 2, true, originRunID, ctrl.RunID, ctrl.TargetSeq, result); err != nil {
		e.logger.Error("Failed to append pre-fork rewind audit: %v", err)
	}

	e.applyConfigChange(edited)
	return nil, nil
}

// applyConfigChange writes the edited config body back to disk when the fork
// edits a config_change observation.
func (e *Engine) applyConfigChange(edited map[string]any) {
	if t, _ := edited["type"].(string); t != "config_change" {
		return
	}
	path, _ := edited["filePath"].(string)
	if path == "" {
		return
	}

	content, ok := edited["currentRaw"].(string)
	if !ok {
		raw, err := json.MarshalIndent(edited["currentContent"], "", "  ")
		if err != nil {
			e.logger.Warn("Cannot serialize edited config for %s: %v", path, err)
			return
		}
		content = string(raw)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		e.logger.Warn("Cannot create directory for edited config %s: %v", path, err)
		return
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		e.logger.Warn("Cannot write edited config %s: %v", path, err)
		return
	}
	e.logger.Info("Wrote edited config to %s after rewind", path)
}

// linkAfterRun links the gateway-created run into the placeholder: first via
// the runId the gateway reported, then by scanning for runs that appeared
// since just before the fork started.
func (e *Engine) linkAfterRun(gatewayResult json.RawMessage, newRunID, originRunID, sessionKey string, startedAt time.Time) bool {
	if reported := reportedRunID(gatewayResult); reported != "" {
		if e.pending.tryLink(reported) {
			return true
		}
	}

	sinceMs := startedAt.Add(-maxLinkageAge).UnixMilli()
	candidates, err := e.store.RunsCreatedAfter(sinceMs, sessionKey)
	if err != nil {
		e.logger.Warn("Linkage scan failed: %v", err)
		return false
	}
	for _, candidate := range candidates {
		if candidate == newRunID || candidate == originRunID {
			continue
		}
		if e.pending.tryLink(candidate) {
			return true
		}
	}
	return false
}

// detachRewindCtrl extracts __forkedRewindFirst, returning the control and
// the remaining edited payload.
func detachRewindCtrl(modified map[string]any) (*rewindCtrl, map[string]any) {
	edited := make(map[string]any, len(modified))
	for key, value := range modified {
		if key == rewindCtrlKey {
			continue
		}
		edited[key] = value
	}

	raw, ok := modified[rewindCtrlKey].(map[string]any)
	if !ok {
		return nil, edited
	}
	runID, _ := raw["runId"].(string)
	seq, ok := numberAsInt64(raw["targetSeq"])
	if runID == "" || !ok {
		return nil, edited
	}
	return &rewindCtrl{RunID: runID, TargetSeq: seq}, edited
}

// chooseReplayMessage picks what to feed the agent: the edited payload's own
// text, then the newest inbound content or LLM prompt in the history slice,
// then the serialized edited payload.
func chooseReplayMessage(edited map[string]any, history []store.Event) string {
	for _, key := range []string{"prompt", "message", "content"} {
		if text, ok := edited[key].(string); ok && text != "" {
			return text
		}
	}

	for i := len(history) - 1; i >= 0; i-- {
		var data struct {
			Type    string `json:"type"`
			Content string `json:"content"`
			Prompt  string `json:"prompt"`
		}
		if err := json.Unmarshal(history[i].Data, &data); err != nil {
			continue
		}
		if data.Type == "message_received" && data.Content != "" {
			return data.Content
		}
		if data.Type == "llm_input" && data.Prompt != "" {
			return data.Prompt
		}
	}

	raw, err := json.Marshal(edited)
	if err != nil {
		return ""
	}
	return string(raw)
}

// terminalText concatenates result.payloads[*].text from the gateway's
// terminal response.
func terminalText(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var parsed struct {
		Result struct {
			Payloads []struct {
				Text string `json:"text"`
			} `json:"payloads"`
		} `json:"result"`
	}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return ""
	}
	text := ""
	for _, item := range parsed.Result.Payloads {
		text += item.Text
	}
	return text
}

// reportedRunID reads the run id the gateway attached to its terminal
// response, checking the top level first and then the result object.
func reportedRunID(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var parsed struct {
		RunID  string `json:"runId"`
		Result struct {
			RunID string `json:"runId"`
		} `json:"result"`
	}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return ""
	}
	if parsed.RunID != "" {
		return parsed.RunID
	}
	return parsed.Result.RunID
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(text string, max int) string {
	if len(text) <= max {
		return text
	}
	return text[:max]
}

func numberAsInt64(value any) (int64, bool) {
	switch v := value.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, true
		}
	}
	return 0, false
}
