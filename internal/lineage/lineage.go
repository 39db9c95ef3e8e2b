package lineage

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"forked/internal/logging"
)

// MainBranch is the sentinel branch key for runs outside any explicit fork.
const MainBranch = "MAIN"

const ancestorCacheSize = 1024

// Entry is the in-memory lineage record for one run.
type Entry struct {
	IsFork          bool
	ForkedFromRunID string
	SessionKey      string
	HasForkInfo     bool
}

// Stamp is the lineage stamp applied to an event before persisting.
type Stamp struct {
	IsFork          bool
	ForkedFromRunID string
}

// Row seeds the engine from persisted events at startup.
type Row struct {
	RunID           string
	IsFork          bool
	ForkedFromRunID string
	SessionKey      string
	HasForkInfo     bool
}

// Engine maintains the run→(parent, session) map and per-session explicit
// fork heads, and classifies incoming runs as main or branch.
//
// All maps are guarded by a single RWMutex; no lock is held across I/O.
type Engine struct {
	mu        sync.RWMutex
	runs      map[string]*Entry
	forkHeads map[string]string

	// ancestors memoizes NearestExplicitAncestor walks. Purged on any
	// lineage mutation since parent pointers may be back-filled.
	ancestors *lru.Cache[string, string]

	// promoteMaxEvents caps how many events a run may already carry and
	// still be adopted under the session's explicit fork head.
	promoteMaxEvents int64

	latestSessionKey         string
	latestForkInfoSessionKey string

	logger logging.Logger
}

// New creates an engine with the given promotion threshold.
func New(promoteMaxEvents int, logger logging.Logger) *Engine {
	cache, _ := lru.New[string, string](ancestorCacheSize)
	return &Engine{
		runs:             make(map[string]*Entry),
		forkHeads:        make(map[string]string),
		ancestors:        cache,
		promoteMaxEvents: int64(promoteMaxEvents),
		logger:           logging.OrNop(logger),
	}
}

// Seed loads lineage rows reconstructed from the store.
func (e *Engine) Seed(rows []Row) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, row := range rows {
		e.runs[row.RunID] = &Entry{
			IsFork:          row.IsFork,
			ForkedFromRunID: row.ForkedFromRunID,
			SessionKey:      row.SessionKey,
			HasForkInfo:     row.HasForkInfo,
		}
		if row.SessionKey != "" {
			e.latestSessionKey = row.SessionKey
			if row.HasForkInfo {
				e.latestForkInfoSessionKey = row.SessionKey
			}
		}
	}
	e.ancestors.Purge()
}

// Resolve classifies an incoming event's run and returns the lineage stamp to
// persist. eventCount is only consulted when promotion is plausible, so the
// caller can defer the store query. The second return reports that the run
// was newly promoted and its prior rows need back-filling.
func (e *Engine) Resolve(runID, sessionKey string, eventCount func() int64) (Stamp, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.runs[runID]
	if !ok {
		entry = &Entry{}
		e.runs[runID] = entry
	}
	if sessionKey != "" && entry.SessionKey != sessionKey {
		entry.SessionKey = sessionKey
	}
	if sessionKey != "" {
		e.latestSessionKey = sessionKey
	}

	promoted := false
	if !entry.IsFork && entry.SessionKey != "" {
		if head, ok := e.forkHeads[entry.SessionKey]; ok && head != runID {
			// Gateway runs spawned by a fork show up right after the
			// placeholder with at most a couple of events; long-lived runs
			// must not be rewritten.
			if eventCount() <= e.promoteMaxEvents {
				entry.IsFork = true
				entry.ForkedFromRunID = head
				promoted = true
				e.ancestors.Purge()
				e.logger.Info("Promoted run %s under fork head %s", runID, head)
			}
		}
	}

	return Stamp{IsFork: entry.IsFork, ForkedFromRunID: entry.ForkedFromRunID}, promoted
}

// NoteForkInfo records that runID carries a fork_info event, making it an
// explicit fork placeholder.
func (e *Engine) NoteForkInfo(runID, sessionKey string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.runs[runID]
	if !ok {
		entry = &Entry{}
		e.runs[runID] = entry
	}
	entry.HasForkInfo = true
	if sessionKey != "" {
		entry.SessionKey = sessionKey
		e.latestForkInfoSessionKey = sessionKey
	}
	e.ancestors.Purge()
}

// Register inserts or updates a run entry directly. Used by the fork engine
// for placeholder runs it creates itself.
func (e *Engine) Register(runID string, entry Entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	stored := entry
	e.runs[runID] = &stored
	if entry.SessionKey != "" {
		e.latestSessionKey = entry.SessionKey
		if entry.HasForkInfo {
			e.latestForkInfoSessionKey = entry.SessionKey
		}
	}
	e.ancestors.Purge()
}

// Link stamps runID as a fork child of placeholderRunID.
func (e *Engine) Link(runID, placeholderRunID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.runs[runID]
	if !ok {
		entry = &Entry{}
		e.runs[runID] = entry
	}
	entry.IsFork = true
	entry.ForkedFromRunID = placeholderRunID
	e.ancestors.Purge()
}

// Known reports whether runID has been observed before.
func (e *Engine) Known(runID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.runs[runID]
	return ok
}

// Entry returns a copy of the run's lineage entry.
func (e *Engine) Entry(runID string) (Entry, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.runs[runID]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// SetForkHead records runID as the session's most recent explicit fork.
func (e *Engine) SetForkHead(sessionKey, runID string) {
	if sessionKey == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.forkHeads[sessionKey] = runID
}

// ForkHead returns the session's recorded explicit fork head, if any.
func (e *Engine) ForkHead(sessionKey string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	head, ok := e.forkHeads[sessionKey]
	return head, ok
}

// LatestSessionKey returns the most recent non-empty session key observed on
// any event.
func (e *Engine) LatestSessionKey() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.latestSessionKey
}

// LatestForkInfoSessionKey returns the most recent session key observed on a
// fork_info event.
func (e *Engine) LatestForkInfoSessionKey() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.latestForkInfoSessionKey
}

// NearestExplicitAncestor walks parent pointers from runID until it reaches a
// run carrying a fork_info event. Results are memoized; cycles introduced by
// malformed lineage are guarded by a visited set. Returns "" when the walk
// ends without finding an explicit fork.
func (e *Engine) NearestExplicitAncestor(runID string) string {
	if cached, ok := e.ancestors.Get(runID); ok {
		return cached
	}

	e.mu.RLock()
	result := ""
	visited := make(map[string]bool)
	current := runID
	for current != "" && !visited[current] {
		visited[current] = true
		entry, ok := e.runs[current]
		if !ok {
			break
		}
		if entry.HasForkInfo {
			result = current
			break
		}
		current = entry.ForkedFromRunID
	}
	e.mu.RUnlock()

	e.ancestors.Add(runID, result)
	return result
}

// BranchKey assigns the run to a branch in the session tree. Runs with their
// own fork_info event anchor a branch; implicit fork children attach to the
// nearest explicit ancestor of their parent; everything else is MAIN.
func (e *Engine) BranchKey(runID string) string {
	entry, ok := e.Entry(runID)
	if !ok {
		return MainBranch
	}
	if entry.HasForkInfo {
		return runID
	}
	if entry.IsFork {
		if ancestor := e.NearestExplicitAncestor(entry.ForkedFromRunID); ancestor != "" {
			return ancestor
		}
	}
	return MainBranch
}
