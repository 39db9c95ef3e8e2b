package fork

import (
	"sync"
	"time"

	"forked/internal/lineage"
	"forked/internal/logging"
	"forked/internal/store"
)

const (
	pendingTTL    = 5 * time.Minute
	reapInterval  = 60 * time.Second
	maxLinkageAge = time.Second
)

// PendingFork tracks a placeholder run awaiting adoption of the gateway-created
// run that will carry the forked execution.
type PendingFork struct {
	PlaceholderRunID string
	OriginRunID      string
	ForkFromSeq      int64
	SessionKey       string
	ModifiedPayload  map[string]any
	StartedAt        time.Time
}

// pendingTable is the FIFO table of pending forks plus the set of runs that
// have already been linked, guarded by one mutex.
type pendingTable struct {
	mu     sync.Mutex
	order  []string
	forks  map[string]*PendingFork
	linked map[string]bool

	st     *store.Store
	runs   *lineage.Engine
	logger logging.Logger
}

func newPendingTable(st *store.Store, runs *lineage.Engine, logger logging.Logger) *pendingTable {
	return &pendingTable{
		forks:  make(map[string]*PendingFork),
		linked: make(map[string]bool),
		st:     st,
		runs:   runs,
		logger: logging.OrNop(logger),
	}
}

func (p *pendingTable) put(pending *PendingFork) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.forks[pending.PlaceholderRunID]; !exists {
		p.order = append(p.order, pending.PlaceholderRunID)
	}
	p.forks[pending.PlaceholderRunID] = pending
}

func (p *pendingTable) remove(placeholderRunID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(placeholderRunID)
}

func (p *pendingTable) removeLocked(placeholderRunID string) {
	delete(p.forks, placeholderRunID)
	for i, id := range p.order {
		if id == placeholderRunID {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

func (p *pendingTable) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.forks)
}

// tryLink adopts runID under the FIFO-oldest pending fork. The store rows and
// in-memory lineage are updated and the placeholder becomes the session's
// fork head. Idempotent: an already-linked run is a no-op success.
func (p *pendingTable) tryLink(runID string) bool {
	p.mu.Lock()

	if p.linked[runID] {
		p.mu.Unlock()
		return true
	}

	var oldest *PendingFork
	for _, id := range p.order {
		candidate := p.forks[id]
		if candidate == nil {
			continue
		}
		if runID == candidate.PlaceholderRunID || runID == candidate.OriginRunID {
			p.mu.Unlock()
			return false
		}
		oldest = candidate
		break
	}
	if oldest == nil {
		p.mu.Unlock()
		return false
	}

	p.linked[runID] = true
	p.removeLocked(oldest.PlaceholderRunID)
	placeholder := oldest.PlaceholderRunID
	sessionKey := oldest.SessionKey
	p.mu.Unlock()

	// Store and lineage writes happen outside the table lock.
	if err := p.st.MarkRunAsFork(runID, placeholder); err != nil {
		p.logger.Error("Failed to back-fill lineage for linked run %s: %v", runID, err)
	}
	p.runs.Link(runID, placeholder)
	p.runs.SetForkHead(sessionKey, placeholder)

	p.logger.Info("Linked run %s into fork placeholder %s", runID, placeholder)
	return true
}

// reapExpired drops pending forks older than the TTL.
func (p *pendingTable) reapExpired(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	reaped := 0
	for id, pending := range p.forks {
		if now.Sub(pending.StartedAt) > pendingTTL {
			p.removeLocked(id)
			reaped++
		}
	}
	return reaped
}
