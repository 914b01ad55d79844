// Package broker decides when the daemon talks to the remote model and
// folds the results back into tab state. It owns the in-flight header
// request map that deduplicates and supersedes header generations.
package broker

import (
	"context"
	"sync"
	"time"

	"github.com/mhersche/chartassist/internal/config"
	"github.com/mhersche/chartassist/internal/llm"
	"github.com/mhersche/chartassist/internal/store"
	"github.com/mhersche/chartassist/internal/tabstate"
)

// LLM is the remote model surface the orchestrator needs.
type LLM interface {
	Query(ctx context.Context, req llm.Request) (string, error)
	Stream(ctx context.Context, req llm.Request, onDelta func(string) error) (string, error)
}

// Store is the durable surface the orchestrator needs: settings for
// config resolution and the header response cache.
type Store interface {
	LoadSettings() (config.Settings, error)
	GetCachedResponse(key string) (*store.CachedResponse, error)
	PutCachedResponse(store.CachedResponse) error
}

// pendingKey identifies one header-generation slot: at most one request
// may be in flight per (tab, patient).
type pendingKey struct {
	tabID      int
	patientKey string
}

// Orchestrator coordinates remote calls for one manager instance.
type Orchestrator struct {
	manager *tabstate.Manager
	store   Store
	llm     LLM

	// StreamFallback retries a failed chat stream once with a
	// non-streaming request. Off by default; the retry policy is
	// deliberate configuration, not an accident of the error path.
	StreamFallback bool

	// now is swappable for tests.
	now func() time.Time

	mu      sync.Mutex
	pending map[pendingKey]string // fingerprint currently being generated
}

// New wires an orchestrator to its collaborators.
func New(manager *tabstate.Manager, st Store, client LLM) *Orchestrator {
	return &Orchestrator{
		manager: manager,
		store:   st,
		llm:     client,
		now:     time.Now,
		pending: map[pendingKey]string{},
	}
}

func (o *Orchestrator) nowMillis() int64 {
	return o.now().UnixMilli()
}

// pendingFingerprint returns the fingerprint in flight for key, or "".
func (o *Orchestrator) pendingFingerprint(key pendingKey) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending[key]
}

func (o *Orchestrator) setPending(key pendingKey, fingerprint string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending[key] = fingerprint
}

// clearPendingIf removes the in-flight marker only when it still belongs
// to this fingerprint, so a late stale completion cannot clear a newer
// request's marker.
func (o *Orchestrator) clearPendingIf(key pendingKey, fingerprint string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pending[key] == fingerprint {
		delete(o.pending, key)
	}
}

// ResetChat clears the tab's chat sessions (see Manager.ResetChat).
func (o *Orchestrator) ResetChat(tabID int) error {
	_, err := o.manager.ResetChat(tabID)
	return err
}

// DeleteTab drops all state for a closed tab.
func (o *Orchestrator) DeleteTab(tabID int) error {
	return o.manager.Delete(tabID)
}

// Snapshot returns the tab's current state for the popup.
func (o *Orchestrator) Snapshot(tabID int) *tabstate.TabState {
	return o.manager.Snapshot(tabID)
}
