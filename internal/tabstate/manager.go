package tabstate

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mhersche/chartassist/internal/applog"
	"github.com/mhersche/chartassist/internal/types"
)

// Store is the durable backing for tab state. The manager writes through on
// every mutation; load happens once at startup via Load.
type Store interface {
	SaveTabState(tabID int, state []byte) error
	DeleteTabState(tabID int) error
}

// Update is a partial state change. Nil fields are left untouched; set
// fields replace wholesale, except ChatSessions and PatientHeaders which
// merge key by key (a nil PatientHeaders value deletes that entry).
// PatientKey and ActiveChatKey pointers to "" clear the key.
type Update struct {
	Status                *Status
	Message               *string
	ContextSummary        *string
	IsEMR                 *bool
	UpdatedAt             *int64
	Model                 *string
	DefaultPrompt         *string
	DefaultPromptLabel    *string
	PromptChips           []types.PromptChip
	LastContext           *ContextSnapshot
	PatientKey            *string
	PatientLabel          *string
	DetectionHeader       *string
	DetectionHeaderStatus *HeaderStatus
	ChatSessions          map[string]*ChatSession
	PatientHeaders        map[string]*HeaderEntry
	ActiveChatKey         *string
}

// Ptr is a convenience for building Updates.
func Ptr[T any](v T) *T { return &v }

// Manager is the sole owner and mutator of per-tab state. All operations
// hold that tab's lock across the read-modify-write-persist cycle, so
// logical operations on one tab never interleave while different tabs
// proceed concurrently.
type Manager struct {
	store Store

	// Notify, when set, is called with the tab id after every mutation so
	// observers (the popup, via the extension bridge) can re-fetch.
	Notify func(tabID int)

	mu    sync.Mutex
	tabs  map[int]*TabState
	locks map[int]*sync.Mutex
}

// NewManager returns a manager backed by store, with no tabs known yet.
func NewManager(store Store) *Manager {
	return &Manager{
		store: store,
		tabs:  map[int]*TabState{},
		locks: map[int]*sync.Mutex{},
	}
}

// Load rehydrates persisted tab state. Call once before serving events;
// rows that fail to decode are dropped (and logged) rather than wedging
// startup. Every loaded state is normalized, so older persisted shapes
// are repaired on the way in.
func (m *Manager) Load(rows map[int][]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for tabID, raw := range rows {
		var state TabState
		if err := json.Unmarshal(raw, &state); err != nil {
			applog.Error("tabstate.load", err, "tab", tabID)
			continue
		}
		state.Normalize()
		m.tabs[tabID] = &state
	}
	applog.Info("tabstate.loaded", "tabs", len(m.tabs))
}

func (m *Manager) tabLock(tabID int) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[tabID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[tabID] = l
	}
	return l
}

// current returns the canonical entry, creating a default one if the tab
// is unknown. Caller must hold the tab lock.
func (m *Manager) current(tabID int) *TabState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.tabs[tabID]
	if !ok {
		s = NewTabState()
		m.tabs[tabID] = s
	}
	return s
}

// Snapshot returns a normalized deep copy of the tab's state, creating a
// default entry for unknown tabs. The copy is safe to hand to other
// goroutines and never violates the state invariants.
func (m *Manager) Snapshot(tabID int) *TabState {
	l := m.tabLock(tabID)
	l.Lock()
	defer l.Unlock()

	s := m.current(tabID)
	s.Normalize()
	return s.Clone()
}

// Merge applies a partial update, re-derives the invariants, persists the
// result, and notifies observers. Returns the resulting snapshot.
func (m *Manager) Merge(tabID int, u Update) (*TabState, error) {
	return m.merge(tabID, u, true)
}

// MergeTransient is Merge without the store write. Used for
// high-frequency streaming updates whose pending text must not be
// persisted anyway.
func (m *Manager) MergeTransient(tabID int, u Update) (*TabState, error) {
	return m.merge(tabID, u, false)
}

func (m *Manager) merge(tabID int, u Update, persist bool) (*TabState, error) {
	l := m.tabLock(tabID)
	l.Lock()

	s := m.current(tabID)
	apply(s, u)
	s.Normalize()

	if persist {
		if err := m.persist(tabID, s); err != nil {
			l.Unlock()
			return nil, err
		}
	}
	snap := s.Clone()
	l.Unlock()

	// Notify outside the tab lock: observers typically respond by calling
	// Snapshot on the same tab.
	if m.Notify != nil {
		m.Notify(tabID)
	}
	return snap, nil
}

func apply(s *TabState, u Update) {
	if u.Status != nil {
		s.Status = *u.Status
	}
	if u.Message != nil {
		s.Message = *u.Message
	}
	if u.ContextSummary != nil {
		s.ContextSummary = *u.ContextSummary
	}
	if u.IsEMR != nil {
		s.IsEMR = *u.IsEMR
	}
	if u.UpdatedAt != nil {
		s.UpdatedAt = *u.UpdatedAt
	}
	if u.Model != nil {
		s.Model = *u.Model
	}
	if u.DefaultPrompt != nil {
		s.DefaultPrompt = *u.DefaultPrompt
	}
	if u.DefaultPromptLabel != nil {
		s.DefaultPromptLabel = *u.DefaultPromptLabel
	}
	if u.PromptChips != nil {
		s.PromptChips = normalizeChips(u.PromptChips)
	}
	if u.LastContext != nil {
		lc := *u.LastContext
		s.LastContext = &lc
	}
	if u.PatientKey != nil {
		s.PatientKey = *u.PatientKey
	}
	if u.PatientLabel != nil {
		s.PatientLabel = *u.PatientLabel
	}
	if u.DetectionHeader != nil {
		s.DetectionHeader = *u.DetectionHeader
	}
	if u.DetectionHeaderStatus != nil {
		s.DetectionHeaderStatus = *u.DetectionHeaderStatus
	}
	if u.ChatSessions != nil {
		if s.ChatSessions == nil {
			s.ChatSessions = map[string]*ChatSession{}
		}
		for key, sess := range u.ChatSessions {
			s.ChatSessions[key] = normalizeSession(sess.clone())
		}
	}
	if u.PatientHeaders != nil {
		if s.PatientHeaders == nil {
			s.PatientHeaders = map[string]*HeaderEntry{}
		}
		for key, entry := range u.PatientHeaders {
			if entry == nil {
				delete(s.PatientHeaders, key)
				continue
			}
			e := *entry
			s.PatientHeaders[key] = normalizeHeaderEntry(&e)
		}
	}
	if u.ActiveChatKey != nil {
		s.ActiveChatKey = *u.ActiveChatKey
	}
}

// ResetChat clears every chat session for the tab back to empty. If the
// tab has a current patient, that patient keeps an (empty) active session;
// otherwise no session is active.
func (m *Manager) ResetChat(tabID int) (*TabState, error) {
	l := m.tabLock(tabID)
	l.Lock()

	s := m.current(tabID)
	for key := range s.ChatSessions {
		s.ChatSessions[key] = NewChatSession()
	}
	s.Message = ""
	s.UpdatedAt = 0

	if !s.IsEMR {
		s.Status = StatusIdle
		s.ActiveChatKey = ""
	} else {
		s.Status = StatusReady
		if s.PatientKey != "" {
			s.ChatSessions[s.PatientKey] = NewChatSession()
			s.ActiveChatKey = s.PatientKey
		} else {
			s.ActiveChatKey = ""
		}
	}
	s.Normalize()

	if err := m.persist(tabID, s); err != nil {
		l.Unlock()
		return nil, err
	}
	snap := s.Clone()
	l.Unlock()

	if m.Notify != nil {
		m.Notify(tabID)
	}
	return snap, nil
}

// Delete drops all state for a closed tab. In-flight work keyed to the tab
// may still complete later; it will simply recreate a default entry that
// nothing reads.
func (m *Manager) Delete(tabID int) error {
	l := m.tabLock(tabID)
	l.Lock()

	m.mu.Lock()
	_, existed := m.tabs[tabID]
	delete(m.tabs, tabID)
	m.mu.Unlock()

	if !existed {
		l.Unlock()
		return nil
	}
	if err := m.store.DeleteTabState(tabID); err != nil {
		l.Unlock()
		return fmt.Errorf("delete tab %d: %w", tabID, err)
	}
	l.Unlock()

	applog.Info("tabstate.deleted", "tab", tabID)
	if m.Notify != nil {
		m.Notify(tabID)
	}
	return nil
}

func (m *Manager) persist(tabID int, s *TabState) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal tab %d: %w", tabID, err)
	}
	if err := m.store.SaveTabState(tabID, raw); err != nil {
		return fmt.Errorf("persist tab %d: %w", tabID, err)
	}
	return nil
}
