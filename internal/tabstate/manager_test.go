package tabstate

import (
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/mhersche/chartassist/internal/config"
)

type memStore struct {
	mu      sync.Mutex
	saves   int
	deletes int
	rows    map[int][]byte
	saveErr error
}

func newMemStore() *memStore { return &memStore{rows: map[int][]byte{}} }

func (m *memStore) SaveTabState(tabID int, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	m.rows[tabID] = append([]byte(nil), state...)
	return nil
}

func (m *memStore) DeleteTabState(tabID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes++
	delete(m.rows, tabID)
	return nil
}

func TestSnapshotCreatesDefault(t *testing.T) {
	m := NewManager(newMemStore())
	s := m.Snapshot(1)
	if s.Status != StatusIdle {
		t.Fatalf("status = %q, want idle", s.Status)
	}
	if s.Model != config.DefaultModel {
		t.Fatalf("model = %q", s.Model)
	}
	if len(s.PromptChips) == 0 {
		t.Fatal("default chips missing")
	}
	if s.ChatSessions == nil || s.PatientHeaders == nil || s.Chat == nil {
		t.Fatal("maps or derived chat not initialized")
	}
}

func TestSnapshotIsIsolated(t *testing.T) {
	m := NewManager(newMemStore())
	if _, err := m.Merge(1, Update{
		ChatSessions: map[string]*ChatSession{
			"p1": {Messages: []ChatMessage{{Role: "user", Content: "hi"}}},
		},
		ActiveChatKey: Ptr("p1"),
	}); err != nil {
		t.Fatal(err)
	}

	snap := m.Snapshot(1)
	snap.ChatSessions["p1"].Messages[0].Content = "mutated"
	snap.Status = StatusError

	fresh := m.Snapshot(1)
	if fresh.ChatSessions["p1"].Messages[0].Content != "hi" {
		t.Fatal("snapshot mutation leaked into canonical state")
	}
	if fresh.Status == StatusError {
		t.Fatal("snapshot mutation leaked into canonical state")
	}
}

func TestMergeScalarsReplaceWholesale(t *testing.T) {
	m := NewManager(newMemStore())
	if _, err := m.Merge(1, Update{
		Status:  Ptr(StatusReady),
		IsEMR:   Ptr(true),
		Message: Ptr("hello"),
	}); err != nil {
		t.Fatal(err)
	}
	s, err := m.Merge(1, Update{Message: Ptr("")})
	if err != nil {
		t.Fatal(err)
	}
	if s.Message != "" {
		t.Fatalf("message = %q, want cleared", s.Message)
	}
	if s.Status != StatusReady || !s.IsEMR {
		t.Fatal("untouched fields changed")
	}
}

func TestMergeSessionsKeyByKey(t *testing.T) {
	m := NewManager(newMemStore())
	if _, err := m.Merge(1, Update{
		ChatSessions: map[string]*ChatSession{
			"p1": {Messages: []ChatMessage{{Role: "user", Content: "one"}}},
		},
	}); err != nil {
		t.Fatal(err)
	}
	s, err := m.Merge(1, Update{
		ChatSessions: map[string]*ChatSession{
			"p2": {Messages: []ChatMessage{{Role: "user", Content: "two"}}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(s.ChatSessions) != 2 {
		t.Fatalf("sessions = %d, want p1 kept and p2 added", len(s.ChatSessions))
	}
	if s.ChatSessions["p1"].Messages[0].Content != "one" {
		t.Fatal("p1 overwritten by unrelated merge")
	}
}

func TestMergeNilHeaderDeletes(t *testing.T) {
	m := NewManager(newMemStore())
	if _, err := m.Merge(1, Update{
		PatientHeaders: map[string]*HeaderEntry{
			"p1": {Status: HeaderReady, Text: "h", Fingerprint: "f"},
		},
	}); err != nil {
		t.Fatal(err)
	}
	s, err := m.Merge(1, Update{
		PatientHeaders: map[string]*HeaderEntry{"p1": nil},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.PatientHeaders["p1"]; ok {
		t.Fatal("nil value did not delete the entry")
	}
}

func TestMergeSessionInputNotAliased(t *testing.T) {
	m := NewManager(newMemStore())
	in := &ChatSession{Messages: []ChatMessage{{Role: "user", Content: "hi"}}}
	if _, err := m.Merge(1, Update{ChatSessions: map[string]*ChatSession{"p1": in}}); err != nil {
		t.Fatal(err)
	}
	in.Messages[0].Content = "mutated"
	if m.Snapshot(1).ChatSessions["p1"].Messages[0].Content != "hi" {
		t.Fatal("merge retained caller's session pointer")
	}
}

func TestActiveChatKeyPromotion(t *testing.T) {
	m := NewManager(newMemStore())
	s, err := m.Merge(1, Update{
		ChatSessions: map[string]*ChatSession{
			"b": NewChatSession(),
			"a": NewChatSession(),
		},
		ActiveChatKey: Ptr("gone"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if s.ActiveChatKey != "a" {
		t.Fatalf("activeChatKey = %q, want deterministic promotion to %q", s.ActiveChatKey, "a")
	}
	if !reflect.DeepEqual(s.Chat, s.ChatSessions["a"]) {
		t.Fatal("derived chat does not mirror the active session")
	}
}

func TestMergeTransientSkipsPersist(t *testing.T) {
	st := newMemStore()
	m := NewManager(st)
	if _, err := m.MergeTransient(1, Update{
		ChatSessions: map[string]*ChatSession{
			"p1": {Status: ChatStreaming, PendingAssistant: Ptr("partial")},
		},
	}); err != nil {
		t.Fatal(err)
	}
	st.mu.Lock()
	saves := st.saves
	st.mu.Unlock()
	if saves != 0 {
		t.Fatalf("transient merge wrote to store %d times", saves)
	}
	// The in-memory state still advanced.
	if m.Snapshot(1).ChatSessions["p1"].Status != ChatStreaming {
		t.Fatal("transient merge lost")
	}
}

func TestMergePersistFailure(t *testing.T) {
	st := newMemStore()
	st.saveErr = errors.New("disk full")
	m := NewManager(st)
	if _, err := m.Merge(1, Update{Status: Ptr(StatusReady)}); err == nil {
		t.Fatal("expected persist error")
	}
}

func TestNotifyAfterMutation(t *testing.T) {
	m := NewManager(newMemStore())
	var notified []int
	m.Notify = func(tabID int) {
		// Observers re-read state; this must not deadlock.
		_ = m.Snapshot(tabID)
		notified = append(notified, tabID)
	}
	if _, err := m.Merge(4, Update{Status: Ptr(StatusReady)}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.ResetChat(4); err != nil {
		t.Fatal(err)
	}
	if err := m.Delete(4); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(notified, []int{4, 4, 4}) {
		t.Fatalf("notified = %v", notified)
	}
}

func TestResetChatKeepsSessionKeys(t *testing.T) {
	m := NewManager(newMemStore())
	if _, err := m.Merge(1, Update{
		Status:     Ptr(StatusReady),
		IsEMR:      Ptr(true),
		PatientKey: Ptr("a"),
		ChatSessions: map[string]*ChatSession{
			"a": {Messages: []ChatMessage{
				{Role: "user", Content: "1"},
				{Role: "assistant", Content: "2"},
				{Role: "user", Content: "3"},
			}},
			"b": {Messages: []ChatMessage{{Role: "user", Content: "x"}}},
		},
		ActiveChatKey: Ptr("a"),
	}); err != nil {
		t.Fatal(err)
	}

	s, err := m.ResetChat(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(s.ChatSessions) != 2 {
		t.Fatalf("sessions = %d, want keys preserved", len(s.ChatSessions))
	}
	for key, sess := range s.ChatSessions {
		if len(sess.Messages) != 0 {
			t.Fatalf("session %q kept %d messages after reset", key, len(sess.Messages))
		}
	}
	if s.ActiveChatKey != "a" {
		t.Fatalf("activeChatKey = %q, want current patient kept active", s.ActiveChatKey)
	}
	if s.Status != StatusReady {
		t.Fatalf("status = %q", s.Status)
	}
}

func TestResetChatWithoutEMR(t *testing.T) {
	m := NewManager(newMemStore())
	if _, err := m.Merge(1, Update{
		Status:        Ptr(StatusNoEMR),
		ChatSessions:  map[string]*ChatSession{"old": {Messages: []ChatMessage{{Role: "user", Content: "x"}}}},
		ActiveChatKey: Ptr("old"),
	}); err != nil {
		t.Fatal(err)
	}
	s, err := m.ResetChat(1)
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != StatusIdle {
		t.Fatalf("status = %q, want idle", s.Status)
	}
	if len(s.ChatSessions["old"].Messages) != 0 {
		t.Fatal("messages survived reset")
	}
}

func TestLoadRoundTrip(t *testing.T) {
	st := newMemStore()
	m := NewManager(st)
	if _, err := m.Merge(9, Update{
		Status:        Ptr(StatusReady),
		IsEMR:         Ptr(true),
		PatientKey:    Ptr("p"),
		ActiveChatKey: Ptr("p"),
		ChatSessions: map[string]*ChatSession{
			"p": {Messages: []ChatMessage{{Role: "user", Content: "hi", CreatedAt: 123}}},
		},
	}); err != nil {
		t.Fatal(err)
	}

	reloaded := NewManager(st)
	st.mu.Lock()
	rows := make(map[int][]byte, len(st.rows))
	for k, v := range st.rows {
		rows[k] = v
	}
	st.mu.Unlock()
	reloaded.Load(rows)

	before := m.Snapshot(9)
	after := reloaded.Snapshot(9)
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("reload mismatch:\nbefore %+v\nafter  %+v", before, after)
	}
}

func TestLoadDropsCorruptRows(t *testing.T) {
	m := NewManager(newMemStore())
	good, _ := json.Marshal(NewTabState())
	m.Load(map[int][]byte{
		1: []byte("{not json"),
		2: good,
	})
	if s := m.Snapshot(2); s.Status != StatusIdle {
		t.Fatalf("good row lost: %+v", s)
	}
	// Tab 1 falls back to a default entry rather than poisoning startup.
	if s := m.Snapshot(1); s.Status != StatusIdle {
		t.Fatalf("corrupt row not dropped: %+v", s)
	}
}

func TestDeleteRemovesState(t *testing.T) {
	st := newMemStore()
	m := NewManager(st)
	if _, err := m.Merge(5, Update{Status: Ptr(StatusReady)}); err != nil {
		t.Fatal(err)
	}
	if err := m.Delete(5); err != nil {
		t.Fatal(err)
	}
	st.mu.Lock()
	_, ok := st.rows[5]
	deletes := st.deletes
	st.mu.Unlock()
	if ok || deletes != 1 {
		t.Fatalf("row still present (%v) or deletes = %d", ok, deletes)
	}
	if s := m.Snapshot(5); s.Status != StatusIdle {
		t.Fatal("delete did not reset in-memory state")
	}
	// Deleting an unknown tab is a no-op.
	if err := m.Delete(99); err != nil {
		t.Fatal(err)
	}
}
