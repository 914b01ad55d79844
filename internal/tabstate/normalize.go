package tabstate

import (
	"sort"

	"github.com/mhersche/chartassist/internal/config"
	"github.com/mhersche/chartassist/internal/types"
)

// Normalize repairs a state in place so that every invariant holds:
// enum fields are inside their domains, maps are non-nil, the active chat
// key references an existing session (promoting the first session when it
// dangles), and the derived Chat view matches the active session.
// Normalizing an already-normalized state changes nothing.
func (s *TabState) Normalize() {
	switch s.Status {
	case StatusIdle, StatusNoEMR, StatusNeedsAPIKey, StatusReady, StatusError:
	default:
		s.Status = StatusIdle
	}

	if s.Model == "" {
		s.Model = config.DefaultModel
	}
	s.PromptChips = normalizeChips(s.PromptChips)

	if s.ChatSessions == nil {
		s.ChatSessions = map[string]*ChatSession{}
	}
	for key, sess := range s.ChatSessions {
		s.ChatSessions[key] = normalizeSession(sess)
	}

	if _, ok := s.ChatSessions[s.ActiveChatKey]; !ok || s.ActiveChatKey == "" {
		s.ActiveChatKey = firstSessionKey(s.ChatSessions)
	}
	if s.ActiveChatKey != "" {
		s.Chat = s.ChatSessions[s.ActiveChatKey].clone()
	} else {
		s.Chat = NewChatSession()
	}

	if s.PatientHeaders == nil {
		s.PatientHeaders = map[string]*HeaderEntry{}
	}
	for key, entry := range s.PatientHeaders {
		s.PatientHeaders[key] = normalizeHeaderEntry(entry)
	}

	switch s.DetectionHeaderStatus {
	case HeaderIdle, HeaderPending, HeaderReady, HeaderError:
	default:
		s.DetectionHeaderStatus = HeaderIdle
	}
}

// firstSessionKey picks a deterministic session to promote when the active
// key dangles. Lexicographic order keeps repeated normalization stable.
func firstSessionKey(sessions map[string]*ChatSession) string {
	if len(sessions) == 0 {
		return ""
	}
	keys := make([]string, 0, len(sessions))
	for k := range sessions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys[0]
}

func normalizeSession(sess *ChatSession) *ChatSession {
	if sess == nil {
		return NewChatSession()
	}
	switch sess.Status {
	case ChatIdle, ChatStreaming, ChatError:
	default:
		sess.Status = ChatIdle
	}
	if sess.Messages == nil {
		sess.Messages = []ChatMessage{}
	}
	// In-progress text is only meaningful while streaming.
	if sess.Status != ChatStreaming {
		sess.PendingAssistant = nil
	}
	return sess
}

func normalizeHeaderEntry(entry *HeaderEntry) *HeaderEntry {
	if entry == nil {
		return &HeaderEntry{Status: HeaderIdle}
	}
	switch entry.Status {
	case HeaderIdle, HeaderPending, HeaderReady, HeaderError:
	default:
		entry.Status = HeaderIdle
	}
	return entry
}

func normalizeChips(chips []types.PromptChip) []types.PromptChip {
	if chips == nil {
		return config.DefaultPromptChips()
	}
	kept := make([]types.PromptChip, 0, len(chips))
	for _, chip := range chips {
		if chip.Label != "" && chip.Prompt != "" {
			kept = append(kept, chip)
		}
	}
	return kept
}

// Clone returns a deep copy, so snapshots handed to other goroutines are
// immune to later mutation.
func (s *TabState) Clone() *TabState {
	if s == nil {
		return nil
	}
	out := *s
	out.PromptChips = make([]types.PromptChip, len(s.PromptChips))
	copy(out.PromptChips, s.PromptChips)
	if s.LastContext != nil {
		lc := *s.LastContext
		out.LastContext = &lc
	}
	out.ChatSessions = make(map[string]*ChatSession, len(s.ChatSessions))
	for k, sess := range s.ChatSessions {
		out.ChatSessions[k] = sess.clone()
	}
	out.PatientHeaders = make(map[string]*HeaderEntry, len(s.PatientHeaders))
	for k, entry := range s.PatientHeaders {
		e := *entry
		out.PatientHeaders[k] = &e
	}
	out.Chat = s.Chat.clone()
	return &out
}

func (c *ChatSession) clone() *ChatSession {
	if c == nil {
		return nil
	}
	out := *c
	out.Messages = make([]ChatMessage, len(c.Messages))
	copy(out.Messages, c.Messages)
	if c.PendingAssistant != nil {
		p := *c.PendingAssistant
		out.PendingAssistant = &p
	}
	return &out
}
