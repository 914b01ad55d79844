package tabstate

import (
	"github.com/mhersche/chartassist/internal/config"
	"github.com/mhersche/chartassist/internal/types"
)

// MaxDOMChars bounds the DOM snapshot kept per tab (and fed to prompts).
const MaxDOMChars = 4000

// Status is the top-level tab status.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusNoEMR       Status = "no_emr"
	StatusNeedsAPIKey Status = "needs_api_key"
	StatusReady       Status = "ready"
	StatusError       Status = "error"
)

// ChatStatus is the per-session chat status.
type ChatStatus string

const (
	ChatIdle      ChatStatus = "idle"
	ChatStreaming ChatStatus = "streaming"
	ChatError     ChatStatus = "error"
)

// HeaderStatus is the lifecycle of a generated patient header.
type HeaderStatus string

const (
	HeaderIdle    HeaderStatus = "idle"
	HeaderPending HeaderStatus = "pending"
	HeaderReady   HeaderStatus = "ready"
	HeaderError   HeaderStatus = "error"
)

// ChatMessage is one turn in a chat transcript.
type ChatMessage struct {
	Role      string `json:"role"` // "user" or "assistant"
	Content   string `json:"content"`
	CreatedAt int64  `json:"createdAt"` // unix millis
}

// ChatSession is the conversation for one patient key. Sessions survive
// navigation and are reset, never deleted.
type ChatSession struct {
	Status   ChatStatus    `json:"status"`
	Messages []ChatMessage `json:"messages"`
	// PendingAssistant holds in-progress streamed text. Nil unless the
	// session is streaming; never persisted as a final message.
	PendingAssistant *string `json:"pendingAssistant"`
	Error            string  `json:"error,omitempty"`
	UpdatedAt        int64   `json:"updatedAt,omitempty"` // unix millis, 0 = never
}

// HeaderEntry is a cached generated patient header. Validity is decided by
// fingerprint match against current page content, never by age.
type HeaderEntry struct {
	Text        string       `json:"text"`
	Status      HeaderStatus `json:"status"`
	Error       string       `json:"error,omitempty"`
	Fingerprint string       `json:"fingerprint"`
	UpdatedAt   int64        `json:"updatedAt,omitempty"`
}

// ContextSnapshot is the last page context applied to a tab. DOM is
// truncated to MaxDOMChars before it gets here.
type ContextSnapshot struct {
	URL            string `json:"url"`
	Title          string `json:"title"`
	Reason         string `json:"reason"`
	ContextSummary string `json:"contextSummary"`
	DOM            string `json:"dom"`
}

// TabState is everything the daemon knows about one browser tab.
// Nullable keys (PatientKey, ActiveChatKey) use "" for null.
type TabState struct {
	Status         Status `json:"status"`
	Message        string `json:"message,omitempty"`
	ContextSummary string `json:"contextSummary,omitempty"`
	IsEMR          bool   `json:"isEmr"`
	UpdatedAt      int64  `json:"updatedAt,omitempty"`

	Model              string             `json:"model"`
	DefaultPrompt      string             `json:"defaultPrompt,omitempty"`
	DefaultPromptLabel string             `json:"defaultPromptLabel,omitempty"`
	PromptChips        []types.PromptChip `json:"promptChips"`

	LastContext  *ContextSnapshot `json:"lastContext,omitempty"`
	PatientKey   string           `json:"patientKey,omitempty"`
	PatientLabel string           `json:"patientLabel,omitempty"`

	DetectionHeader       string                  `json:"detectionHeader"`
	DetectionHeaderStatus HeaderStatus            `json:"detectionHeaderStatus"`
	PatientHeaders        map[string]*HeaderEntry `json:"patientHeaders"`

	ChatSessions  map[string]*ChatSession `json:"chatSessions"`
	ActiveChatKey string                  `json:"activeChatKey,omitempty"`
	// Chat is the derived view of the active session, recomputed on every
	// normalization. Never merged directly.
	Chat *ChatSession `json:"chat"`
}

// NewChatSession returns an empty idle session.
func NewChatSession() *ChatSession {
	return &ChatSession{Status: ChatIdle, Messages: []ChatMessage{}}
}

// NewTabState returns the default state for a tab the daemon has never
// heard from.
func NewTabState() *TabState {
	return &TabState{
		Status:                StatusIdle,
		Model:                 config.DefaultModel,
		PromptChips:           config.DefaultPromptChips(),
		DetectionHeaderStatus: HeaderIdle,
		PatientHeaders:        map[string]*HeaderEntry{},
		ChatSessions:          map[string]*ChatSession{},
		Chat:                  NewChatSession(),
	}
}
