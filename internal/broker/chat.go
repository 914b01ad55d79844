package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mhersche/chartassist/internal/applog"
	"github.com/mhersche/chartassist/internal/config"
	"github.com/mhersche/chartassist/internal/llm"
	"github.com/mhersche/chartassist/internal/tabstate"
)

// Chat rejection errors. These are user errors, decided before any
// network call; the transcript is never touched by a rejected request.
var (
	ErrNoEMR            = errors.New("No EMR detected on this page.")
	ErrNoPatient        = errors.New("No patient selected. Navigate to a patient chart to start chatting.")
	ErrAlreadyStreaming = errors.New("Assistant is already responding.")
	ErrNoAPIKey         = errors.New("An API key is required for chat.")
	ErrEmptyMessage     = errors.New("Enter a message to send.")
)

// ChatCommand is one user chat submission.
type ChatCommand struct {
	Message          string
	UseDefaultPrompt bool
	PageURL          string // fallback for config resolution when no context was captured
}

// Chat validates a chat submission, appends the user turn, and starts
// streaming the assistant's reply in the background. A non-nil return is
// a synchronous rejection; afterwards, progress and failures surface
// through the session's state.
func (o *Orchestrator) Chat(ctx context.Context, tabID int, cmd ChatCommand) error {
	state := o.manager.Snapshot(tabID)
	if !state.IsEMR {
		return ErrNoEMR
	}
	patientKey := state.ActiveChatKey
	if patientKey == "" {
		return ErrNoPatient
	}
	session := state.ChatSessions[patientKey]
	if session.Status == tabstate.ChatStreaming {
		return ErrAlreadyStreaming
	}

	contextURL := cmd.PageURL
	if state.LastContext != nil && state.LastContext.URL != "" {
		contextURL = state.LastContext.URL
	}
	settings, err := o.store.LoadSettings()
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	cfg := config.Resolve(settings, contextURL)
	if cfg.APIKey == "" {
		return ErrNoAPIKey
	}

	defaultPrompt := state.DefaultPrompt
	if defaultPrompt == "" {
		defaultPrompt = cfg.Prompt
	}

	userMessage := strings.TrimSpace(cmd.Message)
	if cmd.UseDefaultPrompt {
		userMessage = defaultPrompt
	}
	if userMessage == "" {
		return ErrEmptyMessage
	}

	conversation := append(session.Messages, tabstate.ChatMessage{
		Role:      "user",
		Content:   userMessage,
		CreatedAt: o.nowMillis(),
	})

	// Flip to streaming before any network I/O; per-delta updates are
	// transient so half-finished replies never hit the store.
	if _, err := o.manager.MergeTransient(tabID, tabstate.Update{
		ActiveChatKey: tabstate.Ptr(patientKey),
		Message:       tabstate.Ptr(""),
		ChatSessions: map[string]*tabstate.ChatSession{
			patientKey: {
				Status:           tabstate.ChatStreaming,
				Messages:         conversation,
				PendingAssistant: tabstate.Ptr(""),
				UpdatedAt:        o.nowMillis(),
			},
		},
	}); err != nil {
		return err
	}

	model := state.Model
	if model == "" {
		model = cfg.Model
	}
	prompt := buildChatPrompt(defaultPrompt, state.LastContext, state.ContextSummary, o.now()) +
		"\n\nConversation so far:\n" + serializeTranscript(conversation) + "\nAssistant:"

	go o.streamChat(ctx, tabID, patientKey, conversation, llm.Request{
		APIKey: cfg.APIKey,
		Model:  model,
		Input:  prompt,
	})
	return nil
}

// streamChat runs the streaming call and settles the session into a
// terminal state: idle with an appended assistant turn, idle with no new
// turn (empty reply), or error.
func (o *Orchestrator) streamChat(ctx context.Context, tabID int, patientKey string, conversation []tabstate.ChatMessage, req llm.Request) {
	applog.Info("chat.stream.start", "tab", tabID, "model", req.Model)

	finalText, err := o.llm.Stream(ctx, req, func(text string) error {
		_, mergeErr := o.manager.MergeTransient(tabID, tabstate.Update{
			ActiveChatKey: tabstate.Ptr(patientKey),
			ChatSessions: map[string]*tabstate.ChatSession{
				patientKey: {
					Status:           tabstate.ChatStreaming,
					Messages:         conversation,
					PendingAssistant: tabstate.Ptr(text),
					UpdatedAt:        o.nowMillis(),
				},
			},
		})
		return mergeErr
	})

	if err != nil && o.StreamFallback {
		applog.Info("chat.stream.fallback", "tab", tabID)
		finalText, err = o.llm.Query(ctx, req)
	}

	if err != nil {
		applog.Error("chat.stream", err, "tab", tabID)
		o.settleChat(tabID, patientKey, &tabstate.ChatSession{
			Status:    tabstate.ChatError,
			Messages:  conversation,
			Error:     err.Error(),
			UpdatedAt: o.nowMillis(),
		})
		return
	}

	finalText = strings.TrimSpace(finalText)
	if finalText == "" {
		// A no-op turn, not an error: keep the user message, append nothing.
		o.settleChat(tabID, patientKey, &tabstate.ChatSession{
			Status:    tabstate.ChatIdle,
			Messages:  conversation,
			UpdatedAt: o.nowMillis(),
		})
		return
	}

	applog.Info("chat.stream.done", "tab", tabID, "chars", len(finalText))
	o.settleChat(tabID, patientKey, &tabstate.ChatSession{
		Status: tabstate.ChatIdle,
		Messages: append(conversation, tabstate.ChatMessage{
			Role:      "assistant",
			Content:   finalText,
			CreatedAt: o.nowMillis(),
		}),
		UpdatedAt: o.nowMillis(),
	})
}

func (o *Orchestrator) settleChat(tabID int, patientKey string, session *tabstate.ChatSession) {
	if _, err := o.manager.Merge(tabID, tabstate.Update{
		ActiveChatKey: tabstate.Ptr(patientKey),
		ChatSessions:  map[string]*tabstate.ChatSession{patientKey: session},
	}); err != nil {
		applog.Error("chat.settle", err, "tab", tabID)
	}
}
