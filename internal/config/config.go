package config

import (
	"net/url"
	"strings"

	"github.com/mhersche/chartassist/internal/types"
)

// DefaultModel is used when neither global nor per-site settings name one.
const DefaultModel = "gpt-4o-mini"

// SystemPrompt is the default chat prompt when the user has not configured one.
const SystemPrompt = `You are a clinical workflow assistant. Use the supplied information to assist the user as best you can. Be brief unless the user asks otherwise.`

// UnknownHost is the sentinel hostname for URLs that cannot be parsed.
// Resolution fails closed: an unparseable URL gets no site override.
const UnknownHost = "unknown"

// SiteOverride carries per-hostname overrides. The API key is never
// overridable per site.
type SiteOverride struct {
	Model  string `json:"model,omitempty"`
	Prompt string `json:"prompt,omitempty"`
}

// Settings is the persisted global configuration, written by the settings
// CLI (standing in for the extension's options page) and read on every
// inbound event.
type Settings struct {
	APIKey        string                  `json:"apiKey"`
	Model         string                  `json:"model,omitempty"`
	DefaultPrompt string                  `json:"defaultPrompt,omitempty"`
	Sites         map[string]SiteOverride `json:"sites,omitempty"`
}

// Resolved is the effective configuration for one page URL.
type Resolved struct {
	APIKey string
	Model  string
	Prompt string
}

// Resolve overlays the per-hostname override for rawURL onto the global
// settings and fills in defaults. Pure function: no I/O, no error — a bad
// URL simply resolves to the "unknown" host.
func Resolve(s Settings, rawURL string) Resolved {
	site := s.Sites[Hostname(rawURL)]

	r := Resolved{
		APIKey: s.APIKey,
		Model:  site.Model,
		Prompt: site.Prompt,
	}
	if r.Model == "" {
		r.Model = s.Model
	}
	if r.Model == "" {
		r.Model = DefaultModel
	}
	if r.Prompt == "" {
		r.Prompt = s.DefaultPrompt
	}
	if r.Prompt == "" {
		r.Prompt = SystemPrompt
	}
	return r
}

// Hostname extracts the hostname from rawURL, or "unknown" if it cannot
// be parsed.
func Hostname(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return UnknownHost
	}
	return u.Hostname()
}

// DefaultPromptChips returns the built-in one-click prompts shown in the
// popup. A fresh slice each call so callers can't mutate the defaults.
func DefaultPromptChips() []types.PromptChip {
	return []types.PromptChip{
		{Label: "Summarize", Prompt: "Summarize the current clinical context and suggest next-step actions."},
		{Label: "Extract", Prompt: "Extract any patient information and relevant clinical details."},
		{Label: "Plan", Prompt: "Create a to-do list of next steps based on the current clinical context."},
		{Label: "Questions", Prompt: "Generate questions to clarify the current clinical context."},
	}
}

// SummarizePromptLabel derives a short display label from a prompt: the
// first five words, with an ellipsis when truncated.
func SummarizePromptLabel(prompt string) string {
	cleaned := strings.Join(strings.Fields(prompt), " ")
	if cleaned == "" {
		return ""
	}
	words := strings.Split(cleaned, " ")
	if len(words) <= 5 {
		return cleaned
	}
	return strings.Join(words[:5], " ") + "..."
}
