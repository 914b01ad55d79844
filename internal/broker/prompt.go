package broker

import (
	"regexp"
	"strings"
	"time"

	"github.com/mhersche/chartassist/internal/tabstate"
	"github.com/mhersche/chartassist/internal/types"
)

// truncateRunes bounds s to n runes without splitting a character.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// buildChatPrompt primes the model with the user's prompt template plus
// the current page context.
func buildChatPrompt(template string, lc *tabstate.ContextSnapshot, fallbackSummary string, now time.Time) string {
	var snap tabstate.ContextSnapshot
	if lc != nil {
		snap = *lc
	}
	summary := snap.ContextSummary
	if summary == "" {
		summary = fallbackSummary
	}
	reason := snap.Reason
	if reason == "" {
		reason = "unknown"
	}

	contextLines := []string{
		"Page URL: " + snap.URL,
		"Title: " + snap.Title,
		"Update trigger: " + reason,
		"Detected context: " + summary,
		"Timestamp: " + now.UTC().Format(time.RFC3339),
		"DOM Snapshot (first 4000 chars):",
		snap.DOM,
	}

	return template + "\n\n" + strings.Join(contextLines, "\n")
}

// serializeTranscript renders prior turns for the prompt. The model sees
// the clinician/assistant roles spelled out, then is asked to continue.
func serializeTranscript(messages []tabstate.ChatMessage) string {
	lines := make([]string, 0, len(messages))
	for _, msg := range messages {
		speaker := "Clinician"
		if msg.Role == "assistant" {
			speaker = "Assistant"
		}
		lines = append(lines, speaker+": "+msg.Content)
	}
	return strings.Join(lines, "\n")
}

var headerInstructions = []string{
	"You are a clinical documentation assistant reviewing an electronic medical record (EMR).",
	"Identify the patient who is the subject of the chart and assemble a concise three-line Markdown header.",
	`Only use information explicitly present in the supplied context. If a field is missing, write "Unknown" or "Not documented".`,
	`Compute age relative to the current date when a full DOB is available; otherwise use "Unknown".`,
	"Prefer the clearest identifiers (e.g., MRN, chart number) and primary contact details (phone, email).",
	"Respond with exactly three Markdown lines and no other commentary or code fences.",
	`Line 1: **Patient:** <Full name> (<Identifier list or "None">)`,
	`Line 2: **DOB:** <YYYY-MM-DD or best available> (Age <## or "Unknown">, <Gender or "Unknown">)`,
	`Line 3: **Primary Contact:** <Key contact method or "Not documented">`,
	`Do not include the words "Line 1", numbers, bullet markers, or any explanations in the output.`,
}

// buildHeaderPrompt assembles the purpose-built prompt for generating the
// three-line patient banner.
func buildHeaderPrompt(payload types.PageContext, truncatedDOM string, now time.Time) string {
	excerpt := truncatedDOM
	if excerpt == "" {
		excerpt = "No DOM text captured."
	}
	summary := payload.ContextSummary
	if summary == "" {
		summary = "Not provided"
	}
	title := payload.Title
	if title == "" {
		title = "Untitled"
	}
	pageURL := payload.URL
	if pageURL == "" {
		pageURL = "unknown"
	}

	contextLines := []string{
		"Current date: " + now.UTC().Format("2006-01-02"),
		"Page title: " + title,
		"Page URL: " + pageURL,
		"Detected context summary: " + summary,
	}
	if payload.PatientLabel != "" {
		contextLines = append(contextLines, "Patient label hint: "+payload.PatientLabel)
	}
	contextLines = append(contextLines, "Document excerpt:", excerpt)

	return strings.Join(headerInstructions, "\n") + "\n\n" + strings.Join(contextLines, "\n")
}

var (
	fenceOpenRe   = regexp.MustCompile("(?i)^```(?:markdown)?")
	fenceCloseRe  = regexp.MustCompile("```$")
	lineNumberRe  = regexp.MustCompile(`(?i)^line\s*\d+\s*[:\-]\s*`)
	orderedListRe = regexp.MustCompile(`^\d+\.\s*`)
	bulletRe      = regexp.MustCompile(`^[-*+]\s*`)
	labelPrefixRe = regexp.MustCompile(`(?i)^(?:output|response|patient header)\s*[:\-]\s*`)
)

// normalizeHeader cleans a raw model response down to at most three
// header lines, stripping code fences and the list/label decorations the
// model adds despite instructions. Returns "" when nothing usable remains.
func normalizeHeader(raw string) string {
	text := strings.TrimSpace(raw)
	if text == "" {
		return ""
	}
	text = strings.TrimSpace(fenceCloseRe.ReplaceAllString(fenceOpenRe.ReplaceAllString(text, ""), ""))

	var cleaned []string
	for _, line := range strings.Split(text, "\n") {
		if len(cleaned) == 3 {
			break
		}
		line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		line = lineNumberRe.ReplaceAllString(line, "")
		line = orderedListRe.ReplaceAllString(line, "")
		line = bulletRe.ReplaceAllString(line, "")
		line = labelPrefixRe.ReplaceAllString(line, "")
		line = strings.TrimSpace(line)
		if line != "" {
			cleaned = append(cleaned, line)
		}
	}
	return strings.Join(cleaned, "\n\n")
}
