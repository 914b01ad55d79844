package broker

import (
	"strings"
	"testing"
	"time"

	"github.com/mhersche/chartassist/internal/tabstate"
	"github.com/mhersche/chartassist/internal/types"
)

func TestBuildChatPrompt(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	lc := &tabstate.ContextSnapshot{
		URL:            "https://emr.example.org/chart/42",
		Title:          "Doe, Jane — Chart",
		Reason:         "navigation",
		ContextSummary: "Patient chart",
		DOM:            "Name: Doe, Jane",
	}

	got := buildChatPrompt("Be brief.", lc, "", now)
	for _, want := range []string{
		"Be brief.",
		"Page URL: https://emr.example.org/chart/42",
		"Update trigger: navigation",
		"Detected context: Patient chart",
		"Timestamp: 2026-03-14T09:26:53Z",
		"Name: Doe, Jane",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q:\n%s", want, got)
		}
	}
}

func TestBuildChatPromptNilContext(t *testing.T) {
	got := buildChatPrompt("Be brief.", nil, "fallback summary", time.Now())
	if !strings.Contains(got, "Detected context: fallback summary") {
		t.Errorf("fallback summary not used:\n%s", got)
	}
	if !strings.Contains(got, "Update trigger: unknown") {
		t.Errorf("missing reason placeholder:\n%s", got)
	}
}

func TestSerializeTranscript(t *testing.T) {
	got := serializeTranscript([]tabstate.ChatMessage{
		{Role: "user", Content: "What meds?"},
		{Role: "assistant", Content: "Two active."},
		{Role: "user", Content: "List them."},
	})
	want := "Clinician: What meds?\nAssistant: Two active.\nClinician: List them."
	if got != want {
		t.Errorf("transcript = %q, want %q", got, want)
	}
}

func TestBuildHeaderPromptPlaceholders(t *testing.T) {
	got := buildHeaderPrompt(types.PageContext{}, "", time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))
	for _, want := range []string{
		"Current date: 2026-01-02",
		"Page title: Untitled",
		"Page URL: unknown",
		"Detected context summary: Not provided",
		"No DOM text captured.",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if strings.Contains(got, "Patient label hint:") {
		t.Error("label hint present without a label")
	}
}

func TestNormalizeHeader(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "   \n ", ""},
		{"plain", "**Patient:** Doe\n**DOB:** 1980-02-03\n**Primary Contact:** 555-0100",
			"**Patient:** Doe\n\n**DOB:** 1980-02-03\n\n**Primary Contact:** 555-0100"},
		{"fenced", "```markdown\n**Patient:** Doe\n```", "**Patient:** Doe"},
		{"line labels", "Line 1: **Patient:** Doe\nLine 2: **DOB:** Unknown",
			"**Patient:** Doe\n\n**DOB:** Unknown"},
		{"list markers", "1. **Patient:** Doe\n- **DOB:** Unknown",
			"**Patient:** Doe\n\n**DOB:** Unknown"},
		{"label prefix", "Output: **Patient:** Doe", "**Patient:** Doe"},
		{"caps at three lines", "a\nb\nc\nd\ne", "a\n\nb\n\nc"},
		{"blank lines dropped", "a\n\n\nb", "a\n\nb"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := normalizeHeader(tc.in); got != tc.want {
				t.Errorf("normalizeHeader(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestTruncateRunes(t *testing.T) {
	if got := truncateRunes("héllo wörld", 4); got != "héll" {
		t.Errorf("got %q", got)
	}
	if got := truncateRunes("short", 100); got != "short" {
		t.Errorf("got %q", got)
	}
}
