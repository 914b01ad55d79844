package config

import "testing"

func TestResolveDefaults(t *testing.T) {
	r := Resolve(Settings{APIKey: "sk-test"}, "https://emr.example.org/chart/42")

	if r.APIKey != "sk-test" {
		t.Errorf("APIKey = %q, want sk-test", r.APIKey)
	}
	if r.Model != DefaultModel {
		t.Errorf("Model = %q, want %q", r.Model, DefaultModel)
	}
	if r.Prompt != SystemPrompt {
		t.Errorf("Prompt = %q, want the default system prompt", r.Prompt)
	}
}

func TestResolveSiteOverride(t *testing.T) {
	s := Settings{
		APIKey:        "sk-global",
		Model:         "gpt-4o",
		DefaultPrompt: "global prompt",
		Sites: map[string]SiteOverride{
			"emr.example.org": {Model: "gpt-4o-mini", Prompt: "site prompt"},
		},
	}

	r := Resolve(s, "https://emr.example.org/chart/42")
	if r.Model != "gpt-4o-mini" {
		t.Errorf("Model = %q, want site override", r.Model)
	}
	if r.Prompt != "site prompt" {
		t.Errorf("Prompt = %q, want site override", r.Prompt)
	}
	// API key is always global.
	if r.APIKey != "sk-global" {
		t.Errorf("APIKey = %q, want sk-global", r.APIKey)
	}

	// Other hostnames fall back to globals.
	r = Resolve(s, "https://other.example.org/")
	if r.Model != "gpt-4o" || r.Prompt != "global prompt" {
		t.Errorf("got %+v, want global model and prompt", r)
	}
}

func TestResolveUnparseableURL(t *testing.T) {
	s := Settings{
		Model: "gpt-4o",
		Sites: map[string]SiteOverride{
			UnknownHost: {Model: "never-used-in-practice"},
		},
	}

	// No panic, no error — resolves via the "unknown" host.
	r := Resolve(s, "::not a url::")
	if r.Model != "never-used-in-practice" {
		t.Errorf("Model = %q, want the unknown-host override", r.Model)
	}

	if got := Hostname(""); got != UnknownHost {
		t.Errorf("Hostname(\"\") = %q, want %q", got, UnknownHost)
	}
	if got := Hostname("https://emr.example.org/x"); got != "emr.example.org" {
		t.Errorf("Hostname = %q", got)
	}
}

func TestSummarizePromptLabel(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"", ""},
		{"   \n\t ", ""},
		{"Summarize this", "Summarize this"},
		{"one two three four five", "one two three four five"},
		{"one two three four five six", "one two three four five..."},
		{"  spaced\t\tout   words here now ok ", "spaced out words here now..."},
	}
	for _, c := range cases {
		if got := SummarizePromptLabel(c.in); got != c.want {
			t.Errorf("SummarizePromptLabel(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestDefaultPromptChipsCopied(t *testing.T) {
	a := DefaultPromptChips()
	a[0].Label = "mutated"
	b := DefaultPromptChips()
	if b[0].Label == "mutated" {
		t.Error("DefaultPromptChips shares state between calls")
	}
	if len(b) != 4 {
		t.Errorf("len = %d, want 4", len(b))
	}
}
