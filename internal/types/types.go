package types

// PageContext is one page scan delivered by the extension's content script.
// The daemon treats it as ground truth for what the tab currently shows;
// detection itself (isEmr, patientKey) happens on the extension side.
type PageContext struct {
	URL            string `json:"url"`
	Title          string `json:"title"`
	DOM            string `json:"dom"`
	Reason         string `json:"reason"`
	ContextSummary string `json:"contextSummary"`
	IsEMR          bool   `json:"isEmr"`
	PatientKey     string `json:"patientKey"`
	PatientLabel   string `json:"patientLabel"`
}

// PromptChip is a labeled one-click prompt offered in the popup.
type PromptChip struct {
	Label  string `json:"label"`
	Prompt string `json:"prompt"`
}
