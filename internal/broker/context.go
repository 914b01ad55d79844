package broker

import (
	"context"
	"fmt"

	"github.com/mhersche/chartassist/internal/applog"
	"github.com/mhersche/chartassist/internal/config"
	"github.com/mhersche/chartassist/internal/fingerprint"
	"github.com/mhersche/chartassist/internal/llm"
	"github.com/mhersche/chartassist/internal/store"
	"github.com/mhersche/chartassist/internal/tabstate"
	"github.com/mhersche/chartassist/internal/types"
)

// ApplyPageContext folds one page scan into the tab's state: it drives
// the idle/no_emr/needs_api_key/ready transitions, keeps the per-patient
// chat session alive across navigations, and kicks off asynchronous
// header generation when the cached header no longer matches the page.
// Safe against repeated identical payloads.
//
// Any failure is converted into an error status for this tab; other tabs
// are unaffected.
func (o *Orchestrator) ApplyPageContext(ctx context.Context, tabID int, payload types.PageContext) error {
	applog.Info("context.apply", "tab", tabID, "reason", payload.Reason, "emr", payload.IsEMR)

	if err := o.applyPageContext(ctx, tabID, payload); err != nil {
		applog.Error("context.apply", err, "tab", tabID)
		_, mergeErr := o.manager.Merge(tabID, tabstate.Update{
			Status:    tabstate.Ptr(tabstate.StatusError),
			Message:   tabstate.Ptr(err.Error()),
			UpdatedAt: tabstate.Ptr(o.nowMillis()),
		})
		if mergeErr != nil {
			applog.Error("context.apply.surface", mergeErr, "tab", tabID)
		}
		return err
	}
	return nil
}

func (o *Orchestrator) applyPageContext(ctx context.Context, tabID int, payload types.PageContext) error {
	prev := o.manager.Snapshot(tabID)

	settings, err := o.store.LoadSettings()
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	cfg := config.Resolve(settings, payload.URL)

	truncatedDOM := truncateRunes(payload.DOM, tabstate.MaxDOMChars)
	now := o.nowMillis()

	contextChanged := prev.LastContext != nil &&
		(prev.LastContext.URL != payload.URL ||
			prev.LastContext.Title != payload.Title ||
			prev.LastContext.ContextSummary != payload.ContextSummary)

	patientKey := payload.PatientKey
	if patientKey == "" {
		patientKey = payload.URL + "#" + payload.Title
	}
	patientLabel := payload.PatientLabel
	if patientLabel == "" {
		patientLabel = payload.Title
	}
	if patientLabel == "" {
		patientLabel = "Current chart"
	}

	u := tabstate.Update{
		IsEMR:              tabstate.Ptr(payload.IsEMR),
		UpdatedAt:          tabstate.Ptr(now),
		ContextSummary:     tabstate.Ptr(payload.ContextSummary),
		Model:              tabstate.Ptr(cfg.Model),
		DefaultPrompt:      tabstate.Ptr(cfg.Prompt),
		DefaultPromptLabel: tabstate.Ptr(config.SummarizePromptLabel(cfg.Prompt)),
		PromptChips:        config.DefaultPromptChips(),
		LastContext: &tabstate.ContextSnapshot{
			URL:            payload.URL,
			Title:          payload.Title,
			Reason:         payload.Reason,
			ContextSummary: payload.ContextSummary,
			DOM:            truncatedDOM,
		},
		PatientKey:            tabstate.Ptr(patientKey),
		PatientLabel:          tabstate.Ptr(patientLabel),
		DetectionHeader:       tabstate.Ptr(""),
		DetectionHeaderStatus: tabstate.Ptr(tabstate.HeaderIdle),
	}

	if !payload.IsEMR {
		u.Status = tabstate.Ptr(tabstate.StatusNoEMR)
		u.Message = tabstate.Ptr("No EMR detected on this page.")
		u.PatientKey = tabstate.Ptr("")
		u.PatientLabel = tabstate.Ptr("")
		u.ActiveChatKey = tabstate.Ptr("")
		_, err := o.manager.Merge(tabID, u)
		return err
	}

	if cfg.APIKey == "" {
		u.Status = tabstate.Ptr(tabstate.StatusNeedsAPIKey)
		u.Message = tabstate.Ptr("Add an API key in settings to enable chat.")
		u.ActiveChatKey = tabstate.Ptr(patientKey)
		u.DetectionHeaderStatus = tabstate.Ptr(tabstate.HeaderError)
		if _, ok := prev.ChatSessions[patientKey]; !ok {
			u.ChatSessions = map[string]*tabstate.ChatSession{patientKey: tabstate.NewChatSession()}
		}
		_, err := o.manager.Merge(tabID, u)
		return err
	}

	u.Status = tabstate.Ptr(tabstate.StatusReady)
	u.Message = tabstate.Ptr("")
	u.ActiveChatKey = tabstate.Ptr(patientKey)

	if prevSession, ok := prev.ChatSessions[patientKey]; !ok {
		u.ChatSessions = map[string]*tabstate.ChatSession{patientKey: tabstate.NewChatSession()}
	} else if contextChanged {
		// Returning to a previously seen chart restores its history:
		// soft-reset the session, keeping messages and clearing the
		// transient streaming fields.
		restored := *prevSession
		restored.Status = tabstate.ChatIdle
		restored.PendingAssistant = nil
		restored.Error = ""
		u.ChatSessions = map[string]*tabstate.ChatSession{patientKey: &restored}
	}

	fp := fingerprint.Hash(payload.URL, payload.Title, payload.ContextSummary, truncateRunes(truncatedDOM, 1000))
	pk := pendingKey{tabID: tabID, patientKey: patientKey}
	inFlight := o.pendingFingerprint(pk) == fp

	prevEntry := prev.PatientHeaders[patientKey]
	detectionHeader := ""
	detectionStatus := tabstate.HeaderPending
	generate := false

	switch {
	case prevEntry != nil && prevEntry.Fingerprint == fp && prevEntry.Status == tabstate.HeaderReady && prevEntry.Text != "":
		// Cache hit; no request.
		detectionHeader = prevEntry.Text
		detectionStatus = tabstate.HeaderReady
	case prevEntry != nil && prevEntry.Fingerprint == fp && prevEntry.Status == tabstate.HeaderPending:
		// Join the in-flight request rather than duplicate it. Only
		// restart when the marker is gone (a crashed run left the
		// entry dangling).
		generate = !inFlight
	default:
		// Fingerprint mismatch, prior error, or no entry.
		generate = true
	}

	if generate {
		u.PatientHeaders = map[string]*tabstate.HeaderEntry{
			patientKey: {
				Status:      tabstate.HeaderPending,
				Fingerprint: fp,
				UpdatedAt:   now,
			},
		}
	} else if prevEntry != nil && prevEntry.Status == tabstate.HeaderError {
		detectionStatus = tabstate.HeaderError
	}
	u.DetectionHeader = tabstate.Ptr(detectionHeader)
	u.DetectionHeaderStatus = tabstate.Ptr(detectionStatus)

	if _, err := o.manager.Merge(tabID, u); err != nil {
		return err
	}

	if generate {
		o.setPending(pk, fp)
		job := headerJob{
			key:          pk,
			fingerprint:  fp,
			payload:      payload,
			truncatedDOM: truncatedDOM,
			cfg:          cfg,
		}
		go o.generateHeader(ctx, job)
	}
	return nil
}

type headerJob struct {
	key          pendingKey
	fingerprint  string
	payload      types.PageContext
	truncatedDOM string
	cfg          config.Resolved
}

// generateHeader runs one header generation to completion and applies the
// result — unless a newer fingerprint superseded this request while it
// was in flight, in which case the result is discarded. The in-flight
// marker is cleared only if it still belongs to this request.
func (o *Orchestrator) generateHeader(ctx context.Context, job headerJob) {
	defer o.clearPendingIf(job.key, job.fingerprint)

	if o.pendingFingerprint(job.key) != job.fingerprint {
		return
	}

	prompt := buildHeaderPrompt(job.payload, job.truncatedDOM, o.now())
	text, err := o.headerText(ctx, job, prompt)

	// Staleness guard: apply only if this fingerprint is still the one
	// in flight for this (tab, patient).
	if o.pendingFingerprint(job.key) != job.fingerprint {
		applog.Info("header.stale", "tab", job.key.tabID, "fingerprint", job.fingerprint)
		return
	}

	entry := &tabstate.HeaderEntry{
		Fingerprint: job.fingerprint,
		UpdatedAt:   o.nowMillis(),
	}
	if err == nil {
		text = normalizeHeader(text)
		if text == "" {
			err = fmt.Errorf("No header generated.")
		}
	}
	if err != nil {
		applog.Error("header.generate", err, "tab", job.key.tabID)
		entry.Status = tabstate.HeaderError
		entry.Error = err.Error()
	} else {
		entry.Status = tabstate.HeaderReady
		entry.Text = text
		if cacheErr := o.store.PutCachedResponse(store.CachedResponse{
			Key:            headerCacheKey(job.fingerprint),
			Result:         text,
			ContextSummary: job.payload.ContextSummary,
			PromptTemplate: prompt,
		}); cacheErr != nil {
			applog.Error("header.cache.put", cacheErr)
		}
	}

	u := tabstate.Update{
		PatientHeaders: map[string]*tabstate.HeaderEntry{job.key.patientKey: entry},
	}
	// The tab-level banner fields only track the patient currently shown.
	if o.manager.Snapshot(job.key.tabID).PatientKey == job.key.patientKey {
		u.DetectionHeader = tabstate.Ptr(entry.Text)
		u.DetectionHeaderStatus = tabstate.Ptr(entry.Status)
	}
	if _, mergeErr := o.manager.Merge(job.key.tabID, u); mergeErr != nil {
		applog.Error("header.apply", mergeErr, "tab", job.key.tabID)
	}
}

// headerText produces the raw header text, consulting the durable
// response cache before going to the remote service.
func (o *Orchestrator) headerText(ctx context.Context, job headerJob, prompt string) (string, error) {
	cached, err := o.store.GetCachedResponse(headerCacheKey(job.fingerprint))
	if err != nil {
		applog.Error("header.cache.get", err)
	} else if cached != nil && cached.Result != "" {
		applog.Info("header.cache.hit", "tab", job.key.tabID)
		return cached.Result, nil
	}

	return o.llm.Query(ctx, llm.Request{
		APIKey: job.cfg.APIKey,
		Model:  job.cfg.Model,
		Input:  prompt,
	})
}

func headerCacheKey(fp string) string {
	return "header:" + fp
}
