package server

import (
	"encoding/json"
	"fmt"

	"github.com/mhersche/chartassist/internal/types"
)

// ParseContext decodes the payload of a "page_context" message. Missing
// string fields default to empty; a missing payload or one without a URL
// is rejected since nothing downstream can key off it.
func ParseContext(msg IncomingMsg) (types.PageContext, error) {
	if len(msg.Payload) == 0 {
		return types.PageContext{}, fmt.Errorf("page_context without payload")
	}
	var pc types.PageContext
	if err := json.Unmarshal(msg.Payload, &pc); err != nil {
		return types.PageContext{}, fmt.Errorf("parse page context: %w", err)
	}
	if pc.URL == "" {
		return types.PageContext{}, fmt.Errorf("page context missing url")
	}
	if pc.Reason == "" {
		pc.Reason = "unknown"
	}
	return pc, nil
}

// StateMsg builds a "state" push for one tab.
func StateMsg(tabID int, state any) (OutgoingMsg, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return OutgoingMsg{}, fmt.Errorf("marshal state for tab %d: %w", tabID, err)
	}
	return OutgoingMsg{Type: TypeState, TabID: tabID, State: raw}, nil
}
