// Package note builds analysis prompts, formats results into private notes,
// and carries prior analysis state between runs through an explicit fenced
// block embedded in the posted note.
package note

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tkardel/ticketwatch/internal/domain/ticket"
)

// stateFence delimits the machine-readable state block inside a posted note.
const (
	stateFenceOpen  = "```ticketwatch-state"
	stateFenceClose = "```"
)

// State is the structured signal recovered from a previously posted note.
type State struct {
	AnalyzedVolume int       `json:"analyzed_volume"`
	AnalyzedAt     time.Time `json:"analyzed_at"`
	Summary        string    `json:"summary,omitempty"`
}

// BuildPrompt renders the ordered conversation into the analysis prompt.
// prior may be nil when no earlier analysis exists.
func BuildPrompt(ref ticket.Ref, conv ticket.Conversation, prior *State) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are reviewing support ticket #%s.\n\n", ref.Number)
	if prior != nil {
		fmt.Fprintf(&b, "A previous analysis covered the first %d messages", prior.AnalyzedVolume)
		if prior.Summary != "" {
			fmt.Fprintf(&b, " and concluded: %s", prior.Summary)
		}
		b.WriteString("\nFocus on what has changed since then.\n\n")
	}

	b.WriteString("Conversation, oldest first:\n\n")
	for _, a := range conv {
		fmt.Fprintf(&b, "[%s] %s via %s:\n%s\n\n",
			a.CreatedAt.Format(time.RFC3339), a.Direction, a.Channel, a.Body)
	}

	b.WriteString("Summarize the customer's current state, any unresolved asks, " +
		"and the recommended next action for the assigned agent. Be concise.")
	return b.String()
}

// Format renders an analysis result as a markdown private note with the
// state block appended, so the next run can recover it via ExtractState.
func Format(result string, state State) (string, error) {
	encoded, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("encoding note state: %w", err)
	}

	var b strings.Builder
	b.WriteString("**Automated ticket analysis**\n\n")
	b.WriteString(strings.TrimSpace(result))
	b.WriteString("\n\n")
	b.WriteString(stateFenceOpen)
	b.WriteByte('\n')
	b.Write(encoded)
	b.WriteByte('\n')
	b.WriteString(stateFenceClose)
	b.WriteByte('\n')
	return b.String(), nil
}

// ExtractState recovers the state block from a previously posted note body.
// Returns nil when the body carries no parseable block; a malformed block is
// treated the same as a missing one.
func ExtractState(body string) *State {
	start := strings.Index(body, stateFenceOpen)
	if start < 0 {
		return nil
	}
	rest := body[start+len(stateFenceOpen):]
	end := strings.Index(rest, stateFenceClose)
	if end < 0 {
		return nil
	}

	var state State
	if err := json.Unmarshal([]byte(strings.TrimSpace(rest[:end])), &state); err != nil {
		return nil
	}
	return &state
}

// LatestState scans a conversation newest-first for the most recent note
// carrying a state block.
func LatestState(conv ticket.Conversation) *State {
	for i := len(conv) - 1; i >= 0; i-- {
		if conv[i].Channel != ticket.ChannelNote {
			continue
		}
		if state := ExtractState(conv[i].Body); state != nil {
			return state
		}
	}
	return nil
}
