package fork

import (
	"encoding/json"
	"strings"

	"forked/internal/store"
)

// hintSessionScanLimit bounds the whole-session fallback scan.
const hintSessionScanLimit = 200

// Hint routes a forked reply back to the user channel that drove the original
// conversation.
type Hint struct {
	Channel  string `json:"channel"`
	To       string `json:"to"`
	ThreadID string `json:"threadId,omitempty"`
}

// ParseAddress parses "<channel>:<kind>:<value>[:topic:<topicId>]" into a
// hint. Returns nil for addresses without at least channel, kind and value.
func ParseAddress(address string) *Hint {
	parts := strings.Split(strings.TrimSpace(address), ":")
	if len(parts) < 3 || parts[0] == "" {
		return nil
	}

	channel := strings.ToLower(parts[0])
	kind := strings.ToLower(parts[1])

	hint := &Hint{Channel: channel}
	switch kind {
	case "group":
		hint.To = parts[2]
		if len(parts) >= 5 && parts[3] == "topic" {
			hint.ThreadID = parts[4]
		}
	case "direct":
		hint.To = parts[2]
	default:
		hint.To = strings.Join(parts[2:], ":")
	}
	if hint.To == "" {
		return nil
	}
	return hint
}

// sessionChannel extracts the expected channel from an "agent:"-prefixed
// session key: its third ":"-segment. Returns "" when the key has no channel.
func sessionChannel(sessionKey string) string {
	if !strings.HasPrefix(sessionKey, "agent:") {
		return ""
	}
	parts := strings.Split(sessionKey, ":")
	if len(parts) < 3 {
		return ""
	}
	return strings.ToLower(parts[2])
}

// lifecycleMessage is the subset of lifecycle payloads the hint derivation
// inspects.
type lifecycleMessage struct {
	Type      string `json:"type"`
	From      string `json:"from"`
	To        string `json:"to"`
	Synthetic bool   `json:"synthetic"`
}

// deriveHint picks the delivery target for the forked reply. Candidates, in
// order: the edited payload's own address, the newest matching inbound then
// outbound message in the history slice, then the same search across the
// session's recent lifecycle events. A candidate is accepted only when its
// channel is configured; an empty configured set accepts anything.
func (e *Engine) deriveHint(modified map[string]any, history []store.Event, sessionKey string) *Hint {
	expected := sessionChannel(sessionKey)
	configured := e.channels

	accept := func(hint *Hint) *Hint {
		if hint == nil {
			return nil
		}
		if len(configured) > 0 && !configured[hint.Channel] {
			return nil
		}
		return hint
	}

	if hint := accept(hintFromModifiedPayload(modified)); hint != nil {
		return hint
	}

	if hint := accept(scanEvents(history, "message_received", expected)); hint != nil {
		return hint
	}
	if hint := accept(scanEvents(history, "message_sent", expected)); hint != nil {
		return hint
	}

	if sessionKey != "" {
		sessionEvents, err := e.store.RecentLifecycleEventsForSession(sessionKey, hintSessionScanLimit)
		if err != nil {
			e.logger.Warn("Session-wide hint scan failed: %v", err)
			return nil
		}
		// RecentLifecycleEventsForSession returns newest-first; scanEvents
		// walks backwards, so restore chronological order.
		reverseEvents(sessionEvents)
		if hint := accept(scanEvents(sessionEvents, "message_received", expected)); hint != nil {
			return hint
		}
		if hint := accept(scanEvents(sessionEvents, "message_sent", expected)); hint != nil {
			return hint
		}
	}

	return nil
}

// hintFromModifiedPayload reads the edited payload's own address: "from" for
// inbound messages, "to" for outbound.
func hintFromModifiedPayload(modified map[string]any) *Hint {
	msgType, _ := modified["type"].(string)
	switch msgType {
	case "message_received":
		if from, ok := modified["from"].(string); ok {
			return ParseAddress(from)
		}
	case "message_sent":
		if to, ok := modified["to"].(string); ok {
			return ParseAddress(to)
		}
	}
	return nil
}

// scanEvents walks events newest-first looking for a non-synthetic message of
// msgType whose parsed channel matches the expected session channel. An empty
// expected channel matches anything.
func scanEvents(events []store.Event, msgType, expected string) *Hint {
	for i := len(events) - 1; i >= 0; i-- {
		var msg lifecycleMessage
		if err := json.Unmarshal(events[i].Data, &msg); err != nil {
			continue
		}
		if msg.Type != msgType || msg.Synthetic {
			continue
		}

		address := msg.From
		if msgType == "message_sent" {
			address = msg.To
		}
		hint := ParseAddress(address)
		if hint == nil {
			continue
		}
		if expected != "" && hint.Channel != expected {
			continue
		}
		return hint
	}
	return nil
}

func reverseEvents(events []store.Event) {
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
}
