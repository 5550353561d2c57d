package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/batalabs/loopd/internal/tools"
)

// Ingress delivers speech-to-text events in sequence order. Implementations
// must return promptly when ctx is cancelled.
type Ingress interface {
	// Events calls handle for each STT event with seq > sinceSeq, in order,
	// until ctx is cancelled or the stream fails.
	Events(ctx context.Context, sessionID string, sinceSeq int, handle func(event map[string]any)) error
}

// pollInterval is the delay between "get updates since seq" calls.
const pollInterval = 200 * time.Millisecond

// PollingIngress polls the STT updates tool forever, yielding events as
// they arrive. A streaming transport is an equally valid Ingress.
type PollingIngress struct {
	Registry *tools.Registry
}

// Events implements Ingress by repeatedly invoking the updates tool.
func (p *PollingIngress) Events(ctx context.Context, sessionID string, sinceSeq int, handle func(event map[string]any)) error {
	updates, ok := findBySuffix(p.Registry, updatesToolSuffix)
	if !ok {
		return fmt.Errorf("missing MCP tool stt_get_updates")
	}

	lastSeq := sinceSeq
	for {
		if ctx.Err() != nil {
			return nil
		}
		raw, err := updates.Execute(map[string]any{
			"session_id": sessionID,
			"since_seq":  lastSeq,
			"limit":      100,
		})
		if err != nil {
			return fmt.Errorf("polling updates: %w", err)
		}
		payload, err := parseJSONObject(raw)
		if err != nil {
			return fmt.Errorf("polling updates: %w", err)
		}
		if events, ok := payload["events"].([]any); ok {
			for _, raw := range events {
				event, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				if seq := eventSeq(event); seq > lastSeq {
					lastSeq = seq
				}
				handle(event)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(pollInterval):
		}
	}
}

func eventSeq(event map[string]any) int {
	switch v := event["seq"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// parseJSONObject extracts a JSON object from raw tool output, tolerating
// code fences and surrounding prose.
func parseJSONObject(raw string) (map[string]any, error) {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		lines := strings.Split(text, "\n")
		if len(lines) >= 3 {
			text = strings.TrimSpace(strings.Join(lines[1:len(lines)-1], "\n"))
		}
	}
	var parsed map[string]any
	if json.Unmarshal([]byte(text), &parsed) == nil {
		return parsed, nil
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		if json.Unmarshal([]byte(text[start:end+1]), &parsed) == nil {
			return parsed, nil
		}
	}
	return nil, fmt.Errorf("tool response was not a valid JSON object")
}
