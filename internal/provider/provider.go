package provider

import (
	"fmt"
	"strings"

	"github.com/batalabs/loopd/internal/domain"
)

// ---------------------------------------------------------------------------
// Provider-agnostic tool types
// ---------------------------------------------------------------------------

// ToolSpec is a provider-agnostic tool definition. Each provider converts
// these to its own wire format.
type ToolSpec struct {
	Name        string
	Description string
	Properties  map[string]ToolProp
	Required    []string
}

// ToolProp describes a single tool input property.
type ToolProp struct {
	Type        string
	Description string
	Enum        []string
	// Items describes the element schema when Type is "array".
	Items *ToolProp
	// Properties describes nested object properties.
	Properties map[string]ToolProp
	// Required lists required fields when this prop describes an object.
	Required []string
}

// Usage contains token accounting for a streamed model call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Stop reasons normalised across providers.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// ---------------------------------------------------------------------------
// Provider interface
// ---------------------------------------------------------------------------

// Provider is the uniform contract the turn engine and compaction layer
// program against.
type Provider interface {
	// StreamChat streams one assistant response, calling onDelta for each
	// text chunk as it arrives. It returns the assembled content blocks,
	// the tool_use blocks extracted from them in order, and the normalised
	// stop reason (end_turn, tool_use, or max_tokens).
	StreamChat(
		model string,
		maxTokens int,
		temperature float64,
		system string,
		history []domain.TranscriptMessage,
		tools []ToolSpec,
		onDelta func(string),
	) ([]domain.ContentBlock, []domain.ContentBlock, string, error)

	// CreateMessage performs a blocking, non-streaming completion and
	// returns the response text. Used for compaction summaries.
	CreateMessage(
		model string,
		maxTokens int,
		temperature float64,
		messages []domain.TranscriptMessage,
	) (string, error)

	// Name returns the provider name (e.g. "anthropic").
	Name() string
}

// New returns a Provider implementation by name.
func New(name, apiKey string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "anthropic":
		return NewAnthropicProvider(apiKey), nil
	default:
		return nil, fmt.Errorf("unknown provider: %s (supported: anthropic)", name)
	}
}

// normalizeStopReason maps provider wire stop reasons onto the three
// values the engine understands.
func normalizeStopReason(raw string) string {
	switch raw {
	case StopToolUse:
		return StopToolUse
	case StopMaxTokens:
		return StopMaxTokens
	default:
		// end_turn, stop_sequence, pause_turn, empty — the turn is over.
		return StopEndTurn
	}
}

// extractToolUses returns the tool_use blocks from an assembled response,
// preserving stream order.
func extractToolUses(blocks []domain.ContentBlock) []domain.ContentBlock {
	var uses []domain.ContentBlock
	for _, b := range blocks {
		if b.Type == "tool_use" {
			uses = append(uses, b)
		}
	}
	return uses
}
