// Package compaction bounds transcript growth. The Summarize strategy
// replaces the middle of a long conversation with an LLM-generated summary,
// preserving the seed user message and a protected tail.
package compaction

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/batalabs/loopd/internal/domain"
	"github.com/batalabs/loopd/internal/provider"
)

// Strategy decides whether and how to rewrite the transcript between
// provider calls.
type Strategy interface {
	MaybeCompact(messages []domain.TranscriptMessage) []domain.TranscriptMessage
}

// NoneStrategy leaves the transcript untouched.
type NoneStrategy struct{}

// MaybeCompact returns the input unchanged.
func (NoneStrategy) MaybeCompact(messages []domain.TranscriptMessage) []domain.TranscriptMessage {
	return messages
}

const (
	// DefaultThresholdTokens is the estimated token count above which the
	// Summarize strategy activates.
	DefaultThresholdTokens = 80_000
	// DefaultProtectedTail is the number of trailing messages never
	// compacted away.
	DefaultProtectedTail = 6

	summaryMaxTokens    = 4096
	summaryInputCap     = 100_000
	toolInputPreviewMax = 200
)

// SummarizeStrategy compacts via a second, non-streaming LLM call.
type SummarizeStrategy struct {
	prov          provider.Provider
	model         string
	threshold     int
	protectedTail int
}

// NewSummarizeStrategy creates a Summarize strategy. Zero threshold or tail
// fall back to the defaults.
func NewSummarizeStrategy(prov provider.Provider, model string, thresholdTokens, protectedTail int) *SummarizeStrategy {
	if thresholdTokens <= 0 {
		thresholdTokens = DefaultThresholdTokens
	}
	if protectedTail <= 0 {
		protectedTail = DefaultProtectedTail
	}
	return &SummarizeStrategy{
		prov:          prov,
		model:         model,
		threshold:     thresholdTokens,
		protectedTail: protectedTail,
	}
}

// MaybeCompact summarises the middle slice of the transcript when the
// estimated token count exceeds the threshold. On any summarisation error
// the input is returned unchanged; history trimming in the engine still
// bounds growth.
func (s *SummarizeStrategy) MaybeCompact(messages []domain.TranscriptMessage) []domain.TranscriptMessage {
	estimated := EstimateTokens(messages)
	if estimated < s.threshold {
		return messages
	}
	if len(messages) < 2 {
		return messages
	}

	compactStart := 1
	compactEnd := len(messages) - s.protectedTail
	if compactEnd <= compactStart {
		return messages
	}

	compactEnd = adjustBoundary(messages, compactStart, compactEnd)
	if compactEnd <= compactStart {
		return messages
	}

	compactable := messages[compactStart:compactEnd]
	log.Info("compacting transcript",
		"estimated_tokens", estimated, "threshold", s.threshold, "messages", len(compactable))

	summary, err := s.summarize(compactable)
	if err != nil {
		log.Warn("compaction failed, falling back to history trimming", "err", err)
		return messages
	}

	result := rebuildMessages(messages, compactEnd, summary)
	log.Info("compaction complete",
		"summary_tokens", len(summary)/4,
		"freed_tokens", estimated-EstimateTokens(result))
	return result
}

// EstimateTokens approximates the token count of a transcript: the sum of
// character lengths over string content, text blocks, tool_use name plus
// serialised input, and tool_result text, divided by 4.
func EstimateTokens(messages []domain.TranscriptMessage) int {
	totalChars := 0
	for _, msg := range messages {
		if !msg.HasBlocks() {
			totalChars += len(msg.Content)
			continue
		}
		for _, b := range msg.Blocks {
			switch b.Type {
			case "text":
				totalChars += len(b.Text)
			case "tool_use":
				totalChars += len(b.ToolName)
				input, _ := json.Marshal(b.ToolInput)
				totalChars += len(input)
			case "tool_result":
				totalChars += len(b.ToolResult)
			}
		}
	}
	return totalChars / 4
}

// adjustBoundary pulls the compaction end back while the message just
// inside the boundary is an assistant message carrying tool_use blocks, so
// a tool_use is never severed from the tool_result that follows it.
func adjustBoundary(messages []domain.TranscriptMessage, start, end int) int {
	for end > start+1 {
		boundary := messages[end-1]
		if boundary.Role != "assistant" || !boundary.HasToolUse() {
			break
		}
		end--
	}
	return end
}

func formatForSummarization(messages []domain.TranscriptMessage) string {
	var parts []string
	for _, msg := range messages {
		if !msg.HasBlocks() {
			parts = append(parts, fmt.Sprintf("[%s]: %s", msg.Role, msg.Content))
			continue
		}
		var blockTexts []string
		for _, b := range msg.Blocks {
			switch b.Type {
			case "text":
				blockTexts = append(blockTexts, b.Text)
			case "tool_use":
				input, _ := json.Marshal(b.ToolInput)
				inp := string(input)
				if len(inp) > toolInputPreviewMax {
					inp = inp[:toolInputPreviewMax] + "..."
				}
				blockTexts = append(blockTexts, fmt.Sprintf("[Tool call: %s(%s)]", b.ToolName, inp))
			case "tool_result":
				blockTexts = append(blockTexts, fmt.Sprintf("[Tool result (%s)]: %s", b.ToolUseID, previewText(b.ToolResult)))
			}
		}
		parts = append(parts, fmt.Sprintf("[%s]: %s", msg.Role, strings.Join(blockTexts, "\n")))
	}
	return strings.Join(parts, "\n\n")
}

func previewText(text string) string {
	if len(text) <= 700 {
		return text
	}
	return text[:500] + "\n[...truncated...]\n" + text[len(text)-200:]
}

const summarizePrompt = `Summarize the following conversation history between a user and an AI assistant.
Preserve these details precisely:
- The original user request and any specific criteria or instructions
- All decisions made and their reasoning
- Key data points, URLs, file paths, and identifiers that may be needed later
- Any scores, rankings, or evaluations produced
- Current task status and next steps

Do NOT include raw tool output data (job descriptions, email bodies, etc.) —
just note what was retrieved and key findings.

Format as a concise narrative summary.

---
CONVERSATION HISTORY:

`

func (s *SummarizeStrategy) summarize(messages []domain.TranscriptMessage) (string, error) {
	formatted := formatForSummarization(messages)

	if len(formatted) > summaryInputCap {
		half := summaryInputCap / 2
		formatted = formatted[:half] +
			"\n\n[...middle of conversation omitted for brevity...]\n\n" +
			formatted[len(formatted)-half:]
	}

	log.Debug("compaction request", "model", s.model, "input_chars", len(formatted))
	return s.prov.CreateMessage(s.model, summaryMaxTokens, 0, []domain.TranscriptMessage{
		{Role: "user", Content: summarizePrompt + formatted},
	})
}

// rebuildMessages merges the seed message with the summary block, inserts a
// synthetic assistant acknowledgement when the tail begins with a user
// message (the API requires strict alternation), and appends the tail
// unchanged.
func rebuildMessages(messages []domain.TranscriptMessage, compactEnd int, summary string) []domain.TranscriptMessage {
	merged := domain.TranscriptMessage{
		Role: "user",
		Content: messages[0].TextContent() +
			"\n\n[CONTEXT SUMMARY]\n" + summary + "\n[END CONTEXT SUMMARY]",
	}

	tail := messages[compactEnd:]
	result := make([]domain.TranscriptMessage, 0, len(tail)+2)
	result = append(result, merged)

	if len(tail) > 0 && tail[0].Role == "user" {
		result = append(result, domain.TranscriptMessage{
			Role: "assistant",
			Blocks: []domain.ContentBlock{
				{Type: "text", Text: "Understood. Continuing with the current task."},
			},
		})
	}

	return append(result, tail...)
}
