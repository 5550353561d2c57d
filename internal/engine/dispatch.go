package engine

import (
	"fmt"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/batalabs/loopd/internal/domain"
	"github.com/batalabs/loopd/internal/memory"
)

// executeTools runs every tool_use block of a batch concurrently and
// returns one tool_result block per use, in the same order as the uses
// appeared in the assistant message regardless of completion order.
func (e *Engine) executeTools(toolUses []domain.ContentBlock, assistantMessageID string) []domain.ContentBlock {
	results := make([]domain.ContentBlock, len(toolUses))
	var wg sync.WaitGroup

	for i, block := range toolUses {
		wg.Add(1)
		go func(idx int, use domain.ContentBlock) {
			defer wg.Done()
			results[idx] = e.runOneTool(use, assistantMessageID)
		}(i, block)
	}
	wg.Wait()

	return results
}

func (e *Engine) runOneTool(use domain.ContentBlock, assistantMessageID string) domain.ContentBlock {
	e.emitEvent("tool.started", memory.Payload{
		"tool_use_id": use.ToolUseID,
		"tool_name":   use.ToolName,
	})

	content, isError := e.invokeTool(use)

	e.recordToolCall(use, assistantMessageID, content, isError)
	e.emitEvent("tool.completed", memory.Payload{
		"tool_use_id": use.ToolUseID,
		"tool_name":   use.ToolName,
		"is_error":    isError,
	})

	return domain.ContentBlock{
		Type:       "tool_result",
		ToolUseID:  use.ToolUseID,
		ToolName:   use.ToolName,
		ToolResult: content,
		IsError:    isError,
	}
}

func (e *Engine) invokeTool(use domain.ContentBlock) (string, bool) {
	tool, ok := e.registry.Find(use.ToolName)
	if !ok {
		return fmt.Sprintf("Error: unknown tool %q", use.ToolName), true
	}

	e.maybeTrackMutation(use)

	result, err := tool.Execute(use.ToolInput)
	if err != nil {
		return fmt.Sprintf("Error executing tool %q: %s", use.ToolName, err), true
	}
	return e.truncateToolResult(result, use.ToolName), false
}

// maybeTrackMutation snapshots the file a mutating tool is about to touch.
// Tracking failures are logged and surfaced as checkpoint.file_untracked
// events; they never abort the tool call.
func (e *Engine) maybeTrackMutation(use domain.ContentBlock) {
	if e.turnCheckpointID == "" || e.checkpoints == nil {
		return
	}
	if !e.toolParticipates(use.ToolName) {
		return
	}
	if err := e.checkpoints.MaybeTrackToolInput(e.turnCheckpointID, use.ToolInput); err != nil {
		log.Warn("checkpoint tracking failed", "tool", use.ToolName, "err", err)
		payload := memory.Payload{
			"checkpoint_id": e.turnCheckpointID,
			"tool_name":     use.ToolName,
			"error":         err.Error(),
		}
		if path, ok := use.ToolInput["path"].(string); ok {
			payload["path"] = path
		}
		e.emitEvent("checkpoint.file_untracked", payload)
	}
}

func (e *Engine) recordToolCall(use domain.ContentBlock, assistantMessageID, content string, isError bool) {
	if e.sessions == nil || e.sessionID == "" {
		return
	}
	if _, err := e.sessions.RecordToolCall(e.sessionID, assistantMessageID, use.ToolName, use.ToolInput, content, isError, use.ToolUseID); err != nil {
		log.Warn("record tool call failed", "tool", use.ToolName, "err", err)
	}
}

func (e *Engine) emitEvent(eventType string, payload memory.Payload) {
	if e.events == nil || e.sessionID == "" {
		return
	}
	e.events.Emit(e.sessionID, eventType, payload)
}

// truncateToolResult bounds a tool result at MaxToolResultChars, appending
// a marker describing what was cut.
func (e *Engine) truncateToolResult(result, toolName string) string {
	max := e.cfg.MaxToolResultChars
	if max <= 0 || len(result) <= max {
		return result
	}
	log.Warn("tool output truncated", "tool", toolName, "from", len(result), "to", max)
	return result[:max] + fmt.Sprintf(
		"\n\n[OUTPUT TRUNCATED: showing %d of %d characters from %s]",
		max, len(result), toolName)
}
