package domain

import (
	"strings"
)

// ContentBlock represents a structured content block in a message.
type ContentBlock struct {
	Type       string         `json:"type"`
	Text       string         `json:"text,omitempty"`
	ToolUseID  string         `json:"tool_use_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	ToolInput  map[string]any `json:"tool_input,omitempty"`
	ToolResult string         `json:"tool_result,omitempty"`
	IsError    bool           `json:"is_error,omitempty"`
}

// TranscriptMessage is a message with a role and content blocks.
type TranscriptMessage struct {
	Role    string
	Content string
	Blocks  []ContentBlock
}

// HasBlocks reports whether the message has structured content blocks.
func (m TranscriptMessage) HasBlocks() bool {
	return len(m.Blocks) > 0
}

// TextContent extracts the plain text content from a message.
func (m TranscriptMessage) TextContent() string {
	if !m.HasBlocks() {
		return m.Content
	}
	var parts []string
	for _, b := range m.Blocks {
		if b.Type == "text" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// HasToolUse reports whether the message contains a tool_use block.
func (m TranscriptMessage) HasToolUse() bool {
	for _, b := range m.Blocks {
		if b.Type == "tool_use" {
			return true
		}
	}
	return false
}

// Session holds metadata about a conversation session.
type Session struct {
	ID              string            `json:"id"`
	ParentSessionID string            `json:"parent_session_id,omitempty"`
	CreatedAt       string            `json:"created_at"`
	UpdatedAt       string            `json:"updated_at"`
	Status          string            `json:"status"`
	Model           string            `json:"model"`
	Metadata        map[string]string `json:"metadata"`
}

// Title returns the human-readable session title from the metadata bag.
func (s Session) Title() string {
	if t := strings.TrimSpace(s.Metadata["title"]); t != "" {
		return t
	}
	return s.ID
}

// Message is a persisted transcript row.
type Message struct {
	ID            string
	SessionID     string
	Seq           int
	Role          string
	ContentJSON   string
	CreatedAt     string
	TokenEstimate int
}

// ToolCall is a persisted record of one invoked tool use.
type ToolCall struct {
	ID        string
	SessionID string
	MessageID string
	ToolName  string
	InputJSON string
	Result    string
	IsError   bool
	CreatedAt string
}

// Checkpoint marks the before-state of a single agent turn.
type Checkpoint struct {
	ID            string
	SessionID     string
	UserMessageID string
	CreatedAt     string
	Tools         []string
	UserPreview   string
}

// CheckpointFile is a tracked file snapshot within a checkpoint.
type CheckpointFile struct {
	CheckpointID  string
	Path          string
	ExistedBefore bool
	BackupBlob    []byte
}

// RewindOutcome is the per-file result of a checkpoint rewind.
type RewindOutcome struct {
	Path   string `json:"path"`
	Status string `json:"status"` // "restored", "removed", "skipped", "failed"
	Detail string `json:"detail"`
}

// Event is a persisted observability record.
type Event struct {
	ID          string
	SessionID   string
	Type        string
	PayloadJSON string
	CreatedAt   string
}

// SessionSummary aggregates counts and previews for a session.
type SessionSummary struct {
	SessionID             string
	CreatedAt             string
	UpdatedAt             string
	MessageCount          int
	UserMessageCount      int
	AssistantMessageCount int
	CheckpointCount       int
	LastUserPreview       string
	LastAssistantPreview  string
}
