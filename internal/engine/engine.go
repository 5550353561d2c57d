// Package engine drives one user turn: stream the model, extract tool
// calls, dispatch them concurrently, feed results back, repeat until the
// model stops asking for tools. A single run lock serialises turns and
// guards the in-memory transcript.
package engine

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/batalabs/loopd/internal/compaction"
	"github.com/batalabs/loopd/internal/domain"
	"github.com/batalabs/loopd/internal/memory"
	"github.com/batalabs/loopd/internal/provider"
	"github.com/batalabs/loopd/internal/tools"
)

// maxTokensRetries is the number of consecutive max_tokens responses
// (without tool_use) that end the turn with a terminal notice; each earlier
// one is answered with a continuation prompt.
const maxTokensRetries = 3

const continuationPrompt = "Your response was cut off because it exceeded the token limit. " +
	"Please continue, but be more concise. If you were writing a file, " +
	"break it into smaller sections or shorten the content."

// Config carries the engine's tunables.
type Config struct {
	Model                   string
	MaxTokens               int
	Temperature             float64
	SystemPrompt            string
	MaxToolResultChars      int
	MaxConversationMessages int
	LinePrefix              string
	MutatingAllowlist       map[string]bool
}

// Engine orchestrates turns against a provider and a tool registry.
// Sessions, Checkpoints, and Events are optional; without them the engine
// runs memoryless.
type Engine struct {
	mu sync.Mutex // run lock: serialises turns and owns messages

	prov      provider.Provider
	registry  *tools.Registry
	compactor compaction.Strategy

	sessions    *memory.SessionManager
	checkpoints *memory.CheckpointManager
	events      memory.Emitter

	cfg Config
	out io.Writer

	messages  []domain.TranscriptMessage
	sessionID string

	// Per-turn state, reset at the top of Run.
	turnUserMessageID string
	turnUserText      string
	turnCheckpointID  string
}

// New creates an engine. compactor defaults to the identity strategy and
// out to stdout.
func New(prov provider.Provider, registry *tools.Registry, compactor compaction.Strategy, cfg Config) *Engine {
	if compactor == nil {
		compactor = compaction.NoneStrategy{}
	}
	if cfg.MutatingAllowlist == nil {
		cfg.MutatingAllowlist = map[string]bool{}
	}
	return &Engine{
		prov:      prov,
		registry:  registry,
		compactor: compactor,
		cfg:       cfg,
		out:       os.Stdout,
	}
}

// SetOutput redirects printed notices and streamed deltas (tests).
func (e *Engine) SetOutput(w io.Writer) { e.out = w }

// AttachMemory wires the durable memory managers into the engine.
func (e *Engine) AttachMemory(sessions *memory.SessionManager, checkpoints *memory.CheckpointManager, events memory.Emitter) {
	e.sessions = sessions
	e.checkpoints = checkpoints
	e.events = events
}

// AttachSession makes sessionID the active session and loads its
// transcript into the engine.
func (e *Engine) AttachSession(sessionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessionID = sessionID
	if e.sessions == nil {
		return nil
	}
	msgs, err := e.sessions.LoadMessages(sessionID)
	if err != nil {
		return fmt.Errorf("load session %s: %w", sessionID, err)
	}
	e.messages = msgs
	return nil
}

// ActiveSessionID returns the current session id (empty when memoryless).
func (e *Engine) ActiveSessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// MessageCount returns the in-memory transcript length.
func (e *Engine) MessageCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.messages)
}

// Run executes one full turn for a user utterance. The run lock is held
// for the whole turn: concurrent calls (keyboard, voice) queue behind it,
// so messages from two turns never interleave.
func (e *Engine) Run(userText string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.turnCheckpointID = ""
	e.turnUserText = userText
	e.turnUserMessageID = e.appendMessage("user", userText)

	e.compactAndTrim()

	maxTokensAttempts := 0

	for {
		fmt.Fprint(e.out, e.cfg.LinePrefix)
		blocks, toolUses, stopReason, err := e.prov.StreamChat(
			e.cfg.Model, e.cfg.MaxTokens, e.cfg.Temperature, e.cfg.SystemPrompt,
			e.messages, e.registry.Specs(),
			func(delta string) { fmt.Fprint(e.out, delta) },
		)
		fmt.Fprintln(e.out)
		if err != nil {
			return err
		}

		if len(blocks) == 0 {
			blocks = []domain.ContentBlock{{Type: "text", Text: "I could not generate a text response."}}
		}
		assistantMessageID := e.appendMessage("assistant", blocks)

		if stopReason == provider.StopMaxTokens && len(toolUses) == 0 {
			maxTokensAttempts++
			if maxTokensAttempts >= maxTokensRetries {
				fmt.Fprintf(e.out, "%s[Stopped: response exceeded max_tokens (%d) %d times in a row. "+
					"Try increasing MaxTokens in config.json or simplifying the request.]\n",
					e.cfg.LinePrefix, e.cfg.MaxTokens, maxTokensRetries)
				return nil
			}
			e.appendMessage("user", continuationPrompt)
			continue
		}
		maxTokensAttempts = 0

		if len(toolUses) == 0 {
			return nil
		}

		e.ensureCheckpointForTurn(toolUses)
		results := e.executeTools(toolUses, assistantMessageID)
		e.appendMessage("user", results)
		e.messages = e.compactor.MaybeCompact(e.messages)
	}
}

// appendMessage appends to the in-memory transcript and persists through
// the session manager when memory is enabled. Content is a string or a
// []domain.ContentBlock. Returns the persisted message id (empty when
// memoryless or on persistence failure — the turn continues either way).
func (e *Engine) appendMessage(role string, content any) string {
	switch c := content.(type) {
	case string:
		e.messages = append(e.messages, domain.TranscriptMessage{Role: role, Content: c})
	case []domain.ContentBlock:
		e.messages = append(e.messages, domain.TranscriptMessage{Role: role, Blocks: c})
	}

	if e.sessions == nil || e.sessionID == "" {
		return ""
	}
	messageID, _, err := e.sessions.AppendMessage(e.sessionID, role, content)
	if err != nil {
		log.Warn("persist message failed", "role", role, "err", err)
		return ""
	}
	return messageID
}

// compactAndTrim runs the compaction strategy, then enforces the hard
// message-count ceiling by dropping the oldest messages.
func (e *Engine) compactAndTrim() {
	e.messages = e.compactor.MaybeCompact(e.messages)

	limit := e.cfg.MaxConversationMessages
	if limit <= 0 || len(e.messages) <= limit {
		return
	}
	removed := len(e.messages) - limit
	e.messages = append([]domain.TranscriptMessage(nil), e.messages[removed:]...)
	log.Info("conversation history trimmed", "removed", removed, "limit", limit)
}

// ensureCheckpointForTurn creates the turn's checkpoint on the first tool
// batch that contains a mutating tool. At most one checkpoint per turn;
// skipped entirely when memory or checkpointing is disabled.
func (e *Engine) ensureCheckpointForTurn(toolUses []domain.ContentBlock) {
	if e.turnCheckpointID != "" {
		return
	}
	if e.checkpoints == nil || !e.checkpoints.Enabled() || e.sessions == nil || e.sessionID == "" || e.turnUserMessageID == "" {
		return
	}

	var names []string
	hasMutating := false
	for _, b := range toolUses {
		names = append(names, b.ToolName)
		if e.toolParticipates(b.ToolName) {
			hasMutating = true
		}
	}
	if !hasMutating {
		return
	}

	checkpointID, err := e.checkpoints.CreateCheckpoint(e.sessionID, e.turnUserMessageID, memory.CheckpointScope{
		Tools:       names,
		UserPreview: preview(e.turnUserText, 120),
	})
	if err != nil {
		log.Warn("create checkpoint failed", "err", err)
		return
	}
	e.turnCheckpointID = checkpointID
}

// toolParticipates reports whether a tool's mutations are tracked: always
// for allowlisted names, and additionally for tools advertising is_mutating
// unless write_tools_only restricts tracking to the allowlist.
func (e *Engine) toolParticipates(name string) bool {
	if e.cfg.MutatingAllowlist[name] {
		return true
	}
	if e.checkpoints != nil && e.checkpoints.WriteToolsOnly() {
		return false
	}
	if t, ok := e.registry.Find(name); ok {
		return t.IsMutating()
	}
	return false
}

func preview(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
