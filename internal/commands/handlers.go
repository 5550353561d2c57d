package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/batalabs/loopd/internal/domain"
	"github.com/batalabs/loopd/internal/engine"
	"github.com/batalabs/loopd/internal/memory"
	"github.com/batalabs/loopd/internal/voice"
)

const shortIDLen = 8

// Handlers implements the slash-command surface. Sessions, checkpoints,
// and voice are optional; commands against a missing subsystem print a
// short notice instead of failing.
type Handlers struct {
	LinePrefix  string
	Engine      *engine.Engine
	Sessions    *memory.SessionManager
	Checkpoints *memory.CheckpointManager
	VoiceRT     *voice.Runtime
	Out         io.Writer
}

func (h *Handlers) out() io.Writer {
	if h.Out != nil {
		return h.Out
	}
	return os.Stdout
}

func (h *Handlers) printf(format string, args ...any) {
	fmt.Fprintf(h.out(), h.LinePrefix+format+"\n", args...)
}

// Help prints the command reference.
func (h *Handlers) Help() {
	h.printf("Commands:")
	h.printf("  /help                              show this help")
	h.printf("  /rewind <checkpoint_id>            restore files tracked by a checkpoint")
	h.printf("  /checkpoint list [n]               list recent checkpoints")
	h.printf("  /checkpoint rewind <checkpoint_id> restore files tracked by a checkpoint")
	h.printf("  /session                           show the active session summary")
	h.printf("  /session new [title]               start a fresh session")
	h.printf("  /session list [n]                  list recent sessions")
	h.printf("  /session name <title>              rename the active session")
	h.printf("  /session resume <id-or-name>       switch to another session")
	h.printf("  /session fork                      fork the active session")
	h.printf("  /voice start [source] [flags...]   start voice input (microphone|loopback)")
	h.printf("  /voice status | devices | events [n] | stop")
}

// Unknown reports an unrecognised slash command.
func (h *Handlers) Unknown(cmd string) {
	h.printf("Unknown command: %s (try /help)", cmd)
}

// ---------------------------------------------------------------------------
// Checkpoints
// ---------------------------------------------------------------------------

// Rewind handles /rewind <id>.
func (h *Handlers) Rewind(args []string) {
	if len(args) < 1 {
		h.printf("Usage: /rewind <checkpoint_id>")
		return
	}
	h.rewindCheckpoint(args[0])
}

// Checkpoint handles /checkpoint [list [n] | rewind <id>].
func (h *Handlers) Checkpoint(args []string) {
	if h.Checkpoints == nil {
		h.printf("Checkpointing is disabled")
		return
	}
	if len(args) == 0 {
		h.printf("Usage: /checkpoint list [n] | /checkpoint rewind <checkpoint_id>")
		return
	}
	switch args[0] {
	case "list":
		limit := parseLimit(args, 1, 10)
		h.listCheckpoints(limit)
	case "rewind":
		if len(args) < 2 {
			h.printf("Usage: /checkpoint rewind <checkpoint_id>")
			return
		}
		h.rewindCheckpoint(args[1])
	default:
		h.printf("Usage: /checkpoint list [n] | /checkpoint rewind <checkpoint_id>")
	}
}

func (h *Handlers) listCheckpoints(limit int) {
	sessionID := h.Engine.ActiveSessionID()
	if sessionID == "" {
		h.printf("No active session")
		return
	}
	checkpoints, err := h.Checkpoints.ListCheckpoints(sessionID, limit)
	if err != nil {
		h.printf("Checkpoint list failed: %v", err)
		return
	}
	if len(checkpoints) == 0 {
		h.printf("No checkpoints for this session")
		return
	}
	for _, cp := range checkpoints {
		toolText := "n/a"
		if len(cp.Tools) > 0 {
			toolText = strings.Join(cp.Tools, ", ")
		}
		previewText := ""
		if cp.UserPreview != "" {
			previewText = fmt.Sprintf(", prompt=%q", cp.UserPreview)
		}
		h.printf("- [%s] (id=%s, created=%s, tools=%s%s)",
			shortID(cp.ID), cp.ID, cp.CreatedAt, toolText, previewText)
	}
}

func (h *Handlers) rewindCheckpoint(checkpointID string) {
	if h.Checkpoints == nil {
		h.printf("Checkpointing is disabled")
		return
	}
	_, outcomes, err := h.Checkpoints.RewindFiles(checkpointID)
	if err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			h.printf("Checkpoint does not exist: %s", checkpointID)
		} else {
			h.printf("Rewind failed: %v", err)
		}
		return
	}
	h.printf("Rewind %s results:", checkpointID)
	if len(outcomes) == 0 {
		h.printf("- no files were tracked")
		return
	}
	for _, outcome := range outcomes {
		suffix := ""
		if outcome.Detail != "" {
			suffix = fmt.Sprintf(" (%s)", outcome.Detail)
		}
		h.printf("- %s: %s%s", outcome.Path, outcome.Status, suffix)
	}
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

// Session handles /session [new|list|name|resume|fork].
func (h *Handlers) Session(args []string) {
	if h.Sessions == nil {
		h.printf("Memory is disabled")
		return
	}
	if len(args) == 0 {
		h.printSummary(h.Engine.ActiveSessionID())
		return
	}
	switch args[0] {
	case "new":
		title := strings.Join(args[1:], " ")
		h.newSession(title)
	case "list":
		limit := parseLimit(args, 1, 10)
		h.listSessions(limit)
	case "name":
		if len(args) < 2 {
			h.printf("Usage: /session name <title>")
			return
		}
		h.renameSession(strings.Join(args[1:], " "))
	case "resume":
		if len(args) < 2 {
			h.printf("Usage: /session resume <id-or-name>")
			return
		}
		h.resumeSession(strings.Join(args[1:], " "))
	case "fork":
		h.forkSession()
	default:
		h.printf("Usage: /session [new [title] | list [n] | name <title> | resume <id-or-name> | fork]")
	}
}

func (h *Handlers) newSession(title string) {
	var metadata map[string]string
	if strings.TrimSpace(title) != "" {
		metadata = map[string]string{"title": title}
	}
	id, err := h.Sessions.CreateSession("", "", metadata)
	if err != nil {
		h.printf("Session create failed: %v", err)
		return
	}
	if err := h.Engine.AttachSession(id); err != nil {
		h.printf("Session attach failed: %v", err)
		return
	}
	h.printf("Started session [%s] (id=%s)", shortID(id), id)
}

func (h *Handlers) listSessions(limit int) {
	sessions, err := h.Sessions.ListSessions(limit)
	if err != nil {
		h.printf("Session list failed: %v", err)
		return
	}
	if len(sessions) == 0 {
		h.printf("No sessions")
		return
	}
	active := h.Engine.ActiveSessionID()
	for _, s := range sessions {
		h.printf("%s", formatSessionEntry(s, active))
	}
}

func (h *Handlers) renameSession(title string) {
	sessionID := h.Engine.ActiveSessionID()
	if sessionID == "" {
		h.printf("No active session")
		return
	}
	if err := h.Sessions.SetSessionTitle(sessionID, title); err != nil {
		h.printf("Session rename failed: %v", err)
		return
	}
	h.printf("Session renamed to %q", title)
}

func (h *Handlers) resumeSession(identifier string) {
	sess, err := h.Sessions.ResolveSessionIdentifier(identifier)
	if err != nil {
		if errors.Is(err, memory.ErrAmbiguous) {
			h.printf("Multiple sessions match %q; use the exact session id", identifier)
		} else {
			h.printf("Session resume failed: %v", err)
		}
		return
	}
	if sess == nil {
		h.printf("No session matches %q", identifier)
		return
	}
	if err := h.Engine.AttachSession(sess.ID); err != nil {
		h.printf("Session attach failed: %v", err)
		return
	}
	h.printf("Resumed %s [%s]", sess.Title(), shortID(sess.ID))
	h.printSummary(sess.ID)
}

func (h *Handlers) forkSession() {
	sessionID := h.Engine.ActiveSessionID()
	if sessionID == "" {
		h.printf("No active session")
		return
	}
	forkID, err := h.Sessions.ForkSession(sessionID, "")
	if err != nil {
		h.printf("Session fork failed: %v", err)
		return
	}
	if err := h.Engine.AttachSession(forkID); err != nil {
		h.printf("Session attach failed: %v", err)
		return
	}
	h.printf("Forked session [%s] (id=%s, parent=%s)", shortID(forkID), forkID, sessionID)
}

func (h *Handlers) printSummary(sessionID string) {
	if sessionID == "" {
		h.printf("No active session")
		return
	}
	summary, err := h.Sessions.BuildSessionSummary(sessionID)
	if err != nil {
		h.printf("Session summary failed: %v", err)
		return
	}
	h.printf("Session summary:")
	h.printf("- Created: %s | Updated: %s", summary.CreatedAt, summary.UpdatedAt)
	h.printf("- Messages: %d (user=%d, assistant=%d)",
		summary.MessageCount, summary.UserMessageCount, summary.AssistantMessageCount)
	h.printf("- Checkpoints: %d", summary.CheckpointCount)
	if summary.LastUserPreview != "" {
		h.printf("- Last user: %s", summary.LastUserPreview)
	}
	if summary.LastAssistantPreview != "" {
		h.printf("- Last assistant: %s", summary.LastAssistantPreview)
	}
}

// ---------------------------------------------------------------------------
// Voice
// ---------------------------------------------------------------------------

// Voice handles /voice [start|status|devices|events|stop].
func (h *Handlers) Voice(args []string) {
	if h.VoiceRT == nil {
		h.printf("Voice is unavailable")
		return
	}
	if len(args) == 0 {
		fmt.Fprintln(h.out(), h.VoiceRT.Status())
		return
	}
	switch args[0] {
	case "start":
		opts, errLine := ParseVoiceStartArgs(args[1:], h.LinePrefix)
		if errLine != "" {
			fmt.Fprintln(h.out(), errLine)
			return
		}
		fmt.Fprintln(h.out(), h.VoiceRT.Start(opts))
	case "status":
		fmt.Fprintln(h.out(), h.VoiceRT.Status())
	case "devices":
		fmt.Fprintln(h.out(), h.VoiceRT.Devices())
	case "events":
		limit := parseLimit(args, 1, 50)
		fmt.Fprintln(h.out(), h.VoiceRT.Events(limit))
	case "stop":
		fmt.Fprintln(h.out(), h.VoiceRT.Stop())
	default:
		h.printf("Usage: /voice [start [source] [flags...] | status | devices | events [n] | stop]")
	}
}

// ParseVoiceStartArgs parses the /voice start argument list. The
// --mic-device-name flag consumes tokens up to the next -- flag. Returns
// the options, or a usage line when parsing fails.
func ParseVoiceStartArgs(args []string, linePrefix string) (voice.StartOptions, string) {
	opts := voice.StartOptions{Source: "microphone"}
	usage := linePrefix + "Usage: /voice start [microphone|loopback] " +
		"[--mic-device-id <id>] [--mic-device-name <name>] " +
		"[--chunk-seconds <n>] [--endpointing-ms <n>] [--utterance-end-ms <n>]"

	idx := 0
	if len(args) > 0 && !strings.HasPrefix(args[0], "--") {
		opts.Source = strings.ToLower(args[0])
		idx = 1
	}

	for idx < len(args) {
		token := args[idx]
		switch token {
		case "--mic-device-id":
			if idx+1 >= len(args) {
				return opts, linePrefix + "Usage: /voice start ... --mic-device-id <id>"
			}
			opts.MicDeviceID = args[idx+1]
			idx += 2
		case "--mic-device-name":
			var nameTokens []string
			j := idx + 1
			for j < len(args) && !strings.HasPrefix(args[j], "--") {
				nameTokens = append(nameTokens, args[j])
				j++
			}
			if len(nameTokens) == 0 {
				return opts, linePrefix + "Usage: /voice start ... --mic-device-name <name>"
			}
			opts.MicDeviceName = strings.Trim(strings.Join(nameTokens, " "), `"'`)
			idx = j
		case "--chunk-seconds":
			n, err := flagInt(args, idx)
			if err != nil {
				return opts, linePrefix + "chunk-seconds must be an integer"
			}
			opts.ChunkSeconds = n
			idx += 2
		case "--endpointing-ms":
			n, err := flagInt(args, idx)
			if err != nil {
				return opts, linePrefix + "endpointing-ms must be an integer"
			}
			opts.EndpointingMs = n
			idx += 2
		case "--utterance-end-ms":
			n, err := flagInt(args, idx)
			if err != nil {
				return opts, linePrefix + "utterance-end-ms must be an integer"
			}
			opts.UtteranceEndMs = n
			idx += 2
		default:
			return opts, usage
		}
	}
	return opts, ""
}

func flagInt(args []string, idx int) (int, error) {
	if idx+1 >= len(args) {
		return 0, fmt.Errorf("missing value")
	}
	return strconv.Atoi(args[idx+1])
}

// ---------------------------------------------------------------------------
// Formatting helpers
// ---------------------------------------------------------------------------

func formatSessionEntry(s domain.Session, activeID string) string {
	marker := " "
	if s.ID == activeID {
		marker = "*"
	}
	parent := s.ParentSessionID
	if parent == "" {
		parent = "-"
	}
	return fmt.Sprintf("%s %s [%s] (id=%s) (status=%s, created=%s, updated=%s, parent=%s)",
		marker, s.Title(), shortID(s.ID), s.ID, s.Status, s.CreatedAt, s.UpdatedAt, parent)
}

func shortID(value string) string {
	if len(value) <= shortIDLen {
		return value
	}
	return value[:shortIDLen]
}

func parseLimit(args []string, idx, def int) int {
	if idx < len(args) {
		if n, err := strconv.Atoi(args[idx]); err == nil && n > 0 {
			return n
		}
	}
	return def
}
