// Package commands parses slash-commands and dispatches them to the
// session, checkpoint, and voice handlers. Any non-slash input is the
// caller's to forward to the turn engine.
package commands

import "strings"

// Router recognises the /-prefixed administrative commands.
type Router struct {
	handlers *Handlers
}

// NewRouter creates a router over the given handlers.
func NewRouter(h *Handlers) *Router {
	return &Router{handlers: h}
}

// TryHandle processes input when it is a slash command. It returns true
// when the input was consumed (including unknown slash commands, which
// print an error) and false when the input should go to the turn engine.
func (r *Router) TryHandle(input string) bool {
	trimmed := strings.TrimSpace(input)
	if !strings.HasPrefix(trimmed, "/") {
		return false
	}

	parts := strings.Fields(trimmed)
	switch parts[0] {
	case "/help":
		r.handlers.Help()
	case "/rewind":
		r.handlers.Rewind(parts[1:])
	case "/checkpoint":
		r.handlers.Checkpoint(parts[1:])
	case "/session":
		r.handlers.Session(parts[1:])
	case "/voice":
		r.handlers.Voice(parts[1:])
	default:
		r.handlers.Unknown(parts[0])
	}
	return true
}
