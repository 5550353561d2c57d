package memory

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/batalabs/loopd/internal/compaction"
	"github.com/batalabs/loopd/internal/domain"
	"github.com/batalabs/loopd/internal/store"
)

// ErrAmbiguous is returned when a session identifier matches more than one
// session by title. The caller must disambiguate with an exact ID.
var ErrAmbiguous = errors.New("identifier matches multiple sessions")

// ErrNotFound is returned when a referenced session or checkpoint does not
// exist.
var ErrNotFound = errors.New("not found")

// SessionManager provides CRUD over sessions and their append-only ordered
// messages and tool-call records.
type SessionManager struct {
	store  *store.Store
	model  string
	events Emitter
}

// NewSessionManager creates a session manager. The model name is recorded
// on every session created through it.
func NewSessionManager(s *store.Store, model string, events Emitter) *SessionManager {
	return &SessionManager{store: s, model: model, events: events}
}

// GetSession returns the session with the given id, or nil when absent.
func (m *SessionManager) GetSession(id string) (*domain.Session, error) {
	row := m.store.QueryRow(
		`SELECT id, COALESCE(parent_session_id, ''), created_at, updated_at, status, model, metadata_json
		 FROM sessions WHERE id = ? LIMIT 1`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sess, err
}

// ListSessions returns up to limit sessions, most recently updated first.
func (m *SessionManager) ListSessions(limit int) ([]domain.Session, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := m.store.Query(
		`SELECT id, COALESCE(parent_session_id, ''), created_at, updated_at, status, model, metadata_json
		 FROM sessions
		 ORDER BY updated_at DESC, created_at DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		var sess domain.Session
		var metadataJSON string
		if err := rows.Scan(&sess.ID, &sess.ParentSessionID, &sess.CreatedAt,
			&sess.UpdatedAt, &sess.Status, &sess.Model, &metadataJSON); err != nil {
			return nil, err
		}
		sess.Metadata = parseMetadata(metadataJSON)
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// CreateSession inserts a new active session. An empty id generates one.
// The title defaults to metadata["title"] or a derived placeholder.
func (m *SessionManager) CreateSession(id, parentID string, metadata map[string]string) (string, error) {
	if id == "" {
		id = domain.NewUUID()
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	if strings.TrimSpace(metadata["title"]) == "" {
		metadata["title"] = "Session " + shortID(id)
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return "", err
	}

	now := store.UTCNow()
	var parent any
	if parentID != "" {
		parent = parentID
	}
	_, err = m.store.Exec(
		`INSERT INTO sessions (id, parent_session_id, created_at, updated_at, status, model, metadata_json)
		 VALUES (?, ?, ?, ?, 'active', ?, ?)`,
		id, parent, now, now, m.model, string(metadataJSON))
	if err != nil {
		return "", err
	}
	emit(m.events, id, "session.started", Payload{
		"session_id":        id,
		"parent_session_id": parentID,
	})
	return id, nil
}

// LoadOrCreate returns the session id, creating the session if needed.
func (m *SessionManager) LoadOrCreate(id string) (string, error) {
	sess, err := m.GetSession(id)
	if err != nil {
		return "", err
	}
	if sess != nil {
		return id, nil
	}
	return m.CreateSession(id, "", nil)
}

// SetSessionTitle updates the title inside the session metadata bag.
func (m *SessionManager) SetSessionTitle(id, title string) error {
	sess, err := m.GetSession(id)
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if sess.Metadata == nil {
		sess.Metadata = map[string]string{}
	}
	sess.Metadata["title"] = title
	metadataJSON, err := json.Marshal(sess.Metadata)
	if err != nil {
		return err
	}
	_, err = m.store.Exec(
		`UPDATE sessions SET metadata_json = ?, updated_at = ? WHERE id = ?`,
		string(metadataJSON), store.UTCNow(), id)
	if err != nil {
		return err
	}
	emit(m.events, id, "session.renamed", Payload{"session_id": id, "title": title})
	return nil
}

// AppendMessage appends a message with the next sequence number. Content is
// either a plain string or a []domain.ContentBlock. Returns the message id
// and its sequence number.
func (m *SessionManager) AppendMessage(sessionID, role string, content any) (string, int, error) {
	contentJSON, transcript, err := encodeContent(role, content)
	if err != nil {
		return "", 0, err
	}
	tokenEstimate := compaction.EstimateTokens([]domain.TranscriptMessage{transcript})
	if tokenEstimate < 0 {
		tokenEstimate = 0
	}

	messageID := domain.NewUUID()
	now := store.UTCNow()
	var seq int
	err = m.store.WithTx(func(tx *sql.Tx) error {
		row := tx.QueryRow(
			`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE session_id = ?`, sessionID)
		if err := row.Scan(&seq); err != nil {
			return err
		}
		seq++
		if _, err := tx.Exec(
			`INSERT INTO messages (id, session_id, seq, role, content_json, created_at, token_estimate)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			messageID, sessionID, seq, role, contentJSON, now, tokenEstimate); err != nil {
			return err
		}
		_, err := tx.Exec(`UPDATE sessions SET updated_at = ? WHERE id = ?`, now, sessionID)
		return err
	})
	if err != nil {
		return "", 0, err
	}

	emit(m.events, sessionID, "message.appended", Payload{
		"session_id": sessionID,
		"message_id": messageID,
		"seq":        seq,
		"role":       role,
	})
	return messageID, seq, nil
}

// LoadMessages returns the session transcript in sequence order.
func (m *SessionManager) LoadMessages(sessionID string) ([]domain.TranscriptMessage, error) {
	rows, err := m.store.Query(
		`SELECT role, content_json FROM messages
		 WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.TranscriptMessage
	for rows.Next() {
		var role, contentJSON string
		if err := rows.Scan(&role, &contentJSON); err != nil {
			return nil, err
		}
		msgs = append(msgs, decodeContent(role, contentJSON))
	}
	return msgs, rows.Err()
}

// RecordToolCall writes one row for an invoked tool use, after the tool
// returned. messageID is the assistant message that issued the tool_use and
// may be empty.
func (m *SessionManager) RecordToolCall(sessionID, messageID, toolName string, input map[string]any, resultText string, isError bool, toolCallID string) (string, error) {
	if toolCallID == "" {
		toolCallID = domain.NewUUID()
	}
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return "", err
	}
	isErrInt := 0
	if isError {
		isErrInt = 1
	}
	var msgID any
	if messageID != "" {
		msgID = messageID
	}
	now := store.UTCNow()
	err = m.store.WithTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`INSERT INTO tool_calls (id, session_id, message_id, tool_name, input_json, result_text, is_error, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			toolCallID, sessionID, msgID, toolName, string(inputJSON), resultText, isErrInt, now); err != nil {
			return err
		}
		_, err := tx.Exec(`UPDATE sessions SET updated_at = ? WHERE id = ?`, now, sessionID)
		return err
	})
	if err != nil {
		return "", err
	}
	return toolCallID, nil
}

// BuildSessionSummary aggregates message/role counts, the checkpoint count,
// and short previews of the most recent user and assistant messages.
func (m *SessionManager) BuildSessionSummary(sessionID string) (*domain.SessionSummary, error) {
	sess, err := m.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}

	summary := &domain.SessionSummary{
		SessionID: sessionID,
		CreatedAt: sess.CreatedAt,
		UpdatedAt: sess.UpdatedAt,
	}

	rows, err := m.store.Query(
		`SELECT role, COUNT(*) FROM messages WHERE session_id = ? GROUP BY role`, sessionID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var role string
		var count int
		if err := rows.Scan(&role, &count); err != nil {
			rows.Close()
			return nil, err
		}
		summary.MessageCount += count
		switch role {
		case "user":
			summary.UserMessageCount = count
		case "assistant":
			summary.AssistantMessageCount = count
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := m.store.QueryRow(
		`SELECT COUNT(*) FROM checkpoints WHERE session_id = ?`, sessionID).
		Scan(&summary.CheckpointCount); err != nil {
		return nil, err
	}

	summary.LastUserPreview, err = m.lastMessagePreview(sessionID, "user")
	if err != nil {
		return nil, err
	}
	summary.LastAssistantPreview, err = m.lastMessagePreview(sessionID, "assistant")
	if err != nil {
		return nil, err
	}
	return summary, nil
}

func (m *SessionManager) lastMessagePreview(sessionID, role string) (string, error) {
	var contentJSON string
	err := m.store.QueryRow(
		`SELECT content_json FROM messages
		 WHERE session_id = ? AND role = ?
		 ORDER BY seq DESC LIMIT 1`, sessionID, role).Scan(&contentJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return previewString(decodeContent(role, contentJSON).TextContent(), 80), nil
}

// ForkSession creates a new session pointing at the source and copies all
// messages verbatim, preserving seq, content, token estimates, and
// timestamps. Returns the new session id.
func (m *SessionManager) ForkSession(sourceID, newID string) (string, error) {
	src, err := m.GetSession(sourceID)
	if err != nil {
		return "", err
	}
	if src == nil {
		return "", fmt.Errorf("session %s: %w", sourceID, ErrNotFound)
	}

	forkID, err := m.CreateSession(newID, sourceID, map[string]string{
		"forked_from": sourceID,
		"title":       src.Title() + " (fork)",
	})
	if err != nil {
		return "", err
	}

	err = m.store.WithTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(
			`SELECT seq, role, content_json, created_at, token_estimate
			 FROM messages WHERE session_id = ? ORDER BY seq ASC`, sourceID)
		if err != nil {
			return err
		}
		type rowData struct {
			seq           int
			role, content string
			createdAt     string
			tokenEstimate int
		}
		var copied []rowData
		for rows.Next() {
			var r rowData
			if err := rows.Scan(&r.seq, &r.role, &r.content, &r.createdAt, &r.tokenEstimate); err != nil {
				rows.Close()
				return err
			}
			copied = append(copied, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, r := range copied {
			if _, err := tx.Exec(
				`INSERT INTO messages (id, session_id, seq, role, content_json, created_at, token_estimate)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				domain.NewUUID(), forkID, r.seq, r.role, r.content, r.createdAt, r.tokenEstimate); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return forkID, nil
}

// ResolveSessionIdentifier matches by exact id first, then by
// case-insensitive title. Returns nil when nothing matches and
// ErrAmbiguous when the title matches more than one session.
func (m *SessionManager) ResolveSessionIdentifier(identifier string) (*domain.Session, error) {
	sess, err := m.GetSession(identifier)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		return sess, nil
	}

	rows, err := m.store.Query(
		`SELECT id, COALESCE(parent_session_id, ''), created_at, updated_at, status, model, metadata_json
		 FROM sessions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	want := strings.ToLower(strings.TrimSpace(identifier))
	var matches []domain.Session
	for rows.Next() {
		var s domain.Session
		var metadataJSON string
		if err := rows.Scan(&s.ID, &s.ParentSessionID, &s.CreatedAt,
			&s.UpdatedAt, &s.Status, &s.Model, &metadataJSON); err != nil {
			return nil, err
		}
		s.Metadata = parseMetadata(metadataJSON)
		if strings.ToLower(s.Title()) == want {
			matches = append(matches, s)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, nil
	case 1:
		return &matches[0], nil
	default:
		return nil, fmt.Errorf("%q: %w", identifier, ErrAmbiguous)
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func scanSession(row *sql.Row) (*domain.Session, error) {
	var sess domain.Session
	var metadataJSON string
	err := row.Scan(&sess.ID, &sess.ParentSessionID, &sess.CreatedAt,
		&sess.UpdatedAt, &sess.Status, &sess.Model, &metadataJSON)
	if err != nil {
		return nil, err
	}
	sess.Metadata = parseMetadata(metadataJSON)
	return &sess, nil
}

func parseMetadata(metadataJSON string) map[string]string {
	metadata := map[string]string{}
	if metadataJSON != "" {
		// Malformed metadata degrades to an empty bag.
		_ = json.Unmarshal([]byte(metadataJSON), &metadata)
	}
	return metadata
}

// encodeContent marshals message content (string or block list) and builds
// the equivalent transcript message for token estimation.
func encodeContent(role string, content any) (string, domain.TranscriptMessage, error) {
	switch c := content.(type) {
	case string:
		raw, err := json.Marshal(c)
		if err != nil {
			return "", domain.TranscriptMessage{}, err
		}
		return string(raw), domain.TranscriptMessage{Role: role, Content: c}, nil
	case []domain.ContentBlock:
		raw, err := json.Marshal(c)
		if err != nil {
			return "", domain.TranscriptMessage{}, err
		}
		return string(raw), domain.TranscriptMessage{Role: role, Blocks: c}, nil
	default:
		return "", domain.TranscriptMessage{}, fmt.Errorf("unsupported message content type %T", content)
	}
}

// decodeContent is the inverse of encodeContent: content_json is either a
// JSON string or a JSON array of content blocks.
func decodeContent(role, contentJSON string) domain.TranscriptMessage {
	msg := domain.TranscriptMessage{Role: role}
	trimmed := strings.TrimSpace(contentJSON)
	if strings.HasPrefix(trimmed, "[") {
		var blocks []domain.ContentBlock
		if json.Unmarshal([]byte(trimmed), &blocks) == nil {
			msg.Blocks = blocks
			msg.Content = msg.TextContent()
			return msg
		}
	}
	var text string
	if json.Unmarshal([]byte(trimmed), &text) == nil {
		msg.Content = text
	} else {
		msg.Content = contentJSON
	}
	return msg
}

func previewString(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
