package memory

import (
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/batalabs/loopd/internal/domain"
	"github.com/batalabs/loopd/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:?_pragma=foreign_keys(1)")
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	db.SetMaxOpenConns(1)
	s, err := store.NewFromDB(db)
	if err != nil {
		db.Close()
		t.Fatalf("new store from db: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testManager(t *testing.T) (*SessionManager, *store.Store) {
	t.Helper()
	s := testStore(t)
	return NewSessionManager(s, "test-model", &SyncEmitter{Store: s}), s
}

func countEvents(t *testing.T, s *store.Store, sessionID, eventType string) int {
	t.Helper()
	var count int
	err := s.QueryRow(
		`SELECT COUNT(*) FROM events WHERE session_id = ? AND type = ?`,
		sessionID, eventType).Scan(&count)
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	return count
}

func TestSessionManager_CreateSession(t *testing.T) {
	m, s := testManager(t)

	t.Run("creates an active session with a derived title", func(t *testing.T) {
		id, err := m.CreateSession("", "", nil)
		if err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		sess, err := m.GetSession(id)
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if sess == nil {
			t.Fatal("session not found after create")
		}
		if sess.Status != "active" {
			t.Errorf("Status = %q, want active", sess.Status)
		}
		if sess.Model != "test-model" {
			t.Errorf("Model = %q, want test-model", sess.Model)
		}
		if sess.Title() == "" || sess.Title() == sess.ID {
			t.Errorf("Title = %q, want a derived default", sess.Title())
		}
		if got := countEvents(t, s, id, "session.started"); got != 1 {
			t.Errorf("session.started events = %d, want 1", got)
		}
	})

	t.Run("keeps the provided title", func(t *testing.T) {
		id, err := m.CreateSession("", "", map[string]string{"title": "My Research"})
		if err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		sess, _ := m.GetSession(id)
		if sess.Title() != "My Research" {
			t.Errorf("Title = %q, want My Research", sess.Title())
		}
	})

	t.Run("records the parent pointer", func(t *testing.T) {
		parent, _ := m.CreateSession("", "", nil)
		child, err := m.CreateSession("", parent, nil)
		if err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		sess, _ := m.GetSession(child)
		if sess.ParentSessionID != parent {
			t.Errorf("ParentSessionID = %q, want %q", sess.ParentSessionID, parent)
		}
	})
}

func TestSessionManager_LoadOrCreate(t *testing.T) {
	m, _ := testManager(t)

	id, err := m.LoadOrCreate("fixed-id")
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if id != "fixed-id" {
		t.Errorf("id = %q, want fixed-id", id)
	}

	again, err := m.LoadOrCreate("fixed-id")
	if err != nil {
		t.Fatalf("LoadOrCreate (second): %v", err)
	}
	if again != "fixed-id" {
		t.Errorf("second id = %q, want fixed-id", again)
	}

	sessions, err := m.ListSessions(10)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Errorf("sessions = %d, want 1 (idempotent)", len(sessions))
	}
}

func TestSessionManager_AppendMessage(t *testing.T) {
	m, s := testManager(t)
	id, _ := m.CreateSession("", "", nil)

	t.Run("assigns monotone gapless sequence numbers", func(t *testing.T) {
		for i := 1; i <= 5; i++ {
			_, seq, err := m.AppendMessage(id, "user", fmt.Sprintf("message %d", i))
			if err != nil {
				t.Fatalf("AppendMessage %d: %v", i, err)
			}
			if seq != i {
				t.Errorf("seq = %d, want %d", seq, i)
			}
		}

		rows, err := s.Query(`SELECT seq FROM messages WHERE session_id = ? ORDER BY seq`, id)
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		defer rows.Close()
		want := 1
		for rows.Next() {
			var seq int
			if err := rows.Scan(&seq); err != nil {
				t.Fatalf("scan: %v", err)
			}
			if seq != want {
				t.Errorf("seq = %d, want %d (no gaps)", seq, want)
			}
			want++
		}
	})

	t.Run("emits message.appended per append", func(t *testing.T) {
		if got := countEvents(t, s, id, "message.appended"); got != 5 {
			t.Errorf("message.appended events = %d, want 5", got)
		}
	})

	t.Run("bumps session updated_at", func(t *testing.T) {
		sess, _ := m.GetSession(id)
		if sess.UpdatedAt < sess.CreatedAt {
			t.Errorf("UpdatedAt %q before CreatedAt %q", sess.UpdatedAt, sess.CreatedAt)
		}
	})

	t.Run("stores a non-negative token estimate", func(t *testing.T) {
		var estimate int
		err := s.QueryRow(
			`SELECT token_estimate FROM messages WHERE session_id = ? AND seq = 1`, id).
			Scan(&estimate)
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		if estimate < 0 {
			t.Errorf("token_estimate = %d, want >= 0", estimate)
		}
	})
}

func TestSessionManager_LoadMessages(t *testing.T) {
	m, _ := testManager(t)
	id, _ := m.CreateSession("", "", nil)

	blocks := []domain.ContentBlock{
		{Type: "text", Text: "Let me read that file."},
		{Type: "tool_use", ToolUseID: "tu1", ToolName: "read_file", ToolInput: map[string]any{"path": "x.txt"}},
	}
	if _, _, err := m.AppendMessage(id, "user", "read x.txt"); err != nil {
		t.Fatalf("append user: %v", err)
	}
	if _, _, err := m.AppendMessage(id, "assistant", blocks); err != nil {
		t.Fatalf("append assistant: %v", err)
	}

	msgs, err := m.LoadMessages(id)
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != "read x.txt" {
		t.Errorf("first message = %+v", msgs[0])
	}
	if !msgs[1].HasBlocks() {
		t.Fatal("second message should have blocks")
	}
	if msgs[1].Blocks[1].ToolName != "read_file" {
		t.Errorf("tool name = %q, want read_file", msgs[1].Blocks[1].ToolName)
	}
	if msgs[1].Blocks[1].ToolInput["path"] != "x.txt" {
		t.Errorf("tool input path = %v, want x.txt", msgs[1].Blocks[1].ToolInput["path"])
	}
}

func TestSessionManager_ForkSession(t *testing.T) {
	m, _ := testManager(t)
	src, _ := m.CreateSession("", "", map[string]string{"title": "Original"})
	m.AppendMessage(src, "user", "hello")
	m.AppendMessage(src, "assistant", []domain.ContentBlock{{Type: "text", Text: "hi"}})
	m.AppendMessage(src, "user", "more")

	forkID, err := m.ForkSession(src, "")
	if err != nil {
		t.Fatalf("ForkSession: %v", err)
	}

	t.Run("fork transcript equals source transcript", func(t *testing.T) {
		srcMsgs, err := m.LoadMessages(src)
		if err != nil {
			t.Fatalf("load source: %v", err)
		}
		forkMsgs, err := m.LoadMessages(forkID)
		if err != nil {
			t.Fatalf("load fork: %v", err)
		}
		if !reflect.DeepEqual(srcMsgs, forkMsgs) {
			t.Errorf("fork transcript differs:\nsrc  = %+v\nfork = %+v", srcMsgs, forkMsgs)
		}
	})

	t.Run("fork points at its source", func(t *testing.T) {
		sess, _ := m.GetSession(forkID)
		if sess.ParentSessionID != src {
			t.Errorf("ParentSessionID = %q, want %q", sess.ParentSessionID, src)
		}
		if sess.Metadata["forked_from"] != src {
			t.Errorf("forked_from = %q, want %q", sess.Metadata["forked_from"], src)
		}
	})

	t.Run("fork of unknown session fails", func(t *testing.T) {
		if _, err := m.ForkSession("missing", ""); !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestSessionManager_ResolveSessionIdentifier(t *testing.T) {
	m, _ := testManager(t)
	id1, _ := m.CreateSession("", "", map[string]string{"title": "Alpha"})
	m.CreateSession("", "", map[string]string{"title": "Shared"})
	m.CreateSession("", "", map[string]string{"title": "shared"})

	t.Run("exact id wins", func(t *testing.T) {
		sess, err := m.ResolveSessionIdentifier(id1)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if sess == nil || sess.ID != id1 {
			t.Errorf("resolved %+v, want id %s", sess, id1)
		}
	})

	t.Run("title match is case-insensitive", func(t *testing.T) {
		sess, err := m.ResolveSessionIdentifier("ALPHA")
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if sess == nil || sess.ID != id1 {
			t.Errorf("resolved %+v, want id %s", sess, id1)
		}
	})

	t.Run("no match returns nil", func(t *testing.T) {
		sess, err := m.ResolveSessionIdentifier("nope")
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if sess != nil {
			t.Errorf("resolved %+v, want nil", sess)
		}
	})

	t.Run("ambiguous title fails", func(t *testing.T) {
		_, err := m.ResolveSessionIdentifier("Shared")
		if !errors.Is(err, ErrAmbiguous) {
			t.Errorf("err = %v, want ErrAmbiguous", err)
		}
	})
}

func TestSessionManager_SetSessionTitle(t *testing.T) {
	m, s := testManager(t)
	id, _ := m.CreateSession("", "", nil)

	if err := m.SetSessionTitle(id, "Renamed"); err != nil {
		t.Fatalf("SetSessionTitle: %v", err)
	}
	sess, _ := m.GetSession(id)
	if sess.Title() != "Renamed" {
		t.Errorf("Title = %q, want Renamed", sess.Title())
	}
	if got := countEvents(t, s, id, "session.renamed"); got != 1 {
		t.Errorf("session.renamed events = %d, want 1", got)
	}

	if err := m.SetSessionTitle("missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSessionManager_RecordToolCall(t *testing.T) {
	m, s := testManager(t)
	id, _ := m.CreateSession("", "", nil)
	msgID, _, _ := m.AppendMessage(id, "assistant", []domain.ContentBlock{
		{Type: "tool_use", ToolUseID: "tu1", ToolName: "bash", ToolInput: map[string]any{"command": "ls"}},
	})

	callID, err := m.RecordToolCall(id, msgID, "bash", map[string]any{"command": "ls"}, "README.md", false, "tu1")
	if err != nil {
		t.Fatalf("RecordToolCall: %v", err)
	}
	if callID != "tu1" {
		t.Errorf("callID = %q, want tu1", callID)
	}

	var toolName, result string
	var isError int
	err = s.QueryRow(
		`SELECT tool_name, result_text, is_error FROM tool_calls WHERE id = 'tu1'`).
		Scan(&toolName, &result, &isError)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if toolName != "bash" || result != "README.md" || isError != 0 {
		t.Errorf("row = (%q, %q, %d)", toolName, result, isError)
	}
}

func TestSessionManager_BuildSessionSummary(t *testing.T) {
	m, _ := testManager(t)
	id, _ := m.CreateSession("", "", nil)
	m.AppendMessage(id, "user", "first question")
	m.AppendMessage(id, "assistant", "first answer")
	m.AppendMessage(id, "user", "second question about something long enough to preview")

	summary, err := m.BuildSessionSummary(id)
	if err != nil {
		t.Fatalf("BuildSessionSummary: %v", err)
	}
	if summary.MessageCount != 3 {
		t.Errorf("MessageCount = %d, want 3", summary.MessageCount)
	}
	if summary.UserMessageCount != 2 {
		t.Errorf("UserMessageCount = %d, want 2", summary.UserMessageCount)
	}
	if summary.AssistantMessageCount != 1 {
		t.Errorf("AssistantMessageCount = %d, want 1", summary.AssistantMessageCount)
	}
	if summary.LastUserPreview == "" {
		t.Error("LastUserPreview is empty")
	}
	if summary.LastAssistantPreview != "first answer" {
		t.Errorf("LastAssistantPreview = %q", summary.LastAssistantPreview)
	}

	if _, err := m.BuildSessionSummary("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSessionManager_ListSessions(t *testing.T) {
	m, s := testManager(t)
	a, _ := m.CreateSession("", "", map[string]string{"title": "A"})
	b, _ := m.CreateSession("", "", map[string]string{"title": "B"})

	// Push session A to the top by touching it last.
	if _, err := s.Exec(`UPDATE sessions SET updated_at = '2999-01-01T00:00:00Z' WHERE id = ?`, a); err != nil {
		t.Fatalf("touch: %v", err)
	}

	sessions, err := m.ListSessions(10)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("sessions = %d, want 2", len(sessions))
	}
	if sessions[0].ID != a {
		t.Errorf("first = %s, want %s (updated_at desc)", sessions[0].ID, a)
	}
	if sessions[1].ID != b {
		t.Errorf("second = %s, want %s", sessions[1].ID, b)
	}
}
