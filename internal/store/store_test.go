package store

import (
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

// testStore returns a Store backed by an in-memory SQLite database.
func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:?_pragma=foreign_keys(1)")
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	db.SetMaxOpenConns(1)
	s, err := NewFromDB(db)
	if err != nil {
		db.Close()
		t.Fatalf("new store from db: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func insertSession(t *testing.T, s *Store, id, updatedAt string) {
	t.Helper()
	_, err := s.Exec(
		`INSERT INTO sessions (id, created_at, updated_at, status, model, metadata_json)
		 VALUES (?, ?, ?, 'active', 'test-model', '{}')`,
		id, updatedAt, updatedAt)
	if err != nil {
		t.Fatalf("insert session %s: %v", id, err)
	}
}

func TestStore_Migrate(t *testing.T) {
	t.Run("schema is idempotent", func(t *testing.T) {
		s := testStore(t)
		if err := s.migrate(); err != nil {
			t.Fatalf("second migrate: %v", err)
		}
	})

	t.Run("creates all tables", func(t *testing.T) {
		s := testStore(t)
		for _, table := range []string{"sessions", "messages", "tool_calls", "checkpoints", "checkpoint_files", "events"} {
			var name string
			err := s.QueryRow(
				`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).
				Scan(&name)
			if err != nil {
				t.Errorf("table %s missing: %v", table, err)
			}
		}
	})
}

func TestStore_IntegrityViolation(t *testing.T) {
	s := testStore(t)

	t.Run("foreign key violation is detected", func(t *testing.T) {
		_, err := s.Exec(
			`INSERT INTO messages (id, session_id, seq, role, content_json, created_at)
			 VALUES ('m1', 'no-such-session', 1, 'user', '"hi"', ?)`, UTCNow())
		if err == nil {
			t.Fatal("expected foreign key error")
		}
		if !IsIntegrityViolation(err) {
			t.Errorf("IsIntegrityViolation(%v) = false, want true", err)
		}
	})

	t.Run("unique violation is detected", func(t *testing.T) {
		insertSession(t, s, "s1", UTCNow())
		now := UTCNow()
		_, err := s.Exec(
			`INSERT INTO messages (id, session_id, seq, role, content_json, created_at)
			 VALUES ('m1', 's1', 1, 'user', '"hi"', ?)`, now)
		if err != nil {
			t.Fatalf("first insert: %v", err)
		}
		_, err = s.Exec(
			`INSERT INTO messages (id, session_id, seq, role, content_json, created_at)
			 VALUES ('m2', 's1', 1, 'user', '"again"', ?)`, now)
		if err == nil {
			t.Fatal("expected unique constraint error")
		}
		if !IsIntegrityViolation(err) {
			t.Errorf("IsIntegrityViolation(%v) = false, want true", err)
		}
	})

	t.Run("other errors are not integrity violations", func(t *testing.T) {
		if IsIntegrityViolation(fmt.Errorf("connection refused")) {
			t.Error("expected false for unrelated error")
		}
		if IsIntegrityViolation(nil) {
			t.Error("expected false for nil")
		}
	})
}

func TestStore_WithTx(t *testing.T) {
	s := testStore(t)
	insertSession(t, s, "s1", UTCNow())

	t.Run("commits on success", func(t *testing.T) {
		err := s.WithTx(func(tx *sql.Tx) error {
			_, err := tx.Exec(
				`INSERT INTO messages (id, session_id, seq, role, content_json, created_at)
				 VALUES ('tx1', 's1', 1, 'user', '"a"', ?)`, UTCNow())
			return err
		})
		if err != nil {
			t.Fatalf("WithTx: %v", err)
		}
		var count int
		if err := s.QueryRow(`SELECT COUNT(*) FROM messages WHERE id = 'tx1'`).Scan(&count); err != nil {
			t.Fatalf("count: %v", err)
		}
		if count != 1 {
			t.Errorf("count = %d, want 1", count)
		}
	})

	t.Run("rolls back on error", func(t *testing.T) {
		err := s.WithTx(func(tx *sql.Tx) error {
			if _, err := tx.Exec(
				`INSERT INTO messages (id, session_id, seq, role, content_json, created_at)
				 VALUES ('tx2', 's1', 2, 'user', '"b"', ?)`, UTCNow()); err != nil {
				return err
			}
			return fmt.Errorf("boom")
		})
		if err == nil {
			t.Fatal("expected error from WithTx")
		}
		var count int
		if err := s.QueryRow(`SELECT COUNT(*) FROM messages WHERE id = 'tx2'`).Scan(&count); err != nil {
			t.Fatalf("count: %v", err)
		}
		if count != 0 {
			t.Errorf("count = %d, want 0 after rollback", count)
		}
	})
}

func TestStore_Prune(t *testing.T) {
	t.Run("removes sessions past retention", func(t *testing.T) {
		s := testStore(t)
		old := time.Now().UTC().AddDate(0, 0, -60).Format(time.RFC3339)
		insertSession(t, s, "old", old)
		insertSession(t, s, "fresh", UTCNow())

		if err := s.Prune(0, 0, 30); err != nil {
			t.Fatalf("Prune: %v", err)
		}

		var count int
		if err := s.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&count); err != nil {
			t.Fatalf("count: %v", err)
		}
		if count != 1 {
			t.Errorf("sessions = %d, want 1", count)
		}
	})

	t.Run("caps messages per session keeping newest", func(t *testing.T) {
		s := testStore(t)
		insertSession(t, s, "s1", UTCNow())
		for i := 1; i <= 10; i++ {
			_, err := s.Exec(
				`INSERT INTO messages (id, session_id, seq, role, content_json, created_at)
				 VALUES (?, 's1', ?, 'user', '"m"', ?)`,
				fmt.Sprintf("m%d", i), i, UTCNow())
			if err != nil {
				t.Fatalf("insert message %d: %v", i, err)
			}
		}

		if err := s.Prune(0, 4, 30); err != nil {
			t.Fatalf("Prune: %v", err)
		}

		var minSeq, count int
		if err := s.QueryRow(`SELECT MIN(seq), COUNT(*) FROM messages WHERE session_id = 's1'`).Scan(&minSeq, &count); err != nil {
			t.Fatalf("scan: %v", err)
		}
		if count != 4 {
			t.Errorf("messages = %d, want 4", count)
		}
		if minSeq != 7 {
			t.Errorf("min seq = %d, want 7 (newest kept)", minSeq)
		}
	})

	t.Run("caps total sessions keeping most recent", func(t *testing.T) {
		s := testStore(t)
		base := time.Now().UTC()
		for i := 0; i < 5; i++ {
			insertSession(t, s, fmt.Sprintf("s%d", i), base.Add(time.Duration(i)*time.Minute).Format(time.RFC3339))
		}

		if err := s.Prune(2, 0, 30); err != nil {
			t.Fatalf("Prune: %v", err)
		}

		rows, err := s.Query(`SELECT id FROM sessions ORDER BY id`)
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		defer rows.Close()
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				t.Fatalf("scan: %v", err)
			}
			ids = append(ids, id)
		}
		if len(ids) != 2 || ids[0] != "s3" || ids[1] != "s4" {
			t.Errorf("surviving sessions = %v, want [s3 s4]", ids)
		}
	})
}
