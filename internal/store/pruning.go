package store

import (
	"database/sql"
	"time"
)

// Prune enforces the memory retention policy: sessions untouched for longer
// than retentionDays are removed, each session keeps at most
// maxMessagesPerSession of its newest messages, and only the maxSessions
// most recently updated sessions survive. Messages, tool calls, checkpoints,
// and events cascade with their session.
func (s *Store) Prune(maxSessions, maxMessagesPerSession, retentionDays int) error {
	if retentionDays < 1 {
		retentionDays = 1
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Truncate(time.Second).Format(time.RFC3339)

	return s.WithTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM sessions WHERE updated_at < ?`, cutoff); err != nil {
			return err
		}

		if maxMessagesPerSession > 0 {
			if _, err := tx.Exec(`
				DELETE FROM messages WHERE id IN (
					SELECT m.id FROM messages m
					WHERE m.seq <= (
						SELECT MAX(seq) - ? FROM messages WHERE session_id = m.session_id
					)
				)`, maxMessagesPerSession); err != nil {
				return err
			}
		}

		if maxSessions > 0 {
			if _, err := tx.Exec(`
				DELETE FROM sessions WHERE id IN (
					SELECT id FROM sessions
					ORDER BY updated_at DESC
					LIMIT -1 OFFSET ?
				)`, maxSessions); err != nil {
				return err
			}
		}
		return nil
	})
}
