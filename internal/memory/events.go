// Package memory provides the durable conversation memory: sessions with
// ordered messages, tool-call records, file checkpoints with rewind, and
// the asynchronous event sink.
package memory

import (
	"database/sql"
	"encoding/json"

	"github.com/batalabs/loopd/internal/domain"
	"github.com/batalabs/loopd/internal/store"
)

// Payload is the free-form JSON body of an event.
type Payload map[string]any

// Emitter accepts fire-and-forget event records. Implementations never
// block the caller and never fail visibly.
type Emitter interface {
	Emit(sessionID, eventType string, payload Payload)
}

// insertEvent writes one event row inside an existing transaction.
func insertEvent(tx *sql.Tx, sessionID, eventType string, payload Payload, createdAt string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		`INSERT INTO events (id, session_id, type, payload_json, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		domain.NewUUID(), sessionID, eventType, string(body), createdAt)
	return err
}

// SyncEmitter writes events straight to the store. Used where batching is
// not wanted (tests, short-lived commands).
type SyncEmitter struct {
	Store *store.Store
}

// Emit persists the event immediately. Failures are dropped; the event
// stream is best-effort observability, never control flow.
func (e *SyncEmitter) Emit(sessionID, eventType string, payload Payload) {
	_ = e.Store.WithTx(func(tx *sql.Tx) error {
		return insertEvent(tx, sessionID, eventType, payload, store.UTCNow())
	})
}

// emit is a nil-safe helper for components holding an optional Emitter.
func emit(e Emitter, sessionID, eventType string, payload Payload) {
	if e != nil {
		e.Emit(sessionID, eventType, payload)
	}
}
