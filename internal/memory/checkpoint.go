package memory

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/batalabs/loopd/internal/domain"
	"github.com/batalabs/loopd/internal/store"
)

// ErrPathOutsideWorkspace is returned when a tracked path resolves outside
// the configured working directory.
var ErrPathOutsideWorkspace = errors.New("path is outside working directory")

// CheckpointScope records which tools a checkpoint covers and a short
// preview of the user prompt that opened the turn.
type CheckpointScope struct {
	Tools       []string `json:"tools"`
	UserPreview string   `json:"user_preview"`
}

// CheckpointManager snapshots file bytes on first mutation within a turn
// and restores or deletes them on rewind.
type CheckpointManager struct {
	store          *store.Store
	events         Emitter
	workingDir     string
	enabled        bool
	writeToolsOnly bool
}

// NewCheckpointManager creates a checkpoint manager rooted at workingDir
// (resolved to an absolute path; empty means the process working directory).
func NewCheckpointManager(s *store.Store, events Emitter, workingDir string, enabled, writeToolsOnly bool) (*CheckpointManager, error) {
	if workingDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		workingDir = wd
	}
	abs, err := filepath.Abs(workingDir)
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return &CheckpointManager{
		store:          s,
		events:         events,
		workingDir:     abs,
		enabled:        enabled,
		writeToolsOnly: writeToolsOnly,
	}, nil
}

// Enabled reports whether checkpointing is active.
func (c *CheckpointManager) Enabled() bool { return c.enabled }

// WriteToolsOnly reports whether only allowlisted mutating tools
// participate in tracking.
func (c *CheckpointManager) WriteToolsOnly() bool { return c.writeToolsOnly }

// WorkingDir returns the resolved workspace root.
func (c *CheckpointManager) WorkingDir() string { return c.workingDir }

// CreateCheckpoint writes a checkpoint row for the turn opened by
// userMessageID and emits checkpoint.created. Called at most once per turn.
func (c *CheckpointManager) CreateCheckpoint(sessionID, userMessageID string, scope CheckpointScope) (string, error) {
	checkpointID := domain.NewUUID()
	scopeJSON, err := json.Marshal(scope)
	if err != nil {
		return "", err
	}
	_, err = c.store.Exec(
		`INSERT INTO checkpoints (id, session_id, user_message_id, created_at, scope_json)
		 VALUES (?, ?, ?, ?, ?)`,
		checkpointID, sessionID, userMessageID, store.UTCNow(), string(scopeJSON))
	if err != nil {
		return "", err
	}
	emit(c.events, sessionID, "checkpoint.created", Payload{
		"session_id":    sessionID,
		"checkpoint_id": checkpointID,
	})
	return checkpointID, nil
}

// MaybeTrackToolInput snapshots the file named by tool_input.path, if any,
// before the tool mutates it. Absent or non-string paths are a no-op.
// Later mutations of an already-tracked path are no-ops (first-mutation
// wins). Paths resolving outside the workspace fail with
// ErrPathOutsideWorkspace; callers log and continue — tracking failures
// never block tool execution.
func (c *CheckpointManager) MaybeTrackToolInput(checkpointID string, toolInput map[string]any) error {
	pathVal, ok := toolInput["path"].(string)
	if !ok || pathVal == "" {
		return nil
	}
	resolved, err := c.resolvePath(pathVal)
	if err != nil {
		return err
	}
	return c.snapshotFile(checkpointID, resolved)
}

// RewindFiles restores every file tracked by the checkpoint to its
// before-state, in path-sorted order. Per-file errors are captured in the
// outcome list; remaining files continue. Fails only when the checkpoint
// id does not exist.
func (c *CheckpointManager) RewindFiles(checkpointID string) (string, []domain.RewindOutcome, error) {
	sessionID, err := c.checkpointSession(checkpointID)
	if err != nil {
		return "", nil, err
	}

	emit(c.events, sessionID, "rewind.started", Payload{"checkpoint_id": checkpointID})

	rows, err := c.store.Query(
		`SELECT path, existed_before, backup_blob
		 FROM checkpoint_files
		 WHERE checkpoint_id = ?
		 ORDER BY path ASC`, checkpointID)
	if err != nil {
		return "", nil, err
	}
	var files []domain.CheckpointFile
	for rows.Next() {
		var f domain.CheckpointFile
		var existedBefore int
		if err := rows.Scan(&f.Path, &existedBefore, &f.BackupBlob); err != nil {
			rows.Close()
			return "", nil, err
		}
		f.ExistedBefore = existedBefore == 1
		files = append(files, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return "", nil, err
	}

	var outcomes []domain.RewindOutcome
	for _, f := range files {
		outcome := restoreFile(f)
		outcomes = append(outcomes, outcome)
		emit(c.events, sessionID, "rewind.file_restored", Payload{
			"checkpoint_id": checkpointID,
			"path":          outcome.Path,
			"status":        outcome.Status,
			"detail":        outcome.Detail,
		})
	}

	emit(c.events, sessionID, "rewind.completed", Payload{
		"checkpoint_id": checkpointID,
		"results_count": len(outcomes),
	})
	return sessionID, outcomes, nil
}

// ListCheckpoints returns up to limit checkpoints for a session, most
// recent first, with their scopes decoded.
func (c *CheckpointManager) ListCheckpoints(sessionID string, limit int) ([]domain.Checkpoint, error) {
	if limit < 1 {
		limit = 10
	}
	rows, err := c.store.Query(
		`SELECT id, session_id, user_message_id, created_at, scope_json
		 FROM checkpoints
		 WHERE session_id = ?
		 ORDER BY created_at DESC, id
		 LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var checkpoints []domain.Checkpoint
	for rows.Next() {
		var cp domain.Checkpoint
		var scopeJSON string
		if err := rows.Scan(&cp.ID, &cp.SessionID, &cp.UserMessageID, &cp.CreatedAt, &scopeJSON); err != nil {
			return nil, err
		}
		var scope CheckpointScope
		// Scope rows written by older revisions may be empty objects.
		_ = json.Unmarshal([]byte(scopeJSON), &scope)
		cp.Tools = scope.Tools
		cp.UserPreview = scope.UserPreview
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, rows.Err()
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

func restoreFile(f domain.CheckpointFile) domain.RewindOutcome {
	outcome := domain.RewindOutcome{Path: f.Path, Status: "skipped"}

	if f.ExistedBefore {
		if f.BackupBlob == nil {
			outcome.Status = "failed"
			outcome.Detail = "missing backup blob"
			return outcome
		}
		if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
			outcome.Status = "failed"
			outcome.Detail = err.Error()
			return outcome
		}
		if err := os.WriteFile(f.Path, f.BackupBlob, 0o644); err != nil {
			outcome.Status = "failed"
			outcome.Detail = err.Error()
			return outcome
		}
		outcome.Status = "restored"
		return outcome
	}

	if _, err := os.Stat(f.Path); err == nil {
		if err := os.Remove(f.Path); err != nil {
			outcome.Status = "failed"
			outcome.Detail = err.Error()
			return outcome
		}
		outcome.Status = "removed"
	}
	return outcome
}

func (c *CheckpointManager) checkpointSession(checkpointID string) (string, error) {
	var sessionID string
	err := c.store.QueryRow(
		`SELECT session_id FROM checkpoints WHERE id = ? LIMIT 1`, checkpointID).
		Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("checkpoint %s: %w", checkpointID, ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return sessionID, nil
}

func (c *CheckpointManager) snapshotFile(checkpointID, path string) error {
	sessionID, err := c.checkpointSession(checkpointID)
	if err != nil {
		return err
	}

	var one int
	err = c.store.QueryRow(
		`SELECT 1 FROM checkpoint_files WHERE checkpoint_id = ? AND path = ? LIMIT 1`,
		checkpointID, path).Scan(&one)
	if err == nil {
		return nil // first mutation wins
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	existedBefore := false
	var backupBlob []byte
	if _, statErr := os.Stat(path); statErr == nil {
		existedBefore = true
		backupBlob, err = os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read backup of %s: %w", path, err)
		}
	}

	existedInt := 0
	if existedBefore {
		existedInt = 1
	}
	_, err = c.store.Exec(
		`INSERT INTO checkpoint_files (checkpoint_id, path, existed_before, backup_blob)
		 VALUES (?, ?, ?, ?)`,
		checkpointID, path, existedInt, backupBlob)
	if err != nil {
		return err
	}

	emit(c.events, sessionID, "checkpoint.file_tracked", Payload{
		"checkpoint_id":  checkpointID,
		"path":           path,
		"existed_before": existedBefore,
	})
	return nil
}

// resolvePath canonicalises a tool-supplied path against the workspace
// root and rejects anything that escapes it.
func (c *CheckpointManager) resolvePath(pathVal string) (string, error) {
	candidate := pathVal
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(c.workingDir, candidate)
	}
	resolved, err := filepath.Abs(filepath.Clean(candidate))
	if err != nil {
		return "", err
	}
	// Resolve symlinks through the deepest existing ancestor so a link out
	// of the workspace cannot smuggle a path past the containment check.
	if real, err := evalSymlinksPartial(resolved); err == nil {
		resolved = real
	}

	rel, err := filepath.Rel(c.workingDir, resolved)
	if err != nil || rel == ".." || filepath.IsAbs(rel) ||
		(len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathOutsideWorkspace, resolved)
	}
	return resolved, nil
}

// evalSymlinksPartial resolves symlinks for the longest existing prefix of
// path and rejoins the non-existent remainder.
func evalSymlinksPartial(path string) (string, error) {
	if real, err := filepath.EvalSymlinks(path); err == nil {
		return real, nil
	}
	dir, base := filepath.Split(filepath.Clean(path))
	dir = filepath.Clean(dir)
	if dir == path {
		return path, nil
	}
	realDir, err := evalSymlinksPartial(dir)
	if err != nil {
		return path, err
	}
	return filepath.Join(realDir, base), nil
}
