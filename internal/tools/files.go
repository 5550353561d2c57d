package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/batalabs/loopd/internal/provider"
)

// resolveToolPath resolves a tool-supplied path against the working
// directory. Paths outside the working directory are used as given; the
// checkpoint layer refuses to track them but does not stop the tool.
func resolveToolPath(workingDir, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(workingDir, path)
}

func stringInput(input map[string]any, key string) (string, error) {
	v, ok := input[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("missing required parameter: %s", key)
	}
	return v, nil
}

// ---------------------------------------------------------------------------
// read_file
// ---------------------------------------------------------------------------

// FileReadTool reads file contents from the workspace.
type FileReadTool struct {
	WorkingDir string
}

func (t *FileReadTool) Spec() provider.ToolSpec {
	return provider.ToolSpec{
		Name:        "read_file",
		Description: "Read a file's contents. Use offset and limit for large files. Read before editing to get exact text.",
		Properties: map[string]provider.ToolProp{
			"path":   {Type: "string", Description: "Absolute or relative file path to read"},
			"offset": {Type: "integer", Description: "Line number to start reading from (1-based, default: 1)"},
			"limit":  {Type: "integer", Description: "Maximum number of lines to read (default: all)"},
		},
		Required: []string{"path"},
	}
}

func (t *FileReadTool) IsMutating() bool { return false }

func (t *FileReadTool) Execute(input map[string]any) (string, error) {
	path, err := stringInput(input, "path")
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(resolveToolPath(t.WorkingDir, path))
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}

	lines := strings.Split(string(data), "\n")
	offset := intInput(input, "offset", 1)
	if offset < 1 {
		offset = 1
	}
	limit := intInput(input, "limit", len(lines))
	if offset > len(lines) {
		return "", fmt.Errorf("offset %d is past the end of %s (%d lines)", offset, path, len(lines))
	}
	end := offset - 1 + limit
	if end > len(lines) {
		end = len(lines)
	}
	return strings.Join(lines[offset-1:end], "\n"), nil
}

func (t *FileReadTool) PredictTouchedPaths(input map[string]any) []string {
	if path, ok := input["path"].(string); ok && path != "" {
		return []string{resolveToolPath(t.WorkingDir, path)}
	}
	return nil
}

func intInput(input map[string]any, key string, def int) int {
	switch v := input[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

// ---------------------------------------------------------------------------
// write_file
// ---------------------------------------------------------------------------

// FileWriteTool creates or overwrites a file.
type FileWriteTool struct {
	WorkingDir string
}

func (t *FileWriteTool) Spec() provider.ToolSpec {
	return provider.ToolSpec{
		Name:        "write_file",
		Description: "Write content to a file, creating it (and parent directories) if needed or overwriting it entirely.",
		Properties: map[string]provider.ToolProp{
			"path":    {Type: "string", Description: "Absolute or relative file path to write"},
			"content": {Type: "string", Description: "Full content to write to the file"},
		},
		Required: []string{"path", "content"},
	}
}

func (t *FileWriteTool) IsMutating() bool { return true }

func (t *FileWriteTool) Execute(input map[string]any) (string, error) {
	path, err := stringInput(input, "path")
	if err != nil {
		return "", err
	}
	content, ok := input["content"].(string)
	if !ok {
		return "", fmt.Errorf("missing required parameter: content")
	}
	resolved := resolveToolPath(t.WorkingDir, path)
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return "", fmt.Errorf("creating directories for %s: %w", path, err)
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), nil
}

func (t *FileWriteTool) PredictTouchedPaths(input map[string]any) []string {
	if path, ok := input["path"].(string); ok && path != "" {
		return []string{resolveToolPath(t.WorkingDir, path)}
	}
	return nil
}

// ---------------------------------------------------------------------------
// append_file
// ---------------------------------------------------------------------------

// FileAppendTool appends content to a file.
type FileAppendTool struct {
	WorkingDir string
}

func (t *FileAppendTool) Spec() provider.ToolSpec {
	return provider.ToolSpec{
		Name:        "append_file",
		Description: "Append content to the end of a file, creating it if it does not exist.",
		Properties: map[string]provider.ToolProp{
			"path":    {Type: "string", Description: "Absolute or relative file path to append to"},
			"content": {Type: "string", Description: "Content to append"},
		},
		Required: []string{"path", "content"},
	}
}

func (t *FileAppendTool) IsMutating() bool { return true }

func (t *FileAppendTool) Execute(input map[string]any) (string, error) {
	path, err := stringInput(input, "path")
	if err != nil {
		return "", err
	}
	content, ok := input["content"].(string)
	if !ok {
		return "", fmt.Errorf("missing required parameter: content")
	}
	resolved := resolveToolPath(t.WorkingDir, path)
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return "", fmt.Errorf("creating directories for %s: %w", path, err)
	}
	f, err := os.OpenFile(resolved, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return "", fmt.Errorf("appending to %s: %w", path, err)
	}
	return fmt.Sprintf("Appended %d bytes to %s", len(content), path), nil
}

func (t *FileAppendTool) PredictTouchedPaths(input map[string]any) []string {
	if path, ok := input["path"].(string); ok && path != "" {
		return []string{resolveToolPath(t.WorkingDir, path)}
	}
	return nil
}

// ---------------------------------------------------------------------------
// edit_file
// ---------------------------------------------------------------------------

// FileEditTool replaces an exact text span in a file.
type FileEditTool struct {
	WorkingDir string
}

func (t *FileEditTool) Spec() provider.ToolSpec {
	return provider.ToolSpec{
		Name:        "edit_file",
		Description: "Replace an exact text span in a file. old_text must appear exactly once; read the file first to copy it verbatim.",
		Properties: map[string]provider.ToolProp{
			"path":     {Type: "string", Description: "Absolute or relative file path to edit"},
			"old_text": {Type: "string", Description: "Exact text to replace (must match exactly once)"},
			"new_text": {Type: "string", Description: "Replacement text"},
		},
		Required: []string{"path", "old_text", "new_text"},
	}
}

func (t *FileEditTool) IsMutating() bool { return true }

func (t *FileEditTool) Execute(input map[string]any) (string, error) {
	path, err := stringInput(input, "path")
	if err != nil {
		return "", err
	}
	oldText, err := stringInput(input, "old_text")
	if err != nil {
		return "", err
	}
	newText, _ := input["new_text"].(string)

	resolved := resolveToolPath(t.WorkingDir, path)
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	content := string(data)

	switch count := strings.Count(content, oldText); {
	case count == 0:
		return "", fmt.Errorf("old_text not found in %s", path)
	case count > 1:
		return "", fmt.Errorf("old_text appears %d times in %s; add surrounding context to make it unique", count, path)
	}

	updated := strings.Replace(content, oldText, newText, 1)
	if err := os.WriteFile(resolved, []byte(updated), 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffCleanupSemantic(dmp.DiffMain(oldText, newText, false))
	return fmt.Sprintf("Edited %s:\n%s", path, renderDiff(diffs)), nil
}

func (t *FileEditTool) PredictTouchedPaths(input map[string]any) []string {
	if path, ok := input["path"].(string); ok && path != "" {
		return []string{resolveToolPath(t.WorkingDir, path)}
	}
	return nil
}

// renderDiff formats a diff as removed/added lines for the tool result.
func renderDiff(diffs []diffmatchpatch.Diff) string {
	var b strings.Builder
	for _, d := range diffs {
		text := strings.TrimRight(d.Text, "\n")
		if text == "" {
			continue
		}
		for _, line := range strings.Split(text, "\n") {
			switch d.Type {
			case diffmatchpatch.DiffDelete:
				fmt.Fprintf(&b, "- %s\n", line)
			case diffmatchpatch.DiffInsert:
				fmt.Fprintf(&b, "+ %s\n", line)
			default:
				fmt.Fprintf(&b, "  %s\n", line)
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
