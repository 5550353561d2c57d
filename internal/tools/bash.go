package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/batalabs/loopd/internal/provider"
)

// bashTimeout bounds a single shell command.
const bashTimeout = 30 * time.Second

// BashTool runs a shell command in the working directory.
type BashTool struct {
	WorkingDir string
}

func (t *BashTool) Spec() provider.ToolSpec {
	return provider.ToolSpec{
		Name:        "bash",
		Description: "Execute a bash command in the working directory and return combined stdout/stderr. Commands time out after 30 seconds.",
		Properties: map[string]provider.ToolProp{
			"command": {Type: "string", Description: "The bash command to execute"},
		},
		Required: []string{"command"},
	}
}

// IsMutating is true: a shell command can touch anything, so the turn gets
// a checkpoint even though individual paths cannot be predicted.
func (t *BashTool) IsMutating() bool { return true }

func (t *BashTool) Execute(input map[string]any) (string, error) {
	command, err := stringInput(input, "command")
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(context.Background(), bashTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	cmd.Dir = t.WorkingDir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	runErr := cmd.Run()
	output := strings.TrimRight(out.String(), "\n")

	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("command timed out after %s", bashTimeout)
	}
	if runErr != nil {
		if output == "" {
			return "", fmt.Errorf("command failed: %w", runErr)
		}
		return "", fmt.Errorf("command failed: %w\n%s", runErr, output)
	}
	if output == "" {
		return "(no output)", nil
	}
	return output, nil
}
