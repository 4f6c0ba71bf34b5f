package injectipa

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"

	"github.com/charmbracelet/log"
)

// runTool runs an external tool to completion and captures its exit status.
// A started process is always waited for; ctx is only checked before start.
// Failures are reported as *ToolError wrapping kind.
func runTool(ctx context.Context, logger *log.Logger, kind error, dir, tool string, args ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path, err := exec.LookPath(tool)
	if err != nil {
		return &ToolError{Tool: tool, Args: args, ExitCode: -1, Kind: kind, Err: err}
	}

	var output bytes.Buffer
	cmd := exec.Command(path, args...)
	cmd.Dir = dir
	cmd.Stdout = &output
	cmd.Stderr = &output

	logger.Debug("running tool", "tool", tool, "args", strings.Join(args, " "), "dir", dir)
	err = cmd.Run()
	if output.Len() > 0 {
		logger.Debug("tool output", "tool", tool, "output", strings.TrimSpace(output.String()))
	}
	if err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		logger.Debug("tool failed", "tool", tool, "exit_code", exitCode)
		return &ToolError{
			Tool:     tool,
			Args:     args,
			ExitCode: exitCode,
			Output:   output.String(),
			Kind:     kind,
			Err:      err,
		}
	}
	return nil
}
